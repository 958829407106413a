// Package mvstore implements a persistent, append-structured key/value
// store coordinator: chunk lifecycle, the commit pipeline, free-space
// accounting, reachability-based garbage collection, compaction, the store
// header and recovery protocol, and the versioning/snapshot machinery
// including the background writer.
//
// The copy-on-write B-tree (package page) and the block device (package
// device) are narrow collaborators with a fixed contract; Store composes
// them but does not reach into their internals.
package mvstore

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kluzzebass/mvstore/internal/mvstore/device"
	"github.com/kluzzebass/mvstore/internal/mvstore/page"
)

const metaMapID = 0

// Store is the coordinator: it owns a file-backed block device, a metadata
// map, the set of open maps, the chunk table, the store header, and the
// current/last-stored version counters.
type Store struct {
	cfg    Config
	logger *slog.Logger

	// mu is "the store mutex" : held during mutation of
	// chunks/meta, the store header, storeNow, rollback, map create/
	// rename/remove, and compaction's move phase.
	mu sync.Mutex

	dev device.FileStore

	meta *metaStore
	maps map[int]*page.MVMap // map_id -> open map
	// removedMaps records, for a map removed while readers might
	// still see it, the version at which it was removed; RollbackTo uses
	// it to keep removed maps removed.
	removedMaps map[int]int64
	nextMapID   int

	chunksMu sync.RWMutex
	chunks   map[int]*Chunk

	lastChunk   *Chunk
	header      StoreHeader
	headerBlock int64 // first block of the chunk recovery last adopted

	currentVersion    atomic.Int64
	lastStoredVersion atomic.Int64
	appVersion        atomic.Int64 // user-facing getStoreVersion/setStoreVersion
	lastCommitTimeMs  atomic.Int64

	retentionTimeMs atomic.Int64
	reuseSpace      atomic.Bool
	versionsToKeep  atomic.Int64

	unsavedMemory atomic.Int64

	freedMu        sync.Mutex
	freedPageSpace map[int]*freedDelta

	// writerActive is not read or set anywhere; commits are serialized by
	// holding mu, so at most one storeNow runs per store at a time.
	writerActive atomic.Bool

	txMu             sync.Mutex
	currentTxCounter *TxCounter
	txFIFO           []*TxCounter
	oldestVersionToKeep atomic.Int64

	compactMu sync.Mutex

	closed   atomic.Bool
	panicErr atomic.Pointer[Error]

	// chunkRefCache memoizes the set of page positions reachable beneath a saved
	// page position, since a saved page's reachable set never changes.
	chunkRefCache *lru.Cache[page.Pos, []page.Pos]

	// contentCache memoizes a chunk's decompressed page-data region by
	// chunk id; immutable once written, so cached indefinitely up to the
	// cache's bound.
	contentCache *lru.Cache[int, []byte]

	lastGCMs atomic.Int64

	bg *backgroundWriter
}

const (
	chunkRefCacheSize     = 4096
	chunkContentCacheSize = 64
)

// Open constructs a Store.
func Open(cfg Config) (*Store, error) {
	cfg.setDefaults()
	defer zeroKey(cfg.EncryptionKey)

	dev, err := device.Open(cfg.FileName, cfg.ReadOnly)
	if err != nil {
		return nil, newErr(WritingFailed, "open device", err)
	}

	refCache, err := lru.New[page.Pos, []page.Pos](chunkRefCacheSize)
	if err != nil {
		_ = dev.Close()
		return nil, newErr(Internal, "allocate chunk reference cache", err)
	}
	contentCache, err := lru.New[int, []byte](chunkContentCacheSize)
	if err != nil {
		_ = dev.Close()
		return nil, newErr(Internal, "allocate chunk content cache", err)
	}

	s := &Store{
		cfg:            cfg,
		logger:         cfg.logger(),
		dev:            dev,
		meta:           newMetaStore(),
		maps:           map[int]*page.MVMap{},
		removedMaps:    map[int]int64{},
		chunks:         map[int]*Chunk{},
		freedPageSpace: map[int]*freedDelta{},
		chunkRefCache:  refCache,
		contentCache:   contentCache,
		nextMapID:      1,
	}
	s.retentionTimeMs.Store(defaultRetentionTimeMs)
	s.reuseSpace.Store(true)
	s.currentTxCounter = newTxCounter(0)

	if err := s.openOrCreate(); err != nil {
		_ = dev.Close()
		return nil, err
	}

	if cfg.AutoCommitDelay > 0 && !cfg.ReadOnly {
		s.bg = startBackgroundWriter(s)
	}

	return s, nil
}

func zeroKey(k []byte) {
	for i := range k {
		k[i] = 0
	}
}

// nowMs returns the configured clock's wall time in Unix milliseconds;
// sinceCreationMs converts it to milliseconds since the store's creation
// time, the unit chunk.TimeMs and the retention logic in gc.go operate in.
func (s *Store) nowMs() int64 {
	return s.cfg.Now().UnixMilli()
}

func (s *Store) sinceCreationMs() int64 {
	return s.nowMs() - s.header.Created
}

// checkOpen fails fast: any operation on a closed or
// panicked store returns CLOSED, carrying the original cause if the store
// panicked.
func (s *Store) checkOpen() error {
	if p := s.panicErr.Load(); p != nil {
		return newErr(Closed, "store panicked", p)
	}
	if s.closed.Load() {
		return newErr(Closed, "store is closed", nil)
	}
	return nil
}

// recoverPanic is deferred at every public entry point that can panic
// internally (storeNow, Commit, Open's recovery path). It records the
// panic as permanent store state and stops the background writer, then
// re-panics so the caller sees it (tests and callers that want a recovered
// error should wrap calls with their own recover).
func (s *Store) recoverPanic() {
	if r := recover(); r != nil {
		var e *Error
		if asErr, ok := r.(*Error); ok {
			e = asErr
		} else {
			e = newErr(Internal, fmt.Sprintf("%v", r), nil)
		}
		s.panicErr.Store(e)
		if s.bg != nil {
			s.bg.stop()
		}
		panic(e)
	}
}

// GetPanicException returns the error the store permanently panicked with,
// if any.
func (s *Store) GetPanicException() error {
	if p := s.panicErr.Load(); p != nil {
		return p
	}
	return nil
}

func (s *Store) IsClosed() bool { return s.closed.Load() }
func (s *Store) IsReadOnly() bool { return s.cfg.ReadOnly }

func (s *Store) GetCurrentVersion() int64    { return s.currentVersion.Load() }
func (s *Store) GetLastStoredVersion() int64 { return s.lastStoredVersion.Load() }
func (s *Store) GetStoreVersion() int64      { return s.appVersion.Load() }
func (s *Store) SetStoreVersion(v int64)     { s.appVersion.Store(v) }

func (s *Store) SetRetentionTime(ms int64) { s.retentionTimeMs.Store(ms) }
func (s *Store) SetReuseSpace(b bool)      { s.reuseSpace.Store(b) }
func (s *Store) SetVersionsToKeep(n int64) { s.versionsToKeep.Store(n) }

func (s *Store) SetAutoCommitDelay(d int64) {
	s.cfg.AutoCommitDelay = durationFromMs(d)
	if s.bg != nil {
		s.bg.setDelay(d)
	}
}

// SetCacheSize is accepted for API completeness; this implementation has no
// page cache to resize.
func (s *Store) SetCacheSize(mb int) { s.cfg.CacheSize = mb }

// Sync flushes any unsaved changes and forces the device to durable
// storage.
func (s *Store) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	err := s.commitLocked(false)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.dev.Sync()
}

// Close stops the background writer, flushes any unsaved changes, and
// releases the device.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.bg != nil {
		s.bg.stop()
	}
	if s.panicErr.Load() == nil && !s.cfg.ReadOnly {
		s.mu.Lock()
		if err := s.commitLocked(false); err != nil {
			s.logger.Warn("close: final commit failed", "err", err)
		}
		s.mu.Unlock()
	}
	_ = s.dev.Sync()
	return s.dev.Close()
}

// CloseImmediately releases resources without a final commit or shrink,
// for use after a panic or in tests that want to simulate a crash.
func (s *Store) CloseImmediately() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.bg != nil {
		s.bg.stop()
	}
	return s.dev.Close()
}
