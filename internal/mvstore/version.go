package mvstore

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kluzzebass/mvstore/internal/mvstore/page"
)

// TxCounter tracks how many open references (transactions, iterators, long
// reads) a version has outstanding. A version cannot be reclaimed by GC
// while its counter is above zero; RollbackTo does not consult the
// counters. id is a debug-only
// identifier, useful when logging a leaked reference.
type TxCounter struct {
	id      string
	version int64
	count   atomic.Int64
}

// newTxCounter starts count at 1 for the store's own implicit reference to
// the version it is current for; that reference is given up by
// retireTxCounterOnCommit when the version stops being current.
func newTxCounter(version int64) *TxCounter {
	tc := &TxCounter{id: uuid.NewString(), version: version}
	tc.count.Store(1)
	return tc
}

func (t *TxCounter) Version() int64 { return t.version }

// registerVersionUsage records a new reference to the store's current
// version and returns the counter the caller must later deregister. If the
// current counter already belongs to the same version it is reused so many
// short-lived readers share one atomic.
func (s *Store) registerVersionUsage() *TxCounter {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	v := s.currentVersion.Load()
	if s.currentTxCounter == nil || s.currentTxCounter.version != v {
		s.currentTxCounter = newTxCounter(v)
		s.txFIFO = append(s.txFIFO, s.currentTxCounter)
	}
	s.currentTxCounter.count.Add(1)
	return s.currentTxCounter
}

// deregisterVersionUsage releases a reference obtained from
// registerVersionUsage, then advances oldestVersionToKeep as far as the
// FIFO of still-referenced versions allows.
func (s *Store) deregisterVersionUsage(tc *TxCounter) {
	if tc == nil {
		return
	}
	tc.count.Add(-1)
	s.dropUnusedVersions()
	s.mu.Lock()
	s.pruneRetainedRootsLocked()
	s.mu.Unlock()
}

// retireTxCounterOnCommit implements the per-commit handoff: when the
// version advances, the outgoing counter is pushed onto a FIFO, a fresh
// TxCounter is installed for the new version, and the outgoing counter is
// decremented once to give up the store's own implicit reference. Without
// this, a store with no registered readers would never advance
// oldestVersionToKeep at all, since nothing would ever retire the counter
// the store itself holds against every version it passes through. Callers
// must already hold s.mu.
func (s *Store) retireTxCounterOnCommit(newVersion int64) {
	s.txMu.Lock()
	prev := s.currentTxCounter
	if prev != nil {
		s.txFIFO = append(s.txFIFO, prev)
	}
	s.currentTxCounter = newTxCounter(newVersion)
	s.txMu.Unlock()

	if prev != nil {
		prev.count.Add(-1)
	}
	s.dropUnusedVersions()
	s.pruneRetainedRootsLocked()
}

// pruneRetainedRootsLocked drops each open map's historical roots older
// than oldestVersionToKeep. Callers must already hold s.mu.
func (s *Store) pruneRetainedRootsLocked() {
	oldest := s.oldestVersionToKeep.Load()
	for _, mm := range s.maps {
		mm.DropRootsBefore(oldest)
	}
}

// dropUnusedVersions advances oldestVersionToKeep past every FIFO-head
// counter that has reached zero, clamped so at least versionsToKeep of the
// most recent versions are always retained regardless of reader activity
// (setVersionsToKeep's floor). The FIFO ordering matters: a
// version in the middle with outstanding references blocks every version
// behind it from being dropped, exactly mirroring real reader semantics (an
// old snapshot blocks reclamation of everything newer it might still
// compare against).
func (s *Store) dropUnusedVersions() {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	i := 0
	for i < len(s.txFIFO) && s.txFIFO[i].count.Load() == 0 {
		i++
	}
	if i == 0 {
		if len(s.txFIFO) > 0 {
			head := s.txFIFO[0]
			s.logger.Debug("reclamation blocked by outstanding reference",
				"tx_id", head.id, "version", head.version, "refs", head.count.Load())
		}
		return
	}
	target := s.txFIFO[i-1].version
	s.txFIFO = s.txFIFO[i:]

	if floor := s.versionsToKeep.Load(); floor > 0 {
		if limit := s.currentVersion.Load() - floor; limit < target {
			target = limit
		}
	}

	for {
		cur := s.oldestVersionToKeep.Load()
		if target <= cur {
			return
		}
		if s.oldestVersionToKeep.CompareAndSwap(cur, target) {
			return
		}
		// Lost the race to another committer advancing the same field;
		// reload and retry rather than clobbering a newer value.
	}
}

// RollbackTo discards every change made at or after version v+1. v == 0
// resets the store to its
// freshly created state (drop every open map, clear the chunk table and
// free-space accounting, reset the header); v > 0 restores each map's root
// as of that version and truncates the chunk table to chunks whose
// Version <= v. Maps removed with RemoveMap stay removed.
func (s *Store) RollbackTo(v int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.cfg.ReadOnly {
		return newErr(WritingFailed, "rollback: store is read-only", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if v < 0 {
		return newErr(Argument, "rollback: version must be >= 0", nil)
	}
	last := s.lastStoredVersion.Load()
	if v > last {
		return newErr(Argument, "rollback: version is newer than last stored version", nil)
	}
	if v == last {
		// Nothing on disk to unwind; only discard uncommitted in-memory
		// changes, same as the no-argument Rollback.
		for _, mm := range s.maps {
			if root, ok := mm.RootAt(last); ok {
				mm.SetRoot(root)
			}
		}
		return nil
	}

	s.txMu.Lock()
	kept := s.txFIFO[:0]
	for _, tc := range s.txFIFO {
		if tc.version < v {
			kept = append(kept, tc)
		}
	}
	s.txFIFO = kept
	s.txMu.Unlock()

	if v == 0 {
		return s.rollbackToEmpty()
	}

	s.chunksMu.Lock()
	var dropped []*Chunk
	for id, c := range s.chunks {
		if c.Version > v {
			dropped = append(dropped, c)
			delete(s.chunks, id)
		}
	}
	remaining := make([]*Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		remaining = append(remaining, c)
	}
	s.chunksMu.Unlock()

	if len(remaining) == 0 {
		return newErr(Argument, "rollback target predates every retained chunk", nil)
	}
	newest := remaining[0]
	for _, c := range remaining[1:] {
		if c.Version > newest.Version {
			newest = c
		}
	}

	if err := s.adoptClosure(newest); err != nil {
		return newErr(Internal, "rollback: reload closure", err)
	}

	// newest's metadata may still list maps removed since; RemoveMap is not
	// undone by a rollback, and a removed map's id is not handed out again.
	for id := range s.removedMaps {
		if id >= s.nextMapID {
			s.nextMapID = id + 1
		}
		if mm, ok := s.maps[id]; ok {
			delete(s.maps, id)
			s.meta.remove(mapConfigKeyOf(id))
			s.meta.remove(mapRootKeyOf(id))
			s.meta.remove(mapNameKeyOf(mm.Name()))
		}
	}

	for id, mm := range s.maps {
		if root, ok := mm.RootAt(v); ok {
			mm.SetRoot(root)
		} else if root, ok := mm.RootAt(newest.Version); ok {
			mm.SetRoot(root)
		} else {
			s.logger.Warn("rollback: map has no retained root at target version", "map", id)
		}
	}

	if err := s.zeroDroppedChunks(dropped); err != nil {
		return err
	}

	s.currentVersion.Store(v)
	s.lastStoredVersion.Store(newest.Version)

	return s.writeStoreHeader(s.header)
}

// rollbackToEmpty implements RollbackTo(0): every open map is dropped,
// every chunk's space is freed and zeroed, and the store is reinitialized
// exactly as a brand new file would be
func (s *Store) rollbackToEmpty() error {
	s.chunksMu.Lock()
	dropped := make([]*Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		dropped = append(dropped, c)
	}
	s.chunks = map[int]*Chunk{}
	s.chunksMu.Unlock()

	if err := s.zeroDroppedChunks(dropped); err != nil {
		return err
	}

	s.maps = map[int]*page.MVMap{}
	s.removedMaps = map[int]int64{}
	s.nextMapID = 1
	s.meta.loadFrom(map[string]string{})
	s.lastChunk = nil
	if err := s.dev.Truncate(2 * BlockSize); err != nil {
		return newErr(WritingFailed, "rollback: truncate to empty", err)
	}
	s.dev.MarkUsed(0, 2*BlockSize)

	// Mirror recovery.go's createNew bootstrap: currentVersion starts one
	// below zero so the forced commit below lands at version 0, not 1,
	// leaving the store reporting version 0 exactly as a freshly created
	// file would.
	s.currentVersion.Store(-1)
	s.lastStoredVersion.Store(-1)

	s.header.Chunk = -1
	s.header.Block = 0
	s.header.Version = -1
	if err := s.writeStoreHeader(s.header); err != nil {
		return err
	}
	return s.commitLocked(true)
}

// zeroDroppedChunks frees each chunk's device extent and overwrites its
// on-disk bytes with zeros before syncing, so a reader
// racing the rollback can never observe stale committed data at a position
// the chunk table no longer recognizes.
func (s *Store) zeroDroppedChunks(dropped []*Chunk) error {
	if len(dropped) == 0 {
		return nil
	}
	zeros := make([]byte, BlockSize)
	for _, c := range dropped {
		s.dev.Free(c.BlockPos(), int(c.ByteLen()))
		s.contentCache.Remove(c.ID)
		for off := int64(0); off < c.ByteLen(); off += BlockSize {
			if err := s.dev.WriteFully(c.BlockPos()+off, zeros); err != nil {
				return newErr(WritingFailed, "rollback: zero chunk extent", err)
			}
		}
	}
	return s.dev.Sync()
}

// Rollback discards every in-memory change made since the last stored
// version without touching the chunk table's
// no-argument rollback: each open map's root is reset to the root it had
// at the last successful commit, undoing any Put/Remove calls made since.
// A map renamed since keeps its new name and its current root, since
// renaming starts it with no retained roots.
func (s *Store) Rollback() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.lastStoredVersion.Load()
	for _, mm := range s.maps {
		if root, ok := mm.RootAt(last); ok {
			mm.SetRoot(root)
		}
	}
	return nil
}

// RegisterVersionUsage pins the store's current version against
// reclamation until the returned counter is deregistered
// §4.5/§6.
func (s *Store) RegisterVersionUsage() *TxCounter {
	return s.registerVersionUsage()
}

// DeregisterVersionUsage releases a reference obtained from
// RegisterVersionUsage.
func (s *Store) DeregisterVersionUsage(tc *TxCounter) {
	s.deregisterVersionUsage(tc)
}
