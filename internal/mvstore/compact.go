package mvstore

import (
	"context"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/kluzzebass/mvstore/internal/mvstore/page"
)

// Compact rewrites the lowest-priority chunks until `write` bytes worth
// have been forced through a fresh commit, or the device's overall fill
// rate already meets targetFillRate.
func (s *Store) Compact(targetFillRate, write int) (int, error) {
	return s.compact(targetFillRate, write)
}

// CompactMoveChunks relocates chunks toward the front of the file so
// trailing free space can be truncated away.
func (s *Store) CompactMoveChunks(targetFillRate, moveSize int) error {
	return s.compactMoveChunks(targetFillRate, moveSize)
}

// CompactRewriteFully forces every chunk below 100% fill through a
// rewrite.
func (s *Store) CompactRewriteFully() (int, error) {
	return s.compactRewriteFully()
}

// compact rewrites the lowest-priority chunks until `write` bytes worth
// have been forced through a fresh commit, or the device's overall fill
// rate already meets targetFillRate. It returns the number of bytes
// rewritten.
func (s *Store) compact(targetFillRate int, write int) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	if s.dev.FillRate() >= targetFillRate {
		return 0, nil
	}

	s.mu.Lock()
	candidates := s.collectPriority()
	rewritten := 0
	touchedAny := false
	for _, c := range candidates {
		if rewritten >= write {
			break
		}
		touched := false
		for _, mm := range s.maps {
			if s.mapReferencesChunk(mm, c.ID) {
				forceRewriteMap(mm, s.cfg.KeysPerPage)
				touched = true
			}
		}
		if touched {
			rewritten += int(c.MaxLenLive)
			touchedAny = true
		}
	}
	s.mu.Unlock()

	if touchedAny {
		if _, err := s.TryCommit(); err != nil {
			return rewritten, err
		}
	}
	return rewritten, nil
}

// compactRewriteFully forces a complete rewrite: every chunk below 100%
// fill, with no cap on bytes moved.
func (s *Store) compactRewriteFully() (int, error) {
	return s.compact(100, math.MaxInt)
}

// collectPriority ranks chunks worst-fill-per-age first: a chunk with a low
// live fraction that has sat around a long time is the best rewrite
// candidate, since rewriting it yields the most reclaimed space per byte
// moved.
func (s *Store) collectPriority() []*Chunk {
	chunks := s.allChunks()
	now := s.sinceCreationMs()
	sort.Slice(chunks, func(i, j int) bool {
		return chunkPriority(chunks[i], now) < chunkPriority(chunks[j], now)
	})
	return chunks
}

func chunkPriority(c *Chunk, nowMs int64) int64 {
	if c.MaxLen == 0 {
		return math.MaxInt64
	}
	fillRate := c.MaxLenLive * 100 / c.MaxLen
	age := nowMs - c.TimeMs
	if age <= 0 {
		age = 1
	}
	return fillRate * 1000 / age
}

func (s *Store) mapReferencesChunk(mm *page.MVMap, chunkID int) bool {
	for _, pos := range s.collectPositions(mm.Root()) {
		if pos.ChunkID() == chunkID {
			return true
		}
	}
	return false
}

// forceRewriteMap rebuilds a map's entire tree from its current contents,
// guaranteeing every page becomes unsaved and will be serialized fresh on
// the next commit. This is a blunter tool than rewriting only the pages
// that live in the target chunk, traded for simplicity (see DESIGN.md).
func forceRewriteMap(mm *page.MVMap, keysPerPage int) {
	fresh := page.Empty()
	mm.Each(func(k, v string) bool {
		fresh = fresh.Put(k, v, keysPerPage)
		return true
	})
	mm.SetRoot(fresh)
}

// compactMoveChunks relocates chunks toward the front of the file so the
// trailing free space can be truncated away. Retention and space reuse are
// suspended for the duration; the relocation writes themselves always
// allocate from the free list, and a chunk is moved only when that yields a
// position before its current one.
func (s *Store) compactMoveChunks(targetFillRate int, moveSize int) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	if s.dev.FillRate() >= targetFillRate {
		return nil
	}

	prevReuse := s.reuseSpace.Load()
	prevRetention := s.retentionTimeMs.Load()
	s.reuseSpace.Store(false)
	s.retentionTimeMs.Store(0)
	defer func() {
		s.reuseSpace.Store(prevReuse)
		s.retentionTimeMs.Store(prevRetention)
	}()

	s.mu.Lock()
	chunks := s.allChunks()
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Block > chunks[j].Block })
	var toMove []*Chunk
	moved := 0
	for _, c := range chunks {
		if moved >= moveSize {
			break
		}
		if s.lastChunk != nil && c.ID == s.lastChunk.ID {
			continue
		}
		toMove = append(toMove, c)
		moved += int(c.ByteLen())
	}
	s.mu.Unlock()

	if len(toMove) == 0 {
		return nil
	}

	g, _ := errgroup.WithContext(context.Background())
	payloads := make([][]byte, len(toMove))
	for i, c := range toMove {
		i, c := i, c
		g.Go(func() error {
			data, err := s.dev.ReadFully(c.BlockPos(), int(c.ByteLen()))
			if err != nil {
				return err
			}
			payloads[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return newErr(WritingFailed, "compact move: read chunks", err)
	}

	s.mu.Lock()
	for i, c := range toMove {
		newPos, err := s.dev.Allocate(int(c.ByteLen()), true)
		if err != nil {
			s.mu.Unlock()
			return newErr(WritingFailed, "compact move: allocate", err)
		}
		if newPos >= c.BlockPos() {
			s.dev.Free(newPos, int(c.ByteLen()))
			continue
		}
		oldPos := c.BlockPos()
		c.Block = newPos / BlockSize
		// The header/footer embedded in payloads[i] still self-describe the
		// old block; rewrite both in place before the relocated bytes are
		// written out, so a chunk found by scanning the file describes its
		// own position correctly rather than relying solely on the meta map.
		copy(payloads[i][0:HeaderLength], c.encodeChunkHeader())
		copy(payloads[i][len(payloads[i])-FooterLength:], c.encodeChunkFooter())
		if err := s.dev.WriteFully(newPos, payloads[i]); err != nil {
			s.mu.Unlock()
			return newErr(WritingFailed, "compact move: write", err)
		}
		s.dev.Free(oldPos, int(c.ByteLen()))
		s.meta.put(chunkMetaKeyOf(c.ID), c.encodeMeta())
	}
	s.mu.Unlock()

	if _, err := s.Commit(); err != nil {
		return err
	}
	if err := s.dev.Sync(); err != nil {
		return newErr(WritingFailed, "compact move: sync", err)
	}
	s.shrinkIfPossible(4)
	return nil
}
