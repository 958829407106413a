package mvstore

import "github.com/kluzzebass/mvstore/internal/mvstore/page"

// freedDelta accumulates the pages and bytes recorded by addFreedPage,
// attributed to the chunk that originally stored them; commitLocked applies
// them to each chunk's PageCountLive/MaxLenLive counters. Nothing in the
// store calls addFreedPage, so the accumulator stays empty and the live
// counters keep the values they were written with.
type freedDelta struct {
	pages int64
	bytes int64
}

func (s *Store) addFreedPage(pos page.Pos) {
	if !pos.IsSaved() {
		return
	}
	s.freedMu.Lock()
	defer s.freedMu.Unlock()
	d, ok := s.freedPageSpace[pos.ChunkID()]
	if !ok {
		d = &freedDelta{}
		s.freedPageSpace[pos.ChunkID()] = d
	}
	d.pages++
	d.bytes += estimatedPageSize(pos)
}

// estimatedPageSize recovers an approximate serialized size from a
// position's coarse length class. Exact sizes aren't retained in a Pos by
// design ; live-byte accounting is therefore an estimate, which
// is acceptable since it only ever feeds fill-rate heuristics, never
// correctness.
func estimatedPageSize(pos page.Pos) int64 {
	return 16 << pos.LengthClass()
}

// drainFreedDeltas applies every accumulated delta to the in-memory chunk
// table and clears the accumulator. Called once per commit, holding the
// store mutex.
func (s *Store) drainFreedDeltas() {
	s.freedMu.Lock()
	deltas := s.freedPageSpace
	s.freedPageSpace = map[int]*freedDelta{}
	s.freedMu.Unlock()

	s.chunksMu.Lock()
	defer s.chunksMu.Unlock()
	for id, d := range deltas {
		c, ok := s.chunks[id]
		if !ok {
			continue
		}
		c.PageCountLive -= d.pages
		if c.PageCountLive < 0 {
			c.PageCountLive = 0
		}
		c.MaxLenLive -= d.bytes
		if c.MaxLenLive < 0 {
			c.MaxLenLive = 0
		}
	}
}

// collectReferencedChunks walks every retained root (the live root of every
// open map, plus each historical root still retained for a version at or
// after oldestVersionToKeep) and returns the set of chunk ids any of those
// roots still reach. The newest chunk is always implicitly referenced since
// it anchors the store header.
func (s *Store) collectReferencedChunks() map[int]bool {
	referenced := map[int]bool{}
	if s.lastChunk != nil {
		referenced[s.lastChunk.ID] = true
	}
	oldest := s.oldestVersionToKeep.Load()
	for _, mm := range s.maps {
		for _, ver := range mm.RetainedVersions() {
			if ver < oldest {
				continue
			}
			if root, ok := mm.RootAt(ver); ok {
				for _, pos := range s.collectPositions(root) {
					referenced[pos.ChunkID()] = true
				}
			}
		}
		for _, pos := range s.collectPositions(mm.Root()) {
			referenced[pos.ChunkID()] = true
		}
	}
	return referenced
}

// collectPositions returns every saved position reachable from root,
// including root itself, memoizing on root's position via s.chunkRefCache:
// once a page is saved it is immutable, so its reachable set never changes
// and is safe to cache indefinitely (evicted only when the bounded LRU is full).
func (s *Store) collectPositions(root *page.Page) []page.Pos {
	if root == nil {
		return nil
	}
	if !root.IsUnsaved() {
		if cached, ok := s.chunkRefCache.Get(root.Pos()); ok {
			return cached
		}
	}
	var out []page.Pos
	if root.Pos().IsSaved() {
		out = append(out, root.Pos())
	}
	if !root.IsLeaf() {
		for i := 0; i < root.NumChildren(); i++ {
			out = append(out, s.collectPositions(root.Child(i))...)
		}
	}
	if !root.IsUnsaved() {
		s.chunkRefCache.Add(root.Pos(), out)
	}
	return out
}

// canOverwriteChunk applies the two-part retention timeout: a chunk must be
// at least retentionTime old by creation time, and must additionally have
// sat unreferenced for a further retentionTime/2, before it is actually
// safe to overwrite. The creation-time half bounds how soon a just-written
// chunk can be reclaimed at all; the unused-time half gives a concurrent
// reader that grabbed a reference just before the chunk was marked unused a
// window to finish.
func (s *Store) canOverwriteChunk(c *Chunk, referenced map[int]bool) bool {
	if referenced[c.ID] || (s.lastChunk != nil && c.ID == s.lastChunk.ID) {
		return false
	}
	retention := s.retentionTimeMs.Load()
	if retention <= 0 {
		return c.Unused != 0
	}
	if c.Unused == 0 {
		return false
	}
	now := s.sinceCreationMs()
	if now-c.TimeMs < retention {
		return false
	}
	return now-c.Unused >= retention/2
}

// freeUnusedChunks is the reclamation pass: newly-unreferenced chunks are
// marked with their discovery time, previously-marked chunks past their
// retention window are physically freed on the device and dropped from the
// chunk table and the metadata map.
func (s *Store) freeUnusedChunks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastChunk == nil {
		return
	}
	referenced := s.collectReferencedChunks()
	now := s.sinceCreationMs()
	for _, c := range s.allChunks() {
		if referenced[c.ID] || c.ID == s.lastChunk.ID {
			c.Unused = 0
			continue
		}
		if c.Unused == 0 {
			c.Unused = now
			continue
		}
		if s.canOverwriteChunk(c, referenced) {
			s.dev.Free(c.BlockPos(), int(c.ByteLen()))
			s.deleteChunk(c.ID)
			s.meta.remove(chunkMetaKeyOf(c.ID))
			// The id may be reused by a future commit (allocateChunkID
			// wraps); drop any cached content so a reused id can never
			// serve stale bytes.
			s.contentCache.Remove(c.ID)
		}
	}
}
