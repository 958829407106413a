package mvstore

import (
	"sort"
	"strconv"

	"github.com/kluzzebass/mvstore/internal/mvstore/page"
)

// minPlausibleCreatedMs guards against a corrupted or bogus creation
// timestamp being treated as authoritative; 2014-01-01 predates every file
// this build could plausibly have written.
const minPlausibleCreatedMs = 1388534400000

// openOrCreate is the entry point for open(config): an empty or too-small
// file is treated as a brand new store, otherwise the recovery protocol
// runs.
func (s *Store) openOrCreate() error {
	if s.dev.FileLengthInUse() < 2*BlockSize {
		return s.createNew()
	}
	return s.recover()
}

// createNew lays down the store header and commits an empty bootstrap
// chunk so recovery always has a valid anchor to read back. The bootstrap
// commit is version 0 (not user-visible as a version bump): currentVersion
// starts one below zero so that GetCurrentVersion() reports 0 until the
// caller's first real commit.
func (s *Store) createNew() error {
	s.dev.MarkUsed(0, 2*BlockSize)
	s.header = StoreHeader{
		H:          formatMajor,
		BlockSize:  BlockSize,
		Format:     formatWrite,
		FormatRead: formatReadMax,
		Created:    s.cfg.Now().UnixMilli(),
		Chunk:      -1,
		Block:      0,
		Version:    -1,
	}
	s.currentVersion.Store(-1)
	s.lastStoredVersion.Store(-1)
	s.nextMapID = 1

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(true)
}

// recover reads the two header copies, picks the newer, verifies the chunk
// it points to (falling back to the chunk whose footer ends the file),
// follows that chunk's on-disk forward-chain hint, loads the
// self-contained metadata tree out of the newest chunk found, and rebuilds
// the chunk table and free-space accounting from it. verifyLastChunks then
// rolls back over any tail corruption until it finds a closure that is
// internally consistent.
func (s *Store) recover() error {
	h, err := s.readStoreHeaders()
	if err != nil {
		return err
	}
	if h.BlockSize != BlockSize {
		return newErr(UnsupportedFormat, "store block size does not match", nil)
	}
	if h.FormatRead > formatReadMax {
		return newErr(UnsupportedFormat, "store format requires a newer reader", nil)
	}
	if h.Created < minPlausibleCreatedMs {
		s.logger.Warn("recover: implausible creation timestamp, clamping", "created", h.Created)
		h.Created = minPlausibleCreatedMs
	}
	s.header = h

	last, ok := s.verifyChunk(h.Block)
	if !ok {
		// The header's chunk does not verify, e.g. a tail lost in a crash:
		// fall back to the chunk whose footer ends the file.
		if f, err := s.readChunkFooter(0, s.dev.FileLengthInUse()/BlockSize); err == nil {
			last, ok = s.verifyChunk(f.Block)
		}
	}
	if !ok {
		return newErr(CORRUPT, "store header points to an invalid chunk", nil)
	}
	// Follow the forward-chain hint in the chunk's on-disk header while it
	// leads to a valid chunk with a newer version. commitLocked writes every
	// chunk header with Next = 0 and records the following chunk's block
	// only in the metadata map, so this loop only advances past a header
	// that compactMoveChunks rewrote.
	for last.Next != 0 {
		next, ok := s.verifyChunk(last.Next)
		if !ok || next.Version <= last.Version {
			break
		}
		last = next
	}

	if err := s.adoptClosure(last); err != nil {
		return err
	}
	return s.verifyLastChunks()
}

// adoptClosure makes newest the store's current view: it loads newest's
// self-contained metadata tree, repopulates the chunk table and open maps
// from it, clears the device's free list and re-marks the header and every
// chunk extent as in use. Gaps between chunks are not returned to the free
// list.
func (s *Store) adoptClosure(newest *Chunk) error {
	s.lastChunk = newest
	s.headerBlock = newest.Block
	s.currentVersion.Store(newest.Version)
	s.lastStoredVersion.Store(newest.Version)

	metaRoot, err := s.loadPage(newest.MetaRootPos)
	if err != nil {
		return newErr(CORRUPT, "load metadata tree", err)
	}
	kv := map[string]string{}
	metaRoot.Each(func(k, v string) bool {
		kv[k] = v
		return true
	})
	s.meta.loadFrom(kv)

	chunks := map[int]*Chunk{newest.ID: newest}
	for _, key := range s.meta.keysWithPrefix("chunk.") {
		val, _ := s.meta.get(key)
		c, err := decodeChunkMeta(val)
		if err != nil {
			return newErr(CORRUPT, "decode chunk metadata", err)
		}
		chunks[c.ID] = c
	}
	s.chunksMu.Lock()
	s.chunks = chunks
	s.chunksMu.Unlock()

	maxMapID := 0
	maps := map[int]*page.Page{}
	names := map[int]string{}
	for _, key := range s.meta.keysWithPrefix("map.") {
		val, _ := s.meta.get(key)
		mc, err := decodeMapConfig(val)
		if err != nil {
			return newErr(CORRUPT, "decode map config", err)
		}
		names[mc.ID] = mc.Name
		if mc.ID > maxMapID {
			maxMapID = mc.ID
		}
		root := page.Empty()
		if rv, ok := s.meta.get(mapRootKeyOf(mc.ID)); ok {
			pos, err := strconv.ParseInt(rv, 16, 64)
			if err != nil {
				return newErr(CORRUPT, "decode map root position", err)
			}
			root, err = s.loadPage(page.Pos(pos))
			if err != nil {
				return newErr(CORRUPT, "load map root", err)
			}
		}
		maps[mc.ID] = root
	}
	s.maps = map[int]*page.MVMap{}
	for id, root := range maps {
		s.maps[id] = page.Open(id, names[id], s.cfg.KeysPerPage, root)
	}
	s.nextMapID = maxMapID + 1

	s.dev.ResetFreeList()
	s.dev.MarkUsed(0, 2*BlockSize)
	for _, c := range s.chunks {
		s.dev.MarkUsed(c.BlockPos(), c.ByteLen())
	}
	return nil
}

// verifyLastChunks is the consistency sweep run after following the forward
// chain: the newest chunk found there might itself
// be the one a crash interrupted mid-write, past the point where its
// header/footer pair happens to verify but before everything it
// references was safely flushed. This rolls back to strictly older chunks,
// one at a time, re-adopting each as the closure and re-verifying its
// metadata tree loads cleanly, until one is found that is fully self
// consistent or no chunk remains.
func (s *Store) verifyLastChunks() error {
	for {
		ids := make([]int, 0, len(s.chunks))
		for id := range s.chunks {
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			return newErr(CORRUPT, "no valid chunk found during recovery", nil)
		}
		sort.Ints(ids)
		newestID := ids[len(ids)-1]
		newest := s.chunks[newestID]

		if s.closureLoads(newest) {
			return nil
		}

		s.logger.Warn("recover: rolling back past inconsistent chunk", "chunk", newestID)
		s.chunksMu.Lock()
		delete(s.chunks, newestID)
		remaining := make([]*Chunk, 0, len(s.chunks))
		for _, c := range s.chunks {
			remaining = append(remaining, c)
		}
		s.chunksMu.Unlock()

		if len(remaining) == 0 {
			return newErr(CORRUPT, "no valid chunk survives recovery rollback", nil)
		}
		sort.Slice(remaining, func(i, j int) bool { return remaining[i].Version < remaining[j].Version })
		prev := remaining[len(remaining)-1]
		if err := s.adoptClosure(prev); err != nil {
			return err
		}
	}
}

// closureLoads reports whether c's own metadata tree and every map root it
// reaches can be read back without error.
func (s *Store) closureLoads(c *Chunk) bool {
	root, err := s.loadPage(c.MetaRootPos)
	if err != nil {
		return false
	}
	ok := true
	root.Each(func(k, v string) bool {
		if len(k) >= 5 && k[:5] == "root." {
			pos, perr := strconv.ParseInt(v, 16, 64)
			if perr != nil {
				ok = false
				return false
			}
			if _, lerr := s.loadPage(page.Pos(pos)); lerr != nil {
				ok = false
				return false
			}
		}
		return true
	})
	return ok
}
