package mvstore

import "strconv"

// Commit flushes every unsaved change to a new chunk and returns the
// version it was written at. It blocks until it holds the store mutex;
// only one commit runs at a time.
func (s *Store) Commit() (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commitLocked(true); err != nil {
		return 0, err
	}
	return s.currentVersion.Load(), nil
}

// TryCommit commits only if something changed since the last commit,
// returning false when there was nothing to do.
func (s *Store) TryCommit() (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.lastStoredVersion.Load()
	if err := s.commitLocked(false); err != nil {
		return false, err
	}
	return s.lastStoredVersion.Load() != before, nil
}

// commitLocked is storeNow: the multi-step commit pipeline. Callers must
// already hold s.mu. Any write failure or invariant violation panics (via
// panicInternal), which recoverPanic turns into a permanently closed store.
func (s *Store) commitLocked(force bool) error {
	defer s.recoverPanic()

	if s.cfg.ReadOnly {
		return newErr(WritingFailed, "store is read-only", nil)
	}

	hasChanges := force
	for _, mm := range s.maps {
		if mm.HasUnsavedChanges() {
			hasChanges = true
		}
	}
	if !hasChanges {
		return nil
	}

	version := s.currentVersion.Load() + 1
	chunkID := s.allocateChunkID()
	buf := newChunkWriteBuffer(chunkID)

	// Snapshot every map's root under the new version and serialize
	// whatever is still unsaved beneath it.
	for _, mm := range s.maps {
		root, changed := mm.SetWriteVersion(version)
		if changed {
			root.WriteUnsaved(buf)
		}
		s.meta.put(mapConfigKeyOf(mm.ID()), encodeMapConfig(mapConfig{ID: mm.ID(), Name: mm.Name()}))
		s.meta.put(mapRootKeyOf(mm.ID()), strconv.FormatInt(int64(mm.RootPos()), 16))
	}

	s.drainFreedDeltas()

	metaTree := s.meta.buildTree(s.cfg.KeysPerPage)
	metaRootPos := metaTree.Root().WriteUnsaved(buf)

	physical := compressChunkContent(buf.buf, s.cfg.Compress)
	totalBytes := HeaderLength + len(physical) + FooterLength
	lenBlocks := int64((totalBytes + BlockSize - 1) / BlockSize)

	block, err := s.dev.Allocate(int(lenBlocks*BlockSize), s.reuseSpace.Load())
	if err != nil {
		panicInternal("allocate chunk space: %v", err)
	}
	blockNum := block / BlockSize

	c := &Chunk{
		ID:            chunkID,
		Block:         blockNum,
		Len:           lenBlocks,
		Version:       version,
		TimeMs:        s.nowMs() - s.header.Created,
		PageCount:     buf.pages,
		PageCountLive: buf.pages,
		MaxLen:        int64(len(physical)),
		MaxLenLive:    int64(len(physical)),
		MetaRootPos:   metaRootPos,
		Next:          0,
		MapID:         s.nextMapID - 1,
		Compress:      s.cfg.Compress,
	}

	if s.lastChunk != nil {
		s.lastChunk.Next = blockNum
		s.meta.put(chunkMetaKeyOf(s.lastChunk.ID), s.lastChunk.encodeMeta())
	}

	payload := make([]byte, lenBlocks*BlockSize)
	copy(payload[0:HeaderLength], c.encodeChunkHeader())
	copy(payload[HeaderLength:HeaderLength+len(physical)], physical)
	copy(payload[int64(len(payload))-FooterLength:], c.encodeChunkFooter())

	if err := s.dev.WriteFully(blockNum*BlockSize, payload); err != nil {
		panicInternal("write chunk: %v", err)
	}

	s.meta.put(chunkMetaKeyOf(chunkID), c.encodeMeta())
	s.putChunk(c)
	s.lastChunk = c

	if err := s.dev.Sync(); err != nil {
		panicInternal("sync before store header rewrite: %v", err)
	}

	header := StoreHeader{
		H:          formatMajor,
		BlockSize:  BlockSize,
		Format:     formatWrite,
		FormatRead: formatReadMax,
		Created:    s.header.Created,
		Chunk:      chunkID,
		Block:      blockNum,
		Version:    version,
	}
	if err := s.writeStoreHeader(header); err != nil {
		panicInternal("write store header: %v", err)
	}
	s.header = header

	s.currentVersion.Store(version)
	s.lastStoredVersion.Store(version)
	s.lastCommitTimeMs.Store(s.nowMs())
	s.unsavedMemory.Store(0)

	s.retireTxCounterOnCommit(version)

	s.shrinkIfPossible(1)
	return nil
}

// allocateChunkID assigns the next chunk id: ids wrap modulo MaxChunkID+1,
// skipping ids the chunk table still considers live. Id 0 is reserved (it
// would collide with page.Pos's "unsaved" zero value).
func (s *Store) allocateChunkID() int {
	s.chunksMu.RLock()
	defer s.chunksMu.RUnlock()
	start := 1
	if s.lastChunk != nil {
		start = s.lastChunk.ID + 1
	}
	for i := 0; i <= MaxChunkID; i++ {
		candidate := (start + i) % (MaxChunkID + 1)
		if candidate == 0 {
			continue
		}
		if _, live := s.chunks[candidate]; !live {
			return candidate
		}
	}
	panicInternal("no free chunk id available")
	return 0
}

// shrinkIfPossible truncates the file when the trailing region is free,
// repeating up to passes times since freeing one chunk's blocks can expose
// another free extent right behind it.
func (s *Store) shrinkIfPossible(passes int) {
	if s.cfg.ReadOnly {
		return
	}
	for i := 0; i < passes; i++ {
		trailing := s.dev.TrailingFreeBytes()
		if trailing <= 0 {
			return
		}
		newLen := s.dev.FileLengthInUse() - trailing
		if err := s.dev.Truncate(newLen); err != nil {
			s.logger.Warn("shrink: truncate failed", "err", err)
			return
		}
	}
}
