package mvstore

import (
	"encoding/binary"
	"fmt"

	"github.com/kluzzebass/mvstore/internal/mvstore/page"
)

// loadPage reads back the page at pos, resolving all of its descendants
// recursively. Small map sizes in this exercise make eager resolution
// acceptable; a production cache would resolve children lazily.
func (s *Store) loadPage(pos page.Pos) (*page.Page, error) {
	if !pos.IsSaved() {
		return page.Empty(), nil
	}
	c := s.lookupChunk(pos.ChunkID())
	if c == nil {
		return nil, newErr(ChunkNotFound, fmt.Sprintf("chunk %d", pos.ChunkID()), nil)
	}
	content, err := s.chunkContent(c)
	if err != nil {
		return nil, err
	}
	off := int(pos.Offset())
	if off+4 > len(content) {
		return nil, newErr(CORRUPT, "page length out of range", nil)
	}
	length := int(binary.LittleEndian.Uint32(content[off : off+4]))
	start, end := off+4, off+4+length
	if end > len(content) {
		return nil, newErr(CORRUPT, "page body out of range", nil)
	}
	data := content[start:end]
	pg, err := page.Decode(data, pos)
	if err != nil {
		return nil, newErr(CORRUPT, "decode page", err)
	}
	if !pg.IsLeaf() {
		for i := 0; i < pg.NumChildren(); i++ {
			child := pg.Child(i)
			resolved, err := s.loadPage(child.Pos())
			if err != nil {
				return nil, err
			}
			pg.ResolveChild(i, resolved)
		}
	}
	return pg, nil
}

// chunkContent returns a chunk's decompressed page-data region, caching the
// result since a written chunk's content never changes (only its physical
// block position can, via compaction's move phase).
func (s *Store) chunkContent(c *Chunk) ([]byte, error) {
	if cached, ok := s.contentCache.Get(c.ID); ok {
		return cached, nil
	}
	// c.MaxLen is the exact compressed-content length recorded at write time;
	// reading ByteLen-HeaderLength-FooterLength instead would include the
	// trailing block-padding zeros and break zstd decoding.
	raw, err := s.dev.ReadFully(c.BlockPos()+HeaderLength, int(c.MaxLen))
	if err != nil {
		return nil, newErr(CORRUPT, "read chunk content", err)
	}
	content, err := decompressChunkContent(raw, c.Compress)
	if err != nil {
		return nil, newErr(CORRUPT, "decompress chunk content", err)
	}
	s.contentCache.Add(c.ID, content)
	return content, nil
}

func (s *Store) lookupChunk(id int) *Chunk {
	s.chunksMu.RLock()
	defer s.chunksMu.RUnlock()
	return s.chunks[id]
}

func (s *Store) putChunk(c *Chunk) {
	s.chunksMu.Lock()
	defer s.chunksMu.Unlock()
	s.chunks[c.ID] = c
}

func (s *Store) deleteChunk(id int) {
	s.chunksMu.Lock()
	defer s.chunksMu.Unlock()
	delete(s.chunks, id)
}

func (s *Store) allChunks() []*Chunk {
	s.chunksMu.RLock()
	defer s.chunksMu.RUnlock()
	out := make([]*Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c)
	}
	return out
}

// chunkWriteBuffer accumulates serialized pages for the chunk currently
// being written, implementing page.Allocator. Each entry is prefixed with
// its own length so recovery can read a page back without first knowing
// the coarse length class recorded in its Pos.
type chunkWriteBuffer struct {
	chunkID int
	buf     []byte
	pages   int64
}

func newChunkWriteBuffer(chunkID int) *chunkWriteBuffer {
	return &chunkWriteBuffer{chunkID: chunkID}
}

func (w *chunkWriteBuffer) Alloc(serialized []byte, leaf bool) page.Pos {
	off := int64(len(w.buf))
	lengthClass := lengthClassFor(len(serialized))
	w.buf = append(w.buf, make([]byte, 4)...)
	binary.LittleEndian.PutUint32(w.buf[len(w.buf)-4:], uint32(len(serialized)))
	w.buf = append(w.buf, serialized...)
	w.pages++
	return page.NewPos(w.chunkID, off, lengthClass, leaf)
}

func lengthClassFor(n int) int {
	class := 0
	size := 16
	for size < n && class < 15 {
		size <<= 1
		class++
	}
	return class
}
