// Package page provides the copy-on-write persistent tree the store
// coordinator serializes into chunks. It is a narrow collaborator: it knows
// how to split, copy, and walk itself, and how to enumerate its own unsaved
// nodes; it knows nothing about chunks, files, or versions beyond the
// opaque Pos each node is assigned once written.
package page

import "fmt"

// Pos is the 64-bit opaque locator for a page: which chunk it lives in,
// its byte offset within that chunk, a coarse length class, and whether it
// is a leaf or an internal node. Pos == 0 means "unsaved" — the page only
// exists in memory.
type Pos int64

const (
	typeLeaf     = 0
	typeNode     = 1
	chunkBits    = 26
	offsetBits   = 33
	lengthBits   = 4
	chunkShift   = 64 - chunkBits
	offsetShift  = chunkShift - offsetBits
	lengthShift  = offsetShift - lengthBits
	maxChunkID   = 1<<chunkBits - 1
	maxOffset    = 1<<offsetBits - 1
	maxLenClass  = 1<<lengthBits - 1
)

// NewPos encodes a saved page's location. lengthClass is a coarse log2
// bucket of the page's serialized size; it is a size estimate, not the
// exact length.
func NewPos(chunkID int, offset int64, lengthClass int, leaf bool) Pos {
	if chunkID < 0 || chunkID > maxChunkID {
		panic(fmt.Sprintf("page: chunk id %d out of range", chunkID))
	}
	if offset < 0 || offset > maxOffset {
		panic(fmt.Sprintf("page: offset %d out of range", offset))
	}
	if lengthClass < 0 {
		lengthClass = 0
	}
	if lengthClass > maxLenClass {
		lengthClass = maxLenClass
	}
	var t int64
	if !leaf {
		t = typeNode
	}
	return Pos(int64(chunkID)<<chunkShift | offset<<offsetShift | int64(lengthClass)<<lengthShift | t)
}

// IsSaved reports whether the position refers to a stored chunk.
func (p Pos) IsSaved() bool { return p != 0 }

func (p Pos) ChunkID() int { return int(uint64(p) >> chunkShift & maxChunkID) }

func (p Pos) Offset() int64 { return int64(uint64(p) >> offsetShift & maxOffset) }

func (p Pos) LengthClass() int { return int(uint64(p) >> lengthShift & maxLenClass) }

func (p Pos) IsLeaf() bool { return p&1 == typeLeaf }

func (p Pos) String() string {
	if !p.IsSaved() {
		return "unsaved"
	}
	return fmt.Sprintf("chunk=%d off=%d leaf=%v", p.ChunkID(), p.Offset(), p.IsLeaf())
}
