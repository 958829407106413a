package page

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// DefaultKeysPerPage bounds how many entries a leaf or how many children an
// internal node holds before it splits. Configurable per MVMap.
const DefaultKeysPerPage = 48

// Allocator reserves room for a serialized page inside the chunk currently
// being written and hands back the position it will occupy once the chunk
// is flushed to disk. Implemented by the store coordinator; Page and MVMap
// never touch chunks or files directly.
type Allocator interface {
	Alloc(serialized []byte, leaf bool) Pos
}

// Page is one node of the copy-on-write tree: either a leaf holding sorted
// key/value pairs, or an internal node holding sorted separator keys and
// child pointers. Pages are immutable once they have a non-zero Pos; any
// mutation produces new Page values along the path from the root.
type Page struct {
	pos Pos

	leaf     bool
	keys     []string
	values   []string // leaf only, parallel to keys
	children []*Page  // internal only, len(children) == len(keys)+1

	// count is the number of leaf entries reachable beneath this page.
	// Maintained incrementally so the store can report a map's total
	// entry count without a full walk (MVMap.Count).
	count int64
}

func newLeaf(keys, values []string) *Page {
	return &Page{leaf: true, keys: keys, values: values, count: int64(len(keys))}
}

func newNode(keys []string, children []*Page) *Page {
	var n int64
	for _, c := range children {
		n += c.count
	}
	return &Page{leaf: false, keys: keys, children: children, count: n}
}

// Empty returns the empty root of a freshly created map.
func Empty() *Page { return newLeaf(nil, nil) }

func (p *Page) Pos() Pos      { return p.pos }
func (p *Page) IsLeaf() bool  { return p.leaf }
func (p *Page) Count() int64  { return p.count }
func (p *Page) IsUnsaved() bool { return p.pos == 0 }

// Get returns the value for key, if present.
func (p *Page) Get(key string) (string, bool) {
	for {
		i := sort.SearchStrings(p.keys, key)
		if p.leaf {
			if i < len(p.keys) && p.keys[i] == key {
				return p.values[i], true
			}
			return "", false
		}
		p = p.children[childIndex(p.keys, key)]
	}
}

// childIndex finds which child subtree a key belongs to for an internal
// node whose keys are the separator (first key of each child except the
// first child).
func childIndex(keys []string, key string) int {
	i := sort.SearchStrings(keys, key)
	if i < len(keys) && keys[i] == key {
		return i + 1
	}
	return i
}

// Put returns a new root with key set to value, copy-on-write along the
// path from root to the target leaf. keysPerPage bounds leaf/node fan-out.
func (p *Page) Put(key, value string, keysPerPage int) *Page {
	newRoot, split := p.put(key, value, keysPerPage)
	if split == nil {
		return newRoot
	}
	return newNode([]string{split.sepKey}, []*Page{newRoot, split.page})
}

type splitResult struct {
	sepKey string
	page   *Page
}

func (p *Page) put(key, value string, keysPerPage int) (*Page, *splitResult) {
	if p.leaf {
		i := sort.SearchStrings(p.keys, key)
		keys := make([]string, len(p.keys))
		copy(keys, p.keys)
		values := make([]string, len(p.values))
		copy(values, p.values)
		if i < len(keys) && keys[i] == key {
			values[i] = value
		} else {
			keys = append(keys, "")
			copy(keys[i+1:], keys[i:])
			keys[i] = key
			values = append(values, "")
			copy(values[i+1:], values[i:])
			values[i] = value
		}
		leaf := newLeaf(keys, values)
		if len(keys) <= keysPerPage {
			return leaf, nil
		}
		mid := len(keys) / 2
		left := newLeaf(keys[:mid], values[:mid])
		right := newLeaf(keys[mid:], values[mid:])
		return left, &splitResult{sepKey: keys[mid], page: right}
	}

	idx := childIndex(p.keys, key)
	newChild, split := p.children[idx].put(key, value, keysPerPage)

	children := make([]*Page, len(p.children))
	copy(children, p.children)
	children[idx] = newChild
	keys := make([]string, len(p.keys))
	copy(keys, p.keys)

	if split == nil {
		return newNode(keys, children), nil
	}

	keys = append(keys, "")
	copy(keys[idx+1:], keys[idx:])
	keys[idx] = split.sepKey
	children = append(children, nil)
	copy(children[idx+2:], children[idx+1:])
	children[idx+1] = split.page

	node := newNode(keys, children)
	if len(children) <= keysPerPage+1 {
		return node, nil
	}
	midChild := len(children) / 2
	leftNode := newNode(keys[:midChild-1], children[:midChild])
	sep := keys[midChild-1]
	rightNode := newNode(keys[midChild:], children[midChild:])
	return leftNode, &splitResult{sepKey: sep, page: rightNode}
}

// Remove returns a new root with key deleted. Underflowing leaves/nodes are
// not rebalanced or merged with siblings — a deliberate simplification
// given Page/MVMap's narrow, out-of-core-scope contract (see DESIGN.md);
// it costs some fan-out after heavy deletion but never correctness, since
// empty interior fan-out is still walked correctly by Get/iteration.
func (p *Page) Remove(key string) *Page {
	if p.leaf {
		i := sort.SearchStrings(p.keys, key)
		if i >= len(p.keys) || p.keys[i] != key {
			return p
		}
		keys := append(append([]string{}, p.keys[:i]...), p.keys[i+1:]...)
		values := append(append([]string{}, p.values[:i]...), p.values[i+1:]...)
		return newLeaf(keys, values)
	}
	idx := childIndex(p.keys, key)
	newChild := p.children[idx].Remove(key)
	if newChild == p.children[idx] {
		return p
	}
	children := make([]*Page, len(p.children))
	copy(children, p.children)
	children[idx] = newChild
	keys := make([]string, len(p.keys))
	copy(keys, p.keys)
	return newNode(keys, children)
}

// Each walks every key/value pair in order. Read-only, no allocation beyond
// the closure's own state.
func (p *Page) Each(fn func(key, value string) bool) bool {
	if p.leaf {
		for i, k := range p.keys {
			if !fn(k, p.values[i]) {
				return false
			}
		}
		return true
	}
	for _, c := range p.children {
		if !c.Each(fn) {
			return false
		}
	}
	return true
}

// WriteUnsaved serializes every unsaved descendant of p (post-order: leaves
// before the nodes that reference them) through alloc, assigning each a
// final Pos, and returns the (possibly already-saved) position of p itself.
// Pages that are already saved are left untouched — WriteUnsaved is safe to
// call repeatedly on a tree that mixes saved and unsaved pages after a
// partial previous write.
func (p *Page) WriteUnsaved(alloc Allocator) Pos {
	if p.pos != 0 {
		return p.pos
	}
	if !p.leaf {
		for _, c := range p.children {
			c.WriteUnsaved(alloc)
		}
	}
	buf := p.encode()
	p.pos = alloc.Alloc(buf, p.leaf)
	return p.pos
}

// encode produces a self-contained byte representation of this single page
// (not its children, which are referenced by Pos). Format:
//
//	leaf:     [0x01][n uint32][ (klen u16, key, vlen u32, value ) * n ]
//	internal: [0x00][n uint32][ (klen u16, key) * n ][ (pos int64) * (n+1) ]
func (p *Page) encode() []byte {
	if p.leaf {
		size := 5
		for i := range p.keys {
			size += 2 + len(p.keys[i]) + 4 + len(p.values[i])
		}
		buf := make([]byte, size)
		buf[0] = 1
		binary.LittleEndian.PutUint32(buf[1:5], uint32(len(p.keys)))
		off := 5
		for i := range p.keys {
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(p.keys[i])))
			off += 2
			off += copy(buf[off:], p.keys[i])
			binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(p.values[i])))
			off += 4
			off += copy(buf[off:], p.values[i])
		}
		return buf
	}

	size := 5
	for _, k := range p.keys {
		size += 2 + len(k)
	}
	size += 8 * len(p.children)
	buf := make([]byte, size)
	buf[0] = 0
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(p.keys)))
	off := 5
	for _, k := range p.keys {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(k)))
		off += 2
		off += copy(buf[off:], k)
	}
	for _, c := range p.children {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(c.pos))
		off += 8
	}
	return buf
}

// Decode reconstructs a single page (its immediate children left as
// lazily-resolved stubs identified only by Pos) from bytes read back from a
// chunk. A PageLoader resolves a child Pos back into a *Page on demand.
type PageLoader interface {
	Load(pos Pos) (*Page, error)
}

func Decode(data []byte, pos Pos) (*Page, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("page: truncated header")
	}
	leaf := data[0] == 1
	n := binary.LittleEndian.Uint32(data[1:5])
	off := 5
	if leaf {
		keys := make([]string, n)
		values := make([]string, n)
		for i := range keys {
			if off+2 > len(data) {
				return nil, fmt.Errorf("page: truncated key length")
			}
			kl := int(binary.LittleEndian.Uint16(data[off : off+2]))
			off += 2
			if off+kl > len(data) {
				return nil, fmt.Errorf("page: truncated key")
			}
			keys[i] = string(data[off : off+kl])
			off += kl
			if off+4 > len(data) {
				return nil, fmt.Errorf("page: truncated value length")
			}
			vl := int(binary.LittleEndian.Uint32(data[off : off+4]))
			off += 4
			if off+vl > len(data) {
				return nil, fmt.Errorf("page: truncated value")
			}
			values[i] = string(data[off : off+vl])
			off += vl
		}
		pg := newLeaf(keys, values)
		pg.pos = pos
		return pg, nil
	}

	keys := make([]string, n)
	for i := range keys {
		kl := int(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2
		keys[i] = string(data[off : off+kl])
		off += kl
	}
	childPos := make([]Pos, n+1)
	for i := range childPos {
		childPos[i] = Pos(binary.LittleEndian.Uint64(data[off : off+8]))
		off += 8
	}
	pg := &Page{leaf: false, keys: keys, pos: pos}
	pg.children = make([]*Page, len(childPos))
	for i, cp := range childPos {
		pg.children[i] = &Page{pos: cp} // stub; caller resolves via PageLoader
	}
	return pg, nil
}

// ChildPositions returns the saved positions of this (internal) page's
// immediate children, used by the reachability walker to descend without
// fully materializing subtrees it has already cached.
func (p *Page) ChildPositions() []Pos {
	if p.leaf {
		return nil
	}
	out := make([]Pos, len(p.children))
	for i, c := range p.children {
		out[i] = c.pos
	}
	return out
}

// ResolveChild replaces a stub child (produced by Decode) with its fully
// decoded page, for recursive walks that need actual key data (e.g.
// rewriting a page during compaction), and adds the resolved subtree's
// entry count to this page's count.
func (p *Page) ResolveChild(i int, resolved *Page) {
	p.count += resolved.count - p.children[i].count
	p.children[i] = resolved
}

func (p *Page) Child(i int) *Page { return p.children[i] }
func (p *Page) NumChildren() int  { return len(p.children) }
