// Package device provides the block-level storage abstraction used by the
// store coordinator. It is intentionally narrow: positional read/write, a
// free-space allocator, fill-rate reporting, and sync/truncate. It knows
// nothing about chunks, pages, or versions — that is the coordinator's job.
package device

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

// BlockSize is the allocation granularity for the file store. All reads,
// writes, and free-list extents are block-aligned.
const BlockSize = 4096

var (
	ErrReadOnly     = errors.New("device: store is read-only")
	ErrOutOfRange   = errors.New("device: position out of range")
	ErrClosed       = errors.New("device: closed")
)

// FileStore is the narrow block-device contract the coordinator relies on.
// Positions and lengths are in bytes but always block-aligned.
type FileStore interface {
	ReadFully(pos int64, length int) ([]byte, error)
	WriteFully(pos int64, data []byte) error

	// Allocate returns a block-aligned position of at least length bytes,
	// drawn from the free list if reuseSpace is enabled, else by appending.
	Allocate(length int, reuseSpace bool) (int64, error)

	// Free marks [pos, pos+length) as reusable.
	Free(pos int64, length int)

	Sync() error
	Truncate(size int64) error

	// FileLengthInUse is the tracked length of the file: the end of the
	// highest block range allocated or written (Truncate lowers it),
	// independent of the OS file size
	// (which may lag until the next sync/truncate).
	FileLengthInUse() int64

	// FillRate is the percentage of FileLengthInUse bytes not present in
	// the free list.
	FillRate() int

	// ReadWriteCounts reports cumulative read/write call counts, used by
	// the background writer to detect device activity between passes.
	ReadWriteCounts() (reads, writes uint64)

	// ResetFreeList and MarkUsed let the recovery protocol reset free-space
	// accounting and replay the chunk table, rather than trusting any
	// persisted free list. MarkUsed only extends the tracked length; it
	// neither adds nor removes free extents.
	ResetFreeList()
	MarkUsed(pos, length int64)

	// TrailingFreeBytes reports how many bytes at the very end of the
	// tracked file are free, letting the coordinator decide whether a
	// shrink (truncate) is possible after a commit.
	TrailingFreeBytes() int64

	Close() error
}

type extent struct {
	pos int64
	len int64
}

// FileDevice is the default FileStore, backed by a single *os.File with an
// in-memory free-list allocator. The free list is cleared by the recovery
// protocol (internal/mvstore's adoptClosure), never persisted independently.
type FileDevice struct {
	mu       sync.Mutex
	file     *os.File
	readOnly bool
	closed   bool
	length   int64 // tracked length in use, block-aligned
	free     []extent

	reads, writes uint64
}

// Open opens or creates the backing file at path. The tracked length
// starts at the file's size rounded up to a whole block.
func Open(path string, readOnly bool) (*FileDevice, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	d := &FileDevice{file: f, readOnly: readOnly, length: alignUp(info.Size())}
	return d, nil
}

func alignUp(n int64) int64 {
	if n%BlockSize == 0 {
		return n
	}
	return (n/BlockSize + 1) * BlockSize
}

func (d *FileDevice) ReadFully(pos int64, length int) ([]byte, error) {
	if pos < 0 || length < 0 {
		return nil, ErrOutOfRange
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.reads++
	d.mu.Unlock()

	buf := make([]byte, length)
	n, err := d.file.ReadAt(buf, pos)
	if err != nil && n != length {
		return nil, fmt.Errorf("device: read at %d/%d: %w", pos, length, err)
	}
	return buf, nil
}

func (d *FileDevice) WriteFully(pos int64, data []byte) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if pos < 0 {
		return ErrOutOfRange
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.writes++
	end := pos + int64(len(data))
	if end > d.length {
		d.length = alignUp(end)
	}
	d.mu.Unlock()

	_, err := d.file.WriteAt(data, pos)
	return err
}

// Allocate returns a block-aligned offset of at least `length` bytes.
// When reuseSpace is true and a free extent is large enough, it is
// consumed (and the remainder returned to the free list); otherwise
// space is appended at the tracked end of file.
func (d *FileDevice) Allocate(length int, reuseSpace bool) (int64, error) {
	if d.readOnly {
		return 0, ErrReadOnly
	}
	need := int64(alignUp(int64(length)))

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}

	if reuseSpace {
		for i, e := range d.free {
			if e.len >= need {
				pos := e.pos
				if e.len == need {
					d.free = append(d.free[:i], d.free[i+1:]...)
				} else {
					d.free[i] = extent{pos: e.pos + need, len: e.len - need}
				}
				return pos, nil
			}
		}
	}

	pos := d.length
	d.length += need
	return pos, nil
}

// Free marks [pos, pos+length) as reusable and coalesces adjacent extents.
func (d *FileDevice) Free(pos int64, length int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e := extent{pos: pos, len: alignUp(int64(length))}
	d.free = append(d.free, e)
	sort.Slice(d.free, func(i, j int) bool { return d.free[i].pos < d.free[j].pos })

	merged := d.free[:0]
	for _, cur := range d.free {
		if n := len(merged); n > 0 && merged[n-1].pos+merged[n-1].len == cur.pos {
			merged[n-1].len += cur.len
		} else {
			merged = append(merged, cur)
		}
	}
	d.free = merged
}

// ResetFreeList clears the free list. Used by recovery, which rebuilds it
// from scratch every time it re-walks the chunk chain.
func (d *FileDevice) ResetFreeList() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.free = nil
}

// MarkUsed extends the tracked length to cover [pos, pos+length); it does
// not touch the free list. Used while replaying chunk coverage during
// recovery, after ResetFreeList.
func (d *FileDevice) MarkUsed(pos int64, length int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	end := pos + alignUp(length)
	if end > d.length {
		d.length = end
	}
}

func (d *FileDevice) Sync() error {
	if d.readOnly {
		return nil
	}
	return d.file.Sync()
}

func (d *FileDevice) Truncate(size int64) error {
	if d.readOnly {
		return ErrReadOnly
	}
	d.mu.Lock()
	d.length = size
	trimmed := d.free[:0]
	for _, e := range d.free {
		if e.pos >= size {
			continue
		}
		if e.pos+e.len > size {
			e.len = size - e.pos
		}
		trimmed = append(trimmed, e)
	}
	d.free = trimmed
	d.mu.Unlock()
	return d.file.Truncate(size)
}

// TrailingFreeBytes reports how many bytes at the very end of the tracked
// file are free.
func (d *FileDevice) TrailingFreeBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.free) == 0 {
		return 0
	}
	last := d.free[len(d.free)-1]
	if last.pos+last.len == d.length {
		return last.len
	}
	return 0
}

func (d *FileDevice) FileLengthInUse() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.length
}

func (d *FileDevice) FillRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.length == 0 {
		return 100
	}
	var free int64
	for _, e := range d.free {
		free += e.len
	}
	used := d.length - free
	return int(used * 100 / d.length)
}

func (d *FileDevice) ReadWriteCounts() (reads, writes uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.writes
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	d.mu.Unlock()
	return d.file.Close()
}
