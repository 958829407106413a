package mvstore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kluzzebass/mvstore/internal/mvstore/page"
)

// MaxChunkID bounds chunk ids (they wrap modulo MaxChunkID+1) and matches
// the 26 bits the page.Pos encoding reserves for a chunk id.
const MaxChunkID = 1<<26 - 1

// Chunk is an immutable-after-first-write unit of on-disk storage: a
// contiguous run of blocks holding a header, a run of serialized pages,
// and a footer.
type Chunk struct {
	ID            int
	Block         int64 // first block offset on disk, in blocks
	Len           int64 // block count
	Version       int64 // store version at which it was written
	TimeMs        int64 // ms since store creation
	PageCount     int64
	PageCountLive int64
	MaxLen        int64 // live+dead byte count at write time
	MaxLenLive    int64 // live byte count, updated as pages are freed
	MetaRootPos   page.Pos
	Next          int64 // predicted block of next chunk, 0 if appending
	Unused        int64 // ms since creation when first observed dead, 0 if live
	MapID         int   // highest map id at write time
	Compress      int   // 0/1/2, the Config.Compress level this chunk's content was written with
}

// Live reports whether the chunk still has a reference.
func (c *Chunk) Live() bool { return c.Unused == 0 }

// BlockPos returns the chunk's first byte offset on disk.
func (c *Chunk) BlockPos() int64 { return c.Block * BlockSize }

// ByteLen returns the chunk's total length on disk in bytes.
func (c *Chunk) ByteLen() int64 { return c.Len * BlockSize }

// encodeMeta serializes the chunk descriptor for storage under
// meta["chunk.<hex id>"].
func (c *Chunk) encodeMeta() string {
	fields := map[string]string{
		"chunk":    strconv.FormatInt(int64(c.ID), 16),
		"block":    strconv.FormatInt(c.Block, 16),
		"len":      strconv.FormatInt(c.Len, 16),
		"version":  strconv.FormatInt(c.Version, 16),
		"time":     strconv.FormatInt(c.TimeMs, 16),
		"pages":    strconv.FormatInt(c.PageCount, 16),
		"pagesLive": strconv.FormatInt(c.PageCountLive, 16),
		"max":      strconv.FormatInt(c.MaxLen, 16),
		"maxLive":  strconv.FormatInt(c.MaxLenLive, 16),
		"metaRoot": strconv.FormatInt(int64(c.MetaRootPos), 16),
		"next":     strconv.FormatInt(c.Next, 16),
		"unused":   strconv.FormatInt(c.Unused, 16),
		"mapId":    strconv.FormatInt(int64(c.MapID), 16),
		"compress": strconv.FormatInt(int64(c.Compress), 16),
	}
	return encodeASCIIMap(fields)
}

func decodeChunkMeta(s string) (*Chunk, error) {
	fields, err := decodeASCIIMap(s)
	if err != nil {
		return nil, err
	}
	c := &Chunk{}
	get := func(key string) (int64, error) {
		v, ok := fields[key]
		if !ok {
			return 0, fmt.Errorf("chunk meta missing %q", key)
		}
		return strconv.ParseInt(v, 16, 64)
	}
	var n int64
	if n, err = get("chunk"); err != nil {
		return nil, err
	}
	c.ID = int(n)
	if c.Block, err = get("block"); err != nil {
		return nil, err
	}
	if c.Len, err = get("len"); err != nil {
		return nil, err
	}
	if c.Version, err = get("version"); err != nil {
		return nil, err
	}
	if c.TimeMs, err = get("time"); err != nil {
		return nil, err
	}
	if c.PageCount, err = get("pages"); err != nil {
		return nil, err
	}
	if c.PageCountLive, err = get("pagesLive"); err != nil {
		return nil, err
	}
	if c.MaxLen, err = get("max"); err != nil {
		return nil, err
	}
	if c.MaxLenLive, err = get("maxLive"); err != nil {
		return nil, err
	}
	if n, err = get("metaRoot"); err != nil {
		return nil, err
	}
	c.MetaRootPos = page.Pos(n)
	if c.Next, err = get("next"); err != nil {
		return nil, err
	}
	if c.Unused, err = get("unused"); err != nil {
		return nil, err
	}
	if n, err = get("mapId"); err != nil {
		return nil, err
	}
	c.MapID = int(n)
	if n, err = get("compress"); err != nil {
		return nil, err
	}
	c.Compress = int(n)
	return c, nil
}

// encodeASCIIMap renders fields as a sorted, comma-separated "key:value"
// list. Sorting makes the checksum and the on-disk bytes deterministic,
// which recovery relies on when comparing copies.
func encodeASCIIMap(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + fields[k]
	}
	return strings.Join(parts, ",")
}

func decodeASCIIMap(s string) (map[string]string, error) {
	fields := map[string]string{}
	if s == "" {
		return fields, nil
	}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed ascii map entry %q", part)
		}
		fields[kv[0]] = kv[1]
	}
	return fields, nil
}
