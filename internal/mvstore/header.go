package mvstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kluzzebass/mvstore/internal/mvstore/page"
)

// BlockSize is the on-disk allocation granularity, shared with the device
// package.
const BlockSize = 4096

// HeaderLength and FooterLength bound the ASCII records bracketing each
// chunk's page data. Byte-exact compatibility with any prior on-disk format
// isn't a goal here, so fixed, space-padded records are used in place of a
// variable layout.
const (
	HeaderLength = 256
	FooterLength = 128
)

const (
	formatMajor   = 2
	formatWrite   = 1
	formatReadMax = 1
)

// StoreHeader is the small ASCII record written twice at the start of the
// file (blocks 0 and 1)
type StoreHeader struct {
	H          int
	BlockSize  int
	Format     int
	FormatRead int
	Created    int64 // ms, wall clock at creation
	Chunk      int   // id of the chunk this header points to
	Block      int64 // that chunk's first block
	Version    int64
}

func (h StoreHeader) encode() string {
	fields := map[string]string{
		"H":          strconv.Itoa(h.H),
		"blockSize":  strconv.Itoa(h.BlockSize),
		"format":     strconv.Itoa(h.Format),
		"formatRead": strconv.Itoa(h.FormatRead),
		"created":    strconv.FormatInt(h.Created, 16),
		"chunk":      strconv.FormatInt(int64(h.Chunk), 16),
		"block":      strconv.FormatInt(h.Block, 16),
		"version":    strconv.FormatInt(h.Version, 16),
	}
	body := encodeASCIIMap(fields)
	sum := fletcher32([]byte(body))
	return body + ",fletcher:" + strconv.FormatUint(uint64(sum), 16) + "\n"
}

func decodeStoreHeader(raw []byte) (StoreHeader, error) {
	s := string(raw)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	} else {
		return StoreHeader{}, newErr(CORRUPT, "store header: missing newline terminator", nil)
	}
	i := strings.LastIndex(s, ",fletcher:")
	if i < 0 {
		return StoreHeader{}, newErr(CORRUPT, "store header: missing checksum field", nil)
	}
	body := s[:i]
	wantHex := s[i+len(",fletcher:"):]
	want, err := strconv.ParseUint(wantHex, 16, 32)
	if err != nil {
		return StoreHeader{}, newErr(CORRUPT, "store header: malformed checksum", err)
	}
	got := fletcher32([]byte(body))
	if uint64(got) != want {
		return StoreHeader{}, newErr(CORRUPT, "store header: checksum mismatch", nil)
	}
	fields, err := decodeASCIIMap(body)
	if err != nil {
		return StoreHeader{}, newErr(CORRUPT, "store header: malformed record", err)
	}

	getInt := func(key string, base int) (int64, error) {
		v, ok := fields[key]
		if !ok {
			return 0, newErr(CORRUPT, "store header: missing "+key, nil)
		}
		n, err := strconv.ParseInt(v, base, 64)
		if err != nil {
			return 0, newErr(CORRUPT, "store header: bad "+key, err)
		}
		return n, nil
	}

	var h StoreHeader
	n, err := getInt("H", 10)
	if err != nil {
		return StoreHeader{}, err
	}
	h.H = int(n)
	if n, err = getInt("blockSize", 10); err != nil {
		return StoreHeader{}, err
	}
	h.BlockSize = int(n)
	if n, err = getInt("format", 10); err != nil {
		return StoreHeader{}, err
	}
	h.Format = int(n)
	if n, err = getInt("formatRead", 10); err != nil {
		return StoreHeader{}, err
	}
	h.FormatRead = int(n)
	if h.Created, err = getInt("created", 16); err != nil {
		return StoreHeader{}, err
	}
	if n, err = getInt("chunk", 16); err != nil {
		return StoreHeader{}, err
	}
	h.Chunk = int(n)
	if h.Block, err = getInt("block", 16); err != nil {
		return StoreHeader{}, err
	}
	if h.Version, err = getInt("version", 16); err != nil {
		return StoreHeader{}, err
	}
	return h, nil
}

func padTo(s string, n int) []byte {
	buf := make([]byte, n)
	copy(buf, s)
	for i := len(s); i < n; i++ {
		buf[i] = ' '
	}
	return buf
}

// writeStoreHeader writes both copies of the store header into a single
// contiguous two-block buffer and flushes it in one call, so that from the
// implementer's perspective both copies land atomically.
func (s *Store) writeStoreHeader(h StoreHeader) error {
	buf := make([]byte, 2*BlockSize)
	copy(buf[0:BlockSize], padTo(h.encode(), BlockSize))
	copy(buf[BlockSize:2*BlockSize], padTo(h.encode(), BlockSize))
	if err := s.dev.WriteFully(0, buf); err != nil {
		return newErr(WritingFailed, "write store header", err)
	}
	return nil
}

// readStoreHeaders reads both header copies, returning the newer valid one.
func (s *Store) readStoreHeaders() (StoreHeader, error) {
	buf, err := s.dev.ReadFully(0, 2*BlockSize)
	if err != nil {
		return StoreHeader{}, newErr(CORRUPT, "read store header", err)
	}
	h0, err0 := decodeStoreHeader(buf[0:BlockSize])
	h1, err1 := decodeStoreHeader(buf[BlockSize : 2*BlockSize])
	switch {
	case err0 != nil && err1 != nil:
		return StoreHeader{}, newErr(CORRUPT, "both store header copies invalid", err0)
	case err0 != nil:
		return h1, nil
	case err1 != nil:
		return h0, nil
	case h1.Version > h0.Version:
		return h1, nil
	default:
		return h0, nil
	}
}

// encodeChunkHeader renders a chunk's header record, padded to
// HeaderLength bytes.
func (c *Chunk) encodeChunkHeader() []byte {
	fields := map[string]string{
		"chunk":    strconv.FormatInt(int64(c.ID), 16),
		"block":    strconv.FormatInt(c.Block, 16),
		"len":      strconv.FormatInt(c.Len, 16),
		"pages":    strconv.FormatInt(c.PageCount, 16),
		"max":      strconv.FormatInt(c.MaxLen, 16),
		"maxLive":  strconv.FormatInt(c.MaxLenLive, 16),
		"metaRoot": strconv.FormatInt(int64(c.MetaRootPos), 16),
		"next":     strconv.FormatInt(c.Next, 16),
		"version":  strconv.FormatInt(c.Version, 16),
		"time":     strconv.FormatInt(c.TimeMs, 16),
		"mapId":    strconv.FormatInt(int64(c.MapID), 16),
		"compress": strconv.FormatInt(int64(c.Compress), 16),
	}
	body := encodeASCIIMap(fields)
	sum := fletcher32([]byte(body))
	line := body + ",fletcher:" + strconv.FormatUint(uint64(sum), 16) + "\n"
	return padTo(line, HeaderLength)
}

// encodeChunkFooter renders the chunk footer: a re-statement of chunk,
// block, version and a checksum, padded to FooterLength bytes.
func (c *Chunk) encodeChunkFooter() []byte {
	fields := map[string]string{
		"chunk":   strconv.FormatInt(int64(c.ID), 16),
		"block":   strconv.FormatInt(c.Block, 16),
		"version": strconv.FormatInt(c.Version, 16),
	}
	body := encodeASCIIMap(fields)
	sum := fletcher32([]byte(body))
	line := body + ",fletcher:" + strconv.FormatUint(uint64(sum), 16) + "\n"
	return padTo(line, FooterLength)
}

type chunkFooter struct {
	ChunkID int
	Block   int64
	Version int64
}

func decodeChunkRecord(raw []byte) (map[string]string, error) {
	s := string(raw)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	} else {
		return nil, newErr(CORRUPT, "chunk record: missing newline", nil)
	}
	s = strings.TrimRight(s, " ")
	i := strings.LastIndex(s, ",fletcher:")
	if i < 0 {
		return nil, newErr(CORRUPT, "chunk record: missing checksum", nil)
	}
	body := s[:i]
	wantHex := s[i+len(",fletcher:"):]
	want, err := strconv.ParseUint(wantHex, 16, 32)
	if err != nil {
		return nil, newErr(CORRUPT, "chunk record: malformed checksum", err)
	}
	if uint64(fletcher32([]byte(body))) != want {
		return nil, newErr(CORRUPT, "chunk record: checksum mismatch", nil)
	}
	return decodeASCIIMap(body)
}

// readChunkFooter reads and verifies the footer at the end of a chunk of
// length lenBlocks starting at block.
func (s *Store) readChunkFooter(block, lenBlocks int64) (chunkFooter, error) {
	pos := block*BlockSize + lenBlocks*BlockSize - FooterLength
	buf, err := s.dev.ReadFully(pos, FooterLength)
	if err != nil {
		return chunkFooter{}, newErr(CORRUPT, "read chunk footer", err)
	}
	fields, err := decodeChunkRecord(buf)
	if err != nil {
		return chunkFooter{}, err
	}
	id, err1 := strconv.ParseInt(fields["chunk"], 16, 64)
	blk, err2 := strconv.ParseInt(fields["block"], 16, 64)
	ver, err3 := strconv.ParseInt(fields["version"], 16, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return chunkFooter{}, newErr(CORRUPT, "chunk footer: malformed fields", nil)
	}
	return chunkFooter{ChunkID: int(id), Block: blk, Version: ver}, nil
}

// readChunkHeader reads and verifies the header at the start of a chunk.
func (s *Store) readChunkHeader(block int64) (*Chunk, error) {
	buf, err := s.dev.ReadFully(block*BlockSize, HeaderLength)
	if err != nil {
		return nil, newErr(CORRUPT, "read chunk header", err)
	}
	fields, err := decodeChunkRecord(buf)
	if err != nil {
		return nil, err
	}
	c := &Chunk{}
	get := func(key string) (int64, error) {
		v, ok := fields[key]
		if !ok {
			return 0, newErr(CORRUPT, "chunk header missing "+key, nil)
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
	if c.PageCount, err = get("pages"); err != nil {
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
	if c.Version, err = get("version"); err != nil {
		return nil, err
	}
	if c.TimeMs, err = get("time"); err != nil {
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
	c.PageCountLive = c.PageCount
	c.MaxLenLive = c.MaxLen
	return c, nil
}

// verifyChunk reads back a chunk's header and footer and checks they agree,
// returning the chunk descriptor on success. Read errors here are treated
// as "no chunk" rather than propagated — recovery tolerates a partially
// written tail.
func (s *Store) verifyChunk(block int64) (*Chunk, bool) {
	h, err := s.readChunkHeader(block)
	if err != nil {
		return nil, false
	}
	f, err := s.readChunkFooter(block, h.Len)
	if err != nil {
		return nil, false
	}
	if f.ChunkID != h.ID || f.Block != h.Block || f.Version != h.Version {
		return nil, false
	}
	return h, true
}

var errNoChunk = fmt.Errorf("mvstore: no valid chunk at position")
