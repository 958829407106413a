package mvstore

import "github.com/klauspost/compress/zstd"

var (
	zstdFastEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdHighEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	zstdDecoder, _     = zstd.NewReader(nil)
)

// compressChunkContent compresses a chunk's serialized page blob according
// to Config.Compress: 0 leaves it untouched, 1 favors encode speed, 2 favors
// ratio. Page offsets recorded in page.Pos are assigned
// against the uncompressed blob and stay valid after decompression since
// compression is applied to the whole chunk content in one pass.
func compressChunkContent(data []byte, level int) []byte {
	switch level {
	case 1:
		return zstdFastEncoder.EncodeAll(data, make([]byte, 0, len(data)))
	case 2:
		return zstdHighEncoder.EncodeAll(data, make([]byte, 0, len(data)))
	default:
		return data
	}
}

func decompressChunkContent(data []byte, level int) ([]byte, error) {
	if level == 0 {
		return data, nil
	}
	return zstdDecoder.DecodeAll(data, nil)
}
