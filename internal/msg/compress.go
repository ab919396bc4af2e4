package msg

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Raw message bytes are zstd-compressed before being written into the
// "pszRawMsg" serialization property (see serialize.go) and decompressed
// on the way back in, mirroring the segment-level compression
// internal/chunk/file applies before a chunk seals. The encoder/decoder
// pair is expensive to construct, so both are built once and reused
// across every Message in the process.
var (
	zstdEncoder  *zstd.Encoder
	zstdDecoder  *zstd.Decoder
	zstdInitOnce sync.Once
	zstdInitErr  error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdInitOnce.Do(func() {
		zstdEncoder, zstdInitErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdInitErr != nil {
			return
		}
		zstdDecoder, zstdInitErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdInitErr
}

// compressRaw returns the zstd-compressed form of b. On any encoder
// initialization failure it falls back to returning b unchanged,
// prefixed so decompressRaw can tell the two cases apart.
func compressRaw(b []byte) []byte {
	enc, _, err := zstdCodecs()
	if err != nil {
		return append([]byte{rawUncompressedTag}, b...)
	}
	compressed := enc.EncodeAll(b, make([]byte, 0, len(b)))
	return append([]byte{rawCompressedTag}, compressed...)
}

func decompressRaw(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	tag, body := b[0], b[1:]
	if tag == rawUncompressedTag {
		return append([]byte(nil), body...), nil
	}
	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(body, make([]byte, 0, len(body)))
}

const (
	rawCompressedTag   byte = 1
	rawUncompressedTag byte = 0
)
