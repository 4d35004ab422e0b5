package artifacts

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

// Compress zstd-compresses an encoded file set for the persistent backends.
func Compress(data []byte) []byte {
	encoderOnce.Do(func() {
		// A nil writer with default options cannot fail.
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func Decompress(data []byte) ([]byte, error) {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil)
	})
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress artifact: %w", err)
	}
	return out, nil
}
