// Package codec compresses and decompresses whole chunks.
//
// Chunks are independent: an LZ4 chunk is one LZ4 block and a zstd chunk
// is one zstd frame. Neither carries its uncompressed size, which lives in
// the chunk table.
package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/meigma/kar/internal/format"
)

// maxPrealloc caps the output buffer allocated from a chunk table length
// before any data has decoded. Larger outputs grow as they decode.
const maxPrealloc = 8 << 20

// lz4MaxRatio bounds how far an LZ4 block can expand: every 255 bytes of
// match length cost at least one input byte.
const lz4MaxRatio = 256

// ErrIncompressible is returned by Compress when the algorithm produced no
// output smaller than its input.
var ErrIncompressible = errors.New("kar: chunk is incompressible")

// Codec holds reusable encoder and decoder state.
//
// A Codec is safe for concurrent use.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Option configures a Codec.
type Option func(*config)

type config struct {
	level     zstd.EncoderLevel
	maxMemory uint64
}

// WithZstdLevel sets the zstd encoder level (1-22 in zstd terms).
func WithZstdLevel(level int) Option {
	return func(c *config) {
		c.level = zstd.EncoderLevelFromZstd(level)
	}
}

// WithDecoderMaxMemory bounds the memory a single zstd frame may use.
// Zero keeps the library default.
func WithDecoderMaxMemory(n uint64) Option {
	return func(c *config) {
		c.maxMemory = n
	}
}

// New creates a Codec.
func New(opts ...Option) (*Codec, error) {
	cfg := config{level: zstd.SpeedDefault}
	for _, opt := range opts {
		opt(&cfg)
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(cfg.level),
		zstd.WithEncoderConcurrency(1),
		zstd.WithLowerEncoderMem(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	decOpts := []zstd.DOption{zstd.WithDecoderConcurrency(0)}
	if cfg.maxMemory > 0 {
		decOpts = append(decOpts, zstd.WithDecoderMaxMemory(cfg.maxMemory))
	}
	dec, err := zstd.NewReader(nil, decOpts...)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Close releases decoder resources.
func (c *Codec) Close() {
	c.dec.Close()
	_ = c.enc.Close() //nolint:errcheck // EncodeAll-only encoders have nothing to flush
}

// Compress appends the compressed form of src to dst[:0].
//
// Store returns src unchanged. ErrIncompressible is returned when the
// output would not be smaller than src.
func (c *Codec) Compress(dst, src []byte, alg format.Algorithm) ([]byte, error) {
	switch alg {
	case format.AlgorithmStore:
		return src, nil
	case format.AlgorithmLZ4:
		bound := lz4.CompressBlockBound(len(src))
		if cap(dst) < bound {
			dst = make([]byte, bound)
		}
		dst = dst[:bound]
		n, err := lz4.CompressBlock(src, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(src) {
			return nil, ErrIncompressible
		}
		return dst[:n], nil
	case format.AlgorithmZstd:
		out := c.enc.EncodeAll(src, dst[:0])
		if len(out) >= len(src) {
			return nil, ErrIncompressible
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: tag %d", format.ErrUnknownAlgorithm, uint16(alg))
	}
}

// Decompress decodes src into dst[:0], which must decode to exactly
// length bytes. A size mismatch or undecodable data is ErrCorruptChunk.
func (c *Codec) Decompress(dst, src []byte, alg format.Algorithm, length int) ([]byte, error) {
	switch alg {
	case format.AlgorithmStore:
		if len(src) != length {
			return nil, fmt.Errorf("%w: stored %d bytes, expected %d", format.ErrCorruptChunk, len(src), length)
		}
		return append(dst[:0], src...), nil
	case format.AlgorithmLZ4:
		if length > lz4MaxRatio*len(src)+64 {
			return nil, fmt.Errorf("%w: lz4 block of %d bytes cannot hold %d bytes", format.ErrCorruptChunk, len(src), length)
		}
		if cap(dst) < length {
			dst = make([]byte, length)
		}
		dst = dst[:length]
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %w", format.ErrCorruptChunk, err)
		}
		if n != length {
			return nil, fmt.Errorf("%w: lz4 produced %d bytes, expected %d", format.ErrCorruptChunk, n, length)
		}
		return dst, nil
	case format.AlgorithmZstd:
		if cap(dst) < length {
			dst = make([]byte, 0, min(length, maxPrealloc))
		}
		out, err := c.dec.DecodeAll(src, dst[:0])
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %w", format.ErrCorruptChunk, err)
		}
		if len(out) != length {
			return nil, fmt.Errorf("%w: zstd produced %d bytes, expected %d", format.ErrCorruptChunk, len(out), length)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: tag %d", format.ErrUnknownAlgorithm, uint16(alg))
	}
}
