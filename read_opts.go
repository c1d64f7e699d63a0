package kar

import (
	"log/slog"

	"github.com/meigma/kar/internal/codec"
)

// unpackConfig holds configuration for extraction.
type unpackConfig struct {
	logger    *slog.Logger
	progress  ProgressFunc
	maxMemory uint64
}

// UnpackOption configures Unpack.
type UnpackOption func(*unpackConfig)

// UnpackWithLogger sets the logger. A nil logger disables logging.
func UnpackWithLogger(logger *slog.Logger) UnpackOption {
	return func(cfg *unpackConfig) {
		cfg.logger = logger
	}
}

// UnpackWithProgress sets a callback that receives progress updates.
func UnpackWithProgress(fn ProgressFunc) UnpackOption {
	return func(cfg *unpackConfig) {
		cfg.progress = fn
	}
}

// UnpackWithDecoderMaxMemory caps the memory the zstd decoder may use for
// a single chunk. Zero keeps the decoder default.
func UnpackWithDecoderMaxMemory(n uint64) UnpackOption {
	return func(cfg *unpackConfig) {
		cfg.maxMemory = n
	}
}

// openConfig holds configuration for random-access archives.
type openConfig struct {
	logger    *slog.Logger
	maxMemory uint64
	noCache   bool
}

// OpenOption configures OpenArchive and NewArchive.
type OpenOption func(*openConfig)

// OpenWithLogger sets the logger. A nil logger disables logging.
func OpenWithLogger(logger *slog.Logger) OpenOption {
	return func(cfg *openConfig) {
		cfg.logger = logger
	}
}

// OpenWithDecoderMaxMemory caps the memory the zstd decoder may use for a
// single chunk. Zero keeps the decoder default.
func OpenWithDecoderMaxMemory(n uint64) OpenOption {
	return func(cfg *openConfig) {
		cfg.maxMemory = n
	}
}

// OpenWithoutChunkCache disables reuse of the most recently decoded chunk.
// Solid archives keep one decoded chunk in memory by default so that
// reading neighbouring files does not decode the same chunk again.
func OpenWithoutChunkCache() OpenOption {
	return func(cfg *openConfig) {
		cfg.noCache = true
	}
}

func decoderOptions(maxMemory uint64) []codec.Option {
	if maxMemory == 0 {
		return nil
	}
	return []codec.Option{codec.WithDecoderMaxMemory(maxMemory)}
}

func discardIfNil(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}
