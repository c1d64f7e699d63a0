package kar

import (
	"log/slog"

	"github.com/meigma/kar/internal/chunk"
	"github.com/meigma/kar/internal/format"
	"github.com/meigma/kar/internal/scan"
)

// Compression identifies a chunk compression algorithm.
type Compression = format.Algorithm

// Compression algorithms.
const (
	// CompressionNone stores every chunk verbatim.
	CompressionNone = format.AlgorithmStore

	// CompressionLZ4 compresses chunks as LZ4 blocks.
	CompressionLZ4 = format.AlgorithmLZ4

	// CompressionZstd compresses chunks as zstd frames.
	CompressionZstd = format.AlgorithmZstd
)

// ParseCompression parses "none", "store", "lz4" or "zstd".
var ParseCompression = format.ParseAlgorithm

// HashAlgorithm selects the content hash used for deduplication.
type HashAlgorithm = scan.HashAlgorithm

// Hash algorithms.
const (
	HashSHA256 = scan.SHA256
	HashBLAKE3 = scan.BLAKE3
)

// ParseHashAlgorithm parses "sha256" or "blake3".
var ParseHashAlgorithm = scan.ParseHashAlgorithm

// SkipCompressionFunc returns true when a file should be stored
// uncompressed. It receives the archive destination path of the file and
// is called once per unique content in per-file mode.
type SkipCompressionFunc = chunk.SkipCompressionFunc

// DefaultSkipCompression skips .png, .gif, .jpg and .jpeg files.
var DefaultSkipCompression = chunk.DefaultSkipCompression

// SkipExtensions returns a SkipCompressionFunc matching any of exts
// case-insensitively, for example SkipExtensions(".ogg", ".woff2").
var SkipExtensions = chunk.SkipExtensions

// DefaultChunkSize is the solid chunk size used when PackWithSolid is given 0.
const DefaultChunkSize = 256 << 20

// packConfig holds configuration for archive creation.
type packConfig struct {
	compression     Compression
	solid           bool
	chunkSize       uint32
	skipCompression []SkipCompressionFunc
	hash            HashAlgorithm
	concurrency     int
	zstdLevel       int
	tempDir         string
	logger          *slog.Logger
	progress        ProgressFunc
}

func newPackConfig(opts []PackOption) packConfig {
	cfg := packConfig{
		compression:     CompressionZstd,
		skipCompression: []SkipCompressionFunc{DefaultSkipCompression()},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.solid && cfg.chunkSize == 0 {
		cfg.chunkSize = DefaultChunkSize
	}
	if !cfg.solid {
		cfg.chunkSize = 0
	}
	return cfg
}

// PackOption configures archive creation.
type PackOption func(*packConfig)

// PackWithCompression sets the compression algorithm tried for each chunk.
// The default is CompressionZstd. Use CompressionNone to store everything.
func PackWithCompression(c Compression) PackOption {
	return func(cfg *packConfig) {
		cfg.compression = c
	}
}

// PackWithSolid enables solid mode with the given chunk size.
// Zero uses DefaultChunkSize.
func PackWithSolid(chunkSize uint32) PackOption {
	return func(cfg *packConfig) {
		cfg.solid = true
		cfg.chunkSize = chunkSize
	}
}

// PackWithSkipCompression adds predicates that decide to store a file
// uncompressed. If any predicate returns true, compression is skipped for
// that file. Solid archives ignore these predicates.
func PackWithSkipCompression(fns ...SkipCompressionFunc) PackOption {
	return func(cfg *packConfig) {
		cfg.skipCompression = append(cfg.skipCompression, fns...)
	}
}

// PackWithoutDefaultSkip removes the default image skip list.
func PackWithoutDefaultSkip() PackOption {
	return func(cfg *packConfig) {
		cfg.skipCompression = nil
	}
}

// PackWithHash sets the deduplication hash. The default is HashSHA256.
func PackWithHash(h HashAlgorithm) PackOption {
	return func(cfg *packConfig) {
		cfg.hash = h
	}
}

// PackWithConcurrency sets how many files are hashed in parallel.
// Zero uses GOMAXPROCS.
func PackWithConcurrency(n int) PackOption {
	return func(cfg *packConfig) {
		cfg.concurrency = n
	}
}

// PackWithZstdLevel sets the zstd level (1-22 in zstd terms).
func PackWithZstdLevel(level int) PackOption {
	return func(cfg *packConfig) {
		cfg.zstdLevel = level
	}
}

// PackWithTempDir sets where Write spools the payload for writers that
// cannot seek. The default is os.TempDir.
func PackWithTempDir(dir string) PackOption {
	return func(cfg *packConfig) {
		cfg.tempDir = dir
	}
}

// PackWithLogger sets the logger. A nil logger disables logging.
func PackWithLogger(logger *slog.Logger) PackOption {
	return func(cfg *packConfig) {
		cfg.logger = logger
	}
}

// PackWithProgress sets a callback that receives progress updates.
func PackWithProgress(fn ProgressFunc) PackOption {
	return func(cfg *packConfig) {
		cfg.progress = fn
	}
}
