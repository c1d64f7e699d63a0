package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/felixge/fgprof"
	"github.com/spf13/pflag"

	"github.com/meigma/kar"
	"github.com/meigma/kar/internal/testutil"
)

type config struct {
	mode        string
	files       int
	fileSize    int
	dirCount    int
	dupEvery    int
	compression string
	solid       bool
	chunkSize   uint32
	pattern     string
	fgProfile   string
	duration    time.Duration
	iterations  int
	pprofAddr   string
	cpuProfile  string
	memProfile  string
	traceFile   string
	noCache     bool
	readRandom  bool
	tempDir     string
	keepTemp    bool
	randomSeed  uint64
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkBytes []byte
	sinkCount int
)

//nolint:gocognit,gocyclo // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	dir, cleanup, err := setupTempDir(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	srcDir := filepath.Join(dir, "src")
	paths, err := makeFiles(srcDir, cfg)
	if err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
	}

	archive := filepath.Join(dir, "bench.kar")
	if err := kar.Pack(context.Background(), archive, []kar.Input{kar.DirMapping(srcDir, "/")}, packOptions(cfg)...); err != nil {
		log.Fatal(err)
	}

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, archive, srcDir, paths, dir)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.mode,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

//nolint:gocognit,gocyclo,gocritic // complexity is inherent to multi-mode profiler dispatch; hugeParam acceptable for profiler
func runProfile(cfg config, archive, srcDir string, paths []string, rootDir string) (profileStats, error) {
	ctx := context.Background()
	start := time.Now()
	ops := 0
	var byteCount int64

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	switch cfg.mode {
	case "readfile":
		var opts []kar.OpenOption
		if cfg.noCache {
			opts = append(opts, kar.OpenWithoutChunkCache())
		}
		a, err := kar.OpenArchive(archive, opts...)
		if err != nil {
			return profileStats{}, err
		}
		defer a.Close()

		rng := rand.New(rand.NewPCG(cfg.randomSeed, cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
		for shouldContinue() {
			path := pickPath(paths, ops, rng, cfg.readRandom)
			content, err := a.ReadFile(path)
			if err != nil {
				return profileStats{}, err
			}
			sinkBytes = content
			byteCount += int64(len(content))
			ops++
		}

	case "stat":
		a, err := kar.OpenArchive(archive)
		if err != nil {
			return profileStats{}, err
		}
		defer a.Close()

		rng := rand.New(rand.NewPCG(cfg.randomSeed, cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
		for shouldContinue() {
			path := pickPath(paths, ops, rng, cfg.readRandom)
			info, err := a.Stat(path)
			if err != nil {
				return profileStats{}, err
			}
			byteCount += info.Size()
			ops++
		}

	case "list":
		for shouldContinue() {
			l, err := kar.List(ctx, archive)
			if err != nil {
				return profileStats{}, err
			}
			sinkCount = len(l.Entries)
			ops++
		}

	case "unpack":
		l, err := kar.List(ctx, archive)
		if err != nil {
			return profileStats{}, err
		}
		total := int64(l.TotalSize()) //nolint:gosec // generated dataset is small
		for shouldContinue() {
			dest := filepath.Join(rootDir, "unpack", fmt.Sprintf("iter-%d", ops))
			if err := kar.Unpack(ctx, archive, dest); err != nil {
				return profileStats{}, err
			}
			if err := os.RemoveAll(dest); err != nil {
				return profileStats{}, err
			}
			byteCount += total
			ops++
		}

	case "pack":
		var buf bytes.Buffer
		inputs := []kar.Input{kar.DirMapping(srcDir, "/")}
		opts := packOptions(cfg)
		for shouldContinue() {
			buf.Reset()
			if err := kar.Write(ctx, &seekBuffer{buf: &buf}, inputs, opts...); err != nil {
				return profileStats{}, err
			}
			byteCount += int64(buf.Len())
			ops++
		}

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return profileStats{
		ops:     ops,
		bytes:   byteCount,
		elapsed: time.Since(start),
	}, nil
}

// seekBuffer is an in-memory io.WriteSeeker so the pack mode exercises the
// reserve-then-patch path without touching disk.
type seekBuffer struct {
	buf *bytes.Buffer
	pos int64
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	b := s.buf.Bytes()
	end := s.pos + int64(len(p))
	if end > int64(len(b)) {
		s.buf.Write(make([]byte, end-int64(len(b))))
		b = s.buf.Bytes()
	}
	copy(b[s.pos:end], p)
	s.pos = end
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += s.pos
	case io.SeekEnd:
		offset += int64(s.buf.Len())
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if offset < 0 {
		return 0, fmt.Errorf("negative position %d", offset)
	}
	s.pos = offset
	return offset, nil
}

func parseFlags() config {
	var cfg config
	flag := pflag.CommandLine
	flag.StringVar(&cfg.mode, "mode", "readfile", "mode: readfile, stat, list, unpack, pack")
	flag.IntVar(&cfg.files, "files", 512, "number of files")
	flag.IntVar(&cfg.fileSize, "file-size", 16<<10, "file size in bytes")
	flag.IntVar(&cfg.dirCount, "dir-count", 16, "number of directories")
	flag.IntVar(&cfg.dupEvery, "dup-every", 0, "make every Nth file a copy of the previous one (0 disables)")
	flag.StringVar(&cfg.compression, "compression", "zstd", "compression: none, lz4 or zstd")
	flag.BoolVar(&cfg.solid, "solid", false, "build a solid archive")
	flag.Uint32Var(&cfg.chunkSize, "chunk-size", 1<<20, "solid chunk size in bytes")
	flag.StringVar(&cfg.pattern, "pattern", "compressible", "pattern: compressible or random")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.BoolVar(&cfg.noCache, "no-cache", false, "disable the solid chunk cache in readfile mode")
	flag.BoolVar(&cfg.readRandom, "read-random", true, "randomize readfile path selection")
	flag.StringVar(&cfg.tempDir, "temp-dir", "", "directory to use for dataset")
	flag.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temp dir after run")
	flag.Uint64Var(&cfg.randomSeed, "seed", 1, "random seed")
	pflag.Parse()
	return cfg
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func packOptions(cfg config) []kar.PackOption {
	alg, err := kar.ParseCompression(cfg.compression)
	if err != nil {
		log.Fatalf("compression: %v", err)
	}
	opts := []kar.PackOption{kar.PackWithCompression(alg)}
	if cfg.solid {
		opts = append(opts, kar.PackWithSolid(cfg.chunkSize))
	}
	return opts
}

func pickPath(paths []string, idx int, rng *rand.Rand, random bool) string {
	if random {
		return paths[rng.IntN(len(paths))]
	}
	return paths[idx%len(paths)]
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setupTempDir(cfg config) (string, func() error, error) {
	if cfg.tempDir != "" {
		return cfg.tempDir, nil, os.MkdirAll(cfg.tempDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler temp dirs
	}
	dir, err := os.MkdirTemp("", "kar-profiler-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error {
		if cfg.keepTemp {
			return nil
		}
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func makeFiles(dir string, cfg config) ([]string, error) {
	dirCount := max(cfg.dirCount, 1)
	paths := make([]string, 0, cfg.files)
	var prev []byte
	for i := range cfg.files {
		relPath := fmt.Sprintf("dir%02d/file%05d.dat", i%dirCount, i)
		fullPath := filepath.Join(dir, filepath.FromSlash(relPath))
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil { //nolint:gosec // 0o755 is intentional for profiler
			return nil, err
		}

		var content []byte
		switch {
		case cfg.dupEvery > 0 && i > 0 && i%cfg.dupEvery == 0:
			content = prev
		case cfg.pattern == "random":
			content = testutil.RandomData(cfg.fileSize, cfg.randomSeed+uint64(i)) //nolint:gosec // i is non-negative
		default:
			content = testutil.CompressibleData(cfg.fileSize)
			if len(content) > 0 {
				content[0] = byte(i)
			}
		}

		if err := os.WriteFile(fullPath, content, 0o644); err != nil { //nolint:gosec // 0o644 is intentional for profiler test files
			return nil, err
		}
		prev = content
		paths = append(paths, relPath)
	}
	return paths, nil
}
