package kar

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/meigma/kar/internal/testutil"
)

var (
	benchSinkBytes []byte
	benchSinkInfo  fs.FileInfo
	benchSinkDirs  []fs.DirEntry
)

type benchPattern string

const (
	benchPatternCompressible benchPattern = "compressible"
	benchPatternRandom       benchPattern = "random"

	benchDirCount = 16
)

func init() {
	if os.Getenv("KAR_PROFILE_BLOCK") == "1" {
		runtime.SetBlockProfileRate(1)
	}
	if os.Getenv("KAR_PROFILE_MUTEX") == "1" {
		runtime.SetMutexProfileFraction(1)
	}
}

func BenchmarkPack(b *testing.B) {
	cases := []struct {
		name    string
		pattern benchPattern
		opts    []PackOption
	}{
		{name: "none/compressible", pattern: benchPatternCompressible, opts: []PackOption{PackWithCompression(CompressionNone)}},
		{name: "zstd/compressible", pattern: benchPatternCompressible},
		{name: "zstd/random", pattern: benchPatternRandom},
		{name: "lz4/compressible", pattern: benchPatternCompressible, opts: []PackOption{PackWithCompression(CompressionLZ4)}},
		{name: "zstd/solid", pattern: benchPatternCompressible, opts: []PackOption{PackWithSolid(1 << 20)}},
		{name: "zstd/blake3", pattern: benchPatternCompressible, opts: []PackOption{PackWithHash(HashBLAKE3)}},
	}

	const fileCount, fileSize = 128, 16 << 10
	for _, bc := range cases {
		b.Run(bc.name, func(b *testing.B) {
			dir := b.TempDir()
			makeBenchFiles(b, dir, fileCount, fileSize, bc.pattern)
			inputs := []Input{DirMapping(dir, "/")}
			out := filepath.Join(b.TempDir(), "bench.kar")

			b.SetBytes(int64(fileCount * fileSize))
			b.ReportAllocs()
			b.ResetTimer()
			for b.Loop() {
				if err := Pack(context.Background(), out, inputs, bc.opts...); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkUnpack(b *testing.B) {
	cases := []struct {
		name string
		opts []PackOption
	}{
		{name: "zstd"},
		{name: "lz4", opts: []PackOption{PackWithCompression(CompressionLZ4)}},
		{name: "solid", opts: []PackOption{PackWithSolid(1 << 20)}},
	}

	const fileCount, fileSize = 128, 16 << 10
	for _, bc := range cases {
		b.Run(bc.name, func(b *testing.B) {
			archive := createBenchArchive(b, fileCount, fileSize, bc.opts...)
			root := b.TempDir()

			b.SetBytes(int64(fileCount * fileSize))
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; b.Loop(); i++ {
				dest := filepath.Join(root, fmt.Sprintf("iter-%d", i))
				if err := Unpack(context.Background(), archive, dest); err != nil {
					b.Fatal(err)
				}
				b.StopTimer()
				if err := os.RemoveAll(dest); err != nil {
					b.Fatal(err)
				}
				b.StartTimer()
			}
		})
	}
}

func BenchmarkArchiveReadFile(b *testing.B) {
	cases := []struct {
		name     string
		opts     []PackOption
		openOpts []OpenOption
	}{
		{name: "per-file"},
		{name: "solid/cached", opts: []PackOption{PackWithSolid(256 << 10)}},
		{name: "solid/uncached", opts: []PackOption{PackWithSolid(256 << 10)}, openOpts: []OpenOption{OpenWithoutChunkCache()}},
	}

	const fileCount, fileSize = 256, 4 << 10
	for _, bc := range cases {
		b.Run(bc.name, func(b *testing.B) {
			archive := createBenchArchive(b, fileCount, fileSize, bc.opts...)
			a, err := OpenArchive(archive, bc.openOpts...)
			if err != nil {
				b.Fatal(err)
			}
			b.Cleanup(func() { a.Close() })
			paths := benchPaths(fileCount)

			b.SetBytes(fileSize)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; b.Loop(); i++ {
				data, err := a.ReadFile(paths[i%len(paths)])
				if err != nil {
					b.Fatal(err)
				}
				benchSinkBytes = data
			}
		})
	}
}

func BenchmarkArchiveStat(b *testing.B) {
	for _, fileCount := range []int{256, 4096} {
		b.Run(fmt.Sprintf("files=%d", fileCount), func(b *testing.B) {
			archive := createBenchArchive(b, fileCount, 64)
			a, err := OpenArchive(archive)
			if err != nil {
				b.Fatal(err)
			}
			b.Cleanup(func() { a.Close() })
			paths := benchPaths(fileCount)

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; b.Loop(); i++ {
				info, err := a.Stat(paths[i%len(paths)])
				if err != nil {
					b.Fatal(err)
				}
				benchSinkInfo = info
			}
		})
	}
}

func BenchmarkArchiveReadDir(b *testing.B) {
	archive := createBenchArchive(b, 1024, 64)
	a, err := OpenArchive(archive)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { a.Close() })

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; b.Loop(); i++ {
		entries, err := a.ReadDir(fmt.Sprintf("dir%02d", i%benchDirCount))
		if err != nil {
			b.Fatal(err)
		}
		benchSinkDirs = entries
	}
}

func BenchmarkOpenArchive(b *testing.B) {
	var buf bytes.Buffer
	dir := b.TempDir()
	makeBenchFiles(b, dir, 4096, 64, benchPatternCompressible)
	if err := Write(context.Background(), &buf, []Input{DirMapping(dir, "/")}); err != nil {
		b.Fatal(err)
	}
	src := testutil.NewMockByteSource(buf.Bytes())

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		a, err := NewArchive(src, src.Size())
		if err != nil {
			b.Fatal(err)
		}
		benchSinkDirs, _ = a.ReadDir(".")
	}
}

func createBenchArchive(b *testing.B, fileCount, fileSize int, opts ...PackOption) string {
	b.Helper()
	dir := b.TempDir()
	makeBenchFiles(b, dir, fileCount, fileSize, benchPatternCompressible)
	out := filepath.Join(b.TempDir(), "bench.kar")
	if err := Pack(context.Background(), out, []Input{DirMapping(dir, "/")}, opts...); err != nil {
		b.Fatal(err)
	}
	return out
}

func benchPaths(fileCount int) []string {
	paths := make([]string, fileCount)
	for i := range paths {
		paths[i] = fmt.Sprintf("dir%02d/file%05d.dat", i%benchDirCount, i)
	}
	return paths
}

func makeBenchFiles(b *testing.B, dir string, fileCount, fileSize int, pattern benchPattern) []string {
	b.Helper()

	paths := benchPaths(fileCount)
	for i, relPath := range paths {
		fullPath := filepath.Join(dir, filepath.FromSlash(relPath))
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			b.Fatal(err)
		}

		var content []byte
		switch pattern {
		case benchPatternRandom:
			content = testutil.RandomData(fileSize, uint64(i)+1) //nolint:gosec // i is non-negative
		default:
			content = testutil.CompressibleData(fileSize)
			if len(content) > 0 {
				content[0] = byte(i)
			}
		}

		if err := os.WriteFile(fullPath, content, 0o644); err != nil {
			b.Fatal(err)
		}
	}

	return paths
}
