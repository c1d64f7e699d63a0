package kar

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/kar/internal/format"
	"github.com/meigma/kar/internal/pathindex"
	"github.com/meigma/kar/internal/testutil"
)

func TestArchiveFS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []PackOption
	}{
		{name: "per-file"},
		{name: "solid", opts: []PackOption{PackWithSolid(7000)}},
		{name: "lz4", opts: []PackOption{PackWithCompression(CompressionLZ4)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tree := sampleTree()
			a, err := OpenArchive(packTree(t, tree, tt.opts...))
			require.NoError(t, err)
			defer a.Close()

			require.NoError(t, fstest.TestFS(a,
				"readme.txt",
				"empty.dat",
				"scripts/main.lua",
				"scripts/lib/util.lua",
				"images/deep/noise2.bin",
				"bin/tool.exe",
				"empty",
			))

			for name, want := range tree {
				if want == nil {
					continue
				}
				got, err := a.ReadFile(name)
				require.NoError(t, err, name)
				assert.Equal(t, want, got, name)
			}
		})
	}
}

func TestArchiveStatAndReadDir(t *testing.T) {
	t.Parallel()

	a, err := OpenArchive(packTree(t, sampleTree()))
	require.NoError(t, err)
	defer a.Close()

	info, err := a.Stat("scripts/main.lua")
	require.NoError(t, err)
	assert.Equal(t, "main.lua", info.Name())
	assert.Equal(t, int64(64<<10), info.Size())
	assert.False(t, info.IsDir())
	assert.Equal(t, fs.FileMode(0o444), info.Mode())

	info, err = a.Stat("images/deep")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	entries, err := a.ReadDir(".")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"bin", "empty", "empty.dat", "images", "readme.txt", "scripts"}, names)

	entries, err = a.ReadDir("empty")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArchiveErrors(t *testing.T) {
	t.Parallel()

	a, err := OpenArchive(packTree(t, sampleTree()))
	require.NoError(t, err)
	defer a.Close()

	tests := []struct {
		name string
		op   func() error
		want error
	}{
		{
			name: "open missing",
			op:   func() error { _, err := a.Open("nope"); return err },
			want: fs.ErrNotExist,
		},
		{
			name: "open invalid",
			op:   func() error { _, err := a.Open("/readme.txt"); return err },
			want: fs.ErrInvalid,
		},
		{
			name: "stat missing",
			op:   func() error { _, err := a.Stat("scripts/none.lua"); return err },
			want: fs.ErrNotExist,
		},
		{
			name: "readfile dir",
			op:   func() error { _, err := a.ReadFile("scripts"); return err },
			want: errIsDir,
		},
		{
			name: "readdir file",
			op:   func() error { _, err := a.ReadDir("readme.txt"); return err },
			want: fs.ErrNotExist,
		},
		{
			name: "readdir invalid",
			op:   func() error { _, err := a.ReadDir("../x"); return err },
			want: fs.ErrInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var pe *fs.PathError
			assert.True(t, errors.As(err, &pe))
		})
	}
}

func TestArchiveFileSeekAndReadAt(t *testing.T) {
	t.Parallel()

	data := testutil.CompressibleData(50000)
	a, err := OpenArchive(packTree(t, map[string][]byte{"big.txt": data}, PackWithSolid(4096)))
	require.NoError(t, err)
	defer a.Close()

	f, err := a.Open("big.txt")
	require.NoError(t, err)

	rs, ok := f.(io.ReadSeeker)
	require.True(t, ok)
	_, err = rs.Seek(40000, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 100)
	_, err = io.ReadFull(rs, buf)
	require.NoError(t, err)
	assert.Equal(t, data[40000:40100], buf)

	ra, ok := f.(io.ReaderAt)
	require.True(t, ok)
	_, err = ra.ReadAt(buf, 123)
	require.NoError(t, err)
	assert.Equal(t, data[123:223], buf)

	require.NoError(t, f.Close())
	_, err = rs.Read(buf)
	assert.ErrorIs(t, err, fs.ErrClosed)
}

func TestArchiveConcurrentReads(t *testing.T) {
	t.Parallel()

	tree := sampleTree()
	for _, cached := range []bool{true, false} {
		var opts []OpenOption
		if !cached {
			opts = append(opts, OpenWithoutChunkCache())
		}
		a, err := OpenArchive(packTree(t, tree, PackWithSolid(5000)), opts...)
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, 64)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for name, want := range tree {
					if want == nil {
						continue
					}
					got, err := a.ReadFile(name)
					if err != nil {
						errs <- err
						return
					}
					if string(got) != string(want) {
						errs <- errors.New("content mismatch for " + name)
						return
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}
		require.NoError(t, a.Close())
	}
}

func TestNewArchiveFromReaderAt(t *testing.T) {
	t.Parallel()

	data, err := os.ReadFile(packTree(t, map[string][]byte{"dir/a.txt": []byte("alpha")}))
	require.NoError(t, err)
	src := testutil.NewMockByteSource(data)

	a, err := NewArchive(src, src.Size())
	require.NoError(t, err)
	defer a.Close()
	assert.False(t, a.Solid())

	got, err := fs.ReadFile(a, "dir/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(got))

	_, err = NewArchive(src, src.Size()-1)
	assert.ErrorIs(t, err, ErrCorruptHeader)
}

func TestArchiveSolidChunkCache(t *testing.T) {
	t.Parallel()

	data, err := os.ReadFile(packTree(t, map[string][]byte{
		"a.txt": []byte("alpha"),
		"b.txt": []byte("bravo"),
	}, PackWithSolid(0)))
	require.NoError(t, err)

	tests := []struct {
		name      string
		opts      []OpenOption
		wantReuse bool
	}{
		{name: "cached", wantReuse: true},
		{name: "uncached", opts: []OpenOption{OpenWithoutChunkCache()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := testutil.NewMockByteSource(data)
			a, err := NewArchive(src, src.Size(), tt.opts...)
			require.NoError(t, err)
			defer a.Close()
			require.True(t, a.Solid())

			got, err := a.ReadFile("a.txt")
			require.NoError(t, err)
			assert.Equal(t, "alpha", string(got))

			before := src.Reads()
			got, err = a.ReadFile("b.txt")
			require.NoError(t, err)
			assert.Equal(t, "bravo", string(got))
			if tt.wantReuse {
				assert.Equal(t, before, src.Reads(), "second file must come from the decoded chunk")
			} else {
				assert.Greater(t, src.Reads(), before)
			}
		})
	}
}

func TestArchiveInflatedLengthIsCorrupt(t *testing.T) {
	t.Parallel()

	idx := pathindex.New()
	_, _, err := idx.Insert("/", format.DirItem)
	require.NoError(t, err)
	_, _, err = idx.Insert("/big.bin", 1)
	require.NoError(t, err)

	const claimed = 1 << 30
	hdr := &format.Header{
		DirCount:  1,
		FileCount: 1,
		Nodes:     idx.Nodes(),
		Items: []format.Item{
			{Reference: 1, Flags: format.ItemFlagDir},
			{Reference: 1, Length: claimed},
		},
		Chunks: []format.Chunk{{Algorithm: format.AlgorithmLZ4, Length: claimed, CompressedLength: 16}},
	}
	data, err := hdr.MarshalBinary()
	require.NoError(t, err)
	data = append(data, make([]byte, 16)...)

	src := testutil.NewMockByteSource(data)
	a, err := NewArchive(src, src.Size())
	require.NoError(t, err)
	defer a.Close()

	info, err := a.Stat("big.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(claimed), info.Size())
	_, err = a.ReadFile("big.bin")
	require.ErrorIs(t, err, ErrCorruptChunk)
}

func TestArchiveUnpackAgree(t *testing.T) {
	t.Parallel()

	archive := packTree(t, sampleTree(), PackWithSolid(3000))
	dest := t.TempDir()
	require.NoError(t, Unpack(context.Background(), archive, dest))

	a, err := OpenArchive(archive)
	require.NoError(t, err)
	defer a.Close()

	err = fs.WalkDir(a, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		want, err := os.ReadFile(dest + "/" + p)
		if err != nil {
			return err
		}
		got, err := a.ReadFile(p)
		if err != nil {
			return err
		}
		assert.Equal(t, want, got, p)
		return nil
	})
	require.NoError(t, err)
}
