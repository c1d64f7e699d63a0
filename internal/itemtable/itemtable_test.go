package itemtable

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/kar/internal/format"
	"github.com/meigma/kar/internal/scan"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func TestBuildDedup(t *testing.T) {
	t.Parallel()

	dir := writeFiles(t, map[string]string{
		"a.txt":     "hello",
		"b.txt":     "hello",
		"sub/c.png": "\x89PNG\r\n\x1a\nnot really",
	})
	files := []File{
		{Source: filepath.Join(dir, "a.txt"), Dest: "/a.txt"},
		{Source: filepath.Join(dir, "b.txt"), Dest: "/b.txt"},
		{Source: filepath.Join(dir, "sub", "c.png"), Dest: "/sub/c.png"},
	}
	dirs := []string{"/", "/sub/"}

	table, err := Build(context.Background(), files, dirs, Options{Concurrency: 2})
	require.NoError(t, err)

	require.Len(t, table.Items, 3)
	assert.True(t, table.Items[0].IsDir())
	assert.Equal(t, uint32(2), table.Items[0].Reference)
	assert.Equal(t, 2, table.DirCount)
	assert.Equal(t, 3, table.FileCount)
	assert.Equal(t, 1, table.Dups)

	// png sorts before txt.
	assert.Equal(t, "/sub/c.png", table.Items[1].Dest)
	assert.Equal(t, uint64(0), table.Items[1].Offset)
	assert.Equal(t, "/a.txt", table.Items[2].Dest)
	assert.Equal(t, uint32(2), table.Items[2].Reference)
	assert.Equal(t, table.Items[1].Length, table.Items[2].Offset)

	byDest := make(map[string]uint16)
	for _, e := range table.Entries {
		byDest[e.Dest] = e.Item
	}
	assert.Equal(t, map[string]uint16{"/": 0, "/sub/": 0, "/sub/c.png": 1, "/a.txt": 2, "/b.txt": 2}, byDest)

	records, err := table.Records()
	require.NoError(t, err)
	assert.Equal(t, format.Item{Reference: 2, Flags: format.ItemFlagDir}, records[0])
	assert.Equal(t, uint64(len("hello")+len("\x89PNG\r\n\x1a\nnot really")), table.TotalLength())
	assert.Len(t, table.FileItems(), 2)
}

func TestBuildSameLengthDifferentContent(t *testing.T) {
	t.Parallel()

	dir := writeFiles(t, map[string]string{"x": "aaaa", "y": "bbbb", "z": ""})
	files := []File{
		{Source: filepath.Join(dir, "x"), Dest: "/x"},
		{Source: filepath.Join(dir, "y"), Dest: "/y"},
		{Source: filepath.Join(dir, "z"), Dest: "/z"},
	}
	table, err := Build(context.Background(), files, []string{"/"}, Options{Hash: scan.BLAKE3})
	require.NoError(t, err)
	require.Len(t, table.Items, 4)
	for _, it := range table.FileItems() {
		assert.Equal(t, uint32(1), it.Reference)
	}
}

func TestBuildDeterministic(t *testing.T) {
	t.Parallel()

	contents := map[string]string{}
	for i := range 40 {
		contents[strings.Repeat("d/", i%3)+"f"+string(rune('a'+i%26))+strings.Repeat("x", i)+".dat"] = strings.Repeat("z", i)
	}
	dir := writeFiles(t, contents)
	var files []File
	for name := range contents {
		files = append(files, File{Source: filepath.Join(dir, filepath.FromSlash(name)), Dest: "/" + name})
	}

	first, err := Build(context.Background(), files, []string{"/"}, Options{Concurrency: 8})
	require.NoError(t, err)
	slices.Reverse(files)
	second, err := Build(context.Background(), files, []string{"/"}, Options{Concurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, first.Items, second.Items)
}

func TestBuildMissingSource(t *testing.T) {
	t.Parallel()

	files := []File{{Source: filepath.Join(t.TempDir(), "gone"), Dest: "/gone"}}
	_, err := Build(context.Background(), files, []string{"/"}, Options{})
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuildCanceled(t *testing.T) {
	t.Parallel()

	dir := writeFiles(t, map[string]string{"a": "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Build(ctx, []File{{Source: filepath.Join(dir, "a"), Dest: "/a"}}, []string{"/"}, Options{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBuildReportsScanProgressInOrder(t *testing.T) {
	t.Parallel()

	dir := writeFiles(t, map[string]string{"a.txt": "1", "b.exe": "2", "c": "3"})
	files := []File{
		{Source: filepath.Join(dir, "a.txt"), Dest: "/a.txt"},
		{Source: filepath.Join(dir, "b.exe"), Dest: "/b.exe"},
		{Source: filepath.Join(dir, "c"), Dest: "/c"},
	}
	var seen []string
	_, err := Build(context.Background(), files, []string{"/"}, Options{
		Concurrency: 3,
		OnScan: func(done, total int, f File) {
			assert.Equal(t, 3, total)
			assert.Equal(t, len(seen)+1, done)
			seen = append(seen, f.Dest)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/b.exe", "/a.txt", "/c"}, seen)
}

func TestSortKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		src  string
		want Key
	}{
		{"/src/App.EXE", Key{Prio: -1, Ext: "exe", Name: "app.exe", Path: "/src/app.exe"}},
		{"/src/lib.dll", Key{Prio: -1, Ext: "dll", Name: "lib.dll", Path: "/src/lib.dll"}},
		{"/src/readme", Key{Ext: "zzz", Name: "readme", Path: "/src/readme"}},
		{"/src.v2/notes", Key{Ext: "zzz", Name: "notes", Path: "/src.v2/notes"}},
		{"/src/a.Lua", Key{Ext: "lua", Name: "a.lua", Path: "/src/a.lua"}},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, SortKey(tt.src))
		})
	}

	paths := []string{"/z/readme", "/a/b.txt", "/a/a.txt", "/x/tool.sys", "/b/a.txt", "/c/img.png"}
	slices.SortFunc(paths, func(a, b string) int { return CompareSortKeys(SortKey(a), SortKey(b)) })
	assert.Equal(t, []string{"/x/tool.sys", "/c/img.png", "/a/a.txt", "/b/a.txt", "/a/b.txt", "/z/readme"}, paths)
}

func TestRecordsSizeOverflow(t *testing.T) {
	t.Parallel()

	table := &Table{Items: []Item{
		{Flags: format.ItemFlagDir},
		{Length: 16, Offset: 1 << 32},
	}}
	_, err := table.Records()
	require.ErrorIs(t, err, format.ErrSizeOverflow)

	table.Items[1] = Item{Length: 1 << 32}
	_, err = table.Records()
	require.ErrorIs(t, err, format.ErrSizeOverflow)

	table.Items[1] = Item{Reference: 1, Length: 16, Offset: 8}
	records, err := table.Records()
	require.NoError(t, err)
	assert.Equal(t, format.Item{Reference: 1, Offset: 8, Length: 16}, records[1])
}
