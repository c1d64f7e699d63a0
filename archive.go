package kar

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/meigma/kar/internal/codec"
	"github.com/meigma/kar/internal/format"
	"github.com/meigma/kar/internal/pathindex"
	"github.com/meigma/kar/internal/sizing"
)

// Interface compliance.
var (
	_ fs.FS         = (*Archive)(nil)
	_ fs.StatFS     = (*Archive)(nil)
	_ fs.ReadFileFS = (*Archive)(nil)
	_ fs.ReadDirFS  = (*Archive)(nil)
)

// Archive provides random access to the files of an archive.
//
// Archive implements fs.FS, fs.StatFS, fs.ReadFileFS and fs.ReadDirFS.
// Reading a file decodes only the chunks that overlap it. An Archive is
// safe for concurrent use.
type Archive struct {
	r      io.ReaderAt
	closer io.Closer
	size   int64

	header *format.Header
	index  *pathindex.Index
	codec  *codec.Codec
	logger *slog.Logger

	// chunkPos[i] is the file offset of chunk i's stored bytes and
	// chunkStart[i] its offset in the logical stream.
	chunkPos   []int64
	chunkStart []uint64

	// dirs maps a directory name in fs form ("." for the root) to its
	// children sorted by name.
	dirs map[string][]dirChild

	noCache bool
	mu      sync.Mutex
	cached  int
	cache   []byte
}

type dirChild struct {
	name string
	dir  bool
	item uint16
}

// OpenArchive opens the archive file at name for random access. Close
// releases the file.
func OpenArchive(name string, opts ...OpenOption) (*Archive, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	a, err := NewArchive(f, info.Size(), opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	a.closer = f
	return a, nil
}

// NewArchive reads the header of the size-byte archive in r. The payload
// is read on demand; r must stay valid until the Archive is no longer
// used.
func NewArchive(r io.ReaderAt, size int64, opts ...OpenOption) (*Archive, error) {
	var cfg openConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cat, err := readCatalog(bufio.NewReader(io.NewSectionReader(r, 0, size)))
	if err != nil {
		return nil, err
	}
	hdr := cat.header

	a := &Archive{
		r:          r,
		size:       size,
		header:     hdr,
		index:      cat.index,
		logger:     discardIfNil(cfg.logger),
		chunkPos:   make([]int64, len(hdr.Chunks)),
		chunkStart: make([]uint64, len(hdr.Chunks)),
		noCache:    cfg.noCache,
		cached:     -1,
	}
	pos := hdr.Size()
	var logical uint64
	for i, c := range hdr.Chunks {
		a.chunkPos[i] = pos
		a.chunkStart[i] = logical
		pos += int64(c.CompressedLength)
		logical += uint64(c.Length)
	}
	if pos > size {
		return nil, fmt.Errorf("%w: payload ends at %d past archive size %d", format.ErrCorruptHeader, pos, size)
	}
	if err := a.buildDirs(cat.entries); err != nil {
		return nil, err
	}

	a.codec, err = codec.New(decoderOptions(cfg.maxMemory)...)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("archive opened",
		"size", size,
		"entries", len(cat.entries),
		"chunks", len(hdr.Chunks),
		"solid", hdr.Solid())
	return a, nil
}

// buildDirs groups entries under their parent directories. Parents that
// are not stored explicitly are synthesized so every file is reachable.
func (a *Archive) buildDirs(entries []pathindex.Entry) error {
	a.dirs = map[string][]dirChild{".": nil}
	seen := make(map[string]bool)
	var add func(parent string, child dirChild)
	add = func(parent string, child dirChild) {
		key := parent + "\x00" + child.name
		if child.dir {
			key += "/"
		}
		if seen[key] {
			return
		}
		seen[key] = true
		if _, ok := a.dirs[parent]; !ok {
			a.dirs[parent] = nil
			if parent != "." {
				add(path.Dir(parent), dirChild{name: path.Base(parent), dir: true})
			}
		}
		a.dirs[parent] = append(a.dirs[parent], child)
	}
	for _, e := range entries {
		name := archivePath(e.Path)
		if name == "." {
			continue
		}
		if !fs.ValidPath(name) {
			a.log().Debug("path not reachable through fs.FS", "path", e.Path)
			continue
		}
		dir := strings.HasSuffix(e.Path, "/")
		if dir {
			if _, ok := a.dirs[name]; !ok {
				a.dirs[name] = nil
			}
		}
		add(path.Dir(name), dirChild{name: path.Base(name), dir: dir, item: e.Item})
	}
	for name, children := range a.dirs {
		slices.SortFunc(children, func(x, y dirChild) int {
			return strings.Compare(x.name, y.name)
		})
		for i := 1; i < len(children); i++ {
			if children[i].name == children[i-1].name {
				return fmt.Errorf("%w: %q is both a file and a directory", format.ErrCorruptIndex, path.Join(name, children[i].name))
			}
		}
	}
	return nil
}

// log returns the logger, falling back to a discard logger if nil.
func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// Solid reports whether the archive was written in solid mode.
func (a *Archive) Solid() bool {
	return a.header.Solid()
}

// Close releases the decoder and, for archives from OpenArchive, the file.
func (a *Archive) Close() error {
	a.codec.Close()
	a.mu.Lock()
	a.cache = nil
	a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

// lookupFile returns the item of the file at name.
func (a *Archive) lookupFile(name string) (format.Item, bool) {
	if name == "." {
		return format.Item{}, false
	}
	id, ok := a.index.Lookup("/" + name)
	if !ok || int(id) >= len(a.header.Items) {
		return format.Item{}, false
	}
	it := a.header.Items[id]
	if it.IsDir() {
		return format.Item{}, false
	}
	return it, true
}

// Open implements fs.FS.
func (a *Archive) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if it, ok := a.lookupFile(name); ok {
		return &openFile{a: a, name: name, item: it}, nil
	}
	if _, ok := a.dirs[name]; ok {
		return &openDir{a: a, name: name}, nil
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

// Stat implements fs.StatFS.
func (a *Archive) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	if it, ok := a.lookupFile(name); ok {
		return fileInfo{name: path.Base(name), size: int64(it.Length)}, nil
	}
	if _, ok := a.dirs[name]; ok {
		return fileInfo{name: path.Base(name), dir: true}, nil
	}
	return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
}

// ReadFile implements fs.ReadFileFS.
//
// The returned slice is owned by the caller.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: fs.ErrInvalid}
	}
	it, ok := a.lookupFile(name)
	if !ok {
		if _, isDir := a.dirs[name]; isDir {
			return nil, &fs.PathError{Op: "readfile", Path: name, Err: errIsDir}
		}
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: fs.ErrNotExist}
	}
	data, err := a.readItem(it)
	if err != nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: err}
	}
	return data, nil
}

// ReadDir implements fs.ReadDirFS.
//
// ReadDir returns directory entries for the named directory, sorted by name.
func (a *Archive) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	children, ok := a.dirs[name]
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}
	return a.dirEntries(children), nil
}

func (a *Archive) dirEntries(children []dirChild) []fs.DirEntry {
	out := make([]fs.DirEntry, len(children))
	for i, c := range children {
		info := fileInfo{name: c.name, dir: c.dir}
		if !c.dir {
			info.size = int64(a.header.Items[c.item].Length)
		}
		out[i] = fs.FileInfoToDirEntry(info)
	}
	return out
}

// maxItemPrealloc caps the buffer allocated for a file before its chunks
// have decoded.
const maxItemPrealloc = 8 << 20

// readItem decodes the chunks overlapping it and returns its bytes.
func (a *Archive) readItem(it format.Item) ([]byte, error) {
	if it.Length == 0 {
		return []byte{}, nil
	}
	out := make([]byte, 0, min(uint64(it.Length), maxItemPrealloc))
	start := uint64(it.Offset)
	end := start + uint64(it.Length)
	chunks := a.header.Chunks

	first := sort.Search(len(chunks), func(i int) bool {
		return a.chunkStart[i]+uint64(chunks[i].Length) > start
	})
	for i := first; i < len(chunks) && a.chunkStart[i] < end; i++ {
		if chunks[i].Length == 0 {
			continue
		}
		data, err := a.chunk(i)
		if err != nil {
			return nil, err
		}
		cs := a.chunkStart[i]
		lo := max(start, cs) - cs
		hi := min(end, cs+uint64(len(data))) - cs
		out = append(out, data[lo:hi]...)
	}
	if uint64(len(out)) != uint64(it.Length) {
		return nil, fmt.Errorf("%w: item decoded to %d bytes, expected %d", format.ErrCorruptChunk, len(out), it.Length)
	}
	return out, nil
}

// chunk returns the decoded bytes of chunk i. The result must not be
// modified.
func (a *Archive) chunk(i int) ([]byte, error) {
	if !a.noCache {
		a.mu.Lock()
		if a.cached == i && a.cache != nil {
			data := a.cache
			a.mu.Unlock()
			return data, nil
		}
		a.mu.Unlock()
	}

	c := a.header.Chunks[i]
	sr := io.NewSectionReader(a.r, a.chunkPos[i], int64(c.CompressedLength))
	raw, err := sizing.ReadExact(sr, nil, uint64(c.CompressedLength))
	if err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", i, err)
	}
	data, err := a.codec.Decompress(nil, raw, c.Algorithm, int(c.Length))
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", i, err)
	}
	a.log().Debug("chunk decoded", "chunk", i, "algorithm", c.Algorithm, "size", c.Length)

	// Only solid chunks span several files; per-file chunks are not reused.
	if !a.noCache && a.header.Solid() {
		a.mu.Lock()
		a.cached, a.cache = i, data
		a.mu.Unlock()
	}
	return data, nil
}
