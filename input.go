package kar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/tidwall/btree"
)

// InputKind selects how an Input maps onto archive paths.
type InputKind uint8

const (
	// InputFile stores one file as "/<name>".
	InputFile InputKind = iota

	// InputDir stores a directory tree under "/<name>/".
	InputDir

	// InputFileMapping stores one file at an explicit destination. A
	// destination ending in "/" names the directory to place it in.
	InputFileMapping

	// InputDirMapping stores a directory tree under an explicit destination.
	InputDirMapping
)

// String returns the string representation of the kind.
func (k InputKind) String() string {
	switch k {
	case InputFile:
		return "file"
	case InputDir:
		return "dir"
	case InputFileMapping:
		return "file-mapping"
	case InputDirMapping:
		return "dir-mapping"
	default:
		return "unknown"
	}
}

// Input names a source on disk and where it lands in the archive.
type Input struct {
	Kind   InputKind
	Source string
	Dest   string
}

// SourceFile stores src as "/<basename>".
func SourceFile(src string) Input {
	return Input{Kind: InputFile, Source: src}
}

// SourceDir stores the tree at src under "/<basename>/".
func SourceDir(src string) Input {
	return Input{Kind: InputDir, Source: src}
}

// FileMapping stores src at dst.
func FileMapping(src, dst string) Input {
	return Input{Kind: InputFileMapping, Source: src, Dest: dst}
}

// DirMapping stores the tree at src under dst.
func DirMapping(src, dst string) Input {
	return Input{Kind: InputDirMapping, Source: src, Dest: dst}
}

// String renders the input in command-line syntax.
func (in Input) String() string {
	if in.Dest == "" {
		return in.Source
	}
	return in.Source + ":" + in.Dest
}

// ParseInput parses the command-line forms SRC and SRC:DST.
//
// An argument naming an existing path is taken whole, so sources that
// contain ':' work; otherwise it is split on the last ':'. DST accepts
// either separator and keeps a trailing one. The kind is chosen by
// whether SRC is a file or a directory.
func ParseInput(arg string) (Input, error) {
	src, dst := arg, ""
	if _, err := os.Stat(arg); err != nil {
		if i := strings.LastIndexByte(arg, ':'); i >= 0 {
			src, dst = arg[:i], arg[i+1:]
		}
	}
	if src == "" {
		return Input{}, fmt.Errorf("%w: empty source in %q", ErrInvalidPath, arg)
	}
	src = filepath.Clean(src)
	dst = NormalizeDest(dst)

	info, err := os.Stat(src)
	if err != nil {
		return Input{}, fmt.Errorf("input %q: %w", arg, err)
	}
	switch {
	case info.IsDir() && dst == "":
		return SourceDir(src), nil
	case info.IsDir():
		return DirMapping(src, dst), nil
	case info.Mode().IsRegular() && dst == "":
		return SourceFile(src), nil
	case info.Mode().IsRegular():
		return FileMapping(src, dst), nil
	default:
		return Input{}, fmt.Errorf("input %q: not a regular file or directory", arg)
	}
}

// Mapping is one resolved source file and its archive destination.
type Mapping struct {
	Source string
	Dest   string
}

// Plan is the resolved content of an archive before packing.
type Plan struct {
	// Files holds every file in input order.
	Files []Mapping

	// Dirs holds every directory, sorted case-insensitively and deduplicated
	// the same way. "/" is always present.
	Dirs []string
}

// Resolve walks the inputs and produces the archive plan.
//
// Directory walks follow symbolic links. Every file's ancestor directories
// are added. Destinations containing NUL, "." or ".." segments are
// ErrInvalidPath; two files with the same destination, or a file and a
// directory sharing one, are ErrDuplicatePath.
func Resolve(ctx context.Context, inputs []Input) (*Plan, error) {
	return resolve(ctx, inputs, nil)
}

type resolver struct {
	ctx   context.Context
	log   *slog.Logger
	files []Mapping
	dirs  []string
}

func resolve(ctx context.Context, inputs []Input, log *slog.Logger) (*Plan, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	r := &resolver{ctx: ctx, log: log}
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.add(in); err != nil {
			return nil, err
		}
	}
	return r.plan()
}

func (r *resolver) add(in Input) error {
	src := filepath.Clean(in.Source)
	base := filepath.Base(src)
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return fmt.Errorf("%w: cannot derive a name from source %q", ErrInvalidPath, in.Source)
	}

	switch in.Kind {
	case InputFile:
		r.files = append(r.files, Mapping{Source: src, Dest: "/" + base})
	case InputDir:
		return r.walk(src, "/"+base)
	case InputFileMapping:
		dst := NormalizeDest(in.Dest)
		if dst == "" {
			return fmt.Errorf("%w: empty destination for %q", ErrInvalidPath, in.Source)
		}
		if strings.HasSuffix(dst, "/") {
			dst += base
		}
		r.files = append(r.files, Mapping{Source: src, Dest: dst})
	case InputDirMapping:
		dst := NormalizeDest(in.Dest)
		return r.walk(src, strings.TrimSuffix(dst, "/"))
	default:
		return fmt.Errorf("unknown input kind %d", in.Kind)
	}
	return nil
}

// walk adds the tree at src under dstRoot ("" is the archive root).
func (r *resolver) walk(src, dstRoot string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", src, errNotDir)
	}
	return godirwalk.Walk(src, &godirwalk.Options{
		FollowSymbolicLinks: true,
		Unsorted:            false,
		Callback: func(path string, _ *godirwalk.Dirent) error {
			if err := r.ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(src, path)
			if err != nil {
				return err
			}
			dst := dstRoot + "/"
			if rel != "." {
				dst += filepath.ToSlash(rel)
			}
			// Stat follows links, classifying a link by its target.
			fi, err := os.Stat(path)
			if err != nil {
				return err
			}
			switch {
			case fi.IsDir():
				if !strings.HasSuffix(dst, "/") {
					dst += "/"
				}
				r.dirs = append(r.dirs, dst)
			case fi.Mode().IsRegular():
				r.files = append(r.files, Mapping{Source: path, Dest: dst})
			default:
				r.log.Debug("skipping non-regular file", "path", path, "mode", fi.Mode().String())
			}
			return nil
		},
	})
}

var errNotDir = errors.New("not a directory")

type dirKey struct {
	fold string
	path string
}

func (r *resolver) plan() (*Plan, error) {
	dirs := btree.NewBTreeGOptions(func(a, b dirKey) bool {
		return a.fold < b.fold
	}, btree.Options{NoLocks: true})
	addDir := func(p string) {
		k := dirKey{fold: strings.ToLower(p), path: p}
		if _, ok := dirs.Get(k); !ok {
			dirs.Set(k)
		}
	}

	addDir("/")
	for _, d := range r.dirs {
		if err := validateDest(d, true); err != nil {
			return nil, err
		}
		addDir(d)
		for _, p := range parentDirs(d) {
			addDir(p)
		}
	}

	seen := make(map[string]string, len(r.files))
	for _, f := range r.files {
		if err := validateDest(f.Dest, false); err != nil {
			return nil, err
		}
		if prev, ok := seen[f.Dest]; ok {
			return nil, fmt.Errorf("%w: %s from both %s and %s", ErrDuplicatePath, f.Dest, prev, f.Source)
		}
		seen[f.Dest] = f.Source
		for _, p := range parentDirs(f.Dest) {
			addDir(p)
		}
	}

	plan := &Plan{Files: r.files, Dirs: make([]string, 0, dirs.Len())}
	var conflict error
	dirs.Scan(func(k dirKey) bool {
		if src, ok := seen[strings.TrimSuffix(k.path, "/")]; ok {
			conflict = fmt.Errorf("%w: %s is both a directory and the file %s", ErrDuplicatePath, k.path, src)
			return false
		}
		plan.Dirs = append(plan.Dirs, k.path)
		return true
	})
	if conflict != nil {
		return nil, conflict
	}
	return plan, nil
}
