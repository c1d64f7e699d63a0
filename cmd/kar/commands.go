package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/meigma/kar"
	"github.com/meigma/kar/layout"
)

func runPack(ctx context.Context, e *env, args []string) error {
	var (
		verbose       bool
		compression   string
		solid         bool
		chunkSize     uint32
		level         int
		hash          string
		jobs          int
		skipExt       []string
		noDefaultSkip bool
		tempDir       string
	)
	fs := newFlagSet(e, "pack", &verbose)
	fs.StringVarP(&compression, "compression", "c", "zstd", "chunk compression: none, lz4 or zstd")
	fs.BoolVar(&solid, "solid", false, "compress the concatenated content in fixed-size chunks")
	fs.Uint32Var(&chunkSize, "chunk-size", 0, "solid chunk size in bytes (default 256 MiB)")
	fs.IntVar(&level, "level", 0, "zstd compression level, 1-22 (default encoder level)")
	fs.StringVar(&hash, "hash", "sha256", "deduplication hash: sha256 or blake3")
	fs.IntVarP(&jobs, "jobs", "j", 0, "files hashed in parallel (default GOMAXPROCS)")
	fs.StringSliceVar(&skipExt, "skip-ext", nil, "extra extensions stored uncompressed, e.g. .ogg,.woff2")
	fs.BoolVar(&noDefaultSkip, "no-default-skip", false, "also compress .png, .gif, .jpg and .jpeg files")
	fs.StringVar(&tempDir, "temp-dir", "", "spool directory when writing to stdout")
	rest, ok, err := parse(fs, args, 2, -1)
	if !ok {
		return err
	}

	alg, err := kar.ParseCompression(compression)
	if err != nil {
		return usagef("--compression: %v", err)
	}
	hashAlg, err := kar.ParseHashAlgorithm(hash)
	if err != nil {
		return usagef("--hash: %v", err)
	}
	if chunkSize != 0 && !solid {
		return usagef("--chunk-size requires --solid")
	}

	inputs := make([]kar.Input, 0, len(rest)-1)
	for _, arg := range rest[1:] {
		in, err := kar.ParseInput(arg)
		if err != nil {
			return err
		}
		inputs = append(inputs, in)
	}

	opts := []kar.PackOption{
		kar.PackWithCompression(alg),
		kar.PackWithHash(hashAlg),
		kar.PackWithConcurrency(jobs),
		kar.PackWithZstdLevel(level),
		kar.PackWithTempDir(tempDir),
		kar.PackWithLogger(newLogger(e.stderr, verbose)),
	}
	if solid {
		opts = append(opts, kar.PackWithSolid(chunkSize))
	}
	if noDefaultSkip {
		opts = append(opts, kar.PackWithoutDefaultSkip())
	}
	if len(skipExt) > 0 {
		opts = append(opts, kar.PackWithSkipCompression(kar.SkipExtensions(normalizeExts(skipExt)...)))
	}

	if out := rest[0]; out != "-" {
		return kar.Pack(ctx, out, inputs, opts...)
	}
	// Stdout may be a file redirected with >>, where seeking back to patch
	// the chunk table does not work, so always spool.
	return kar.Write(ctx, struct{ io.Writer }{e.stdout}, inputs, opts...)
}

// normalizeExts accepts extensions with or without a leading dot.
func normalizeExts(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.TrimSpace(ext)
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

func runUnpack(ctx context.Context, e *env, args []string) error {
	var (
		verbose   bool
		maxMemory uint64
	)
	fs := newFlagSet(e, "unpack", &verbose)
	fs.Uint64Var(&maxMemory, "max-memory", 0, "zstd decoder memory limit in bytes (default decoder limit)")
	rest, ok, err := parse(fs, args, 2, 2)
	if !ok {
		return err
	}

	opts := []kar.UnpackOption{
		kar.UnpackWithLogger(newLogger(e.stderr, verbose)),
		kar.UnpackWithDecoderMaxMemory(maxMemory),
	}
	if rest[0] == "-" {
		return kar.UnpackReader(ctx, e.stdin, rest[1], opts...)
	}
	return kar.Unpack(ctx, rest[0], rest[1], opts...)
}

func runList(ctx context.Context, e *env, args []string) error {
	var (
		verbose bool
		long    bool
	)
	fs := newFlagSet(e, "list", &verbose)
	fs.BoolVarP(&long, "long", "l", false, "show item ids, sizes and archive totals")
	rest, ok, err := parse(fs, args, 1, 1)
	if !ok {
		return err
	}

	var l *kar.Listing
	if rest[0] == "-" {
		l, err = kar.ListReader(ctx, e.stdin)
	} else {
		l, err = kar.List(ctx, rest[0])
	}
	if err != nil {
		return err
	}
	if !long {
		for _, entry := range l.Entries {
			fmt.Fprintln(e.stdout, entry.Path)
		}
		return nil
	}
	return printLong(e.stdout, l)
}

func printLong(w io.Writer, l *kar.Listing) error {
	mode := "per-file"
	if l.Solid {
		mode = fmt.Sprintf("solid, %d byte chunks", l.ChunkSize)
	}
	fmt.Fprintf(w, "%d files, %d directories, %d items, %d chunks (%s)\n",
		l.FileCount, l.DirCount, len(l.Items)-1, len(l.Chunks), mode)
	fmt.Fprintf(w, "%d bytes of content stored in %d bytes\n\n", l.TotalSize(), l.StoredSize())

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "ITEM\tREFS\tSIZE\t PATH")
	for _, entry := range l.Entries {
		if entry.Dir {
			fmt.Fprintf(tw, "-\t-\t-\t %s\n", entry.Path)
			continue
		}
		refs := l.Items[entry.Item].Reference
		fmt.Fprintf(tw, "%d\t%d\t%d\t %s\n", entry.Item, refs, entry.Size, entry.Path)
	}
	return tw.Flush()
}

func runPublish(ctx context.Context, e *env, args []string) error {
	var (
		verbose     bool
		tags        []string
		annotations map[string]string
	)
	fs := newFlagSet(e, "publish", &verbose)
	fs.StringSliceVarP(&tags, "tag", "t", nil, "additional tags for the manifest")
	fs.StringToStringVarP(&annotations, "annotation", "a", nil, "manifest annotation KEY=VALUE")
	rest, ok, err := parse(fs, args, 3, 3)
	if !ok {
		return err
	}

	desc, err := layout.Publish(ctx, rest[0], rest[1], rest[2],
		layout.PublishWithTags(tags...),
		layout.PublishWithAnnotations(annotations),
		layout.PublishWithLogger(newLogger(e.stderr, verbose)),
	)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, desc.Digest.String())
	return nil
}

func runFetch(ctx context.Context, e *env, args []string) error {
	var verbose bool
	fs := newFlagSet(e, "fetch", &verbose)
	rest, ok, err := parse(fs, args, 3, 3)
	if !ok {
		return err
	}

	_, err = layout.Fetch(ctx, rest[0], rest[1], rest[2],
		layout.FetchWithLogger(newLogger(e.stderr, verbose)),
	)
	return err
}
