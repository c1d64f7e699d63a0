package kar

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/meigma/kar/internal/atomicfile"
	"github.com/meigma/kar/internal/chunk"
	"github.com/meigma/kar/internal/codec"
	"github.com/meigma/kar/internal/format"
	"github.com/meigma/kar/internal/itemtable"
	"github.com/meigma/kar/internal/pathindex"
	"github.com/meigma/kar/internal/sizing"
)

// Pack builds an archive at output from inputs.
//
// The archive is written to a temporary file in the output directory and
// renamed into place once complete, so a failed Pack leaves no partial
// archive and an existing file at output is only replaced on success.
//
// The context is checked between files for cancellation.
func Pack(ctx context.Context, output string, inputs []Input, opts ...PackOption) error {
	p := newPacker(opts)
	return atomicfile.Write(output, func(f *os.File) error {
		return p.write(ctx, f, inputs)
	})
}

// Write builds an archive from inputs and writes it to w.
//
// When w can seek, the chunk table is reserved in the header and patched
// after the payload is written. Otherwise the payload is spooled to a
// temporary file first so the finished header can be written ahead of it.
func Write(ctx context.Context, w io.Writer, inputs []Input, opts ...PackOption) error {
	return newPacker(opts).write(ctx, w, inputs)
}

// packer holds state for archive creation.
type packer struct {
	cfg    packConfig
	logger *slog.Logger
}

func newPacker(opts []PackOption) *packer {
	cfg := newPackConfig(opts)
	return &packer{cfg: cfg, logger: cfg.logger}
}

// log returns the logger, falling back to a discard logger if nil.
func (p *packer) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// layout is everything known before the payload is written.
type layout struct {
	header *format.Header
	table  *itemtable.Table
}

func (p *packer) write(ctx context.Context, w io.Writer, inputs []Input) error {
	if len(inputs) == 0 {
		return ErrNoInputs
	}
	p.log().Info("packing archive",
		"inputs", len(inputs),
		"compression", p.cfg.compression.String(),
		"solid", p.cfg.solid)

	lay, err := p.prepare(ctx, inputs)
	if err != nil {
		return err
	}

	cw, closeCodec, err := p.chunkWriter(lay)
	if err != nil {
		return err
	}
	defer closeCodec()

	var res *chunk.Result
	if ws, ok := w.(io.WriteSeeker); ok && canSeek(ws) {
		res, err = p.writeSeekable(ctx, ws, lay, cw)
	} else {
		res, err = p.writeSpooled(ctx, w, lay, cw)
	}
	if err != nil {
		return err
	}

	stored, err := sizing.ToInt64(res.Stored, ErrSizeOverflow)
	if err != nil {
		return err
	}
	total := lay.table.TotalLength()
	p.log().Info("archive packed",
		"files", lay.table.FileCount,
		"dirs", lay.table.DirCount,
		"items", len(lay.table.Items)-1,
		"duplicates", lay.table.Dups,
		"chunks", len(res.Chunks),
		"bytes", total,
		"stored_bytes", res.Stored,
		"size", lay.header.Size()+stored)
	return nil
}

// prepare resolves inputs, builds the item table and path index, and
// returns a header whose chunk table is zeroed at the reserved size.
func (p *packer) prepare(ctx context.Context, inputs []Input) (*layout, error) {
	p.cfg.progress.report(ProgressEvent{Stage: StageEnumerating})
	plan, err := resolve(ctx, inputs, p.log())
	if err != nil {
		return nil, err
	}
	p.log().Debug("inputs resolved", "files", len(plan.Files), "dirs", len(plan.Dirs))

	files := make([]itemtable.File, len(plan.Files))
	for i, m := range plan.Files {
		files[i] = itemtable.File{Source: m.Source, Dest: m.Dest}
	}
	table, err := itemtable.Build(ctx, files, plan.Dirs, itemtable.Options{
		Hash:        p.cfg.hash,
		Concurrency: p.cfg.concurrency,
		Logger:      p.log(),
		OnScan: func(done, total int, f itemtable.File) {
			p.cfg.progress.report(ProgressEvent{
				Stage:      StageScanning,
				Path:       f.Dest,
				FilesDone:  done,
				FilesTotal: total,
			})
		},
	})
	if err != nil {
		return nil, err
	}

	idx, err := buildIndex(table.Entries)
	if err != nil {
		return nil, err
	}

	var flags uint16
	if p.cfg.chunkSize != 0 {
		flags |= format.FlagSolid
	}
	items, err := table.Records()
	if err != nil {
		return nil, err
	}
	hdr := &format.Header{
		Flags:     flags,
		ChunkSize: p.cfg.chunkSize,
		DirCount:  uint32(table.DirCount),  //nolint:gosec // bounded by MaxReference
		FileCount: uint32(table.FileCount), //nolint:gosec // bounded by the trie node limit
		Nodes:     idx.Nodes(),
		Items:     items,
	}
	reserved := format.ExpectedChunks(table.TotalLength(), p.cfg.chunkSize, len(table.FileItems()))
	hdr.Chunks = make([]format.Chunk, reserved)
	p.log().Debug("header prepared",
		"nodes", len(hdr.Nodes),
		"items", len(hdr.Items),
		"reserved_chunks", reserved,
		"header_size", hdr.Size())
	return &layout{header: hdr, table: table}, nil
}

// buildIndex inserts entries in case-insensitive path order so the node
// layout does not depend on input order.
func buildIndex(entries []itemtable.Entry) (*pathindex.Index, error) {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b itemtable.Entry) int {
		return cmp.Or(
			strings.Compare(strings.ToLower(a.Dest), strings.ToLower(b.Dest)),
			strings.Compare(a.Dest, b.Dest),
		)
	})
	idx := pathindex.New()
	for _, e := range sorted {
		_, found, err := idx.Insert(e.Dest, e.Item)
		if err != nil {
			if errors.Is(err, pathindex.ErrNulInPath) {
				return nil, fmt.Errorf("%w: %q", ErrInvalidPath, e.Dest)
			}
			return nil, fmt.Errorf("index %s: %w", e.Dest, err)
		}
		if found {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePath, e.Dest)
		}
	}
	return idx, nil
}

func (p *packer) chunkWriter(lay *layout) (*chunk.Writer, func(), error) {
	cw := &chunk.Writer{
		Algorithm: p.cfg.compression,
		ChunkSize: p.cfg.chunkSize,
		Skip:      p.cfg.skipCompression,
		Logger:    p.log(),
	}
	if !p.cfg.compression.Valid() {
		return nil, nil, fmt.Errorf("%w: compression %d", ErrUnknownAlgorithm, uint16(p.cfg.compression))
	}

	total := lay.table.TotalLength()
	var done uint64
	cw.OnChunk = func(n, reserved int, c format.Chunk) {
		done += uint64(c.Length)
		p.cfg.progress.report(ProgressEvent{
			Stage:      StageCompressing,
			BytesDone:  done,
			BytesTotal: total,
			FilesDone:  n,
			FilesTotal: reserved,
		})
	}

	if p.cfg.compression == CompressionNone {
		return cw, func() {}, nil
	}
	var copts []codec.Option
	if p.cfg.zstdLevel > 0 {
		copts = append(copts, codec.WithZstdLevel(p.cfg.zstdLevel))
	}
	c, err := codec.New(copts...)
	if err != nil {
		return nil, nil, err
	}
	cw.Codec = c
	return cw, c.Close, nil
}

// canSeek reports whether s supports seeking; pipes and sockets fail here.
func canSeek(s io.Seeker) bool {
	_, err := s.Seek(0, io.SeekCurrent)
	return err == nil
}

// writeSeekable writes the header with a zeroed chunk table, streams the
// payload, then seeks back to patch the chunk table.
func (p *packer) writeSeekable(ctx context.Context, ws io.WriteSeeker, lay *layout, cw *chunk.Writer) (*chunk.Result, error) {
	start, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	if _, err := lay.header.WriteTo(ws); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	bw := bufio.NewWriterSize(ws, 1<<20)
	res, err := cw.Write(ctx, bw, lay.table.Items)
	if err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("write payload: %w", err)
	}

	lay.header.Chunks = res.Chunks
	if _, err := ws.Seek(start+lay.header.ChunkTableOffset(), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to chunk table: %w", err)
	}
	table := format.AppendChunkTable(nil, res.Chunks)
	if _, err := ws.Write(table); err != nil {
		return nil, fmt.Errorf("patch chunk table: %w", err)
	}
	// Writers that ignore the seek (O_APPEND files) put the table at the end.
	pos, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("patch chunk table: %w", err)
	}
	if want := start + lay.header.ChunkTableOffset() + int64(len(table)); pos != want {
		return nil, fmt.Errorf("%w: chunk table written at %d, expected to end at %d (is the output opened for append?)",
			ErrChunkMismatch, pos-int64(len(table)), want)
	}
	stored, err := sizing.ToInt64(res.Stored, ErrSizeOverflow)
	if err != nil {
		return nil, err
	}
	end := start + lay.header.Size() + stored
	if _, err := ws.Seek(end, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to end: %w", err)
	}
	return res, nil
}

// writeSpooled writes the payload to a temp file, then the final header
// and the spooled payload to w.
func (p *packer) writeSpooled(ctx context.Context, w io.Writer, lay *layout, cw *chunk.Writer) (*chunk.Result, error) {
	spool, err := os.CreateTemp(p.cfg.tempDir, "kar-spool-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()
	p.log().Debug("output is not seekable, spooling payload", "spool", spool.Name())

	bw := bufio.NewWriterSize(spool, 1<<20)
	res, err := cw.Write(ctx, bw, lay.table.Items)
	if err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("write spool: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind spool: %w", err)
	}

	lay.header.Chunks = res.Chunks
	if _, err := lay.header.WriteTo(w); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if _, err := io.Copy(w, spool); err != nil {
		return nil, fmt.Errorf("write payload: %w", err)
	}
	return res, nil
}
