// Package chunk writes the chunk payload of an archive and reads it back
// sequentially.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/meigma/kar/internal/codec"
	"github.com/meigma/kar/internal/format"
	"github.com/meigma/kar/internal/itemtable"
	"github.com/meigma/kar/internal/sizing"
)

// Writer emits chunks for an item table.
//
// In per-file mode (ChunkSize 0) every non-directory item becomes exactly
// one chunk. In solid mode the logical stream is cut into ChunkSize
// slices regardless of item boundaries.
type Writer struct {
	Codec *codec.Codec

	// Algorithm is the compressor tried for each chunk. AlgorithmStore
	// disables compression.
	Algorithm format.Algorithm

	ChunkSize uint32

	// Skip lists predicates that force Store in per-file mode.
	Skip []SkipCompressionFunc

	Logger *slog.Logger

	// OnChunk is called after each chunk is written.
	OnChunk func(done, total int, c format.Chunk)
}

func (w *Writer) log() *slog.Logger {
	if w.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.Logger
}

// Reserved returns the chunk count Write will produce for items.
func (w *Writer) Reserved(items []itemtable.Item) int {
	var total uint64
	files := 0
	for i := range items {
		if items[i].IsDir() {
			continue
		}
		total += items[i].Length
		files++
	}
	return format.ExpectedChunks(total, w.ChunkSize, files)
}

// Result describes the written payload.
type Result struct {
	Chunks []format.Chunk

	// Stored is the number of payload bytes written.
	Stored uint64
}

// Write reads every non-directory item in id order and writes the chunk
// payload to out.
//
// The returned chunk table is checked against the reserved count and the
// total item length; a disagreement is format.ErrChunkMismatch.
func (w *Writer) Write(ctx context.Context, out io.Writer, items []itemtable.Item) (*Result, error) {
	files := make([]itemtable.Item, 0, len(items))
	var total uint64
	for i := range items {
		if items[i].IsDir() {
			continue
		}
		files = append(files, items[i])
		total += items[i].Length
	}
	reserved := w.Reserved(items)

	src := newFiller(files)
	defer src.Close()

	e := &encoder{w: w, out: out, reserved: reserved}
	var err error
	if w.ChunkSize == 0 {
		err = e.perFile(ctx, src, files)
	} else {
		err = e.solid(ctx, src, total)
	}
	if err != nil {
		return nil, err
	}
	if err := src.Close(); err != nil {
		return nil, err
	}

	var sum uint64
	for _, c := range e.chunks {
		sum += uint64(c.Length)
	}
	if sum != total || len(e.chunks) != reserved {
		return nil, fmt.Errorf("%w: %d chunks holding %d bytes, reserved %d for %d bytes",
			format.ErrChunkMismatch, len(e.chunks), sum, reserved, total)
	}
	return &Result{Chunks: e.chunks, Stored: e.stored}, nil
}

type encoder struct {
	w        *Writer
	out      io.Writer
	reserved int
	chunks   []format.Chunk
	stored   uint64
	buf      []byte
	scratch  []byte
}

func (e *encoder) perFile(ctx context.Context, src io.Reader, files []itemtable.Item) error {
	for _, it := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := sizing.ToInt(it.Length, format.ErrSizeOverflow)
		if err != nil {
			return err
		}
		if err := e.fill(src, n); err != nil {
			return err
		}
		compress := !ShouldSkip(it.Dest, e.w.Skip)
		if !compress {
			e.w.log().Debug("compression skipped", "path", it.Dest)
		}
		if err := e.emit(compress, it.Dest); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) solid(ctx context.Context, src io.Reader, total uint64) error {
	size := uint64(e.w.ChunkSize)
	for remaining := total; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(size, remaining)
		if err := e.fill(src, int(n)); err != nil { //nolint:gosec // n <= ChunkSize
			return err
		}
		if err := e.emit(true, ""); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

func (e *encoder) fill(src io.Reader, n int) error {
	if cap(e.buf) < n {
		e.buf = make([]byte, n)
	}
	e.buf = e.buf[:n]
	if _, err := io.ReadFull(src, e.buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: logical stream ended early", format.ErrSourceChanged)
		}
		return err
	}
	return nil
}

// emit decides store versus compress for e.buf and writes the chunk.
func (e *encoder) emit(compress bool, name string) error {
	data := e.buf
	c := format.Chunk{
		Algorithm: format.AlgorithmStore,
		Length:    uint32(len(data)), //nolint:gosec // bounded by item or chunk size
	}
	if compress && len(data) > 0 && e.w.Algorithm != format.AlgorithmStore {
		packed, err := e.w.Codec.Compress(e.scratch, data, e.w.Algorithm)
		if err == nil {
			e.scratch = packed
		}
		switch {
		case err == nil && worthIt(len(packed), len(data)):
			c.Algorithm = e.w.Algorithm
			data = packed
		case err == nil:
			e.w.log().Debug("compression not worthwhile", "path", name, "size", len(data), "compressed", len(packed))
		case errors.Is(err, codec.ErrIncompressible):
			e.w.log().Debug("incompressible chunk", "path", name, "size", len(data))
		default:
			e.w.log().Warn("compression failed, storing chunk", "path", name, "algorithm", e.w.Algorithm, "error", err)
		}
	}
	c.CompressedLength = uint32(len(data)) //nolint:gosec // never larger than Length when compressed

	if _, err := e.out.Write(data); err != nil {
		return fmt.Errorf("write chunk %d: %w", len(e.chunks), err)
	}
	e.chunks = append(e.chunks, c)
	e.stored += uint64(len(data))
	if e.w.OnChunk != nil {
		e.w.OnChunk(len(e.chunks), e.reserved, c)
	}
	return nil
}
