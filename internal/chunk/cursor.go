package chunk

import (
	"errors"
	"fmt"
	"io"

	"github.com/meigma/kar/internal/codec"
	"github.com/meigma/kar/internal/format"
	"github.com/meigma/kar/internal/sizing"
)

// Cursor reads the logical stream by replaying chunks in order.
//
// A chunk is read and decoded only when the previous one is used up.
// Zero-length chunks are skipped.
type Cursor struct {
	r      io.Reader
	codec  *codec.Codec
	chunks []format.Chunk

	next int    // index of the next chunk to fetch
	buf  []byte // decoded current chunk
	off  int    // read position in buf
	pos  uint64 // logical stream position
	raw  []byte
}

// NewCursor returns a cursor reading chunk bytes from r, which must be
// positioned at the start of the payload.
func NewCursor(r io.Reader, chunks []format.Chunk, c *codec.Codec) *Cursor {
	return &Cursor{r: r, codec: c, chunks: chunks}
}

// Position returns the logical stream offset of the next byte.
func (c *Cursor) Position() uint64 {
	return c.pos
}

// fetch ensures buffered bytes are available.
func (c *Cursor) fetch() error {
	for c.off >= len(c.buf) {
		if c.next >= len(c.chunks) {
			return fmt.Errorf("%w: read past the last chunk", format.ErrCorruptChunk)
		}
		ch := c.chunks[c.next]
		c.next++
		if ch.Length == 0 {
			continue
		}
		raw, err := sizing.ReadExact(c.r, c.raw, uint64(ch.CompressedLength))
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: chunk %d truncated: %w", format.ErrCorruptChunk, c.next-1, err)
			}
			return fmt.Errorf("read chunk %d: %w", c.next-1, err)
		}
		c.raw = raw
		buf, err := c.codec.Decompress(c.buf, raw, ch.Algorithm, int(ch.Length))
		if err != nil {
			return fmt.Errorf("chunk %d: %w", c.next-1, err)
		}
		c.buf, c.off = buf, 0
	}
	return nil
}

// Copy writes the next n bytes of the logical stream to w.
func (c *Cursor) Copy(w io.Writer, n uint64) error {
	for n > 0 {
		if err := c.fetch(); err != nil {
			return err
		}
		avail := uint64(len(c.buf) - c.off) //nolint:gosec // off <= len(buf)
		take := min(avail, n)
		end := c.off + int(take) //nolint:gosec // take <= avail
		if w != nil {
			if _, err := w.Write(c.buf[c.off:end]); err != nil {
				return err
			}
		}
		c.off = end
		c.pos += take
		n -= take
	}
	return nil
}

// Skip discards the next n bytes.
func (c *Cursor) Skip(n uint64) error {
	return c.Copy(nil, n)
}

// SeekTo advances to logical offset target. Moving backwards is
// format.ErrCorruptChunk since the payload is read once.
func (c *Cursor) SeekTo(target uint64) error {
	if target < c.pos {
		return fmt.Errorf("%w: offset %d is behind the cursor at %d", format.ErrCorruptChunk, target, c.pos)
	}
	return c.Skip(target - c.pos)
}
