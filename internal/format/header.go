package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Header is the decoded archive header including all three tables.
type Header struct {
	Flags     uint16
	ChunkSize uint32
	DirCount  uint32
	FileCount uint32
	Nodes     []Node
	Items     []Item
	Chunks    []Chunk
}

// Solid reports whether the archive was written in solid mode.
func (h *Header) Solid() bool {
	return h.Flags&FlagSolid != 0
}

// ChunkTableOffset returns the file offset of the chunk_count field.
func (h *Header) ChunkTableOffset() int64 {
	return prefixSize +
		countSize + int64(len(h.Nodes))*NodeRecordSize +
		countSize + int64(len(h.Items))*ItemRecordSize
}

// Size returns the encoded header size, which is the payload start offset.
func (h *Header) Size() int64 {
	return h.ChunkTableOffset() + countSize + int64(len(h.Chunks))*ChunkRecordSize
}

// TotalLength returns the sum of all item lengths.
func (h *Header) TotalLength() uint64 {
	var total uint64
	for _, it := range h.Items {
		total += uint64(it.Length)
	}
	return total
}

// FileItems returns the number of non-directory items.
func (h *Header) FileItems() int {
	n := 0
	for _, it := range h.Items {
		if !it.IsDir() {
			n++
		}
	}
	return n
}

// ExpectedChunks returns the chunk count a writer reserves for the given
// totals. Per-file archives (chunkSize 0) have one chunk per file item.
func ExpectedChunks(totalLength uint64, chunkSize uint32, fileItems int) int {
	if chunkSize == 0 {
		return fileItems
	}
	cs := uint64(chunkSize)
	return int((totalLength + cs - 1) / cs)
}

// MarshalBinary encodes the header and its tables.
func (h *Header) MarshalBinary() ([]byte, error) {
	if len(h.Nodes) > MaxNodes {
		return nil, ErrIndexOverflow
	}
	if len(h.Items) > MaxItems {
		return nil, ErrTooManyItems
	}
	buf := make([]byte, 0, h.Size())
	buf = append(buf, Magic[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, Version)
	buf = binary.LittleEndian.AppendUint16(buf, h.Flags)
	buf = binary.LittleEndian.AppendUint32(buf, h.ChunkSize)
	buf = binary.LittleEndian.AppendUint32(buf, h.DirCount)
	buf = binary.LittleEndian.AppendUint32(buf, h.FileCount)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.Nodes))) //nolint:gosec // bounded by MaxNodes
	for _, n := range h.Nodes {
		buf = binary.LittleEndian.AppendUint16(buf, n.Ch)
		buf = binary.LittleEndian.AppendUint16(buf, n.Lo)
		buf = binary.LittleEndian.AppendUint16(buf, n.Eq)
		buf = binary.LittleEndian.AppendUint16(buf, n.Hi)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.Items))) //nolint:gosec // bounded by MaxItems
	for _, it := range h.Items {
		buf = binary.LittleEndian.AppendUint16(buf, it.Reference)
		buf = binary.LittleEndian.AppendUint16(buf, it.Flags)
		buf = binary.LittleEndian.AppendUint32(buf, it.Offset)
		buf = binary.LittleEndian.AppendUint32(buf, it.Length)
	}

	return AppendChunkTable(buf, h.Chunks), nil
}

// WriteTo writes the encoded header to w.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	data, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// AppendChunkTable appends chunk_count and the chunk records to buf.
func AppendChunkTable(buf []byte, chunks []Chunk) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(chunks))) //nolint:gosec // count checked by callers
	for _, c := range chunks {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(c.Algorithm))
		buf = binary.LittleEndian.AppendUint16(buf, c.Flags)
		buf = binary.LittleEndian.AppendUint32(buf, c.Length)
		buf = binary.LittleEndian.AppendUint32(buf, c.CompressedLength)
	}
	return buf
}

// ReadHeader decodes a header from r, leaving r positioned at the payload.
//
// The magic and version are checked before anything else is read. Table
// counts are bounded by the 16-bit limits and the chunk table must agree
// with the item table, so hostile input cannot force large allocations.
func ReadHeader(r io.Reader) (*Header, error) {
	var prefix [prefixSize]byte
	if _, err := io.ReadFull(r, prefix[:4]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrBadMagic
		}
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if [4]byte(prefix[:4]) != Magic {
		return nil, ErrBadMagic
	}
	if _, err := io.ReadFull(r, prefix[4:]); err != nil {
		return nil, truncated("prefix", err)
	}
	version := binary.LittleEndian.Uint16(prefix[4:6])
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	h := &Header{
		Flags:     binary.LittleEndian.Uint16(prefix[6:8]),
		ChunkSize: binary.LittleEndian.Uint32(prefix[8:12]),
		DirCount:  binary.LittleEndian.Uint32(prefix[12:16]),
		FileCount: binary.LittleEndian.Uint32(prefix[16:20]),
	}
	if h.Solid() != (h.ChunkSize != 0) {
		return nil, fmt.Errorf("%w: solid flag and chunk size disagree", ErrCorruptHeader)
	}

	nodeCount, err := readCount(r, "node", MaxNodes)
	if err != nil {
		return nil, err
	}
	h.Nodes = make([]Node, nodeCount)
	if err := binary.Read(r, binary.LittleEndian, h.Nodes); err != nil {
		return nil, truncated("node table", err)
	}

	itemCount, err := readCount(r, "item", MaxItems)
	if err != nil {
		return nil, err
	}
	h.Items = make([]Item, itemCount)
	if err := binary.Read(r, binary.LittleEndian, h.Items); err != nil {
		return nil, truncated("item table", err)
	}
	if err := h.validateItems(); err != nil {
		return nil, err
	}

	want := ExpectedChunks(h.TotalLength(), h.ChunkSize, h.FileItems())
	chunkCount, err := readCount(r, "chunk", want)
	if err != nil {
		return nil, err
	}
	if chunkCount != want {
		return nil, fmt.Errorf("%w: %d chunks, expected %d", ErrCorruptHeader, chunkCount, want)
	}
	h.Chunks = make([]Chunk, chunkCount)
	if err := binary.Read(r, binary.LittleEndian, h.Chunks); err != nil {
		return nil, truncated("chunk table", err)
	}
	if err := h.validateChunks(); err != nil {
		return nil, err
	}
	return h, nil
}

func readCount(r io.Reader, what string, limit int) (int, error) {
	var b [countSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, truncated(what+" count", err)
	}
	n := binary.LittleEndian.Uint32(b[:])
	if uint64(n) > uint64(limit) { //nolint:gosec // limit is non-negative
		return 0, fmt.Errorf("%w: %s count %d exceeds %d", ErrCorruptHeader, what, n, limit)
	}
	return int(n), nil
}

func truncated(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s: %w", ErrCorruptHeader, what, io.ErrUnexpectedEOF)
	}
	return fmt.Errorf("read %s: %w", what, err)
}

// validateItems checks the directory sentinel and that file items tile the
// logical stream in id order.
func (h *Header) validateItems() error {
	if len(h.Items) == 0 || !h.Items[DirItem].IsDir() {
		return fmt.Errorf("%w: missing directory item", ErrCorruptHeader)
	}
	var offset uint64
	for i, it := range h.Items[1:] {
		if it.IsDir() {
			return fmt.Errorf("%w: item %d is a second directory item", ErrCorruptHeader, i+1)
		}
		if uint64(it.Offset) != offset {
			return fmt.Errorf("%w: item %d offset %d, expected %d", ErrCorruptHeader, i+1, it.Offset, offset)
		}
		offset += uint64(it.Length)
	}
	return nil
}

func (h *Header) validateChunks() error {
	var total uint64
	for i, c := range h.Chunks {
		if !c.Algorithm.Valid() {
			return fmt.Errorf("%w: chunk %d tag %d", ErrUnknownAlgorithm, i, uint16(c.Algorithm))
		}
		if c.Algorithm == AlgorithmStore && c.CompressedLength != c.Length {
			return fmt.Errorf("%w: stored chunk %d has length %d but %d stored bytes",
				ErrCorruptHeader, i, c.Length, c.CompressedLength)
		}
		if h.ChunkSize != 0 && c.Length > h.ChunkSize {
			return fmt.Errorf("%w: chunk %d exceeds chunk size", ErrCorruptHeader, i)
		}
		total += uint64(c.Length)
	}
	if total != h.TotalLength() {
		return fmt.Errorf("%w: chunks hold %d bytes, items %d", ErrCorruptHeader, total, h.TotalLength())
	}
	return nil
}
