package format

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHeader() *Header {
	return &Header{
		DirCount:  2,
		FileCount: 3,
		Nodes: []Node{
			{Ch: '/', Lo: NoChild, Eq: 1, Hi: NoChild},
			{Ch: 'a', Lo: NoChild, Eq: 2, Hi: NoChild},
			{Ch: 0, Lo: NoChild, Eq: 1, Hi: NoChild},
		},
		Items: []Item{
			{Reference: 2, Flags: ItemFlagDir},
			{Reference: 2, Offset: 0, Length: 5},
			{Reference: 1, Offset: 5, Length: 300},
		},
		Chunks: []Chunk{
			{Algorithm: AlgorithmStore, Length: 5, CompressedLength: 5},
			{Algorithm: AlgorithmZstd, Length: 300, CompressedLength: 40},
		},
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	h := sampleHeader()
	data, err := h.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, h.Size(), int64(len(data)))
	assert.Equal(t, Magic[:], data[:4])

	payload := []byte("trailing payload")
	r := bytes.NewReader(append(data, payload...))
	got, err := ReadHeader(r)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, rest, "reader must be left at the payload")
}

func TestHeaderLayout(t *testing.T) {
	t.Parallel()

	h := sampleHeader()
	data, err := h.MarshalBinary()
	require.NoError(t, err)

	assert.Equal(t, Version, binary.LittleEndian.Uint16(data[4:6]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(data[12:16]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(data[16:20]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(data[20:24]), "node count")

	off := h.ChunkTableOffset()
	assert.Equal(t, int64(20+4+3*8+4+3*12), off)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(data[off:off+4]), "chunk count")
	assert.Equal(t, uint16(AlgorithmZstd), binary.LittleEndian.Uint16(data[off+4+12:]))
}

func TestReadHeaderSolid(t *testing.T) {
	t.Parallel()

	h := &Header{
		Flags:     FlagSolid,
		ChunkSize: 8,
		DirCount:  1,
		FileCount: 2,
		Items: []Item{
			{Reference: 1, Flags: ItemFlagDir},
			{Reference: 1, Offset: 0, Length: 10},
			{Reference: 1, Offset: 10, Length: 3},
		},
		Chunks: []Chunk{
			{Algorithm: AlgorithmLZ4, Length: 8, CompressedLength: 6},
			{Algorithm: AlgorithmStore, Length: 5, CompressedLength: 5},
		},
	}
	data, err := h.MarshalBinary()
	require.NoError(t, err)

	got, err := ReadHeader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, got.Solid())
	assert.Equal(t, 2, ExpectedChunks(got.TotalLength(), got.ChunkSize, got.FileItems()))
}

func TestReadHeaderErrors(t *testing.T) {
	t.Parallel()

	valid, err := sampleHeader().MarshalBinary()
	require.NoError(t, err)

	mutate := func(fn func(b []byte)) []byte {
		b := bytes.Clone(valid)
		fn(b)
		return b
	}
	chunkOff := sampleHeader().ChunkTableOffset()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrBadMagic},
		{"short magic", []byte("KA"), ErrBadMagic},
		{"wrong magic", mutate(func(b []byte) { b[0] = 'X' }), ErrBadMagic},
		{"version", mutate(func(b []byte) { b[4] = 2 }), ErrUnsupportedVersion},
		{"truncated prefix", valid[:10], ErrCorruptHeader},
		{"truncated nodes", valid[:30], ErrCorruptHeader},
		{"truncated chunks", valid[:len(valid)-3], ErrCorruptHeader},
		{"node count limit", mutate(func(b []byte) {
			binary.LittleEndian.PutUint32(b[20:], 0xFFFF)
		}), ErrCorruptHeader},
		{"chunk count", mutate(func(b []byte) {
			binary.LittleEndian.PutUint32(b[chunkOff:], 1)
		}), ErrCorruptHeader},
		{"unknown algorithm", mutate(func(b []byte) {
			binary.LittleEndian.PutUint16(b[chunkOff+4:], 9)
		}), ErrUnknownAlgorithm},
		{"store length mismatch", mutate(func(b []byte) {
			binary.LittleEndian.PutUint32(b[chunkOff+4+8:], 4)
		}), ErrCorruptHeader},
		{"chunk total", mutate(func(b []byte) {
			binary.LittleEndian.PutUint32(b[chunkOff+4+12+4:], 299)
		}), ErrCorruptHeader},
		{"solid flag without chunk size", mutate(func(b []byte) {
			binary.LittleEndian.PutUint16(b[6:], FlagSolid)
		}), ErrCorruptHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadHeader(bytes.NewReader(tt.data))
			require.ErrorIs(t, err, tt.want)
			require.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestReadHeaderItemValidation(t *testing.T) {
	t.Parallel()

	encode := func(items []Item) []byte {
		h := &Header{Items: items}
		data, err := h.MarshalBinary()
		require.NoError(t, err)
		return data
	}

	t.Run("missing dir item", func(t *testing.T) {
		_, err := ReadHeader(bytes.NewReader(encode([]Item{{Reference: 1}})))
		require.ErrorIs(t, err, ErrCorruptHeader)
	})
	t.Run("gap in offsets", func(t *testing.T) {
		data := encode([]Item{
			{Flags: ItemFlagDir},
			{Reference: 1, Offset: 0, Length: 0},
			{Reference: 1, Offset: 4, Length: 0},
		})
		_, err := ReadHeader(bytes.NewReader(data))
		require.ErrorIs(t, err, ErrCorruptHeader)
	})
}

func TestReadHeaderIOError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := ReadHeader(io.MultiReader(bytes.NewReader(Magic[:]), &failingReader{err: boom}))
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrFormat)
}

func TestParseAlgorithm(t *testing.T) {
	t.Parallel()

	for _, a := range []Algorithm{AlgorithmStore, AlgorithmLZ4, AlgorithmZstd} {
		got, err := ParseAlgorithm(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	got, err := ParseAlgorithm("none")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmStore, got)

	_, err = ParseAlgorithm("brotli")
	require.Error(t, err)
	assert.Equal(t, "unknown(7)", Algorithm(7).String())
}

type failingReader struct{ err error }

func (r *failingReader) Read([]byte) (int, error) { return 0, r.err }
