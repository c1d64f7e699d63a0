package kar

import (
	"errors"

	"github.com/meigma/kar/internal/format"
)

// Errors re-exported from the format package.
var (
	// ErrFormat is the base error for archives that cannot be decoded.
	// Every error caused by archive content wraps it.
	ErrFormat = format.ErrFormat

	// ErrBadMagic is returned when a file is not a KAr archive.
	ErrBadMagic = format.ErrBadMagic

	// ErrUnsupportedVersion is returned for archives of another format version.
	ErrUnsupportedVersion = format.ErrUnsupportedVersion

	// ErrUnknownAlgorithm is returned when a chunk uses an unknown compression tag.
	ErrUnknownAlgorithm = format.ErrUnknownAlgorithm

	// ErrCorruptHeader is returned when the header tables are truncated or inconsistent.
	ErrCorruptHeader = format.ErrCorruptHeader

	// ErrCorruptIndex is returned when the path index is not a valid trie.
	ErrCorruptIndex = format.ErrCorruptIndex

	// ErrCorruptChunk is returned when chunk data cannot be decoded.
	ErrCorruptChunk = format.ErrCorruptChunk

	// ErrIndexOverflow is returned when the path index would exceed its node limit.
	ErrIndexOverflow = format.ErrIndexOverflow

	// ErrTooManyItems is returned when the item table or a reference count overflows.
	ErrTooManyItems = format.ErrTooManyItems

	// ErrSizeOverflow is returned when an offset or length does not fit the format.
	ErrSizeOverflow = format.ErrSizeOverflow

	// ErrChunkMismatch is returned when the written chunk table disagrees
	// with the reserved one.
	ErrChunkMismatch = format.ErrChunkMismatch

	// ErrSourceChanged is returned when a source file shrank during pack.
	ErrSourceChanged = format.ErrSourceChanged
)

// Input errors.
var (
	// ErrInvalidPath is returned for destination paths that contain NUL,
	// "." or ".." segments, or that escape the extraction root.
	ErrInvalidPath = errors.New("kar: invalid path")

	// ErrDuplicatePath is returned when two files map to the same destination.
	ErrDuplicatePath = errors.New("kar: duplicate destination path")

	// ErrNoInputs is returned when Pack is called without inputs.
	ErrNoInputs = errors.New("kar: no inputs")
)
