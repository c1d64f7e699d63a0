package format

import (
	"errors"
	"fmt"
)

// ErrFormat is the base error for archives that cannot be decoded.
// Every decode failure caused by archive content wraps it.
var ErrFormat = errors.New("kar: invalid archive")

// Format errors. Each wraps ErrFormat.
var (
	// ErrBadMagic is returned when the archive does not start with Magic.
	ErrBadMagic = fmt.Errorf("%w: bad magic", ErrFormat)

	// ErrUnsupportedVersion is returned for any version other than Version.
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported version", ErrFormat)

	// ErrUnknownAlgorithm is returned when a chunk names an unknown algorithm.
	ErrUnknownAlgorithm = fmt.Errorf("%w: unknown chunk algorithm", ErrFormat)

	// ErrCorruptHeader is returned when header tables are truncated or inconsistent.
	ErrCorruptHeader = fmt.Errorf("%w: corrupt header", ErrFormat)

	// ErrCorruptIndex is returned when the node array is not a valid trie.
	ErrCorruptIndex = fmt.Errorf("%w: corrupt path index", ErrFormat)

	// ErrCorruptChunk is returned when a chunk does not decode to its recorded length.
	ErrCorruptChunk = fmt.Errorf("%w: corrupt chunk", ErrFormat)
)

// Build errors raised while packing.
var (
	// ErrIndexOverflow is returned when the path index would need 0xFFFF or more nodes.
	ErrIndexOverflow = errors.New("kar: path index node limit exceeded")

	// ErrTooManyItems is returned when the item table or a reference count
	// would not fit in 16 bits.
	ErrTooManyItems = errors.New("kar: item limit exceeded")

	// ErrSizeOverflow is returned when an offset or length does not fit its field.
	ErrSizeOverflow = errors.New("kar: size overflow")

	// ErrChunkMismatch is returned when the written chunk table disagrees
	// with the reserved one. The archive must not be used.
	ErrChunkMismatch = errors.New("kar: chunk table mismatch")

	// ErrSourceChanged is returned when a source file is shorter during the
	// chunk pass than it was when scanned.
	ErrSourceChanged = errors.New("kar: source changed during pack")
)
