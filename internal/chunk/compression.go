package chunk

import (
	"path"
	"strings"
)

// SkipCompressionFunc returns true when an item should be stored
// uncompressed. It receives the item's first destination path and is
// called once per item in per-file mode.
type SkipCompressionFunc func(dest string) bool

// DefaultSkipCompression skips common already-compressed image formats.
func DefaultSkipCompression() SkipCompressionFunc {
	return SkipExtensions(".png", ".gif", ".jpg", ".jpeg")
}

// SkipExtensions returns a SkipCompressionFunc matching any of exts,
// compared case-insensitively. Extensions include the leading dot.
func SkipExtensions(exts ...string) SkipCompressionFunc {
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		set[strings.ToLower(e)] = struct{}{}
	}
	return func(dest string) bool {
		_, ok := set[strings.ToLower(path.Ext(dest))]
		return ok
	}
}

// ShouldSkip checks if any predicate returns true for dest.
func ShouldSkip(dest string, predicates []SkipCompressionFunc) bool {
	for _, fn := range predicates {
		if fn == nil {
			continue
		}
		if fn(dest) {
			return true
		}
	}
	return false
}

// worthIt reports whether compressed is below 80% of length.
func worthIt(compressed, length int) bool {
	return uint64(compressed) < uint64(length)*4/5 //nolint:gosec // lengths are non-negative
}
