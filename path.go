package kar

import (
	"fmt"
	"strings"
)

// NormalizeDest converts a user-provided destination to archive form.
//
// It performs the following transformations:
//   - Accepts both "/" and "\" as separators: `a\b` → "/a/b"
//   - Collapses empty segments: "a//b" → "/a/b"
//   - Roots the path: "a/b" → "/a/b"
//   - Preserves a trailing separator: "a/" → "/a/", "/" → "/"
//   - Converts a path with no segments and no trailing separator to ""
//
// "." and ".." segments are preserved so that validation can reject them.
func NormalizeDest(p string) string {
	if p == "" {
		return ""
	}
	trailing := strings.HasSuffix(p, "/") || strings.HasSuffix(p, `\`)
	parts := strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' })
	joined := strings.Join(parts, "/")
	switch {
	case joined == "" && trailing:
		return "/"
	case joined == "":
		return ""
	case trailing:
		return "/" + joined + "/"
	default:
		return "/" + joined
	}
}

// validateDest checks that p is rooted and free of NUL, "." and ".."
// segments. Directory paths end in "/"; file paths must not.
func validateDest(p string, dir bool) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: %q is not rooted", ErrInvalidPath, p)
	}
	if strings.IndexByte(p, 0) >= 0 {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidPath, p)
	}
	if dir != strings.HasSuffix(p, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q contains a %q segment", ErrInvalidPath, p, seg)
		}
		if seg == "" && p != "/" {
			return fmt.Errorf("%w: %q contains an empty segment", ErrInvalidPath, p)
		}
	}
	return nil
}

// parentDirs returns every ancestor directory of p, deepest first, each
// with a trailing slash. "/" is always last.
func parentDirs(p string) []string {
	var out []string
	trimmed := strings.TrimSuffix(p, "/")
	for {
		i := strings.LastIndexByte(trimmed, '/')
		if i < 0 {
			break
		}
		trimmed = trimmed[:i]
		out = append(out, trimmed+"/")
		if trimmed == "" {
			break
		}
	}
	return out
}

// archivePath converts a stored destination to an fs.ValidPath name:
// "/" → ".", "/a/b/" → "a/b", "/a/b" → "a/b".
func archivePath(dest string) string {
	p := strings.Trim(dest, "/")
	if p == "" {
		return "."
	}
	return p
}
