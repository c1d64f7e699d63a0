package layout

import (
	"errors"
	"fmt"

	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a tag or blob is missing from the layout.
	ErrNotFound = errors.New("layout: not found")

	// ErrInvalidTag is returned for empty tags.
	ErrInvalidTag = errors.New("layout: invalid tag")

	// ErrNotArchive is returned when a tag resolves to a manifest that does
	// not describe a KAr archive.
	ErrNotArchive = errors.New("layout: manifest is not a kar archive")

	// ErrDigestMismatch is returned when fetched content does not match its
	// descriptor.
	ErrDigestMismatch = errors.New("layout: digest mismatch")
)

// mapStoreError translates oras content errors into package sentinels while
// keeping the original in the chain.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errdef.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, content.ErrMismatchedDigest), errors.Is(err, content.ErrTrailingData):
		return fmt.Errorf("%w: %w", ErrDigestMismatch, err)
	default:
		return err
	}
}
