package chunk

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/meigma/kar/internal/format"
	"github.com/meigma/kar/internal/itemtable"
)

// filler presents the non-directory items as one logical byte stream.
//
// Each source is opened when its first byte is needed and closed as soon
// as its scanned length has been read. Exactly Length bytes are taken from
// every source; a source that ends early is format.ErrSourceChanged.
type filler struct {
	items []itemtable.Item
	next  int
	cur   *os.File
	left  uint64
	name  string
}

func newFiller(items []itemtable.Item) *filler {
	return &filler{items: items}
}

// Read implements io.Reader. It returns io.EOF after the last item.
func (f *filler) Read(p []byte) (int, error) {
	for f.cur == nil || f.left == 0 {
		if err := f.advance(); err != nil {
			return 0, err
		}
	}
	if uint64(len(p)) > f.left {
		p = p[:f.left]
	}
	n, err := f.cur.Read(p)
	f.left -= uint64(n) //nolint:gosec // n is non-negative
	if errors.Is(err, io.EOF) {
		if f.left > 0 {
			return n, fmt.Errorf("%w: %s is shorter than when scanned", format.ErrSourceChanged, f.name)
		}
		err = nil
	}
	return n, err
}

// advance closes the current source and opens the next non-empty one.
func (f *filler) advance() error {
	if err := f.closeCurrent(); err != nil {
		return err
	}
	for f.next < len(f.items) {
		it := f.items[f.next]
		f.next++
		if it.Length == 0 {
			continue
		}
		file, err := os.Open(it.Source)
		if err != nil {
			return fmt.Errorf("open %s: %w", it.Source, err)
		}
		f.cur, f.left, f.name = file, it.Length, it.Source
		return nil
	}
	return io.EOF
}

func (f *filler) closeCurrent() error {
	if f.cur == nil {
		return nil
	}
	err := f.cur.Close()
	f.cur = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", f.name, err)
	}
	return nil
}

// Close releases any open source.
func (f *filler) Close() error {
	return f.closeCurrent()
}
