// Package storage maps the logical, concatenated byte stream of a
// (possibly multi-file) torrent onto real files, using afero so tests
// can run entirely in memory. It performs no piece-level bookkeeping —
// that's piece.Store's job; this package only answers "which file
// bytes does this offset/length span touch."
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"github.com/tanmoymaji275/bittorrent-client/internal/metainfo"
)

// fileEntry is one file of the layout, relative to the download root.
type fileEntry struct {
	path   string
	length int64
}

// Layout maps byte offsets into the logical stream to one or more
// files, splitting a block across file boundaries when it straddles
// one (spec §4.1).
type Layout struct {
	fs   afero.Fs
	root string

	mu         sync.Mutex
	files      []fileEntry
	handles    []afero.File
	cumulative []int64 // cumulative[i] = byte offset where files[i] begins
	total      int64
}

// NewLayout builds the file-layout table from mi and opens (creating
// as needed) every underlying file under root.
func NewLayout(fs afero.Fs, root string, mi *metainfo.MetaInfo) (*Layout, error) {
	l := &Layout{fs: fs, root: root}

	if len(mi.Files) > 0 {
		for _, f := range mi.Files {
			parts := append([]string{mi.Name}, f.Path...)
			l.files = append(l.files, fileEntry{path: filepath.Join(parts...), length: int64(f.Length)})
		}
	} else {
		l.files = append(l.files, fileEntry{path: mi.Name, length: int64(mi.TotalLength)})
	}

	l.cumulative = make([]int64, len(l.files))
	var off int64
	for i, f := range l.files {
		l.cumulative[i] = off
		off += f.length
	}
	l.total = off

	l.handles = make([]afero.File, len(l.files))
	for i, f := range l.files {
		full := filepath.Join(root, f.path)
		if dir := filepath.Dir(full); dir != "." {
			if err := fs.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("storage: create directory %q: %w", dir, err)
			}
		}
		fh, err := fs.OpenFile(full, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("storage: open %q: %w", full, err)
		}
		if err := fh.Truncate(f.length); err != nil {
			return nil, fmt.Errorf("storage: preallocate %q: %w", full, err)
		}
		l.handles[i] = fh
	}
	return l, nil
}

// Close closes every open file handle.
func (l *Layout) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, fh := range l.handles {
		if err := fh.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// fileIndexAt returns the index of the file containing absolute
// offset, via binary search over the cumulative offset table.
func (l *Layout) fileIndexAt(offset int64) int {
	return sort.Search(len(l.cumulative), func(i int) bool {
		var next int64
		if i+1 < len(l.cumulative) {
			next = l.cumulative[i+1]
		} else {
			next = l.total
		}
		return offset < next
	})
}

// spans splits [offset, offset+length) into per-file (handleIndex,
// fileOffset, runLength) runs.
func (l *Layout) spans(offset int64, length int) ([]span, error) {
	if offset < 0 || length < 0 || offset+int64(length) > l.total {
		return nil, fmt.Errorf("storage: range [%d,%d) out of bounds (total %d)", offset, offset+int64(length), l.total)
	}
	var out []span
	idx := l.fileIndexAt(offset)
	remaining := length
	cur := offset
	for remaining > 0 {
		fileStart := l.cumulative[idx]
		fileLen := l.files[idx].length
		inFileOff := cur - fileStart
		avail := fileLen - inFileOff
		run := int64(remaining)
		if run > avail {
			run = avail
		}
		out = append(out, span{handle: idx, offset: inFileOff, length: int(run)})
		remaining -= int(run)
		cur += run
		idx++
	}
	return out, nil
}

type span struct {
	handle int
	offset int64
	length int
}

// ReadAt reads length bytes starting at the logical offset, splitting
// the read across files as needed.
func (l *Layout) ReadAt(offset int64, length int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	spans, err := l.spans(offset, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	for _, sp := range spans {
		buf := make([]byte, sp.length)
		if _, err := l.handles[sp.handle].ReadAt(buf, sp.offset); err != nil {
			return nil, fmt.Errorf("storage: read %q at %d: %w", l.files[sp.handle].path, sp.offset, err)
		}
		out = append(out, buf...)
	}
	return out, nil
}

// WriteAt writes data starting at the logical offset, splitting the
// write across files as needed.
func (l *Layout) WriteAt(offset int64, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	spans, err := l.spans(offset, len(data))
	if err != nil {
		return err
	}
	pos := 0
	for _, sp := range spans {
		if _, err := l.handles[sp.handle].WriteAt(data[pos:pos+sp.length], sp.offset); err != nil {
			return fmt.Errorf("storage: write %q at %d: %w", l.files[sp.handle].path, sp.offset, err)
		}
		pos += sp.length
	}
	return nil
}

// Total returns the logical total length of the torrent's byte stream.
func (l *Layout) Total() int64 { return l.total }
