// Package window implements a partition window device: a block device
// that restricts I/O to a contiguous byte range of a larger backing
// store, with an atomic position cursor so the window can be shared
// safely across tasks. It follows saturating clamp semantics: ReadAt at
// or past the window's end returns 0 bytes and a nil error, while Read
// there returns io.EOF. Flush and erase are delegated to the backing
// store; the block size is a fixed 512 bytes.
package window

import (
	"io"
	"sync/atomic"

	"github.com/xila-project/vfs-core/backend"
)

// Whence selects how SetPosition interprets its offset, mirroring
// io.SeekStart/Current/End without importing device semantics into the
// device package's vocabulary.
type Whence int

const (
	Start Whence = iota
	Current
	End
)

// Window restricts I/O on a backend.Storage to [Offset, Offset+Size) bytes,
// tracking its own position independent of the backing store's.
type Window struct {
	base   backend.Storage
	offset int64
	size   int64

	position int64 // atomic
}

// New creates a window over base spanning [offset, offset+size) bytes.
func New(base backend.Storage, offset, size int64) *Window {
	return &Window{base: base, offset: offset, size: size}
}

// Size returns the window's size in bytes.
func (w *Window) Size() int64 { return w.size }

// Position returns the window's current position.
func (w *Window) Position() int64 { return atomic.LoadInt64(&w.position) }

// clampedLen returns how many bytes of a request of length l, starting at
// window-relative position p, fit inside the window: requests starting at
// or past size get 0, never an error.
func (w *Window) clampedLen(p int64, l int) int {
	if p >= w.size {
		return 0
	}
	remaining := w.size - p
	if int64(l) > remaining {
		return int(remaining)
	}
	return l
}

// ReadAt reads at a window-relative offset, clamping to the window and
// never reading past it. It has io.ReaderAt's signature, but a read cut
// short by the window's end, or starting at or past it, returns a nil
// error rather than io.EOF.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	n := w.clampedLen(off, len(p))
	if n == 0 {
		return 0, nil
	}
	return w.base.ReadAt(p[:n], w.offset+off)
}

// WriteAt writes at a window-relative offset, clamping to the window.
func (w *Window) WriteAt(p []byte, off int64) (int, error) {
	writable, err := w.base.Writable()
	if err != nil {
		return 0, err
	}
	n := w.clampedLen(off, len(p))
	if n == 0 {
		return 0, nil
	}
	return writable.WriteAt(p[:n], w.offset+off)
}

// Read reads from the current position, advancing it atomically.
func (w *Window) Read(p []byte) (int, error) {
	pos := atomic.LoadInt64(&w.position)
	n, err := w.ReadAt(p, pos)
	if n > 0 {
		atomic.AddInt64(&w.position, int64(n))
	}
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

// Write writes at the current position, advancing it atomically.
func (w *Window) Write(p []byte) (int, error) {
	pos := atomic.LoadInt64(&w.position)
	n, err := w.WriteAt(p, pos)
	if n > 0 {
		atomic.AddInt64(&w.position, int64(n))
	}
	return n, err
}

// SetPosition interprets offset relative to whence within the window and
// saturates the result into [0, size] rather than erroring.
func (w *Window) SetPosition(offset int64, whence Whence) int64 {
	var base int64
	switch whence {
	case Start:
		base = 0
	case Current:
		base = atomic.LoadInt64(&w.position)
	case End:
		base = w.size
	}
	newPos := base + offset
	switch {
	case newPos < 0:
		newPos = 0
	case newPos > w.size:
		newPos = w.size
	}
	atomic.StoreInt64(&w.position, newPos)
	return newPos
}

// Flush delegates to the backing store; partition windows have no
// durability state of their own.
func (w *Window) Flush() error {
	writable, err := w.base.Writable()
	if err != nil {
		return nil
	}
	type flusher interface{ Sync() error }
	if f, ok := writable.(flusher); ok {
		return f.Sync()
	}
	return nil
}

// Erase zero-fills count bytes starting at the given window-relative
// offset, clamped to the window.
func (w *Window) Erase(offset int64, count int64) error {
	writable, err := w.base.Writable()
	if err != nil {
		return err
	}
	n := w.clampedLen(offset, int(count))
	if n == 0 {
		return nil
	}
	zero := make([]byte, n)
	_, err = writable.WriteAt(zero, w.offset+offset)
	return err
}

// BlockSize returns the window's notion of sector size: 512 bytes,
// assumed when translating LBA to byte offsets.
func (w *Window) BlockSize() int64 { return 512 }

// IsBlockDevice is always true for a partition window.
func (w *Window) IsBlockDevice() bool { return true }

// IsTerminal is always false for a partition window.
func (w *Window) IsTerminal() bool { return false }

// Clone returns a new Window over the same region with its position reset
// to 0, independent of the original's cursor.
func (w *Window) Clone() *Window {
	return New(w.base, w.offset, w.size)
}
