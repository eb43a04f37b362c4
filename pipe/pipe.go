// Package pipe implements a bounded ring-buffer pipe: a shared buffer
// between reader and writer handles, with blocking and non-blocking I/O
// semantics and reference-counted lifetime. Blocking is implemented with
// sync.Cond, the idiomatic Go equivalent of "yield until woken".
package pipe

import (
	"sync"

	"github.com/xila-project/vfs-core/vfserrors"
)

// Pipe is a bounded ring buffer shared by some number of open readers and
// writers. It is destroyed (by its owner, typically a registry or the
// unnamed-pipe handle pair) once both counts reach zero.
type Pipe struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf      []byte
	capacity int
	start    int // index of oldest byte
	length   int // number of valid bytes

	readers int
	writers int
	closed  bool
}

// New creates a pipe with the given ring-buffer capacity and an initial
// reader/writer count (both 1 for an unnamed pipe's returned pair; named
// pipes instead call OpenReader/OpenWriter as each end attaches).
func New(capacity int, readers, writers int) *Pipe {
	p := &Pipe{buf: make([]byte, capacity), capacity: capacity, readers: readers, writers: writers}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// OpenReader registers a new reader handle, incrementing the reader count.
func (p *Pipe) OpenReader() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readers++
}

// OpenWriter registers a new writer handle, incrementing the writer count.
func (p *Pipe) OpenWriter() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writers++
}

// CloseReader decrements the reader count, waking any blocked writer so it
// can observe readers reaching zero. It reports whether the pipe is now
// fully drained (both counts zero) and should be destroyed by its owner.
func (p *Pipe) CloseReader() (drained bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readers > 0 {
		p.readers--
	}
	p.cond.Broadcast()
	return p.readers == 0 && p.writers == 0
}

// CloseWriter decrements the writer count, waking any blocked reader so it
// can observe writers reaching zero (EOF). It reports whether the pipe is
// now fully drained.
func (p *Pipe) CloseWriter() (drained bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writers > 0 {
		p.writers--
	}
	p.cond.Broadcast()
	return p.readers == 0 && p.writers == 0
}

func (p *Pipe) available() int { return p.length }
func (p *Pipe) free() int      { return p.capacity - p.length }

// Read copies up to len(out) bytes into out. If the buffer is empty and
// writers remain open: blocking mode parks until data arrives or all
// writers close (returning 0, nil — EOF); non-blocking mode returns (0,
// nil) immediately. If the buffer is empty and writers==0, it is EOF:
// returns (0, nil).
func (p *Pipe) Read(out []byte, blocking bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.available() == 0 && p.writers > 0 {
		if !blocking {
			return 0, nil
		}
		p.cond.Wait()
	}
	if p.available() == 0 {
		return 0, nil // EOF: empty and no writers left
	}
	n := len(out)
	if n > p.available() {
		n = p.available()
	}
	for i := 0; i < n; i++ {
		out[i] = p.buf[(p.start+i)%p.capacity]
	}
	p.start = (p.start + n) % p.capacity
	p.length -= n
	p.cond.Broadcast()
	return n, nil
}

// Write copies from in into the ring buffer. If readers==0, fails
// BrokenPipe. If there is enough free space, the whole write completes; if
// only partial space is free, it writes the prefix that fits (a short
// write) without blocking further. If there is no free space: blocking
// mode parks until the reader drains some; non-blocking mode returns
// (0, nil).
func (p *Pipe) Write(in []byte, blocking bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readers == 0 {
		return 0, vfserrors.BrokenPipe
	}
	for p.free() == 0 {
		if !blocking {
			return 0, nil
		}
		p.cond.Wait()
		if p.readers == 0 {
			return 0, vfserrors.BrokenPipe
		}
	}
	n := len(in)
	if n > p.free() {
		n = p.free()
	}
	end := (p.start + p.length) % p.capacity
	for i := 0; i < n; i++ {
		p.buf[(end+i)%p.capacity] = in[i]
	}
	p.length += n
	p.cond.Broadcast()
	return n, nil
}

// Readers and Writers report the pipe's current reference counts, mostly
// useful for tests and diagnostics.
func (p *Pipe) Readers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readers
}

func (p *Pipe) Writers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writers
}
