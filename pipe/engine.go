package pipe

import (
	"sync"

	"github.com/xila-project/vfs-core/ids"
	"github.com/xila-project/vfs-core/vfserrors"
)

// Engine is the pipe registry: named pipes keyed by inode. Anonymous pipes
// created via CreateUnnamed are not recorded in it. Both paths
// construct and hand back a *Pipe; there's no forked implementation for
// named versus anonymous.
type Engine struct {
	mu    sync.RWMutex
	named map[ids.Inode]*Pipe
}

// NewEngine constructs an empty pipe engine.
func NewEngine() *Engine {
	return &Engine{named: make(map[ids.Inode]*Pipe)}
}

// CreateNamed registers a new pipe at inode with the given capacity. The
// pipe starts with zero readers and writers; each subsequent Open call
// increments the appropriate count as a task opens the node for reading or
// writing.
func (e *Engine) CreateNamed(inode ids.Inode, capacity int) *Pipe {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := New(capacity, 0, 0)
	e.named[inode] = p
	return p
}

// OpenNamed returns the pipe registered at inode, incrementing its
// reader or writer count depending on forWrite.
func (e *Engine) OpenNamed(inode ids.Inode, forWrite bool) (*Pipe, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.named[inode]
	if !ok {
		return nil, vfserrors.InvalidInode
	}
	if forWrite {
		p.OpenWriter()
	} else {
		p.OpenReader()
	}
	return p, nil
}

// CloseNamed decrements the pipe's reader or writer count and removes it
// from the registry once drained. Closing an inode that is not registered
// returns vfserrors.InvalidInode rather than panicking, tolerating a
// registry-cleanup race.
func (e *Engine) CloseNamed(inode ids.Inode, wasWrite bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.named[inode]
	if !ok {
		return vfserrors.InvalidInode
	}
	var drained bool
	if wasWrite {
		drained = p.CloseWriter()
	} else {
		drained = p.CloseReader()
	}
	if drained {
		delete(e.named, inode)
	}
	return nil
}

// CreateUnnamed creates an anonymous pipe with one reader and one writer
// already attached, returning the pipe directly — callers wrap it in a
// reader handle and a writer handle themselves; the engine keeps no
// separate registration for it.
func (e *Engine) CreateUnnamed(capacity int) *Pipe {
	return New(capacity, 1, 1)
}
