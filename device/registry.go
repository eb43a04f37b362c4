// Package device implements a device registry: two inode-keyed,
// reference-counted tables (block, character) that the VFS multiplexer
// routes BlockDeviceRegistry/CharacterDeviceRegistry handles through,
// guarding the maps with a plain sync.RWMutex rather than a concurrent-map
// library.
package device

import (
	"sync"

	"github.com/xila-project/vfs-core/ids"
	"github.com/xila-project/vfs-core/vfserrors"
)

// BlockDevice is the operation set a block device node must support:
// offset-addressed read and write, a block-size query and a
// block-device-ness query. It carries no position, seek or flush
// operation.
type BlockDevice interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	BlockSize() int64
	IsBlockDevice() bool
}

// CharDevice is the operation set a character device node must support:
// ordinary stream read/write plus a terminal-ness query (used by line
// discipline concerns that live outside this core).
type CharDevice interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	IsTerminal() bool
}

type entry[T any] struct {
	device   T
	refCount int
}

// Registry holds the block and character device tables. Each table is
// independently locked with its own reader-writer mutex.
type Registry struct {
	blockMu sync.RWMutex
	block   map[ids.Inode]*entry[BlockDevice]

	charMu sync.RWMutex
	char   map[ids.Inode]*entry[CharDevice]
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		block: make(map[ids.Inode]*entry[BlockDevice]),
		char:  make(map[ids.Inode]*entry[CharDevice]),
	}
}

// RegisterBlock adds (or increments the refcount of) a block device at inode.
func (r *Registry) RegisterBlock(inode ids.Inode, dev BlockDevice) {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()
	if e, ok := r.block[inode]; ok {
		e.refCount++
		return
	}
	r.block[inode] = &entry[BlockDevice]{device: dev, refCount: 1}
}

// OpenBlock increments the refcount of an already-registered block device
// and returns it.
func (r *Registry) OpenBlock(inode ids.Inode) (BlockDevice, error) {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()
	e, ok := r.block[inode]
	if !ok {
		return nil, vfserrors.InvalidInode
	}
	e.refCount++
	return e.device, nil
}

// CloseBlock decrements the refcount, removing the entry at zero. Closing
// an inode with no registered entry returns vfserrors.InvalidInode rather
// than panicking, tolerating a race where the entry already vanished.
func (r *Registry) CloseBlock(inode ids.Inode) error {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()
	e, ok := r.block[inode]
	if !ok {
		return vfserrors.InvalidInode
	}
	e.refCount--
	if e.refCount <= 0 {
		delete(r.block, inode)
	}
	return nil
}

// RegisterChar adds (or increments the refcount of) a character device at inode.
func (r *Registry) RegisterChar(inode ids.Inode, dev CharDevice) {
	r.charMu.Lock()
	defer r.charMu.Unlock()
	if e, ok := r.char[inode]; ok {
		e.refCount++
		return
	}
	r.char[inode] = &entry[CharDevice]{device: dev, refCount: 1}
}

// OpenChar increments the refcount of an already-registered char device
// and returns it.
func (r *Registry) OpenChar(inode ids.Inode) (CharDevice, error) {
	r.charMu.Lock()
	defer r.charMu.Unlock()
	e, ok := r.char[inode]
	if !ok {
		return nil, vfserrors.InvalidInode
	}
	e.refCount++
	return e.device, nil
}

// CloseChar decrements the refcount, removing the entry at zero.
func (r *Registry) CloseChar(inode ids.Inode) error {
	r.charMu.Lock()
	defer r.charMu.Unlock()
	e, ok := r.char[inode]
	if !ok {
		return vfserrors.InvalidInode
	}
	e.refCount--
	if e.refCount <= 0 {
		delete(r.char, inode)
	}
	return nil
}
