// Package vfs implements the VFS multiplexer: a mount table resolved by
// longest-matching-prefix, a per-task file-handle namespace, and
// backend-tag dispatch that routes a public ids.UniqueFileIdentifier to
// the mounted file system, the device registry, or the pipe engine that
// actually owns it. The VFS is built with New, an ordinary constructed
// value rather than reached through a package-level global, so multiple
// independent instances can coexist.
package vfs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xila-project/vfs-core/attr"
	"github.com/xila-project/vfs-core/device"
	"github.com/xila-project/vfs-core/fs"
	"github.com/xila-project/vfs-core/ids"
	"github.com/xila-project/vfs-core/pipe"
	"github.com/xila-project/vfs-core/vfserrors"
	"github.com/xila-project/vfs-core/vpath"
)

// NetworkSocketDriver is the passthrough seam for network-socket
// operations routed through the NetworkSocketRegistry tag. No concrete
// driver ships in this repository; a nil driver (the default) makes every
// socket operation fail UnavailableDriver.
type NetworkSocketDriver interface {
	Open(domain, socketType, protocol int) (ids.FileIdentifier, error)
	Close(local ids.LocalFileIdentifier) error
	Send(local ids.LocalFileIdentifier, p []byte) (int, error)
	Receive(local ids.LocalFileIdentifier, p []byte) (int, error)
	Bind(local ids.LocalFileIdentifier, address string) error
	Connect(local ids.LocalFileIdentifier, address string) error
	Accept(local ids.LocalFileIdentifier) (ids.FileIdentifier, error)
	SetTimeout(local ids.LocalFileIdentifier, read, write time.Duration) error
}

type mountEntry struct {
	id      uuid.UUID
	path    vpath.Path
	backend fs.Backend
}

type deviceHandle struct {
	inode      ids.Inode
	isBlock    bool
	underlying ids.UniqueFileIdentifier
}

type pipeHandle struct {
	inode      ids.Inode
	p          *pipe.Pipe
	forWrite   bool
	blocking   bool
	underlying *ids.UniqueFileIdentifier // nil for unnamed pipes, which have no backing FS node
}

// VFS is the multiplexer. It is a plain constructed value: callers own
// its lifetime and may build as many independent instances as they need,
// e.g. one per test.
type VFS struct {
	mu      sync.RWMutex
	mounts  map[int]*mountEntry
	nextID  int

	devices  *device.Registry
	pipes    *pipe.Engine
	network  NetworkSocketDriver

	deviceHandlesMu sync.Mutex
	deviceHandles   map[ids.LocalFileIdentifier]*deviceHandle
	pipeHandlesMu   sync.Mutex
	pipeHandles     map[ids.LocalFileIdentifier]*pipeHandle
	nextRegistryID  map[ids.TaskID]ids.FileIdentifier

	specialFilesMu sync.Mutex
	specialFiles   map[ids.Inode]vpath.Path // nodes created by CreateNamedPipe/MountBlockDevice/MountCharDevice, for Teardown

	log *logrus.Logger
}

// New constructs a VFS, always seeding the tree with a root file system
// mounted at "/" before any other mount can resolve.
func New(root fs.Backend, log *logrus.Logger) *VFS {
	if log == nil {
		log = logrus.New()
	}
	v := &VFS{
		mounts:         make(map[int]*mountEntry),
		devices:        device.New(),
		pipes:          pipe.NewEngine(),
		deviceHandles:  make(map[ids.LocalFileIdentifier]*deviceHandle),
		pipeHandles:    make(map[ids.LocalFileIdentifier]*pipeHandle),
		nextRegistryID: make(map[ids.TaskID]ids.FileIdentifier),
		specialFiles:   make(map[ids.Inode]vpath.Path),
		log:            log,
	}
	v.mounts[0] = &mountEntry{id: uuid.New(), path: vpath.Root, backend: root}
	v.nextID = 1
	return v
}

// SetNetworkSocketDriver installs the passthrough driver for socket
// operations; nil (the default) makes every socket call fail
// UnavailableDriver.
func (v *VFS) SetNetworkSocketDriver(d NetworkSocketDriver) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.network = d
}

// resolve finds the mount whose path is the longest prefix of p: the
// mount with the highest common-component count wins.
func (v *VFS) resolve(p vpath.Path) (int, *mountEntry, vpath.Path, error) {
	bestScore := -1
	var bestIdx int
	var best *mountEntry
	for idx, m := range v.mounts {
		if !p.HasPrefix(m.path) {
			continue
		}
		score := p.CommonPrefixLen(m.path)
		if score > bestScore {
			bestScore = score
			bestIdx = idx
			best = m
		}
	}
	if best == nil {
		return 0, nil, vpath.Path{}, vfserrors.InvalidPath
	}
	rel, ok := p.StripPrefix(best.path)
	if !ok {
		return 0, nil, vpath.Path{}, vfserrors.InvalidPath
	}
	return bestIdx, best, rel, nil
}

// checkAccess enforces POSIX permission bits for rel within entry's
// backend: execute permission on every ancestor directory, then the
// requested access on the target itself if it already exists. A target
// that does not yet exist is only gated by ancestor traversal; the
// backend's own directory-write behavior governs the create itself.
// RootUserID bypasses the check entirely.
func (v *VFS) checkAccess(entry *mountEntry, rel vpath.Path, user ids.UserID, group ids.GroupID, access attr.Access) error {
	if user == attr.RootUserID {
		return nil
	}
	gids := []ids.GroupID{group}

	segments := rel.Segments()
	cur := vpath.Root
	ancestors := make([]attr.Attributes, 0, len(segments))
	if len(segments) > 0 {
		a, err := entry.backend.GetMetadataFromPath(cur.String(), attr.MaskPermissions|attr.MaskOwner|attr.MaskGroup)
		if err != nil {
			return err
		}
		ancestors = append(ancestors, a)
	}
	for i := 0; i < len(segments)-1; i++ {
		next, err := cur.Join(segments[i])
		if err != nil {
			return err
		}
		cur = next
		a, err := entry.backend.GetMetadataFromPath(cur.String(), attr.MaskPermissions|attr.MaskOwner|attr.MaskGroup)
		if err != nil {
			return err
		}
		ancestors = append(ancestors, a)
	}
	if !attr.CheckTraversal(ancestors, user, gids) {
		return vfserrors.PermissionDenied
	}

	target, err := entry.backend.GetMetadataFromPath(rel.String(), attr.MaskPermissions|attr.MaskOwner|attr.MaskGroup)
	if err != nil {
		if err == vfserrors.NotFound {
			return nil
		}
		return err
	}
	if !attr.Check(target.Permissions, target.Owner, target.Group, user, gids, access) {
		return vfserrors.PermissionDenied
	}
	return nil
}

// Mount attaches backend at path, creating the mount-point directory in
// the parent file system first.
func (v *VFS) Mount(ctx context.Context, backend fs.Backend, at vpath.Path, task ids.TaskID, now time.Time, user ids.UserID, group ids.GroupID) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !at.IsRoot() {
		_, parent, rel, err := v.resolve(at)
		if err != nil {
			return 0, err
		}
		if err := parent.backend.CreateDirectory(ctx, rel.String(), now, user, group); err != nil && err != vfserrors.AlreadyExists {
			return 0, err
		}
	}

	id := v.nextID
	v.nextID++
	v.mounts[id] = &mountEntry{id: uuid.New(), path: at, backend: backend}
	v.log.WithFields(logrus.Fields{"mount": id, "path": at.String()}).Info("file system mounted")
	return id, nil
}

// Unmount detaches the mount at path. The mount point must be exactly a
// mount root, not a path inside it.
func (v *VFS) Unmount(ctx context.Context, at vpath.Path, task ids.TaskID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	idx, entry, rel, err := v.resolve(at)
	if err != nil {
		return err
	}
	if !rel.IsRoot() || idx == 0 {
		return vfserrors.InvalidPath
	}
	if err := entry.backend.CloseAll(ctx, task); err != nil {
		return err
	}
	delete(v.mounts, idx)

	_, parent, parentRel, err := v.resolve(entry.path)
	if err != nil {
		return err
	}
	if err := parent.backend.Remove(ctx, parentRel.String()); err != nil {
		return err
	}
	v.log.WithFields(logrus.Fields{"mount": idx, "path": at.String()}).Info("file system unmounted")
	return nil
}

func (v *VFS) allocRegistryID(task ids.TaskID) ids.FileIdentifier {
	id := v.nextRegistryID[task]
	if id < ids.MinFileIdentifier {
		id = ids.MinFileIdentifier
	}
	v.nextRegistryID[task] = id + 1
	return id
}

// Open resolves path to a mount, opens it on the backend, then promotes
// the handle to the device or pipe registry when the resulting node's
// kind calls for it: it checks the freshly opened file's metadata kind
// and re-homes character/block devices and pipes onto their own
// registries, keeping the mount's handle alive underneath for timestamp
// bookkeeping.
func (v *VFS) Open(ctx context.Context, task ids.TaskID, path vpath.Path, flags fs.OpenFlags, now time.Time, user ids.UserID, group ids.GroupID) (ids.UniqueFileIdentifier, error) {
	v.mu.RLock()
	mountIdx, entry, rel, err := v.resolve(path)
	v.mu.RUnlock()
	if err != nil {
		return ids.UniqueFileIdentifier{}, err
	}

	access := attr.Read
	if flags&(fs.OpenWrite|fs.OpenAppend|fs.OpenTruncate) != 0 {
		access = attr.Write
	}
	if err := v.checkAccess(entry, rel, user, group, access); err != nil {
		return ids.UniqueFileIdentifier{}, err
	}

	fileID, err := entry.backend.Open(ctx, task, rel.String(), flags, now, user, group)
	if err != nil {
		return ids.UniqueFileIdentifier{}, err
	}
	local := ids.LocalFileIdentifier{Task: task, File: fileID}
	underlying := ids.UniqueFileIdentifier{Tag: ids.MountedFileSystem, MountIndex: mountIdx, Local: local}

	meta, err := entry.backend.GetMetadata(local, attr.MaskKind|attr.MaskInode)
	if err != nil {
		return ids.UniqueFileIdentifier{}, err
	}

	switch meta.Kind {
	case attr.KindCharacterDevice, attr.KindBlockDevice:
		dev, err := v.openDevice(meta, underlying)
		if err != nil {
			return ids.UniqueFileIdentifier{}, err
		}
		return dev, nil
	case attr.KindPipe:
		p, err := v.openPipe(task, meta.Inode, flags, underlying)
		if err != nil {
			return ids.UniqueFileIdentifier{}, err
		}
		return p, nil
	default:
		return underlying, nil
	}
}

func (v *VFS) openDevice(meta attr.Attributes, underlying ids.UniqueFileIdentifier) (ids.UniqueFileIdentifier, error) {
	isBlock := meta.Kind == attr.KindBlockDevice
	var err error
	if isBlock {
		_, err = v.devices.OpenBlock(meta.Inode)
	} else {
		_, err = v.devices.OpenChar(meta.Inode)
	}
	if err != nil {
		return ids.UniqueFileIdentifier{}, err
	}

	id := v.allocRegistryID(underlying.Local.Task)
	local := ids.LocalFileIdentifier{Task: underlying.Local.Task, File: id}

	v.deviceHandlesMu.Lock()
	v.deviceHandles[local] = &deviceHandle{inode: meta.Inode, isBlock: isBlock, underlying: underlying}
	v.deviceHandlesMu.Unlock()

	tag := ids.CharacterDeviceRegistry
	if isBlock {
		tag = ids.BlockDeviceRegistry
	}
	return ids.UniqueFileIdentifier{Tag: tag, Local: local}, nil
}

func (v *VFS) openPipe(task ids.TaskID, inode ids.Inode, flags fs.OpenFlags, underlying ids.UniqueFileIdentifier) (ids.UniqueFileIdentifier, error) {
	forWrite := flags&fs.OpenWrite != 0
	p, err := v.pipes.OpenNamed(inode, forWrite)
	if err != nil {
		return ids.UniqueFileIdentifier{}, err
	}

	id := v.allocRegistryID(task)
	local := ids.LocalFileIdentifier{Task: task, File: id}

	v.pipeHandlesMu.Lock()
	v.pipeHandles[local] = &pipeHandle{inode: inode, p: p, forWrite: forWrite, blocking: flags&fs.OpenNonBlocking == 0, underlying: &underlying}
	v.pipeHandlesMu.Unlock()

	return ids.UniqueFileIdentifier{Tag: ids.PipeRegistry, Local: local}, nil
}

// CreateNamedPipe creates a zero-byte regular file at path, stamps its
// kind as Pipe, and registers its inode in the pipe engine: the same
// node the owning file system already tracks becomes the pipe's
// registry key, so a later Open promotes transparently to the pipe
// registry.
func (v *VFS) CreateNamedPipe(ctx context.Context, path vpath.Path, capacity int, now time.Time, user ids.UserID, group ids.GroupID) error {
	v.mu.RLock()
	_, entry, rel, err := v.resolve(path)
	v.mu.RUnlock()
	if err != nil {
		return err
	}
	fileID, err := entry.backend.Open(ctx, 0, rel.String(), fs.OpenRead|fs.OpenWrite|fs.OpenCreateOnly, now, user, group)
	if err != nil {
		return err
	}
	local := ids.LocalFileIdentifier{Task: 0, File: fileID}
	defer entry.backend.Close(ctx, local)

	if err := entry.backend.SetMetadataFromPath(rel.String(), attr.Attributes{Mask: attr.MaskKind, Kind: attr.KindPipe}); err != nil {
		return err
	}
	meta, err := entry.backend.GetMetadata(local, attr.MaskInode)
	if err != nil {
		return err
	}
	v.pipes.CreateNamed(meta.Inode, capacity)
	v.registerSpecialFile(meta.Inode, path)
	return nil
}

// MountBlockDevice creates a zero-byte regular file at path, stamps its
// kind as BlockDevice, and registers dev in the block-device registry
// under that file's inode, per §4.4's "Mount device" contract.
func (v *VFS) MountBlockDevice(ctx context.Context, path vpath.Path, dev device.BlockDevice, now time.Time, user ids.UserID, group ids.GroupID) error {
	inode, err := v.createDeviceNode(ctx, path, attr.KindBlockDevice, now, user, group)
	if err != nil {
		return err
	}
	v.devices.RegisterBlock(inode, dev)
	return nil
}

// MountCharDevice is MountBlockDevice's character-device counterpart.
func (v *VFS) MountCharDevice(ctx context.Context, path vpath.Path, dev device.CharDevice, now time.Time, user ids.UserID, group ids.GroupID) error {
	inode, err := v.createDeviceNode(ctx, path, attr.KindCharacterDevice, now, user, group)
	if err != nil {
		return err
	}
	v.devices.RegisterChar(inode, dev)
	return nil
}

func (v *VFS) createDeviceNode(ctx context.Context, path vpath.Path, kind attr.Kind, now time.Time, user ids.UserID, group ids.GroupID) (ids.Inode, error) {
	v.mu.RLock()
	_, entry, rel, err := v.resolve(path)
	v.mu.RUnlock()
	if err != nil {
		return 0, err
	}
	fileID, err := entry.backend.Open(ctx, 0, rel.String(), fs.OpenRead|fs.OpenWrite|fs.OpenCreateOnly, now, user, group)
	if err != nil {
		return 0, err
	}
	local := ids.LocalFileIdentifier{Task: 0, File: fileID}
	defer entry.backend.Close(ctx, local)

	if err := entry.backend.SetMetadataFromPath(rel.String(), attr.Attributes{Mask: attr.MaskKind, Kind: kind}); err != nil {
		return 0, err
	}
	meta, err := entry.backend.GetMetadata(local, attr.MaskInode)
	if err != nil {
		return 0, err
	}
	v.registerSpecialFile(meta.Inode, path)
	return meta.Inode, nil
}

func (v *VFS) registerSpecialFile(inode ids.Inode, path vpath.Path) {
	v.specialFilesMu.Lock()
	v.specialFiles[inode] = path
	v.specialFilesMu.Unlock()
}

// UnmountDevice removes the device node at path and drops the registry's
// reference to it; the registry entry itself is only freed once every
// open handle referring to it has also closed.
func (v *VFS) UnmountDevice(ctx context.Context, path vpath.Path, isBlock bool) error {
	v.mu.RLock()
	_, entry, rel, err := v.resolve(path)
	v.mu.RUnlock()
	if err != nil {
		return err
	}
	meta, err := entry.backend.GetMetadataFromPath(rel.String(), attr.MaskInode)
	if err != nil {
		return err
	}
	var closeErr error
	if isBlock {
		closeErr = v.devices.CloseBlock(meta.Inode)
	} else {
		closeErr = v.devices.CloseChar(meta.Inode)
	}
	if closeErr != nil && closeErr != vfserrors.InvalidInode {
		return closeErr
	}
	v.specialFilesMu.Lock()
	delete(v.specialFiles, meta.Inode)
	v.specialFilesMu.Unlock()
	return entry.backend.Remove(ctx, rel.String())
}

// Teardown walks the device and pipe registries, closing every handle
// still open on them and removing each node that CreateNamedPipe,
// MountBlockDevice or MountCharDevice created, mirroring the original's
// Uninitialize pass. Ordinary mounted-file-system handles and mounts
// themselves are untouched; per-task cleanup is CloseAll's job.
func (v *VFS) Teardown(ctx context.Context) error {
	v.pipeHandlesMu.Lock()
	for local, h := range v.pipeHandles {
		if h.inode != 0 {
			_ = v.pipes.CloseNamed(h.inode, h.forWrite)
		} else if h.forWrite {
			h.p.CloseWriter()
		} else {
			h.p.CloseReader()
		}
		delete(v.pipeHandles, local)
	}
	v.pipeHandlesMu.Unlock()

	v.deviceHandlesMu.Lock()
	for local, h := range v.deviceHandles {
		if h.isBlock {
			_ = v.devices.CloseBlock(h.inode)
		} else {
			_ = v.devices.CloseChar(h.inode)
		}
		delete(v.deviceHandles, local)
	}
	v.deviceHandlesMu.Unlock()

	v.specialFilesMu.Lock()
	files := v.specialFiles
	v.specialFiles = make(map[ids.Inode]vpath.Path)
	v.specialFilesMu.Unlock()

	var firstErr error
	for _, path := range files {
		v.mu.RLock()
		_, entry, rel, err := v.resolve(path)
		v.mu.RUnlock()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := entry.backend.Remove(ctx, rel.String()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CreateUnnamedPipe returns a connected reader/writer pair with no
// backing path.
func (v *VFS) CreateUnnamedPipe(task ids.TaskID, capacity int) (reader, writer ids.UniqueFileIdentifier) {
	p := v.pipes.CreateUnnamed(capacity)

	readID := v.allocRegistryID(task)
	writeID := v.allocRegistryID(task)
	readLocal := ids.LocalFileIdentifier{Task: task, File: readID}
	writeLocal := ids.LocalFileIdentifier{Task: task, File: writeID}

	v.pipeHandlesMu.Lock()
	v.pipeHandles[readLocal] = &pipeHandle{p: p, forWrite: false, blocking: true}
	v.pipeHandles[writeLocal] = &pipeHandle{p: p, forWrite: true, blocking: true}
	v.pipeHandlesMu.Unlock()

	return ids.UniqueFileIdentifier{Tag: ids.PipeRegistry, Local: readLocal},
		ids.UniqueFileIdentifier{Tag: ids.PipeRegistry, Local: writeLocal}
}

// Close releases one handle, closing the paired underlying mount handle
// for device/pipe registry entries too.
func (v *VFS) Close(ctx context.Context, file ids.UniqueFileIdentifier) error {
	switch file.Tag {
	case ids.PipeRegistry:
		v.pipeHandlesMu.Lock()
		h, ok := v.pipeHandles[file.Local]
		delete(v.pipeHandles, file.Local)
		v.pipeHandlesMu.Unlock()
		if !ok {
			return vfserrors.InvalidIdentifier
		}
		if h.inode != 0 {
			if err := v.pipes.CloseNamed(h.inode, h.forWrite); err != nil {
				return err
			}
			if h.underlying != nil {
				return v.closeUnderlying(ctx, *h.underlying)
			}
			return nil
		}
		if h.forWrite {
			h.p.CloseWriter()
		} else {
			h.p.CloseReader()
		}
		return nil
	case ids.CharacterDeviceRegistry, ids.BlockDeviceRegistry:
		v.deviceHandlesMu.Lock()
		h, ok := v.deviceHandles[file.Local]
		delete(v.deviceHandles, file.Local)
		v.deviceHandlesMu.Unlock()
		if !ok {
			return vfserrors.InvalidIdentifier
		}
		if h.isBlock {
			_ = v.devices.CloseBlock(h.inode)
		} else {
			_ = v.devices.CloseChar(h.inode)
		}
		return v.closeUnderlying(ctx, h.underlying)
	case ids.NetworkSocketRegistry:
		driver, local, err := v.socketCall(file)
		if err != nil {
			return err
		}
		return driver.Close(local)
	default:
		return v.closeUnderlying(ctx, file)
	}
}

func (v *VFS) closeUnderlying(ctx context.Context, file ids.UniqueFileIdentifier) error {
	v.mu.RLock()
	entry, ok := v.mounts[file.MountIndex]
	v.mu.RUnlock()
	if !ok {
		return vfserrors.InvalidIdentifier
	}
	return entry.backend.Close(ctx, file.Local)
}

// CloseAll releases every handle (mount, device, pipe) owned by task, the
// whole-of-session cleanup performed at task exit.
func (v *VFS) CloseAll(ctx context.Context, task ids.TaskID) error {
	v.mu.RLock()
	mounts := make([]*mountEntry, 0, len(v.mounts))
	for _, m := range v.mounts {
		mounts = append(mounts, m)
	}
	v.mu.RUnlock()

	v.pipeHandlesMu.Lock()
	for local, h := range v.pipeHandles {
		if local.Task != task {
			continue
		}
		if h.inode != 0 {
			_ = v.pipes.CloseNamed(h.inode, h.forWrite)
		} else if h.forWrite {
			h.p.CloseWriter()
		} else {
			h.p.CloseReader()
		}
		delete(v.pipeHandles, local)
	}
	v.pipeHandlesMu.Unlock()

	v.deviceHandlesMu.Lock()
	for local, h := range v.deviceHandles {
		if local.Task != task {
			continue
		}
		if h.isBlock {
			_ = v.devices.CloseBlock(h.inode)
		} else {
			_ = v.devices.CloseChar(h.inode)
		}
		delete(v.deviceHandles, local)
	}
	v.deviceHandlesMu.Unlock()

	for _, m := range mounts {
		if err := m.backend.CloseAll(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// Read dispatches to the backend owning file, per its tag.
func (v *VFS) Read(ctx context.Context, file ids.UniqueFileIdentifier, p []byte, now time.Time) (ids.Size, error) {
	switch file.Tag {
	case ids.PipeRegistry:
		h, err := v.pipeHandle(file.Local)
		if err != nil {
			return 0, err
		}
		n, err := h.p.Read(p, h.blocking)
		return ids.Size(n), err
	case ids.CharacterDeviceRegistry:
		h, dev, err := v.charDevice(file.Local)
		if err != nil {
			return 0, err
		}
		_ = h
		n, err := dev.Read(p)
		return ids.Size(n), err
	case ids.BlockDeviceRegistry:
		h, dev, err := v.blockDevice(file.Local)
		if err != nil {
			return 0, err
		}
		n, err := dev.ReadAt(p, 0)
		_ = h
		return ids.Size(n), err
	case ids.NetworkSocketRegistry:
		return v.Receive(file, p)
	default:
		entry, err := v.mountEntryFor(file.MountIndex)
		if err != nil {
			return 0, err
		}
		return entry.backend.Read(ctx, file.Local, p, now)
	}
}

// Write dispatches to the backend owning file, per its tag.
func (v *VFS) Write(ctx context.Context, file ids.UniqueFileIdentifier, p []byte, now time.Time) (ids.Size, error) {
	switch file.Tag {
	case ids.PipeRegistry:
		h, err := v.pipeHandle(file.Local)
		if err != nil {
			return 0, err
		}
		n, err := h.p.Write(p, h.blocking)
		return ids.Size(n), err
	case ids.CharacterDeviceRegistry:
		_, dev, err := v.charDevice(file.Local)
		if err != nil {
			return 0, err
		}
		n, err := dev.Write(p)
		return ids.Size(n), err
	case ids.BlockDeviceRegistry:
		_, dev, err := v.blockDevice(file.Local)
		if err != nil {
			return 0, err
		}
		n, err := dev.WriteAt(p, 0)
		return ids.Size(n), err
	case ids.NetworkSocketRegistry:
		return v.Send(file, p)
	default:
		entry, err := v.mountEntryFor(file.MountIndex)
		if err != nil {
			return 0, err
		}
		return entry.backend.Write(ctx, file.Local, p, now)
	}
}

// SetPosition is only meaningful for mounted-file-system handles and
// block devices; pipes and character devices fail UnsupportedOperation.
func (v *VFS) SetPosition(ctx context.Context, file ids.UniqueFileIdentifier, pos fs.Position, offset int64) (ids.Size, error) {
	switch file.Tag {
	case ids.PipeRegistry, ids.CharacterDeviceRegistry, ids.NetworkSocketRegistry:
		return 0, vfserrors.UnsupportedOperation
	default:
		entry, err := v.mountEntryFor(file.MountIndex)
		if err != nil {
			return 0, err
		}
		return entry.backend.SetPosition(ctx, file.Local, pos, offset)
	}
}

// Flush dispatches to the owning backend; pipes have no durability
// concept and succeed as a no-op.
func (v *VFS) Flush(ctx context.Context, file ids.UniqueFileIdentifier) error {
	switch file.Tag {
	case ids.PipeRegistry:
		if _, err := v.pipeHandle(file.Local); err != nil {
			return err
		}
		return nil
	case ids.CharacterDeviceRegistry, ids.BlockDeviceRegistry:
		return nil
	case ids.NetworkSocketRegistry:
		return vfserrors.UnsupportedOperation
	default:
		entry, err := v.mountEntryFor(file.MountIndex)
		if err != nil {
			return err
		}
		return entry.backend.Flush(ctx, file.Local)
	}
}

// ReadToEnd reads file to completion, accumulating every chunk Read
// returns until a Read reports EOF (zero bytes, nil error). A thin
// convenience wrapper: it adds no invariant beyond repeated Read.
func (v *VFS) ReadToEnd(ctx context.Context, file ids.UniqueFileIdentifier, now time.Time) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := v.Read(ctx, file, buf, now)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			return out, err
		}
		if n == 0 {
			return out, nil
		}
	}
}

// ReadLine reads file one byte at a time up to and excluding the next
// newline, or until EOF. The trailing newline, if any, is consumed but
// not included in the returned line.
func (v *VFS) ReadLine(ctx context.Context, file ids.UniqueFileIdentifier, now time.Time) ([]byte, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := v.Read(ctx, file, buf, now)
		if err != nil {
			return line, err
		}
		if n == 0 || buf[0] == '\n' {
			return line, nil
		}
		line = append(line, buf[0])
	}
}

func (v *VFS) mountEntryFor(idx int) (*mountEntry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.mounts[idx]
	if !ok {
		return nil, vfserrors.InvalidIdentifier
	}
	return e, nil
}

func (v *VFS) pipeHandle(local ids.LocalFileIdentifier) (*pipeHandle, error) {
	v.pipeHandlesMu.Lock()
	defer v.pipeHandlesMu.Unlock()
	h, ok := v.pipeHandles[local]
	if !ok {
		return nil, vfserrors.InvalidIdentifier
	}
	return h, nil
}

func (v *VFS) charDevice(local ids.LocalFileIdentifier) (*deviceHandle, device.CharDevice, error) {
	v.deviceHandlesMu.Lock()
	h, ok := v.deviceHandles[local]
	v.deviceHandlesMu.Unlock()
	if !ok {
		return nil, nil, vfserrors.InvalidIdentifier
	}
	dev, err := v.devices.OpenChar(h.inode)
	if err != nil {
		return nil, nil, err
	}
	_ = v.devices.CloseChar(h.inode) // OpenChar only used here to fetch the live handle; undo the refcount bump
	return h, dev, nil
}

func (v *VFS) blockDevice(local ids.LocalFileIdentifier) (*deviceHandle, device.BlockDevice, error) {
	v.deviceHandlesMu.Lock()
	h, ok := v.deviceHandles[local]
	v.deviceHandlesMu.Unlock()
	if !ok {
		return nil, nil, vfserrors.InvalidIdentifier
	}
	dev, err := v.devices.OpenBlock(h.inode)
	if err != nil {
		return nil, nil, err
	}
	_ = v.devices.CloseBlock(h.inode)
	return h, dev, nil
}

func (v *VFS) networkDriver() (NetworkSocketDriver, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.network == nil {
		return nil, vfserrors.UnavailableDriver
	}
	return v.network, nil
}

func (v *VFS) socketCall(file ids.UniqueFileIdentifier) (NetworkSocketDriver, ids.LocalFileIdentifier, error) {
	if file.Tag != ids.NetworkSocketRegistry {
		return nil, ids.LocalFileIdentifier{}, vfserrors.UnsupportedOperation
	}
	driver, err := v.networkDriver()
	if err != nil {
		return nil, ids.LocalFileIdentifier{}, err
	}
	return driver, file.Local, nil
}

// CreateSocket asks the installed NetworkSocketDriver to open a new
// socket for task, returning a NetworkSocketRegistry-tagged identifier.
// With no driver installed (the default) this fails UnavailableDriver.
func (v *VFS) CreateSocket(task ids.TaskID, domain, socketType, protocol int) (ids.UniqueFileIdentifier, error) {
	driver, err := v.networkDriver()
	if err != nil {
		return ids.UniqueFileIdentifier{}, err
	}
	fileID, err := driver.Open(domain, socketType, protocol)
	if err != nil {
		return ids.UniqueFileIdentifier{}, err
	}
	local := ids.LocalFileIdentifier{Task: task, File: fileID}
	return ids.UniqueFileIdentifier{Tag: ids.NetworkSocketRegistry, Local: local}, nil
}

// Send, Receive, Bind, Connect, Accept and SetSocketTimeout forward to the
// installed NetworkSocketDriver for a NetworkSocketRegistry handle. Any
// other tag fails UnsupportedOperation; a nil driver fails
// UnavailableDriver.
func (v *VFS) Send(file ids.UniqueFileIdentifier, p []byte) (ids.Size, error) {
	driver, local, err := v.socketCall(file)
	if err != nil {
		return 0, err
	}
	n, err := driver.Send(local, p)
	return ids.Size(n), err
}

func (v *VFS) Receive(file ids.UniqueFileIdentifier, p []byte) (ids.Size, error) {
	driver, local, err := v.socketCall(file)
	if err != nil {
		return 0, err
	}
	n, err := driver.Receive(local, p)
	return ids.Size(n), err
}

func (v *VFS) Bind(file ids.UniqueFileIdentifier, address string) error {
	driver, local, err := v.socketCall(file)
	if err != nil {
		return err
	}
	return driver.Bind(local, address)
}

func (v *VFS) Connect(file ids.UniqueFileIdentifier, address string) error {
	driver, local, err := v.socketCall(file)
	if err != nil {
		return err
	}
	return driver.Connect(local, address)
}

func (v *VFS) Accept(file ids.UniqueFileIdentifier) (ids.UniqueFileIdentifier, error) {
	driver, local, err := v.socketCall(file)
	if err != nil {
		return ids.UniqueFileIdentifier{}, err
	}
	newID, err := driver.Accept(local)
	if err != nil {
		return ids.UniqueFileIdentifier{}, err
	}
	return ids.UniqueFileIdentifier{Tag: ids.NetworkSocketRegistry, Local: ids.LocalFileIdentifier{Task: file.Local.Task, File: newID}}, nil
}

func (v *VFS) SetSocketTimeout(file ids.UniqueFileIdentifier, read, write time.Duration) error {
	driver, local, err := v.socketCall(file)
	if err != nil {
		return err
	}
	return driver.SetTimeout(local, read, write)
}

// CreateDirectory, Remove and Rename operate on paths and therefore only
// ever touch mounted-file-system backends.

func (v *VFS) CreateDirectory(ctx context.Context, path vpath.Path, now time.Time, user ids.UserID, group ids.GroupID) error {
	v.mu.RLock()
	_, entry, rel, err := v.resolve(path)
	v.mu.RUnlock()
	if err != nil {
		return err
	}
	parent, err := parentOf(rel)
	if err != nil {
		return err
	}
	if err := v.checkAccess(entry, parent, user, group, attr.Write); err != nil {
		return err
	}
	return entry.backend.CreateDirectory(ctx, rel.String(), now, user, group)
}

// parentOf returns rel's parent directory within the same backend.
func parentOf(rel vpath.Path) (vpath.Path, error) {
	segments := rel.Segments()
	parent := vpath.Root
	var err error
	for i := 0; i < len(segments)-1; i++ {
		parent, err = parent.Join(segments[i])
		if err != nil {
			return vpath.Path{}, err
		}
	}
	return parent, nil
}

func (v *VFS) Remove(ctx context.Context, path vpath.Path) error {
	v.mu.RLock()
	_, entry, rel, err := v.resolve(path)
	v.mu.RUnlock()
	if err != nil {
		return err
	}
	return entry.backend.Remove(ctx, rel.String())
}

// Rename requires both paths to resolve to the same mount; cross-mount
// rename stays unsupported, per the Open Question decision recorded in
// DESIGN.md.
func (v *VFS) Rename(ctx context.Context, src, dst vpath.Path) error {
	v.mu.RLock()
	srcIdx, entry, srcRel, err := v.resolve(src)
	if err != nil {
		v.mu.RUnlock()
		return err
	}
	dstIdx, _, dstRel, err := v.resolve(dst)
	v.mu.RUnlock()
	if err != nil {
		return err
	}
	if srcIdx != dstIdx {
		return vfserrors.UnsupportedOperation
	}
	return entry.backend.Rename(ctx, srcRel.String(), dstRel.String())
}

func (v *VFS) OpenDirectory(ctx context.Context, task ids.TaskID, path vpath.Path) (ids.UniqueFileIdentifier, error) {
	v.mu.RLock()
	idx, entry, rel, err := v.resolve(path)
	v.mu.RUnlock()
	if err != nil {
		return ids.UniqueFileIdentifier{}, err
	}
	fileID, err := entry.backend.OpenDirectory(ctx, task, rel.String())
	if err != nil {
		return ids.UniqueFileIdentifier{}, err
	}
	return ids.UniqueFileIdentifier{Tag: ids.MountedFileSystem, MountIndex: idx, Local: ids.LocalFileIdentifier{Task: task, File: fileID}}, nil
}

func (v *VFS) ReadDirectory(ctx context.Context, file ids.UniqueFileIdentifier) (*fs.Entry, error) {
	if file.Tag != ids.MountedFileSystem {
		return nil, vfserrors.UnsupportedOperation
	}
	entry, err := v.mountEntryFor(file.MountIndex)
	if err != nil {
		return nil, err
	}
	return entry.backend.ReadDirectory(ctx, file.Local)
}

func (v *VFS) GetPositionDirectory(file ids.UniqueFileIdentifier) (ids.Size, error) {
	if file.Tag != ids.MountedFileSystem {
		return 0, vfserrors.UnsupportedOperation
	}
	entry, err := v.mountEntryFor(file.MountIndex)
	if err != nil {
		return 0, err
	}
	return entry.backend.GetPositionDirectory(file.Local)
}

func (v *VFS) SetPositionDirectory(file ids.UniqueFileIdentifier, pos ids.Size) error {
	if file.Tag != ids.MountedFileSystem {
		return vfserrors.UnsupportedOperation
	}
	entry, err := v.mountEntryFor(file.MountIndex)
	if err != nil {
		return err
	}
	return entry.backend.SetPositionDirectory(file.Local, pos)
}

func (v *VFS) RewindDirectory(file ids.UniqueFileIdentifier) error {
	if file.Tag != ids.MountedFileSystem {
		return vfserrors.UnsupportedOperation
	}
	entry, err := v.mountEntryFor(file.MountIndex)
	if err != nil {
		return err
	}
	return entry.backend.RewindDirectory(file.Local)
}

// GetMetadata reads a mounted-file-system handle's attributes directly;
// device and pipe handles report synthesized metadata since neither
// registry tracks a full attribute record per handle.
func (v *VFS) GetMetadata(file ids.UniqueFileIdentifier, mask attr.Mask) (attr.Attributes, error) {
	switch file.Tag {
	case ids.PipeRegistry:
		if _, err := v.pipeHandle(file.Local); err != nil {
			return attr.Attributes{}, err
		}
		return attr.Attributes{Mask: mask & attr.MaskKind, Kind: attr.KindPipe}, nil
	case ids.CharacterDeviceRegistry:
		return attr.Attributes{Mask: mask & attr.MaskKind, Kind: attr.KindCharacterDevice}, nil
	case ids.BlockDeviceRegistry:
		return attr.Attributes{Mask: mask & attr.MaskKind, Kind: attr.KindBlockDevice}, nil
	case ids.NetworkSocketRegistry:
		if _, _, err := v.socketCall(file); err != nil {
			return attr.Attributes{}, err
		}
		return attr.Attributes{Mask: mask & attr.MaskKind, Kind: attr.KindSocket}, nil
	default:
		entry, err := v.mountEntryFor(file.MountIndex)
		if err != nil {
			return attr.Attributes{}, err
		}
		return entry.backend.GetMetadata(file.Local, mask)
	}
}

func (v *VFS) GetMetadataFromPath(path vpath.Path, mask attr.Mask) (attr.Attributes, error) {
	v.mu.RLock()
	_, entry, rel, err := v.resolve(path)
	v.mu.RUnlock()
	if err != nil {
		return attr.Attributes{}, err
	}
	return entry.backend.GetMetadataFromPath(rel.String(), mask)
}

func (v *VFS) SetMetadataFromPath(path vpath.Path, patch attr.Attributes) error {
	v.mu.RLock()
	_, entry, rel, err := v.resolve(path)
	v.mu.RUnlock()
	if err != nil {
		return err
	}
	return entry.backend.SetMetadataFromPath(rel.String(), patch)
}

func (v *VFS) GetMode(file ids.UniqueFileIdentifier) (fs.OpenFlags, error) {
	if file.Tag != ids.MountedFileSystem {
		return 0, vfserrors.UnsupportedOperation
	}
	entry, err := v.mountEntryFor(file.MountIndex)
	if err != nil {
		return 0, err
	}
	return entry.backend.GetMode(file.Local)
}

func (v *VFS) GetStatistics(file ids.UniqueFileIdentifier) (fs.Statistics, error) {
	if file.Tag != ids.MountedFileSystem {
		return fs.Statistics{}, vfserrors.UnsupportedOperation
	}
	entry, err := v.mountEntryFor(file.MountIndex)
	if err != nil {
		return fs.Statistics{}, err
	}
	return entry.backend.GetStatistics(file.Local)
}

// Duplicate hands back a second UniqueFileIdentifier sharing the same
// underlying open-file object. Pipe and device handles duplicate by
// allocating a fresh registry entry that points at the same pipe or
// refcounted device slot; a mounted-file-system handle duplicates via
// its backend.
func (v *VFS) Duplicate(ctx context.Context, file ids.UniqueFileIdentifier) (ids.UniqueFileIdentifier, error) {
	switch file.Tag {
	case ids.PipeRegistry:
		v.pipeHandlesMu.Lock()
		h, ok := v.pipeHandles[file.Local]
		v.pipeHandlesMu.Unlock()
		if !ok {
			return ids.UniqueFileIdentifier{}, vfserrors.InvalidIdentifier
		}
		var dupUnderlying *ids.UniqueFileIdentifier
		if h.inode != 0 {
			if _, err := v.pipes.OpenNamed(h.inode, h.forWrite); err != nil {
				return ids.UniqueFileIdentifier{}, err
			}
			if h.underlying != nil {
				u, err := v.Duplicate(ctx, *h.underlying)
				if err != nil {
					return ids.UniqueFileIdentifier{}, err
				}
				dupUnderlying = &u
			}
		} else if h.forWrite {
			h.p.OpenWriter()
		} else {
			h.p.OpenReader()
		}
		id := v.allocRegistryID(file.Local.Task)
		local := ids.LocalFileIdentifier{Task: file.Local.Task, File: id}
		v.pipeHandlesMu.Lock()
		v.pipeHandles[local] = &pipeHandle{inode: h.inode, p: h.p, forWrite: h.forWrite, blocking: h.blocking, underlying: dupUnderlying}
		v.pipeHandlesMu.Unlock()
		return ids.UniqueFileIdentifier{Tag: ids.PipeRegistry, Local: local}, nil
	case ids.CharacterDeviceRegistry, ids.BlockDeviceRegistry:
		v.deviceHandlesMu.Lock()
		h, ok := v.deviceHandles[file.Local]
		v.deviceHandlesMu.Unlock()
		if !ok {
			return ids.UniqueFileIdentifier{}, vfserrors.InvalidIdentifier
		}
		var err error
		if h.isBlock {
			_, err = v.devices.OpenBlock(h.inode)
		} else {
			_, err = v.devices.OpenChar(h.inode)
		}
		if err != nil {
			return ids.UniqueFileIdentifier{}, err
		}
		id := v.allocRegistryID(file.Local.Task)
		local := ids.LocalFileIdentifier{Task: file.Local.Task, File: id}
		v.deviceHandlesMu.Lock()
		v.deviceHandles[local] = &deviceHandle{inode: h.inode, isBlock: h.isBlock, underlying: h.underlying}
		v.deviceHandlesMu.Unlock()
		return ids.UniqueFileIdentifier{Tag: file.Tag, Local: local}, nil
	case ids.MountedFileSystem:
		entry, err := v.mountEntryFor(file.MountIndex)
		if err != nil {
			return ids.UniqueFileIdentifier{}, err
		}
		newID, err := entry.backend.Duplicate(ctx, file.Local)
		if err != nil {
			return ids.UniqueFileIdentifier{}, err
		}
		return ids.UniqueFileIdentifier{Tag: ids.MountedFileSystem, MountIndex: file.MountIndex, Local: ids.LocalFileIdentifier{Task: file.Local.Task, File: newID}}, nil
	default:
		return ids.UniqueFileIdentifier{}, vfserrors.UnsupportedOperation
	}
}

// Transfer moves a handle to newTask. Pipe and device handles move by
// re-keying their registry entry under the new task; a
// mounted-file-system handle delegates to its backend (used when a task
// hands a standard stream to a child it spawns).
func (v *VFS) Transfer(ctx context.Context, newTask ids.TaskID, file ids.UniqueFileIdentifier, desired *ids.FileIdentifier) (ids.UniqueFileIdentifier, error) {
	switch file.Tag {
	case ids.PipeRegistry:
		v.pipeHandlesMu.Lock()
		h, ok := v.pipeHandles[file.Local]
		if ok {
			delete(v.pipeHandles, file.Local)
		}
		v.pipeHandlesMu.Unlock()
		if !ok {
			return ids.UniqueFileIdentifier{}, vfserrors.InvalidIdentifier
		}
		var id ids.FileIdentifier
		if desired != nil {
			id = *desired
		} else {
			id = v.allocRegistryID(newTask)
		}
		local := ids.LocalFileIdentifier{Task: newTask, File: id}
		if h.underlying != nil {
			u, err := v.Transfer(ctx, newTask, *h.underlying, nil)
			if err != nil {
				return ids.UniqueFileIdentifier{}, err
			}
			h.underlying = &u
		}
		v.pipeHandlesMu.Lock()
		if _, taken := v.pipeHandles[local]; taken {
			v.pipeHandlesMu.Unlock()
			return ids.UniqueFileIdentifier{}, vfserrors.TooManyOpenFiles
		}
		v.pipeHandles[local] = h
		v.pipeHandlesMu.Unlock()
		return ids.UniqueFileIdentifier{Tag: ids.PipeRegistry, Local: local}, nil
	case ids.CharacterDeviceRegistry, ids.BlockDeviceRegistry:
		v.deviceHandlesMu.Lock()
		h, ok := v.deviceHandles[file.Local]
		if ok {
			delete(v.deviceHandles, file.Local)
		}
		v.deviceHandlesMu.Unlock()
		if !ok {
			return ids.UniqueFileIdentifier{}, vfserrors.InvalidIdentifier
		}
		var id ids.FileIdentifier
		if desired != nil {
			id = *desired
		} else {
			id = v.allocRegistryID(newTask)
		}
		local := ids.LocalFileIdentifier{Task: newTask, File: id}
		v.deviceHandlesMu.Lock()
		if _, taken := v.deviceHandles[local]; taken {
			v.deviceHandlesMu.Unlock()
			return ids.UniqueFileIdentifier{}, vfserrors.TooManyOpenFiles
		}
		v.deviceHandles[local] = h
		v.deviceHandlesMu.Unlock()
		return ids.UniqueFileIdentifier{Tag: file.Tag, Local: local}, nil
	case ids.MountedFileSystem:
		entry, err := v.mountEntryFor(file.MountIndex)
		if err != nil {
			return ids.UniqueFileIdentifier{}, err
		}
		newID, err := entry.backend.Transfer(ctx, newTask, file.Local, desired)
		if err != nil {
			return ids.UniqueFileIdentifier{}, err
		}
		return ids.UniqueFileIdentifier{Tag: ids.MountedFileSystem, MountIndex: file.MountIndex, Local: ids.LocalFileIdentifier{Task: newTask, File: newID}}, nil
	default:
		return ids.UniqueFileIdentifier{}, vfserrors.UnsupportedOperation
	}
}

// MountCount reports how many file systems are currently mounted,
// primarily useful for tests asserting on Mount/Unmount bookkeeping.
func (v *VFS) MountCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.mounts)
}

// String renders the mount table for diagnostics, in mount-index order.
func (v *VFS) String() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := ""
	for i := 0; i < v.nextID; i++ {
		m, ok := v.mounts[i]
		if !ok {
			continue
		}
		s += fmt.Sprintf("[%d] %s (%s)\n", i, m.path.String(), m.id)
	}
	return s
}
