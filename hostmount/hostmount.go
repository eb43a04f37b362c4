// Package hostmount bridges a *vfs.VFS tree onto a real host mount point
// via FUSE, translating fuseops requests into calls against the VFS
// multiplexer. Every request is served statelessly against the VFS: the
// kernel is told (via MountConfig.EnableNoOpenSupport/
// EnableNoOpendirSupport) never to send OpenFile/OpenDir at all, so each
// ReadFile/WriteFile/ReadDir call opens its own short-lived VFS handle and
// closes it before returning.
package hostmount

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/xila-project/vfs-core/attr"
	"github.com/xila-project/vfs-core/fs"
	"github.com/xila-project/vfs-core/ids"
	"github.com/xila-project/vfs-core/vfs"
	"github.com/xila-project/vfs-core/vfserrors"
	"github.com/xila-project/vfs-core/vpath"
)

const rootInode fuseops.InodeID = 1

// inodeTable assigns a stable fuseops.InodeID to every vpath.Path this
// bridge has seen, so LookUpInode/ReadDir can hand the kernel identifiers
// it is allowed to cache indefinitely.
type inodeTable struct {
	mu      sync.Mutex
	byPath  map[string]fuseops.InodeID
	byInode map[fuseops.InodeID]string
	next    fuseops.InodeID
}

func newInodeTable() *inodeTable {
	t := &inodeTable{
		byPath:  map[string]fuseops.InodeID{"/": rootInode},
		byInode: map[fuseops.InodeID]string{rootInode: "/"},
		next:    rootInode + 1,
	}
	return t
}

func (t *inodeTable) idFor(path string) fuseops.InodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byPath[path]; ok {
		return id
	}
	id := t.next
	t.next++
	t.byPath[path] = id
	t.byInode[id] = path
	return id
}

func (t *inodeTable) pathFor(id fuseops.InodeID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byInode[id]
	return p, ok
}

// never is used as a cache-forever expiration timestamp for attributes and
// directory entries, matching the FUSE convention of "far future" rather
// than a dedicated infinite-cache sentinel.
var never = time.Now().Add(365 * 24 * time.Hour)

// FS implements fuseutil.FileSystem on top of a *vfs.VFS tree. All
// operations run under a single fixed task/user/group identity: the
// bridge exposes one VFS tree to the host, it does not multiplex callers.
type FS struct {
	fuseutil.NotImplementedFileSystem

	v     *vfs.VFS
	task  ids.TaskID
	user  ids.UserID
	group ids.GroupID

	inodes *inodeTable
}

// NewFS constructs a FUSE-facing view of v, issuing every VFS call as
// (task, user, group).
func NewFS(v *vfs.VFS, task ids.TaskID, user ids.UserID, group ids.GroupID) *FS {
	return &FS{v: v, task: task, user: user, group: group, inodes: newInodeTable()}
}

// Mount exposes v as a real FUSE mount at mountpoint. The returned join
// function blocks until the file system is unmounted (e.g. via
// fusermount -u, or the returned unmount func); it does not unmount
// anything itself.
func Mount(ctx context.Context, v *vfs.VFS, mountpoint string, task ids.TaskID, user ids.UserID, group ids.GroupID) (join func(context.Context) error, unmount func() error, err error) {
	server := fuseutil.NewFileSystemServer(NewFS(v, task, user, group))

	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "vfs-core",
		ReadOnly: false,
		Options: map[string]string{
			"allow_other": "",
		},
		EnableSymlinkCaching:   true,
		EnableNoOpenSupport:    true,
		EnableNoOpendirSupport: true,
	})
	if err != nil {
		return nil, nil, err
	}
	return func(ctx context.Context) error {
			return mfs.Join(ctx)
		}, func() error {
			return fuse.Unmount(mountpoint)
		}, nil
}

func errnoFor(err error) error {
	if err == nil {
		return nil
	}
	switch vfserrors.KindOf(err) {
	case vfserrors.KindNotFound:
		return fuse.ENOENT
	case vfserrors.KindAlreadyExists:
		return fuse.EEXIST
	case vfserrors.KindPermissionDenied:
		return fuse.EPERM
	case vfserrors.KindNotADirectory:
		return fuse.ENOTDIR
	case vfserrors.KindDirectoryNotEmpty:
		return fuse.ENOTEMPTY
	case vfserrors.KindInvalidParameter, vfserrors.KindInvalidPath, vfserrors.KindInvalidIdentifier, vfserrors.KindInvalidInode:
		return fuse.EINVAL
	case vfserrors.KindUnsupportedOperation:
		return fuse.ENOSYS
	default:
		return fuse.EIO
	}
}

func modeFor(a attr.Attributes) os.FileMode {
	var m os.FileMode
	switch a.Kind {
	case attr.KindDirectory:
		m |= os.ModeDir
	case attr.KindCharacterDevice:
		m |= os.ModeCharDevice | os.ModeDevice
	case attr.KindBlockDevice:
		m |= os.ModeDevice
	case attr.KindPipe:
		m |= os.ModeNamedPipe
	case attr.KindSocket:
		m |= os.ModeSocket
	}
	perm := a.Permissions
	var bits os.FileMode
	if perm.Owner(attr.Read) {
		bits |= 0400
	}
	if perm.Owner(attr.Write) {
		bits |= 0200
	}
	if perm.Owner(attr.Execute) {
		bits |= 0100
	}
	if perm.Group(attr.Read) {
		bits |= 0040
	}
	if perm.Group(attr.Write) {
		bits |= 0020
	}
	if perm.Group(attr.Execute) {
		bits |= 0010
	}
	if perm.Other(attr.Read) {
		bits |= 0004
	}
	if perm.Other(attr.Write) {
		bits |= 0002
	}
	if perm.Other(attr.Execute) {
		bits |= 0001
	}
	return m | bits
}

func attributesFor(a attr.Attributes) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  a.Size,
		Nlink: 1,
		Mode:  modeFor(a),
		Atime: a.AccessTime,
		Mtime: a.ModifyTime,
		Ctime: a.StatusChangeTime,
		Uid:   uint32(a.Owner),
		Gid:   uint32(a.Group),
	}
}

func (f *FS) childPath(parent fuseops.InodeID, name string) (string, bool) {
	parentPath, ok := f.inodes.pathFor(parent)
	if !ok {
		return "", false
	}
	if parentPath == "/" {
		return "/" + name, true
	}
	return parentPath + "/" + name, true
}

func (f *FS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.IoSize = 65536
	return nil
}

func (f *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	childStr, ok := f.childPath(op.Parent, op.Name)
	if !ok {
		return fuse.ENOENT
	}
	p, err := vpath.New(childStr)
	if err != nil {
		return fuse.EINVAL
	}
	a, err := f.v.GetMetadataFromPath(p, attr.MaskKind|attr.MaskPermissions|attr.MaskOwner|attr.MaskGroup|attr.MaskSize|attr.MaskAccessTime|attr.MaskModifyTime|attr.MaskStatusChangeTime)
	if err != nil {
		return errnoFor(err)
	}
	id := f.inodes.idFor(childStr)
	op.Entry.Child = id
	op.Entry.Attributes = attributesFor(a)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (f *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	pathStr, ok := f.inodes.pathFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	p, err := vpath.New(pathStr)
	if err != nil {
		return fuse.EINVAL
	}
	a, err := f.v.GetMetadataFromPath(p, attr.MaskKind|attr.MaskPermissions|attr.MaskOwner|attr.MaskGroup|attr.MaskSize|attr.MaskAccessTime|attr.MaskModifyTime|attr.MaskStatusChangeTime)
	if err != nil {
		return errnoFor(err)
	}
	op.Attributes = attributesFor(a)
	op.AttributesExpiration = never
	return nil
}

func (f *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	return fuse.ENOSYS
}

func (f *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	pathStr, ok := f.inodes.pathFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	p, err := vpath.New(pathStr)
	if err != nil {
		return fuse.EINVAL
	}
	dirHandle, err := f.v.OpenDirectory(ctx, f.task, p)
	if err != nil {
		return errnoFor(err)
	}
	defer f.v.Close(ctx, dirHandle)

	var entries []fuseutil.Dirent
	for {
		e, err := f.v.ReadDirectory(ctx, dirHandle)
		if err != nil {
			return errnoFor(err)
		}
		if e == nil {
			break
		}
		if e.Name == "." || e.Name == ".." {
			continue
		}
		childStr := pathStr + "/" + e.Name
		if pathStr == "/" {
			childStr = "/" + e.Name
		}
		typ := fuseutil.DT_File
		if e.Kind == attr.KindDirectory {
			typ = fuseutil.DT_Directory
		}
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(entries) + 1),
			Inode:  f.inodes.idFor(childStr),
			Name:   e.Name,
			Type:   typ,
		})
	}

	if op.Offset > fuseops.DirOffset(len(entries)) {
		return fuse.EIO
	}
	for _, e := range entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (f *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	return fuse.ENOSYS
}

func (f *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	pathStr, ok := f.inodes.pathFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	p, err := vpath.New(pathStr)
	if err != nil {
		return fuse.EINVAL
	}
	now := time.Now()
	handle, err := f.v.Open(ctx, f.task, p, fs.OpenRead, now, f.user, f.group)
	if err != nil {
		return errnoFor(err)
	}
	defer f.v.Close(ctx, handle)

	if _, err := f.v.SetPosition(ctx, handle, fs.PositionStart, op.Offset); err != nil {
		return errnoFor(err)
	}
	n, err := f.v.Read(ctx, handle, op.Dst, now)
	if err != nil {
		return errnoFor(err)
	}
	op.BytesRead = int(n)
	return nil
}

func (f *FS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	pathStr, ok := f.inodes.pathFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	p, err := vpath.New(pathStr)
	if err != nil {
		return fuse.EINVAL
	}
	now := time.Now()
	handle, err := f.v.Open(ctx, f.task, p, fs.OpenWrite, now, f.user, f.group)
	if err != nil {
		return errnoFor(err)
	}
	defer f.v.Close(ctx, handle)

	if _, err := f.v.SetPosition(ctx, handle, fs.PositionStart, op.Offset); err != nil {
		return errnoFor(err)
	}
	if _, err := f.v.Write(ctx, handle, op.Data, now); err != nil {
		return errnoFor(err)
	}
	return nil
}

func (f *FS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	childStr, ok := f.childPath(op.Parent, op.Name)
	if !ok {
		return fuse.ENOENT
	}
	p, err := vpath.New(childStr)
	if err != nil {
		return fuse.EINVAL
	}
	now := time.Now()
	if err := f.v.CreateDirectory(ctx, p, now, f.user, f.group); err != nil {
		return errnoFor(err)
	}
	a, err := f.v.GetMetadataFromPath(p, attr.MaskKind|attr.MaskPermissions|attr.MaskOwner|attr.MaskGroup|attr.MaskSize|attr.MaskAccessTime|attr.MaskModifyTime|attr.MaskStatusChangeTime)
	if err != nil {
		return errnoFor(err)
	}
	op.Entry.Child = f.inodes.idFor(childStr)
	op.Entry.Attributes = attributesFor(a)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (f *FS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	childStr, ok := f.childPath(op.Parent, op.Name)
	if !ok {
		return fuse.ENOENT
	}
	p, err := vpath.New(childStr)
	if err != nil {
		return fuse.EINVAL
	}
	now := time.Now()
	handle, err := f.v.Open(ctx, f.task, p, fs.OpenRead|fs.OpenWrite|fs.OpenCreate, now, f.user, f.group)
	if err != nil {
		return errnoFor(err)
	}
	defer f.v.Close(ctx, handle)

	a, err := f.v.GetMetadataFromPath(p, attr.MaskKind|attr.MaskPermissions|attr.MaskOwner|attr.MaskGroup|attr.MaskSize|attr.MaskAccessTime|attr.MaskModifyTime|attr.MaskStatusChangeTime)
	if err != nil {
		return errnoFor(err)
	}
	op.Entry.Child = f.inodes.idFor(childStr)
	op.Entry.Attributes = attributesFor(a)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (f *FS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	childStr, ok := f.childPath(op.Parent, op.Name)
	if !ok {
		return fuse.ENOENT
	}
	p, err := vpath.New(childStr)
	if err != nil {
		return fuse.EINVAL
	}
	return errnoFor(f.v.Remove(ctx, p))
}

func (f *FS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	childStr, ok := f.childPath(op.Parent, op.Name)
	if !ok {
		return fuse.ENOENT
	}
	p, err := vpath.New(childStr)
	if err != nil {
		return fuse.EINVAL
	}
	return errnoFor(f.v.Remove(ctx, p))
}

func (f *FS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldStr, ok := f.childPath(op.OldParent, op.OldName)
	if !ok {
		return fuse.ENOENT
	}
	newStr, ok := f.childPath(op.NewParent, op.NewName)
	if !ok {
		return fuse.ENOENT
	}
	oldPath, err := vpath.New(oldStr)
	if err != nil {
		return fuse.EINVAL
	}
	newPath, err := vpath.New(newStr)
	if err != nil {
		return fuse.EINVAL
	}
	return errnoFor(f.v.Rename(ctx, oldPath, newPath))
}

func (f *FS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return nil
}

func (f *FS) Destroy() {}
