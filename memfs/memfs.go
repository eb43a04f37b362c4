// Package memfs is an in-memory fs.Backend implementation: the
// repository's one concrete file system, so the VFS multiplexer this
// repository builds is runnable and testable end-to-end. Its
// directory-entry order is insertion order, a backend-defined choice
// recorded in DESIGN.md.
package memfs

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/xila-project/vfs-core/attr"
	"github.com/xila-project/vfs-core/fs"
	"github.com/xila-project/vfs-core/ids"
	"github.com/xila-project/vfs-core/vfserrors"
)

type node struct {
	kind  attr.Kind
	perm  attr.Permissions
	owner ids.UserID
	group ids.GroupID
	inode ids.Inode

	data []byte

	// childOrder preserves insertion order; children holds the same names
	// as map keys for O(1) lookup.
	children   map[string]*node
	childOrder []string

	accessTime   time.Time
	modifyTime   time.Time
	creationTime time.Time
	statusTime   time.Time
}

func (n *node) size() uint64 {
	if n.kind == attr.KindDirectory {
		return uint64(len(n.childOrder))
	}
	return uint64(len(n.data))
}

func (n *node) attributes(mask attr.Mask) attr.Attributes {
	full := attr.Attributes{
		Mask: attr.MaskAll, Kind: n.kind, Permissions: n.perm, Owner: n.owner,
		Group: n.group, Inode: n.inode, LinkCount: 1, Size: n.size(),
		AccessTime: n.accessTime, ModifyTime: n.modifyTime,
		CreationTime: n.creationTime, StatusChangeTime: n.statusTime,
	}
	return full.Select(mask)
}

type openFile struct {
	node     *node
	position int64
	flags    fs.OpenFlags

	// directory iteration state
	dirCursor ids.Size // 0 = ".", 1 = "..", 2+ = childOrder[cursor-2]
}

// FS is an in-memory file-system backend.
type FS struct {
	mu    sync.RWMutex
	root  *node
	inode ids.Inode

	handles  map[ids.LocalFileIdentifier]*openFile
	nextFile map[ids.TaskID]ids.FileIdentifier

	label string
}

// New constructs an empty memfs rooted at "/", owned by root:root with
// conventional rwxr-xr-x permissions.
func New() *FS {
	now := time.Now()
	f := &FS{
		handles:  make(map[ids.LocalFileIdentifier]*openFile),
		nextFile: make(map[ids.TaskID]ids.FileIdentifier),
	}
	f.inode = 1
	f.root = &node{
		kind:       attr.KindDirectory,
		perm:       defaultDirPermissions,
		children:   make(map[string]*node),
		inode:      f.inode,
		accessTime: now, modifyTime: now, creationTime: now, statusTime: now,
	}
	return f
}

// defaultDirPermissions and defaultFilePermissions are the conventional
// rwxr-xr-x / rw-r--r-- triples new nodes are created with.
const (
	defaultDirPermissions  = attr.Permissions(attr.OwnerRead | attr.OwnerWrite | attr.OwnerExecute | attr.GroupRead | attr.GroupExecute | attr.OtherRead | attr.OtherExecute)
	defaultFilePermissions = attr.Permissions(attr.OwnerRead | attr.OwnerWrite | attr.GroupRead | attr.OtherRead)
)

func splitPath(p string) []string {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(clean, "/"), "/")
}

// resolve walks from root to the node named by p, returning the node, its
// parent, and the final path component (empty for root).
func (f *FS) resolve(p string) (n, parent *node, name string, err error) {
	segs := splitPath(p)
	cur := f.root
	var prev *node
	var last string
	for i, seg := range segs {
		if cur.kind != attr.KindDirectory {
			return nil, nil, "", vfserrors.NotADirectory
		}
		next, ok := cur.children[seg]
		if !ok {
			if i < len(segs)-1 {
				return nil, nil, "", vfserrors.NotFound
			}
			return nil, cur, seg, vfserrors.NotFound
		}
		prev = cur
		cur = next
		last = seg
	}
	return cur, prev, last, nil
}

func (f *FS) allocFileID(task ids.TaskID) ids.FileIdentifier {
	id := f.nextFile[task]
	if id < ids.MinFileIdentifier {
		id = ids.MinFileIdentifier
	}
	f.nextFile[task] = id + 1
	return id
}

// Open implements fs.Backend.
func (f *FS) Open(ctx context.Context, task ids.TaskID, p string, flags fs.OpenFlags, now time.Time, user ids.UserID, group ids.GroupID) (ids.FileIdentifier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, parent, name, err := f.resolve(p)
	switch {
	case err == vfserrors.NotFound:
		if flags&(fs.OpenCreate|fs.OpenCreateOnly) == 0 {
			return 0, vfserrors.NotFound
		}
		if parent == nil {
			return 0, vfserrors.NotFound
		}
		f.inode++
		created := &node{
			kind: attr.KindFile, perm: defaultFilePermissions, owner: user, group: group,
			inode: f.inode, accessTime: now, modifyTime: now, creationTime: now, statusTime: now,
		}
		parent.children[name] = created
		parent.childOrder = append(parent.childOrder, name)
		n = created
	case err != nil:
		return 0, err
	default:
		if flags&fs.OpenCreateOnly != 0 {
			return 0, vfserrors.AlreadyExists
		}
		if flags&fs.OpenTruncate != 0 && n.kind == attr.KindFile {
			n.data = nil
		}
	}

	id := f.allocFileID(task)
	local := ids.LocalFileIdentifier{Task: task, File: id}
	f.handles[local] = &openFile{node: n, flags: flags}
	return id, nil
}

// Close implements fs.Backend.
func (f *FS) Close(ctx context.Context, local ids.LocalFileIdentifier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[local]; !ok {
		return vfserrors.InvalidIdentifier
	}
	delete(f.handles, local)
	return nil
}

// CloseAll implements fs.Backend.
func (f *FS) CloseAll(ctx context.Context, task ids.TaskID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for local := range f.handles {
		if local.Task == task {
			delete(f.handles, local)
		}
	}
	return nil
}

// Duplicate implements fs.Backend: same underlying node and position
// (POSIX dup semantics — memfs shares position across the duplicate).
func (f *FS) Duplicate(ctx context.Context, local ids.LocalFileIdentifier) (ids.FileIdentifier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	of, ok := f.handles[local]
	if !ok {
		return 0, vfserrors.InvalidIdentifier
	}
	id := f.allocFileID(local.Task)
	newLocal := ids.LocalFileIdentifier{Task: local.Task, File: id}
	f.handles[newLocal] = of // shared *openFile: position tracking is shared
	return id, nil
}

// Transfer implements fs.Backend.
func (f *FS) Transfer(ctx context.Context, newTask ids.TaskID, local ids.LocalFileIdentifier, desired *ids.FileIdentifier) (ids.FileIdentifier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	of, ok := f.handles[local]
	if !ok {
		return 0, vfserrors.InvalidIdentifier
	}
	var id ids.FileIdentifier
	if desired != nil {
		newLocal := ids.LocalFileIdentifier{Task: newTask, File: *desired}
		if _, taken := f.handles[newLocal]; taken {
			return 0, vfserrors.TooManyOpenFiles
		}
		id = *desired
	} else {
		id = f.allocFileID(newTask)
	}
	delete(f.handles, local)
	f.handles[ids.LocalFileIdentifier{Task: newTask, File: id}] = of
	return id, nil
}

// Read implements fs.Backend.
func (f *FS) Read(ctx context.Context, local ids.LocalFileIdentifier, p []byte, now time.Time) (ids.Size, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	of, ok := f.handles[local]
	if !ok {
		return 0, vfserrors.InvalidIdentifier
	}
	if of.node.kind != attr.KindFile {
		return 0, vfserrors.NotADirectory
	}
	if of.position >= int64(len(of.node.data)) {
		of.node.accessTime = now
		return 0, nil
	}
	n := copy(p, of.node.data[of.position:])
	of.position += int64(n)
	of.node.accessTime = now
	return ids.Size(n), nil
}

// Write implements fs.Backend.
func (f *FS) Write(ctx context.Context, local ids.LocalFileIdentifier, p []byte, now time.Time) (ids.Size, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	of, ok := f.handles[local]
	if !ok {
		return 0, vfserrors.InvalidIdentifier
	}
	if of.node.kind != attr.KindFile {
		return 0, vfserrors.NotADirectory
	}
	if of.flags&fs.OpenAppend != 0 {
		of.position = int64(len(of.node.data))
	}
	end := of.position + int64(len(p))
	if end > int64(len(of.node.data)) {
		grown := make([]byte, end)
		copy(grown, of.node.data)
		of.node.data = grown
	}
	copy(of.node.data[of.position:end], p)
	of.position = end
	of.node.modifyTime = now
	of.node.statusTime = now
	return ids.Size(len(p)), nil
}

// SetPosition implements fs.Backend.
func (f *FS) SetPosition(ctx context.Context, local ids.LocalFileIdentifier, pos fs.Position, offset int64) (ids.Size, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	of, ok := f.handles[local]
	if !ok {
		return 0, vfserrors.InvalidIdentifier
	}
	var base int64
	switch pos {
	case fs.PositionStart:
		base = 0
	case fs.PositionCurrent:
		base = of.position
	case fs.PositionEnd:
		base = int64(len(of.node.data))
	}
	newPos := base + offset
	if newPos < 0 {
		newPos = 0
	}
	of.position = newPos
	return ids.Size(newPos), nil
}

// Flush implements fs.Backend; memfs has no durability state, so this is a
// no-op success.
func (f *FS) Flush(ctx context.Context, local ids.LocalFileIdentifier) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, ok := f.handles[local]; !ok {
		return vfserrors.InvalidIdentifier
	}
	return nil
}

// CreateDirectory implements fs.Backend.
func (f *FS) CreateDirectory(ctx context.Context, p string, now time.Time, user ids.UserID, group ids.GroupID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, parent, name, err := f.resolve(p)
	if err == nil {
		return vfserrors.AlreadyExists
	}
	if err != vfserrors.NotFound || parent == nil {
		return err
	}
	f.inode++
	parent.children[name] = &node{
		kind: attr.KindDirectory, perm: defaultDirPermissions, owner: user, group: group,
		inode: f.inode, children: make(map[string]*node),
		accessTime: now, modifyTime: now, creationTime: now, statusTime: now,
	}
	parent.childOrder = append(parent.childOrder, name)
	return nil
}

// Remove implements fs.Backend.
func (f *FS) Remove(ctx context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, parent, name, err := f.resolve(p)
	if err != nil {
		return err
	}
	if n.kind == attr.KindDirectory && len(n.childOrder) > 0 {
		return vfserrors.DirectoryNotEmpty
	}
	if parent == nil {
		return vfserrors.UnsupportedOperation // cannot remove root
	}
	delete(parent.children, name)
	parent.childOrder = removeName(parent.childOrder, name)
	return nil
}

func removeName(order []string, name string) []string {
	for i, n := range order {
		if n == name {
			return append(order[:i:i], order[i+1:]...)
		}
	}
	return order
}

// Rename implements fs.Backend. Directory entry order after rename is
// backend-defined: memfs appends the moved name at the end of the
// destination directory's insertion order.
func (f *FS) Rename(ctx context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, srcParent, srcName, err := f.resolve(src)
	if err != nil {
		return err
	}
	if _, _, _, derr := f.resolve(dst); derr == nil {
		return vfserrors.AlreadyExists
	}
	_, dstParent, dstName, derr := f.resolve(dst)
	if derr != vfserrors.NotFound || dstParent == nil {
		return vfserrors.NotFound
	}
	delete(srcParent.children, srcName)
	srcParent.childOrder = removeName(srcParent.childOrder, srcName)
	dstParent.children[dstName] = n
	dstParent.childOrder = append(dstParent.childOrder, dstName)
	return nil
}

// OpenDirectory implements fs.Backend.
func (f *FS) OpenDirectory(ctx context.Context, task ids.TaskID, p string) (ids.FileIdentifier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _, _, err := f.resolve(p)
	if err != nil {
		return 0, err
	}
	if n.kind != attr.KindDirectory {
		return 0, vfserrors.NotADirectory
	}
	id := f.allocFileID(task)
	local := ids.LocalFileIdentifier{Task: task, File: id}
	f.handles[local] = &openFile{node: n, flags: fs.OpenDirectory}
	return id, nil
}

// ReadDirectory implements fs.Backend: "." and ".." come first, then
// entries in insertion order; nil signals end of iteration.
func (f *FS) ReadDirectory(ctx context.Context, local ids.LocalFileIdentifier) (*fs.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	of, ok := f.handles[local]
	if !ok {
		return nil, vfserrors.InvalidIdentifier
	}
	if of.node.kind != attr.KindDirectory {
		return nil, vfserrors.NotADirectory
	}
	switch {
	case of.dirCursor == 0:
		of.dirCursor++
		return &fs.Entry{Name: ".", Kind: attr.KindDirectory, Inode: of.node.inode}, nil
	case of.dirCursor == 1:
		of.dirCursor++
		return &fs.Entry{Name: "..", Kind: attr.KindDirectory, Inode: of.node.inode}, nil
	default:
		idx := int(of.dirCursor) - 2
		if idx >= len(of.node.childOrder) {
			return nil, nil
		}
		name := of.node.childOrder[idx]
		child := of.node.children[name]
		of.dirCursor++
		return &fs.Entry{Name: name, Kind: child.kind, Size: child.size(), Inode: child.inode}, nil
	}
}

// GetPositionDirectory implements fs.Backend.
func (f *FS) GetPositionDirectory(local ids.LocalFileIdentifier) (ids.Size, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	of, ok := f.handles[local]
	if !ok {
		return 0, vfserrors.InvalidIdentifier
	}
	return of.dirCursor, nil
}

// SetPositionDirectory implements fs.Backend: the round-trip law requires
// that re-reading after set_position(get_position()) yields the same next
// entry, which a plain cursor restore satisfies directly.
func (f *FS) SetPositionDirectory(local ids.LocalFileIdentifier, pos ids.Size) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	of, ok := f.handles[local]
	if !ok {
		return vfserrors.InvalidIdentifier
	}
	of.dirCursor = pos
	return nil
}

// RewindDirectory implements fs.Backend.
func (f *FS) RewindDirectory(local ids.LocalFileIdentifier) error {
	return f.SetPositionDirectory(local, 0)
}

// GetMetadata implements fs.Backend.
func (f *FS) GetMetadata(local ids.LocalFileIdentifier, mask attr.Mask) (attr.Attributes, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	of, ok := f.handles[local]
	if !ok {
		return attr.Attributes{}, vfserrors.InvalidIdentifier
	}
	return of.node.attributes(mask), nil
}

// GetMetadataFromPath implements fs.Backend.
func (f *FS) GetMetadataFromPath(p string, mask attr.Mask) (attr.Attributes, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, _, _, err := f.resolve(p)
	if err != nil {
		return attr.Attributes{}, err
	}
	return n.attributes(mask), nil
}

// SetMetadataFromPath implements fs.Backend: a masked partial write.
func (f *FS) SetMetadataFromPath(p string, patch attr.Attributes) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _, _, err := f.resolve(p)
	if err != nil {
		return err
	}
	if patch.Mask&attr.MaskKind != 0 {
		n.kind = patch.Kind
	}
	if patch.Mask&attr.MaskPermissions != 0 {
		n.perm = patch.Permissions
	}
	if patch.Mask&attr.MaskOwner != 0 {
		n.owner = patch.Owner
	}
	if patch.Mask&attr.MaskGroup != 0 {
		n.group = patch.Group
	}
	if patch.Mask&attr.MaskAccessTime != 0 {
		n.accessTime = patch.AccessTime
	}
	if patch.Mask&attr.MaskModifyTime != 0 {
		n.modifyTime = patch.ModifyTime
	}
	return nil
}

// GetMode implements fs.Backend.
func (f *FS) GetMode(local ids.LocalFileIdentifier) (fs.OpenFlags, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	of, ok := f.handles[local]
	if !ok {
		return 0, vfserrors.InvalidIdentifier
	}
	return of.flags, nil
}

// GetStatistics implements fs.Backend.
func (f *FS) GetStatistics(local ids.LocalFileIdentifier) (fs.Statistics, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	of, ok := f.handles[local]
	if !ok {
		return fs.Statistics{}, vfserrors.InvalidIdentifier
	}
	return fs.Statistics{Flags: of.flags, Attributes: of.node.attributes(attr.MaskAll)}, nil
}

// Label implements fs.Backend.
func (f *FS) Label() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.label
}

// SetLabel implements fs.Backend.
func (f *FS) SetLabel(label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.label = label
	return nil
}

var _ fs.Backend = (*FS)(nil)
