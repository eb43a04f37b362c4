// Package attr implements the masked attribute record and POSIX-style
// permission checks shared by every file-system backend and by the VFS
// multiplexer: a bit-field mask paired with a struct of optional fields,
// so a getter/setter call carries exactly the fields it reads or writes.
package attr

import (
	"time"

	"github.com/xila-project/vfs-core/ids"
)

// Kind is the file type recorded in an attribute record.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
	KindCharacterDevice
	KindBlockDevice
	KindPipe
	KindSocket
)

// Mask selects which fields of an Attributes value are meaningful on a
// given call. Every getter/setter operation in the backend contract
// carries a Mask so callers read or write only the fields they asked for.
type Mask uint32

const (
	MaskKind Mask = 1 << iota
	MaskPermissions
	MaskOwner
	MaskGroup
	MaskInode
	MaskLinkCount
	MaskSize
	MaskAccessTime
	MaskModifyTime
	MaskCreationTime
	MaskStatusChangeTime

	MaskAll = MaskKind | MaskPermissions | MaskOwner | MaskGroup | MaskInode |
		MaskLinkCount | MaskSize | MaskAccessTime | MaskModifyTime |
		MaskCreationTime | MaskStatusChangeTime
)

// Attributes is a masked partial record. Only fields whose bit is set in
// Mask are meaningful: GetAttributes(path, m) must return a value whose
// Mask is exactly m, no more, no less.
type Attributes struct {
	Mask Mask

	Kind           Kind
	Permissions    Permissions
	Owner          ids.UserID
	Group          ids.GroupID
	Inode          ids.Inode
	LinkCount      uint64
	Size           uint64
	AccessTime     time.Time
	ModifyTime     time.Time
	CreationTime   time.Time
	StatusChangeTime time.Time
}

// Merge overlays the fields set's in patch.Mask onto a, returning the
// result. Fields absent from patch.Mask are left untouched in a. This is
// the mechanism a backend's set_metadata_from_path uses to apply a partial
// write.
func (a Attributes) Merge(patch Attributes) Attributes {
	result := a
	if patch.Mask&MaskKind != 0 {
		result.Kind = patch.Kind
	}
	if patch.Mask&MaskPermissions != 0 {
		result.Permissions = patch.Permissions
	}
	if patch.Mask&MaskOwner != 0 {
		result.Owner = patch.Owner
	}
	if patch.Mask&MaskGroup != 0 {
		result.Group = patch.Group
	}
	if patch.Mask&MaskInode != 0 {
		result.Inode = patch.Inode
	}
	if patch.Mask&MaskLinkCount != 0 {
		result.LinkCount = patch.LinkCount
	}
	if patch.Mask&MaskSize != 0 {
		result.Size = patch.Size
	}
	if patch.Mask&MaskAccessTime != 0 {
		result.AccessTime = patch.AccessTime
	}
	if patch.Mask&MaskModifyTime != 0 {
		result.ModifyTime = patch.ModifyTime
	}
	if patch.Mask&MaskCreationTime != 0 {
		result.CreationTime = patch.CreationTime
	}
	if patch.Mask&MaskStatusChangeTime != 0 {
		result.StatusChangeTime = patch.StatusChangeTime
	}
	result.Mask = a.Mask | patch.Mask
	return result
}

// Select returns a copy of a containing only the fields named by m,
// clearing everything else and setting Mask to m — this is what a
// well-behaved backend returns from get_metadata(handle, mask).
func (a Attributes) Select(m Mask) Attributes {
	selected := Attributes{Mask: m}
	return selected.Merge(Attributes{Mask: m & a.Mask,
		Kind: a.Kind, Permissions: a.Permissions, Owner: a.Owner,
		Group: a.Group, Inode: a.Inode, LinkCount: a.LinkCount, Size: a.Size,
		AccessTime: a.AccessTime, ModifyTime: a.ModifyTime,
		CreationTime: a.CreationTime, StatusChangeTime: a.StatusChangeTime,
	})
}
