package attr

import "github.com/xila-project/vfs-core/ids"

// Bit is one of the nine read/write/execute bits, plus the three special
// bits, packed into a conventional POSIX 16-bit mode value.
type Bit uint16

const (
	OtherExecute Bit = 1 << iota
	OtherWrite
	OtherRead
	GroupExecute
	GroupWrite
	GroupRead
	OwnerExecute
	OwnerWrite
	OwnerRead
	Sticky
	SetGID
	SetUID
)

// Permissions is the full POSIX permission word: three (owner, group,
// other) triples of (read, write, execute) plus the setuid/setgid/sticky
// triple, packed into a 16-bit value.
type Permissions uint16

// Access is the requested operation for a permission Check.
type Access int

const (
	Read Access = iota
	Write
	Execute
)

func (p Permissions) has(bit Bit) bool { return Permissions(bit)&p != 0 }

// Owner reports whether p grants access for the owner triple.
func (p Permissions) Owner(a Access) bool {
	switch a {
	case Read:
		return p.has(OwnerRead)
	case Write:
		return p.has(OwnerWrite)
	default:
		return p.has(OwnerExecute)
	}
}

// Group reports whether p grants access for the group triple.
func (p Permissions) Group(a Access) bool {
	switch a {
	case Read:
		return p.has(GroupRead)
	case Write:
		return p.has(GroupWrite)
	default:
		return p.has(GroupExecute)
	}
}

// Other reports whether p grants access for the other triple.
func (p Permissions) Other(a Access) bool {
	switch a {
	case Read:
		return p.has(OtherRead)
	case Write:
		return p.has(OtherWrite)
	default:
		return p.has(OtherExecute)
	}
}

// RootUserID is the privileged user that bypasses all permission checks.
const RootUserID ids.UserID = 0

// Check implements the classical POSIX decision: owner bits if the caller
// is the owner, else group bits if the caller belongs to the owning
// group, else other bits. Root always passes.
func Check(perm Permissions, owner ids.UserID, group ids.GroupID, uid ids.UserID, gids []ids.GroupID, access Access) bool {
	if uid == RootUserID {
		return true
	}
	if uid == owner {
		return perm.Owner(access)
	}
	for _, g := range gids {
		if g == group {
			return perm.Group(access)
		}
	}
	return perm.Other(access)
}

// CheckTraversal verifies execute permission on every ancestor directory's
// attributes: directory traversal requires execute on every ancestor.
// ancestors is ordered root-to-leaf.
func CheckTraversal(ancestors []Attributes, uid ids.UserID, gids []ids.GroupID) bool {
	for _, a := range ancestors {
		if !Check(a.Permissions, a.Owner, a.Group, uid, gids, Execute) {
			return false
		}
	}
	return true
}
