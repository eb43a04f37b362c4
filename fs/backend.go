// Package fs defines the file-system backend contract: the operation set
// every concrete file system (mounted FS, and by extension the in-memory
// memfs reference backend) must implement so the VFS multiplexer can
// treat it polymorphically, with task-scoped handles, masked attributes,
// and directory-cursor semantics.
package fs

import (
	"context"
	"time"

	"github.com/xila-project/vfs-core/attr"
	"github.com/xila-project/vfs-core/ids"
)

// OpenFlags controls how Open creates/truncates/excludes a path.
type OpenFlags uint32

const (
	OpenRead OpenFlags = 1 << iota
	OpenWrite
	OpenCreate
	OpenCreateOnly // exclusive create: fail AlreadyExists if the path exists
	OpenTruncate
	OpenAppend
	OpenNonBlocking // pipes/devices: non-blocking I/O mode for this handle
	OpenDirectory
)

// Position selects how SetPosition interprets its offset.
type Position int

const (
	PositionStart Position = iota
	PositionCurrent
	PositionEnd
)

// Entry is one yielded directory entry.
type Entry struct {
	Name  string
	Kind  attr.Kind
	Size  uint64
	Inode ids.Inode
}

// Statistics aggregates the open flags and a stat-like summary of a
// handle.
type Statistics struct {
	Flags      OpenFlags
	Attributes attr.Attributes
}

// Backend is the operation set every concrete file system must implement.
// All entry points that can block (any that might wait on underlying I/O)
// take a context.Context for explicit cancellation.
type Backend interface {
	// Open allocates a task-local handle for path, honoring flags.
	Open(ctx context.Context, task ids.TaskID, path string, flags OpenFlags, now time.Time, user ids.UserID, group ids.GroupID) (ids.FileIdentifier, error)
	// Close releases a single handle. Idempotent behavior is not required.
	Close(ctx context.Context, local ids.LocalFileIdentifier) error
	// CloseAll releases every handle owned by task; must succeed with no handles open.
	CloseAll(ctx context.Context, task ids.TaskID) error

	// Duplicate returns a second handle referring to the same open file
	// object (POSIX dup semantics: position sharing is backend-defined).
	Duplicate(ctx context.Context, local ids.LocalFileIdentifier) (ids.FileIdentifier, error)
	// Transfer moves ownership of a handle to newTask. If desired is
	// non-nil and free, the new identifier uses that FileIdentifier;
	// otherwise TooManyOpenFiles.
	Transfer(ctx context.Context, newTask ids.TaskID, local ids.LocalFileIdentifier, desired *ids.FileIdentifier) (ids.FileIdentifier, error)

	Read(ctx context.Context, local ids.LocalFileIdentifier, p []byte, now time.Time) (ids.Size, error)
	Write(ctx context.Context, local ids.LocalFileIdentifier, p []byte, now time.Time) (ids.Size, error)
	SetPosition(ctx context.Context, local ids.LocalFileIdentifier, pos Position, offset int64) (ids.Size, error)
	Flush(ctx context.Context, local ids.LocalFileIdentifier) error

	CreateDirectory(ctx context.Context, path string, now time.Time, user ids.UserID, group ids.GroupID) error
	Remove(ctx context.Context, path string) error
	Rename(ctx context.Context, src, dst string) error

	OpenDirectory(ctx context.Context, task ids.TaskID, path string) (ids.FileIdentifier, error)
	ReadDirectory(ctx context.Context, local ids.LocalFileIdentifier) (*Entry, error)
	GetPositionDirectory(local ids.LocalFileIdentifier) (ids.Size, error)
	SetPositionDirectory(local ids.LocalFileIdentifier, pos ids.Size) error
	RewindDirectory(local ids.LocalFileIdentifier) error

	GetMetadata(local ids.LocalFileIdentifier, mask attr.Mask) (attr.Attributes, error)
	GetMetadataFromPath(path string, mask attr.Mask) (attr.Attributes, error)
	SetMetadataFromPath(path string, patch attr.Attributes) error

	GetMode(local ids.LocalFileIdentifier) (OpenFlags, error)
	GetStatistics(local ids.LocalFileIdentifier) (Statistics, error)

	Label() string
	SetLabel(label string) error
}
