// Package vfserrors defines the flat error taxonomy every component of the
// VFS core reports through: a flat set of sentinel values paired with
// richer, detail-carrying wrappers, kept separate from any eventual ABI
// integer mapping so the taxonomy stays intact through the core and is
// flattened only at a C boundary.
package vfserrors

import "errors"

// Kind is one flat taxonomy value. Every sentinel below has a matching
// Kind so callers can classify a wrapped error without string matching.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindAlreadyExists
	KindPermissionDenied
	KindInvalidPath
	KindInvalidIdentifier
	KindInvalidInode
	KindInvalidParameter
	KindInvalidFileSystem
	KindNotADirectory
	KindDirectoryNotEmpty
	KindTooManyOpenFiles
	KindTooManyMountedFileSystems
	KindTooManyInodes
	KindRessourceBusy
	KindBrokenPipe
	KindUnsupportedOperation
	KindUnavailableDriver
	KindInputOutput
	KindNoSpaceLeft
	KindCorrupted
	KindTimeError
	KindInternalError
	KindMissingAttribute
	KindFileSystemFull
)

var (
	NotFound                   = &taxonomyError{KindNotFound, "not found"}
	AlreadyExists              = &taxonomyError{KindAlreadyExists, "already exists"}
	PermissionDenied           = &taxonomyError{KindPermissionDenied, "permission denied"}
	InvalidPath                = &taxonomyError{KindInvalidPath, "invalid path"}
	InvalidIdentifier          = &taxonomyError{KindInvalidIdentifier, "invalid identifier"}
	InvalidInode               = &taxonomyError{KindInvalidInode, "invalid inode"}
	InvalidParameter           = &taxonomyError{KindInvalidParameter, "invalid parameter"}
	InvalidFileSystem          = &taxonomyError{KindInvalidFileSystem, "invalid file system"}
	NotADirectory              = &taxonomyError{KindNotADirectory, "not a directory"}
	DirectoryNotEmpty          = &taxonomyError{KindDirectoryNotEmpty, "directory not empty"}
	TooManyOpenFiles           = &taxonomyError{KindTooManyOpenFiles, "too many open files"}
	TooManyMountedFileSystems  = &taxonomyError{KindTooManyMountedFileSystems, "too many mounted file systems"}
	TooManyInodes              = &taxonomyError{KindTooManyInodes, "too many inodes"}
	RessourceBusy              = &taxonomyError{KindRessourceBusy, "resource busy"}
	BrokenPipe                 = &taxonomyError{KindBrokenPipe, "broken pipe"}
	UnsupportedOperation       = &taxonomyError{KindUnsupportedOperation, "unsupported operation"}
	UnavailableDriver          = &taxonomyError{KindUnavailableDriver, "unavailable driver"}
	InputOutput                = &taxonomyError{KindInputOutput, "input/output error"}
	NoSpaceLeft                = &taxonomyError{KindNoSpaceLeft, "no space left"}
	Corrupted                  = &taxonomyError{KindCorrupted, "corrupted"}
	TimeError                  = &taxonomyError{KindTimeError, "time error"}
	InternalError              = &taxonomyError{KindInternalError, "internal error"}
	MissingAttribute           = &taxonomyError{KindMissingAttribute, "missing attribute"}
	FileSystemFull             = &taxonomyError{KindFileSystemFull, "file system full"}
)

type taxonomyError struct {
	kind Kind
	text string
}

func (e *taxonomyError) Error() string { return e.text }

// detailed wraps a taxonomy sentinel with a human-readable detail string,
// keeping errors.Is working against the sentinel via Unwrap.
type detailed struct {
	sentinel *taxonomyError
	detail   string
}

func (d *detailed) Error() string   { return d.sentinel.text + ": " + d.detail }
func (d *detailed) Unwrap() error   { return d.sentinel }
func (d *detailed) Kind() Kind      { return d.sentinel.kind }

// Wrap attaches a human-readable detail to a taxonomy sentinel while
// keeping it matchable with errors.Is(err, sentinel).
func Wrap(sentinel *taxonomyError, detail string) error {
	return &detailed{sentinel: sentinel, detail: detail}
}

// KindOf classifies err against the taxonomy, returning 0 if err does not
// wrap any known sentinel.
func KindOf(err error) Kind {
	for _, s := range all {
		if errors.Is(err, s) {
			return s.kind
		}
	}
	return 0
}

var all = []*taxonomyError{
	NotFound, AlreadyExists, PermissionDenied, InvalidPath, InvalidIdentifier,
	InvalidInode, InvalidParameter, InvalidFileSystem, NotADirectory,
	DirectoryNotEmpty, TooManyOpenFiles, TooManyMountedFileSystems,
	TooManyInodes, RessourceBusy, BrokenPipe, UnsupportedOperation,
	UnavailableDriver, InputOutput, NoSpaceLeft, Corrupted, TimeError,
	InternalError, MissingAttribute, FileSystemFull,
}

// Code maps an error to a stable nonzero integer for a future ABI
// boundary. Zero means success/no taxonomy match. The mapping is an
// injective lookup table, not semantically meaningful beyond that, exactly
// as the design notes specify.
func Code(err error) int {
	if err == nil {
		return 0
	}
	return int(KindOf(err))
}
