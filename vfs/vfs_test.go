package vfs_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/xila-project/vfs-core/attr"
	"github.com/xila-project/vfs-core/fs"
	"github.com/xila-project/vfs-core/ids"
	"github.com/xila-project/vfs-core/memfs"
	"github.com/xila-project/vfs-core/vfs"
	"github.com/xila-project/vfs-core/vfserrors"
	"github.com/xila-project/vfs-core/vpath"
)

const task ids.TaskID = 1

func TestMountCreateWriteRead(t *testing.T) {
	// Mount an in-memory backend at root, create a directory through the
	// multiplexer, then write and read a file inside it.
	v := vfs.New(memfs.New(), nil)
	ctx := context.Background()
	now := time.Now()

	if err := v.CreateDirectory(ctx, vpath.MustNew("/dir"), now, 0, 0); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}

	handle, err := v.Open(ctx, task, vpath.MustNew("/dir/f.txt"), fs.OpenRead|fs.OpenWrite|fs.OpenCreateOnly, now, 0, 0)
	if err != nil {
		t.Fatalf("Open (create): %v", err)
	}
	if _, err := v.Write(ctx, handle, []byte("hello"), now); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := v.Close(ctx, handle); err != nil {
		t.Fatalf("Close: %v", err)
	}

	readHandle, err := v.Open(ctx, task, vpath.MustNew("/dir/f.txt"), fs.OpenRead, now, 0, 0)
	if err != nil {
		t.Fatalf("Open (read): %v", err)
	}
	defer v.Close(ctx, readHandle)

	buf := make([]byte, 5)
	n, err := v.Read(ctx, readHandle, buf, now)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("hello")) {
		t.Fatalf("unexpected contents: %q", buf[:n])
	}
}

func TestOpenDeniesNonOwnerWithoutOtherAccess(t *testing.T) {
	// A file restricted to its owner rejects a caller that is neither the
	// owner nor in the owning group; root still passes.
	v := vfs.New(memfs.New(), nil)
	ctx := context.Background()
	now := time.Now()

	const owner ids.UserID = 1
	const ownerGroup ids.GroupID = 1
	const stranger ids.UserID = 2
	const strangerGroup ids.GroupID = 2

	handle, err := v.Open(ctx, task, vpath.MustNew("/secret.txt"), fs.OpenRead|fs.OpenWrite|fs.OpenCreateOnly, now, owner, ownerGroup)
	if err != nil {
		t.Fatalf("Open (create): %v", err)
	}
	if err := v.Close(ctx, handle); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ownerOnly := attr.Attributes{
		Mask:        attr.MaskPermissions,
		Permissions: attr.Permissions(attr.OwnerRead | attr.OwnerWrite),
	}
	if err := v.SetMetadataFromPath(vpath.MustNew("/secret.txt"), ownerOnly); err != nil {
		t.Fatalf("SetMetadataFromPath: %v", err)
	}

	if _, err := v.Open(ctx, task, vpath.MustNew("/secret.txt"), fs.OpenRead, now, stranger, strangerGroup); err != vfserrors.PermissionDenied {
		t.Fatalf("expected PermissionDenied for stranger, got %v", err)
	}

	ownerHandle, err := v.Open(ctx, task, vpath.MustNew("/secret.txt"), fs.OpenRead, now, owner, ownerGroup)
	if err != nil {
		t.Fatalf("owner Open should succeed, got %v", err)
	}
	_ = v.Close(ctx, ownerHandle)

	rootHandle, err := v.Open(ctx, task, vpath.MustNew("/secret.txt"), fs.OpenRead, now, attr.RootUserID, 0)
	if err != nil {
		t.Fatalf("root Open should succeed, got %v", err)
	}
	_ = v.Close(ctx, rootHandle)
}

func TestUnnamedPipeRoundTrip(t *testing.T) {
	// A pair returned by CreateUnnamedPipe shares one underlying ring
	// buffer: bytes written to the writer come back out of the reader.
	v := vfs.New(memfs.New(), nil)
	ctx := context.Background()
	now := time.Now()

	reader, writer := v.CreateUnnamedPipe(task, 64)

	if _, err := v.Write(ctx, writer, []byte("ping"), now); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 4)
	n, err := v.Read(ctx, reader, buf, now)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("ping")) {
		t.Fatalf("unexpected contents: %q", buf[:n])
	}

	if err := v.Close(ctx, reader); err != nil {
		t.Fatalf("Close reader: %v", err)
	}
	if err := v.Close(ctx, writer); err != nil {
		t.Fatalf("Close writer: %v", err)
	}
}

func TestCrossMountRenameUnsupported(t *testing.T) {
	// Rename across two distinct mounts is rejected rather than silently
	// attempted; same-mount rename is unaffected.
	v := vfs.New(memfs.New(), nil)
	ctx := context.Background()
	now := time.Now()

	if _, err := v.Mount(ctx, memfs.New(), vpath.MustNew("/mnt"), task, now, 0, 0); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	handle, err := v.Open(ctx, task, vpath.MustNew("/a.txt"), fs.OpenWrite|fs.OpenCreateOnly, now, 0, 0)
	if err != nil {
		t.Fatalf("Open (create): %v", err)
	}
	_ = v.Close(ctx, handle)

	err = v.Rename(ctx, vpath.MustNew("/a.txt"), vpath.MustNew("/mnt/a.txt"))
	if err != vfserrors.UnsupportedOperation {
		t.Fatalf("expected UnsupportedOperation for cross-mount rename, got %v", err)
	}

	if err := v.Rename(ctx, vpath.MustNew("/a.txt"), vpath.MustNew("/b.txt")); err != nil {
		t.Fatalf("same-mount rename should succeed, got %v", err)
	}
}

type fakeBlockDevice struct{ data []byte }

func (f *fakeBlockDevice) ReadAt(p []byte, off int64) (int, error)  { return copy(p, f.data[off:]), nil }
func (f *fakeBlockDevice) WriteAt(p []byte, off int64) (int, error) { return copy(f.data[off:], p), nil }
func (f *fakeBlockDevice) BlockSize() int64                         { return 512 }
func (f *fakeBlockDevice) IsBlockDevice() bool                      { return true }

func TestMountBlockDeviceDispatchesReadWrite(t *testing.T) {
	// A block device mounted at a path is reachable through the ordinary
	// Open/Read/Write dispatch, not through the mounted backend.
	v := vfs.New(memfs.New(), nil)
	ctx := context.Background()
	now := time.Now()

	dev := &fakeBlockDevice{data: make([]byte, 512)}
	if err := v.CreateDirectory(ctx, vpath.MustNew("/dev"), now, 0, 0); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if err := v.MountBlockDevice(ctx, vpath.MustNew("/dev/block0"), dev, now, 0, 0); err != nil {
		t.Fatalf("MountBlockDevice: %v", err)
	}

	handle, err := v.Open(ctx, task, vpath.MustNew("/dev/block0"), fs.OpenRead|fs.OpenWrite, now, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := v.Write(ctx, handle, []byte("disk"), now); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(dev.data[:4], []byte("disk")) {
		t.Fatalf("write did not reach the device, got %q", dev.data[:4])
	}
	if err := v.Close(ctx, handle); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := v.UnmountDevice(ctx, vpath.MustNew("/dev/block0"), true); err != nil {
		t.Fatalf("UnmountDevice: %v", err)
	}
	if _, err := v.Open(ctx, task, vpath.MustNew("/dev/block0"), fs.OpenRead, now, 0, 0); err != vfserrors.NotFound {
		t.Fatalf("expected NotFound after UnmountDevice, got %v", err)
	}
}

func TestCreateNamedPipeRoundTripAndPairedClose(t *testing.T) {
	// A named pipe is a regular backend node promoted to the pipe engine on
	// open; writing through one handle and reading through another proves
	// the promotion dispatches to the same ring buffer, and closing must
	// also release the paired underlying backend handle.
	v := vfs.New(memfs.New(), nil)
	ctx := context.Background()
	now := time.Now()

	if err := v.CreateNamedPipe(ctx, vpath.MustNew("/fifo"), 64, now, 0, 0); err != nil {
		t.Fatalf("CreateNamedPipe: %v", err)
	}

	writer, err := v.Open(ctx, task, vpath.MustNew("/fifo"), fs.OpenWrite|fs.OpenNonBlocking, now, 0, 0)
	if err != nil {
		t.Fatalf("Open writer: %v", err)
	}
	reader, err := v.Open(ctx, task, vpath.MustNew("/fifo"), fs.OpenRead|fs.OpenNonBlocking, now, 0, 0)
	if err != nil {
		t.Fatalf("Open reader: %v", err)
	}

	if _, err := v.Write(ctx, writer, []byte("fifo"), now); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 4)
	n, err := v.Read(ctx, reader, buf, now)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("fifo")) {
		t.Fatalf("unexpected contents: %q", buf[:n])
	}

	if err := v.Close(ctx, writer); err != nil {
		t.Fatalf("Close writer: %v", err)
	}
	if err := v.Close(ctx, reader); err != nil {
		t.Fatalf("Close reader: %v", err)
	}
}

func TestDuplicateSharesUnderlyingPipe(t *testing.T) {
	// Duplicate on a pipe handle returns a second identifier backed by the
	// same ring buffer, not an independent copy.
	v := vfs.New(memfs.New(), nil)
	ctx := context.Background()
	now := time.Now()

	reader, writer := v.CreateUnnamedPipe(task, 64)
	dupWriter, err := v.Duplicate(ctx, writer)
	if err != nil {
		t.Fatalf("Duplicate: %v", err)
	}

	if _, err := v.Write(ctx, dupWriter, []byte("dup"), now); err != nil {
		t.Fatalf("Write via duplicate: %v", err)
	}
	buf := make([]byte, 3)
	n, err := v.Read(ctx, reader, buf, now)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("dup")) {
		t.Fatalf("unexpected contents: %q", buf[:n])
	}

	_ = v.Close(ctx, reader)
	_ = v.Close(ctx, writer)
	_ = v.Close(ctx, dupWriter)
}
