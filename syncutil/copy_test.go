package syncutil

import (
	"context"
	"io/fs"
	"testing"
	"testing/fstest"
	"time"

	"github.com/xila-project/vfs-core/attr"
	vfscorefs "github.com/xila-project/vfs-core/fs"
	"github.com/xila-project/vfs-core/ids"
	"github.com/xila-project/vfs-core/memfs"
)

const testTask ids.TaskID = 1

func readBack(t *testing.T, dst *memfs.FS, ctx context.Context, p string) string {
	t.Helper()
	fid, err := dst.Open(ctx, testTask, p, vfscorefs.OpenRead, time.Now(), 0, 0)
	if err != nil {
		t.Fatalf("open %s: %v", p, err)
	}
	local := ids.LocalFileIdentifier{Task: testTask, File: fid}
	defer func() { _ = dst.Close(ctx, local) }()

	buf := make([]byte, 64)
	n, err := dst.Read(ctx, local, buf, time.Now())
	if err != nil && n == 0 {
		t.Fatalf("read %s: %v", p, err)
	}
	return string(buf[:n])
}

func TestCopyFileSystem_Basic(t *testing.T) {
	now := time.Now()
	src := fstest.MapFS{
		"foo.txt": {Data: []byte("hello"), ModTime: now},
		"dir":     {Mode: fs.ModeDir, ModTime: now},
		"dir/bar": {Data: []byte("world"), ModTime: now},
	}
	dst := memfs.New()
	ctx := context.Background()

	if err := CopyFileSystem(ctx, src, dst, testTask, now, 0, 0); err != nil {
		t.Fatalf("CopyFileSystem failed: %v", err)
	}

	if got := readBack(t, dst, ctx, "foo.txt"); got != "hello" {
		t.Errorf("foo.txt = %q, want %q", got, "hello")
	}
	if got := readBack(t, dst, ctx, "dir/bar"); got != "world" {
		t.Errorf("dir/bar = %q, want %q", got, "world")
	}

	meta, err := dst.GetMetadataFromPath("dir", attr.MaskKind)
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if meta.Kind != attr.KindDirectory {
		t.Errorf("dir kind = %v, want directory", meta.Kind)
	}
}

func TestCopyFileSystem_SkipNonRegular(t *testing.T) {
	src := fstest.MapFS{
		"sl": {Data: []byte(""), Mode: fs.ModeSymlink},
	}
	dst := memfs.New()
	ctx := context.Background()

	if err := CopyFileSystem(ctx, src, dst, testTask, time.Now(), 0, 0); err != nil {
		t.Fatalf("CopyFileSystem failed: %v", err)
	}
	if _, err := dst.GetMetadataFromPath("sl", attr.MaskKind); err == nil {
		t.Errorf("expected non-regular entry to be skipped, but it was copied")
	}
}
