package memfs_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/xila-project/vfs-core/fs"
	"github.com/xila-project/vfs-core/ids"
	"github.com/xila-project/vfs-core/memfs"
	"github.com/xila-project/vfs-core/vfserrors"
)

const task ids.TaskID = 1

func TestRootDirectoryIterationOnFreshRoot(t *testing.T) {
	// A fresh root directory must yield "." then ".." on its first two reads.
	f := memfs.New()
	ctx := context.Background()

	handle, err := f.OpenDirectory(ctx, task, "/")
	if err != nil {
		t.Fatalf("OpenDirectory: %v", err)
	}
	local := ids.LocalFileIdentifier{Task: task, File: handle}

	first, err := f.ReadDirectory(ctx, local)
	if err != nil {
		t.Fatalf("ReadDirectory (1st): %v", err)
	}
	if first.Name != "." {
		t.Fatalf("expected first entry %q, got %q", ".", first.Name)
	}

	second, err := f.ReadDirectory(ctx, local)
	if err != nil {
		t.Fatalf("ReadDirectory (2nd): %v", err)
	}
	if second.Name != ".." {
		t.Fatalf("expected second entry %q, got %q", "..", second.Name)
	}
}

func TestCreateWriteSeekRead(t *testing.T) {
	// Create, write, seek back to start, and read the same bytes back.
	f := memfs.New()
	ctx := context.Background()
	now := time.Now()

	handle, err := f.Open(ctx, task, "/a.txt", fs.OpenRead|fs.OpenWrite|fs.OpenCreateOnly, now, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	local := ids.LocalFileIdentifier{Task: task, File: handle}

	n, err := f.Write(ctx, local, []byte{0x01, 0x02, 0x03}, now)
	if err != nil || n != 3 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}

	if _, err := f.SetPosition(ctx, local, fs.PositionStart, 0); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}

	buf := make([]byte, 3)
	n, err = f.Read(ctx, local, buf, now)
	if err != nil || n != 3 {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}
	if !bytes.Equal(buf, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("unexpected contents: %v", buf)
	}
}

func TestRenameAcrossSameFS(t *testing.T) {
	// Rename moves a file within the same backend.
	f := memfs.New()
	ctx := context.Background()
	now := time.Now()

	handle, err := f.Open(ctx, task, "/src.txt", fs.OpenWrite|fs.OpenCreateOnly, now, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	local := ids.LocalFileIdentifier{Task: task, File: handle}
	if _, err := f.Write(ctx, local, []byte{0xAA}, now); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(ctx, local); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := f.Rename(ctx, "/src.txt", "/dst.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	dstHandle, err := f.Open(ctx, task, "/dst.txt", fs.OpenRead, now, 0, 0)
	if err != nil {
		t.Fatalf("Open dst: %v", err)
	}
	dstLocal := ids.LocalFileIdentifier{Task: task, File: dstHandle}
	buf := make([]byte, 1)
	n, err := f.Read(ctx, dstLocal, buf, now)
	if err != nil || n != 1 || buf[0] != 0xAA {
		t.Fatalf("Read dst: n=%d err=%v buf=%v", n, err, buf)
	}

	if _, err := f.Open(ctx, task, "/src.txt", fs.OpenRead, now, 0, 0); err != vfserrors.NotFound {
		t.Fatalf("expected NotFound opening moved-away src, got %v", err)
	}
}

func TestCloseAllLeavesNoOpenHandles(t *testing.T) {
	f := memfs.New()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		if _, err := f.Open(ctx, task, "/a.txt", fs.OpenWrite|fs.OpenCreate, now, 0, 0); err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
	}
	if err := f.CloseAll(ctx, task); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	// Every handle from task should now be invalid.
	if err := f.Close(ctx, ids.LocalFileIdentifier{Task: task, File: ids.MinFileIdentifier}); err != vfserrors.InvalidIdentifier {
		t.Fatalf("expected InvalidIdentifier after CloseAll, got %v", err)
	}
}

func TestDirectoryCursorRoundTrip(t *testing.T) {
	f := memfs.New()
	ctx := context.Background()
	now := time.Now()

	for _, name := range []string{"/a", "/b", "/c"} {
		if _, err := f.Open(ctx, task, name, fs.OpenWrite|fs.OpenCreate, now, 0, 0); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	handle, err := f.OpenDirectory(ctx, task, "/")
	if err != nil {
		t.Fatalf("OpenDirectory: %v", err)
	}
	local := ids.LocalFileIdentifier{Task: task, File: handle}

	readAll := func() []string {
		var names []string
		for {
			e, err := f.ReadDirectory(ctx, local)
			if err != nil {
				t.Fatalf("ReadDirectory: %v", err)
			}
			if e == nil {
				break
			}
			names = append(names, e.Name)
		}
		return names
	}

	if err := f.RewindDirectory(local); err != nil {
		t.Fatalf("RewindDirectory: %v", err)
	}
	all := readAll()

	if err := f.RewindDirectory(local); err != nil {
		t.Fatalf("RewindDirectory: %v", err)
	}
	_, _ = f.ReadDirectory(ctx, local)
	pos, err := f.GetPositionDirectory(local)
	if err != nil {
		t.Fatalf("GetPositionDirectory: %v", err)
	}
	rest := readAll()

	if err := f.SetPositionDirectory(local, pos); err != nil {
		t.Fatalf("SetPositionDirectory: %v", err)
	}
	restAgain := readAll()

	if len(rest) != len(restAgain) {
		t.Fatalf("cursor round trip mismatch: %v vs %v", rest, restAgain)
	}
	for i := range rest {
		if rest[i] != restAgain[i] {
			t.Fatalf("cursor round trip mismatch at %d: %v vs %v", i, rest, restAgain)
		}
	}
	if len(all) == 0 {
		t.Fatalf("expected at least the . and .. entries")
	}
}
