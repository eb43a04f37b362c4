package window_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/xila-project/vfs-core/backend"
	"github.com/xila-project/vfs-core/backend/file"
	"github.com/xila-project/vfs-core/partition/window"
)

func tempStorage(t *testing.T, size int64) (backend.Storage, func()) {
	t.Helper()
	f, err := os.CreateTemp("", "window_test")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	f.Close()
	storage, err := file.OpenFromPath(f.Name(), false)
	if err != nil {
		t.Fatalf("OpenFromPath: %v", err)
	}
	return storage, func() {
		storage.Close()
		os.Remove(f.Name())
	}
}

func TestWindowRoundTrip(t *testing.T) {
	storage, cleanup := tempStorage(t, 4*1024*1024)
	defer cleanup()

	w := window.New(storage, 100*512, 50*512)
	data := []byte{1, 2, 3, 4, 5}
	if n, err := w.WriteAt(data, 0); err != nil || n != len(data) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}
	got := make([]byte, len(data))
	if n, err := w.ReadAt(got, 0); err != nil || n != len(data) {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("expected %v, got %v", data, got)
	}
}

func TestWindowClampsAtBounds(t *testing.T) {
	storage, cleanup := tempStorage(t, 4*1024*1024)
	defer cleanup()

	// base device 4 MiB, window at LBA 100 for 50 sectors (25600 bytes).
	w := window.New(storage, 100*512, 50*512)

	pos := w.SetPosition(500, window.End)
	if pos != 25600 {
		t.Fatalf("expected clamped position 25600, got %d", pos)
	}

	buf := make([]byte, 512)
	n, err := w.WriteAt(buf, 25088)
	if err != nil || n != 512 {
		t.Fatalf("expected full write of 512 at 25088, got n=%d err=%v", n, err)
	}
	n, err = w.WriteAt(buf, 25600)
	if err != nil || n != 0 {
		t.Fatalf("expected 0 bytes written past window end, got n=%d err=%v", n, err)
	}
}

func TestWindowReadPastEndIsEOFNotError(t *testing.T) {
	storage, cleanup := tempStorage(t, 1024*1024)
	defer cleanup()

	w := window.New(storage, 0, 512)
	w.SetPosition(0, window.End)
	buf := make([]byte, 16)
	n, err := w.Read(buf)
	if n != 0 {
		t.Fatalf("expected 0 bytes read past window end, got %d", n)
	}
	if err == nil {
		t.Fatalf("expected io.EOF from Read at window end")
	}
}

func TestWindowCloneResetsPosition(t *testing.T) {
	storage, cleanup := tempStorage(t, 1024*1024)
	defer cleanup()

	w := window.New(storage, 0, 512)
	w.SetPosition(100, window.Start)
	clone := w.Clone()
	if clone.Position() != 0 {
		t.Fatalf("expected cloned window to start at position 0, got %d", clone.Position())
	}
	if w.Position() != 100 {
		t.Fatalf("expected original window's position to be unaffected by clone, got %d", w.Position())
	}
}
