package pipe_test

import (
	"errors"
	"testing"

	"github.com/xila-project/vfs-core/pipe"
	"github.com/xila-project/vfs-core/vfserrors"
)

func TestUnnamedPipeEOF(t *testing.T) {
	// Unnamed pipe, capacity 64: writer closes after a partial write, and
	// the reader must drain the buffer before seeing EOF.
	p := pipe.New(64, 1, 1)

	n, err := p.Write([]byte("hello"), true)
	if err != nil || n != 5 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	p.CloseWriter()

	buf := make([]byte, 16)
	n, err = p.Read(buf, true)
	if err != nil || n != 5 || string(buf[:n]) != "hello" {
		t.Fatalf("Read: n=%d err=%v buf=%q", n, err, buf[:n])
	}

	n, err = p.Read(buf, true)
	if err != nil || n != 0 {
		t.Fatalf("expected EOF (0 bytes, no error), got n=%d err=%v", n, err)
	}
}

func TestWriteToNoReadersFailsBrokenPipe(t *testing.T) {
	p := pipe.New(16, 0, 1)
	_, err := p.Write([]byte("x"), true)
	if !errors.Is(err, vfserrors.BrokenPipe) {
		t.Fatalf("expected BrokenPipe, got %v", err)
	}
}

func TestShortWriteWhenPartialSpace(t *testing.T) {
	p := pipe.New(4, 1, 1)
	n, err := p.Write([]byte{1, 2, 3, 4, 5, 6}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected short write of 4 bytes (buffer capacity), got %d", n)
	}
}

func TestNonBlockingReadOnEmptyBufferReturnsZero(t *testing.T) {
	p := pipe.New(16, 1, 1)
	buf := make([]byte, 8)
	n, err := p.Read(buf, false)
	if err != nil || n != 0 {
		t.Fatalf("expected (0, nil) for non-blocking read of empty pipe, got n=%d err=%v", n, err)
	}
}

func TestNonBlockingWriteOnFullBufferReturnsZero(t *testing.T) {
	p := pipe.New(2, 1, 1)
	if _, err := p.Write([]byte{1, 2}, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, err := p.Write([]byte{3}, false)
	if err != nil || n != 0 {
		t.Fatalf("expected (0, nil) for non-blocking write of full pipe, got n=%d err=%v", n, err)
	}
}

func TestByteConservation(t *testing.T) {
	p := pipe.New(4, 1, 1)
	var delivered int
	written := 0
	for _, chunk := range [][]byte{{1, 2}, {3, 4, 5}, {6}} {
		n, err := p.Write(chunk, false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		written += n
		buf := make([]byte, 4)
		got, _ := p.Read(buf, false)
		delivered += got
	}
	if delivered > written {
		t.Fatalf("delivered %d bytes exceeds submitted %d bytes", delivered, written)
	}
}
