package mbr_test

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/xila-project/vfs-core/partition/mbr"
	"github.com/xila-project/vfs-core/testhelper"
)

const tenMB = 10 * 1024 * 1024

func TestTableType(t *testing.T) {
	expected := "mbr"
	table := mbr.GetValidTable()
	if got := table.Type(); got != expected {
		t.Errorf("Type() returned %s, expected %s", got, expected)
	}
}

func TestTableRead(t *testing.T) {
	t.Run("error reading file", func(t *testing.T) {
		expected := "error reading MBR from file"
		f := &testhelper.FileImpl{
			Reader: func(b []byte, offset int64) (int, error) {
				return 0, errors.New(expected)
			},
		}
		table, err := mbr.Read(f, 512, 512)
		if table != nil {
			t.Errorf("returned table instead of nil")
		}
		if err == nil || !strings.HasPrefix(err.Error(), expected) {
			t.Errorf("error %v did not have expected prefix %q", err, expected)
		}
	})
	t.Run("insufficient data read", func(t *testing.T) {
		size := 100
		expected := fmt.Sprintf("read only %d bytes of MBR", size)
		f := &testhelper.FileImpl{
			Reader: func(b []byte, offset int64) (int, error) {
				return size, nil
			},
		}
		table, err := mbr.Read(f, 512, 512)
		if table != nil {
			t.Errorf("returned table instead of nil")
		}
		if err == nil || !strings.HasPrefix(err.Error(), expected) {
			t.Errorf("error %v did not have expected prefix %q", err, expected)
		}
	})
	t.Run("successful read", func(t *testing.T) {
		expected := mbr.GetValidTable()
		var image bytes.Buffer
		writer := &testhelper.FileImpl{
			Writer: func(b []byte, offset int64) (int, error) {
				image.Write(b)
				return len(b), nil
			},
		}
		if err := expected.Write(writer, tenMB); err != nil {
			t.Fatalf("failed to seed image: %v", err)
		}

		reader := &testhelper.FileImpl{
			Reader: func(b []byte, offset int64) (int, error) {
				if offset != 0 {
					return 0, fmt.Errorf("unexpected read offset %d", offset)
				}
				full := make([]byte, 512)
				copy(full[440:], image.Bytes())
				full[510], full[511] = 0x55, 0xAA
				return copy(b, full), nil
			},
		}
		table, err := mbr.Read(reader, 512, 512)
		if err != nil {
			t.Errorf("returned error %v instead of nil", err)
		}
		if table == nil || !table.Equal(expected) {
			t.Errorf("actual table %v differed from expected %v", table, expected)
		}
	})
}

func TestTableWrite(t *testing.T) {
	t.Run("error writing file", func(t *testing.T) {
		table := mbr.GetValidTable()
		expected := "error writing partition table to disk"
		f := &testhelper.FileImpl{
			Writer: func(b []byte, offset int64) (int, error) {
				return 0, errors.New(expected)
			},
		}
		err := table.Write(f, tenMB)
		if err == nil || !strings.HasPrefix(err.Error(), expected) {
			t.Errorf("error %v did not have expected prefix %q", err, expected)
		}
	})
	t.Run("insufficient data written", func(t *testing.T) {
		table := mbr.GetValidTable()
		var size int
		f := &testhelper.FileImpl{
			Writer: func(b []byte, offset int64) (int, error) {
				size = len(b) - 1
				return size, nil
			},
		}
		err := table.Write(f, tenMB)
		expected := fmt.Sprintf("partition table wrote %d bytes to disk", size)
		if err == nil || !strings.HasPrefix(err.Error(), expected) {
			t.Errorf("error %v did not have expected prefix %q", err, expected)
		}
	})
	t.Run("successful write leaves bootstrap untouched", func(t *testing.T) {
		table := mbr.GetValidTable()
		var tableBytes []byte
		f := &testhelper.FileImpl{
			Writer: func(b []byte, offset int64) (int, error) {
				if offset != 440 {
					t.Fatalf("attempted to write at position %d instead of 440", offset)
				}
				tableBytes = append(tableBytes, b...)
				return len(b), nil
			},
		}
		if err := table.Write(f, tenMB); err != nil {
			t.Errorf("returned error %v instead of nil", err)
		}
		if len(tableBytes) != 72 {
			t.Errorf("expected 72 bytes written, got %d", len(tableBytes))
		}
		if tableBytes[70] != 0x55 || tableBytes[71] != 0xAA {
			t.Errorf("missing boot signature in written bytes")
		}
	})
	t.Run("single-entry table writes into an in-memory image", func(t *testing.T) {
		table := &mbr.Table{
			LogicalSectorSize:  512,
			PhysicalSectorSize: 512,
			Partitions: []*mbr.Partition{
				{Bootable: true, Type: mbr.Linux, Start: 2048, Size: 5000},
			},
		}
		var image bytes.Buffer
		f := &testhelper.FileImpl{
			Writer: func(b []byte, offset int64) (int, error) {
				if int64(image.Len()) < offset {
					image.Write(make([]byte, offset-int64(image.Len())))
				}
				image.Write(b)
				return len(b), nil
			},
		}
		if err := table.Write(f, tenMB); err != nil {
			t.Errorf("unexpected err: %v", err)
		}
	})
}

func TestGetPartitionSize(t *testing.T) {
	table := mbr.GetValidTable()
	p := table.Partitions[0]
	if got := p.GetSize(); got != int64(p.Size)*512 {
		t.Errorf("received size %d instead of %d", got, int64(p.Size)*512)
	}
}

func TestGetPartitionStart(t *testing.T) {
	table := mbr.GetValidTable()
	p := table.Partitions[0]
	if got := p.GetStart(); got != int64(p.Start)*512 {
		t.Errorf("received start %d instead of %d", got, int64(p.Start)*512)
	}
}

func TestReadPartitionContents(t *testing.T) {
	table := mbr.GetValidTable()
	p := table.Partitions[0]
	var b bytes.Buffer
	writer := bufio.NewWriter(&b)
	size := int(p.GetSize())
	data := make([]byte, size)
	_, _ = rand.Read(data)
	f := &testhelper.FileImpl{
		Reader: func(buf []byte, offset int64) (int, error) {
			rel := offset - p.GetStart()
			n := copy(buf, data[rel:])
			if rel+int64(n) >= int64(len(data)) {
				return n, io.EOF
			}
			return n, nil
		},
	}
	read, err := p.ReadContents(f, writer)
	if err != nil {
		t.Errorf("error was not nil: %v", err)
	}
	writer.Flush()
	if read != int64(size) {
		t.Errorf("returned %d bytes read instead of %d", read, size)
	}
	if !bytes.Equal(b.Bytes(), data) {
		t.Errorf("mismatched bytes data")
	}
}

func TestWritePartitionContents(t *testing.T) {
	table := mbr.GetValidTable()
	p := table.Partitions[0]
	size := p.GetSize()
	data := make([]byte, size)
	_, _ = rand.Read(data)
	reader := bytes.NewReader(data)
	got := make([]byte, size)
	f := &testhelper.FileImpl{
		Writer: func(b []byte, offset int64) (int, error) {
			copy(got[offset-p.GetStart():], b)
			return len(b), nil
		},
	}
	written, err := p.WriteContents(f, reader)
	if err != nil {
		t.Errorf("error was not nil: %v", err)
	}
	if written != uint64(size) {
		t.Errorf("returned %d bytes written instead of %d", written, size)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("bytes mismatch")
	}
}

func TestAddPartitionAutoPlacesAfterExisting(t *testing.T) {
	const totalSectors = 8 * 2048 // 8 allocation units
	table, err := mbr.CreateBasic(0x12345678, mbr.Linux, totalSectors)
	if err != nil {
		t.Fatalf("CreateBasic: %v", err)
	}
	// Shrink the bootable partition to occupy only the first two allocation
	// units, leaving the rest of the disk free.
	table.Partitions[0].Start = 0
	table.Partitions[0].Size = 2 * 2048

	idx, err := table.AddPartitionAuto(mbr.Linux, 100, false, totalSectors)
	if err != nil {
		t.Fatalf("AddPartitionAuto: %v", err)
	}
	p := table.Partitions[idx]
	if p.Start < 2*2048 {
		t.Errorf("new partition starts at %d, expected it placed after the first partition's region", p.Start)
	}
	if overlapsAny(table, idx) {
		t.Errorf("auto-placed partition overlaps an existing one")
	}
}

func TestAddPartitionAutoFailsWhenDiskFull(t *testing.T) {
	const totalSectors = 2048 * 2
	table, err := mbr.CreateBasic(0x12345678, mbr.Linux, totalSectors)
	if err != nil {
		t.Fatalf("CreateBasic: %v", err)
	}
	// Cover the whole disk, leaving no free allocation unit.
	table.Partitions[0].Start = 0
	table.Partitions[0].Size = totalSectors

	if _, err := table.AddPartitionAuto(mbr.Linux, 2048, false, totalSectors); err == nil {
		t.Error("expected an error when no free region remains")
	}
}

func overlapsAny(table *mbr.Table, idx int) bool {
	target := table.Partitions[idx]
	for i, p := range table.Partitions {
		if i == idx || !p.Valid() {
			continue
		}
		tStart, tEnd := uint64(target.Start), uint64(target.Start)+uint64(target.Size)
		pStart, pEnd := uint64(p.Start), uint64(p.Start)+uint64(p.Size)
		if tStart < pEnd && pStart < tEnd {
			return true
		}
	}
	return false
}
