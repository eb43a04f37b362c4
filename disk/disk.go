// Package disk ties together a host-backed backend.Storage, an MBR
// partition table, and the partition windows opened over it. Concrete
// on-disk formats (FAT32/ISO9660/ext4/squashfs) are out of scope for this
// core's VFS-backend contract; OpenPartition hands back a window.Window
// for a caller to mount any fs.Backend atop instead, e.g. memfs.
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/google/renameio"
	"github.com/pkg/xattr"
	times "gopkg.in/djherbis/times.v1"

	"github.com/xila-project/vfs-core/backend"
	bfile "github.com/xila-project/vfs-core/backend/file"
	"github.com/xila-project/vfs-core/partition/mbr"
	"github.com/xila-project/vfs-core/partition/window"
)

const defaultBlockSize int64 = 512

const labelXattr = "user.vfs_core.label"

// Disk is a reference to a single disk image file or block device that
// has been Open()ed or Create()d.
type Disk struct {
	Backend backend.Storage
	Info    os.FileInfo
	Path    string
	Type    DeviceType
	Size    int64

	LogicalBlockSize  int64
	PhysicalBlockSize int64

	// Table is the disk's decoded MBR, or nil if none is present.
	Table *mbr.Table
}

// Open opens an existing disk image or block device at path for
// read-write access, detecting its size and sector geometry and reading
// any MBR already present (best-effort: Table is left nil if the device
// holds no valid MBR yet).
func Open(path string) (*Disk, error) {
	store, err := bfile.OpenFromPath(path, false)
	if err != nil {
		return nil, err
	}
	return initDisk(path, store)
}

// Create creates a new disk image of size bytes at path. The image is
// written into place atomically, via a temp file renamed over path, so a
// crash mid-creation never leaves a partial image visible under the final
// name.
func Create(path string, size int64) (*Disk, error) {
	if path == "" {
		return nil, errors.New("disk: must pass a path")
	}
	if size <= 0 {
		return nil, errors.New("disk: must pass a valid positive size")
	}
	t, err := renameio.TempFile("", path)
	if err != nil {
		return nil, fmt.Errorf("disk: create temp file for %s: %w", path, err)
	}
	defer t.Cleanup()
	if err := t.Truncate(size); err != nil {
		return nil, fmt.Errorf("disk: truncate %s to %d bytes: %w", path, size, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return nil, fmt.Errorf("disk: finalize %s: %w", path, err)
	}
	return Open(path)
}

func initDisk(path string, store backend.Storage) (*Disk, error) {
	info, err := store.Stat()
	if err != nil {
		return nil, fmt.Errorf("disk: stat %s: %w", path, err)
	}
	dt, err := DetermineDeviceType(store)
	if err != nil {
		return nil, err
	}

	size := info.Size()
	lbs, pbs := defaultBlockSize, defaultBlockSize
	if dt == DeviceTypeBlockDevice {
		if sz, err := deviceSize(store); err == nil {
			size = sz
		}
		if l, p, err := getSectorSizes(store); err == nil {
			lbs, pbs = l, p
		}
	}

	d := &Disk{
		Backend: store, Info: info, Path: path, Type: dt, Size: size,
		LogicalBlockSize: lbs, PhysicalBlockSize: pbs,
	}

	if table, err := mbr.Read(store, int(lbs), int(pbs)); err == nil {
		d.Table = table
	}
	return d, nil
}

// Partition writes table to the disk's backing store and adopts it as
// d.Table.
func (d *Disk) Partition(table *mbr.Table) error {
	writable, err := d.Backend.Writable()
	if err != nil {
		return err
	}
	if err := table.Write(writable, d.Size); err != nil {
		return fmt.Errorf("disk: write partition table: %w", err)
	}
	d.Table = table
	return nil
}

// AddPartition adds a partition to the disk's existing table and persists
// the updated table to the backing store.
func (d *Disk) AddPartition(pType mbr.PartitionType, start, sectors uint32, bootable bool) (int, error) {
	if d.Table == nil {
		return -1, &NoPartitionTableError{}
	}
	idx, err := d.Table.AddPartition(pType, start, sectors, bootable)
	if err != nil {
		return -1, NewMaxPartitionsExceededError(len(d.Table.Partitions)+1, len(d.Table.Partitions))
	}
	writable, werr := d.Backend.Writable()
	if werr != nil {
		return idx, werr
	}
	if err := d.Table.Write(writable, d.Size); err != nil {
		return idx, fmt.Errorf("disk: write partition table: %w", err)
	}
	return idx, nil
}

// AddPartitionAuto adds a partition sized sectors into the first free
// region large enough to hold it, persisting the updated table.
func (d *Disk) AddPartitionAuto(pType mbr.PartitionType, sectors uint32, bootable bool) (int, error) {
	if d.Table == nil {
		return -1, &NoPartitionTableError{}
	}
	idx, err := d.Table.AddPartitionAuto(pType, sectors, bootable, uint32(d.Size/512))
	if err != nil {
		return -1, err
	}
	writable, werr := d.Backend.Writable()
	if werr != nil {
		return idx, werr
	}
	if err := d.Table.Write(writable, d.Size); err != nil {
		return idx, fmt.Errorf("disk: write partition table: %w", err)
	}
	return idx, nil
}

// GetPartition returns the 1-indexed partition entry n.
func (d *Disk) GetPartition(n int) (*mbr.Partition, error) {
	if d.Table == nil {
		return nil, &NoPartitionTableError{}
	}
	if n < 1 || n > len(d.Table.Partitions) {
		return nil, NewInvalidPartitionError(n)
	}
	return d.Table.Partitions[n-1], nil
}

// OpenPartition returns a window.Window over the 1-indexed partition n, for
// a caller to mount any fs.Backend atop.
func (d *Disk) OpenPartition(n int) (*window.Window, error) {
	p, err := d.GetPartition(n)
	if err != nil {
		return nil, err
	}
	if !p.Valid() {
		return nil, NewInvalidPartitionError(n)
	}
	return window.New(d.Backend, p.GetStart(), p.GetSize()), nil
}

// ReadPartitionContents copies the 1-indexed partition n's raw bytes to w.
func (d *Disk) ReadPartitionContents(n int, w io.Writer) (int64, error) {
	p, err := d.GetPartition(n)
	if err != nil {
		return -1, err
	}
	return p.ReadContents(d.Backend, w)
}

// WritePartitionContents copies from r into the 1-indexed partition n's
// region of the disk, up to the partition's size.
func (d *Disk) WritePartitionContents(n int, r io.Reader) (int64, error) {
	p, err := d.GetPartition(n)
	if err != nil {
		return -1, err
	}
	writable, err := d.Backend.Writable()
	if err != nil {
		return -1, err
	}
	written, err := p.WriteContents(writable, r)
	return int64(written), err
}

// SetLabel attaches a human-readable label to the disk image file as an
// extended attribute, best-effort: a host filesystem that doesn't support
// xattrs (ENOTSUP/EOPNOTSUPP) is tolerated silently.
func (d *Disk) SetLabel(label string) error {
	err := xattr.Set(d.Path, labelXattr, []byte(label))
	if err == nil || isXattrUnsupported(err) {
		return nil
	}
	return err
}

// GetLabel reads the disk image's label xattr, returning "" if none is set
// or the host filesystem doesn't support xattrs.
func (d *Disk) GetLabel() (string, error) {
	v, err := xattr.Get(d.Path, labelXattr)
	if err != nil {
		if xattr.IsNotExist(err) || isXattrUnsupported(err) {
			return "", nil
		}
		return "", err
	}
	return string(v), nil
}

func isXattrUnsupported(err error) bool {
	return errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EOPNOTSUPP)
}

// BirthTime returns the disk image file's creation time where the host
// filesystem exposes one, for populating attr.Attributes.CreationTime. ok
// is false if the host doesn't report a birth time.
func (d *Disk) BirthTime() (t time.Time, ok bool) {
	spec, err := times.Stat(d.Path)
	if err != nil || !spec.HasBirthTime() {
		return time.Time{}, false
	}
	return spec.BirthTime(), true
}
