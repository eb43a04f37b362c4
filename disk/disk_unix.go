//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build aix darwin dragonfly freebsd linux netbsd openbsd solaris

package disk

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/xila-project/vfs-core/backend"
)

const (
	blkrrpart = 0x125f
	blksszGet = 0x1268
	blkbszGet = 0x80081270
)

// deviceSize reads a block device's size in bytes from sysfs, since
// os.FileInfo.Size() is meaningless for device nodes.
func deviceSize(store backend.Storage) (int64, error) {
	f, err := store.Sys()
	if err != nil {
		return 0, err
	}
	devSizePath := fmt.Sprintf("/sys/class/block/%s/size", path.Base(f.Name()))
	sizeBytes, err := os.ReadFile(devSizePath)
	if err != nil {
		return 0, fmt.Errorf("could not get size of device %s from kernel: %w", f.Name(), err)
	}
	sectors, err := strconv.ParseInt(strings.TrimSuffix(string(sizeBytes), "\n"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size reported for device %s: %s", f.Name(), sizeBytes)
	}
	return sectors * defaultBlockSize, nil
}

// getSectorSizes returns a block device's logical and physical sector
// sizes via BLKSSZGET/BLKBSZGET ioctls.
func getSectorSizes(store backend.Storage) (logical, physical int64, err error) {
	f, err := store.Sys()
	if err != nil {
		return 0, 0, err
	}
	fd := int(f.Fd())
	l, err := unix.IoctlGetInt(fd, blksszGet)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to get device logical sector size: %w", err)
	}
	p, err := unix.IoctlGetInt(fd, blkbszGet)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to get device physical sector size: %w", err)
	}
	return int64(l), int64(p), nil
}

// ReReadPartitionTable forces the kernel to re-read the partition table
// on the disk.
//
// It is done via an ioctl call with request as BLKRRPART.
func (d *Disk) ReReadPartitionTable() error {
	// the partition table needs to be re-read only if
	// the disk file is an actual block device
	devInfo, err := d.Backend.Stat()
	if err != nil {
		return err
	}

	if devInfo.Mode()&os.ModeDevice != 0 {
		osFile, err := d.Backend.Sys()
		if err != nil {
			return err
		}
		fd := osFile.Fd()
		_, err = unix.IoctlGetInt(int(fd), blkrrpart)
		if err != nil {
			return fmt.Errorf("unable to re-read the partition table. Kernel still uses old partition table: %v", err)
		}
	}

	return nil
}
