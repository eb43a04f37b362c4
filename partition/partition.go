// Package partition provides the ability to work with a disk's partitioning
// table. GPT is out of scope beyond the protective-MBR detection
// mbr.Table.IsGPTProtective allows; the only concrete table format this
// core implements is MBR.
package partition

import (
	"github.com/xila-project/vfs-core/backend"
	"github.com/xila-project/vfs-core/partition/mbr"
)

// Read reads a partition table from a disk.
func Read(f backend.File, logicalBlocksize, physicalBlocksize int) (Table, error) {
	return mbr.Read(f, logicalBlocksize, physicalBlocksize)
}
