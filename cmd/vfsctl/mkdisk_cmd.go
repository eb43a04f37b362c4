package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xila-project/vfs-core/disk"
	"github.com/xila-project/vfs-core/partition/mbr"
)

var (
	mkdiskSizeMB    int64
	mkdiskPartType  string
	mkdiskSignature uint32
)

func createMkdiskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mkdisk [flags] OUT_FILE",
		Short: "Create a disk image with a single basic MBR partition",
		Args:  cobra.ExactArgs(1),
		RunE:  executeMkdisk,
	}
	cmd.Flags().Int64Var(&mkdiskSizeMB, "size-mb", 64, "disk image size in megabytes")
	cmd.Flags().StringVar(&mkdiskPartType, "type", "linux", "partition type: linux or fat32")
	cmd.Flags().Uint32Var(&mkdiskSignature, "signature", 0, "MBR disk signature (0 generates one at random)")
	return cmd
}

func partitionTypeFor(name string) (mbr.PartitionType, error) {
	switch name {
	case "linux":
		return mbr.Linux, nil
	case "fat32":
		return mbr.FAT32LBA, nil
	default:
		return 0, fmt.Errorf("unknown partition type %q (supported: linux, fat32)", name)
	}
}

func executeMkdisk(cmd *cobra.Command, args []string) error {
	initLogging()
	out := args[0]
	size := mkdiskSizeMB * 1024 * 1024

	pType, err := partitionTypeFor(mkdiskPartType)
	if err != nil {
		return err
	}

	d, err := disk.Create(out, size)
	if err != nil {
		return fmt.Errorf("create disk image: %w", err)
	}

	signature := mkdiskSignature
	if signature == 0 {
		signature = mbr.NewDiskSignature()
	}
	totalSectors := uint32(size / 512)
	table, err := mbr.CreateBasic(signature, pType, totalSectors)
	if err != nil {
		return fmt.Errorf("build partition table: %w", err)
	}
	if err := d.Partition(table); err != nil {
		return fmt.Errorf("write partition table: %w", err)
	}

	log.Infof("created %s (%d MiB, 1 partition, type %s)", out, mkdiskSizeMB, pType)
	return nil
}
