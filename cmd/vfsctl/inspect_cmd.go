package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xila-project/vfs-core/disk"
	"github.com/xila-project/vfs-core/util"
)

var inspectShowASCII bool

func createInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect DISK_FILE",
		Short: "Hex-dump a disk image's MBR sector and list its partitions",
		Args:  cobra.ExactArgs(1),
		RunE:  executeInspect,
	}
	cmd.Flags().BoolVar(&inspectShowASCII, "ascii", true, "show the ASCII column alongside the hex dump")
	return cmd
}

func executeInspect(cmd *cobra.Command, args []string) error {
	initLogging()
	d, err := disk.Open(args[0])
	if err != nil {
		return fmt.Errorf("open disk image: %w", err)
	}

	sector := make([]byte, 512)
	if _, err := d.Backend.ReadAt(sector, 0); err != nil {
		return fmt.Errorf("read MBR sector: %w", err)
	}
	fmt.Print(util.DumpByteSlice(sector, 16, inspectShowASCII, true, false, nil))

	if d.Table == nil {
		fmt.Println("no partition table present")
		return nil
	}
	for i, p := range d.Table.Partitions {
		if !p.Valid() {
			continue
		}
		fmt.Printf("partition %d: type=%s start=%d sectors=%d bootable=%v\n",
			i+1, p.Type, p.Start, p.Size, p.Bootable)
	}
	return nil
}
