// Command vfsctl is a small CLI around the VFS core: create a disk image
// with a basic MBR partition table, or mount an in-memory tree (optionally
// bridged to the host via FUSE) for interactive poking.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var log = logrus.New()

func main() {
	root := &cobra.Command{
		Use:   "vfsctl",
		Short: "Inspect and exercise the VFS core from the command line",
	}
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	root.AddCommand(createMkdiskCommand())
	root.AddCommand(createMountCommand())
	root.AddCommand(createInspectCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var verbose bool

func initLogging() {
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
}
