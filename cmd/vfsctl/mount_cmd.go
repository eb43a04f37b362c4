package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xila-project/vfs-core/hostmount"
	"github.com/xila-project/vfs-core/ids"
	"github.com/xila-project/vfs-core/memfs"
	"github.com/xila-project/vfs-core/vfs"
)

var mountFUSE bool

func createMountCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount [flags] MOUNTPOINT",
		Short: "Build an in-memory tree and, with --fuse, expose it at MOUNTPOINT",
		Args:  cobra.ExactArgs(1),
		RunE:  executeMount,
	}
	cmd.Flags().BoolVar(&mountFUSE, "fuse", false, "bridge the tree onto the host via FUSE at MOUNTPOINT")
	return cmd
}

const (
	vfsctlTask  ids.TaskID  = 1
	vfsctlUser  ids.UserID  = 0
	vfsctlGroup ids.GroupID = 0
)

func executeMount(cmd *cobra.Command, args []string) error {
	initLogging()
	mountpoint := args[0]

	v := vfs.New(memfs.New(), log)

	if !mountFUSE {
		log.Infof("built in-memory tree; --fuse not set, nothing to mount at %s", mountpoint)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	join, unmount, err := hostmount.Mount(ctx, v, mountpoint, vfsctlTask, vfsctlUser, vfsctlGroup)
	if err != nil {
		return fmt.Errorf("mount %s: %w", mountpoint, err)
	}
	log.Infof("mounted at %s, press Ctrl-C to unmount", mountpoint)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infof("unmounting %s", mountpoint)
		if err := unmount(); err != nil {
			log.Errorf("unmount: %v", err)
		}
	}()

	return join(ctx)
}
