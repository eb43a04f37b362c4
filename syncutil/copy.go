// Package syncutil implements the bulk-copy and verification helpers used
// to populate a file-system backend from a host source tree, and to copy
// and verify raw partition contents disk to disk: a directory-walk-then-
// copy structure using golang.org/x/sync/errgroup for bounded fan-out over
// sibling files.
package syncutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"path"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xila-project/vfs-core/attr"
	"github.com/xila-project/vfs-core/disk"
	vfscorefs "github.com/xila-project/vfs-core/fs"
	"github.com/xila-project/vfs-core/ids"
	"github.com/xila-project/vfs-core/partition/part"
)

// excludedPaths are never copied.
var excludedPaths = map[string]bool{
	"lost+found":                true,
	".DS_Store":                 true,
	"System Volume Information": true,
}

const maxCopyConcurrency = 8

type copyData struct {
	count int64
	err   error
}

// CopyFileSystem copies files from a source fs.FS into dst, preserving
// directory structure and contents and best-effort restoring modification
// times. Every created handle is opened under task, so CloseAll(task)
// cleans up after a failed copy.
func CopyFileSystem(ctx context.Context, src fs.FS, dst vfscorefs.Backend, task ids.TaskID, now time.Time, user ids.UserID, group ids.GroupID) error {
	return copyDir(ctx, src, dst, ".", task, now, user, group)
}

func copyDir(ctx context.Context, src fs.FS, dst vfscorefs.Backend, dir string, task ids.TaskID, now time.Time, user ids.UserID, group ids.GroupID) error {
	entries, err := fs.ReadDir(src, dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dir, err)
	}

	var files []fs.DirEntry
	for _, entry := range entries {
		name := entry.Name()
		if excludedPaths[name] {
			continue
		}
		p := name
		if dir != "." {
			p = path.Join(dir, name)
		}

		if entry.IsDir() {
			if err := dst.CreateDirectory(ctx, p, now, user, group); err != nil {
				return fmt.Errorf("create dir %s: %w", p, err)
			}
			if err := copyDir(ctx, src, dst, p, task, now, user, group); err != nil {
				return fmt.Errorf("copy dir %s: %w", p, err)
			}
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.Mode().IsRegular() {
			// symlinks and other special entries have no portable
			// representation in a generic source fs.FS; skip them.
			continue
		}
		files = append(files, entry)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxCopyConcurrency)
	for _, entry := range files {
		entry := entry
		p := entry.Name()
		if dir != "." {
			p = path.Join(dir, entry.Name())
		}
		g.Go(func() error {
			info, err := entry.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", p, err)
			}
			if err := copyOneFile(gctx, src, dst, p, info, task, now, user, group); err != nil {
				return fmt.Errorf("copy file %s: %w", p, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func copyOneFile(ctx context.Context, src fs.FS, dst vfscorefs.Backend, p string, info fs.FileInfo, task ids.TaskID, now time.Time, user ids.UserID, group ids.GroupID) error {
	in, err := src.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	fid, err := dst.Open(ctx, task, p, vfscorefs.OpenWrite|vfscorefs.OpenCreate|vfscorefs.OpenTruncate, now, user, group)
	if err != nil {
		return err
	}
	local := ids.LocalFileIdentifier{Task: task, File: fid}
	defer func() { _ = dst.Close(ctx, local) }()

	buf := make([]byte, 64*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			written := 0
			for written < n {
				w, werr := dst.Write(ctx, local, buf[written:n], now)
				if werr != nil {
					return werr
				}
				if w == 0 {
					return io.ErrShortWrite
				}
				written += int(w)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	patch := attr.Attributes{Mask: attr.MaskModifyTime, ModifyTime: info.ModTime()}
	if err := dst.SetMetadataFromPath(p, patch); err != nil {
		// best-effort: content copy already succeeded even if the
		// backend can't restore timestamps.
		return nil
	}
	return nil
}

// CopyPartitionRaw copies raw data from one partition to another and
// verifies the copy byte for byte.
func CopyPartitionRaw(d *disk.Disk, from, to int) error {
	pr, pw := io.Pipe()
	ch := make(chan copyData, 1)

	go func() {
		defer func() { _ = pw.Close() }()
		read, err := d.ReadPartitionContents(from, pw)
		ch <- copyData{count: read, err: err}
	}()

	written, err := d.WritePartitionContents(to, pr)
	var ierr *part.IncompletePartitionWriteError
	if err != nil && !errors.As(err, &ierr) {
		return fmt.Errorf("failed to write raw data for partition %d: %v", to, err)
	}

	readData := <-ch
	if readData.err != nil {
		return fmt.Errorf("failed to read raw data for partition %d: %v", from, readData.err)
	}
	if readData.count != written {
		return fmt.Errorf("mismatched read/write sizes for partition %d: read %d bytes, wrote %d bytes", from, readData.count, written)
	}
	log.Printf("partition %d -> %d: contents copied byte for byte, %d bytes copied", from, to, written)
	if err := verifyBlockCopy(d, from, to, readData.count); err != nil {
		return fmt.Errorf("verification failed for partition %d: %v", from, err)
	}
	log.Printf("partition %d -> %d: block copy verified", from, to)
	return nil
}
