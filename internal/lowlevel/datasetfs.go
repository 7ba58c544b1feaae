package lowlevel

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// datasetRoot is the root directory served for a dataset until the storage
// engine attaches its own node tree.
type datasetRoot struct {
	fs.Inode
	name string
}

var (
	_ fs.NodeGetattrer = (*datasetRoot)(nil)
	_ fs.NodeStatfser  = (*datasetRoot)(nil)
)

// NewDatasetFS returns the handler table for one dataset.
func NewDatasetFS(name string) fuse.RawFileSystem {
	return fs.NewNodeFS(&datasetRoot{name: name}, &fs.Options{})
}

func (r *datasetRoot) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0755
	out.Nlink = 2
	out.Blksize = 4096
	return 0
}

func (r *datasetRoot) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	out.Bsize = 4096
	out.Frsize = 4096
	out.NameLen = 255
	return 0
}
