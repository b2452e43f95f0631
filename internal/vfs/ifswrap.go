package vfs

import (
	"context"

	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
)

// A driver implements any subset of the interfaces below on the value it
// stores in FSDevice.Ops. Calling an operation the driver lacks fails with
// ENOTSUP before anything is touched.

type InodeLoader interface {
	LoadInode(ctx context.Context, fs *FSDevice, id InodeID) (*Inode, error)
}

type InodeStorer interface {
	StoreInode(ctx context.Context, ino *Inode) error
}

// Mknoder allocates storage for ino and assigns ino.ID.
type Mknoder interface {
	Mknod(ctx context.Context, ino *Inode) error
}

type Rmnoder interface {
	Rmnod(ctx context.Context, ino *Inode) error
}

type InodeReader interface {
	ReadInode(ctx context.Context, ino *Inode, buf []byte, off int64) (int, error)
}

type InodeWriter interface {
	WriteInode(ctx context.Context, ino *Inode, buf []byte, off int64) (int, error)
}

// DirReader fills buf with whole records (see EncodeDirent) starting at byte
// offset off of the directory stream.
type DirReader interface {
	ReadDir(ctx context.Context, dir *Inode, buf []byte, off int64) (int, error)
}

type DirentFinder interface {
	FindDirent(ctx context.Context, dir *Inode, name string) (*Dirent, error)
}

// Mkdirer initializes the directory structure of a fresh inode.
type Mkdirer interface {
	Mkdir(ctx context.Context, ino *Inode) error
}

// Linker adds name -> id to dir and updates dir.Size.
type Linker interface {
	Link(ctx context.Context, dir *Inode, name string, id InodeID) error
}

type Unlinker interface {
	Unlink(ctx context.Context, dir *Inode, name string) error
}

// Truncater zero-fills on growth and frees storage on shrink.
type Truncater interface {
	Truncate(ctx context.Context, ino *Inode, size int64) error
}

type Syncer interface {
	Sync(ctx context.Context, fs *FSDevice) error
}

func notSupported(op string) error {
	return kerrors.New(kerrors.ENOTSUP, op+": operation not supported")
}

func ifsLoadInode(ctx context.Context, fs *FSDevice, id InodeID) (*Inode, error) {
	ops, ok := fs.Ops.(InodeLoader)
	if !ok {
		return nil, notSupported("load_inode")
	}
	return ops.LoadInode(ctx, fs, id)
}

func ifsStoreInode(ctx context.Context, ino *Inode) error {
	ops, ok := ino.fs.Ops.(InodeStorer)
	if !ok {
		return notSupported("store_inode")
	}
	return ops.StoreInode(ctx, ino)
}

func ifsMknod(ctx context.Context, ino *Inode) error {
	ops, ok := ino.fs.Ops.(Mknoder)
	if !ok {
		return notSupported("mknod")
	}
	return ops.Mknod(ctx, ino)
}

func ifsRmnod(ctx context.Context, ino *Inode) error {
	ops, ok := ino.fs.Ops.(Rmnoder)
	if !ok {
		return notSupported("rmnod")
	}
	return ops.Rmnod(ctx, ino)
}

func ifsReadInode(ctx context.Context, ino *Inode, buf []byte, off int64) (int, error) {
	ops, ok := ino.fs.Ops.(InodeReader)
	if !ok {
		return 0, notSupported("read_inode")
	}
	return ops.ReadInode(ctx, ino, buf, off)
}

func ifsWriteInode(ctx context.Context, ino *Inode, buf []byte, off int64) (int, error) {
	ops, ok := ino.fs.Ops.(InodeWriter)
	if !ok {
		return 0, notSupported("write_inode")
	}
	return ops.WriteInode(ctx, ino, buf, off)
}

func ifsReadDir(ctx context.Context, dir *Inode, buf []byte, off int64) (int, error) {
	ops, ok := dir.fs.Ops.(DirReader)
	if !ok {
		return 0, notSupported("read_dir")
	}
	return ops.ReadDir(ctx, dir, buf, off)
}

func ifsFindDirent(ctx context.Context, dir *Inode, name string) (*Dirent, error) {
	ops, ok := dir.fs.Ops.(DirentFinder)
	if !ok {
		return nil, notSupported("find_dirent")
	}
	return ops.FindDirent(ctx, dir, name)
}

func ifsMkdir(ctx context.Context, ino *Inode) error {
	ops, ok := ino.fs.Ops.(Mkdirer)
	if !ok {
		return notSupported("mkdir")
	}
	return ops.Mkdir(ctx, ino)
}

func ifsLink(ctx context.Context, dir *Inode, name string, id InodeID) error {
	ops, ok := dir.fs.Ops.(Linker)
	if !ok {
		return notSupported("link")
	}
	return ops.Link(ctx, dir, name, id)
}

func ifsUnlink(ctx context.Context, dir *Inode, name string) error {
	ops, ok := dir.fs.Ops.(Unlinker)
	if !ok {
		return notSupported("unlink")
	}
	return ops.Unlink(ctx, dir, name)
}

func ifsTruncate(ctx context.Context, ino *Inode, size int64) error {
	ops, ok := ino.fs.Ops.(Truncater)
	if !ok {
		return notSupported("trunc_inode")
	}
	return ops.Truncate(ctx, ino, size)
}

func ifsSync(ctx context.Context, fs *FSDevice) error {
	ops, ok := fs.Ops.(Syncer)
	if !ok {
		return notSupported("sync")
	}
	return ops.Sync(ctx, fs)
}
