// Package fuseexport exposes a VFS namespace read-only through FUSE. Nodes
// are addressed by path and re-resolved on every call, so the export never
// pins directory cache entries between kernel requests.
package fuseexport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
	"github.com/S1riyS/vfs-switch/internal/vfs"
	"github.com/S1riyS/vfs-switch/pkg/logging"
	"github.com/S1riyS/vfs-switch/pkg/logging/slogext"
)

type Options struct {
	// Mountpoint is the host directory to mount on. It is created if
	// missing.
	Mountpoint string
	// Root is the VFS path exported as the FUSE root.
	Root  string
	Debug bool
}

// Export is a mounted FUSE view. Unmount releases the namespace it holds.
type Export struct {
	Server *fuse.Server

	v  *vfs.VFS
	ns *vfs.Namespace
}

// Mount serves the namespace ns at opts.Mountpoint. ns is cloned, so the
// caller keeps ownership of its own copy.
func Mount(ctx context.Context, v *vfs.VFS, ns *vfs.Namespace, opts Options) (*Export, error) {
	const op = "fuseexport.Mount"

	logger := logging.GetLoggerFromContextWithOp(ctx, op).With(slog.String("mountpoint", opts.Mountpoint))

	if opts.Mountpoint == "" {
		return nil, fmt.Errorf("%s: mountpoint is required", op)
	}
	if opts.Root == "" {
		opts.Root = "/"
	}
	if err := os.MkdirAll(opts.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("%s: create mountpoint: %w", op, err)
	}

	st, err := v.Stat(ctx, ns, opts.Root)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if st.Mode&vfs.ModeType != vfs.ModeDir {
		return nil, fmt.Errorf("%s: %w", op, kerrors.New(kerrors.ENOTDIR, "export root is not a directory"))
	}

	exp := &Export{v: v, ns: v.Clone(ns)}
	root := &node{exp: exp, path: path.Clean(opts.Root), logger: logger}

	entryTimeout := time.Second
	attrTimeout := time.Second
	server, err := gofuse.Mount(opts.Mountpoint, root, &gofuse.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName: "vfs-switch",
			Name:   "vfsswitch",
			Debug:  opts.Debug,
		},
	})
	if err != nil {
		v.Close(ctx, exp.ns)
		logger.Error("Failed to mount FUSE export", slogext.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	exp.Server = server

	logger.Info("FUSE export mounted", slog.String("root", opts.Root))
	return exp, nil
}

// Wait blocks until the export is unmounted from outside.
func (e *Export) Wait() {
	e.Server.Wait()
}

func (e *Export) Unmount(ctx context.Context) error {
	err := e.Server.Unmount()
	e.v.Close(ctx, e.ns)
	return err
}

type node struct {
	gofuse.Inode

	exp    *Export
	path   string
	logger *slog.Logger
}

var (
	_ gofuse.InodeEmbedder  = (*node)(nil)
	_ gofuse.NodeLookuper   = (*node)(nil)
	_ gofuse.NodeGetattrer  = (*node)(nil)
	_ gofuse.NodeReaddirer  = (*node)(nil)
	_ gofuse.NodeOpener     = (*node)(nil)
	_ gofuse.NodeReader     = (*node)(nil)
	_ gofuse.NodeReadlinker = (*node)(nil)
)

func (n *node) child(name string) *node {
	return &node{exp: n.exp, path: path.Join(n.path, name), logger: n.logger}
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	c := n.child(name)
	st, err := n.exp.v.Lstat(ctx, n.exp.ns, c.path)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(st, &out.Attr)
	return n.NewInode(ctx, c, stableAttr(st)), 0
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	st, err := n.exp.v.Lstat(ctx, n.exp.ns, n.path)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(st, &out.Attr)
	return 0
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := n.exp.v.ReadDir(ctx, n.exp.ns, n.path)
	if err != nil {
		return nil, toErrno(err)
	}

	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		st, err := n.exp.v.Lstat(ctx, n.exp.ns, path.Join(n.path, e.Name))
		if err != nil {
			n.logger.Debug("Skipping unreadable entry", slogext.Err(err), slog.String("name", e.Name))
			continue
		}
		list = append(list, fuse.DirEntry{
			Name: e.Name,
			Ino:  inoNumber(st),
			Mode: st.Mode & vfs.ModeType,
		})
	}
	return gofuse.NewListDirStream(list), 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, 0, 0
}

func (n *node) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	read, err := n.exp.v.Read(ctx, n.exp.ns, n.path, dest, off)
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:read]), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.exp.v.Readlink(ctx, n.exp.ns, n.path)
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), 0
}

// inoNumber folds device and inode id into one host inode number.
func inoNumber(st vfs.Stat) uint64 {
	return uint64(st.Device)<<32 | uint64(st.Inode)
}

func stableAttr(st vfs.Stat) gofuse.StableAttr {
	return gofuse.StableAttr{Mode: st.Mode & vfs.ModeType, Ino: inoNumber(st)}
}

func fillAttr(st vfs.Stat, out *fuse.Attr) {
	out.Ino = inoNumber(st)
	out.Mode = st.Mode
	out.Nlink = st.Nlink
	out.Size = uint64(st.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Owner = fuse.Owner{Uid: st.UID, Gid: st.GID}
	out.Rdev = uint32(st.Rdev)
	out.SetTimes(&st.Atime, &st.Mtime, &st.Ctime)
}

func toErrno(err error) syscall.Errno {
	return syscall.Errno(kerrors.Errno(err))
}
