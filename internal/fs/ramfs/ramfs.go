// Package ramfs is an in-memory filesystem driver. It keeps no backing
// store beyond process memory and therefore does not implement Sync.
package ramfs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
	"github.com/S1riyS/vfs-switch/internal/vfs"
	"github.com/S1riyS/vfs-switch/pkg/logging"
)

const (
	FSType = "ramfs"

	RootInodeID vfs.InodeID = 0

	// MaxFileSize bounds a file body held in memory.
	MaxFileSize int64 = 1 << 30
)

var deviceCtr atomic.Uint32

func init() {
	deviceCtr.Store(0x0F00)
}

type node struct {
	mode  uint32
	uid   uint32
	gid   uint32
	size  int64
	nlink uint32
	rdev  uint64
	atime time.Time
	mtime time.Time
	ctime time.Time

	data    []byte
	dirents []vfs.Dirent
}

// FS is one ramfs instance.
type FS struct {
	mu     sync.Mutex
	dev    *vfs.FSDevice
	nextID vfs.InodeID
	nodes  map[vfs.InodeID]*node
}

// Register makes "ramfs" mountable on v.
func Register(ctx context.Context, v *vfs.VFS) error {
	return v.RegisterFS(ctx, FSType, Mount)
}

// Mount creates an empty instance. source and flags are ignored.
func Mount(ctx context.Context, source string, flags uint32) (*vfs.FSDevice, error) {
	const op = "ramfs.Mount"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	fs := &FS{nodes: make(map[vfs.InodeID]*node)}
	fs.dev = &vfs.FSDevice{
		ID:          vfs.DeviceID(deviceCtr.Add(1) - 1),
		RootInodeID: RootInodeID,
		Ops:         fs,
		Source:      source,
		FSType:      FSType,
	}

	now := time.Now()
	root := &node{
		mode:  vfs.ModeDir | 0o777,
		nlink: 2,
		atime: now,
		mtime: now,
		ctime: now,
	}
	root.dirents = []vfs.Dirent{
		{InodeID: RootInodeID, DeviceID: fs.dev.ID, Name: "."},
		{InodeID: RootInodeID, DeviceID: fs.dev.ID, Name: ".."},
	}
	root.size = direntsSize(root.dirents)
	fs.nodes[RootInodeID] = root
	fs.nextID = RootInodeID + 1

	logger.Debug("Created ramfs instance", slog.Uint64("device", uint64(fs.dev.ID)))
	return fs.dev, nil
}

func (f *FS) LoadInode(ctx context.Context, dev *vfs.FSDevice, id vfs.InodeID) (*vfs.Inode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.nodes[id]
	if !ok {
		return nil, kerrors.New(kerrors.ENOENT, fmt.Sprintf("ramfs: no inode %d", id))
	}

	ino := vfs.NewInode(dev, id)
	ino.Mode = n.mode
	ino.UID = n.uid
	ino.GID = n.gid
	ino.Size = n.size
	ino.Nlink = n.nlink
	ino.Rdev = n.rdev
	ino.Atime, ino.Mtime, ino.Ctime = n.atime, n.mtime, n.ctime
	ino.Private = n
	return ino, nil
}

func (f *FS) StoreInode(ctx context.Context, ino *vfs.Inode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.nodes[ino.ID]
	if !ok {
		return kerrors.New(kerrors.ENOENT, fmt.Sprintf("ramfs: no inode %d", ino.ID))
	}
	n.mode = ino.Mode
	n.uid = ino.UID
	n.gid = ino.GID
	n.size = ino.Size
	n.nlink = ino.Nlink
	n.rdev = ino.Rdev
	n.atime, n.mtime, n.ctime = ino.Atime, ino.Mtime, ino.Ctime
	return nil
}

func (f *FS) Mknod(ctx context.Context, ino *vfs.Inode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ino.ID = f.nextID
	f.nextID++

	n := &node{
		mode:  ino.Mode,
		uid:   ino.UID,
		gid:   ino.GID,
		rdev:  ino.Rdev,
		atime: ino.Atime,
		mtime: ino.Mtime,
		ctime: ino.Ctime,
	}
	f.nodes[ino.ID] = n
	ino.Private = n
	return nil
}

func (f *FS) Rmnod(ctx context.Context, ino *vfs.Inode) error {
	const op = "ramfs.FS.Rmnod"

	f.mu.Lock()
	delete(f.nodes, ino.ID)
	f.mu.Unlock()

	logging.GetLoggerFromContextWithOp(ctx, op).Debug("Freed inode",
		slog.Uint64("device", uint64(ino.Device)),
		slog.Uint64("ino", uint64(ino.ID)),
	)
	return nil
}

func (f *FS) ReadInode(ctx context.Context, ino *vfs.Inode, buf []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.node(ino.ID)
	if err != nil {
		return 0, err
	}
	if off >= int64(len(n.data)) {
		if len(buf) == 0 {
			return 0, nil
		}
		return 0, kerrors.New(kerrors.EIO, "ramfs: read past end of data")
	}
	copied := copy(buf, n.data[off:])
	if copied < len(buf) {
		return copied, kerrors.New(kerrors.EIO, "ramfs: short read")
	}
	return copied, nil
}

func (f *FS) WriteInode(ctx context.Context, ino *vfs.Inode, buf []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	end, err := vfs.FileEnd(off, int64(len(buf)), MaxFileSize)
	if err != nil {
		return 0, err
	}
	n, err := f.node(ino.ID)
	if err != nil {
		return 0, err
	}
	if end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	return copy(n.data[off:], buf), nil
}

func (f *FS) Truncate(ctx context.Context, ino *vfs.Inode, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := vfs.FileEnd(size, 0, MaxFileSize); err != nil {
		return err
	}
	n, err := f.node(ino.ID)
	if err != nil {
		return err
	}
	switch {
	case size > int64(len(n.data)):
		grown := make([]byte, size)
		copy(grown, n.data)
		n.data = grown
	case size < int64(len(n.data)):
		n.data = append([]byte(nil), n.data[:size]...)
	}
	return nil
}

func (f *FS) Mkdir(ctx context.Context, ino *vfs.Inode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.node(ino.ID)
	if err != nil {
		return err
	}
	n.dirents = []vfs.Dirent{}
	return nil
}

func (f *FS) FindDirent(ctx context.Context, dir *vfs.Inode, name string) (*vfs.Dirent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.dirNode(dir.ID)
	if err != nil {
		return nil, err
	}
	for _, d := range n.dirents {
		if d.Name == name {
			found := d
			found.RecLen = vfs.DirentRecLen(d)
			return &found, nil
		}
	}
	return nil, kerrors.New(kerrors.ENOENT, fmt.Sprintf("ramfs: no entry %q", name))
}

func (f *FS) Link(ctx context.Context, dir *vfs.Inode, name string, id vfs.InodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.dirNode(dir.ID)
	if err != nil {
		return err
	}
	d := vfs.Dirent{InodeID: id, DeviceID: dir.Device, Name: name}
	n.dirents = append(n.dirents, d)
	dir.Size += int64(vfs.DirentRecLen(d))
	return nil
}

func (f *FS) Unlink(ctx context.Context, dir *vfs.Inode, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.dirNode(dir.ID)
	if err != nil {
		return err
	}
	for i, d := range n.dirents {
		if d.Name == name {
			n.dirents = append(n.dirents[:i], n.dirents[i+1:]...)
			dir.Size -= int64(vfs.DirentRecLen(d))
			return nil
		}
	}
	return kerrors.New(kerrors.ENOENT, fmt.Sprintf("ramfs: no entry %q", name))
}

// ReadDir packs whole records starting at byte offset off.
func (f *FS) ReadDir(ctx context.Context, dir *vfs.Inode, buf []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.dirNode(dir.ID)
	if err != nil {
		return 0, err
	}
	return vfs.PackDirents(n.dirents, buf, off)
}

func (f *FS) node(id vfs.InodeID) (*node, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, kerrors.New(kerrors.ENOENT, fmt.Sprintf("ramfs: no inode %d", id))
	}
	return n, nil
}

func (f *FS) dirNode(id vfs.InodeID) (*node, error) {
	n, err := f.node(id)
	if err != nil {
		return nil, err
	}
	if n.dirents == nil {
		return nil, kerrors.New(kerrors.ENOTDIR, fmt.Sprintf("ramfs: inode %d is not a directory", id))
	}
	return n, nil
}

// Len reports the number of live nodes.
func (f *FS) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nodes)
}

func direntsSize(ds []vfs.Dirent) int64 {
	var size int64
	for _, d := range ds {
		size += int64(vfs.DirentRecLen(d))
	}
	return size
}
