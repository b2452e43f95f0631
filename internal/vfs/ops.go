package vfs

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
	"github.com/S1riyS/vfs-switch/pkg/logging"
	"github.com/S1riyS/vfs-switch/pkg/logging/slogext"
)

const readDirChunk = 4096

func (v *VFS) checkName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return kerrors.New(kerrors.EINVAL, "invalid file name")
	case len(name) > v.opts.MaxNameLength:
		return kerrors.New(kerrors.ENAMETOOLONG, "file name too long")
	}
	return nil
}

// create makes a new node called name in parent and returns it referenced.
// The caller holds the parent inode lock.
func (v *VFS) create(ctx context.Context, parent *Dirc, name string, mode uint32, rdev uint64) (*Inode, error) {
	dir := parent.Inode
	if !dir.IsDir() {
		return nil, kerrors.New(kerrors.ENOTDIR, "parent is not a directory")
	}

	if _, err := ifsFindDirent(ctx, dir, name); err == nil {
		return nil, kerrors.New(kerrors.EEXIST, "file exists")
	} else if !errors.Is(err, kerrors.ENOENT) {
		return nil, err
	}

	now := v.opts.Now()
	ino := NewInode(dir.fs, 0)
	ino.Mode = mode
	ino.Rdev = rdev
	ino.Atime, ino.Mtime, ino.Ctime = now, now, now

	if err := ifsMknod(ctx, ino); err != nil {
		return nil, err
	}
	if ino.IsDir() {
		if err := ifsMkdir(ctx, ino); err != nil {
			v.dropNode(ctx, ino)
			return nil, err
		}
	}
	if err := v.icache.register(ino); err != nil {
		v.dropNode(ctx, ino)
		return nil, err
	}

	if err := ifsLink(ctx, dir, name, ino.ID); err != nil {
		// Nlink is still 0, so eviction hands the node back to rmnod.
		v.icache.release(ctx, ino)
		return nil, err
	}
	ino.Nlink = 1

	if ino.IsDir() {
		err := ifsLink(ctx, ino, ".", ino.ID)
		if err == nil {
			err = ifsLink(ctx, ino, "..", dir.ID)
		}
		if err != nil {
			v.unlinkNew(ctx, dir, name, ino)
			return nil, err
		}
		ino.Nlink = 2
		dir.Nlink++
	}
	dir.Touch(now)

	v.icache.markDirty(dir)
	v.icache.markDirty(ino)
	return ino, nil
}

// dropNode frees a node that was never linked into a directory.
func (v *VFS) dropNode(ctx context.Context, ino *Inode) {
	const op = "vfs.VFS.dropNode"

	if err := ifsRmnod(ctx, ino); err != nil && !errors.Is(err, kerrors.ENOTSUP) {
		logging.GetLoggerFromContextWithOp(ctx, op).Error("Failed to free new node", slogext.Err(err),
			slog.Uint64("device", uint64(ino.Device)),
			slog.Uint64("ino", uint64(ino.ID)),
		)
	}
}

// unlinkNew takes back the name create just linked and drops the caller's
// reference. The node's own entries go with it when it is freed.
func (v *VFS) unlinkNew(ctx context.Context, dir *Inode, name string, ino *Inode) {
	const op = "vfs.VFS.unlinkNew"

	if err := ifsUnlink(ctx, dir, name); err != nil {
		// The name still points at ino, so keep it alive.
		logging.GetLoggerFromContextWithOp(ctx, op).Error("Failed to unlink half-created node", slogext.Err(err),
			slog.String("name", name),
			slog.Uint64("ino", uint64(ino.ID)),
		)
		v.icache.markDirty(ino)
	} else {
		ino.Nlink = 0
	}
	v.icache.release(ctx, ino)
}

func (v *VFS) createPath(ctx context.Context, ns *Namespace, path string, mode uint32, rdev uint64) (*Inode, error) {
	parent, err := v.Resolve(ctx, ns, path, FlagParent)
	if err != nil {
		return nil, err
	}
	defer v.dcache.release(ctx, parent)

	name := splitLast(path)
	if err := v.checkName(name); err != nil {
		return nil, err
	}

	parent.Inode.Lock()
	defer parent.Inode.Unlock()
	return v.create(ctx, parent, name, mode, rdev)
}

// Mknod creates a file of any type at path.
func (v *VFS) Mknod(ctx context.Context, ns *Namespace, path string, mode uint32, rdev uint64) error {
	const op = "vfs.VFS.Mknod"

	if mode&ModeType == 0 {
		mode |= ModeRegular
	}

	ino, err := v.createPath(ctx, ns, path, mode, rdev)
	if err != nil {
		logging.GetLoggerFromContextWithOp(ctx, op).Debug("Mknod failed",
			slogext.Err(err), slog.String("path", path))
		return err
	}
	v.icache.release(ctx, ino)
	return nil
}

// Create makes an empty regular file.
func (v *VFS) Create(ctx context.Context, ns *Namespace, path string, perm uint32) (Stat, error) {
	ino, err := v.createPath(ctx, ns, path, ModeRegular|perm&ModePerm, 0)
	if err != nil {
		return Stat{}, err
	}
	defer v.icache.release(ctx, ino)
	return ino.Stat(), nil
}

// Mkdir creates a directory with "." and ".." entries.
func (v *VFS) Mkdir(ctx context.Context, ns *Namespace, path string, perm uint32) (Stat, error) {
	ino, err := v.createPath(ctx, ns, path, ModeDir|perm&0o777, 0)
	if err != nil {
		return Stat{}, err
	}
	defer v.icache.release(ctx, ino)
	return ino.Stat(), nil
}

// Symlink creates path pointing at target.
func (v *VFS) Symlink(ctx context.Context, ns *Namespace, target, path string) error {
	if target == "" {
		return kerrors.New(kerrors.ENOENT, "empty symlink target")
	}
	if len(target) >= v.opts.MaxNameLength {
		return kerrors.New(kerrors.ENAMETOOLONG, "symlink target too long")
	}

	ino, err := v.createPath(ctx, ns, path, ModeSymlink|0o777, 0)
	if err != nil {
		return err
	}
	defer v.icache.release(ctx, ino)

	ino.Lock()
	n, err := ifsWriteInode(ctx, ino, []byte(target), 0)
	if err == nil {
		ino.Size = int64(n)
	}
	ino.Unlock()

	if err != nil {
		_ = v.Unlink(ctx, ns, path)
		return err
	}
	v.icache.markDirty(ino)
	return nil
}

// Readlink returns the target of the symlink at path.
func (v *VFS) Readlink(ctx context.Context, ns *Namespace, path string) (string, error) {
	d, err := v.Resolve(ctx, ns, path, FlagNoSymlink)
	if err != nil {
		return "", err
	}
	defer v.dcache.release(ctx, d)

	if !d.Inode.IsSymlink() {
		return "", kerrors.New(kerrors.EINVAL, "not a symbolic link")
	}
	return v.readLinkTarget(ctx, d.Inode)
}

// Link adds newpath as another name for the file at oldpath.
func (v *VFS) Link(ctx context.Context, ns *Namespace, oldpath, newpath string) error {
	src, err := v.Resolve(ctx, ns, oldpath, FlagNoSymlink)
	if err != nil {
		return err
	}
	defer v.dcache.release(ctx, src)

	if src.Inode.IsDir() {
		return kerrors.New(kerrors.EPERM, "cannot link a directory")
	}

	parent, err := v.Resolve(ctx, ns, newpath, FlagParent)
	if err != nil {
		return err
	}
	defer v.dcache.release(ctx, parent)

	name := splitLast(newpath)
	if err := v.checkName(name); err != nil {
		return err
	}

	dir := parent.Inode
	if !dir.IsDir() {
		return kerrors.New(kerrors.ENOTDIR, "parent is not a directory")
	}
	if dir.Device != src.Inode.Device {
		return kerrors.New(kerrors.EXDEV, "link across filesystems")
	}

	dir.Lock()
	defer dir.Unlock()

	if _, err := ifsFindDirent(ctx, dir, name); err == nil {
		return kerrors.New(kerrors.EEXIST, "file exists")
	} else if !errors.Is(err, kerrors.ENOENT) {
		return err
	}

	if err := ifsLink(ctx, dir, name, src.Inode.ID); err != nil {
		return err
	}

	now := v.opts.Now()
	dir.Touch(now)
	src.Inode.Lock()
	src.Inode.Nlink++
	src.Inode.Ctime = now
	src.Inode.Unlock()

	v.icache.markDirty(dir)
	v.icache.markDirty(src.Inode)
	return nil
}

// Unlink removes a non-directory name.
func (v *VFS) Unlink(ctx context.Context, ns *Namespace, path string) error {
	return v.remove(ctx, ns, path, false)
}

// Rmdir removes an empty directory.
func (v *VFS) Rmdir(ctx context.Context, ns *Namespace, path string) error {
	return v.remove(ctx, ns, path, true)
}

func (v *VFS) remove(ctx context.Context, ns *Namespace, path string, isDir bool) error {
	parent, err := v.Resolve(ctx, ns, path, FlagParent)
	if err != nil {
		return err
	}
	defer v.dcache.release(ctx, parent)

	name := splitLast(path)
	if err := v.checkName(name); err != nil {
		return err
	}

	dir := parent.Inode
	if !dir.IsDir() {
		return kerrors.New(kerrors.ENOTDIR, "parent is not a directory")
	}

	target, err := v.lookupChild(ctx, parent, name)
	if err != nil {
		return err
	}
	defer v.dcache.release(ctx, target)

	ino := target.Inode
	switch {
	case isDir && !ino.IsDir():
		return kerrors.New(kerrors.ENOTDIR, "not a directory")
	case !isDir && ino.IsDir():
		return kerrors.New(kerrors.EISDIR, "is a directory")
	}

	if isDir {
		if target == ns.Root || ino == ns.Root.Inode || v.mounts.byRoot(ino) != nil || ino.Mount != nil {
			return kerrors.New(kerrors.EBUSY, "directory is in use")
		}
		empty, err := v.dirEmpty(ctx, ino)
		if err != nil {
			return err
		}
		if !empty {
			return kerrors.New(kerrors.ENOTEMPTY, "directory not empty")
		}
	}

	dir.Lock()
	defer dir.Unlock()

	if err := ifsUnlink(ctx, dir, name); err != nil {
		return err
	}
	v.dcache.invalidate(ctx, parent, name)

	now := v.opts.Now()
	dir.Touch(now)

	ino.Lock()
	if isDir {
		ino.Nlink = 0
		if dir.Nlink > 0 {
			dir.Nlink--
		}
	} else if ino.Nlink > 0 {
		ino.Nlink--
	}
	ino.Ctime = now
	ino.Unlock()

	v.icache.markDirty(dir)
	v.icache.markDirty(ino)
	return nil
}

func (v *VFS) dirEmpty(ctx context.Context, dir *Inode) (bool, error) {
	entries, err := v.readDirInode(ctx, dir)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Name != "." && e.Name != ".." {
			return false, nil
		}
	}
	return true, nil
}

// Stat follows a final symlink, Lstat does not.
func (v *VFS) Stat(ctx context.Context, ns *Namespace, path string) (Stat, error) {
	return v.stat(ctx, ns, path, 0)
}

func (v *VFS) Lstat(ctx context.Context, ns *Namespace, path string) (Stat, error) {
	return v.stat(ctx, ns, path, FlagNoSymlink)
}

func (v *VFS) stat(ctx context.Context, ns *Namespace, path string, flags Flags) (Stat, error) {
	d, err := v.Resolve(ctx, ns, path, flags)
	if err != nil {
		return Stat{}, err
	}
	defer v.dcache.release(ctx, d)
	return d.Inode.Stat(), nil
}

// Read copies file data at off into buf. Reads past the end return 0.
func (v *VFS) Read(ctx context.Context, ns *Namespace, path string, buf []byte, off int64) (int, error) {
	d, err := v.Resolve(ctx, ns, path, 0)
	if err != nil {
		return 0, err
	}
	defer v.dcache.release(ctx, d)
	return v.ReadInode(ctx, d.Inode, buf, off)
}

func (v *VFS) ReadInode(ctx context.Context, ino *Inode, buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, kerrors.New(kerrors.EINVAL, "negative offset")
	}
	if ino.IsDir() {
		return 0, kerrors.New(kerrors.EISDIR, "is a directory")
	}

	ino.Lock()
	defer ino.Unlock()

	if off >= ino.Size {
		return 0, nil
	}
	if rem := ino.Size - off; int64(len(buf)) > rem {
		buf = buf[:rem]
	}
	return ifsReadInode(ctx, ino, buf, off)
}

// Write stores data at off, growing the file as needed.
func (v *VFS) Write(ctx context.Context, ns *Namespace, path string, data []byte, off int64) (int, error) {
	d, err := v.Resolve(ctx, ns, path, 0)
	if err != nil {
		return 0, err
	}
	defer v.dcache.release(ctx, d)
	return v.WriteInode(ctx, d.Inode, data, off)
}

func (v *VFS) WriteInode(ctx context.Context, ino *Inode, data []byte, off int64) (int, error) {
	if _, err := FileEnd(off, int64(len(data)), math.MaxInt64); err != nil {
		return 0, err
	}
	if ino.IsDir() {
		return 0, kerrors.New(kerrors.EISDIR, "is a directory")
	}

	ino.Lock()
	defer ino.Unlock()

	n, err := ifsWriteInode(ctx, ino, data, off)
	if n > 0 {
		if end := off + int64(n); end > ino.Size {
			ino.Size = end
		}
		ino.Touch(v.opts.Now())
		v.icache.markDirty(ino)
	}
	return n, err
}

// Truncate sets the size of the file at path.
func (v *VFS) Truncate(ctx context.Context, ns *Namespace, path string, size int64) error {
	if size < 0 {
		return kerrors.New(kerrors.EINVAL, "negative size")
	}

	d, err := v.Resolve(ctx, ns, path, 0)
	if err != nil {
		return err
	}
	defer v.dcache.release(ctx, d)

	ino := d.Inode
	if ino.IsDir() {
		return kerrors.New(kerrors.EISDIR, "is a directory")
	}

	ino.Lock()
	defer ino.Unlock()

	if err := ifsTruncate(ctx, ino, size); err != nil {
		return err
	}
	ino.Size = size
	ino.Touch(v.opts.Now())
	v.icache.markDirty(ino)
	return nil
}

// ReadDir lists the directory at path, "." and ".." included.
func (v *VFS) ReadDir(ctx context.Context, ns *Namespace, path string) ([]Dirent, error) {
	d, err := v.Resolve(ctx, ns, path, 0)
	if err != nil {
		return nil, err
	}
	defer v.dcache.release(ctx, d)

	if !d.Inode.IsDir() {
		return nil, kerrors.New(kerrors.ENOTDIR, "not a directory")
	}
	return v.readDirInode(ctx, d.Inode)
}

func (v *VFS) readDirInode(ctx context.Context, dir *Inode) ([]Dirent, error) {
	var out []Dirent

	buf := make([]byte, readDirChunk)
	var off int64
	for {
		n, err := ifsReadDir(ctx, dir, buf, off)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		entries, err := DecodeDirents(buf[:n])
		if err != nil {
			return nil, kerrors.New(kerrors.EIO, err.Error())
		}
		out = append(out, entries...)
		off += int64(n)
	}
}

// Lookup resolves name inside d without following a final symlink.
func (v *VFS) Lookup(ctx context.Context, ns *Namespace, d *Dirc, name string) (*Dirc, error) {
	if name == "" || strings.IndexByte(name, '/') >= 0 {
		return nil, kerrors.New(kerrors.EINVAL, "invalid file name")
	}
	return v.resolveAt(ctx, ns, d, name, FlagNoSymlink, 0)
}

// ReadDirc lists the directory d refers to.
func (v *VFS) ReadDirc(ctx context.Context, d *Dirc) ([]Dirent, error) {
	if !d.Inode.IsDir() {
		return nil, kerrors.New(kerrors.ENOTDIR, "not a directory")
	}
	return v.readDirInode(ctx, d.Inode)
}

// ReadlinkDirc returns the target of the symlink d refers to.
func (v *VFS) ReadlinkDirc(ctx context.Context, d *Dirc) (string, error) {
	if !d.Inode.IsSymlink() {
		return "", kerrors.New(kerrors.EINVAL, "not a symbolic link")
	}
	return v.readLinkTarget(ctx, d.Inode)
}

// Ref takes another reference on d.
func (v *VFS) Ref(d *Dirc) *Dirc {
	return v.dcache.ref(d)
}

// Attr selects metadata to change in Setattr. Nil fields are left alone.
type Attr struct {
	// Perm replaces the permission bits; the file type is kept.
	Perm  *uint32
	UID   *uint32
	GID   *uint32
	Mtime *time.Time
}

// Setattr changes metadata of the file at path. A final symlink is not
// followed.
func (v *VFS) Setattr(ctx context.Context, ns *Namespace, path string, attr Attr) error {
	d, err := v.Resolve(ctx, ns, path, FlagNoSymlink)
	if err != nil {
		return err
	}
	defer v.dcache.release(ctx, d)

	ino := d.Inode
	ino.Lock()
	if attr.Perm != nil {
		ino.Mode = ino.Mode&ModeType | *attr.Perm&ModePerm
	}
	if attr.UID != nil {
		ino.UID = *attr.UID
	}
	if attr.GID != nil {
		ino.GID = *attr.GID
	}
	if attr.Mtime != nil {
		ino.Mtime = *attr.Mtime
	}
	ino.Ctime = v.opts.Now()
	ino.Unlock()

	v.icache.markDirty(ino)
	return nil
}
