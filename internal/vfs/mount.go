package vfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
	"github.com/S1riyS/vfs-switch/pkg/logging"
	"github.com/S1riyS/vfs-switch/pkg/logging/slogext"
)

// MountRecord binds a filesystem instance to the inode it is mounted on.
// The record holds a reference on Mountpoint, Parent and Root.
type MountRecord struct {
	FS *FSDevice
	// Mountpoint is nil for the root filesystem.
	Mountpoint *Inode
	// Parent is the directory containing the mountpoint. The mounted root's
	// dirc hangs off it, which is what makes ".." leave the filesystem.
	Parent *Dirc
	// Name is the mountpoint's name within Parent.
	Name  string
	Root  *Inode
	Flags uint32
}

type mountTable struct {
	mu       sync.RWMutex
	byDevice map[DeviceID]*MountRecord
	records  []*MountRecord
}

func newMountTable() *mountTable {
	return &mountTable{byDevice: make(map[DeviceID]*MountRecord)}
}

func (t *mountTable) register(rec *MountRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byDevice[rec.FS.ID]; ok {
		return kerrors.New(kerrors.EBUSY, fmt.Sprintf("device %#x already mounted", rec.FS.ID))
	}
	if rec.Mountpoint != nil {
		for _, r := range t.records {
			if r.Mountpoint == rec.Mountpoint || r.Root == rec.Mountpoint {
				return kerrors.New(kerrors.EBUSY, "target is already a mountpoint")
			}
		}
	}

	t.byDevice[rec.FS.ID] = rec
	t.records = append(t.records, rec)
	return nil
}

func (t *mountTable) unregister(rec *MountRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.byDevice, rec.FS.ID)
	for i, r := range t.records {
		if r == rec {
			t.records = append(t.records[:i], t.records[i+1:]...)
			break
		}
	}
}

func (t *mountTable) byDev(dev DeviceID) *MountRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byDevice[dev]
}

func (t *mountTable) byMountpoint(ino *Inode) *MountRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.records {
		if r.Mountpoint == ino {
			return r
		}
	}
	return nil
}

func (t *mountTable) byRoot(ino *Inode) *MountRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.records {
		if r.Root == ino {
			return r
		}
	}
	return nil
}

func (t *mountTable) list() []*MountRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*MountRecord, len(t.records))
	copy(out, t.records)
	return out
}

// MountInfo describes one entry of the mount table.
type MountInfo struct {
	Device DeviceID `yaml:"device"`
	FSType string   `yaml:"fstype"`
	Source string   `yaml:"source"`
	Path   string   `yaml:"path"`
	Flags  uint32   `yaml:"flags"`
}

// Mounts lists the mounted filesystems in mount order. Paths are global,
// even for mounts made through a chrooted namespace.
func (v *VFS) Mounts() []MountInfo {
	records := v.mounts.list()
	out := make([]MountInfo, 0, len(records))
	for _, r := range records {
		out = append(out, MountInfo{
			Device: r.FS.ID,
			FSType: r.FS.FSType,
			Source: r.FS.Source,
			Path:   v.mountPath(r),
			Flags:  r.Flags,
		})
	}
	return out
}

func (v *VFS) mountPath(r *MountRecord) string {
	if r.Parent == nil {
		return "/"
	}
	return joinPath(dircPath(r.Parent), r.Name)
}

// effective returns the inode a lookup should land on: the mounted root for
// a mountpoint, ino otherwise. The reference on ino is traded for the result.
func (v *VFS) effective(ctx context.Context, ino *Inode) *Inode {
	for ino.Mount != nil {
		root := v.icache.ref(ino.Mount)
		v.icache.release(ctx, ino)
		ino = root
	}
	return ino
}

func (v *VFS) instantiate(ctx context.Context, fstype, source string, flags uint32) (*FSDevice, *Inode, error) {
	drv, err := v.getDriver(fstype)
	if err != nil {
		return nil, nil, err
	}

	fs, err := drv.Mount(ctx, source, flags)
	if err != nil {
		return nil, nil, err
	}
	if fs.FSType == "" {
		fs.FSType = fstype
	}
	if fs.Source == "" {
		fs.Source = source
	}

	root, err := v.icache.get(ctx, fs, fs.RootInodeID)
	if err != nil {
		return nil, nil, err
	}
	return fs, root, nil
}

// mountRoot attaches the root filesystem. Called once from Initialize.
func (v *VFS) mountRoot(ctx context.Context, fstype, source string) error {
	fs, root, err := v.instantiate(ctx, fstype, source, 0)
	if err != nil {
		return err
	}

	rec := &MountRecord{FS: fs, Root: root}
	if err := v.mounts.register(rec); err != nil {
		v.icache.release(ctx, root)
		return err
	}

	v.root = v.dcache.mkroot(root, "/")
	return nil
}

// Mount attaches a new instance of fstype, built from source, at path.
func (v *VFS) Mount(ctx context.Context, ns *Namespace, fstype, source, path string, flags uint32) error {
	const op = "vfs.VFS.Mount"

	logger := logging.GetLoggerFromContextWithOp(ctx, op).With(
		slog.String("fstype", fstype),
		slog.String("source", source),
		slog.String("path", path),
	)

	target, err := v.Resolve(ctx, ns, path, 0)
	if err != nil {
		return err
	}
	defer v.dcache.release(ctx, target)

	mp := target.Inode
	if !mp.IsDir() {
		return kerrors.New(kerrors.ENOTDIR, "mountpoint is not a directory")
	}
	if target.IsRoot() || mp.Mount != nil || v.mounts.byRoot(mp) != nil || v.mounts.byMountpoint(mp) != nil {
		return kerrors.New(kerrors.EBUSY, "target is already a mountpoint")
	}

	fs, root, err := v.instantiate(ctx, fstype, source, flags)
	if err != nil {
		logger.Warn("Failed to instantiate filesystem", slogext.Err(err))
		return err
	}

	rec := &MountRecord{
		FS:         fs,
		Mountpoint: v.icache.ref(mp),
		Parent:     v.dcache.ref(target.Parent),
		Name:       target.Name,
		Root:       root,
		Flags:      flags,
	}
	if err := v.mounts.register(rec); err != nil {
		v.dcache.release(ctx, rec.Parent)
		v.icache.release(ctx, rec.Mountpoint)
		v.icache.release(ctx, root)
		// A duplicate device id means root is the live mount's inode.
		if v.mounts.byDev(fs.ID) == nil {
			v.icache.flushDevice(ctx, fs.ID)
		}
		return err
	}

	mp.Lock()
	mp.Mount = root
	mp.Unlock()

	// The mountpoint may be cached under other parents, such as a chroot.
	v.dcache.invalidateInode(ctx, mp)
	v.rebind(ctx, rec.Parent, rec.Name, root)

	logger.Info("Mounted filesystem", slog.Uint64("device", uint64(fs.ID)))
	return nil
}

// rebind points parent/name at ino. Entries cached before the change are
// detached, and the new dirc is parented to the mountpoint's parent.
func (v *VFS) rebind(ctx context.Context, parent *Dirc, name string, ino *Inode) {
	v.dcache.invalidate(ctx, parent, name)
	d := v.dcache.insert(ctx, parent, name, v.icache.ref(ino))
	v.dcache.release(ctx, d)
}

// Unmount detaches the filesystem whose root path resolves to.
func (v *VFS) Unmount(ctx context.Context, ns *Namespace, path string) error {
	const op = "vfs.VFS.Unmount"

	logger := logging.GetLoggerFromContextWithOp(ctx, op).With(slog.String("path", path))

	target, err := v.Resolve(ctx, ns, path, 0)
	if err != nil {
		return err
	}
	rec := v.mounts.byRoot(target.Inode)
	v.dcache.release(ctx, target)

	if rec == nil {
		return kerrors.New(kerrors.EINVAL, "not a mount root")
	}
	if rec.Mountpoint == nil {
		return kerrors.New(kerrors.EBUSY, "cannot unmount the root filesystem")
	}

	dev := rec.FS.ID
	v.dcache.purge(ctx, func(d *Dirc) bool { return d.Inode.Device == dev })

	for _, r := range v.mounts.list() {
		if r != rec && r.Parent != nil && r.Parent.Inode.Device == dev {
			return kerrors.New(kerrors.EBUSY, "filesystem has nested mounts")
		}
	}
	if n := v.dcache.activeOn(dev); n > 0 {
		return kerrors.New(kerrors.EBUSY, fmt.Sprintf("%d directory references still held", n))
	}
	if n := v.icache.openOn(dev); n > 1 || v.icache.count(rec.Root) != 1 {
		return kerrors.New(kerrors.EBUSY, fmt.Sprintf("%d inodes still open", n))
	}

	if err := v.syncFS(ctx, rec.FS); err != nil {
		logger.Warn("Sync before unmount failed", slogext.Err(err))
	}

	rec.Mountpoint.Lock()
	rec.Mountpoint.Mount = nil
	rec.Mountpoint.Unlock()

	v.mounts.unregister(rec)
	v.dcache.invalidate(ctx, rec.Parent, rec.Name)
	v.icache.release(ctx, rec.Root)
	v.icache.flushDevice(ctx, dev)
	v.icache.release(ctx, rec.Mountpoint)
	v.dcache.release(ctx, rec.Parent)

	logger.Info("Unmounted filesystem", slog.Uint64("device", uint64(dev)))
	return nil
}

func (v *VFS) syncFS(ctx context.Context, fs *FSDevice) error {
	if err := v.icache.storeDevice(ctx, fs.ID); err != nil {
		return err
	}
	fs.Lock()
	defer fs.Unlock()
	if err := ifsSync(ctx, fs); err != nil && !errors.Is(err, kerrors.ENOTSUP) {
		return err
	}
	return nil
}

// SyncAll writes back every mounted filesystem. It returns the first error
// after attempting all of them.
func (v *VFS) SyncAll(ctx context.Context) error {
	const op = "vfs.VFS.SyncAll"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	records := v.mounts.list()
	var firstErr error
	ok := 0
	for _, r := range records {
		if err := v.syncFS(ctx, r.FS); err != nil {
			logger.Error("Failed to sync filesystem", slogext.Err(err), slog.Uint64("device", uint64(r.FS.ID)))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ok++
	}

	logger.Info(fmt.Sprintf("%d/%d filesystems synchronized", ok, len(records)))
	return firstErr
}
