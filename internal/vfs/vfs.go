// Package vfs is the virtual filesystem switch. It owns the inode and
// directory caches, the mount table and the driver registry, and resolves
// paths into referenced directory cache entries.
package vfs

import (
	"context"
	"log/slog"
	"time"

	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
	"github.com/S1riyS/vfs-switch/pkg/logging"
	"github.com/S1riyS/vfs-switch/pkg/logging/slogext"
)

type Options struct {
	InodeCacheSize   int
	InodeTableSize   int
	DirCacheSize     int
	DirTableSize     int
	MaxPathRecursion int
	MaxNameLength    int

	// Now stamps inode times. Defaults to time.Now.
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		InodeCacheSize:   256,
		InodeTableSize:   64,
		DirCacheSize:     512,
		DirTableSize:     128,
		MaxPathRecursion: 8,
		MaxNameLength:    256,
	}
}

type VFS struct {
	opts    Options
	drivers *driverRegistry
	icache  *inodeCache
	dcache  *dirCache
	mounts  *mountTable

	// root is the dirc of the root filesystem, held until Shutdown.
	root *Dirc
}

func New(opts Options) *VFS {
	def := DefaultOptions()
	if opts.InodeCacheSize <= 0 {
		opts.InodeCacheSize = def.InodeCacheSize
	}
	if opts.InodeTableSize <= 0 {
		opts.InodeTableSize = def.InodeTableSize
	}
	if opts.DirCacheSize <= 0 {
		opts.DirCacheSize = def.DirCacheSize
	}
	if opts.DirTableSize <= 0 {
		opts.DirTableSize = def.DirTableSize
	}
	if opts.MaxPathRecursion <= 0 {
		opts.MaxPathRecursion = def.MaxPathRecursion
	}
	if opts.MaxNameLength <= 0 {
		opts.MaxNameLength = def.MaxNameLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	icache := newInodeCache(opts.InodeCacheSize, opts.InodeTableSize)
	return &VFS{
		opts:    opts,
		drivers: newDriverRegistry(),
		icache:  icache,
		dcache:  newDirCache(opts.DirCacheSize, opts.DirTableSize, icache),
		mounts:  newMountTable(),
	}
}

// Initialize mounts the root filesystem. It must be called once, after the
// root filesystem type has been registered.
func (v *VFS) Initialize(ctx context.Context, rootFSType, rootSource string) error {
	const op = "vfs.VFS.Initialize"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if v.root != nil {
		return kerrors.New(kerrors.EBUSY, "root filesystem already mounted")
	}

	if err := v.mountRoot(ctx, rootFSType, rootSource); err != nil {
		logger.Error("Failed to mount root filesystem", slogext.Err(err), slog.String("fstype", rootFSType))
		return err
	}

	logger.Info("Mounted root filesystem",
		slog.String("fstype", rootFSType),
		slog.Uint64("device", uint64(v.root.Inode.Device)),
	)
	return nil
}

// Namespace is a resolution context: a root directory and a working
// directory. Both are held references.
type Namespace struct {
	Root *Dirc
	Cwd  *Dirc
}

// NewNamespace returns a namespace rooted at the global root.
func (v *VFS) NewNamespace() *Namespace {
	return &Namespace{
		Root: v.dcache.ref(v.root),
		Cwd:  v.dcache.ref(v.root),
	}
}

// Clone returns an independent copy of ns with its own references.
func (v *VFS) Clone(ns *Namespace) *Namespace {
	return &Namespace{
		Root: v.dcache.ref(ns.Root),
		Cwd:  v.dcache.ref(ns.Cwd),
	}
}

func (v *VFS) Close(ctx context.Context, ns *Namespace) {
	v.dcache.release(ctx, ns.Cwd)
	v.dcache.release(ctx, ns.Root)
	ns.Cwd, ns.Root = nil, nil
}

// Chdir moves the working directory of ns to path.
func (v *VFS) Chdir(ctx context.Context, ns *Namespace, path string) error {
	d, err := v.Resolve(ctx, ns, path, 0)
	if err != nil {
		return err
	}
	if !d.Inode.IsDir() {
		v.dcache.release(ctx, d)
		return kerrors.New(kerrors.ENOTDIR, "not a directory")
	}
	v.dcache.release(ctx, ns.Cwd)
	ns.Cwd = d
	return nil
}

// Chroot makes path the root of ns. Resolution of ".." stops there.
func (v *VFS) Chroot(ctx context.Context, ns *Namespace, path string) error {
	d, err := v.Resolve(ctx, ns, path, 0)
	if err != nil {
		return err
	}
	defer v.dcache.release(ctx, d)

	if !d.Inode.IsDir() {
		return kerrors.New(kerrors.ENOTDIR, "not a directory")
	}

	root := v.dcache.mkroot(d.Inode, dircPath(d))
	v.dcache.release(ctx, ns.Root)
	ns.Root = root
	return nil
}

// Release drops a reference returned by Resolve.
func (v *VFS) Release(ctx context.Context, d *Dirc) {
	v.dcache.release(ctx, d)
}

// Sync writes back every dirty cached inode and syncs every filesystem.
func (v *VFS) Sync(ctx context.Context) error {
	return v.SyncAll(ctx)
}

// Shutdown syncs, drops the root and empties both caches.
func (v *VFS) Shutdown(ctx context.Context) error {
	const op = "vfs.VFS.Shutdown"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	err := v.SyncAll(ctx)

	v.dcache.flush(ctx)

	// Detach in reverse mount order so nested mounts go first.
	records := v.mounts.list()
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		v.mounts.unregister(r)
		if r.Mountpoint != nil {
			r.Mountpoint.Lock()
			r.Mountpoint.Mount = nil
			r.Mountpoint.Unlock()
			v.icache.release(ctx, r.Mountpoint)
			v.dcache.release(ctx, r.Parent)
		}
		v.icache.release(ctx, r.Root)
	}

	if v.root != nil {
		v.dcache.release(ctx, v.root)
		v.root = nil
	}
	v.dcache.flush(ctx)
	v.icache.flush(ctx)

	st := v.icache.stats()
	logger.Info("VFS shut down", slog.Int("open_inodes", st.Open))
	return err
}

// Stats reports cache occupancy.
type Stats struct {
	OpenInodes  int
	IdleInodes  int
	ActiveDircs int
	IdleDircs   int
	Mounts      int
}

func (v *VFS) Stats() Stats {
	is := v.icache.stats()
	ds := v.dcache.stats()
	return Stats{
		OpenInodes:  is.Open,
		IdleInodes:  is.Idle,
		ActiveDircs: ds.Active,
		IdleDircs:   ds.Idle,
		Mounts:      len(v.mounts.list()),
	}
}

// FlushDirCache drops every idle directory cache entry.
func (v *VFS) FlushDirCache(ctx context.Context) {
	v.dcache.flush(ctx)
}

// RefCount returns the number of references held on ino.
func (v *VFS) RefCount(ino *Inode) int {
	return v.icache.count(ino)
}

// DircRefCount returns the number of references held on d.
func (v *VFS) DircRefCount(d *Dirc) int {
	return v.dcache.count(d)
}
