package vfs_test

import (
	"testing"

	"github.com/S1riyS/vfs-switch/internal/fs/ramfs"
	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
	"github.com/S1riyS/vfs-switch/internal/vfs"
)

func TestMountCrossing(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "/mnt")

	rootDev := env.resolve(t, "/", 0).Inode.Device

	if err := env.v.Mount(env.ctx, env.ns, ramfs.FSType, "scratch", "/mnt", 0); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	mnt, err := env.v.Resolve(env.ctx, env.ns, "/mnt", 0)
	if err != nil {
		t.Fatalf("Resolve(/mnt): %v", err)
	}
	if mnt.Inode.Device == rootDev {
		t.Fatalf("/mnt still on the root device %#x", rootDev)
	}
	if mnt.Inode.ID != ramfs.RootInodeID {
		t.Errorf("/mnt inode = %d, want mounted root %d", mnt.Inode.ID, ramfs.RootInodeID)
	}

	linker, ok := mnt.Inode.FS().Ops.(vfs.Linker)
	if !ok {
		t.Fatalf("ramfs does not implement Linker")
	}
	mnt.Inode.Lock()
	err = linker.Link(env.ctx, mnt.Inode, "a", 7)
	mnt.Inode.Unlock()
	if err != nil {
		t.Fatalf("Link: %v", err)
	}

	finder := mnt.Inode.FS().Ops.(vfs.DirentFinder)
	dent, err := finder.FindDirent(env.ctx, mnt.Inode, "a")
	if err != nil {
		t.Fatalf("FindDirent: %v", err)
	}
	if dent.InodeID != 7 || dent.DeviceID != mnt.Inode.Device {
		t.Errorf("FindDirent = {%d, %#x}, want {7, %#x}", dent.InodeID, dent.DeviceID, mnt.Inode.Device)
	}

	up := env.resolve(t, "/mnt/..", 0)
	if !up.IsRoot() || up.Inode.Device != rootDev {
		t.Errorf("/mnt/.. = %q on %#x, want the root directory", up.Name, up.Inode.Device)
	}

	wantErrno(t, env.v.Unmount(env.ctx, env.ns, "/mnt"), kerrors.EBUSY)
	env.v.Release(env.ctx, mnt)

	if err := env.v.Unmount(env.ctx, env.ns, "/mnt"); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	after := env.resolve(t, "/mnt", 0)
	if after.Inode.Device != rootDev {
		t.Errorf("/mnt after unmount on %#x, want %#x", after.Inode.Device, rootDev)
	}
	if n := env.v.Stats().Mounts; n != 1 {
		t.Errorf("mount count = %d, want 1", n)
	}
}

func TestMountErrors(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "/mnt")
	env.create(t, "/file")

	wantErrno(t, env.v.Mount(env.ctx, env.ns, ramfs.FSType, "", "/file", 0), kerrors.ENOTDIR)
	wantErrno(t, env.v.Mount(env.ctx, env.ns, ramfs.FSType, "", "/missing", 0), kerrors.ENOENT)
	wantErrno(t, env.v.Mount(env.ctx, env.ns, "nofs", "", "/mnt", 0), kerrors.ENODEV)
	wantErrno(t, env.v.Mount(env.ctx, env.ns, ramfs.FSType, "", "/", 0), kerrors.EBUSY)

	if err := env.v.Mount(env.ctx, env.ns, ramfs.FSType, "", "/mnt", 0); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	wantErrno(t, env.v.Mount(env.ctx, env.ns, ramfs.FSType, "", "/mnt", 0), kerrors.EBUSY)

	wantErrno(t, env.v.Unmount(env.ctx, env.ns, "/"), kerrors.EBUSY)
	env.mkdir(t, "/plain")
	wantErrno(t, env.v.Unmount(env.ctx, env.ns, "/plain"), kerrors.EINVAL)
}

func TestNestedMount(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "/mnt")

	if err := env.v.Mount(env.ctx, env.ns, ramfs.FSType, "outer", "/mnt", 0); err != nil {
		t.Fatalf("Mount outer: %v", err)
	}
	env.mkdir(t, "/mnt/sub")
	if err := env.v.Mount(env.ctx, env.ns, ramfs.FSType, "inner", "/mnt/sub", 0); err != nil {
		t.Fatalf("Mount inner: %v", err)
	}

	outer, err := env.v.Resolve(env.ctx, env.ns, "/mnt", 0)
	if err != nil {
		t.Fatalf("Resolve(/mnt): %v", err)
	}
	up, err := env.v.Resolve(env.ctx, env.ns, "/mnt/sub/..", 0)
	if err != nil {
		t.Fatalf("Resolve(/mnt/sub/..): %v", err)
	}
	if up.Inode != outer.Inode {
		t.Errorf("/mnt/sub/.. = inode %d:%d, want %d:%d", up.Inode.Device, up.Inode.ID, outer.Inode.Device, outer.Inode.ID)
	}
	env.v.Release(env.ctx, up)
	env.v.Release(env.ctx, outer)

	mounts := env.v.Mounts()
	if len(mounts) != 3 {
		t.Fatalf("Mounts() = %+v, want 3 entries", mounts)
	}
	for i, want := range []string{"/", "/mnt", "/mnt/sub"} {
		if mounts[i].Path != want {
			t.Errorf("mount %d path = %q, want %q", i, mounts[i].Path, want)
		}
	}

	wantErrno(t, env.v.Unmount(env.ctx, env.ns, "/mnt"), kerrors.EBUSY)

	if err := env.v.Unmount(env.ctx, env.ns, "/mnt/sub"); err != nil {
		t.Fatalf("Unmount inner: %v", err)
	}
	if err := env.v.Unmount(env.ctx, env.ns, "/mnt"); err != nil {
		t.Fatalf("Unmount outer: %v", err)
	}
	if n := env.v.Stats().Mounts; n != 1 {
		t.Errorf("mount count = %d, want 1", n)
	}
}

func TestUnmountBusyWithWorkingDirectory(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "/mnt")
	if err := env.v.Mount(env.ctx, env.ns, ramfs.FSType, "", "/mnt", 0); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	env.mkdir(t, "/mnt/dir")

	ns := env.v.Clone(env.ns)
	if err := env.v.Chdir(env.ctx, ns, "/mnt/dir"); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	wantErrno(t, env.v.Unmount(env.ctx, env.ns, "/mnt"), kerrors.EBUSY)

	env.v.Close(env.ctx, ns)
	if err := env.v.Unmount(env.ctx, env.ns, "/mnt"); err != nil {
		t.Fatalf("Unmount after Close: %v", err)
	}
}

func TestUnsupportedOperationLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "/stub")
	if err := env.v.Mount(env.ctx, env.ns, stubFSType, "", "/stub", 0); err != nil {
		t.Fatalf("Mount stubfs: %v", err)
	}

	before := env.settled()

	wantErrno(t, env.v.Mknod(env.ctx, env.ns, "/stub/node", vfs.ModeRegular|0o644, 0), kerrors.ENOTSUP)
	_, err := env.v.Mkdir(env.ctx, env.ns, "/stub/dir", 0o755)
	wantErrno(t, err, kerrors.ENOTSUP)
	_, err = env.v.ReadDir(env.ctx, env.ns, "/stub")
	wantErrno(t, err, kerrors.ENOTSUP)

	after := env.settled()
	if after != before {
		t.Errorf("stats after unsupported calls = %+v, want %+v", after, before)
	}
	_, err = env.v.Stat(env.ctx, env.ns, "/stub/node")
	wantErrno(t, err, kerrors.ENOENT)

	if err := env.v.Unmount(env.ctx, env.ns, "/stub"); err != nil {
		t.Fatalf("Unmount stubfs: %v", err)
	}
}

func TestSyncAll(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "/mnt")
	if err := env.v.Mount(env.ctx, env.ns, stubFSType, "", "/mnt", 0); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	env.create(t, "/f")
	if _, err := env.v.Write(env.ctx, env.ns, "/f", []byte("data"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Neither ramfs nor stubfs can sync; that is not an error.
	if err := env.v.Sync(env.ctx); err != nil {
		t.Errorf("Sync: %v", err)
	}
}

func TestMountVisibleThroughChroot(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "/a")
	env.mkdir(t, "/a/mnt")

	jail := env.v.Clone(env.ns)
	defer env.v.Close(env.ctx, jail)
	if err := env.v.Chroot(env.ctx, jail, "/a"); err != nil {
		t.Fatalf("Chroot: %v", err)
	}

	// Cache the mountpoint under both the global and the jailed parent.
	covered, err := env.v.Stat(env.ctx, jail, "/mnt")
	if err != nil {
		t.Fatalf("Stat(/mnt) in chroot: %v", err)
	}
	if _, err := env.v.Stat(env.ctx, env.ns, "/a/mnt"); err != nil {
		t.Fatalf("Stat(/a/mnt): %v", err)
	}

	if err := env.v.Mount(env.ctx, env.ns, stubFSType, "", "/a/mnt", 0); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	global, err := env.v.Stat(env.ctx, env.ns, "/a/mnt")
	if err != nil {
		t.Fatalf("Stat(/a/mnt) after mount: %v", err)
	}
	jailed, err := env.v.Stat(env.ctx, jail, "/mnt")
	if err != nil {
		t.Fatalf("Stat(/mnt) in chroot after mount: %v", err)
	}
	if global.Device != stubDevice || jailed.Device != stubDevice {
		t.Errorf("after mount: global dev=%#x jailed dev=%#x, want %#x (covered dev=%#x)",
			global.Device, jailed.Device, stubDevice, covered.Device)
	}

	if err := env.v.Unmount(env.ctx, env.ns, "/a/mnt"); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	jailed, err = env.v.Stat(env.ctx, jail, "/mnt")
	if err != nil {
		t.Fatalf("Stat(/mnt) in chroot after unmount: %v", err)
	}
	if jailed.Device != covered.Device || jailed.Inode != covered.Inode {
		t.Errorf("after unmount jailed /mnt = %#x:%d, want %#x:%d",
			jailed.Device, jailed.Inode, covered.Device, covered.Inode)
	}
}

func TestMountsReportsGlobalPaths(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "/a")
	env.mkdir(t, "/a/mnt")

	jail := env.v.Clone(env.ns)
	defer env.v.Close(env.ctx, jail)
	if err := env.v.Chroot(env.ctx, jail, "/a"); err != nil {
		t.Fatalf("Chroot: %v", err)
	}

	root, err := env.v.Resolve(env.ctx, jail, "/", 0)
	if err != nil {
		t.Fatalf("Resolve(/) in chroot: %v", err)
	}
	if got := env.v.Path(root); got != "/a" {
		t.Errorf("Path(chroot root) = %q, want /a", got)
	}
	env.v.Release(env.ctx, root)

	if err := env.v.Mount(env.ctx, jail, stubFSType, "", "/mnt", 0); err != nil {
		t.Fatalf("Mount in chroot: %v", err)
	}
	mounts := env.v.Mounts()
	if got := mounts[len(mounts)-1].Path; got != "/a/mnt" {
		t.Errorf("mount path = %q, want /a/mnt", got)
	}

	st, err := env.v.Stat(env.ctx, env.ns, "/a/mnt/sub")
	if err != nil {
		t.Fatalf("Stat(/a/mnt/sub): %v", err)
	}
	if st.Device != stubDevice || st.Inode != stubSubIno {
		t.Errorf("/a/mnt/sub = %#x:%d, want %#x:%d", st.Device, st.Inode, stubDevice, stubSubIno)
	}
}

func TestDuplicateDeviceKeepsLiveMountCached(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "/m1")
	env.mkdir(t, "/m2")

	if err := env.v.Mount(env.ctx, env.ns, stubFSType, "", "/m1", 0); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if _, err := env.v.Stat(env.ctx, env.ns, "/m1/sub"); err != nil {
		t.Fatalf("Stat(/m1/sub): %v", err)
	}
	before := env.settled()

	// stubfs hands out the same device id on every mount.
	wantErrno(t, env.v.Mount(env.ctx, env.ns, stubFSType, "", "/m2", 0), kerrors.EBUSY)

	if after := env.settled(); after != before {
		t.Errorf("stats after refused mount = %+v, want %+v", after, before)
	}
}
