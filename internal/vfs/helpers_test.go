package vfs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/S1riyS/vfs-switch/internal/fs/ramfs"
	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
	"github.com/S1riyS/vfs-switch/internal/vfs"
	"github.com/S1riyS/vfs-switch/pkg/logging"
)

type testEnv struct {
	ctx context.Context
	v   *vfs.VFS
	ns  *vfs.Namespace
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithOptions(t, vfs.DefaultOptions())
}

func newTestEnvWithOptions(t *testing.T, opts vfs.Options) *testEnv {
	t.Helper()

	ctx := logging.MakeContextWithDiscardLogger(context.Background())
	v := vfs.New(opts)
	if err := ramfs.Register(ctx, v); err != nil {
		t.Fatalf("register ramfs: %v", err)
	}
	if err := v.RegisterFS(ctx, stubFSType, mountStub); err != nil {
		t.Fatalf("register stubfs: %v", err)
	}
	if err := v.Initialize(ctx, ramfs.FSType, "rootfs"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	env := &testEnv{ctx: ctx, v: v, ns: v.NewNamespace()}
	t.Cleanup(func() {
		v.Close(ctx, env.ns)
		if err := v.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return env
}

func (e *testEnv) mkdir(t *testing.T, path string) {
	t.Helper()
	if _, err := e.v.Mkdir(e.ctx, e.ns, path, 0o755); err != nil {
		t.Fatalf("Mkdir(%q): %v", path, err)
	}
}

func (e *testEnv) create(t *testing.T, path string) {
	t.Helper()
	if _, err := e.v.Create(e.ctx, e.ns, path, 0o644); err != nil {
		t.Fatalf("Create(%q): %v", path, err)
	}
}

func (e *testEnv) resolve(t *testing.T, path string, flags vfs.Flags) *vfs.Dirc {
	t.Helper()
	d, err := e.v.Resolve(e.ctx, e.ns, path, flags)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", path, err)
	}
	t.Cleanup(func() { e.v.Release(e.ctx, d) })
	return d
}

// settled returns cache occupancy with every idle dirc dropped, so only
// pinned references are counted.
func (e *testEnv) settled() vfs.Stats {
	e.v.FlushDirCache(e.ctx)
	return e.v.Stats()
}

func wantErrno(t *testing.T, err error, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("err = %v (errno %v), want %v", err, kerrors.Errno(err), want)
	}
}

const (
	stubFSType               = "stubfs"
	stubDevice  vfs.DeviceID = 0x7000
	stubRootIno vfs.InodeID  = 1
	stubSubIno  vfs.InodeID  = 2
)

// stubFS holds a root with one subdirectory, "sub". It can load inodes and
// look names up, nothing else.
type stubFS struct{}

func mountStub(ctx context.Context, source string, flags uint32) (*vfs.FSDevice, error) {
	return &vfs.FSDevice{ID: stubDevice, RootInodeID: stubRootIno, Ops: stubFS{}}, nil
}

func (stubFS) LoadInode(ctx context.Context, dev *vfs.FSDevice, id vfs.InodeID) (*vfs.Inode, error) {
	if id != stubRootIno && id != stubSubIno {
		return nil, kerrors.New(kerrors.ENOENT, "no such inode")
	}
	ino := vfs.NewInode(dev, id)
	ino.Mode = vfs.ModeDir | 0o755
	ino.Nlink = 2
	return ino, nil
}

func (stubFS) FindDirent(ctx context.Context, dir *vfs.Inode, name string) (*vfs.Dirent, error) {
	if dir.ID == stubRootIno && name == "sub" {
		return &vfs.Dirent{InodeID: stubSubIno, DeviceID: stubDevice, Name: name}, nil
	}
	return nil, kerrors.New(kerrors.ENOENT, "no such entry")
}
