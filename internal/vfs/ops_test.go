package vfs_test

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"slices"
	"testing"

	"github.com/S1riyS/vfs-switch/internal/fs/ramfs"
	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
	"github.com/S1riyS/vfs-switch/internal/vfs"
)

func TestCreateAndStat(t *testing.T) {
	env := newTestEnv(t)

	st, err := env.v.Create(env.ctx, env.ns, "/f", 0o640)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if st.Mode != vfs.ModeRegular|0o640 {
		t.Errorf("mode = %#o, want %#o", st.Mode, vfs.ModeRegular|0o640)
	}
	if st.Nlink != 1 || st.Size != 0 {
		t.Errorf("nlink = %d size = %d, want 1 and 0", st.Nlink, st.Size)
	}

	_, err = env.v.Create(env.ctx, env.ns, "/f", 0o640)
	wantErrno(t, err, kerrors.EEXIST)
	_, err = env.v.Create(env.ctx, env.ns, "/missing/f", 0o640)
	wantErrno(t, err, kerrors.ENOENT)
	_, err = env.v.Create(env.ctx, env.ns, "/f/g", 0o640)
	wantErrno(t, err, kerrors.ENOTDIR)

	got, err := env.v.Stat(env.ctx, env.ns, "/f")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if got.Inode != st.Inode || got.Device != st.Device {
		t.Errorf("Stat = %d:%d, want %d:%d", got.Device, got.Inode, st.Device, st.Inode)
	}
}

func TestMkdirLinkCounts(t *testing.T) {
	env := newTestEnv(t)

	root, err := env.v.Stat(env.ctx, env.ns, "/")
	if err != nil {
		t.Fatalf("Stat(/): %v", err)
	}

	st, err := env.v.Mkdir(env.ctx, env.ns, "/d", 0o755)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if st.Nlink != 2 {
		t.Errorf("new directory nlink = %d, want 2", st.Nlink)
	}

	after, err := env.v.Stat(env.ctx, env.ns, "/")
	if err != nil {
		t.Fatalf("Stat(/): %v", err)
	}
	if after.Nlink != root.Nlink+1 {
		t.Errorf("parent nlink = %d, want %d", after.Nlink, root.Nlink+1)
	}

	entries, err := env.v.ReadDir(env.ctx, env.ns, "/d")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := direntNames(entries)
	if !slices.Equal(names, []string{".", ".."}) {
		t.Errorf("new directory entries = %v, want [. ..]", names)
	}
	for _, e := range entries {
		if e.RecLen <= 0 {
			t.Errorf("entry %q has RecLen %d", e.Name, e.RecLen)
		}
	}
}

func TestReadDirListsChildren(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "/d")
	for _, name := range []string{"one", "two", "three"} {
		env.create(t, "/d/"+name)
	}

	entries, err := env.v.ReadDir(env.ctx, env.ns, "/d")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	want := []string{".", "..", "one", "two", "three"}
	if got := direntNames(entries); !slices.Equal(got, want) {
		t.Errorf("ReadDir = %v, want %v", got, want)
	}

	_, err = env.v.ReadDir(env.ctx, env.ns, "/d/one")
	wantErrno(t, err, kerrors.ENOTDIR)
}

func TestReadDirManyEntries(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "/big")

	// Enough records to need several read_dir chunks.
	const n = 300
	for i := 0; i < n; i++ {
		env.create(t, "/big/"+longName(i))
	}

	entries, err := env.v.ReadDir(env.ctx, env.ns, "/big")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != n+2 {
		t.Fatalf("ReadDir returned %d entries, want %d", len(entries), n+2)
	}
	if entries[n+1].Name != longName(n-1) {
		t.Errorf("last entry = %q, want %q", entries[n+1].Name, longName(n-1))
	}
}

func TestWriteReadTruncate(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "/f")

	if n, err := env.v.Write(env.ctx, env.ns, "/f", []byte("hello"), 0); err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if n, err := env.v.Write(env.ctx, env.ns, "/f", []byte("world"), 10); err != nil || n != 5 {
		t.Fatalf("Write at 10 = %d, %v", n, err)
	}

	st, err := env.v.Stat(env.ctx, env.ns, "/f")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size != 15 {
		t.Errorf("size = %d, want 15", st.Size)
	}

	buf := make([]byte, 64)
	n, err := env.v.Read(env.ctx, env.ns, "/f", buf, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := append([]byte("hello"), make([]byte, 5)...)
	want = append(want, "world"...)
	if !bytes.Equal(buf[:n], want) {
		t.Errorf("Read = %q, want %q", buf[:n], want)
	}

	if n, err := env.v.Read(env.ctx, env.ns, "/f", buf, 100); err != nil || n != 0 {
		t.Errorf("Read past end = %d, %v, want 0, nil", n, err)
	}

	if err := env.v.Truncate(env.ctx, env.ns, "/f", 3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	n, err = env.v.Read(env.ctx, env.ns, "/f", buf, 0)
	if err != nil {
		t.Fatalf("Read after truncate: %v", err)
	}
	if string(buf[:n]) != "hel" {
		t.Errorf("Read after truncate = %q, want %q", buf[:n], "hel")
	}

	env.mkdir(t, "/d")
	_, err = env.v.Write(env.ctx, env.ns, "/d", []byte("x"), 0)
	wantErrno(t, err, kerrors.EISDIR)
	_, err = env.v.Read(env.ctx, env.ns, "/f", buf, -1)
	wantErrno(t, err, kerrors.EINVAL)
	wantErrno(t, env.v.Truncate(env.ctx, env.ns, "/d", 0), kerrors.EISDIR)
}

func TestOversizedWriteAndTruncate(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "/f")

	_, err := env.v.Write(env.ctx, env.ns, "/f", []byte("x"), 1<<62)
	wantErrno(t, err, kerrors.EFBIG)
	_, err = env.v.Write(env.ctx, env.ns, "/f", []byte("xy"), math.MaxInt64)
	wantErrno(t, err, kerrors.EFBIG)
	_, err = env.v.Write(env.ctx, env.ns, "/f", []byte("x"), ramfs.MaxFileSize)
	wantErrno(t, err, kerrors.EFBIG)
	wantErrno(t, env.v.Truncate(env.ctx, env.ns, "/f", 1<<62), kerrors.EFBIG)

	st, err := env.v.Stat(env.ctx, env.ns, "/f")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size != 0 {
		t.Errorf("size after rejected calls = %d, want 0", st.Size)
	}
}

func TestUnlinkAndRmdir(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "/d")
	env.mkdir(t, "/d/sub")
	env.create(t, "/d/f")

	wantErrno(t, env.v.Unlink(env.ctx, env.ns, "/d"), kerrors.EISDIR)
	wantErrno(t, env.v.Rmdir(env.ctx, env.ns, "/d/f"), kerrors.ENOTDIR)
	wantErrno(t, env.v.Rmdir(env.ctx, env.ns, "/d"), kerrors.ENOTEMPTY)
	wantErrno(t, env.v.Unlink(env.ctx, env.ns, "/d/missing"), kerrors.ENOENT)
	wantErrno(t, env.v.Rmdir(env.ctx, env.ns, "/d/.."), kerrors.EINVAL)

	// Warm the directory cache so removal has to invalidate it.
	env.v.Release(env.ctx, env.resolveNoCleanup(t, "/d/f"))

	if err := env.v.Unlink(env.ctx, env.ns, "/d/f"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	_, err := env.v.Stat(env.ctx, env.ns, "/d/f")
	wantErrno(t, err, kerrors.ENOENT)

	if err := env.v.Rmdir(env.ctx, env.ns, "/d/sub"); err != nil {
		t.Fatalf("Rmdir sub: %v", err)
	}
	if err := env.v.Rmdir(env.ctx, env.ns, "/d"); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	_, err = env.v.Stat(env.ctx, env.ns, "/d")
	wantErrno(t, err, kerrors.ENOENT)
}

func TestHardLink(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "/d")
	env.create(t, "/f")

	if err := env.v.Link(env.ctx, env.ns, "/f", "/d/g"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	f, _ := env.v.Stat(env.ctx, env.ns, "/f")
	g, _ := env.v.Stat(env.ctx, env.ns, "/d/g")
	if f.Inode != g.Inode || f.Nlink != 2 {
		t.Errorf("after Link: f = %d (nlink %d), g = %d, want same inode with nlink 2", f.Inode, f.Nlink, g.Inode)
	}

	wantErrno(t, env.v.Link(env.ctx, env.ns, "/f", "/d/g"), kerrors.EEXIST)
	wantErrno(t, env.v.Link(env.ctx, env.ns, "/d", "/d2"), kerrors.EPERM)

	if err := env.v.Unlink(env.ctx, env.ns, "/f"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	g, err := env.v.Stat(env.ctx, env.ns, "/d/g")
	if err != nil {
		t.Fatalf("Stat surviving link: %v", err)
	}
	if g.Nlink != 1 {
		t.Errorf("nlink after unlink = %d, want 1", g.Nlink)
	}

	env.mkdir(t, "/mnt")
	if err := env.v.Mount(env.ctx, env.ns, ramfs.FSType, "", "/mnt", 0); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	wantErrno(t, env.v.Link(env.ctx, env.ns, "/d/g", "/mnt/g"), kerrors.EXDEV)
}

func TestSymlinkErrors(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "/f")

	wantErrno(t, env.v.Symlink(env.ctx, env.ns, "", "/l"), kerrors.ENOENT)
	wantErrno(t, env.v.Symlink(env.ctx, env.ns, string(make([]byte, 300)), "/l"), kerrors.ENAMETOOLONG)
	wantErrno(t, env.v.Symlink(env.ctx, env.ns, "/f", "/f"), kerrors.EEXIST)

	_, err := env.v.Readlink(env.ctx, env.ns, "/f")
	wantErrno(t, err, kerrors.EINVAL)
}

func TestLookupAndReadDirc(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "/d")
	env.create(t, "/d/f")
	if err := env.v.Symlink(env.ctx, env.ns, "f", "/d/l"); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	d := env.resolve(t, "/d", 0)

	l, err := env.v.Lookup(env.ctx, env.ns, d, "l")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	defer env.v.Release(env.ctx, l)
	if !l.Inode.IsSymlink() {
		t.Errorf("Lookup followed the symlink")
	}
	target, err := env.v.ReadlinkDirc(env.ctx, l)
	if err != nil || target != "f" {
		t.Errorf("ReadlinkDirc = %q, %v, want f", target, err)
	}

	_, err = env.v.Lookup(env.ctx, env.ns, d, "a/b")
	wantErrno(t, err, kerrors.EINVAL)

	entries, err := env.v.ReadDirc(env.ctx, d)
	if err != nil {
		t.Fatalf("ReadDirc: %v", err)
	}
	if got := direntNames(entries); !slices.Equal(got, []string{".", "..", "f", "l"}) {
		t.Errorf("ReadDirc = %v", got)
	}

	// l holds a reference on its parent too.
	refs := env.v.DircRefCount(d)
	extra := env.v.Ref(d)
	if got := env.v.DircRefCount(d); got != refs+1 {
		t.Errorf("refcount after Ref = %d, want %d", got, refs+1)
	}
	env.v.Release(env.ctx, extra)
}

func (e *testEnv) resolveNoCleanup(t *testing.T, path string) *vfs.Dirc {
	t.Helper()
	d, err := e.v.Resolve(e.ctx, e.ns, path, 0)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", path, err)
	}
	return d
}

func direntNames(entries []vfs.Dirent) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

func longName(i int) string {
	b := bytes.Repeat([]byte{'n'}, 40)
	return string(b) + string(rune('a'+i%26)) + string(rune('a'+i/26%26))
}

func TestSmallInodeCacheWritesBack(t *testing.T) {
	opts := vfs.DefaultOptions()
	opts.InodeCacheSize = 1
	opts.DirCacheSize = 1
	env := newTestEnvWithOptions(t, opts)

	for i := 1; i <= 4; i++ {
		path := fmt.Sprintf("/f%d", i)
		env.create(t, path)
		if _, err := env.v.Write(env.ctx, env.ns, path, []byte(path), 0); err != nil {
			t.Fatalf("Write(%s): %v", path, err)
		}
		if st := env.v.Stats(); st.IdleInodes > 1 {
			t.Fatalf("idle inodes = %d, over capacity 1", st.IdleInodes)
		}
	}

	// Every size below was only in the cache until eviction stored it.
	buf := make([]byte, 16)
	for i := 1; i <= 4; i++ {
		path := fmt.Sprintf("/f%d", i)
		st, err := env.v.Stat(env.ctx, env.ns, path)
		if err != nil {
			t.Fatalf("Stat(%s): %v", path, err)
		}
		if st.Size != int64(len(path)) {
			t.Errorf("%s size = %d, want %d", path, st.Size, len(path))
		}
		n, err := env.v.Read(env.ctx, env.ns, path, buf, 0)
		if err != nil {
			t.Fatalf("Read(%s): %v", path, err)
		}
		if string(buf[:n]) != path {
			t.Errorf("Read(%s) = %q", path, buf[:n])
		}
	}

	if err := env.v.Unlink(env.ctx, env.ns, "/f1"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	env.create(t, "/f5")
	env.create(t, "/f6")
	_, err := env.v.Stat(env.ctx, env.ns, "/f1")
	wantErrno(t, err, kerrors.ENOENT)
}

// linkRefusingFS is ramfs whose Link fails for one name.
type linkRefusingFS struct {
	*ramfs.FS
	refuse string
}

func (f linkRefusingFS) Link(ctx context.Context, dir *vfs.Inode, name string, id vfs.InodeID) error {
	if name == f.refuse {
		return kerrors.New(kerrors.EIO, "link refused")
	}
	return f.FS.Link(ctx, dir, name, id)
}

func TestMkdirUnwindsFailedSelfLinks(t *testing.T) {
	for _, refuse := range []string{".", ".."} {
		t.Run(refuse, func(t *testing.T) {
			env := newTestEnv(t)
			env.mkdir(t, "/mnt")

			var fs *ramfs.FS
			mount := func(ctx context.Context, source string, flags uint32) (*vfs.FSDevice, error) {
				dev, err := ramfs.Mount(ctx, source, flags)
				if err != nil {
					return nil, err
				}
				fs = dev.Ops.(*ramfs.FS)
				dev.Ops = linkRefusingFS{FS: fs, refuse: refuse}
				return dev, nil
			}
			if err := env.v.RegisterFS(env.ctx, "refusefs", mount); err != nil {
				t.Fatalf("RegisterFS: %v", err)
			}
			if err := env.v.Mount(env.ctx, env.ns, "refusefs", "", "/mnt", 0); err != nil {
				t.Fatalf("Mount: %v", err)
			}

			before, err := env.v.Stat(env.ctx, env.ns, "/mnt")
			if err != nil {
				t.Fatalf("Stat: %v", err)
			}

			_, err = env.v.Mkdir(env.ctx, env.ns, "/mnt/d", 0o755)
			wantErrno(t, err, kerrors.EIO)

			after, err := env.v.Stat(env.ctx, env.ns, "/mnt")
			if err != nil {
				t.Fatalf("Stat: %v", err)
			}
			if after.Nlink != before.Nlink || after.Size != before.Size {
				t.Errorf("parent nlink %d size %d, want %d and %d", after.Nlink, after.Size, before.Nlink, before.Size)
			}
			_, err = env.v.Stat(env.ctx, env.ns, "/mnt/d")
			wantErrno(t, err, kerrors.ENOENT)

			// Unmounting evicts the orphan, which hands it to rmnod.
			if err := env.v.Unmount(env.ctx, env.ns, "/mnt"); err != nil {
				t.Fatalf("Unmount: %v", err)
			}
			if n := fs.Len(); n != 1 {
				t.Errorf("live nodes = %d, want only the root", n)
			}
		})
	}
}
