package vfs

import (
	"context"
	"strings"

	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
)

type Flags uint32

const (
	// FlagParent stops before the final component and returns the directory
	// that would contain it.
	FlagParent Flags = 1 << iota
	// FlagNoSymlink leaves a symlink in the final component unresolved.
	FlagNoSymlink
)

// Resolve walks path from the working directory of ns, or from its root
// when path is absolute. The returned dirc is referenced; release it with
// Release. On error no references are left behind.
func (v *VFS) Resolve(ctx context.Context, ns *Namespace, path string, flags Flags) (*Dirc, error) {
	return v.resolveAt(ctx, ns, ns.Cwd, path, flags, 0)
}

// ResolveAt is Resolve relative to dir instead of the working directory.
func (v *VFS) ResolveAt(ctx context.Context, ns *Namespace, dir *Dirc, path string, flags Flags) (*Dirc, error) {
	return v.resolveAt(ctx, ns, dir, path, flags, 0)
}

func (v *VFS) resolveAt(ctx context.Context, ns *Namespace, start *Dirc, path string, flags Flags, depth int) (*Dirc, error) {
	if depth > v.opts.MaxPathRecursion {
		return nil, kerrors.New(kerrors.ELOOP, "too many levels of symbolic links")
	}
	if path == "" {
		return nil, kerrors.New(kerrors.ENOENT, "empty path")
	}

	cur := v.dcache.ref(start)
	rest := path
	if rest[0] == '/' {
		v.dcache.release(ctx, cur)
		cur = v.dcache.ref(ns.Root)
		rest = strings.TrimLeft(rest, "/")
		if rest == "" {
			if flags&FlagParent != 0 {
				v.dcache.release(ctx, cur)
				return nil, kerrors.New(kerrors.EINVAL, "path has no final component")
			}
			return cur, nil
		}
	}

	fail := func(err error) (*Dirc, error) {
		v.dcache.release(ctx, cur)
		return nil, err
	}

	for {
		var name string
		final := false
		if i := strings.IndexByte(rest, '/'); i < 0 {
			name, rest, final = rest, "", true
		} else {
			name, rest = rest[:i], rest[i+1:]
		}

		switch name {
		case "":
			// Doubled separator in the middle, or a trailing slash.
			if !final {
				continue
			}
			if flags&FlagParent != 0 {
				return fail(kerrors.New(kerrors.EINVAL, "path has no final component"))
			}
			return cur, nil

		case ".", "..":
			if final && flags&FlagParent != 0 {
				return fail(kerrors.New(kerrors.EINVAL, "path has no final component"))
			}
			if name == ".." && cur != ns.Root {
				next := v.dcache.ref(cur.Parent)
				v.dcache.release(ctx, cur)
				cur = next
			}
			if final {
				return cur, nil
			}
			continue
		}

		if len(name) > v.opts.MaxNameLength {
			return fail(kerrors.New(kerrors.ENAMETOOLONG, "path component too long"))
		}
		if !cur.Inode.IsDir() {
			return fail(kerrors.New(kerrors.ENOTDIR, "not a directory"))
		}
		if final && flags&FlagParent != 0 {
			return cur, nil
		}

		child, err := v.lookupChild(ctx, cur, name)
		if err != nil {
			return fail(err)
		}

		if child.Inode.IsSymlink() && (!final || flags&FlagNoSymlink == 0) {
			target, err := v.readLinkTarget(ctx, child.Inode)
			v.dcache.release(ctx, child)
			if err != nil {
				return fail(err)
			}
			child, err = v.resolveAt(ctx, ns, cur, target, 0, depth+1)
			if err != nil {
				return fail(err)
			}
		}

		v.dcache.release(ctx, cur)
		cur = child

		if final {
			return cur, nil
		}
	}
}

// lookupChild returns the referenced dirc of name inside dir, consulting the
// directory cache before the driver.
func (v *VFS) lookupChild(ctx context.Context, dir *Dirc, name string) (*Dirc, error) {
	if d := v.dcache.lookup(dir, name); d != nil {
		return d, nil
	}

	dent, err := ifsFindDirent(ctx, dir.Inode, name)
	if err != nil {
		return nil, err
	}

	ino, err := v.icache.get(ctx, dir.Inode.fs, dent.InodeID)
	if err != nil {
		return nil, err
	}

	return v.dcache.insert(ctx, dir, name, v.effective(ctx, ino)), nil
}

func (v *VFS) readLinkTarget(ctx context.Context, ino *Inode) (string, error) {
	ino.Lock()
	size := ino.Size
	ino.Unlock()

	if size >= int64(v.opts.MaxNameLength) {
		return "", kerrors.New(kerrors.ENAMETOOLONG, "symbolic link target too long")
	}

	buf := make([]byte, size)
	n, err := ifsReadInode(ctx, ino, buf, 0)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// splitLast returns the final component of path, ignoring trailing slashes.
func splitLast(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

// dircPath rebuilds the absolute path of d from the parent chain. The chain
// ends at a root whose name is its own global path.
func dircPath(d *Dirc) string {
	var names []string
	for !d.IsRoot() {
		names = append(names, d.Name)
		d = d.Parent
	}
	p := d.Name
	for i := len(names) - 1; i >= 0; i-- {
		p = joinPath(p, names[i])
	}
	return p
}

// Path returns the absolute path of d as seen from the global root.
func (v *VFS) Path(d *Dirc) string {
	return dircPath(d)
}
