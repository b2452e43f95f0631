package vfs

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/S1riyS/vfs-switch/pkg/mruc"
)

// Dirc is a directory cache entry: one resolved path prefix. It holds a
// reference on its inode and on its parent; the root is its own parent.
type Dirc struct {
	Inode  *Inode
	Parent *Dirc
	Name   string

	// guarded by dirCache.mu
	count    int
	detached bool
	entry    *mruc.Entry[*Dirc]
}

func (d *Dirc) IsRoot() bool { return d.Parent == d }

type dircKey struct {
	parent *Dirc
	name   string
}

// dirCache indexes referenced dircs by (parent, name) and keeps released
// ones in an MRU cache so repeated lookups skip the driver.
type dirCache struct {
	mu     sync.Mutex
	active map[dircKey]*Dirc
	mru    *mruc.Cache[*Dirc]
	icache *inodeCache

	// evictCtx is the context of the call holding mu, used by evict.
	evictCtx context.Context
}

func newDirCache(capacity, tableSize int, icache *inodeCache) *dirCache {
	c := &dirCache{
		active:   make(map[dircKey]*Dirc),
		icache:   icache,
		evictCtx: context.Background(),
	}
	c.mru = mruc.New(capacity, tableSize, c.evict)
	return c
}

// dircHash mixes the parent's inode identity with the name. Entries sharing
// a hash are told apart by comparing the parent pointer.
func dircHash(parent *Dirc, name string) uint64 {
	buf := make([]byte, 12, 12+len(name))
	binary.LittleEndian.PutUint32(buf[0:], uint32(parent.Inode.Device))
	binary.LittleEndian.PutUint32(buf[4:], uint32(parent.Inode.ID))
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(name)))
	buf = append(buf, name...)
	sum := blake3.Sum256(buf)
	return binary.LittleEndian.Uint64(sum[:8])
}

// mkroot creates a self-parented dirc holding a new reference on ino. path
// is where ino sits in the global tree; it becomes the dirc's name.
func (c *dirCache) mkroot(ino *Inode, path string) *Dirc {
	d := &Dirc{Inode: c.icache.ref(ino), Name: path, count: 1}
	d.Parent = d
	d.entry = mruc.NewEntry(d)
	return d
}

func (c *dirCache) ref(d *Dirc) *Dirc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refLocked(d)
}

func (c *dirCache) refLocked(d *Dirc) *Dirc {
	if d.count == 0 && !d.detached {
		c.mru.Remove(d.entry)
		c.active[dircKey{d.Parent, d.Name}] = d
	}
	d.count++
	return d
}

func (c *dirCache) release(ctx context.Context, d *Dirc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.evictCtx
	c.evictCtx = ctx
	c.releaseLocked(ctx, d)
	c.evictCtx = prev
}

func (c *dirCache) releaseLocked(ctx context.Context, d *Dirc) {
	if d.count <= 0 {
		panic(fmt.Sprintf("vfs: release of unreferenced dirc %q", d.Name))
	}
	d.count--
	if d.count > 0 {
		return
	}

	if d.IsRoot() || d.detached {
		c.free(ctx, d)
		return
	}

	key := dircKey{d.Parent, d.Name}
	if c.active[key] == d {
		delete(c.active, key)
	}
	c.mru.Add(d.entry, dircHash(d.Parent, d.Name))
}

// free drops the dirc's references, possibly cascading up the parent chain.
func (c *dirCache) free(ctx context.Context, d *Dirc) {
	c.icache.release(ctx, d.Inode)
	if !d.IsRoot() {
		c.releaseLocked(ctx, d.Parent)
	}
}

func (c *dirCache) evict(e *mruc.Entry[*Dirc]) {
	c.mru.Remove(e)
	c.free(c.evictCtx, e.Value)
}

// lookup returns a referenced child of parent, or nil.
func (c *dirCache) lookup(parent *Dirc, name string) *Dirc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(parent, name)
}

func (c *dirCache) lookupLocked(parent *Dirc, name string) *Dirc {
	if d, ok := c.active[dircKey{parent, name}]; ok {
		d.count++
		return d
	}
	e := c.mru.Each(dircHash(parent, name), func(e *mruc.Entry[*Dirc]) bool {
		return e.Value.Parent == parent && e.Value.Name == name
	})
	if e == nil {
		return nil
	}
	return c.refLocked(e.Value)
}

// insert creates the dirc for parent/name, taking over the caller's
// reference on ino. If a concurrent resolution got there first the existing
// entry is returned and ino is released.
func (c *dirCache) insert(ctx context.Context, parent *Dirc, name string, ino *Inode) *Dirc {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d := c.lookupLocked(parent, name); d != nil {
		c.icache.release(ctx, ino)
		return d
	}

	d := &Dirc{Inode: ino, Parent: c.refLocked(parent), Name: name, count: 1}
	d.entry = mruc.NewEntry(d)
	c.active[dircKey{parent, name}] = d
	return d
}

// invalidate unhooks parent/name so the next resolution asks the driver.
// Holders of a referenced entry keep a valid but detached dirc.
func (c *dirCache) invalidate(ctx context.Context, parent *Dirc, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.evictCtx
	c.evictCtx = ctx
	defer func() { c.evictCtx = prev }()

	key := dircKey{parent, name}
	if d, ok := c.active[key]; ok {
		delete(c.active, key)
		d.detached = true
		return
	}
	e := c.mru.Each(dircHash(parent, name), func(e *mruc.Entry[*Dirc]) bool {
		return e.Value.Parent == parent && e.Value.Name == name
	})
	if e != nil {
		c.evict(e)
	}
}

// invalidateInode unhooks every entry that resolves to ino, whatever parent
// it was cached under.
func (c *dirCache) invalidateInode(ctx context.Context, ino *Inode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.evictCtx
	c.evictCtx = ctx
	defer func() { c.evictCtx = prev }()

	for key, d := range c.active {
		if d.Inode == ino {
			delete(c.active, key)
			d.detached = true
		}
	}
	for _, e := range c.mru.Entries() {
		if e.Cached() && e.Value.Inode == ino {
			c.evict(e)
		}
	}
}

// purge evicts idle entries matching fn until none are left. Evicting a child
// may release its parent into the cache, so the scan repeats.
func (c *dirCache) purge(ctx context.Context, fn func(d *Dirc) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.evictCtx
	c.evictCtx = ctx
	defer func() { c.evictCtx = prev }()

	for {
		evicted := false
		for _, e := range c.mru.Entries() {
			if e.Cached() && fn(e.Value) {
				c.evict(e)
				evicted = true
			}
		}
		if !evicted {
			return
		}
	}
}

func (c *dirCache) flush(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictCtx = ctx
	c.mru.Flush()
	c.evictCtx = context.Background()
}

// activeOn counts referenced dircs whose inode lives on dev.
func (c *dirCache) activeOn(dev DeviceID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, d := range c.active {
		if d.Inode.Device == dev {
			n++
		}
	}
	return n
}

type dirCacheStats struct {
	Active int
	Idle   int
}

func (c *dirCache) stats() dirCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return dirCacheStats{Active: len(c.active), Idle: c.mru.Len()}
}

func (c *dirCache) count(d *Dirc) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return d.count
}
