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
	"github.com/S1riyS/vfs-switch/pkg/mruc"
)

// inodeCache keeps one instance per (device, id). Pinned inodes live in open,
// idle ones in the MRU cache. Lock order is Inode.mu before inodeCache.mu, so
// drivers must not take the inode lock from StoreInode or Rmnod.
type inodeCache struct {
	mu   sync.Mutex
	open map[uint64]*Inode
	mru  *mruc.Cache[*Inode]

	// evictCtx is the context of the call holding mu, used by evict.
	evictCtx context.Context
}

func newInodeCache(capacity, tableSize int) *inodeCache {
	c := &inodeCache{
		open:     make(map[uint64]*Inode),
		evictCtx: context.Background(),
	}
	c.mru = mruc.New(capacity, tableSize, c.evict)
	return c
}

func (c *inodeCache) ref(ino *Inode) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refLocked(ino)
}

func (c *inodeCache) refLocked(ino *Inode) *Inode {
	if ino.count == 0 {
		c.mru.Remove(ino.entry)
		c.open[inodeKey(ino.Device, ino.ID)] = ino
	}
	ino.count++
	return ino
}

func (c *inodeCache) release(ctx context.Context, ino *Inode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(ctx, ino)
}

func (c *inodeCache) releaseLocked(ctx context.Context, ino *Inode) {
	if ino.count <= 0 {
		panic(fmt.Sprintf("vfs: release of unreferenced inode %d:%d", ino.Device, ino.ID))
	}
	ino.count--
	if ino.count > 0 {
		return
	}

	key := inodeKey(ino.Device, ino.ID)
	delete(c.open, key)

	prev := c.evictCtx
	c.evictCtx = ctx
	c.mru.Add(ino.entry, key)
	c.evictCtx = prev
}

// lookupLocked returns a referenced inode, or nil when it is not cached.
func (c *inodeCache) lookupLocked(dev DeviceID, id InodeID) *Inode {
	key := inodeKey(dev, id)
	if ino, ok := c.open[key]; ok {
		ino.count++
		return ino
	}
	e := c.mru.Each(key, func(e *mruc.Entry[*Inode]) bool {
		return e.Value.Device == dev && e.Value.ID == id
	})
	if e == nil {
		return nil
	}
	return c.refLocked(e.Value)
}

func (c *inodeCache) lookup(dev DeviceID, id InodeID) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(dev, id)
}

// get returns a referenced inode, loading it through the driver on a miss.
func (c *inodeCache) get(ctx context.Context, fs *FSDevice, id InodeID) (*Inode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ino := c.lookupLocked(fs.ID, id); ino != nil {
		return ino, nil
	}

	ino, err := ifsLoadInode(ctx, fs, id)
	if err != nil {
		return nil, err
	}
	if ino.fs == nil {
		ino.fs = fs
	}
	if ino.entry == nil {
		ino.entry = mruc.NewEntry(ino)
	}
	c.registerLocked(ino)
	return ino, nil
}

// register adds a freshly created inode as open with one reference.
func (c *inodeCache) register(ino *Inode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := inodeKey(ino.Device, ino.ID)
	if _, ok := c.open[key]; ok {
		return kerrors.New(kerrors.EEXIST, fmt.Sprintf("inode %d:%d already cached", ino.Device, ino.ID))
	}
	if c.mru.Each(key, func(e *mruc.Entry[*Inode]) bool { return e.Value.Device == ino.Device && e.Value.ID == ino.ID }) != nil {
		return kerrors.New(kerrors.EEXIST, fmt.Sprintf("inode %d:%d already cached", ino.Device, ino.ID))
	}
	c.registerLocked(ino)
	return nil
}

func (c *inodeCache) registerLocked(ino *Inode) {
	ino.count = 1
	c.open[inodeKey(ino.Device, ino.ID)] = ino
}

func (c *inodeCache) markDirty(ino *Inode) {
	c.mu.Lock()
	ino.dirty = true
	c.mu.Unlock()
}

// evict writes back and drops an idle inode. Unlinked inodes are handed to
// rmnod instead of being stored. Failures are logged and the inode is
// dropped regardless.
func (c *inodeCache) evict(e *mruc.Entry[*Inode]) {
	const op = "vfs.inodeCache.evict"

	ino := e.Value
	c.mru.Remove(e)

	ctx := c.evictCtx
	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	var err error
	switch {
	case ino.Nlink == 0:
		err = ifsRmnod(ctx, ino)
	case ino.dirty:
		err = ifsStoreInode(ctx, ino)
	}
	if err != nil && !errors.Is(err, kerrors.ENOTSUP) {
		logger.Error("Failed to write back inode", slogext.Err(err),
			slog.Uint64("device", uint64(ino.Device)),
			slog.Uint64("ino", uint64(ino.ID)),
		)
	}
	ino.dirty = false
}

func (c *inodeCache) flush(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictCtx = ctx
	c.mru.Flush()
	c.evictCtx = context.Background()
}

// flushDevice evicts every idle inode of dev.
func (c *inodeCache) flushDevice(ctx context.Context, dev DeviceID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictCtx = ctx
	for _, e := range c.mru.Entries() {
		if e.Value.Device == dev && e.Cached() {
			c.evict(e)
		}
	}
	c.evictCtx = context.Background()
}

// storeDevice writes back dirty inodes of dev without dropping them.
func (c *inodeCache) storeDevice(ctx context.Context, dev DeviceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	store := func(ino *Inode) {
		if ino.Device != dev || !ino.dirty || ino.Nlink == 0 {
			return
		}
		err := ifsStoreInode(ctx, ino)
		if err != nil && !errors.Is(err, kerrors.ENOTSUP) {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		ino.dirty = false
	}
	for _, ino := range c.open {
		store(ino)
	}
	for _, e := range c.mru.Entries() {
		store(e.Value)
	}
	return firstErr
}

// openOn counts pinned inodes of dev.
func (c *inodeCache) openOn(dev DeviceID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, ino := range c.open {
		if ino.Device == dev {
			n++
		}
	}
	return n
}

type inodeCacheStats struct {
	Open int
	Idle int
}

func (c *inodeCache) stats() inodeCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return inodeCacheStats{Open: len(c.open), Idle: c.mru.Len()}
}

func (c *inodeCache) count(ino *Inode) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ino.count
}
