package vfs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/S1riyS/vfs-switch/pkg/logging"
)

// recordingFS notes which inodes were written back or freed.
type recordingFS struct {
	storeErr error
	stored   []InodeID
	removed  []InodeID
}

func (f *recordingFS) StoreInode(ctx context.Context, ino *Inode) error {
	f.stored = append(f.stored, ino.ID)
	return f.storeErr
}

func (f *recordingFS) Rmnod(ctx context.Context, ino *Inode) error {
	f.removed = append(f.removed, ino.ID)
	return nil
}

type icacheEnv struct {
	ctx context.Context
	log *bytes.Buffer
	fs  *recordingFS
	dev *FSDevice
	c   *inodeCache
}

func newICacheEnv(t *testing.T, capacity int) *icacheEnv {
	t.Helper()

	var buf bytes.Buffer
	ctx := logging.MakeContextWithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))
	fs := &recordingFS{}
	return &icacheEnv{
		ctx: ctx,
		log: &buf,
		fs:  fs,
		dev: &FSDevice{ID: 0x10, Ops: fs},
		c:   newInodeCache(capacity, 4),
	}
}

// open registers a linked inode holding one reference.
func (e *icacheEnv) open(t *testing.T, id InodeID) *Inode {
	t.Helper()
	ino := NewInode(e.dev, id)
	ino.Nlink = 1
	if err := e.c.register(ino); err != nil {
		t.Fatalf("register %d: %v", id, err)
	}
	return ino
}

func TestInodeEvictionWritesBackDirty(t *testing.T) {
	e := newICacheEnv(t, 1)

	a := e.open(t, 1)
	b := e.open(t, 2)
	e.c.markDirty(a)

	e.c.release(e.ctx, a)
	if len(e.fs.stored) != 0 {
		t.Fatalf("stored %v before eviction", e.fs.stored)
	}
	e.c.release(e.ctx, b)

	if !slices.Equal(e.fs.stored, []InodeID{1}) {
		t.Errorf("stored = %v, want [1]", e.fs.stored)
	}
	if a.dirty {
		t.Errorf("evicted inode still dirty")
	}
	if e.c.lookup(e.dev.ID, 1) != nil {
		t.Errorf("evicted inode still cached")
	}
	if st := e.c.stats(); st.Idle != 1 || st.Open != 0 {
		t.Errorf("stats = %+v, want 1 idle", st)
	}

	// Clean inodes are dropped without a store.
	e.c.release(e.ctx, e.open(t, 3))
	if len(e.fs.stored) != 1 {
		t.Errorf("stored = %v, clean inode 2 was written back", e.fs.stored)
	}
}

func TestInodeEvictionSurvivesStoreFailure(t *testing.T) {
	e := newICacheEnv(t, 1)
	e.fs.storeErr = errors.New("disk on fire")

	a := e.open(t, 1)
	b := e.open(t, 2)
	e.c.markDirty(a)
	e.c.release(e.ctx, a)
	e.c.release(e.ctx, b)

	if !slices.Equal(e.fs.stored, []InodeID{1}) {
		t.Fatalf("stored = %v, want [1]", e.fs.stored)
	}
	if e.c.lookup(e.dev.ID, 1) != nil {
		t.Errorf("inode kept after failed write back")
	}
	if st := e.c.stats(); st.Idle > 1 {
		t.Errorf("idle inodes = %d, over capacity 1", st.Idle)
	}
	if !strings.Contains(e.log.String(), "Failed to write back inode") || !strings.Contains(e.log.String(), "disk on fire") {
		t.Errorf("failure not logged: %q", e.log.String())
	}
}

func TestInodeEvictionFreesUnlinked(t *testing.T) {
	e := newICacheEnv(t, 1)

	a := e.open(t, 1)
	a.Nlink = 0
	e.c.markDirty(a)
	e.c.release(e.ctx, a)
	e.c.release(e.ctx, e.open(t, 2))

	if !slices.Equal(e.fs.removed, []InodeID{1}) {
		t.Errorf("removed = %v, want [1]", e.fs.removed)
	}
	if len(e.fs.stored) != 0 {
		t.Errorf("stored = %v, unlinked inode must not be written back", e.fs.stored)
	}
}

func TestInodeEvictionSkipsPinned(t *testing.T) {
	e := newICacheEnv(t, 1)

	pinned := e.open(t, 1)
	e.c.markDirty(pinned)
	for id := InodeID(2); id < 6; id++ {
		e.c.release(e.ctx, e.open(t, id))
	}

	if len(e.fs.stored) != 0 || len(e.fs.removed) != 0 {
		t.Errorf("stored %v removed %v, pinned inode touched", e.fs.stored, e.fs.removed)
	}
	if got := e.c.lookup(e.dev.ID, 1); got != pinned {
		t.Fatalf("pinned inode lost")
	}
	if st := e.c.stats(); st.Open != 1 || st.Idle != 1 {
		t.Errorf("stats = %+v, want 1 open and 1 idle", st)
	}
	if n := e.c.count(pinned); n != 2 {
		t.Errorf("refcount = %d, want 2", n)
	}
}
