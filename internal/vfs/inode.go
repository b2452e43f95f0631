package vfs

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
	"github.com/S1riyS/vfs-switch/pkg/mruc"
)

type (
	DeviceID uint32
	InodeID  uint32
)

// File type bits of Inode.Mode.
const (
	ModeType    = unix.S_IFMT
	ModeDir     = unix.S_IFDIR
	ModeRegular = unix.S_IFREG
	ModeSymlink = unix.S_IFLNK
	ModeChar    = unix.S_IFCHR
	ModeBlock   = unix.S_IFBLK
	ModeFIFO    = unix.S_IFIFO
	ModePerm    = 0o7777
)

// Inode is the in-memory metadata of one file, unique per (Device, ID) while
// it is cached. Count > 0 means the inode is pinned; at 0 it sits in the
// inode cache and may be evicted.
type Inode struct {
	ID     InodeID
	Device DeviceID

	Mode  uint32
	UID   uint32
	GID   uint32
	Size  int64
	Nlink uint32

	Atime time.Time
	Mtime time.Time
	Ctime time.Time

	// Rdev is the device number of character and block special files.
	Rdev uint64
	// Pipe is the pipe buffer attached to a FIFO, owned by the caller.
	Pipe any
	// Mount is the root of the filesystem mounted on this inode.
	Mount *Inode
	// Private is owned by the driver.
	Private any

	fs *FSDevice
	mu sync.Mutex

	// guarded by inodeCache.mu
	count int
	dirty bool
	entry *mruc.Entry[*Inode]
}

// NewInode allocates an unregistered inode for fs. Drivers call it from
// LoadInode; the VFS calls it before Mknod.
func NewInode(fs *FSDevice, id InodeID) *Inode {
	ino := &Inode{
		ID:     id,
		Device: fs.ID,
		fs:     fs,
	}
	ino.entry = mruc.NewEntry(ino)
	return ino
}

func (i *Inode) FS() *FSDevice { return i.fs }

func (i *Inode) Lock()   { i.mu.Lock() }
func (i *Inode) Unlock() { i.mu.Unlock() }

func (i *Inode) IsDir() bool     { return i.Mode&ModeType == ModeDir }
func (i *Inode) IsRegular() bool { return i.Mode&ModeType == ModeRegular }
func (i *Inode) IsSymlink() bool { return i.Mode&ModeType == ModeSymlink }

// Touch stamps mtime and ctime with now.
func (i *Inode) Touch(now time.Time) {
	i.Mtime = now
	i.Ctime = now
}

// FileEnd returns off+n, or EFBIG when that passes limit or overflows.
// Drivers call it before growing a file body.
func FileEnd(off, n, limit int64) (int64, error) {
	if off < 0 || n < 0 {
		return 0, kerrors.New(kerrors.EINVAL, "negative offset or length")
	}
	if off > limit || n > limit-off {
		return 0, kerrors.New(kerrors.EFBIG, "file too large")
	}
	return off + n, nil
}

func inodeKey(dev DeviceID, id InodeID) uint64 {
	return uint64(dev)<<32 | uint64(id)
}

// FSDevice is one mounted filesystem instance.
type FSDevice struct {
	ID          DeviceID
	RootInodeID InodeID
	// Ops is the driver's capability value; see ifswrap.go.
	Ops any
	// Source is the device argument the filesystem was mounted from.
	Source string
	FSType string

	mu sync.Mutex
}

func (d *FSDevice) Lock()   { d.mu.Lock() }
func (d *FSDevice) Unlock() { d.mu.Unlock() }

// Stat is a snapshot of inode metadata.
type Stat struct {
	Device DeviceID
	Inode  InodeID
	Mode   uint32
	Nlink  uint32
	UID    uint32
	GID    uint32
	Rdev   uint64
	Size   int64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
}

func (i *Inode) Stat() Stat {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Stat{
		Device: i.Device,
		Inode:  i.ID,
		Mode:   i.Mode,
		Nlink:  i.Nlink,
		UID:    i.UID,
		GID:    i.GID,
		Rdev:   i.Rdev,
		Size:   i.Size,
		Atime:  i.Atime,
		Mtime:  i.Mtime,
		Ctime:  i.Ctime,
	}
}
