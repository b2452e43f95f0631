// Package pgfs stores filesystems in Postgres. Each instance is named by the
// token it is mounted from; inodes, directory entries and file bodies live
// in rows keyed by that token. Writes go straight to the database, so Sync
// only records when the instance was last synchronized.
package pgfs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/S1riyS/vfs-switch/internal/models"
	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
	"github.com/S1riyS/vfs-switch/internal/repository"
	"github.com/S1riyS/vfs-switch/internal/vfs"
	"github.com/S1riyS/vfs-switch/pkg/database/postgresql"
	"github.com/S1riyS/vfs-switch/pkg/logging"
	"github.com/S1riyS/vfs-switch/pkg/logging/slogext"
)

const FSType = "pgfs"

// MaxFileSize keeps a body within what a single bytea value can hold.
const MaxFileSize int64 = 1<<30 - 1

// DeviceIDFor derives a stable device id from token. The high bit is always
// set so pgfs devices never collide with in-memory ones.
func DeviceIDFor(token string) vfs.DeviceID {
	sum := blake3.Sum256([]byte(token))
	return vfs.DeviceID(binary.LittleEndian.Uint32(sum[:4]) | 1<<31)
}

// Driver mounts pgfs instances from one database.
type Driver struct {
	db          postgresql.Client
	fsRepo      repository.FilesystemRepository
	inodeRepo   repository.InodeRepository
	dirRepo     repository.DirectoryRepository
	contentRepo repository.ContentRepository

	schemaOnce sync.Once
	schemaErr  error
}

func NewDriver(db postgresql.Client) *Driver {
	return &Driver{
		db:          db,
		fsRepo:      repository.NewFilesystemRepository(db),
		inodeRepo:   repository.NewInodeRepository(db),
		dirRepo:     repository.NewDirectoryRepository(db),
		contentRepo: repository.NewContentRepository(db),
	}
}

// Register makes "pgfs" mountable on v.
func (d *Driver) Register(ctx context.Context, v *vfs.VFS) error {
	return v.RegisterFS(ctx, FSType, d.Mount)
}

// Mount opens the instance named by source, creating it on first use.
func (d *Driver) Mount(ctx context.Context, source string, flags uint32) (*vfs.FSDevice, error) {
	const op = "pgfs.Driver.Mount"

	logger := logging.GetLoggerFromContextWithOp(ctx, op).With(slog.String("token", source))

	if source == "" {
		return nil, kerrors.New(kerrors.EINVAL, "pgfs: mount source must be a token")
	}

	d.schemaOnce.Do(func() { d.schemaErr = d.fsRepo.EnsureSchema(ctx) })
	if d.schemaErr != nil {
		logger.Error("Failed to prepare schema", slogext.Err(d.schemaErr))
		return nil, fmt.Errorf("%s: %w", op, d.schemaErr)
	}

	row, err := d.fsRepo.GetOrCreate(ctx, source)
	if err != nil {
		logger.Error("Failed to open filesystem", slogext.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	inst := &FS{driver: d, token: source}
	inst.dev = &vfs.FSDevice{
		ID:          DeviceIDFor(source),
		RootInodeID: vfs.InodeID(row.RootIno),
		Ops:         inst,
		Source:      source,
		FSType:      FSType,
	}

	logger.Info("Opened filesystem", slog.Uint64("device", uint64(inst.dev.ID)))
	return inst.dev, nil
}

// FS is one mounted pgfs instance.
type FS struct {
	driver *Driver
	token  string
	dev    *vfs.FSDevice

	// mu serializes read-modify-write of file bodies.
	mu sync.Mutex
}

func (f *FS) LoadInode(ctx context.Context, dev *vfs.FSDevice, id vfs.InodeID) (*vfs.Inode, error) {
	const op = "pgfs.FS.LoadInode"

	row, err := f.driver.inodeRepo.Get(ctx, f.token, int64(id))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if row == nil {
		return nil, kerrors.New(kerrors.ENOENT, fmt.Sprintf("pgfs: no inode %d", id))
	}

	ino := vfs.NewInode(dev, id)
	ino.Mode = row.Mode
	ino.UID = row.UID
	ino.GID = row.GID
	ino.Size = row.Size
	ino.Nlink = row.Nlink
	ino.Rdev = row.Rdev
	ino.Atime, ino.Mtime, ino.Ctime = row.Atime, row.Mtime, row.Ctime
	return ino, nil
}

func (f *FS) StoreInode(ctx context.Context, ino *vfs.Inode) error {
	const op = "pgfs.FS.StoreInode"

	if err := f.driver.inodeRepo.Update(ctx, f.row(ino)); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return kerrors.New(kerrors.ENOENT, fmt.Sprintf("pgfs: no inode %d", ino.ID))
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (f *FS) Mknod(ctx context.Context, ino *vfs.Inode) error {
	const op = "pgfs.FS.Mknod"

	err := postgresql.WithTransaction(ctx, f.driver.db, func(ctx context.Context) error {
		id, err := f.driver.fsRepo.AllocIno(ctx, f.token)
		if err != nil {
			return err
		}
		if id > int64(^uint32(0)) {
			return kerrors.New(kerrors.ENOSPC, "pgfs: inode numbers exhausted")
		}
		ino.ID = vfs.InodeID(id)
		return f.driver.inodeRepo.Create(ctx, f.row(ino))
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (f *FS) Rmnod(ctx context.Context, ino *vfs.Inode) error {
	const op = "pgfs.FS.Rmnod"

	if err := f.driver.inodeRepo.Delete(ctx, f.token, int64(ino.ID)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (f *FS) ReadInode(ctx context.Context, ino *vfs.Inode, buf []byte, off int64) (int, error) {
	const op = "pgfs.FS.ReadInode"

	data, err := f.driver.contentRepo.GetRange(ctx, f.token, int64(ino.ID), off, int64(len(buf)))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n := copy(buf, data)
	if n < len(buf) {
		return n, kerrors.New(kerrors.EIO, "pgfs: short read")
	}
	return n, nil
}

func (f *FS) WriteInode(ctx context.Context, ino *vfs.Inode, buf []byte, off int64) (int, error) {
	const op = "pgfs.FS.WriteInode"

	end, err := vfs.FileEnd(off, int64(len(buf)), MaxFileSize)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	err = postgresql.WithTransaction(ctx, f.driver.db, func(ctx context.Context) error {
		data, err := f.driver.contentRepo.Get(ctx, f.token, int64(ino.ID))
		if err != nil {
			return err
		}
		if end > int64(len(data)) {
			grown := make([]byte, end)
			copy(grown, data)
			data = grown
		}
		copy(data[off:], buf)
		return f.driver.contentRepo.Set(ctx, f.token, int64(ino.ID), data)
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return len(buf), nil
}

func (f *FS) Truncate(ctx context.Context, ino *vfs.Inode, size int64) error {
	const op = "pgfs.FS.Truncate"

	if _, err := vfs.FileEnd(size, 0, MaxFileSize); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	err := postgresql.WithTransaction(ctx, f.driver.db, func(ctx context.Context) error {
		data, err := f.driver.contentRepo.Get(ctx, f.token, int64(ino.ID))
		if err != nil {
			return err
		}
		resized := make([]byte, size)
		copy(resized, data)
		return f.driver.contentRepo.Set(ctx, f.token, int64(ino.ID), resized)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Mkdir has nothing to prepare: entries are rows keyed by the directory.
func (f *FS) Mkdir(ctx context.Context, ino *vfs.Inode) error {
	return nil
}

func (f *FS) FindDirent(ctx context.Context, dir *vfs.Inode, name string) (*vfs.Dirent, error) {
	const op = "pgfs.FS.FindDirent"

	entry, err := f.driver.dirRepo.Lookup(ctx, f.token, int64(dir.ID), name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if entry == nil {
		return nil, kerrors.New(kerrors.ENOENT, fmt.Sprintf("pgfs: no entry %q", name))
	}

	d := f.dirent(*entry)
	d.RecLen = vfs.DirentRecLen(d)
	return &d, nil
}

func (f *FS) Link(ctx context.Context, dir *vfs.Inode, name string, id vfs.InodeID) error {
	const op = "pgfs.FS.Link"

	err := f.driver.dirRepo.CreateEntry(ctx, f.token, int64(dir.ID), name, int64(id))
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return kerrors.New(kerrors.EEXIST, fmt.Sprintf("pgfs: entry %q exists", name))
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	dir.Size += int64(vfs.DirentRecLen(vfs.Dirent{InodeID: id, DeviceID: dir.Device, Name: name}))
	return nil
}

func (f *FS) Unlink(ctx context.Context, dir *vfs.Inode, name string) error {
	const op = "pgfs.FS.Unlink"

	entry, err := f.driver.dirRepo.Lookup(ctx, f.token, int64(dir.ID), name)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if entry == nil {
		return kerrors.New(kerrors.ENOENT, fmt.Sprintf("pgfs: no entry %q", name))
	}

	if err := f.driver.dirRepo.DeleteEntry(ctx, f.token, int64(dir.ID), name); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return kerrors.New(kerrors.ENOENT, fmt.Sprintf("pgfs: no entry %q", name))
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	dir.Size -= int64(vfs.DirentRecLen(f.dirent(*entry)))
	return nil
}

func (f *FS) ReadDir(ctx context.Context, dir *vfs.Inode, buf []byte, off int64) (int, error) {
	const op = "pgfs.FS.ReadDir"

	entries, err := f.driver.dirRepo.GetEntries(ctx, f.token, int64(dir.ID))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	ds := make([]vfs.Dirent, 0, len(entries))
	for _, e := range entries {
		ds = append(ds, f.dirent(e))
	}
	return vfs.PackDirents(ds, buf, off)
}

func (f *FS) Sync(ctx context.Context, dev *vfs.FSDevice) error {
	const op = "pgfs.FS.Sync"

	if err := f.driver.fsRepo.MarkSynced(ctx, f.token, time.Now()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (f *FS) row(ino *vfs.Inode) *models.Inode {
	return &models.Inode{
		Ino:   int64(ino.ID),
		Token: f.token,
		Mode:  ino.Mode,
		UID:   ino.UID,
		GID:   ino.GID,
		Size:  ino.Size,
		Nlink: ino.Nlink,
		Rdev:  ino.Rdev,
		Atime: ino.Atime,
		Mtime: ino.Mtime,
		Ctime: ino.Ctime,
	}
}

func (f *FS) dirent(e models.DirectoryEntry) vfs.Dirent {
	return vfs.Dirent{
		InodeID:  vfs.InodeID(e.Ino),
		DeviceID: f.dev.ID,
		Name:     e.Name,
	}
}
