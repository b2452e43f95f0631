package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/S1riyS/vfs-switch/internal/models"
	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
	"github.com/S1riyS/vfs-switch/internal/vfs"
	"github.com/S1riyS/vfs-switch/pkg/logging"
	"github.com/S1riyS/vfs-switch/pkg/logging/slogext"
)

// MaxIOSize caps a single read or write request.
const MaxIOSize = 1 << 20

type FileSystemService interface {
	Stat(ctx context.Context, path string) (*models.Stat, error)
	Lstat(ctx context.Context, path string) (*models.Stat, error)
	ReadDir(ctx context.Context, path string) ([]models.Dirent, error)
	CreateFile(ctx context.Context, path string, mode uint32) (*models.Stat, error)
	Mkdir(ctx context.Context, path string, mode uint32) (*models.Stat, error)
	Mknod(ctx context.Context, path string, mode uint32, rdev uint64) error
	Unlink(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string) error
	Read(ctx context.Context, path string, offset int64, length int64) ([]byte, error)
	Write(ctx context.Context, path string, data []byte, offset int64) (int64, error)
	Truncate(ctx context.Context, path string, size int64) error
	Link(ctx context.Context, oldPath, newPath string) error
	Symlink(ctx context.Context, target, path string) error
	Readlink(ctx context.Context, path string) (string, error)
	Mount(ctx context.Context, fstype, source, path string, flags uint32) error
	Unmount(ctx context.Context, path string) error
	Mounts(ctx context.Context) []vfs.MountInfo
	Sync(ctx context.Context) error
}

// fileSystemService runs every request in one namespace rooted at the
// global root.
type fileSystemService struct {
	vfs *vfs.VFS
	ns  *vfs.Namespace
}

func NewFileSystemService(v *vfs.VFS, ns *vfs.Namespace) FileSystemService {
	return &fileSystemService{vfs: v, ns: ns}
}

func toModelStat(st vfs.Stat) *models.Stat {
	return &models.Stat{
		Device: uint32(st.Device),
		Ino:    uint32(st.Inode),
		Mode:   st.Mode,
		Nlink:  st.Nlink,
		UID:    st.UID,
		GID:    st.GID,
		Rdev:   st.Rdev,
		Size:   st.Size,
		Mtime:  st.Mtime.Unix(),
	}
}

func (s *fileSystemService) Stat(ctx context.Context, path string) (*models.Stat, error) {
	const op = "service.fileSystemService.Stat"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Stat", slog.String("path", path))

	st, err := s.vfs.Stat(ctx, s.ns, path)
	if err != nil {
		logger.Debug("Stat failed", slogext.Err(err), slog.String("path", path))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return toModelStat(st), nil
}

func (s *fileSystemService) Lstat(ctx context.Context, path string) (*models.Stat, error) {
	const op = "service.fileSystemService.Lstat"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Lstat", slog.String("path", path))

	st, err := s.vfs.Lstat(ctx, s.ns, path)
	if err != nil {
		logger.Debug("Lstat failed", slogext.Err(err), slog.String("path", path))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return toModelStat(st), nil
}

func (s *fileSystemService) ReadDir(ctx context.Context, path string) ([]models.Dirent, error) {
	const op = "service.fileSystemService.ReadDir"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("ReadDir", slog.String("path", path))

	entries, err := s.vfs.ReadDir(ctx, s.ns, path)
	if err != nil {
		logger.Debug("ReadDir failed", slogext.Err(err), slog.String("path", path))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	out := make([]models.Dirent, 0, len(entries))
	for _, e := range entries {
		out = append(out, models.Dirent{
			Name:   e.Name,
			Ino:    uint32(e.InodeID),
			Device: uint32(e.DeviceID),
		})
	}

	logger.Debug("Directory read", slog.String("path", path), slog.Int("entries", len(out)))
	return out, nil
}

func (s *fileSystemService) CreateFile(ctx context.Context, path string, mode uint32) (*models.Stat, error) {
	const op = "service.fileSystemService.CreateFile"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("CreateFile", slog.String("path", path), slog.Any("mode", mode))

	st, err := s.vfs.Create(ctx, s.ns, path, mode&vfs.ModePerm)
	if err != nil {
		logger.Debug("CreateFile failed", slogext.Err(err), slog.String("path", path))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("File created", slog.String("path", path), slog.Any("ino", st.Inode))
	return toModelStat(st), nil
}

func (s *fileSystemService) Mkdir(ctx context.Context, path string, mode uint32) (*models.Stat, error) {
	const op = "service.fileSystemService.Mkdir"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Mkdir", slog.String("path", path), slog.Any("mode", mode))

	st, err := s.vfs.Mkdir(ctx, s.ns, path, mode&vfs.ModePerm)
	if err != nil {
		logger.Debug("Mkdir failed", slogext.Err(err), slog.String("path", path))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Directory created", slog.String("path", path), slog.Any("ino", st.Inode))
	return toModelStat(st), nil
}

func (s *fileSystemService) Mknod(ctx context.Context, path string, mode uint32, rdev uint64) error {
	const op = "service.fileSystemService.Mknod"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Mknod", slog.String("path", path), slog.Any("mode", mode), slog.Uint64("rdev", rdev))

	if err := s.vfs.Mknod(ctx, s.ns, path, mode, rdev); err != nil {
		logger.Debug("Mknod failed", slogext.Err(err), slog.String("path", path))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *fileSystemService) Unlink(ctx context.Context, path string) error {
	const op = "service.fileSystemService.Unlink"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Unlink", slog.String("path", path))

	if err := s.vfs.Unlink(ctx, s.ns, path); err != nil {
		logger.Debug("Unlink failed", slogext.Err(err), slog.String("path", path))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *fileSystemService) Rmdir(ctx context.Context, path string) error {
	const op = "service.fileSystemService.Rmdir"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Rmdir", slog.String("path", path))

	if err := s.vfs.Rmdir(ctx, s.ns, path); err != nil {
		logger.Debug("Rmdir failed", slogext.Err(err), slog.String("path", path))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *fileSystemService) Read(ctx context.Context, path string, offset int64, length int64) ([]byte, error) {
	const op = "service.fileSystemService.Read"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Read",
		slog.String("path", path),
		slog.Int64("offset", offset),
		slog.Int64("length", length),
	)

	if length < 0 || length > MaxIOSize {
		return nil, kerrors.New(kerrors.EINVAL, "invalid read length")
	}

	buf := make([]byte, length)
	n, err := s.vfs.Read(ctx, s.ns, path, buf, offset)
	if err != nil {
		logger.Debug("Read failed", slogext.Err(err), slog.String("path", path))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return buf[:n], nil
}

func (s *fileSystemService) Write(ctx context.Context, path string, data []byte, offset int64) (int64, error) {
	const op = "service.fileSystemService.Write"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Write",
		slog.String("path", path),
		slog.Int64("offset", offset),
		slog.Int("length", len(data)),
	)

	if len(data) > MaxIOSize {
		return 0, kerrors.New(kerrors.EINVAL, "write too large")
	}

	n, err := s.vfs.Write(ctx, s.ns, path, data, offset)
	if err != nil {
		logger.Debug("Write failed", slogext.Err(err), slog.String("path", path))
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int64(n), nil
}

func (s *fileSystemService) Truncate(ctx context.Context, path string, size int64) error {
	const op = "service.fileSystemService.Truncate"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Truncate", slog.String("path", path), slog.Int64("size", size))

	if err := s.vfs.Truncate(ctx, s.ns, path, size); err != nil {
		logger.Debug("Truncate failed", slogext.Err(err), slog.String("path", path))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *fileSystemService) Link(ctx context.Context, oldPath, newPath string) error {
	const op = "service.fileSystemService.Link"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Link", slog.String("old", oldPath), slog.String("new", newPath))

	if err := s.vfs.Link(ctx, s.ns, oldPath, newPath); err != nil {
		logger.Debug("Link failed", slogext.Err(err), slog.String("old", oldPath), slog.String("new", newPath))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *fileSystemService) Symlink(ctx context.Context, target, path string) error {
	const op = "service.fileSystemService.Symlink"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Symlink", slog.String("target", target), slog.String("path", path))

	if err := s.vfs.Symlink(ctx, s.ns, target, path); err != nil {
		logger.Debug("Symlink failed", slogext.Err(err), slog.String("path", path))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *fileSystemService) Readlink(ctx context.Context, path string) (string, error) {
	const op = "service.fileSystemService.Readlink"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Readlink", slog.String("path", path))

	target, err := s.vfs.Readlink(ctx, s.ns, path)
	if err != nil {
		logger.Debug("Readlink failed", slogext.Err(err), slog.String("path", path))
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return target, nil
}

func (s *fileSystemService) Mount(ctx context.Context, fstype, source, path string, flags uint32) error {
	const op = "service.fileSystemService.Mount"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Mount",
		slog.String("fstype", fstype),
		slog.String("source", source),
		slog.String("path", path),
	)

	if err := s.vfs.Mount(ctx, s.ns, fstype, source, path, flags); err != nil {
		logger.Error("Mount failed", slogext.Err(err), slog.String("fstype", fstype), slog.String("path", path))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *fileSystemService) Unmount(ctx context.Context, path string) error {
	const op = "service.fileSystemService.Unmount"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Unmount", slog.String("path", path))

	if err := s.vfs.Unmount(ctx, s.ns, path); err != nil {
		logger.Debug("Unmount failed", slogext.Err(err), slog.String("path", path))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *fileSystemService) Mounts(ctx context.Context) []vfs.MountInfo {
	return s.vfs.Mounts()
}

func (s *fileSystemService) Sync(ctx context.Context) error {
	const op = "service.fileSystemService.Sync"

	if err := s.vfs.Sync(ctx); err != nil {
		logging.GetLoggerFromContextWithOp(ctx, op).Error("Sync failed", slogext.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
