package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/S1riyS/vfs-switch/internal/config"
	"github.com/S1riyS/vfs-switch/internal/fs/pgfs"
	"github.com/S1riyS/vfs-switch/internal/fs/ramfs"
	"github.com/S1riyS/vfs-switch/internal/initrd"
	"github.com/S1riyS/vfs-switch/internal/vfs"
	"github.com/S1riyS/vfs-switch/pkg/database/postgresql"
	"github.com/S1riyS/vfs-switch/pkg/logging"
	"github.com/S1riyS/vfs-switch/pkg/logging/slogext"
)

// system is a booted VFS plus the namespace requests run in.
type system struct {
	vfs *vfs.VFS
	ns  *vfs.Namespace
}

func usesPgfs(cfg *config.Config) bool {
	if cfg.VFS.RootFSType == pgfs.FSType {
		return true
	}
	for _, m := range cfg.Mounts {
		if m.FSType == pgfs.FSType {
			return true
		}
	}
	return false
}

// boot registers the drivers, mounts the root filesystem, unpacks the initrd
// and attaches the configured mounts, in that order.
func boot(ctx context.Context, cfg *config.Config) (*system, error) {
	const op = "main.boot"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	v := vfs.New(vfs.Options{
		InodeCacheSize:   cfg.VFS.InodeCacheSize,
		InodeTableSize:   cfg.VFS.InodeTableSize,
		DirCacheSize:     cfg.VFS.DirCacheSize,
		DirTableSize:     cfg.VFS.DirTableSize,
		MaxPathRecursion: cfg.VFS.MaxPathRecursion,
		MaxNameLength:    cfg.VFS.MaxNameLength,
	})

	if err := ramfs.Register(ctx, v); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// Only touch the database when something will mount from it.
	if usesPgfs(cfg) {
		db, err := postgresql.NewClient(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if err := pgfs.NewDriver(db).Register(ctx, v); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := v.Initialize(ctx, cfg.VFS.RootFSType, cfg.VFS.RootDevice); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sys := &system{vfs: v, ns: v.NewNamespace()}

	if cfg.Initrd.Path != "" {
		if _, err := initrd.UnpackFile(ctx, v, sys.ns, cfg.Initrd.Path, "/"); err != nil {
			sys.shutdown(ctx)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	for _, m := range cfg.Mounts {
		if err := v.Mount(ctx, sys.ns, m.FSType, m.Device, m.Path, m.Flags); err != nil {
			logger.Error("Failed to apply configured mount",
				slogext.Err(err),
				slog.String("fstype", m.FSType),
				slog.String("path", m.Path),
			)
			sys.shutdown(ctx)
			return nil, fmt.Errorf("%s: mount %s on %s: %w", op, m.FSType, m.Path, err)
		}
	}

	logger.Info("VFS ready", slog.Int("mounts", len(v.Mounts())))
	return sys, nil
}

func (s *system) shutdown(ctx context.Context) {
	s.vfs.Close(ctx, s.ns)
	if err := s.vfs.Shutdown(ctx); err != nil {
		logging.GetLoggerFromContext(ctx).Error("Shutdown incomplete", slogext.Err(err))
	}
}
