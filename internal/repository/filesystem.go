package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/S1riyS/vfs-switch/internal/models"
	"github.com/S1riyS/vfs-switch/pkg/database/postgresql"
	"github.com/S1riyS/vfs-switch/pkg/logging"
	"github.com/S1riyS/vfs-switch/pkg/logging/slogext"
)

const (
	RootIno  = 1000
	RootMode = 0o040777 // S_IFDIR | 0777
)

const schema = `
	CREATE TABLE IF NOT EXISTS filesystems (
		token      TEXT PRIMARY KEY,
		root_ino   BIGINT NOT NULL,
		next_ino   BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		synced_at  TIMESTAMPTZ
	);
	CREATE TABLE IF NOT EXISTS inodes (
		token TEXT NOT NULL REFERENCES filesystems (token) ON DELETE CASCADE,
		ino   BIGINT NOT NULL,
		mode  BIGINT NOT NULL,
		uid   BIGINT NOT NULL DEFAULT 0,
		gid   BIGINT NOT NULL DEFAULT 0,
		size  BIGINT NOT NULL DEFAULT 0,
		nlink BIGINT NOT NULL DEFAULT 0,
		rdev  BIGINT NOT NULL DEFAULT 0,
		atime TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		mtime TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		ctime TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (token, ino)
	);
	CREATE TABLE IF NOT EXISTS directory_entries (
		id         BIGSERIAL PRIMARY KEY,
		token      TEXT NOT NULL,
		parent_ino BIGINT NOT NULL,
		name       TEXT NOT NULL,
		ino        BIGINT NOT NULL,
		UNIQUE (token, parent_ino, name)
	);
	CREATE TABLE IF NOT EXISTS file_contents (
		token TEXT NOT NULL,
		ino   BIGINT NOT NULL,
		data  BYTEA NOT NULL,
		PRIMARY KEY (token, ino)
	);
`

type FilesystemRepository interface {
	EnsureSchema(ctx context.Context) error
	Get(ctx context.Context, token string) (*models.Filesystem, error)
	GetOrCreate(ctx context.Context, token string) (*models.Filesystem, error)
	AllocIno(ctx context.Context, token string) (int64, error)
	MarkSynced(ctx context.Context, token string, at time.Time) error
}

type filesystemRepository struct {
	db postgresql.Client
}

func NewFilesystemRepository(db postgresql.Client) FilesystemRepository {
	return &filesystemRepository{db: db}
}

func (r *filesystemRepository) EnsureSchema(ctx context.Context) error {
	const op = "repository.filesystemRepository.EnsureSchema"

	db := postgresql.GetDBClient(ctx, r.db)
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *filesystemRepository) Get(ctx context.Context, token string) (*models.Filesystem, error) {
	const op = "repository.filesystemRepository.Get"

	query := `
		SELECT token, root_ino, next_ino, created_at
		FROM filesystems
		WHERE token = $1
	`

	var fs models.Filesystem
	db := postgresql.GetDBClient(ctx, r.db)
	err := db.QueryRow(ctx, query, token).Scan(
		&fs.Token,
		&fs.RootIno,
		&fs.NextIno,
		&fs.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &fs, nil
}

// GetOrCreate returns the filesystem for token, creating it with an empty
// root directory on first use.
func (r *filesystemRepository) GetOrCreate(ctx context.Context, token string) (*models.Filesystem, error) {
	const op = "repository.filesystemRepository.GetOrCreate"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	fs, err := r.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if fs != nil {
		return fs, nil
	}

	err = postgresql.WithTransaction(ctx, r.db, func(ctx context.Context) error {
		fs, err = r.Get(ctx, token)
		if err != nil || fs != nil {
			return err
		}

		db := postgresql.GetDBClient(ctx, r.db)

		fsQuery := `
			INSERT INTO filesystems (token, root_ino, next_ino)
			VALUES ($1, $2, $3)
			ON CONFLICT (token) DO NOTHING
		`
		if _, err := db.Exec(ctx, fsQuery, token, RootIno, RootIno+1); err != nil {
			return err
		}

		inodeQuery := `
			INSERT INTO inodes (token, ino, mode, nlink)
			VALUES ($1, $2, $3, 2)
		`
		if _, err := db.Exec(ctx, inodeQuery, token, RootIno, RootMode); err != nil {
			return err
		}

		entryQuery := `
			INSERT INTO directory_entries (token, parent_ino, name, ino)
			VALUES ($1, $2, '.', $2), ($1, $2, '..', $2)
		`
		_, err := db.Exec(ctx, entryQuery, token, RootIno)
		return err
	})
	if err != nil {
		logger.Error("Failed to create filesystem", slogext.Err(err), slog.String("token", token))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger.Info("Created filesystem", slog.String("token", token))
	return r.Get(ctx, token)
}

// AllocIno hands out the next free inode number of token.
func (r *filesystemRepository) AllocIno(ctx context.Context, token string) (int64, error) {
	const op = "repository.filesystemRepository.AllocIno"

	query := `
		UPDATE filesystems
		SET next_ino = next_ino + 1
		WHERE token = $1
		RETURNING next_ino - 1
	`

	var ino int64
	db := postgresql.GetDBClient(ctx, r.db)
	if err := db.QueryRow(ctx, query, token).Scan(&ino); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return ino, nil
}

func (r *filesystemRepository) MarkSynced(ctx context.Context, token string, at time.Time) error {
	const op = "repository.filesystemRepository.MarkSynced"

	query := `
		UPDATE filesystems
		SET synced_at = $2
		WHERE token = $1
	`

	db := postgresql.GetDBClient(ctx, r.db)
	if _, err := db.Exec(ctx, query, token, at); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
