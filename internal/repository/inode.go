package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/S1riyS/vfs-switch/internal/models"
	"github.com/S1riyS/vfs-switch/pkg/database/postgresql"
)

type InodeRepository interface {
	Get(ctx context.Context, token string, ino int64) (*models.Inode, error)
	Create(ctx context.Context, inode *models.Inode) error
	Update(ctx context.Context, inode *models.Inode) error
	Delete(ctx context.Context, token string, ino int64) error
}

type inodeRepository struct {
	db postgresql.Client
}

func NewInodeRepository(db postgresql.Client) InodeRepository {
	return &inodeRepository{db: db}
}

func (r *inodeRepository) Get(ctx context.Context, token string, ino int64) (*models.Inode, error) {
	const op = "repository.inodeRepository.Get"

	query := `
		SELECT ino, token, mode, uid, gid, size, nlink, rdev, atime, mtime, ctime
		FROM inodes
		WHERE token = $1 AND ino = $2
	`

	var (
		inode                models.Inode
		mode, uid, gid, nlnk int64
		rdev                 int64
	)
	db := postgresql.GetDBClient(ctx, r.db)
	err := db.QueryRow(ctx, query, token, ino).Scan(
		&inode.Ino,
		&inode.Token,
		&mode,
		&uid,
		&gid,
		&inode.Size,
		&nlnk,
		&rdev,
		&inode.Atime,
		&inode.Mtime,
		&inode.Ctime,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	inode.Mode = uint32(mode)
	inode.UID = uint32(uid)
	inode.GID = uint32(gid)
	inode.Nlink = uint32(nlnk)
	inode.Rdev = uint64(rdev)
	return &inode, nil
}

func (r *inodeRepository) Create(ctx context.Context, inode *models.Inode) error {
	const op = "repository.inodeRepository.Create"

	query := `
		INSERT INTO inodes (token, ino, mode, uid, gid, size, nlink, rdev, atime, mtime, ctime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	db := postgresql.GetDBClient(ctx, r.db)
	_, err := db.Exec(ctx, query,
		inode.Token,
		inode.Ino,
		int64(inode.Mode),
		int64(inode.UID),
		int64(inode.GID),
		inode.Size,
		int64(inode.Nlink),
		int64(inode.Rdev),
		inode.Atime,
		inode.Mtime,
		inode.Ctime,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Update overwrites every metadata column of the row.
func (r *inodeRepository) Update(ctx context.Context, inode *models.Inode) error {
	const op = "repository.inodeRepository.Update"

	query := `
		UPDATE inodes
		SET mode = $3, uid = $4, gid = $5, size = $6, nlink = $7, rdev = $8,
		    atime = $9, mtime = $10, ctime = $11
		WHERE token = $1 AND ino = $2
	`

	db := postgresql.GetDBClient(ctx, r.db)
	tag, err := db.Exec(ctx, query,
		inode.Token,
		inode.Ino,
		int64(inode.Mode),
		int64(inode.UID),
		int64(inode.GID),
		inode.Size,
		int64(inode.Nlink),
		int64(inode.Rdev),
		inode.Atime,
		inode.Mtime,
		inode.Ctime,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return nil
}

// Delete removes the inode row together with its data and, for a
// directory, the entries it still holds.
func (r *inodeRepository) Delete(ctx context.Context, token string, ino int64) error {
	const op = "repository.inodeRepository.Delete"

	return postgresql.WithTransaction(ctx, r.db, func(ctx context.Context) error {
		db := postgresql.GetDBClient(ctx, r.db)

		queries := []string{
			`DELETE FROM file_contents WHERE token = $1 AND ino = $2`,
			`DELETE FROM directory_entries WHERE token = $1 AND parent_ino = $2`,
			`DELETE FROM inodes WHERE token = $1 AND ino = $2`,
		}
		for _, q := range queries {
			if _, err := db.Exec(ctx, q, token, ino); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		return nil
	})
}
