package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/S1riyS/vfs-switch/internal/models"
	"github.com/S1riyS/vfs-switch/pkg/database/postgresql"
)

type DirectoryRepository interface {
	Lookup(ctx context.Context, token string, parentIno int64, name string) (*models.DirectoryEntry, error)
	CreateEntry(ctx context.Context, token string, parentIno int64, name string, ino int64) error
	DeleteEntry(ctx context.Context, token string, parentIno int64, name string) error
	GetEntries(ctx context.Context, token string, parentIno int64) ([]models.DirectoryEntry, error)
}

type directoryRepository struct {
	db postgresql.Client
}

func NewDirectoryRepository(db postgresql.Client) DirectoryRepository {
	return &directoryRepository{db: db}
}

// Lookup returns nil when parentIno has no entry called name.
func (r *directoryRepository) Lookup(ctx context.Context, token string, parentIno int64, name string) (*models.DirectoryEntry, error) {
	const op = "repository.directoryRepository.Lookup"

	query := `
		SELECT ino
		FROM directory_entries
		WHERE token = $1 AND parent_ino = $2 AND name = $3
	`

	entry := models.DirectoryEntry{ParentIno: parentIno, Name: name}
	db := postgresql.GetDBClient(ctx, r.db)
	err := db.QueryRow(ctx, query, token, parentIno, name).Scan(&entry.Ino)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &entry, nil
}

// CreateEntry fails with ErrAlreadyExists when the name is taken.
func (r *directoryRepository) CreateEntry(ctx context.Context, token string, parentIno int64, name string, ino int64) error {
	const op = "repository.directoryRepository.CreateEntry"

	query := `
		INSERT INTO directory_entries (token, parent_ino, name, ino)
		VALUES ($1, $2, $3, $4)
	`

	db := postgresql.GetDBClient(ctx, r.db)
	_, err := db.Exec(ctx, query, token, parentIno, name, ino)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// DeleteEntry fails with ErrNotFound when there is nothing to delete.
func (r *directoryRepository) DeleteEntry(ctx context.Context, token string, parentIno int64, name string) error {
	const op = "repository.directoryRepository.DeleteEntry"

	query := `
		DELETE FROM directory_entries
		WHERE token = $1 AND parent_ino = $2 AND name = $3
	`

	db := postgresql.GetDBClient(ctx, r.db)
	tag, err := db.Exec(ctx, query, token, parentIno, name)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return nil
}

// GetEntries lists the entries of parentIno in insertion order, so byte
// offsets into the packed listing stay stable while it is read.
func (r *directoryRepository) GetEntries(ctx context.Context, token string, parentIno int64) ([]models.DirectoryEntry, error) {
	const op = "repository.directoryRepository.GetEntries"

	query := `
		SELECT name, ino
		FROM directory_entries
		WHERE token = $1 AND parent_ino = $2
		ORDER BY id
	`

	db := postgresql.GetDBClient(ctx, r.db)
	rows, err := db.Query(ctx, query, token, parentIno)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var entries []models.DirectoryEntry
	for rows.Next() {
		entry := models.DirectoryEntry{ParentIno: parentIno}
		if err := rows.Scan(&entry.Name, &entry.Ino); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		entries = append(entries, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return entries, nil
}
