package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/drivequeue/internal/storage"
)

// FileRepository caches metadata of remote files the uploader created.
type FileRepository struct {
	db *sql.DB
}

func NewFileRepository(dbConn *sql.DB) *FileRepository {
	return &FileRepository{db: dbConn}
}

func (r *FileRepository) SaveFile(ctx context.Context, file storage.FileMetadata) error {
	updatedAt := file.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO files (id, parent_id, drive_id, name, size, content_type, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			drive_id = excluded.drive_id,
			name = excluded.name,
			size = excluded.size,
			content_type = excluded.content_type,
			updated_at = excluded.updated_at
	`, file.ID, file.ParentID, file.DriveID, file.Name, file.Size, file.ContentType, updatedAt.UnixNano())

	return err
}

func (r *FileRepository) GetFile(ctx context.Context, id string) (storage.FileMetadata, error) {
	var (
		file      storage.FileMetadata
		updatedAt int64
	)

	err := r.db.QueryRowContext(ctx,
		`SELECT id, parent_id, drive_id, name, size, content_type, updated_at FROM files WHERE id = ?`, id,
	).Scan(&file.ID, &file.ParentID, &file.DriveID, &file.Name, &file.Size, &file.ContentType, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.FileMetadata{}, storage.ErrNotFound
	}

	if err != nil {
		return storage.FileMetadata{}, err
	}

	file.UpdatedAt = time.Unix(0, updatedAt)

	return file, nil
}
