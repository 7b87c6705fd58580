package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/drivequeue/internal/storage"
)

// TransferWriteRepository implements storage.TransferWriteRepository
// and stores transfer records in SQLite.
type TransferWriteRepository struct {
	db *sql.DB
}

func NewTransferWriteRepository(db *sql.DB) *TransferWriteRepository {
	return &TransferWriteRepository{db: db}
}

// Upsert inserts the record or replaces every mutable column of an existing one.
func (r *TransferWriteRepository) Upsert(ctx context.Context, rec storage.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("upsert transfer: empty id")
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var completedAt int64
	if !rec.CompletedAt.IsZero() {
		completedAt = rec.CompletedAt.UnixNano()
	}

	var errKind, errCode, errMessage string
	if rec.LastError != nil {
		errKind, errCode, errMessage = string(rec.LastError.Kind), rec.LastError.Code, rec.LastError.Message
	}

	status := rec.Status
	if status == "" {
		status = storage.StatusPending
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_id = excluded.file_id,
			parent_id = excluded.parent_id,
			drive_id = excluded.drive_id,
			user_id = excluded.user_id,
			name = excluded.name,
			local_path = excluded.local_path,
			asset_id = excluded.asset_id,
			remote_locator = excluded.remote_locator,
			size = excluded.size,
			status = excluded.status,
			retry_budget = excluded.retry_budget,
			priority = excluded.priority,
			error_kind = excluded.error_kind,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			rescheduled = excluded.rescheduled,
			remove_source = excluded.remove_source,
			completed_at = excluded.completed_at
	`,
		rec.ID, string(rec.Direction), rec.FileID, rec.ParentID, rec.DriveID, rec.UserID, rec.Name,
		rec.LocalPath, rec.AssetID, rec.RemoteLocator, rec.Size, string(status), rec.RetryBudget, rec.Priority,
		errKind, errCode, errMessage, rec.Rescheduled, rec.RemoveSourceAfterUpload,
		createdAt.UnixNano(), completedAt,
	)

	return err
}

func (r *TransferWriteRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM transfers WHERE id = ?`, id)

	return err
}

// DeleteMany removes all given records in one transaction.
func (r *TransferWriteRepository) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM transfers WHERE id IN (`+placeholders+`)`, args...); err != nil {
		tx.Rollback()

		return err
	}

	return tx.Commit()
}
