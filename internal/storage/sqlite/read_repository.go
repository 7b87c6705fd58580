package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/drivequeue/internal/storage"
)

const transferColumns = `id, direction, file_id, parent_id, drive_id, user_id, name,
	local_path, asset_id, remote_locator, size, status, retry_budget, priority,
	error_kind, error_code, error_message, rescheduled, remove_source,
	created_at, completed_at`

// nonTerminalClause matches records that still have work left.
const nonTerminalClause = `(status IN ('pending', 'running') OR (status = 'failed' AND retry_budget > 0))`

type TransferReadRepository struct {
	db *sql.DB
}

func NewTransferReadRepository(dbConn *sql.DB) *TransferReadRepository {
	return &TransferReadRepository{db: dbConn}
}

func (r *TransferReadRepository) Get(ctx context.Context, id string) (storage.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id)

	return scanOne(row)
}

// GetByLocator finds the record whose request was handed to the background channel under locator.
func (r *TransferReadRepository) GetByLocator(ctx context.Context, locator string) (storage.Record, error) {
	if locator == "" {
		return storage.Record{}, storage.ErrNotFound
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE remote_locator = ? LIMIT 1`, locator)

	return scanOne(row)
}

// GetNonTerminal returns every record of dir with work left, oldest first.
func (r *TransferReadRepository) GetNonTerminal(ctx context.Context, dir storage.Direction) ([]storage.Record, error) {
	return r.query(ctx,
		`SELECT `+transferColumns+` FROM transfers
		WHERE direction = ? AND `+nonTerminalClause+`
		ORDER BY created_at, id`, dir)
}

// GetByParent returns the non-terminal records of a container, oldest first.
func (r *TransferReadRepository) GetByParent(ctx context.Context, dir storage.Direction, parentID string) ([]storage.Record, error) {
	return r.query(ctx,
		`SELECT `+transferColumns+` FROM transfers
		WHERE direction = ? AND parent_id = ? AND `+nonTerminalClause+`
		ORDER BY created_at, id`, dir, parentID)
}

// GetFailed returns failed records, optionally restricted to one container.
func (r *TransferReadRepository) GetFailed(ctx context.Context, dir storage.Direction, parentID string) ([]storage.Record, error) {
	if parentID == "" {
		return r.query(ctx,
			`SELECT `+transferColumns+` FROM transfers
			WHERE direction = ? AND status = 'failed'
			ORDER BY created_at, id`, dir)
	}

	return r.query(ctx,
		`SELECT `+transferColumns+` FROM transfers
		WHERE direction = ? AND parent_id = ? AND status = 'failed'
		ORDER BY created_at, id`, dir, parentID)
}

func (r *TransferReadRepository) CountByParent(ctx context.Context, dir storage.Direction, parentID string) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transfers WHERE direction = ? AND parent_id = ? AND `+nonTerminalClause,
		dir, parentID,
	).Scan(&count)

	return count, err
}

func (r *TransferReadRepository) query(ctx context.Context, q string, args ...any) ([]storage.Record, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.Record

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (storage.Record, error) {
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}

	return record, err
}

func scanRecord(s scanner) (storage.Record, error) {
	var (
		record                       storage.Record
		direction, status            string
		errKind, errCode, errMessage string
		rescheduled, removeSource    bool
		createdAt, completedAt       int64
	)

	err := s.Scan(
		&record.ID, &direction, &record.FileID, &record.ParentID, &record.DriveID, &record.UserID, &record.Name,
		&record.LocalPath, &record.AssetID, &record.RemoteLocator, &record.Size, &status, &record.RetryBudget, &record.Priority,
		&errKind, &errCode, &errMessage, &rescheduled, &removeSource,
		&createdAt, &completedAt,
	)
	if err != nil {
		return storage.Record{}, err
	}

	record.Direction = storage.Direction(direction)
	record.Status = storage.Status(status)
	record.Rescheduled = rescheduled
	record.RemoveSourceAfterUpload = removeSource
	record.CreatedAt = time.Unix(0, createdAt)

	if completedAt > 0 {
		record.CompletedAt = time.Unix(0, completedAt)
	}

	if errKind != "" {
		record.LastError = &storage.TransferError{
			Kind:    storage.ErrorKind(errKind),
			Code:    errCode,
			Message: errMessage,
		}
	}

	return record, nil
}
