package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/italolelis/drivequeue/internal/telemetry"
)

// InstrumentedTransferRepository wraps TransferRepository with telemetry.
type InstrumentedTransferRepository struct {
	repo      *TransferRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedTransferRepository creates a new instrumented transfer repository.
func NewInstrumentedTransferRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedTransferRepository {
	return &InstrumentedTransferRepository{
		repo:      NewTransferRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedTransferRepository) Get(ctx context.Context, id string) (storage.Record, error) {
	var result storage.Record

	err := r.telemetry.InstrumentDBOperation(ctx, "get_transfer", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Get(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedTransferRepository) GetByLocator(ctx context.Context, locator string) (storage.Record, error) {
	var result storage.Record

	err := r.telemetry.InstrumentDBOperation(ctx, "get_transfer_by_locator", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetByLocator(ctx, locator)

		return err
	})

	return result, err
}

func (r *InstrumentedTransferRepository) GetNonTerminal(ctx context.Context, dir storage.Direction) ([]storage.Record, error) {
	var result []storage.Record

	err := r.telemetry.InstrumentDBOperation(ctx, "get_non_terminal_transfers", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetNonTerminal(ctx, dir)

		return err
	})

	return result, err
}

func (r *InstrumentedTransferRepository) GetByParent(ctx context.Context, dir storage.Direction, parentID string) ([]storage.Record, error) {
	var result []storage.Record

	err := r.telemetry.InstrumentDBOperation(ctx, "get_transfers_by_parent", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetByParent(ctx, dir, parentID)

		return err
	})

	return result, err
}

func (r *InstrumentedTransferRepository) GetFailed(ctx context.Context, dir storage.Direction, parentID string) ([]storage.Record, error) {
	var result []storage.Record

	err := r.telemetry.InstrumentDBOperation(ctx, "get_failed_transfers", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetFailed(ctx, dir, parentID)

		return err
	})

	return result, err
}

func (r *InstrumentedTransferRepository) CountByParent(ctx context.Context, dir storage.Direction, parentID string) (int, error) {
	var result int

	err := r.telemetry.InstrumentDBOperation(ctx, "count_transfers_by_parent", func(ctx context.Context) error {
		var err error

		result, err = r.repo.CountByParent(ctx, dir, parentID)

		return err
	})

	return result, err
}

func (r *InstrumentedTransferRepository) Upsert(ctx context.Context, rec storage.Record) error {
	return r.telemetry.InstrumentDBOperation(ctx, "upsert_transfer", func(ctx context.Context) error {
		return r.repo.Upsert(ctx, rec)
	})
}

func (r *InstrumentedTransferRepository) Delete(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_transfer", func(ctx context.Context) error {
		return r.repo.Delete(ctx, id)
	})
}

func (r *InstrumentedTransferRepository) DeleteMany(ctx context.Context, ids []string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_transfers", func(ctx context.Context) error {
		return r.repo.DeleteMany(ctx, ids)
	})
}
