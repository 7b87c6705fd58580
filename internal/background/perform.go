package background

import (
	"context"
	"fmt"
	"os"

	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/italolelis/drivequeue/internal/transfer"
)

// TransferPerformer replays requests against a storage backend. Downloads
// are written to the request's SourcePath.
func TransferPerformer(backend transfer.Backend) PerformFunc {
	return func(ctx context.Context, req Request) transfer.Outcome {
		if req.Direction == storage.DirectionUpload {
			return backend.Upload(ctx, req.Record, req.SourcePath, req.Token, nil)
		}

		f, err := os.Create(req.SourcePath)
		if err != nil {
			return transfer.Failed(&transfer.LocalError{Path: req.SourcePath, Op: "create", Err: err})
		}

		out := backend.Download(ctx, req.Record, f, nil)

		if err := f.Close(); err != nil && out.Kind == transfer.OutcomeSuccess {
			return transfer.Failed(&transfer.LocalError{Path: req.SourcePath, Op: "close", Err: fmt.Errorf("flush payload: %w", err)})
		}

		return out
	}
}
