package transfer

import (
	"context"
	"io"

	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/italolelis/drivequeue/internal/telemetry"
	"golang.org/x/oauth2"
)

// InstrumentedBackend wraps a Backend with telemetry.
type InstrumentedBackend struct {
	backend   Backend
	telemetry *telemetry.Telemetry
}

// NewInstrumentedBackend creates a new instrumented backend.
func NewInstrumentedBackend(backend Backend, tel *telemetry.Telemetry) *InstrumentedBackend {
	return &InstrumentedBackend{
		backend:   backend,
		telemetry: tel,
	}
}

func (c *InstrumentedBackend) Name() string {
	return c.backend.Name()
}

// Upload uploads with telemetry.
func (c *InstrumentedBackend) Upload(ctx context.Context, rec storage.Record, sourcePath string, token *oauth2.Token, progress ProgressFunc) Outcome {
	var out Outcome

	_ = c.telemetry.InstrumentClientOperation(ctx, c.backend.Name(), "upload", func(ctx context.Context) error {
		out = c.backend.Upload(ctx, rec, sourcePath, token, progress)

		return outcomeErr(out)
	})

	if out.Kind == OutcomeSuccess {
		c.telemetry.RecordTransferBytes(string(storage.DirectionUpload), out.Bytes)
	}

	return out
}

// Download downloads with telemetry.
func (c *InstrumentedBackend) Download(ctx context.Context, rec storage.Record, w io.Writer, progress ProgressFunc) Outcome {
	var out Outcome

	_ = c.telemetry.InstrumentClientOperation(ctx, c.backend.Name(), "download", func(ctx context.Context) error {
		out = c.backend.Download(ctx, rec, w, progress)

		return outcomeErr(out)
	})

	if out.Kind == OutcomeSuccess {
		c.telemetry.RecordTransferBytes(string(storage.DirectionDownload), out.Bytes)
	}

	return out
}

func outcomeErr(out Outcome) error {
	if out.Kind == OutcomeSuccess {
		return nil
	}

	if out.Err != nil {
		return out.Err
	}

	return &NetworkError{Operation: "transfer", Message: out.Kind.String()}
}
