// Package uploader runs upload attempts for the upload queue.
package uploader

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/drivequeue/internal/background"
	"github.com/italolelis/drivequeue/internal/logctx"
	"github.com/italolelis/drivequeue/internal/queue"
	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/italolelis/drivequeue/internal/transfer"
	"golang.org/x/oauth2"
)

// DefaultRequestTimeout bounds a single upload request.
const DefaultRequestTimeout = 120 * time.Second

// TokenSource hands out per-user upload tokens.
type TokenSource interface {
	Get(ctx context.Context, userID string) (*oauth2.Token, error)
	Invalidate(userID string)
}

// AssetMaterializer exports a library managed asset to a local file that can
// be uploaded. The caller removes the file when done.
type AssetMaterializer interface {
	Materialize(ctx context.Context, rec storage.Record) (string, error)
}

// MetadataCache stores the server view of uploaded files.
type MetadataCache interface {
	SaveFile(ctx context.Context, file storage.FileMetadata) error
}

// AutoProducer is a component that enqueues uploads on its own and must stop
// feeding a container that no longer exists.
type AutoProducer interface {
	Disable(ctx context.Context, parentID string)
}

type Option func(*Worker)

func WithAssets(a AssetMaterializer) Option {
	return func(w *Worker) { w.assets = a }
}

func WithMetadataCache(c MetadataCache) Option {
	return func(w *Worker) { w.metadata = c }
}

func WithAutoProducer(p AutoProducer) Option {
	return func(w *Worker) { w.producer = p }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(w *Worker) { w.requestTimeout = d }
}

// Worker executes one upload attempt per queued record and finishes
// uploads that completed in the background.
type Worker struct {
	queue      *queue.Queue
	store      storage.TransferRepository
	uploader   transfer.Uploader
	tokens     TokenSource
	background *background.Manager

	assets         AssetMaterializer
	metadata       MetadataCache
	producer       AutoProducer
	requestTimeout time.Duration
}

// New creates a worker for q and registers it as the queue runner and as
// the background completion handler for uploads. bg may be nil.
func New(q *queue.Queue, store storage.TransferRepository, up transfer.Uploader, tokens TokenSource, bg *background.Manager, opts ...Option) *Worker {
	w := &Worker{
		queue:          q,
		store:          store,
		uploader:       up,
		tokens:         tokens,
		background:     bg,
		requestTimeout: DefaultRequestTimeout,
	}

	for _, opt := range opts {
		opt(w)
	}

	q.SetRunner(w)

	if bg != nil {
		bg.RegisterHandler(storage.DirectionUpload, w.complete)
	}

	return w
}

// Run performs one upload attempt of rec.
func (w *Worker) Run(ctx context.Context, rec storage.Record, progress transfer.ProgressFunc) queue.Result {
	logger := logctx.LoggerFromContext(ctx).With("name", rec.Name, "parent_id", rec.ParentID)

	if ctx.Err() != nil {
		logger.Info("upload stopped before start", "cause", context.Cause(ctx))

		return queue.Result{Record: w.stopped(context.WithoutCancel(ctx), rec, rec, rec.LocalPath, context.Cause(ctx))}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var protection *background.Protection

	if w.background != nil {
		protection = w.background.Protect(rec.ID, func() { cancel(background.ErrExpiring) })
		defer protection.Release()
	}

	return w.attempt(ctx, rec, progress, protection)
}

func (w *Worker) attempt(ctx context.Context, rec storage.Record, progress transfer.ProgressFunc, protection *background.Protection) queue.Result {
	logger := logctx.LoggerFromContext(ctx)
	bg := context.WithoutCancel(ctx)
	queued := rec

	tok, tokenErr := w.tokens.Get(ctx, rec.UserID)

	if ctx.Err() != nil {
		return queue.Result{Record: w.stopped(bg, rec, queued, rec.LocalPath, context.Cause(ctx))}
	}

	sourcePath := rec.LocalPath
	handedOff := false

	if rec.AssetID != "" && w.assets != nil {
		path, err := w.assets.Materialize(ctx, rec)
		if err != nil {
			logger.Error("failed to materialize asset", "asset_id", rec.AssetID, "err", err)

			rec.RetryBudget--
			rec.Fail(storage.ErrorKindLocal, "", &transfer.LocalError{Path: rec.AssetID, Op: "materialize", Err: err})
			w.persist(bg, rec)

			return queue.Result{Record: rec}
		}

		sourcePath = path
		defer func() {
			if !handedOff {
				removeFile(bg, path)
			}
		}()
	}

	if tokenErr != nil {
		logger.Warn("no upload token, leaving upload for recovery", "user_id", rec.UserID, "err", tokenErr)

		rec.Fail(storage.ErrorKindToken, "", &transfer.TokenError{UserID: rec.UserID, Err: tokenErr})
		w.persist(bg, rec)

		return queue.Result{Record: rec}
	}

	rec.RetryBudget--
	rec.Status = storage.StatusRunning
	rec.LastError = nil

	if info, err := os.Stat(sourcePath); err == nil {
		rec.Size = info.Size()
	}

	w.persist(bg, rec)

	if protection != nil {
		protection.SetRequest(background.Request{
			Direction:  storage.DirectionUpload,
			Record:     rec,
			Token:      tok,
			SourcePath: sourcePath,
		})
	}

	logger.Info("upload started", "size", humanize.Bytes(uint64(max(rec.Size, 0))), "retries_left", rec.RetryBudget)

	reqCtx, cancelReq := context.WithTimeout(ctx, w.requestTimeout)
	out := w.uploader.Upload(reqCtx, rec, sourcePath, tok, progress)
	cancelReq()

	if protection != nil {
		protection.Release()
	}

	cause := context.Cause(ctx)

	// Cancel already dropped the record, whatever the request returned.
	if errors.Is(cause, queue.ErrCancelled) {
		return queue.Result{Record: w.stopped(bg, rec, queued, sourcePath, cause)}
	}

	// A request that finished before it was stopped keeps its outcome.
	if out.Kind != transfer.OutcomeClientError {
		return queue.Result{Record: w.settle(bg, rec, out, sourcePath)}
	}

	if errors.Is(cause, background.ErrExpiring) && protection != nil {
		h, err := protection.Continue(bg, func(h background.Handle) {
			w.markRescheduled(bg, rec.ID, h)
		})
		if err != nil {
			return queue.Result{Record: w.expired(bg, rec, err)}
		}

		handedOff = true
		rec.Rescheduled = true
		rec.RemoteLocator = h.ID
		rec.Status = storage.StatusRunning

		logger.Info("upload handed to background channel", "remote_locator", h.ID)

		return queue.Result{Record: rec, Rescheduled: true}
	}

	if cause == nil {
		cause = out.Err
	}

	return queue.Result{Record: w.stopped(bg, rec, queued, sourcePath, cause)}
}

// stopped settles an attempt whose context ended before its request could
// finish. queued is the record as it was before the attempt.
func (w *Worker) stopped(ctx context.Context, rec, queued storage.Record, sourcePath string, cause error) storage.Record {
	switch {
	case errors.Is(cause, background.ErrExpiring):
		return w.expired(ctx, rec, cause)
	case errors.Is(cause, queue.ErrClosed):
		// Shutdown is not an attempt; the record is left as queued.
		logctx.LoggerFromContext(ctx).Info("upload interrupted by shutdown")

		queued.Status = storage.StatusPending
		w.persist(ctx, queued)

		return queued
	}

	logctx.LoggerFromContext(ctx).Info("upload cancelled", "cause", cause)

	return w.cancelled(ctx, rec, sourcePath, cause)
}

// settle applies the outcome of a network attempt to rec and persists it.
func (w *Worker) settle(ctx context.Context, rec storage.Record, out transfer.Outcome, sourcePath string) storage.Record {
	logger := logctx.LoggerFromContext(ctx)

	switch out.Kind {
	case transfer.OutcomeSuccess:
		return w.succeeded(ctx, rec, out, sourcePath)
	case transfer.OutcomeClientError:
		logger.Info("upload cancelled", "err", out.Err)

		return w.cancelled(ctx, rec, sourcePath, out.Err)
	}

	kind := out.ErrorKind()
	rec.Fail(kind, out.Code, out.Err)

	switch kind {
	case storage.ErrorKindObjectNotFound:
		rec.RetryBudget = 0
		w.persist(ctx, rec)

		logger.Warn("upload target no longer exists, cancelling container", "parent_id", rec.ParentID)

		if _, err := w.queue.CancelAll(ctx, storage.ContainerOf(rec)); err != nil {
			logger.Error("failed to cancel container uploads", "parent_id", rec.ParentID, "err", err)
		}

		if w.producer != nil {
			w.producer.Disable(ctx, rec.ParentID)
		}

		return rec
	case storage.ErrorKindQuotaExceeded:
		rec.RetryBudget = 0
		w.persist(ctx, rec)

		logger.Warn("storage quota exceeded, suspending uploads")
		w.queue.Suspend(ctx)

		return rec
	case storage.ErrorKindAlreadyExists:
		rec.RetryBudget = 0
	}

	if out.StatusCode == http.StatusUnauthorized {
		w.tokens.Invalidate(rec.UserID)
	}

	logger.Warn("upload failed", "error_kind", kind, "status_code", out.StatusCode, "err", out.Err)
	w.persist(ctx, rec)

	return rec
}

func (w *Worker) succeeded(ctx context.Context, rec storage.Record, out transfer.Outcome, sourcePath string) storage.Record {
	logger := logctx.LoggerFromContext(ctx)

	if out.File != nil && w.metadata != nil {
		if err := w.metadata.SaveFile(ctx, *out.File); err != nil {
			logger.Error("failed to cache uploaded file metadata", "file_id", out.File.ID, "err", err)
		}
	}

	if out.File != nil {
		rec.FileID = out.File.ID
	}

	rec.Status = storage.StatusSucceeded
	rec.LastError = nil
	rec.CompletedAt = time.Now()
	w.persist(ctx, rec)

	if rec.RemoveSourceAfterUpload {
		removeFile(ctx, sourcePath)
	}

	logger.Info("upload finished", "file_id", rec.FileID, "size", humanize.Bytes(uint64(max(out.Bytes, 0))))

	return rec
}

// cancelled drops the record. Cancelled uploads are not kept.
func (w *Worker) cancelled(ctx context.Context, rec storage.Record, sourcePath string, cause error) storage.Record {
	rec.Fail(storage.ErrorKindTaskCancelled, "", cause)
	rec.Status = storage.StatusCancelled
	rec.RetryBudget = 0

	if err := w.store.Delete(context.WithoutCancel(ctx), rec.ID); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to delete cancelled upload", "err", err)
	}

	if rec.RemoveSourceAfterUpload {
		removeFile(ctx, sourcePath)
	}

	return rec
}

// expired records that execution time ran out before the attempt could be
// handed to the background channel.
func (w *Worker) expired(ctx context.Context, rec storage.Record, cause error) storage.Record {
	logctx.LoggerFromContext(ctx).Warn("upload expired without background continuation", "err", cause)

	rec.Fail(storage.ErrorKindTaskExpirationCancelled, "", cause)
	rec.RemoteLocator = ""
	rec.Rescheduled = false
	w.persist(ctx, rec)

	return rec
}

// markRescheduled records the background handle on the persisted record.
func (w *Worker) markRescheduled(ctx context.Context, id string, h background.Handle) {
	ctx = context.WithoutCancel(ctx)
	logger := logctx.LoggerFromContext(ctx)

	rec, err := w.store.Get(ctx, id)
	if err != nil {
		logger.Warn("failed to load upload handed to background channel", "err", err)

		return
	}

	rec.Rescheduled = true
	rec.RemoteLocator = h.ID
	rec.Status = storage.StatusRunning
	w.persist(ctx, rec)
}

func (w *Worker) persist(ctx context.Context, rec storage.Record) {
	if err := w.store.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist upload", "status", rec.Status, "err", err)
	}
}

// complete finishes an upload the background channel ran to completion,
// possibly after the process was relaunched.
func (w *Worker) complete(ctx context.Context, c background.Completion) {
	logger := logctx.LoggerFromContext(ctx)

	rec, err := w.store.GetByLocator(ctx, c.Handle.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Info("dropping background completion for removed upload", "remote_locator", c.Handle.ID)
		} else {
			logger.Error("failed to load upload for background completion", "err", err)
		}

		if c.Request.Record.AssetID != "" {
			removeFile(ctx, c.Request.SourcePath)
		}

		return
	}

	rec.Rescheduled = false
	rec.RemoteLocator = ""

	rec = w.settle(ctx, rec, c.Outcome, c.Request.SourcePath)

	if rec.AssetID != "" {
		removeFile(ctx, c.Request.SourcePath)
	}

	logger.Info("background upload completed", "status", rec.Status, "outcome", c.Outcome.Kind.String())

	w.queue.Complete(ctx, rec)
}

func removeFile(ctx context.Context, path string) {
	if path == "" {
		return
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).Warn("failed to remove upload source", "path", path, "err", err)
	}
}
