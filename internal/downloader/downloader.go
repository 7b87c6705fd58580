// Package downloader runs download attempts for the download queue and
// serves temporary, unpersisted downloads.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/drivequeue/internal/background"
	"github.com/italolelis/drivequeue/internal/logctx"
	"github.com/italolelis/drivequeue/internal/queue"
	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/italolelis/drivequeue/internal/transfer"
	"github.com/italolelis/drivequeue/internal/transfer/progress"
)

const (
	dirPerm = 0755

	// PartSuffix marks payloads that are still being written.
	PartSuffix = ".part"

	// DefaultRequestTimeout bounds a single download request.
	DefaultRequestTimeout = 120 * time.Second
)

type Option func(*Downloader)

func WithRequestTimeout(d time.Duration) Option {
	return func(dl *Downloader) { dl.requestTimeout = d }
}

// Downloader executes queued download attempts and temporary downloads.
type Downloader struct {
	queue          *queue.Queue
	store          storage.TransferRepository
	client         transfer.Downloader
	background     *background.Manager
	cacheDir       string
	requestTimeout time.Duration

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	temporary map[string]*Handle
}

// New creates a downloader writing payloads under cacheDir and registers it
// as the runner of q and as the background completion handler for
// downloads. bg may be nil.
func New(ctx context.Context, q *queue.Queue, store storage.TransferRepository, client transfer.Downloader, bg *background.Manager, cacheDir string, opts ...Option) *Downloader {
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))

	d := &Downloader{
		queue:          q,
		store:          store,
		client:         client,
		background:     bg,
		cacheDir:       cacheDir,
		requestTimeout: DefaultRequestTimeout,
		base:           base,
		cancel:         cancel,
		temporary:      make(map[string]*Handle),
	}

	for _, opt := range opts {
		opt(d)
	}

	q.SetRunner(d)

	if bg != nil {
		bg.RegisterHandler(storage.DirectionDownload, d.complete)
	}

	return d
}

// Close cancels temporary downloads and waits for them to return.
func (d *Downloader) Close() {
	d.cancel()
	d.wg.Wait()
}

// PartPath returns where the payload of rec is written before it is moved
// into place.
func (d *Downloader) PartPath(rec storage.Record) string {
	return filepath.Join(d.cacheDir, rec.ID+PartSuffix)
}

// Run performs one queued download attempt of rec.
func (d *Downloader) Run(ctx context.Context, rec storage.Record, onProgress transfer.ProgressFunc) queue.Result {
	logger := logctx.LoggerFromContext(ctx).With("name", rec.Name, "file_id", rec.FileID)
	ctx = logctx.WithLogger(ctx, logger)

	if ctx.Err() != nil {
		logger.Info("download stopped before start", "cause", context.Cause(ctx))

		return queue.Result{Record: d.stopped(context.WithoutCancel(ctx), rec, rec, "", context.Cause(ctx))}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var protection *background.Protection

	if d.background != nil {
		protection = d.background.Protect(rec.ID, func() { cancel(background.ErrExpiring) })
		defer protection.Release()
	}

	bg := context.WithoutCancel(ctx)
	queued := rec
	partPath := d.PartPath(rec)

	out, err := d.createPart(partPath)
	if err != nil {
		logger.Error("failed to prepare download payload", "path", partPath, "err", err)

		rec.RetryBudget--
		rec.Fail(storage.ErrorKindLocal, "", err)
		d.persist(bg, rec)

		return queue.Result{Record: rec}
	}

	rec.RetryBudget--
	rec.Status = storage.StatusRunning
	rec.LastError = nil
	d.persist(bg, rec)

	if protection != nil {
		protection.SetRequest(background.Request{
			Direction:  storage.DirectionDownload,
			Record:     rec,
			SourcePath: partPath,
		})
	}

	logger.Info("download started", "file_size", humanize.Bytes(uint64(max(rec.Size, 0))), "retries_left", rec.RetryBudget)

	w := progress.NewWriter(out, rec.Size, progress.DefaultInterval, progressLogger(logger, onProgress))

	reqCtx, cancelReq := context.WithTimeout(ctx, d.requestTimeout)
	outcome := d.client.Download(reqCtx, rec, w, nil)
	cancelReq()

	if err := out.Close(); err != nil && outcome.Kind == transfer.OutcomeSuccess {
		outcome = transfer.Failed(&transfer.LocalError{Path: partPath, Op: "close", Err: err})
	}

	if protection != nil {
		protection.Release()
	}

	cause := context.Cause(ctx)

	if errors.Is(cause, queue.ErrCancelled) {
		return queue.Result{Record: d.stopped(bg, rec, queued, partPath, cause)}
	}

	// A request that finished before it was stopped keeps its outcome.
	if outcome.Kind != transfer.OutcomeClientError {
		return queue.Result{Record: d.settle(bg, rec, outcome, partPath)}
	}

	if errors.Is(cause, background.ErrExpiring) && protection != nil {
		h, err := protection.Continue(bg, func(h background.Handle) {
			d.markRescheduled(bg, rec.ID, h)
		})
		if err != nil {
			removePart(bg, partPath)

			return queue.Result{Record: d.expired(bg, rec, err)}
		}

		rec.Rescheduled = true
		rec.RemoteLocator = h.ID
		rec.Status = storage.StatusRunning

		logger.Info("download handed to background channel", "remote_locator", h.ID)

		return queue.Result{Record: rec, Rescheduled: true}
	}

	if cause == nil {
		cause = outcome.Err
	}

	return queue.Result{Record: d.stopped(bg, rec, queued, partPath, cause)}
}

// stopped settles an attempt whose context ended before its request could
// finish. queued is the record as it was before the attempt.
func (d *Downloader) stopped(ctx context.Context, rec, queued storage.Record, partPath string, cause error) storage.Record {
	switch {
	case errors.Is(cause, background.ErrExpiring):
		removePart(ctx, partPath)

		return d.expired(ctx, rec, cause)
	case errors.Is(cause, queue.ErrClosed):
		logctx.LoggerFromContext(ctx).Info("download interrupted by shutdown")

		removePart(ctx, partPath)

		queued.Status = storage.StatusPending
		d.persist(ctx, queued)

		return queued
	}

	logctx.LoggerFromContext(ctx).Info("download cancelled", "cause", cause)

	return d.cancelled(ctx, rec, partPath, cause)
}

func (d *Downloader) createPart(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, &transfer.LocalError{Path: path, Op: "mkdir", Err: err}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, &transfer.LocalError{Path: path, Op: "create", Err: err}
	}

	return f, nil
}

func progressLogger(logger *slog.Logger, onProgress transfer.ProgressFunc) func(done, total int64) {
	return func(done, total int64) {
		if total > 0 {
			logger.Debug("download progress",
				"downloaded", humanize.Bytes(uint64(done)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(done)*100/float64(total), 2))
		} else {
			logger.Debug("download progress", "downloaded", humanize.Bytes(uint64(done)))
		}

		if onProgress != nil {
			onProgress(done, total)
		}
	}
}

// settle applies the outcome of a network attempt and persists the record.
func (d *Downloader) settle(ctx context.Context, rec storage.Record, out transfer.Outcome, partPath string) storage.Record {
	logger := logctx.LoggerFromContext(ctx)

	switch out.Kind {
	case transfer.OutcomeSuccess:
		if err := moveIntoPlace(partPath, rec.LocalPath); err != nil {
			logger.Error("failed to move download into place", "target", rec.LocalPath, "err", err)

			rec.Fail(storage.ErrorKindLocal, "", err)
			d.persist(ctx, rec)

			return rec
		}

		rec.Status = storage.StatusSucceeded
		rec.LastError = nil
		rec.CompletedAt = time.Now()
		d.persist(ctx, rec)

		logger.Info("downloaded and saved file", "target", rec.LocalPath, "file_size", humanize.Bytes(uint64(max(out.Bytes, 0))))

		return rec
	case transfer.OutcomeClientError:
		logger.Info("download cancelled", "err", out.Err)

		return d.cancelled(ctx, rec, partPath, out.Err)
	}

	removePart(ctx, partPath)

	kind := out.ErrorKind()
	rec.Fail(kind, out.Code, out.Err)

	if kind == storage.ErrorKindObjectNotFound {
		rec.RetryBudget = 0
	}

	logger.Warn("download failed", "error_kind", kind, "status_code", out.StatusCode, "err", out.Err)
	d.persist(ctx, rec)

	return rec
}

func (d *Downloader) cancelled(ctx context.Context, rec storage.Record, partPath string, cause error) storage.Record {
	rec.Fail(storage.ErrorKindTaskCancelled, "", cause)
	rec.Status = storage.StatusCancelled
	rec.RetryBudget = 0

	if err := d.store.Delete(context.WithoutCancel(ctx), rec.ID); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to delete cancelled download", "err", err)
	}

	removePart(ctx, partPath)

	return rec
}

func (d *Downloader) expired(ctx context.Context, rec storage.Record, cause error) storage.Record {
	logctx.LoggerFromContext(ctx).Warn("download expired without background continuation", "err", cause)

	rec.Fail(storage.ErrorKindTaskExpirationCancelled, "", cause)
	rec.RemoteLocator = ""
	rec.Rescheduled = false
	d.persist(ctx, rec)

	return rec
}

func (d *Downloader) markRescheduled(ctx context.Context, id string, h background.Handle) {
	ctx = context.WithoutCancel(ctx)

	rec, err := d.store.Get(ctx, id)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to load download handed to background channel", "err", err)

		return
	}

	rec.Rescheduled = true
	rec.RemoteLocator = h.ID
	rec.Status = storage.StatusRunning
	d.persist(ctx, rec)
}

func (d *Downloader) persist(ctx context.Context, rec storage.Record) {
	if err := d.store.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist download", "status", rec.Status, "err", err)
	}
}

// complete finishes a download the background channel ran to completion.
func (d *Downloader) complete(ctx context.Context, c background.Completion) {
	logger := logctx.LoggerFromContext(ctx)

	rec, err := d.store.GetByLocator(ctx, c.Handle.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Info("dropping background completion for removed download", "remote_locator", c.Handle.ID)
		} else {
			logger.Error("failed to load download for background completion", "err", err)
		}

		removePart(ctx, c.Request.SourcePath)

		return
	}

	rec.Rescheduled = false
	rec.RemoteLocator = ""

	rec = d.settle(ctx, rec, c.Outcome, c.Request.SourcePath)

	logger.Info("background download completed", "status", rec.Status, "outcome", c.Outcome.Kind.String())

	d.queue.Complete(ctx, rec)
}

func removePart(ctx context.Context, path string) {
	if path == "" {
		return
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).Warn("failed to remove partial download", "path", path, "err", err)
	}
}

// TemporaryFunc receives the result of a temporary download.
type TemporaryFunc func(rec storage.Record, err error)

// Handle controls a temporary download.
type Handle struct {
	RecordID string

	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Cancel stops the download immediately. Its callback receives an error.
func (h *Handle) Cancel() {
	h.cancel(queue.ErrCancelled)
}

// Done is closed once the download finished and its callback returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Temporary downloads rec outside the queue: nothing is persisted, there is
// no retry, and the payload is moved to rec.LocalPath on success. A live
// temporary download of the same record is returned instead of starting a
// second one, and cb is not registered with it.
func (d *Downloader) Temporary(ctx context.Context, rec storage.Record, cb TemporaryFunc) *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()

	if h, ok := d.temporary[rec.ID]; ok {
		return h
	}

	logger := logctx.LoggerFromContext(ctx).With("transfer_id", rec.ID, "name", rec.Name)
	runCtx, cancel := context.WithCancelCause(logctx.WithLogger(d.base, logger))

	h := &Handle{RecordID: rec.ID, cancel: cancel, done: make(chan struct{})}
	d.temporary[rec.ID] = h

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()
		defer close(h.done)
		defer cancel(nil)

		err := d.runTemporary(runCtx, rec)

		d.mu.Lock()
		delete(d.temporary, rec.ID)
		d.mu.Unlock()

		if err != nil {
			logger.Warn("temporary download failed", "err", err)
		} else {
			logger.Info("temporary download finished", "target", rec.LocalPath)
		}

		if cb != nil {
			cb(rec, err)
		}
	}()

	return h
}

func (d *Downloader) runTemporary(ctx context.Context, rec storage.Record) error {
	partPath := filepath.Join(d.cacheDir, "tmp-"+rec.ID+PartSuffix)

	out, err := d.createPart(partPath)
	if err != nil {
		return err
	}

	onProgress := func(done, total int64) {
		d.queue.Records.Publish(rec.ID, queue.Event{
			Type:      queue.EventProgress,
			Direction: storage.DirectionDownload,
			ParentID:  rec.ParentID,
			Record:    rec,
			Done:      done,
			Total:     total,
		})
	}

	w := progress.NewWriter(out, rec.Size, progress.DefaultInterval, progressLogger(logctx.LoggerFromContext(ctx), onProgress))

	reqCtx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	outcome := d.client.Download(reqCtx, rec, w, nil)
	cancel()

	closeErr := out.Close()

	if outcome.Kind != transfer.OutcomeSuccess {
		removePart(ctx, partPath)

		if cause := context.Cause(ctx); cause != nil {
			return cause
		}

		return fmt.Errorf("download %s: %w", outcome.Kind, outcome.Err)
	}

	if closeErr != nil {
		removePart(ctx, partPath)

		return &transfer.LocalError{Path: partPath, Op: "close", Err: closeErr}
	}

	return moveIntoPlace(partPath, rec.LocalPath)
}
