// Package queue schedules transfer records on a bounded worker pool,
// persists them across restarts, and decides after every attempt whether a
// record is done, retried, or left for the next recovery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/drivequeue/internal/background"
	"github.com/italolelis/drivequeue/internal/broadcast"
	"github.com/italolelis/drivequeue/internal/logctx"
	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/italolelis/drivequeue/internal/telemetry"
	"github.com/italolelis/drivequeue/internal/transfer"
)

const (
	DefaultParallelism          = 4
	DefaultRetryInitialInterval = 2 * time.Second
	DefaultRetryMaxInterval     = 2 * time.Minute
)

var (
	// ErrCancelled is the cancellation cause of a worker stopped by Cancel or CancelAll.
	ErrCancelled = errors.New("transfer cancelled")
	// ErrClosed is the cancellation cause of workers still running when the
	// queue is closed. Their records stay persisted for the next recovery.
	ErrClosed = errors.New("queue closed")
)

// Result is what a worker reports after one attempt. The final record state
// is read back from the store.
type Result struct {
	Record      storage.Record
	Rescheduled bool
}

// Runner executes one attempt of a record.
type Runner interface {
	Run(ctx context.Context, rec storage.Record, progress transfer.ProgressFunc) Result
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, rec storage.Record, progress transfer.ProgressFunc) Result

func (f RunnerFunc) Run(ctx context.Context, rec storage.Record, progress transfer.ProgressFunc) Result {
	return f(ctx, rec, progress)
}

type Config struct {
	Direction            storage.Direction
	Parallelism          int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

type activeJob struct {
	parentID  string
	container storage.Container
	cancel    context.CancelCauseFunc
	cancelled bool
}

type retryTimer struct {
	parentID string
	timer    *time.Timer
}

// Queue manages the records of one direction.
type Queue struct {
	cfg        Config
	store      storage.TransferRepository
	runner     Runner
	background *background.Manager
	telemetry  *telemetry.Telemetry
	pool       *Pool

	// Records publishes events keyed by record ID.
	Records *broadcast.Broadcaster[Event]
	// Containers publishes events keyed by parent container ID.
	Containers *broadcast.Broadcaster[Event]

	base   context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	active   map[string]*activeJob
	retrying map[string]*retryTimer
	backoffs map[string]*backoff.ExponentialBackOff
	pending  int
	idle     chan struct{}
}

// New creates a queue and starts its pool. The runner may be set later with
// SetRunner, before anything is enqueued. bg may be nil.
func New(ctx context.Context, cfg Config, store storage.TransferRepository, runner Runner, bg *background.Manager, tel *telemetry.Telemetry) *Queue {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = DefaultParallelism
	}

	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = DefaultRetryInitialInterval
	}

	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = DefaultRetryMaxInterval
	}

	base, cancel := context.WithCancelCause(context.WithoutCancel(ctx))

	idle := make(chan struct{})
	close(idle)

	return &Queue{
		cfg:        cfg,
		store:      store,
		runner:     runner,
		background: bg,
		telemetry:  tel,
		pool:       NewPool(base, cfg.Parallelism, tel),
		Records:    broadcast.New[Event](),
		Containers: broadcast.New[Event](),
		base:       base,
		cancel:     cancel,
		active:     make(map[string]*activeJob),
		retrying:   make(map[string]*retryTimer),
		backoffs:   make(map[string]*backoff.ExponentialBackOff),
		idle:       idle,
	}
}

// SetRunner sets the worker. Workers usually need the queue themselves, so
// they are wired after New.
func (q *Queue) SetRunner(r Runner) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.runner = r
}

func (q *Queue) Direction() storage.Direction {
	return q.cfg.Direction
}

// Enqueue persists rec and schedules it. It does nothing when the same
// transfer is already running, queued, owned by the background channel or
// persisted, or when rec has no retry budget left. Failures are logged and
// published, never returned.
func (q *Queue) Enqueue(ctx context.Context, rec storage.Record) {
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", rec.ID, "direction", q.cfg.Direction)

	rec.Direction = q.cfg.Direction

	q.mu.Lock()

	if reason := q.skipReasonLocked(ctx, rec); reason != "" {
		q.mu.Unlock()
		logger.Debug("enqueue skipped", "reason", reason)

		return
	}

	rec.Status = storage.StatusPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	if err := q.store.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		q.mu.Unlock()
		logger.Error("failed to persist transfer", "err", err)

		rec.Fail(storage.ErrorKindLocal, "", err)
		q.publishFinished(rec, false)

		return
	}

	q.submitLocked(rec)
	q.mu.Unlock()

	logger.Info("transfer enqueued", "name", rec.Name, "parent_id", rec.ParentID)

	q.publishOutstanding(ctx, rec.ParentID)
}

func (q *Queue) skipReasonLocked(ctx context.Context, rec storage.Record) string {
	if _, ok := q.active[rec.ID]; ok {
		return "already in queue"
	}

	if _, ok := q.retrying[rec.ID]; ok {
		return "waiting for retry"
	}

	if q.background != nil && q.background.Owns(rec.ID) {
		return "owned by background channel"
	}

	if rec.RetryBudget <= 0 {
		return "retry budget exhausted"
	}

	existing, err := q.store.Get(ctx, rec.ID)
	if err == nil && !existing.Terminal() {
		return "already persisted"
	}

	return ""
}

// submitLocked hands rec to the pool. q.mu must be held.
func (q *Queue) submitLocked(rec storage.Record) {
	ctx, cancel := context.WithCancelCause(logctx.WithTransfer(q.base, rec.ID, string(q.cfg.Direction)))

	q.active[rec.ID] = &activeJob{parentID: rec.ParentID, container: storage.ContainerOf(rec), cancel: cancel}
	q.addPendingLocked()

	if !q.pool.Submit(rec.ID, rec.Priority, func() { q.run(ctx, rec) }) {
		delete(q.active, rec.ID)
		cancel(context.Canceled)
		q.donePendingLocked()
	}
}

func (q *Queue) run(ctx context.Context, rec storage.Record) {
	var res Result

	res.Record = rec

	defer func() {
		q.finish(ctx, rec, res)
	}()

	q.mu.Lock()
	runner := q.runner
	q.mu.Unlock()

	q.telemetry.InstrumentTransfer(ctx, string(q.cfg.Direction), func(ctx context.Context) string {
		res = runner.Run(ctx, rec, q.progressFunc(rec))

		return outcomeLabel(res)
	})
}

func (q *Queue) progressFunc(rec storage.Record) transfer.ProgressFunc {
	return func(done, total int64) {
		q.Records.Publish(rec.ID, Event{
			Type:      EventProgress,
			Direction: q.cfg.Direction,
			ParentID:  rec.ParentID,
			Record:    rec,
			Done:      done,
			Total:     total,
		})
	}
}

func outcomeLabel(res Result) string {
	if res.Rescheduled {
		return "rescheduled"
	}

	switch res.Record.Status {
	case storage.StatusSucceeded:
		return "succeeded"
	case storage.StatusFailed:
		return string(res.Record.ErrorKind())
	case storage.StatusCancelled:
		return "cancelled"
	}

	return "unknown"
}

// finish decides the fate of a record from its persisted state after a
// worker attempt.
func (q *Queue) finish(ctx context.Context, rec storage.Record, res Result) {
	logger := logctx.LoggerFromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	q.mu.Lock()

	cancelled := false

	if job, ok := q.active[rec.ID]; ok {
		cancelled = job.cancelled
		job.cancel(nil)
		delete(q.active, rec.ID)
	}

	persisted, err := q.store.Get(ctx, rec.ID)

	var (
		removed bool
		publish = true
	)

	switch {
	case res.Rescheduled:
		logger.Info("transfer continues in background", "remote_locator", res.Record.RemoteLocator)

		publish = false
	case cancelled:
		// Cancel already dropped the record; whatever the attempt persisted
		// after that must not outlive it.
		persisted = res.Record
		removed = q.removeLocked(ctx, persisted)
	case errors.Is(err, storage.ErrNotFound):
		persisted = res.Record
		removed = true
		delete(q.backoffs, rec.ID)
	case err != nil:
		logger.Error("failed to read transfer after attempt", "err", err)

		persisted = res.Record
	case persisted.Rescheduled:
		logger.Info("transfer continues in background", "remote_locator", persisted.RemoteLocator)

		publish = false
	case q.base.Err() != nil && (persisted.Status == storage.StatusPending || persisted.Status == storage.StatusRunning):
		logger.Info("transfer interrupted by shutdown, left for recovery")

		publish = false
	case persisted.Status == storage.StatusPending || persisted.Status == storage.StatusRunning:
		// The worker exited without recording an outcome.
		persisted.Fail(storage.ErrorKindLocal, "", errors.New("worker exited without a result"))
		persisted.RetryBudget--

		removed = q.settleFailedLocked(ctx, persisted)
	case persisted.Status == storage.StatusFailed:
		removed = q.settleFailedLocked(ctx, persisted)
	default:
		removed = q.removeLocked(ctx, persisted)
	}

	q.donePendingLocked()
	q.mu.Unlock()

	if publish {
		q.publishFinished(persisted, removed)
	}

	q.publishOutstanding(ctx, rec.ParentID)
}

// Complete settles a record whose attempt ended outside the pool, such as an
// operation finished by the background channel. The record must already be
// persisted in its final state.
func (q *Queue) Complete(ctx context.Context, rec storage.Record) {
	q.mu.Lock()
	q.addPendingLocked()
	q.mu.Unlock()

	q.finish(ctx, rec, Result{Record: rec})
}

// settleFailedLocked removes an exhausted record, schedules an automatic
// retry for a retryable one, and leaves the rest for the next recovery. It
// reports whether the record was removed.
func (q *Queue) settleFailedLocked(ctx context.Context, rec storage.Record) bool {
	logger := logctx.LoggerFromContext(ctx)
	kind := rec.ErrorKind()

	if rec.RetryBudget <= 0 {
		logger.Warn("transfer failed, no retries left", "error_kind", kind, "err", rec.LastError)

		return q.removeLocked(ctx, rec)
	}

	if err := q.store.Upsert(ctx, rec); err != nil {
		logger.Error("failed to persist failed transfer", "err", err)
	}

	if !kind.Retryable() {
		logger.Info("transfer failed, waiting for recovery", "error_kind", kind, "err", rec.LastError)

		return false
	}

	b, ok := q.backoffs[rec.ID]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = q.cfg.RetryInitialInterval
		b.MaxInterval = q.cfg.RetryMaxInterval
		b.Reset()
		q.backoffs[rec.ID] = b
	}

	delay := b.NextBackOff()
	id := rec.ID

	q.retrying[id] = &retryTimer{
		parentID: rec.ParentID,
		timer:    time.AfterFunc(delay, func() { q.retry(id) }),
	}
	q.addPendingLocked()

	q.telemetry.RecordRetry(string(q.cfg.Direction), string(kind))
	logger.Info("transfer failed, retrying", "error_kind", kind, "retry_in", delay.String(), "retries_left", rec.RetryBudget)

	return false
}

func (q *Queue) removeLocked(ctx context.Context, rec storage.Record) bool {
	delete(q.backoffs, rec.ID)

	if err := q.store.Delete(ctx, rec.ID); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to delete finished transfer", "transfer_id", rec.ID, "err", err)

		return false
	}

	return true
}

// retry runs when a backoff timer fires.
func (q *Queue) retry(id string) {
	ctx := q.base

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.retrying[id]; !ok {
		return
	}

	delete(q.retrying, id)
	defer q.donePendingLocked()

	if _, ok := q.active[id]; ok {
		return
	}

	rec, err := q.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logctx.LoggerFromContext(ctx).Error("failed to load transfer for retry", "transfer_id", id, "err", err)
		}

		return
	}

	if rec.Terminal() {
		return
	}

	q.submitLocked(rec)
}

// RecoverFromStore reattaches background operations and schedules every
// persisted record with work left, oldest first. It is meant to run once at
// startup.
func (q *Queue) RecoverFromStore(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("direction", q.cfg.Direction)

	if q.background != nil {
		if _, err := q.background.Reattach(ctx, q.cfg.Direction); err != nil {
			logger.Error("failed to reattach background transfers", "err", err)
		}
	}

	parents, err := q.resubmit(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover transfers: %w", err)
	}

	for parentID := range parents {
		q.publishOutstanding(ctx, parentID)
	}

	return nil
}

// resubmit schedules every persisted record that is neither queued, running,
// waiting for a retry, nor owned by the background channel.
func (q *Queue) resubmit(ctx context.Context) (map[string]struct{}, error) {
	logger := logctx.LoggerFromContext(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.store.GetNonTerminal(ctx, q.cfg.Direction)
	if err != nil {
		return nil, err
	}

	parents := make(map[string]struct{})

	for _, rec := range records {
		if _, ok := q.active[rec.ID]; ok {
			continue
		}

		if _, ok := q.retrying[rec.ID]; ok {
			continue
		}

		if q.background != nil && q.background.Owns(rec.ID) {
			continue
		}

		if rec.Rescheduled {
			// The channel lost the operation; run it again in the foreground.
			rec.Rescheduled = false
			rec.RemoteLocator = ""
			rec.Status = storage.StatusPending

			if err := q.store.Upsert(ctx, rec); err != nil {
				logger.Error("failed to reset orphaned background transfer", "transfer_id", rec.ID, "err", err)

				continue
			}
		}

		q.submitLocked(rec)
		parents[rec.ParentID] = struct{}{}
	}

	if len(parents) > 0 {
		logger.Info("resubmitted persisted transfers", "direction", q.cfg.Direction, "count", len(records))
	}

	return parents, nil
}

// Cancel stops a running transfer or drops a queued or persisted one.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()

	rec, err := q.store.Get(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		q.mu.Unlock()

		return fmt.Errorf("failed to load transfer: %w", err)
	}

	parentID := rec.ParentID
	if job, ok := q.active[id]; ok {
		parentID = job.parentID
	} else if t, ok := q.retrying[id]; ok {
		parentID = t.parentID
	}

	found := q.cancelLocked(ctx, id) || err == nil

	if err := q.store.Delete(context.WithoutCancel(ctx), id); err != nil {
		q.mu.Unlock()

		return fmt.Errorf("failed to delete transfer: %w", err)
	}

	q.mu.Unlock()

	if !found {
		return storage.ErrNotFound
	}

	logctx.LoggerFromContext(ctx).Info("transfer cancelled", "transfer_id", id)

	q.publishCancelled(parentID, []string{id})
	q.publishOutstanding(ctx, parentID)

	return nil
}

// cancelLocked stops whatever in-memory work exists for id and reports
// whether there was any.
func (q *Queue) cancelLocked(ctx context.Context, id string) bool {
	found := false

	if job, ok := q.active[id]; ok {
		found = true

		job.cancelled = true
		job.cancel(ErrCancelled)

		if q.pool.Remove(id) {
			delete(q.active, id)
			q.donePendingLocked()
		}
	}

	if t, ok := q.retrying[id]; ok {
		found = true

		delete(q.retrying, id)

		if t.timer.Stop() {
			q.donePendingLocked()
		}
	}

	if q.background != nil && q.background.Cancel(id) {
		found = true
	}

	delete(q.backoffs, id)

	return found
}

// CancelAll cancels every transfer of a container and publishes a single
// cancellation event listing all of them.
func (q *Queue) CancelAll(ctx context.Context, c storage.Container) ([]string, error) {
	parentID := c.ParentID

	q.mu.Lock()

	records, err := q.store.GetByParent(ctx, q.cfg.Direction, parentID)
	if err != nil {
		q.mu.Unlock()

		return nil, fmt.Errorf("failed to list container transfers: %w", err)
	}

	seen := make(map[string]struct{}, len(records))
	ids := make([]string, 0, len(records))

	for _, rec := range records {
		if !c.Contains(rec) {
			continue
		}

		seen[rec.ID] = struct{}{}
		ids = append(ids, rec.ID)
	}

	for id, job := range q.active {
		if _, ok := seen[id]; !ok && sameContainer(c, job.container) {
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		q.cancelLocked(ctx, id)
	}

	err = q.store.DeleteMany(context.WithoutCancel(ctx), ids)
	q.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to delete container transfers: %w", err)
	}

	logctx.LoggerFromContext(ctx).Info("container transfers cancelled",
		"parent_id", parentID, "drive_id", c.DriveID, "user_id", c.UserID, "count", len(ids))

	if len(ids) > 0 {
		q.publishCancelled(parentID, ids)
	}

	q.publishOutstanding(ctx, parentID)

	return ids, nil
}

// Retry resets the error and budget of a persisted record and schedules it.
func (q *Queue) Retry(ctx context.Context, id string) error {
	q.mu.Lock()

	if _, ok := q.active[id]; ok {
		q.mu.Unlock()

		return nil
	}

	rec, err := q.store.Get(ctx, id)
	if err != nil {
		q.mu.Unlock()

		return err
	}

	q.retryLocked(ctx, rec)
	q.mu.Unlock()

	q.publishOutstanding(ctx, rec.ParentID)

	return nil
}

// RetryAll retries every failed record of a container.
func (q *Queue) RetryAll(ctx context.Context, parentID string) (int, error) {
	q.mu.Lock()

	records, err := q.store.GetFailed(ctx, q.cfg.Direction, parentID)
	if err != nil {
		q.mu.Unlock()

		return 0, fmt.Errorf("failed to list failed transfers: %w", err)
	}

	count := 0

	for _, rec := range records {
		if _, ok := q.active[rec.ID]; ok {
			continue
		}

		if q.retryLocked(ctx, rec) {
			count++
		}
	}

	q.mu.Unlock()

	q.publishOutstanding(ctx, parentID)

	return count, nil
}

func (q *Queue) retryLocked(ctx context.Context, rec storage.Record) bool {
	if t, ok := q.retrying[rec.ID]; ok {
		delete(q.retrying, rec.ID)

		if t.timer.Stop() {
			q.donePendingLocked()
		}
	}

	delete(q.backoffs, rec.ID)
	rec.ResetError()

	if err := q.store.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to reset transfer for retry", "transfer_id", rec.ID, "err", err)

		return false
	}

	q.submitLocked(rec)

	return true
}

// CleanErrors restores the retry budget of failed records whose last error
// did not come from the server. They run again on the next Resume or
// recovery. It returns the number of records reset.
func (q *Queue) CleanErrors(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.store.GetFailed(ctx, q.cfg.Direction, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list failed transfers: %w", err)
	}

	count := 0

	for _, rec := range records {
		if rec.ErrorKind().IsServer() {
			continue
		}

		if _, ok := q.active[rec.ID]; ok {
			continue
		}

		rec.ResetError()

		if err := q.store.Upsert(context.WithoutCancel(ctx), rec); err != nil {
			return count, fmt.Errorf("failed to reset transfer %s: %w", rec.ID, err)
		}

		count++
	}

	return count, nil
}

// Suspend stops dispatching queued transfers. Running ones continue.
func (q *Queue) Suspend(ctx context.Context) {
	q.pool.Suspend()
	logctx.LoggerFromContext(ctx).Info("queue suspended", "direction", q.cfg.Direction)
}

// Resume restarts dispatching and schedules persisted records that were left
// waiting, such as transfers that could not get a token.
func (q *Queue) Resume(ctx context.Context) error {
	q.pool.Resume()
	logctx.LoggerFromContext(ctx).Info("queue resumed", "direction", q.cfg.Direction)

	parents, err := q.resubmit(ctx)
	if err != nil {
		return fmt.Errorf("failed to resubmit transfers: %w", err)
	}

	for parentID := range parents {
		q.publishOutstanding(ctx, parentID)
	}

	return nil
}

func (q *Queue) Suspended() bool {
	return q.pool.Suspended()
}

// SetParallelism changes how many transfers run at once. Running transfers
// above a lowered bound finish their current attempt.
func (q *Queue) SetParallelism(ctx context.Context, n int) {
	prev := q.pool.SetParallelism(n)
	if prev == q.pool.Parallelism() {
		return
	}

	logctx.LoggerFromContext(ctx).Info("queue parallelism changed",
		"direction", q.cfg.Direction,
		"from", prev,
		"to", q.pool.Parallelism())
}

func (q *Queue) Parallelism() int {
	return q.pool.Parallelism()
}

// Outstanding returns the number of records with work left in a container.
func (q *Queue) Outstanding(ctx context.Context, parentID string) (int, error) {
	return q.store.CountByParent(ctx, q.cfg.Direction, parentID)
}

// Active returns the number of queued or running workers.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.active)
}

// Wait blocks until no worker is queued or running and no retry is pending.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		idle := q.idle
		pending := q.pending
		q.mu.Unlock()

		if pending == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// Close stops the pool and every pending retry. Running workers see their
// context cancelled.
func (q *Queue) Close() {
	q.mu.Lock()

	for id, t := range q.retrying {
		if t.timer.Stop() {
			q.donePendingLocked()
		}

		delete(q.retrying, id)
	}

	for id := range q.active {
		if q.pool.Remove(id) {
			delete(q.active, id)
			q.donePendingLocked()
		}
	}

	q.mu.Unlock()

	q.cancel(ErrClosed)
	q.pool.Close()
	q.pool.Wait()
}

// sameContainer reports whether scope c covers the container of a job.
func sameContainer(c, job storage.Container) bool {
	return c.Contains(storage.Record{DriveID: job.DriveID, UserID: job.UserID, ParentID: job.ParentID})
}

func (q *Queue) addPendingLocked() {
	if q.pending == 0 {
		q.idle = make(chan struct{})
	}

	q.pending++
}

func (q *Queue) donePendingLocked() {
	q.pending--

	if q.pending == 0 {
		close(q.idle)
	}
}

func (q *Queue) publishFinished(rec storage.Record, removed bool) {
	e := Event{
		Type:      EventFinished,
		Direction: q.cfg.Direction,
		ParentID:  rec.ParentID,
		Record:    rec,
		Removed:   removed,
	}

	q.Records.Publish(rec.ID, e)
	q.Containers.Publish(rec.ParentID, e)
}

func (q *Queue) publishCancelled(parentID string, ids []string) {
	e := Event{
		Type:         EventCancelled,
		Direction:    q.cfg.Direction,
		ParentID:     parentID,
		CancelledIDs: ids,
	}

	for _, id := range ids {
		q.Records.Publish(id, e)
	}

	q.Containers.Publish(parentID, e)
}

func (q *Queue) publishOutstanding(ctx context.Context, parentID string) {
	count, err := q.Outstanding(ctx, parentID)
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to count outstanding transfers", "parent_id", parentID, "err", err)

		return
	}

	q.Containers.Publish(parentID, Event{
		Type:        EventOutstanding,
		Direction:   q.cfg.Direction,
		ParentID:    parentID,
		Outstanding: count,
	})
}
