package uploader

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/drivequeue/internal/background"
	"github.com/italolelis/drivequeue/internal/queue"
	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/italolelis/drivequeue/internal/storage/sqlite"
	"github.com/italolelis/drivequeue/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const waitFor = 2 * time.Second

type fakeUploader struct {
	mu       sync.Mutex
	calls    []string
	outcomes []transfer.Outcome
	block    bool
	during   func(ctx context.Context, rec storage.Record)
	started  chan string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{started: make(chan string, 16)}
}

func (f *fakeUploader) Upload(ctx context.Context, rec storage.Record, _ string, tok *oauth2.Token, progress transfer.ProgressFunc) transfer.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, rec.Name)

	out := transfer.Succeeded(&storage.FileMetadata{ID: "file-" + rec.Name, ParentID: rec.ParentID, Name: rec.Name}, 3)
	if len(f.outcomes) > 0 {
		out = f.outcomes[0]
		f.outcomes = f.outcomes[1:]
	}

	block := f.block
	f.block = false
	during := f.during
	f.mu.Unlock()

	f.started <- rec.Name

	if during != nil {
		during(ctx, rec)
	}

	if block {
		<-ctx.Done()

		return transfer.Failed(ctx.Err())
	}

	if progress != nil {
		progress(3, 3)
	}

	return out
}

func (f *fakeUploader) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func (f *fakeUploader) waitStarted(t *testing.T) string {
	t.Helper()

	select {
	case name := <-f.started:
		return name
	case <-time.After(waitFor):
		t.Fatal("upload did not start")
	}

	return ""
}

type fakeTokens struct {
	mu          sync.Mutex
	err         error
	invalidated []string
}

func (f *fakeTokens) Get(_ context.Context, userID string) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	return &oauth2.Token{AccessToken: "token-" + userID}, nil
}

func (f *fakeTokens) Invalidate(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.invalidated = append(f.invalidated, userID)
}

type fakeProducer struct {
	mu       sync.Mutex
	disabled []string
}

func (p *fakeProducer) Disable(_ context.Context, parentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.disabled = append(p.disabled, parentID)
}

type engine struct {
	db       *sql.DB
	store    storage.TransferRepository
	files    *sqlite.FileRepository
	queue    *queue.Queue
	worker   *Worker
	uploader *fakeUploader
	tokens   *fakeTokens
	producer *fakeProducer
}

func newDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func newEngine(t *testing.T, db *sql.DB, parallelism int, bg *background.Manager) *engine {
	t.Helper()

	e := &engine{
		db:       db,
		store:    sqlite.NewTransferRepository(db),
		files:    sqlite.NewFileRepository(db),
		uploader: newFakeUploader(),
		tokens:   &fakeTokens{},
		producer: &fakeProducer{},
	}

	e.queue = queue.New(context.Background(), queue.Config{
		Direction:            storage.DirectionUpload,
		Parallelism:          parallelism,
		RetryInitialInterval: 5 * time.Millisecond,
		RetryMaxInterval:     20 * time.Millisecond,
	}, e.store, nil, bg, nil)
	t.Cleanup(e.queue.Close)

	e.worker = New(e.queue, e.store, e.uploader, e.tokens, bg,
		WithMetadataCache(e.files),
		WithAutoProducer(e.producer),
		WithRequestTimeout(time.Second),
	)

	return e
}

func (e *engine) wait(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.NoError(t, e.queue.Wait(ctx))
}

func (e *engine) gone(t *testing.T, id string) {
	t.Helper()

	require.Eventually(t, func() bool {
		_, err := e.store.Get(context.Background(), id)

		return errors.Is(err, storage.ErrNotFound)
	}, waitFor, 5*time.Millisecond)
}

func newRecord(parent, name string) storage.Record {
	return storage.NewUpload("1", "42", parent, name, "/tmp/"+name)
}

func TestUploadSucceeds(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newDB(t), 2, nil)

	source := filepath.Join(t.TempDir(), "a.jpg")
	require.NoError(t, os.WriteFile(source, []byte("abc"), 0o600))

	rec := storage.NewUpload("1", "42", "100", "a.jpg", source)
	rec.RemoveSourceAfterUpload = true

	e.queue.Enqueue(ctx, rec)
	e.wait(t)

	assert.Equal(t, []string{"a.jpg"}, e.uploader.Calls())
	e.gone(t, rec.ID)

	file, err := e.files.GetFile(ctx, "file-a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "100", file.ParentID)

	_, err = os.Stat(source)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestUploadWithoutTokenKeepsBudget(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newDB(t), 1, nil)
	e.tokens.err = errors.New("token endpoint down")

	rec := newRecord("100", "a.jpg")
	e.queue.Enqueue(ctx, rec)
	e.wait(t)

	assert.Empty(t, e.uploader.Calls())

	got, err := e.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, storage.ErrorKindToken, got.ErrorKind())
	assert.Equal(t, storage.DefaultRetryBudget, got.RetryBudget)
}

func TestUploadCancelledBeforeStartMakesNoRequest(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newDB(t), 1, nil)
	e.uploader.block = true

	first := newRecord("100", "first.jpg")
	second := newRecord("100", "second.jpg")

	e.queue.Enqueue(ctx, first)
	e.uploader.waitStarted(t)
	e.queue.Enqueue(ctx, second)

	require.NoError(t, e.queue.Cancel(ctx, second.ID))
	require.NoError(t, e.queue.Cancel(ctx, first.ID))
	e.wait(t)

	assert.Equal(t, []string{"first.jpg"}, e.uploader.Calls())
	e.gone(t, first.ID)
	e.gone(t, second.ID)
}

func TestNetworkFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newDB(t), 1, nil)
	e.uploader.outcomes = []transfer.Outcome{
		transfer.Failed(&transfer.NetworkError{Operation: "upload", Message: "connection reset"}),
	}

	rec := newRecord("100", "a.jpg")
	e.queue.Enqueue(ctx, rec)
	e.wait(t)

	assert.Equal(t, []string{"a.jpg", "a.jpg"}, e.uploader.Calls())
	e.gone(t, rec.ID)
}

func TestUnauthorizedInvalidatesToken(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newDB(t), 1, nil)
	e.uploader.outcomes = []transfer.Outcome{
		transfer.Failed(&transfer.ServerError{Operation: "upload", StatusCode: 401, Message: "expired token"}),
	}

	e.queue.Enqueue(ctx, newRecord("100", "a.jpg"))
	e.wait(t)

	e.tokens.mu.Lock()
	defer e.tokens.mu.Unlock()

	assert.Equal(t, []string{"42"}, e.tokens.invalidated)
}

func TestTargetNotFoundCancelsContainer(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newDB(t), 1, nil)
	e.uploader.outcomes = []transfer.Outcome{
		transfer.Failed(&transfer.ServerError{Operation: "upload", StatusCode: 404, Code: transfer.CodeObjectNotFound}),
	}

	a := newRecord("100", "a.jpg")
	b := newRecord("100", "b.jpg")

	e.queue.Suspend(ctx)
	e.queue.Enqueue(ctx, a)
	e.queue.Enqueue(ctx, b)
	require.NoError(t, e.queue.Resume(ctx))
	e.wait(t)

	assert.Equal(t, []string{"a.jpg"}, e.uploader.Calls())

	left, err := e.store.GetByParent(ctx, storage.DirectionUpload, "100")
	require.NoError(t, err)
	assert.Empty(t, left)

	e.producer.mu.Lock()
	defer e.producer.mu.Unlock()

	assert.Equal(t, []string{"100"}, e.producer.disabled)
}

func TestQuotaExceededSuspendsQueue(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newDB(t), 1, nil)
	e.uploader.outcomes = []transfer.Outcome{
		transfer.Failed(&transfer.ServerError{Operation: "upload", StatusCode: 507, Code: transfer.CodeQuotaExceeded}),
	}

	rec := newRecord("100", "a.jpg")
	e.queue.Enqueue(ctx, rec)
	e.wait(t)

	assert.True(t, e.queue.Suspended())
	assert.Equal(t, []string{"a.jpg"}, e.uploader.Calls())
	e.gone(t, rec.ID)
}

func newBackground(t *testing.T, capacity int, perform background.PerformFunc) (*background.LocalChannel, *background.Manager) {
	t.Helper()

	ch := background.NewLocalChannel(context.Background(), perform, time.Minute)
	t.Cleanup(ch.Close)

	return ch, background.NewManager(ch, capacity, nil)
}

func succeedInBackground(gate <-chan struct{}) background.PerformFunc {
	return func(ctx context.Context, req background.Request) transfer.Outcome {
		select {
		case <-gate:
		case <-ctx.Done():
			return transfer.Failed(ctx.Err())
		}

		return transfer.Succeeded(&storage.FileMetadata{ID: "bg-" + req.Record.Name, ParentID: req.Record.ParentID, Name: req.Record.Name}, 3)
	}
}

func TestExpiringUploadContinuesInBackground(t *testing.T) {
	ctx := context.Background()

	gate := make(chan struct{})
	close(gate)

	_, bg := newBackground(t, background.DefaultCapacity, succeedInBackground(gate))
	e := newEngine(t, newDB(t), 1, bg)
	e.uploader.block = true

	rec := newRecord("100", "a.jpg")
	e.queue.Enqueue(ctx, rec)
	e.uploader.waitStarted(t)

	bg.ExpireAll(ctx)

	e.gone(t, rec.ID)
	e.wait(t)

	file, err := e.files.GetFile(ctx, "bg-a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "a.jpg", file.Name)
	assert.Equal(t, 0, bg.InFlight())
}

func TestExpiringUploadWithoutCapacity(t *testing.T) {
	ctx := context.Background()

	_, bg := newBackground(t, 0, succeedInBackground(make(chan struct{})))
	e := newEngine(t, newDB(t), 1, bg)
	e.uploader.block = true

	rec := newRecord("100", "a.jpg")
	e.queue.Enqueue(ctx, rec)
	e.uploader.waitStarted(t)

	bg.ExpireAll(ctx)
	e.wait(t)

	got, err := e.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ErrorKindTaskExpirationCancelled, got.ErrorKind())
	assert.Empty(t, got.RemoteLocator)
	assert.False(t, got.Rescheduled)
}

func TestRelaunchReattachesBackgroundUpload(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	gate := make(chan struct{})

	ch, bg := newBackground(t, background.DefaultCapacity, succeedInBackground(gate))
	first := newEngine(t, db, 1, bg)
	first.uploader.block = true

	rec := newRecord("100", "a.jpg")
	first.queue.Enqueue(ctx, rec)
	first.uploader.waitStarted(t)

	bg.ExpireAll(ctx)
	first.wait(t)

	persisted, err := first.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, persisted.Rescheduled)
	assert.NotEmpty(t, persisted.RemoteLocator)

	// The process goes away while the channel keeps the operation.
	ch.Detach()
	first.queue.Close()

	second := newEngine(t, db, 1, background.NewManager(ch, background.DefaultCapacity, nil))
	require.NoError(t, second.queue.RecoverFromStore(ctx))

	close(gate)

	second.gone(t, rec.ID)
	assert.Empty(t, second.uploader.Calls())

	_, err = second.files.GetFile(ctx, "bg-a.jpg")
	assert.NoError(t, err)
}

func TestCancelDuringUploadDropsRecord(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newDB(t), 1, nil)
	e.uploader.outcomes = []transfer.Outcome{
		transfer.Failed(&transfer.NetworkError{Operation: "upload", Message: "connection reset"}),
	}
	e.uploader.during = func(_ context.Context, rec storage.Record) {
		assert.NoError(t, e.queue.Cancel(ctx, rec.ID))
	}

	rec := newRecord("100", "a.jpg")
	e.queue.Enqueue(ctx, rec)
	e.wait(t)

	assert.Equal(t, []string{"a.jpg"}, e.uploader.Calls())
	e.gone(t, rec.ID)
}

func TestUploadFinishedWhileExpiringKeepsOutcome(t *testing.T) {
	ctx := context.Background()

	var performed atomic.Int32

	_, bg := newBackground(t, background.DefaultCapacity, func(context.Context, background.Request) transfer.Outcome {
		performed.Add(1)

		return transfer.Succeeded(nil, 0)
	})
	e := newEngine(t, newDB(t), 1, bg)
	e.uploader.during = func(context.Context, storage.Record) {
		bg.ExpireAll(ctx)
	}

	rec := newRecord("100", "a.jpg")
	e.queue.Enqueue(ctx, rec)
	e.wait(t)

	assert.Equal(t, []string{"a.jpg"}, e.uploader.Calls())
	e.gone(t, rec.ID)

	_, err := e.files.GetFile(ctx, "file-a.jpg")
	require.NoError(t, err)
	assert.Equal(t, 0, bg.InFlight())
	assert.Zero(t, performed.Load())
}

func TestShutdownKeepsBackgroundUploadForRecovery(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)

	ch, bg := newBackground(t, background.DefaultCapacity, succeedInBackground(make(chan struct{})))
	first := newEngine(t, db, 1, bg)
	first.uploader.block = true

	rec := newRecord("100", "a.jpg")
	first.queue.Enqueue(ctx, rec)
	first.uploader.waitStarted(t)

	first.queue.Suspend(ctx)
	bg.ExpireAll(ctx)
	first.wait(t)

	first.queue.Close()
	ch.Close()

	persisted, err := first.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, persisted.Rescheduled)
	assert.Equal(t, storage.StatusRunning, persisted.Status)

	gate := make(chan struct{})
	close(gate)

	_, relaunched := newBackground(t, background.DefaultCapacity, succeedInBackground(gate))
	second := newEngine(t, db, 1, relaunched)
	require.NoError(t, second.queue.RecoverFromStore(ctx))

	second.gone(t, rec.ID)
	assert.Equal(t, []string{"a.jpg"}, second.uploader.Calls())

	_, err = second.files.GetFile(ctx, "file-a.jpg")
	assert.NoError(t, err)
}
