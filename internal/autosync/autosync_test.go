package autosync

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/drivequeue/internal/broadcast"
	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu      sync.Mutex
	records []storage.Record
	added   chan storage.Record
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{added: make(chan storage.Record, 16)}
}

func (q *fakeQueue) Enqueue(_ context.Context, rec storage.Record) {
	q.mu.Lock()
	q.records = append(q.records, rec)
	q.mu.Unlock()

	q.added <- rec
}

func (q *fakeQueue) names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	names := make([]string, 0, len(q.records))
	for _, r := range q.records {
		names = append(names, r.Name)
	}

	return names
}

func newSyncer(t *testing.T, q Enqueuer) (*Syncer, string) {
	t.Helper()

	dir := t.TempDir()
	s := New(Config{
		Dir:         dir,
		DriveID:     "1",
		ParentID:    "100",
		UserID:      "42",
		Debounce:    10 * time.Millisecond,
		RetryBudget: 5,
	}, q)
	t.Cleanup(func() { _ = s.Close() })

	return s, dir
}

func TestScanEnqueuesRegularFiles(t *testing.T) {
	q := newFakeQueue()
	s, dir := newSyncer(t, q)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("aaa"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.jpg.part"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o750))

	n, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a.jpg"}, q.names())

	rec := q.records[0]
	assert.Equal(t, storage.DirectionUpload, rec.Direction)
	assert.Equal(t, "100", rec.ParentID)
	assert.Equal(t, "42", rec.UserID)
	assert.Equal(t, int64(3), rec.Size)
	assert.Equal(t, 5, rec.RetryBudget)
	assert.Equal(t, filepath.Join(dir, "a.jpg"), rec.LocalPath)
}

func TestWatchEnqueuesNewFiles(t *testing.T) {
	q := newFakeQueue()
	s, dir := newSyncer(t, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.jpg"), []byte("fresh"), 0o600))

	select {
	case rec := <-q.added:
		assert.Equal(t, "new.jpg", rec.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("file was not enqueued")
	}
}

func TestDisableStopsProducingAndNotifiesOnce(t *testing.T) {
	q := newFakeQueue()
	s, dir := newSyncer(t, q)
	ctx := context.Background()

	var events []Event

	s.Events.SubscribeFunc(broadcast.AllKeys, func(e Event) {
		events = append(events, e)
	})

	s.Disable(ctx, "100")
	s.Disable(ctx, "100")

	assert.False(t, s.Enabled("100"))
	assert.True(t, s.Enabled("200"))
	require.Len(t, events, 1)
	assert.Equal(t, "100", events[0].ParentID)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("aaa"), 0o600))

	n, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	s.Enable("100")

	n, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStartFailsForMissingDirectory(t *testing.T) {
	s := New(Config{Dir: filepath.Join(t.TempDir(), "missing")}, newFakeQueue())

	assert.Error(t, s.Start(context.Background()))
}
