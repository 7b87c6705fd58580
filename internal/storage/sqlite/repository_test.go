package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *TransferRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return NewTransferRepository(db)
}

func upload(parent, name string, created time.Time) storage.Record {
	rec := storage.NewUpload("1", "42", parent, name, "/tmp/"+name)
	rec.CreatedAt = created

	return rec
}

func TestUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	rec := upload("100", "a.jpg", time.Now())
	rec.Size = 1024
	rec.RemoveSourceAfterUpload = true
	require.NoError(t, repo.Upsert(ctx, rec))

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, storage.DirectionUpload, got.Direction)
	assert.Equal(t, storage.StatusPending, got.Status)
	assert.Equal(t, int64(1024), got.Size)
	assert.Equal(t, storage.DefaultRetryBudget, got.RetryBudget)
	assert.True(t, got.RemoveSourceAfterUpload)
	assert.Nil(t, got.LastError)
	assert.Equal(t, rec.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())

	got.Fail(storage.ErrorKindServer, "quota_exceeded_error", nil)
	got.RetryBudget = 1
	got.RemoteLocator = "session-1"
	require.NoError(t, repo.Upsert(ctx, got))

	updated, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, updated.Status)
	assert.Equal(t, 1, updated.RetryBudget)
	require.NotNil(t, updated.LastError)
	assert.Equal(t, storage.ErrorKindServer, updated.LastError.Kind)
	assert.Equal(t, "quota_exceeded_error", updated.LastError.Code)

	byLocator, err := repo.GetByLocator(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byLocator.ID)
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = repo.GetByLocator(ctx, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetNonTerminalOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	base := time.Now()

	second := upload("100", "b.jpg", base.Add(time.Second))
	first := upload("100", "a.jpg", base)
	exhausted := upload("100", "c.jpg", base.Add(2*time.Second))
	exhausted.Fail(storage.ErrorKindNetwork, "", nil)
	exhausted.RetryBudget = 0
	retryable := upload("200", "d.jpg", base.Add(3*time.Second))
	retryable.Fail(storage.ErrorKindToken, "", nil)
	download := storage.NewDownload("1", "42", "100", "f1", "e.jpg", "/tmp/e.jpg")

	for _, rec := range []storage.Record{second, first, exhausted, retryable, download} {
		require.NoError(t, repo.Upsert(ctx, rec))
	}

	records, err := repo.GetNonTerminal(ctx, storage.DirectionUpload)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, first.ID, records[0].ID)
	assert.Equal(t, second.ID, records[1].ID)
	assert.Equal(t, retryable.ID, records[2].ID)

	count, err := repo.CountByParent(ctx, storage.DirectionUpload, "100")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	byParent, err := repo.GetByParent(ctx, storage.DirectionUpload, "100")
	require.NoError(t, err)
	assert.Len(t, byParent, 2)

	failed, err := repo.GetFailed(ctx, storage.DirectionUpload, "")
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	failedInParent, err := repo.GetFailed(ctx, storage.DirectionUpload, "200")
	require.NoError(t, err)
	require.Len(t, failedInParent, 1)
	assert.Equal(t, storage.ErrorKindToken, failedInParent[0].ErrorKind())
}

func TestDeleteMany(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	a := upload("100", "a.jpg", time.Now())
	b := upload("100", "b.jpg", time.Now())
	c := upload("100", "c.jpg", time.Now())

	for _, rec := range []storage.Record{a, b, c} {
		require.NoError(t, repo.Upsert(ctx, rec))
	}

	require.NoError(t, repo.DeleteMany(ctx, []string{a.ID, b.ID}))
	require.NoError(t, repo.DeleteMany(ctx, nil))

	records, err := repo.GetByParent(ctx, storage.DirectionUpload, "100")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, c.ID, records[0].ID)

	require.NoError(t, repo.Delete(ctx, c.ID))

	_, err = repo.Get(ctx, c.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFileRepository(t *testing.T) {
	ctx := context.Background()

	db, err := InitDB(filepath.Join(t.TempDir(), "files.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewFileRepository(db)

	require.NoError(t, repo.SaveFile(ctx, storage.FileMetadata{ID: "f1", ParentID: "100", Name: "a.jpg", Size: 10}))
	require.NoError(t, repo.SaveFile(ctx, storage.FileMetadata{ID: "f1", ParentID: "100", Name: "a.jpg", Size: 20, ContentType: "image/jpeg"}))

	file, err := repo.GetFile(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), file.Size)
	assert.Equal(t, "image/jpeg", file.ContentType)

	_, err = repo.GetFile(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInstrumentedRepositoryWithoutTelemetry(t *testing.T) {
	ctx := context.Background()

	db, err := InitDB(filepath.Join(t.TempDir(), "instrumented.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewInstrumentedTransferRepository(db, nil)
	rec := upload("100", "a.jpg", time.Now())

	require.NoError(t, repo.Upsert(ctx, rec))

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Name, got.Name)

	count, err := repo.CountByParent(ctx, storage.DirectionUpload, "100")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
