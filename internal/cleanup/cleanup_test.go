package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/italolelis/drivequeue/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, age time.Duration) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte("partial"), 0o600))

	mod := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func exists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

func TestDeleteStaleTemp(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(t, err)

	defer db.Close()

	store := sqlite.NewTransferRepository(db)

	live := storage.NewDownload("1", "42", "100", "f-1", "a.txt", "")
	require.NoError(t, store.Upsert(ctx, live))

	stale := filepath.Join(dir, "orphan.part")
	staleTemp := filepath.Join(dir, "tmp-orphan2.part")
	fresh := filepath.Join(dir, "fresh.part")
	owned := filepath.Join(dir, live.ID+".part")
	other := filepath.Join(dir, "photo.jpg")

	touch(t, stale, 48*time.Hour)
	touch(t, staleTemp, 48*time.Hour)
	touch(t, fresh, time.Minute)
	touch(t, owned, 48*time.Hour)
	touch(t, other, 48*time.Hour)

	n, err := DeleteStaleTemp(ctx, dir, 24*time.Hour, store)
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.False(t, exists(stale))
	assert.False(t, exists(staleTemp))
	assert.True(t, exists(fresh))
	assert.True(t, exists(owned))
	assert.True(t, exists(other))
}

func TestDeleteStaleTempMissingDir(t *testing.T) {
	n, err := DeleteStaleTemp(context.Background(), filepath.Join(t.TempDir(), "missing"), time.Hour, nil)

	require.NoError(t, err)
	assert.Zero(t, n)
}
