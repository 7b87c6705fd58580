package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/drivequeue/internal/logctx"
	"github.com/italolelis/drivequeue/internal/storage"
)

const partSuffix = ".part"

// DeleteStaleTemp removes partial payloads in dir that were last written more
// than keepFor ago. Parts that still belong to a stored transfer are kept.
// It returns the number of files removed.
func DeleteStaleTemp(ctx context.Context, dir string, keepFor time.Duration, store storage.TransferReadRepository) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, err
	}

	now := time.Now()
	removed := 0

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), partSuffix) {
			continue
		}

		filePath := filepath.Join(dir, e.Name())

		info, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // finished meanwhile
			}

			logger.Error("Failed to stat file", "file", filePath, "err", err)

			return removed, err
		}

		if now.Sub(info.ModTime()) <= keepFor {
			continue
		}

		if store != nil && owned(ctx, store, e.Name()) {
			logger.Debug("Keeping stale part of a stored transfer", "file", filePath)

			continue
		}

		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete stale file", "file", filePath, "err", err)

			return removed, err
		}

		removed++

		logger.Info("Deleted stale file", "file", filePath, "size", humanize.Bytes(uint64(info.Size())))
	}

	return removed, nil
}

// owned reports whether the part file name maps to a record in the store.
// Parts are named <id>.part or tmp-<id>.part.
func owned(ctx context.Context, store storage.TransferReadRepository, name string) bool {
	id := strings.TrimPrefix(strings.TrimSuffix(name, partSuffix), "tmp-")

	_, err := store.Get(ctx, id)
	if err == nil {
		return true
	}

	if !errors.Is(err, storage.ErrNotFound) {
		logctx.LoggerFromContext(ctx).Error("Failed to look up transfer for part file", "transfer_id", id, "err", err)

		return true
	}

	return false
}
