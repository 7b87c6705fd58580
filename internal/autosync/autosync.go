// Package autosync uploads every file that appears in a watched directory.
package autosync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/italolelis/drivequeue/internal/broadcast"
	"github.com/italolelis/drivequeue/internal/logctx"
	"github.com/italolelis/drivequeue/internal/storage"
)

// DefaultDebounce is how long a file must stay quiet before it is enqueued.
const DefaultDebounce = 2 * time.Second

// Enqueuer accepts new upload records.
type Enqueuer interface {
	Enqueue(ctx context.Context, rec storage.Record)
}

type Config struct {
	Dir      string
	DriveID  string
	ParentID string
	UserID   string
	Debounce time.Duration
	// RetryBudget overrides the default budget of produced records when set.
	RetryBudget int
}

// Event is published on Syncer.Events, keyed by parent ID, when a container
// stops accepting automatic uploads.
type Event struct {
	ParentID string
	Reason   string
}

// Syncer watches a directory and enqueues an upload for each file that is
// created or modified in it. Subdirectories are not followed.
type Syncer struct {
	cfg   Config
	queue Enqueuer

	Events *broadcast.Broadcaster[Event]

	mu       sync.Mutex
	ctx      context.Context
	watcher  *fsnotify.Watcher
	timers   map[string]*time.Timer
	disabled map[string]struct{}
}

func New(cfg Config, q Enqueuer) *Syncer {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	return &Syncer{
		cfg:      cfg,
		queue:    q,
		Events:   broadcast.New[Event](),
		timers:   make(map[string]*time.Timer),
		disabled: make(map[string]struct{}),
	}
}

// Start enqueues the files already in the directory and then watches it
// until ctx is done or Close is called.
func (s *Syncer) Start(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("dir", s.cfg.Dir, "parent_id", s.cfg.ParentID)
	ctx = logctx.WithLogger(ctx, logger)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := w.Add(s.cfg.Dir); err != nil {
		w.Close()

		return fmt.Errorf("failed to watch %s: %w", s.cfg.Dir, err)
	}

	s.mu.Lock()
	s.ctx = ctx
	s.watcher = w
	s.mu.Unlock()

	if _, err := s.Scan(ctx); err != nil {
		logger.Error("failed to scan sync directory", "err", err)
	}

	s.watch(ctx, w)

	logger.Info("autosync started")

	return nil
}

func (s *Syncer) watch(ctx context.Context, w *fsnotify.Watcher) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("autosync panic", "panic", r, "stack", string(debug.Stack()))

				if ctx.Err() == nil {
					logger.Info("restarting autosync after panic")
					time.Sleep(time.Second)
					s.watch(ctx, w)
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				logger.Info("autosync shutdown", "reason", "context_cancelled")

				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}

				if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
					s.schedule(event.Name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}

				logger.Error("watcher error", "err", err)
			}
		}
	}()
}

// schedule (re)arms the quiet period of path.
func (s *Syncer) schedule(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[path]; ok {
		t.Reset(s.cfg.Debounce)

		return
	}

	s.timers[path] = time.AfterFunc(s.cfg.Debounce, func() {
		s.mu.Lock()
		delete(s.timers, path)
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil || ctx.Err() != nil {
			return
		}

		s.enqueue(ctx, path)
	})
}

// Scan enqueues every eligible file currently in the directory and returns
// how many were handed to the queue.
func (s *Syncer) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", s.cfg.Dir, err)
	}

	var n int

	for _, e := range entries {
		if s.enqueue(ctx, filepath.Join(s.cfg.Dir, e.Name())) {
			n++
		}
	}

	return n, nil
}

func (s *Syncer) enqueue(ctx context.Context, path string) bool {
	logger := logctx.LoggerFromContext(ctx).With("path", path)

	if !s.Enabled(s.cfg.ParentID) {
		logger.Debug("autosync disabled for container, skipping file")

		return false
	}

	name := filepath.Base(path)
	if ignored(name) {
		return false
	}

	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error("failed to stat file", "err", err)
		}

		return false
	}

	if !info.Mode().IsRegular() {
		return false
	}

	rec := storage.NewUpload(s.cfg.DriveID, s.cfg.UserID, s.cfg.ParentID, name, path)
	rec.Size = info.Size()

	if s.cfg.RetryBudget > 0 {
		rec.RetryBudget = s.cfg.RetryBudget
	}

	logger.Info("enqueueing file for upload", "transfer_id", rec.ID, "size", humanize.Bytes(uint64(info.Size())))

	s.queue.Enqueue(ctx, rec)

	return true
}

// ignored filters hidden files and partial payloads.
func ignored(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part")
}

// Disable stops automatic uploads into parentID. Queued records are left
// alone.
func (s *Syncer) Disable(ctx context.Context, parentID string) {
	s.mu.Lock()
	_, already := s.disabled[parentID]
	s.disabled[parentID] = struct{}{}
	s.mu.Unlock()

	if already {
		return
	}

	logctx.LoggerFromContext(ctx).Warn("autosync disabled for container", "parent_id", parentID)

	s.Events.Publish(parentID, Event{ParentID: parentID, Reason: "target container not found"})
}

// Enable resumes automatic uploads into parentID.
func (s *Syncer) Enable(parentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.disabled, parentID)
}

func (s *Syncer) Enabled(parentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, disabled := s.disabled[parentID]

	return !disabled
}

// Close stops the watcher and drops pending debounce timers.
func (s *Syncer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for path, t := range s.timers {
		t.Stop()
		delete(s.timers, path)
	}

	if s.watcher == nil {
		return nil
	}

	err := s.watcher.Close()
	s.watcher = nil

	return err
}
