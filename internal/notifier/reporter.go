package notifier

import (
	"context"
	"fmt"

	"github.com/italolelis/drivequeue/internal/autosync"
	"github.com/italolelis/drivequeue/internal/broadcast"
	"github.com/italolelis/drivequeue/internal/logctx"
	"github.com/italolelis/drivequeue/internal/queue"
	"github.com/italolelis/drivequeue/internal/storage"
)

const backlog = 64

// Reporter turns queue and autosync events into notifications. Events are
// buffered and delivered by Run, so publishers never wait on the webhook.
type Reporter struct {
	notifier Notifier
	messages chan string
}

func NewReporter(n Notifier) *Reporter {
	return &Reporter{notifier: n, messages: make(chan string, backlog)}
}

// WatchQueue subscribes to every container of q.
func (r *Reporter) WatchQueue(ctx context.Context, q *queue.Queue) broadcast.Handle {
	return q.Containers.SubscribeFunc(broadcast.AllKeys, func(e queue.Event) {
		if msg, ok := queueMessage(e); ok {
			r.send(ctx, msg)
		}
	})
}

// WatchAutosync reports containers that stopped accepting automatic uploads.
func (r *Reporter) WatchAutosync(ctx context.Context, s *autosync.Syncer) broadcast.Handle {
	return s.Events.SubscribeFunc(broadcast.AllKeys, func(e autosync.Event) {
		r.send(ctx, fmt.Sprintf("⏸️ Auto sync disabled for folder %s: %s", e.ParentID, e.Reason))
	})
}

func queueMessage(e queue.Event) (string, bool) {
	switch e.Type {
	case queue.EventFinished:
		if !e.Removed {
			return "", false
		}

		switch e.Record.Status {
		case storage.StatusSucceeded:
			return fmt.Sprintf("✅ %s finished: %s", directionLabel(e.Direction), e.Record.Name), true
		case storage.StatusFailed:
			return fmt.Sprintf("❌ %s failed: %s (%s)", directionLabel(e.Direction), e.Record.Name, e.Record.ErrorKind()), true
		}
	case queue.EventCancelled:
		return fmt.Sprintf("🛑 %d %s(s) cancelled in folder %s", len(e.CancelledIDs), e.Direction, e.ParentID), true
	}

	return "", false
}

func directionLabel(d storage.Direction) string {
	if d == storage.DirectionUpload {
		return "Upload"
	}

	return "Download"
}

func (r *Reporter) send(ctx context.Context, msg string) {
	select {
	case r.messages <- msg:
	default:
		logctx.LoggerFromContext(ctx).Warn("notification backlog full, dropping message", "message", msg)
	}
}

// Run delivers buffered notifications until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.messages:
			if err := r.notifier.Notify(ctx, msg); err != nil {
				logger.Error("failed to send notification", "err", err)
			}
		}
	}
}
