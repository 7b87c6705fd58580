package background

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/drivequeue/internal/logctx"
	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/italolelis/drivequeue/internal/transfer"
)

// DefaultResourceTimeout bounds how long the channel keeps an operation alive.
const DefaultResourceTimeout = 72 * time.Hour

// PerformFunc executes a request handed to the channel.
type PerformFunc func(ctx context.Context, req Request) transfer.Outcome

type localOp struct {
	handle  Handle
	req     Request
	cancel  context.CancelFunc
	done    bool
	outcome transfer.Outcome
	handler CompletionFunc
}

// LocalChannel runs handed off requests on goroutines detached from the
// workers that scheduled them. Completions without an attached handler are
// kept until a handler attaches and the channel is ready.
type LocalChannel struct {
	perform         PerformFunc
	resourceTimeout time.Duration
	session         string

	base   context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	ops   map[string]*localOp
	ready bool
}

func NewLocalChannel(ctx context.Context, perform PerformFunc, resourceTimeout time.Duration) *LocalChannel {
	if resourceTimeout <= 0 {
		resourceTimeout = DefaultResourceTimeout
	}

	base, cancel := context.WithCancelCause(context.WithoutCancel(ctx))

	return &LocalChannel{
		perform:         perform,
		resourceTimeout: resourceTimeout,
		session:         NewSessionID(),
		base:            base,
		cancel:          cancel,
		ops:             make(map[string]*localOp),
		ready:           true,
	}
}

// NewSessionID returns a unique string for this process (hostname+pid+random).
func NewSessionID() string {
	host, _ := os.Hostname()

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8]
}

func (c *LocalChannel) Schedule(ctx context.Context, req Request) (Handle, error) {
	if c.base.Err() != nil {
		return Handle{}, fmt.Errorf("failed to schedule %s: %w", req.Record.ID, context.Cause(c.base))
	}

	h := Handle{
		ID:        c.session + "/" + uuid.NewString(),
		RecordID:  req.Record.ID,
		Direction: req.Direction,
	}

	logger := logctx.LoggerFromContext(ctx)
	opCtx, cancel := context.WithTimeout(logctx.WithLogger(c.base, logger), c.resourceTimeout)
	op := &localOp{handle: h, req: req, cancel: cancel}

	c.mu.Lock()
	c.ops[h.ID] = op
	c.mu.Unlock()

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer cancel()

		outcome := c.perform(opCtx, req)

		if errors.Is(context.Cause(opCtx), ErrChannelClosed) {
			// The record keeps its locator; recovery runs it again.
			c.mu.Lock()
			delete(c.ops, h.ID)
			c.mu.Unlock()

			logger.Info("background transfer interrupted by channel close",
				"transfer_id", h.RecordID, "remote_locator", h.ID)

			return
		}

		c.mu.Lock()
		op.done = true
		op.outcome = outcome
		deliver := c.ready && op.handler != nil
		if deliver {
			delete(c.ops, h.ID)
		}
		c.mu.Unlock()

		if deliver {
			c.deliver(op)
		}
	}()

	return h, nil
}

func (c *LocalChannel) Running(_ context.Context, dir storage.Direction) ([]Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var handles []Handle

	for _, op := range c.ops {
		if op.handle.Direction == dir {
			handles = append(handles, op.handle)
		}
	}

	return handles, nil
}

func (c *LocalChannel) AttachCompletion(id string, fn CompletionFunc) error {
	c.mu.Lock()

	op, ok := c.ops[id]
	if !ok {
		c.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrUnknownHandle, id)
	}

	op.handler = fn
	deliver := c.ready && op.done
	if deliver {
		delete(c.ops, id)
	}

	c.mu.Unlock()

	if deliver {
		c.wg.Add(1)

		go func() {
			defer c.wg.Done()
			c.deliver(op)
		}()
	}

	return nil
}

func (c *LocalChannel) Cancel(id string) error {
	c.mu.Lock()
	op, ok := c.ops[id]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, id)
	}

	op.cancel()

	return nil
}

func (c *LocalChannel) CompletionsAvailable() {
	c.mu.Lock()

	c.ready = true

	var pending []*localOp

	for id, op := range c.ops {
		if op.done && op.handler != nil {
			pending = append(pending, op)
			delete(c.ops, id)
		}
	}

	c.mu.Unlock()

	for _, op := range pending {
		c.wg.Add(1)

		go func(op *localOp) {
			defer c.wg.Done()
			c.deliver(op)
		}(op)
	}
}

// Detach drops every attached handler and holds completions back until the
// next CompletionsAvailable, the way a relaunched process finds the channel.
func (c *LocalChannel) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ready = false

	for _, op := range c.ops {
		op.handler = nil
	}
}

// Close cancels every operation and waits for the goroutines to return.
// Operations interrupted this way never complete; their records are left as
// they are for the next recovery.
func (c *LocalChannel) Close() {
	c.cancel(ErrChannelClosed)
	c.wg.Wait()
}

func (c *LocalChannel) deliver(op *localOp) {
	op.handler(context.WithoutCancel(c.base), Completion{Handle: op.handle, Request: op.req, Outcome: op.outcome})
}
