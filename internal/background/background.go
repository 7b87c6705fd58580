// Package background continues transfers after the process loses its
// foreground execution time.
//
// Workers protect their in-flight request with the Manager. When ExpireAll
// signals that execution time is running out, every protected request is
// stopped, and a worker whose request did not finish on its own hands it to
// a Channel, which keeps running it detached from the worker as long as a
// continuation slot is free. Completions come back through handlers
// registered per direction, possibly in a later process that reattached to
// the channel.
package background

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/italolelis/drivequeue/internal/logctx"
	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/italolelis/drivequeue/internal/telemetry"
	"github.com/italolelis/drivequeue/internal/transfer"
	"golang.org/x/oauth2"
	"golang.org/x/sync/semaphore"
)

// DefaultCapacity bounds how many transfers the channel continues at once.
const DefaultCapacity = 10

var (
	// ErrExpiring is the cancellation cause of a worker stopped by ExpireAll,
	// and the error of a continuation that could not be scheduled.
	ErrExpiring = errors.New("background execution time expired")
	// ErrChannelClosed is the cancellation cause of operations still running
	// when their channel is closed. Their completions are not delivered.
	ErrChannelClosed = errors.New("background channel closed")
	// ErrUnknownHandle is returned for handles the channel does not know.
	ErrUnknownHandle = errors.New("unknown background handle")
)

// Request is everything needed to run a transfer without its worker.
type Request struct {
	Direction storage.Direction
	Record    storage.Record
	Token     *oauth2.Token
	// SourcePath is the upload source or the download payload destination.
	SourcePath string
}

// Handle identifies an operation owned by the channel. ID doubles as the
// remote locator persisted on the record.
type Handle struct {
	ID        string
	RecordID  string
	Direction storage.Direction
}

// Completion reports the end of a channel operation.
type Completion struct {
	Handle  Handle
	Request Request
	Outcome transfer.Outcome
}

// CompletionFunc consumes a completion. It runs on a channel goroutine.
type CompletionFunc func(ctx context.Context, c Completion)

// Channel runs transfers on behalf of workers that are going away.
type Channel interface {
	Schedule(ctx context.Context, req Request) (Handle, error)
	// Running lists operations whose completion has not been delivered yet.
	Running(ctx context.Context, dir storage.Direction) ([]Handle, error)
	AttachCompletion(id string, fn CompletionFunc) error
	Cancel(id string) error
	// CompletionsAvailable tells the channel the process is ready to receive
	// completions that finished while no handler was attached.
	CompletionsAvailable()
}

type owned struct {
	handle Handle
	slot   bool
}

// Manager tracks protected and background owned operations.
type Manager struct {
	channel   Channel
	slots     *semaphore.Weighted
	telemetry *telemetry.Telemetry

	mu        sync.Mutex
	protected map[string]*Protection
	owned     map[string]owned
	handlers  map[storage.Direction]CompletionFunc
}

func NewManager(channel Channel, capacity int, tel *telemetry.Telemetry) *Manager {
	if capacity < 0 {
		capacity = 0
	}

	return &Manager{
		channel:   channel,
		slots:     semaphore.NewWeighted(int64(capacity)),
		telemetry: tel,
		protected: make(map[string]*Protection),
		owned:     make(map[string]owned),
		handlers:  make(map[storage.Direction]CompletionFunc),
	}
}

// RegisterHandler sets the function finishing operations of dir that
// completed in the background.
func (m *Manager) RegisterHandler(dir storage.Direction, fn CompletionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[dir] = fn
}

// Protection marks a worker's operation as eligible for continuation.
type Protection struct {
	m        *Manager
	recordID string

	mu      sync.Mutex
	req     *Request
	stop    func()
	done    bool
	expired bool
}

// Protect registers an operation for recordID. When execution time runs out,
// ExpireAll calls stop at most once; stop must abort the operation's request.
// The worker then decides, from what its request returned, whether to hand it
// to the channel with Continue.
func (m *Manager) Protect(recordID string, stop func()) *Protection {
	p := &Protection{m: m, recordID: recordID, stop: stop}

	m.mu.Lock()
	m.protected[recordID] = p
	m.mu.Unlock()

	return p
}

// SetRequest records the request to replay if the operation is handed off.
// Before it is set the operation cannot be continued.
func (p *Protection) SetRequest(req Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.req = &req
}

// Release ends the protection. It is safe to call more than once.
func (p *Protection) Release() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()

	p.m.mu.Lock()
	if p.m.protected[p.recordID] == p {
		delete(p.m.protected, p.recordID)
	}
	p.m.mu.Unlock()
}

// Expired reports whether ExpireAll stopped the operation.
func (p *Protection) Expired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.expired
}

func (p *Protection) expire() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return nil, false
	}

	p.done = true
	p.expired = true

	return p.stop, true
}

// Continue hands the protected request to the channel. scheduled runs with
// the new handle before any completion of it can be delivered. The error
// wraps ErrExpiring when no request was set or no continuation slot is free.
func (p *Protection) Continue(ctx context.Context, scheduled func(Handle)) (Handle, error) {
	m := p.m
	logger := logctx.LoggerFromContext(ctx)

	p.mu.Lock()
	req := p.req
	p.mu.Unlock()

	if req == nil {
		m.telemetry.RecordBackgroundHandoff("not_started")

		return Handle{}, fmt.Errorf("%w: request not started", ErrExpiring)
	}

	h, err := m.handoff(ctx, *req)
	if err != nil {
		logger.Warn("failed to continue transfer in background", "transfer_id", p.recordID, "err", err)

		return Handle{}, err
	}

	scheduled(h)

	if err := m.channel.AttachCompletion(h.ID, m.complete); err != nil {
		logger.Error("failed to attach to background operation", "transfer_id", p.recordID, "err", err)
		m.forget(h.RecordID)
	}

	return h, nil
}

// ExpireAll stops every protected operation. Workers hand the stopped
// requests to the channel while slots are free and expire the rest.
func (m *Manager) ExpireAll(ctx context.Context) {
	m.mu.Lock()
	protections := make([]*Protection, 0, len(m.protected))
	for _, p := range m.protected {
		protections = append(protections, p)
	}
	m.protected = make(map[string]*Protection)
	m.mu.Unlock()

	logctx.LoggerFromContext(ctx).Info("background execution expiring", "protected", len(protections))

	for _, p := range protections {
		if stop, ok := p.expire(); ok && stop != nil {
			stop()
		}
	}
}

func (m *Manager) handoff(ctx context.Context, req Request) (Handle, error) {
	if !m.slots.TryAcquire(1) {
		m.telemetry.RecordBackgroundHandoff("no_capacity")

		return Handle{}, fmt.Errorf("%w: no continuation slot left", ErrExpiring)
	}

	h, err := m.channel.Schedule(ctx, req)
	if err != nil {
		m.slots.Release(1)
		m.telemetry.RecordBackgroundHandoff("error")

		return Handle{}, fmt.Errorf("%w: %w", ErrExpiring, err)
	}

	m.mu.Lock()
	m.owned[h.RecordID] = owned{handle: h, slot: true}
	m.mu.Unlock()

	m.telemetry.RecordBackgroundHandoff("scheduled")

	return h, nil
}

// Reattach adopts the channel operations of dir left by a previous process
// and returns them. Their completions are delivered to the registered handler.
func (m *Manager) Reattach(ctx context.Context, dir storage.Direction) ([]Handle, error) {
	logger := logctx.LoggerFromContext(ctx)

	handles, err := m.channel.Running(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list background operations: %w", err)
	}

	for _, h := range handles {
		m.mu.Lock()
		if _, ok := m.owned[h.RecordID]; ok {
			m.mu.Unlock()

			continue
		}

		m.owned[h.RecordID] = owned{handle: h, slot: m.slots.TryAcquire(1)}
		m.mu.Unlock()

		if err := m.channel.AttachCompletion(h.ID, m.complete); err != nil {
			logger.Warn("failed to attach to background operation", "transfer_id", h.RecordID, "err", err)

			m.forget(h.RecordID)
		}
	}

	m.channel.CompletionsAvailable()

	if len(handles) > 0 {
		logger.Info("reattached background transfers", "direction", dir, "count", len(handles))
	}

	return handles, nil
}

// Owns reports whether the channel currently runs the operation of recordID.
func (m *Manager) Owns(recordID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.owned[recordID]

	return ok
}

// Cancel stops the background operation of recordID, if any. Its completion
// is still delivered, as a client error.
func (m *Manager) Cancel(recordID string) bool {
	m.mu.Lock()
	o, ok := m.owned[recordID]
	m.mu.Unlock()

	if !ok {
		return false
	}

	return m.channel.Cancel(o.handle.ID) == nil
}

// InFlight returns the number of operations owned by the channel.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.owned)
}

func (m *Manager) forget(recordID string) {
	m.mu.Lock()
	o, ok := m.owned[recordID]
	delete(m.owned, recordID)
	m.mu.Unlock()

	if ok && o.slot {
		m.slots.Release(1)
	}
}

func (m *Manager) complete(ctx context.Context, c Completion) {
	m.forget(c.Handle.RecordID)

	m.mu.Lock()
	handler := m.handlers[c.Handle.Direction]
	m.mu.Unlock()

	if handler == nil {
		logctx.LoggerFromContext(ctx).Warn("no handler for background completion",
			"transfer_id", c.Handle.RecordID, "direction", c.Handle.Direction)

		return
	}

	handler(logctx.WithTransfer(ctx, c.Handle.RecordID, string(c.Handle.Direction)), c)
}
