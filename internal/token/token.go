package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/drivequeue/internal/logctx"
	"github.com/italolelis/drivequeue/internal/telemetry"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultNearExpiry is how long before expiry a cached token is treated as stale.
	DefaultNearExpiry = 60 * time.Second
	// DefaultFetchTimeout bounds a single fetch, independent of the callers waiting on it.
	DefaultFetchTimeout = 30 * time.Second
)

// ErrNoToken is returned when no usable token could be obtained.
var ErrNoToken = errors.New("no upload token available")

// Fetcher obtains a fresh upload token for a user.
type Fetcher interface {
	FetchToken(ctx context.Context, userID string) (*oauth2.Token, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, userID string) (*oauth2.Token, error)

func (f FetcherFunc) FetchToken(ctx context.Context, userID string) (*oauth2.Token, error) {
	return f(ctx, userID)
}

// Manager caches one token per user and makes sure concurrent requests for
// the same user share a single fetch. Requests for different users never
// wait on each other.
type Manager struct {
	fetcher      Fetcher
	nearExpiry   time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	telemetry    *telemetry.Telemetry

	group singleflight.Group

	mu     sync.Mutex
	tokens map[string]*oauth2.Token
}

type Option func(*Manager)

func WithNearExpiry(d time.Duration) Option {
	return func(m *Manager) { m.nearExpiry = d }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(m *Manager) { m.fetchTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(m *Manager) { m.telemetry = tel }
}

func NewManager(fetcher Fetcher, opts ...Option) *Manager {
	m := &Manager{
		fetcher:      fetcher,
		nearExpiry:   DefaultNearExpiry,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		tokens:       make(map[string]*oauth2.Token),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Get returns a valid token for userID, fetching one if the cache holds
// nothing usable. It blocks until the token is available or ctx is done.
// A failed fetch is not retried here.
func (m *Manager) Get(ctx context.Context, userID string) (*oauth2.Token, error) {
	if tok := m.cached(userID); tok != nil {
		m.telemetry.RecordTokenCacheHit()

		return tok, nil
	}

	ch := m.group.DoChan(userID, func() (any, error) {
		if tok := m.cached(userID); tok != nil {
			return tok, nil
		}

		return m.fetch(ctx, userID)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrNoToken, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoToken, res.Err)
		}

		return res.Val.(*oauth2.Token), nil
	}
}

// Invalidate drops the cached token of a user, typically after the server
// rejected it.
func (m *Manager) Invalidate(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, userID)
}

func (m *Manager) fetch(ctx context.Context, userID string) (*oauth2.Token, error) {
	logger := logctx.LoggerFromContext(ctx).With("user_id", userID)

	// The fetch outlives the caller that started it; others may be waiting.
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.fetchTimeout)
	defer cancel()

	tok, err := m.fetcher.FetchToken(fetchCtx, userID)
	if err == nil && !m.valid(tok) {
		err = errors.New("fetched token is empty or already expired")
	}

	if err != nil {
		m.telemetry.RecordTokenFetch("error")
		logger.Warn("failed to fetch upload token", "err", err)

		return nil, err
	}

	m.telemetry.RecordTokenFetch("success")
	logger.Debug("fetched upload token", "expiry", tok.Expiry)

	m.mu.Lock()
	m.tokens[userID] = tok
	m.mu.Unlock()

	return tok, nil
}

func (m *Manager) cached(userID string) *oauth2.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[userID]
	if !ok {
		return nil
	}

	if !m.valid(tok) {
		delete(m.tokens, userID)

		return nil
	}

	return tok
}

func (m *Manager) valid(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}

	if tok.Expiry.IsZero() {
		return true
	}

	return m.now().Add(m.nearExpiry).Before(tok.Expiry)
}
