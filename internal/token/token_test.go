package token

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type countingFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	expiry  time.Time
	err     error
}

func (f *countingFetcher) FetchToken(ctx context.Context, userID string) (*oauth2.Token, error) {
	f.calls.Add(1)

	if f.release != nil {
		<-f.release
	}

	if f.err != nil {
		return nil, f.err
	}

	return &oauth2.Token{AccessToken: "tok-" + userID, Expiry: f.expiry}, nil
}

func TestGetFetchesOncePerUser(t *testing.T) {
	f := &countingFetcher{release: make(chan struct{}), expiry: time.Now().Add(time.Hour)}
	m := NewManager(f)

	var wg sync.WaitGroup

	tokens := make([]*oauth2.Token, 10)
	for i := range tokens {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			tok, err := m.Get(context.Background(), "42")
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(f.release)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())

	for _, tok := range tokens {
		require.NotNil(t, tok)
		assert.Equal(t, "tok-42", tok.AccessToken)
	}
}

func TestGetDoesNotSerializeUsers(t *testing.T) {
	blocked := make(chan struct{})

	m := NewManager(FetcherFunc(func(ctx context.Context, userID string) (*oauth2.Token, error) {
		if userID == "slow" {
			<-blocked
		}

		return &oauth2.Token{AccessToken: userID}, nil
	}))

	go func() {
		_, _ = m.Get(context.Background(), "slow")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tok, err := m.Get(ctx, "fast")
	require.NoError(t, err)
	assert.Equal(t, "fast", tok.AccessToken)

	close(blocked)
}

func TestGetRefreshesNearExpiry(t *testing.T) {
	now := time.Now()
	f := &countingFetcher{expiry: now.Add(90 * time.Second)}
	m := NewManager(f, WithClock(func() time.Time { return now }), WithNearExpiry(60*time.Second))

	_, err := m.Get(context.Background(), "42")
	require.NoError(t, err)
	_, err = m.Get(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.calls.Load())

	now = now.Add(31 * time.Second)

	_, err = m.Get(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestGetRejectsTokenAlreadyNearExpiry(t *testing.T) {
	f := &countingFetcher{expiry: time.Now().Add(10 * time.Second)}
	m := NewManager(f)

	_, err := m.Get(context.Background(), "42")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestGetFailureIsNotRetried(t *testing.T) {
	cause := errors.New("credential endpoint down")
	f := &countingFetcher{err: cause}
	m := NewManager(f)

	_, err := m.Get(context.Background(), "42")
	assert.ErrorIs(t, err, ErrNoToken)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestGetCallerCancellationDoesNotAbortFetch(t *testing.T) {
	f := &countingFetcher{release: make(chan struct{})}
	m := NewManager(f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		_, err := m.Get(ctx, "42")
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, ErrNoToken)
	assert.ErrorIs(t, err, context.Canceled)

	close(f.release)

	require.Eventually(t, func() bool {
		return m.cached("42") != nil
	}, time.Second, 5*time.Millisecond)

	tok, err := m.Get(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "tok-42", tok.AccessToken)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestInvalidate(t *testing.T) {
	f := &countingFetcher{}
	m := NewManager(f)

	_, err := m.Get(context.Background(), "42")
	require.NoError(t, err)

	m.Invalidate("42")

	_, err = m.Get(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestClientCredentialsFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "42", r.PostForm.Get("user_id"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"abc","token_type":"bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	f := NewClientCredentialsFetcher("id", "secret", srv.URL, srv.Client())

	tok, err := f.FetchToken(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.True(t, tok.Expiry.After(time.Now()))
}

func TestStaticFetcher(t *testing.T) {
	tok, err := StaticFetcher{AccessToken: "static"}.FetchToken(context.Background(), "any")
	require.NoError(t, err)
	assert.Equal(t, "static", tok.AccessToken)
	assert.True(t, tok.Expiry.IsZero())
}
