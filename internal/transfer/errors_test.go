package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "network with status",
			err:  &NetworkError{Operation: "upload", StatusCode: 503, Message: "service unavailable"},
			want: "network error during upload (HTTP 503): service unavailable",
		},
		{
			name: "network without status",
			err:  &NetworkError{Operation: "upload", Message: "connection timeout"},
			want: "network error during upload: connection timeout",
		},
		{
			name: "server with code",
			err:  &ServerError{Operation: "upload", StatusCode: 507, Code: CodeQuotaExceeded, Message: "full"},
			want: "server error during upload (HTTP 507, quota_exceeded_error): full",
		},
		{
			name: "server without code",
			err:  &ServerError{Operation: "download", StatusCode: 500, Message: "oops"},
			want: "server error during download (HTTP 500): oops",
		},
		{
			name: "local",
			err:  &LocalError{Path: "/tmp/a", Op: "open", Err: os.ErrNotExist},
			want: "local error during open of '/tmp/a': file does not exist",
		},
		{
			name: "token",
			err:  &TokenError{UserID: "42", Err: errors.New("unauthorized")},
			want: "no upload token for user 42: unauthorized",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("root cause")

	tests := []struct {
		name string
		err  error
	}{
		{"network", &NetworkError{Operation: "upload", Err: base}},
		{"server", &ServerError{Operation: "upload", Err: base}},
		{"local", &LocalError{Op: "move", Err: base}},
		{"token", &TokenError{UserID: "1", Err: base}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("attempt failed: %w", tt.err)
			assert.ErrorIs(t, wrapped, base)
		})
	}

	var serverErr *ServerError
	require.ErrorAs(t, fmt.Errorf("x: %w", &ServerError{Code: CodeObjectNotFound}), &serverErr)
	assert.Equal(t, CodeObjectNotFound, serverErr.Code)
}

func TestFailedClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind OutcomeKind
		wantErr  storage.ErrorKind
	}{
		{"nil", nil, OutcomeSuccess, storage.ErrorKindNone},
		{"cancelled", fmt.Errorf("put: %w", context.Canceled), OutcomeClientError, storage.ErrorKindTaskCancelled},
		{"deadline", context.DeadlineExceeded, OutcomeNetworkError, storage.ErrorKindNetwork},
		{"network", &NetworkError{Operation: "upload", StatusCode: 502}, OutcomeNetworkError, storage.ErrorKindNetwork},
		{"generic server", &ServerError{StatusCode: 500}, OutcomeServerError, storage.ErrorKindServer},
		{"not found", &ServerError{StatusCode: 404, Code: CodeObjectNotFound}, OutcomeServerError, storage.ErrorKindObjectNotFound},
		{"quota", &ServerError{StatusCode: 507, Code: CodeQuotaExceeded}, OutcomeServerError, storage.ErrorKindQuotaExceeded},
		{"exists", &ServerError{StatusCode: 409, Code: CodeAlreadyExists}, OutcomeServerError, storage.ErrorKindAlreadyExists},
		{"local", &LocalError{Op: "open", Err: os.ErrPermission}, OutcomeNetworkError, storage.ErrorKindLocal},
		{"unknown", errors.New("weird"), OutcomeNetworkError, storage.ErrorKindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Failed(tt.err)
			assert.Equal(t, tt.wantKind, out.Kind)
			assert.Equal(t, tt.wantErr, out.ErrorKind())
		})
	}
}
