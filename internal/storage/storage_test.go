package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIDIsStable(t *testing.T) {
	a := NewID(DirectionUpload, "1", "42", "100", "photo.jpg")
	b := NewID(DirectionUpload, "1", "42", "100", "photo.jpg")
	c := NewID(DirectionDownload, "1", "42", "100", "photo.jpg")
	d := NewID(DirectionUpload, "1", "42", "101", "photo.jpg")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestRecordTerminal(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		budget int
		want   bool
	}{
		{"pending", StatusPending, 3, false},
		{"running", StatusRunning, 1, false},
		{"failed with budget", StatusFailed, 2, false},
		{"failed exhausted", StatusFailed, 0, true},
		{"succeeded", StatusSucceeded, 3, true},
		{"cancelled", StatusCancelled, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Record{Status: tt.status, RetryBudget: tt.budget}
			assert.Equal(t, tt.want, r.Terminal())
		})
	}
}

func TestRecordFailAndReset(t *testing.T) {
	r := NewUpload("1", "42", "100", "a.txt", "/tmp/a.txt")
	r.RetryBudget = 0

	r.Fail(ErrorKindNetwork, "", errors.New("connection reset"))
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, ErrorKindNetwork, r.ErrorKind())
	assert.Equal(t, "networkError: connection reset", r.LastError.Error())

	r.ResetError()
	assert.Equal(t, StatusPending, r.Status)
	assert.Nil(t, r.LastError)
	assert.Equal(t, DefaultRetryBudget, r.RetryBudget)
}

func TestErrorKindClassification(t *testing.T) {
	assert.True(t, ErrorKindNetwork.Retryable())
	assert.True(t, ErrorKindServer.Retryable())
	assert.True(t, ErrorKindLocal.Retryable())
	assert.False(t, ErrorKindToken.Retryable())
	assert.False(t, ErrorKindQuotaExceeded.Retryable())
	assert.False(t, ErrorKindTaskCancelled.Retryable())

	assert.True(t, ErrorKindObjectNotFound.IsServer())
	assert.True(t, ErrorKindAlreadyExists.IsServer())
	assert.False(t, ErrorKindNetwork.IsServer())
}

func TestTransferErrorWithCode(t *testing.T) {
	e := &TransferError{Kind: ErrorKindServer, Code: "quota_exceeded_error", Message: "no space"}
	assert.Equal(t, "serverError (quota_exceeded_error): no space", e.Error())
}

func TestContainerContains(t *testing.T) {
	rec := NewUpload("1", "42", "100", "a.jpg", "")

	tests := []struct {
		name string
		c    Container
		want bool
	}{
		{"same container", ContainerOf(rec), true},
		{"any drive and user", Container{ParentID: "100"}, true},
		{"other drive", Container{DriveID: "2", UserID: "42", ParentID: "100"}, false},
		{"other user", Container{DriveID: "1", UserID: "7", ParentID: "100"}, false},
		{"other parent", Container{DriveID: "1", UserID: "42", ParentID: "200"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.c.Contains(rec))
		})
	}
}
