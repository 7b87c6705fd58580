package transfer

import (
	"context"
	"errors"
	"io"

	"github.com/italolelis/drivequeue/internal/storage"
	"golang.org/x/oauth2"
)

// Server error codes the queues react to.
const (
	CodeObjectNotFound = "object_not_found"
	CodeQuotaExceeded  = "quota_exceeded_error"
	CodeAlreadyExists  = "file_already_exists_error"
)

// OutcomeKind is the coarse result of one network attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeClientError
	OutcomeNetworkError
	OutcomeServerError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeClientError:
		return "client_error"
	case OutcomeNetworkError:
		return "network_error"
	case OutcomeServerError:
		return "server_error"
	}

	return "unknown"
}

// Outcome is what a network collaborator reports for one attempt.
type Outcome struct {
	Kind OutcomeKind
	// File is the server view of the uploaded or downloaded file on success.
	File       *storage.FileMetadata
	Bytes      int64
	StatusCode int
	Code       string
	Err        error
}

// ProgressFunc receives the transferred and expected byte counts.
type ProgressFunc func(done, total int64)

// Uploader sends a local file to the storage service in a single request.
type Uploader interface {
	Upload(ctx context.Context, rec storage.Record, sourcePath string, token *oauth2.Token, progress ProgressFunc) Outcome
}

// Downloader streams a remote file into w.
type Downloader interface {
	Download(ctx context.Context, rec storage.Record, w io.Writer, progress ProgressFunc) Outcome
}

// Backend is a storage service that can move files both ways.
type Backend interface {
	Uploader
	Downloader
	Name() string
}

// Succeeded builds a success outcome.
func Succeeded(file *storage.FileMetadata, n int64) Outcome {
	return Outcome{Kind: OutcomeSuccess, File: file, Bytes: n}
}

// Failed turns err into an outcome, classifying it by type.
func Failed(err error) Outcome {
	var (
		serverErr  *ServerError
		networkErr *NetworkError
	)

	switch {
	case err == nil:
		return Outcome{Kind: OutcomeSuccess}
	case errors.Is(err, context.Canceled):
		return Outcome{Kind: OutcomeClientError, Err: err}
	case errors.As(err, &serverErr):
		return Outcome{Kind: OutcomeServerError, StatusCode: serverErr.StatusCode, Code: serverErr.Code, Err: err}
	case errors.As(err, &networkErr):
		return Outcome{Kind: OutcomeNetworkError, StatusCode: networkErr.StatusCode, Err: err}
	}

	// Timeouts, resets and anything unrecognized count as network failures.
	return Outcome{Kind: OutcomeNetworkError, Err: err}
}

// ErrorKind maps a failed outcome to the persisted error kind.
func (o Outcome) ErrorKind() storage.ErrorKind {
	switch o.Kind {
	case OutcomeSuccess:
		return storage.ErrorKindNone
	case OutcomeClientError:
		return storage.ErrorKindTaskCancelled
	case OutcomeServerError:
		switch o.Code {
		case CodeObjectNotFound:
			return storage.ErrorKindObjectNotFound
		case CodeQuotaExceeded:
			return storage.ErrorKindQuotaExceeded
		case CodeAlreadyExists:
			return storage.ErrorKindAlreadyExists
		}

		return storage.ErrorKindServer
	}

	var localErr *LocalError
	if errors.As(o.Err, &localErr) {
		return storage.ErrorKindLocal
	}

	return storage.ErrorKindNetwork
}
