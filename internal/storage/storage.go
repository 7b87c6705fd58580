package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultRetryBudget is the number of network attempts a fresh transfer gets.
const DefaultRetryBudget = 3

// ErrNotFound is returned when no record matches the lookup.
var ErrNotFound = errors.New("transfer record not found")

// transferNamespace seeds the name based record IDs.
var transferNamespace = uuid.MustParse("6f1c7a8e-3c1b-4d2a-9a57-0c2e8d6b5f41")

// Direction tells which queue owns a record.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Status is the lifecycle state of a transfer record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrorKind classifies the last failure of a transfer.
type ErrorKind string

const (
	ErrorKindNone                    ErrorKind = ""
	ErrorKindTaskCancelled           ErrorKind = "taskCancelled"
	ErrorKindTaskExpirationCancelled ErrorKind = "taskExpirationCancelled"
	ErrorKindTaskRescheduled         ErrorKind = "taskRescheduled"
	ErrorKindLocal                   ErrorKind = "localError"
	ErrorKindToken                   ErrorKind = "tokenError"
	ErrorKindNetwork                 ErrorKind = "networkError"
	ErrorKindServer                  ErrorKind = "serverError"
	ErrorKindObjectNotFound          ErrorKind = "objectNotFound"
	ErrorKindQuotaExceeded           ErrorKind = "quotaExceeded"
	ErrorKindAlreadyExists           ErrorKind = "alreadyExists"
)

// IsServer reports whether the kind originates from a server response.
func (k ErrorKind) IsServer() bool {
	switch k {
	case ErrorKindServer, ErrorKindObjectNotFound, ErrorKindQuotaExceeded, ErrorKindAlreadyExists:
		return true
	}

	return false
}

// Retryable reports whether the queue may retry automatically after this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindNetwork, ErrorKindServer, ErrorKindLocal:
		return true
	}

	return false
}

// TransferError is the persisted last error of a record.
type TransferError struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *TransferError) Error() string {
	var b strings.Builder

	b.WriteString(string(e.Kind))

	if e.Code != "" {
		b.WriteString(" (" + e.Code + ")")
	}

	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}

	return b.String()
}

// Record is one logical file transfer, upload or download.
type Record struct {
	ID        string
	Direction Direction
	FileID    string
	ParentID  string
	DriveID   string
	UserID    string
	Name      string

	// LocalPath is the upload source or the canonical download destination.
	LocalPath string
	// AssetID points at a library managed asset that must be materialized before upload.
	AssetID string
	// RemoteLocator identifies the request handed to the background channel.
	RemoteLocator string

	Size        int64
	Status      Status
	RetryBudget int
	Priority    int
	LastError   *TransferError

	Rescheduled             bool
	RemoveSourceAfterUpload bool

	CreatedAt   time.Time
	CompletedAt time.Time
}

// NewID derives the stable identity of a transfer. Downloads are keyed by the
// remote file, uploads by the target container and file name.
func NewID(dir Direction, driveID, userID, parentID, fileKey string) string {
	name := strings.Join([]string{string(dir), driveID, userID, parentID, fileKey}, "/")

	return uuid.NewSHA1(transferNamespace, []byte(name)).String()
}

// NewUpload builds a pending upload record with the default retry budget.
func NewUpload(driveID, userID, parentID, name, localPath string) Record {
	return Record{
		ID:          NewID(DirectionUpload, driveID, userID, parentID, name),
		Direction:   DirectionUpload,
		ParentID:    parentID,
		DriveID:     driveID,
		UserID:      userID,
		Name:        name,
		LocalPath:   localPath,
		Status:      StatusPending,
		RetryBudget: DefaultRetryBudget,
		CreatedAt:   time.Now(),
	}
}

// NewDownload builds a pending download record with the default retry budget.
func NewDownload(driveID, userID, parentID, fileID, name, localPath string) Record {
	return Record{
		ID:          NewID(DirectionDownload, driveID, userID, parentID, fileID),
		Direction:   DirectionDownload,
		FileID:      fileID,
		ParentID:    parentID,
		DriveID:     driveID,
		UserID:      userID,
		Name:        name,
		LocalPath:   localPath,
		Status:      StatusPending,
		RetryBudget: DefaultRetryBudget,
		CreatedAt:   time.Now(),
	}
}

// Terminal reports whether the record has nothing left to do.
func (r Record) Terminal() bool {
	switch r.Status {
	case StatusSucceeded, StatusCancelled:
		return true
	case StatusFailed:
		return r.RetryBudget <= 0
	}

	return false
}

// Fail records an error of the given kind on the record.
func (r *Record) Fail(kind ErrorKind, code string, err error) {
	r.Status = StatusFailed
	r.LastError = &TransferError{Kind: kind, Code: code}

	if err != nil {
		r.LastError.Message = err.Error()
	}
}

// ResetError clears the last error and restores the default budget.
func (r *Record) ResetError() {
	r.Status = StatusPending
	r.LastError = nil
	r.RetryBudget = DefaultRetryBudget
	r.CompletedAt = time.Time{}
}

// ErrorKind returns the kind of the last error, if any.
func (r Record) ErrorKind() ErrorKind {
	if r.LastError == nil {
		return ErrorKindNone
	}

	return r.LastError.Kind
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s %q", r.Direction, r.ID, r.Name)
}

// Container scopes records to a parent folder of one drive and user. Empty
// DriveID or UserID match any.
type Container struct {
	DriveID  string
	UserID   string
	ParentID string
}

// ContainerOf returns the container rec belongs to.
func ContainerOf(rec Record) Container {
	return Container{DriveID: rec.DriveID, UserID: rec.UserID, ParentID: rec.ParentID}
}

// Contains reports whether rec belongs to c.
func (c Container) Contains(rec Record) bool {
	if rec.ParentID != c.ParentID {
		return false
	}

	if c.DriveID != "" && rec.DriveID != c.DriveID {
		return false
	}

	return c.UserID == "" || rec.UserID == c.UserID
}

// FileMetadata is the locally cached description of a remote file.
type FileMetadata struct {
	ID          string
	ParentID    string
	DriveID     string
	Name        string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
}

// TransferReadRepository exposes the record queries the queues need.
type TransferReadRepository interface {
	Get(ctx context.Context, id string) (Record, error)
	GetByLocator(ctx context.Context, locator string) (Record, error)
	GetNonTerminal(ctx context.Context, dir Direction) ([]Record, error)
	GetByParent(ctx context.Context, dir Direction, parentID string) ([]Record, error)
	GetFailed(ctx context.Context, dir Direction, parentID string) ([]Record, error)
	CountByParent(ctx context.Context, dir Direction, parentID string) (int, error)
}

// TransferWriteRepository mutates records. All writes are upserts or deletes.
type TransferWriteRepository interface {
	Upsert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	DeleteMany(ctx context.Context, ids []string) error
}

// TransferRepository is the full record store.
type TransferRepository interface {
	TransferReadRepository
	TransferWriteRepository
}

// FileRepository caches remote file metadata after successful uploads.
type FileRepository interface {
	SaveFile(ctx context.Context, file FileMetadata) error
	GetFile(ctx context.Context, id string) (FileMetadata, error)
}
