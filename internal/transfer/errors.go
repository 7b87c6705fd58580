package transfer

import "fmt"

// NetworkError represents failures where no usable server response arrived:
// connection resets, timeouts, DNS failures, truncated bodies.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "upload", "download")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ServerError is a structured error response from the storage service.
type ServerError struct {
	Operation  string
	StatusCode int
	Code       string // Machine readable code, e.g. "quota_exceeded_error"
	Message    string
	Err        error
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error during %s (HTTP %d, %s): %s", e.Operation, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// LocalError represents failures of the local filesystem or asset library.
type LocalError struct {
	Path string
	Op   string // "open", "materialize", "move", ...
	Err  error
}

func (e *LocalError) Error() string {
	return fmt.Sprintf("local error during %s of '%s': %v", e.Op, e.Path, e.Err)
}

func (e *LocalError) Unwrap() error {
	return e.Err
}

// TokenError represents a failure to obtain an upload token for a user.
type TokenError struct {
	UserID string
	Err    error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("no upload token for user %s: %v", e.UserID, e.Err)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}
