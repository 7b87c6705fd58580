// Package drive talks to the storage service REST API.
package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/italolelis/drivequeue/internal/logctx"
	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/italolelis/drivequeue/internal/transfer"
	"github.com/italolelis/drivequeue/internal/transfer/progress"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const maxErrorBody = 64 * 1024

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	// tokens authorizes downloads. Uploads carry the per-user token.
	tokens oauth2.TokenSource
}

// NewClient creates a client for the API at baseURL. A nil httpClient gets a
// traced default transport.
func NewClient(baseURL string, httpClient *http.Client, tokens oauth2.TokenSource) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Client{baseURL: u, httpClient: httpClient, tokens: tokens}, nil
}

func (c *Client) Name() string {
	return "drive"
}

type fileResponse struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parent_id"`
	DriveID     string    `json:"drive_id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}

	return c.baseURL.String() + "/" + strings.Join(escaped, "/")
}

// Upload sends the file at sourcePath to the record's parent directory in a
// single request.
func (c *Client) Upload(ctx context.Context, rec storage.Record, sourcePath string, token *oauth2.Token, onProgress transfer.ProgressFunc) transfer.Outcome {
	logger := logctx.LoggerFromContext(ctx)

	f, err := os.Open(sourcePath)
	if err != nil {
		return transfer.Failed(&transfer.LocalError{Path: sourcePath, Op: "open", Err: err})
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return transfer.Failed(&transfer.LocalError{Path: sourcePath, Op: "stat", Err: err})
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(sourcePath); err == nil {
		contentType = mt.String()
	}

	var body io.Reader = f
	if onProgress != nil {
		body = progress.NewReader(f, info.Size(), progress.DefaultInterval, onProgress)
	}

	target := c.endpoint("drives", rec.DriveID, "files", rec.ParentID) + "?" + url.Values{"name": {rec.Name}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return transfer.Failed(&transfer.NetworkError{Operation: "upload", Message: "failed to build request", Err: err})
	}

	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)

	if token != nil {
		token.SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return requestFailed("upload", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return transfer.Failed(readServerError("upload", resp))
	}

	var file fileResponse
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return transfer.Failed(&transfer.NetworkError{Operation: "upload", StatusCode: resp.StatusCode, Message: "invalid response body", Err: err})
	}

	logger.Debug("upload accepted", "file_id", file.ID, "content_type", contentType)

	return transfer.Succeeded(&storage.FileMetadata{
		ID:          file.ID,
		ParentID:    file.ParentID,
		DriveID:     file.DriveID,
		Name:        file.Name,
		Size:        file.Size,
		ContentType: file.ContentType,
		UpdatedAt:   file.UpdatedAt,
	}, info.Size())
}

// Download streams the content of the record's remote file into w.
func (c *Client) Download(ctx context.Context, rec storage.Record, w io.Writer, onProgress transfer.ProgressFunc) transfer.Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("drives", rec.DriveID, "files", rec.FileID, "content"), nil)
	if err != nil {
		return transfer.Failed(&transfer.NetworkError{Operation: "download", Message: "failed to build request", Err: err})
	}

	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return transfer.Failed(&transfer.TokenError{UserID: rec.UserID, Err: err})
		}

		tok.SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return requestFailed("download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return transfer.Failed(readServerError("download", resp))
	}

	if onProgress != nil {
		w = progress.NewWriter(w, resp.ContentLength, progress.DefaultInterval, onProgress)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return transfer.Failed(ctx.Err())
		}

		return transfer.Failed(&transfer.NetworkError{Operation: "download", StatusCode: resp.StatusCode, Message: "body interrupted", Err: err})
	}

	return transfer.Succeeded(&storage.FileMetadata{
		ID:          rec.FileID,
		ParentID:    rec.ParentID,
		DriveID:     rec.DriveID,
		Name:        rec.Name,
		Size:        n,
		ContentType: resp.Header.Get("Content-Type"),
	}, n)
}

// requestFailed classifies a request that got no response. Cancellation is
// kept visible through the wrapped error.
func requestFailed(op string, err error) transfer.Outcome {
	return transfer.Failed(&transfer.NetworkError{Operation: op, Message: err.Error(), Err: err})
}

// readServerError turns an error response into a ServerError carrying the
// service's error code.
func readServerError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	serverErr := &transfer.ServerError{
		Operation:  op,
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
	}

	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Code != "" {
		serverErr.Code = parsed.Error.Code
		serverErr.Message = parsed.Error.Description
	}

	if serverErr.Code == "" && resp.StatusCode == http.StatusNotFound {
		serverErr.Code = transfer.CodeObjectNotFound
	}

	return serverErr
}
