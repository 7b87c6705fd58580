// Package putio stores transfers in a put.io account.
package putio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/italolelis/drivequeue/internal/logctx"
	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/italolelis/drivequeue/internal/transfer"
	"github.com/italolelis/drivequeue/internal/transfer/progress"
	"github.com/putdotio/go-putio"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// Client maps records onto put.io files. Parent and file ids are the
// decimal put.io ids.
type Client struct {
	putioClient *putio.Client
	httpClient  *http.Client
}

func NewClient(token string) *Client {
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})

	return &Client{
		putioClient: putio.NewClient(oauth2.NewClient(ctx, tokenSource)),
		httpClient:  httpClient,
	}
}

func (c *Client) Name() string {
	return "putio"
}

// Authenticate checks that the account token is usable.
func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	user, err := c.putioClient.Account.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get account info: %w", err)
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", user.Username)

	return nil
}

// Upload sends the file to the folder named by the record's parent id. The
// account token authorizes every request, so token is ignored.
func (c *Client) Upload(ctx context.Context, rec storage.Record, sourcePath string, _ *oauth2.Token, onProgress transfer.ProgressFunc) transfer.Outcome {
	logger := logctx.LoggerFromContext(ctx)

	parentID, err := parseID(rec.ParentID)
	if err != nil {
		return transfer.Failed(&transfer.ServerError{
			Operation: "upload",
			Code:      transfer.CodeObjectNotFound,
			Message:   fmt.Sprintf("invalid parent id %q", rec.ParentID),
			Err:       err,
		})
	}

	f, err := os.Open(sourcePath)
	if err != nil {
		return transfer.Failed(&transfer.LocalError{Path: sourcePath, Op: "open", Err: err})
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return transfer.Failed(&transfer.LocalError{Path: sourcePath, Op: "stat", Err: err})
	}

	var body io.Reader = f
	if onProgress != nil {
		body = progress.NewReader(f, info.Size(), progress.DefaultInterval, onProgress)
	}

	upload, err := c.putioClient.Files.Upload(ctx, body, rec.Name, parentID)
	if err != nil {
		return transfer.Failed(classify("upload", err))
	}

	if upload.File == nil {
		return transfer.Failed(&transfer.ServerError{Operation: "upload", Message: "upload did not create a file"})
	}

	logger.DebugContext(ctx, "upload accepted by Put.io", "file_id", upload.File.ID)

	return transfer.Succeeded(&storage.FileMetadata{
		ID:          strconv.FormatInt(upload.File.ID, 10),
		ParentID:    rec.ParentID,
		DriveID:     rec.DriveID,
		Name:        upload.File.Name,
		Size:        upload.File.Size,
		ContentType: upload.File.ContentType,
	}, info.Size())
}

// Download resolves a download url for the record's file and streams it into w.
func (c *Client) Download(ctx context.Context, rec storage.Record, w io.Writer, onProgress transfer.ProgressFunc) transfer.Outcome {
	fileID, err := parseID(rec.FileID)
	if err != nil {
		return transfer.Failed(&transfer.ServerError{
			Operation: "download",
			Code:      transfer.CodeObjectNotFound,
			Message:   fmt.Sprintf("invalid file id %q", rec.FileID),
			Err:       err,
		})
	}

	link, err := c.putioClient.Files.URL(ctx, fileID, false)
	if err != nil {
		return transfer.Failed(classify("download", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return transfer.Failed(&transfer.NetworkError{Operation: "download", Message: "failed to build request", Err: err})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transfer.Failed(&transfer.NetworkError{Operation: "download", Message: err.Error(), Err: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		serverErr := &transfer.ServerError{Operation: "download", StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if resp.StatusCode == http.StatusNotFound {
			serverErr.Code = transfer.CodeObjectNotFound
		}

		return transfer.Failed(serverErr)
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

// classify turns a go-putio error into the transfer error taxonomy.
func classify(op string, err error) error {
	var apiErr *putio.ErrorResponse
	if !errors.As(err, &apiErr) {
		return &transfer.NetworkError{Operation: op, Message: err.Error(), Err: err}
	}

	serverErr := &transfer.ServerError{Operation: op, Message: apiErr.Message, Err: err}
	if apiErr.Response != nil {
		serverErr.StatusCode = apiErr.Response.StatusCode
	}

	switch {
	case serverErr.StatusCode == http.StatusNotFound:
		serverErr.Code = transfer.CodeObjectNotFound
	case serverErr.StatusCode == http.StatusInsufficientStorage, apiErr.Type == "NO_SPACE_LEFT":
		serverErr.Code = transfer.CodeQuotaExceeded
	}

	return serverErr
}

func parseID(id string) (int64, error) {
	return strconv.ParseInt(id, 10, 64)
}
