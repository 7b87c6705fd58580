package putio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/italolelis/drivequeue/internal/transfer"
	putio "github.com/putdotio/go-putio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	goputioClient := putio.NewClient(srv.Client())
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	goputioClient.BaseURL = u

	return &Client{putioClient: goputioClient, httpClient: srv.Client()}
}

func TestDownload(t *testing.T) {
	mux := http.NewServeMux()

	var contentURL string

	mux.HandleFunc("/v2/files/77/url", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"url":%q,"status":"OK"}`, contentURL)
	})
	mux.HandleFunc("/content/77", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/x-matroska")
		_, _ = w.Write([]byte("movie bytes"))
	})

	client := newTestClient(t, mux)
	contentURL = client.putioClient.BaseURL.String() + "/content/77"

	rec := storage.NewDownload("1", "42", "5", "77", "movie.mkv", "")

	var (
		buf      bytes.Buffer
		progress int64
	)

	out := client.Download(context.Background(), rec, &buf, func(done, _ int64) {
		progress = done
	})

	require.Equal(t, transfer.OutcomeSuccess, out.Kind, "err: %v", out.Err)
	assert.Equal(t, "movie bytes", buf.String())
	assert.Equal(t, int64(11), out.Bytes)
	assert.Equal(t, int64(11), progress)
	assert.Equal(t, "video/x-matroska", out.File.ContentType)
}

func TestDownloadMissingContent(t *testing.T) {
	mux := http.NewServeMux()

	var contentURL string

	mux.HandleFunc("/v2/files/77/url", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"url":%q,"status":"OK"}`, contentURL)
	})
	mux.HandleFunc("/content/77", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	client := newTestClient(t, mux)
	contentURL = client.putioClient.BaseURL.String() + "/content/77"

	out := client.Download(context.Background(), storage.NewDownload("1", "42", "5", "77", "movie.mkv", ""), &bytes.Buffer{}, nil)

	assert.Equal(t, storage.ErrorKindObjectNotFound, out.ErrorKind())
}

func TestInvalidIDsAreNotRetryable(t *testing.T) {
	client := newTestClient(t, http.NewServeMux())

	up := client.Upload(context.Background(), storage.NewUpload("1", "42", "not-a-number", "a.txt", ""), "unused", nil, nil)
	assert.Equal(t, storage.ErrorKindObjectNotFound, up.ErrorKind())

	down := client.Download(context.Background(), storage.NewDownload("1", "42", "5", "abc", "a.txt", ""), &bytes.Buffer{}, nil)
	assert.Equal(t, storage.ErrorKindObjectNotFound, down.ErrorKind())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind storage.ErrorKind
	}{
		{
			name:     "not found",
			err:      &putio.ErrorResponse{Response: &http.Response{StatusCode: http.StatusNotFound}, Message: "gone"},
			wantKind: storage.ErrorKindObjectNotFound,
		},
		{
			name:     "no space left",
			err:      &putio.ErrorResponse{Response: &http.Response{StatusCode: http.StatusBadRequest}, Type: "NO_SPACE_LEFT"},
			wantKind: storage.ErrorKindQuotaExceeded,
		},
		{
			name:     "internal error",
			err:      &putio.ErrorResponse{Response: &http.Response{StatusCode: http.StatusInternalServerError}},
			wantKind: storage.ErrorKindServer,
		},
		{
			name:     "connection refused",
			err:      errors.New("dial tcp: connection refused"),
			wantKind: storage.ErrorKindNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := transfer.Failed(classify("upload", tt.err))
			assert.Equal(t, tt.wantKind, out.ErrorKind())
		})
	}
}
