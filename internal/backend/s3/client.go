// Package s3 stores transfers as objects in an S3 compatible bucket.
package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/gabriel-vasile/mimetype"
	"github.com/italolelis/drivequeue/internal/logctx"
	"github.com/italolelis/drivequeue/internal/storage"
	"github.com/italolelis/drivequeue/internal/transfer"
	"github.com/italolelis/drivequeue/internal/transfer/progress"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const defaultRegion = "us-east-1"

// Options configures the bucket connection.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// Client maps records onto object keys. Uploads go to
// <drive>/<parent>/<name>; downloads read the record's file id as the key.
type Client struct {
	client *minio.Client
	bucket string
}

func NewClient(opts Options) (*Client, error) {
	region := opts.Region
	if region == "" {
		region = defaultRegion
	}

	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:    opts.UseSSL,
		Region:    region,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Client{client: mc, bucket: opts.Bucket}, nil
}

func (c *Client) Name() string {
	return "s3"
}

// ObjectKey is where an upload record ends up in the bucket.
func ObjectKey(rec storage.Record) string {
	return path.Join(rec.DriveID, rec.ParentID, rec.Name)
}

// Upload puts the file at sourcePath under the record's object key. Bucket
// credentials authorize the request, so token is ignored.
func (c *Client) Upload(ctx context.Context, rec storage.Record, sourcePath string, _ *oauth2.Token, onProgress transfer.ProgressFunc) transfer.Outcome {
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

	key := ObjectKey(rec)

	uploaded, err := c.client.PutObject(ctx, c.bucket, key, body, info.Size(), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"user-id": rec.UserID},
	})
	if err != nil {
		return transfer.Failed(classify("upload", err))
	}

	logger.DebugContext(ctx, "object stored", "bucket", c.bucket, "key", key, "etag", uploaded.ETag)

	return transfer.Succeeded(&storage.FileMetadata{
		ID:          key,
		ParentID:    rec.ParentID,
		DriveID:     rec.DriveID,
		Name:        rec.Name,
		Size:        info.Size(),
		ContentType: contentType,
		UpdatedAt:   uploaded.LastModified,
	}, info.Size())
}

// Download copies the object named by the record's file id into w.
func (c *Client) Download(ctx context.Context, rec storage.Record, w io.Writer, onProgress transfer.ProgressFunc) transfer.Outcome {
	obj, err := c.client.GetObject(ctx, c.bucket, rec.FileID, minio.GetObjectOptions{})
	if err != nil {
		return transfer.Failed(classify("download", err))
	}
	defer obj.Close()

	stat, err := obj.Stat()
	if err != nil {
		return transfer.Failed(classify("download", err))
	}

	if onProgress != nil {
		w = progress.NewWriter(w, stat.Size, progress.DefaultInterval, onProgress)
	}

	n, err := io.Copy(w, obj)
	if err != nil {
		if ctx.Err() != nil {
			return transfer.Failed(ctx.Err())
		}

		return transfer.Failed(&transfer.NetworkError{Operation: "download", Message: "body interrupted", Err: err})
	}

	return transfer.Succeeded(&storage.FileMetadata{
		ID:          rec.FileID,
		ParentID:    rec.ParentID,
		DriveID:     rec.DriveID,
		Name:        rec.Name,
		Size:        n,
		ContentType: stat.ContentType,
		UpdatedAt:   stat.LastModified,
	}, n)
}

// classify maps minio errors onto the transfer error taxonomy. Responses
// without a status code never reached the server.
func classify(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == 0 {
		return &transfer.NetworkError{Operation: op, Message: err.Error(), Err: err}
	}

	serverErr := &transfer.ServerError{Operation: op, StatusCode: resp.StatusCode, Message: resp.Message, Err: err}

	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		serverErr.Code = transfer.CodeObjectNotFound
	case "XMinioStorageFull", "XMinioAdminBucketQuotaExceeded", "QuotaExceeded":
		serverErr.Code = transfer.CodeQuotaExceeded
	default:
		if resp.StatusCode == http.StatusNotFound {
			serverErr.Code = transfer.CodeObjectNotFound
		}
	}

	return serverErr
}
