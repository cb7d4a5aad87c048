package objstore

import (
	"context"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/option"

	"github.com/you/docflow/internal/domain"
)

// GCS stores documents in a Google Cloud Storage bucket and hands out V4
// signed PUT URLs as write capabilities.
type GCS struct {
	client *storage.Client
	bucket string
}

func NewGCS(ctx context.Context, bucket, credentialsFile string) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create gcs client")
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (g *GCS) Put(ctx context.Context, path string, data []byte) error {
	w := g.client.Bucket(g.bucket).Object(path).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		return errors.Wrapf(err, "write gs://%s/%s", g.bucket, path)
	}
	return errors.Wrapf(w.Close(), "close gs://%s/%s", g.bucket, path)
}

func (g *GCS) Exists(ctx context.Context, path string) (bool, error) {
	_, err := g.client.Bucket(g.bucket).Object(path).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "stat gs://%s/%s", g.bucket, path)
	}
	return true, nil
}

func (g *GCS) Get(ctx context.Context, path string) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(path).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, domain.ObjectNotFound(path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open gs://%s/%s", g.bucket, path)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	return data, errors.Wrapf(err, "read gs://%s/%s", g.bucket, path)
}

func (g *GCS) SignedWriteURL(ctx context.Context, path string, expiry time.Duration) (string, time.Time, error) {
	deadline := time.Now().Add(expiry)
	url, err := g.client.Bucket(g.bucket).SignedURL(path, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodPut,
		Expires: deadline,
	})
	if err != nil {
		return "", time.Time{}, errors.Wrapf(err, "sign write url for %s", path)
	}
	return url, deadline, nil
}

func (g *GCS) Close() error { return g.client.Close() }
