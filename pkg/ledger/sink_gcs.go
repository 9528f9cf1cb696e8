//go:build gcp

package ledger

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
)

// GCSSink uploads evidence packs to a Google Cloud Storage bucket. Built
// only with the gcp tag so the GCS SDK stays out of default builds.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink creates a GCS-backed evidence sink using application default
// credentials.
func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: gcs client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSSink) Put(ctx context.Context, name string, data []byte) (string, error) {
	object := s.prefix + name
	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("ledger: gcs write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("ledger: gcs commit %s: %w", object, err)
	}
	return "gs://" + s.bucket + "/" + object, nil
}

func newGCSSinkFromEnv(ctx context.Context) (Sink, error) {
	bucket := os.Getenv("EVIDENCE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ledger: EVIDENCE_GCS_BUCKET is required for the gcs sink")
	}
	return NewGCSSink(ctx, bucket, os.Getenv("EVIDENCE_GCS_PREFIX"))
}
