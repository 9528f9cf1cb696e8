package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Sink stores finished evidence packs outside the ledger host. Packs are
// named by the exporter; sinks return the location they stored to.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// SinkType selects the evidence sink backend.
type SinkType string

const (
	SinkTypeFS  SinkType = "fs"
	SinkTypeS3  SinkType = "s3"
	SinkTypeGCS SinkType = "gcs"
)

// NewSinkFromEnv creates an evidence sink from environment variables.
//
//   - EVIDENCE_SINK_TYPE: "fs" (default), "s3", or "gcs"
//   - EVIDENCE_DIR: directory for the fs sink (default "evidence")
//   - EVIDENCE_S3_BUCKET / EVIDENCE_S3_REGION / EVIDENCE_S3_ENDPOINT / EVIDENCE_S3_PREFIX
//   - EVIDENCE_GCS_BUCKET / EVIDENCE_GCS_PREFIX (requires the gcp build tag)
func NewSinkFromEnv(ctx context.Context) (Sink, error) {
	switch SinkType(os.Getenv("EVIDENCE_SINK_TYPE")) {
	case SinkTypeFS, "":
		dir := os.Getenv("EVIDENCE_DIR")
		if dir == "" {
			dir = "evidence"
		}
		return NewFileSink(dir)
	case SinkTypeS3:
		return newS3SinkFromEnv(ctx)
	case SinkTypeGCS:
		return newGCSSinkFromEnv(ctx)
	default:
		return nil, fmt.Errorf("ledger: unsupported evidence sink type %q", os.Getenv("EVIDENCE_SINK_TYPE"))
	}
}

// FileSink writes packs to a local directory.
type FileSink struct {
	dir string
}

// NewFileSink ensures dir exists and returns a sink over it.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: ensure evidence dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Put(_ context.Context, name string, data []byte) (string, error) {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("ledger: write pack: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("ledger: commit pack: %w", err)
	}
	return path, nil
}
