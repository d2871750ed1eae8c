// Package remote fetches package manifests and file contents from the patch
// server. Two backends exist: a JSON-over-HTTP server and an S3 bucket.
package remote

import (
	"context"
	"fmt"
	"io"
	"time"

	"patchsync/internal/manifest"
)

// ManifestSource returns the authoritative file list for a package.
type ManifestSource interface {
	FetchManifest(ctx context.Context, pkg string) (manifest.Manifest, error)
}

// Fetcher opens the contents of one file of package pkg. The returned size is
// -1 when the remote does not announce a length.
type Fetcher interface {
	Open(ctx context.Context, pkg, remotePath string) (io.ReadCloser, int64, error)
}

// Source is a complete remote.
type Source interface {
	ManifestSource
	Fetcher
}

// Config selects and configures a Source.
type Config struct {
	Type    string // "http" or "s3"
	URL     string
	Timeout time.Duration

	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// New builds the Source described by cfg. Sources hold no per-package state;
// the package name is passed with every request.
func New(ctx context.Context, cfg Config) (Source, error) {
	switch cfg.Type {
	case "", "http":
		return NewHTTPClient(cfg.URL, cfg.Timeout)
	case "s3":
		return NewS3Source(ctx, S3Config{
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown remote type %q", cfg.Type)
	}
}

// StatusError is a non-success answer from the remote.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned %s", e.Status)
	}
	return fmt.Sprintf("remote returned %s: %s", e.Status, e.Body)
}
