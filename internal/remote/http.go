package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"patchsync/internal/manifest"
	"patchsync/internal/metrics"
	"patchsync/internal/retry"
	"patchsync/internal/syncerr"
)

const maxErrorBody = 512

// HTTPClient talks to a patch server that answers POST {base}/manifest with a
// JSON manifest and POST {base}/file with raw file bytes.
type HTTPClient struct {
	base   string
	client *http.Client
}

// NewHTTPClient returns a client for baseURL. A zero timeout only bounds the
// manifest request; file bodies stream for as long as they take.
func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("remote url is required")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("remote url must be http or https: %s", baseURL)
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   4,
	}
	return &HTTPClient{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Transport: transport},
	}, nil
}

type manifestRequest struct {
	Package string `json:"package"`
}

type fileRequest struct {
	Package string `json:"package,omitempty"`
	Path    string `json:"path"`
}

func (c *HTTPClient) post(ctx context.Context, op, endpoint, target string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, syncerr.New(syncerr.KindUnexpected, op, target, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, syncerr.New(syncerr.KindUnexpected, op, target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Set explicitly so the body is not decompressed behind our back and
	// Content-Length keeps its meaning for progress.
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, syncerr.New(syncerr.KindNetwork, op, target, retry.Retryable(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(msg)),
		}
		if resp.StatusCode >= 500 {
			return nil, syncerr.New(syncerr.KindRemoteRejected, op, target, retry.Retryable(statusErr))
		}
		return nil, syncerr.New(syncerr.KindRemoteRejected, op, target, statusErr)
	}

	return resp, nil
}

// body returns the decoded response body and its length, -1 when unknown.
func body(resp *http.Response) (io.ReadCloser, int64, error) {
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return resp.Body, resp.ContentLength, nil
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, 0, err
	}
	return &gzipBody{Reader: zr, raw: resp.Body}, -1, nil
}

type gzipBody struct {
	*gzip.Reader
	raw io.Closer
}

func (g *gzipBody) Close() error {
	g.Reader.Close()
	return g.raw.Close()
}

// FetchManifest requests the file list for pkg.
func (c *HTTPClient) FetchManifest(ctx context.Context, pkg string) (manifest.Manifest, error) {
	const op = "fetch manifest"
	start := time.Now()

	resp, err := c.post(ctx, op, "/manifest", pkg, manifestRequest{Package: pkg})
	if err != nil {
		metrics.RecordRemoteRequest("http", "manifest", time.Since(start), false)
		return nil, err
	}
	rc, _, err := body(resp)
	if err != nil {
		metrics.RecordRemoteRequest("http", "manifest", time.Since(start), false)
		return nil, syncerr.New(syncerr.KindNetwork, op, pkg, err)
	}
	defer rc.Close()

	m, err := manifest.Parse(rc)
	metrics.RecordRemoteRequest("http", "manifest", time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Open starts streaming remotePath of package pkg. The caller closes the
// reader.
func (c *HTTPClient) Open(ctx context.Context, pkg, remotePath string) (io.ReadCloser, int64, error) {
	const op = "open"
	start := time.Now()

	resp, err := c.post(ctx, op, "/file", remotePath, fileRequest{Package: pkg, Path: remotePath})
	metrics.RecordRemoteRequest("http", "file", time.Since(start), err == nil)
	if err != nil {
		return nil, 0, err
	}
	rc, size, err := body(resp)
	if err != nil {
		return nil, 0, syncerr.New(syncerr.KindNetwork, op, remotePath, err)
	}
	return rc, size, nil
}
