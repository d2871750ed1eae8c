// Package transfer streams single remote files to disk.
package transfer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"patchsync/internal/logging"
	"patchsync/internal/manifest"
	"patchsync/internal/progress"
	"patchsync/internal/remote"
	"patchsync/internal/syncerr"
)

// ChunkSize is the copy buffer size. Memory per transfer is bounded by it.
const ChunkSize = 64 * 1024

// Result describes one download.
type Result struct {
	Path     string
	Bytes    int64
	Duration time.Duration
	// Partial is set when the transfer stopped early and the destination
	// holds only a prefix of the remote file.
	Partial bool
}

// Coordinator downloads files through a Fetcher. It keeps no per-transfer
// state and may be used from several goroutines.
type Coordinator struct {
	fetcher  remote.Fetcher
	sink     progress.Sink
	interval time.Duration
	log      *zap.Logger
}

type Option func(*Coordinator)

// WithSink sets the progress sink for every transfer.
func WithSink(sink progress.Sink) Option {
	return func(c *Coordinator) {
		c.sink = sink
	}
}

func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.interval = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
	}
}

func New(fetcher remote.Fetcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		fetcher:  fetcher,
		interval: progress.DefaultInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.Or(c.log)
	return c
}

// Download fetches rec of package pkg and writes it to destDir/rec.Name,
// replacing any existing file. Cancellation is checked before every chunk; on
// cancel the partial file stays on disk and the returned Result has Partial
// set.
func (c *Coordinator) Download(ctx context.Context, pkg string, rec manifest.FileRecord, destDir string) (*Result, error) {
	const op = "download"
	remotePath := rec.RemotePath()
	dest := filepath.Join(destDir, rec.Name)
	result := &Result{Path: dest}
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
	}()

	if err := ctx.Err(); err != nil {
		return result, syncerr.Canceled(op, remotePath, err)
	}

	body, size, err := c.fetcher.Open(ctx, pkg, remotePath)
	if err != nil {
		if syncerr.KindOf(err) == syncerr.KindUnexpected {
			err = syncerr.New(syncerr.KindNetwork, op, remotePath, err)
		}
		return result, err
	}
	defer body.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return result, syncerr.New(syncerr.KindIO, "create dir", destDir, err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return result, syncerr.New(syncerr.KindIO, "create", dest, err)
	}
	defer out.Close()

	if size < 0 && rec.Size > 0 {
		size = rec.Size
	}
	sampler := progress.NewSampler(c.sink, size, c.interval)
	buf := make([]byte, ChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			result.Partial = true
			sampler.Finish(result.Bytes)
			c.log.Info("download canceled", logging.Path(remotePath), logging.Int64("bytes", result.Bytes))
			return result, syncerr.Canceled(op, remotePath, err)
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				result.Partial = true
				return result, syncerr.New(syncerr.KindIO, "write", dest, werr)
			}
			result.Bytes += int64(n)
			sampler.Update(result.Bytes)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			result.Partial = true
			if ctx.Err() != nil || errors.Is(rerr, context.Canceled) {
				return result, syncerr.Canceled(op, remotePath, ctx.Err())
			}
			return result, syncerr.New(syncerr.KindNetwork, "read", remotePath, rerr)
		}
	}

	if err := out.Close(); err != nil {
		return result, syncerr.New(syncerr.KindIO, "close", dest, err)
	}
	sampler.Finish(result.Bytes)

	c.log.Debug("downloaded",
		logging.Path(remotePath),
		logging.Int64("bytes", result.Bytes),
		logging.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}
