// Package extract unpacks zip archives into a directory tree.
package extract

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"patchsync/internal/logging"
	"patchsync/internal/progress"
	"patchsync/internal/syncerr"
)

const (
	chunkSize = 32 * 1024

	// DefaultMaxPathLength matches the classic Windows MAX_PATH so archives
	// extracted here also extract on the client platform.
	DefaultMaxPathLength = 260
)

// Result describes one extraction.
type Result struct {
	Files   int
	Bytes   int64
	Skipped []string // entry names that were not written
}

type Extractor struct {
	MaxPathLength int
	Sink          progress.Sink
	Interval      time.Duration
	Logger        *zap.Logger
}

func New() *Extractor {
	return &Extractor{MaxPathLength: DefaultMaxPathLength, Interval: progress.DefaultInterval}
}

// Extract writes every file entry of archivePath below destDir, preserving
// entry modification times. Unsafe or overlong entry paths are skipped and
// listed in the result. Cancellation is checked between entries and chunks.
func (e *Extractor) Extract(ctx context.Context, archivePath, destDir string) (*Result, error) {
	const op = "extract"
	log := logging.Or(e.Logger)
	result := &Result{}

	if _, err := os.Stat(archivePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, syncerr.New(syncerr.KindNotFound, op, archivePath, err)
		}
		return result, syncerr.New(syncerr.KindIO, op, archivePath, err)
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return result, syncerr.New(syncerr.KindArchive, op, archivePath, err)
	}
	defer zr.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return result, syncerr.New(syncerr.KindIO, op, destDir, err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return result, syncerr.New(syncerr.KindIO, "create dir", root, err)
	}

	var total int64
	for _, f := range zr.File {
		total += int64(f.UncompressedSize64)
	}

	maxLen := e.MaxPathLength
	if maxLen <= 0 {
		maxLen = DefaultMaxPathLength
	}
	sampler := progress.NewSampler(e.Sink, total, e.Interval)
	buf := make([]byte, chunkSize)

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			sampler.Finish(result.Bytes)
			return result, syncerr.Canceled(op, archivePath, err)
		}
		if f.FileInfo().IsDir() {
			continue
		}

		dest, err := entryPath(root, f.Name)
		if err != nil {
			log.Warn("skipping unsafe archive entry", logging.Path(f.Name), logging.String("archive", archivePath))
			result.Skipped = append(result.Skipped, f.Name)
			continue
		}
		if len(dest) > maxLen {
			log.Warn("skipping archive entry with overlong path",
				logging.Path(f.Name),
				logging.Int("length", len(dest)),
				logging.Int("max", maxLen),
			)
			result.Skipped = append(result.Skipped, f.Name)
			continue
		}

		if err := e.writeEntry(ctx, f, dest, buf, result, sampler); err != nil {
			return result, err
		}
		result.Files++
	}

	sampler.Finish(result.Bytes)
	log.Debug("extracted",
		logging.String("archive", archivePath),
		logging.Int("files", result.Files),
		logging.Int64("bytes", result.Bytes),
		logging.Int("skipped", len(result.Skipped)),
	)
	return result, nil
}

// Entries lists, as slash-separated paths relative to destDir, the files
// Extract would write for archivePath. Directories and entries Extract skips
// are left out.
func (e *Extractor) Entries(archivePath, destDir string) ([]string, error) {
	const op = "list archive"

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, syncerr.New(syncerr.KindNotFound, op, archivePath, err)
		}
		return nil, syncerr.New(syncerr.KindArchive, op, archivePath, err)
	}
	defer zr.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return nil, syncerr.New(syncerr.KindIO, op, destDir, err)
	}
	maxLen := e.MaxPathLength
	if maxLen <= 0 {
		maxLen = DefaultMaxPathLength
	}

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		dest, err := entryPath(root, f.Name)
		if err != nil || len(dest) > maxLen {
			continue
		}
		rel, err := filepath.Rel(root, dest)
		if err != nil {
			continue
		}
		names = append(names, filepath.ToSlash(rel))
	}
	return names, nil
}

// entryPath resolves name below root and rejects anything that would land
// outside it.
func entryPath(root, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") || filepath.VolumeName(name) != "" {
		return "", syncerr.Newf(syncerr.KindValidation, "extract", name, "absolute entry path")
	}
	dest := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", syncerr.Newf(syncerr.KindValidation, "extract", name, "entry escapes destination")
	}
	return dest, nil
}

func (e *Extractor) writeEntry(ctx context.Context, f *zip.File, dest string, buf []byte, result *Result, sampler *progress.Sampler) error {
	const op = "extract"

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return syncerr.New(syncerr.KindIO, "create dir", filepath.Dir(dest), err)
	}

	src, err := f.Open()
	if err != nil {
		return syncerr.New(syncerr.KindArchive, op, f.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return syncerr.New(syncerr.KindIO, "create", dest, err)
	}
	defer out.Close()

	for {
		if err := ctx.Err(); err != nil {
			sampler.Finish(result.Bytes)
			return syncerr.Canceled(op, f.Name, err)
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return syncerr.New(syncerr.KindIO, "write", dest, werr)
			}
			result.Bytes += int64(n)
			sampler.Update(result.Bytes)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// Checksum and decompression failures surface here
			return syncerr.New(syncerr.KindArchive, op, f.Name, rerr)
		}
	}

	if err := out.Close(); err != nil {
		return syncerr.New(syncerr.KindIO, "close", dest, err)
	}

	mod := f.Modified
	if mod.IsZero() {
		mod = f.ModTime()
	}
	if err := os.Chtimes(dest, mod, mod); err != nil {
		return syncerr.New(syncerr.KindIO, "set times", dest, err)
	}
	return nil
}
