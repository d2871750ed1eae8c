package walker

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"patchsync/internal/hash"
	"patchsync/internal/logging"
	"patchsync/internal/progress"
	"patchsync/internal/syncerr"
)

// Hashing concurrency is min(Workers, MaxPending). MaxPending counts every
// outstanding task, running or waiting for a file handle, so Workers only
// narrows it when set below MaxPending. With the defaults the pending
// throttle is the one that binds and the file-handle cap is headroom.
const (
	// DefaultWorkers caps concurrently open files while hashing.
	DefaultWorkers = 256
	// DefaultMaxPending caps outstanding hashing tasks before the walk waits.
	DefaultMaxPending = 100
)

type FileInfo struct {
	Path    string // absolute, OS separators
	RelDir  string // parent directory relative to root, forward slashes, "" for root
	Name    string
	Size    int64
	ModTime time.Time
	Info    fs.FileInfo
}

type WalkResult struct {
	Files  []FileInfo
	Errors []error
}

// Walk lists regular files under rootPath in lexical order. Symlinks and
// other irregular entries are skipped. Errors below the root are collected
// and the walk continues.
func Walk(rootPath string, exclusions []string) (*WalkResult, error) {
	result := &WalkResult{
		Files:  make([]FileInfo, 0),
		Errors: make([]error, 0),
	}

	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// If error is on the root path, return it (don't continue walking)
			if path == rootPath {
				return err
			}
			// Skip permission errors and continue walking
			result.Errors = append(result.Errors, syncerr.New(syncerr.KindIO, "walk", path, err))
			return nil
		}

		// Get relative path for matching
		relPath, err := filepath.Rel(rootPath, path)
		if err != nil {
			result.Errors = append(result.Errors, err)
			return nil
		}
		if relPath == "." {
			return nil
		}

		// Check if path should be excluded
		if shouldExclude(relPath, d.IsDir(), exclusions) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			result.Errors = append(result.Errors, syncerr.New(syncerr.KindIO, "stat", path, err))
			return nil
		}

		relDir := filepath.ToSlash(filepath.Dir(relPath))
		if relDir == "." {
			relDir = ""
		}

		result.Files = append(result.Files, FileInfo{
			Path:    path,
			RelDir:  relDir,
			Name:    d.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Info:    info,
		})

		return nil
	})

	if err != nil {
		return nil, syncerr.New(syncerr.KindIO, "walk", rootPath, fmt.Errorf("failed to walk directory: %w", err))
	}

	return result, nil
}

// Excluded reports whether a file at the slash-separated path relPath would
// be left out of a walk with these exclusions.
func Excluded(relPath string, exclusions []string) bool {
	return shouldExclude(filepath.FromSlash(relPath), false, exclusions)
}

func shouldExclude(relPath string, isDir bool, exclusions []string) bool {
	for _, pattern := range exclusions {
		// Handle directory exclusions (patterns ending with /)
		if strings.HasSuffix(pattern, "/") {
			dirPattern := strings.TrimSuffix(pattern, "/")
			// Check if the current path or any parent matches the directory pattern
			parts := strings.Split(relPath, string(filepath.Separator))
			if !isDir {
				parts = parts[:len(parts)-1]
			}
			for _, part := range parts {
				if matched, _ := filepath.Match(dirPattern, part); matched {
					return true
				}
			}
		} else {
			// Handle file pattern exclusions
			matched, err := filepath.Match(pattern, filepath.Base(relPath))
			if err == nil && matched {
				return true
			}
			// Also try matching against the full relative path for patterns with /
			if strings.Contains(pattern, "/") {
				matched, err := filepath.Match(pattern, filepath.ToSlash(relPath))
				if err == nil && matched {
					return true
				}
			}
		}
	}
	return false
}

// HashOptions tunes HashFiles.
type HashOptions struct {
	Hasher     hash.Hasher // nil means hash.FileHasher
	Workers    int         // concurrently open files; binds only below MaxPending
	MaxPending int         // outstanding tasks before submission waits
	Observer   progress.CountObserver
	Logger     *zap.Logger
}

// HashResult is index-aligned with the input files. Failed[i] is set when
// Hashes[i] is not usable.
type HashResult struct {
	Hashes []string
	Failed []bool
	Errors []error
}

// HashFiles hashes files with bounded parallelism. A single unreadable file is
// logged and recorded in Errors without stopping the others. Only
// cancellation of ctx aborts the pass.
func HashFiles(ctx context.Context, files []FileInfo, opts HashOptions) (*HashResult, error) {
	if opts.Hasher == nil {
		opts.Hasher = hash.FileHasher{}
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	log := logging.Or(opts.Logger)

	result := &HashResult{
		Hashes: make([]string, len(files)),
		Failed: make([]bool, len(files)),
		Errors: make([]error, 0),
	}

	if len(files) == 0 {
		return result, nil
	}

	var (
		g         errgroup.Group
		sem       = semaphore.NewWeighted(int64(opts.Workers))
		mu        sync.Mutex
		processed atomic.Int64
		total     = len(files)
	)
	g.SetLimit(opts.MaxPending)

	for i := range files {
		if err := ctx.Err(); err != nil {
			break
		}

		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			f := files[i]
			h, err := opts.Hasher.Hash(f.Path, f.Info)
			if err != nil {
				log.Warn("skipping unreadable file", logging.Path(f.Path), logging.Err(err))
				mu.Lock()
				result.Failed[i] = true
				result.Errors = append(result.Errors, err)
				mu.Unlock()
			} else {
				result.Hashes[i] = h
			}

			n := processed.Add(1)
			if opts.Observer != nil {
				opts.Observer(int(n), total)
			}
			return nil
		})
	}

	waitErr := g.Wait()
	if err := ctx.Err(); err != nil {
		return result, syncerr.Canceled("hash", "", err)
	}
	if waitErr != nil {
		return result, waitErr
	}

	return result, nil
}
