package manifest

import (
	"context"
	"os"

	"go.uber.org/zap"

	"patchsync/internal/hash"
	"patchsync/internal/logging"
	"patchsync/internal/progress"
	"patchsync/internal/syncerr"
	"patchsync/internal/walker"
)

// BuildOptions tunes Build. The zero value hashes every file with default
// bounds.
type BuildOptions struct {
	Exclude    []string
	Hasher     hash.Hasher
	Workers    int
	MaxPending int
	// SkipHash produces hashless records for listings that never compare on
	// content.
	SkipHash bool
	Observer progress.CountObserver
	Logger   *zap.Logger
}

// BuildReport lists per-file problems that did not stop the build.
type BuildReport struct {
	Scanned int
	Errors  []error
}

// Build creates root if needed and returns one record per regular file under
// it, in walk order. Unreadable files are logged, left out of the manifest
// and listed in the report.
func Build(ctx context.Context, root string, opts BuildOptions) (Manifest, *BuildReport, error) {
	log := logging.Or(opts.Logger)

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, nil, syncerr.New(syncerr.KindIO, "create root", root, err)
	}

	walked, err := walker.Walk(root, opts.Exclude)
	if err != nil {
		return nil, nil, err
	}

	report := &BuildReport{
		Scanned: len(walked.Files),
		Errors:  append([]error(nil), walked.Errors...),
	}
	for _, werr := range walked.Errors {
		log.Warn("walk error", logging.Err(werr))
	}

	m := make(Manifest, 0, len(walked.Files))

	if opts.SkipHash {
		for _, f := range walked.Files {
			if err := ctx.Err(); err != nil {
				return nil, report, syncerr.Canceled("build manifest", root, err)
			}
			m = append(m, FileRecord{Name: f.Name, Size: f.Size, Path: f.RelDir})
		}
		if opts.Observer != nil {
			opts.Observer(len(walked.Files), len(walked.Files))
		}
		return m, report, nil
	}

	hashed, err := walker.HashFiles(ctx, walked.Files, walker.HashOptions{
		Hasher:     opts.Hasher,
		Workers:    opts.Workers,
		MaxPending: opts.MaxPending,
		Observer:   progress.ThrottledCounter(opts.Observer, 0),
		Logger:     log,
	})
	if err != nil {
		return nil, report, err
	}
	report.Errors = append(report.Errors, hashed.Errors...)

	for i, f := range walked.Files {
		if hashed.Failed[i] {
			continue
		}
		m = append(m, FileRecord{
			Name: f.Name,
			Size: f.Size,
			Hash: hashed.Hashes[i],
			Path: f.RelDir,
		})
	}

	log.Debug("manifest built",
		logging.String("root", root),
		logging.Int("files", len(m)),
		logging.Int("errors", len(report.Errors)),
	)

	return m, report, nil
}
