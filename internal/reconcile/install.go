package reconcile

import (
	"context"
	"os"
	"time"

	"patchsync/internal/logging"
	"patchsync/internal/manifest"
	"patchsync/internal/metrics"
	"patchsync/internal/syncerr"
)

// Install lays down package pkg in localRoot without looking at what is
// already there. Archives are downloaded to the staging directory, extracted
// into their manifest directory and removed; other files are downloaded in
// place. Record hashes are ignored.
func (r *Reconciler) Install(ctx context.Context, pkg, localRoot string) (report *Report, err error) {
	start := time.Now()
	report = &Report{}
	defer func() {
		report.Duration = time.Since(start)
		metrics.RecordSync("install", report.Duration, err == nil && report.OK())
	}()

	if err := os.MkdirAll(localRoot, 0755); err != nil {
		return report, syncerr.New(syncerr.KindIO, "create root", localRoot, err)
	}

	m, err := r.fetchManifest(ctx, pkg)
	if err != nil {
		return report, err
	}

	var archives, files []manifest.FileRecord
	for _, rec := range m {
		rec.Hash = ""
		if r.isArchive(rec) {
			archives = append(archives, rec)
		} else {
			files = append(files, rec)
		}
	}

	r.log.Info("install plan",
		logging.String("package", pkg),
		logging.Int("archives", len(archives)),
		logging.Int("files", len(files)),
		logging.Int64("bytes", m.TotalSize()),
	)

	staging := r.stagingDir(localRoot)
	for _, rec := range archives {
		if err := r.installArchive(ctx, pkg, localRoot, staging, rec, report); err != nil {
			return report, err
		}
	}
	os.Remove(staging)

	if err := r.downloadAll(ctx, pkg, localRoot, files, report, false); err != nil {
		return report, err
	}

	r.log.Info("install finished",
		logging.String("package", pkg),
		logging.Int("downloaded", report.Downloaded),
		logging.Int("extracted", report.Extracted),
		logging.Int("failed", len(report.Failed)),
		logging.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

func (r *Reconciler) installArchive(ctx context.Context, pkg, root, staging string, rec manifest.FileRecord, report *Report) error {
	r.notify(ActionDownload, rec)

	res, err := r.download(ctx, pkg, rec, staging)
	if err != nil {
		if ctx.Err() != nil {
			return syncerr.Canceled("download", rec.RemotePath(), ctx.Err())
		}
		r.log.Warn("download failed", logging.Path(rec.RemotePath()), logging.Err(err))
		report.fail(rec, ActionDownload, err)
		metrics.RecordDownload(0, false)
		return nil
	}
	report.downloaded(res.Bytes)
	metrics.RecordDownload(res.Bytes, true)
	defer os.Remove(res.Path)

	return r.extractInto(ctx, rec, res.Path, r.localDir(root, rec), report)
}
