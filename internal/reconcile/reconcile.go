// Package reconcile brings a local directory in line with a remote package:
// it fetches the remote manifest, builds the local one, diffs them, deletes
// stale files and downloads what is missing.
package reconcile

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"patchsync/internal/compare"
	"patchsync/internal/extract"
	"patchsync/internal/hash"
	"patchsync/internal/logging"
	"patchsync/internal/manifest"
	"patchsync/internal/metrics"
	"patchsync/internal/progress"
	"patchsync/internal/remote"
	"patchsync/internal/retry"
	"patchsync/internal/syncerr"
	"patchsync/internal/transfer"
	"patchsync/internal/walker"
)

// StateDir holds the hash cache and staging area inside a synced root. It is
// never part of the local manifest.
const StateDir = ".patchsync"

// Action names what the reconciler is doing to a file.
type Action string

const (
	ActionDelete   Action = "delete"
	ActionDownload Action = "download"
	ActionExtract  Action = "extract"
	ActionSkip     Action = "skip"
)

// Options configures a Reconciler. The zero value syncs sequentially with
// default hashing bounds and a single download attempt.
type Options struct {
	Normalize manifest.Normalizer
	Exclude   []string

	Hasher      hash.Hasher
	HashWorkers int
	MaxPending  int

	DownloadWorkers  int
	DownloadAttempts int
	DownloadRetry    retry.Config
	ManifestRetry    retry.Config

	ExtractArchives   bool
	ArchiveExtensions []string
	StagingDir        string
	MaxPathLength     int

	// Sink receives byte progress for each transfer and extraction.
	Sink progress.Sink
	// HashObserver receives (processed, total) while the local tree is hashed.
	HashObserver progress.CountObserver
	// OnFile is told about each file before it is acted on. It may be called
	// from several goroutines when DownloadWorkers > 1.
	OnFile func(Action, manifest.FileRecord)

	Logger *zap.Logger
}

// Failure is one file the reconciler could not process.
type Failure struct {
	Record manifest.FileRecord
	Action Action
	Kind   syncerr.Kind
	Err    error
}

// Report summarizes a Sync or Install. It is returned even when the call
// fails part way.
type Report struct {
	Downloaded int
	Deleted    int
	Extracted  int
	Skipped    int
	Bytes      int64
	Failed     []Failure
	Duration   time.Duration

	mu sync.Mutex
}

func (r *Report) fail(rec manifest.FileRecord, action Action, err error) {
	r.mu.Lock()
	r.Failed = append(r.Failed, Failure{Record: rec, Action: action, Kind: syncerr.KindOf(err), Err: err})
	r.mu.Unlock()
}

func (r *Report) downloaded(bytes int64) {
	r.mu.Lock()
	r.Downloaded++
	r.Bytes += bytes
	r.mu.Unlock()
}

func (r *Report) skipped() {
	r.mu.Lock()
	r.Skipped++
	r.mu.Unlock()
}

// OK reports whether nothing failed.
func (r *Report) OK() bool {
	return len(r.Failed) == 0
}

// Reconciler syncs local roots against one remote. Concurrent calls on the
// same root are not supported.
type Reconciler struct {
	source    remote.Source
	opts      Options
	log       *zap.Logger
	transfers *transfer.Coordinator
	extractor *extract.Extractor
}

func New(source remote.Source, opts Options) *Reconciler {
	if opts.Normalize == nil {
		opts.Normalize = manifest.NormalizePath
	}
	if opts.Hasher == nil {
		opts.Hasher = hash.FileHasher{}
	}
	if opts.DownloadWorkers <= 0 {
		opts.DownloadWorkers = 1
	}
	if opts.DownloadAttempts <= 0 {
		opts.DownloadAttempts = 1
	}
	switch {
	case opts.ManifestRetry.InitialWait == 0 && opts.ManifestRetry.MaxAttempts == 0:
		opts.ManifestRetry = retry.DefaultConfig()
	case opts.ManifestRetry.MaxAttempts <= 0:
		// Zero means unlimited to retry.Do; a manifest that never arrives
		// must end the sync instead.
		opts.ManifestRetry.MaxAttempts = retry.DefaultConfig().MaxAttempts
	}
	if len(opts.ArchiveExtensions) == 0 {
		opts.ArchiveExtensions = []string{".zip"}
	}

	log := logging.Or(opts.Logger)
	x := extract.New()
	if opts.MaxPathLength > 0 {
		x.MaxPathLength = opts.MaxPathLength
	}
	x.Sink = opts.Sink
	x.Logger = log

	return &Reconciler{
		source:    source,
		opts:      opts,
		log:       log,
		transfers: transfer.New(source, transfer.WithSink(opts.Sink), transfer.WithLogger(log)),
		extractor: x,
	}
}

func (r *Reconciler) notify(action Action, rec manifest.FileRecord) {
	if r.opts.OnFile != nil {
		r.opts.OnFile(action, rec)
	}
}

func (r *Reconciler) isArchive(rec manifest.FileRecord) bool {
	ext := strings.ToLower(filepath.Ext(rec.Name))
	for _, a := range r.opts.ArchiveExtensions {
		if ext == strings.ToLower(a) {
			return true
		}
	}
	return false
}

// localDir is where rec lives under root after path normalization.
func (r *Reconciler) localDir(root string, rec manifest.FileRecord) string {
	return filepath.Join(root, filepath.FromSlash(r.opts.Normalize(rec.Path)))
}

func (r *Reconciler) stagingDir(root string) string {
	if r.opts.StagingDir != "" {
		return r.opts.StagingDir
	}
	return filepath.Join(root, StateDir, "staging")
}

func (r *Reconciler) fetchManifest(ctx context.Context, pkg string) (manifest.Manifest, error) {
	m, err := retry.DoWithResult(ctx, r.opts.ManifestRetry, func() (manifest.Manifest, error) {
		m, err := r.source.FetchManifest(ctx, pkg)
		if err != nil && !syncerr.IsCanceled(err) {
			r.log.Warn("manifest fetch failed", logging.String("package", pkg), logging.Err(err))
		}
		return m, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, syncerr.Canceled("fetch manifest", pkg, ctx.Err())
		}
		return nil, err
	}
	return m, nil
}

// Sync makes localRoot match the remote package pkg. Per-file failures are
// collected in the report; only a failure to begin or a cancellation is
// returned as an error, alongside the partial report.
func (r *Reconciler) Sync(ctx context.Context, pkg, localRoot string) (report *Report, err error) {
	start := time.Now()
	report = &Report{}
	defer func() {
		report.Duration = time.Since(start)
		metrics.RecordSync("sync", report.Duration, err == nil && report.OK())
	}()

	if err := os.MkdirAll(localRoot, 0755); err != nil {
		return report, syncerr.New(syncerr.KindIO, "create root", localRoot, err)
	}

	remoteManifest, err := r.fetchManifest(ctx, pkg)
	if err != nil {
		return report, err
	}
	remoteManifest = r.dropExcluded(remoteManifest)

	skipHash := true
	for _, rec := range remoteManifest {
		if rec.Hash != "" {
			skipHash = false
			break
		}
	}

	localManifest, buildReport, err := manifest.Build(ctx, localRoot, manifest.BuildOptions{
		Exclude:    append([]string{StateDir + "/"}, r.opts.Exclude...),
		Hasher:     r.opts.Hasher,
		Workers:    r.opts.HashWorkers,
		MaxPending: r.opts.MaxPending,
		SkipHash:   skipHash,
		Observer:   r.opts.HashObserver,
		Logger:     r.log,
	})
	if err != nil {
		return report, err
	}
	if !skipHash {
		metrics.RecordHashed(len(localManifest))
	}

	diff := compare.Diff(remoteManifest, localManifest, r.opts.Normalize)
	reextract := r.keepExtracted(localRoot, remoteManifest, localManifest, diff)
	r.log.Info("sync plan",
		logging.String("package", pkg),
		logging.Int("remote", len(remoteManifest)),
		logging.Int("local", len(localManifest)),
		logging.Int("unreadable", len(buildReport.Errors)),
		logging.Int("download", len(diff.ToDownload)),
		logging.Int("delete", len(diff.ToDelete)),
		logging.Int("reextract", len(reextract)),
	)

	if err := r.deleteStale(ctx, localRoot, diff.ToDelete, report); err != nil {
		return report, err
	}

	archives, files := r.partition(diff.ToDownload)
	for _, rec := range archives {
		if err := r.syncArchive(ctx, pkg, localRoot, rec, report); err != nil {
			return report, err
		}
	}
	for _, rec := range reextract {
		dir := r.localDir(localRoot, rec)
		if err := r.extractInto(ctx, rec, filepath.Join(dir, rec.Name), dir, report); err != nil {
			return report, err
		}
	}

	if err := r.downloadAll(ctx, pkg, localRoot, files, report, report.Extracted > 0); err != nil {
		return report, err
	}

	r.log.Info("sync finished",
		logging.String("package", pkg),
		logging.Int("downloaded", report.Downloaded),
		logging.Int("deleted", report.Deleted),
		logging.Int("extracted", report.Extracted),
		logging.Int("skipped", report.Skipped),
		logging.Int("failed", len(report.Failed)),
		logging.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

// dropExcluded removes remote records the local walk would never see, so
// excluded paths are neither downloaded on every run nor deleted.
func (r *Reconciler) dropExcluded(m manifest.Manifest) manifest.Manifest {
	if len(r.opts.Exclude) == 0 {
		return m
	}
	kept := make(manifest.Manifest, 0, len(m))
	for _, rec := range m {
		rel := path.Join(r.opts.Normalize(rec.Path), rec.Name)
		if walker.Excluded(rel, r.opts.Exclude) {
			continue
		}
		kept = append(kept, rec)
	}
	if dropped := len(m) - len(kept); dropped > 0 {
		r.log.Debug("excluded remote records", logging.Int("count", dropped))
	}
	return kept
}

// keepExtracted removes files unpacked from archives that are already up to
// date from diff.ToDelete, since the manifest lists only the archive. It
// returns those archives with entries missing on disk, to be unpacked again.
// Archives that are about to be downloaded are left alone; their old entries
// go stale and the new archive replaces them.
func (r *Reconciler) keepExtracted(root string, remoteManifest, localManifest manifest.Manifest, diff *compare.Result) []manifest.FileRecord {
	if !r.opts.ExtractArchives {
		return nil
	}
	norm := r.opts.Normalize

	pending := make(map[manifest.Key]struct{}, len(diff.ToDownload))
	for _, rec := range diff.ToDownload {
		pending[manifest.KeyOf(rec, norm)] = struct{}{}
	}
	local := make(map[manifest.Key]struct{}, len(localManifest))
	for _, rec := range localManifest {
		local[manifest.KeyOf(rec, norm)] = struct{}{}
	}

	covered := make(map[manifest.Key]struct{})
	var reextract []manifest.FileRecord
	for _, rec := range remoteManifest {
		if !r.isArchive(rec) {
			continue
		}
		if _, ok := pending[manifest.KeyOf(rec, norm)]; ok {
			continue
		}

		dir := r.localDir(root, rec)
		entries, err := r.extractor.Entries(filepath.Join(dir, rec.Name), dir)
		if err != nil {
			r.log.Warn("cannot list archive", logging.Path(rec.RemotePath()), logging.Err(err))
			continue
		}

		base := norm(rec.Path)
		missing := false
		for _, e := range entries {
			entryDir := path.Dir(e)
			if entryDir == "." {
				entryDir = ""
			}
			k := manifest.KeyOf(manifest.FileRecord{Name: path.Base(e), Path: path.Join(base, entryDir)}, norm)
			covered[k] = struct{}{}
			if _, ok := local[k]; !ok {
				missing = true
			}
		}
		if missing {
			reextract = append(reextract, rec)
		}
	}

	if len(covered) == 0 {
		return reextract
	}
	kept := diff.ToDelete[:0]
	for _, rec := range diff.ToDelete {
		if _, ok := covered[manifest.KeyOf(rec, norm)]; ok {
			continue
		}
		kept = append(kept, rec)
	}
	diff.ToDelete = kept
	return reextract
}

// partition splits records into archives and plain files, keeping order. When
// archives are not extracted every record is a plain file.
func (r *Reconciler) partition(records []manifest.FileRecord) (archives, files []manifest.FileRecord) {
	for _, rec := range records {
		if r.opts.ExtractArchives && r.isArchive(rec) {
			archives = append(archives, rec)
		} else {
			files = append(files, rec)
		}
	}
	return archives, files
}

func (r *Reconciler) deleteStale(ctx context.Context, root string, stale []manifest.FileRecord, report *Report) error {
	dirs := make(map[string]struct{})
	for _, rec := range stale {
		if err := ctx.Err(); err != nil {
			return syncerr.Canceled("delete", rec.RemotePath(), err)
		}
		r.notify(ActionDelete, rec)

		p := rec.LocalPath(root)
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			err = syncerr.New(syncerr.KindIO, "delete", p, err)
			r.log.Warn("delete failed", logging.Path(p), logging.Err(err))
			report.fail(rec, ActionDelete, err)
			metrics.RecordDelete(false)
			continue
		}
		report.Deleted++
		metrics.RecordDelete(true)
		dirs[filepath.Dir(p)] = struct{}{}
	}

	for dir := range dirs {
		pruneEmptyDirs(root, dir)
	}
	return nil
}

// pruneEmptyDirs removes dir and its parents up to, not including, root while
// they are empty.
func pruneEmptyDirs(root, dir string) {
	root = filepath.Clean(root)
	for dir = filepath.Clean(dir); dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

// download fetches rec of pkg into dir, retrying network failures.
func (r *Reconciler) download(ctx context.Context, pkg string, rec manifest.FileRecord, dir string) (*transfer.Result, error) {
	cfg := r.opts.DownloadRetry
	cfg.MaxAttempts = r.opts.DownloadAttempts
	cfg.ShouldRetry = func(err error) bool {
		return syncerr.Is(err, syncerr.KindNetwork)
	}

	attempt := 0
	return retry.DoWithResult(ctx, cfg, func() (*transfer.Result, error) {
		attempt++
		if attempt > 1 {
			r.log.Info("retrying download", logging.Path(rec.RemotePath()), logging.Int("attempt", attempt))
		}
		return r.transfers.Download(ctx, pkg, rec, dir)
	})
}

func (r *Reconciler) syncArchive(ctx context.Context, pkg, root string, rec manifest.FileRecord, report *Report) error {
	dir := r.localDir(root, rec)
	r.notify(ActionDownload, rec)

	res, err := r.download(ctx, pkg, rec, dir)
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

	return r.extractInto(ctx, rec, res.Path, dir, report)
}

func (r *Reconciler) extractInto(ctx context.Context, rec manifest.FileRecord, archivePath, dir string, report *Report) error {
	r.notify(ActionExtract, rec)
	xres, err := r.extractor.Extract(ctx, archivePath, dir)
	if err != nil {
		if syncerr.IsCanceled(err) {
			return err
		}
		r.log.Warn("extract failed", logging.Path(archivePath), logging.Err(err))
		report.fail(rec, ActionExtract, err)
		metrics.RecordExtract(false)
		return nil
	}
	report.Extracted++
	metrics.RecordExtract(true)
	for _, name := range xres.Skipped {
		report.fail(rec, ActionExtract, syncerr.Newf(syncerr.KindValidation, "extract", name, "unsafe or overlong entry path"))
	}
	return nil
}

// present reports whether rec already exists at its destination with the
// expected content.
func (r *Reconciler) present(root string, rec manifest.FileRecord) bool {
	p := filepath.Join(r.localDir(root, rec), rec.Name)
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if rec.Hash == "" {
		return true
	}
	h, err := r.opts.Hasher.Hash(p, info)
	return err == nil && manifest.HashesMatch(h, rec.Hash)
}

func (r *Reconciler) downloadAll(ctx context.Context, pkg, root string, records []manifest.FileRecord, report *Report, checkPresent bool) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.DownloadWorkers)

	for _, rec := range records {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if checkPresent && r.present(root, rec) {
				r.notify(ActionSkip, rec)
				report.skipped()
				return nil
			}
			r.notify(ActionDownload, rec)

			res, err := r.download(gctx, pkg, rec, r.localDir(root, rec))
			if err != nil {
				if syncerr.IsCanceled(err) || gctx.Err() != nil {
					return syncerr.Canceled("download", rec.RemotePath(), gctx.Err())
				}
				r.log.Warn("download failed", logging.Path(rec.RemotePath()), logging.Err(err))
				report.fail(rec, ActionDownload, err)
				metrics.RecordDownload(0, false)
				return nil
			}
			report.downloaded(res.Bytes)
			metrics.RecordDownload(res.Bytes, true)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return syncerr.Canceled("download", root, err)
	}
	return nil
}
