package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"patchsync/internal/config"
	"patchsync/internal/hash"
	"patchsync/internal/hashcache"
	"patchsync/internal/logging"
	"patchsync/internal/manifest"
	"patchsync/internal/metrics"
	"patchsync/internal/progress"
	"patchsync/internal/reconcile"
	"patchsync/internal/remote"
)

// exitError carries a process exit code without printing anything more.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

type app struct {
	configPath string
	workers    int
	logLevel   string

	cfg *config.Config
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.workers > 0 {
		cfg.Sync.HashWorkers = a.workers
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := logging.Init(cfg.LoggerConfig()); err != nil {
		return fmt.Errorf("failed to init logging: %w", err)
	}
	a.cfg = cfg
	metrics.Serve(cmd.Context(), cfg.Metrics.Addr)
	return nil
}

func (a *app) normalizer() manifest.Normalizer {
	if a.cfg.Sync.PathMarker != "" {
		return manifest.MarkerNormalizer(a.cfg.Sync.PathMarker)
	}
	return manifest.NormalizePath
}

// hasher returns the hasher for root and a function releasing it.
func (a *app) hasher(root string) (hash.Hasher, func(), error) {
	if !a.cfg.Sync.HashCache {
		return hash.FileHasher{}, func() {}, nil
	}
	cache, err := hashcache.Open(filepath.Join(root, reconcile.StateDir, "hashes.db"), hash.FileHasher{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open hash cache: %w", err)
	}
	return cache, func() { cache.Close() }, nil
}

// reconciler wires the configured remote and hasher for root. The bar shows
// hashing and transfer progress.
func (a *app) reconciler(ctx context.Context, root string, bar *progress.Bar) (*reconcile.Reconciler, func(), error) {
	source, err := remote.New(ctx, a.cfg.RemoteSource())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure remote: %w", err)
	}
	hasher, release, err := a.hasher(root)
	if err != nil {
		return nil, nil, err
	}

	r := reconcile.New(source, reconcile.Options{
		Normalize:         a.normalizer(),
		Exclude:           a.cfg.Exclude,
		Hasher:            hasher,
		HashWorkers:       a.cfg.Sync.HashWorkers,
		MaxPending:        a.cfg.Sync.MaxPending,
		DownloadWorkers:   a.cfg.Sync.DownloadWorkers,
		DownloadAttempts:  a.cfg.Sync.DownloadAttempts,
		DownloadRetry:     a.cfg.RetryPolicy(),
		ManifestRetry:     a.cfg.RetryPolicy(),
		ExtractArchives:   a.cfg.Sync.ExtractArchives,
		ArchiveExtensions: a.cfg.Sync.ArchiveExtensions,
		StagingDir:        a.cfg.Sync.StagingDir,
		MaxPathLength:     a.cfg.Sync.MaxPathLength,
		Sink:              bar,
		HashObserver:      bar.Count,
		OnFile: func(action reconcile.Action, rec manifest.FileRecord) {
			bar.SetLabel(string(action) + " " + rec.RemotePath())
		},
		Logger: logging.L(),
	})
	return r, release, nil
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:               "patchsync",
		Short:             "Keep a local directory in sync with a remote patch package",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "patchsync.yaml", "Config file path")
	root.PersistentFlags().IntVarP(&a.workers, "workers", "w", 0, "Number of concurrent hash workers (default from config)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(
		newSyncCmd(a),
		newInstallCmd(a),
		newManifestCmd(a),
		newDiffCmd(a),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	logging.Sync()

	if err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
