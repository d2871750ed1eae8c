package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"patchsync/internal/compare"
	"patchsync/internal/logging"
	"patchsync/internal/manifest"
	"patchsync/internal/progress"
	"patchsync/internal/reconcile"
)

func newSyncCmd(a *app) *cobra.Command {
	var extract bool

	cmd := &cobra.Command{
		Use:   "sync <package> <directory>",
		Short: "Download missing files and delete stale ones",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("extract") {
				a.cfg.Sync.ExtractArchives = extract
			}
			return a.run(cmd, args[0], args[1], false)
		},
	}
	cmd.Flags().BoolVar(&extract, "extract", false, "Extract downloaded archives (overrides config)")
	return cmd
}

func newInstallCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "install <package> <directory>",
		Short: "Download and unpack every file of a package",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0], args[1], true)
		},
	}
}

func (a *app) run(cmd *cobra.Command, pkg, directory string, install bool) error {
	root, err := filepath.Abs(directory)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	bar := progress.New()
	r, release, err := a.reconciler(cmd.Context(), root, bar)
	if err != nil {
		return err
	}
	defer release()

	if install {
		fmt.Printf("Installing %s into %s\n", pkg, root)
	} else {
		fmt.Printf("Syncing %s into %s\n", pkg, root)
	}

	var report *reconcile.Report
	if install {
		report, err = r.Install(cmd.Context(), pkg, root)
	} else {
		report, err = r.Sync(cmd.Context(), pkg, root)
	}
	bar.Finish()

	printReport(report)
	if err != nil {
		return err
	}
	if !report.OK() {
		return exitError{code: 2}
	}
	return nil
}

func printReport(report *reconcile.Report) {
	if report == nil {
		return
	}
	fmt.Printf("✓ Downloaded %d files (%s)\n", report.Downloaded, progress.FormatBytes(report.Bytes))
	fmt.Printf("  Deleted: %d\n", report.Deleted)
	if report.Extracted > 0 {
		fmt.Printf("  Extracted archives: %d\n", report.Extracted)
	}
	if report.Skipped > 0 {
		fmt.Printf("  Already present: %d\n", report.Skipped)
	}
	fmt.Printf("  Elapsed: %s\n", report.Duration.Round(time.Millisecond))

	if len(report.Failed) > 0 {
		fmt.Printf("\n⚠ %d files failed\n", len(report.Failed))
		for _, f := range report.Failed {
			fmt.Printf("  %s %s [%s]: %v\n", f.Action, f.Record.RemotePath(), f.Kind, f.Err)
		}
	}
}

// buildLocal hashes directory with the configured exclusions and a bar.
func (a *app) buildLocal(cmd *cobra.Command, root string) (manifest.Manifest, *manifest.BuildReport, error) {
	hasher, release, err := a.hasher(root)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	fmt.Printf("Scanning directory: %s\n", root)
	bar := progress.New()
	bar.SetLabel("hashing")
	m, report, err := manifest.Build(cmd.Context(), root, manifest.BuildOptions{
		Exclude:    append([]string{reconcile.StateDir + "/"}, a.cfg.Exclude...),
		Hasher:     hasher,
		Workers:    a.cfg.Sync.HashWorkers,
		MaxPending: a.cfg.Sync.MaxPending,
		Observer:   bar.Count,
		Logger:     logging.L(),
	})
	bar.Finish()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build manifest: %w", err)
	}
	return m, report, nil
}

func newManifestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "manifest <directory> [output-json-filename]",
		Short: "Build a manifest of a directory and save it as JSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("failed to get absolute path: %w", err)
			}

			m, report, err := a.buildLocal(cmd, root)
			if err != nil {
				return err
			}
			digest, err := m.Digest()
			if err != nil {
				return fmt.Errorf("failed to compute digest: %w", err)
			}

			// If no output path specified, use the digest as filename in ./output/
			outputPath := filepath.Join("output", digest+".json")
			if len(args) == 2 {
				outputPath = args[1]
			}
			if err := manifest.Save(m, root, outputPath); err != nil {
				return fmt.Errorf("failed to save manifest: %w", err)
			}

			fmt.Printf("✓ Manifest generated successfully\n")
			fmt.Printf("  Digest: %s\n", digest)
			fmt.Printf("  Files: %d (%s)\n", len(m), progress.FormatBytes(m.TotalSize()))
			fmt.Printf("  Output: %s\n", outputPath)

			if len(report.Errors) > 0 {
				fmt.Printf("\n⚠ Skipped %d files due to errors\n", len(report.Errors))
			}
			return nil
		},
	}
}

func newDiffCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <manifest.json> <directory>",
		Short: "Compare a saved manifest against a directory",
		Long:  "Compare a saved manifest against a directory.\n\nExits 1 when changes are found and 2 when files could not be read.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remoteManifest, err := manifest.Load(args[0])
			if err != nil {
				return fmt.Errorf("failed to load manifest: %w", err)
			}
			root, err := filepath.Abs(args[1])
			if err != nil {
				return fmt.Errorf("failed to get absolute path: %w", err)
			}
			if _, err := os.Stat(root); err != nil {
				return fmt.Errorf("failed to read directory: %w", err)
			}

			local, report, err := a.buildLocal(cmd, root)
			if err != nil {
				return err
			}

			result := compare.Diff(remoteManifest, local, a.normalizer())
			fmt.Println(compare.FormatReport(result))

			if len(report.Errors) > 0 {
				fmt.Printf("Skipped: %d files\n", len(report.Errors))
				return exitError{code: 2}
			}
			if result.HasChanges() {
				return exitError{code: 1}
			}
			return nil
		},
	}
}
