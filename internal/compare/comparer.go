package compare

import (
	"fmt"
	"strings"

	"patchsync/internal/manifest"
)

// Result is the outcome of one Diff. It is not modified after Diff returns.
type Result struct {
	ToDownload []manifest.FileRecord // in remote order
	ToDelete   []manifest.FileRecord // in local order
}

func (r *Result) HasChanges() bool {
	return len(r.ToDownload) > 0 || len(r.ToDelete) > 0
}

// Observer receives the running lengths of both output lists.
type Observer func(downloads, deletes int)

type options struct {
	observer Observer
}

// Option configures Diff.
type Option func(*options)

// WithObserver reports output list growth while diffing.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// index groups records by (name, normalized path), keeping input order within
// each group.
type index map[manifest.Key][]manifest.FileRecord

func buildIndex(m manifest.Manifest, normalize manifest.Normalizer) index {
	idx := make(index, len(m))
	for _, r := range m {
		k := manifest.KeyOf(r, normalize)
		idx[k] = append(idx[k], r)
	}
	return idx
}

// match returns the first candidate that is the same file as r.
func (idx index) match(r manifest.FileRecord, normalize manifest.Normalizer) (manifest.FileRecord, bool) {
	for _, c := range idx[manifest.KeyOf(r, normalize)] {
		if manifest.HashesMatch(r.Hash, c.Hash) {
			return c, true
		}
	}
	return manifest.FileRecord{}, false
}

// Diff computes which remote records are missing locally and which local
// records no longer exist remotely. The two passes are independent: a local
// file whose content drifted appears in ToDelete and its remote version in
// ToDownload. A record with an empty hash matches on name and path alone.
// Remote records repeating an already queued composite key are emitted once.
func Diff(remote, local manifest.Manifest, normalize manifest.Normalizer, opts ...Option) *Result {
	if normalize == nil {
		normalize = manifest.NormalizePath
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	result := &Result{
		ToDownload: make([]manifest.FileRecord, 0),
		ToDelete:   make([]manifest.FileRecord, 0),
	}

	localIdx := buildIndex(local, normalize)
	queued := make(map[downloadKey]struct{})
	for _, r := range remote {
		if _, ok := localIdx.match(r, normalize); ok {
			continue
		}
		dk := downloadKey{Key: manifest.KeyOf(r, normalize), hash: strings.ToLower(r.Hash)}
		if _, dup := queued[dk]; dup {
			continue
		}
		queued[dk] = struct{}{}
		result.ToDownload = append(result.ToDownload, r)
		if o.observer != nil {
			o.observer(len(result.ToDownload), len(result.ToDelete))
		}
	}

	remoteIdx := buildIndex(remote, normalize)
	for _, l := range local {
		if _, ok := remoteIdx.match(l, normalize); ok {
			continue
		}
		result.ToDelete = append(result.ToDelete, l)
		if o.observer != nil {
			o.observer(len(result.ToDownload), len(result.ToDelete))
		}
	}

	return result
}

type downloadKey struct {
	manifest.Key
	hash string
}

func FormatReport(result *Result) string {
	if !result.HasChanges() {
		return "No changes detected."
	}

	var b strings.Builder
	b.WriteString("Changes detected:\n\n")

	if len(result.ToDownload) > 0 {
		fmt.Fprintf(&b, "DOWNLOAD (%d files):\n", len(result.ToDownload))
		for _, r := range result.ToDownload {
			fmt.Fprintf(&b, "  + %s (hash: %s, size: %d bytes)\n", r.RemotePath(), displayHash(r.Hash), r.Size)
		}
		b.WriteString("\n")
	}

	if len(result.ToDelete) > 0 {
		fmt.Fprintf(&b, "DELETE (%d files):\n", len(result.ToDelete))
		for _, r := range result.ToDelete {
			fmt.Fprintf(&b, "  - %s (hash: %s, size: %d bytes)\n", r.RemotePath(), displayHash(r.Hash), r.Size)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Summary: %d to download, %d to delete\n", len(result.ToDownload), len(result.ToDelete))

	return b.String()
}

func displayHash(h string) string {
	if h == "" {
		return "-"
	}
	return h
}
