// Package manifest describes directory trees as ordered lists of file records
// and builds them from the local filesystem.
package manifest

import (
	"path"
	"path/filepath"
	"strings"
)

// FileRecord is one file in a manifest.
type FileRecord struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	// Hash is empty for records that must never be compared on content.
	Hash string `json:"hash,omitempty"`
	// Path is the parent directory relative to the manifest root, with
	// forward slashes. The root itself is "".
	Path string `json:"path"`
}

// RemotePath is the record's identifier on the remote side.
func (r FileRecord) RemotePath() string {
	if r.Path == "" {
		return r.Name
	}
	return r.Path + "/" + r.Name
}

// LocalPath joins the record onto root using the OS separator.
func (r FileRecord) LocalPath(root string) string {
	return filepath.Join(root, filepath.FromSlash(r.Path), r.Name)
}

// Manifest is an ordered list of records in build order.
type Manifest []FileRecord

// TotalSize sums the record sizes.
func (m Manifest) TotalSize() int64 {
	var total int64
	for _, r := range m {
		total += r.Size
	}
	return total
}

// Normalizer maps a record path to its comparison form.
type Normalizer func(string) string

// NormalizePath converts separators to forward slashes, cleans the path and
// strips leading "./" and "/" so "Data\enUS", "/Data/enUS/" and
// "./Data/enUS" all compare equal. The root normalizes to "".
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	p = strings.TrimLeft(p, "/")
	p = strings.TrimPrefix(p, "./")
	if p == "." {
		return ""
	}
	return p
}

// MarkerNormalizer returns a Normalizer that, after NormalizePath, drops
// everything up to and including the last occurrence of marker. A path
// without the marker is returned normalized but otherwise untouched.
//
// With marker "Data", "C:/Games/Client/Data/enUS" becomes "enUS" and
// "Data" becomes "".
func MarkerNormalizer(marker string) Normalizer {
	marker = NormalizePath(marker)
	if marker == "" {
		return NormalizePath
	}
	return func(p string) string {
		p = NormalizePath(p)
		if p == marker {
			return ""
		}
		if strings.HasSuffix(p, "/"+marker) {
			return ""
		}
		if i := strings.LastIndex(p, "/"+marker+"/"); i >= 0 {
			return p[i+len(marker)+2:]
		}
		if strings.HasPrefix(p, marker+"/") {
			return p[len(marker)+1:]
		}
		return p
	}
}

// Key is the composite identity of a record minus the hash, which is matched
// separately so an empty hash can act as a wildcard.
type Key struct {
	Name string
	Path string
}

// KeyOf returns r's key under normalize.
func KeyOf(r FileRecord, normalize Normalizer) Key {
	if normalize == nil {
		normalize = NormalizePath
	}
	return Key{Name: r.Name, Path: normalize(r.Path)}
}

// HashesMatch reports whether two hashes denote the same content. An empty
// hash on either side matches anything.
func HashesMatch(a, b string) bool {
	return a == "" || b == "" || strings.EqualFold(a, b)
}

// Same reports whether a and b are the same file under normalize.
func Same(a, b FileRecord, normalize Normalizer) bool {
	return KeyOf(a, normalize) == KeyOf(b, normalize) && HashesMatch(a.Hash, b.Hash)
}
