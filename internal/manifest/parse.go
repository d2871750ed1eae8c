package manifest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"patchsync/internal/syncerr"
)

// wireRecord mirrors FileRecord with pointers so missing fields can be told
// apart from zero values.
type wireRecord struct {
	Name *string `json:"name"`
	Size *int64  `json:"size"`
	Hash *string `json:"hash"`
	Path *string `json:"path"`
}

// Parse decodes a JSON array of {name, size, hash, path} records. Unknown
// fields and malformed entries are rejected with a KindValidation error
// naming the offending index.
func Parse(r io.Reader) (Manifest, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var raw []wireRecord
	if err := dec.Decode(&raw); err != nil {
		return nil, syncerr.New(syncerr.KindValidation, "parse manifest", "", err)
	}

	return fromWire(raw)
}

// ParseBytes is Parse over a byte slice.
func ParseBytes(data []byte) (Manifest, error) {
	return Parse(bytes.NewReader(data))
}

func fromWire(raw []wireRecord) (Manifest, error) {
	m := make(Manifest, 0, len(raw))
	for i, w := range raw {
		rec, err := w.record()
		if err != nil {
			return nil, syncerr.Newf(syncerr.KindValidation, "parse manifest", "", "entry %d: %v", i, err)
		}
		m = append(m, rec)
	}
	return m, nil
}

func (w wireRecord) record() (FileRecord, error) {
	var rec FileRecord
	if w.Name == nil {
		return rec, fmt.Errorf("missing name")
	}
	rec.Name = *w.Name
	if w.Size != nil {
		rec.Size = *w.Size
	}
	if w.Hash != nil {
		rec.Hash = strings.ToLower(*w.Hash)
	}
	if w.Path != nil {
		rec.Path = NormalizePath(*w.Path)
	}
	return rec, Validate(rec)
}

// Validate checks a single record.
func Validate(rec FileRecord) error {
	switch {
	case rec.Name == "":
		return fmt.Errorf("empty name")
	case rec.Name == "." || rec.Name == "..":
		return fmt.Errorf("invalid name %q", rec.Name)
	case strings.ContainsAny(rec.Name, "/\\"):
		return fmt.Errorf("name %q contains a path separator", rec.Name)
	case rec.Size < 0:
		return fmt.Errorf("negative size for %q", rec.Name)
	}
	if rec.Hash != "" {
		if _, err := hex.DecodeString(rec.Hash); err != nil {
			return fmt.Errorf("hash for %q is not hex", rec.Name)
		}
	}
	for _, part := range strings.Split(NormalizePath(rec.Path), "/") {
		if part == ".." {
			return fmt.Errorf("path %q escapes the root", rec.Path)
		}
	}
	return nil
}

// Document is the on-disk form written by Save.
type Document struct {
	Generator string       `json:"generator"`
	Created   time.Time    `json:"created"`
	Root      string       `json:"root"`
	Size      int64        `json:"size"`
	Digest    string       `json:"digest"`
	Files     []FileRecord `json:"files"`
}

// Save writes m and its digest to path.
func Save(m Manifest, root, path string) error {
	digest, err := m.Digest()
	if err != nil {
		return err
	}

	doc := Document{
		Generator: "patchsync",
		Created:   time.Now().UTC(),
		Root:      root,
		Size:      m.TotalSize(),
		Digest:    digest,
		Files:     m,
	}
	if doc.Files == nil {
		doc.Files = []FileRecord{}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// Load reads a manifest from path. Both a Document and a bare record array
// are accepted.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, syncerr.New(syncerr.KindIO, "load manifest", path, err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return ParseBytes(trimmed)
	}

	var doc struct {
		Files []wireRecord `json:"files"`
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, syncerr.New(syncerr.KindValidation, "load manifest", path, err)
	}
	return fromWire(doc.Files)
}
