package manifest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"patchsync/internal/hash"
	"patchsync/internal/syncerr"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":               "",
		".":              "",
		"/":              "",
		"Data":           "Data",
		"Data\\enUS":     "Data/enUS",
		"/Data/enUS/":    "Data/enUS",
		"./Data//enUS":   "Data/enUS",
		"Data/./x/../y":  "Data/y",
		"\\Interface\\A": "Interface/A",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestMarkerNormalizer(t *testing.T) {
	norm := MarkerNormalizer("Data")
	cases := map[string]string{
		"C:\\Games\\Client\\Data\\enUS": "enUS",
		"/srv/patches/Data":             "",
		"Data":                          "",
		"Data/enUS/patch":               "enUS/patch",
		"Interface/AddOns":              "Interface/AddOns",
		"Database/x":                    "Database/x",
	}
	for in, want := range cases {
		if got := norm(in); got != want {
			t.Errorf("MarkerNormalizer(%q): expected %q, got %q", in, want, got)
		}
	}

	if MarkerNormalizer("")("a\\b") != "a/b" {
		t.Error("empty marker should fall back to NormalizePath")
	}
}

func TestSame_HashWildcard(t *testing.T) {
	a := FileRecord{Name: "x.mpq", Path: "Data", Hash: "aa"}
	b := FileRecord{Name: "x.mpq", Path: "/Data/", Hash: "AA"}
	c := FileRecord{Name: "x.mpq", Path: "Data"}
	d := FileRecord{Name: "x.mpq", Path: "Data", Hash: "bb"}

	if !Same(a, b, nil) {
		t.Error("paths normalize and hashes compare case-insensitively")
	}
	if !Same(a, c, nil) {
		t.Error("missing hash should match any hash")
	}
	if Same(a, d, nil) {
		t.Error("different hashes should not match")
	}
}

func TestParse_Valid(t *testing.T) {
	m, err := Parse(strings.NewReader(`[
		{"name": "a.bin", "size": 3, "hash": "ABCDEF0123456789", "path": "Data\\enUS"},
		{"name": "root.txt", "size": 0}
	]`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m) != 2 {
		t.Fatalf("expected 2 records, got %d", len(m))
	}
	if m[0].Path != "Data/enUS" || m[0].Hash != "abcdef0123456789" {
		t.Errorf("unexpected first record %+v", m[0])
	}
	if m[1].Path != "" || m[1].Hash != "" {
		t.Errorf("unexpected second record %+v", m[1])
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"unknown field": `[{"name": "a", "sizeKB": 1}]`,
		"missing name":  `[{"size": 1}]`,
		"empty name":    `[{"name": ""}]`,
		"slash in name": `[{"name": "a/b"}]`,
		"negative size": `[{"name": "a", "size": -1}]`,
		"bad hash":      `[{"name": "a", "hash": "zz"}]`,
		"escaping path": `[{"name": "a", "path": "../etc"}]`,
		"wrong shape":   `{"name": "a"}`,
	}
	for name, body := range cases {
		_, err := Parse(strings.NewReader(body))
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if !syncerr.Is(err, syncerr.KindValidation) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestBuild_CreatesMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "does", "not", "exist")

	m, report, err := Build(context.Background(), root, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(m) != 0 || report.Scanned != 0 {
		t.Errorf("expected empty manifest, got %d records", len(m))
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root should exist: %v", err)
	}
}

func TestBuild_Records(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"Wow.exe":              "binary",
		"Data/common.MPQ":      "common",
		"Data/enUS/locale.MPQ": "locale",
	})

	m, _, err := Build(context.Background(), root, BuildOptions{Workers: 2})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(m) != 3 {
		t.Fatalf("expected 3 records, got %d", len(m))
	}

	want := []FileRecord{
		{Name: "common.MPQ", Path: "Data", Size: 6, Hash: hash.HashBytes([]byte("common"))},
		{Name: "locale.MPQ", Path: "Data/enUS", Size: 6, Hash: hash.HashBytes([]byte("locale"))},
		{Name: "Wow.exe", Path: "", Size: 6, Hash: hash.HashBytes([]byte("binary"))},
	}
	for i, w := range want {
		if m[i] != w {
			t.Errorf("record %d: expected %+v, got %+v", i, w, m[i])
		}
	}
}

func TestBuild_SkipHash(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a"})

	m, _, err := Build(context.Background(), root, BuildOptions{SkipHash: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(m) != 1 || m[0].Hash != "" {
		t.Errorf("expected one hashless record, got %+v", m)
	}
}

func TestBuild_DeterministicDigest(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt":     "a",
		"b/c.txt":   "c",
		"b/d/e.bin": "e",
	})

	m1, _, err := Build(context.Background(), root, BuildOptions{Workers: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	m2, _, err := Build(context.Background(), root, BuildOptions{Workers: 8})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	d1, err := m1.Digest()
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	d2, _ := m2.Digest()
	if d1 != d2 {
		t.Errorf("unchanged tree should give equal digests: %s vs %s", d1, d2)
	}

	// Order does not matter
	reversed := make(Manifest, len(m1))
	for i := range m1 {
		reversed[len(m1)-1-i] = m1[i]
	}
	if d3, _ := reversed.Digest(); d3 != d1 {
		t.Errorf("digest should not depend on order")
	}

	writeTree(t, root, map[string]string{"b/c.txt": "changed"})
	m3, _, _ := Build(context.Background(), root, BuildOptions{})
	if d4, _ := m3.Digest(); d4 == d1 {
		t.Error("changed content should change the digest")
	}
}

func TestDigest_SmallManifests(t *testing.T) {
	empty, err := Manifest{}.Digest()
	if err != nil || empty == "" {
		t.Fatalf("empty digest: %q, %v", empty, err)
	}
	single, err := Manifest{{Name: "a", Hash: "01"}}.Digest()
	if err != nil || single == "" || single == empty {
		t.Fatalf("single digest: %q, %v", single, err)
	}
}

func TestBuild_Canceled(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a": "1", "b": "2"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := Build(ctx, root, BuildOptions{})
	if !syncerr.IsCanceled(err) {
		t.Errorf("expected canceled, got %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	m := Manifest{
		{Name: "a.bin", Size: 1, Hash: "0a", Path: "Data"},
		{Name: "b.bin", Size: 2, Path: ""},
	}
	out := filepath.Join(t.TempDir(), "out", "manifest.json")
	if err := Save(m, "/games/client", out); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(out)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 || loaded[0] != m[0] || loaded[1] != m[1] {
		t.Errorf("round trip mismatch: %+v", loaded)
	}

	// Bare arrays are accepted too
	bare := filepath.Join(t.TempDir(), "bare.json")
	os.WriteFile(bare, []byte(`[{"name":"x","path":"y"}]`), 0644)
	loaded, err = Load(bare)
	if err != nil || len(loaded) != 1 || loaded[0].Path != "y" {
		t.Errorf("bare load: %+v, %v", loaded, err)
	}
}
