package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"patchsync/internal/config"
	"patchsync/internal/hash"
	"patchsync/internal/manifest"
	"patchsync/internal/remote"
	"patchsync/internal/retry"
	"patchsync/internal/syncerr"
)

// pkgServer serves one package from memory the way the patch server does.
type pkgServer struct {
	mu       sync.Mutex
	files    map[string][]byte
	hashless bool
	broken   map[string]int // remote path -> status code
	down     bool
}

func (p *pkgServer) set(files map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files = make(map[string][]byte, len(files))
	for k, v := range files {
		p.files[k] = []byte(v)
	}
}

func (p *pkgServer) manifest() manifest.Manifest {
	names := make([]string, 0, len(p.files))
	for k := range p.files {
		names = append(names, k)
	}
	sort.Strings(names)

	m := make(manifest.Manifest, 0, len(names))
	for _, n := range names {
		dir := path.Dir(n)
		if dir == "." {
			dir = ""
		}
		rec := manifest.FileRecord{Name: path.Base(n), Path: dir, Size: int64(len(p.files[n]))}
		if !p.hashless {
			rec.Hash = hash.HashBytes(p.files[n])
		}
		m = append(m, rec)
	}
	return m
}

func (p *pkgServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.down {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}

	switch r.URL.Path {
	case "/manifest":
		json.NewEncoder(w).Encode(p.manifest())
	case "/file":
		var req struct {
			Path string `json:"path"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if code, ok := p.broken[req.Path]; ok {
			http.Error(w, "broken", code)
			return
		}
		data, ok := p.files[req.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	default:
		http.NotFound(w, r)
	}
}

func newReconciler(t *testing.T, srv *pkgServer, opts Options) *Reconciler {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client, err := remote.NewHTTPClient(ts.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	opts.ManifestRetry = retry.Config{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
	return New(client, opts)
}

func writeLocal(t *testing.T, root string, files map[string]string) {
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

func assertContent(t *testing.T, root, name, want string) {
	t.Helper()
	got, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
	if err != nil {
		t.Errorf("%s: %v", name, err)
		return
	}
	if string(got) != want {
		t.Errorf("%s: expected %q, got %q", name, want, got)
	}
}

func assertMissing(t *testing.T, root, name string) {
	t.Helper()
	if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(name))); !os.IsNotExist(err) {
		t.Errorf("%s should not exist (err=%v)", name, err)
	}
}

func TestSync_NewInstall(t *testing.T) {
	srv := &pkgServer{}
	srv.set(map[string]string{"A": "a", "Data/B": "b", "Data/enUS/C": "c"})
	r := newReconciler(t, srv, Options{})

	root := filepath.Join(t.TempDir(), "client")
	report, err := r.Sync(context.Background(), "client", root)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Downloaded != 3 || report.Deleted != 0 || !report.OK() {
		t.Errorf("unexpected report %+v", report)
	}
	if report.Bytes != 3 {
		t.Errorf("expected 3 bytes, got %d", report.Bytes)
	}
	assertContent(t, root, "A", "a")
	assertContent(t, root, "Data/enUS/C", "c")
}

func TestSync_StaleFileRemoval(t *testing.T) {
	srv := &pkgServer{}
	srv.set(map[string]string{"A": "a", "B": "b", "C": "c"})
	r := newReconciler(t, srv, Options{})

	root := t.TempDir()
	writeLocal(t, root, map[string]string{"A": "a", "B": "b", "Old/Deep/D": "d"})

	report, err := r.Sync(context.Background(), "client", root)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Downloaded != 1 || report.Deleted != 1 {
		t.Errorf("expected 1 download and 1 delete, got %+v", report)
	}
	assertContent(t, root, "C", "c")
	assertMissing(t, root, "Old/Deep/D")
	assertMissing(t, root, "Old")
}

func TestSync_ContentDrift(t *testing.T) {
	srv := &pkgServer{}
	srv.set(map[string]string{"Data/A": "remote version"})
	r := newReconciler(t, srv, Options{})

	root := t.TempDir()
	writeLocal(t, root, map[string]string{"Data/A": "local edit"})

	report, err := r.Sync(context.Background(), "client", root)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Downloaded != 1 || report.Deleted != 1 {
		t.Errorf("expected replace, got %+v", report)
	}
	assertContent(t, root, "Data/A", "remote version")
}

func TestSync_Idempotent(t *testing.T) {
	srv := &pkgServer{}
	srv.set(map[string]string{"A": "a", "Data/B": "b"})
	r := newReconciler(t, srv, Options{})
	root := t.TempDir()

	if _, err := r.Sync(context.Background(), "client", root); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	report, err := r.Sync(context.Background(), "client", root)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if report.Downloaded != 0 || report.Deleted != 0 || len(report.Failed) != 0 {
		t.Errorf("second sync should be a no-op, got %+v", report)
	}
}

func TestSync_HashlessManifestKeepsExistingFiles(t *testing.T) {
	srv := &pkgServer{hashless: true}
	srv.set(map[string]string{"A": "remote"})
	r := newReconciler(t, srv, Options{})

	root := t.TempDir()
	writeLocal(t, root, map[string]string{"A": "local"})

	report, err := r.Sync(context.Background(), "client", root)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Downloaded != 0 || report.Deleted != 0 {
		t.Errorf("hashless records should match by name and path, got %+v", report)
	}
	assertContent(t, root, "A", "local")
}

func TestSync_FailuresAreIsolated(t *testing.T) {
	srv := &pkgServer{broken: map[string]int{"B": http.StatusNotFound}}
	srv.set(map[string]string{"A": "a", "B": "b", "C": "c"})
	r := newReconciler(t, srv, Options{DownloadAttempts: 3})

	root := t.TempDir()
	report, err := r.Sync(context.Background(), "client", root)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Downloaded != 2 || len(report.Failed) != 1 {
		t.Fatalf("expected 2 downloads and 1 failure, got %+v", report)
	}
	f := report.Failed[0]
	if f.Record.Name != "B" || f.Kind != syncerr.KindRemoteRejected || f.Action != ActionDownload {
		t.Errorf("unexpected failure %+v", f)
	}
}

func TestSync_ManifestUnavailableIsFatal(t *testing.T) {
	srv := &pkgServer{down: true}
	srv.set(map[string]string{"A": "a"})
	r := newReconciler(t, srv, Options{})

	report, err := r.Sync(context.Background(), "client", t.TempDir())
	if err == nil {
		t.Fatal("expected error")
	}
	if !syncerr.Is(err, syncerr.KindRemoteRejected) {
		t.Errorf("expected remote rejected, got %v", err)
	}
	if report == nil {
		t.Error("report should be returned even on failure")
	}
}

func TestSync_CancelStopsQueue(t *testing.T) {
	srv := &pkgServer{}
	srv.set(map[string]string{"A": "a", "B": "b", "C": "c", "D": "d"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	started := 0
	r := newReconciler(t, srv, Options{
		OnFile: func(action Action, _ manifest.FileRecord) {
			if action != ActionDownload {
				return
			}
			mu.Lock()
			started++
			if started == 2 {
				cancel()
			}
			mu.Unlock()
		},
	})

	report, err := r.Sync(ctx, "client", t.TempDir())
	if !syncerr.IsCanceled(err) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if report.Downloaded >= 4 {
		t.Errorf("cancel should stop the queue, downloaded %d", report.Downloaded)
	}
}

func TestSync_ParallelDownloads(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 20; i++ {
		files["Data/f"+strconv.Itoa(i)] = "content " + strconv.Itoa(i)
	}
	srv := &pkgServer{}
	srv.set(files)
	r := newReconciler(t, srv, Options{DownloadWorkers: 4})

	root := t.TempDir()
	report, err := r.Sync(context.Background(), "client", root)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Downloaded != 20 {
		t.Errorf("expected 20 downloads, got %d", report.Downloaded)
	}
	assertContent(t, root, "Data/f7", "content 7")
}

func TestSync_MarkerNormalizer(t *testing.T) {
	srv := &pkgServer{}
	srv.set(map[string]string{"srv/Data/enUS/A": "a"})
	r := newReconciler(t, srv, Options{Normalize: manifest.MarkerNormalizer("Data")})

	root := t.TempDir()
	if _, err := r.Sync(context.Background(), "client", root); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	assertContent(t, root, "enUS/A", "a")

	report, err := r.Sync(context.Background(), "client", root)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if report.Downloaded != 0 || report.Deleted != 0 {
		t.Errorf("second sync should be a no-op, got %+v", report)
	}
}

func zipBytes(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip Create: %v", err)
		}
		w.Write([]byte(content))
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}
	return buf.String()
}

func TestSync_ExtractsArchives(t *testing.T) {
	archive := zipBytes(t, map[string]string{"Data/x.txt": "from archive"})
	srv := &pkgServer{}
	srv.set(map[string]string{"patch.zip": archive, "Data/x.txt": "from archive"})
	r := newReconciler(t, srv, Options{ExtractArchives: true})

	root := t.TempDir()
	report, err := r.Sync(context.Background(), "client", root)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Extracted != 1 || report.Downloaded != 1 || report.Skipped != 1 {
		t.Errorf("expected archive extracted and x.txt skipped, got %+v", report)
	}
	assertContent(t, root, "Data/x.txt", "from archive")

	report, err = r.Sync(context.Background(), "client", root)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if report.Downloaded != 0 || report.Extracted != 0 || report.Deleted != 0 {
		t.Errorf("second sync should be a no-op, got %+v", report)
	}
}

func TestInstall_ExtractsAndRemovesStagedArchives(t *testing.T) {
	archive := zipBytes(t, map[string]string{"Interface/AddOns/a.lua": "print()"})
	srv := &pkgServer{}
	srv.set(map[string]string{"addons.zip": archive, "readme.txt": "hi"})
	r := newReconciler(t, srv, Options{})

	root := t.TempDir()
	report, err := r.Install(context.Background(), "addons", root)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if report.Extracted != 1 || report.Downloaded != 2 || !report.OK() {
		t.Errorf("unexpected report %+v", report)
	}
	assertContent(t, root, "Interface/AddOns/a.lua", "print()")
	assertContent(t, root, "readme.txt", "hi")
	assertMissing(t, root, "addons.zip")
	assertMissing(t, root, StateDir+"/staging/addons.zip")
}

func TestSync_StateDirIsNotStale(t *testing.T) {
	srv := &pkgServer{}
	srv.set(map[string]string{"A": "a"})
	r := newReconciler(t, srv, Options{})

	root := t.TempDir()
	writeLocal(t, root, map[string]string{StateDir + "/hashes.db": "cache"})

	report, err := r.Sync(context.Background(), "client", root)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Deleted != 0 {
		t.Errorf("state dir should not be touched, got %+v", report)
	}
	assertContent(t, root, StateDir+"/hashes.db", "cache")
}

func TestPruneEmptyDirs(t *testing.T) {
	root := t.TempDir()
	writeLocal(t, root, map[string]string{"a/keep.txt": "k"})
	os.MkdirAll(filepath.Join(root, "a", "b", "c"), 0755)

	pruneEmptyDirs(root, filepath.Join(root, "a", "b", "c"))

	assertMissing(t, root, "a/b")
	assertContent(t, root, "a/keep.txt", "k")
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root must survive: %v", err)
	}
}

func TestSync_ArchiveOnlyManifestKeepsExtractedFiles(t *testing.T) {
	srv := &pkgServer{}
	srv.set(map[string]string{"patch.zip": zipBytes(t, map[string]string{"Data/x.txt": "v1"})})
	r := newReconciler(t, srv, Options{ExtractArchives: true})
	root := t.TempDir()

	report, err := r.Sync(context.Background(), "client", root)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Downloaded != 1 || report.Extracted != 1 {
		t.Fatalf("first sync: unexpected report %+v", report)
	}

	report, err = r.Sync(context.Background(), "client", root)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if report.Deleted != 0 || report.Downloaded != 0 || report.Extracted != 0 {
		t.Errorf("second sync should be a no-op, got %+v", report)
	}
	assertContent(t, root, "Data/x.txt", "v1")

	// A removed entry comes back from the archive already on disk.
	os.Remove(filepath.Join(root, "Data", "x.txt"))
	report, err = r.Sync(context.Background(), "client", root)
	if err != nil {
		t.Fatalf("third Sync: %v", err)
	}
	if report.Extracted != 1 || report.Downloaded != 0 {
		t.Errorf("expected re-extraction without download, got %+v", report)
	}
	assertContent(t, root, "Data/x.txt", "v1")

	// A new archive version replaces the entries of the old one.
	srv.set(map[string]string{"patch.zip": zipBytes(t, map[string]string{"Data/y.txt": "v2"})})
	report, err = r.Sync(context.Background(), "client", root)
	if err != nil {
		t.Fatalf("fourth Sync: %v", err)
	}
	if report.Downloaded != 1 || report.Extracted != 1 || report.Deleted != 2 {
		t.Errorf("expected old archive and entry replaced, got %+v", report)
	}
	assertMissing(t, root, "Data/x.txt")
	assertContent(t, root, "Data/y.txt", "v2")
}

func TestSync_DefaultExclusionsStayIdempotent(t *testing.T) {
	srv := &pkgServer{}
	srv.set(map[string]string{"Cache/index.bin": "idx", "Logs/run.tmp": "log", "A": "a"})
	r := newReconciler(t, srv, Options{Exclude: config.DefaultConfig().Exclude})
	root := t.TempDir()

	if _, err := r.Sync(context.Background(), "client", root); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	for i := 0; i < 2; i++ {
		report, err := r.Sync(context.Background(), "client", root)
		if err != nil {
			t.Fatalf("Sync: %v", err)
		}
		if report.Downloaded != 0 || report.Deleted != 0 {
			t.Errorf("run %d should be a no-op, got %+v", i+2, report)
		}
	}
	assertContent(t, root, "Cache/index.bin", "idx")
}

func TestSync_ExcludedPathsAreIgnoredBothWays(t *testing.T) {
	srv := &pkgServer{}
	srv.set(map[string]string{"Cache/index.bin": "idx", "A": "a"})
	r := newReconciler(t, srv, Options{Exclude: []string{"Cache/"}})
	root := t.TempDir()
	writeLocal(t, root, map[string]string{"Cache/user.dat": "mine"})

	for i := 0; i < 2; i++ {
		report, err := r.Sync(context.Background(), "client", root)
		if err != nil {
			t.Fatalf("Sync: %v", err)
		}
		if report.Deleted != 0 {
			t.Errorf("run %d: excluded local files must not be deleted, got %+v", i+1, report)
		}
		if want := 1 - i; report.Downloaded != want {
			t.Errorf("run %d: expected %d downloads, got %+v", i+1, want, report)
		}
	}
	assertContent(t, root, "Cache/user.dat", "mine")
	assertMissing(t, root, "Cache/index.bin")
	assertContent(t, root, "A", "a")
}

func TestSync_ZeroManifestAttemptsStaysBounded(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(ts.Close)

	client, err := remote.NewHTTPClient(ts.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	r := New(client, Options{
		ManifestRetry: retry.Config{MaxAttempts: 0, InitialWait: time.Millisecond, MaxWait: time.Millisecond},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = r.Sync(ctx, "client", t.TempDir())
	if err == nil || syncerr.IsCanceled(err) {
		t.Fatalf("expected the manifest failure to end the sync, got %v", err)
	}
	if n := requests.Load(); n != int32(retry.DefaultConfig().MaxAttempts) {
		t.Errorf("expected %d manifest attempts, got %d", retry.DefaultConfig().MaxAttempts, n)
	}
}
