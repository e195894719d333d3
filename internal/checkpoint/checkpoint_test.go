package checkpoint

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forge-build/forge/internal/configdoc"
)

func testDoc(t *testing.T, defconfig string) *configdoc.Doc {
	t.Helper()
	return &configdoc.Doc{
		Path: "build.toml",
		Value: map[string]interface{}{
			"buildroot": map[string]interface{}{
				"performance_profile": "balanced",
				"archive_mode":        "tar",
				"defconfig":           defconfig,
				"target":              "qemu_arm",
			},
		},
	}
}

func testPoint() PointConfig {
	return PointConfig{
		ID:         "buildroot",
		AnchorTask: "buildroot.build",
		UsePolicy:  UseAuto,
		TrustMode:  TrustVerify,
	}
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestFingerprintStableAcrossIrrelevantFields(t *testing.T) {
	point := testPoint()
	a := testDoc(t, "qemu_arm_defconfig")
	b := testDoc(t, "qemu_arm_defconfig")
	b.Value["buildroot"].(map[string]interface{})["unrelated_stage_only_field"] = "xyz"

	fpA, _, err := ComputeFingerprint(point, a)
	if err != nil {
		t.Fatalf("ComputeFingerprint: %v", err)
	}
	fpB, _, err := ComputeFingerprint(point, b)
	if err != nil {
		t.Fatalf("ComputeFingerprint: %v", err)
	}
	if fpA != fpB {
		t.Fatalf("fingerprints should ignore unselected fields: %s vs %s", fpA, fpB)
	}
}

func TestFingerprintChangesWithSelectedField(t *testing.T) {
	point := testPoint()
	a := testDoc(t, "qemu_arm_defconfig")
	b := testDoc(t, "other_defconfig")

	fpA, _, _ := ComputeFingerprint(point, a)
	fpB, _, _ := ComputeFingerprint(point, b)
	if fpA == fpB {
		t.Fatalf("expected different fingerprints for different defconfig")
	}
}

func TestCaptureThenRestoreRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	src := filepath.Join(dir, "output")
	writeTree(t, src, map[string]string{"rootfs/bin/init": "#!/bin/sh\n"})

	point := testPoint()
	point.UploadPolicy = UploadOff
	doc := testDoc(t, "qemu_arm_defconfig")
	targets := []TargetSpec{{Name: "rootfs", AbsPath: filepath.Join(src, "rootfs")}}

	cfg := &Config{}
	m, err := CaptureAnchor(context.Background(), store, point, doc, targets, cfg, nil)
	if err != nil {
		t.Fatalf("CaptureAnchor: %v", err)
	}
	if m.ID != point.ID || m.AnchorTask != point.AnchorTask {
		t.Fatalf("unexpected manifest: %+v", m)
	}

	restoreDir := filepath.Join(dir, "restored")
	restoreTargets := []TargetSpec{{Name: "rootfs", AbsPath: restoreDir}}

	status, err := MaybeRestoreAnchor(context.Background(), store, point, doc, restoreTargets, cfg, nil)
	if err != nil {
		t.Fatalf("MaybeRestoreAnchor: %v", err)
	}
	if !status.WillUse || !status.Exists {
		t.Fatalf("expected a local cache hit: %+v", status)
	}

	data, err := os.ReadFile(filepath.Join(restoreDir, "bin", "init"))
	if err != nil {
		t.Fatalf("restored file missing: %v", err)
	}
	if string(data) != "#!/bin/sh\n" {
		t.Fatalf("restored content mismatch: %q", data)
	}
}

func TestMaybeRestoreRebuildsOnMiss(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	point := testPoint()
	doc := testDoc(t, "qemu_arm_defconfig")

	status, err := MaybeRestoreAnchor(context.Background(), store, point, doc, nil, &Config{}, nil)
	if err != nil {
		t.Fatalf("MaybeRestoreAnchor: %v", err)
	}
	if !status.WillRebuild || status.WillUse {
		t.Fatalf("expected a rebuild on total cache miss: %+v", status)
	}
}

func TestMaybeRestoreRequiredFailsOnMissWithoutStartingPoint(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	point := testPoint()
	point.UsePolicy = UseRequired
	doc := testDoc(t, "qemu_arm_defconfig")

	_, err = MaybeRestoreAnchor(context.Background(), store, point, doc, nil, &Config{}, nil)
	if err == nil {
		t.Fatalf("expected an error for a required checkpoint that doesn't exist")
	}
}

func TestMaybeRestoreRequiredAllowsStartingPointMiss(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	point := testPoint()
	point.UsePolicy = UseRequired
	point.StartingPoint.Enabled = true
	doc := testDoc(t, "qemu_arm_defconfig")

	status, err := MaybeRestoreAnchor(context.Background(), store, point, doc, nil, &Config{}, nil)
	if err != nil {
		t.Fatalf("starting point should bypass the required-miss error: %v", err)
	}
	if !status.WillRebuild {
		t.Fatalf("expected a rebuild: %+v", status)
	}
}

func TestLineageMismatchFailsUnderVerifyButNotPermissive(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	point := testPoint()
	doc := testDoc(t, "qemu_arm_defconfig")

	fingerprint, selected, _ := ComputeFingerprint(point, doc)
	m := &Manifest{
		Version:           manifestVersion,
		ID:                point.ID,
		AnchorTask:        point.AnchorTask,
		Fingerprint:       fingerprint,
		Lineage:           "deadbeef",
		TrustMode:         TrustVerify,
		FingerprintInputs: selected,
	}
	if err := store.SaveManifest(point.ID, fingerprint, m); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}
	writeTree(t, store.payloadDirFor(point.ID, fingerprint, "rootfs"), map[string]string{"bin/init": "x"})

	if _, err := MaybeRestoreAnchor(context.Background(), store, point, doc, nil, &Config{}, nil); err == nil {
		t.Fatalf("expected lineage mismatch to fail under verify trust mode")
	}

	point.TrustMode = TrustPermissive
	status, err := MaybeRestoreAnchor(context.Background(), store, point, doc, nil, &Config{}, nil)
	if err != nil {
		t.Fatalf("permissive trust mode should tolerate the mismatch: %v", err)
	}
	if !status.WillUse {
		t.Fatalf("expected permissive restore to still use the cached manifest: %+v", status)
	}
}

func TestRetryPendingUploadsMarksUnresolvableBackendFailed(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.UpdateQueue(func(q *UploadQueue) error {
		q.Entries = append(q.Entries, QueueEntry{
			ID: "buildroot", AnchorTask: "buildroot.build", Fingerprint: "abc",
			BackendRef: "missing-backend", ObjectRelDir: "buildroot/abc", State: QueuePending,
		})
		return nil
	}); err != nil {
		t.Fatalf("UpdateQueue: %v", err)
	}

	report, err := RetryPendingUploads(context.Background(), store, &Config{}, nil)
	if err != nil {
		t.Fatalf("RetryPendingUploads: %v", err)
	}
	if report.Attempted != 1 || report.Failed != 1 || report.Uploaded != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	q, err := store.LoadQueue()
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if len(q.Entries) != 1 || q.Entries[0].State != QueueFailed {
		t.Fatalf("expected the entry to remain in the queue as failed: %+v", q.Entries)
	}
}

func TestCaptureWritesPayloadTarAndRestoreExtractsIt(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	src := filepath.Join(dir, "output", "rootfs")
	writeTree(t, src, map[string]string{"bin/init": "#!/bin/sh\n"})
	if err := os.Symlink("init", filepath.Join(src, "bin", "init.link")); err != nil {
		t.Fatalf("symlink setup: %v", err)
	}

	point := testPoint()
	point.UploadPolicy = UploadOff
	doc := testDoc(t, "qemu_arm_defconfig")
	targets := []TargetSpec{{Name: "rootfs", AbsPath: src}}

	if _, err := CaptureAnchor(context.Background(), store, point, doc, targets, &Config{}, nil); err != nil {
		t.Fatalf("CaptureAnchor: %v", err)
	}

	fingerprint, _, _ := ComputeFingerprint(point, doc)
	tarPath := store.payloadTarPath(point.ID, fingerprint)
	if _, err := os.Stat(tarPath); err != nil {
		t.Fatalf("expected payload.tar to exist: %v", err)
	}

	// Simulate what a remote download leaves behind: manifest.json and
	// payload.tar, but no unpacked payload/ tree.
	if err := os.RemoveAll(store.payloadDir(point.ID, fingerprint)); err != nil {
		t.Fatalf("removing payload dir: %v", err)
	}
	if err := store.EnsurePayloadExtracted(point.ID, fingerprint); err != nil {
		t.Fatalf("EnsurePayloadExtracted: %v", err)
	}

	data, err := os.ReadFile(store.payloadDirFor(point.ID, fingerprint, "rootfs") + "/bin/init")
	if err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if string(data) != "#!/bin/sh\n" {
		t.Fatalf("unexpected extracted content: %q", data)
	}
	link, err := os.Readlink(store.payloadDirFor(point.ID, fingerprint, "rootfs") + "/bin/init.link")
	if err != nil {
		t.Fatalf("expected extracted symlink: %v", err)
	}
	if link != "init" {
		t.Fatalf("unexpected symlink target: %q", link)
	}
}

func TestHTTPListFingerprintsAcceptsBareArrayAndWrappedShapes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/prefix/bare/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["aaa","bbb"]`))
	})
	mux.HandleFunc("/prefix/wrapped/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"fingerprints":["ccc"]}`))
	})
	mux.HandleFunc("/prefix/neither/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := newHTTPBackend("test", HTTPBackendConfig{BaseURL: srv.URL, Prefix: "prefix"})

	got, err := b.ListFingerprints(context.Background(), "bare")
	if err != nil || strings.Join(got, ",") != "aaa,bbb" {
		t.Fatalf("bare array shape: got %v, err %v", got, err)
	}
	got, err = b.ListFingerprints(context.Background(), "wrapped")
	if err != nil || strings.Join(got, ",") != "ccc" {
		t.Fatalf("wrapped shape: got %v, err %v", got, err)
	}
	got, err = b.ListFingerprints(context.Background(), "neither")
	if err != nil || len(got) != 0 {
		t.Fatalf("neither shape should parse as an empty list: got %v, err %v", got, err)
	}
}

func TestHTTPBackendUsesTwoNamedObjectsUnderFingerprintDir(t *testing.T) {
	var sawManifestHEAD, sawPayloadPUT bool
	mux := http.NewServeMux()
	mux.HandleFunc("/prefix/buildroot/fp1/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			sawManifestHEAD = true
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/prefix/buildroot/fp1/payload.tar", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			sawPayloadPUT = true
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "payload.tar"), []byte("tar"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	b := newHTTPBackend("test", HTTPBackendConfig{BaseURL: srv.URL, Prefix: "prefix"})
	exists, err := b.Exists(context.Background(), "buildroot/fp1")
	if err != nil || !exists {
		t.Fatalf("Exists: %v, %v", exists, err)
	}
	if !sawManifestHEAD {
		t.Fatalf("expected Exists to HEAD manifest.json specifically")
	}
	if err := b.Upload(context.Background(), dir, "buildroot/fp1"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !sawPayloadPUT {
		t.Fatalf("expected Upload to PUT payload.tar as its own object")
	}
}

func TestPointStatusReportsInputsChanged(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	point := testPoint()
	point.UploadPolicy = UploadOff
	docA := testDoc(t, "qemu_arm_defconfig")
	src := filepath.Join(dir, "output", "rootfs")
	writeTree(t, src, map[string]string{"bin/init": "x"})
	targets := []TargetSpec{{Name: "rootfs", AbsPath: src}}

	if _, err := CaptureAnchor(context.Background(), store, point, docA, targets, &Config{}, nil); err != nil {
		t.Fatalf("CaptureAnchor: %v", err)
	}

	docB := testDoc(t, "other_defconfig")
	status, err := PointStatus(context.Background(), store, point, docB, &Config{}, nil)
	if err != nil {
		t.Fatalf("PointStatus: %v", err)
	}
	if !strings.HasPrefix(status.Reason, ReasonInputsChangedPrefix) {
		t.Fatalf("expected reason to start with %q, got %q", ReasonInputsChangedPrefix, status.Reason)
	}
	if !strings.Contains(status.Reason, "buildroot.defconfig") {
		t.Fatalf("expected changed path buildroot.defconfig in reason, got %q", status.Reason)
	}
}
