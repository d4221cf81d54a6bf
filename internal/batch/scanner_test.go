package batch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"motionstill/internal/batch"
	"motionstill/internal/logging"
	"motionstill/internal/queue"
	"motionstill/internal/testsupport"
)

type fakeExif struct {
	trailers map[string]string
	probed   []string
}

func (f *fakeExif) Version(context.Context) (string, error) { return "13.10", nil }

func (f *fakeExif) Tag(context.Context, string, string, string) error { return nil }

func (f *fakeExif) EmbeddedVideoType(_ context.Context, path string) (string, error) {
	f.probed = append(f.probed, path)
	return f.trailers[path], nil
}

func TestScanEnqueuesEmbeddedMotion(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	source := filepath.Join(cfg.Paths.LibraryDir, "IMG_0001.heic")
	testsupport.WriteBytes(t, source, testsupport.SamsungGrid(t))

	exif := &fakeExif{}
	scanner := batch.NewScanner(cfg, store, exif, logging.NewNop())

	result, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.Enqueued != 1 || result.Scanned != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(exif.probed) != 0 {
		t.Error("embedded video box should skip the trailer probe")
	}

	items, err := store.ItemsByStatus(context.Background(), queue.StatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 pending item, got %d", len(items))
	}
	if items[0].SourcePath != source {
		t.Errorf("source path = %q, want %q", items[0].SourcePath, source)
	}
	if items[0].VideoSourcePath != "" {
		t.Errorf("embedded motion should have no sidecar, got %q", items[0].VideoSourcePath)
	}

	again, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if again.Enqueued != 0 || again.Duplicates != 1 {
		t.Fatalf("rescan should dedupe by fingerprint: %+v", again)
	}
}

func TestScanPairsSidecarVideo(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	still := filepath.Join(cfg.Paths.LibraryDir, "IMG_0002.HEIC")
	sidecar := filepath.Join(cfg.Paths.LibraryDir, "img_0002.mp4")
	testsupport.WriteBytes(t, still, testsupport.FlatStill(t))
	testsupport.WriteBytes(t, sidecar, []byte("ftypmp42 sidecar clip"))

	scanner := batch.NewScanner(cfg, store, &fakeExif{}, logging.NewNop())
	result, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.Enqueued != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	items, err := store.ItemsByStatus(context.Background(), queue.StatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(items) != 1 || items[0].VideoSourcePath != sidecar {
		t.Fatalf("sidecar pairing failed: %+v", items)
	}
}

func TestScanSkipsPlainStill(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	still := filepath.Join(cfg.Paths.LibraryDir, "portrait.heic")
	testsupport.WriteBytes(t, still, testsupport.FlatStill(t))

	exif := &fakeExif{}
	scanner := batch.NewScanner(cfg, store, exif, logging.NewNop())
	result, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.Skipped != 1 || result.Enqueued != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(exif.probed) != 1 {
		t.Fatalf("expected one trailer probe, got %d", len(exif.probed))
	}
	if _, err := os.Stat(still); err != nil {
		t.Error("plain still should stay in the library")
	}
}

func TestScanQuarantinesTrailerLayout(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	still := filepath.Join(cfg.Paths.LibraryDir, "trailer.heic")
	testsupport.WriteBytes(t, still, testsupport.FlatStill(t))

	exif := &fakeExif{trailers: map[string]string{still: "MotionPhoto_Data"}}
	scanner := batch.NewScanner(cfg, store, exif, logging.NewNop())
	result, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.Quarantined != 1 || result.Enqueued != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, err := os.Stat(still); !os.IsNotExist(err) {
		t.Error("quarantined still should leave the library")
	}
	moved := filepath.Join(cfg.Paths.ReviewDir, "trailer.heic")
	if _, err := os.Stat(moved); err != nil {
		t.Errorf("expected quarantined file at %s: %v", moved, err)
	}
}

func TestScanMovesOrphanVideo(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	orphan := filepath.Join(cfg.Paths.LibraryDir, "lonely.mp4")
	testsupport.WriteBytes(t, orphan, []byte("unpaired clip"))

	scanner := batch.NewScanner(cfg, store, &fakeExif{}, logging.NewNop())
	result, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.Orphans != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan clip should leave the library")
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.ReviewDir, "lonely.mp4")); err != nil {
		t.Errorf("expected orphan in review: %v", err)
	}
}

func TestScanSkipsConvertedStill(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	source := filepath.Join(cfg.Paths.LibraryDir, "IMG_0004.heic")
	testsupport.WriteBytes(t, source, testsupport.SamsungGrid(t))
	testsupport.WriteBytes(t, filepath.Join(cfg.Paths.OutputDir, "IMG_0004.heic"), []byte("already converted"))

	scanner := batch.NewScanner(cfg, store, &fakeExif{}, logging.NewNop())
	result, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.Skipped != 1 || result.Enqueued != 0 {
		t.Fatalf("existing output should skip enqueue: %+v", result)
	}
}

func TestScanExcludesManagedDirs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.OutputDir = filepath.Join(cfg.Paths.LibraryDir, "converted")
	store := testsupport.MustOpenStore(t, cfg)

	inside := filepath.Join(cfg.Paths.OutputDir, "IMG_0003.heic")
	testsupport.WriteBytes(t, inside, testsupport.SamsungGrid(t))

	scanner := batch.NewScanner(cfg, store, &fakeExif{}, logging.NewNop())
	result, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.Scanned != 0 {
		t.Fatalf("output tree should be excluded from the scan: %+v", result)
	}
}

func TestScanMissingLibrary(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	cfg.Paths.LibraryDir = filepath.Join(testsupport.BaseDir(cfg), "does-not-exist")

	scanner := batch.NewScanner(cfg, store, &fakeExif{}, logging.NewNop())
	if _, err := scanner.Scan(context.Background()); err == nil {
		t.Fatal("expected an error for a missing library directory")
	}
}
