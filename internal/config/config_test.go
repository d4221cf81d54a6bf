package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"motionstill/internal/config"
)

func TestLoadDefaultsExpandPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("MOTIONSTILL_CONFIG", "")

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantStaging := filepath.Join(tempHome, ".local", "share", "motionstill", "staging")
	if cfg.Paths.StagingDir != wantStaging {
		t.Fatalf("unexpected staging dir: got %q want %q", cfg.Paths.StagingDir, wantStaging)
	}
	if cfg.Paths.LibraryDir != filepath.Join(tempHome, "Pictures", "MotionPhotos") {
		t.Fatalf("unexpected library dir: %q", cfg.Paths.LibraryDir)
	}
	if cfg.Convert.Target != "apple" {
		t.Fatalf("unexpected target: %q", cfg.Convert.Target)
	}
	if cfg.Workflow.Workers != config.Default().Workflow.Workers {
		t.Fatalf("unexpected workers: %d", cfg.Workflow.Workers)
	}
	if cfg.Logging.Format != "console" {
		t.Fatalf("unexpected log format: %q", cfg.Logging.Format)
	}
}

func TestLoadReadsFileAndNormalizes(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	path := filepath.Join(t.TempDir(), "config.toml")
	contents := strings.Join([]string{
		"[paths]",
		`library_dir = "~/photos"`,
		"[convert]",
		`target = "Apple"`,
		`still_extensions = ["HEIC", ".heif", "heic"]`,
		"[workflow]",
		"workers = 0",
	}, "\n")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if resolved != path {
		t.Fatalf("unexpected resolved path: %q", resolved)
	}
	if cfg.Paths.LibraryDir != filepath.Join(tempHome, "photos") {
		t.Fatalf("library dir not expanded: %q", cfg.Paths.LibraryDir)
	}
	if cfg.Convert.Target != "apple" {
		t.Fatalf("target not lowercased: %q", cfg.Convert.Target)
	}
	want := []string{".heic", ".heif"}
	if len(cfg.Convert.StillExtensions) != len(want) {
		t.Fatalf("extensions not deduplicated: %v", cfg.Convert.StillExtensions)
	}
	for i, ext := range want {
		if cfg.Convert.StillExtensions[i] != ext {
			t.Fatalf("unexpected extension %q at %d", cfg.Convert.StillExtensions[i], i)
		}
	}
	if cfg.Workflow.Workers != config.Default().Workflow.Workers {
		t.Fatalf("zero workers should fall back to default, got %d", cfg.Workflow.Workers)
	}
}

func TestLoadRejectsUnknownTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[convert]\ntarget = \"google\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error for unsupported target")
	}
}

func TestLoadRejectsBadLogFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[logging]\nformat = \"xml\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error for unsupported log format")
	}
}

func TestEnvOverrideSelectsConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alt.toml")
	if err := os.WriteFile(path, []byte("[workflow]\nworkers = 4\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MOTIONSTILL_CONFIG", path)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected env config at %q, got %q (exists=%v)", path, resolved, exists)
	}
	if cfg.Workflow.Workers != 4 {
		t.Fatalf("unexpected workers: %d", cfg.Workflow.Workers)
	}
}

func TestCreateSampleParsesAsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var cfg config.Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("sample config does not parse: %v", err)
	}
	if cfg.Convert.Target != "apple" {
		t.Fatalf("unexpected sample target: %q", cfg.Convert.Target)
	}
	if cfg.Workflow.Workers != config.Default().Workflow.Workers {
		t.Fatalf("sample workers diverge from defaults: %d", cfg.Workflow.Workers)
	}
}

func TestEnsureDirectoriesCreatesRequired(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.LibraryDir = filepath.Join(base, "library")
	cfg.Paths.OutputDir = filepath.Join(base, "out")
	cfg.Paths.ReviewDir = filepath.Join(base, "review")
	cfg.Paths.ArchiveDir = filepath.Join(base, "archive")
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.LogDir = filepath.Join(base, "logs")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories returned error: %v", err)
	}
	for _, dir := range []string{cfg.Paths.StagingDir, cfg.Paths.LogDir, cfg.Paths.OutputDir, cfg.Paths.ReviewDir, cfg.Paths.ArchiveDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory %q", dir)
		}
	}
}

func TestQueueDatabasePathDefaultsToLogDir(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = "/tmp/motionstill-logs"
	if got := cfg.QueueDatabasePath(); got != filepath.Join(cfg.Paths.LogDir, "queue.db") {
		t.Fatalf("unexpected queue path: %q", got)
	}
	cfg.Paths.QueueDB = "/tmp/custom.db"
	if got := cfg.QueueDatabasePath(); got != "/tmp/custom.db" {
		t.Fatalf("explicit queue path ignored: %q", got)
	}
}

func TestExtensionMatching(t *testing.T) {
	cfg := config.Default()
	if !cfg.IsStillPath("/lib/IMG_0001.HEIC") {
		t.Fatal("expected .HEIC to match still extensions")
	}
	if cfg.IsStillPath("/lib/IMG_0001.jpg") {
		t.Fatal("did not expect .jpg to match still extensions")
	}
	if !cfg.IsVideoPath("/lib/IMG_0001.mp4") {
		t.Fatal("expected .mp4 to match video extensions")
	}
}
