package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"motionstill/internal/config"
	"motionstill/internal/testsupport"
)

func writeConfigFile(t *testing.T, cfg *config.Config) string {
	t.Helper()
	content := fmt.Sprintf(`[paths]
library_dir = %q
output_dir = %q
review_dir = %q
archive_dir = %q
staging_dir = %q
log_dir = %q
`, cfg.Paths.LibraryDir, cfg.Paths.OutputDir, cfg.Paths.ReviewDir,
		cfg.Paths.ArchiveDir, cfg.Paths.StagingDir, cfg.Paths.LogDir)

	path := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestConfigInitCommand(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")
	out, err := runCommand(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v\n%s", err, out)
	}
	if _, statErr := os.Stat(target); statErr != nil {
		t.Fatalf("sample config not written: %v", statErr)
	}

	// Re-running without --overwrite must refuse.
	if _, err := runCommand(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected error when config already exists")
	}
}

func TestQueueStatusEmpty(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfgPath := writeConfigFile(t, cfg)

	out, err := runCommand(t, "--config", cfgPath, "queue", "status")
	if err != nil {
		t.Fatalf("queue status: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Queue is empty") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestInspectCommand(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	source := filepath.Join(testsupport.BaseDir(cfg), "IMG_0001.heic")
	testsupport.WriteBytes(t, source, testsupport.SamsungGrid(t))

	out, err := runCommand(t, "inspect", source, "--items")
	if err != nil {
		t.Fatalf("inspect: %v\n%s", err, out)
	}
	for _, want := range []string{"Samsung Grid", "Embedded video", "grid"} {
		if !strings.Contains(out, want) {
			t.Errorf("inspect output missing %q:\n%s", want, out)
		}
	}
}

func TestConvertCommand(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	cfgPath := writeConfigFile(t, cfg)

	source := filepath.Join(cfg.Paths.LibraryDir, "IMG_0002.heic")
	testsupport.WriteBytes(t, source, testsupport.BuildHEIC(t, testsupport.Fixture{Video: []byte("ftypqt  fake movie payload")}))

	out, err := runCommand(t, "--config", cfgPath, "convert", source)
	if err != nil {
		t.Fatalf("convert: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Still:") || !strings.Contains(out, "Content ID:") {
		t.Fatalf("unexpected output: %s", out)
	}
	still := filepath.Join(cfg.Paths.OutputDir, "IMG_0002.heic")
	if _, err := os.Stat(still); err != nil {
		t.Errorf("converted still missing: %v", err)
	}
	clip := filepath.Join(cfg.Paths.OutputDir, "IMG_0002.mov")
	if _, err := os.Stat(clip); err != nil {
		t.Errorf("extracted clip missing: %v", err)
	}
}

func TestMergeCommand(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfgPath := writeConfigFile(t, cfg)

	still := filepath.Join(cfg.Paths.LibraryDir, "IMG_0004.heic")
	testsupport.WriteBytes(t, still, testsupport.FlatStill(t))
	clip := filepath.Join(cfg.Paths.LibraryDir, "IMG_0004.mov")
	testsupport.WriteBytes(t, clip, append([]byte{0, 0, 0, 0x1c}, []byte("ftypqt  fake movie payload")...))

	dest := filepath.Join(cfg.Paths.OutputDir, "IMG_0004_motion.heic")
	out, err := runCommand(t, "--config", cfgPath, "merge", still, clip, "-o", dest)
	if err != nil {
		t.Fatalf("merge: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Motion photo:") {
		t.Fatalf("unexpected output: %s", out)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("merged motion photo missing: %v", err)
	}
}

func TestBatchScanCommand(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfgPath := writeConfigFile(t, cfg)

	source := filepath.Join(cfg.Paths.LibraryDir, "IMG_0003.heic")
	testsupport.WriteBytes(t, source, testsupport.SamsungGrid(t))

	out, err := runCommand(t, "--config", cfgPath, "batch", "scan")
	if err != nil {
		t.Fatalf("batch scan: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Enqueued:    1") {
		t.Fatalf("unexpected output: %s", out)
	}

	out, err = runCommand(t, "--config", cfgPath, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v\n%s", err, out)
	}
	if !strings.Contains(out, "pending") {
		t.Fatalf("expected a pending item:\n%s", out)
	}
}
