package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func resetViper(t *testing.T, workspace string) {
	t.Helper()
	viper.Reset()
	initConfig()
	viper.Set("workspace", workspace)
	t.Cleanup(viper.Reset)
}

func TestLoadConfigAppliesEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PM_TEAM_MAX_RUNS", "3")
	t.Setenv("PM_TEAM_AUDIT_MAX_BYTES", "2048")
	t.Setenv("PM_TEAM_NONINTERACTIVE", "true")
	resetViper(t, dir)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retention.MaxRuns != 3 || cfg.Audit.MaxBytes != 2048 || !cfg.NonInteractive {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.OutputRoot != filepath.Join(dir, "outputs") {
		t.Fatalf("output root = %q", cfg.OutputRoot)
	}
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	yml := "output_root: /srv/pm\nretention:\n  max_runs: 5\n"
	if err := os.WriteFile(filepath.Join(dir, "pmteam.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PM_TEAM_MAX_RUNS", "")
	resetViper(t, dir)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OutputRoot != "/srv/pm" || cfg.Retention.MaxRuns != 5 {
		t.Fatalf("cfg = %+v", cfg)
	}

	t.Setenv("PM_TEAM_MAX_RUNS", "-1")
	if _, err := loadConfig(); err == nil {
		t.Fatal("negative max runs must fail validation")
	}
}
