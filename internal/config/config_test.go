package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default invalid: %v", err)
	}
	if cfg.Audit.FileName != DefaultAuditFileName || cfg.Server.BasePath != "/v0" || !cfg.Index.Enabled {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("output_root: /tmp/out\nretention:\n  max_runs: 3\naudit:\n  max_bytes: 1024\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.OutputRoot != "/tmp/out" || cfg.Retention.MaxRuns != 3 || cfg.Audit.MaxBytes != 1024 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Audit.FileName != DefaultAuditFileName {
		t.Fatalf("default file name lost: %q", cfg.Audit.FileName)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []string{
		"retention:\n  max_runs: -1\n",
		"audit:\n  max_bytes: -5\n",
		"audit:\n  file_name: ../x.jsonl\n",
		"log:\n  level: loud\n",
		"output_root: \"\"\n",
	}
	for _, c := range cases {
		if _, err := FromYAML([]byte(c)); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg.OutputRoot != "outputs" {
		t.Fatalf("missing file should give defaults: %v %+v", err, cfg)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("non_interactive: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil || !cfg.NonInteractive {
		t.Fatalf("file not applied: %v %+v", err, cfg)
	}
	if got := cfg.IndexPath(); got != filepath.Join("outputs", ".pmteam", "index.db") {
		t.Fatalf("index path = %s", got)
	}
}
