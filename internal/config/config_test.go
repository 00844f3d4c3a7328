package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"leadline/internal/config"
)

func TestFromFileParsesAndValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leadline.yml")
	if err := os.WriteFile(path, []byte(config.GenerateDefault("t1")), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	if cfg.Tenant.ID != "t1" {
		t.Fatalf("tenant id: got %q", cfg.Tenant.ID)
	}
	if cfg.Location().String() != "UTC" {
		t.Fatalf("default zone should be UTC, got %s", cfg.Location())
	}
}

func TestFromFileRejectsBadZone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leadline.yml")
	yml := "tenant:\n  id: t1\ntime:\n  zone: Mars/Olympus\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := config.FromFile(path)
	if err == nil || !strings.Contains(err.Error(), "time.zone") {
		t.Fatalf("expected zone error, got %v", err)
	}
}

func TestFromFileMissing(t *testing.T) {
	if _, err := config.FromFile(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
