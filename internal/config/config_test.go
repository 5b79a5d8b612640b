package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatr.json")

	cfg := Default()
	cfg.Profile.DisplayName = "alice"
	cfg.Overlay.ListenPort = 4001

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Profile.DisplayName != "alice" || loaded.Overlay.ListenPort != 4001 {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestEnsureCreatesDefaultOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatr.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatal("expected Ensure to report a newly created config")
	}
	if cfg.Profile.DisplayName != Default().Profile.DisplayName {
		t.Fatalf("expected default profile name, got %q", cfg.Profile.DisplayName)
	}

	_, created, err = Ensure(path)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created {
		t.Fatal("expected Ensure to load the existing file on second call")
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Identity.KeyFile = "" },
		func(c *Config) { c.Store.Dir = "" },
		func(c *Config) { c.Overlay.ListenPort = 70000 },
		func(c *Config) { c.Overlay.MdnsTag = "" },
		func(c *Config) { c.FrameServer.HTTPAddr = "" },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestKeyFilePathAndStoreDirPathResolveAgainstBaseDir(t *testing.T) {
	cfg := Default()
	cfg.Identity.KeyFile = "identity.key"
	cfg.Store.Dir = "store"

	if got := cfg.KeyFilePath("/var/chatr"); got != filepath.Join("/var/chatr", "identity.key") {
		t.Fatalf("unexpected key file path: %q", got)
	}
	if got := cfg.StoreDirPath("/var/chatr"); got != filepath.Join("/var/chatr", "store") {
		t.Fatalf("unexpected store dir path: %q", got)
	}
}
