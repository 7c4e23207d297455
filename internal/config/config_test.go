package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfigExplicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte("[rest]\nport = 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/mailgw.toml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestLoadParsesTOMLAndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mailgw.toml")
	os.WriteFile(path, []byte("[rest]\nenabled = true\nport = 9090\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.REST.Port != 9090 {
		t.Errorf("rest.port = %d, want 9090", cfg.REST.Port)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("data_dir default = %q, want ./data", cfg.DataDir)
	}
	if cfg.SSE.Port == 0 {
		t.Error("expected sse.port to get a default")
	}
}

func TestLoadEnvOverlayOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mailgw.toml")
	os.WriteFile(path, []byte("[rest]\nport = 9090\n"), 0600)

	os.Setenv("RUSTYMAIL_REST_PORT", "7070")
	defer os.Unsetenv("RUSTYMAIL_REST_PORT")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.REST.Port != 7070 {
		t.Errorf("rest.port = %d, want env override 7070", cfg.REST.Port)
	}
}

func TestLoadEnvOverlayNestedField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mailgw.toml")
	os.WriteFile(path, []byte(""), 0600)

	os.Setenv("RUSTYMAIL_ENCRYPTION_MASTER_KEY", "deadbeef")
	defer os.Unsetenv("RUSTYMAIL_ENCRYPTION_MASTER_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Encryption.MasterKey != "deadbeef" {
		t.Errorf("encryption.master_key = %q, want deadbeef", cfg.Encryption.MasterKey)
	}
}

func TestValidateRejectsPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.REST.Enabled = true
	cfg.REST.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range rest.port")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
}

func TestDefaultPassesValidation(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() config should validate, got: %v", err)
	}
}
