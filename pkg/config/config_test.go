package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type testConfig struct {
	Token string `yaml:"token"`
	Port  int    `yaml:"port"`
}

func (c *testConfig) Validate() error {
	if c.Port < 0 {
		return fmt.Errorf("port must not be negative")
	}
	return nil
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("CFG_TEST_TOKEN", "s3cret")
	path := writeFile(t, "token: ${CFG_TEST_TOKEN}\nport: 8080\n")

	var cfg testConfig
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "s3cret" {
		t.Errorf("token = %q, want expanded env value", cfg.Token)
	}
	if cfg.Port != 8080 {
		t.Errorf("port = %d", cfg.Port)
	}
}

func TestLoad_ValidatorCalled(t *testing.T) {
	path := writeFile(t, "port: -1\n")

	var cfg testConfig
	err := Load(path, &cfg)
	if err == nil {
		t.Fatal("invalid config should fail")
	}
	if !strings.Contains(err.Error(), "config validation failed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	var cfg testConfig
	if err := Load(filepath.Join(t.TempDir(), "nope.yaml"), &cfg); err == nil {
		t.Fatal("missing file should fail")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeFile(t, "token: [unclosed\n")

	var cfg testConfig
	if err := Load(path, &cfg); err == nil {
		t.Fatal("malformed YAML should fail")
	}
}

func TestLoadOptional(t *testing.T) {
	cfg := testConfig{Token: "default", Port: 1}
	loaded, err := LoadOptional(filepath.Join(t.TempDir(), "nope.yaml"), &cfg)
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if loaded {
		t.Error("missing file should report not loaded")
	}
	if cfg.Token != "default" {
		t.Errorf("target modified on missing file: %q", cfg.Token)
	}

	path := writeFile(t, "token: from-file\nport: 2\n")
	loaded, err = LoadOptional(path, &cfg)
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if !loaded {
		t.Error("existing file should report loaded")
	}
	if cfg.Token != "from-file" || cfg.Port != 2 {
		t.Errorf("cfg = %+v, want file values", cfg)
	}
}
