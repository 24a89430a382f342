package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type testCfg struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

type validatedCfg struct {
	Port int `yaml:"port"`
}

func (c *validatedCfg) Validate() error {
	if c.Port <= 0 {
		return errors.New("port must be positive")
	}
	return nil
}

func writeCfg(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_CFG_NAME", "atlas")
	path := writeCfg(t, "name: ${TEST_CFG_NAME}\nport: 9090\n")

	var cfg testCfg
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "atlas" || cfg.Port != 9090 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadKeepsPrefilledDefaults(t *testing.T) {
	path := writeCfg(t, "port: 9090\n")
	cfg := testCfg{Name: "default-name", Port: 8080}
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "default-name" || cfg.Port != 9090 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	var cfg testCfg
	if err := Load(filepath.Join(t.TempDir(), "nope.yaml"), &cfg); err == nil {
		t.Fatal("want error for missing file")
	}
}

func TestLoadOptionalMissingFileValidatesDefaults(t *testing.T) {
	cfg := validatedCfg{Port: 8080}
	if err := LoadOptional(filepath.Join(t.TempDir(), "nope.yaml"), &cfg); err != nil {
		t.Fatalf("LoadOptional with valid defaults: %v", err)
	}

	bad := validatedCfg{}
	if err := LoadOptional(filepath.Join(t.TempDir(), "nope.yaml"), &bad); err == nil {
		t.Fatal("want validation error for zero port")
	}
}

func TestLoadRunsValidator(t *testing.T) {
	path := writeCfg(t, "port: -1\n")
	var cfg validatedCfg
	if err := Load(path, &cfg); err == nil {
		t.Fatal("want validation failure")
	}
}
