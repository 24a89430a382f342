package internal

import (
	"strings"
	"testing"
	"time"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestHTTPConfig_PortRange(t *testing.T) {
	for _, port := range []int{0, -1, 70000} {
		cfg := HTTPConfig{Port: port}
		if err := cfg.Validate(); err == nil {
			t.Errorf("port %d should fail validation", port)
		}
	}
	cfg := HTTPConfig{Port: 8080}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("port 8080 should pass: %v", err)
	}
	if cfg.Address() != ":8080" {
		t.Errorf("address = %q", cfg.Address())
	}
}

func TestHorizonConfig_SoftBeyondHard(t *testing.T) {
	cfg := HorizonConfig{SoftDays: 60, HardDays: 30}
	if err := cfg.Validate(); err == nil {
		t.Fatal("soft_days > hard_days should fail")
	}
	// A zero hard horizon means "never hard-stale"; soft alone is fine.
	cfg = HorizonConfig{SoftDays: 60, HardDays: 0}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("soft-only horizons should pass: %v", err)
	}
}

func TestHorizonConfig_Thresholds(t *testing.T) {
	th := HorizonConfig{SoftDays: 14, HardDays: 30}.Thresholds()
	if th.Soft != 14*24*time.Hour || th.Hard != 30*24*time.Hour {
		t.Errorf("thresholds = %+v", th)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Indexer.RescanInterval() != 15*time.Minute {
		t.Errorf("rescan interval = %v", cfg.Indexer.RescanInterval())
	}
	if cfg.Pipeline.GatherTimeout() != 30*time.Second {
		t.Errorf("gather timeout = %v", cfg.Pipeline.GatherTimeout())
	}
}

func TestFullConfig_SectionValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("full config validate should catch auth error")
	}

	cfg = NewDefaultConfig()
	cfg.Workspace.Path = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("full config validate should catch empty workspace path")
	}

	cfg = NewDefaultConfig()
	cfg.Staleness.Vitals = HorizonConfig{SoftDays: 90, HardDays: 30}
	if err := cfg.Validate(); err == nil {
		t.Fatal("full config validate should catch inverted horizons")
	}
}
