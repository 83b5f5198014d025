package config

import (
	"errors"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.StorageDSN != "memory://" || cfg.RecoveryLimit != 50 || cfg.MaxMediaBytes != 50<<20 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ProviderTimeout != 10*time.Second || cfg.MaxParticipants != 8 {
		t.Fatalf("unexpected provider defaults: %+v", cfg)
	}
}

func TestParseEnvAndFlags(t *testing.T) {
	t.Setenv("STORAGE_DSN", "sqlite://chat.db")
	t.Setenv("RECOVERY_LIMIT", "20")
	t.Setenv("LOG_FORMAT", "console")

	cfg, err := Parse([]string{"--recovery-limit", "10", "-a", ":9090"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.StorageDSN != "sqlite://chat.db" {
		t.Errorf("env fallback ignored: %q", cfg.StorageDSN)
	}
	if cfg.RecoveryLimit != 10 {
		t.Errorf("flag must win over env, got %d", cfg.RecoveryLimit)
	}
	if cfg.HTTPListenAddr != ":9090" || cfg.LogFormat != "console" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestProviderTimeoutIsClamped(t *testing.T) {
	cfg, err := Parse([]string{"--provider-timeout", "1m"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ProviderTimeout != maxProviderTimeout {
		t.Fatalf("expected %s, got %s", maxProviderTimeout, cfg.ProviderTimeout)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{name: "env int", env: map[string]string{"RECOVERY_LIMIT": "many"}},
		{name: "env duration", env: map[string]string{"AUTH_TIMEOUT": "soon"}},
		{name: "non-positive limit", args: []string{"--max-media-bytes", "0"}},
		{name: "log format", args: []string{"--log-format", "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Parse(tt.args); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}
