package config

import (
	"strings"
	"testing"
)

func TestDefault_GeneratesDistinctClientIDs(t *testing.T) {
	a, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	b, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}

	if a.ClientID == b.ClientID {
		t.Fatalf("two calls to Default() produced identical client ids")
	}
	if !strings.HasPrefix(string(a.ClientID[:8]), "-LC0001-") {
		t.Fatalf("ClientID prefix = %q, want -LC0001-", a.ClientID[:8])
	}
}

func TestDefault_FanOutAndTimeoutsArePositive(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}

	if cfg.FanOut <= 0 {
		t.Fatalf("FanOut = %d, want > 0", cfg.FanOut)
	}
	if cfg.ReadTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.DialTimeout <= 0 {
		t.Fatalf("expected all timeouts to be positive, got %+v", cfg)
	}
	if cfg.DefaultDownloadDir == "" {
		t.Fatalf("expected a non-empty default download directory")
	}
}

func TestDefault_RetryPoliciesHaveSaneBounds(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}

	for name, p := range map[string]RetryPolicy{
		"AnnounceRetry": cfg.AnnounceRetry,
		"DialRetry":     cfg.DialRetry,
	} {
		if p.MaxAttempts < 1 {
			t.Fatalf("%s.MaxAttempts = %d, want >= 1", name, p.MaxAttempts)
		}
		if p.InitialDelay > p.MaxDelay {
			t.Fatalf("%s.InitialDelay (%v) > MaxDelay (%v)", name, p.InitialDelay, p.MaxDelay)
		}
	}
}
