package httpapi

import (
	"testing"
	"time"
)

func TestConfigValidateAppliesDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr {
		test.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.RequestTimeout != 30*time.Second {
		test.Fatalf("expected 30s timeout, got %s", cfg.RequestTimeout)
	}
	if cfg.HistoryLimit != defaultHistoryLimit {
		test.Fatalf("expected default history limit, got %d", cfg.HistoryLimit)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != defaultAllowedOrigin {
		test.Fatalf("expected default origin, got %v", cfg.AllowedOrigins)
	}
}

func TestConfigValidateCapsHistoryLimit(test *testing.T) {
	test.Parallel()
	cfg := Config{HistoryLimit: 10000}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.HistoryLimit != maxHistoryLimit {
		test.Fatalf("expected capped history limit, got %d", cfg.HistoryLimit)
	}
}

func TestParseAllowedOriginsSplitsAndTrims(test *testing.T) {
	test.Parallel()
	origins := ParseAllowedOrigins(" https://a.example , ,https://b.example ")
	if len(origins) != 2 || origins[0] != "https://a.example" || origins[1] != "https://b.example" {
		test.Fatalf("unexpected origins: %v", origins)
	}
	if got := ParseAllowedOrigins("  "); len(got) != 0 {
		test.Fatalf("expected empty slice, got %v", got)
	}
}
