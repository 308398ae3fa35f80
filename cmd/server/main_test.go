package main

import (
	"testing"
	"time"
)

func TestResolveStorageDriver(t *testing.T) {
	cases := []struct {
		name      string
		flagValue string
		envValue  string
		dsn       string
		want      string
	}{
		{name: "flag wins", flagValue: "postgres", envValue: "json", dsn: "", want: "postgres"},
		{name: "env fallback", flagValue: "", envValue: "json", dsn: "postgres://x", want: "json"},
		{name: "dsn implies postgres", flagValue: "", envValue: "", dsn: "postgres://x", want: "postgres"},
		{name: "default json", flagValue: "", envValue: "", dsn: "", want: "json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveStorageDriver(tc.flagValue, tc.envValue, tc.dsn)
			if err != nil {
				t.Fatalf("resolveStorageDriver error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("driver = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestValidateProductionDatastore(t *testing.T) {
	if err := validateProductionDatastore("json", ""); err == nil {
		t.Fatal("expected error for json driver in production")
	}
	if err := validateProductionDatastore("postgres", ""); err == nil {
		t.Fatal("expected error for postgres driver without DSN")
	}
	if err := validateProductionDatastore("postgres", "postgres://airwave"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveSessionStoreConfig(t *testing.T) {
	cfg, err := resolveSessionStoreConfig("", "", "json", "", "", "")
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if cfg.Driver != "memory" {
		t.Fatalf("driver = %q, want memory", cfg.Driver)
	}

	cfg, err = resolveSessionStoreConfig("", "", "postgres", "postgres://store", "", "")
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if cfg.Driver != "postgres" || cfg.DSN != "postgres://store" {
		t.Fatalf("config = %+v, want postgres with storage DSN", cfg)
	}

	cfg, err = resolveSessionStoreConfig("", "", "json", "", "postgres://sessions", "")
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if cfg.Driver != "postgres" || cfg.DSN != "postgres://sessions" {
		t.Fatalf("config = %+v, want postgres with explicit DSN", cfg)
	}

	if _, err := resolveSessionStoreConfig("postgres", "", "json", "", "", ""); err == nil {
		t.Fatal("expected error for postgres session store without DSN")
	}
	if _, err := resolveSessionStoreConfig("etcd", "", "json", "", "", ""); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestResolveRateLimitConfig(t *testing.T) {
	cfg := resolveRateLimitConfig(false, 3, 0, 100, 0, 30*time.Second)
	if !cfg.Enabled {
		t.Fatal("limiter should be enabled")
	}
	if cfg.AuthPerIPPerMinute != 3 {
		t.Fatalf("AuthPerIPPerMinute = %d, want 3", cfg.AuthPerIPPerMinute)
	}
	if cfg.APIPerIPPerMinute != 100 {
		t.Fatalf("APIPerIPPerMinute = %d, want 100", cfg.APIPerIPPerMinute)
	}
	if cfg.Window != 30*time.Second {
		t.Fatalf("Window = %s, want 30s", cfg.Window)
	}

	disabled := resolveRateLimitConfig(true, 0, 0, 0, 0, 0)
	if disabled.Enabled {
		t.Fatal("limiter should be disabled")
	}
}

func TestResolveIcecastConfigOverridesDefaults(t *testing.T) {
	cfg := resolveIcecastConfig("radio.example.com", 9000, "show.ogg", "", "", "Night Shift", "", "192k")
	if cfg.Host != "radio.example.com" || cfg.Port != 9000 {
		t.Fatalf("host/port = %s:%d, want radio.example.com:9000", cfg.Host, cfg.Port)
	}
	if cfg.StationName != "Night Shift" {
		t.Fatalf("StationName = %q, want Night Shift", cfg.StationName)
	}
	if cfg.Bitrate != "192k" {
		t.Fatalf("Bitrate = %q, want 192k", cfg.Bitrate)
	}
	if cfg.SourceUser == "" {
		t.Fatal("SourceUser default should survive overrides")
	}
}

func TestResolveListenAddr(t *testing.T) {
	if got := resolveListenAddr(":9999", "production", ""); got != ":9999" {
		t.Fatalf("addr = %q, want :9999", got)
	}
	if got := resolveListenAddr("", "production", ""); got != ":80" {
		t.Fatalf("production default = %q, want :80", got)
	}
	if got := resolveListenAddr("", "development", ""); got != ":8080" {
		t.Fatalf("development default = %q, want :8080", got)
	}
	if got := resolveListenAddr("", "development", ":7000"); got != ":7000" {
		t.Fatalf("env addr = %q, want :7000", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("splitAndTrim = %v, want [a b]", got)
	}
	if splitAndTrim("  ") != nil {
		t.Fatal("blank input should return nil")
	}
}
