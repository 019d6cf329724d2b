// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("WORKER_COUNT")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Count != 16 {
		t.Fatalf("expected default worker count 16, got %d", cfg.Worker.Count)
	}
	if cfg.Postgres.DSN == "" {
		t.Fatalf("expected default postgres dsn")
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.Count = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for worker.count < 1")
	}
	cfg = defaultConfig()
	cfg.Worker.PingInterval = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for ping_interval < 1s")
	}
	cfg = defaultConfig()
	cfg.Postgres.DSN = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty postgres dsn")
	}
}
