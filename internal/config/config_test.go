package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "attache.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9090\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Port != 9090 {
		t.Errorf("Listen.Port = %d, want 9090", cfg.Listen.Port)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("Agent.MaxIterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.MaxParallelTools != 4 {
		t.Errorf("Agent.MaxParallelTools = %d, want 4", cfg.Agent.MaxParallelTools)
	}
	if cfg.Registry.RefreshIntervalSec != 300 {
		t.Errorf("Registry.RefreshIntervalSec = %d, want 300", cfg.Registry.RefreshIntervalSec)
	}
	if cfg.Registry.ManifestTTLSec != 900 {
		t.Errorf("Registry.ManifestTTLSec = %d, want 900", cfg.Registry.ManifestTTLSec)
	}
	if cfg.Assembler.SummarizeThreshold != 60 {
		t.Errorf("Assembler.SummarizeThreshold = %d, want 60", cfg.Assembler.SummarizeThreshold)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_ATTACHE_KEY", "sk-test-123")
	path := writeConfig(t, "vendors:\n  anthropic:\n    api_key: ${TEST_ATTACHE_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Vendors.Anthropic.APIKey != "sk-test-123" {
		t.Errorf("APIKey = %q, want expanded env value", cfg.Vendors.Anthropic.APIKey)
	}
}

func TestLoad_FallbackChain(t *testing.T) {
	path := writeConfig(t, `
fallback:
  - vendor: anthropic
    model: claude-sonnet-4-20250514
  - vendor: ollama
    model: qwen3:4b
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Fallback) != 2 {
		t.Fatalf("got %d fallback entries, want 2", len(cfg.Fallback))
	}
	if cfg.Fallback[0].Vendor != "anthropic" {
		t.Errorf("Fallback[0].Vendor = %q, want anthropic", cfg.Fallback[0].Vendor)
	}
	if cfg.Fallback[1].Model != "qwen3:4b" {
		t.Errorf("Fallback[1].Model = %q, want qwen3:4b", cfg.Fallback[1].Model)
	}
}

func TestLoad_EmbeddingsURLDefaultsToOllama(t *testing.T) {
	path := writeConfig(t, `
vendors:
  ollama:
    url: http://localhost:11434
embeddings:
  enabled: true
  model: nomic-embed-text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Embeddings.URL != "http://localhost:11434" {
		t.Errorf("Embeddings.URL = %q, want the ollama URL", cfg.Embeddings.URL)
	}
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
