package persona

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingDirFallsBackToDefault(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := s.Get("")
	if p.Name != DefaultName {
		t.Errorf("Get(\"\") = %q, want default", p.Name)
	}
	if p.SystemPrompt == "" {
		t.Error("default persona must have a system prompt")
	}
}

func TestLoad_PersonaFiles(t *testing.T) {
	dir := t.TempDir()
	content := `
name: researcher
system_prompt: You dig into sources before answering.
allowed_namespaces:
  - search
preferred_model: claude-sonnet-4-20250514
`
	if err := os.WriteFile(filepath.Join(dir, "researcher.yaml"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p := s.Get("researcher")
	if p.Name != "researcher" {
		t.Fatalf("Get(researcher) returned %q", p.Name)
	}
	if len(p.AllowedNamespaces) != 1 || p.AllowedNamespaces[0] != "search" {
		t.Errorf("AllowedNamespaces = %v", p.AllowedNamespaces)
	}
	if p.PreferredModel != "claude-sonnet-4-20250514" {
		t.Errorf("PreferredModel = %q", p.PreferredModel)
	}
}

func TestLoad_NameDefaultsToFilename(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "terse.yaml"),
		[]byte("system_prompt: Answer in one sentence.\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Get("terse").SystemPrompt != "Answer in one sentence." {
		t.Error("persona named by filename not loaded")
	}
}

func TestLoad_RejectsEmptySystemPrompt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"),
		[]byte("name: broken\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for persona without system_prompt")
	}
}

func TestGet_UnknownFallsBackToDefault(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Get("nonexistent"); got.Name != DefaultName {
		t.Errorf("Get(nonexistent) = %q, want default", got.Name)
	}
}
