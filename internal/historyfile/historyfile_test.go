package historyfile_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-claw/internal/historyfile"
)

func TestReadContext_MissingFileReturnsEmpty(t *testing.T) {
	m := historyfile.New(t.TempDir(), nil)
	if got := m.ReadContext("nonexistent"); got != "" {
		t.Fatalf("expected empty string for missing file, got %q", got)
	}
}

func TestAppendEntry_CreatesFileLazily(t *testing.T) {
	vault := t.TempDir()
	m := historyfile.New(vault, nil)

	if err := m.AppendEntry("morning-digest", "Today's top story was X."); err != nil {
		t.Fatalf("append: %v", err)
	}

	path := filepath.Join(vault, "agent-files", "morning-digest-history.md")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected history file to exist: %v", err)
	}
	if !strings.Contains(string(raw), "Today's top story was X.") {
		t.Fatalf("expected body in file, got %q", string(raw))
	}
}

func TestAppendEntry_ExtractsDedupMarker(t *testing.T) {
	vault := t.TempDir()
	m := historyfile.New(vault, nil)

	response := "internal reasoning we don't want stored\n---DEDUP---\nthe actual story body"
	if err := m.AppendEntry("job-1", response); err != nil {
		t.Fatalf("append: %v", err)
	}

	got := m.ReadContext("job-1")
	if strings.Contains(got, "internal reasoning") {
		t.Fatalf("expected pre-marker text to be discarded, got %q", got)
	}
	if !strings.Contains(got, "the actual story body") {
		t.Fatalf("expected post-marker text to be stored, got %q", got)
	}
}

func TestReadContext_WrapsInDelimiterBlock(t *testing.T) {
	vault := t.TempDir()
	m := historyfile.New(vault, nil)
	if err := m.AppendEntry("job-1", "story body"); err != nil {
		t.Fatalf("append: %v", err)
	}
	got := m.ReadContext("job-1")
	if !strings.HasPrefix(got, "--- PREVIOUS RESULTS") {
		t.Fatalf("expected delimiter prefix, got %q", got)
	}
	if !strings.HasSuffix(got, "---") {
		t.Fatalf("expected delimiter suffix, got %q", got)
	}
}

func TestAppendEntry_DropsSectionsOlderThan14Days(t *testing.T) {
	vault := t.TempDir()
	path := filepath.Join(vault, "agent-files", "job-1-history.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := "## 2020-01-01\nancient story\n"
	if err := os.WriteFile(path, []byte(old), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	m := historyfile.New(vault, nil)
	if err := m.AppendEntry("job-1", "fresh story"); err != nil {
		t.Fatalf("append: %v", err)
	}

	got := m.ReadContext("job-1")
	if strings.Contains(got, "ancient story") {
		t.Fatalf("expected old section dropped, got %q", got)
	}
	if !strings.Contains(got, "fresh story") {
		t.Fatalf("expected fresh section kept, got %q", got)
	}
}

func TestAppendEntry_DropsNonDatedPreamble(t *testing.T) {
	vault := t.TempDir()
	path := filepath.Join(vault, "agent-files", "job-1-history.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("garbage preamble with no header\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	m := historyfile.New(vault, nil)
	if err := m.AppendEntry("job-1", "fresh story"); err != nil {
		t.Fatalf("append: %v", err)
	}

	got := m.ReadContext("job-1")
	if strings.Contains(got, "garbage preamble") {
		t.Fatalf("expected preamble dropped, got %q", got)
	}
}

func TestAppendEntry_IsIdempotentOnRepeatedTrim(t *testing.T) {
	vault := t.TempDir()
	m := historyfile.New(vault, nil)

	for i := 0; i < 3; i++ {
		if err := m.AppendEntry("job-1", "story"); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	first := m.ReadContext("job-1")
	if err := m.AppendEntry("job-1", "another story"); err != nil {
		t.Fatalf("append: %v", err)
	}
	second := m.ReadContext("job-1")
	if !strings.Contains(second, "story") || !strings.Contains(second, "another story") {
		t.Fatalf("expected both entries retained, got %q (previously %q)", second, first)
	}
}
