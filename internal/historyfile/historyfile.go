// Package historyfile manages the per-job markdown history files the
// scheduler consults before every run to avoid repeating itself.
package historyfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	retentionDays  = 14
	dedupMarker    = "---DEDUP---"
	contextPrefix  = "--- PREVIOUS RESULTS — do not repeat these stories/items: "
	contextSuffix  = " ---"
	dateHeaderFmt  = "2006-01-02"
	sectionPattern = `(?m)(?=^## \d{4}-\d{2}-\d{2})`
)

var sectionSplitter = regexp.MustCompile(sectionPattern)
var sectionHeader = regexp.MustCompile(`^## (\d{4}-\d{2}-\d{2})`)

// Manager reads and rewrites per-job history files rooted at a vault
// directory. It holds no shared state — every call is a pure filesystem
// operation scoped to one job name.
type Manager struct {
	vaultPath string
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a history file manager rooted at vaultPath. If logger is
// nil, slog.Default() is used.
func New(vaultPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{vaultPath: vaultPath, logger: logger, now: time.Now}
}

func (m *Manager) path(jobName string) string {
	return filepath.Join(m.vaultPath, "agent-files", jobName+"-history.md")
}

// ReadContext returns the history file's contents wrapped in a
// deduplication delimiter block, or "" if the file is missing or any
// other I/O error occurs (logged as a warning, never propagated).
func (m *Manager) ReadContext(jobName string) string {
	raw, err := os.ReadFile(m.path(jobName))
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("history file read failed", "job", jobName, "error", err)
		}
		return ""
	}
	return contextPrefix + string(raw) + contextSuffix
}

// AppendEntry extracts the deduplicated body from responseText, appends it
// as a dated section, drops sections older than 14 days, and atomically
// rewrites the file.
func (m *Manager) AppendEntry(jobName, responseText string) error {
	body := extractDedupBody(responseText)

	existing, err := os.ReadFile(m.path(jobName))
	if err != nil && !os.IsNotExist(err) {
		m.logger.Warn("history file read before append failed", "job", jobName, "error", err)
		existing = nil
	}

	today := m.now().Format(dateHeaderFmt)
	combined := string(existing) + fmt.Sprintf("\n## %s\n%s\n", today, body)

	trimmed := trimOldSections(combined, m.now())

	dir := filepath.Dir(m.path(jobName))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	tmp := m.path(jobName) + ".tmp"
	if err := os.WriteFile(tmp, []byte(trimmed), 0o644); err != nil {
		return fmt.Errorf("write history temp file: %w", err)
	}
	if err := os.Rename(tmp, m.path(jobName)); err != nil {
		return fmt.Errorf("rename history file: %w", err)
	}
	return nil
}

// extractDedupBody returns the portion of text after the last ---DEDUP---
// marker, or the whole text if the marker is absent.
func extractDedupBody(text string) string {
	idx := strings.LastIndex(text, dedupMarker)
	if idx == -1 {
		return text
	}
	return strings.TrimPrefix(text[idx+len(dedupMarker):], "\n")
}

// trimOldSections splits combined on dated section headers, discards any
// leading non-dated fragment, and drops sections older than
// retentionDays relative to now.
func trimOldSections(combined string, now time.Time) string {
	parts := sectionSplitter.Split(combined, -1)
	cutoff := now.AddDate(0, 0, -retentionDays)

	var kept []string
	for _, part := range parts {
		match := sectionHeader.FindStringSubmatch(part)
		if match == nil {
			// Non-dated fragment (including any leading preamble): drop.
			continue
		}
		date, err := time.Parse(dateHeaderFmt, match[1])
		if err != nil {
			continue
		}
		if date.Before(cutoff) {
			continue
		}
		kept = append(kept, strings.TrimRight(part, "\n")+"\n")
	}
	return strings.Join(kept, "")
}
