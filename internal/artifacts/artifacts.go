// Package artifacts maintains the .claw/ directory inside each dispatch
// worktree: a manifest with the current status, per-attempt worker and audit
// outputs, an append-only event log, and a human-readable summary. Artifacts
// are a convenience trail for whoever opens the worktree later. Every write
// is best-effort: failures are logged at warn and never propagated, a
// dispatch must not die because its paper trail could not be written.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"clawd/internal/logging"
	jsonx "clawd/internal/shared/json"
	"clawd/internal/verdict"
)

// Dir is the artifact directory name created inside each worktree.
const Dir = ".claw"

const (
	manifestFile = "manifest.json"
	logFile      = "log.jsonl"
	summaryFile  = "summary.md"
)

// Manifest mirrors the dispatch status into the worktree.
type Manifest struct {
	Identifier string    `json:"identifier"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// LogEntry is one line of the append-only dispatch log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Phase   string    `json:"phase"`
	Event   string    `json:"event"`
	Attempt int       `json:"attempt,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Writer writes dispatch artifacts. Safe for concurrent use across distinct
// worktrees; a dispatch owns its worktree, so per-file races do not arise.
type Writer struct {
	logger logging.Logger
	now    func() time.Time
}

// NewWriter returns an artifact writer. logger may be nil.
func NewWriter(logger logging.Logger) *Writer {
	return &Writer{logger: logging.OrNop(logger), now: time.Now}
}

func (w *Writer) dir(worktree string) (string, bool) {
	if strings.TrimSpace(worktree) == "" {
		return "", false
	}
	dir := filepath.Join(worktree, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.logger.Warn("Artifact dir %s not writable: %v", dir, err)
		return "", false
	}
	return dir, true
}

// WriteManifest records the dispatch status. Replaces the previous manifest.
func (w *Writer) WriteManifest(worktree string, m Manifest) {
	dir, ok := w.dir(worktree)
	if !ok {
		return
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = w.now()
	}
	data, err := jsonx.MarshalIndent(m, "", "  ")
	if err != nil {
		w.logger.Warn("Artifact manifest encode failed for %s: %v", m.Identifier, err)
		return
	}
	w.writeFile(filepath.Join(dir, manifestFile), append(data, '\n'))
}

// ReadManifest loads the manifest when present.
func (w *Writer) ReadManifest(worktree string) (Manifest, bool) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(worktree, Dir, manifestFile))
	if err != nil {
		return m, false
	}
	if err := jsonx.Unmarshal(data, &m); err != nil {
		w.logger.Warn("Artifact manifest unreadable in %s: %v", worktree, err)
		return m, false
	}
	return m, true
}

// WriteWorkerOutput stores the worker's final output for one attempt.
func (w *Writer) WriteWorkerOutput(worktree string, attempt int, text string) {
	dir, ok := w.dir(worktree)
	if !ok {
		return
	}
	name := fmt.Sprintf("worker-%d.md", attempt)
	w.writeFile(filepath.Join(dir, name), []byte(text))
}

// ReadWorkerOutput loads the worker output for one attempt when present.
func (w *Writer) ReadWorkerOutput(worktree string, attempt int) (string, bool) {
	name := fmt.Sprintf("worker-%d.md", attempt)
	data, err := os.ReadFile(filepath.Join(worktree, Dir, name))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// WriteAuditVerdict stores the parsed verdict for one attempt in its
// canonical JSON form.
func (w *Writer) WriteAuditVerdict(worktree string, attempt int, v *verdict.Verdict) {
	if v == nil {
		return
	}
	dir, ok := w.dir(worktree)
	if !ok {
		return
	}
	name := fmt.Sprintf("audit-%d.json", attempt)
	w.writeFile(filepath.Join(dir, name), []byte(v.Render()+"\n"))
}

// AppendLog adds one entry to the dispatch event log.
func (w *Writer) AppendLog(worktree string, entry LogEntry) {
	dir, ok := w.dir(worktree)
	if !ok {
		return
	}
	if entry.Time.IsZero() {
		entry.Time = w.now()
	}
	path := filepath.Join(dir, logFile)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.logger.Warn("Artifact log open failed: %v", err)
		return
	}
	defer file.Close()
	if err := jsonx.NewEncoder(file).Encode(entry); err != nil {
		w.logger.Warn("Artifact log append failed: %v", err)
	}
}

// ReadLog returns all log entries, oldest first. Unparseable lines are
// skipped.
func (w *Writer) ReadLog(worktree string) []LogEntry {
	data, err := os.ReadFile(filepath.Join(worktree, Dir, logFile))
	if err != nil {
		return nil
	}
	var entries []LogEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry LogEntry
		if err := jsonx.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// WriteSummary stores the final human-readable summary.
func (w *Writer) WriteSummary(worktree, text string) {
	dir, ok := w.dir(worktree)
	if !ok {
		return
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	w.writeFile(filepath.Join(dir, summaryFile), []byte(text))
}

// BuildSummaryFromArtifacts composes a markdown summary from whatever
// artifacts exist in the worktree. Always returns usable text.
func (w *Writer) BuildSummaryFromArtifacts(worktree string) string {
	var b strings.Builder

	m, hasManifest := w.ReadManifest(worktree)
	if hasManifest && m.Identifier != "" {
		fmt.Fprintf(&b, "# Dispatch %s\n\n", m.Identifier)
	} else {
		b.WriteString("# Dispatch summary\n\n")
	}
	if hasManifest {
		fmt.Fprintf(&b, "- Status: %s\n", m.Status)
		fmt.Fprintf(&b, "- Attempts: %d\n", m.Attempts)
		if !m.UpdatedAt.IsZero() {
			fmt.Fprintf(&b, "- Updated: %s\n", m.UpdatedAt.UTC().Format(time.RFC3339))
		}
		b.WriteString("\n")
	}

	if attempt, v, ok := w.latestVerdict(worktree); ok {
		fmt.Fprintf(&b, "## Final audit (attempt %d)\n\n", attempt)
		if v.Pass {
			b.WriteString("Result: pass\n")
		} else {
			b.WriteString("Result: fail\n")
		}
		if v.Summary != "" {
			fmt.Fprintf(&b, "\n%s\n", v.Summary)
		}
		if len(v.Gaps) > 0 {
			b.WriteString("\nGaps:\n")
			for _, gap := range v.Gaps {
				fmt.Fprintf(&b, "- %s\n", gap)
			}
		}
		b.WriteString("\n")
	}

	if entries := w.ReadLog(worktree); len(entries) > 0 {
		b.WriteString("## Timeline\n\n")
		for _, entry := range entries {
			ts := entry.Time.UTC().Format("2006-01-02 15:04:05")
			if entry.Attempt > 0 {
				fmt.Fprintf(&b, "- %s %s/%s (attempt %d)", ts, entry.Phase, entry.Event, entry.Attempt)
			} else {
				fmt.Fprintf(&b, "- %s %s/%s", ts, entry.Phase, entry.Event)
			}
			if entry.Detail != "" {
				fmt.Fprintf(&b, ": %s", entry.Detail)
			}
			b.WriteString("\n")
		}
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

// latestVerdict finds the audit-<n>.json with the highest attempt number.
func (w *Writer) latestVerdict(worktree string) (int, *verdict.Verdict, bool) {
	matches, err := filepath.Glob(filepath.Join(worktree, Dir, "audit-*.json"))
	if err != nil || len(matches) == 0 {
		return 0, nil, false
	}
	sort.Strings(matches)
	best := -1
	bestPath := ""
	for _, path := range matches {
		base := strings.TrimSuffix(filepath.Base(path), ".json")
		n, convErr := strconv.Atoi(strings.TrimPrefix(base, "audit-"))
		if convErr != nil {
			continue
		}
		if n > best {
			best = n
			bestPath = path
		}
	}
	if bestPath == "" {
		return 0, nil, false
	}
	data, err := os.ReadFile(bestPath)
	if err != nil {
		return 0, nil, false
	}
	v, err := verdict.Parse(string(data))
	if err != nil {
		return 0, nil, false
	}
	return best, v, true
}

// writeFile commits content through a temp sibling so readers never observe
// a torn artifact.
func (w *Writer) writeFile(path string, data []byte) {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		w.logger.Warn("Artifact write failed for %s: %v", path, err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		w.logger.Warn("Artifact commit failed for %s: %v", path, err)
	}
}
