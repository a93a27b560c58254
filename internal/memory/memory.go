// Package memory keeps markdown summaries of finished dispatches and
// recalls the ones relevant to a new dispatch. Summaries always land on
// disk; when an embedder is configured they are additionally indexed in a
// chromem collection for similarity recall.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"clawd/internal/logging"
)

// Embedder turns text into a vector. The LLM client satisfies this.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Entry is one finished dispatch worth remembering.
type Entry struct {
	Identifier string
	Title      string
	Status     string
	Summary    string
	FinishedAt time.Time
}

// Store persists and recalls dispatch memory.
type Store struct {
	dir        string
	logger     logging.Logger
	collection *chromem.Collection

	mu sync.Mutex
}

// NewStore opens (or creates) the memory directory. embedder may be nil;
// recall then degrades to recency.
func NewStore(dir string, embedder Embedder, logger logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	s := &Store{dir: dir, logger: logging.OrNop(logger)}

	if embedder != nil {
		db, err := chromem.NewPersistentDB(filepath.Join(dir, "index"), false)
		if err != nil {
			return nil, fmt.Errorf("open memory index: %w", err)
		}
		embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
			return embedder.Embed(ctx, text)
		}
		collection, err := db.GetOrCreateCollection("dispatches", nil, embeddingFunc)
		if err != nil {
			return nil, fmt.Errorf("open memory collection: %w", err)
		}
		s.collection = collection
	}
	return s, nil
}

// Record stores one dispatch summary.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.Identifier == "" {
		return fmt.Errorf("identifier is required")
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}
	content := render(e)

	s.mu.Lock()
	defer s.mu.Unlock()

	name := fmt.Sprintf("%d-%s.md", e.FinishedAt.UnixNano(), sanitizeName(e.Identifier))
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write memory tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename memory file: %w", err)
	}

	if s.collection != nil {
		err := s.collection.AddDocument(ctx, chromem.Document{
			ID:      name,
			Content: content,
			Metadata: map[string]string{
				"identifier": e.Identifier,
				"status":     e.Status,
			},
		})
		if err != nil {
			// The markdown copy is the source of truth; a missed index
			// entry only weakens recall.
			s.logger.Warn("Indexing memory for %s: %v", e.Identifier, err)
		}
	}
	return nil
}

// Recall returns up to limit summaries relevant to the query, most relevant
// first. Without an index it returns the most recent summaries instead.
func (s *Store) Recall(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 3
	}
	if s.collection != nil && strings.TrimSpace(query) != "" {
		return s.recallIndexed(ctx, query, limit)
	}
	return s.recallRecent(limit)
}

func (s *Store) recallIndexed(ctx context.Context, query string, limit int) ([]string, error) {
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}
	results, err := s.collection.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query memory index: %w", err)
	}
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Content)
	}
	return out, nil
}

func (s *Store) recallRecent(limit int) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read memory dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		names = append(names, entry.Name())
	}
	// Names start with a nanosecond timestamp, so lexical order is
	// chronological for same-width prefixes.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if len(names) > limit {
		names = names[:limit]
	}
	var out []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("Reading memory file %s: %v", name, err)
			continue
		}
		out = append(out, string(data))
	}
	return out, nil
}

// ProjectContext renders recalled memories into one prompt-ready block.
func ProjectContext(memories []string) string {
	if len(memories) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant past dispatches:\n\n")
	for _, m := range memories {
		sb.WriteString(strings.TrimSpace(m))
		sb.WriteString("\n\n---\n\n")
	}
	return strings.TrimSpace(sb.String())
}

func render(e Entry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s: %s\n\n", e.Identifier, e.Title)
	fmt.Fprintf(&sb, "- status: %s\n", e.Status)
	fmt.Fprintf(&sb, "- finished: %s\n\n", e.FinishedAt.UTC().Format(time.RFC3339))
	sb.WriteString(strings.TrimSpace(e.Summary))
	sb.WriteString("\n")
	return sb.String()
}

func sanitizeName(identifier string) string {
	identifier = strings.ReplaceAll(identifier, string(filepath.Separator), "-")
	return strings.ReplaceAll(identifier, " ", "-")
}
