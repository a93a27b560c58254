package memory

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeEmbedder maps keyword presence to fixed axes so similarity is
// deterministic.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	v := []float32{0.1, 0.1, 0.1}
	if strings.Contains(lower, "retry") {
		v[0] = 1
	}
	if strings.Contains(lower, "auth") {
		v[1] = 1
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v, nil
}

func TestRecord_WritesMarkdown(t *testing.T) {
	s, err := NewStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	err = s.Record(context.Background(), Entry{
		Identifier: "ENG-42",
		Title:      "Fix flaky retry",
		Status:     "done",
		Summary:    "Added jittered backoff to the dispatcher.",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	memories, err := s.Recall(context.Background(), "", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(memories) != 1 {
		t.Fatalf("expected 1 memory, got %d", len(memories))
	}
	if !strings.Contains(memories[0], "ENG-42") || !strings.Contains(memories[0], "status: done") {
		t.Fatalf("unexpected memory content:\n%s", memories[0])
	}
}

func TestRecall_RecencyWithoutIndex(t *testing.T) {
	s, err := NewStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := s.Record(context.Background(), Entry{
			Identifier: "ENG-" + string(rune('1'+i)),
			Title:      "t",
			Status:     "done",
			Summary:    "s",
			FinishedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	memories, err := s.Recall(context.Background(), "anything", 3)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(memories) != 3 {
		t.Fatalf("expected 3 memories, got %d", len(memories))
	}
	if !strings.Contains(memories[0], "ENG-5") {
		t.Fatalf("newest memory must come first:\n%s", memories[0])
	}
}

func TestRecall_IndexedSimilarity(t *testing.T) {
	s, err := NewStore(t.TempDir(), fakeEmbedder{}, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	if err := s.Record(ctx, Entry{Identifier: "ENG-1", Title: "retry storm", Status: "done", Summary: "fixed retry backoff"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Record(ctx, Entry{Identifier: "ENG-2", Title: "auth bug", Status: "done", Summary: "fixed auth token refresh"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	memories, err := s.Recall(ctx, "flaky retry behavior", 1)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(memories) != 1 {
		t.Fatalf("expected 1 memory, got %d", len(memories))
	}
	if !strings.Contains(memories[0], "ENG-1") {
		t.Fatalf("expected the retry memory, got:\n%s", memories[0])
	}
}

func TestRecall_EmptyStore(t *testing.T) {
	s, err := NewStore(t.TempDir(), fakeEmbedder{}, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	memories, err := s.Recall(context.Background(), "anything", 3)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(memories) != 0 {
		t.Fatalf("expected no memories, got %d", len(memories))
	}
}

func TestRecord_RequiresIdentifier(t *testing.T) {
	s, err := NewStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Record(context.Background(), Entry{}); err == nil {
		t.Fatal("expected error for missing identifier")
	}
}

func TestRecord_NoTmpLeftovers(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Record(context.Background(), Entry{Identifier: "ENG-9", Title: "t", Status: "done", Summary: "s"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("tmp files left behind: %v", matches)
	}
}

func TestProjectContext(t *testing.T) {
	if got := ProjectContext(nil); got != "" {
		t.Fatalf("empty memories must render empty, got %q", got)
	}
	got := ProjectContext([]string{"# ENG-1\n\nfirst", "# ENG-2\n\nsecond"})
	if !strings.Contains(got, "ENG-1") || !strings.Contains(got, "ENG-2") {
		t.Fatalf("memories missing from context:\n%s", got)
	}
	if !strings.HasPrefix(got, "Relevant past dispatches:") {
		t.Fatalf("missing heading:\n%s", got)
	}
}

func TestNewStore_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "memory")
	if _, err := NewStore(dir, nil, nil); err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("dir not created: %v", err)
	}
}
