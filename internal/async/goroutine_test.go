package async

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Error(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func TestGoRecoversPanic(t *testing.T) {
	logger := &recordingLogger{}

	Go(logger, "webhook-handler", func() {
		panic("boom")
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if lines := logger.all(); len(lines) > 0 {
			if !strings.Contains(lines[0], "webhook-handler") || !strings.Contains(lines[0], "boom") {
				t.Fatalf("panic log missing context: %q", lines[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("panic was never logged")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGoRunsFunction(t *testing.T) {
	done := make(chan int, 1)
	Go(nil, "", func() { done <- 42 })

	select {
	case v := <-done:
		if v != 42 {
			t.Fatalf("unexpected value %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not run")
	}
}
