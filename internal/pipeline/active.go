package pipeline

import "sync"

// ActiveRuns tracks which issues have an in-flight handler chain in this
// process. It is the first dedup layer: webhook handlers consult it before
// doing any I/O, and pipeline entry points claim through it so two events
// for the same issue can never drive the state machine concurrently.
//
// Claims are process-local and deliberately not persisted: after a restart
// the state store alone decides what is recoverable.
type ActiveRuns struct {
	mu   sync.Mutex
	runs map[string]string
}

func NewActiveRuns() *ActiveRuns {
	return &ActiveRuns{runs: map[string]string{}}
}

// Claim marks the issue as owned by marker. Returns false when some other
// run already owns it.
func (a *ActiveRuns) Claim(issueKey, marker string) bool {
	if issueKey == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, held := a.runs[issueKey]; held {
		return false
	}
	a.runs[issueKey] = marker
	return true
}

// Release drops the claim. Releasing an unclaimed key is a no-op, so every
// terminal path may release without tracking who claimed.
func (a *ActiveRuns) Release(issueKey string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.runs, issueKey)
}

// Has reports whether the issue currently has an in-flight run.
func (a *ActiveRuns) Has(issueKey string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, held := a.runs[issueKey]
	return held
}

// Get returns the marker for an in-flight run.
func (a *ActiveRuns) Get(issueKey string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	marker, held := a.runs[issueKey]
	return marker, held
}

// Len returns the number of in-flight runs.
func (a *ActiveRuns) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runs)
}

// Snapshot copies the registry for diagnostics.
func (a *ActiveRuns) Snapshot() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.runs))
	for k, v := range a.runs {
		out[k] = v
	}
	return out
}

// Reset clears all claims. Test hook.
func (a *ActiveRuns) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs = map[string]string{}
}
