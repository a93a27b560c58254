package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"clawd/internal/logging"
	jsonx "clawd/internal/shared/json"
)

// MaxProcessedEvents bounds the idempotency FIFO persisted in the state file.
const MaxProcessedEvents = 200

// Locker serializes access to a state file path across goroutines and
// processes. Satisfied by *locking.Manager.
type Locker interface {
	WithLock(ctx context.Context, path string, fn func() error) error
}

// Store owns one on-disk state document. Every mutator acquires the file
// lock, re-reads, mutates in memory, and commits via tmp+rename, so writers
// never observe or produce torn documents.
type Store struct {
	path      string
	locks     Locker
	logger    logging.Logger
	now       func() time.Time
	maxEvents int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxProcessedEvents overrides the idempotency FIFO bound.
func WithMaxProcessedEvents(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxEvents = n
		}
	}
}

// NewStore returns a store for the document at path. logger may be nil.
func NewStore(path string, locks Locker, logger logging.Logger, opts ...StoreOption) *Store {
	s := &Store{
		path:      path,
		locks:     locks,
		logger:    logging.OrNop(logger),
		now:       time.Now,
		maxEvents: MaxProcessedEvents,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Read loads the current document, migrating legacy schemas in place. A
// document that cannot be decoded is quarantined with a `.corrupted.<ts>`
// suffix and an empty state is returned; that case is logged, not an error.
func (s *Store) Read(ctx context.Context) (*State, error) {
	var st *State
	err := s.locks.WithLock(ctx, s.path, func() error {
		var rerr error
		st, rerr = s.readLocked()
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Update runs fn against the freshly-read document and commits the result in
// one atomic write. It is the escape hatch for multi-entity mutations (the
// project cascade allocates dispatches and flips issue states in one commit);
// prefer the typed mutators for single-entity changes. Returning an error
// from fn abandons the write.
func (s *Store) Update(ctx context.Context, fn func(*State) error) error {
	if fn == nil {
		return nil
	}
	return s.locks.WithLock(ctx, s.path, func() error {
		st, err := s.readLocked()
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
		return s.writeLocked(st)
	})
}

func (s *Store) readLocked() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	st, err := decodeAndMigrate(data)
	if err != nil {
		if errors.Is(err, ErrUnknownVersion) {
			return nil, err
		}
		quarantine := fmt.Sprintf("%s.corrupted.%d", s.path, s.now().UnixMilli())
		if renameErr := os.Rename(s.path, quarantine); renameErr != nil {
			s.logger.Error("state file unreadable and quarantine failed: %v (decode: %v)", renameErr, err)
		} else {
			s.logger.Warn("state file unreadable, quarantined to %s: %v", quarantine, err)
		}
		return NewState(), nil
	}
	return st, nil
}

func (s *Store) writeLocked(st *State) error {
	st.Version = CurrentVersion
	st.normalize()
	if len(st.ProcessedEvents) > s.maxEvents {
		st.ProcessedEvents = append([]string(nil), st.ProcessedEvents[len(st.ProcessedEvents)-s.maxEvents:]...)
	}
	data, err := jsonx.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	data = append(data, '\n')
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

// transitionUpdates collects the optional field changes applied inside a CAS
// commit. Pointer fields distinguish "leave as-is" from zero values.
type transitionUpdates struct {
	attempt          *int
	workerSessionKey *string
	auditSessionKey  *string
	stuckReason      *string
	pendingGaps      *[]string
	model            *string
}

// TransitionUpdate mutates dispatch fields inside the same CAS write.
type TransitionUpdate func(*transitionUpdates)

// WithAttempt sets the attempt counter.
func WithAttempt(n int) TransitionUpdate {
	return func(u *transitionUpdates) { u.attempt = &n }
}

// WithWorkerSessionKey records the worker run's session key. Empty clears it.
func WithWorkerSessionKey(key string) TransitionUpdate {
	return func(u *transitionUpdates) { u.workerSessionKey = &key }
}

// WithAuditSessionKey records the audit run's session key. Empty clears it.
func WithAuditSessionKey(key string) TransitionUpdate {
	return func(u *transitionUpdates) { u.auditSessionKey = &key }
}

// WithStuckReason sets the human-readable reason for a stuck transition.
func WithStuckReason(reason string) TransitionUpdate {
	return func(u *transitionUpdates) { u.stuckReason = &reason }
}

// WithPendingGaps parks the failed audit's gap list for the rework spawn.
func WithPendingGaps(gaps []string) TransitionUpdate {
	return func(u *transitionUpdates) {
		copied := append([]string(nil), gaps...)
		u.pendingGaps = &copied
	}
}

// WithModel overrides the model recorded on the dispatch.
func WithModel(model string) TransitionUpdate {
	return func(u *transitionUpdates) { u.model = &model }
}

// Transition performs an atomic compare-and-swap of the dispatch status:
// it fails with *TransitionError when the dispatch is missing, the observed
// status differs from `from`, or from → to is not in the allowed table.
// Optional updates land in the same write. The returned dispatch is a copy.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, updates ...TransitionUpdate) (*ActiveDispatch, error) {
	if !CanTransition(from, to) {
		return nil, &TransitionError{Code: TransitionInvalid, ID: id, From: from, To: to}
	}

	vals := transitionUpdates{}
	for _, update := range updates {
		if update != nil {
			update(&vals)
		}
	}

	var out *ActiveDispatch
	err := s.Update(ctx, func(st *State) error {
		d, ok := st.Dispatches.Active[id]
		if !ok {
			return &TransitionError{Code: TransitionMissing, ID: id, From: from, To: to}
		}
		if d.Status != from {
			return &TransitionError{Code: TransitionStale, ID: id, From: from, To: to, Observed: d.Status}
		}

		d.Status = to
		if vals.attempt != nil {
			d.Attempt = *vals.attempt
		}
		if vals.workerSessionKey != nil {
			d.WorkerSessionKey = *vals.workerSessionKey
		}
		if vals.auditSessionKey != nil {
			d.AuditSessionKey = *vals.auditSessionKey
		}
		if vals.stuckReason != nil {
			d.StuckReason = *vals.stuckReason
		}
		if vals.pendingGaps != nil {
			d.PendingGaps = *vals.pendingGaps
		}
		if vals.model != nil {
			d.Model = *vals.model
		}

		// stuckReason is set iff status is stuck.
		if to == StatusStuck {
			if strings.TrimSpace(d.StuckReason) == "" {
				return fmt.Errorf("transition %s -> stuck requires a stuck reason", from)
			}
		} else {
			d.StuckReason = ""
		}
		if d.Attempt < 0 {
			return fmt.Errorf("dispatch %s: attempt must not be negative", id)
		}

		out = d.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateDispatch applies field updates to an active dispatch without
// changing its status. Used when a rework worker spawns: the dispatch is
// already working, only the fresh session key and cleared gaps land.
func (s *Store) UpdateDispatch(ctx context.Context, id string, updates ...TransitionUpdate) (*ActiveDispatch, error) {
	vals := transitionUpdates{}
	for _, update := range updates {
		if update != nil {
			update(&vals)
		}
	}
	var out *ActiveDispatch
	err := s.Update(ctx, func(st *State) error {
		d, ok := st.Dispatches.Active[id]
		if !ok {
			return &TransitionError{Code: TransitionMissing, ID: id}
		}
		if vals.attempt != nil {
			d.Attempt = *vals.attempt
		}
		if vals.workerSessionKey != nil {
			d.WorkerSessionKey = *vals.workerSessionKey
		}
		if vals.auditSessionKey != nil {
			d.AuditSessionKey = *vals.auditSessionKey
		}
		if vals.pendingGaps != nil {
			d.PendingGaps = *vals.pendingGaps
		}
		if vals.model != nil {
			d.Model = *vals.model
		}
		out = d.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterDispatch adds a new active dispatch. A completed record under the
// same identifier is dropped so re-dispatching a finished issue starts clean.
// Registering over an existing active dispatch is rejected.
func (s *Store) RegisterDispatch(ctx context.Context, d *ActiveDispatch) error {
	if d == nil {
		return fmt.Errorf("nil dispatch")
	}
	if strings.TrimSpace(d.Identifier) == "" {
		return fmt.Errorf("dispatch requires an issue identifier")
	}
	return s.Update(ctx, func(st *State) error {
		if _, exists := st.Dispatches.Active[d.Identifier]; exists {
			return fmt.Errorf("dispatch %s already active", d.Identifier)
		}
		stored := d.Clone()
		if stored.DispatchedAt.IsZero() {
			stored.DispatchedAt = s.now()
		}
		if stored.Status == "" {
			stored.Status = StatusDispatched
		}
		delete(st.Dispatches.Completed, d.Identifier)
		st.Dispatches.Active[d.Identifier] = stored
		return nil
	})
}

// CompleteDispatch moves the dispatch to the completed map and purges every
// session mapping that pointed at it.
func (s *Store) CompleteDispatch(ctx context.Context, id string, record CompletedDispatch) error {
	return s.Update(ctx, func(st *State) error {
		delete(st.Dispatches.Active, id)
		if record.Identifier == "" {
			record.Identifier = id
		}
		if record.CompletedAt.IsZero() {
			record.CompletedAt = s.now()
		}
		st.Dispatches.Completed[record.Identifier] = &record
		for key, mapping := range st.SessionMap {
			if mapping.DispatchID == id {
				delete(st.SessionMap, key)
			}
		}
		return nil
	})
}

// RemoveActiveDispatch deletes the active entry and its session mappings
// without recording a completion. Used by admin removal and failed startups.
func (s *Store) RemoveActiveDispatch(ctx context.Context, id string) error {
	return s.Update(ctx, func(st *State) error {
		delete(st.Dispatches.Active, id)
		for key, mapping := range st.SessionMap {
			if mapping.DispatchID == id {
				delete(st.SessionMap, key)
			}
		}
		return nil
	})
}

// RegisterSessionMapping records sessionKey → dispatch/phase/attempt.
func (s *Store) RegisterSessionMapping(ctx context.Context, key string, mapping SessionMapping) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("session key required")
	}
	return s.Update(ctx, func(st *State) error {
		st.SessionMap[key] = mapping
		return nil
	})
}

// RemoveSessionMapping drops one session mapping.
func (s *Store) RemoveSessionMapping(ctx context.Context, key string) error {
	return s.Update(ctx, func(st *State) error {
		delete(st.SessionMap, key)
		return nil
	})
}

// GetSessionMapping resolves a session key to its owning dispatch.
func (s *Store) GetSessionMapping(ctx context.Context, key string) (SessionMapping, bool, error) {
	st, err := s.Read(ctx)
	if err != nil {
		return SessionMapping{}, false, err
	}
	mapping, ok := st.SessionMap[key]
	return mapping, ok, nil
}

// MarkEventProcessed persists the event key for idempotency. It reports true
// when the key was new (the caller owns the event) and false on a duplicate.
// The FIFO is trimmed to the configured bound on every write.
func (s *Store) MarkEventProcessed(ctx context.Context, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, fmt.Errorf("event key required")
	}
	fresh := false
	err := s.Update(ctx, func(st *State) error {
		for _, existing := range st.ProcessedEvents {
			if existing == key {
				return nil
			}
		}
		fresh = true
		st.ProcessedEvents = append(st.ProcessedEvents, key)
		return nil
	})
	if err != nil {
		return false, err
	}
	return fresh, nil
}

// PruneCompleted drops completed records older than maxAge and reports how
// many were removed.
func (s *Store) PruneCompleted(ctx context.Context, maxAge time.Duration) (int, error) {
	removed := 0
	cutoff := s.now().Add(-maxAge)
	err := s.Update(ctx, func(st *State) error {
		for id, record := range st.Dispatches.Completed {
			if record.CompletedAt.Before(cutoff) {
				delete(st.Dispatches.Completed, id)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// GetActiveDispatch returns a copy of the active dispatch for id.
func (s *Store) GetActiveDispatch(ctx context.Context, id string) (*ActiveDispatch, bool, error) {
	st, err := s.Read(ctx)
	if err != nil {
		return nil, false, err
	}
	d, ok := st.Dispatches.Active[id]
	if !ok {
		return nil, false, nil
	}
	return d.Clone(), true, nil
}

// ListActiveDispatches returns all active dispatches, oldest first.
func (s *Store) ListActiveDispatches(ctx context.Context) ([]*ActiveDispatch, error) {
	st, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*ActiveDispatch, 0, len(st.Dispatches.Active))
	for _, d := range st.Dispatches.Active {
		out = append(out, d.Clone())
	}
	sortDispatches(out)
	return out, nil
}

// ListStaleDispatches returns active dispatches dispatched before now-maxAge.
func (s *Store) ListStaleDispatches(ctx context.Context, maxAge time.Duration) ([]*ActiveDispatch, error) {
	st, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-maxAge)
	var out []*ActiveDispatch
	for _, d := range st.Dispatches.Active {
		if d.DispatchedAt.Before(cutoff) {
			out = append(out, d.Clone())
		}
	}
	sortDispatches(out)
	return out, nil
}

// ListRecoverableDispatches returns dispatches whose worker finished but
// whose audit never started: status working with a worker session key and no
// audit session key. After a restart these should have their audit
// re-triggered.
func (s *Store) ListRecoverableDispatches(ctx context.Context) ([]*ActiveDispatch, error) {
	st, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	var out []*ActiveDispatch
	for _, d := range st.Dispatches.Active {
		if d.Status == StatusWorking && d.WorkerSessionKey != "" && d.AuditSessionKey == "" {
			out = append(out, d.Clone())
		}
	}
	sortDispatches(out)
	return out, nil
}

// ListReworkParked returns dispatches a failed audit sent back to working:
// the rework transition clears both session keys, so a working dispatch with
// no worker session key is waiting for a fresh worker spawn.
func (s *Store) ListReworkParked(ctx context.Context) ([]*ActiveDispatch, error) {
	st, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	var out []*ActiveDispatch
	for _, d := range st.Dispatches.Active {
		if d.Status == StatusWorking && d.WorkerSessionKey == "" {
			out = append(out, d.Clone())
		}
	}
	sortDispatches(out)
	return out, nil
}

// ListCompletedDispatches returns completed records, newest first.
func (s *Store) ListCompletedDispatches(ctx context.Context) ([]*CompletedDispatch, error) {
	st, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*CompletedDispatch, 0, len(st.Dispatches.Completed))
	for _, record := range st.Dispatches.Completed {
		copied := *record
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].Identifier < out[j].Identifier
		}
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	return out, nil
}

// GetProject returns a copy of the project dispatch for id.
func (s *Store) GetProject(ctx context.Context, projectID string) (*ProjectDispatch, bool, error) {
	st, err := s.Read(ctx)
	if err != nil {
		return nil, false, err
	}
	p, ok := st.Projects[projectID]
	if !ok {
		return nil, false, nil
	}
	return cloneProject(p), true, nil
}

// PutProject stores (or replaces) a project dispatch.
func (s *Store) PutProject(ctx context.Context, p *ProjectDispatch) error {
	if p == nil || strings.TrimSpace(p.ProjectID) == "" {
		return fmt.Errorf("project requires an id")
	}
	return s.Update(ctx, func(st *State) error {
		st.Projects[p.ProjectID] = cloneProject(p)
		return nil
	})
}

// RemoveProject deletes a project dispatch.
func (s *Store) RemoveProject(ctx context.Context, projectID string) error {
	return s.Update(ctx, func(st *State) error {
		delete(st.Projects, projectID)
		return nil
	})
}

func sortDispatches(list []*ActiveDispatch) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].DispatchedAt.Equal(list[j].DispatchedAt) {
			return list[i].Identifier < list[j].Identifier
		}
		return list[i].DispatchedAt.Before(list[j].DispatchedAt)
	})
}

func cloneProject(p *ProjectDispatch) *ProjectDispatch {
	if p == nil {
		return nil
	}
	out := *p
	out.Issues = make(map[string]*ProjectIssue, len(p.Issues))
	for id, issue := range p.Issues {
		copied := *issue
		copied.DependsOn = append([]string(nil), issue.DependsOn...)
		copied.Unblocks = append([]string(nil), issue.Unblocks...)
		out.Issues[id] = &copied
	}
	return &out
}
