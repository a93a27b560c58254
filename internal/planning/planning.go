// Package planning tracks plan-mode sessions on project-root issues. A
// session accumulates plan notes comment by comment until a finalize comment
// carries the plan document; finalizing hands the parsed plan to the DAG
// controller, which releases the first batch of dispatchable issues. The
// plan content itself is authored outside this system (by a human or a
// planning agent posting comments); this package only keeps the session
// ledger and the finalize hand-off.
package planning

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

// SessionStatus is the lifecycle position of one planning session.
type SessionStatus string

const (
	// SessionDrafting collects notes and waits for a plan document.
	SessionDrafting SessionStatus = "drafting"
	// SessionFinalized produced a project dispatch.
	SessionFinalized SessionStatus = "finalized"
	// SessionAbandoned was closed without dispatching.
	SessionAbandoned SessionStatus = "abandoned"
)

// noteCap bounds a single stored note. Plan comments are human-sized; the
// cap only guards against a runaway agent pasting a transcript.
const noteCap = 8 << 10

// Session is one planning conversation rooted at a project issue.
type Session struct {
	RootIssueID    string        `json:"rootIssueId"`
	RootIdentifier string        `json:"rootIdentifier"`
	ProjectName    string        `json:"projectName,omitempty"`
	Status         SessionStatus `json:"status"`
	Notes          []string      `json:"notes,omitempty"`
	ProjectID      string        `json:"projectId,omitempty"` // set on finalize
	StartedAt      time.Time     `json:"startedAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand outside the store lock.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Notes = append([]string(nil), s.Notes...)
	return &out
}

// document is the on-disk shape of planning-state.json.
type document struct {
	Version  int                 `json:"version"`
	Sessions map[string]*Session `json:"sessions"` // keyed by root issue id
}

const currentVersion = 1

func newDocument() *document {
	return &document{Version: currentVersion, Sessions: map[string]*Session{}}
}

// Locker serializes access to the planning file across goroutines and
// processes. Satisfied by *locking.Manager.
type Locker interface {
	WithLock(ctx context.Context, path string, fn func() error) error
}

// Store persists planning sessions in one JSON document, read-modify-write
// under the file lock like the dispatch state store.
type Store struct {
	path   string
	locks  Locker
	logger logging.Logger
	now    func() time.Time
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

// NewStore returns a store for the document at path. logger may be nil.
func NewStore(path string, locks Locker, logger logging.Logger, opts ...StoreOption) *Store {
	s := &Store{
		path:   path,
		locks:  locks,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the session rooted at issueID, if any.
func (s *Store) Get(ctx context.Context, issueID string) (*Session, bool, error) {
	var out *Session
	err := s.locks.WithLock(ctx, s.path, func() error {
		doc, err := s.readLocked()
		if err != nil {
			return err
		}
		out = doc.Sessions[issueID].Clone()
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// List returns every stored session, drafting first, newest first within a
// status. Used by the CLI state surface.
func (s *Store) List(ctx context.Context) ([]*Session, error) {
	var out []*Session
	err := s.locks.WithLock(ctx, s.path, func() error {
		doc, err := s.readLocked()
		if err != nil {
			return err
		}
		for _, sess := range doc.Sessions {
			out = append(out, sess.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSessions(out)
	return out, nil
}

// Mutate runs fn against the freshly-read document and commits the result.
// fn may return errNoWrite to abandon the commit without failing the call.
func (s *Store) Mutate(ctx context.Context, fn func(*document) error) error {
	return s.locks.WithLock(ctx, s.path, func() error {
		doc, err := s.readLocked()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			if errors.Is(err, errNoWrite) {
				return nil
			}
			return err
		}
		return s.writeLocked(doc)
	})
}

// errNoWrite signals that a Mutate callback decided not to commit.
var errNoWrite = errors.New("planning: no write")

func (s *Store) readLocked() (*document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newDocument(), nil
		}
		return nil, fmt.Errorf("read planning file: %w", err)
	}
	var doc document
	if err := jsonx.Unmarshal(data, &doc); err != nil {
		quarantine := fmt.Sprintf("%s.corrupted.%d", s.path, s.now().UnixMilli())
		if renameErr := os.Rename(s.path, quarantine); renameErr != nil {
			s.logger.Error("planning file unreadable and quarantine failed: %v (decode: %v)", renameErr, err)
		} else {
			s.logger.Warn("planning file unreadable, quarantined to %s: %v", quarantine, err)
		}
		return newDocument(), nil
	}
	if doc.Version > currentVersion {
		return nil, fmt.Errorf("planning file version %d is newer than this binary supports (%d)", doc.Version, currentVersion)
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string]*Session{}
	}
	return &doc, nil
}

func (s *Store) writeLocked(doc *document) error {
	doc.Version = currentVersion
	data, err := jsonx.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode planning state: %w", err)
	}
	data = append(data, '\n')
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write planning temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit planning file: %w", err)
	}
	return nil
}

func sortSessions(sessions []*Session) {
	rank := func(st SessionStatus) int {
		if st == SessionDrafting {
			return 0
		}
		return 1
	}
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if rank(a.Status) != rank(b.Status) {
			return rank(a.Status) < rank(b.Status)
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})
}

func capNote(note string) string {
	note = strings.TrimSpace(note)
	if len(note) > noteCap {
		note = note[:noteCap]
	}
	return note
}
