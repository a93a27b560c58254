// Package profiles caches agent profiles from agent-profiles.json. Profiles
// map an @alias to a concrete agent: which backend runs it, how its comments
// are branded, and what label marks its fallback posts.
package profiles

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"clawd/internal/logging"
	jsonx "clawd/internal/shared/json"
	"clawd/internal/tracker"
)

// Profile describes one dispatchable agent.
type Profile struct {
	AgentID     string `json:"agentId"`
	Alias       string `json:"alias"`
	Label       string `json:"label,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	IconURL     string `json:"iconUrl,omitempty"`
	Backend     string `json:"backend,omitempty"` // claude | codex | gemini
	Model       string `json:"model,omitempty"`
}

// CommentOpts returns identity options for posting as this agent, or nil
// when the profile carries no identity.
func (p Profile) CommentOpts() *tracker.CommentOpts {
	if p.DisplayName == "" && p.IconURL == "" {
		return nil
	}
	return &tracker.CommentOpts{
		CreateAsUser:   p.DisplayName,
		DisplayIconURL: p.IconURL,
	}
}

// FallbackLabel is the bold prefix for plain-comment fallback posting.
func (p Profile) FallbackLabel() string {
	label := p.Label
	if label == "" {
		label = p.Alias
	}
	if label == "" {
		label = p.AgentID
	}
	return fmt.Sprintf("**[%s]**", label)
}

type profilesFile struct {
	Version  int       `json:"version"`
	Profiles []Profile `json:"profiles"`
}

// Store loads and caches agent profiles. The cache fills on first use and
// stays until Reset, matching how rarely profiles change.
type Store struct {
	path   string
	logger logging.Logger

	mu      sync.Mutex
	byAlias map[string]Profile
	byID    map[string]Profile
	loaded  bool
}

// NewStore builds a profile store over the given file path.
func NewStore(path string, logger logging.Logger) *Store {
	return &Store{path: path, logger: logging.OrNop(logger)}
}

// Reset drops the cache so the next call re-reads the file.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.byAlias = nil
	s.byID = nil
}

// ByAlias resolves an @alias (case-insensitive, no @) to a profile.
func (s *Store) ByAlias(alias string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	p, ok := s.byAlias[strings.ToLower(strings.TrimPrefix(alias, "@"))]
	return p, ok
}

// ByID resolves an agent id to a profile.
func (s *Store) ByID(agentID string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	p, ok := s.byID[agentID]
	return p, ok
}

// All returns every profile, alias-sorted order not guaranteed.
func (s *Store) All() []Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	out := make([]Profile, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	return out
}

// Resolve returns the profile for agentID, or a bare default profile when
// the id is unknown. The pipeline can always post and run with the result.
func (s *Store) Resolve(agentID string) Profile {
	if p, ok := s.ByID(agentID); ok {
		return p
	}
	return Profile{AgentID: agentID, Alias: agentID}
}

// Save writes profiles with tmp+rename and refreshes the cache.
func (s *Store) Save(profiles []Profile) error {
	data, err := jsonx.MarshalIndent(profilesFile{Version: 1, Profiles: profiles}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode profiles: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create profiles dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write profiles tmp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename profiles: %w", err)
	}
	s.Reset()
	return nil
}

// loadLocked fills the cache. Missing file means no profiles; an unreadable
// file is quarantined and treated as empty so one bad write cannot wedge
// dispatching.
func (s *Store) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	s.byAlias = make(map[string]Profile)
	s.byID = make(map[string]Profile)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Reading agent profiles: %v", err)
		}
		return
	}
	var file profilesFile
	if err := jsonx.Unmarshal(data, &file); err != nil {
		quarantine := fmt.Sprintf("%s.corrupted.%d", s.path, time.Now().Unix())
		if renameErr := os.Rename(s.path, quarantine); renameErr == nil {
			s.logger.Error("Agent profiles corrupt, moved to %s: %v", quarantine, err)
		} else {
			s.logger.Error("Agent profiles corrupt and quarantine failed: %v", err)
		}
		return
	}
	for _, p := range file.Profiles {
		if p.AgentID == "" {
			continue
		}
		if p.Alias != "" {
			s.byAlias[strings.ToLower(p.Alias)] = p
		}
		s.byID[p.AgentID] = p
	}
}
