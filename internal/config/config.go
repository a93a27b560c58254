// Package config resolves the orchestrator configuration from defaults, an
// optional YAML file, environment variables, and caller overrides, in that
// order. Every resolved field keeps its provenance so diagnostics can report
// where a value came from.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

const (
	// DefaultMaxReworkAttempts bounds audit-fail rework loops.
	DefaultMaxReworkAttempts = 2
	// DefaultPromptMaxChars caps free text interpolated into prompts.
	DefaultPromptMaxChars = 4000

	defaultListenAddr           = ":8787"
	defaultTrackerBaseURL       = "https://api.linear.app/graphql"
	defaultLLMBaseURL           = "https://api.openai.com/v1"
	defaultLLMModel             = "gpt-4o-mini"
	defaultEmbeddingModel       = "text-embedding-3-small"
	defaultDedupTTLMs           = 60_000
	defaultDedupSweepIntervalMs = 30_000
	defaultInactivitySec        = 300
	defaultMaxTotalSec          = 3600
	defaultClassifierTimeoutMs  = 10_000
	defaultMaxConcurrent        = 2
	defaultRetentionHours       = 168
	defaultRecoveryScanSec      = 60
)

// NotificationTarget routes lifecycle events to one channel destination.
type NotificationTarget struct {
	Channel   string `yaml:"channel" json:"channel"`
	Target    string `yaml:"target" json:"target"`
	AccountID string `yaml:"account_id,omitempty" json:"accountId,omitempty"`
}

// Notifications configures the fan-out notifier.
type Notifications struct {
	Targets    []NotificationTarget `yaml:"targets" json:"targets"`
	Events     map[string]bool      `yaml:"events" json:"events"`
	RichFormat bool                 `yaml:"rich_format" json:"richFormat"`
}

// TeamMapping binds a tracker team to a repository and model tiers.
type TeamMapping struct {
	Repo        string            `yaml:"repo" json:"repo"`
	DefaultTier string            `yaml:"default_tier" json:"defaultTier"`
	Models      map[string]string `yaml:"models" json:"models"`
}

// RepoConfig describes one dispatchable repository.
type RepoConfig struct {
	Path       string `yaml:"path" json:"path"`
	BaseBranch string `yaml:"base_branch" json:"baseBranch"`
}

// Config captures all recognized orchestrator settings.
type Config struct {
	// Server
	ListenAddr string
	WebhookURL string

	// State and workspace
	StateDir      string
	WorkspaceRoot string

	// Tracker
	TrackerToken   string
	TrackerBaseURL string

	// Dispatch pipeline
	MaxReworkAttempts    int
	DefaultAgentID       string
	DedupTTLMs           int
	DedupSweepIntervalMs int
	InactivitySec        int
	MaxTotalSec          int
	CodexBaseRepo        string
	PromptsPath          string
	PromptMaxChars       int
	MaxConcurrent        int
	RetentionHours       int
	RecoveryScanSec      int

	TeamMappings  map[string]TeamMapping
	Repos         map[string]RepoConfig
	Notifications Notifications

	// Classifier / triage LLM
	LLMBaseURL          string
	LLMAPIKey           string
	LLMModel            string
	EmbeddingModel      string
	ClassifierTimeoutMs int

	// Memory
	MemoryEnabled bool

	// Ambient
	LogLevel      string
	LogFile       string
	TraceEndpoint string
}

// DedupTTL returns the in-memory dedup entry lifetime.
func (c Config) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLMs) * time.Millisecond
}

// DedupSweepInterval returns how often expired dedup entries are swept.
func (c Config) DedupSweepInterval() time.Duration {
	return time.Duration(c.DedupSweepIntervalMs) * time.Millisecond
}

// ClassifierTimeout returns the intent classifier call budget.
func (c Config) ClassifierTimeout() time.Duration {
	return time.Duration(c.ClassifierTimeoutMs) * time.Millisecond
}

// InactivityTimeout returns the sub-agent no-output watchdog budget.
func (c Config) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivitySec) * time.Second
}

// MaxTotalTimeout returns the sub-agent wall-clock watchdog budget.
func (c Config) MaxTotalTimeout() time.Duration {
	return time.Duration(c.MaxTotalSec) * time.Second
}

// CompletedRetention returns how long completed dispatch records are kept.
func (c Config) CompletedRetention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// RecoveryScanInterval returns the periodic recovery scan cadence.
func (c Config) RecoveryScanInterval() time.Duration {
	return time.Duration(c.RecoveryScanSec) * time.Second
}

// StatePath returns the dispatch state file path.
func (c Config) StatePath() string {
	return filepath.Join(c.StateDir, "linear-dispatch-state.json")
}

// PlanningStatePath returns the planning session file path.
func (c Config) PlanningStatePath() string {
	return filepath.Join(c.StateDir, "planning-state.json")
}

// AgentProfilesPath returns the agent profile file path.
func (c Config) AgentProfilesPath() string {
	return filepath.Join(c.StateDir, "agent-profiles.json")
}

// MemoryDir returns the dispatch memory directory.
func (c Config) MemoryDir() string {
	return filepath.Join(c.StateDir, "memory")
}

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources     map[string]ValueSource
	unknownKeys []string
	loadedAt    time.Time
}

// Source returns the origin for the given configuration field.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// UnknownKeys lists file keys the loader did not recognize. Callers log them
// at debug.
func (m Metadata) UnknownKeys() []string {
	return append([]string(nil), m.unknownKeys...)
}

// LoadedAt returns the timestamp when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

// Overrides conveys caller-specified values that win over env/file sources.
type Overrides struct {
	ListenAddr        *string
	WebhookURL        *string
	StateDir          *string
	WorkspaceRoot     *string
	TrackerToken      *string
	TrackerBaseURL    *string
	MaxReworkAttempts *int
	DefaultAgentID    *string
	InactivitySec     *int
	MaxTotalSec       *int
	LLMAPIKey         *string
	LLMBaseURL        *string
	LLMModel          *string
	MemoryEnabled     *bool
	LogLevel          *string
	LogFile           *string
	TraceEndpoint     *string
}

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	overrides  Overrides
	configPath string
}

// WithEnv supplies a custom environment lookup implementation.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
	}
}

// WithOverrides applies caller overrides that take highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) {
		o.overrides = overrides
	}
}

// WithConfigPath forces the loader to read configuration from a specific file.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithFileReader injects a custom reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		o.readFile = reader
	}
}

// WithHomeDir overrides how the loader resolves the user's home directory.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		o.homeDir = resolver
	}
}

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// AliasEnvLookup wraps an EnvLookup with additional alias keys.
func AliasEnvLookup(base EnvLookup, aliases map[string][]string) EnvLookup {
	return func(key string) (string, bool) {
		if base == nil {
			base = DefaultEnvLookup
		}
		if value, ok := base(key); ok && value != "" {
			return value, true
		}
		if list, ok := aliases[key]; ok {
			for _, alias := range list {
				if value, ok := base(alias); ok && value != "" {
					return value, true
				}
			}
		}
		return "", false
	}
}

// ResolveConfigPath returns the config file location: $CLAWD_CONFIG when set,
// otherwise ~/.clawd/config.yaml.
func ResolveConfigPath(lookup EnvLookup, homeDir func() (string, error)) (string, error) {
	if lookup == nil {
		lookup = DefaultEnvLookup
	}
	if path, ok := lookup("CLAWD_CONFIG"); ok && strings.TrimSpace(path) != "" {
		return strings.TrimSpace(path), nil
	}
	if homeDir == nil {
		homeDir = os.UserHomeDir
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".clawd", "config.yaml"), nil
}

// Load constructs the configuration by merging defaults, file, env and
// overrides.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	cfg := Config{
		ListenAddr:           defaultListenAddr,
		StateDir:             "~/.clawd",
		WorkspaceRoot:        "~/clawd-worktrees",
		TrackerBaseURL:       defaultTrackerBaseURL,
		MaxReworkAttempts:    DefaultMaxReworkAttempts,
		DefaultAgentID:       "claude",
		DedupTTLMs:           defaultDedupTTLMs,
		DedupSweepIntervalMs: defaultDedupSweepIntervalMs,
		InactivitySec:        defaultInactivitySec,
		MaxTotalSec:          defaultMaxTotalSec,
		PromptMaxChars:       DefaultPromptMaxChars,
		MaxConcurrent:        defaultMaxConcurrent,
		RetentionHours:       defaultRetentionHours,
		RecoveryScanSec:      defaultRecoveryScanSec,
		LLMBaseURL:           defaultLLMBaseURL,
		LLMModel:             defaultLLMModel,
		EmbeddingModel:       defaultEmbeddingModel,
		ClassifierTimeoutMs:  defaultClassifierTimeoutMs,
		LogLevel:             "info",
	}

	if err := applyFile(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	applyOverrides(&cfg, &meta, options.overrides)

	expandHomePaths(&cfg, options.homeDir)

	return cfg, meta, nil
}

func expandHomePaths(cfg *Config, homeDir func() (string, error)) {
	if homeDir == nil {
		homeDir = os.UserHomeDir
	}
	home, err := homeDir()
	if err != nil {
		return
	}
	cfg.StateDir = expandHome(cfg.StateDir, home)
	cfg.WorkspaceRoot = expandHome(cfg.WorkspaceRoot, home)
	cfg.PromptsPath = expandHome(cfg.PromptsPath, home)
	cfg.LogFile = expandHome(cfg.LogFile, home)
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
