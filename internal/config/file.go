package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the YAML document. Pointer fields distinguish "absent"
// from zero values so file entries only win when actually present.
type fileConfig struct {
	ListenAddr           string                 `yaml:"listen_addr"`
	WebhookURL           string                 `yaml:"webhook_url"`
	StateDir             string                 `yaml:"state_dir"`
	WorkspaceRoot        string                 `yaml:"workspace_root"`
	TrackerToken         string                 `yaml:"tracker_token"`
	TrackerBaseURL       string                 `yaml:"tracker_base_url"`
	MaxReworkAttempts    *int                   `yaml:"max_rework_attempts"`
	DefaultAgentID       string                 `yaml:"default_agent_id"`
	DedupTTLMs           *int                   `yaml:"dedup_ttl_ms"`
	DedupSweepIntervalMs *int                   `yaml:"dedup_sweep_interval_ms"`
	InactivitySec        *int                   `yaml:"inactivity_sec"`
	MaxTotalSec          *int                   `yaml:"max_total_sec"`
	CodexBaseRepo        string                 `yaml:"codex_base_repo"`
	PromptsPath          string                 `yaml:"prompts_path"`
	PromptMaxChars       *int                   `yaml:"prompt_max_chars"`
	MaxConcurrent        *int                   `yaml:"max_concurrent"`
	RetentionHours       *int                   `yaml:"retention_hours"`
	RecoveryScanSec      *int                   `yaml:"recovery_scan_sec"`
	TeamMappings         map[string]TeamMapping `yaml:"team_mappings"`
	Repos                map[string]RepoConfig  `yaml:"repos"`
	Notifications        *Notifications         `yaml:"notifications"`
	LLMBaseURL           string                 `yaml:"llm_base_url"`
	LLMAPIKey            string                 `yaml:"llm_api_key"`
	LLMModel             string                 `yaml:"llm_model"`
	EmbeddingModel       string                 `yaml:"embedding_model"`
	ClassifierTimeoutMs  *int                   `yaml:"classifier_timeout_ms"`
	MemoryEnabled        *bool                  `yaml:"memory_enabled"`
	LogLevel             string                 `yaml:"log_level"`
	LogFile              string                 `yaml:"log_file"`
	TraceEndpoint        string                 `yaml:"trace_endpoint"`
}

var knownFileKeys = map[string]struct{}{
	"listen_addr": {}, "webhook_url": {}, "state_dir": {}, "workspace_root": {},
	"tracker_token": {}, "tracker_base_url": {}, "max_rework_attempts": {},
	"default_agent_id": {}, "dedup_ttl_ms": {}, "dedup_sweep_interval_ms": {},
	"inactivity_sec": {}, "max_total_sec": {}, "codex_base_repo": {},
	"prompts_path": {}, "prompt_max_chars": {}, "max_concurrent": {},
	"retention_hours": {}, "recovery_scan_sec": {}, "team_mappings": {},
	"repos": {}, "notifications": {}, "llm_base_url": {}, "llm_api_key": {},
	"llm_model": {}, "embedding_model": {}, "classifier_timeout_ms": {},
	"memory_enabled": {}, "log_level": {}, "log_file": {}, "trace_endpoint": {},
}

type wrappedFile struct {
	Dispatch *fileConfig `yaml:"dispatch"`
}

func applyFile(cfg *Config, meta *Metadata, opts loadOptions) error {
	configPath := strings.TrimSpace(opts.configPath)
	if configPath == "" {
		configPath, _ = ResolveConfigPath(opts.envLookup, opts.homeDir)
	}
	if configPath == "" {
		return nil
	}

	data, err := opts.readFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	parsed, unknown, err := parseConfigYAML(data)
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", configPath, err)
	}
	meta.unknownKeys = unknown

	lookup := opts.envLookup
	if lookup == nil {
		lookup = DefaultEnvLookup
	}
	expandFileConfigEnv(lookup, &parsed)

	setString := func(field string, dst *string, v string) {
		if v != "" {
			*dst = v
			meta.sources[field] = SourceFile
		}
	}
	setInt := func(field string, dst *int, v *int) {
		if v != nil {
			*dst = *v
			meta.sources[field] = SourceFile
		}
	}

	setString("listen_addr", &cfg.ListenAddr, parsed.ListenAddr)
	setString("webhook_url", &cfg.WebhookURL, parsed.WebhookURL)
	setString("state_dir", &cfg.StateDir, parsed.StateDir)
	setString("workspace_root", &cfg.WorkspaceRoot, parsed.WorkspaceRoot)
	setString("tracker_token", &cfg.TrackerToken, parsed.TrackerToken)
	setString("tracker_base_url", &cfg.TrackerBaseURL, parsed.TrackerBaseURL)
	setInt("max_rework_attempts", &cfg.MaxReworkAttempts, parsed.MaxReworkAttempts)
	setString("default_agent_id", &cfg.DefaultAgentID, parsed.DefaultAgentID)
	setInt("dedup_ttl_ms", &cfg.DedupTTLMs, parsed.DedupTTLMs)
	setInt("dedup_sweep_interval_ms", &cfg.DedupSweepIntervalMs, parsed.DedupSweepIntervalMs)
	setInt("inactivity_sec", &cfg.InactivitySec, parsed.InactivitySec)
	setInt("max_total_sec", &cfg.MaxTotalSec, parsed.MaxTotalSec)
	setString("codex_base_repo", &cfg.CodexBaseRepo, parsed.CodexBaseRepo)
	setString("prompts_path", &cfg.PromptsPath, parsed.PromptsPath)
	setInt("prompt_max_chars", &cfg.PromptMaxChars, parsed.PromptMaxChars)
	setInt("max_concurrent", &cfg.MaxConcurrent, parsed.MaxConcurrent)
	setInt("retention_hours", &cfg.RetentionHours, parsed.RetentionHours)
	setInt("recovery_scan_sec", &cfg.RecoveryScanSec, parsed.RecoveryScanSec)
	setString("llm_base_url", &cfg.LLMBaseURL, parsed.LLMBaseURL)
	setString("llm_api_key", &cfg.LLMAPIKey, parsed.LLMAPIKey)
	setString("llm_model", &cfg.LLMModel, parsed.LLMModel)
	setString("embedding_model", &cfg.EmbeddingModel, parsed.EmbeddingModel)
	setInt("classifier_timeout_ms", &cfg.ClassifierTimeoutMs, parsed.ClassifierTimeoutMs)
	setString("log_level", &cfg.LogLevel, parsed.LogLevel)
	setString("log_file", &cfg.LogFile, parsed.LogFile)
	setString("trace_endpoint", &cfg.TraceEndpoint, parsed.TraceEndpoint)

	if parsed.MemoryEnabled != nil {
		cfg.MemoryEnabled = *parsed.MemoryEnabled
		meta.sources["memory_enabled"] = SourceFile
	}
	if len(parsed.TeamMappings) > 0 {
		cfg.TeamMappings = parsed.TeamMappings
		meta.sources["team_mappings"] = SourceFile
	}
	if len(parsed.Repos) > 0 {
		cfg.Repos = parsed.Repos
		meta.sources["repos"] = SourceFile
	}
	if parsed.Notifications != nil {
		cfg.Notifications = *parsed.Notifications
		meta.sources["notifications"] = SourceFile
	}

	return nil
}

// parseConfigYAML accepts either a flat document or one wrapped under a
// top-level `dispatch:` key, and reports unrecognized keys.
func parseConfigYAML(data []byte) (fileConfig, []string, error) {
	var wrapped wrappedFile
	if err := yaml.Unmarshal(data, &wrapped); err != nil {
		return fileConfig{}, nil, err
	}
	if wrapped.Dispatch != nil {
		unknown, err := unknownKeys(data, "dispatch")
		return *wrapped.Dispatch, unknown, err
	}

	var parsed fileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fileConfig{}, nil, err
	}
	unknown, err := unknownKeys(data, "")
	return parsed, unknown, err
}

func unknownKeys(data []byte, wrapper string) ([]string, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if wrapper != "" {
		node, ok := doc[wrapper]
		if !ok {
			return nil, nil
		}
		inner := map[string]yaml.Node{}
		if err := node.Decode(&inner); err != nil {
			return nil, err
		}
		doc = inner
	}

	var unknown []string
	for key := range doc {
		if _, ok := knownFileKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvValue substitutes ${VAR} references using lookup, leaving
// unresolved references untouched.
func expandEnvValue(lookup EnvLookup, value string) string {
	if value == "" || !strings.Contains(value, "${") {
		return value
	}
	return envRefPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := lookup(name); ok {
			return v
		}
		return match
	})
}

func expandFileConfigEnv(lookup EnvLookup, parsed *fileConfig) {
	parsed.WebhookURL = expandEnvValue(lookup, parsed.WebhookURL)
	parsed.StateDir = expandEnvValue(lookup, parsed.StateDir)
	parsed.WorkspaceRoot = expandEnvValue(lookup, parsed.WorkspaceRoot)
	parsed.TrackerToken = expandEnvValue(lookup, parsed.TrackerToken)
	parsed.TrackerBaseURL = expandEnvValue(lookup, parsed.TrackerBaseURL)
	parsed.CodexBaseRepo = expandEnvValue(lookup, parsed.CodexBaseRepo)
	parsed.PromptsPath = expandEnvValue(lookup, parsed.PromptsPath)
	parsed.LLMBaseURL = expandEnvValue(lookup, parsed.LLMBaseURL)
	parsed.LLMAPIKey = expandEnvValue(lookup, parsed.LLMAPIKey)
	parsed.LogFile = expandEnvValue(lookup, parsed.LogFile)
	parsed.TraceEndpoint = expandEnvValue(lookup, parsed.TraceEndpoint)
	for name, repo := range parsed.Repos {
		repo.Path = expandEnvValue(lookup, repo.Path)
		parsed.Repos[name] = repo
	}
}
