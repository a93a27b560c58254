package config

import (
	"fmt"
	"strconv"
	"strings"
)

// trackerTokenAliases lets the loader pick up the token names the tracker's
// own tooling exports.
var trackerTokenAliases = map[string][]string{
	"CLAWD_TRACKER_TOKEN": {"LINEAR_API_KEY", "LINEAR_API_TOKEN"},
	"CLAWD_LLM_API_KEY":   {"OPENAI_API_KEY"},
}

func applyEnv(cfg *Config, meta *Metadata, opts loadOptions) error {
	lookup := AliasEnvLookup(opts.envLookup, trackerTokenAliases)

	setString := func(field, envKey string, dst *string) {
		if v, ok := lookup(envKey); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
			meta.sources[field] = SourceEnv
		}
	}
	setInt := func(field, envKey string, dst *int) error {
		v, ok := lookup(envKey)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", envKey, err)
		}
		*dst = parsed
		meta.sources[field] = SourceEnv
		return nil
	}
	setBool := func(field, envKey string, dst *bool) error {
		v, ok := lookup(envKey)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		parsed, err := parseBoolEnv(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envKey, err)
		}
		*dst = parsed
		meta.sources[field] = SourceEnv
		return nil
	}

	setString("listen_addr", "CLAWD_LISTEN_ADDR", &cfg.ListenAddr)
	setString("webhook_url", "CLAWD_WEBHOOK_URL", &cfg.WebhookURL)
	setString("state_dir", "CLAWD_STATE_DIR", &cfg.StateDir)
	setString("workspace_root", "CLAWD_WORKSPACE_ROOT", &cfg.WorkspaceRoot)
	setString("tracker_token", "CLAWD_TRACKER_TOKEN", &cfg.TrackerToken)
	setString("tracker_base_url", "CLAWD_TRACKER_BASE_URL", &cfg.TrackerBaseURL)
	setString("default_agent_id", "CLAWD_DEFAULT_AGENT", &cfg.DefaultAgentID)
	setString("codex_base_repo", "CLAWD_CODEX_BASE_REPO", &cfg.CodexBaseRepo)
	setString("prompts_path", "CLAWD_PROMPTS_PATH", &cfg.PromptsPath)
	setString("llm_base_url", "CLAWD_LLM_BASE_URL", &cfg.LLMBaseURL)
	setString("llm_api_key", "CLAWD_LLM_API_KEY", &cfg.LLMAPIKey)
	setString("llm_model", "CLAWD_LLM_MODEL", &cfg.LLMModel)
	setString("log_level", "CLAWD_LOG_LEVEL", &cfg.LogLevel)
	setString("log_file", "CLAWD_LOG_FILE", &cfg.LogFile)
	setString("trace_endpoint", "CLAWD_TRACE_ENDPOINT", &cfg.TraceEndpoint)

	if err := setInt("max_rework_attempts", "CLAWD_MAX_REWORK_ATTEMPTS", &cfg.MaxReworkAttempts); err != nil {
		return err
	}
	if err := setInt("inactivity_sec", "CLAWD_INACTIVITY_SEC", &cfg.InactivitySec); err != nil {
		return err
	}
	if err := setInt("max_total_sec", "CLAWD_MAX_TOTAL_SEC", &cfg.MaxTotalSec); err != nil {
		return err
	}
	if err := setInt("dedup_ttl_ms", "CLAWD_DEDUP_TTL_MS", &cfg.DedupTTLMs); err != nil {
		return err
	}
	if err := setInt("max_concurrent", "CLAWD_MAX_CONCURRENT", &cfg.MaxConcurrent); err != nil {
		return err
	}
	if err := setBool("memory_enabled", "CLAWD_MEMORY_ENABLED", &cfg.MemoryEnabled); err != nil {
		return err
	}

	return nil
}

func applyOverrides(cfg *Config, meta *Metadata, overrides Overrides) {
	setString := func(field string, dst *string, v *string) {
		if v != nil && *v != "" {
			*dst = *v
			meta.sources[field] = SourceOverride
		}
	}
	setInt := func(field string, dst *int, v *int) {
		if v != nil {
			*dst = *v
			meta.sources[field] = SourceOverride
		}
	}

	setString("listen_addr", &cfg.ListenAddr, overrides.ListenAddr)
	setString("webhook_url", &cfg.WebhookURL, overrides.WebhookURL)
	setString("state_dir", &cfg.StateDir, overrides.StateDir)
	setString("workspace_root", &cfg.WorkspaceRoot, overrides.WorkspaceRoot)
	setString("tracker_token", &cfg.TrackerToken, overrides.TrackerToken)
	setString("tracker_base_url", &cfg.TrackerBaseURL, overrides.TrackerBaseURL)
	setInt("max_rework_attempts", &cfg.MaxReworkAttempts, overrides.MaxReworkAttempts)
	setString("default_agent_id", &cfg.DefaultAgentID, overrides.DefaultAgentID)
	setInt("inactivity_sec", &cfg.InactivitySec, overrides.InactivitySec)
	setInt("max_total_sec", &cfg.MaxTotalSec, overrides.MaxTotalSec)
	setString("llm_api_key", &cfg.LLMAPIKey, overrides.LLMAPIKey)
	setString("llm_base_url", &cfg.LLMBaseURL, overrides.LLMBaseURL)
	setString("llm_model", &cfg.LLMModel, overrides.LLMModel)
	setString("log_level", &cfg.LogLevel, overrides.LogLevel)
	setString("log_file", &cfg.LogFile, overrides.LogFile)
	setString("trace_endpoint", &cfg.TraceEndpoint, overrides.TraceEndpoint)

	if overrides.MemoryEnabled != nil {
		cfg.MemoryEnabled = *overrides.MemoryEnabled
		meta.sources["memory_enabled"] = SourceOverride
	}
}

func parseBoolEnv(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "y", "yes", "on":
		return true, nil
	case "0", "f", "false", "n", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", value)
	}
}
