package app

import (
	"context"
	"fmt"

	"clawd/internal/agentrun"
	"clawd/internal/config"
	"clawd/internal/logging"
	"clawd/internal/metrics"
	"clawd/internal/profiles"
)

// agentRunners multiplexes pipeline run requests across the CLI backends.
// The requesting agent's profile names the backend; unknown agents fall back
// to claude so a mistyped profile still produces work instead of an error at
// dispatch time.
type agentRunners struct {
	profiles *profiles.Store
	backends map[string]*agentrun.Runner
	fallback string
}

func newAgentRunners(cfg config.Config, profileStore *profiles.Store, logger logging.Logger, m *metrics.Metrics) (*agentRunners, error) {
	shared := agentrun.Config{
		InactivityTimeout: cfg.InactivityTimeout(),
		MaxTotalTimeout:   cfg.MaxTotalTimeout(),
	}
	backends := make(map[string]*agentrun.Runner, 3)
	for _, name := range []string{agentrun.BackendClaude, agentrun.BackendCodex, agentrun.BackendGemini} {
		rc := shared
		rc.Backend = name
		if name == agentrun.BackendCodex && cfg.CodexBaseRepo != "" {
			rc.Env = map[string]string{"CODEX_BASE_REPO": cfg.CodexBaseRepo}
		}
		runner, err := agentrun.New(rc, logger, m)
		if err != nil {
			return nil, fmt.Errorf("init %s runner: %w", name, err)
		}
		backends[name] = runner
	}
	return &agentRunners{
		profiles: profileStore,
		backends: backends,
		fallback: agentrun.BackendClaude,
	}, nil
}

// Run implements pipeline.Runner.
func (a *agentRunners) Run(ctx context.Context, req agentrun.RunRequest) (agentrun.RunResult, error) {
	profile := a.profiles.Resolve(req.AgentID)
	if req.Model == "" {
		req.Model = profile.Model
	}
	name, err := agentBackend(profile.Backend)
	if err != nil {
		name = a.fallback
	}
	return a.backends[name].Run(ctx, req)
}

// agentBackend canonicalizes a profile's backend name. Empty means claude,
// anything outside the known set is an error.
func agentBackend(name string) (string, error) {
	switch name {
	case "", agentrun.BackendClaude:
		return agentrun.BackendClaude, nil
	case agentrun.BackendCodex:
		return agentrun.BackendCodex, nil
	case agentrun.BackendGemini:
		return agentrun.BackendGemini, nil
	default:
		return "", fmt.Errorf("unknown agent backend %q", name)
	}
}
