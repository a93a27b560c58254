// Package app assembles the orchestrator daemon. New wires configuration
// into components in dependency order, the way a DI container would, and Run
// owns the serve loop: startup recovery, webhook self-registration, the HTTP
// server, and the periodic maintenance scans.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"clawd/internal/config"
	"clawd/internal/dag"
	"clawd/internal/intent"
	"clawd/internal/llm"
	"clawd/internal/locking"
	"clawd/internal/logging"
	"clawd/internal/memory"
	"clawd/internal/metrics"
	"clawd/internal/notify"
	"clawd/internal/observability"
	"clawd/internal/pipeline"
	"clawd/internal/planning"
	"clawd/internal/profiles"
	"clawd/internal/prompts"
	"clawd/internal/server"
	"clawd/internal/state"
	"clawd/internal/tracker"
	"clawd/internal/webhook"
	"clawd/internal/worktree"
)

// App holds the wired daemon. Components are built once in New and shared;
// nothing here is safe to rebuild while Run is serving.
type App struct {
	cfg     config.Config
	version string

	logger   *logging.FileLogger
	tracing  *observability.TracerProvider
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store    *state.Store
	planning *planning.Manager
	profiles *profiles.Store
	tracker  tracker.Client
	memory   *memory.Store

	engine *pipeline.Engine
	router *webhook.Router
	hub    *server.Hub
	srv    *server.Server

	started time.Time
}

// New builds the daemon from resolved configuration. It touches the
// filesystem (state dir, log file) but never the network; remote clients
// dial lazily on first use so a daemon can start while the tracker is down.
func New(ctx context.Context, cfg config.Config, version string) (*App, error) {
	if cfg.TrackerToken == "" {
		return nil, fmt.Errorf("tracker token is required to serve")
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	level := logging.ParseLevel(cfg.LogLevel)
	logger := logging.New(logging.Options{
		Path:  cfg.LogFile,
		Echo:  os.Stderr,
		Level: level,
	})

	tracing, err := observability.NewTracerProvider(ctx, observability.Config{
		Endpoint:       cfg.TraceEndpoint,
		ServiceVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.MustNew(registry)

	// Storage layer. One lock manager backs both stores so cross-process
	// exclusion covers every state file.
	locks := locking.NewManager(logger.WithComponent("locking"))
	store := state.NewStore(cfg.StatePath(), locks, logger.WithComponent("state"))
	planStore := planning.NewStore(cfg.PlanningStatePath(), locks, logger.WithComponent("planning"))
	profileStore := profiles.NewStore(cfg.AgentProfilesPath(), logger.WithComponent("profiles"))
	seedProfiles(profileStore, cfg.DefaultAgentID)

	// Remote clients.
	trackerClient := tracker.NewGraphQLClient(cfg.TrackerBaseURL, cfg.TrackerToken, logger.WithComponent("tracker"))
	llmClient := llm.New(llm.Config{
		BaseURL:        cfg.LLMBaseURL,
		APIKey:         cfg.LLMAPIKey,
		Model:          cfg.LLMModel,
		EmbeddingModel: cfg.EmbeddingModel,
	}, logger.WithComponent("llm"))

	promptCache := prompts.NewCache(cfg.PromptsPath, cfg.PromptMaxChars, logger.WithComponent("prompts"))

	var memoryStore *memory.Store
	if cfg.MemoryEnabled {
		memoryStore, err = memory.NewStore(cfg.MemoryDir(), llmClient, logger.WithComponent("memory"))
		if err != nil {
			return nil, fmt.Errorf("init memory: %w", err)
		}
	}

	// Notification fan-out. The websocket sender feeds /events so every
	// lifecycle notification also reaches connected dashboards.
	hub := server.NewHub(logger.WithComponent("events"))
	senders := []notify.Sender{
		notify.NewConsoleSender(logger.WithComponent("notify")),
		server.NewEventSender(hub),
	}
	notifier := notify.New(notifyConfig(cfg.Notifications), senders, logger.WithComponent("notify"))

	dagController := dag.NewController(store, notifier, logger.WithComponent("dag"))

	runners, err := newAgentRunners(cfg, profileStore, logger.WithComponent("agentrun"), m)
	if err != nil {
		return nil, err
	}

	engine, err := pipeline.New(pipeline.Deps{
		Store:     store,
		Notifier:  notifier,
		Runner:    runners,
		Tracker:   trackerClient,
		Worktrees: worktree.NewManager(logger.WithComponent("worktree")),
		Prompts:   promptCache,
		Memory:    memoryStore,
		Profiles:  profileStore,
		DAG:       dagController,
		Metrics:   m,
		Tracer:    tracing.Tracer(),
		Logger:    logger.WithComponent("pipeline"),
	}, pipeline.Options{
		MaxReworkAttempts: cfg.MaxReworkAttempts,
		DefaultAgentID:    cfg.DefaultAgentID,
		Teams:             cfg.TeamMappings,
		Repos:             cfg.Repos,
	})
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	planMgr := planning.NewManager(planStore, dagController, cfg.MaxConcurrent, logger.WithComponent("planning"))
	intents := intent.NewClassifier(llmClient, promptCache, cfg.ClassifierTimeout(), logger.WithComponent("intent"))
	triage := webhook.NewTriage(llmClient, promptCache, trackerClient, engine, cfg.DefaultAgentID, logger.WithComponent("triage"))

	router, err := webhook.NewRouter(webhook.Deps{
		Engine:   engine,
		Store:    store,
		Tracker:  trackerClient,
		Intents:  intents,
		Profiles: profileStore,
		Planning: planMgr,
		Triage:   triage,
		Metrics:  m,
		Logger:   logger.WithComponent("webhook"),
	}, webhook.Options{
		DefaultAgentID: cfg.DefaultAgentID,
		DedupTTL:       cfg.DedupTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("init router: %w", err)
	}

	srv, err := server.New(server.Config{
		ListenAddr: cfg.ListenAddr,
		Version:    version,
		Debug:      level == logging.LevelDebug,
	}, server.Deps{
		Router:   router,
		Runs:     engine.Runs(),
		Hub:      hub,
		Registry: registry,
		Metrics:  m,
		Logger:   logger.WithComponent("server"),
	})
	if err != nil {
		return nil, fmt.Errorf("init server: %w", err)
	}

	return &App{
		cfg:      cfg,
		version:  version,
		logger:   logger,
		tracing:  tracing,
		registry: registry,
		metrics:  m,
		store:    store,
		planning: planMgr,
		profiles: profileStore,
		tracker:  trackerClient,
		memory:   memoryStore,
		engine:   engine,
		router:   router,
		hub:      hub,
		srv:      srv,
		started:  time.Now(),
	}, nil
}

// Close releases resources Run does not own: the trace exporter and the log
// file. Call after Run returns.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.tracing.Shutdown(ctx)
	if cerr := a.logger.Close(); err == nil {
		err = cerr
	}
	return err
}

// seedProfiles writes a starter profile so @-mention routing works on a
// fresh install. An existing profile file always wins.
func seedProfiles(store *profiles.Store, defaultAgentID string) {
	if len(store.All()) > 0 {
		return
	}
	backend := defaultAgentID
	if _, err := agentBackend(backend); err != nil {
		backend = ""
	}
	_ = store.Save([]profiles.Profile{{
		AgentID: defaultAgentID,
		Alias:   "clawd",
		Label:   "Clawd",
		Backend: backend,
	}})
}

// notifyConfig maps the config file's notification block onto the notifier's
// own config type.
func notifyConfig(n config.Notifications) notify.Config {
	cfg := notify.Config{
		Events:     n.Events,
		RichFormat: n.RichFormat,
	}
	for _, t := range n.Targets {
		cfg.Targets = append(cfg.Targets, notify.Target{
			Channel:   t.Channel,
			Target:    t.Target,
			AccountID: t.AccountID,
		})
	}
	return cfg
}
