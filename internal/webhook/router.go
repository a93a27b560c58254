package webhook

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"clawd/internal/intent"
	"clawd/internal/logging"
	"clawd/internal/metrics"
	"clawd/internal/pipeline"
	"clawd/internal/planning"
	"clawd/internal/profiles"
	"clawd/internal/state"
	"clawd/internal/tracker"
)

const (
	defaultDedupSize = 2048
	defaultDedupTTL  = 10 * time.Minute
)

// Deps are the collaborators a Router drives.
type Deps struct {
	Engine   *pipeline.Engine
	Store    *state.Store
	Tracker  tracker.Client
	Intents  *intent.Classifier
	Profiles *profiles.Store
	Planning *planning.Manager // nil disables plan intents
	Triage   *Triage           // nil disables issue auto-triage
	Metrics  *metrics.Metrics
	Logger   logging.Logger
}

// Options tune router behavior.
type Options struct {
	DefaultAgentID string
	DedupTTL       time.Duration // in-memory duplicate window
	DedupSize      int           // in-memory duplicate capacity
}

// Router routes parsed webhook deliveries. Handlers run the full work
// synchronously; callers put Route on a supervised goroutine after answering
// the HTTP request.
type Router struct {
	engine   *pipeline.Engine
	store    *state.Store
	tracker  tracker.Client
	intents  *intent.Classifier
	profiles *profiles.Store
	planning *planning.Manager
	triage   *Triage
	metrics  *metrics.Metrics
	logger   logging.Logger
	recent   *recentCache

	defaultAgentID string
}

// NewRouter validates deps and builds a Router.
func NewRouter(deps Deps, opts Options) (*Router, error) {
	switch {
	case deps.Engine == nil:
		return nil, fmt.Errorf("webhook router requires the pipeline engine")
	case deps.Store == nil:
		return nil, fmt.Errorf("webhook router requires the state store")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("webhook router requires a tracker client")
	case deps.Intents == nil:
		return nil, fmt.Errorf("webhook router requires the intent classifier")
	case deps.Profiles == nil:
		return nil, fmt.Errorf("webhook router requires the profile store")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = defaultDedupSize
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = defaultDedupTTL
	}
	recent, err := newRecentCache(opts.DedupSize, opts.DedupTTL)
	if err != nil {
		return nil, err
	}
	return &Router{
		engine:         deps.Engine,
		store:          deps.Store,
		tracker:        deps.Tracker,
		intents:        deps.Intents,
		profiles:       deps.Profiles,
		planning:       deps.Planning,
		triage:         deps.Triage,
		metrics:        deps.Metrics,
		logger:         logging.OrNop(deps.Logger),
		recent:         recent,
		defaultAgentID: opts.DefaultAgentID,
	}, nil
}

// Route dispatches one delivery to its handler. It never returns an error:
// by the time it runs the tracker already got its 200, so failures are
// logged and absorbed here.
func (r *Router) Route(ctx context.Context, d *Delivery) {
	r.metrics.WebhookReceived(d.Type)
	switch {
	case d.Type == TypeAppUserNotification:
		r.logger.Debug("Webhook %s ignored", d.Type)
	case d.Type == TypeAgentSessionEvent || d.Type == TypeAgentSession:
		r.handleSessionEvent(ctx, d)
	case d.Type == TypeComment && d.Action == ActionCreate:
		r.handleComment(ctx, d)
	case d.Type == TypeIssue && d.Action == ActionUpdate:
		r.handleIssueUpdate(ctx, d)
	case d.Type == TypeIssue && d.Action == ActionCreate:
		r.handleIssueCreate(ctx, d)
	default:
		r.logger.Info("Webhook %s.%s has no handler", d.Type, d.Action)
	}
}

// SweepDedup drops expired entries from the in-memory duplicate window. The
// daemon calls this on its sweep interval.
func (r *Router) SweepDedup() int {
	return r.recent.sweep()
}

// busy is the first dedup layer: an issue with an in-flight run in this
// process gets nothing else routed, notably not a classifier call. Our own
// tracker writes echo back as webhooks while the run still holds the claim,
// so this is also the self-feedback breaker.
func (r *Router) busy(issueID, identifier string) bool {
	runs := r.engine.Runs()
	if identifier != "" && runs.Has(identifier) {
		return true
	}
	return issueID != "" && runs.Has(issueID)
}

// isOwnAction is the viewer-id guard: actions performed by our own tracker
// account are echoes, not work.
func (r *Router) isOwnAction(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	viewer, err := r.tracker.GetViewerID(ctx)
	if err != nil {
		r.logger.Warn("Viewer id lookup failed: %v", err)
		return false
	}
	return userID == viewer
}

// duplicate is dedup layers three and four: the in-memory TTL window, then
// the persisted processed-events FIFO. A store failure fails open with a
// warning; the CAS state machine still refuses doubled transitions.
func (r *Router) duplicate(ctx context.Context, key string) bool {
	if r.recent.seen(key) {
		r.metrics.DedupHit("recent_cache")
		return true
	}
	fresh, err := r.store.MarkEventProcessed(ctx, key)
	if err != nil {
		r.logger.Warn("Dedup mark %s failed: %v", key, err)
		return false
	}
	if !fresh {
		r.metrics.DedupHit("processed_events")
		return true
	}
	return false
}

var aliasRe = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// matchAlias returns the first @mention that resolves to an agent profile.
func (r *Router) matchAlias(body string) (profiles.Profile, bool) {
	for _, m := range aliasRe.FindAllStringSubmatch(body, -1) {
		if p, ok := r.profiles.ByAlias(m[1]); ok {
			return p, true
		}
	}
	return profiles.Profile{}, false
}

// resolveAgent turns a classifier-reported agent name into an agent id.
// Unknown names fall through to the default agent.
func (r *Router) resolveAgent(name string) string {
	if name == "" {
		return ""
	}
	if p, ok := r.profiles.ByAlias(name); ok {
		return p.AgentID
	}
	if p, ok := r.profiles.ByID(name); ok {
		return p.AgentID
	}
	r.logger.Info("Agent %q not in profiles, using default", name)
	return ""
}

// acknowledge reacts to the comment that triggered a dispatch. Best-effort.
func (r *Router) acknowledge(ctx context.Context, commentID string) {
	if commentID == "" {
		return
	}
	if err := r.tracker.CreateReaction(ctx, commentID, "eyes"); err != nil {
		r.logger.Debug("Reaction on comment %s failed: %v", commentID, err)
	}
}

// dispatch starts a dispatch, resolving the identifier first when the
// webhook only carried the issue id.
func (r *Router) dispatch(ctx context.Context, issueID, identifier, agentID, guidance string) {
	if identifier == "" {
		issue, err := r.tracker.GetIssueDetails(ctx, issueID)
		if err != nil {
			r.logger.Error("Dispatch aborted, issue %s lookup failed: %v", issueID, err)
			return
		}
		issueID, identifier = issue.ID, issue.Identifier
	}
	err := r.engine.StartDispatch(ctx, pipeline.StartRequest{
		IssueID:    issueID,
		Identifier: identifier,
		AgentID:    agentID,
		Guidance:   guidance,
	})
	switch {
	case errors.Is(err, pipeline.ErrIssueBusy):
		r.logger.Info("Dispatch %s refused: already owned", identifier)
	case err != nil:
		r.logger.Error("Dispatch %s failed: %v", identifier, err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// recentCache is the in-memory duplicate window: an LRU of key → first-seen
// time, consulted before the persisted FIFO so webhook storms never reach
// the state file. Expired entries fall out on re-check or on the periodic
// sweep.
type recentCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, time.Time]
	ttl time.Duration
	now func() time.Time
}

func newRecentCache(size int, ttl time.Duration) (*recentCache, error) {
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	return &recentCache{lru: cache, ttl: ttl, now: time.Now}, nil
}

// seen records key and reports whether it was already present within the
// TTL window.
func (c *recentCache) seen(key string) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if ts, ok := c.lru.Get(key); ok {
		if now.Sub(ts) <= c.ttl {
			return true
		}
		c.lru.Remove(key)
	}
	c.lru.Add(key, now)
	return false
}

// sweep evicts every expired entry and returns how many were dropped.
func (c *recentCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var dropped int
	for _, key := range c.lru.Keys() {
		if ts, ok := c.lru.Peek(key); ok && now.Sub(ts) > c.ttl {
			c.lru.Remove(key)
			dropped++
		}
	}
	return dropped
}
