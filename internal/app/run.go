package app

import (
	"context"
	"time"

	"clawd/internal/async"
	"clawd/internal/webhook"
)

// webhookLabel tags the webhook this daemon registers on the tracker so
// restarts find and reuse it instead of stacking duplicates.
const webhookLabel = "clawd"

// webhookResources are the delivery families the router handles.
var webhookResources = []string{
	webhook.TypeIssue,
	webhook.TypeComment,
	webhook.TypeAgentSessionEvent,
}

// Run serves until ctx is cancelled or the HTTP listener fails. Recovery of
// dispatches interrupted by the previous run happens before the listener
// opens, so redelivered webhooks meet consistent state.
func (a *App) Run(ctx context.Context) error {
	a.recoverStartup(ctx)

	if a.cfg.WebhookURL != "" {
		async.Go(a.logger, "webhook-register", func() {
			a.registerWebhook(ctx)
		})
	} else {
		a.logger.Debug("No webhook_url configured, skipping tracker registration")
	}

	serveErr := make(chan error, 1)
	async.Go(a.logger, "http-server", func() {
		serveErr <- a.srv.Start()
	})
	a.logger.Info("clawd %s serving on %s", a.version, a.cfg.ListenAddr)

	recovery := time.NewTicker(a.cfg.RecoveryScanInterval())
	defer recovery.Stop()
	sweep := time.NewTicker(a.cfg.DedupSweepInterval())
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.srv.Shutdown(shutdownCtx)
		case err := <-serveErr:
			return err
		case <-recovery.C:
			a.scan(ctx)
		case <-sweep.C:
			if n := a.router.SweepDedup(); n > 0 {
				a.logger.Debug("Dedup sweep dropped %d expired entries", n)
			}
		}
	}
}

// recoverStartup puts persisted state back on track after a restart: audits
// that died with their process are reverted to working, then the regular
// scan resumes whatever is actionable.
func (a *App) recoverStartup(ctx context.Context) {
	if n, err := a.engine.RecoverInterrupted(ctx); err != nil {
		a.logger.Warn("Startup recovery failed: %v", err)
	} else if n > 0 {
		a.logger.Info("Startup recovery reverted %d interrupted audit(s)", n)
	}
	a.scan(ctx)
}

// scan is one maintenance pass: re-trigger recoverable audits, re-spawn
// parked rework, drop expired completed records. Resumes run supervised and
// detached; the pipeline's own busy-claims make overlapping scans safe.
func (a *App) scan(ctx context.Context) {
	recoverable, err := a.store.ListRecoverableDispatches(ctx)
	if err != nil {
		a.logger.Warn("Recovery scan failed: %v", err)
		return
	}
	for _, d := range recoverable {
		async.Go(a.logger, "resume-audit-"+d.Identifier, func() {
			if err := a.engine.ResumeAudit(ctx, d); err != nil {
				a.logger.Warn("Audit recovery for %s failed: %v", d.Identifier, err)
			}
		})
	}

	parked, err := a.store.ListReworkParked(ctx)
	if err != nil {
		a.logger.Warn("Rework scan failed: %v", err)
		return
	}
	for _, d := range parked {
		async.Go(a.logger, "resume-worker-"+d.Identifier, func() {
			if err := a.engine.ResumeWorker(ctx, d); err != nil {
				a.logger.Warn("Rework resume for %s failed: %v", d.Identifier, err)
			}
		})
	}

	pruned, err := a.store.PruneCompleted(ctx, a.cfg.CompletedRetention())
	if err != nil {
		a.logger.Warn("Completed prune failed: %v", err)
	} else if pruned > 0 {
		a.logger.Info("Pruned %d completed dispatch(es) past retention", pruned)
	}
}

// registerWebhook reconciles the tracker's webhook list against the
// configured public URL. Best-effort: failures are logged and serve
// continues without a registered hook.
func (a *App) registerWebhook(ctx context.Context) {
	hooks, err := a.tracker.ListWebhooks(ctx)
	if err != nil {
		a.logger.Warn("Webhook registration: list failed: %v", err)
		return
	}
	for _, h := range hooks {
		if h.URL != a.cfg.WebhookURL && h.Label != webhookLabel {
			continue
		}
		if h.URL == a.cfg.WebhookURL && h.Enabled {
			a.logger.Debug("Webhook %s already registered for %s", h.ID, h.URL)
			return
		}
		if err := a.tracker.UpdateWebhook(ctx, h.ID, a.cfg.WebhookURL, true); err != nil {
			a.logger.Warn("Webhook registration: update %s failed: %v", h.ID, err)
			return
		}
		a.logger.Info("Webhook %s updated to %s", h.ID, a.cfg.WebhookURL)
		return
	}
	id, err := a.tracker.CreateWebhook(ctx, a.cfg.WebhookURL, webhookLabel, webhookResources)
	if err != nil {
		a.logger.Warn("Webhook registration: create failed: %v", err)
		return
	}
	a.logger.Info("Webhook %s registered for %s", id, a.cfg.WebhookURL)
}
