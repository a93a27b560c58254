// Package agentrun executes external code-generating agent CLIs under
// watchdog supervision. Three interchangeable backends (claude, codex,
// gemini) share one contract: feed a prompt, stream progress, collect the
// final answer, and kill the process tree when it stalls.
package agentrun

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"clawd/internal/logging"
	"clawd/internal/metrics"
	"clawd/internal/shared/token"
	"clawd/internal/subprocess"
)

// Kill reasons reported by the watchdog.
const (
	killInactivity = "inactivity"
	killWallClock  = "wall_clock"
)

// Config configures a Runner. Zero timeouts fall back to defaults.
type Config struct {
	Backend           string // claude | codex | gemini
	BinaryPath        string // overrides the backend default
	Model             string
	APIKey            string
	Env               map[string]string
	InactivityTimeout time.Duration // watchdog: no stdout output
	MaxTotalTimeout   time.Duration // watchdog: wall clock
}

// RunRequest describes one agent invocation.
type RunRequest struct {
	AgentID    string // profile alias, recorded for logs only
	SessionID  string // session key isolating worker from audit context
	Message    string // the prompt
	WorkingDir string
	Model      string // per-request override
	Streaming  bool
	OnProgress func(Progress) // called per tool/text event when Streaming
}

// RunResult is the runner's verdict on one invocation.
type RunResult struct {
	Success        bool
	Output         string
	WatchdogKilled bool
	TokensUsed     int
	Duration       time.Duration
	ErrorDetail    string // stderr tail when the process failed
}

// Progress is one streamed event from the running agent.
type Progress struct {
	Tool     string
	ToolArgs string
	Text     string
}

// Runner invokes one backend CLI per Run call. Safe for concurrent use.
type Runner struct {
	cfg     Config
	backend backend
	logger  logging.Logger
	metrics *metrics.Metrics
}

// New builds a Runner for the configured backend.
func New(cfg Config, logger logging.Logger, m *metrics.Metrics) (*Runner, error) {
	be, ok := backendFor(cfg.Backend)
	if !ok {
		return nil, fmt.Errorf("unknown agent backend %q", cfg.Backend)
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 5 * time.Minute
	}
	if cfg.MaxTotalTimeout <= 0 {
		cfg.MaxTotalTimeout = time.Hour
	}
	return &Runner{
		cfg:     cfg,
		backend: be,
		logger:  logging.OrNop(logger),
		metrics: m,
	}, nil
}

// Backend returns the active backend name.
func (r *Runner) Backend() string { return r.backend.name() }

// Run executes the agent once, retrying a single time when the inactivity
// watchdog killed it. A kill on the retry (or a wall-clock kill) surfaces
// as WatchdogKilled so callers can escalate.
func (r *Runner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if req.Message == "" {
		return RunResult{}, fmt.Errorf("message is required")
	}
	start := time.Now()

	oc, err := r.runOnce(ctx, req)
	if err != nil {
		r.metrics.AgentRun(r.backend.name(), "error")
		return RunResult{Duration: time.Since(start)}, err
	}

	if oc.killedReason == killInactivity {
		r.logger.Warn("Agent %s (%s) produced no output for %v, retrying once",
			req.AgentID, r.backend.name(), r.cfg.InactivityTimeout)
		oc, err = r.runOnce(ctx, req)
		if err != nil {
			r.metrics.AgentRun(r.backend.name(), "error")
			return RunResult{WatchdogKilled: true, Duration: time.Since(start)}, err
		}
	}

	result := RunResult{
		Output:     oc.output,
		TokensUsed: oc.tokens,
		Duration:   time.Since(start),
	}
	if result.TokensUsed == 0 {
		// codex and the plain-text fallback report no usage; estimate
		// from the transcript.
		result.TokensUsed = token.Estimate(oc.output)
	}
	switch {
	case oc.killedReason != "":
		result.WatchdogKilled = true
		result.ErrorDetail = fmt.Sprintf("watchdog kill (%s)", oc.killedReason)
		r.metrics.AgentRun(r.backend.name(), "watchdog_kill")
		r.logger.Warn("Agent %s (%s) killed by watchdog: %s", req.AgentID, r.backend.name(), oc.killedReason)
	case oc.exitErr != nil:
		result.ErrorDetail = oc.stderrTail
		r.metrics.AgentRun(r.backend.name(), "failure")
		r.logger.Warn("Agent %s (%s) exited with error: %v", req.AgentID, r.backend.name(), oc.exitErr)
	default:
		result.Success = true
		r.metrics.AgentRun(r.backend.name(), "success")
	}
	return result, nil
}

type runOutcome struct {
	output       string
	tokens       int
	killedReason string
	exitErr      error
	stderrTail   string
}

func (r *Runner) runOnce(ctx context.Context, req RunRequest) (runOutcome, error) {
	bin, args, env := r.backend.command(r.cfg, req)
	for k, v := range r.cfg.Env {
		env[k] = v
	}

	proc := subprocess.New(subprocess.Config{
		Command:    bin,
		Args:       args,
		Env:        env,
		WorkingDir: req.WorkingDir,
	})
	if err := proc.Start(ctx); err != nil {
		return runOutcome{}, fmt.Errorf("start %s: %w", r.backend.name(), err)
	}

	activity := make(chan struct{}, 1)
	scanDone := make(chan struct{})
	killed := make(chan string, 1)

	go r.watchdog(ctx, proc, activity, scanDone, killed)

	parser := r.backend.newParser()
	scanner := bufio.NewScanner(proc.Stdout())
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)

	for scanner.Scan() {
		select {
		case activity <- struct{}{}:
		default:
		}
		progress, ok := parser.consume(scanner.Bytes())
		if ok && req.Streaming && req.OnProgress != nil {
			req.OnProgress(progress)
		}
	}
	scanErr := scanner.Err()
	close(scanDone)

	exitErr := proc.Wait()

	oc := runOutcome{
		output:     parser.output(),
		tokens:     parser.tokens(),
		exitErr:    exitErr,
		stderrTail: proc.StderrTail(),
	}
	select {
	case reason := <-killed:
		oc.killedReason = reason
	default:
	}
	if oc.killedReason == "" && scanErr != nil {
		return oc, fmt.Errorf("read %s output: %w", r.backend.name(), scanErr)
	}
	return oc, nil
}

// watchdog kills the process when it goes quiet or overruns its total
// budget. Each stdout line pulses the activity channel.
func (r *Runner) watchdog(ctx context.Context, proc *subprocess.Subprocess, activity <-chan struct{}, scanDone <-chan struct{}, killed chan<- string) {
	inactivity := time.NewTimer(r.cfg.InactivityTimeout)
	defer inactivity.Stop()
	total := time.NewTimer(r.cfg.MaxTotalTimeout)
	defer total.Stop()

	for {
		select {
		case <-activity:
			if !inactivity.Stop() {
				select {
				case <-inactivity.C:
				default:
				}
			}
			inactivity.Reset(r.cfg.InactivityTimeout)
		case <-inactivity.C:
			killed <- killInactivity
			_ = proc.Stop()
			return
		case <-total.C:
			killed <- killWallClock
			_ = proc.Stop()
			return
		case <-ctx.Done():
			_ = proc.Stop()
			return
		case <-scanDone:
			return
		}
	}
}
