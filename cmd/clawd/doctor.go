package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"clawd/internal/config"
	"clawd/internal/locking"
	"clawd/internal/state"
	"clawd/internal/tracker"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

// Seams for tests.
var (
	lookPath    = exec.LookPath
	trackerDial = func(cfg config.Config) tracker.Client {
		return tracker.NewGraphQLClient(cfg.TrackerBaseURL, cfg.TrackerToken, nil)
	}
)

type checkStatus int

const (
	checkOK checkStatus = iota
	checkWarn
	checkFail
)

type checkResult struct {
	name   string
	status checkStatus
	detail string
}

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local setup",
		Long: `Checks configuration, state storage, git tooling, agent CLIs, and tracker
reachability. Exits non-zero when any check fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, meta, err := loadConfig()
			if err != nil {
				return err
			}
			results := runChecks(cmd.Context(), cfg, meta)
			if failed := printChecks(cmd.OutOrStdout(), results); failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func runChecks(ctx context.Context, cfg config.Config, meta config.Metadata) []checkResult {
	var results []checkResult
	add := func(name string, status checkStatus, format string, args ...any) {
		results = append(results, checkResult{name: name, status: status, detail: fmt.Sprintf(format, args...)})
	}

	if keys := meta.UnknownKeys(); len(keys) > 0 {
		add("config", checkWarn, "loaded with unknown keys: %s", strings.Join(keys, ", "))
	} else {
		add("config", checkOK, "listen %s, state dir %s", cfg.ListenAddr, cfg.StateDir)
	}

	results = append(results, checkStateDir(cfg))
	results = append(results, checkStateFile(ctx, cfg))

	if _, err := lookPath("git"); err != nil {
		add("git", checkFail, "not on PATH; dispatches cannot create worktrees")
	} else {
		add("git", checkOK, "found")
	}
	if _, err := lookPath("gh"); err != nil {
		add("gh", checkWarn, "not on PATH; pull request creation will be skipped")
	} else {
		add("gh", checkOK, "found")
	}

	for _, backend := range []string{"claude", "codex", "gemini"} {
		if _, err := lookPath(backend); err != nil {
			status := checkWarn
			detail := "not on PATH; profiles using this backend will fail"
			if backend == cfg.DefaultAgentID {
				status = checkFail
				detail = "not on PATH and configured as the default agent"
			}
			add("agent "+backend, status, detail)
		} else {
			add("agent "+backend, checkOK, "found")
		}
	}

	results = append(results, checkTracker(ctx, cfg))

	if cfg.LLMAPIKey == "" {
		add("llm", checkWarn, "no API key; intent and triage fall back to heuristics")
	} else {
		add("llm", checkOK, "%s via %s", cfg.LLMModel, cfg.LLMBaseURL)
	}

	return results
}

// checkStateDir probes that the state directory exists (or can be created)
// and is writable.
func checkStateDir(cfg config.Config) checkResult {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return checkResult{"state dir", checkFail, fmt.Sprintf("cannot create %s: %v", cfg.StateDir, err)}
	}
	probe, err := os.CreateTemp(cfg.StateDir, ".doctor-*")
	if err != nil {
		return checkResult{"state dir", checkFail, fmt.Sprintf("%s is not writable: %v", cfg.StateDir, err)}
	}
	probe.Close()
	os.Remove(probe.Name())
	return checkResult{"state dir", checkOK, cfg.StateDir}
}

func checkStateFile(ctx context.Context, cfg config.Config) checkResult {
	if _, err := os.Stat(cfg.StatePath()); err != nil {
		return checkResult{"state file", checkOK, "none yet (created on first dispatch)"}
	}
	store := state.NewStore(cfg.StatePath(), locking.NewManager(nil), nil)
	st, err := store.Read(ctx)
	if err != nil {
		return checkResult{"state file", checkFail, fmt.Sprintf("unreadable: %v", err)}
	}
	return checkResult{"state file", checkOK,
		fmt.Sprintf("%d active, %d completed (%s)", len(st.Dispatches.Active), len(st.Dispatches.Completed), filepath.Base(cfg.StatePath()))}
}

func checkTracker(ctx context.Context, cfg config.Config) checkResult {
	if cfg.TrackerToken == "" {
		return checkResult{"tracker", checkWarn, "no token configured; serve will refuse to start"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	viewer, err := trackerDial(cfg).GetViewerID(ctx)
	if err != nil {
		return checkResult{"tracker", checkFail, fmt.Sprintf("unreachable: %v", err)}
	}
	return checkResult{"tracker", checkOK, "authenticated as " + viewer}
}

// printChecks renders the report and returns the number of failures.
func printChecks(w io.Writer, results []checkResult) int {
	failed := 0
	for _, r := range results {
		var tag string
		switch r.status {
		case checkOK:
			tag = green("ok  ")
		case checkWarn:
			tag = yellow("warn")
		case checkFail:
			tag = red("FAIL")
			failed++
		}
		fmt.Fprintf(w, "%-16s %s  %s\n", r.name, tag, r.detail)
	}
	if failed > 0 {
		fmt.Fprintf(w, "\n%s\n", red(fmt.Sprintf("%d check(s) failed", failed)))
	}
	return failed
}
