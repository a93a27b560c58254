package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"clawd/internal/config"
	"clawd/internal/locking"
	"clawd/internal/state"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and maintain dispatch state",
	}
	cmd.AddCommand(
		newStateListCommand(),
		newStateShowCommand(),
		newStatePruneCommand(),
		newStateRemoveCommand(),
	)
	return cmd
}

func openStore() (*state.Store, config.Config, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, config.Config{}, err
	}
	return state.NewStore(cfg.StatePath(), locking.NewManager(nil), nil), cfg, nil
}

func newStateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active and recently completed dispatches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			active, err := store.ListActiveDispatches(ctx)
			if err != nil {
				return err
			}
			completed, err := store.ListCompletedDispatches(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(active) == 0 && len(completed) == 0 {
				fmt.Fprintln(out, "No dispatches.")
				return nil
			}
			if len(active) > 0 {
				fmt.Fprintf(out, "%-12s %-10s %-8s %-8s %-10s %s\n", "ISSUE", "STATUS", "TIER", "ATTEMPT", "AGE", "TITLE")
				for _, d := range active {
					fmt.Fprintf(out, "%-12s %-10s %-8s %-8d %-10s %s\n",
						d.Identifier, d.Status, d.Tier, d.Attempt, age(d.DispatchedAt), d.Title)
				}
			}
			if len(completed) > 0 {
				if len(active) > 0 {
					fmt.Fprintln(out)
				}
				fmt.Fprintf(out, "%-12s %-10s %-8s %-9s %-17s %s\n", "ISSUE", "STATUS", "TIER", "ATTEMPTS", "COMPLETED", "PR")
				for _, d := range completed {
					fmt.Fprintf(out, "%-12s %-10s %-8s %-9d %-17s %s\n",
						d.Identifier, d.Status, d.Tier, d.TotalAttempts, d.CompletedAt.Format("2006-01-02 15:04"), d.PRUrl)
				}
			}
			return nil
		},
	}
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <identifier>",
		Short: "Show one dispatch as a rendered report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			id := strings.ToUpper(strings.TrimSpace(args[0]))
			d, ok, err := store.GetActiveDispatch(ctx, id)
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprint(cmd.OutOrStdout(), renderMarkdown(activeReport(d)))
				return nil
			}
			completed, err := store.ListCompletedDispatches(ctx)
			if err != nil {
				return err
			}
			for _, record := range completed {
				if record.Identifier == id {
					fmt.Fprint(cmd.OutOrStdout(), renderMarkdown(completedReport(record)))
					return nil
				}
			}
			return fmt.Errorf("no dispatch %s", id)
		},
	}
}

func activeReport(d *state.ActiveDispatch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", d.Identifier)
	if d.Title != "" {
		fmt.Fprintf(&b, "%s\n\n", d.Title)
	}
	fmt.Fprintf(&b, "- **Status:** %s\n", d.Status)
	fmt.Fprintf(&b, "- **Tier:** %s\n", d.Tier)
	if d.AgentID != "" {
		fmt.Fprintf(&b, "- **Agent:** %s", d.AgentID)
		if d.Model != "" {
			fmt.Fprintf(&b, " (%s)", d.Model)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "- **Attempt:** %d\n", d.Attempt)
	fmt.Fprintf(&b, "- **Dispatched:** %s (%s ago)\n", d.DispatchedAt.Format(time.RFC3339), age(d.DispatchedAt))
	fmt.Fprintf(&b, "- **Branch:** `%s`\n", d.Branch)
	fmt.Fprintf(&b, "- **Worktree:** `%s`\n", d.WorktreePath)
	if d.Project != "" {
		fmt.Fprintf(&b, "- **Project:** %s\n", d.Project)
	}
	if d.StuckReason != "" {
		fmt.Fprintf(&b, "\n## Stuck\n\n%s\n", d.StuckReason)
	}
	if len(d.PendingGaps) > 0 {
		b.WriteString("\n## Pending gaps\n\n")
		for _, gap := range d.PendingGaps {
			fmt.Fprintf(&b, "- %s\n", gap)
		}
	}
	if len(d.Worktrees) > 1 {
		b.WriteString("\n## Worktrees\n\n")
		for _, wt := range d.Worktrees {
			fmt.Fprintf(&b, "- `%s` on `%s`\n", wt.Path, wt.Branch)
		}
	}
	return b.String()
}

func completedReport(d *state.CompletedDispatch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", d.Identifier)
	fmt.Fprintf(&b, "- **Status:** %s\n", d.Status)
	fmt.Fprintf(&b, "- **Tier:** %s\n", d.Tier)
	fmt.Fprintf(&b, "- **Attempts:** %d\n", d.TotalAttempts)
	fmt.Fprintf(&b, "- **Completed:** %s\n", d.CompletedAt.Format(time.RFC3339))
	if d.PRUrl != "" {
		fmt.Fprintf(&b, "- **PR:** %s\n", d.PRUrl)
	}
	if d.Project != "" {
		fmt.Fprintf(&b, "- **Project:** %s\n", d.Project)
	}
	return b.String()
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	case d >= time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
}

func newStatePruneCommand() *cobra.Command {
	var olderThan int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop completed dispatches older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openStore()
			if err != nil {
				return err
			}
			hours := olderThan
			if hours <= 0 {
				hours = cfg.RetentionHours
			}
			pruned, err := store.PruneCompleted(cmd.Context(), time.Duration(hours)*time.Hour)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d completed dispatch(es) older than %dh.\n", pruned, hours)
			return nil
		},
	}
	cmd.Flags().IntVar(&olderThan, "older-than", 0, "age threshold in hours (default: configured retention)")
	return cmd
}

func newStateRemoveCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "remove <identifier>",
		Short: "Remove an active dispatch without completing it",
		Long: `Drops a wedged dispatch from the active set. The worktree and any tracker
state are left alone; clean those up by hand if needed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			id := strings.ToUpper(strings.TrimSpace(args[0]))
			d, ok, err := store.GetActiveDispatch(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no active dispatch %s", id)
			}
			if !yes {
				prompt := promptui.Prompt{
					Label:     fmt.Sprintf("Remove active dispatch %s (%s)", id, d.Status),
					IsConfirm: true,
				}
				if _, err := prompt.Run(); err != nil {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}
			if err := store.RemoveActiveDispatch(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
