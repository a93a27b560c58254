package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"clawd/internal/config"
	"clawd/internal/tracker"
	"clawd/internal/webhook"
)

func newWebhookCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage the tracker webhook subscription",
	}
	cmd.AddCommand(
		newWebhookRegisterCommand(),
		newWebhookListCommand(),
		newWebhookDeleteCommand(),
	)
	return cmd
}

func dialTracker() (tracker.Client, config.Config, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, config.Config{}, err
	}
	if cfg.TrackerToken == "" {
		return nil, config.Config{}, fmt.Errorf("tracker token not configured (set CLAWD_TRACKER_TOKEN or trackerToken in the config file)")
	}
	return trackerDial(cfg), cfg, nil
}

func newWebhookRegisterCommand() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create or repair the webhook pointing at this daemon",
		Long: `Reconciles the tracker's webhook list against the configured public URL.
An entry already pointing at the URL is left alone, a stale entry with our
label is repointed, and a missing one is created. serve does the same thing
at startup; this command exists for setups where the daemon's token lacks
webhook admin rights.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := dialTracker()
			if err != nil {
				return err
			}
			target := url
			if target == "" {
				target = cfg.WebhookURL
			}
			if target == "" {
				return fmt.Errorf("no webhook URL: pass --url or set webhookUrl in the config file")
			}
			return registerTrackerWebhook(cmd.Context(), cmd, client, target)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "public URL the tracker should deliver events to")
	return cmd
}

func registerTrackerWebhook(ctx context.Context, cmd *cobra.Command, client tracker.Client, url string) error {
	hooks, err := client.ListWebhooks(ctx)
	if err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}
	out := cmd.OutOrStdout()
	for _, h := range hooks {
		if h.URL != url && h.Label != webhookCLILabel {
			continue
		}
		if h.URL == url && h.Enabled {
			fmt.Fprintf(out, "Webhook %s already points at %s.\n", h.ID, url)
			return nil
		}
		if err := client.UpdateWebhook(ctx, h.ID, url, true); err != nil {
			return fmt.Errorf("update webhook %s: %w", h.ID, err)
		}
		fmt.Fprintf(out, "Webhook %s repointed at %s.\n", h.ID, url)
		return nil
	}
	id, err := client.CreateWebhook(ctx, url, webhookCLILabel, webhookCLIResources)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	fmt.Fprintf(out, "Webhook %s created for %s.\n", id, url)
	return nil
}

const webhookCLILabel = "clawd"

var webhookCLIResources = []string{webhook.TypeIssue, webhook.TypeComment, webhook.TypeAgentSessionEvent}

func newWebhookListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the tracker's registered webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialTracker()
			if err != nil {
				return err
			}
			hooks, err := client.ListWebhooks(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(hooks) == 0 {
				fmt.Fprintln(out, "No webhooks registered.")
				return nil
			}
			fmt.Fprintf(out, "%-14s %-8s %-12s %s\n", "ID", "ENABLED", "LABEL", "URL")
			for _, h := range hooks {
				fmt.Fprintf(out, "%-14s %-8t %-12s %s\n", h.ID, h.Enabled, h.Label, h.URL)
			}
			return nil
		},
	}
}

func newWebhookDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a webhook by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialTracker()
			if err != nil {
				return err
			}
			if err := client.DeleteWebhook(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted webhook %s.\n", args[0])
			return nil
		},
	}
}
