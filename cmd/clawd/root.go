package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clawd/internal/config"
)

// Version is stamped by the release build via -ldflags.
var Version = "0.1.0-dev"

// NewRootCommand builds the clawd command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clawd",
		Short: "Issue dispatch orchestrator",
		Long: `clawd turns tracker webhooks into dispatched agent work: comments,
assignments, and agent sessions route through an intent classifier into a
two-phase worker/audit pipeline with per-issue state, rework budgets, and
project DAG cascades.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file path (default: <state-dir>/config.yaml)")
	flags.String("state-dir", "", "state directory override")
	flags.String("log-level", "", "log level: debug, info, warn, error")

	// Flags win over CLAWD_* environment, which wins over the config file.
	viper.SetEnvPrefix("CLAWD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{"config", "state-dir", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		newServeCommand(),
		newDoctorCommand(),
		newStateCommand(),
		newWebhookCommand(),
		newVersionCommand(),
	)
	return rootCmd
}

// loadConfig resolves configuration with CLI flags layered on top of the
// file and environment sources.
func loadConfig() (config.Config, config.Metadata, error) {
	var opts []config.Option
	if path := viper.GetString("config"); path != "" {
		opts = append(opts, config.WithConfigPath(path))
	}
	ov := config.Overrides{}
	if v := viper.GetString("state-dir"); v != "" {
		ov.StateDir = &v
	}
	if v := viper.GetString("log-level"); v != "" {
		ov.LogLevel = &v
	}
	if v := viper.GetString("listen-addr"); v != "" {
		ov.ListenAddr = &v
	}
	if v := viper.GetString("webhook-url"); v != "" {
		ov.WebhookURL = &v
	}
	opts = append(opts, config.WithOverrides(ov))
	return config.Load(opts...)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "clawd %s\n", Version)
		},
	}
}
