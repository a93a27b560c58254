package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clawd/internal/app"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook daemon",
		Long: `Starts the HTTP server, recovers dispatches interrupted by the previous
run, registers the webhook with the tracker when a public URL is configured,
and serves deliveries until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, meta, err := loadConfig()
			if err != nil {
				return err
			}
			if keys := meta.UnknownKeys(); len(keys) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "Ignoring unknown config keys: %s\n", strings.Join(keys, ", "))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, Version)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(); cerr != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "cleanup: %v\n", cerr)
				}
			}()
			return a.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("listen-addr", "", "HTTP listen address (host:port)")
	flags.String("webhook-url", "", "public URL to self-register on the tracker")
	_ = viper.BindPFlag("listen-addr", flags.Lookup("listen-addr"))
	_ = viper.BindPFlag("webhook-url", flags.Lookup("webhook-url"))
	return cmd
}
