// Package main is the entry point for the relaygate server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"relaygate/config"
	"relaygate/internal/app"
	"relaygate/internal/logging"
	"relaygate/internal/version"
)

const rootLongDesc string = `relaygate forwards POST /v1/* to one upstream API behind a shared,
fair token bucket and relays server-sent event streams with keepalives.

Configuration is read from .env and the environment; flags override both.`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relaygate",
		Short:         "Rate-limited SSE relay gateway",
		Long:          rootLongDesc,
		Version:       version.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve()
		},
	}

	cmd.Flags().StringP("port", "p", "", "Port to listen on (PORT)")
	cmd.Flags().String("bind", "", "Address to bind (BIND_ADDRESS)")
	cmd.Flags().String("log-level", "", "Log level: debug, info, warn, error (LOG_LEVEL)")
	bindFlag(cmd, "PORT", "port")
	bindFlag(cmd, "BIND_ADDRESS", "bind")
	bindFlag(cmd, "LOG_LEVEL", "log-level")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	})

	return cmd
}

// bindFlag lets a flag, when set, take precedence over the environment key.
func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", flag, err))
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}

	logging.Setup(os.Stdout, cfg.Log.Format, cfg.Log.Level)

	slog.Info("starting relaygate",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
	)

	application, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		return err
	}

	// Serve until SIGINT/SIGTERM, then drain in-flight requests before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx, cfg.Server.Addr(), app.DefaultShutdownTimeout); err != nil {
		slog.Error("server error", "error", err)
		return err
	}
	slog.Info("relaygate stopped")
	return nil
}
