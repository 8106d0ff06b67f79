// Command broq-server runs the broker's HTTP API: the Job Engine, the
// Pub/Sub Engine, and the Expiration Watcher, all bound to one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/broq/broq/internal/app"
	"github.com/broq/broq/internal/common"
	"github.com/broq/broq/internal/server"
)

var (
	configPaths []string
	flagHost    string
	flagPort    int
	flagLevel   string
	flagPrefix  string
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broq-server",
		Short: "Run the broq task-queue and pub/sub broker",
		RunE:  runServe,
	}

	cmd.Flags().StringSliceVarP(&configPaths, "config", "c", nil, "TOML config file(s); later files override earlier ones")
	cmd.Flags().StringVar(&flagHost, "host", "", "override server.host")
	cmd.Flags().IntVar(&flagPort, "port", 0, "override server.port")
	cmd.Flags().StringVar(&flagLevel, "log-level", "", "override logging.level")
	cmd.Flags().StringVar(&flagPrefix, "prefix", "", "override the global key/collection prefix")

	viper.BindPFlag("host", cmd.Flags().Lookup("host"))
	viper.BindPFlag("port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("log-level", cmd.Flags().Lookup("log-level"))
	viper.BindPFlag("prefix", cmd.Flags().Lookup("prefix"))

	return cmd
}

// runServe is the default (and only) command: it loads configuration,
// starts every background service, serves HTTP, and blocks for a
// shutdown signal. Priority, lowest to highest: defaults < TOML files <
// .env-loaded vars < process env < CLI flags.
func runServe(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}

	config, err := common.LoadConfig(configPaths...)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlagOverrides(cmd, config)

	a, err := app.NewAppFromConfig(config)
	if err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}

	common.PrintBanner(a.Config, a.Logger)

	a.StartExpirationWatcher()
	a.StartWSHub()

	ctx, cancel := context.WithTimeout(context.Background(), a.Config.RequestTimeout())
	if q := a.Config.DefaultQueue; q != "" {
		if err := a.StartQueue(ctx, q); err != nil {
			a.Logger.Warn().Str("queue", q).Err(err).Msg("failed to register default queue at boot")
		}
	}
	a.RecoverOrphans(ctx)
	cancel()

	srv := server.NewServer(a)

	go safeGo(a.Logger, func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	})

	a.Logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", a.Config.Server.Host, a.Config.Server.Port)).
		Msg("broker ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	a.Logger.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	a.Close()
	common.PrintShutdownBanner(a.Logger)
	return nil
}

// applyFlagOverrides applies any explicitly-set CLI flags over the config
// already resolved from TOML/env, since flags sit at the top of the
// priority chain. Values are read back through viper (bound in
// newRootCmd) rather than the flag package vars directly, so viper is
// the single source of truth for resolved flag values.
func applyFlagOverrides(cmd *cobra.Command, config *common.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		config.Server.Host = viper.GetString("host")
	}
	if flags.Changed("port") {
		config.Server.Port = viper.GetInt("port")
	}
	if flags.Changed("log-level") {
		config.Logging.Level = viper.GetString("log-level")
	}
	if flags.Changed("prefix") {
		config.Prefix = viper.GetString("prefix")
	}
}

// safeGo runs fn in the current goroutine, recovering any panic and
// logging it instead of crashing the process. Used around long-lived
// background loops.
func safeGo(logger *common.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("recovered from panic in background goroutine")
		}
	}()
	fn()
}
