// chunkdrive stores files as encrypted chunks scattered across storage buckets.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chunkdrive/chunkdrive/internal/config"
	"github.com/chunkdrive/chunkdrive/internal/fs"
	"github.com/chunkdrive/chunkdrive/internal/metrics"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cliOptions holds the persistent flags shared by every command.
type cliOptions struct {
	cfgFile       string
	logLevel      string
	readonly      bool
	metricsListen string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:   "chunkdrive",
		Short: "chunkdrive - chunked, encrypted storage over many backends",
		Long: `chunkdrive splits files into chunks, encrypts them per bucket and scatters
them across local folders, chat webhooks, release assets and S3-compatible
stores. A virtual filesystem records where every chunk of every file lives.

Examples:
  # Store a file
  chunkdrive put ./backup.tar /backups/2024.tar

  # List a directory
  chunkdrive ls /backups

  # Restore a file
  chunkdrive get /backups/2024.tar ./restored.tar

  # Show bucket usage
  chunkdrive buckets list`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts.logLevel)
		},
	}
	rootCmd.SetVersionTemplate("chunkdrive {{.Version}} (commit " + Commit + ", built " + BuildTime + ")\n")

	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file (default $"+config.EnvConfigPath+" or ./"+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&opts.readonly, "readonly", false, "refuse every mutating operation")
	rootCmd.PersistentFlags().StringVar(&opts.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address while the command runs")

	rootCmd.AddCommand(newFileCmds(opts)...)
	rootCmd.AddCommand(newBucketsCmd(opts))
	rootCmd.AddCommand(newKeygenCmd())
	return rootCmd
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// openService loads configuration and opens the filesystem. The returned
// function releases what was started, such as the metrics listener.
func openService(ctx context.Context, opts *cliOptions) (*fs.Service, func(), error) {
	cfg, err := config.Load(config.FindPath(opts.cfgFile))
	if err != nil {
		return nil, nil, err
	}
	if opts.readonly {
		cfg.Readonly = true
	}
	if opts.metricsListen != "" {
		cfg.Metrics.Listen = opts.metricsListen
	}

	m := metrics.Init(metrics.Registry)
	stopMetrics := startMetricsServer(cfg.Metrics.Listen)

	svc, err := fs.FromConfig(ctx, cfg, log.Logger, m)
	if err != nil {
		stopMetrics()
		return nil, nil, err
	}
	return svc, stopMetrics, nil
}

func startMetricsServer(addr string) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
