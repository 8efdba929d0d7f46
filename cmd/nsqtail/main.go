package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pior/nsq"
)

// app holds the state shared by the subcommands.
type app struct {
	configPath string
	addrs      []string
	topic      string
	metrics    string
	logLevel   string

	cfg       cliConfig
	logger    zerolog.Logger
	collector *nsq.Collector
}

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "nsqtail",
		Short: "Tail and publish NSQ topics",
		Long: `nsqtail subscribes to a topic on one or more nsqd daemons and prints
the message bodies, or publishes messages to a topic.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "TOML config file")
	flags.StringSliceVar(&a.addrs, "nsqd", nil, "nsqd TCP address (repeatable)")
	flags.StringVarP(&a.topic, "topic", "t", "", "topic name")
	flags.StringVar(&a.metrics, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		tailCmd(a),
		pubCmd(a),
		versionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// setup merges the config file and the flags, then starts logging and metrics.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	a.cfg = defaultCLIConfig()
	if a.configPath != "" {
		cfg, err := loadConfig(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}

	flags := cmd.Flags()
	if flags.Changed("nsqd") {
		a.cfg.Addrs = normalizeAddrs(a.addrs)
	}
	if flags.Changed("topic") {
		a.cfg.Topic = a.topic
	}
	if flags.Changed("metrics-addr") {
		a.cfg.MetricsAddr = a.metrics
	}
	if flags.Changed("log-level") {
		level, err := zerolog.ParseLevel(a.logLevel)
		if err != nil {
			return fmt.Errorf("parse --log-level: %w", err)
		}
		a.cfg.LogLevel = level
	}

	if len(a.cfg.Addrs) == 0 {
		return errors.New("no nsqd address configured")
	}

	a.logger = initLogger("nsqtail").Level(a.cfg.LogLevel)
	a.cfg.NSQ.Logger = &a.logger
	a.cfg.NSQ.ErrorHandler = func(err error) {
		a.logger.Warn().Err(err).Msg("nsq error")
	}

	a.collector = nsq.NewCollector()
	if a.cfg.MetricsAddr != "" {
		a.serveMetrics(cmd.Context())
	}
	return nil
}

func initLogger(app string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Str("app", app).Logger()
}

func (a *app) serveMetrics(ctx context.Context) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(a.collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info().Str("addr", srv.Addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	context.AfterFunc(ctx, func() { _ = srv.Close() })
}

var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nsqtail %s (client %s)\n", version, nsq.Version)
		},
	}
}
