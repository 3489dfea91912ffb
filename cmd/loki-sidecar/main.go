package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/loki-sidecar/pkg/config"
	"github.com/cuemby/loki-sidecar/pkg/log"
	"github.com/cuemby/loki-sidecar/pkg/sidecar"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// shutdownTimeout bounds the final flush after a signal
const shutdownTimeout = 45 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loki-sidecar",
	Short: "Tail application log files and ship them to Loki",
	Long: `loki-sidecar follows the log files in a directory, parses each line
(structured JSON or plain text), labels it with the service and namespace,
and pushes batches to a Loki endpoint. Operational counters are served in
Prometheus text format on /metrics.

Settings come from built-in defaults, an optional YAML file (--config),
environment variables and flags, each overriding the one before.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runSidecar,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "loki-sidecar version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, warnings, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
		}

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"loki-sidecar version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML configuration file")
	flags.String("log-directory", config.DefaultLogDirectory, "Directory containing the log files to tail")
	flags.String("log-file-suffix", config.DefaultLogFileSuffix, "Only files ending with this suffix are tailed")
	flags.Bool("watch-new-files", true, "Tail matching files created after startup")
	flags.String("rescan-schedule", "", "Cron expression for re-scanning the log directory (empty disables)")
	flags.String("loki-endpoint", config.DefaultLokiEndpoint, "Loki base URL")
	flags.String("service-name", config.DefaultServiceName, "Service label attached to every record")
	flags.String("namespace", config.DefaultNamespace, "Namespace label attached to every record")
	flags.Int("metrics-port", config.DefaultMetricsPort, "Port for the /metrics endpoint")
	flags.Int("batch-size", config.DefaultBatchSize, "Maximum records per push")
	flags.Duration("flush-interval", config.DefaultFlushInterval, "Maximum time a record waits before being pushed")
	flags.Duration("poll-interval", config.DefaultPollInterval, "Maximum wait for file activity before reading every file")
	flags.Int("queue-capacity", config.DefaultQueueCapacity, "Maximum pending records (0 for unbounded)")
	flags.Duration("push-timeout", config.DefaultPushTimeout, "Timeout for one push to Loki")
	flags.Bool("compress", false, "Gzip push bodies")
	flags.Bool("preserve-order", false, "Keep read order inside a stream instead of sorting by timestamp")
	flags.String("log-level", config.DefaultLogLevel, "Sidecar log level (debug, info, warn, error)")
	flags.Bool("log-json", true, "Emit sidecar logs as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

// resolveConfig layers explicitly set flags over the file and environment
func resolveConfig(cmd *cobra.Command) (*config.Config, []string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, warnings, err := config.Load(path, os.LookupEnv)
	if err != nil {
		return nil, nil, err
	}

	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	integer := func(name string, dst *int) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	duration := func(name string, dst *time.Duration) {
		if flags.Changed(name) {
			*dst, _ = flags.GetDuration(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if flags.Changed(name) {
			*dst, _ = flags.GetBool(name)
		}
	}

	str("log-directory", &cfg.LogDirectory)
	str("log-file-suffix", &cfg.LogFileSuffix)
	boolean("watch-new-files", &cfg.WatchNewFiles)
	str("rescan-schedule", &cfg.RescanSchedule)
	str("loki-endpoint", &cfg.LokiEndpoint)
	str("service-name", &cfg.ServiceName)
	str("namespace", &cfg.Namespace)
	integer("metrics-port", &cfg.MetricsPort)
	integer("batch-size", &cfg.BatchSize)
	duration("flush-interval", &cfg.FlushInterval)
	duration("poll-interval", &cfg.PollInterval)
	integer("queue-capacity", &cfg.QueueCapacity)
	duration("push-timeout", &cfg.PushTimeout)
	boolean("compress", &cfg.Compress)
	boolean("preserve-order", &cfg.PreserveOrder)
	str("log-level", &cfg.LogLevel)
	boolean("log-json", &cfg.LogJSON)

	return cfg, warnings, nil
}

func runSidecar(cmd *cobra.Command, args []string) error {
	cfg, warnings, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")
	for _, w := range warnings {
		logger.Warn().Msg(w)
	}

	sc, err := sidecar.New(cfg)
	if err != nil {
		return err
	}
	if err := sc.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case runErr = <-sc.Err():
		logger.Error().Err(runErr).Msg("Sidecar component failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sc.Shutdown(ctx); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to shut down cleanly: %w", err)
	}
	return runErr
}
