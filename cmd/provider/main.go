package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/config"
)

const (
	appName = "ftso-provider"
	version = "v1.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     "provider",
		Short:   "FTSO feed value provider",
		Version: version,
		Long: `Real-time price aggregation for FTSO data providers.

Streams exchange tickers over WebSocket, aggregates them into feed
values with outlier rejection and confidence scoring, and serves them
over HTTP for voting-round submission. Sources fail over automatically
and a shared REST poller backfills venues whose streams are down.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the provider service",
		Long:  "Starts the exchange collectors, cache warmer, failover monitor, and the HTTP API, then blocks until SIGINT/SIGTERM.",
		RunE:  runServe,
	}
	serveCmd.Flags().AddFlagSet(configFlags())

	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe configured feed sources over REST",
		Long:  "Fetches every configured (exchange, symbol) pair once and reports reachability. No server is started.",
		RunE:  runProbe,
	}
	probeCmd.Flags().AddFlagSet(configFlags())
	probeCmd.Flags().Duration("timeout", 10*time.Second, "Per-source fetch timeout")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// configFlags is the flag set shared by every command that loads the
// YAML configuration.
func configFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Path to the provider configuration file")
	fs.String("log-level", "", "Log level override (trace|debug|info|warn|error)")
	return fs
}

// bindEnv fills unset flags from PROVIDER_* variables, so
// PROVIDER_LOG_LEVEL=debug means the same as --log-level debug.
// Explicit flags win over the environment.
func bindEnv(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		env := "PROVIDER_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := os.LookupEnv(env); ok && v != "" {
			_ = fs.Set(f.Name, v)
		}
	})
}

// loadConfig loads the YAML configuration named by the command's flags,
// applies the --log-level override, and configures global logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	bindEnv(cmd.Flags())

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		if _, err := zerolog.ParseLevel(lvl); err != nil {
			return nil, fmt.Errorf("log level %q: %w", lvl, err)
		}
		cfg.Log.Level = lvl
	}
	applyLogConfig(cfg.Log)
	return cfg, nil
}

// applyLogConfig applies the configured level and format. Both were
// validated on load.
func applyLogConfig(cfg config.LogConfig) {
	level, _ := zerolog.ParseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	switch cfg.Format {
	case "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	default:
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
