package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/saintparish4/simplecall/internal/config"
	"github.com/saintparish4/simplecall/internal/logging"
	"github.com/saintparish4/simplecall/internal/signaling"
)

type serveOptions struct {
	configPath string
	listen     string
	httpListen string
	logLevel   string
	logFormat  string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rendezvous server",
		Long: `Run the rendezvous server.

Configuration is read from the YAML file given by --config (or
SIMPLECALL_CONFIG), then SIMPLECALL_* environment variables, then flags.

Examples:
  simplecall serve
  simplecall serve --listen 0.0.0.0:8383 --http-listen ""
  simplecall serve --config /etc/simplecall.yaml --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&opts.listen, "listen", "", "control channel TCP address (default :8383)")
	flags.StringVar(&opts.httpListen, "http-listen", "", `HTTP address for health, stats and WebSocket; "" disables (default :8384)`)
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: console or json")

	return cmd
}

func runServe(cmd *cobra.Command, opts serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	applyServeFlags(cmd.Flags(), opts, &cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.Stderr(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	serverCfg := cfg.Server()
	serverCfg.Logger = logger
	server := signaling.NewServer(serverCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", version).
		Str("listen", cfg.Listen).
		Str("http_listen", cfg.HTTPListen).
		Int("retries", cfg.Handshake.Retries).
		Dur("relay_idle_timeout", cfg.Relay.IdleTimeout).
		Msg("starting simplecall server")

	return server.Run(ctx)
}

// applyServeFlags overrides cfg with the flags set explicitly on the command
// line, so an unset flag never clobbers the file or environment value.
func applyServeFlags(flags *pflag.FlagSet, opts serveOptions, cfg *config.Config) {
	if flags.Changed("listen") {
		cfg.Listen = opts.listen
	}
	if flags.Changed("http-listen") {
		cfg.HTTPListen = opts.httpListen
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = opts.logFormat
	}
}
