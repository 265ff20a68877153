package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/n0madic/go-studioproxy/internal/auth"
	"github.com/n0madic/go-studioproxy/internal/config"
	"github.com/n0madic/go-studioproxy/internal/proxy"
	"github.com/n0madic/go-studioproxy/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "go-studioproxy",
	Short: "OpenAI-compatible proxy in front of a browser-hosted AI Studio session",
	Long: `go-studioproxy exposes an OpenAI-compatible chat completions API and
answers it through a logged-in browser session. Requests are serialized
through a single-worker queue and each one is acquired from the fastest
available tier: the streaming relay, the helper endpoint, then the page
itself.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveFlags struct {
	host    string
	port    int
	verbose bool
	debug   bool
	logJSON bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy server",
	Long: `Run the proxy server.

Configuration is read from the YAML file given by --config (or
STUDIOPROXY_CONFIG), then from the environment and a .env file.
Command-line flags override both.

Examples:
  go-studioproxy serve
  go-studioproxy serve --port 8080 --verbose
  go-studioproxy serve --config config.yaml --log-json`,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveFlags.host, "host", "", "override listen host")
	serveCmd.Flags().IntVar(&serveFlags.port, "port", 0, "override listen port")
	serveCmd.Flags().BoolVarP(&serveFlags.verbose, "verbose", "v", false, "log request and tier summaries")
	serveCmd.Flags().BoolVar(&serveFlags.debug, "debug", false, "dump raw HTTP traffic to stderr")
	serveCmd.Flags().BoolVar(&serveFlags.logJSON, "log-json", false, "emit logs as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = serveFlags.host
	}
	if flags.Changed("port") {
		cfg.Port = serveFlags.port
	}
	if flags.Changed("verbose") {
		cfg.Verbose = serveFlags.verbose
	}
	if flags.Changed("debug") {
		cfg.Debug = serveFlags.debug
	}
	if flags.Changed("log-json") {
		cfg.LogJSON = serveFlags.logJSON
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg)

	tp, err := tracing.Setup(context.Background(), cfg, Version)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Warn("tracing.shutdown_failed", "error", err)
		}
	}()
	if tp.Enabled() {
		slog.Info("tracing.enabled", "endpoint", cfg.TracingEndpoint, "sampler", cfg.TracingSampler)
	}

	keys, err := auth.NewKeyStore(cfg.KeysFile)
	if err != nil {
		return err
	}
	if err := keys.Watch(); err != nil {
		slog.Warn("auth.keys.watch_failed", "path", keys.Path(), "error", err)
	}
	defer keys.Close()
	if !keys.Enabled() {
		slog.Warn("auth.keys.disabled", "path", keys.Path())
	}

	srv, err := proxy.New(cfg, proxy.Options{Keys: keys})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server.starting",
			"addr", cfg.Addr(),
			"model", cfg.ModelName,
			"relay", cfg.RelayEnabled(),
			"helper", cfg.HelperEnabled(),
			"keys", len(keys.List()),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	fmt.Fprintln(os.Stderr, "\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("server.stopped")
	return nil
}

func setupLogging(cfg *config.ServerConfig) {
	level := slog.LevelInfo
	if cfg.Verbose || cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
