package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/andy6609/chat-relay/internal/admin"
	"github.com/andy6609/chat-relay/internal/chat"
	"github.com/andy6609/chat-relay/internal/config"
)

// Version is set at build time.
var Version = "0.1.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chatserver",
		Short: "Multi-client TCP chat relay",
		Long: `chatserver relays chat lines between TCP clients. The first client to
connect is the super-user and may kick others or kill the server.

Settings come from defaults, the --config YAML file, a .env file and
CHAT_* environment variables, then flags.`,
		Version:      Version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	fs := cmd.Flags()
	fs.String("config", "", "YAML configuration file")
	fs.String("env-file", config.DefaultEnvFile, "dotenv file loaded if present")
	fs.IntP("port", "p", config.DefaultPort, "TCP port to listen on")
	fs.IntP("timeout", "t", int(chat.DefaultAcceptTimeout/time.Millisecond), "accept timeout in milliseconds")
	fs.BoolP("quit", "q", false, "stop when the last client leaves")
	fs.BoolP("noquit", "n", false, "keep running when the last client leaves")
	fs.IntP("history", "H", chat.DefaultHistorySize, "number of messages kept for catchup")
	fs.BoolP("verbose", "v", false, "debug logging")
	fs.String("metrics-addr", "", "admin HTTP address for /metrics and /healthz")
	fs.String("log-format", config.DefaultLogFormat, "log format (json|text)")
	cmd.MarkFlagsMutuallyExclusive("quit", "noquit")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatserver %s\n", Version)
		},
	}
}

// resolveConfig loads file and environment settings, then applies only the
// flags given explicitly.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	fs := cmd.Flags()
	path, _ := fs.GetString("config")
	envFile, _ := fs.GetString("env-file")

	cfg, err := config.Read(path, envFile)
	if err != nil {
		return cfg, err
	}

	if fs.Changed("port") {
		cfg.Port, _ = fs.GetInt("port")
	}
	if fs.Changed("timeout") {
		ms, _ := fs.GetInt("timeout")
		cfg.AcceptTimeout = time.Duration(ms) * time.Millisecond
	}
	if fs.Changed("quit") {
		cfg.QuitOnLastClient, _ = fs.GetBool("quit")
	}
	if fs.Changed("noquit") {
		noquit, _ := fs.GetBool("noquit")
		cfg.QuitOnLastClient = !noquit
	}
	if fs.Changed("history") {
		cfg.HistorySize, _ = fs.GetInt("history")
	}
	if v, _ := fs.GetBool("verbose"); v {
		cfg.LogLevel = "debug"
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddress, _ = fs.GetString("metrics-addr")
	}
	if fs.Changed("log-format") {
		cfg.LogFormat, _ = fs.GetString("log-format")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	level, _ := cfg.Level()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// run serves the relay, and the admin listener when configured, until the
// relay stops or ctx is cancelled.
func run(ctx context.Context, cfg config.Config, logOut io.Writer) error {
	logger := newLogger(logOut, cfg)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := chat.NewServer(cfg.ServerOptions(), logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return srv.Start(gctx)
	})

	if cfg.MetricsAddress != "" {
		hs := &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           admin.NewRouter(srv),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("admin listener started", "addr", cfg.MetricsAddress)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return hs.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server failed", "error", err)
		return err
	}
	return nil
}
