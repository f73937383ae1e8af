package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warren-run/warren/pkg/broadcast"
	"github.com/warren-run/warren/pkg/config"
	warrenlog "github.com/warren-run/warren/pkg/log"
	"github.com/warren-run/warren/pkg/queue"
	"github.com/warren-run/warren/pkg/reset"
	"github.com/warren-run/warren/pkg/sandbox"
	"github.com/warren-run/warren/pkg/scheduler"
	"github.com/warren-run/warren/pkg/server"
	"github.com/warren-run/warren/pkg/store"
	"github.com/warren-run/warren/pkg/summary"
)

var (
	serveConfigPath string
	serveListenAddr string
	serveDataDir    string
	serveLogLevel   string
	serveLogFormat  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the warren host",
	Long: `Run the warren host: HTTP API, websocket event stream, per-group
execution queue, and the background maintenance loop. The process runs
until interrupted; on shutdown it stops accepting requests, halts the
scheduler, and closes the store.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(serveConfigPath)
		if err != nil {
			return err
		}
		if serveListenAddr != "" {
			cfg.ListenAddr = serveListenAddr
		}
		if serveDataDir != "" {
			cfg.DataDir = serveDataDir
		}
		if serveLogLevel != "" {
			cfg.LogLevel = serveLogLevel
		}
		if serveLogFormat != "" {
			cfg.LogFormat = serveLogFormat
		}

		if err := warrenlog.Init(warrenlog.Config{
			Level:  warrenlog.Level(cfg.LogLevel),
			Format: cfg.LogFormat,
		}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer warrenlog.Sync()

		return runServe(cfg)
	},
}

func runServe(cfg config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
	}

	st, err := store.OpenSQLite(store.SQLiteConfig{Path: cfg.DatabasePath()})
	if err != nil {
		return err
	}
	defer st.Close()

	runner, err := sandbox.NewDockerRunner(sandbox.DockerConfig{
		Image:   cfg.Sandbox.Image,
		Cmd:     cfg.Sandbox.Cmd,
		Env:     cfg.Sandbox.Env,
		Workdir: cfg.Sandbox.Workdir,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to docker: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Containers left over from a previous run are stale: their queue
	// entries are gone, so nothing would ever stop them.
	if err := runner.ReapOrphans(ctx); err != nil {
		warrenlog.Warn("failed to reap orphaned sandboxes", "error", err)
	}

	gateway := broadcast.NewGateway()
	defer gateway.Close()

	q := queue.New(queue.Options{
		Runner:     runner,
		Gateway:    gateway,
		StopGrace:  cfg.Queue.StopGrace.Std(),
		StaleAfter: cfg.Queue.StaleAfter.Std(),
		SessionFor: func(ctx context.Context, group string) string {
			folder, err := st.FolderOf(ctx, group)
			if err != nil {
				warrenlog.Warn("failed to resolve folder for group", "group", group, "error", err)
				return ""
			}
			if folder == "" {
				folder = group
			}
			token, ok, err := st.GetSession(ctx, folder)
			if err != nil {
				warrenlog.Warn("failed to load session", "folder", folder, "error", err)
				return ""
			}
			if !ok {
				return ""
			}
			return token
		},
	})

	coordinator := reset.New(reset.Options{
		Queue:     q,
		Store:     st,
		Gateway:   gateway,
		FolderDir: cfg.FolderDir,
	})

	loop := scheduler.New(scheduler.Options{
		Queue:    q,
		Interval: cfg.Scheduler.TickInterval.Std(),
	})
	loop.Register(summary.NewJob(st, nil), scheduler.Window{
		From: cfg.Scheduler.SummaryFrom,
		To:   cfg.Scheduler.SummaryTo,
	})
	if err := loop.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer loop.Stop()

	srv := server.New(server.Options{
		Addr:  cfg.ListenAddr,
		Queue: q,
		Store: st,
		Reset: coordinator,
		WS:    gateway,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	warrenlog.Info("warren started", "addr", cfg.ListenAddr, "data_dir", cfg.DataDir, "image", cfg.Sandbox.Image)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	warrenlog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		warrenlog.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "warren.yaml", "Path to the configuration file")
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Data directory (overrides config)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	serveCmd.Flags().StringVar(&serveLogFormat, "log-format", "", "Log format: console or json")
	rootCmd.AddCommand(serveCmd)
}
