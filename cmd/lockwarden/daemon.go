package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/lockwarden/internal/agents"
	"github.com/fentz26/lockwarden/internal/config"
	"github.com/fentz26/lockwarden/internal/conflict"
	"github.com/fentz26/lockwarden/internal/controlplane"
	"github.com/fentz26/lockwarden/internal/locks"
	"github.com/fentz26/lockwarden/internal/models"
	"github.com/fentz26/lockwarden/internal/natsbus"
	lwotel "github.com/fentz26/lockwarden/internal/otel"
	"github.com/fentz26/lockwarden/internal/routing"
	"github.com/fentz26/lockwarden/internal/scheduler"
	"github.com/fentz26/lockwarden/internal/store"
	"github.com/fentz26/lockwarden/internal/telemetry"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
)

var (
	listenAddr string
	dbPath     string
	memoryOnly bool
	noWatch    bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the lockwarden daemon",
	Long:  `Starts the daemon which serves the HTTP and WebSocket API, runs the lease timer and persists state.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (default from config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (default from config)")
	daemonCmd.Flags().BoolVar(&memoryOnly, "memory", false, "Keep state in memory only")
	daemonCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the config file on change")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Server.Addr = listenAddr
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if memoryOnly {
		cfg.Store.Path = ""
	}

	logger, level, closer, err := telemetry.NewLogger(telemetry.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := lwotel.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.New(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() {
			logger.Info("closing database")
			if err := st.Close(); err != nil {
				logger.Error("database close", "error", err)
			}
		}()
	}

	rules, err := routing.LoadConfig(cfg.Routing.RulesFile)
	if err != nil {
		logger.Warn("routing rules not loaded, using defaults", "path", cfg.Routing.RulesFile, "error", err)
		rules = routing.DefaultConfig()
	}

	svc, err := controlplane.NewService(controlplane.Options{
		Store:     st,
		Router:    routing.NewRouter(rules),
		Telemetry: tel,
		Logger:    logger,
		Locks: locks.Options{
			DefaultTTL:    cfg.Locks.DefaultTTL,
			MaxTTL:        cfg.Locks.MaxTTL,
			FairAdmission: cfg.Locks.FairAdmission,
		},
		Conflicts: conflict.Options{
			DefaultStrategy:  models.Strategy(cfg.Conflicts.DefaultStrategy),
			NegotiateTimeout: cfg.Conflicts.NegotiateTimeout,
			StaleGrace:       cfg.Conflicts.StaleGrace,
		},
		Agents:            agents.Options{HeartbeatTimeout: cfg.Agents.HeartbeatTimeout},
		ActivityRetention: cfg.Store.ActivityRetention,
	})
	if err != nil {
		return err
	}
	if err := svc.Load(ctx); err != nil {
		return err
	}
	if st != nil {
		logger.Info("state restored", "path", cfg.Store.Path, "stats", svc.Stats())
	}

	sched, err := scheduler.New(svc, scheduler.FromConfig(cfg), logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	server := controlplane.NewServer(svc, cfg.Server.Addr)

	var relay *natsbus.Relay
	if cfg.NATS.Enabled {
		relay, err = natsbus.NewRelay(cfg.NATS, logger)
		if err != nil {
			ln.Close()
			return fmt.Errorf("start nats relay: %w", err)
		}
		defer relay.Close()
		logger.Info("nats relay connected", "url", relay.ClientURL())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	serverErr := make(chan error, 1)

	sched.Start(runCtx)
	logger.Info("lockwarden daemon starting", "version", controlplane.Version, "store", cfg.Store.Path)
	wg.Go(func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	})
	if relay != nil {
		wg.Go(func() { relay.Run(runCtx, svc.Bus()) })
	}
	if !noWatch && v.ConfigFileUsed() != "" {
		w := config.NewWatcher(v.ConfigFileUsed(), logger)
		if err := w.Start(runCtx); err != nil {
			logger.Warn("config watcher not started", "error", err)
		} else {
			wg.Go(func() {
				for range w.Events() {
					reload(svc, sched, level, logger)
				}
			})
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	logger.Info("shutting down http server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}
	_ = ln.Close()
	sched.Stop()
	cancel()
	wg.Wait()

	if perr := svc.Persist(shutdownCtx); perr != nil {
		logger.Error("final persist failed", "error", perr)
	}
	logger.Info("shutdown complete")
	return err
}

// reload re-reads the config file and applies what can change at runtime.
// Listen address, store path and NATS settings need a restart.
func reload(svc *controlplane.Service, sched *scheduler.Scheduler, level *slog.LevelVar, logger *slog.Logger) {
	cfg, err := config.Reload(v)
	if err != nil {
		logger.Error("config reload failed, keeping previous settings", "error", err)
		return
	}
	level.Set(telemetry.ParseLevel(cfg.Logging.Level))
	if err := svc.ApplyConfig(cfg); err != nil {
		logger.Error("config reload rejected", "error", err)
		return
	}
	if err := sched.SetConfig(scheduler.FromConfig(cfg)); err != nil {
		logger.Error("scheduler reload rejected", "error", err)
	}
	if rules, err := routing.LoadConfig(cfg.Routing.RulesFile); err != nil {
		logger.Warn("routing rules reload failed", "error", err)
	} else {
		svc.Router().SetConfig(rules)
	}
	logger.Info("config reloaded",
		"level", cfg.Logging.Level,
		"strategy", cfg.Conflicts.DefaultStrategy,
		"heartbeat_timeout", cfg.Agents.HeartbeatTimeout)
}
