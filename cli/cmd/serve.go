package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/crystalford/flyback/adapter"
	redisadapter "github.com/crystalford/flyback/adapter/redis"
	"github.com/crystalford/flyback/adapter/webhook"
	"github.com/crystalford/flyback/delivery"
	"github.com/crystalford/flyback/engine"
	"github.com/crystalford/flyback/eventlog"
	"github.com/crystalford/flyback/iox"
	"github.com/crystalford/flyback/log"
	"github.com/crystalford/flyback/metrics"
	"github.com/crystalford/flyback/projection"
	"github.com/crystalford/flyback/ratelimit"
	"github.com/crystalford/flyback/registry"
	"github.com/crystalford/flyback/selection"
	"github.com/crystalford/flyback/server"
)

// ServeCommand returns the serve command: the long-running ingestion,
// selection, reporting, and delivery process.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the ingestion and reporting server",
		Flags: append(configFlags(),
			&cli.StringFlag{
				Name:  "listen",
				Usage: "HTTP listen address override",
			},
			&cli.StringFlag{
				Name:  "role",
				Usage: "Process role override: writer or replica",
			},
		),
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if v := c.String("listen"); v != "" {
		cfg.Listen = v
	}
	if v := c.String("role"); v != "" {
		cfg.Role = v
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := log.NewLogger(log.Context{Role: cfg.Role, DataDir: cfg.DataDir})
	collector := metrics.NewCollector(cfg.Role)
	replica := cfg.Role == engine.RoleReplica

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	reg, err := registry.Load(cfg.RegistryDir, logger)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	eventLog, err := eventlog.Open(cfg.DataDir, eventlog.Options{
		RepairTruncate:   cfg.RepairTruncate,
		SnapshotInterval: cfg.SnapshotInterval,
		LockTimeout:      cfg.Lock.Timeout.Duration,
		LockRetry:        cfg.Lock.Retry.Duration,
	}, logger, collector)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}

	proj, err := projection.NewEngine(cfg.DataDir, logger, collector)
	if err != nil {
		return fmt.Errorf("open projection: %w", err)
	}
	if _, err := proj.RestoreSnapshot(); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	proj.SeedBudgets(reg.BudgetTotals())

	sel := selection.NewEngine(reg, logger, collector)
	eng := engine.New(reg, eventLog, proj, sel, engine.Options{Replica: replica}, logger, collector)
	if err := eng.Replay(); err != nil {
		return fmt.Errorf("replay log: %w", err)
	}

	if cfg.SnapshotInterval > 0 {
		eventLog.SetSnapshotHook(func(lastSeq int64) error {
			return proj.WriteSnapshot(lastSeq, cfg.Lock.Timeout.Duration, cfg.Lock.Retry.Duration)
		})
	}

	var out adapter.Adapter
	if cfg.Webhook.URL != "" {
		wh, err := webhook.New(webhook.Config{
			URL:     cfg.Webhook.URL,
			Secret:  cfg.Webhook.Secret,
			Timeout: cfg.Webhook.Timeout.Duration,
		})
		if err != nil {
			return fmt.Errorf("webhook adapter: %w", err)
		}
		defer iox.DiscardErr(wh.Close)
		out = wh
	}

	var announce adapter.Adapter
	if cfg.Announce.URL != "" {
		ra, err := redisadapter.New(redisadapter.Config{
			URL:     cfg.Announce.URL,
			Channel: cfg.Announce.Channel,
			Timeout: cfg.Announce.Timeout.Duration,
		})
		if err != nil {
			return fmt.Errorf("announce adapter: %w", err)
		}
		defer iox.DiscardErr(ra.Close)
		announce = ra
	}

	pump, err := delivery.NewPump(cfg.DataDir, eventLog, out, announce, delivery.Options{
		BackoffBase: cfg.Webhook.BackoffBase.Duration,
		BackoffMax:  cfg.Webhook.BackoffMax.Duration,
		MaxRetries:  cfg.Webhook.MaxRetries,
		Interval:    cfg.Webhook.Interval.Duration,
		Disabled:    replica,
	}, logger, collector)
	if err != nil {
		return fmt.Errorf("delivery pump: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Options{
		Window: cfg.RateLimit.Window.Duration,
		Max:    cfg.RateLimit.Max,
		Burst:  cfg.RateLimit.Burst,
		Bypass: cfg.RateLimit.Bypass,
	})

	srv := server.New(eng, pump, limiter, logger, collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	go pump.Run(ctx)

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	logger.Info("serving", map[string]any{
		"listen":      cfg.Listen,
		"applied_seq": proj.AppliedSeq(),
		"last_seq":    eventLog.LastSeq(),
	})

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("stopped", nil)
	return nil
}
