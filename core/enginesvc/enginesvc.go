// Package enginesvc boots the flowpress engine process: the job engine,
// the deferred-task runner, the schedule syncer, and the maintenance
// sweeps, all wired over NATS and Redis.
package enginesvc

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpress/flowpress/core/ai"
	"github.com/flowpress/flowpress/core/convo"
	"github.com/flowpress/flowpress/core/engine"
	"github.com/flowpress/flowpress/core/handlers"
	"github.com/flowpress/flowpress/core/infra/bus"
	"github.com/flowpress/flowpress/core/infra/config"
	"github.com/flowpress/flowpress/core/infra/logging"
	"github.com/flowpress/flowpress/core/infra/metrics"
	"github.com/flowpress/flowpress/core/infra/redisutil"
	"github.com/flowpress/flowpress/core/registry"
	"github.com/flowpress/flowpress/core/sched"
	"github.com/flowpress/flowpress/core/step"
	"github.com/flowpress/flowpress/core/store"
	"github.com/flowpress/flowpress/core/tasks"
	"github.com/flowpress/flowpress/core/tools"
)

const (
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 3 * time.Second

	stuckSweepInterval = 5 * time.Minute
	cleanupInterval    = time.Hour
)

// Run starts the engine process and blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}

	client, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	st := store.New(client)
	defer st.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	handlerReg := registry.New()
	if err := handlers.RegisterBuiltins(handlerReg); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	providers := ai.NewProviders()
	if err := providers.Register(ai.NewOpenAI("openai", cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel)); err != nil {
		return fmt.Errorf("register ai provider: %w", err)
	}

	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg, st, nil); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	prom := metrics.NewProm("flowpress")
	loop := convo.New(providers, toolReg, cfg.MaxTurns).WithMetrics(prom)
	exec := step.New(st, handlerReg, loop).WithMetrics(prom)

	taskSvc := tasks.NewRedisService(client)
	eng := engine.New(st, exec, taskSvc, natsBus, prom, cfg)

	intervals, err := config.LoadIntervals(cfg.IntervalConfigPath)
	if err != nil {
		return fmt.Errorf("load intervals: %w", err)
	}
	scheduler := sched.New(st, taskSvc, intervals)

	runnerCfg, err := config.LoadRunner(cfg.RunnerConfigPath)
	if err != nil {
		return fmt.Errorf("load runner config: %w", err)
	}
	runner := tasks.NewRunner(taskSvc, natsBus, runnerCfg, prom)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe engine: %w", err)
	}
	if err := scheduler.Subscribe(ctx, natsBus); err != nil {
		return fmt.Errorf("subscribe scheduler: %w", err)
	}
	if err := scheduler.SyncAll(ctx); err != nil {
		return fmt.Errorf("sync schedules: %w", err)
	}

	go runner.Run(ctx)
	go maintenance(ctx, eng)

	srv := startMetricsServer(cfg.MetricsAddr)
	logging.Info("enginesvc", "started",
		"metrics", cfg.MetricsAddr,
		"handlers", len(handlerReg.Slugs()),
		"max_turns", cfg.MaxTurns)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	logging.Info("enginesvc", "stopped")
	return nil
}

// maintenance runs the stuck-job sweep and the retention cleanup on their
// own tickers until the context ends.
func maintenance(ctx context.Context, eng *engine.Engine) {
	stuck := time.NewTicker(stuckSweepInterval)
	defer stuck.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stuck.C:
			if _, err := eng.RecoverStuck(ctx); err != nil {
				logging.Error("enginesvc", "stuck sweep failed", "error", err)
			}
		case <-cleanup.C:
			n, err := eng.Cleanup(ctx)
			if err != nil {
				logging.Error("enginesvc", "cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logging.Info("enginesvc", "jobs trimmed", "count", n)
			}
		}
	}
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("enginesvc", "metrics server error", "error", err)
		}
	}()
	return srv
}
