// Package app assembles the monitor from its parts and owns the process
// lifecycle: startup, the scheduler loop, and ordered shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mantlewatch/restock-sentinel/internal/api"
	"github.com/mantlewatch/restock-sentinel/internal/browser"
	"github.com/mantlewatch/restock-sentinel/internal/clock/system"
	"github.com/mantlewatch/restock-sentinel/internal/config"
	"github.com/mantlewatch/restock-sentinel/internal/delay"
	"github.com/mantlewatch/restock-sentinel/internal/metrics"
	"github.com/mantlewatch/restock-sentinel/internal/monitor"
	"github.com/mantlewatch/restock-sentinel/internal/notify"
	"github.com/mantlewatch/restock-sentinel/internal/proxy"
	"github.com/mantlewatch/restock-sentinel/internal/scheduler"
	"github.com/mantlewatch/restock-sentinel/internal/session"
	"github.com/mantlewatch/restock-sentinel/internal/stock"
	"github.com/mantlewatch/restock-sentinel/internal/targets"
	"github.com/mantlewatch/restock-sentinel/internal/window"
	"github.com/mantlewatch/restock-sentinel/internal/worker"
)

// ErrCompromised reports that a block signature was detected and the run was
// aborted to protect the proxy pool.
var ErrCompromised = errors.New("run compromised by block detection")

const shutdownBudget = 15 * time.Second

// App contains the monitor's wired dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	pool     *session.Pool
	delays   *delay.Registry
	sched    *scheduler.Scheduler
	notifier monitor.Notifier

	escalateOnce sync.Once
	compromised  chan string
	abortRun     context.CancelFunc
}

// Build creates the application's dependencies. The session pool launches
// eagerly, so a Build that returns nil error means browsing capacity exists.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()

	proxies, err := proxy.LoadFile(cfg.Proxy.ListPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load proxies: %w", err)
	}
	targetList, err := targets.Load(cfg.Targets.CSVPath)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}
	logger.Info("inventory loaded",
		zap.Int("proxies", len(proxies)),
		zap.Int("targets", len(targetList)),
	)

	gate, err := window.New(cfg.Window.UTCOffsetHours, cfg.Window.StartHour, cfg.Window.EndHour)
	if err != nil {
		return nil, fmt.Errorf("active window: %w", err)
	}

	engine := browser.NewEngine(browser.Config{
		Headless:  cfg.Browser.Headless,
		UserAgent: cfg.Browser.UserAgent,
	}, logger)

	pool, err := session.NewPool(ctx, engine, proxies, session.PoolOptions{
		Session: session.Options{
			LaunchAttempts: cfg.Session.LaunchAttempts,
			LaunchTimeout:  cfg.LaunchTimeout(),
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("session pool: %w", err)
	}

	a := &App{
		cfg:         cfg,
		logger:      logger,
		pool:        pool,
		delays:      delay.NewRegistry(),
		compromised: make(chan string, 1),
	}
	a.notifier = a.buildNotifier()

	checker := worker.NewChecker(
		worker.CheckerConfig{
			NavTimeout:     cfg.NavTimeout(),
			PayloadURLMark: cfg.Stock.PayloadURLMark,
			HostQPS:        cfg.Scheduler.HostQPS,
		},
		stock.NewObservations(),
		stock.NewLinkBuilder(cfg.Stock.OrderBaseURL, logger),
		a.notifier,
		monitor.NewBlockDetector(cfg.Detector.Keywords, cfg.Detector.Selectors),
		a.escalate,
		logger,
	)

	minDelay, maxDelay := cfg.PassDelayBounds()
	a.sched = scheduler.New(
		scheduler.Config{
			InitialConcurrency: cfg.Scheduler.InitialConcurrency,
			DesiredConcurrency: cfg.Scheduler.DesiredConcurrency,
			PassDelayMin:       minDelay,
			PassDelayMax:       maxDelay,
		},
		targetList,
		pool,
		gate,
		a.delays,
		worker.NewRetryCoordinator(pool, logger),
		checker.Check,
		system.New(),
		nil,
		logger,
	)
	return a, nil
}

func (a *App) buildNotifier() monitor.Notifier {
	if a.cfg.Notify.TelegramToken == "" {
		a.logger.Warn("no telegram credentials, notifications go to the log only")
		return notify.NewLog(a.logger)
	}
	tg, err := notify.NewTelegram(a.cfg.Notify.TelegramToken, a.cfg.Notify.TelegramChatID, a.logger)
	if err != nil {
		a.logger.Warn("telegram notifier unavailable, falling back to log", zap.Error(err))
		return notify.NewLog(a.logger)
	}
	return tg
}

// escalate handles a block signature hit: one operator alert, then full
// shutdown. Subsequent hits from in-flight checks are ignored.
func (a *App) escalate(signature string) {
	a.escalateOnce.Do(func() {
		a.logger.Error("run compromised, shutting down", zap.String("signature", signature))
		metrics.NotificationSent("block_alert")

		alertCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.notifier.Notify(alertCtx, fmt.Sprintf(
			"Monitoring stopped: block page detected (%s). Rotate proxies before restarting.", signature))

		a.compromised <- signature
		if a.abortRun != nil {
			a.abortRun()
		}
	})
}

// Run starts the HTTP server and the scheduler loop, blocking until ctx is
// cancelled or the run is compromised. A compromised run returns
// ErrCompromised after shutdown completes.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.abortRun = cancel

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           api.NewServer(a.sched, a.logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
		}
	}()

	schedDone := make(chan error, 1)
	go func() {
		schedDone <- a.sched.Run(runCtx)
	}()

	var schedErr error
	schedStopped := false
	select {
	case <-runCtx.Done():
	case schedErr = <-schedDone:
		schedStopped = true
	}

	a.logger.Info("shutdown initiated")
	cancel()
	a.delays.CancelAll()
	if !schedStopped {
		schedErr = <-schedDone
	}
	if schedErr != nil && !errors.Is(schedErr, context.Canceled) && !errors.Is(schedErr, delay.ErrCancelled) {
		a.logger.Error("scheduler stopped", zap.Error(schedErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer shutdownCancel()

	a.pool.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.logger.Info("shutdown complete")

	select {
	case signature := <-a.compromised:
		return fmt.Errorf("%w: %s", ErrCompromised, signature)
	default:
		return nil
	}
}
