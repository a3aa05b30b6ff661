// Package server initializes and runs the broker process: it wires the
// persistence engine, session registry, pusher, background timers and
// the operator console, and coordinates graceful shutdown.
package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/iplchat/iplchat/internal/logging"
	"github.com/iplchat/iplchat/internal/server/broker"
	"github.com/iplchat/iplchat/internal/server/config"
	"github.com/iplchat/iplchat/internal/server/console"
	"github.com/iplchat/iplchat/internal/server/push"
	"github.com/iplchat/iplchat/internal/server/session"
	"github.com/iplchat/iplchat/internal/server/storage"
)

// DefaultAddr is the broker's listen address.
const DefaultAddr = ":4589"

type App struct {
	config     *config.Config
	configPath string
	logger     logging.Logger
	logFile    io.Closer

	registry *session.Registry
	engine   *storage.Engine
	broker   *broker.Broker
}

// NewApp assembles the server from a resolved configuration.
func NewApp(cfg *config.Config, configPath string) (*App, error) {

	logWriter, logFile, err := openLog(cfg.LogfilePath)
	if err != nil {
		return nil, err
	}
	logger := logging.NewFileLogger(logWriter, cfg.LogVerbose)

	engine, err := storage.Open(storage.Options{
		DatabasePath:    cfg.DatabasePath,
		DatabaseName:    cfg.DatabaseName,
		BufferedAccess:  cfg.DatabaseBufferedAccess,
		QueueSize:       cfg.DatabaseQueueSize,
		SnapshotPath:    cfg.SnapshotPath,
		SnapshotBacklog: cfg.SnapshotBacklog,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	registry := session.NewRegistry()
	limits := broker.RateLimitPolicy{
		Base:       cfg.RateLimit,
		Multiplier: cfg.RateLimitMultiplier,
		Random:     cfg.RandomRateLimit,
	}
	b := broker.New(DefaultAddr, registry, engine, push.NewPusher(logger), limits, logger)

	return &App{
		config:     cfg,
		configPath: configPath,
		logger:     logger,
		logFile:    logFile,
		registry:   registry,
		engine:     engine,
		broker:     b,
	}, nil
}

func openLog(path string) (io.Writer, io.Closer, error) {
	if path == "" {
		return os.Stdout, nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// startTimers launches the periodic flush and snapshot tasks. Both take
// the engine's write lock internally before touching durable state.
func (app *App) startTimers(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(app.config.DatabaseFlushTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := app.engine.Flush(ctx); err != nil {
					app.logger.Error(ctx, "periodic flush failed", "error", err)
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(app.config.SnapshotTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				name, err := app.engine.SaveSnapshot(ctx)
				if err != nil {
					app.logger.Error(ctx, "periodic snapshot failed", "error", err)
				} else {
					app.logger.Info(ctx, "snapshot saved", "name", name)
				}
			}
		}
	}()
}

// Run starts the broker, timers and operator console and blocks until
// shutdown. Shutdown stops accepting connections, flushes the write
// queue and, with autosave enabled, writes the configuration back.
func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting server")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.broker.Run(ctx); err != nil {
			app.logger.Error(ctx, err.Error())
			cancelFunc()
		}
	}()

	app.startTimers(ctx, &wg)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.newConsole(ctx, os.Stdout).Run(os.Stdin); err == console.ErrStopped {
			cancelFunc()
		}
	}()

	<-ctx.Done()
	app.shutdown()

	// The console goroutine may stay blocked on stdin; everything else
	// unwinds on context cancellation.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

func (app *App) shutdown() {
	ctx := context.Background()
	app.logger.Info(ctx, "shutting down")

	if err := app.engine.Close(ctx); err != nil {
		app.logger.Error(ctx, "closing storage", "error", err)
	}
	if app.config.Autosave && app.configPath != "" {
		if err := config.Save(app.configPath, app.config); err != nil {
			app.logger.Error(ctx, "autosaving config", "error", err)
		}
	}
	if app.logFile != nil {
		app.logFile.Close()
	}
}
