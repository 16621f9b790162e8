package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HerbHall/procwatch/internal/collector"
	"github.com/HerbHall/procwatch/internal/config"
	"github.com/HerbHall/procwatch/internal/engine"
	"github.com/HerbHall/procwatch/internal/event"
	"github.com/HerbHall/procwatch/internal/history"
	"github.com/HerbHall/procwatch/internal/server"
	"github.com/HerbHall/procwatch/internal/sink"
	"github.com/HerbHall/procwatch/internal/store"
	"github.com/HerbHall/procwatch/internal/telemetry"
	"github.com/HerbHall/procwatch/internal/version"
	"github.com/HerbHall/procwatch/internal/watch"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const pruneInterval = 10 * time.Minute

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	dev := fs.Bool("dev", false, "human-readable development logging")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	settings, err := loadSettings(*configPath)
	if err != nil {
		fatalf("load configuration: %v", err)
	}
	logger, err := newLogger(*dev, settings.Log.Level)
	if err != nil {
		fatalf("create logger: %v", err)
	}
	defer logger.Sync()

	if err := serve(settings, logger); err != nil {
		logger.Fatal("procwatch stopped with error", zap.Error(err))
	}
}

func serve(settings config.Settings, logger *zap.Logger) error {
	logger.Info("procwatch starting", zap.String("version", version.Short()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := collector.New(settings.Engine.Collector, logger.Named("collector"))
	if err != nil {
		return fmt.Errorf("create collector: %w", err)
	}

	engineOpts := []engine.Option{
		engine.WithLogger(logger.Named("engine")),
		engine.WithNameRetry(settings.Engine.NameRetry),
		engine.WithFanout(settings.Engine.Fanout),
	}
	var metrics *telemetry.Metrics
	if settings.Telemetry.Enabled {
		metrics = telemetry.New()
		engineOpts = append(engineOpts, engine.WithRecorder(metrics))
	}
	eng := engine.New(c, engineOpts...)

	bus := event.NewBus(logger.Named("bus"))
	if metrics != nil {
		defer metrics.Subscribe(bus)()
	}

	deps := server.Deps{
		Engine:  eng,
		Bus:     bus,
		Metrics: metrics,
		Logger:  logger.Named("server"),
	}
	if settings.Server.PollRate > 0 {
		deps.Limiter = rate.NewLimiter(rate.Limit(settings.Server.PollRate), max(settings.Server.PollBurst, 1))
	}

	var watchOpts []watch.Option
	if settings.History.Enabled {
		st, err := store.New(settings.History.Path)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer st.Close()
		repo, err := history.New(ctx, st)
		if err != nil {
			return fmt.Errorf("init history: %w", err)
		}
		defer history.Subscribe(bus, repo, logger.Named("history"))()
		deps.History = repo
		watchOpts = append(watchOpts, watch.WithHistory(repo, settings.History.Retention, pruneInterval))
		logger.Info("history enabled", zap.String("path", settings.History.Path), zap.Duration("retention", settings.History.Retention))
	}

	if settings.MQTT.Enabled {
		mq, err := sink.Dial(settings.MQTT, logger.Named("mqtt"))
		if err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer mq.Close()
		defer mq.Subscribe(bus)()
	}

	scheduler, err := watch.NewScheduler(settings.Watches, eng, bus, logger.Named("watch"), watchOpts...)
	if err != nil {
		return fmt.Errorf("configure watches: %w", err)
	}
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if err := scheduler.Run(ctx); err != nil {
			logger.Error("watch scheduler error", zap.Error(err))
		}
	}()

	addr := settings.Server.Addr()
	srv := server.New(addr, deps)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()
	logger.Info("procwatch ready", zap.String("addr", addr), zap.Int("watches", len(scheduler.Watches())))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case runErr = <-serveErr:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	scheduler.Stop()
	<-watchDone
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("procwatch stopped")
	return runErr
}
