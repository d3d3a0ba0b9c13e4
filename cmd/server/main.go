package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/terminusa/monitor/pkg/alert"
	"github.com/terminusa/monitor/pkg/backup"
	"github.com/terminusa/monitor/pkg/collect"
	"github.com/terminusa/monitor/pkg/config"
	"github.com/terminusa/monitor/pkg/logger"
	"github.com/terminusa/monitor/pkg/retention"
	"github.com/terminusa/monitor/pkg/rollup"
	"github.com/terminusa/monitor/pkg/selfmon"
	"github.com/terminusa/monitor/pkg/server"
	"github.com/terminusa/monitor/pkg/store"
	badgerstore "github.com/terminusa/monitor/pkg/store/badger"
	memorystore "github.com/terminusa/monitor/pkg/store/memory"
	redisstore "github.com/terminusa/monitor/pkg/store/redis"
	sqlitestore "github.com/terminusa/monitor/pkg/store/sqlite"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	restorePath := flag.String("restore", "", "restore from snapshot before starting")
	flag.Parse()

	if err := run(*configPath, *restorePath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, restorePath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Flush(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("build metric registry: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	log.Info("store opened", zap.String("backend", cfg.Storage.Backend))

	tracker := selfmon.New()

	hub := alert.NewHub("websocket", log.Named("hub"))
	routes, err := buildRoutes(cfg, hub)
	if err != nil {
		return err
	}
	engine := alert.NewEngine(st, cfg.Thresholds, routes, tracker, log.Named("alert"), cfg.Alerting)

	snapshotter := backup.New(st, engine, cfg, log.Named("backup"))
	if restorePath != "" {
		// A failed restore keeps the server up so /health can report the
		// failing state; clearing it takes an operator.
		if err := snapshotter.Restore(ctx, restorePath); err != nil {
			tracker.RecordRestoreFailure()
			log.Error("restore failed", zap.String("path", restorePath), zap.Error(err))
		} else {
			log.Info("restored from snapshot", zap.String("path", restorePath))
		}
	}

	collectors := []collect.Collector{
		collect.NewSystemCollector(),
		selfmon.NewPipelineCollector(tracker),
	}
	if len(cfg.Collection.HealthEndpoints) > 0 {
		collectors = append(collectors, collect.NewAppCollector(cfg.Collection.HealthEndpoints))
	}
	if ss, ok := st.(*sqlitestore.Store); ok {
		collectors = append(collectors, collect.NewDBCollector(ss.DB()))
	}
	runner := collect.NewRunner(st, cfg.Collection, tracker, log.Named("collect"), collectors...)

	aggregator := rollup.New(st, registry, tracker, log.Named("rollup"),
		cfg.Aggregation.Grace, cfg.Aggregation.ReadTimeout)
	retainer := retention.New(st, cfg.Retention, log.Named("retention"))

	tasks, err := server.NewTasks(ctx, st, runner, aggregator, retainer,
		engine, snapshotter, hub, cfg, log.Named("tasks"))
	if err != nil {
		return fmt.Errorf("schedule tasks: %w", err)
	}
	tasks.Start(ctx)
	defer tasks.Stop()

	router := mux.NewRouter()
	server.SetupRoutes(router, st, engine, snapshotter, tracker, hub)
	srv := server.NewHTTPServer(cfg.HTTPAddr, router)

	errc := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "badger":
		return badgerstore.New(badgerstore.Config{
			Path:        cfg.Storage.Path,
			MaxMemoryMB: cfg.Storage.MaxMemoryMB,
		})
	case "sqlite":
		return sqlitestore.New(cfg.Storage.Path)
	case "redis":
		return redisstore.New(ctx, cfg.Storage.RedisAddr, cfg.Storage.RedisDB)
	case "memory":
		return memorystore.New(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// buildRoutes turns channel configuration into notifier routes. The
// websocket channel reuses the shared hub so API subscribers and alert
// notifications ride the same connections.
func buildRoutes(cfg *config.Config, hub *alert.Hub) ([]alert.Route, error) {
	var routes []alert.Route
	for _, ch := range cfg.Channels {
		var notifier alert.Notifier
		switch ch.Type {
		case "email":
			notifier = alert.NewEmailNotifier(ch.Name, ch.SMTPAddr, ch.From, ch.Recipients)
		case "webhook":
			notifier = alert.NewWebhookNotifier(ch.Name, ch.URL)
		case "websocket":
			notifier = hub
		default:
			return nil, fmt.Errorf("channel %q: unknown type %q", ch.Name, ch.Type)
		}
		routes = append(routes, alert.Route{Channel: ch, Notifier: notifier})
	}
	return routes, nil
}
