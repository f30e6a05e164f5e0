package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"traffic_engine/internal/analytics"
	"traffic_engine/internal/browser"
	"traffic_engine/internal/config"
	"traffic_engine/internal/engine"
	"traffic_engine/internal/httpapi"
	"traffic_engine/internal/logbus"
	"traffic_engine/internal/notify"
	"traffic_engine/internal/session"
	"traffic_engine/internal/store/mongo"
	"traffic_engine/internal/store/sqlite"
	"traffic_engine/internal/traffic"
	"traffic_engine/internal/worker"
)

type appStore interface {
	httpapi.Store
	engine.Store
	analytics.Persister
	Close() error
}

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logbus.NewLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	bus := logbus.New(500)
	bus.Mirror(logger)
	bus.Log("info", "server starting", map[string]any{"addr": cfg.Server.Addr, "storage": cfg.Storage.Driver})

	ctx := context.Background()
	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	recorder := analytics.NewRecorder(bus, st, cfg.Limits.SinkQueue)

	var launcher browser.Launcher = browser.NewRodLauncher(cfg.Browser)
	if cfg.Limits.LaunchQPS > 0 {
		launcher = browser.Throttled(launcher, rate.NewLimiter(rate.Limit(cfg.Limits.LaunchQPS), cfg.Limits.LaunchBurst))
	}

	rnd := traffic.NewTimeSeededRand()
	executor := session.New(session.Options{
		Launcher: launcher,
		Sink:     recorder,
		Rand:     rnd,
		Proxy:    cfg.Proxy,
		Session:  cfg.Session,
		Browser:  cfg.Browser,
	})
	bridge := worker.New(worker.OptionsFromConfig(cfg, recorder, rnd))

	emailNotifier := notify.NewEmailNotifier(st, bus)
	webhookNotifier := notify.NewWebhookNotifier(cfg.Notify, bus)
	notifiers := []notify.Notifier{emailNotifier}
	if webhookNotifier != nil {
		notifiers = append(notifiers, webhookNotifier)
	}

	eng := engine.New(engine.Options{
		Store:    st,
		Bus:      bus,
		Sink:     recorder,
		Native:   executor,
		Worker:   worker.Runner{Bridge: bridge},
		Notifier: notify.Multi(notifiers...),
		Limits:   cfg.Limits,
		Runner:   cfg.Runner,
	})
	eng.Start()
	if _, err := eng.ResumeActive(ctx); err != nil {
		bus.Log("error", "resume active campaigns failed", map[string]any{"error": err.Error()})
	}

	api := httpapi.New(httpapi.Options{
		Cfg:    cfg,
		Bus:    bus,
		Store:  st,
		Engine: eng,
		Active: recorder,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		bus.Log("info", "shutdown signal received", map[string]any{"signal": sig.String()})
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			bus.Log("error", "http server error", map[string]any{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = server.Shutdown(shutdownCtx)
	if err := eng.StopAll(shutdownCtx); err != nil {
		bus.Log("warn", "engine stop timed out", map[string]any{"error": err.Error()})
	}
	_ = emailNotifier.Close(shutdownCtx)
	if webhookNotifier != nil {
		_ = webhookNotifier.Close(shutdownCtx)
	}
	_ = recorder.Close(shutdownCtx)
	bus.Log("info", "server stopped", nil)
}

func openStore(ctx context.Context, cfg config.StorageConfig) (appStore, error) {
	switch cfg.Driver {
	case "mongo":
		return mongo.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return sqlite.Open(ctx, cfg.SQLitePath)
	}
}
