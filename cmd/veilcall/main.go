package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/alone"
	"github.com/vibhavm/veilcall/internals/config"
	"github.com/vibhavm/veilcall/internals/cooldown"
	"github.com/vibhavm/veilcall/internals/engine"
	"github.com/vibhavm/veilcall/internals/events"
	"github.com/vibhavm/veilcall/internals/httpapi"
	"github.com/vibhavm/veilcall/internals/lock"
	"github.com/vibhavm/veilcall/internals/match"
	"github.com/vibhavm/veilcall/internals/rooms"
	"github.com/vibhavm/veilcall/internals/session"
	"github.com/vibhavm/veilcall/internals/state"
	"github.com/vibhavm/veilcall/internals/store"
	"github.com/vibhavm/veilcall/internals/utils"
)

func main() {
	cfg := config.LoadConfig()

	logger, err := utils.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("Starting veilcall matching engine")

	st, err := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("Failed to connect to store", zap.Error(err))
	}
	defer st.Close()

	bus := events.NewBus()
	if cfg.NATS.URL != "" {
		forwarder, err := events.NewNATSForwarder(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer forwarder.Close()
		bus.Subscribe(forwarder.Handle)
	}

	states := state.NewManager(st, logger)
	coord := state.NewCoordinator(states, bus, cfg.State.TxnRetention, logger)
	queue := match.NewQueue(st, states, logger)
	registry := match.NewRegistry(st, cfg.Match.MatchTTL, logger)
	cooldowns := cooldown.NewLedger(st, logger)
	matchLock := lock.New(st, lock.Config{
		TTL:         cfg.Lock.TTL,
		StaleAfter:  cfg.Lock.StaleAfter,
		MaxRetries:  cfg.Lock.MaxRetries,
		BackoffBase: cfg.Lock.BackoffBase,
	}, logger)

	var prov rooms.Provisioner = rooms.NoopProvisioner{}
	if cfg.Rooms.ProviderURL != "" {
		prov = rooms.NewHTTPProvisioner(cfg.Rooms.ProviderURL, cfg.Rooms.ProviderToken, cfg.Rooms.Timeout, logger)
	}
	names := rooms.NewGenerator(st, cfg.Rooms.NameTTL, logger)

	creator := match.NewCreator(coord, queue, registry, names, prov, logger)
	recovery := alone.NewHandler(cfg.Alone, st, coord, queue, registry, cooldowns, creator, matchLock, prov, logger)
	sessions := session.NewManager(cfg, st, states, coord, queue, registry, cooldowns, recovery, prov, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background tasks
	switch cfg.Match.Policy {
	case "batch":
		engine.NewBatchEngine(cfg.Match, matchLock, queue, cooldowns, creator, logger).Start(ctx)
	case "both":
		engine.NewBatchEngine(cfg.Match, matchLock, queue, cooldowns, creator, logger).Start(ctx)
		engine.NewProcessor(cfg.Match, cfg.Cooldown.MatchTTL, matchLock, st, queue, registry, cooldowns, creator, logger).Start(ctx)
	default:
		engine.NewProcessor(cfg.Match, cfg.Cooldown.MatchTTL, matchLock, st, queue, registry, cooldowns, creator, logger).Start(ctx)
	}
	engine.NewSweeper(cfg.State, st, states, coord, queue, logger).Start(ctx)
	recovery.Start(ctx)

	if cfg.Rooms.TelemetryURL != "" {
		rooms.NewTelemetrySubscriber(cfg.Rooms.TelemetryURL, func(ev rooms.OccupancyEvent) {
			if err := recovery.HandleOccupancy(ctx, ev); err != nil {
				logger.Warn("Failed to handle occupancy event", zap.Error(err))
			}
		}, logger).Start(ctx)
	}

	// Request adapter
	api := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: httpapi.NewServer(sessions, logger),
	}
	go func() {
		logger.Info("API listening", zap.String("addr", api.Addr))
		if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("Metrics listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown failed", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics shutdown failed", zap.Error(err))
		}
	}
	logger.Info("Veilcall stopped")
}
