package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"erp/sparewo/fulfillment/internal/catalog"
	"erp/sparewo/fulfillment/internal/config"
	"erp/sparewo/fulfillment/internal/fulfillment"
	"erp/sparewo/fulfillment/internal/logging"
	"erp/sparewo/fulfillment/internal/messaging"
	"erp/sparewo/fulfillment/internal/metrics"
	"erp/sparewo/fulfillment/internal/store"
)

// ---------------------------------------------------------------------------
// main
// ---------------------------------------------------------------------------

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.New("fulfillment-service", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	serverMetrics := metrics.NewServerMetrics(reg, "fulfillment")
	fulfillmentMetrics := metrics.NewFulfillmentMetrics(reg)

	mem := store.NewMemory(cfg.CacheTTL)
	repo, mode, closeRepo := openRepository(ctx, cfg, mem, logger)
	defer closeRepo()

	cat, closeCatalog := openCatalog(ctx, cfg, mem, logger)
	defer closeCatalog()

	publisher, err := openPublisher(cfg, logger)
	if err != nil {
		logger.Warn("event broker unavailable, logging events instead", "backend", cfg.EventsBackend, "error", err)
		publisher = messaging.NewLogPublisher(logger)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("publisher close failed", "error", err)
		}
	}()

	svc := fulfillment.NewService(repo, catalog.NewResolver(cat), publisher, logger, fulfillment.WithMetrics(fulfillmentMetrics))

	if cfg.OrderConsumer != config.ConsumerNone {
		go func() {
			if err := consumeOrders(ctx, cfg, svc.OrderHandler(cfg.DefaultPreferQuality), logger); err != nil {
				logger.Error("order consumer stopped", "backend", cfg.OrderConsumer, "error", err)
			}
		}()
	}

	limiter := newRateLimiter(cfg.RateRPS, cfg.RateBurst)
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				limiter.sweep(now, 30*time.Minute)
			}
		}
	}()

	a := &api{
		svc:                  svc,
		orders:               repo,
		module:               cfg.Module,
		mode:                 mode,
		defaultPreferQuality: cfg.DefaultPreferQuality,
		log:                  logger,
	}
	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: newRouter(a, routerDeps{
			limiter: limiter,
			metrics: serverMetrics.Middleware,
			scrape:  metrics.Handler(reg),
		}),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("fulfillment-service listening", "port", cfg.Port, "mode", mode, "catalog", cfg.CatalogBackend, "events", cfg.EventsBackend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Wiring
// ---------------------------------------------------------------------------

// openRepository falls back to the memory store when Postgres is not
// configured or not reachable.
func openRepository(ctx context.Context, cfg config.Config, mem *store.Memory, logger *slog.Logger) (store.Fulfillments, string, func()) {
	noop := func() {}
	db, err := store.OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		logger.Warn("database unavailable, running fulfillment in memory mode", "error", err)
		return mem, "memory", noop
	}
	pg := store.NewPostgres(db, cfg.StoreTimeout, cfg.CacheTTL)
	if err := pg.EnsureSchema(ctx); err != nil {
		logger.Warn("schema setup failed, using memory mode", "error", err)
		_ = db.Close()
		return mem, "memory", noop
	}
	return pg, "postgres", func() { _ = db.Close() }
}

func openCatalog(ctx context.Context, cfg config.Config, mem *store.Memory, logger *slog.Logger) (store.Catalog, func()) {
	noop := func() {}
	if cfg.CatalogBackend == config.CatalogMongo {
		mc, err := store.NewMongoCatalog(ctx, cfg.Mongo, cfg.StoreTimeout, logger)
		if err == nil {
			return mc, func() { _ = mc.Close(context.Background()) }
		}
		logger.Warn("catalog database unavailable, using memory catalog", "error", err)
	}
	if cfg.CatalogSeedFile != "" {
		f, err := os.Open(cfg.CatalogSeedFile)
		if err != nil {
			logger.Warn("catalog seed not loaded", "file", cfg.CatalogSeedFile, "error", err)
			return mem, noop
		}
		defer f.Close()
		seed, err := mem.LoadSeed(f)
		if err != nil {
			logger.Warn("catalog seed not loaded", "file", cfg.CatalogSeedFile, "error", err)
			return mem, noop
		}
		logger.Info("catalog seed loaded", "mappings", len(seed.Mappings), "vendors", len(seed.Vendors))
	}
	return mem, noop
}

func openPublisher(cfg config.Config, logger *slog.Logger) (messaging.Publisher, error) {
	switch cfg.EventsBackend {
	case config.EventsKafka:
		return messaging.NewKafkaPublisher(messaging.NewKafkaClient(cfg.KafkaBrokers), cfg.KafkaEventsTopic)
	case config.EventsRabbitMQ:
		return messaging.NewRabbitClient(messaging.RabbitConfig{URL: cfg.RabbitURL, Exchange: cfg.RabbitExchange}, logger)
	case config.EventsServiceBus:
		client, err := messaging.NewServiceBusClient(cfg.ServiceBusConnectionString, cfg.ServiceBusNamespace)
		if err != nil {
			return nil, err
		}
		return messaging.NewServiceBusPublisher(client, cfg.ServiceBusEventsQueue)
	default:
		return messaging.NewLogPublisher(logger), nil
	}
}

func consumeOrders(ctx context.Context, cfg config.Config, h messaging.OrderHandler, logger *slog.Logger) error {
	switch cfg.OrderConsumer {
	case config.EventsKafka:
		return messaging.ConsumeKafka(ctx, messaging.NewKafkaClient(cfg.KafkaBrokers), cfg.KafkaOrdersTopic, cfg.KafkaGroupID, h, logger)
	case config.EventsRabbitMQ:
		client, err := messaging.NewRabbitClient(messaging.RabbitConfig{URL: cfg.RabbitURL, Exchange: cfg.RabbitExchange}, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		return client.ConsumeOrders(ctx, h)
	case config.EventsServiceBus:
		client, err := messaging.NewServiceBusClient(cfg.ServiceBusConnectionString, cfg.ServiceBusNamespace)
		if err != nil {
			return err
		}
		defer client.Close(context.Background())
		return messaging.ConsumeServiceBus(ctx, client, cfg.ServiceBusOrdersQueue, h, logger)
	}
	return nil
}
