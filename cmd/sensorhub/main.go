package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sensorhub/internal/api"
	"sensorhub/internal/cache"
	"sensorhub/internal/config"
	"sensorhub/internal/encryption"
	"sensorhub/internal/engine"
	"sensorhub/internal/ingest"
	"sensorhub/internal/logging"
	"sensorhub/internal/metrics"
	"sensorhub/internal/readings"
	"sensorhub/internal/registry"
	"sensorhub/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("SENSORHUB_CONFIG"), "path to YAML or JSON config file")
	flag.Parse()
	if err := run(config.ResolvePath(*configPath)); err != nil {
		fmt.Fprintln(os.Stderr, "sensorhub:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfgManager, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgManager.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting sensorhub", "version", version, "config", configPath, "storage", cfg.Storage.Driver)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()
	if err := store.Init(initCtx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	codec, err := encryption.New(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	var latest readings.LatestCache
	if cfg.Cache.Enabled {
		lc, err := cache.New(initCtx, cfg.Cache)
		if err != nil {
			logger.Warn("latest-reading cache disabled", "addr", cfg.Cache.Addr, "err", err)
		} else {
			defer lc.Close()
			latest = lc
			logger.Info("latest-reading cache enabled", "addr", cfg.Cache.Addr, "ttl", cfg.Cache.TTL)
		}
	}

	collector := metrics.NewCollector()
	reg := registry.New(cfg.Ingest.AutoRegister, logger)
	rs := readings.New(codec, store, latest, logger)
	eng := engine.NewEngine(cfg, logger, collector, store)
	pipeline := ingest.NewPipeline(store, reg, rs, eng, collector, logger, ingest.PipelineOptions{
		RedeliveryWindow: cfg.Ingest.RedeliveryWindow,
		MessageTimeout:   cfg.Ingest.MessageTimeout,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	pool := ingest.NewPool(pipeline, cfg.Ingest.Workers, cfg.Ingest.QueueSize, collector, logger)
	pool.Start(workerCtx)
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listeners := map[string]api.StateFunc{}
	if cfg.MQTT.Enabled {
		mq := ingest.NewMQTTListener(cfg.MQTT, pool, collector, logger)
		if err := mq.Start(ctx); err != nil {
			return err
		}
		defer mq.Close()
		listeners["mqtt"] = func() string { return mq.State().String() }
	}
	if cfg.Kafka.Enabled {
		kl := ingest.NewKafkaListener(cfg.Kafka, pool, collector, logger)
		kl.Start(ctx)
		defer func() {
			if err := kl.Close(); err != nil {
				logger.Warn("kafka reader close failed", "err", err)
			}
		}()
		listeners["kafka"] = func() string { return kl.State().String() }
	}
	var servers []*http.Server
	if cfg.HTTPIngest.Enabled {
		servers = append(servers, ingest.StartREST(ctx, cfg.HTTPIngest.Addr, ingest.NewRESTServer(pipeline, collector, logger), logger))
	}
	if cfg.API.Enabled {
		servers = append(servers, api.Start(ctx, cfg.API.Addr, api.NewServer(api.Deps{
			Config:    cfgManager,
			Store:     store,
			Readings:  rs,
			Engine:    eng,
			Metrics:   collector,
			Listeners: listeners,
			Logger:    logger,
			Version:   version,
		}), logger))
	}
	// runs before the pool and the store are released
	defer shutdownServers(servers, logger)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go cfgManager.Watch(3*time.Second, func(next *config.Config) {
		eng.UpdateConfig(next)
		logger.Info("alert thresholds reloaded", "path", cfgManager.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, stopWatch)

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutdown requested", "signal", sig.String())
	return nil
}

func shutdownServers(servers []*http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("http server shutdown failed", "addr", srv.Addr, "err", err)
		}
	}
}
