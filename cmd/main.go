package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pspedro19/PredicciondelClimaAPI/config"
	"github.com/pspedro19/PredicciondelClimaAPI/db"
	qhttp "github.com/pspedro19/PredicciondelClimaAPI/http"
	"github.com/pspedro19/PredicciondelClimaAPI/loader"
	"github.com/pspedro19/PredicciondelClimaAPI/logging"
	"github.com/pspedro19/PredicciondelClimaAPI/ml"
	"github.com/pspedro19/PredicciondelClimaAPI/monitoring"
	"github.com/pspedro19/PredicciondelClimaAPI/registry"
	"github.com/pspedro19/PredicciondelClimaAPI/resolver"
	"github.com/pspedro19/PredicciondelClimaAPI/service"
	"github.com/pspedro19/PredicciondelClimaAPI/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// Look for config in root even if run from cmd/
	path := *configPath
	if path == "" {
		path = "config.yaml"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = filepath.Join("..", "config.yaml")
		}
	}

	cfg, cfgErr := config.Load(path)
	if cfgErr != nil {
		if !errors.Is(cfgErr, os.ErrNotExist) {
			zap.NewExample().Fatal("invalid config", zap.String("path", path), zap.Error(cfgErr))
		}
		cfg = config.Default()
	}

	logger := logging.New(cfg.Log)
	defer logger.Sync()
	if cfgErr != nil {
		logger.Warn("config file not found, using defaults", zap.String("path", path))
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Fatal("create database dir", zap.Error(err))
	}
	if err := db.InitDB(cfg.Database.Path); err != nil {
		logger.Fatal("initialize database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("database initialized", zap.String("path", cfg.Database.Path))

	if cfg.Model.ONNXLibrary != "" {
		ml.SetONNXLibraryPath(cfg.Model.ONNXLibrary)
	}

	metrics := monitoring.NewMetrics()
	hub := monitoring.NewHub(logger)
	recorder := db.Recorder{Logger: logger.With(zap.String("component", "db"))}
	alerts := monitoring.NewAlertSystem(logger.With(zap.String("component", "alerts")), alertChannels(cfg)...)
	defer alerts.Close()
	svc, err := buildService(cfg, logger, metrics, hub, recorder, alerts)
	if err != nil {
		logger.Fatal("build service", zap.Error(err))
	}
	defer svc.Close()

	// Both sources failing at startup is fatal.
	startTimeout := config.Duration(cfg.Resolve.PrimaryTimeout, 10*time.Second) +
		config.Duration(cfg.Resolve.FallbackTimeout, 5*time.Second) + 5*time.Second
	startCtx, cancelStart := context.WithTimeout(context.Background(), startTimeout)
	info, err := svc.Reload(startCtx)
	cancelStart()
	if err != nil {
		var unavailable *loader.ResourceUnavailable
		if errors.As(err, &unavailable) {
			logger.Fatal("no usable model or feature schema", zap.Error(err))
		}
		logger.Fatal("initial load failed", zap.Error(err))
	}
	logger.Info("serving",
		zap.String("model", info.ModelName),
		zap.Int("version", info.ModelVersion),
		zap.String("origin", string(info.ModelOrigin)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go hub.Run(ctx)

	if cfg.Watch.Enabled {
		go watchFallbacks(ctx, cfg, svc, logger)
	}

	server := qhttp.NewServer(qhttp.ServerConfig{
		Port:           cfg.Http.Port,
		Timeout:        config.Duration(cfg.Http.Timeout, 30*time.Second),
		MaxBodyBytes:   cfg.Http.MaxBodyBytes,
		AllowedOrigins: cfg.Http.AllowedOrigins,
	}, &qhttp.API{
		Service: svc,
		Bounds:  fieldBounds(cfg.Request.Bounds),
		Metrics: metrics,
		Hub:     hub,
		Alerts:  alerts,
		Logger:  logger.With(zap.String("component", "http")),
	})
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	logger.Info("exiting")
}

func buildService(cfg *config.Config, logger *zap.Logger, observers ...service.Observer) (*service.Service, error) {
	resolveOpts := loader.Options{
		PrimaryTimeout:  config.Duration(cfg.Resolve.PrimaryTimeout, 10*time.Second),
		FallbackTimeout: config.Duration(cfg.Resolve.FallbackTimeout, 5*time.Second),
		Logger:          logger.With(zap.String("component", "loader")),
	}

	mlflow := registry.New(cfg.Registry.TrackingURI,
		registry.WithTimeout(config.Duration(cfg.Registry.Timeout, 5*time.Second)),
		registry.WithMaxRetries(cfg.Registry.MaxRetries))

	objects, err := storage.New(storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Region:    cfg.Storage.Region,
		Secure:    cfg.Storage.Secure,
	})
	if err != nil {
		return nil, err
	}

	models := &resolver.ModelResolver{
		Ref:          resolver.ModelRef{Name: cfg.Model.Name, Scheme: cfg.Model.Lookup, Value: cfg.LookupValue()},
		Registry:     mlflow,
		Artifacts:    objects,
		ArtifactFile: cfg.Model.ArtifactFile,
		LocalPath:    cfg.Model.LocalPath,
		Options:      resolveOpts,
		Logger:       logger.With(zap.String("component", "model_resolver")),
	}
	schemas := &resolver.SchemaResolver{
		Bucket:      cfg.Schema.Bucket,
		Key:         cfg.Schema.Key,
		LocalPath:   cfg.Schema.LocalPath,
		LabelColumn: cfg.Schema.LabelColumn,
		Objects:     objects,
		Options:     resolveOpts,
		Logger:      logger.With(zap.String("component", "schema_resolver")),
	}

	return service.New(models, schemas, service.Options{
		Ref:       models.Ref,
		CacheSize: cfg.Cache.Size,
		Logger:    logger,
		Observers: observers,
	}), nil
}

// watchFallbacks reloads when a local fallback file changes on disk.
func watchFallbacks(ctx context.Context, cfg *config.Config, svc *service.Service, logger *zap.Logger) {
	debounce := config.Duration(cfg.Watch.Debounce, 500*time.Millisecond)
	paths := []string{cfg.Model.LocalPath, cfg.Schema.LocalPath}
	err := resolver.WatchFiles(ctx, paths, debounce, logger, func() {
		reloadCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := svc.Reload(reloadCtx); err != nil {
			logger.Warn("reload after file change failed", zap.Error(err))
		}
	})
	if err != nil {
		logger.Error("fallback watcher stopped", zap.Error(err))
	}
}

func alertChannels(cfg *config.Config) []*monitoring.AlertChannel {
	channels := make([]*monitoring.AlertChannel, 0, len(cfg.Alerts.Webhooks))
	for _, hook := range cfg.Alerts.Webhooks {
		level, err := monitoring.ParseAlertLevel(hook.MinLevel)
		if err != nil {
			level = monitoring.AlertWarning
		}
		channels = append(channels, &monitoring.AlertChannel{
			Name:     hook.Name,
			Webhook:  hook.URL,
			MinLevel: level,
			RateLimit: monitoring.RateLimit{
				MaxPerHour: hook.MaxPerHour,
				Cooldown:   config.Duration(hook.Cooldown, 5*time.Minute),
			},
		})
	}
	return channels
}

func fieldBounds(in map[string]config.Bounds) ml.FieldBounds {
	out := make(ml.FieldBounds, len(in))
	for field, b := range in {
		out[field] = ml.Bounds{Min: b.Min, Max: b.Max}
	}
	return out
}
