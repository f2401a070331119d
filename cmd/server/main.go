// Command server runs the geocrypt access gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/geocrypt/backend/internal/access"
	"github.com/geocrypt/backend/internal/anomaly"
	"github.com/geocrypt/backend/internal/api"
	"github.com/geocrypt/backend/internal/audit"
	"github.com/geocrypt/backend/internal/config"
	"github.com/geocrypt/backend/internal/database"
	"github.com/geocrypt/backend/internal/envelope"
	"github.com/geocrypt/backend/internal/gateway"
	"github.com/geocrypt/backend/internal/infra"
	"github.com/geocrypt/backend/internal/metrics"
	"github.com/geocrypt/backend/internal/middleware"
	"github.com/geocrypt/backend/internal/overrides"
	"github.com/geocrypt/backend/internal/policy"
	"github.com/geocrypt/backend/internal/vault"
)

const modelRedisKey = "geocrypt:anomaly:model"

func main() {
	configPath := flag.String("config", os.Getenv("GEOCRYPT_CONFIG"), "path to the YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Could not load .env file", "error", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// stores groups the backends selected by configuration.
type stores struct {
	policy    policy.Store
	objects   vault.ObjectStore
	accessLog audit.AccessLog
	activity  audit.ActivityLog
	alerts    audit.AlertStore
	ready     func() error
	closers   []io.Closer
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i].Close()
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.TimeLocation()
	if err != nil {
		return err
	}
	fallback := policy.WorkHours{StartHour: cfg.Policy.WorkHours.Start, EndHour: cfg.Policy.WorkHours.End}

	st, err := openStores(ctx, cfg, fallback, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var redisClient *infra.GoRedisAdapter
	if cfg.Redis.Addr != "" {
		redisClient, err = infra.NewGoRedisAdapter(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis unavailable, keeping remote grants in memory", "error", err)
		} else {
			defer redisClient.Close()
		}
	}

	var grants overrides.Store = overrides.NewMemoryStore()
	if redisClient != nil {
		grants = overrides.NewGuardedStore(overrides.NewRedisStore(redisClient, ""), nil)
	}

	blobs, err := openBlobs(cfg)
	if err != nil {
		return err
	}

	masterKey, err := cfg.MasterKey()
	if err != nil {
		return err
	}
	cipher, err := envelope.NewCipher(envelope.Config{MasterKey: masterKey})
	if err != nil {
		return err
	}
	if !cipher.Wraps() {
		logger.Warn("No master key configured, data keys are stored unwrapped")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var modelStore anomaly.ModelStore
	switch {
	case cfg.Anomaly.ModelPath != "":
		modelStore = anomaly.NewFileModelStore(cfg.Anomaly.ModelPath)
	case redisClient != nil:
		modelStore = anomaly.NewRedisModelStore(redisClient, modelRedisKey)
	}
	detector := anomaly.NewDetector(anomaly.Config{
		MinSamples: cfg.Anomaly.MinSamples,
		Forest: anomaly.ForestConfig{
			Trees:         cfg.Anomaly.Trees,
			SampleSize:    cfg.Anomaly.SampleSize,
			Contamination: cfg.Anomaly.Contamination,
			Seed:          cfg.Anomaly.Seed,
		},
		Store:   modelStore,
		Metrics: m,
		Logger:  logger,
	})
	if modelStore != nil {
		loaded, err := detector.LoadFromStore(ctx)
		if err != nil {
			logger.Warn("Could not load anomaly model, starting untrained", "error", err)
		} else if !loaded {
			logger.Info("No saved anomaly model, starting untrained")
		}
	}

	gw := gateway.New(gateway.Config{
		Engine:     access.NewEngine(st.policy, grants, access.EngineConfig{Location: loc, Logger: logger}),
		Vault:      vault.New(cipher, blobs, st.objects, logger),
		Detector:   detector,
		Overrides:  grants,
		AccessLog:  st.accessLog,
		Activity:   st.activity,
		Alerts:     st.alerts,
		Metrics:    m,
		UsualHours: anomaly.UsualHours{Start: cfg.Anomaly.UnusualHourStart, End: cfg.Anomaly.UnusualHourEnd},
		Location:   loc,
		Logger:     logger,
	})

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{}, logger)
	go limiter.Run(ctx, time.Minute)

	ready := st.ready
	if redisClient != nil {
		ready = func() error {
			if st.ready != nil {
				if err := st.ready(); err != nil {
					return err
				}
			}
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redisClient.Ping(pingCtx)
		}
	}

	srv := api.NewServer(gw, api.Options{
		Gatherer: reg,
		Limiter:  limiter,
		Ready:    ready,
		Logger:   logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Geocrypt gateway listening",
			"port", cfg.Server.Port,
			"env", cfg.Server.Env,
			"storage", cfg.Storage.Driver,
			"timezone", loc.String(),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Received shutdown signal, shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, fallback policy.WorkHours, logger *slog.Logger) (*stores, error) {
	var filePolicy *policy.Policy
	if cfg.Policy.File != "" {
		p, err := policy.LoadFile(cfg.Policy.File, fallback)
		if err != nil {
			return nil, err
		}
		filePolicy = p
	}

	if cfg.Storage.Driver == "postgres" {
		db, err := database.Open(ctx, cfg.Storage.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		ps := database.NewPolicyStore(db, fallback)
		if filePolicy != nil {
			if err := ps.Import(ctx, filePolicy); err != nil {
				db.Close()
				return nil, err
			}
		}
		logs := database.NewAuditStore(db)
		return &stores{
			policy:    ps,
			objects:   database.NewObjectStore(db),
			accessLog: logs,
			activity:  logs,
			alerts:    logs,
			ready: func() error {
				pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				return db.Ping(pingCtx)
			},
			closers: []io.Closer{db},
		}, nil
	}

	if filePolicy == nil {
		logger.Warn("No policy file configured, every location and network check will deny")
		filePolicy = &policy.Policy{WorkHours: fallback}
	}
	ps, err := policy.NewMemoryStore(filePolicy)
	if err != nil {
		return nil, err
	}
	logs := audit.NewMemoryStore()
	return &stores{
		policy:    ps,
		objects:   vault.NewMemoryObjectStore(),
		accessLog: logs,
		activity:  logs,
		alerts:    logs,
	}, nil
}

func openBlobs(cfg *config.Config) (vault.BlobStore, error) {
	if cfg.Storage.BlobDir == "" {
		return vault.NewMemoryBlobStore(), nil
	}
	return vault.NewFileBlobStore(cfg.Storage.BlobDir)
}
