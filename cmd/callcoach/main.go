package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"callcoach-server/pkg/call"
	"callcoach-server/pkg/circuitbreaker"
	"callcoach-server/pkg/config"
	"callcoach-server/pkg/database"
	http_server "callcoach-server/pkg/http"
	"callcoach-server/pkg/llm"
	"callcoach-server/pkg/messaging"
	"callcoach-server/pkg/metrics"
	"callcoach-server/pkg/ratelimit"
	"callcoach-server/pkg/session"
	"callcoach-server/pkg/storage"
	"callcoach-server/pkg/stt"
	"callcoach-server/pkg/version"
	"callcoach-server/pkg/worker"
)

const backgroundTaskTimeout = 2 * time.Minute

var logger = logrus.New()

// app holds every long-lived component so shutdown can release them in order.
type app struct {
	config     *config.Config
	pool       *worker.Pool
	backend    stt.Backend
	dbConn     *database.MySQLDatabase
	statuses   *session.RedisStatusStore
	publisher  *messaging.Publisher
	hub        *http_server.CoachingHub
	manager    *call.Manager
	httpServer *http_server.Server
	limiter    *ratelimit.Limiter
}

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	a, err := initialize(rootCtx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}

	if err := a.httpServer.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start HTTP server")
	}
	logger.WithFields(logrus.Fields{
		"version":      version.Version,
		"stt_provider": a.backend.Name(),
		"port":         a.config.HTTP.Port,
	}).Info("Call coaching server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")

	rootCancel()
	a.shutdown()
	logger.Info("Application shut down gracefully")
}

// initialize loads configuration and wires every component.
func initialize(ctx context.Context) (*app, error) {
	cfg, err := config.Load(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ApplyLogging(logger); err != nil {
		return nil, fmt.Errorf("failed to apply logging configuration: %w", err)
	}
	logger.WithField("level", logger.GetLevel().String()).Info("Log level set")

	metrics.StartMetrics(logger, cfg.Metrics.Enabled)

	a := &app{config: cfg}

	a.pool = worker.NewPool(cfg.Coaching.BackgroundWorkers, backgroundTaskTimeout, logger)
	a.pool.Start()

	a.backend, err = stt.NewBackend(ctx, cfg.STT, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize STT backend: %w", err)
	}

	deps := call.Dependencies{
		Backend: a.backend,
		Runner:  a.pool,
	}

	if cfg.LLM.Enabled {
		gen, err := llm.NewGeminiClient(ctx, cfg.LLM, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
		}
		guarded := llm.NewGuardedGenerator(gen, circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.LLMConfig(), logger))
		deps.Extractor = llm.NewAmmoExtractor(guarded, logger)
		deps.Detector = llm.NewDetector(guarded, logger)
		logger.WithField("model", cfg.LLM.Model).Info("Ammo extraction and post-call detection enabled")
	} else {
		logger.Warn("LLM disabled; ammo extraction and post-call detection are off")
	}

	switch {
	case cfg.Recording.S3Enabled:
		s3Store, err := storage.NewS3Storage(ctx, cfg.Recording, cfg.STT.Amazon.AccessKeyID, cfg.STT.Amazon.SecretAccessKey, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 recording storage: %w", err)
		}
		deps.Storage = s3Store
	case cfg.Recording.LocalDir != "":
		localStore, err := storage.NewLocalStorage(cfg.Recording.LocalDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local recording storage: %w", err)
		}
		deps.Storage = localStore
	default:
		logger.Warn("No recording storage configured; recordings will be discarded")
	}

	if cfg.Database.Enabled {
		a.dbConn, err = database.NewMySQLDatabase(ctx, cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.Database.AutoMigrate {
			if err := a.dbConn.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("failed to run database migrations: %w", err)
			}
		}
		deps.Store = database.NewRepository(a.dbConn, logger)
	} else {
		logger.Warn("Database disabled; call records are kept in memory only")
		deps.Store = database.NewMemoryRepository(logger)
	}

	a.hub = http_server.NewCoachingHub(cfg.HTTP.AllowedOrigins, logger)
	sinks := []call.EventSink{a.hub}

	if cfg.Redis.Enabled {
		a.statuses, err = session.NewRedisStatusStore(ctx, cfg.Redis, nodeID(), logger)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable; live call status will not be shared")
		} else {
			sinks = append(sinks, a.statuses)
		}
	}

	if cfg.Messaging.Enabled {
		a.publisher = messaging.NewPublisher(cfg.Messaging, logger)
		if err := a.publisher.Connect(ctx); err != nil {
			// Publish fails fast until the broker comes back.
			logger.WithError(err).Warn("AMQP broker unavailable at startup")
		}
		sinks = append(sinks, a.publisher)
	}
	deps.Events = call.NewMultiSink(logger, sinks...)

	a.manager = call.NewManager(deps, call.Settings{
		Coaching: cfg.Coaching,
		SpillDir: cfg.Recording.SpillDir,
		Language: cfg.STT.Language,
	}, logger)
	a.manager.StartReaper(cfg.Coaching.SessionReapInterval)

	a.httpServer = http_server.NewServer(cfg.HTTP, cfg.Metrics.Enabled, a.manager, a.hub, logger)
	if cfg.RateLimit.Enabled {
		a.limiter = ratelimit.NewLimiter(cfg.RateLimit, logger)
		a.httpServer.UseRateLimiter(a.limiter)
	}
	if a.dbConn != nil {
		a.httpServer.AddHealthCheck("database", a.dbConn.Health)
	}
	if a.statuses != nil {
		a.httpServer.AddHealthCheck("redis", a.statuses.Health)
	}
	if a.publisher != nil {
		a.httpServer.AddHealthCheck("amqp", func(ctx context.Context) error {
			if !a.publisher.IsConnected() {
				return fmt.Errorf("not connected to broker")
			}
			return nil
		})
	}

	return a, nil
}

// shutdown finalizes live calls first so their last writes reach the
// stores, then releases the stores themselves.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.HTTP.ShutdownTimeout)
	defer cancel()

	logger.WithField("active_calls", a.manager.ActiveCount()).Info("Finalizing active calls...")
	if err := a.manager.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Error finalizing active calls")
	}

	if err := a.httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Error shutting down HTTP server")
	} else {
		logger.Info("HTTP server shut down successfully")
	}

	if a.limiter != nil {
		a.limiter.Close()
	}

	if err := a.pool.Stop(ctx); err != nil {
		logger.WithError(err).Warn("Background tasks did not drain before shutdown")
	}

	if closer, ok := a.backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.WithError(err).Warn("Error closing STT backend")
		}
	}

	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			logger.WithError(err).Warn("Error closing AMQP publisher")
		}
	}

	if a.statuses != nil {
		if err := a.statuses.Close(); err != nil {
			logger.WithError(err).Warn("Error closing Redis client")
		}
	}

	if a.dbConn != nil {
		if err := a.dbConn.Close(); err != nil {
			logger.WithError(err).Error("Error closing database connection")
		} else {
			logger.Info("Database connection closed")
		}
	}
}

func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "callcoach"
	}
	return host
}
