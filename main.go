package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/skin-check/internal/analysis"
	"github.com/example/skin-check/internal/auth"
	"github.com/example/skin-check/internal/capture"
	"github.com/example/skin-check/internal/config"
	"github.com/example/skin-check/internal/events"
	"github.com/example/skin-check/internal/handlers"
	"github.com/example/skin-check/internal/kvcache"
	"github.com/example/skin-check/internal/landmarks"
	"github.com/example/skin-check/internal/logging"
	"github.com/example/skin-check/internal/reports"
	"github.com/example/skin-check/internal/repository"
	"github.com/example/skin-check/internal/sessions"
	"github.com/example/skin-check/internal/workflow"
)

func main() {
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewAnalysisRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
	defer redisClient.Close()

	cache := kvcache.NewRedis(redisClient)
	reportService := reports.NewService(repo, cache, logger)

	analysisClient := analysis.NewHTTPClient(cfg.AnalysisBaseURL, logger)
	info := analysis.NewCachedInfo(analysisClient, cache, cfg.InfoCacheTTL, logger)

	publisher, closePublisher := initPublisher(cfg, logger)
	defer closePublisher()

	manager := sessions.NewManager(
		workflow.Deps{
			Analyzer:        analysisClient,
			Info:            info,
			Recorder:        reportService,
			Publisher:       publisher,
			Logger:          logger,
			AnalysisTimeout: cfg.AnalysisTimeout,
			Conversion: workflow.Conversion{
				VoucherCode:    cfg.VoucherCode,
				ReservationURL: cfg.ReservationURL,
			},
		},
		initDetector(cfg, logger),
		sessions.Options{
			ValidationInterval: cfg.ValidationInterval,
			DetectTimeout:      cfg.DetectorTimeout,
			FrameMaxAge:        cfg.FrameMaxAge,
			IdleTTL:            cfg.SessionIdleTTL,
			SweepPeriod:        cfg.SessionSweepPeriod,
		},
		logger,
	)
	defer manager.Shutdown()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go manager.Start(sweepCtx)

	r := newRouter(cfg, handlers.Deps{
		Sessions: manager,
		Reports:  reportService,
		Upstream: analysisClient,
		Logger:   logger,
	})

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("skin-check API listening", zap.String("addr", cfg.HTTPAddr), zap.String("analysis", cfg.AnalysisBaseURL))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
	}
}

func newRouter(cfg *config.Config, deps handlers.Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.MaxMultipartMemory = cfg.MaxUploadSize

	deps.MaxUploadSize = cfg.MaxUploadSize
	handlers.RegisterRoutes(r, deps, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience))
	return r
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// initDetector prefers the landmark service and falls back to a fixed
// centred face for demo deployments.
func initDetector(cfg *config.Config, zapLogger *zap.Logger) capture.Detector {
	if cfg.DetectorURL == "" {
		zapLogger.Warn("no landmark detector configured, every frame is treated as a centred face")
		return landmarks.Centered()
	}
	return landmarks.NewHTTPDetector(cfg.DetectorURL)
}

func initPublisher(cfg *config.Config, zapLogger *zap.Logger) (events.Publisher, func()) {
	if !cfg.RabbitMQEnabled {
		return events.Nop{}, func() {}
	}
	publisher, err := events.DialAMQP(events.AMQPConfig{
		URL:        cfg.RabbitMQURL,
		Exchange:   cfg.RabbitMQExchange,
		RoutingKey: cfg.RabbitMQRoutingKey,
	}, zapLogger)
	if err != nil {
		zapLogger.Warn("rabbitmq unavailable, workflow events disabled", zap.Error(err))
		return events.Nop{}, func() {}
	}
	return publisher, func() {
		if err := publisher.Close(); err != nil {
			zapLogger.Warn("failed to close rabbitmq publisher", zap.Error(err))
		}
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
