package main

import (
	"context"
	"errors"
	"fmt"
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

	"github.com/aaquiib/disease-2.0/internal/auth"
	"github.com/aaquiib/disease-2.0/internal/config"
	"github.com/aaquiib/disease-2.0/internal/grpcserver"
	"github.com/aaquiib/disease-2.0/internal/handlers"
	"github.com/aaquiib/disease-2.0/internal/logging"
	"github.com/aaquiib/disease-2.0/internal/metrics"
	"github.com/aaquiib/disease-2.0/internal/predictor"
	"github.com/aaquiib/disease-2.0/internal/repository"
	"github.com/aaquiib/disease-2.0/internal/usecase"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	model, err := predictor.NewONNX(predictor.Options{
		ModelPath:         cfg.ModelPath,
		EntryPoint:        cfg.EntryPoint,
		OutputName:        cfg.OutputName,
		Layout:            cfg.InputLayout,
		NumClasses:        len(cfg.ClassNames),
		SharedLibraryPath: cfg.ONNXRuntimeLib,
	}, logger.Named("predictor"))
	if err != nil {
		logger.Fatal("failed to load model", zap.Error(err), zap.String("path", cfg.ModelPath))
	}
	defer model.Close() //nolint:errcheck

	m := metrics.New()
	opts := []usecase.Option{usecase.WithRecorder(m)}

	if cfg.RedisAddr != "" {
		redisClient := initRedis(ctx, cfg.RedisAddr, logger)
		defer redisClient.Close()
		opts = append(opts, usecase.WithCache(usecase.NewRedisCache(redisClient)))
	}

	if cfg.DatabaseDSN != "" {
		db := initDatabase(ctx, cfg.DatabaseDSN, logger)
		repo := repository.NewPredictionRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts = append(opts, usecase.WithRepository(repo))
	}

	uc, err := usecase.NewPredictionUseCase(model, usecase.Config{
		Labels:         cfg.ClassNames,
		OutputName:     cfg.OutputName,
		PredictTimeout: cfg.PredictTimeout,
		CacheTTL:       cfg.CacheTTL,
	}, logger, opts...)
	if err != nil {
		logger.Fatal("failed to build prediction use case", zap.Error(err))
	}

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: newRouter(cfg, uc, m, logger),
	}

	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			logger.Fatal("failed to listen for gRPC health", zap.Error(err), zap.String("addr", cfg.GRPCHealthAddr))
		}
		health := grpcserver.NewHealthServer(logger)
		go func() { _ = health.Serve(lis) }()
		health.SetServing(true)
		server.RegisterOnShutdown(health.Stop)
	}

	logger.Info("leaf disease API listening",
		zap.String("addr", server.Addr),
		zap.Strings("classes", cfg.ClassNames),
		zap.Strings("cors_origins", cfg.CORSOrigins),
		zap.Bool("cache", cfg.RedisAddr != ""),
		zap.Bool("history", cfg.DatabaseDSN != ""),
		zap.Bool("auth", cfg.JWTSecret != ""))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(cfg *config.Config, svc handlers.PredictionService, m *metrics.Metrics, logger *zap.Logger) *gin.Engine {
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), handlers.AccessLog(logger), m.Middleware(), handlers.CORS(cfg.CORSOrigins))
	r.MaxMultipartMemory = handlers.MaxUploadSize

	var guard gin.HandlerFunc
	if cfg.JWTSecret != "" {
		guard = auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	}
	handlers.RegisterRoutes(r, svc, logger, guard)
	r.GET("/metrics", gin.WrapH(m.Handler()))
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
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err), zap.String("addr", addr))
	}
	return client
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
