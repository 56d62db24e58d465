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

	"github.com/example/cellscope/internal/classifier"
	"github.com/example/cellscope/internal/config"
	"github.com/example/cellscope/internal/grpcclient"
	"github.com/example/cellscope/internal/handlers"
	"github.com/example/cellscope/internal/history"
	"github.com/example/cellscope/internal/logging"
	"github.com/example/cellscope/internal/repository"
	"github.com/example/cellscope/internal/session"
)

func main() {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	engine, closeEngine := buildClassifier(ctx, cfg.Classifier, logger)
	defer closeEngine()
	hist := buildHistory(ctx, cfg, logger)

	var recorder session.Recorder
	var reader handlers.HistoryReader
	if hist != nil {
		recorder = hist
		reader = hist
	}

	store := session.NewStore(cfg.Session.TTL, func(id string) *session.Controller {
		return session.NewController(id, engine, recorder, logger)
	}, logger)
	defer store.Close()

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go store.Run(janitorCtx, cfg.Session.SweepInterval)

	if cfg.Server.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(r, store, reader, handlers.Options{
		CookieName:    cfg.Session.CookieName,
		CookieMaxAge:  cfg.Session.TTL,
		SecureCookie:  cfg.Server.ReleaseMode,
		MaxUploadSize: cfg.Server.MaxUploadBytes,
	})

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	logger.Info("cellscope listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("classifier", cfg.Classifier.Mode),
		zap.Bool("history", hist != nil),
	)
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func buildClassifier(ctx context.Context, cfg config.ClassifierConfig, logger *zap.Logger) (classifier.Classifier, func()) {
	var inner classifier.Classifier
	var guards []classifier.GuardOption
	closeFn := func() {}
	switch cfg.Mode {
	case config.ModeRemote:
		remote, conn, err := grpcclient.DialClassifier(ctx, cfg.RemoteAddr, logger)
		if err != nil {
			logger.Fatal("failed to connect to classifier", zap.Error(err))
		}
		inner = remote
		guards = append(guards, classifier.WithDecodeCheck())
		closeFn = func() { _ = conn.Close() }
	default:
		inner = classifier.NewSimulated(logger, classifier.WithLatency(cfg.Delay))
	}
	return classifier.NewGuarded(inner, cfg.Timeout, cfg.MinConfidence, logger, guards...), closeFn
}

// buildHistory returns nil when neither storage nor cache is configured.
func buildHistory(ctx context.Context, cfg *config.Config, logger *zap.Logger) *history.Service {
	var repo history.Repository
	if cfg.Storage.DSN != "" {
		outcomes := repository.NewOutcomeRepository(initDatabase(ctx, cfg.Storage.DSN, logger), logger)
		if err := outcomes.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = outcomes
	}

	var cache history.Cache
	if cfg.Cache.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		cache = history.NewRedisCache(initRedis(redisCtx, cfg.Cache.RedisAddr, logger), cfg.Cache.KeyPrefix)
	}

	if repo == nil && cache == nil {
		return nil
	}
	return history.NewService(repo, cache, cfg.Cache.ResultTTL, logger)
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
