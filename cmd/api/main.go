package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inference-gateway/internal/database"
	"inference-gateway/internal/discovery"
	"inference-gateway/internal/handlers/inference"
	"inference-gateway/internal/middleware"
	"inference-gateway/internal/ratelimit"
	"inference-gateway/internal/recorder"
	"inference-gateway/internal/relay"
	"inference-gateway/internal/routers"
	"inference-gateway/internal/routing"
	"inference-gateway/internal/shared"
	"inference-gateway/internal/upstream"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func seconds(n float64) time.Duration {
	return time.Duration(n * float64(time.Second))
}

func newLogger(debug bool, logFile string) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil || logFile == "" {
		return logger, err
	}

	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(rotator),
		level,
	)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	// Flags / ENV Variables
	cfg := registerFlags(flag.CommandLine)

	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	logger, err := newLogger(cfg.Debug, cfg.LogFile)
	if err != nil {
		panic("Failed init logger")
	}
	defer func() {
		_ = logger.Sync()
	}()
	log := logger.Sugar()

	// Upstreams
	routes := upstream.RoutesFromEnv(os.Environ(), cfg.VLLMBaseURL)
	registry := upstream.NewRegistry(routes, upstream.ClientOptions{
		ConnectTimeout: seconds(cfg.ConnectTimeout),
		ReadTimeout:    seconds(cfg.ReadTimeout),
		WriteTimeout:   seconds(cfg.WriteTimeout),
	}, log)
	if len(registry.RouteKeys()) == 0 {
		log.Warn("No upstream routes configured. Set MODEL_ROUTE_* env vars")
	}
	catalog := discovery.NewAggregator(registry, log)
	resolver := routing.NewResolver(routing.Config{
		DefaultModelName: cfg.DefaultModelName,
		DefaultRouteKey:  cfg.DefaultModelKey,
		AllowedModels:    shared.ParseCSV(cfg.AllowedModels),
	}, catalog, registry)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Rate limiting
	var redisClient *redis.Client
	if cfg.UseRedis {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			panic(fmt.Sprintf("failed parsing redis url: %s", err))
		}
		redisClient = redis.NewClient(opts)
		defer func() {
			_ = redisClient.Close()
		}()
	}
	limiter := ratelimit.New(rootCtx, ratelimit.Config{
		PerMinute: cfg.RateLimitPerMin,
		UseRedis:  cfg.UseRedis,
	}, redisClient, log)
	if local, ok := limiter.(*ratelimit.LocalBucket); ok {
		go local.RunPruner(rootCtx, time.Minute)
	}

	// Record store
	rec := recorder.New(nil, log)
	var raw inference.RawReader
	if cfg.DSN != "" {
		db, err := sql.Open(cfg.DBDriver, cfg.DSN)
		if err != nil {
			panic(fmt.Sprintf("failed initializing sqlClient: %s", err))
		}
		err = db.Ping()
		if err != nil {
			panic(fmt.Sprintf("failed ping to sql db: %s", err))
		}
		defer func() {
			_ = db.Close()
		}()
		if cfg.DBDriver == "sqlite" {
			db.SetMaxOpenConns(1)
		}
		store, err := database.NewStore(db, cfg.DBDriver, log)
		if err != nil {
			panic(err)
		}
		if err := store.Migrate(rootCtx); err != nil {
			panic(err)
		}
		rec = recorder.New(store, log)
		raw = store
	} else {
		log.Info("No dsn set, conversation storage disabled")
	}

	ih := inference.NewInferenceHandler(inference.Deps{
		Registry: registry,
		Catalog:  catalog,
		Resolver: resolver,
		Relay: relay.New(relay.Config{
			HeartbeatInterval: seconds(cfg.Heartbeat),
			TotalTimeout:      seconds(cfg.TotalTimeout),
		}),
		Recorder: rec,
		Raw:      raw,
	}, inference.Config{
		DefaultRouteKey: cfg.DefaultModelKey,
		TotalTimeout:    seconds(cfg.TotalTimeout),
	}, log)

	e := echo.New()
	e.HideBanner = true
	e.IPExtractor, err = middleware.NewIPExtractor(shared.ParseCSV(cfg.TrustedProxies))
	if err != nil {
		panic(err)
	}
	base := e.Group("")
	base.Use(emw.CORSWithConfig(emw.CORSConfig{
		AllowOrigins:  shared.ParseCSV(cfg.AllowOrigins),
		ExposeHeaders: []string{shared.RequestIDHeader, shared.ConversationIDHdr},
	}))
	base.Use(middleware.NewRecoverMiddleware(log))
	base.Use(middleware.NewTrackMiddleware(log))
	base.Use(middleware.NewAPIKeyMiddleware(middleware.AuthConfig{
		APIKey:        cfg.APIKey,
		AuthRequired:  cfg.AuthRequired,
		MetricsPublic: cfg.MetricsPublic,
	}))
	base.Use(middleware.NewRateLimitMiddleware(limiter, log))

	// Register routes
	routers.RegisterBaseRoutes(base)
	routers.RegisterInferenceRoutes(base, ih)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("shutting down the server")
		}
	}()
	log.Infow("Gateway started", "port", cfg.Port, "routes", registry.RouteKeys(), "rate_limiter", limiter.Name())

	<-rootCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), shared.DefaultShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Errorw("Failed shutting down server", "error", err)
	}
	if err := ih.ShutDown(ctx); err != nil {
		log.Errorw("Failed draining record writes", "error", err)
	}
}
