package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"veydha/internal/api"
	"veydha/internal/auth"
	"veydha/internal/config"
	"veydha/internal/intake"
	"veydha/internal/logger"
	"veydha/internal/observe"
	"veydha/internal/redis"
	"veydha/internal/service/patient"
	"veydha/internal/storage"
	"veydha/internal/worker"
)

var version = "dev"

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("VEYDHA_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	meterProvider, shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "veydha",
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn().Err(err).Msg("shutdown metrics")
		}
	}()
	metrics, err := observe.NewMetrics(meterProvider)
	if err != nil {
		return err
	}

	dbType := strings.ToLower(cfg.BasicConfig.Database)
	log.Info().Str("database", dbType).Msg("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	authService := auth.NewService(db, rdb, cfg.TokenTTL())
	authService.StartTokenCleaner(ctx, cfg.TokenCleanInterval())

	patients := patient.NewService(db)

	script := intake.DefaultScript()
	if greeting := strings.TrimSpace(cfg.Intake.Greeting); greeting != "" {
		if script, err = intake.NewScript(greeting, script.Prompts()...); err != nil {
			return err
		}
	}
	manager := worker.NewManager(patients, worker.Config{
		Script: script,
		Timings: intake.Timings{
			Reply:   cfg.Intake.ReplyDelay(),
			Summary: cfg.Intake.SummaryDelay(),
			Menu:    cfg.Intake.MenuDelay(),
		},
		CacheTTL: cfg.Intake.CacheTTL(),
	}, rdb, metrics)

	if strings.EqualFold(cfg.Log.Level, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.NewHandler(patients, authService, manager, db, rdb, metrics).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.BasicConfig.ServerAddress,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		log.Info().Msg("shutting down")
		err := srv.Shutdown(shutdownCtx)
		if mErr := manager.Shutdown(shutdownCtx); mErr != nil {
			log.Warn().Err(mErr).Msg("intake workers did not stop in time")
		}
		return err
	})
	return g.Wait()
}
