package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"parking-monitor/internal/clock"
	"parking-monitor/internal/config"
	"parking-monitor/internal/db"
	apihttp "parking-monitor/internal/http"
	"parking-monitor/internal/logger"
	"parking-monitor/internal/repository"
	"parking-monitor/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("info", false)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	database, err := db.Open(cfg.Database.DSN, logger.Component(log, "db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	hub := apihttp.NewHub(logger.Component(log, "hub"))
	repo := repository.NewViolationRepository(database)
	svc := service.NewViolationService(repo, hub, clock.Real(), logger.Component(log, "violations"))
	handler := apihttp.NewHandler(svc, hub, logger.Component(log, "http"))

	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("auth.jwt_secret is empty, mutating routes are unauthenticated")
	}
	router := apihttp.NewRouter(
		handler,
		cfg.HTTP.CORSOrigins,
		apihttp.AuthMiddleware(cfg.Auth.JWTSecret, logger.Component(log, "auth")),
		logger.Component(log, "http"),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("parking api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	if sqlDB, err := database.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
