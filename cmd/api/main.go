package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicecall-platform/internal/audit"
	"voicecall-platform/internal/auth"
	"voicecall-platform/internal/calls"
	"voicecall-platform/internal/config"
	"voicecall-platform/internal/gateway"
	"voicecall-platform/internal/media"
	"voicecall-platform/internal/reporting"
	"voicecall-platform/internal/signaling"
	"voicecall-platform/internal/telephony"
	"voicecall-platform/pkg/logger"
	"voicecall-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing .env is fine; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error(".env load failed", "err", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	issuer, err := media.NewIssuer(cfg.Media)
	if err != nil {
		log.Error("media credentials init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := calls.EnsureSchema(rootCtx, db); err != nil {
		log.Error("calls schema failed", "err", err)
		os.Exit(1)
	}
	auditRepo := audit.NewPostgresRepo(db)
	if err := auditRepo.EnsureSchema(rootCtx); err != nil {
		log.Error("audit schema failed", "err", err)
		os.Exit(1)
	}

	listenPool, err := utils.OpenListenerPool(rootCtx, cfg.PostgresDSN(), 2, 5*time.Second)
	if err != nil {
		log.Error("postgres listener init failed", "err", err)
		os.Exit(1)
	}
	defer listenPool.Close()

	feed := calls.NewFeed(listenPool, log)
	go func() {
		if err := feed.Run(rootCtx); err != nil {
			log.Error("call change feed stopped", "err", err)
		}
	}()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	deps := appDeps{
		auth:   authManager,
		db:     db,
		store:  calls.NewPostgresStore(db, feed),
		bus:    signaling.NewRedisBus(rdb, log),
		lines:  utils.NewLineLock(rdb, cfg.Call.LineTTL),
		issuer: issuer,
		audit:  audit.NewService(auditRepo, log),
		hub:    gateway.NewHub(),
		cfg:    cfg,
	}
	deps.reports = reporting.NewService(deps.store)
	if cfg.Telephony.Enabled() {
		deps.pstn = telephony.NewExotelProvider(telephony.ExotelConfig{
			AccountSID: cfg.Telephony.AccountSID,
			APIKey:     cfg.Telephony.APIKey,
			APIToken:   cfg.Telephony.APIToken,
			CallerID:   cfg.Telephony.CallerID,
			BaseURL:    cfg.Telephony.BaseURL,
		}, nil)
		log.Info("pstn calling enabled", "provider", deps.pstn.Name())
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: call WebSockets stay open for the whole call.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Hijacked WebSockets are not tracked by Shutdown. Close them and wait
	// for their legs to end active calls before the deferred store closes run.
	deps.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if err := deps.hub.Wait(shutdownCtx); err != nil {
		log.Error("call legs did not finish before shutdown deadline", "err", err, "open", deps.hub.Count())
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
