package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/identity-core/internal/middleware"
	"github.com/noah-isme/identity-core/internal/repository"
	"github.com/noah-isme/identity-core/internal/service"
	"github.com/noah-isme/identity-core/pkg/cache"
	"github.com/noah-isme/identity-core/pkg/config"
	"github.com/noah-isme/identity-core/pkg/database"
	"github.com/noah-isme/identity-core/pkg/jobs"
	"github.com/noah-isme/identity-core/pkg/logger"
	reqidmiddleware "github.com/noah-isme/identity-core/pkg/middleware/requestid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	secrets, err := service.NewSecretStore(cfg.Auth.MasterKey)
	if err != nil {
		logr.Sugar().Fatalw("unusable master key", "error", err)
	}

	// The component graph is wired explicitly, leaves first.
	metrics := service.NewMetricsService()
	keyRepo := repository.NewSigningKeyRepository(db)
	tokenRepo := repository.NewVerificationTokenRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	revocationRepo := repository.NewRevocationRepository(redisClient, logr)

	keyRotation := service.NewKeyRotationService(keyRepo, secrets, logr, metrics)
	verificationTokens := service.NewVerificationTokenService(tokenRepo, logr, metrics)
	sessionChain := service.NewSessionChainService(sessionRepo, verificationTokens, logr, metrics)
	issuer := service.NewTokenIssuerService(keyRotation, sessionChain, revocationRepo, validator.New(), logr, metrics, service.TokenIssuerConfig{
		AccessTokenTTL:  cfg.Auth.TokenValidity,
		RefreshTokenTTL: cfg.Auth.RefreshValidity,
		Issuer:          cfg.Auth.Issuer,
		Audience:        cfg.Auth.Audience,
	})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rotation := jobs.NewRecurring("signing-key-rotation", func(ctx context.Context) error {
		return keyRotation.Rotate(ctx, time.Now().Add(cfg.Rotation.KeyTTL))
	}, jobs.RecurringConfig{
		Interval:   cfg.Rotation.Interval,
		RunOnStart: true,
		MaxRetries: 3,
		RetryDelay: 30 * time.Second,
		Logger:     logr,
	})
	rotation.Start(ctx)
	defer rotation.Stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Account-security projections for the (external) API and admin layers.
	protected := r.Group("/", middleware.Bearer(issuer))
	protected.GET("/sessions", func(c *gin.Context) {
		claims := middleware.ClaimsFrom(c)
		if claims == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		sessions, err := sessionChain.ActiveSessionsFor(c.Request.Context(), claims.UserID)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})
	protected.GET("/sessions/recent", func(c *gin.Context) {
		sessions, err := sessionChain.MostRecentActivity(c.Request.Context(), 20)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
