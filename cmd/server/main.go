// cmd/server/main.go
// This is the entry point for the room chat server.
// The cmd/ folder holds executable binaries; everything reusable lives under internal/.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	// fiber is the HTTP framework; cors and recover are two of its bundled middlewares
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/trentd187/roomchat/internal/auth"
	"github.com/trentd187/roomchat/internal/config"
	"github.com/trentd187/roomchat/internal/database"
	"github.com/trentd187/roomchat/internal/handlers"
	"github.com/trentd187/roomchat/internal/logger"
	"github.com/trentd187/roomchat/internal/metrics"
	"github.com/trentd187/roomchat/internal/middleware"
	"github.com/trentd187/roomchat/internal/realtime"
	"github.com/trentd187/roomchat/internal/store"
	"github.com/trentd187/roomchat/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment variables (and optionally a .env file).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Environment: cfg.Env,
		LogLevel:    cfg.LogLevel,
		ServiceName: "roomchat",
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// ctx is cancelled on SIGINT/SIGTERM; everything below shuts down from it.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL and bring the schema up to date before serving anything.
	db, err := database.Connect(cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := database.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath, log); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	st := store.New(db)
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	m := metrics.New(prometheus.DefaultRegisterer)

	// --- Realtime core ---
	// The hub owns the session and subscription registries; the other parts
	// only talk to it through its methods.
	hub := realtime.NewHub(log.Named("hub"))
	b := realtime.NewBroadcaster(hub, realtime.KillOnFailure, log.Named("broadcast"), m)
	presence := realtime.NewPresence(hub, b, log.Named("presence"), m)
	router := realtime.NewRouter(hub, b, st, realtime.RouterOptions{
		MaxMessageLength: cfg.MaxMessageLength,
		HistoryLimit:     cfg.HistoryLimit,
	}, log.Named("router"), m)
	lifecycle := realtime.NewLifecycle(hub, b, presence, router, issuer, realtime.LifecycleOptions{
		SendBuffer: cfg.SendBuffer,
		PingPeriod: cfg.PingPeriod(),
		RateLimit:  rate.Limit(cfg.RateLimit),
		RateBurst:  cfg.RateBurst,
	}, log.Named("conn"), m)

	// Create the Fiber app. Errors that reach the default handler are already
	// shaped by the handlers, so only the app name is customised.
	app := fiber.New(fiber.Config{
		AppName:               "Room Chat",
		DisableStartupMessage: cfg.IsProduction(),
	})

	// --- Global middleware ---
	app.Use(recover.New())
	app.Use(middleware.RequestLogger(log.Named("http")))
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.AllowedOrigins(), ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	handlers.SetupRoutes(app, handlers.Deps{
		Users:        st,
		Rooms:        st,
		Members:      st,
		Tokens:       issuer,
		Verifier:     issuer,
		Hub:          hub,
		Publisher:    router,
		Evictor:      router,
		HistoryLimit: cfg.HistoryLimit,
		Log:          log.Named("api"),
		Metrics:      adaptor.HTTPHandler(promhttp.Handler()),
		WSUpgrade:    websocket.Upgrade(),
		WSHandler: websocket.Handler(ctx, lifecycle, websocket.Options{
			MaxFrameBytes: cfg.MaxFrameBytes,
			WriteTimeout:  cfg.WriteTimeout,
			PongWait:      cfg.PongWait,
		}, log.Named("ws")),
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info("starting server", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := app.Listen(":" + cfg.Port); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	// Wait for a signal (or a failed listener), then drain HTTP and let the
	// hub close every websocket with "going away".
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
		if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info("server stopped")
	return nil
}
