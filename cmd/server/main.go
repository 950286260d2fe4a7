package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echorelay/internal/api"
	"github.com/lalith-99/echorelay/internal/auth"
	"github.com/lalith-99/echorelay/internal/config"
	"github.com/lalith-99/echorelay/internal/db"
	"github.com/lalith-99/echorelay/internal/middleware"
	"github.com/lalith-99/echorelay/internal/observ"
	"github.com/lalith-99/echorelay/internal/realtime"
	"github.com/lalith-99/echorelay/internal/repository"
	"github.com/lalith-99/echorelay/internal/repository/postgres"
	"github.com/lalith-99/echorelay/internal/repository/redisstore"
	"github.com/lalith-99/echorelay/internal/ws"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Config and logger
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// ---------------------------------------------------------------
	// 2. Postgres and Redis
	//
	// Startup has no deadline of its own; each socket operation later
	// gets one from the gateway.
	// ---------------------------------------------------------------
	ctx := context.Background()

	database, err := db.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	if err := database.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	rdb, err := db.NewRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer rdb.Close()

	// ---------------------------------------------------------------
	// 3. Repositories
	//
	// Assigned to the interface types so a missing method fails here.
	// ---------------------------------------------------------------
	pool := database.Pool()
	var (
		channelRepo    repository.ChannelRepository    = postgres.NewChannelStore(pool)
		membershipRepo repository.MembershipRepository = postgres.NewMembershipStore(pool)
		messageRepo    repository.MessageRepository    = postgres.NewMessageStore(pool)
		userRepo       repository.UserRepository       = postgres.NewUserStore(pool)
		presenceRepo   repository.PresenceRepository   = redisstore.NewPresenceStore(rdb)
	)

	// ---------------------------------------------------------------
	// 4. Real-time core
	// ---------------------------------------------------------------
	registry := realtime.NewRegistry()
	rooms := realtime.NewRooms(membershipRepo)
	fanout := realtime.NewFanout(registry, rooms, logger.Named("fanout"))
	tracker := realtime.NewTracker(presenceRepo, fanout, logger.Named("presence"),
		realtime.WithTypingTimeout(cfg.TypingTimeout),
	)
	gateway := realtime.NewGateway(
		auth.NewVerifier(cfg.JWTSecret, userRepo),
		registry, rooms, tracker, fanout,
		channelRepo, messageRepo,
		logger.Named("gateway"),
	)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go tracker.Run(sweepCtx)

	// ---------------------------------------------------------------
	// 5. HTTP
	// ---------------------------------------------------------------
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	health := api.NewHealthHandler(map[string]api.HealthCheck{
		"postgres": database.Health,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}, logger)
	wsHandler := api.NewWSHandler(gateway, cfg.AllowedOrigins, ws.NewOptions(cfg.WS), logger.Named("ws"))
	presenceHandler := api.NewPresenceHandler(tracker, membershipRepo, logger)
	userHandler := api.NewUserHandler(userRepo, registry, logger)

	// Health and the socket are PUBLIC: the socket authenticates itself.
	router.GET("/v1/health", health.Check)
	router.GET("/v1/ws", wsHandler.Serve)

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	v1.GET("/users/me", userHandler.GetMe)
	v1.GET("/workspaces/:id/presence", presenceHandler.List)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting EchoRelay",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ---------------------------------------------------------------
	// 6. Graceful shutdown
	//
	// One ordered operation: stop accepting, drain sockets through their
	// normal disconnect path (which still needs Postgres and Redis), then
	// let the deferred closes run.
	// ---------------------------------------------------------------
	wait := gfshutdown.GracefulShutdown(ctx, shutdownTimeout, map[string]gfshutdown.Operation{
		"echorelay": func(ctx context.Context) error {
			logger.Info("graceful shutdown initiated")
			if err := srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown http: %w", err)
			}
			if err := gateway.Shutdown(ctx); err != nil {
				return err
			}
			stopSweep()
			return nil
		},
	})

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve http: %w", err)
	case code := <-wait:
		logger.Info("shutdown complete", zap.Int("exit_code", code))
		if code != 0 {
			return fmt.Errorf("shutdown exited with code %d", code)
		}
	}
	return nil
}
