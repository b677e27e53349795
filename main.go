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
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"chat-delivery/internal/config"
	"chat-delivery/internal/db"
	"chat-delivery/internal/delivery"
	"chat-delivery/internal/grpcserver"
	"chat-delivery/internal/handlers"
	"chat-delivery/internal/logging"
	"chat-delivery/internal/middleware"
	"chat-delivery/internal/observability"
	"chat-delivery/internal/presence"
	"chat-delivery/internal/rabbitmq"
	"chat-delivery/internal/repositories"
	"chat-delivery/internal/telemetry"
	"chat-delivery/internal/ws"
)

func main() {
	cfg, err := config.Load(getEnv("CONFIG_PATH", "./config"))
	if err != nil {
		l := logging.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Init(cfg.Log)
	logger := logging.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, cfg.ServiceName, cfg.Environment)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracing")
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open message store")
	}

	instanceID := cfg.Redis.InstanceID
	if instanceID == "" {
		instanceID = instanceName()
	}
	directory := openDirectory(ctx, cfg.Redis, instanceID, logger)
	registry := presence.NewRegistry()

	publisher := rabbitmq.NewPublisher(cfg.AMQP, cfg.ServiceName)
	logger.Info().Str("mode", rabbitmq.Mode(publisher)).Str(logging.FieldReason, rabbitmq.NoopReason(publisher)).Msg("event publisher ready")
	observability.SetPublisher(publisher)
	auditor := telemetry.NewAuditEmitter(publisher, cfg.AMQP.AuditRoutingKey, cfg.ServiceName, cfg.Environment)

	router := delivery.NewRouter(store, registry,
		delivery.WithAuditor(auditor),
		delivery.WithPushTimeout(cfg.Delivery.PushTimeout),
		delivery.WithMaxBodyLength(cfg.Chat.MaxBodyLength),
	)

	var validator middleware.TokenValidator
	if cfg.Auth.JWTSecret != "" {
		validator = middleware.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		logger.Warn().Msg("auth.jwt_secret not set, trusting user ids from requests")
	}

	wsHandler := ws.NewHandler(registry, directory, ws.SettingsFromConfig(cfg.WebSocket, cfg.Chat.MaxBodyLength))
	engine := newEngine(cfg, logger, validator, router, registry, directory, wsHandler, auditor)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := grpcserver.New(cfg.GRPCAddr(), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", httpSrv.Addr).Str("store", cfg.Store.Driver).Str("instance", instanceID).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(grpcSrv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		grpcSrv.SetNotServing()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
		if err := wsHandler.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("live channels did not close in time")
		}
		grpcSrv.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server error")
	}

	if err := publisher.Close(); err != nil {
		logger.Warn().Err(err).Msg("close publisher")
	}
	if err := directory.Close(); err != nil {
		logger.Warn().Err(err).Msg("close presence directory")
	}
	if err := closeStore(); err != nil {
		logger.Warn().Err(err).Msg("close message store")
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn().Err(err).Msg("flush traces")
	}
}

func newEngine(
	cfg *config.Config,
	logger zerolog.Logger,
	validator middleware.TokenValidator,
	router *delivery.Router,
	registry *presence.Registry,
	directory presence.Directory,
	wsHandler *ws.Handler,
	auditor *telemetry.AuditEmitter,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		otelgin.Middleware(cfg.ServiceName),
		logging.GinMiddleware(logger),
		observability.HTTPMetricsMiddleware(),
	)

	messageHandler := handlers.NewMessageHandler(router)
	presenceHandler := handlers.NewPresenceHandler(registry, directory)
	authMiddleware := middleware.AuthMiddleware(validator)

	engine.GET("/healthz", presenceHandler.Healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.POST("/messages", authMiddleware, messageHandler.PostMessage)
	engine.POST("/messages/list", authMiddleware, messageHandler.ListMessages)
	engine.GET("/messages", authMiddleware, messageHandler.GetMessages)
	engine.GET("/presence/:user_id", authMiddleware, presenceHandler.GetPresence)
	engine.GET("/ws", authMiddleware, wsHandler.Handle)

	handlers.RegisterDebugRoutes(engine, handlers.NewDebugHandler(auditor, registry), cfg.Debug.Enabled)
	return engine
}

func openStore(cfg *config.Config) (repositories.MessageRepository, func() error, error) {
	if cfg.Store.Driver == "memory" {
		return repositories.NewMemoryMessageRepo(cfg.Chat.MaxBodyLength), func() error { return nil }, nil
	}

	database, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return repositories.NewMessageRepo(database, cfg.Chat.MaxBodyLength), database.Close, nil
}

func openDirectory(ctx context.Context, cfg config.RedisConfig, instanceID string, logger zerolog.Logger) presence.Directory {
	if cfg.Address == "" {
		return presence.NoopDirectory{}
	}

	directory, err := presence.NewRedisDirectory(cfg, instanceID)
	if err != nil {
		logger.Warn().Err(err).Msg("presence directory disabled")
		return presence.NoopDirectory{}
	}
	directory.StartHeartbeat(ctx)
	return directory
}

func instanceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host + "-" + uuid.NewString()[:8]
	}
	return uuid.NewString()
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
