package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"teamchat/internal/config"
	"teamchat/internal/database/db_client"
	"teamchat/internal/http/http_server"
	"teamchat/internal/http/presencehandler"
	"teamchat/internal/identity"
	"teamchat/internal/nats/nats_client"
	"teamchat/internal/presencelease"
	"teamchat/internal/redis/redis_client"
	"teamchat/internal/redis/redis_scripts"
	"teamchat/internal/redis/watcher/leasewatcher"
	"teamchat/internal/services/chat"
	"teamchat/internal/services/presence"
	"teamchat/internal/telemetry"
	"teamchat/internal/ws"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	Log, _ = zap.NewDevelopment()
)

func main() {
	defer Log.Sync()
	zap.ReplaceGlobals(Log)

	var err error
	var cfg *config.Config
	var redisClient *redis.Client
	var chatService chat.IChatService

	// 1. Load configuration
	cfg, err = config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	Log.Debug("Configuration loaded successfully", zap.Any("config", cfg))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Telemetry (no-op without an OTLP endpoint)
	otelShutdown, err := telemetry.Init(ctx, cfg.OtelEndpoint, cfg.OtelServiceName)
	if err != nil {
		Log.Fatal("otel-init", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			Log.Warn("otel-shutdown", zap.Error(err))
		}
	}()

	// 4. Redis
	redisClient, err = redis_client.NewRedisClient(cfg.RedisHost, int(cfg.RedisPort), cfg.StoreTimeout)
	if err != nil {
		Log.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()
	Log.Debug("Redis client created successfully")

	// Load the presence Lua scripts
	if err := redis_scripts.LoadAll(ctx, redisClient); err != nil {
		Log.Fatal("load-redis-scripts", zap.Error(err))
	}

	// 5. Postgres db client
	pgDb, err := db_client.Open(cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDb)
	if err != nil {
		Log.Fatal("pg-open", zap.Error(err))
	}
	defer pgDb.Close()
	if err := db_client.EnsureSchema(ctx, pgDb); err != nil {
		Log.Fatal("pg-schema", zap.Error(err))
	}

	// 6. Services
	chatService = chat.NewChatService(pgDb, cfg.ChatMaxContentLength)

	// 7. WebSockets hub + broadcast backbone
	var newBackbone func(ws.DeliverFunc) ws.Backbone
	switch cfg.BroadcastBackend {
	case config.BackendLocal:
		newBackbone = ws.NewLocalBackbone
	case config.BackendNats:
		nc, err := nats_client.NewNatsConn(cfg.NatsURL, cfg.OtelServiceName)
		if err != nil {
			Log.Fatal("nats-connect", zap.Error(err))
		}
		defer nc.Close()
		newBackbone = func(d ws.DeliverFunc) ws.Backbone { return ws.NewNatsBackbone(nc, d) }
	default:
		newBackbone = func(d ws.DeliverFunc) ws.Backbone { return ws.NewRedisBackbone(redisClient, d) }
	}
	hub := ws.NewHub(newBackbone)
	defer hub.Close()

	// 8. Presence tracker, lease loop and expiry watcher
	tracker := presence.NewTracker(presence.NewRedisStore(redisClient), hub, presence.Options{
		StoreTimeout: cfg.StoreTimeout,
		LeaseTTL:     cfg.PresenceLeaseTTL,
	})
	Log.Info("presence-instance", zap.String("id", tracker.InstanceID()))

	// The lease outlives the signal context so the release on exit runs
	// after every session tore down.
	leaseCtx, stopLease := context.WithCancel(context.Background())
	leaseDone := presencelease.Run(leaseCtx, tracker, cfg.PresenceLeaseRenew)
	go leasewatcher.Run(ctx, redisClient, tracker)

	// 9. Identity
	var resolver identity.Resolver
	switch {
	case cfg.JwtJwksURL != "":
		resolver, err = identity.NewJWKSResolver(ctx, cfg.JwtJwksURL)
		if err != nil {
			Log.Fatal("jwks", zap.Error(err))
		}
	case cfg.JwtSecret != "":
		resolver = identity.NewHMACResolver(cfg.JwtSecret)
	default:
		Log.Warn("no token verifier configured, every connection is anonymous")
	}
	if c, ok := resolver.(interface{ Close() }); ok {
		defer c.Close()
	}

	// 10. Initialize the WS server
	wsSrv := ws.NewWsServer(hub, chatService, tracker, ws.Options{
		RequireSecureTransport: cfg.RequireSecureTransport,
		TrustForwardedProto:    cfg.TrustForwardedProto,
		AllowedOrigins:         cfg.AllowedOrigins,
		MaxMessageSize:         cfg.WsMaxMessageSize,
		StoreTimeout:           cfg.StoreTimeout,
	})

	// 11. HTTP + WS server
	checks := map[string]presencehandler.HealthCheck{
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		"postgres": pgDb.PingContext,
	}
	httpServer := http_server.NewHttpServer(ctx, cfg.HttpServerPort, wsSrv, resolver, tracker, checks)
	go func() {
		if err := httpServer.Start(); err != nil {
			Log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()
	Log.Info("listening", zap.Uint16("port", cfg.HttpServerPort))

	<-ctx.Done()
	Log.Info("shutting down")

	_ = httpServer.Dispose()
	wsCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := wsSrv.Shutdown(wsCtx); err != nil {
		Log.Warn("ws-shutdown", zap.Error(err))
	}
	cancel()

	stopLease()
	<-leaseDone
}
