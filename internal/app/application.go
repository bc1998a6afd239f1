package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"chathub/internal/api"
	"chathub/internal/auth"
	"chathub/internal/config"
	"chathub/internal/database"
	"chathub/internal/dispatch"
	"chathub/internal/gateway"
	"chathub/internal/membership"
	"chathub/internal/presence"
	"chathub/internal/registry"
	"chathub/internal/websocket"
	pkgdatabase "chathub/pkg/database"
)

// Application owns every component and their lifecycle.
type Application struct {
	config      *config.Config
	dbManager   *database.Manager
	registry    *registry.Registry
	tracker     *presence.Tracker
	membership  *membership.Manager
	dispatcher  *dispatch.Dispatcher
	gateway     *gateway.Gateway
	verifier    *auth.JWTVerifier
	redisClient *redis.Client
	mirror      *presence.RedisMirror
	apiServer   *api.Server
	httpServer  *http.Server

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewApplication builds all components in dependency order:
// database, registry, presence, membership, dispatch, gateway, HTTP.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Auth.Secret == config.DevAuthSecret {
		log.Printf("WARNING: using the development auth secret; set %sAUTH_SECRET in production", config.EnvPrefix)
	}

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.MaxConnections = cfg.Database.MaxConnections
	dbConfig.WriteTimeout = cfg.Database.WriteTimeout
	dbConfig.RetryDelay = cfg.Database.RetryDelay

	if dir := filepath.Dir(dbConfig.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	migrationManager := pkgdatabase.NewMigrationManager(dbManager.GetDB())
	if err := migrationManager.ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrationManager.ValidateSchema(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}
	log.Println("Database migrations applied successfully")

	verifier, err := auth.NewJWTVerifier(auth.Config{
		Secret:   []byte(cfg.Auth.Secret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		TTL:      cfg.Auth.TokenTTL,
	})
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to initialize identity verifier: %w", err)
	}

	app := &Application{
		config:    cfg,
		dbManager: dbManager,
		verifier:  verifier,
		registry:  registry.NewRegistry(),
	}

	var sinks []presence.Sink
	if cfg.Redis.Enabled() {
		app.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		hostname, _ := os.Hostname()
		app.mirror = presence.NewRedisMirror(app.redisClient, presence.RedisMirrorConfig{
			NodeID:    hostname,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Channel:   cfg.Redis.Channel,
			TTL:       cfg.Redis.TTL,
		})
		sinks = append(sinks, app.mirror)
		log.Printf("Presence mirror enabled: redis=%s channel=%s", cfg.Redis.Addr, cfg.Redis.Channel)
	}

	app.tracker = presence.NewTracker(app.registry, presence.Options{SelfEcho: cfg.Presence.SelfEcho}, sinks...)
	app.membership = membership.NewManager(app.registry)
	app.dispatcher = dispatch.NewDispatcher(dbManager, app.registry, app.membership, dispatch.Options{
		EchoToSender:      cfg.Dispatch.EchoToSender,
		UserFallback:      cfg.Dispatch.UserFallback,
		MessagesPerMinute: cfg.Dispatch.MessagesPerMinute,
	})
	app.gateway = gateway.NewGateway(verifier, app.registry, app.tracker, app.membership, app.dispatcher, dbManager,
		gateway.Options{HistoryLimit: cfg.Dispatch.HistoryLimit})

	app.apiServer = api.NewServer(dbManager, app.registry, app.membership)

	wsHandler := websocket.NewHandler(app.gateway, websocket.HandlerConfig{
		Connection: websocket.ConnectionConfig{
			BufferSize:     cfg.WebSocket.BufferSize,
			WriteTimeout:   cfg.WebSocket.WriteTimeout,
			EnqueueTimeout: cfg.WebSocket.WriteTimeout,
		},
		PingInterval:    cfg.WebSocket.PingInterval,
		PongWait:        cfg.WebSocket.ReadTimeout,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", app.apiServer)
	mux.Handle("/health", app.apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return app, nil
}

// Start starts the background loops and begins serving HTTP.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting chathub on %s", app.httpServer.Addr)

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	runCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	if err := app.tracker.Start(runCtx); err != nil {
		cancel()
		_ = listener.Close()
		return fmt.Errorf("failed to start presence tracker: %w", err)
	}

	if app.mirror != nil {
		if err := app.mirror.Ping(ctx); err != nil {
			log.Printf("Redis unreachable, presence mirror will retry: %v", err)
		}
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.mirror.Run(runCtx, app.registry.OnlineUsers)
		}()
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.housekeeping(runCtx)
	}()

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	log.Printf("chathub started successfully")
	return nil
}

// housekeeping drops idle rate limiter state once a minute.
func (app *Application) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			app.dispatcher.CleanupLimiter()
		case <-ctx.Done():
			return
		}
	}
}

// Stop shuts down in reverse order: HTTP, sessions, background loops,
// Redis, database.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down chathub")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	app.gateway.CloseAll()

	if err := app.tracker.Stop(); err != nil && !errors.Is(err, presence.ErrTrackerNotRunning) {
		log.Printf("Presence tracker shutdown error: %v", err)
	}
	if app.cancel != nil {
		app.cancel()
	}
	app.wg.Wait()

	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			log.Printf("Redis shutdown error: %v", err)
		}
	}

	if err := app.dbManager.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
	}

	log.Printf("chathub shutdown complete")
	return nil
}

// GetAddr returns the address the server listens on.
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Verifier returns the identity verifier, which also issues tokens.
func (app *Application) Verifier() *auth.JWTVerifier {
	return app.verifier
}
