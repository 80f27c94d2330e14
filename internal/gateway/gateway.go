// ABOUTME: Gateway orchestrator that wires the messaging core to HTTP and gRPC servers
// ABOUTME: Manages store, directory sync, broker, presence, dispatch queue and server lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/broker"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/directory"
	"github.com/2389/parley/internal/dispatch"
	"github.com/2389/parley/internal/presence"
	"github.com/2389/parley/internal/store"
)

// HealthServiceName is the gRPC health service name reported alongside "".
const HealthServiceName = "parley.Gateway"

// Inbound WebSocket frames allowed per connection.
const (
	inboundRate  = rate.Limit(5)
	inboundBurst = 10
)

// Gateway orchestrates the parley-gateway server components.
type Gateway struct {
	config    *config.Config
	store     store.Store
	directory *directory.Directory
	syncer    *directory.Syncer // nil with the static provider
	broker    *broker.Broker
	presence  *presence.Tracker
	queue     *dispatch.Queue
	dedupe    *dedupe.Window
	service   *conversation.Service
	auth      *auth.Authenticator

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	logger     *slog.Logger

	inboundLimit rate.Limit
	inboundBurst int

	// done closes when shutdown begins; long-lived streams watch it
	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the configured SQLite driver. PARLEY_DB_PATH overrides the path.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PARLEY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	driver := store.DriverModernc
	if cfg.Database.Driver == "sqlite3" {
		driver = store.DriverMattn
	}

	s, err := store.Open(driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// seedUsers returns the configured seed users plus the workflow sender.
func seedUsers(cfg *config.Config) []*store.User {
	users := make([]*store.User, 0, len(cfg.Directory.SeedUsers)+1)
	seen := make(map[string]bool)
	for _, u := range cfg.Directory.SeedUsers {
		users = append(users, &store.User{
			ID:        u.ID,
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Email:     u.Email,
			Group:     u.Group,
			Enabled:   true,
		})
		seen[u.ID] = true
	}

	if id := cfg.Workflow.SenderID; id != "" && !seen[id] {
		name := cfg.Workflow.SenderName
		if name == "" {
			name = "Workflow"
		}
		users = append(users, &store.User{ID: id, FirstName: name, Enabled: true})
	}
	return users
}

// newProvider builds the remote directory provider, or nil for static.
func newProvider(cfg *config.Config, logger *slog.Logger) directory.Provider {
	if cfg.Directory.Provider != "keycloak" {
		return nil
	}
	kc := cfg.Directory.Keycloak
	return directory.NewKeycloakProvider(directory.KeycloakConfig{
		BaseURL:           kc.BaseURL,
		Realm:             kc.Realm,
		ClientID:          kc.ClientID,
		ClientSecret:      kc.ClientSecret,
		RequestsPerSecond: kc.RequestsPerSecond,
	}, logger)
}

// newAuthenticator enables JWT auth when a secret is configured.
func newAuthenticator(cfg *config.Config, logger *slog.Logger) (*auth.Authenticator, error) {
	if cfg.Auth.JWTSecret == "" {
		return auth.NewAuthenticator(nil, logger), nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	logger.Info("JWT auth enabled")
	return auth.NewAuthenticator(verifier, logger), nil
}

// newGRPCServer creates the gRPC server carrying the standard health service.
func newGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// New creates a gateway from cfg: opens the store, seeds the directory and
// wires the messaging core. Servers start in Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlStore, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:       cfg,
		store:        sqlStore,
		logger:       logger,
		inboundLimit: inboundRate,
		inboundBurst: inboundBurst,
		done:         make(chan struct{}),
	}

	gw.directory = directory.New(sqlStore, logger)
	if seeds := seedUsers(cfg); len(seeds) > 0 {
		if err := gw.directory.Seed(context.Background(), seeds); err != nil {
			_ = sqlStore.Close()
			return nil, fmt.Errorf("seeding directory: %w", err)
		}
	}
	if provider := newProvider(cfg, logger); provider != nil {
		gw.syncer = directory.NewSyncer(sqlStore, provider, cfg.Directory.SyncInterval, logger)
	}

	gw.auth, err = newAuthenticator(cfg, logger)
	if err != nil {
		_ = sqlStore.Close()
		return nil, err
	}

	mode, err := presence.ParseMode(cfg.Presence.Mode)
	if err != nil {
		_ = sqlStore.Close()
		return nil, err
	}

	gw.broker = broker.New(logger)
	gw.presence = presence.NewTracker(mode, gw.broker, logger)
	gw.queue = dispatch.New(dispatch.Config{
		Workers:      cfg.Dispatch.Workers,
		QueueSize:    cfg.Dispatch.QueueSize,
		TaskTimeout:  cfg.Dispatch.TaskTimeout,
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		RetryBackoff: cfg.Dispatch.RetryBackoff,
	}, logger)
	gw.dedupe = dedupe.New(cfg.Messages.DedupeTTL, cfg.Messages.DedupeMaxEntries)

	gw.service, err = conversation.NewService(conversation.Config{
		Store:            sqlStore,
		Directory:        gw.directory,
		Presence:         gw.presence,
		Publisher:        gw.broker,
		Queue:            gw.queue,
		Dedupe:           gw.dedupe,
		MaxContentLength: cfg.Messages.MaxContentLength,
		SystemSenderID:   cfg.Workflow.SenderID,
	}, logger)
	if err != nil {
		gw.closeComponents()
		_ = sqlStore.Close()
		return nil, err
	}

	gw.grpcServer, gw.health = newGRPCServer()
	gw.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	gw.health.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)

	mux := http.NewServeMux()
	gw.registerRoutes(mux)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving the API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Service returns the messaging service.
func (g *Gateway) Service() *conversation.Service {
	return g.service
}

// SyncDirectory runs one identity provider pass outside the periodic loop.
func (g *Gateway) SyncDirectory(ctx context.Context) (directory.SyncResult, error) {
	if g.syncer == nil {
		return directory.SyncResult{}, fmt.Errorf("directory provider %q does not sync", g.config.Directory.Provider)
	}
	return g.syncer.SyncOnce(ctx)
}

// registerRoutes mounts every HTTP endpoint on mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	api := g.auth.Middleware(false)
	realtime := g.auth.Middleware(true)
	admin := func(h http.Handler) http.Handler { return api(auth.RequireAdmin()(h)) }

	mux.Handle("GET /api/users", api(http.HandlerFunc(g.handleListUsers)))
	mux.Handle("GET /api/online-users", api(http.HandlerFunc(g.handleOnlineUsers)))
	mux.Handle("GET /api/conversations", api(http.HandlerFunc(g.handleListConversations)))
	mux.Handle("POST /api/conversations", api(http.HandlerFunc(g.handleCreateConversation)))
	mux.Handle("DELETE /api/conversations/{id}", api(http.HandlerFunc(g.handleDeleteConversation)))
	mux.Handle("GET /api/conversations/{id}/messages", api(http.HandlerFunc(g.handleListMessages)))
	mux.Handle("POST /api/messages", api(http.HandlerFunc(g.handleSendMessage)))
	mux.Handle("POST /api/system/messages", admin(http.HandlerFunc(g.handleSystemMessage)))
	mux.Handle("GET /api/directory/status", admin(http.HandlerFunc(g.handleDirectoryStatus)))

	mux.Handle("GET /ws", realtime(http.HandlerFunc(g.handleWebSocket)))
	mux.Handle("GET /api/events", realtime(http.HandlerFunc(g.handleEvents)))
}

// setupListeners opens the HTTP listener and, when configured, the gRPC one.
func (g *Gateway) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and the directory syncer and blocks until ctx is
// canceled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners()
	if err != nil {
		return err
	}

	syncCtx, cancelSync := context.WithCancel(ctx)
	defer cancelSync()
	if g.syncer != nil {
		go func() {
			if err := g.syncer.Run(syncCtx); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Error("directory syncer stopped", "error", err)
			}
		}()
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	cancelSync()
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents stops the in-memory components. Pending sends are drained
// before the broker closes so accepted messages are still delivered.
func (g *Gateway) closeComponents() {
	if g.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.queue.Close(ctx); err != nil {
			g.logger.Warn("dispatch queue did not drain", "error", err)
		}
		cancel()
	}
	if g.broker != nil {
		g.broker.Close()
	}
	if g.presence != nil {
		g.presence.Close()
	}
	if g.dedupe != nil {
		g.dedupe.Close()
	}
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")
		close(g.done)

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		g.shutdownGRPCServer(ctx)
		g.closeComponents()

		errs = appendCloseError(errs, "store close", g.store.Close())

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d online)", len(g.presence.Snapshot()))
}
