// ABOUTME: Gateway orchestrator that wires the fleet components and serves gRPC and HTTP
// ABOUTME: Owns listener setup (TCP or tailscale), periodic jobs and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/wokspec/chopsticks-fleet/internal/agent"
	"github.com/wokspec/chopsticks-fleet/internal/auth"
	"github.com/wokspec/chopsticks-fleet/internal/config"
	"github.com/wokspec/chopsticks-fleet/internal/fleet"
	"github.com/wokspec/chopsticks-fleet/internal/planner"
	"github.com/wokspec/chopsticks-fleet/internal/platform"
	"github.com/wokspec/chopsticks-fleet/internal/reconcile"
	"github.com/wokspec/chopsticks-fleet/internal/registry"
	"github.com/wokspec/chopsticks-fleet/internal/secret"
	"github.com/wokspec/chopsticks-fleet/internal/session"
	"github.com/wokspec/chopsticks-fleet/internal/store"
	"github.com/wokspec/chopsticks-fleet/internal/wire"
)

// Tailnet ports used when tailscale is enabled.
const (
	tailnetGRPCPort = ":50051"
	tailnetHTTPPort = ":80"
)

// Gateway runs the fleet controller's servers.
type Gateway struct {
	config     *config.Config
	store      store.Store
	agents     *agent.Manager
	dispatcher *agent.Dispatcher
	registry   *registry.Registry
	sessions   *session.Broker
	reconciler *reconcile.Reconciler // nil when membership checks are not configured
	fleet      *fleet.Controller
	control    *controlServer

	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	scheduler  *cron.Cron
	jobsCtx    context.Context
	cancelJobs context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error

	logger *slog.Logger

	// serverID identifies this controller instance to runners
	serverID string
}

// New creates a Gateway talking to the Discord REST API. Membership checks
// are enabled when platform.bot_token is configured.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	client := platform.NewClient(cfg.Platform.BotToken, cfg.Platform.AuthTimeout.Duration, logger)
	var members reconcile.MembershipSource
	if cfg.Platform.BotToken != "" {
		members = client
	}
	return newGateway(cfg, client, members, logger)
}

// newGateway builds every component. members may be nil.
func newGateway(cfg *config.Config, verifier registry.Verifier, members reconcile.MembershipSource, logger *slog.Logger) (*Gateway, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	gw, err := assemble(cfg, s, verifier, members, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func assemble(cfg *config.Config, s store.Store, verifier registry.Verifier, members reconcile.MembershipSource, logger *slog.Logger) (*Gateway, error) {
	tokens, err := newTokenVerifier(cfg)
	if err != nil {
		return nil, err
	}
	sealer, err := secret.NewSealer(cfg.Auth.CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("creating credential sealer: %w", err)
	}

	reg := registry.New(s, sealer, verifier, registry.Config{
		ContributionLimit:  cfg.Fleet.ContributionLimit,
		ContributionWindow: cfg.Fleet.ContributionWindow.Duration,
		AuthTimeout:        cfg.Platform.AuthTimeout.Duration,
	}, logger)

	seedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reg.SeedSuperusers(seedCtx, cfg.Fleet.Superusers); err != nil {
		return nil, fmt.Errorf("seeding superusers: %w", err)
	}

	agents := agent.NewManager(logger)
	dispatcher := agent.NewDispatcher(agents, cfg.Fleet.RequestTimeout.Duration, logger)

	sessions := session.NewBroker(agents, dispatcher, reg, session.Config{
		DefaultIdleRelease: cfg.Fleet.DefaultIdleRelease.Duration,
		DefaultPinTTL:      cfg.Fleet.PinTTL.Duration,
	}, logger)
	sessions.Bind(agents)

	var rec *reconcile.Reconciler
	if members != nil {
		rec = reconcile.New(agents, members, reconcile.Config{VerifiedTTL: cfg.Fleet.VerifiedTTL.Duration}, logger)
		rec.Bind(agents)
	} else {
		logger.Warn("membership verification disabled - no platform.bot_token configured")
	}

	controller := fleet.New(reg, agents, dispatcher, sessions, rec, fleet.Config{
		Limits:         planner.Limits{Step: planner.DefaultLimits.Step, Min: planner.DefaultLimits.Min, Max: cfg.Fleet.GuildCap},
		ScaleSecret:    cfg.Auth.ScaleSecret,
		CommandTimeout: cfg.Fleet.RequestTimeout.Duration,
	}, logger)

	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	gw := &Gateway{
		config:     cfg,
		store:      s,
		agents:     agents,
		dispatcher: dispatcher,
		registry:   reg,
		sessions:   sessions,
		reconciler: rec,
		fleet:      controller,
		jobsCtx:    jobsCtx,
		cancelJobs: cancelJobs,
		logger:     logger.With("component", "gateway"),
		serverID:   generateServerID(),
	}
	gw.control = newControlServer(gw.serverID, agents, reg, logger)
	gw.grpcServer = createGRPCServer(tokens, logger)
	wire.RegisterAgentControlServer(gw.grpcServer, gw.control)

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	gw.registerAPIRoutes(mux, tokens, logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	gw.scheduler = gw.newScheduler()
	return gw, nil
}

// newTokenVerifier returns nil when no JWT secret is configured.
func newTokenVerifier(cfg *config.Config) (*auth.JWTVerifier, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, nil
	}
	v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	return v, nil
}

// createGRPCServer creates the runner control server, with runner token auth
// when tokens is non-nil.
func createGRPCServer(tokens *auth.JWTVerifier, logger *slog.Logger) *grpc.Server {
	interceptor := auth.NoAuthStreamInterceptor()
	if tokens != nil {
		interceptor = auth.StreamInterceptor(tokens, logger.With("component", "auth"))
		logger.Info("runner auth enabled (JWT)")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainStreamInterceptor(interceptor),
	)
}

// Controller exposes the fleet operations, mainly for tests and tooling.
func (g *Gateway) Controller() *fleet.Controller { return g.fleet }

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

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
		select {
		case more := <-errCh:
			g.logger.Error("additional server error", "error", more)
		default:
		}
		return err
	}
}

// Run starts the servers and periodic jobs and blocks until ctx is canceled.
// Returns nil on graceful shutdown, or the first server error.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	g.scheduler.Start()
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the Run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "chopsticks-fleet", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens for runners and API
// callers there. Only tailnet members can reach the controller.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	st, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, st)

	grpcLn, err = g.tsnetServer.Listen("tcp", tailnetGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = g.tsnetServer.Listen("tcp", tailnetHTTPPort)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, st *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(st.TailscaleIPs) > 0 {
		tsAddr = st.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if st.Self != nil {
		dnsName = st.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
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

// Shutdown stops jobs and servers, tells runners to go away and releases
// resources. Live state is not persisted.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() { g.shutdownErr = g.shutdown(ctx) })
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.stopScheduler(ctx)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.control.shutdownRunners("controller shutting down")
	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.agents.Close()
	if g.reconciler != nil {
		g.reconciler.Close()
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.agents.Snapshot().Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}

// generateServerID creates a unique identifier for this controller instance.
func generateServerID() string {
	return "fleetd-" + ulid.Make().String()
}
