// ABOUTME: Shared fixtures for gateway tests: config, fake platform and a scripted runner
// ABOUTME: Runners dial a real gRPC listener on localhost

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/wokspec/chopsticks-fleet/internal/config"
	"github.com/wokspec/chopsticks-fleet/internal/fault"
	"github.com/wokspec/chopsticks-fleet/internal/platform"
	"github.com/wokspec/chopsticks-fleet/internal/registry"
	"github.com/wokspec/chopsticks-fleet/internal/store"
	"github.com/wokspec/chopsticks-fleet/internal/wire"
)

const (
	testOwner     = "100000000000000001"
	testSuperuser = "100000000000000099"
)

// freeAddr returns a localhost address that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig creates a minimal config with free ports and a temp database.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: freeAddr(t),
			HTTPAddr: freeAddr(t),
		},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "fleet.db")},
		Auth:     config.AuthConfig{CredentialKey: "gateway-test-credential-key"},
		Fleet: config.FleetConfig{
			IdleSweepInterval:  config.Duration{Duration: 30 * time.Second},
			RequestTimeout:     config.Duration{Duration: 2 * time.Second},
			PinTTL:             config.Duration{Duration: 5 * time.Minute},
			VerifiedTTL:        config.Duration{Duration: 15 * time.Minute},
			ContributionWindow: config.Duration{Duration: time.Hour},
			GuildCap:           49,
			ContributionLimit:  3,
			Superusers:         []string{testSuperuser},
		},
		Logging: config.LoggingConfig{Level: "info", Format: "text"},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePlatform answers credential handshakes and membership queries.
type fakePlatform struct {
	mu      sync.Mutex
	bots    map[string]*platform.BotIdentity
	members map[string]bool // guild + "/" + user
	err     error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{bots: map[string]*platform.BotIdentity{}, members: map[string]bool{}}
}

func (f *fakePlatform) VerifyBot(_ context.Context, credential string) (*platform.BotIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.bots[credential]
	if !ok {
		return nil, fault.Remote(errors.New("401 unauthorized"), "credential handshake failed")
	}
	return id, nil
}

func (f *fakePlatform) IsMember(_ context.Context, guildID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.members[guildID+"/"+userID], nil
}

// addBot makes credential prove control of clientID. The bot user id equals
// the client id.
func (f *fakePlatform) addBot(credential, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bots[credential] = &platform.BotIdentity{ClientID: clientID, BotUserID: clientID, DisplayTag: "bot" + clientID[len(clientID)-2:] + "#0001"}
}

func (f *fakePlatform) join(guildID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[guildID+"/"+userID] = true
}

type testGateway struct {
	*Gateway
	platform *fakePlatform
}

// newTestGateway builds a gateway with a fake platform. It is not running;
// call serveGRPC to accept runners.
func newTestGateway(t *testing.T, cfg *config.Config) *testGateway {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	fp := newFakePlatform()
	gw, err := newGateway(cfg, fp, fp, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return &testGateway{Gateway: gw, platform: fp}
}

// serveGRPC starts the control server on a local listener.
func (g *testGateway) serveGRPC(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = g.grpcServer.Serve(ln) }()
	return ln.Addr().String()
}

// pool creates a pool owned by owner.
func (g *testGateway) pool(t *testing.T, owner string, vis store.Visibility) *store.Pool {
	t.Helper()
	p, err := g.registry.CreatePool(context.Background(), owner, "pool "+string(vis)+" "+owner[len(owner)-2:], vis)
	require.NoError(t, err)
	return p
}

// registerAgent registers clientID into poolID as the pool owner and returns
// the agent id.
func (g *testGateway) registerAgent(t *testing.T, owner, poolID, clientID string) string {
	t.Helper()
	cred := "token-for-" + clientID
	g.platform.addBot(cred, clientID)
	res, err := g.registry.Register(context.Background(), registry.RegisterRequest{
		ActorID:    owner,
		Credential: cred,
		ClientID:   clientID,
		PoolID:     poolID,
	})
	require.NoError(t, err)
	return res.AgentID
}

// testRunner is a scripted runner on a real Connect stream.
type testRunner struct {
	conn    *grpc.ClientConn
	stream  wire.ConnectClient
	cancel  context.CancelFunc
	Welcome *wire.Welcome
}

// dialRunner opens a stream, sends Hello and waits for Welcome.
func dialRunner(t *testing.T, addr, runnerID string, agentIDs []string, opts ...grpc.DialOption) (*testRunner, error) {
	t.Helper()
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &testRunner{conn: conn, cancel: cancel}
	t.Cleanup(r.close)

	stream, err := wire.Connect(ctx, conn)
	if err != nil {
		return nil, err
	}
	r.stream = stream
	if err := stream.Send(&wire.RunnerMessage{Hello: &wire.Hello{RunnerID: runnerID, AgentIDs: agentIDs}}); err != nil {
		return nil, err
	}
	msg, err := stream.Recv()
	if err != nil {
		return nil, err
	}
	if msg.Welcome == nil {
		return nil, errors.New("expected welcome")
	}
	r.Welcome = msg.Welcome
	return r, nil
}

func (r *testRunner) close() {
	r.cancel()
	_ = r.conn.Close()
}

func (r *testRunner) status(t *testing.T, st *wire.StatusUpdate) {
	t.Helper()
	require.NoError(t, r.stream.Send(&wire.RunnerMessage{Status: st}))
}

// nextCommand waits for the next Command message.
func (r *testRunner) nextCommand(t *testing.T) *wire.Command {
	t.Helper()
	msg, err := r.stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, msg.Command, "expected a command")
	return msg.Command
}

func (r *testRunner) reply(t *testing.T, rep *wire.Reply) {
	t.Helper()
	require.NoError(t, r.stream.Send(&wire.RunnerMessage{Reply: rep}))
}

// waitFor polls cond until it holds.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond, msg)
}
