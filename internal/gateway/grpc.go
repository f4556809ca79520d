// ABOUTME: AgentControl gRPC service: the persistent channel each runner holds open
// ABOUTME: Admits announced agents against the registry and feeds status and replies to the live table

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wokspec/chopsticks-fleet/internal/agent"
	"github.com/wokspec/chopsticks-fleet/internal/auth"
	"github.com/wokspec/chopsticks-fleet/internal/fault"
	"github.com/wokspec/chopsticks-fleet/internal/registry"
	"github.com/wokspec/chopsticks-fleet/internal/store"
	"github.com/wokspec/chopsticks-fleet/internal/wire"
)

// Rejection reasons sent back in Welcome.
const (
	reasonUnknown     = "unknown agent"
	reasonInactive    = "agent is inactive"
	reasonUnavailable = "credential unavailable"
)

// controlServer implements wire.AgentControlServer.
type controlServer struct {
	serverID string
	agents   *agent.Manager
	registry *registry.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	runners map[*agent.Runner]struct{}
}

func newControlServer(serverID string, agents *agent.Manager, reg *registry.Registry, logger *slog.Logger) *controlServer {
	return &controlServer{
		serverID: serverID,
		agents:   agents,
		registry: reg,
		logger:   logger.With("component", "control"),
		runners:  map[*agent.Runner]struct{}{},
	}
}

// Connect handles one runner stream.
// Protocol flow:
// 1. Runner sends Hello listing the agent ids it hosts
// 2. Server answers Welcome with credentials for the accepted ids
// 3. Runner sends Status, Reply, Heartbeat or Goodbye messages
// 4. Server sends Command messages, and Shutdown when it is going away
func (s *controlServer) Connect(stream wire.ConnectServer) error {
	msg, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return status.Errorf(codes.Internal, "receiving first message: %v", err)
	}

	hello := msg.Hello
	if hello == nil || msg.Kind() != "hello" {
		return status.Error(codes.InvalidArgument, "first message must be hello")
	}
	if hello.RunnerID == "" {
		return status.Error(codes.InvalidArgument, "runner_id is required")
	}
	if len(hello.AgentIDs) == 0 {
		return status.Error(codes.InvalidArgument, "agent_ids must not be empty")
	}
	if err := checkRunnerIdentity(stream.Context(), hello.RunnerID); err != nil {
		return err
	}

	welcome := s.admit(stream.Context(), hello)
	runner := agent.NewRunner(hello.RunnerID, stream, s.logger.With("runner_id", hello.RunnerID))
	for _, a := range welcome.Accepted {
		runner.HoldSecrets(a.Credential)
	}

	if err := runner.Send(&wire.ServerMessage{Welcome: welcome}); err != nil {
		return status.Errorf(codes.Internal, "sending welcome: %v", err)
	}
	s.logger.Info("runner connected", "runner_id", hello.RunnerID, "version", hello.Version, "welcome", welcome)

	if len(welcome.Accepted) == 0 {
		return status.Error(codes.PermissionDenied, "no announced agent was accepted")
	}

	accepted := make([]string, 0, len(welcome.Accepted))
	for _, a := range welcome.Accepted {
		accepted = append(accepted, a.AgentID)
	}

	s.track(runner)
	defer s.untrack(runner)

	moved, err := s.agents.Attach(runner, accepted)
	if err != nil {
		return status.Errorf(codes.Unavailable, "attaching runner: %v", err)
	}
	defer func() {
		if err := s.agents.Detach(runner); err != nil && !errors.Is(err, agent.ErrManagerClosed) {
			s.logger.Warn("detaching runner", "runner_id", runner.ID, "error", err)
		}
	}()
	if len(moved) > 0 {
		s.logger.Warn("agents moved from an older runner", "runner_id", runner.ID, "agent_ids", moved)
	}

	return s.receive(stream, runner)
}

// receive is the main loop for an admitted runner.
func (s *controlServer) receive(stream wire.ConnectServer, runner *agent.Runner) error {
	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("runner disconnected (EOF)", "runner_id", runner.ID)
				return nil
			}
			if status.Code(err) == codes.Canceled {
				s.logger.Info("runner stream cancelled", "runner_id", runner.ID)
				return nil
			}
			s.logger.Error("receiving message", "runner_id", runner.ID, "error", err)
			return status.Errorf(codes.Internal, "receiving message: %v", err)
		}

		switch msg.Kind() {
		case "status":
			s.handleStatus(runner, msg.Status)
		case "reply":
			runner.HandleReply(msg.Reply)
		case "heartbeat":
			s.logger.Debug("received heartbeat", "runner_id", runner.ID, "timestamp_ms", msg.Heartbeat.TimestampMs)
		case "goodbye":
			if err := s.agents.DetachAgent(runner, msg.Goodbye.AgentID); err != nil {
				return status.Errorf(codes.Unavailable, "detaching agent: %v", err)
			}
		case "hello":
			s.logger.Warn("received duplicate hello", "runner_id", runner.ID)
		default:
			s.logger.Warn("received malformed message", "runner_id", runner.ID)
		}
	}
}

func (s *controlServer) handleStatus(runner *agent.Runner, st *wire.StatusUpdate) {
	err := s.agents.ApplyStatus(runner, st)
	switch {
	case err == nil:
	case errors.Is(err, agent.ErrAgentNotFound):
		s.logger.Warn("status for agent not hosted by this runner", "runner_id", runner.ID, "agent_id", st.AgentID)
	default:
		s.logger.Warn("applying status", "runner_id", runner.ID, "agent_id", st.AgentID, "error", err)
	}
}

// admit checks every announced id against the registry. Accepted agents
// get their credential; a restarting agent becomes active again.
func (s *controlServer) admit(ctx context.Context, hello *wire.Hello) *wire.Welcome {
	welcome := &wire.Welcome{ServerID: s.serverID, Accepted: []wire.AcceptedAgent{}}

	seen := map[string]bool{}
	for _, id := range hello.AgentIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		a, err := s.registry.GetAgent(ctx, id)
		if err != nil {
			if !errors.Is(err, fault.ErrNotFound) {
				s.logger.Error("loading announced agent", "agent_id", id, "error", err)
			}
			welcome.Rejected = append(welcome.Rejected, wire.RejectedAgent{AgentID: id, Reason: reasonUnknown})
			continue
		}
		if a.Status == store.AgentInactive {
			welcome.Rejected = append(welcome.Rejected, wire.RejectedAgent{AgentID: id, Reason: reasonInactive})
			continue
		}
		cred, err := s.registry.Credential(a)
		if err != nil {
			s.logger.Error("opening credential", "agent_id", id, "error", err)
			welcome.Rejected = append(welcome.Rejected, wire.RejectedAgent{AgentID: id, Reason: reasonUnavailable})
			continue
		}
		if err := s.registry.MarkReconnected(ctx, a); err != nil {
			s.logger.Warn("reactivating restarted agent", "agent_id", id, "error", err)
		}
		welcome.Accepted = append(welcome.Accepted, wire.AcceptedAgent{AgentID: id, Credential: cred})
	}
	return welcome
}

// checkRunnerIdentity requires an authenticated runner token's subject to
// match the announced runner id. Anonymous streams pass.
func checkRunnerIdentity(ctx context.Context, runnerID string) error {
	a := auth.FromContext(ctx)
	if a == nil || a.Subject == auth.Anonymous(auth.KindRunner).Subject {
		return nil
	}
	if a.Subject != runnerID {
		return status.Errorf(codes.PermissionDenied, "token was issued for runner %q", a.Subject)
	}
	return nil
}

func (s *controlServer) track(r *agent.Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[r] = struct{}{}
}

func (s *controlServer) untrack(r *agent.Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runners, r)
}

// shutdownRunners tells every connected runner the controller is going away.
func (s *controlServer) shutdownRunners(reason string) {
	s.mu.Lock()
	runners := make([]*agent.Runner, 0, len(s.runners))
	for r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	for _, r := range runners {
		if err := r.Send(&wire.ServerMessage{Shutdown: &wire.Shutdown{Reason: reason}}); err != nil {
			s.logger.Debug("sending shutdown", "runner_id", r.ID, "error", err)
		}
	}
}
