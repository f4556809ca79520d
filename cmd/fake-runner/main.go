// ABOUTME: Minimal fake runner for E2E testing: hosts agents over the control stream and acks every command
// ABOUTME: Usage: fake-runner [--addr localhost:50051] [--id runner-1] --agent agent123... [--guild g1]

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/wokspec/chopsticks-fleet/internal/auth"
	"github.com/wokspec/chopsticks-fleet/internal/wire"
)

type options struct {
	addr      string
	runnerID  string
	agents    []string
	guilds    []string
	token     string
	heartbeat time.Duration
	fail      []string
}

func main() {
	var opts options
	fs := pflag.NewFlagSet("fake-runner", pflag.ExitOnError)
	fs.StringVar(&opts.addr, "addr", "localhost:50051", "controller gRPC address")
	fs.StringVar(&opts.runnerID, "id", "fake-runner", "runner id (must match the token subject)")
	fs.StringSliceVar(&opts.agents, "agent", nil, "agent id to host (repeatable)")
	fs.StringSliceVar(&opts.guilds, "guild", nil, "guild id every agent claims (repeatable)")
	fs.StringVar(&opts.token, "token", os.Getenv("FLEET_RUNNER_TOKEN"), "runner token")
	fs.DurationVar(&opts.heartbeat, "heartbeat", 15*time.Second, "heartbeat interval")
	fs.StringSliceVar(&opts.fail, "fail", nil, "command names to answer with an error")
	_ = fs.Parse(os.Args[1:])

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.TimeOnly}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("fake runner failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	if len(opts.agents) == 0 {
		return errors.New("at least one --agent is required")
	}

	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if opts.token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(auth.BearerCredentials{Token: opts.token, Insecure: true}))
	}
	conn, err := grpc.NewClient(opts.addr, dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	stream, err := wire.Connect(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}

	r := &runner{stream: stream, logger: logger, fail: map[string]bool{}, guilds: opts.guilds}
	for _, name := range opts.fail {
		r.fail[name] = true
	}

	if err := r.send(&wire.RunnerMessage{Hello: &wire.Hello{RunnerID: opts.runnerID, AgentIDs: opts.agents, Version: "fake"}}); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	msg, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("failed to receive welcome: %w", err)
	}
	if msg.Welcome == nil {
		return errors.New("expected welcome as the first message")
	}
	for _, rej := range msg.Welcome.Rejected {
		logger.Warn("agent rejected", "agent_id", rej.AgentID, "reason", rej.Reason)
	}
	logger.Info("connected", "server_id", msg.Welcome.ServerID, "accepted", len(msg.Welcome.Accepted))

	for _, a := range msg.Welcome.Accepted {
		if err := r.reportReady(a.AgentID); err != nil {
			return err
		}
	}

	go r.heartbeats(ctx, opts.heartbeat)
	return r.loop(ctx)
}

// runner owns the client stream. Sends are serialized; the stream is not
// safe for concurrent Send.
type runner struct {
	mu     sync.Mutex
	stream wire.ConnectClient
	logger *slog.Logger
	guilds []string
	fail   map[string]bool
}

func (r *runner) send(msg *wire.RunnerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream.Send(msg)
}

func (r *runner) reportReady(agentID string) error {
	return r.send(&wire.RunnerMessage{Status: &wire.StatusUpdate{
		AgentID:        agentID,
		Ready:          true,
		GuildIDs:       r.guilds,
		LastActivityMs: time.Now().UnixMilli(),
	}})
}

func (r *runner) heartbeats(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if err := r.send(&wire.RunnerMessage{Heartbeat: &wire.Heartbeat{TimestampMs: t.UnixMilli()}}); err != nil {
				return
			}
		}
	}
}

func (r *runner) loop(ctx context.Context) error {
	for {
		msg, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("recv error: %w", err)
		}

		switch {
		case msg.Shutdown != nil:
			r.logger.Info("controller asked us to stop", "reason", msg.Shutdown.Reason)
			return nil
		case msg.Command != nil:
			r.handle(msg.Command)
		}
	}
}

func (r *runner) handle(cmd *wire.Command) {
	r.logger.Info("command", "agent_id", cmd.AgentID, "name", cmd.Name, "request_id", cmd.RequestID)

	reply := &wire.Reply{RequestID: cmd.RequestID, OK: true}
	if r.fail[cmd.Name] {
		reply.OK = false
		reply.Error = "configured to fail " + cmd.Name
	} else {
		data, _ := json.Marshal(map[string]any{"echo": cmd.Name, "payload": cmd.Payload})
		reply.Data = data
	}
	if err := r.send(&wire.RunnerMessage{Reply: reply}); err != nil {
		r.logger.Warn("send reply failed", "error", err)
		return
	}

	if reply.OK && (cmd.Name == wire.CmdMusicLeave || cmd.Name == wire.CmdAssistantLeave) {
		if err := r.reportReady(cmd.AgentID); err != nil {
			r.logger.Warn("send status failed", "error", err)
		}
	}
}
