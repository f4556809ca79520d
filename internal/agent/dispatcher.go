// ABOUTME: RPC dispatcher correlating commands to one live runner with a reply or timeout
// ABOUTME: Timeouts are remote failures and never retried; best-effort calls only log

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wokspec/chopsticks-fleet/internal/fault"
	"github.com/wokspec/chopsticks-fleet/internal/wire"
)

// RequestOptions controls one dispatched command.
type RequestOptions struct {
	// Timeout bounds the wait for a reply. Zero uses the dispatcher default.
	Timeout time.Duration
	// BestEffort turns every failure into an undelivered Result with a nil
	// error. Use it for commands whose outcome the caller ignores.
	BestEffort bool
}

// Result is the outcome of a dispatched command.
type Result struct {
	RequestID string
	Delivered bool
	Data      json.RawMessage
	Err       error // set for best-effort calls that failed
}

// Dispatcher sends commands to agents through the Manager's live table.
type Dispatcher struct {
	table   *Manager
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher with a default reply timeout.
func NewDispatcher(m *Manager, defaultTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	return &Dispatcher{
		table:   m,
		timeout: defaultTimeout,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Request sends command name with payload to agentID and waits for the
// correlated reply. Concurrent requests to the same agent are allowed and
// carry no ordering guarantee.
func (d *Dispatcher) Request(ctx context.Context, agentID, name string, payload any, opts RequestOptions) (*Result, error) {
	requestID := ulid.Make().String()
	res, err := d.request(ctx, requestID, agentID, name, payload, opts)
	if err == nil {
		return res, nil
	}
	if opts.BestEffort {
		d.logger.Warn("best-effort command failed",
			"agent_id", agentID,
			"command", name,
			"request_id", requestID,
			"error", err,
		)
		return &Result{RequestID: requestID, Err: err}, nil
	}
	return nil, err
}

func (d *Dispatcher) request(ctx context.Context, requestID, agentID, name string, payload any, opts RequestOptions) (*Result, error) {
	if agentID == "" || name == "" {
		return nil, fault.Validation("agent id and command are required")
	}

	runner, ok := d.table.Snapshot().runner(agentID)
	if !ok {
		return nil, fault.NotFound("agent %s is not connected", agentID)
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", name, err)
		}
		raw = data
	}

	replies, err := runner.CreateRequest(requestID)
	if err != nil {
		return nil, fault.Remote(err, "agent %s disconnected", agentID)
	}
	defer runner.CloseRequest(requestID)

	if err := runner.Send(&wire.ServerMessage{Command: &wire.Command{
		RequestID: requestID,
		AgentID:   agentID,
		Name:      name,
		Payload:   raw,
	}}); err != nil {
		return nil, fault.Remote(err, "sending %s to agent %s failed", name, agentID)
	}

	d.logger.Debug("command sent", "agent_id", agentID, "command", name, "request_id", requestID)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, fault.Remote(ctx.Err(), "%s to agent %s cancelled", name, agentID)
	case <-timer.C:
		return nil, fault.Remote(context.DeadlineExceeded, "agent %s did not answer %s within %s", agentID, name, timeout)
	case reply, ok := <-replies:
		if !ok {
			return nil, fault.Remote(ErrRunnerClosed, "agent %s disconnected before answering %s", agentID, name)
		}
		if !reply.OK {
			msg := runner.Redact(reply.Error)
			if msg == "" {
				msg = "unspecified error"
			}
			return nil, fault.Remote(errors.New(msg), "agent %s failed %s: %s", agentID, name, msg)
		}
		data := reply.Data
		if len(data) > 0 {
			data = json.RawMessage(runner.Redact(string(data)))
		}
		return &Result{RequestID: requestID, Delivered: true, Data: data}, nil
	}
}
