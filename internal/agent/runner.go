// ABOUTME: Represents a single connected runner and its bidirectional stream
// ABOUTME: Serializes sends and routes replies to pending requests by request ID

package agent

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wokspec/chopsticks-fleet/internal/fault"
	"github.com/wokspec/chopsticks-fleet/internal/wire"
)

// ErrRunnerClosed is returned when sending to, or waiting on, a closed runner.
var ErrRunnerClosed = errors.New("runner connection closed")

// Sender is the outbound half of a runner stream.
type Sender interface {
	Send(*wire.ServerMessage) error
}

// Runner represents a connected runner process.
type Runner struct {
	ID          string
	ConnectedAt time.Time

	stream  Sender
	sendMu  sync.Mutex
	pending map[string]chan *wire.Reply
	secrets []string // credentials handed out in Welcome
	closed  bool
	mu      sync.Mutex
	logger  *slog.Logger
}

// NewRunner creates a Runner for an accepted stream.
func NewRunner(id string, stream Sender, logger *slog.Logger) *Runner {
	return &Runner{
		ID:          id,
		ConnectedAt: time.Now(),
		stream:      stream,
		pending:     make(map[string]chan *wire.Reply),
		logger:      logger,
	}
}

// Send transmits a message to the runner. gRPC streams do not allow
// concurrent sends, so calls are serialized.
func (r *Runner) Send(msg *wire.ServerMessage) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrRunnerClosed
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	return r.stream.Send(msg)
}

// HoldSecrets records credentials delivered to this runner so that text
// coming back from it can be scrubbed with Redact.
func (r *Runner) HoldSecrets(secrets ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets = append(r.secrets, secrets...)
}

// Redact strips every credential this runner holds from msg.
func (r *Runner) Redact(msg string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fault.Redact(msg, r.secrets...)
}

// CreateRequest registers a pending request and returns the channel its reply
// will arrive on. The channel is closed without a value if the runner closes
// first. Callers must call CloseRequest when done.
func (r *Runner) CreateRequest(requestID string) (<-chan *wire.Reply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRunnerClosed
	}
	ch := make(chan *wire.Reply, 1)
	r.pending[requestID] = ch
	return ch, nil
}

// CloseRequest removes a pending request.
func (r *Runner) CloseRequest(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.pending[requestID]; ok {
		close(ch)
		delete(r.pending, requestID)
	}
}

// HandleReply routes a reply to its pending request.
// Replies for unknown or already answered requests are logged and discarded.
func (r *Runner) HandleReply(reply *wire.Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.pending[reply.RequestID]
	if !ok {
		r.logger.Warn("received reply for unknown request",
			"request_id", reply.RequestID,
			"runner_id", r.ID,
		)
		return
	}

	// Non-blocking send: a second reply to the same request is dropped
	select {
	case ch <- reply:
	default:
		r.logger.Warn("duplicate reply dropped",
			"request_id", reply.RequestID,
			"runner_id", r.ID,
		)
	}
}

// Close marks the runner closed and fails all pending requests.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

// PendingCount returns the number of requests awaiting a reply.
func (r *Runner) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
