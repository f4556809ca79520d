// ABOUTME: Tests for Runner send serialization and reply correlation
// ABOUTME: Uses an in-memory stream that records sent messages

package agent

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wokspec/chopsticks-fleet/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockStream records messages and can answer commands automatically.
type mockStream struct {
	mu      sync.Mutex
	sent    []*wire.ServerMessage
	sendErr error
	onSend  func(*wire.ServerMessage)
}

func (m *mockStream) Send(msg *wire.ServerMessage) error {
	m.mu.Lock()
	if m.sendErr != nil {
		m.mu.Unlock()
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	hook := m.onSend
	m.mu.Unlock()
	if hook != nil {
		go hook(msg)
	}
	return nil
}

func (m *mockStream) sentMessages() []*wire.ServerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*wire.ServerMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

func TestRunnerSend(t *testing.T) {
	stream := &mockStream{}
	r := NewRunner("runner-1", stream, testLogger())

	require.NoError(t, r.Send(&wire.ServerMessage{Shutdown: &wire.Shutdown{Reason: "bye"}}))
	sent := stream.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "bye", sent[0].Shutdown.Reason)

	r.Close()
	assert.ErrorIs(t, r.Send(&wire.ServerMessage{}), ErrRunnerClosed)
}

func TestRunnerRequestCorrelation(t *testing.T) {
	r := NewRunner("runner-1", &mockStream{}, testLogger())

	a, err := r.CreateRequest("req-a")
	require.NoError(t, err)
	b, err := r.CreateRequest("req-b")
	require.NoError(t, err)

	r.HandleReply(&wire.Reply{RequestID: "req-b", OK: true})
	r.HandleReply(&wire.Reply{RequestID: "req-unknown", OK: true})

	select {
	case got := <-b:
		assert.Equal(t, "req-b", got.RequestID)
	default:
		t.Fatal("reply not routed")
	}
	select {
	case <-a:
		t.Fatal("reply routed to wrong request")
	default:
	}

	r.CloseRequest("req-a")
	_, ok := <-a
	assert.False(t, ok, "closed request channel")
}

func TestRunnerDuplicateReplyDropped(t *testing.T) {
	r := NewRunner("runner-1", &mockStream{}, testLogger())
	ch, err := r.CreateRequest("req")
	require.NoError(t, err)

	r.HandleReply(&wire.Reply{RequestID: "req", OK: true})
	r.HandleReply(&wire.Reply{RequestID: "req", OK: false})

	got := <-ch
	assert.True(t, got.OK)
}

func TestRunnerCloseFailsPending(t *testing.T) {
	r := NewRunner("runner-1", &mockStream{}, testLogger())
	ch, err := r.CreateRequest("req")
	require.NoError(t, err)

	r.Close()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, r.PendingCount())

	_, err = r.CreateRequest("late")
	assert.True(t, errors.Is(err, ErrRunnerClosed))
	r.Close()
}

func TestRunnerConcurrentSends(t *testing.T) {
	stream := &mockStream{}
	r := NewRunner("runner-1", stream, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Send(&wire.ServerMessage{})
		}()
	}
	wg.Wait()
	assert.Len(t, stream.sentMessages(), 50)
}
