// ABOUTME: Runner control protocol messages exchanged on the Connect stream
// ABOUTME: Each envelope carries exactly one populated payload field

package wire

import (
	"encoding/json"
	"log/slog"
)

// Busy kinds reported by runners and used as session kinds.
const (
	KindMusic     = "music"
	KindAssistant = "assistant"
)

// Command names understood by runners.
const (
	CmdMusicLeave     = "music.leave"
	CmdAssistantLeave = "assistant.leave"
	CmdScale          = "scale"
	CmdRestart        = "restart"
)

// RunnerMessage is sent from a runner to the controller.
type RunnerMessage struct {
	Hello     *Hello        `json:"hello,omitempty"`
	Status    *StatusUpdate `json:"status,omitempty"`
	Reply     *Reply        `json:"reply,omitempty"`
	Heartbeat *Heartbeat    `json:"heartbeat,omitempty"`
	Goodbye   *Goodbye      `json:"goodbye,omitempty"`
}

// Kind names the populated payload, or "" when none or more than one is set.
func (m *RunnerMessage) Kind() string {
	kind, n := "", 0
	if m.Hello != nil {
		kind, n = "hello", n+1
	}
	if m.Status != nil {
		kind, n = "status", n+1
	}
	if m.Reply != nil {
		kind, n = "reply", n+1
	}
	if m.Heartbeat != nil {
		kind, n = "heartbeat", n+1
	}
	if m.Goodbye != nil {
		kind, n = "goodbye", n+1
	}
	if n != 1 {
		return ""
	}
	return kind
}

// Hello opens a runner session.
type Hello struct {
	RunnerID string   `json:"runner_id"`
	AgentIDs []string `json:"agent_ids"`
	Version  string   `json:"version,omitempty"`
}

// StatusUpdate reports the live state of one hosted agent.
type StatusUpdate struct {
	AgentID        string   `json:"agent_id"`
	Ready          bool     `json:"ready"`
	BusyKey        string   `json:"busy_key,omitempty"`
	BusyKind       string   `json:"busy_kind,omitempty"`
	GuildIDs       []string `json:"guild_ids"`
	BotUserID      string   `json:"bot_user_id,omitempty"`
	DisplayTag     string   `json:"display_tag,omitempty"`
	LastActivityMs int64    `json:"last_activity_ms,omitempty"`
}

// Reply answers a Command by request id.
type Reply struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Heartbeat keeps an idle stream visibly alive.
type Heartbeat struct {
	TimestampMs int64 `json:"timestamp_ms"`
}

// Goodbye reports that one hosted agent went offline while the runner stays up.
type Goodbye struct {
	AgentID string `json:"agent_id"`
}

// ServerMessage is sent from the controller to a runner.
type ServerMessage struct {
	Welcome  *Welcome  `json:"welcome,omitempty"`
	Command  *Command  `json:"command,omitempty"`
	Shutdown *Shutdown `json:"shutdown,omitempty"`
}

// Welcome answers Hello.
type Welcome struct {
	ServerID string          `json:"server_id"`
	Accepted []AcceptedAgent `json:"accepted"`
	Rejected []RejectedAgent `json:"rejected,omitempty"`
}

// LogValue keeps credentials out of logs.
func (w *Welcome) LogValue() slog.Value {
	ids := make([]string, 0, len(w.Accepted))
	for _, a := range w.Accepted {
		ids = append(ids, a.AgentID)
	}
	return slog.GroupValue(
		slog.String("server_id", w.ServerID),
		slog.Any("accepted", ids),
		slog.Int("rejected", len(w.Rejected)),
	)
}

// AcceptedAgent carries the credential a runner logs in with.
type AcceptedAgent struct {
	AgentID    string `json:"agent_id"`
	Credential string `json:"credential"`
}

// LogValue keeps the credential out of logs.
func (a AcceptedAgent) LogValue() slog.Value {
	return slog.StringValue(a.AgentID)
}

// RejectedAgent explains why an announced agent id was refused.
type RejectedAgent struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// Command asks a runner to act on behalf of one agent.
type Command struct {
	RequestID string          `json:"request_id"`
	AgentID   string          `json:"agent_id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Shutdown tells a runner the controller is going away.
type Shutdown struct {
	Reason string `json:"reason"`
}

// LeavePayload is the payload of music.leave and assistant.leave.
type LeavePayload struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
}

// ScalePayload is the payload of scale.
type ScalePayload struct {
	Count int `json:"count"`
}

// RestartPayload is the payload of restart.
type RestartPayload struct {
	Reason string `json:"reason,omitempty"`
}
