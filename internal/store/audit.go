// ABOUTME: Audit log entity and store methods for tracking fleet mutations
// ABOUTME: Records which chat user changed which agent, pool or guild setting

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditRegisterAgent     AuditAction = "register_agent"
	AuditContributeAgent   AuditAction = "contribute_agent"
	AuditUpdateAgentStatus AuditAction = "update_agent_status"
	AuditUpdateProfile     AuditAction = "update_agent_profile"
	AuditDeleteAgent       AuditAction = "delete_agent"
	AuditRestartAgent      AuditAction = "restart_agent"
	AuditScaleAgent        AuditAction = "scale_agent"
	AuditCreatePool        AuditAction = "create_pool"
	AuditTransferPool      AuditAction = "transfer_pool"
	AuditSetVisibility     AuditAction = "set_pool_visibility"
	AuditDeletePool        AuditAction = "delete_pool"
	AuditSetGuildPool      AuditAction = "set_guild_pool"
	AuditSetIdlePolicy     AuditAction = "set_idle_policy"
)

// AuditEntry represents a single audit log entry. Detail must never carry
// credentials.
type AuditEntry struct {
	ID         string
	ActorID    string // chat user who performed the action
	Action     AuditAction
	TargetType string // "agent", "pool", "guild"
	TargetID   string
	Timestamp  time.Time
	Detail     map[string]any
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since      *time.Time
	ActorID    *string
	Action     *AuditAction
	TargetType *string
	TargetID   *string
	Limit      int // default 100, max 1000
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, actor_user_id, action, target_type, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ActorID, e.Action, e.TargetType, e.TargetID, formatTime(e.Timestamp), detailJSON)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.ActorID,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const auditLogQuery = `
	SELECT audit_id, actor_user_id, action, target_type, target_id, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR actor_user_id = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR target_type = ?)
	  AND (? IS NULL OR target_id = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var since, action *string
	if f.Since != nil {
		v := formatTime(*f.Since)
		since = &v
	}
	if f.Action != nil {
		v := string(*f.Action)
		action = &v
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		since, since,
		f.ActorID, f.ActorID,
		action, action,
		f.TargetType, f.TargetType,
		f.TargetID, f.TargetID,
		normalizeAuditLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var actionStr, ts string
		var detailJSON *string
		if err := rows.Scan(&e.ID, &e.ActorID, &actionStr, &e.TargetType, &e.TargetID, &ts, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = AuditAction(actionStr)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
