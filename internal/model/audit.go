package model

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions. Domain packages may record additional tags.
const (
	ActionCreated               = "created"
	ActionUpdated               = "updated"
	ActionDeleted               = "deleted"
	ActionLogin                 = "login"
	ActionLogout                = "logout"
	ActionAPIRequest            = "api_request"
	ActionPasswordChange        = "password_change"
	ActionUserProvisionApproved = "user_provision_approved"
)

// AuditTargetHTTP is the target type of api_request entries; their target
// id is the request path.
const AuditTargetHTTP = "http"

// AuditTable is the table holding audit entries. It is never audited itself.
const AuditTable = "audit_entries"

// AuditEntry is an immutable record of a state change or inbound API call.
// ActorID is nil for anonymous and system work.
type AuditEntry struct {
	ID         int64          `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	ActorID    *uuid.UUID     `json:"actor_id"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Payload    map[string]any `json:"payload"`
	RequestID  string         `json:"request_id,omitempty"`
}

// AuditFilter narrows an audit listing. Zero values match everything.
type AuditFilter struct {
	ActorID    *uuid.UUID
	Action     string
	TargetType string
	TargetID   string
	Since      *time.Time
	Limit      int
	Offset     int
}
