package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/eduassist/eduassist/internal/model"
)

// InsertAuditEntry appends an audit entry and sets its ID. The target table
// rejects UPDATE and DELETE.
func (db *DB) InsertAuditEntry(ctx context.Context, e *model.AuditEntry) error {
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal audit payload: %w", err)
	}

	var reqID *string
	if e.RequestID != "" {
		reqID = &e.RequestID
	}

	err = withRetry(ctx, auditRetry, func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO audit_entries (created_at, actor_id, action, target_type, target_id, payload, request_id)
			 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
			 RETURNING id`,
			e.Timestamp, e.ActorID, e.Action, e.TargetType, e.TargetID, payload, reqID,
		).Scan(&e.ID)
	})
	if err != nil {
		return fmt.Errorf("storage: insert audit entry: %w", err)
	}
	return nil
}

const maxAuditPage = 10_000

// ListAuditEntries returns entries matching f, newest first.
func (db *DB) ListAuditEntries(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorID != nil {
		add("actor_id = $%d", *f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.TargetType != "" {
		add("target_type = $%d", f.TargetType)
	}
	if f.TargetID != "" {
		add("target_id = $%d", f.TargetID)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	limit = min(limit, maxAuditPage)
	query := `SELECT id, created_at, actor_id, action, target_type, target_id, payload, COALESCE(request_id, '')
	          FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var (
			e   model.AuditEntry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID, &raw, &e.RequestID); err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Payload); err != nil {
			return nil, fmt.Errorf("storage: unmarshal audit payload: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list audit entries: %w", err)
	}
	return entries, nil
}
