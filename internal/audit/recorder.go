// Package audit writes the append-only audit trail.
//
// Every public method of Recorder is best-effort: failures are logged at
// ERROR, counted on the eduassist.audit.write_failures instrument and
// otherwise discarded. Nothing here returns an error or panics into the
// caller, and no audit write shares a transaction with the change it records.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/eduassist/eduassist/internal/ctxutil"
	"github.com/eduassist/eduassist/internal/model"
	"github.com/eduassist/eduassist/internal/telemetry"
)

// Store persists audit entries. Implementations only ever insert.
type Store interface {
	InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error
}

// Entity is a tracked domain record.
type Entity interface {
	TableName() string
	EntityID() string
}

// Event is a domain-tagged audit entry such as password_change. Actor, when
// set, takes precedence over the ambient actor.
type Event struct {
	Action     string
	TargetType string
	TargetID   string
	Actor      *model.Principal
	Payload    map[string]any
}

// Options configures a Recorder.
type Options struct {
	// Disabled turns every Record* call into a no-op (migrations, test harness).
	Disabled bool
	// TrackedTypes lists the tables whose entity changes are audited.
	// Empty means model.AuditedTables.
	TrackedTypes []string
	// WriteTimeout bounds one write including retries. Default 5s.
	WriteTimeout time.Duration
	// MaxAttempts is the number of insert attempts. Default 3.
	MaxAttempts int
	Logger      *slog.Logger
}

var auditMeter = telemetry.Meter("eduassist/audit")

// Recorder builds and persists audit entries.
type Recorder struct {
	store    Store
	disabled bool
	tracked  map[string]bool
	timeout  time.Duration
	attempts int
	logger   *slog.Logger
	now      func() time.Time
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store Store, opts Options) *Recorder {
	tracked := opts.TrackedTypes
	if len(tracked) == 0 {
		tracked = model.AuditedTables()
	}
	r := &Recorder{
		store:    store,
		disabled: opts.Disabled,
		tracked:  make(map[string]bool, len(tracked)),
		timeout:  opts.WriteTimeout,
		attempts: opts.MaxAttempts,
		logger:   opts.Logger,
		now:      time.Now,
	}
	for _, t := range tracked {
		r.tracked[t] = true
	}
	if r.timeout <= 0 {
		r.timeout = 5 * time.Second
	}
	if r.attempts <= 0 {
		r.attempts = 3
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Enabled reports whether entries are written at all.
func (r *Recorder) Enabled() bool {
	return r != nil && !r.disabled && r.store != nil
}

// Tracks reports whether entity changes on table are audited. The audit
// table itself never is.
func (r *Recorder) Tracks(table string) bool {
	return table != model.AuditTable && r.tracked[table]
}

// RecordEntityChange records a create, update or delete of entity.
// Attribution: explicit, then ctxutil.ActorOverride, then the ambient actor,
// then anonymous. The payload is a JSON-safe snapshot of the entity's fields.
func (r *Recorder) RecordEntityChange(ctx context.Context, entity Entity, action string, explicit *model.Principal) {
	if !r.Enabled() {
		return
	}
	r.safely(ctx, action, func() error {
		entry, err := r.entityEntry(ctx, entity, action, explicit)
		if err != nil || entry == nil {
			return err
		}
		return r.record(ctx, entry)
	})
}

// entityEntry builds the entry for an entity change, or nil when the table
// is not tracked. The snapshot is taken now, not when the entry is written.
func (r *Recorder) entityEntry(ctx context.Context, entity Entity, action string, explicit *model.Principal) (*model.AuditEntry, error) {
	if entity == nil {
		return nil, fmt.Errorf("nil entity")
	}
	table := entity.TableName()
	if !r.Tracks(table) {
		return nil, nil
	}
	return &model.AuditEntry{
		Timestamp:  r.now().UTC(),
		ActorID:    attributedActor(ctx, explicit).IDPtr(),
		Action:     action,
		TargetType: table,
		TargetID:   entity.EntityID(),
		Payload:    Snapshot(entity),
		RequestID:  ctxutil.RequestIDFromContext(ctx),
	}, nil
}

// RecordAPICall records one inbound API request after its response status
// is known. The actor is the ambient one.
func (r *Recorder) RecordAPICall(ctx context.Context, meta ctxutil.RequestMetadata, status int) {
	if !r.Enabled() {
		return
	}
	r.safely(ctx, model.ActionAPIRequest, func() error {
		entry := model.AuditEntry{
			ActorID:    ctxutil.Actor(ctx).IDPtr(),
			Action:     model.ActionAPIRequest,
			TargetType: model.AuditTargetHTTP,
			TargetID:   meta.Path,
			Payload: map[string]any{
				"method":        meta.Method,
				"status":        status,
				"remoteAddress": meta.RemoteAddress,
				"userAgent":     meta.UserAgent,
				"timestamp":     r.now().UTC().Format(time.RFC3339Nano),
			},
			RequestID: meta.RequestID,
		}
		return r.record(ctx, &entry)
	})
}

// RecordAuthEvent records a login or logout, attributed to actor directly.
func (r *Recorder) RecordAuthEvent(ctx context.Context, actor *model.Principal, kind string, meta ctxutil.RequestMetadata) {
	if !r.Enabled() {
		return
	}
	r.safely(ctx, kind, func() error {
		entry := model.AuditEntry{
			ActorID:    actor.IDPtr(),
			Action:     kind,
			TargetType: "users",
			Payload: map[string]any{
				"remoteAddress": meta.RemoteAddress,
				"userAgent":     meta.UserAgent,
			},
			RequestID: meta.RequestID,
		}
		if actor.IsAuthenticated() {
			entry.TargetID = actor.ID.String()
		}
		return r.record(ctx, &entry)
	})
}

// RecordEvent records a domain-tagged event with an explicit payload.
func (r *Recorder) RecordEvent(ctx context.Context, ev Event) {
	if !r.Enabled() {
		return
	}
	r.safely(ctx, ev.Action, func() error {
		if ev.Action == "" {
			return fmt.Errorf("event without action")
		}
		entry := model.AuditEntry{
			ActorID:    attributedActor(ctx, ev.Actor).IDPtr(),
			Action:     ev.Action,
			TargetType: ev.TargetType,
			TargetID:   ev.TargetID,
			Payload:    normalizeMap(ev.Payload),
		}
		return r.record(ctx, &entry)
	})
}

// attributedActor picks the actor an entry is written for.
func attributedActor(ctx context.Context, explicit *model.Principal) *model.Principal {
	if explicit.IsAuthenticated() {
		return explicit
	}
	if o := ctxutil.ActorOverride(ctx); o.IsAuthenticated() {
		return o
	}
	return ctxutil.Actor(ctx)
}

// record persists entry on a context detached from the request, so a client
// disconnect does not drop the entry, retrying with linear backoff.
func (r *Recorder) record(ctx context.Context, entry *model.AuditEntry) error {
	ctx = orBackground(ctx)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now().UTC()
	}
	if entry.RequestID == "" {
		entry.RequestID = ctxutil.RequestIDFromContext(ctx)
	}
	if entry.Payload == nil {
		entry.Payload = map[string]any{}
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = r.store.InsertAuditEntry(wctx, entry); err == nil {
			return nil
		}
		if attempt == r.attempts {
			break
		}
		select {
		case <-wctx.Done():
			return fmt.Errorf("audit: insert %s: %w (after %d attempts)", entry.Action, wctx.Err(), attempt)
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return fmt.Errorf("audit: insert %s: %w", entry.Action, err)
}

// safely runs fn, converting panics and errors into a log line and a metric.
func (r *Recorder) safely(ctx context.Context, op string, fn func() error) {
	defer func() {
		if v := recover(); v != nil {
			r.fail(ctx, op, fmt.Errorf("panic: %v", v))
		}
	}()
	if err := fn(); err != nil {
		r.fail(ctx, op, err)
	}
}

func (r *Recorder) fail(ctx context.Context, op string, err error) {
	ctx = orBackground(ctx)
	r.logger.ErrorContext(ctx, "audit: write failed",
		"error", err,
		"action", op,
		"request_id", ctxutil.RequestIDFromContext(ctx))
	if counter, cerr := auditMeter.Int64Counter("eduassist.audit.write_failures"); cerr == nil {
		counter.Add(context.WithoutCancel(ctx), 1, otelmetric.WithAttributes(attribute.String("action", op)))
	}
}

// orBackground lets system work that holds no context still record.
func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
