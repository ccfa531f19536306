package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/eduassist/eduassist/internal/audit"
	"github.com/eduassist/eduassist/internal/auth"
	"github.com/eduassist/eduassist/internal/authz"
	"github.com/eduassist/eduassist/internal/ctxutil"
	"github.com/eduassist/eduassist/internal/model"
	"github.com/eduassist/eduassist/internal/storage"
)

// PrincipalStore loads the principal behind a token subject.
type PrincipalStore interface {
	GetPrincipal(ctx context.Context, id uuid.UUID) (*model.Principal, error)
}

// Store is the identity and audit storage the handlers use. *storage.DB
// implements it.
type Store interface {
	PrincipalStore
	GetUser(ctx context.Context, id uuid.UUID) (model.User, error)
	GetUserByUsername(ctx context.Context, username string) (model.User, error)
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	ApproveUser(ctx context.Context, id uuid.UUID, role model.Role, departmentID *uuid.UUID) (model.User, error)
	ListAuditEntries(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error)
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	gdb                 *gorm.DB
	jwtMgr              *auth.JWTManager
	resolver            *authz.Resolver
	recorder            *audit.Recorder
	resources           map[string]resource
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store               Store
	Gorm                *gorm.DB
	JWTMgr              *auth.JWTManager
	Resolver            *authz.Resolver
	Recorder            *audit.Recorder
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	h := &Handlers{
		store:               d.Store,
		gdb:                 d.Gorm,
		jwtMgr:              d.JWTMgr,
		resolver:            d.Resolver,
		recorder:            d.Recorder,
		resources:           make(map[string]resource),
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
	}
	for _, def := range defaultResources() {
		h.resources[def.path] = def.build(h)
	}
	return h
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: "connected",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Postgres = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// HandleLogin handles POST /auth/login.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	user, err := h.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if !isNotFound(err) {
			h.writeInternalError(w, r, "failed to load user", err)
			return
		}
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	valid, verr := auth.VerifyPassword(req.Password, user.PasswordHash)
	if verr != nil {
		auth.DummyVerify()
	}
	if !valid || !user.Active {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	p := user.Principal()
	meta := ctxutil.Current(r.Context()).Request
	ctx, _ := ctxutil.Begin(r.Context(), p, meta)
	h.recorder.RecordAuthEvent(ctx, p, model.ActionLogin, meta)

	writeJSON(w, r, http.StatusOK, model.LoginResponse{Token: token, ExpiresAt: expiresAt, User: p})
}

// HandleLogout handles POST /auth/logout. Tokens are stateless; the event
// is recorded and the client discards its token.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ac := ctxutil.Current(r.Context())
	h.recorder.RecordAuthEvent(r.Context(), ac.Actor, model.ActionLogout, ac.Request)
	w.WriteHeader(http.StatusNoContent)
}

// HandleChangePassword handles POST /api/users/{id}/password. Users change
// their own password; operators may change anyone's.
func (h *Handlers) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	actor := ctxutil.Actor(r.Context())
	id, ok := parsePathID(w, r)
	if !ok {
		return
	}
	if actor.ID != id && !isOperator(actor) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "access denied")
		return
	}

	var req model.ChangePasswordRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash password", err)
		return
	}
	if err := h.store.UpdatePasswordHash(r.Context(), id, hash); err != nil {
		if isNotFound(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "user not found")
			return
		}
		h.writeInternalError(w, r, "failed to update password", err)
		return
	}

	h.recorder.RecordEvent(r.Context(), audit.Event{
		Action:     model.ActionPasswordChange,
		TargetType: "users",
		TargetID:   id.String(),
		Actor:      actor,
		Payload:    map[string]any{"password_changed": true},
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleApproveUser handles POST /api/users/{id}/approve.
func (h *Handlers) HandleApproveUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r)
	if !ok {
		return
	}
	var req model.ApproveUserRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	role, err := model.ParseRole(string(req.Role))
	if err != nil || role == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "a valid role is required")
		return
	}

	user, err := h.store.ApproveUser(r.Context(), id, role, req.DepartmentID)
	if err != nil {
		if isNotFound(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "user not found")
			return
		}
		h.writeInternalError(w, r, "failed to approve user", err)
		return
	}

	h.recorder.RecordEntityChange(r.Context(), user, model.ActionUserProvisionApproved, ctxutil.Actor(r.Context()))
	writeJSON(w, r, http.StatusOK, user)
}

// HandleListAudit handles GET /api/audit.
func (h *Handlers) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.AuditFilter{
		Action:     q.Get("action"),
		TargetType: q.Get("target_type"),
		TargetID:   q.Get("target_id"),
		Limit:      queryLimit(r, 100),
		Offset:     queryOffset(r),
	}
	if v := q.Get("actor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid actor_id")
			return
		}
		f.ActorID = &id
	}
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	f.Since = since

	limit := f.Limit
	f.Limit++
	entries, err := h.store.ListAuditEntries(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list audit entries", err)
		return
	}
	n := len(entries)
	if n > limit {
		entries = entries[:limit]
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeList(w, r, entries, n, limit, f.Offset)
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.ErrorContext(r.Context(), msg,
		"error", err,
		"request_id", ctxutil.RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}

func parsePathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	return min(max(queryInt(r, "offset", 0), 0), maxQueryOffset)
}

// queryLimit returns a limit clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	return min(max(queryInt(r, "limit", defaultVal), 1), maxQueryLimit)
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2026-01-01T00:00:00Z)", key)
	}
	return &t, nil
}
