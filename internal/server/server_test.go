package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/eduassist/eduassist/internal/audit"
	"github.com/eduassist/eduassist/internal/auth"
	"github.com/eduassist/eduassist/internal/authz"
	"github.com/eduassist/eduassist/internal/model"
	"github.com/eduassist/eduassist/internal/ratelimit"
	"github.com/eduassist/eduassist/internal/server"
	"github.com/eduassist/eduassist/internal/storage"
)

// fakeStore keeps users in memory and delegates audit listing to the
// recorder's store.
type fakeStore struct {
	mu    sync.Mutex
	users map[uuid.UUID]model.User
	audit *audit.MemoryStore
}

func (s *fakeStore) add(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *fakeStore) GetPrincipal(_ context.Context, id uuid.UUID) (*model.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || !u.Active {
		return nil, storage.ErrNotFound
	}
	return u.Principal(), nil
}

func (s *fakeStore) GetUser(_ context.Context, id uuid.UUID) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) GetUserByUsername(_ context.Context, username string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}
	return model.User{}, storage.ErrNotFound
}

func (s *fakeStore) UpdatePasswordHash(_ context.Context, id uuid.UUID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	u.PasswordHash = hash
	s.users[id] = u
	return nil
}

func (s *fakeStore) ApproveUser(_ context.Context, id uuid.UUID, role model.Role, dept *uuid.UUID) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, storage.ErrNotFound
	}
	u.Role, u.DepartmentID, u.Active = role, dept, true
	s.users[id] = u
	return u, nil
}

func (s *fakeStore) ListAuditEntries(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	return s.audit.ListAuditEntries(ctx, f)
}

func (s *fakeStore) Ping(context.Context) error { return nil }

type fixture struct {
	srv    http.Handler
	store  *fakeStore
	audit  *audit.MemoryStore
	jwtMgr *auth.JWTManager
}

type fixtureOptions struct {
	auditDisabled bool
	limiter       ratelimit.Limiter
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mem := audit.NewMemoryStore()
	rec := audit.NewRecorder(mem, audit.Options{Disabled: opts.auditDisabled, Logger: logger})

	gdb, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=eduassist dbname=eduassist sslmode=disable",
	}), &gorm.Config{
		DryRun:                 true,
		DisableAutomaticPing:   true,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	require.NoError(t, gdb.Use(audit.NewPlugin(rec)))

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	store := &fakeStore{users: map[uuid.UUID]model.User{}, audit: mem}
	srv := server.New(server.ServerConfig{
		Store:            store,
		Gorm:             gdb,
		JWTMgr:           jwtMgr,
		Resolver:         authz.NewResolver(authz.Config{Logger: logger}),
		Recorder:         rec,
		Logger:           logger,
		Limiter:          opts.limiter,
		Version:          "test",
		AuditAPIPrefixes: []string{"/api/", "/auth/"},
	})
	return &fixture{srv: srv.Handler(), store: store, audit: mem, jwtMgr: jwtMgr}
}

// user registers an active user and returns it with a bearer token.
func (f *fixture) user(t *testing.T, role model.Role, mutate ...func(*model.User)) (model.User, string) {
	t.Helper()
	u := model.User{
		ID:       uuid.New(),
		Username: fmt.Sprintf("%s-%s", role, uuid.NewString()[:8]),
		Role:     role,
		Active:   true,
	}
	for _, m := range mutate {
		m(&u)
	}
	f.store.add(u)
	token, _, err := f.jwtMgr.IssueToken(u)
	require.NoError(t, err)
	return u, token
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func entriesWithAction(entries []model.AuditEntry, action string) []model.AuditEntry {
	var out []model.AuditEntry
	for _, e := range entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

func TestHealthEndpointIsNotAudited(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeData[model.HealthResponse](t, rec).Status)
	assert.Empty(t, f.audit.Entries())
}

func TestLoginAndLogout(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	hash, err := auth.HashPassword("correct horse battery")
	require.NoError(t, err)
	u, _ := f.user(t, model.RoleStudent, func(u *model.User) {
		u.Username = "wanjiru"
		u.PasswordHash = hash
	})

	rec := f.do(t, http.MethodPost, "/auth/login", "", model.LoginRequest{Username: "wanjiru", Password: "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/login", "", model.LoginRequest{Username: "wanjiru", Password: "correct horse battery"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	login := decodeData[model.LoginResponse](t, rec)
	require.NotEmpty(t, login.Token)
	assert.Equal(t, u.ID, login.User.ID)

	rec = f.do(t, http.MethodPost, "/auth/logout", login.Token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	entries := f.audit.Entries()
	require.Len(t, entries, 5)

	// Failed attempt: only the api_request entry, anonymous.
	assert.Equal(t, model.ActionAPIRequest, entries[0].Action)
	assert.Nil(t, entries[0].ActorID)
	assert.EqualValues(t, http.StatusUnauthorized, entries[0].Payload["status"])

	// Successful login is attributed to the user who just authenticated.
	assert.Equal(t, model.ActionLogin, entries[1].Action)
	require.NotNil(t, entries[1].ActorID)
	assert.Equal(t, u.ID, *entries[1].ActorID)
	assert.Equal(t, "users", entries[1].TargetType)
	assert.Equal(t, model.ActionAPIRequest, entries[2].Action)
	require.NotNil(t, entries[2].ActorID)
	assert.Equal(t, u.ID, *entries[2].ActorID)

	assert.Equal(t, model.ActionLogout, entries[3].Action)
	require.NotNil(t, entries[3].ActorID)
	assert.Equal(t, u.ID, *entries[3].ActorID)
	assert.Equal(t, model.ActionAPIRequest, entries[4].Action)
}

func TestLoginRejectsInactiveUser(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	hash, err := auth.HashPassword("pending approval")
	require.NoError(t, err)
	f.user(t, model.RoleStudent, func(u *model.User) {
		u.Username = "pending"
		u.PasswordHash = hash
		u.Active = false
	})

	rec := f.do(t, http.MethodPost, "/auth/login", "", model.LoginRequest{Username: "pending", Password: "pending approval"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, entriesWithAction(f.audit.Entries(), model.ActionLogin))
}

func TestLoginIsRateLimitedByIP(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	t.Cleanup(func() { _ = limiter.Close() })
	f := newFixture(t, fixtureOptions{limiter: limiter})

	body := model.LoginRequest{Username: "nobody", Password: "irrelevant"}
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/auth/login", "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/auth/login", "", body).Code)

	rec := f.do(t, http.MethodPost, "/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestAnonymousResourceAccessRejected(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	rec := f.do(t, http.MethodGet, "/api/fee-items", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].ActorID)
	assert.Equal(t, "/api/fee-items", entries[0].TargetID)
}

func TestCreateOwnedResourceRecordsEntityAndRequest(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	student, token := f.user(t, model.RoleStudent)

	rec := f.do(t, http.MethodPost, "/api/calendar-events", token, map[string]any{
		"title":    "Revision",
		"start_at": "2026-03-01T09:00:00Z",
		"end_at":   "2026-03-01T11:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeData[model.CalendarEvent](t, rec)
	assert.Equal(t, student.ID, created.OwnerUserID)
	assert.NotEqual(t, uuid.Nil, created.ID)

	entries := f.audit.Entries()
	require.Len(t, entries, 2)

	e := entries[0]
	assert.Equal(t, model.ActionCreated, e.Action)
	assert.Equal(t, "calendar_events", e.TargetType)
	assert.Equal(t, created.ID.String(), e.TargetID)
	require.NotNil(t, e.ActorID)
	assert.Equal(t, student.ID, *e.ActorID)
	assert.Equal(t, "Revision", e.Payload["title"])
	assert.Equal(t, student.ID.String(), e.Payload["owner_user_id"])

	api := entries[1]
	assert.Equal(t, model.ActionAPIRequest, api.Action)
	assert.Equal(t, "/api/calendar-events", api.TargetID)
	assert.Equal(t, "POST", api.Payload["method"])
	assert.EqualValues(t, http.StatusCreated, api.Payload["status"])
	assert.Equal(t, e.RequestID, api.RequestID)
}

func TestCreateOutsideScopeIsForbidden(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	_, token := f.user(t, model.RoleStudent)

	rec := f.do(t, http.MethodPost, "/api/fee-items", token, map[string]any{
		"student_id": uuid.NewString(),
		"title":      "Tuition",
		"amount":     1000,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, entriesWithAction(f.audit.Entries(), model.ActionCreated))
}

func TestCreateRejectsClientAssignedID(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	_, token := f.user(t, model.RoleStudent)

	rec := f.do(t, http.MethodPost, "/api/messages", token, map[string]any{
		"id":      uuid.NewString(),
		"subject": "hello",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRejectsUnknownFields(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	_, token := f.user(t, model.RoleStudent)

	rec := f.do(t, http.MethodPost, "/api/messages", token, map[string]any{"subject": "hi", "is_admin": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListReturnsEnvelope(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	_, token := f.user(t, model.RoleParent)

	rec := f.do(t, http.MethodGet, "/api/fee-items?limit=10", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Data    []model.FeeItem `json:"data"`
		HasMore bool            `json:"has_more"`
		Limit   int             `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.NotNil(t, list.Data)
	assert.Empty(t, list.Data)
	assert.False(t, list.HasMore)
	assert.Equal(t, 10, list.Limit)
}

func TestAuditDisabledWritesNothing(t *testing.T) {
	f := newFixture(t, fixtureOptions{auditDisabled: true})
	_, token := f.user(t, model.RoleLecturer)

	rec := f.do(t, http.MethodPost, "/api/messages", token, map[string]any{"subject": "hi"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, f.audit.Entries())
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	student, studentToken := f.user(t, model.RoleStudent)
	other, _ := f.user(t, model.RoleStudent)
	admin, adminToken := f.user(t, model.RoleAdmin)
	body := model.ChangePasswordRequest{NewPassword: "a much better secret"}

	rec := f.do(t, http.MethodPost, "/api/users/"+other.ID.String()+"/password", studentToken, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/users/"+student.ID.String()+"/password", studentToken,
		model.ChangePasswordRequest{NewPassword: "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/users/"+other.ID.String()+"/password", adminToken, body)
	require.Equal(t, http.StatusNoContent, rec.Code)

	stored, err := f.store.GetUser(context.Background(), other.ID)
	require.NoError(t, err)
	ok, err := auth.VerifyPassword("a much better secret", stored.PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)

	changes := entriesWithAction(f.audit.Entries(), model.ActionPasswordChange)
	require.Len(t, changes, 1)
	require.NotNil(t, changes[0].ActorID)
	assert.Equal(t, admin.ID, *changes[0].ActorID)
	assert.Equal(t, "users", changes[0].TargetType)
	assert.Equal(t, other.ID.String(), changes[0].TargetID)
	assert.Equal(t, true, changes[0].Payload["password_changed"])
	assert.NotContains(t, changes[0].Payload, "password_hash")
}

func TestApproveUser(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	pending, _ := f.user(t, "", func(u *model.User) { u.Active = false })
	_, studentToken := f.user(t, model.RoleStudent)
	admin, adminToken := f.user(t, model.RoleAdmin)
	path := "/api/users/" + pending.ID.String() + "/approve"

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, path, studentToken, model.ApproveUserRequest{Role: model.RoleLecturer}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, path, adminToken, model.ApproveUserRequest{Role: "janitor"}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/users/"+uuid.NewString()+"/approve", adminToken,
		model.ApproveUserRequest{Role: model.RoleLecturer}).Code)

	rec := f.do(t, http.MethodPost, path, adminToken, model.ApproveUserRequest{Role: model.RoleLecturer})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decodeData[model.User](t, rec)
	assert.True(t, approved.Active)
	assert.Equal(t, model.RoleLecturer, approved.Role)

	entries := entriesWithAction(f.audit.Entries(), model.ActionUserProvisionApproved)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].ActorID)
	assert.Equal(t, admin.ID, *entries[0].ActorID)
	assert.Equal(t, "users", entries[0].TargetType)
	assert.Equal(t, pending.ID.String(), entries[0].TargetID)
	assert.Equal(t, "lecturer", entries[0].Payload["role"])
}

func TestAuditListRequiresOperator(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	_, studentToken := f.user(t, model.RoleStudent)
	admin, adminToken := f.user(t, model.RoleAdmin)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/audit", studentToken, nil).Code)

	rec := f.do(t, http.MethodGet, "/api/audit?actor_id="+admin.ID.String()+"&action=api_request", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeData[[]model.AuditEntry](t, rec)
	// The student's rejected request is excluded by the actor filter; the
	// listing's own api_request is written after the response.
	assert.Empty(t, entries)

	rec = f.do(t, http.MethodGet, "/api/audit?actor_id="+admin.ID.String(), adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries = decodeData[[]model.AuditEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "/api/audit", entries[0].TargetID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/audit?actor_id=nope", adminToken, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/audit?since=yesterday", adminToken, nil).Code)
}

func TestConcurrentRequestsAttributeTheirOwnActor(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	const n = 24
	tokens := make([]string, n)
	for i := range tokens {
		role := model.RoleStudent
		if i%3 == 0 {
			role = model.RoleLecturer
		}
		_, tokens[i] = f.user(t, role)
	}

	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			rec := f.do(t, http.MethodPost, "/api/calendar-events", tokens[i], map[string]any{
				"title":    fmt.Sprintf("event %d", i),
				"start_at": "2026-03-01T09:00:00Z",
				"end_at":   "2026-03-01T10:00:00Z",
			})
			if rec.Code != http.StatusCreated {
				return fmt.Errorf("request %d: status %d", i, rec.Code)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	created := entriesWithAction(f.audit.Entries(), model.ActionCreated)
	require.Len(t, created, n)
	byRequest := map[string]uuid.UUID{}
	for _, e := range created {
		require.NotNil(t, e.ActorID)
		assert.Equal(t, e.ActorID.String(), e.Payload["owner_user_id"])
		byRequest[e.RequestID] = *e.ActorID
	}
	assert.Len(t, byRequest, n)

	for _, e := range entriesWithAction(f.audit.Entries(), model.ActionAPIRequest) {
		require.NotNil(t, e.ActorID)
		assert.Equal(t, byRequest[e.RequestID], *e.ActorID, "request %s", e.RequestID)
	}
}
