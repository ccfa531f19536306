// Package server implements the EduAssist HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/eduassist/eduassist/internal/audit"
	"github.com/eduassist/eduassist/internal/auth"
	"github.com/eduassist/eduassist/internal/ctxutil"
	"github.com/eduassist/eduassist/internal/model"
	"github.com/eduassist/eduassist/internal/telemetry"
)

var tracer = otel.Tracer("eduassist/http")

// requestIDMiddleware assigns a unique request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctxutil.WithRequestID(r.Context(), reqID)))
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// tracingMiddleware creates an OTEL span for each HTTP request, continuing
// any trace propagated by the caller.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", ctxutil.RequestIDFromContext(ctx)),
			),
		)
		defer span.End()

		wrapped := newStatusWriter(w)
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))
	})
}

func traceIDFromRequest(r *http.Request) string {
	sc := trace.SpanContextFromContext(r.Context())
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// loggingMiddleware logs each request with structured fields and records
// request metrics when instruments are available.
func loggingMiddleware(logger *slog.Logger, metrics *telemetry.HTTPMetrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := newStatusWriter(w)
		// The actor is captured before the boundary below clears it.
		var capture requestCapture
		next.ServeHTTP(wrapped, r.WithContext(withCapture(r.Context(), &capture)))
		duration := time.Since(start)
		actor := capture.actor

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", duration.Milliseconds(),
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
		}
		if tid := traceIDFromRequest(r); tid != "" {
			attrs = append(attrs, "trace_id", tid)
		}
		if actor.IsAuthenticated() {
			attrs = append(attrs, "user_id", actor.ID.String(), "role", string(actor.Role))
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)

		if metrics != nil {
			mattrs := otelmetric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", capture.pattern),
				attribute.Int("http.status_class", wrapped.statusCode/100),
			)
			metrics.Requests.Add(r.Context(), 1, mattrs)
			metrics.Duration.Record(r.Context(), float64(duration.Milliseconds()), mattrs)
		}
	})
}

// recoveryMiddleware turns a handler panic into a 500 response.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.ErrorContext(r.Context(), "panic serving request",
					"panic", fmt.Sprint(v),
					"path", r.URL.Path,
					"request_id", ctxutil.RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()))
				writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// actorBoundary is the single interception point of every request. It
// installs an anonymous actor context, lets authMiddleware fill in the
// principal, records the api_request entry once the response status is
// known and then clears the context on every exit path.
//
// A panic that escapes the handler before any response was written is not
// recorded; the context is still cleared before the panic propagates.
func actorBoundary(rec *audit.Recorder, prefixes []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := requestMetadata(r)
		ctx, end := ctxutil.Begin(r.Context(), nil, meta)
		defer end()

		wrapped := newStatusWriter(w)
		tracked := isTrackedPath(r.URL.Path, prefixes)
		defer func() {
			v := recover()
			if tracked && (v == nil || wrapped.wroteHeader) {
				rec.RecordAPICall(ctx, meta, wrapped.statusCode)
			}
			annotateActor(ctx, ctxutil.Actor(ctx))
			if v != nil {
				panic(v)
			}
		}()
		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}

type captureKey struct{}

// requestCapture lets middleware outside actorBoundary learn the request's
// actor and matched route after the inner handlers return.
type requestCapture struct {
	actor   *model.Principal
	pattern string
}

func withCapture(ctx context.Context, c *requestCapture) context.Context {
	return context.WithValue(ctx, captureKey{}, c)
}

func captureFrom(ctx context.Context) *requestCapture {
	c, _ := ctx.Value(captureKey{}).(*requestCapture)
	return c
}

// capturePattern records the route pattern the mux matched. The mux sets
// r.Pattern on the request it is handed, which outer middleware never see.
func capturePattern(mux http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if c := captureFrom(r.Context()); c != nil {
				c.pattern = r.Pattern
			}
		}()
		mux.ServeHTTP(w, r)
	})
}

func annotateActor(ctx context.Context, actor *model.Principal) {
	if c := captureFrom(ctx); c != nil {
		c.actor = actor
	}
	if actor.IsAuthenticated() {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("eduassist.user_id", actor.ID.String()),
			attribute.String("eduassist.role", string(actor.Role)),
		)
	}
}

func requestMetadata(r *http.Request) ctxutil.RequestMetadata {
	return ctxutil.RequestMetadata{
		Path:          r.URL.Path,
		Method:        r.Method,
		RemoteAddress: r.RemoteAddr,
		UserAgent:     r.UserAgent(),
		RequestID:     ctxutil.RequestIDFromContext(r.Context()),
	}
}

func isTrackedPath(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// authMiddleware resolves the bearer token into a principal and installs it
// in the actor context begun by actorBoundary. Requests without a token stay
// anonymous; an invalid token, or one whose user no longer exists or is
// inactive, is rejected.
func authMiddleware(jwtMgr *auth.JWTManager, users PrincipalStore, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid authorization format")
			return
		}

		claims, err := jwtMgr.ValidateToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired token")
			return
		}

		principal, err := users.GetPrincipal(r.Context(), claims.UserID())
		if err != nil {
			if !isNotFound(err) {
				logger.ErrorContext(r.Context(), "auth: load principal", "error", err, "user_id", claims.Subject)
				writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
				return
			}
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired token")
			return
		}

		ctx, _ := ctxutil.Begin(r.Context(), principal, ctxutil.Current(r.Context()).Request)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAuthenticated rejects anonymous requests.
func requireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ctxutil.Actor(r.Context()).IsAuthenticated() {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireOperator admits elevated principals and administrators.
func requireOperator(next http.Handler) http.Handler {
	return requireAuthenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isOperator(ctxutil.Actor(r.Context())) {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "insufficient permissions")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func isOperator(p *model.Principal) bool {
	return p.IsElevated() || (p.IsAuthenticated() && p.Role == model.RoleAdmin)
}

// writeJSON writes a JSON response with the standard envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Data: data,
		Meta: responseMeta(r),
	})
}

func writeList(w http.ResponseWriter, r *http.Request, data any, n, limit, offset int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Data:    data,
		HasMore: n > limit,
		Limit:   limit,
		Offset:  offset,
		Meta:    responseMeta(r),
	})
}

// writeError writes a JSON error response with the standard envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: code, Message: message},
		Meta:  responseMeta(r),
	})
}

func responseMeta(r *http.Request) model.ResponseMeta {
	return model.ResponseMeta{
		RequestID: ctxutil.RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

// decodeJSON decodes a size-limited JSON request body into target.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// handleDecodeError maps a decodeJSON failure to a 400 or 413 response.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
}
