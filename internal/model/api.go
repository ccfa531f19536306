package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for credential payloads.
const (
	MaxUsernameLen = 150
	MinPasswordLen = 8
	MaxPasswordLen = 1024
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// LoginRequest is the request body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Validate checks field presence and length limits.
func (r LoginRequest) Validate() error {
	if strings.TrimSpace(r.Username) == "" || r.Password == "" {
		return fmt.Errorf("username and password are required")
	}
	if len(r.Username) > MaxUsernameLen {
		return fmt.Errorf("username exceeds maximum length of %d characters", MaxUsernameLen)
	}
	if len(r.Password) > MaxPasswordLen {
		return fmt.Errorf("password exceeds maximum length of %d bytes", MaxPasswordLen)
	}
	return nil
}

// LoginResponse is the response for POST /auth/login.
type LoginResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      *Principal `json:"user"`
}

// ChangePasswordRequest is the request body for POST /api/users/{id}/password.
type ChangePasswordRequest struct {
	NewPassword string `json:"new_password"`
}

// Validate enforces password length bounds.
func (r ChangePasswordRequest) Validate() error {
	if len(r.NewPassword) < MinPasswordLen {
		return fmt.Errorf("new_password must be at least %d characters", MinPasswordLen)
	}
	if len(r.NewPassword) > MaxPasswordLen {
		return fmt.Errorf("new_password exceeds maximum length of %d bytes", MaxPasswordLen)
	}
	return nil
}

// ApproveUserRequest is the request body for POST /api/users/{id}/approve.
type ApproveUserRequest struct {
	Role         Role       `json:"role"`
	DepartmentID *uuid.UUID `json:"department_id,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
