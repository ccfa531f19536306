// Package ctxutil carries the per-request actor context.
//
// The request's context.Context is the execution-unit-local store: each
// request installs its own slot with Begin and clears it with End. Code that
// runs outside any request sees the anonymous context.
package ctxutil

import (
	"context"
	"sync"

	"github.com/eduassist/eduassist/internal/model"
)

type contextKey string

const (
	keySlot          contextKey = "actor_slot"
	keyRequestID     contextKey = "request_id"
	keyActorOverride contextKey = "actor_override"
)

// RequestMetadata describes the inbound request an actor context belongs to.
type RequestMetadata struct {
	Path          string `json:"path"`
	Method        string `json:"method"`
	RemoteAddress string `json:"remote_address"`
	UserAgent     string `json:"user_agent"`
	RequestID     string `json:"request_id"`
}

// ActorContext is the identity and request metadata of the current request.
// The zero value is the anonymous context.
type ActorContext struct {
	Actor   *model.Principal
	Request RequestMetadata
}

// Anonymous reports whether no authenticated actor is present.
func (ac ActorContext) Anonymous() bool {
	return !ac.Actor.IsAuthenticated()
}

// slot is shared by every derived context of one request. Goroutines spawned
// by a handler read it concurrently with End.
type slot struct {
	mu sync.RWMutex
	ac ActorContext
}

func (s *slot) set(ac ActorContext) {
	s.mu.Lock()
	s.ac = ac
	s.mu.Unlock()
}

func (s *slot) get() ActorContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ac
}

func (s *slot) clear() {
	s.set(ActorContext{})
}

// Begin installs the actor context for a request and returns the context to
// pass down together with its End function.
//
// When ctx already carries a slot (an anonymous request that has since
// authenticated), the slot's contents are replaced and ctx is returned as is,
// so the boundary that began first still clears it.
func Begin(ctx context.Context, actor *model.Principal, meta RequestMetadata) (context.Context, func()) {
	ac := ActorContext{Actor: actor, Request: meta}
	if s, ok := ctx.Value(keySlot).(*slot); ok {
		s.set(ac)
		return ctx, s.clear
	}
	s := &slot{ac: ac}
	return context.WithValue(ctx, keySlot, s), s.clear
}

// Current returns the actor context of ctx. It never panics; without a
// matching Begin, or after End, it returns the anonymous context.
func Current(ctx context.Context) ActorContext {
	if ctx == nil {
		return ActorContext{}
	}
	if s, ok := ctx.Value(keySlot).(*slot); ok {
		return s.get()
	}
	return ActorContext{}
}

// End clears the actor context installed by Begin. It is idempotent.
func End(ctx context.Context) {
	if ctx == nil {
		return
	}
	if s, ok := ctx.Value(keySlot).(*slot); ok {
		s.clear()
	}
}

// Actor returns the current actor, or nil when anonymous.
func Actor(ctx context.Context) *model.Principal {
	return Current(ctx).Actor
}

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return Current(ctx).Request.RequestID
}

// WithActorOverride attributes audit entries written under the returned
// context to p instead of the ambient actor. Used when the system acts on a
// user's behalf.
func WithActorOverride(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, keyActorOverride, p)
}

// ActorOverride returns the override installed by WithActorOverride, or nil.
func ActorOverride(ctx context.Context) *model.Principal {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(keyActorOverride).(*model.Principal); ok {
		return v
	}
	return nil
}
