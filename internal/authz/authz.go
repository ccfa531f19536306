// Package authz decides which records an actor may see.
//
// CanAccess answers for one loaded entity; ScopeCollection narrows a list
// query before it runs. Both read the same ownership signals, declared by
// entities through the interfaces in signals.go. Denial is a value, never an
// error: lookup failures deny.
package authz

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/eduassist/eduassist/internal/model"
)

// LinkStore resolves the students linked to a parent. It is consulted on
// every evaluation; links are never cached across requests.
type LinkStore interface {
	LinkedStudentIDs(ctx context.Context, parentID uuid.UUID) ([]uuid.UUID, error)
}

// Config configures a Resolver.
type Config struct {
	Links  LinkStore
	Logger *slog.Logger

	// FailOpenTypes lists tables that stay unfiltered for non-elevated actors
	// when no rule and no owner column apply. Every other unmatched table
	// returns no rows.
	FailOpenTypes []string
}

// Resolver evaluates object-level and collection-level access.
// It is safe for concurrent use once constructed.
type Resolver struct {
	links    LinkStore
	logger   *slog.Logger
	rules    map[string]Rule
	owned    map[string]string
	failOpen map[string]bool
}

// NewResolver creates a Resolver with the built-in collection rules.
func NewResolver(cfg Config) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		links:    cfg.Links,
		logger:   logger,
		rules:    make(map[string]Rule),
		owned:    make(map[string]string),
		failOpen: make(map[string]bool, len(cfg.FailOpenTypes)),
	}
	for _, t := range cfg.FailOpenTypes {
		r.failOpen[t] = true
	}
	registerDefaultRules(r)
	return r
}

// CanAccess reports whether actor may access the loaded entity.
//
//   - anonymous: deny
//   - elevated: allow
//   - finance, records, admin: allow
//   - student: the entity's student is the actor
//   - parent: the entity's student is linked to the actor
//   - lecturer: the entity names the actor as lecturer, or the actor teaches it
//   - hod: the entity's department, direct or inherited, is the actor's
//
// Entities without a lecturer or teaching signal also admit their direct
// owner. Anything else, including an entity with no signal at all, is denied.
func (r *Resolver) CanAccess(ctx context.Context, actor *model.Principal, entity any) bool {
	if !actor.IsAuthenticated() {
		return false
	}
	if actor.IsElevated() || actor.Role.SeesAllRecords() {
		return true
	}
	if isNil(entity) {
		return false
	}

	sig := ResolveSignals(entity)
	switch actor.Role {
	case model.RoleStudent:
		if sig.Student != uuid.Nil {
			return sig.Student == actor.ID
		}
	case model.RoleParent:
		if sig.Student != uuid.Nil {
			linked, err := r.linkedSet(ctx, actor)
			if err != nil {
				return false
			}
			return linked[sig.Student]
		}
	case model.RoleLecturer:
		if sig.Lecturer == actor.ID {
			return true
		}
		if t, ok := entity.(Teachable); ok && t.TaughtBy(actor.ID) {
			return true
		}
	case model.RoleHOD:
		if dept := actor.Department(); dept != uuid.Nil {
			for _, d := range departmentChain(entity) {
				if d == dept {
					return true
				}
			}
		}
	}
	return sig.Owner != uuid.Nil && sig.Owner == actor.ID && !teachingScoped(entity)
}

func teachingScoped(entity any) bool {
	_, lecturer := entity.(LecturerScoped)
	_, teachable := entity.(Teachable)
	return lecturer || teachable
}

// linkedSet loads the parent's linked students fresh. Errors are logged and
// returned; callers deny.
func (r *Resolver) linkedSet(ctx context.Context, actor *model.Principal) (map[uuid.UUID]bool, error) {
	ids, err := r.linkedStudents(ctx, actor)
	if err != nil {
		return nil, err
	}
	set := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

func (r *Resolver) linkedStudents(ctx context.Context, actor *model.Principal) ([]uuid.UUID, error) {
	if r.links == nil {
		return nil, nil
	}
	ids, err := r.links.LinkedStudentIDs(ctx, actor.ID)
	if err != nil {
		r.logger.Warn("authz: linked student lookup failed, denying",
			"error", err,
			"parent_id", actor.ID)
		return nil, err
	}
	return ids, nil
}
