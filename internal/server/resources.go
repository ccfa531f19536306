package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eduassist/eduassist/internal/ctxutil"
	"github.com/eduassist/eduassist/internal/model"
)

// entity is the pointer form of a domain model served under /api.
type entity[T any] interface {
	*T
	TableName() string
	EntityID() string
}

// errOutOfScope rejects a write that leaves the entity outside the actor's
// scope.
var errOutOfScope = errors.New("entity outside actor scope")

type ownerSetter interface {
	SetOwner(id uuid.UUID)
}

// resource is the set of CRUD handlers for one domain model.
type resource struct {
	table  string
	list   http.HandlerFunc
	get    http.HandlerFunc
	create http.HandlerFunc
	update http.HandlerFunc
	remove http.HandlerFunc
}

// resourceDef names a model and the relations CanAccess needs loaded to
// follow its student, lecturer and department signals.
type resourceDef struct {
	path  string
	build func(h *Handlers) resource
}

func defaultResources() []resourceDef {
	unitChain := "Unit.Course.Programme"
	return []resourceDef{
		{"fee-items", crud[model.FeeItem]()},
		{"payments", crud[model.Payment]("FeeItem")},
		{"assignments", crud[model.Assignment](unitChain)},
		{"registrations", crud[model.Registration](unitChain)},
		{"submissions", crud[model.Submission]("Assignment." + unitChain)},
		{"timetables", crud[model.Timetable](unitChain)},
		{"notifications", crud[model.Notification]()},
		{"calendar-events", crud[model.CalendarEvent]()},
		{"courses", crud[model.Course]("Programme")},
		{"messages", crud[model.Message]()},
	}
}

func crud[T any, P entity[T]](preload ...string) func(h *Handlers) resource {
	return func(h *Handlers) resource {
		return resource{
			table:  P(new(T)).TableName(),
			list:   listHandler[T, P](h),
			get:    getHandler[T, P](h, preload),
			create: createHandler[T, P](h, preload),
			update: updateHandler[T, P](h, preload),
			remove: deleteHandler[T, P](h, preload),
		}
	}
}

func listHandler[T any, P entity[T]](h *Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		limit, offset := queryLimit(r, 50), queryOffset(r)
		table := P(new(T)).TableName()

		q := h.gdb.WithContext(ctx).Model(P(new(T)))
		q = h.resolver.ScopeCollection(ctx, ctxutil.Actor(ctx), table, q)

		rows := []T{}
		if err := q.Order("created_at DESC").Limit(limit + 1).Offset(offset).Find(&rows).Error; err != nil {
			h.writeInternalError(w, r, "failed to list "+table, err)
			return
		}
		n := len(rows)
		if n > limit {
			rows = rows[:limit]
		}
		writeList(w, r, rows, n, limit, offset)
	}
}

// load fetches one entity with the relations its access signals need, and
// writes the error response when it cannot.
func load[T any, P entity[T]](h *Handlers, w http.ResponseWriter, r *http.Request, preload []string) (P, bool) {
	id, ok := parsePathID(w, r)
	if !ok {
		return nil, false
	}
	q := h.gdb.WithContext(r.Context())
	for _, rel := range preload {
		q = q.Preload(rel)
	}
	e := P(new(T))
	if err := q.First(e, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
			return nil, false
		}
		h.writeInternalError(w, r, "failed to load "+e.TableName(), err)
		return nil, false
	}
	if !h.resolver.CanAccess(r.Context(), ctxutil.Actor(r.Context()), e) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "access denied")
		return nil, false
	}
	return e, true
}

func getHandler[T any, P entity[T]](h *Handlers, preload []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if e, ok := load[T, P](h, w, r, preload); ok {
			writeJSON(w, r, http.StatusOK, e)
		}
	}
}

// createHandler inserts a new entity. Owned types default their owner to
// the actor, and the actor must be able to access the entity as stored.
func createHandler[T any, P entity[T]](h *Handlers, preload []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actor := ctxutil.Actor(ctx)

		e := P(new(T))
		if err := decodeJSON(w, r, e, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
		if e.EntityID() != uuid.Nil.String() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "id is assigned by the server")
			return
		}
		if o, ok := any(e).(ownerSetter); ok {
			o.SetOwner(actor.ID)
		}

		err := writeScoped[T, P](ctx, h, e, preload, func(db *gorm.DB) error {
			return db.Omit(clause.Associations).Create(e).Error
		})
		if err != nil {
			h.writeWriteError(w, r, e.TableName(), err)
			return
		}
		writeJSON(w, r, http.StatusCreated, e)
	}
}

// updateHandler merges the request body into the stored entity. Access is
// checked before the merge and again on the merged record, so a record
// cannot be handed to a scope the actor does not hold.
func updateHandler[T any, P entity[T]](h *Handlers, preload []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := load[T, P](h, w, r, preload)
		if !ok {
			return
		}
		id := e.EntityID()
		if err := decodeJSON(w, r, e, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
		if e.EntityID() != id {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "id cannot be changed")
			return
		}

		err := writeScoped[T, P](r.Context(), h, e, preload, func(db *gorm.DB) error {
			return db.Omit(clause.Associations).Save(e).Error
		})
		if err != nil {
			h.writeWriteError(w, r, e.TableName(), err)
			return
		}
		writeJSON(w, r, http.StatusOK, e)
	}
}

// writeScoped runs write and requires the actor to be able to access e
// afterwards. When e's signals come from relations, the stored row is read
// back with them inside the transaction, so a changed foreign key is judged
// by the record it now points at and a denied write is rolled back.
func writeScoped[T any, P entity[T]](ctx context.Context, h *Handlers, e P, preload []string, write func(*gorm.DB) error) error {
	actor := ctxutil.Actor(ctx)
	if len(preload) == 0 {
		if !h.resolver.CanAccess(ctx, actor, e) {
			return errOutOfScope
		}
		return write(h.gdb.WithContext(ctx))
	}
	return h.recorder.Transaction(ctx, h.gdb, func(tx *gorm.DB) error {
		if err := write(tx); err != nil {
			return err
		}
		stored := P(new(T))
		q := tx
		for _, rel := range preload {
			q = q.Preload(rel)
		}
		if err := q.First(stored, "id = ?", e.EntityID()).Error; err != nil {
			return err
		}
		if !h.resolver.CanAccess(ctx, actor, stored) {
			return errOutOfScope
		}
		return nil
	})
}

func deleteHandler[T any, P entity[T]](h *Handlers, preload []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := load[T, P](h, w, r, preload)
		if !ok {
			return
		}
		if err := h.gdb.WithContext(r.Context()).Delete(e).Error; err != nil {
			h.writeWriteError(w, r, e.TableName(), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handlers) writeWriteError(w http.ResponseWriter, r *http.Request, table string, err error) {
	switch {
	case errors.Is(err, errOutOfScope):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "access denied")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "duplicate "+table)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "references a record that does not exist")
	default:
		h.writeInternalError(w, r, "failed to write "+table, err)
	}
}
