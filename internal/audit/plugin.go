package audit

import (
	"fmt"
	"reflect"

	"gorm.io/gorm"

	"github.com/eduassist/eduassist/internal/model"
)

// Plugin audits gorm creates, updates and deletes of tracked entities.
//
// Its callbacks run after gorm:commit_or_rollback_transaction, so the entry
// is written once the statement's own transaction has committed and on a
// separate connection; an audit failure cannot roll the change back. Failed
// statements are not audited.
//
// A caller-managed transaction is not committed by that step. Writes made
// through Recorder.Transaction are held until its commit; writes inside a
// bare db.Transaction are recorded immediately and survive its rollback.
type Plugin struct {
	recorder *Recorder
}

// NewPlugin returns a gorm plugin backed by r.
func NewPlugin(r *Recorder) *Plugin {
	return &Plugin{recorder: r}
}

// Name implements gorm.Plugin.
func (p *Plugin) Name() string { return "eduassist:audit" }

// Initialize implements gorm.Plugin.
func (p *Plugin) Initialize(db *gorm.DB) error {
	const after = "gorm:commit_or_rollback_transaction"
	cb := db.Callback()
	if err := cb.Create().After(after).Register("audit:after_create", p.hook(model.ActionCreated)); err != nil {
		return fmt.Errorf("audit: register create hook: %w", err)
	}
	if err := cb.Update().After(after).Register("audit:after_update", p.hook(model.ActionUpdated)); err != nil {
		return fmt.Errorf("audit: register update hook: %w", err)
	}
	if err := cb.Delete().After(after).Register("audit:after_delete", p.hook(model.ActionDeleted)); err != nil {
		return fmt.Errorf("audit: register delete hook: %w", err)
	}
	return nil
}

func (p *Plugin) hook(action string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if db.Error != nil || db.Statement == nil || !p.recorder.Enabled() {
			return
		}
		if db.RowsAffected == 0 && !db.DryRun {
			return
		}
		ctx := db.Statement.Context
		eachEntity(db.Statement.ReflectValue, func(e Entity) {
			if !p.recorder.deferChange(db, e, action) {
				p.recorder.RecordEntityChange(ctx, e, action, nil)
			}
		})
	}
}

// eachEntity calls fn for every Entity in a statement's destination, which
// is a single struct or a slice of them for batch operations.
func eachEntity(rv reflect.Value, fn func(Entity)) {
	if !rv.IsValid() {
		return
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := range rv.Len() {
			eachEntity(rv.Index(i), fn)
		}
	case reflect.Pointer:
		if !rv.IsNil() {
			eachEntity(rv.Elem(), fn)
		}
	case reflect.Struct:
		v := rv
		if rv.CanAddr() {
			v = rv.Addr()
		}
		if e, ok := v.Interface().(Entity); ok {
			fn(e)
		}
	}
}
