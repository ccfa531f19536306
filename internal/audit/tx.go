package audit

import (
	"context"
	"sync"

	"gorm.io/gorm"

	"github.com/eduassist/eduassist/internal/model"
)

type pendingKey struct{}

// pending holds the entity changes made inside a Recorder.Transaction until
// it commits.
type pending struct {
	mu      sync.Mutex
	entries []*model.AuditEntry
}

func (p *pending) add(e *model.AuditEntry) {
	p.mu.Lock()
	p.entries = append(p.entries, e)
	p.mu.Unlock()
}

func (p *pending) take() []*model.AuditEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.entries
	p.entries = nil
	return out
}

func pendingFrom(ctx context.Context) *pending {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(pendingKey{}).(*pending)
	return p
}

// Transaction runs fn in a transaction on db. Entity changes fn makes
// through tx are recorded after the transaction commits, and dropped when it
// rolls back. The error is fn's or the commit's.
func (r *Recorder) Transaction(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if !r.Enabled() {
		return db.WithContext(ctx).Transaction(fn)
	}
	buf := &pending{}
	if err := db.WithContext(context.WithValue(ctx, pendingKey{}, buf)).Transaction(fn); err != nil {
		buf.take()
		return err
	}
	for _, entry := range buf.take() {
		r.safely(ctx, entry.Action, func() error {
			return r.record(ctx, entry)
		})
	}
	return nil
}

// deferChange buffers an entity change made inside a Recorder.Transaction. It
// reports false when the statement is not part of one.
func (r *Recorder) deferChange(db *gorm.DB, entity Entity, action string) bool {
	buf := pendingFrom(db.Statement.Context)
	if buf == nil || !inTransaction(db) {
		return false
	}
	r.safely(db.Statement.Context, action, func() error {
		entry, err := r.entityEntry(db.Statement.Context, entity, action, nil)
		if err != nil || entry == nil {
			return err
		}
		buf.add(entry)
		return nil
	})
	return true
}

// inTransaction reports whether the statement runs on a transaction it did
// not open itself. A statement's own default transaction has already been
// committed, and its connection pool restored, by the time the hooks run.
func inTransaction(db *gorm.DB) bool {
	_, ok := db.Statement.ConnPool.(gorm.TxCommitter)
	return ok
}
