// Package audit records the append-only trail of engine events
// (execution.failed, trigger.fired, and similar) that operators and
// support tooling read after the fact. It never feeds a control-flow
// decision back into the engine.
//
// Grounded on services/audit-trail/internal/appendlog.go's Append/Get/
// Latest shape, with that file's SHA-256 hash-chaining dropped: nothing
// in this system verifies chain integrity, so chaining would be
// machinery with no consumer.
package audit

import (
	"sort"

	"github.com/SoumadeepCh/FlowSync/internal/dagmodel"
	"github.com/SoumadeepCh/FlowSync/internal/store"
)

// Logger appends and reads audit rows, backed by the durable store.
type Logger struct {
	store *store.Store
}

// New builds a Logger over an already-open Store.
func New(st *store.Store) *Logger {
	return &Logger{store: st}
}

// Append persists one audit row.
func (l *Logger) Append(entry dagmodel.AuditLog) error {
	return l.store.AppendAudit(entry)
}

// Get returns every audit row recorded for a given entity, oldest first.
func (l *Logger) Get(entityType, entityID string) ([]dagmodel.AuditLog, error) {
	all, err := l.store.ListAudit()
	if err != nil {
		return nil, err
	}
	var out []dagmodel.AuditLog
	for _, e := range all {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Latest returns the most recent audit row for an entity, if any.
func (l *Logger) Latest(entityType, entityID string) (dagmodel.AuditLog, bool) {
	rows, err := l.Get(entityType, entityID)
	if err != nil || len(rows) == 0 {
		return dagmodel.AuditLog{}, false
	}
	return rows[len(rows)-1], true
}

// All returns every recorded audit row, oldest first.
func (l *Logger) All() ([]dagmodel.AuditLog, error) {
	all, err := l.store.ListAudit()
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all, nil
}
