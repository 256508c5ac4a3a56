package audit

import (
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/bbolt"

	"github.com/SoumadeepCh/FlowSync/internal/dagmodel"
	"github.com/SoumadeepCh/FlowSync/internal/store"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("open bbolt: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st, err := store.Open(db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return New(st)
}

func TestAppendAndGetByEntity(t *testing.T) {
	l := newTestLogger(t)

	base := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	l.Append(dagmodel.AuditLog{ID: "a1", Event: "execution.started", EntityType: "execution", EntityID: "e1", CreatedAt: base})
	l.Append(dagmodel.AuditLog{ID: "a2", Event: "execution.completed", EntityType: "execution", EntityID: "e1", CreatedAt: base.Add(time.Minute)})
	l.Append(dagmodel.AuditLog{ID: "a3", Event: "trigger.fired", EntityType: "trigger", EntityID: "t1", CreatedAt: base})

	rows, err := l.Get("execution", "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows for e1, got %d", len(rows))
	}
	if rows[0].Event != "execution.started" || rows[1].Event != "execution.completed" {
		t.Fatalf("expected rows ordered oldest-first, got %+v", rows)
	}
}

func TestLatestReturnsMostRecent(t *testing.T) {
	l := newTestLogger(t)

	base := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	l.Append(dagmodel.AuditLog{ID: "a1", Event: "execution.started", EntityType: "execution", EntityID: "e1", CreatedAt: base})
	l.Append(dagmodel.AuditLog{ID: "a2", Event: "execution.completed", EntityType: "execution", EntityID: "e1", CreatedAt: base.Add(time.Minute)})

	latest, ok := l.Latest("execution", "e1")
	if !ok {
		t.Fatal("expected a latest row")
	}
	if latest.Event != "execution.completed" {
		t.Fatalf("expected latest to be execution.completed, got %s", latest.Event)
	}
}

func TestLatestMissingEntity(t *testing.T) {
	l := newTestLogger(t)
	if _, ok := l.Latest("execution", "missing"); ok {
		t.Fatal("expected no latest row for an unknown entity")
	}
}

func TestAllReturnsEverything(t *testing.T) {
	l := newTestLogger(t)
	l.Append(dagmodel.AuditLog{ID: "a1", Event: "x", EntityType: "execution", EntityID: "e1", CreatedAt: time.Now()})
	l.Append(dagmodel.AuditLog{ID: "a2", Event: "y", EntityType: "trigger", EntityID: "t1", CreatedAt: time.Now()})

	all, err := l.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(all))
	}
}
