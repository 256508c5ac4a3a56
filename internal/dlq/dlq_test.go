package dlq

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/bbolt"

	"github.com/SoumadeepCh/FlowSync/internal/queue"
)

func openTestDLQ(t *testing.T) *DLQ {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("open bbolt: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	d, err := Open(db)
	if err != nil {
		t.Fatalf("open dlq: %v", err)
	}
	return d
}

func TestAddAndItems(t *testing.T) {
	d := openTestDLQ(t)
	job := queue.WorkerJob{ID: "j1", Attempts: 3}
	if err := d.Add(job, errors.New("handler exploded")); err != nil {
		t.Fatalf("add: %v", err)
	}

	items, err := d.Items()
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 1 || items[0].Job.ID != "j1" || items[0].Error != "handler exploded" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestClearRemovesEntry(t *testing.T) {
	d := openTestDLQ(t)
	d.Add(queue.WorkerJob{ID: "j1"}, errors.New("boom"))
	if err := d.Clear("j1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	depth, _ := d.Depth()
	if depth != 0 {
		t.Fatalf("expected empty dlq, got depth %d", depth)
	}
}
