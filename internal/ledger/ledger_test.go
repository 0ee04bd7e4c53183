package ledger_test

import (
	"path/filepath"
	"testing"

	"spacegate/internal/db"
	"spacegate/internal/ledger"
)

// TestShouldProcess_FirstTimeOnly verifies the core ledger contract: an
// event id passes the check exactly until MarkProcessed commits, and never
// again afterwards.
func TestShouldProcess_FirstTimeOnly(t *testing.T) {
	conn, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	l := ledger.New(conn)

	ok, err := l.ShouldProcess("$evt1")
	if err != nil {
		t.Fatalf("ShouldProcess: %v", err)
	}
	if !ok {
		t.Fatal("fresh event id should be processed")
	}

	if err := l.MarkProcessed("$evt1"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	ok, err = l.ShouldProcess("$evt1")
	if err != nil {
		t.Fatalf("ShouldProcess: %v", err)
	}
	if ok {
		t.Error("marked event id must not be processed again")
	}
}

// TestShouldProcess_SurvivesReopen verifies that the mark is durable: a new
// connection to the same database file (simulating a process restart) still
// rejects the id.
func TestShouldProcess_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	conn, err := db.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := ledger.New(conn).MarkProcessed("$evt2"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	sqlDB, _ := conn.DB()
	sqlDB.Close()

	conn, err = db.Open(path)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	ok, err := ledger.New(conn).ShouldProcess("$evt2")
	if err != nil {
		t.Fatalf("ShouldProcess: %v", err)
	}
	if ok {
		t.Error("mark did not survive reopening the database")
	}
}

// TestMarkProcessed_DuplicateIsBenign verifies that marking the same id
// twice reports success: callers treat the duplicate as already-processed.
func TestMarkProcessed_DuplicateIsBenign(t *testing.T) {
	conn, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	l := ledger.New(conn)

	if err := l.MarkProcessed("$evt3"); err != nil {
		t.Fatalf("first MarkProcessed: %v", err)
	}
	if err := l.MarkProcessed("$evt3"); err != nil {
		t.Errorf("second MarkProcessed should be benign, got %v", err)
	}
}
