package storage

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/bobboyms/embeddb/pkg/errors"
)

// Round-trip: export → restore rende um banco logicamente idêntico
func TestSnapshotExportRestoreRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	createNotes(t, e)

	for _, payload := range []map[string]any{
		{"title": "a", "body": "1"},
		{"title": "b", "body": "2"},
		{"title": "c", "body": "3"},
	} {
		if _, err := e.InsertRow("notes", payload); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	e.Flush("notes")
	e.DeleteRow("notes", 2)
	if _, err := e.ProcessPendingJobs("notes", 0, 0); err != nil {
		t.Fatalf("jobs: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "snap")
	if err := e.SnapshotExport(dest); err != nil {
		t.Fatalf("SnapshotExport failed: %v", err)
	}

	// O snapshot não leva o lock file
	if _, err := os.Stat(filepath.Join(dest, LockFileName)); !os.IsNotExist(err) {
		t.Error("Snapshot must not contain the lock file")
	}

	restored := filepath.Join(t.TempDir(), "restored")
	if err := SnapshotRestore(dest, restored); err != nil {
		t.Fatalf("SnapshotRestore failed: %v", err)
	}

	// Abre o restaurado e compara o estado lógico
	e2, err := Open(DefaultOptions(restored))
	if err != nil {
		t.Fatalf("Open restored failed: %v", err)
	}
	defer e2.Close()

	if !reflect.DeepEqual(e.ListTables(), e2.ListTables()) {
		t.Error("Tables differ after restore")
	}

	for _, id := range []uint64{1, 3} {
		a, errA := e.GetRow("notes", id)
		b, errB := e2.GetRow("notes", id)
		if errA != nil || errB != nil || !reflect.DeepEqual(a, b) {
			t.Errorf("Row %d differs: %v / %v", id, a, b)
		}
	}
	if _, err := e2.GetRow("notes", 2); errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("Deleted row resurrected after restore: %v", err)
	}

	jobsA, _ := e.ListEmbeddingJobs("notes")
	jobsB, _ := e2.ListEmbeddingJobs("notes")
	if !reflect.DeepEqual(jobsA, jobsB) {
		t.Errorf("Jobs differ after restore:\n%+v\n%+v", jobsA, jobsB)
	}

	// E o restaurado continua utilizável
	if id, err := e2.InsertRow("notes", map[string]any{"title": "d", "body": "4"}); err != nil || id != 4 {
		t.Errorf("Insert on restored db: id=%d err=%v", id, err)
	}
}

func TestSnapshotExportRefusesExistingDest(t *testing.T) {
	e, _ := newTestEngine(t)
	createNotes(t, e)

	dest := t.TempDir() // já existe
	if err := e.SnapshotExport(dest); errors.KindOf(err) != errors.KindInvalidArgument {
		t.Errorf("Existing dest: expected InvalidArgument, got %v", err)
	}
}

func TestSnapshotRestoreRefusesNonEmptyDest(t *testing.T) {
	e, _ := newTestEngine(t)
	createNotes(t, e)

	dest := filepath.Join(t.TempDir(), "snap")
	if err := e.SnapshotExport(dest); err != nil {
		t.Fatalf("export: %v", err)
	}

	full := t.TempDir()
	os.WriteFile(filepath.Join(full, "junk"), []byte("x"), 0644)
	if err := SnapshotRestore(dest, full); errors.KindOf(err) != errors.KindInvalidArgument {
		t.Errorf("Non-empty dest: expected InvalidArgument, got %v", err)
	}
}
