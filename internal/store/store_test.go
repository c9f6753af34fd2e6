package store_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lieyanc/FireFrp/internal/model"
	"github.com/lieyanc/FireFrp/internal/store"
)

func TestInsert_AssignsDenseMonotonicIDs(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	a, err := st.Credentials.Insert(model.Credential{Key: "a"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	b, err := st.Credentials.Insert(model.Credential{Key: "b"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("expected ids 1,2 got %d,%d", a.ID, b.ID)
	}
}

func TestSave_IsAtomicAndReloadable(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := st.Credentials.Insert(model.Credential{Key: "k1", Status: model.StatusPending}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	path := filepath.Join(dir, "data", "access_keys.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file at %s: %v", path, err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected no leftover .tmp file, stat err=%v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %o", info.Mode().Perm())
	}

	st2, err := store.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(st2.Credentials.All()) != 1 {
		t.Fatalf("expected 1 record after reload, got %d", len(st2.Credentials.All()))
	}
	next, err := st2.Credentials.Insert(model.Credential{Key: "k2"})
	if err != nil {
		t.Fatalf("Insert after reload: %v", err)
	}
	if next.ID != 2 {
		t.Fatalf("expected next id 2 after reload, got %d", next.ID)
	}
}

func TestLoad_CorruptFileResetsToEmpty(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "access_keys.json"), []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(st.Credentials.All()) != 0 {
		t.Fatalf("expected empty collection after corrupt load")
	}
	rec, err := st.Credentials.Insert(model.Credential{Key: "fresh"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if rec.ID != 1 {
		t.Fatalf("expected id to restart at 1, got %d", rec.ID)
	}
}

func TestUpdate_AppliesPatchAndPersists(t *testing.T) {
	dir := t.TempDir()
	st, _ := store.Open(dir)
	rec, _ := st.Credentials.Insert(model.Credential{Key: "k", Status: model.StatusPending})

	updated, ok, err := st.Credentials.Update(rec.ID, func(c *model.Credential) {
		c.Status = model.StatusActive
	})
	if err != nil || !ok {
		t.Fatalf("Update failed: ok=%v err=%v", ok, err)
	}
	if updated.Status != model.StatusActive {
		t.Fatalf("expected status active, got %s", updated.Status)
	}

	st2, _ := store.Open(dir)
	got, ok := st2.Credentials.FindByID(rec.ID)
	if !ok || got.Status != model.StatusActive {
		t.Fatalf("expected persisted active status, got ok=%v status=%s", ok, got.Status)
	}
}

func TestUpdate_UnknownID_ReturnsNotOK(t *testing.T) {
	dir := t.TempDir()
	st, _ := store.Open(dir)
	_, ok, err := st.Credentials.Update(999, func(c *model.Credential) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for unknown id")
	}
}

func TestAppendAudit_IsMonotonicAndAppendOnly(t *testing.T) {
	dir := t.TempDir()
	st, _ := store.Open(dir)

	e1, err := st.AppendAudit(model.EventKeyCreated, 1, "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	e2, err := st.AppendAudit(model.EventKeyActivated, 1, "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if e1.ID != 1 || e2.ID != 2 {
		t.Fatalf("expected monotonic audit ids 1,2 got %d,%d", e1.ID, e2.ID)
	}

	all := st.Audit.All()
	if len(all) != 2 || all[0].EventType != model.EventKeyCreated {
		t.Fatalf("expected append-only order, got %+v", all)
	}
}

func TestFilter_MatchesPredicate(t *testing.T) {
	dir := t.TempDir()
	st, _ := store.Open(dir)
	st.Credentials.Insert(model.Credential{Key: "a", Status: model.StatusPending})
	st.Credentials.Insert(model.Credential{Key: "b", Status: model.StatusActive})
	st.Credentials.Insert(model.Credential{Key: "c", Status: model.StatusExpired})

	nonTerminal := st.Credentials.Filter(func(c model.Credential) bool {
		return c.Status.NonTerminal()
	})
	if len(nonTerminal) != 2 {
		t.Fatalf("expected 2 non-terminal records, got %d", len(nonTerminal))
	}
}
