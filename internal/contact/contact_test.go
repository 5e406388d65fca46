package contact_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/peerns/peerns/internal/contact"
)

func openStore(t *testing.T) *contact.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := contact.Open(filepath.Join(dir, "contacts.jsonl"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return st
}

func TestPutGetRoundTrip(t *testing.T) {
	st := openStore(t)
	c := contact.Contact{PersistentID: "pid-1", PublicKey: []byte{1, 2, 3}, DisplayName: "alice"}
	if err := st.Put(c); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := st.Get("pid-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.DisplayName != "alice" {
		t.Fatalf("DisplayName mismatch: got %q", got.DisplayName)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	st := openStore(t)
	if _, err := st.Get("nope"); !errors.Is(err, contact.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteRemovesContact(t *testing.T) {
	st := openStore(t)
	if err := st.Put(contact.Contact{PersistentID: "pid-1", PublicKey: []byte{1}}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := st.Delete("pid-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := st.Get("pid-1"); !errors.Is(err, contact.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contacts.jsonl")

	st, err := contact.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := st.Put(contact.Contact{PersistentID: "pid-1", PublicKey: []byte{9, 9}}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	reopened, err := contact.Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err := reopened.Get("pid-1")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if len(got.PublicKey) != 2 {
		t.Fatalf("public key not persisted correctly: %v", got.PublicKey)
	}
}

func TestFindByPublicKey(t *testing.T) {
	st := openStore(t)
	pk := []byte{1, 2, 3, 4}
	if err := st.Put(contact.Contact{PersistentID: "pid-1", PublicKey: pk}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := st.FindByPublicKey(pk)
	if !ok {
		t.Fatalf("expected to find contact by public key")
	}
	if got.PersistentID != "pid-1" {
		t.Fatalf("found wrong contact: %q", got.PersistentID)
	}

	if _, ok := st.FindByPublicKey(pk, "pid-1"); ok {
		t.Fatalf("expected exclude list to suppress the match")
	}
}

func TestMigrateMergesHistoryAndEmitsEvent(t *testing.T) {
	st := openStore(t)

	old := contact.Contact{
		PersistentID: "pid-old",
		PublicKey:    []byte{1},
		History: []contact.ChatMessage{
			{ID: "m1", Body: "hi", Timestamp: time.Unix(100, 0)},
			{ID: "shared", Body: "old-version", Timestamp: time.Unix(50, 0)},
		},
	}
	newer := contact.Contact{
		PersistentID: "pid-new",
		PublicKey:    []byte{1},
		History: []contact.ChatMessage{
			{ID: "m2", Body: "hey", Timestamp: time.Unix(200, 0)},
			{ID: "shared", Body: "new-version", Timestamp: time.Unix(60, 0)},
		},
	}
	if err := st.Put(old); err != nil {
		t.Fatalf("Put old failed: %v", err)
	}
	if err := st.Put(newer); err != nil {
		t.Fatalf("Put newer failed: %v", err)
	}

	if err := st.Migrate("pid-old", "pid-new"); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	if _, err := st.Get("pid-old"); !errors.Is(err, contact.ErrNotFound) {
		t.Fatalf("expected old persistent id to be gone after migrate")
	}

	merged, err := st.Get("pid-new")
	if err != nil {
		t.Fatalf("Get merged contact failed: %v", err)
	}
	if len(merged.History) != 3 {
		t.Fatalf("expected 3 deduped messages, got %d", len(merged.History))
	}
	for i := 1; i < len(merged.History); i++ {
		if merged.History[i].Timestamp.Before(merged.History[i-1].Timestamp) {
			t.Fatalf("merged history is not sorted by timestamp")
		}
	}
	for _, m := range merged.History {
		if m.ID == "shared" && m.Body != "new-version" {
			t.Fatalf("expected newer record to win the dedup, got %q", m.Body)
		}
	}

	select {
	case ev := <-st.Events():
		if ev.Kind != "contact-migrated" || ev.OldID != "pid-old" || ev.NewID != "pid-new" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatalf("expected a contact-migrated event")
	}
}

func TestMigrateIntoEmptySlotRenames(t *testing.T) {
	st := openStore(t)
	if err := st.Put(contact.Contact{PersistentID: "pid-old", PublicKey: []byte{7}, DisplayName: "bob"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := st.Migrate("pid-old", "pid-new"); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	got, err := st.Get("pid-new")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.DisplayName != "bob" {
		t.Fatalf("expected renamed contact to keep its display name")
	}
}

func TestListIsSortedByPersistentID(t *testing.T) {
	st := openStore(t)
	for _, id := range []string{"c", "a", "b"} {
		if err := st.Put(contact.Contact{PersistentID: id, PublicKey: []byte{0}}); err != nil {
			t.Fatalf("Put %s failed: %v", id, err)
		}
	}
	list := st.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 contacts, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].PersistentID < list[i-1].PersistentID {
			t.Fatalf("List not sorted: %v", list)
		}
	}
}
