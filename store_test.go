package chatrelay

import (
	"path/filepath"
	"testing"
	"time"
)

func TestFileStore_RoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "session.json"))

	session := &Session{
		AccessToken:    "tok",
		ConversationID: "conv-1",
		ParentID:       "turn-2",
		AcquiredAt:     time.Now().Truncate(time.Second),
	}
	if err := store.Save(session); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if loaded == nil || loaded.ConversationID != "conv-1" || loaded.ParentID != "turn-2" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestFileStore_LoadMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if loaded != nil {
		t.Errorf("loaded = %+v, want nil", loaded)
	}
}

func TestFileStore_Clear(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "session.json"))

	if err := store.Save(&Session{AccessToken: "tok"}); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("second Clear error: %v", err)
	}

	loaded, err := store.Load()
	if err != nil || loaded != nil {
		t.Errorf("Load after Clear = %+v, %v", loaded, err)
	}
}

func TestMemoryStore_CopiesSession(t *testing.T) {
	store := NewMemoryStore()
	session := &Session{AccessToken: "tok"}
	if err := store.Save(session); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	session.AccessToken = "mutated"

	loaded, _ := store.Load()
	if loaded.AccessToken != "tok" {
		t.Error("store must not alias the caller's session")
	}
}
