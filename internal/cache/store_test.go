package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_JSONRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	type snapshot struct {
		Company string `json:"company"`
		Lang    string `json:"lang"`
	}

	if err := s.SetJSON(ctx, UserContextKey("u1", "acme"), snapshot{Company: "Acme", Lang: "fr"}, time.Minute); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}

	var got snapshot
	found, err := s.GetJSON(ctx, UserContextKey("u1", "acme"), &got)
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if !found {
		t.Fatal("GetJSON() found = false, want true")
	}
	if got.Company != "Acme" || got.Lang != "fr" {
		t.Errorf("GetJSON() = %+v", got)
	}

	var miss snapshot
	found, err = s.GetJSON(ctx, UserContextKey("u2", "acme"), &miss)
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if found {
		t.Error("GetJSON() on absent key: found = true")
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SetJSON(ctx, "k", "v", time.Millisecond); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	var got string
	found, err := s.GetJSON(ctx, "k", &got)
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if found {
		t.Error("GetJSON() after expiry: found = true")
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.SetJSON(ctx, "a", 1, 0)
	_ = s.SetJSON(ctx, "b", 2, 0)

	n, err := s.Delete(ctx, "a", "b", "missing")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Delete() = %d, want 2", n)
	}
}

func TestMemoryStore_ListBuffer(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := BufferKey("u1")

	for _, payload := range []string{"one", "two", "three"} {
		if err := s.PushList(ctx, key, []byte(payload), time.Minute); err != nil {
			t.Fatalf("PushList() error = %v", err)
		}
	}

	items, err := s.DrainList(ctx, key)
	if err != nil {
		t.Fatalf("DrainList() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("DrainList() len = %d, want 3", len(items))
	}
	if string(items[0]) != "one" || string(items[2]) != "three" {
		t.Errorf("DrainList() order = %q,%q,%q", items[0], items[1], items[2])
	}

	// Drained list is empty on the next read.
	items, err = s.DrainList(ctx, key)
	if err != nil {
		t.Fatalf("DrainList() error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("second DrainList() len = %d, want 0", len(items))
	}
}

func TestKeyHelpers(t *testing.T) {
	if got := UserContextKey("u1", "acme"); got != "user_context:u1:acme" {
		t.Errorf("UserContextKey() = %q", got)
	}
	if got := BufferKey("u1"); got != "ws_buffer:u1" {
		t.Errorf("BufferKey() = %q", got)
	}
}
