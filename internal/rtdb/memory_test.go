package rtdb

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"
)

func TestMemoryClient_SetGet(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	if err := c.Set(ctx, "acme/chats/t1/messages/m1", map[string]any{"content": "hi"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := c.Get(ctx, "acme/chats/t1/messages/m1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	obj, ok := got.(map[string]any)
	if !ok || obj["content"] != "hi" {
		t.Errorf("Get() = %#v, want content hi", got)
	}

	// Mutating the returned value must not touch the stored tree.
	obj["content"] = "mutated"
	again, _ := c.Get(ctx, "acme/chats/t1/messages/m1")
	if again.(map[string]any)["content"] != "hi" {
		t.Error("Get() returned shared state, want deep copy")
	}

	absent, err := c.Get(ctx, "acme/chats/t1/messages/nope")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if absent != nil {
		t.Errorf("Get() on absent path = %#v, want nil", absent)
	}
}

func TestMemoryClient_UpdateMerges(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	if err := c.Set(ctx, "acme/chats/t1/messages/m1", map[string]any{"status": "streaming", "content": ""}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := c.Update(ctx, "acme/chats/t1/messages/m1", map[string]any{"status": "complete", "turns": float64(3)}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, _ := c.Get(ctx, "acme/chats/t1/messages/m1")
	obj := got.(map[string]any)
	if obj["status"] != "complete" {
		t.Errorf("status = %v, want complete", obj["status"])
	}
	if _, ok := obj["content"]; !ok {
		t.Error("Update() dropped untouched field")
	}
	if obj["turns"] != float64(3) {
		t.Errorf("turns = %v, want 3", obj["turns"])
	}

	// Update on an absent path creates the object.
	if err := c.Update(ctx, "acme/chats/t1/messages/m2", map[string]any{"status": "thinking"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got2, _ := c.Get(ctx, "acme/chats/t1/messages/m2")
	if got2.(map[string]any)["status"] != "thinking" {
		t.Error("Update() on absent path did not create record")
	}
}

func TestMemoryClient_PushOrdering(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	var keys []string
	for i := 0; i < 5; i++ {
		k, err := c.Push(ctx, "acme/job_chats/j1/messages", map[string]any{"n": float64(i)})
		if err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		keys = append(keys, k)
	}

	if !sort.StringsAreSorted(keys) {
		t.Errorf("push keys not chronologically ordered: %v", keys)
	}

	got, _ := c.Get(ctx, "acme/job_chats/j1/messages")
	if n := len(got.(map[string]any)); n != 5 {
		t.Errorf("container size = %d, want 5", n)
	}
}

func TestMemoryClient_Listen(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	// Existing children are not replayed.
	if _, err := c.Push(ctx, "acme/job_chats/j1/messages", map[string]any{"seq": "old"}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	events := make(chan ChildEvent, 16)
	cancel, err := c.Listen("acme/job_chats/j1/messages", func(ev ChildEvent) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := c.Push(ctx, "acme/job_chats/j1/messages", map[string]any{"seq": fmt.Sprintf("n%d", i)}); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			want := fmt.Sprintf("n%d", i)
			if got := ev.Value.(map[string]any)["seq"]; got != want {
				t.Errorf("event %d seq = %v, want %v (in-order delivery)", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	cancel()
	if _, err := c.Push(ctx, "acme/job_chats/j1/messages", map[string]any{"seq": "late"}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	select {
	case ev := <-events:
		t.Errorf("received event after cancel: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryClient_ListenSetChild(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	events := make(chan ChildEvent, 4)
	cancel, err := c.Listen("acme/chats/t1/messages", func(ev ChildEvent) { events <- ev })
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer cancel()

	// A direct Set of a new child fires; a Set replacing it does not.
	if err := c.Set(ctx, "acme/chats/t1/messages/m1", map[string]any{"status": "streaming"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	select {
	case ev := <-events:
		if ev.Key != "m1" {
			t.Errorf("event key = %q, want m1", ev.Key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for child event")
	}

	if err := c.Set(ctx, "acme/chats/t1/messages/m1", map[string]any{"status": "complete"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	select {
	case ev := <-events:
		t.Errorf("replacement Set fired child event: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryClient_Delete(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	if err := c.Set(ctx, "clients/u1/direct_message_notif/n1", map[string]any{"kind": "card"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := c.Delete(ctx, "clients/u1/direct_message_notif/n1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, _ := c.Get(ctx, "clients/u1/direct_message_notif/n1")
	if got != nil {
		t.Errorf("Get() after delete = %#v, want nil", got)
	}

	// Deleting an absent path is a no-op.
	if err := c.Delete(ctx, "clients/u1/direct_message_notif/n1"); err != nil {
		t.Errorf("Delete() on absent path error = %v", err)
	}
}

func TestPathHelpers(t *testing.T) {
	if got := ThreadMessagesPath("acme", "active_chats", "t1"); got != "acme/active_chats/t1/messages" {
		t.Errorf("ThreadMessagesPath() = %q", got)
	}
	if got := MessagePath("acme", "chats", "t1", "m1"); got != "acme/chats/t1/messages/m1" {
		t.Errorf("MessagePath() = %q", got)
	}
	if got := JobChatPath("acme", "job-9"); got != "acme/job_chats/job-9/messages" {
		t.Errorf("JobChatPath() = %q", got)
	}
	if got := DirectNotifPath("u1"); got != "clients/u1/direct_message_notif" {
		t.Errorf("DirectNotifPath() = %q", got)
	}
}
