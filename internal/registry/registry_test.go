package registry

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

type nopConn struct{}

func (nopConn) Send(event string, payload interface{}) error { return nil }
func (nopConn) Close() error                                 { return nil }

func newHandle(id string) *Handle {
	return &Handle{ID: id, Conn: nopConn{}}
}

func TestRegistry_NewRegistryInitialization(t *testing.T) {
	registry := NewRegistry()

	stats := registry.GetStats()
	if stats["total_connections"] != 0 || stats["online_users"] != 0 {
		t.Errorf("Expected empty registry, got %v", stats)
	}
	if registry.IsOnline("alice") {
		t.Error("Unknown user should be offline")
	}
	if ids := registry.ConnectionsFor("alice"); len(ids) != 0 {
		t.Errorf("Expected no connections, got %v", ids)
	}
}

func TestRegistry_AddValidation(t *testing.T) {
	registry := NewRegistry()

	if _, err := registry.Add("alice", nil); err != ErrInvalidHandle {
		t.Errorf("Expected ErrInvalidHandle for nil handle, got %v", err)
	}
	if _, err := registry.Add("alice", &Handle{Conn: nopConn{}}); err != ErrInvalidHandle {
		t.Errorf("Expected ErrInvalidHandle for empty ID, got %v", err)
	}
	if _, err := registry.Add("", newHandle("h1")); err != ErrInvalidHandle {
		t.Errorf("Expected ErrInvalidHandle for empty user, got %v", err)
	}
	if _, err := registry.Add("alice", &Handle{ID: "h1"}); err != ErrInvalidHandle {
		t.Errorf("Expected ErrInvalidHandle for missing connection, got %v", err)
	}
}

func TestRegistry_DuplicateConnection(t *testing.T) {
	registry := NewRegistry()

	if _, err := registry.Add("alice", newHandle("h1")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := registry.Add("bob", newHandle("h1")); err != ErrDuplicateConnection {
		t.Errorf("Expected ErrDuplicateConnection, got %v", err)
	}

	// The failed Add must not have touched bob
	if registry.IsOnline("bob") {
		t.Error("bob should still be offline")
	}
}

func TestRegistry_MultiDeviceTransitions(t *testing.T) {
	registry := NewRegistry()

	change, err := registry.Add("alice", newHandle("h1"))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !change.Changed || !change.Online {
		t.Errorf("First Add should be an online transition, got %+v", change)
	}

	change, _ = registry.Add("alice", newHandle("h2"))
	if change.Changed {
		t.Errorf("Second device should not change presence, got %+v", change)
	}

	ids := registry.ConnectionsFor("alice")
	if len(ids) != 2 || ids[0] != "h1" || ids[1] != "h2" {
		t.Errorf("Expected [h1 h2], got %v", ids)
	}

	change, removed := registry.Remove("h1")
	if !removed || change.Changed {
		t.Errorf("Removing one of two handles should not change presence, got %+v", change)
	}
	if !registry.IsOnline("alice") {
		t.Error("alice should still be online")
	}

	change, removed = registry.Remove("h2")
	if !removed || !change.Changed || change.Online {
		t.Errorf("Removing last handle should be an offline transition, got %+v", change)
	}
	if registry.IsOnline("alice") {
		t.Error("alice should be offline")
	}
	if users := registry.OnlineUsers(); len(users) != 0 {
		t.Errorf("User key should be deleted with the last handle, got %v", users)
	}
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	registry := NewRegistry()
	var transitions []Change
	registry.SetListener(func(c Change) { transitions = append(transitions, c) })

	registry.Add("alice", newHandle("h1"))

	if _, removed := registry.Remove("h1"); !removed {
		t.Error("First Remove should report removal")
	}
	if _, removed := registry.Remove("h1"); removed {
		t.Error("Second Remove should be a no-op")
	}
	if _, removed := registry.Remove("never-added"); removed {
		t.Error("Removing unknown handle should be a no-op")
	}

	if len(transitions) != 2 {
		t.Fatalf("Expected exactly online+offline transitions, got %+v", transitions)
	}
	if !transitions[0].Online || transitions[1].Online {
		t.Errorf("Unexpected transition order %+v", transitions)
	}
}

func TestRegistry_ListenerOnlyOnTransitions(t *testing.T) {
	registry := NewRegistry()
	counts := map[bool]int{}
	registry.SetListener(func(c Change) {
		if !c.Changed {
			t.Errorf("Listener called for non-transition %+v", c)
		}
		counts[c.Online]++
	})

	registry.Add("alice", newHandle("h1"))
	registry.Add("alice", newHandle("h2"))
	registry.Add("alice", newHandle("h3"))
	registry.Remove("h2")
	registry.Remove("h1")
	registry.Remove("h3")

	if counts[true] != 1 || counts[false] != 1 {
		t.Errorf("Expected one online and one offline transition, got %v", counts)
	}
}

// IsOnline(u) must equal "net Add minus Remove count for u > 0" after every step.
func TestRegistry_OnlineMatchesNetCount(t *testing.T) {
	registry := NewRegistry()
	rng := rand.New(rand.NewSource(42))
	users := []string{"alice", "bob", "carol"}

	live := map[string][]string{}
	next := 0

	for step := 0; step < 2000; step++ {
		user := users[rng.Intn(len(users))]
		if rng.Intn(2) == 0 || len(live[user]) == 0 {
			id := fmt.Sprintf("h%d", next)
			next++
			if _, err := registry.Add(user, newHandle(id)); err != nil {
				t.Fatalf("step %d: Add failed: %v", step, err)
			}
			live[user] = append(live[user], id)
		} else {
			i := rng.Intn(len(live[user]))
			id := live[user][i]
			live[user] = append(live[user][:i], live[user][i+1:]...)
			registry.Remove(id)
			// Duplicate disconnect signal
			if rng.Intn(4) == 0 {
				registry.Remove(id)
			}
		}

		for _, u := range users {
			want := len(live[u]) > 0
			if got := registry.IsOnline(u); got != want {
				t.Fatalf("step %d: IsOnline(%s) = %v, want %v", step, u, got, want)
			}
			if got := len(registry.ConnectionsFor(u)); got != len(live[u]) {
				t.Fatalf("step %d: ConnectionsFor(%s) has %d, want %d", step, u, got, len(live[u]))
			}
		}
	}
}

func TestRegistry_LookupAndHandles(t *testing.T) {
	registry := NewRegistry()
	h := newHandle("h1")
	registry.Add("alice", h)

	got, ok := registry.Lookup("h1")
	if !ok || got != h {
		t.Fatal("Lookup did not return the registered handle")
	}
	if got.UserID != "alice" {
		t.Errorf("Handle UserID not set, got %q", got.UserID)
	}
	if got.CreatedAt.IsZero() {
		t.Error("Handle CreatedAt not set")
	}
	if !registry.Has("h1") || registry.Has("h2") {
		t.Error("Has returned wrong result")
	}
	if len(registry.HandlesFor("alice")) != 1 || len(registry.AllHandles()) != 1 {
		t.Error("Handle snapshots have wrong size")
	}
}

func TestRegistry_ConcurrentOperations(t *testing.T) {
	registry := NewRegistry()
	var wg sync.WaitGroup

	for u := 0; u < 10; u++ {
		for d := 0; d < 10; d++ {
			wg.Add(1)
			go func(u, d int) {
				defer wg.Done()
				id := fmt.Sprintf("u%d-d%d", u, d)
				user := fmt.Sprintf("user%d", u)
				if _, err := registry.Add(user, newHandle(id)); err != nil {
					t.Errorf("Add failed: %v", err)
					return
				}
				_ = registry.IsOnline(user)
				_ = registry.ConnectionsFor(user)
				if d%2 == 0 {
					registry.Remove(id)
				}
			}(u, d)
		}
	}
	wg.Wait()

	stats := registry.GetStats()
	if stats["total_connections"] != 50 {
		t.Errorf("Expected 50 connections, got %d", stats["total_connections"])
	}
	if stats["online_users"] != 10 {
		t.Errorf("Expected 10 online users, got %d", stats["online_users"])
	}
}
