package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jzhou/qchat/pkg/transport"
	"github.com/jzhou/qchat/pkg/userdb"
)

type nopSender struct{}

func (nopSender) Send(_ transport.StreamEvent) error { return nil }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	creds := userdb.NewMemory()
	if err := userdb.Seed(creds, userdb.DefaultSeed()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return New(creds)
}

func TestAuthenticateDelegatesToOracle(t *testing.T) {
	r := newTestRegistry(t)
	ok, err := r.Authenticate("alice", "p1")
	if err != nil || !ok {
		t.Fatalf("Authenticate(alice, p1): ok=%t err=%v", ok, err)
	}
	ok, err = r.Authenticate("alice", "nope")
	if err != nil || ok {
		t.Fatalf("Authenticate(alice, nope): ok=%t err=%v", ok, err)
	}
}

func TestAllocateUserIDUniqueUnderConcurrency(t *testing.T) {
	r := newTestRegistry(t)

	const workers = 16
	const perWorker = 100
	ids := make(chan int64, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ids <- r.AllocateUserID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, workers*perWorker)
	for id := range ids {
		if id <= 0 {
			t.Fatalf("non-positive id %d", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != workers*perWorker {
		t.Fatalf("want %d ids, got %d", workers*perWorker, len(seen))
	}
}

func TestSessionLifecycle(t *testing.T) {
	r := newTestRegistry(t)

	id := r.AllocateUserID()
	r.RegisterSession(id, "alice", nopSender{}, 0)

	if !r.IsLoggedIn("alice") {
		t.Fatal("IsLoggedIn(alice) = false after register")
	}
	if name, ok := r.UsernameOf(id); !ok || name != "alice" {
		t.Fatalf("UsernameOf(%d) = %q, %t", id, name, ok)
	}
	if _, ok := r.SessionOf(id); !ok {
		t.Fatalf("SessionOf(%d): missing", id)
	}

	r.DeregisterSession(id)
	if r.IsLoggedIn("alice") {
		t.Fatal("IsLoggedIn(alice) = true after deregister")
	}
	if _, ok := r.SessionOf(id); ok {
		t.Fatalf("SessionOf(%d): present after deregister", id)
	}
	// Deregistering again is harmless.
	r.DeregisterSession(id)
}

func TestActiveUsersOrderedSnapshot(t *testing.T) {
	r := newTestRegistry(t)

	// Register out of id order; the roster must come back sorted.
	id1 := r.AllocateUserID()
	id2 := r.AllocateUserID()
	id3 := r.AllocateUserID()
	r.RegisterSession(id3, "cam", nopSender{}, 0)
	r.RegisterSession(id1, "alice", nopSender{}, 0)
	r.RegisterSession(id2, "bob", nopSender{}, 0)

	users := r.ActiveUsers()
	if len(users) != 3 {
		t.Fatalf("ActiveUsers: want 3 got %d", len(users))
	}
	wantNames := []string{"alice", "bob", "cam"}
	for i, u := range users {
		if u.UserID != int64(i+1) || u.Username != wantNames[i] {
			t.Fatalf("roster[%d] = %+v, want id=%d username=%s", i, u, i+1, wantNames[i])
		}
	}

	// The snapshot is detached from later mutations.
	r.DeregisterSession(id1)
	if len(users) != 3 {
		t.Fatal("snapshot mutated by deregister")
	}
}

func TestLoginSingleWinner(t *testing.T) {
	r := newTestRegistry(t)

	const racers = 16
	var wg sync.WaitGroup
	var wins atomic.Int64
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Login("alice", nopSender{}, 0); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrAlreadyLoggedIn) {
				t.Errorf("Login: unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("Login winners = %d, want exactly 1", wins.Load())
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
}
