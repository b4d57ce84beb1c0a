package authloop

import (
	"context"
	"testing"
	"time"

	"github.com/mroxso/signetd/internal/model"
	"github.com/mroxso/signetd/internal/store"
)

func TestCreatePersistsPendingRequest(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory(nil)
	l := New(repo, nil)

	req, err := l.Create(ctx, "alice", "remote1", "sign_event", `["{}"]`)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.ID == "" {
		t.Fatal("expected a generated request id")
	}

	stored, err := repo.GetPendingRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get pending request: %v", err)
	}
	if stored.Decision != nil {
		t.Fatal("expected a freshly created request to be undecided")
	}
	if stored.KeyName != "alice" || stored.RemotePubkey != "remote1" || stored.Method != "sign_event" {
		t.Fatalf("unexpected stored request: %+v", stored)
	}
}

func TestAwaitReturnsOnceDecided(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory(nil)
	l := New(repo, nil)

	req, err := l.Create(ctx, "alice", "remote1", "ping", "[]")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := l.Decide(ctx, req.ID, true, model.ApprovalManual); err != nil {
			t.Errorf("decide: %v", err)
		}
	}()

	approved, err := l.Await(ctx, req.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !approved {
		t.Fatal("expected the request to resolve as approved")
	}
}

func TestAwaitReturnsDeniedDecision(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory(nil)
	l := New(repo, nil)

	req, err := l.Create(ctx, "alice", "remote1", "ping", "[]")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.Decide(ctx, req.ID, false, model.ApprovalManual); err != nil {
		t.Fatalf("decide: %v", err)
	}

	approved, err := l.Await(ctx, req.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if approved {
		t.Fatal("expected the request to resolve as denied")
	}
}

func TestAwaitReturnsShuttingDownOnCancellation(t *testing.T) {
	repo := store.NewMemory(nil)
	l := New(repo, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := l.Create(ctx, "alice", "remote1", "ping", "[]")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = l.Await(ctx, req.ID)
	if model.Of(err) != model.KindShuttingDown {
		t.Fatalf("expected KindShuttingDown, got %v", err)
	}
}
