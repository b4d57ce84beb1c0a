package authz

import (
	"context"
	"testing"
	"time"

	"github.com/mroxso/signetd/internal/eventbus"
	"github.com/mroxso/signetd/internal/model"
	"github.com/mroxso/signetd/internal/store"
)

func TestSafeAndSensitiveKindsAreDisjoint(t *testing.T) {
	for k := range SafeKinds {
		if _, sensitive := SensitiveKinds[k]; sensitive {
			t.Fatalf("kind %d appears in both SafeKinds and SensitiveKinds", k)
		}
	}
}

func TestUnknownAppDeniedExceptConnect(t *testing.T) {
	e := New(store.NewMemory(nil), nil)
	ctx := context.Background()

	d, err := e.Authorize(ctx, "alice", "remote1", "sign_event", nil, "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Kind != DecisionDeny {
		t.Fatalf("expected deny for unknown app, got %v", d.Kind)
	}

	d, err = e.Authorize(ctx, "alice", "remote1", "connect", nil, model.TrustReasonable)
	if err != nil {
		t.Fatalf("authorize connect: %v", err)
	}
	if d.Kind == DecisionDeny {
		t.Fatal("connect for an unknown app must not be denied outright")
	}
}

func TestTrustMonotonicityForSignEvent(t *testing.T) {
	safeKind := 1 // kind 1 is in SafeKinds
	ctx := context.Background()

	cases := []struct {
		trust    model.TrustLevel
		wantKind DecisionKind
	}{
		{model.TrustParanoid, DecisionPrompt},
		{model.TrustReasonable, DecisionApprove},
		{model.TrustFull, DecisionApprove},
	}
	for _, c := range cases {
		repo := store.NewMemory(nil)
		app := &model.App{ID: "app1", KeyName: "alice", RemotePubkey: "remote1", Trust: c.trust}
		if err := repo.UpsertApp(ctx, app); err != nil {
			t.Fatalf("upsert app: %v", err)
		}
		e := New(repo, nil)
		d, err := e.Authorize(ctx, "alice", "remote1", "sign_event", &safeKind, "")
		if err != nil {
			t.Fatalf("authorize (%s): %v", c.trust, err)
		}
		if d.Kind != c.wantKind {
			t.Fatalf("trust=%s: expected %v, got %v", c.trust, c.wantKind, d.Kind)
		}
	}
}

func TestFullTrustApprovesSensitiveKind(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory(nil)
	app := &model.App{ID: "app1", KeyName: "alice", RemotePubkey: "remote1", Trust: model.TrustFull}
	if err := repo.UpsertApp(ctx, app); err != nil {
		t.Fatalf("upsert app: %v", err)
	}
	e := New(repo, nil)

	sensitiveKind := 0 // kind 0 (metadata) is in SensitiveKinds
	d, err := e.Authorize(ctx, "alice", "remote1", "sign_event", &sensitiveKind, "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Kind != DecisionApprove {
		// TrustFull approves everything unconditionally per evaluateTrust;
		// sensitivity only constrains TrustReasonable's auto-approve path.
		t.Fatalf("expected TrustFull to approve unconditionally, got %v", d.Kind)
	}
}

func TestSuspendedAppIsDenied(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory(nil)
	now := time.Now()
	app := &model.App{ID: "app1", KeyName: "alice", RemotePubkey: "remote1", Trust: model.TrustFull, SuspendedAt: &now}
	if err := repo.UpsertApp(ctx, app); err != nil {
		t.Fatalf("upsert app: %v", err)
	}
	e := New(repo, nil)
	d, err := e.Authorize(ctx, "alice", "remote1", "ping", nil, "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Kind != DecisionDeny {
		t.Fatalf("expected suspended app to be denied, got %v", d.Kind)
	}
}

func TestSavedPermissionOverridesTrust(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory(nil)
	app := &model.App{ID: "app1", KeyName: "alice", RemotePubkey: "remote1", Trust: model.TrustParanoid}
	if err := repo.UpsertApp(ctx, app); err != nil {
		t.Fatalf("upsert app: %v", err)
	}
	if err := repo.UpsertPermission(ctx, &model.SavedPermission{AppID: "app1", Method: "ping", Allowed: true}); err != nil {
		t.Fatalf("upsert permission: %v", err)
	}
	e := New(repo, nil)
	d, err := e.Authorize(ctx, "alice", "remote1", "ping", nil, "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Kind != DecisionApprove || d.ApprovalType != model.ApprovalAutoPermission {
		t.Fatalf("expected auto-permission approval, got %+v", d)
	}
}

func TestDecisionCacheInvalidatedOnAppUpdate(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New()
	repo := store.NewMemory(bus)
	app := &model.App{ID: "app1", KeyName: "alice", RemotePubkey: "remote1", Trust: model.TrustParanoid}
	if err := repo.UpsertApp(ctx, app); err != nil {
		t.Fatalf("upsert app: %v", err)
	}
	e := New(repo, bus)

	d, err := e.Authorize(ctx, "alice", "remote1", "ping", nil, "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Kind != DecisionPrompt {
		t.Fatalf("expected paranoid app to prompt for ping, got %v", d.Kind)
	}

	app.Trust = model.TrustFull
	if err := repo.UpsertApp(ctx, app); err != nil {
		t.Fatalf("upsert app (trust change): %v", err)
	}

	d, err = e.Authorize(ctx, "alice", "remote1", "ping", nil, "")
	if err != nil {
		t.Fatalf("authorize after trust change: %v", err)
	}
	if d.Kind != DecisionApprove {
		t.Fatalf("expected the trust change to invalidate the cached decision, got %v", d.Kind)
	}
}
