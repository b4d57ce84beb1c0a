package deadman

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mroxso/signetd/internal/model"
	"github.com/mroxso/signetd/internal/store"
)

// fakeVault is a minimal deadman.Vault: it treats one configured key name as
// encrypted and unlockable by one configured passphrase.
type fakeVault struct {
	encryptedKey string
	passphrase   string
	locked       []string
	unlockCalls  int
}

func (v *fakeVault) VerifyPassphrase(_ context.Context, name, passphrase string) (bool, error) {
	return name == v.encryptedKey && passphrase == v.passphrase, nil
}

func (v *fakeVault) LockAll(_ context.Context) []string {
	v.locked = append(v.locked, v.encryptedKey)
	return []string{v.encryptedKey}
}

func (v *fakeVault) Unlock(_ context.Context, name, passphrase string) error {
	v.unlockCalls++
	if name != v.encryptedKey || passphrase != v.passphrase {
		return errors.New("wrong passphrase")
	}
	return nil
}

func newTestSwitch(t *testing.T) (*Switch, *fakeVault, store.Repository) {
	t.Helper()
	repo := store.NewMemory(nil)
	if err := repo.SaveKeyRecord(context.Background(), &model.KeyRecord{
		Name:         "alice",
		NIP49Wrapped: "ncryptsec1fakefortest",
	}); err != nil {
		t.Fatalf("seed key record: %v", err)
	}
	v := &fakeVault{encryptedKey: "alice", passphrase: "correct horse"}
	return New(repo, nil, v, nil), v, repo
}

func TestEnableRequiresEncryptedKey(t *testing.T) {
	repo := store.NewMemory(nil)
	s := New(repo, nil, &fakeVault{}, nil)
	if err := s.Enable(context.Background(), 3600); model.Of(err) != model.KindInvalidInput {
		t.Fatalf("expected KindInvalidInput with no encrypted keys, got %v", err)
	}
}

func TestEnableThenDisableRoundTrip(t *testing.T) {
	s, v, repo := newTestSwitch(t)
	ctx := context.Background()

	if err := s.Enable(ctx, 3600); err != nil {
		t.Fatalf("enable: %v", err)
	}
	state, err := repo.GetDeadManState(ctx)
	if err != nil || statusOf(state) != StatusArmed {
		t.Fatalf("expected armed state after enable, got %+v err=%v", state, err)
	}

	if err := s.Disable(ctx, v.passphrase); err != nil {
		t.Fatalf("disable: %v", err)
	}
	state, err = repo.GetDeadManState(ctx)
	if err != nil || statusOf(state) != StatusDisabled {
		t.Fatalf("expected disabled state after disable, got %+v err=%v", state, err)
	}
}

func TestDisableWrongPassphraseRejected(t *testing.T) {
	s, _, _ := newTestSwitch(t)
	ctx := context.Background()
	if err := s.Enable(ctx, 3600); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := s.Disable(ctx, "definitely wrong"); model.Of(err) != model.KindWrongPassphrase {
		t.Fatalf("expected KindWrongPassphrase, got %v", err)
	}
}

func TestPanicLocksSuspendsAndAudits(t *testing.T) {
	s, v, repo := newTestSwitch(t)
	ctx := context.Background()

	if err := repo.UpsertApp(ctx, &model.App{ID: "app1", KeyName: "alice", RemotePubkey: "pub1"}); err != nil {
		t.Fatalf("seed app: %v", err)
	}
	if err := s.Enable(ctx, 3600); err != nil {
		t.Fatalf("enable: %v", err)
	}

	if err := s.Panic(ctx); err != nil {
		t.Fatalf("panic: %v", err)
	}

	if len(v.locked) != 1 {
		t.Fatalf("expected LockAll to be invoked once, got %d", len(v.locked))
	}

	app, err := repo.GetApp(ctx, "alice", "pub1")
	if err != nil {
		t.Fatalf("get app: %v", err)
	}
	if app.SuspendedAt == nil {
		t.Fatal("expected app to be suspended after panic")
	}

	state, err := repo.GetDeadManState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if statusOf(state) != StatusPanicked {
		t.Fatalf("expected panicked status, got %v", statusOf(state))
	}

	audit, err := repo.ListAudit(ctx, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	found := false
	for _, a := range audit {
		if a.Action == "panic_triggered" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a panic_triggered audit record")
	}
}

func TestCheckTickTriggersPanicOnExpiry(t *testing.T) {
	s, _, repo := newTestSwitch(t)
	ctx := context.Background()
	if err := s.Enable(ctx, 60); err != nil {
		t.Fatalf("enable: %v", err)
	}

	if err := s.CheckTick(ctx, time.Now().Add(2*time.Minute)); err != nil {
		t.Fatalf("check tick: %v", err)
	}

	state, err := repo.GetDeadManState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if statusOf(state) != StatusPanicked {
		t.Fatalf("expected the switch to have panicked, got %v", statusOf(state))
	}
}

func TestCheckTickSendsWarningsOnlyOnce(t *testing.T) {
	s, _, repo := newTestSwitch(t)
	ctx := context.Background()
	if err := s.Enable(ctx, 3600); err != nil {
		t.Fatalf("enable: %v", err)
	}

	now := time.Now()
	if err := s.CheckTick(ctx, now); err != nil {
		t.Fatalf("check tick 1: %v", err)
	}
	state, err := repo.GetDeadManState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	sentAfterFirst := len(state.WarningsSent)
	if sentAfterFirst == 0 {
		t.Fatal("expected the thresholds at or above the ~1h remaining time to have fired")
	}

	if err := s.CheckTick(ctx, now.Add(time.Second)); err != nil {
		t.Fatalf("check tick 2: %v", err)
	}
	state, err = repo.GetDeadManState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if len(state.WarningsSent) != sentAfterFirst {
		t.Fatalf("expected no duplicate warnings, had %d then %d", sentAfterFirst, len(state.WarningsSent))
	}
}

func TestRateLimitAnchoredToFirstFailure(t *testing.T) {
	s, _, _ := newTestSwitch(t)
	ctx := context.Background()
	if err := s.Enable(ctx, 3600); err != nil {
		t.Fatalf("enable: %v", err)
	}

	for i := 0; i < rateLimitMaxAttempts; i++ {
		if err := s.Disable(ctx, "wrong"); model.Of(err) != model.KindWrongPassphrase {
			t.Fatalf("attempt %d: expected KindWrongPassphrase, got %v", i, err)
		}
	}

	err := s.Disable(ctx, "wrong")
	if model.Of(err) != model.KindRateLimited {
		t.Fatalf("expected KindRateLimited after %d failures, got %v", rateLimitMaxAttempts, err)
	}

	// A correct passphrase is still blocked while the window holds the limit.
	if err := s.Disable(ctx, "correct horse"); model.Of(err) != model.KindRateLimited {
		t.Fatalf("expected the rate limit to also block a correct passphrase, got %v", err)
	}
}

func TestResetReunlocksKeyAfterPanic(t *testing.T) {
	s, v, repo := newTestSwitch(t)
	ctx := context.Background()
	if err := s.Enable(ctx, 3600); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := s.Panic(ctx); err != nil {
		t.Fatalf("panic: %v", err)
	}

	if err := s.Reset(ctx, v.passphrase); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if v.unlockCalls == 0 {
		t.Fatal("expected Reset to re-unlock the matched key after a panic")
	}

	state, err := repo.GetDeadManState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if statusOf(state) != StatusArmed {
		t.Fatalf("expected armed status after reset, got %v", statusOf(state))
	}
}
