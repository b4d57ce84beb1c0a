package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mroxso/signetd/internal/model"
)

func TestClaimTokenIsOneShot(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	now := time.Now()
	tok := &model.ConnectionToken{
		Token:     "tok1",
		KeyName:   "alice",
		IssuedAt:  now,
		ExpiresAt: now.Add(model.ConnectionTokenTTL),
	}
	if err := m.CreateToken(ctx, tok); err != nil {
		t.Fatalf("create token: %v", err)
	}

	if _, err := m.ClaimToken(ctx, "tok1", now.Add(time.Second)); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := m.ClaimToken(ctx, "tok1", now.Add(2*time.Second)); model.Of(err) != model.KindTokenAlreadyRedeemed {
		t.Fatalf("expected KindTokenAlreadyRedeemed on second claim, got %v", err)
	}
}

func TestClaimTokenRejectsExpired(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	now := time.Now()
	tok := &model.ConnectionToken{
		Token:     "tok1",
		KeyName:   "alice",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Minute),
	}
	if err := m.CreateToken(ctx, tok); err != nil {
		t.Fatalf("create token: %v", err)
	}
	if _, err := m.ClaimToken(ctx, "tok1", now.Add(time.Hour)); model.Of(err) != model.KindTokenExpired {
		t.Fatalf("expected KindTokenExpired, got %v", err)
	}
}

func TestClaimTokenNotFound(t *testing.T) {
	m := NewMemory(nil)
	if _, err := m.ClaimToken(context.Background(), "missing", time.Now()); model.Of(err) != model.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestClaimTokenExactlyOneWinnerUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	now := time.Now()
	tok := &model.ConnectionToken{
		Token:     "tok1",
		KeyName:   "alice",
		IssuedAt:  now,
		ExpiresAt: now.Add(model.ConnectionTokenTTL),
	}
	if err := m.CreateToken(ctx, tok); err != nil {
		t.Fatalf("create token: %v", err)
	}

	const attempts = 20
	var wg sync.WaitGroup
	var successes int32
	var mu sync.Mutex
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.ClaimToken(ctx, "tok1", now.Add(time.Second)); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", successes)
	}
}
