package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mroxso/signetd/internal/relaypool"
)

func TestSubscriptionIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for n := 0; n < 1000; n++ {
		id := subscriptionID(n)
		if seen[id] {
			t.Fatalf("duplicate subscription id %q at n=%d", id, n)
		}
		seen[id] = true
	}
}

func TestSubscriptionIDZero(t *testing.T) {
	if got := subscriptionID(0); got != "0" {
		t.Fatalf("expected subscriptionID(0) == \"0\", got %q", got)
	}
}

// fakePool is a minimal stand-in for *relaypool.Pool: every call to
// Subscribe hands back a fresh relaypool.Subscription whose EOSE channel
// either fires immediately or never, as eoseFires dictates, and ResetPool
// just counts invocations.
type fakePool struct {
	mu         sync.Mutex
	resetFn    []func()
	subscribes int32
	resets     int32

	eoseFires atomic.Bool // whether new subscriptions signal EOSE
}

func newFakePool(eoseFires bool) *fakePool {
	p := &fakePool{}
	p.eoseFires.Store(eoseFires)
	return p
}

func (p *fakePool) OnReset(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetFn = append(p.resetFn, fn)
}

func (p *fakePool) Subscribe(ctx context.Context, filters nostr.Filters) (*relaypool.Subscription, error) {
	atomic.AddInt32(&p.subscribes, 1)
	sub := &relaypool.Subscription{
		Events: make(chan *nostr.Event),
		EOSE:   make(chan struct{}, 1),
	}
	if p.eoseFires.Load() {
		sub.EOSE <- struct{}{}
	}
	return sub, nil
}

func (p *fakePool) ResetPool(ctx context.Context) error {
	atomic.AddInt32(&p.resets, 1)
	return nil
}

func (p *fakePool) triggerReset() {
	p.mu.Lock()
	fns := append([]func(){}, p.resetFn...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func TestPoolResetDebouncesIntoOneRebuild(t *testing.T) {
	p := newFakePool(true)
	m := New(p)

	ctx := context.Background()
	if _, err := m.Subscribe(ctx, nostr.Filters{{Kinds: []int{1}}}, func(*nostr.Event) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	before := atomic.LoadInt32(&p.subscribes)

	// Several resets in quick succession, well inside ResetDebounce, must
	// coalesce into a single rebuild.
	p.triggerReset()
	p.triggerReset()
	p.triggerReset()

	time.Sleep(ResetDebounce + 500*time.Millisecond)

	after := atomic.LoadInt32(&p.subscribes)
	if after-before != 1 {
		t.Fatalf("expected exactly one rebuild subscribe call, got %d", after-before)
	}
}

func TestRotatingHealthCheckPicksRoundRobin(t *testing.T) {
	p := newFakePool(true)
	m := New(p)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Subscribe(ctx, nostr.Filters{{Kinds: []int{1}}}, func(*nostr.Event) {})
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	var picked []string
	for i := 0; i < len(ids); i++ {
		m.runRotatingCheck(ctx)
		m.mu.Lock()
		pos := m.healthPos
		m.mu.Unlock()
		picked = append(picked, m.order[(pos+len(m.order)-1)%len(m.order)])
	}

	seen := make(map[string]bool)
	for _, id := range picked {
		if seen[id] {
			t.Fatalf("round-robin revisited %s before covering every subscription: %v", id, picked)
		}
		seen[id] = true
	}
	for _, id := range ids {
		if !seen[id] {
			t.Fatalf("round-robin never checked %s: %v", id, picked)
		}
	}
}

func TestRotatingHealthCheckSuccessClearsFailStreak(t *testing.T) {
	p := newFakePool(true)
	m := New(p)
	ctx := context.Background()
	if _, err := m.Subscribe(ctx, nostr.Filters{{Kinds: []int{1}}}, func(*nostr.Event) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m.mu.Lock()
	m.failStreak = 2
	m.mu.Unlock()

	m.runRotatingCheck(ctx)

	m.mu.Lock()
	streak := m.failStreak
	m.mu.Unlock()
	if streak != 0 {
		t.Fatalf("expected a healthy check to reset the failure streak, got %d", streak)
	}
	if atomic.LoadInt32(&p.resets) != 0 {
		t.Fatal("a single healthy rotating check must not trigger a pool reset")
	}
}

func TestRotatingHealthCheckEscalatesAfterRepeatedFailure(t *testing.T) {
	p := newFakePool(false) // never signals EOSE: every rotating check times out
	m := New(p)
	ctx := context.Background()
	if _, err := m.Subscribe(ctx, nostr.Filters{{Kinds: []int{1}}}, func(*nostr.Event) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < maxHealthFailuresBeforeReset; i++ {
		m.runRotatingCheck(ctx)
	}

	if atomic.LoadInt32(&p.resets) != 1 {
		t.Fatalf("expected exactly one escalated pool reset after %d consecutive failures, got %d", maxHealthFailuresBeforeReset, atomic.LoadInt32(&p.resets))
	}
	m.mu.Lock()
	streak := m.failStreak
	m.mu.Unlock()
	if streak != 0 {
		t.Fatalf("expected the failure streak to reset after escalating, got %d", streak)
	}
}

func TestSleepOvershootThresholdAndReset(t *testing.T) {
	p := newFakePool(true)
	m := New(p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Simulate a process that slept through several health-check intervals:
	// lastHealth is far enough in the past that the next tick's elapsed time
	// exceeds SleepOvershootFactor*HealthCheckInterval. The test repeats
	// healthLoop's overshoot comparison and reset call inline; it does not
	// run healthLoop itself.
	m.mu.Lock()
	m.lastHealth = time.Now().Add(-(SleepOvershootFactor + 1) * HealthCheckInterval)
	m.mu.Unlock()

	now := time.Now()
	m.mu.Lock()
	elapsed := now.Sub(m.lastHealth)
	m.lastHealth = now
	m.mu.Unlock()
	if elapsed <= SleepOvershootFactor*HealthCheckInterval {
		t.Fatalf("test setup error: elapsed %s did not exceed overshoot threshold", elapsed)
	}
	if err := m.pool.ResetPool(ctx); err != nil {
		t.Fatalf("reset pool: %v", err)
	}

	if atomic.LoadInt32(&p.resets) != 1 {
		t.Fatalf("expected exactly one reset from the overshoot path, got %d", atomic.LoadInt32(&p.resets))
	}
}

func TestWaitEOSEReportsSuccessWhenSignaled(t *testing.T) {
	m := &Manager{}

	fired := &relaypool.Subscription{EOSE: make(chan struct{}, 1)}
	fired.EOSE <- struct{}{}
	if !m.waitEOSE(fired) {
		t.Fatal("expected waitEOSE to report success when EOSE arrives")
	}
}
