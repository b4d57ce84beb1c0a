// Package subscription is the durability layer over internal/relaypool that
// spec.md §4.3 describes: it owns the lifetime of "managed" subscriptions
// across pool resets, with a debounce so a reset doesn't cause a thundering
// herd of resubscriptions, and a rotating health check that detects a long
// process sleep and forces a pool reset before staleness accumulates.
package subscription

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mroxso/signetd/internal/relaypool"
)

const (
	// ResetDebounce is the spec.md §4.3 2s coalescing window: multiple
	// pool-reset notifications arriving within this window rebuild
	// subscriptions only once.
	ResetDebounce = 2 * time.Second
	// HealthCheckInterval is the 90s rotating health check.
	HealthCheckInterval = 90 * time.Second
	// EOSEWait bounds how long a (re)subscription waits for EOSE; a rotating
	// health check that sees no EOSE within it counts as a failure.
	EOSEWait = 10 * time.Second
	// SleepOvershootFactor: an elapsed gap this many multiples of
	// HealthCheckInterval triggers the same long-sleep detection as
	// relaypool's own watchdog, one layer up (spec.md §8 scenario 5).
	SleepOvershootFactor = 3
)

// Handler receives events for a managed subscription, already merged across
// every pool relay. It must not block for long.
type Handler func(evt *nostr.Event)

// pool is the narrow slice of internal/relaypool the manager needs, so tests
// can drive the rotating health check and debounce logic without live relay
// connections.
type pool interface {
	OnReset(fn func())
	Subscribe(ctx context.Context, filters nostr.Filters) (*relaypool.Subscription, error)
	ResetPool(ctx context.Context) error
}

// managed is one durable subscription request: re-issued against the pool
// whenever the pool resets or the rotating health check recreates it.
type managed struct {
	id      string
	filters nostr.Filters
	handler Handler

	mu     sync.Mutex
	active *relaypool.Subscription
}

// Manager keeps a set of managed subscriptions alive across pool resets, and
// rotates a health check across them so a stuck relay subscription that
// never errors outright still gets noticed.
type Manager struct {
	pool pool

	mu         sync.Mutex
	subs       map[string]*managed
	order      []string // stable round-robin order, append-only except for Unsubscribe removal
	healthPos  int      // index into order of the next subscription to check
	failStreak int      // consecutive rotating-check failures since the last success
	nextID     int
	resetTimer *time.Timer
	lastHealth time.Time
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// maxHealthFailuresBeforeReset is how many consecutive rotating health-check
// failures (each already a full close/recreate restart of that subscription)
// are tolerated before escalating to a full pool reset.
const maxHealthFailuresBeforeReset = 3

// New constructs a Manager over p and registers its pool-reset listener.
func New(p pool) *Manager {
	m := &Manager{pool: p, subs: make(map[string]*managed)}
	p.OnReset(m.onPoolReset)
	return m
}

// Start launches the rotating health-check loop.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Lock()
	m.lastHealth = time.Now()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.healthLoop(runCtx)
}

// Stop halts the health loop and every managed subscription.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		s.mu.Lock()
		if s.active != nil {
			s.active.Close()
		}
		s.mu.Unlock()
	}
}

// Subscribe registers filters/handler as a durable subscription and opens it
// against the pool immediately. The returned id can be passed to Unsubscribe.
func (m *Manager) Subscribe(ctx context.Context, filters nostr.Filters, handler Handler) (string, error) {
	m.mu.Lock()
	m.nextID++
	id := subscriptionID(m.nextID)
	s := &managed{id: id, filters: filters, handler: handler}
	m.subs[id] = s
	m.order = append(m.order, id)
	m.mu.Unlock()

	if err := m.open(ctx, s); err != nil {
		return "", err
	}
	return id, nil
}

// Unsubscribe stops and forgets a managed subscription.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	s, ok := m.subs[id]
	delete(m.subs, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			if m.healthPos > i {
				m.healthPos--
			}
			break
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.active != nil {
		s.active.Close()
	}
	s.mu.Unlock()
}

func (m *Manager) open(ctx context.Context, s *managed) error {
	sub, err := m.pool.Subscribe(ctx, s.filters)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.active != nil {
		s.active.Close()
	}
	s.active = sub
	s.mu.Unlock()

	go m.pump(sub, s.handler)
	go m.waitEOSE(sub)
	return nil
}

func (m *Manager) pump(sub *relaypool.Subscription, handler Handler) {
	for evt := range sub.Events {
		handler(evt)
	}
}

// waitEOSE blocks until sub reports end-of-stored-events or EOSEWait elapses,
// and reports which happened. The fire-and-forget caller in open just drains
// it for side effects; healthCheckOne uses the return value to decide whether
// a rotating check passed.
func (m *Manager) waitEOSE(sub *relaypool.Subscription) bool {
	select {
	case <-sub.EOSE:
		return true
	case <-time.After(EOSEWait):
		return false
	}
}

// onPoolReset is invoked by relaypool after it reconnects. It debounces
// bursts of resets (e.g. several overshoot/failure triggers close together)
// into a single subscription rebuild.
func (m *Manager) onPoolReset() {
	m.mu.Lock()
	if m.resetTimer != nil {
		m.resetTimer.Stop()
	}
	m.resetTimer = time.AfterFunc(ResetDebounce, m.rebuildAll)
	m.mu.Unlock()
}

func (m *Manager) rebuildAll() {
	m.mu.Lock()
	all := make([]*managed, 0, len(m.subs))
	for _, s := range m.subs {
		all = append(all, s)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), EOSEWait)
	defer cancel()
	for _, s := range all {
		if err := m.open(ctx, s); err != nil {
			log.Printf("subscription: rebuild failed: %v", err)
		}
	}
}

// healthLoop is the spec.md §4.3 rotating health check: every
// HealthCheckInterval it first checks for a long-sleep overshoot (the same
// detection relaypool's own watchdog does, one layer up), then picks the
// next managed subscription round-robin and exercises it.
func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			elapsed := now.Sub(m.lastHealth)
			m.lastHealth = now
			m.mu.Unlock()

			if elapsed > SleepOvershootFactor*HealthCheckInterval {
				log.Printf("subscription: health check overshot by %s, forcing pool reset", elapsed)
				if err := m.pool.ResetPool(ctx); err != nil {
					log.Printf("subscription: forced reset failed: %v", err)
				}
				continue
			}

			m.runRotatingCheck(ctx)
		}
	}
}

// runRotatingCheck picks the next managed subscription round-robin, closes
// and recreates it, and waits for the new subscription's EOSE. A pass resets
// the failure streak; a miss restarts that subscription (already done, by
// virtue of the close/recreate) and, once maxHealthFailuresBeforeReset misses
// have accumulated in a row, escalates to a full pool reset.
func (m *Manager) runRotatingCheck(ctx context.Context) {
	m.mu.Lock()
	if len(m.order) == 0 {
		m.mu.Unlock()
		return
	}
	if m.healthPos >= len(m.order) {
		m.healthPos = 0
	}
	id := m.order[m.healthPos]
	m.healthPos = (m.healthPos + 1) % len(m.order)
	s := m.subs[id]
	m.mu.Unlock()
	if s == nil {
		return
	}

	healthy := m.healthCheckOne(ctx, s)

	m.mu.Lock()
	if healthy {
		m.failStreak = 0
	} else {
		m.failStreak++
	}
	streak := m.failStreak
	m.mu.Unlock()

	if !healthy {
		log.Printf("subscription: rotating health check failed for %s", id)
		if streak >= maxHealthFailuresBeforeReset {
			log.Printf("subscription: %d consecutive rotating health-check failures, forcing pool reset", streak)
			if err := m.pool.ResetPool(ctx); err != nil {
				log.Printf("subscription: forced reset failed: %v", err)
			}
			m.mu.Lock()
			m.failStreak = 0
			m.mu.Unlock()
		}
	}
}

// healthCheckOne closes s's current subscription, reopens it, and waits
// EOSEWait for the new subscription's EOSE. It returns whether the reopen and
// EOSE both succeeded in time.
func (m *Manager) healthCheckOne(ctx context.Context, s *managed) bool {
	checkCtx, cancel := context.WithTimeout(ctx, EOSEWait)
	defer cancel()

	sub, err := m.pool.Subscribe(checkCtx, s.filters)
	if err != nil {
		log.Printf("subscription: health check resubscribe failed: %v", err)
		return false
	}

	s.mu.Lock()
	if s.active != nil {
		s.active.Close()
	}
	s.active = sub
	s.mu.Unlock()

	go m.pump(sub, s.handler)
	return m.waitEOSE(sub)
}

func subscriptionID(n int) string {
	const hex = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	var buf [16]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = hex[n%16]
		n /= 16
	}
	return string(buf[pos:])
}
