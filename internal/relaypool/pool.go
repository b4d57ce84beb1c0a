// Package relaypool implements spec.md §4.2: a managed set of long-lived
// relay connections with a reconnect watchdog. It is built on
// nbd-wtf/go-nostr's Relay (RelayConnect/Publish/Subscribe) — the same
// dependency the teacher relay serves over the wire — rather than driving
// gorilla/websocket directly; go-nostr's Relay already owns the socket and
// frame (de)serialization, the pool adds reconnect and a watchdog on top.
// A relay that is down is redialed once per heartbeat tick; there is no
// exponential backoff between reconnect attempts.
package relaypool

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mroxso/signetd/internal/model"
)

const (
	// HeartbeatInterval is the spec.md §4.2 30s watchdog tick.
	HeartbeatInterval = 30 * time.Second
	// FailureWindow is the 5-minute rolling window failures are counted in.
	FailureWindow = 5 * time.Minute
	// MaxFailuresInWindow triggers a reset once reached.
	MaxFailuresInWindow = 3
	// OvershootFactor: a tick arriving this many multiples of
	// HeartbeatInterval late (e.g. after the process was suspended/slept)
	// also triggers a reset.
	OvershootFactor = 3
)

// Status is a snapshot for the dashboard/admin surface (getStatus()).
type Status struct {
	Relays         map[string]bool `json:"relays"` // url -> connected
	LastHeartbeat  time.Time       `json:"last_heartbeat"`
	FailuresInLast time.Duration   `json:"-"`
}

// Pool owns one *nostr.Relay per configured URL and keeps them connected.
type Pool struct {
	mu       sync.RWMutex
	urls     []string
	conns    map[string]*nostr.Relay
	failures []time.Time // timestamps of cycles where >=1 relay was down

	lastHeartbeat time.Time
	lastTick      time.Time

	resetListeners []func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Pool for the given seed relay URLs. Call Start to connect
// and launch the watchdog.
func New(urls []string) *Pool {
	return &Pool{
		urls:  append([]string{}, urls...),
		conns: make(map[string]*nostr.Relay),
	}
}

// OnReset registers a listener invoked every time ResetPool runs, after the
// new connections are established. internal/subscription uses this to rebuild
// managed subscriptions (spec.md §4.3's pool-reset debounce).
func (p *Pool) OnReset(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetListeners = append(p.resetListeners, fn)
}

// Start connects to every configured relay (best-effort) and launches the
// watchdog goroutine.
func (p *Pool) Start(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	err := p.EnsureConnected(ctx)

	now := time.Now()
	p.mu.Lock()
	p.lastHeartbeat = now
	p.lastTick = now
	p.mu.Unlock()

	p.wg.Add(1)
	go p.watchdog(watchCtx)
	return err
}

// Stop cancels the watchdog and closes every relay connection.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for url, relay := range p.conns {
		if err := relay.Close(); err != nil {
			log.Printf("relaypool: close %s: %v", url, err)
		}
	}
	p.conns = make(map[string]*nostr.Relay)
}

// EnsureConnected implements spec.md §4.2 ensureConnected(): connects any
// configured relay not currently connected. Failures are logged, not fatal.
func (p *Pool) EnsureConnected(ctx context.Context) error {
	p.mu.Lock()
	missing := make([]string, 0, len(p.urls))
	for _, url := range p.urls {
		if r, ok := p.conns[url]; !ok || !r.IsConnected() {
			missing = append(missing, url)
		}
	}
	p.mu.Unlock()

	var connected int
	for _, url := range missing {
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			log.Printf("relaypool: connect %s: %v", url, err)
			continue
		}
		p.mu.Lock()
		p.conns[url] = relay
		p.mu.Unlock()
		connected++
	}

	p.mu.RLock()
	total := len(p.conns)
	p.mu.RUnlock()
	if total == 0 {
		return model.Err(model.KindNoRelayReachable)
	}
	return nil
}

// Publish implements spec.md §4.2 publish(): fans out evt to every connected
// relay. Per spec.md §7, reaching at least one relay is success (logged with
// a warning if partial); reaching zero is a hard KindNoRelayReachable error.
func (p *Pool) Publish(ctx context.Context, evt nostr.Event) (successCount, attempted int, err error) {
	p.mu.RLock()
	relays := make([]*nostr.Relay, 0, len(p.conns))
	for _, r := range p.conns {
		relays = append(relays, r)
	}
	p.mu.RUnlock()

	attempted = len(relays)
	for _, relay := range relays {
		if pubErr := relay.Publish(ctx, evt); pubErr != nil {
			log.Printf("relaypool: publish to %s failed: %v", relay.URL, pubErr)
			continue
		}
		successCount++
	}

	if successCount == 0 {
		return 0, attempted, model.Err(model.KindNoRelayReachable)
	}
	if successCount < attempted {
		log.Printf("relaypool: publish reached %d/%d relays", successCount, attempted)
	}
	return successCount, attempted, nil
}

// Subscription fans events in from every relay's own subscription into one
// channel, in relay delivery order per relay (spec.md §5 "within one relay
// subscription: FIFO by relay delivery order" — cross-relay interleaving is
// not ordered, matching NIP-46's at-most-one-effective-response dedup
// upstream in internal/rpc).
type Subscription struct {
	Events chan *nostr.Event
	EOSE   chan struct{}

	subs   []*nostr.Subscription
	cancel context.CancelFunc
	once   sync.Once
}

// Close unsubscribes from every underlying relay subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		for _, sub := range s.subs {
			sub.Unsub()
		}
	})
}

// Subscribe implements spec.md §4.2 subscribe(): opens filters on every
// currently connected relay and merges their event streams.
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters) (*Subscription, error) {
	p.mu.RLock()
	relays := make([]*nostr.Relay, 0, len(p.conns))
	for _, r := range p.conns {
		relays = append(relays, r)
	}
	p.mu.RUnlock()

	if len(relays) == 0 {
		return nil, model.Err(model.KindNoRelayReachable)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := &Subscription{
		Events: make(chan *nostr.Event, 64),
		EOSE:   make(chan struct{}, len(relays)),
		cancel: cancel,
	}

	var wg sync.WaitGroup
	for _, relay := range relays {
		sub, err := relay.Subscribe(subCtx, filters)
		if err != nil {
			log.Printf("relaypool: subscribe on %s: %v", relay.URL, err)
			continue
		}
		out.subs = append(out.subs, sub)
		wg.Add(1)
		go func(sub *nostr.Subscription) {
			defer wg.Done()
			for {
				select {
				case <-subCtx.Done():
					return
				case evt, ok := <-sub.Events:
					if !ok {
						return
					}
					select {
					case out.Events <- evt:
					case <-subCtx.Done():
						return
					}
				case <-sub.EndOfStoredEvents:
					select {
					case out.EOSE <- struct{}{}:
					default:
					}
				}
			}
		}(sub)
	}

	if len(out.subs) == 0 {
		cancel()
		return nil, model.Err(model.KindNoRelayReachable)
	}

	go func() {
		wg.Wait()
		close(out.Events)
	}()
	return out, nil
}

// ResetPool implements spec.md §4.2 resetPool(): closes and reconnects every
// relay, then notifies reset listeners (internal/subscription rebuilds its
// managed subscriptions from there).
func (p *Pool) ResetPool(ctx context.Context) error {
	p.mu.Lock()
	old := p.conns
	p.conns = make(map[string]*nostr.Relay)
	p.mu.Unlock()

	for url, relay := range old {
		if err := relay.Close(); err != nil {
			log.Printf("relaypool: reset: close %s: %v", url, err)
		}
	}

	err := p.EnsureConnected(ctx)

	p.mu.Lock()
	p.failures = nil
	p.lastHeartbeat = time.Now()
	listeners := append([]func(){}, p.resetListeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	return err
}

// GetStatus implements spec.md §4.2 getStatus().
func (p *Pool) GetStatus() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	relays := make(map[string]bool, len(p.conns))
	for _, url := range p.urls {
		r, ok := p.conns[url]
		relays[url] = ok && r.IsConnected()
	}
	return Status{Relays: relays, LastHeartbeat: p.lastHeartbeat}
}

func (p *Pool) watchdog(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.checkHeartbeat(ctx, now)
		}
	}
}

func (p *Pool) checkHeartbeat(ctx context.Context, now time.Time) {
	p.mu.Lock()
	elapsed := now.Sub(p.lastTick)
	p.lastTick = now
	overshoot := elapsed > OvershootFactor*HeartbeatInterval

	downCount := 0
	for _, r := range p.conns {
		if !r.IsConnected() {
			downCount++
		}
	}
	if downCount > 0 {
		p.failures = append(p.failures, now)
	}
	cutoff := now.Add(-FailureWindow)
	pruned := p.failures[:0]
	for _, t := range p.failures {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	p.failures = pruned
	tooManyFailures := len(p.failures) >= MaxFailuresInWindow
	p.lastHeartbeat = now
	p.mu.Unlock()

	if overshoot {
		log.Printf("relaypool: watchdog tick overshot by %s (sleep detected), resetting pool", elapsed)
	}
	if tooManyFailures {
		log.Printf("relaypool: %d connection failures in the last %s, resetting pool", MaxFailuresInWindow, FailureWindow)
	}
	if overshoot || tooManyFailures {
		if err := p.ResetPool(ctx); err != nil {
			log.Printf("relaypool: reset failed: %v", err)
		}
	} else {
		if err := p.EnsureConnected(ctx); err != nil {
			log.Printf("relaypool: ensureConnected: %v", err)
		}
	}
}
