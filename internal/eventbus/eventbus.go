// Package eventbus is the internal pub/sub the UI/dashboard layer (out of
// scope, spec.md §1) consumes to see state changes: new requests, app
// connections, key lock/unlock, panics, log lines. Delivery is best-effort
// synchronous fan-out; spec.md §4.8.
package eventbus

import (
	"log"
	"sync"
)

// Name enumerates the event names spec.md §4.8 lists.
type Name string

const (
	RequestCreated       Name = "request:created"
	RequestApproved      Name = "request:approved"
	RequestDenied        Name = "request:denied"
	RequestExpired       Name = "request:expired"
	RequestAutoApproved  Name = "request:auto_approved"
	AppConnected         Name = "app:connected"
	AppRevoked           Name = "app:revoked"
	AppUpdated           Name = "app:updated"
	AppBulkUpdated       Name = "app:bulk_updated"
	KeyCreated           Name = "key:created"
	KeyUnlocked          Name = "key:unlocked"
	KeyLocked            Name = "key:locked"
	KeyDeleted           Name = "key:deleted"
	KeyRenamed           Name = "key:renamed"
	KeyUpdated           Name = "key:updated"
	StatsUpdated         Name = "stats:updated"
	RelaysUpdated        Name = "relays:updated"
	AdminEvent           Name = "admin:event"
	DeadmanPanic         Name = "deadman:panic"
	DeadmanReset         Name = "deadman:reset"
	DeadmanUpdated       Name = "deadman:updated"
	LogEntry             Name = "log:entry"
	HealthUpdated        Name = "health:updated"
	Ping                 Name = "ping"
)

// Handler receives an event's name and payload. It must do bounded work and
// return; the bus calls handlers synchronously and in registration order.
type Handler func(name Name, payload any)

// Bus is a single-process, single-threaded-semantics publisher. Subscribe
// and Publish may be called from any goroutine; the mutex only protects the
// listener slice, not delivery ordering across concurrent Publish calls
// (spec.md §4.8: "no ordering guarantees across event types").
type Bus struct {
	mu        sync.RWMutex
	listeners map[Name][]Handler
	all       []Handler
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{listeners: make(map[Name][]Handler)}
}

// Subscribe registers handler for a specific event name.
func (b *Bus) Subscribe(name Name, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[name] = append(b.listeners[name], h)
}

// SubscribeAll registers handler for every event published on this bus.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish fans out name/payload to every matching listener. A handler that
// panics is recovered and logged so one bad listener can't break the
// publisher or other listeners (spec.md §4.8: "listener exceptions are
// caught and logged").
func (b *Bus) Publish(name Name, payload any) {
	b.mu.RLock()
	handlers := append(append([]Handler{}, b.listeners[name]...), b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(h, name, payload)
	}
}

func (b *Bus) safeCall(h Handler, name Name, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("eventbus: listener for %s panicked: %v", name, r)
		}
	}()
	h(name, payload)
}
