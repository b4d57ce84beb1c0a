// Package authz is the Authorization Engine of spec.md §4.5: a single
// decision point, authorize(keyName, remotePubkey, method, params), that the
// RPC Backend consults before acting on any NIP-46 request.
package authz

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/mroxso/signetd/internal/eventbus"
	"github.com/mroxso/signetd/internal/model"
	"github.com/mroxso/signetd/internal/store"
)

// DecisionKind is the outcome category of an authorize() call.
type DecisionKind int

const (
	DecisionApprove DecisionKind = iota
	DecisionDeny
	DecisionPrompt
)

// Decision is the result of authorize().
type Decision struct {
	Kind         DecisionKind
	ApprovalType model.ApprovalType // meaningful only when Kind == DecisionApprove
	Reason       string             // meaningful only when Kind == DecisionDeny
}

func approve(at model.ApprovalType) Decision { return Decision{Kind: DecisionApprove, ApprovalType: at} }
func deny(reason string) Decision            { return Decision{Kind: DecisionDeny, Reason: reason} }
func prompt() Decision                       { return Decision{Kind: DecisionPrompt} }

// SafeKinds are the event kinds spec.md §4.5 allows a "reasonable"-trust app
// to sign without a human prompt.
var SafeKinds = buildSet(
	1, 6, 7, 16, 1111, 9735, 30023, 24242,
	10000, 10001, 10003, 10004, 10005, 10006, 10007, 10015, 10030,
	30000, 30001, 30002, 30003, 30004, 30015,
)

// SensitiveKinds are never auto-approved under "reasonable" trust; a
// "full"-trust app or an explicit saved permission still approves them.
var SensitiveKinds = buildSet(
	0, 3, 4, 5, 10002, 13194, 23194, 23195, 22242, 24133,
)

func buildSet(kinds ...int) map[int]struct{} {
	m := make(map[int]struct{}, len(kinds))
	for _, k := range kinds {
		m[k] = struct{}{}
	}
	return m
}

const (
	cacheTTL      = 30 * time.Second
	cacheMaxItems = 1000
)

type cacheKey struct {
	keyName      string
	remotePubkey string
	method       string
	kind         int
	hasKind      bool
}

type cacheEntry struct {
	decision  Decision
	expiresAt time.Time
}

// Engine evaluates spec.md §4.5's policy and caches recent decisions.
type Engine struct {
	repo store.Repository
	bus  *eventbus.Bus

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

// New constructs an Engine and subscribes it to the bus events that must
// invalidate its decision cache: app mutation, trust change, suspension,
// revocation, saved-permission writes (all folded into the same
// app:updated/app:bulk_updated/app:revoked events store emits).
func New(repo store.Repository, bus *eventbus.Bus) *Engine {
	e := &Engine{repo: repo, bus: bus, cache: make(map[cacheKey]cacheEntry)}
	if bus != nil {
		bus.Subscribe(eventbus.AppUpdated, func(eventbus.Name, any) { e.invalidateAll() })
		bus.Subscribe(eventbus.AppRevoked, func(eventbus.Name, any) { e.invalidateAll() })
		bus.Subscribe(eventbus.AppBulkUpdated, func(eventbus.Name, any) { e.invalidateAll() })
	}
	return e
}

func (e *Engine) invalidateAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[cacheKey]cacheEntry)
}

func (e *Engine) cacheGet(key cacheKey) (Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return Decision{}, false
	}
	return entry.decision, true
}

func (e *Engine) cachePut(key cacheKey, d Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.cache) >= cacheMaxItems {
		for k := range e.cache {
			delete(e.cache, k)
			break
		}
	}
	e.cache[key] = cacheEntry{decision: d, expiresAt: time.Now().Add(cacheTTL)}
}

// Authorize implements spec.md §4.5's evaluation order. kind is the Nostr
// event kind for sign_event requests, nil otherwise. pendingTrust is the
// trust level to evaluate against when no App row exists yet (the `connect`
// handshake, per spec.md §4.4.1); an empty value means TrustParanoid. The
// RPC backend only reaches this for secret-less connects and passes "".
func (e *Engine) Authorize(ctx context.Context, keyName, remotePubkey, method string, kind *int, pendingTrust model.TrustLevel) (Decision, error) {
	key := cacheKey{keyName: keyName, remotePubkey: remotePubkey, method: method}
	if kind != nil {
		key.kind, key.hasKind = *kind, true
	}
	if d, ok := e.cacheGet(key); ok {
		return d, nil
	}

	d, err := e.evaluate(ctx, keyName, remotePubkey, method, kind, pendingTrust)
	if err != nil {
		return Decision{}, err
	}
	e.cachePut(key, d)
	return d, nil
}

func (e *Engine) evaluate(ctx context.Context, keyName, remotePubkey, method string, kind *int, pendingTrust model.TrustLevel) (Decision, error) {
	app, err := e.repo.GetApp(ctx, keyName, remotePubkey)
	if model.Of(err) == model.KindNotFound {
		if method != "connect" {
			return deny("unknown app"), nil
		}
		trust := pendingTrust
		if trust == "" {
			trust = model.TrustParanoid
		}
		return e.evaluateTrust(trust, method, kind), nil
	}
	if err != nil {
		return Decision{}, err
	}

	now := time.Now()
	if app.IsSuspended(now) {
		return deny("app suspended"), nil
	}

	if perm, err := e.repo.GetPermission(ctx, app.ID, method, kind); err == nil {
		if perm.Allowed {
			return approve(model.ApprovalAutoPermission), nil
		}
		return deny("permission revoked"), nil
	} else if model.Of(err) != model.KindNotFound {
		return Decision{}, err
	}

	return e.evaluateTrust(app.Trust, method, kind), nil
}

func (e *Engine) evaluateTrust(trust model.TrustLevel, method string, kind *int) Decision {
	switch trust {
	case model.TrustParanoid:
		return prompt()
	case model.TrustFull:
		return approve(model.ApprovalAutoTrust)
	case model.TrustReasonable:
		if method == "sign_event" {
			if kind != nil {
				if _, safe := SafeKinds[*kind]; safe {
					return approve(model.ApprovalAutoTrust)
				}
			}
			return prompt()
		}
		if method == "get_public_key" || method == "ping" {
			return approve(model.ApprovalAutoTrust)
		}
		return prompt()
	default:
		return prompt()
	}
}

// ConstantTimeEquals compares two secrets without leaking timing
// information, used by the connect handshake's admin-secret match
// (spec.md §4.4.1 step 2).
func ConstantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
