// Package authloop implements spec.md §4.6: the durable wait for a human
// decision on a PendingRequest, independent of whether the caller also
// dispatches an auth_url response (that choice belongs to internal/rpc,
// which knows whether a dashboard URL is configured).
package authloop

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mroxso/signetd/internal/eventbus"
	"github.com/mroxso/signetd/internal/model"
	"github.com/mroxso/signetd/internal/store"
)

const (
	pollInitial    = 100 * time.Millisecond
	pollMultiplier = 1.5
	pollCap        = 2 * time.Second
	overallTimeout = 65 * time.Second
)

// Loop persists PendingRequests and polls them to resolution.
type Loop struct {
	repo store.Repository
	bus  *eventbus.Bus
}

// New constructs a Loop.
func New(repo store.Repository, bus *eventbus.Bus) *Loop {
	return &Loop{repo: repo, bus: bus}
}

func (l *Loop) emit(name eventbus.Name, payload any) {
	if l.bus != nil {
		l.bus.Publish(name, payload)
	}
}

func newRequestID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Create persists a new PendingRequest (spec.md §4.6 step 1) and schedules
// its 60s expiry notification (step 2). It returns the request so the
// caller (internal/rpc) can decide whether to also dispatch an auth_url
// response before calling Await.
func (l *Loop) Create(ctx context.Context, keyName, remotePubkey, method, paramsJSON string) (*model.PendingRequest, error) {
	id, err := newRequestID()
	if err != nil {
		return nil, fmt.Errorf("authloop.Create: %w", err)
	}
	req := &model.PendingRequest{
		ID:           id,
		KeyName:      keyName,
		RemotePubkey: remotePubkey,
		Method:       method,
		Params:       paramsJSON,
		CreatedAt:    time.Now(),
	}
	if err := l.repo.CreatePendingRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("authloop.Create: %w", err)
	}

	time.AfterFunc(model.PendingRequestTTL, func() {
		l.checkExpiry(context.Background(), id)
	})
	return req, nil
}

func (l *Loop) checkExpiry(ctx context.Context, id string) {
	req, err := l.repo.GetPendingRequest(ctx, id)
	if err != nil {
		return
	}
	if req.Decision == nil {
		l.emit(eventbus.RequestExpired, id)
	}
}

// Await implements spec.md §4.6 steps 4-5: exponential-backoff polling
// (100ms ×1.5, capped 2s) until decision becomes non-null or 65s elapses.
// On ctx cancellation (process shutdown) it returns a KindShuttingDown
// error per spec.md §4.6 "Cancellation". On timeout it returns
// KindUnauthorized with the request left undecided, per spec.md §8's "not
// decidable" boundary behavior — it never mutates Decision itself.
func (l *Loop) Await(ctx context.Context, id string) (bool, error) {
	const op = "authloop.Await"
	deadline := time.Now().Add(overallTimeout)
	interval := pollInitial

	for {
		req, err := l.repo.GetPendingRequest(ctx, id)
		if err != nil {
			return false, fmt.Errorf("%s: %w", op, err)
		}
		if req.Decision != nil {
			return *req.Decision, nil
		}

		if time.Now().After(deadline) {
			return false, model.New(op, model.KindUnauthorized, "request authorization timed out undecided")
		}

		select {
		case <-ctx.Done():
			return false, model.New(op, model.KindShuttingDown, "")
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * pollMultiplier)
		if interval > pollCap {
			interval = pollCap
		}
	}
}

// Decide records a human decision on a PendingRequest (called by the
// dashboard/admin surface; out of scope here but the entry point is shared).
func (l *Loop) Decide(ctx context.Context, id string, approved bool, approvalType model.ApprovalType) error {
	if err := l.repo.SetDecision(ctx, id, approved, approvalType); err != nil {
		return fmt.Errorf("authloop.Decide: %w", err)
	}
	return nil
}
