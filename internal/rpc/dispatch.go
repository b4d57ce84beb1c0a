package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mroxso/signetd/internal/authz"
	"github.com/mroxso/signetd/internal/cryptoutil"
	"github.com/mroxso/signetd/internal/eventbus"
)

// dispatch implements spec.md §4.4 steps 4-5: method dispatch and response
// publication (the latter delegated to publishResponse / promptAndAwait).
func (b *Backend) dispatch(ctx context.Context, remotePubkey string, req reqEnvelope) {
	switch req.Method {
	case "connect":
		b.handleConnect(ctx, remotePubkey, req)

	case "ping":
		// Never policy-gated, per spec.md §4.4's method table.
		b.publishResponse(ctx, remotePubkey, okResponse(req.ID, "pong"))

	case "get_public_key":
		b.runPolicyGated(ctx, remotePubkey, req, nil, func() (string, error) {
			return b.pubkeyHex, nil
		})

	case "sign_event":
		b.handleSignEvent(ctx, remotePubkey, req)

	case "nip04_encrypt":
		b.handleDM(ctx, remotePubkey, req, b.vault.NIP04Encrypt)
	case "nip04_decrypt":
		b.handleDM(ctx, remotePubkey, req, b.vault.NIP04Decrypt)
	case "nip44_encrypt":
		b.handleDM(ctx, remotePubkey, req, b.vault.NIP44Encrypt)
	case "nip44_decrypt":
		b.handleDM(ctx, remotePubkey, req, b.vault.NIP44Decrypt)

	default:
		b.publishResponse(ctx, remotePubkey, errResponse(req.ID, "unknown method: "+req.Method))
	}
}

func (b *Backend) handleDM(ctx context.Context, remotePubkey string, req reqEnvelope, fn func(name, counterpartyPubkey, text string) (string, error)) {
	if len(req.Params) < 2 {
		b.publishResponse(ctx, remotePubkey, errResponse(req.ID, "missing params"))
		return
	}
	counterparty, text := req.Params[0], req.Params[1]
	b.runPolicyGated(ctx, remotePubkey, req, nil, func() (string, error) {
		return fn(b.keyName, counterparty, text)
	})
}

func (b *Backend) handleSignEvent(ctx context.Context, remotePubkey string, req reqEnvelope) {
	if len(req.Params) < 1 {
		b.publishResponse(ctx, remotePubkey, errResponse(req.ID, "missing event param"))
		return
	}

	var skeleton cryptoutil.UnsignedEvent
	if err := json.Unmarshal([]byte(req.Params[0]), &skeleton); err != nil {
		b.publishResponse(ctx, remotePubkey, errResponse(req.ID, "malformed event json"))
		return
	}
	kind := skeleton.Kind

	b.runPolicyGated(ctx, remotePubkey, req, &kind, func() (string, error) {
		evt, err := b.vault.Sign(b.keyName, skeleton)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(evt)
		if err != nil {
			return "", err
		}
		return string(out), nil
	})
}

// runPolicyGated is the common path for every method other than connect/ping:
// consult the Authorization Engine, then either run op immediately, deny, or
// fall into the Request Authorization Loop and respond once a human decides.
func (b *Backend) runPolicyGated(ctx context.Context, remotePubkey string, req reqEnvelope, kind *int, op func() (string, error)) {
	decision, err := b.authzEngine.Authorize(ctx, b.keyName, remotePubkey, req.Method, kind, "")
	if err != nil {
		// Persistence errors in authorization bubble up as deny-by-default,
		// per spec.md §7: never respond as if approved when the decision
		// record itself failed to persist.
		b.publishResponse(ctx, remotePubkey, errResponse(req.ID, "authorization error"))
		return
	}

	switch decision.Kind {
	case authz.DecisionDeny:
		b.publishResponse(ctx, remotePubkey, errResponse(req.ID, decision.Reason))

	case authz.DecisionApprove:
		result, err := op()
		if err != nil {
			b.publishResponse(ctx, remotePubkey, errResponse(req.ID, err.Error()))
			return
		}
		b.touchApp(ctx, remotePubkey)
		b.emit(eventbus.RequestAutoApproved, req.ID)
		b.emit(eventbus.StatsUpdated, nil)
		b.publishResponse(ctx, remotePubkey, okResponse(req.ID, result))

	case authz.DecisionPrompt:
		b.promptAndAwait(ctx, remotePubkey, req, op)

	default:
		b.publishResponse(ctx, remotePubkey, errResponse(req.ID, "internal error"))
	}
}

// promptAndAwait implements spec.md §4.6: create a PendingRequest, optionally
// emit an immediate auth_url response if a dashboard is configured, then
// await the human decision off the hot path and publish the final response
// (the actual result, or a denial/timeout error) once it resolves.
func (b *Backend) promptAndAwait(ctx context.Context, remotePubkey string, req reqEnvelope, op func() (string, error)) {
	paramsJSON, _ := json.Marshal(req.Params)
	pending, err := b.authLoop.Create(ctx, b.keyName, remotePubkey, req.Method, string(paramsJSON))
	if err != nil {
		b.publishResponse(ctx, remotePubkey, errResponse(req.ID, "failed to create pending request"))
		return
	}
	b.emit(eventbus.RequestCreated, pending.ID)

	if b.baseURL != "" {
		url := fmt.Sprintf("%s/approve/%s", strings.TrimRight(b.baseURL, "/"), pending.ID)
		b.publishResponse(ctx, remotePubkey, authURLResponse(req.ID, url))
	}

	go func() {
		approved, err := b.authLoop.Await(context.Background(), pending.ID)
		if err != nil {
			b.publishResponse(context.Background(), remotePubkey, errResponse(req.ID, err.Error()))
			return
		}
		if !approved {
			b.emit(eventbus.RequestDenied, pending.ID)
			b.publishResponse(context.Background(), remotePubkey, errResponse(req.ID, "denied"))
			return
		}

		result, err := op()
		if err != nil {
			b.publishResponse(context.Background(), remotePubkey, errResponse(req.ID, err.Error()))
			return
		}
		b.touchApp(context.Background(), remotePubkey)
		b.emit(eventbus.RequestApproved, pending.ID)
		b.emit(eventbus.StatsUpdated, nil)
		b.publishResponse(context.Background(), remotePubkey, okResponse(req.ID, result))
	}()
}
