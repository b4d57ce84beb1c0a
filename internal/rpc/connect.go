package rpc

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/mroxso/signetd/internal/authz"
	"github.com/mroxso/signetd/internal/eventbus"
	"github.com/mroxso/signetd/internal/model"
)

// handleConnect implements spec.md §4.4.1. Params: [signerPubkey, secret?,
// perms?]. A secret that matches neither a ConnectionToken nor the durable
// admin secret causes silent rejection — no response is published at all.
func (b *Backend) handleConnect(ctx context.Context, remotePubkey string, req reqEnvelope) {
	if len(req.Params) < 1 {
		return
	}
	var secret, permsRaw string
	if len(req.Params) > 1 {
		secret = req.Params[1]
	}
	if len(req.Params) > 2 {
		permsRaw = req.Params[2]
	}

	if existing, err := b.repo.GetApp(ctx, b.keyName, remotePubkey); err == nil && !existing.IsRevoked() {
		// Already connected: idempotent re-ack, no new App row or prompt.
		b.publishResponse(ctx, remotePubkey, okResponse(req.ID, "ack"))
		return
	}

	if secret != "" {
		trust, matched := b.matchConnectSecret(ctx, secret)
		if !matched {
			// Neither a token nor the admin secret matched both attempts:
			// silent rejection per spec.md §4.4.1 — probing attackers learn
			// nothing.
			return
		}
		b.finalizeConnect(ctx, remotePubkey, req.ID, trust, permsRaw)
		return
	}

	// No secret: proceed into the normal authorization flow, which defaults
	// to TrustParanoid and so will virtually always prompt a human to pick a
	// trust level for this brand-new pairing.
	decision, err := b.authzEngine.Authorize(ctx, b.keyName, remotePubkey, "connect", nil, "")
	if err != nil {
		b.publishResponse(ctx, remotePubkey, errResponse(req.ID, "authorization error"))
		return
	}
	switch decision.Kind {
	case authz.DecisionDeny:
		b.publishResponse(ctx, remotePubkey, errResponse(req.ID, decision.Reason))
	case authz.DecisionApprove:
		b.finalizeConnect(ctx, remotePubkey, req.ID, model.TrustReasonable, permsRaw)
	case authz.DecisionPrompt:
		b.promptAndAwait(ctx, remotePubkey, req, func() (string, error) {
			b.finalizeConnect(ctx, remotePubkey, req.ID, model.TrustReasonable, permsRaw)
			return "ack", nil
		})
	}
}

// matchConnectSecret implements the two-step match of spec.md §4.4.1: first
// an atomic ConnectionToken claim (races yield exactly one winner), then the
// durable per-key admin secret in constant time.
func (b *Backend) matchConnectSecret(ctx context.Context, secret string) (model.TrustLevel, bool) {
	if tok, err := b.repo.ClaimToken(ctx, secret, time.Now()); err == nil {
		if tok.KeyName == b.keyName {
			trust := tok.PolicyTrust
			if trust == "" {
				trust = model.TrustReasonable
			}
			return trust, true
		}
	}

	if adminSecret, ok := b.effectiveAdminSecret(ctx); ok {
		if authz.ConstantTimeEquals(secret, adminSecret) {
			return model.TrustReasonable, true
		}
	}

	return "", false
}

// finalizeConnect upserts the App row, installs any permissions carried in
// the policy template, and publishes the "ack" result. Called either
// directly (token/admin-secret bypass) or from the Request Authorization
// Loop once a human approves a secret-less connect.
func (b *Backend) finalizeConnect(ctx context.Context, remotePubkey, reqID string, trust model.TrustLevel, permsRaw string) {
	id, err := randomHex(16)
	if err != nil {
		b.publishResponse(ctx, remotePubkey, errResponse(reqID, "internal error"))
		return
	}

	now := time.Now()
	app := &model.App{
		ID:           id,
		KeyName:      b.keyName,
		RemotePubkey: remotePubkey,
		Trust:        trust,
		CreatedAt:    now,
		LastUsedAt:   now,
	}
	if err := b.repo.UpsertApp(ctx, app); err != nil {
		b.publishResponse(ctx, remotePubkey, errResponse(reqID, "failed to save app"))
		return
	}

	for _, perm := range parsePerms(app.ID, permsRaw) {
		if err := b.repo.UpsertPermission(ctx, perm); err != nil {
			log.Printf("rpc[%s]: install permission for app %s: %v", b.keyName, app.ID, err)
		}
	}

	if err := b.repo.AppendAudit(ctx, &model.AuditRecord{
		Action:  "app_connected",
		KeyName: b.keyName,
		AppID:   app.ID,
		At:      now,
	}); err != nil {
		log.Printf("rpc[%s]: audit app_connected: %v", b.keyName, err)
	}

	b.emit(eventbus.AppConnected, app.ID)
	b.emit(eventbus.StatsUpdated, nil)
	b.publishResponse(ctx, remotePubkey, okResponse(reqID, "ack"))
}

// parsePerms parses the connect handshake's optional policy-template perms
// string: a comma-separated list of "method" or "method:kind" entries, each
// installed as an always-allow SavedPermission.
func parsePerms(appID, raw string) []*model.SavedPermission {
	if raw == "" {
		return nil
	}
	entries := strings.Split(raw, ",")
	perms := make([]*model.SavedPermission, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		method := e
		var kind *int
		if idx := strings.IndexByte(e, ':'); idx >= 0 {
			method = e[:idx]
			if n, err := strconv.Atoi(e[idx+1:]); err == nil {
				kind = &n
			}
		}
		perms = append(perms, &model.SavedPermission{
			AppID:   appID,
			Method:  method,
			Kind:    kind,
			Allowed: true,
		})
	}
	return perms
}
