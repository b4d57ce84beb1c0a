// Package rpc is the per-active-key NIP-46 RPC Backend of spec.md §4.4: it
// subscribes to kind=24133 requests addressed to one key's pubkey, decrypts
// and dispatches them, and publishes NIP-44-encrypted responses back to the
// requesting app.
package rpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mroxso/signetd/internal/authloop"
	"github.com/mroxso/signetd/internal/authz"
	"github.com/mroxso/signetd/internal/cryptoutil"
	"github.com/mroxso/signetd/internal/eventbus"
	"github.com/mroxso/signetd/internal/model"
	"github.com/mroxso/signetd/internal/relaypool"
	"github.com/mroxso/signetd/internal/store"
	"github.com/mroxso/signetd/internal/subscription"
	"github.com/mroxso/signetd/internal/vault"
)

const (
	dedupTTL      = 10 * time.Minute
	dedupMaxItems = 5000
)

// Vault is the narrow slice of internal/vault a Backend needs. Satisfied by
// *vault.Vault.
type Vault interface {
	Sign(name string, skeleton cryptoutil.UnsignedEvent) (*nostr.Event, error)
	NIP04Encrypt(name, counterpartyPubkey, plaintext string) (string, error)
	NIP04Decrypt(name, counterpartyPubkey, ciphertext string) (string, error)
	NIP44Encrypt(name, counterpartyPubkey, plaintext string) (string, error)
	NIP44Decrypt(name, counterpartyPubkey, ciphertext string) (string, error)
}

var _ Vault = (*vault.Vault)(nil)

// reqEnvelope is the decrypted wire shape of an inbound kind=24133 event,
// per spec.md §6: {id, method, params: string[]}.
type reqEnvelope struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// respEnvelope is the wire shape of an outbound response, including the
// auth_url sentinel variant (result="auth_url", error=<url>).
type respEnvelope struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func okResponse(id, result string) respEnvelope  { return respEnvelope{ID: id, Result: result} }
func errResponse(id, msg string) respEnvelope    { return respEnvelope{ID: id, Error: msg} }
func authURLResponse(id, url string) respEnvelope {
	return respEnvelope{ID: id, Result: "auth_url", Error: url}
}

// Backend is one running RPC endpoint for one active key.
type Backend struct {
	repo        store.Repository
	bus         *eventbus.Bus
	vault       Vault
	authzEngine *authz.Engine
	authLoop    *authloop.Loop
	pool        *relaypool.Pool
	subMgr      *subscription.Manager

	keyName     string
	pubkeyHex   string
	adminSecret string // process-wide fallback; per-key override via repo settings
	baseURL     string // dashboard base URL for auth_url responses; "" disables

	dedup *dedupSet

	mu          sync.Mutex
	subID       string
	customPools map[string]*relaypool.Pool // appID -> dedicated pool for its custom relays
}

// NewBackend constructs a Backend for one active key. Call Start to begin
// serving requests.
func NewBackend(repo store.Repository, bus *eventbus.Bus, v Vault, authzEngine *authz.Engine, authLoop *authloop.Loop, pool *relaypool.Pool, subMgr *subscription.Manager, keyName, pubkeyHex, adminSecret, baseURL string) *Backend {
	return &Backend{
		repo:        repo,
		bus:         bus,
		vault:       v,
		authzEngine: authzEngine,
		authLoop:    authLoop,
		pool:        pool,
		subMgr:      subMgr,
		keyName:     keyName,
		pubkeyHex:   pubkeyHex,
		adminSecret: adminSecret,
		baseURL:     baseURL,
		dedup:       newDedupSet(dedupTTL, dedupMaxItems),
		customPools: make(map[string]*relaypool.Pool),
	}
}

func (b *Backend) emit(name eventbus.Name, payload any) {
	if b.bus != nil {
		b.bus.Publish(name, payload)
	}
}

// Start subscribes to kind=24133 events tagged p=pubkeyHex on the pool
// relays, plus a per-app subscription for every connected app with custom
// relays.
func (b *Backend) Start(ctx context.Context) error {
	filters := nostr.Filters{{
		Kinds: []int{24133},
		Tags:  nostr.TagMap{"p": []string{b.pubkeyHex}},
	}}
	id, err := b.subMgr.Subscribe(ctx, filters, b.handleInbound)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.subID = id
	b.mu.Unlock()

	b.refreshAppSubscriptions(ctx)
	return nil
}

// Stop tears down the subscription and every per-app custom-relay pool.
func (b *Backend) Stop() {
	b.mu.Lock()
	id := b.subID
	pools := b.customPools
	b.customPools = make(map[string]*relaypool.Pool)
	b.mu.Unlock()

	if id != "" {
		b.subMgr.Unsubscribe(id)
	}
	for _, p := range pools {
		p.Stop()
	}
}

// refreshAppSubscriptions opens a dedicated inbound subscription on each
// connected app's custom relays, per spec.md §4.4 "For each connected app
// with custom relays, also opens a per-app subscription on those relays."
func (b *Backend) refreshAppSubscriptions(ctx context.Context) {
	apps, err := b.repo.ListAppsForKey(ctx, b.keyName)
	if err != nil {
		log.Printf("rpc[%s]: list apps for custom subscriptions: %v", b.keyName, err)
		return
	}
	for _, app := range apps {
		if app.IsRevoked() || len(app.CustomRelays) == 0 {
			continue
		}
		p := b.ensureCustomPool(ctx, app)
		if p == nil {
			continue
		}
		filters := nostr.Filters{{
			Kinds: []int{24133},
			Tags:  nostr.TagMap{"p": []string{b.pubkeyHex}},
		}}
		sub, err := p.Subscribe(ctx, filters)
		if err != nil {
			log.Printf("rpc[%s]: subscribe on custom relays for app %s: %v", b.keyName, app.ID, err)
			continue
		}
		go func(sub *relaypool.Subscription) {
			for evt := range sub.Events {
				b.handleInbound(evt)
			}
		}(sub)
	}
}

func (b *Backend) ensureCustomPool(ctx context.Context, app *model.App) *relaypool.Pool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.customPools[app.ID]; ok {
		return p
	}
	p := relaypool.New(app.CustomRelays)
	if err := p.Start(ctx); err != nil {
		log.Printf("rpc[%s]: start custom pool for app %s: %v", b.keyName, app.ID, err)
	}
	b.customPools[app.ID] = p
	return p
}

// handleInbound implements spec.md §4.4's inbound path steps 1-4; dispatch
// (step 4 onward) is in dispatch.go.
func (b *Backend) handleInbound(evt *nostr.Event) {
	now := time.Now()
	if b.dedup.seenBefore(evt.ID, now) {
		return
	}

	if ok, err := cryptoutil.VerifySignature(evt); err != nil || !ok {
		return
	}

	plaintext, err := b.vault.NIP44Decrypt(b.keyName, evt.PubKey, evt.Content)
	if err != nil {
		return
	}

	var req reqEnvelope
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		return
	}
	if req.ID == "" || req.Method == "" {
		return
	}

	ctx := context.Background()
	b.dispatch(ctx, evt.PubKey, req)
}

// publishResponse encrypts, signs, and publishes resp to remotePubkey on the
// pool relays and on the app's custom relays, if any.
func (b *Backend) publishResponse(ctx context.Context, remotePubkey string, resp respEnvelope) {
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Printf("rpc[%s]: marshal response: %v", b.keyName, err)
		return
	}
	ciphertext, err := b.vault.NIP44Encrypt(b.keyName, remotePubkey, string(payload))
	if err != nil {
		log.Printf("rpc[%s]: encrypt response: %v", b.keyName, err)
		return
	}
	skeleton := cryptoutil.UnsignedEvent{
		Kind:    24133,
		Content: ciphertext,
		Tags:    [][]string{{"p", remotePubkey}},
	}
	evt, err := b.vault.Sign(b.keyName, skeleton)
	if err != nil {
		log.Printf("rpc[%s]: sign response: %v", b.keyName, err)
		return
	}

	if _, _, err := b.pool.Publish(ctx, *evt); err != nil {
		log.Printf("rpc[%s]: publish response on pool: %v", b.keyName, err)
	}

	if app, err := b.repo.GetApp(ctx, b.keyName, remotePubkey); err == nil && len(app.CustomRelays) > 0 {
		custom := b.ensureCustomPool(ctx, app)
		if custom != nil {
			if _, _, err := custom.Publish(ctx, *evt); err != nil {
				log.Printf("rpc[%s]: publish response on custom relays: %v", b.keyName, err)
			}
		}
	}
}

func (b *Backend) touchApp(ctx context.Context, remotePubkey string) {
	app, err := b.repo.GetApp(ctx, b.keyName, remotePubkey)
	if err != nil {
		return
	}
	app.LastUsedAt = time.Now()
	if err := b.repo.UpsertApp(ctx, app); err != nil {
		log.Printf("rpc[%s]: touch app %s: %v", b.keyName, app.ID, err)
	}
}

// effectiveAdminSecret resolves the durable admin secret for this key: a
// per-key override in the settings store if present, else the process-wide
// default from configuration.
func (b *Backend) effectiveAdminSecret(ctx context.Context) (string, bool) {
	if v, ok, err := b.repo.GetSetting(ctx, "admin_secret:"+b.keyName); err == nil && ok {
		return v, true
	}
	if b.adminSecret != "" {
		return b.adminSecret, true
	}
	return "", false
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
