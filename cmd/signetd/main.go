// Command signetd runs the core signing daemon: it loads configuration,
// opens the durable store, brings up the relay pool and every active key's
// RPC backend, and serves until terminated.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mroxso/signetd/internal/authloop"
	"github.com/mroxso/signetd/internal/authz"
	"github.com/mroxso/signetd/internal/config"
	"github.com/mroxso/signetd/internal/cryptoutil"
	"github.com/mroxso/signetd/internal/deadman"
	"github.com/mroxso/signetd/internal/eventbus"
	"github.com/mroxso/signetd/internal/model"
	"github.com/mroxso/signetd/internal/relaypool"
	"github.com/mroxso/signetd/internal/rpc"
	"github.com/mroxso/signetd/internal/store"
	"github.com/mroxso/signetd/internal/subscription"
	"github.com/mroxso/signetd/internal/vault"
)

func main() {
	env := config.LoadProcessEnv()

	cfgFile, err := config.Load(env.ConfigPath)
	if err != nil {
		log.Fatalf("signetd: load config %s: %v", env.ConfigPath, err)
	}
	cfgMgr := config.NewManager(cfgFile)

	bus := eventbus.New()

	repo, err := store.OpenBadger(filepath.Join(env.DataDir, "badger"), bus)
	if err != nil {
		log.Fatalf("signetd: open store: %v", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := seedKeys(ctx, repo, cfgFile.Keys); err != nil {
		log.Fatalf("signetd: seed keys: %v", err)
	}

	pool := relaypool.New(cfgFile.Nostr.Relays)
	if err := pool.Start(ctx); err != nil {
		log.Printf("signetd: relay pool start: %v", err)
	}
	defer pool.Stop()

	subMgr := subscription.New(pool)
	subMgr.Start(ctx)
	defer subMgr.Stop()

	v := vault.New(repo, bus, &poolPublisher{pool: pool}, cfgMgr)
	authzEngine := authz.New(repo, bus)
	authLoop := authloop.New(repo, bus)
	dm := deadman.New(repo, bus, v, logNotifier{})

	reg := newBackendRegistry()

	recs, err := repo.ListKeyRecords(ctx)
	if err != nil {
		log.Fatalf("signetd: list key records: %v", err)
	}
	for _, rec := range recs {
		if rec.IsEncrypted() {
			continue // stays locked until an operator unlocks it
		}
		if err := v.Unlock(ctx, rec.Name, ""); err != nil {
			log.Printf("signetd: activate %s: %v", rec.Name, err)
			continue
		}
		startBackend(ctx, reg, repo, bus, v, authzEngine, authLoop, pool, subMgr, rec.Name, cfgFile)
	}

	bus.Subscribe(eventbus.KeyUnlocked, func(_ eventbus.Name, payload any) {
		name, _ := payload.(string)
		if name == "" || reg.has(name) {
			return
		}
		startBackend(ctx, reg, repo, bus, v, authzEngine, authLoop, pool, subMgr, name, cfgFile)
	})
	bus.Subscribe(eventbus.KeyLocked, func(_ eventbus.Name, payload any) {
		name, _ := payload.(string)
		reg.stop(name)
	})

	go dm.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("signetd: shutting down")
	cancel()
	reg.stopAll()
	time.Sleep(100 * time.Millisecond) // let in-flight response publishes drain
}

// seedKeys installs the configuration file's "keys" section into the
// repository on first run, per spec.md §6. Once a KeyRecord exists in the
// repository it is left untouched; the config file is not a live source of
// truth after bootstrap.
func seedKeys(ctx context.Context, repo store.Repository, keys map[string]model.KeyRecord) error {
	for name, rec := range keys {
		if _, err := repo.GetKeyRecord(ctx, name); err == nil {
			continue
		} else if model.Of(err) != model.KindNotFound {
			return err
		}
		rec := rec
		rec.Name = name
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now()
		}
		if err := repo.SaveKeyRecord(ctx, &rec); err != nil {
			return err
		}
	}
	return nil
}

func startBackend(ctx context.Context, reg *backendRegistry, repo store.Repository, bus *eventbus.Bus, v *vault.Vault, authzEngine *authz.Engine, authLoop *authloop.Loop, pool *relaypool.Pool, subMgr *subscription.Manager, name string, cfgFile *config.File) {
	pub, ok := v.ActivePubKey(name)
	if !ok {
		log.Printf("signetd: key %q not active, cannot start rpc backend", name)
		return
	}
	b := rpc.NewBackend(repo, bus, v, authzEngine, authLoop, pool, subMgr, name, pub, cfgFile.Admin.Secret, cfgFile.BaseURL)
	if err := b.Start(ctx); err != nil {
		log.Printf("signetd: start rpc backend for %q: %v", name, err)
		return
	}
	reg.set(name, b)
	log.Printf("signetd: rpc backend active for key %q (pubkey %s)", name, pub)
}

// backendRegistry guards the name->Backend map shared between the startup
// loop and the key:unlocked/key:locked event-bus listeners.
type backendRegistry struct {
	mu sync.Mutex
	m  map[string]*rpc.Backend
}

func newBackendRegistry() *backendRegistry {
	return &backendRegistry{m: make(map[string]*rpc.Backend)}
}

func (r *backendRegistry) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[name]
	return ok
}

func (r *backendRegistry) set(name string, b *rpc.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[name] = b
}

func (r *backendRegistry) stop(name string) {
	r.mu.Lock()
	b, ok := r.m[name]
	delete(r.m, name)
	r.mu.Unlock()
	if ok {
		b.Stop()
	}
}

func (r *backendRegistry) stopAll() {
	r.mu.Lock()
	all := r.m
	r.m = make(map[string]*rpc.Backend)
	r.mu.Unlock()
	for _, b := range all {
		b.Stop()
	}
}

// poolPublisher adapts the relay pool to vault.RelayPublisher: the vault
// hands over a skeleton and the raw secret for a brand-new key, this signs
// and publishes it best-effort.
type poolPublisher struct {
	pool *relaypool.Pool
}

func (p *poolPublisher) PublishBestEffort(ctx context.Context, evt *cryptoutil.UnsignedEvent, secretHex string) {
	signed, err := cryptoutil.FinalizeAndSign(secretHex, *evt)
	if err != nil {
		log.Printf("signetd: finalize skeleton publish: %v", err)
		return
	}
	if _, _, err := p.pool.Publish(ctx, *signed); err != nil {
		log.Printf("signetd: publish skeleton: %v", err)
	}
}

// logNotifier is the deadman.Notifier used when no admin DM channel is
// configured: warnings land in the process log instead of going silent.
type logNotifier struct{}

func (logNotifier) NotifyBestEffort(_ context.Context, message string) {
	log.Printf("signetd: deadman warning: %s", message)
}
