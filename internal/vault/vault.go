// Package vault is the Key Vault of spec.md §4.1: the only component that
// ever holds an unwrapped secret key in memory. Every other package reaches
// a key only through Sign/NIP04.../NIP44..., which take a name and a payload
// and never return the secret itself.
package vault

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mroxso/signetd/internal/cryptoutil"
	"github.com/mroxso/signetd/internal/eventbus"
	"github.com/mroxso/signetd/internal/model"
	"github.com/mroxso/signetd/internal/store"
)

// Source names where a new key's material comes from, spec.md §4.1 create().
type Source int

const (
	SourceGenerate Source = iota
	SourceImportPlain
	SourceImportWrapped
)

// RelayPublisher is the narrow slice of internal/relaypool that create()
// uses to best-effort publish a skeleton identity event for a brand new key.
// Kept as an interface here so vault has no import-time dependency on the
// relay transport.
type RelayPublisher interface {
	PublishBestEffort(ctx context.Context, evt *cryptoutil.UnsignedEvent, secretHex string)
}

// RenameNotifier lets internal/config keep its loaded snapshot's key name in
// sync with a vault rename without vault importing config.
type RenameNotifier interface {
	OnKeyRenamed(oldName, newName string)
}

// Vault is the Key Vault. One process has exactly one, shared by internal/rpc
// (sign, encrypt/decrypt) and the dashboard/admin surface (create, lock,
// rename, ...; out of scope here but same entry points).
type Vault struct {
	mu     sync.RWMutex
	active map[string]*model.ActiveKey

	repo      store.Repository
	bus       *eventbus.Bus
	publisher RelayPublisher
	renamer   RenameNotifier

	// kdfGroup serializes scrypt/PBKDF2 work per passphrase so two callers
	// unlocking with the same passphrase don't pay the cost twice and so the
	// bounded-concurrency-1-per-passphrase rule of spec.md §5 holds without a
	// hand-rolled worker pool.
	kdfGroup singleflight.Group
}

// New constructs a Vault with an empty active-key set. publisher and renamer
// may be nil.
func New(repo store.Repository, bus *eventbus.Bus, publisher RelayPublisher, renamer RenameNotifier) *Vault {
	return &Vault{
		active:    make(map[string]*model.ActiveKey),
		repo:      repo,
		bus:       bus,
		publisher: publisher,
		renamer:   renamer,
	}
}

func (v *Vault) emit(name eventbus.Name, payload any) {
	if v.bus != nil {
		v.bus.Publish(name, payload)
	}
}

// Create implements spec.md §4.1 create(). importValue holds the nsec/hex
// secret for SourceImportPlain or the ncryptsec1... string for
// SourceImportWrapped; it is ignored for SourceGenerate.
func (v *Vault) Create(ctx context.Context, name string, source Source, importValue string, encryption model.Encryption, passphrase string) error {
	const op = "Vault.Create"
	if err := model.ValidateKeyName(name); err != nil {
		return err
	}
	if err := model.ValidatePassphrase(passphrase); err != nil {
		return err
	}
	if encryption == model.EncryptionNone && passphrase != "" {
		return model.New(op, model.KindInvalidInput, "passphrase given but encryption=none")
	}
	if encryption != model.EncryptionNone && passphrase == "" {
		return model.New(op, model.KindInvalidInput, "encryption requires a passphrase")
	}

	if _, err := v.repo.GetKeyRecord(ctx, name); model.Of(err) != model.KindNotFound {
		if err == nil {
			return model.New(op, model.KindAlreadyExists, name)
		}
		return err
	}

	secretHex, err := v.materializeSecret(source, importValue, passphrase)
	if err != nil {
		return err
	}

	rec := &model.KeyRecord{Name: name, CreatedAt: time.Now()}
	switch encryption {
	case model.EncryptionNone:
		rec.PlaintextSecret = secretHex
	case model.EncryptionLegacy:
		env, err := v.wrapLegacy(secretHex, passphrase)
		if err != nil {
			return err
		}
		rec.LegacyCiphertext = env
	case model.EncryptionNIP49:
		wrapped, err := v.wrapNIP49(secretHex, passphrase)
		if err != nil {
			return err
		}
		rec.NIP49Wrapped = wrapped
	default:
		return model.New(op, model.KindInvalidInput, "unknown encryption")
	}

	if err := v.repo.SaveKeyRecord(ctx, rec); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if encryption == model.EncryptionNone {
		pub, err := cryptoutil.GetPublicKey(secretHex)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		v.mu.Lock()
		v.active[name] = &model.ActiveKey{Name: name, SecretHex: secretHex, PubKeyHex: pub}
		v.mu.Unlock()
	}

	v.emit(eventbus.KeyCreated, name)
	v.publishSkeleton(ctx, name, secretHex)
	return nil
}

func (v *Vault) materializeSecret(source Source, importValue, passphrase string) (string, error) {
	const op = "Vault.Create"
	switch source {
	case SourceGenerate:
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return "", fmt.Errorf("%s: generate key: %w", op, err)
		}
		buf := priv.Serialize()
		return hex.EncodeToString(buf[:]), nil
	case SourceImportPlain:
		if strings.HasPrefix(importValue, "nsec1") {
			return cryptoutil.DecodeNsec(importValue)
		}
		if len(importValue) != 64 {
			return "", model.New(op, model.KindInvalidKeyForm, "hex secret must be 64 chars")
		}
		if _, err := hex.DecodeString(importValue); err != nil {
			return "", model.New(op, model.KindInvalidKeyForm, "not valid hex")
		}
		return importValue, nil
	case SourceImportWrapped:
		secretHex, err := cryptoutil.UnwrapNIP49(importValue, passphrase)
		if err != nil {
			return "", model.New(op, model.KindWrongPassphrase, "nip49 import: wrong passphrase or malformed payload")
		}
		return secretHex, nil
	default:
		return "", model.New(op, model.KindInvalidInput, "unknown source")
	}
}

func (v *Vault) publishSkeleton(ctx context.Context, name, secretHex string) {
	if v.publisher == nil {
		return
	}
	skeleton := &cryptoutil.UnsignedEvent{Kind: 0, Content: "{}"}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("vault: skeleton publish for %s panicked: %v", name, r)
		}
	}()
	v.publisher.PublishBestEffort(ctx, skeleton, secretHex)
}

// Unlock implements spec.md §4.1 unlock(). Unlocking an already-unencrypted
// record is a harmless no-op that still (re-)marks it active.
func (v *Vault) Unlock(ctx context.Context, name, passphrase string) error {
	const op = "Vault.Unlock"
	rec, err := v.repo.GetKeyRecord(ctx, name)
	if err != nil {
		return wrapKindErr(op, err)
	}

	secretHex := rec.PlaintextSecret
	if rec.IsEncrypted() {
		secretHex, err = v.decryptRecord(rec, passphrase)
		if err != nil {
			return err
		}
	}

	pub, err := cryptoutil.GetPublicKey(secretHex)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	v.mu.Lock()
	v.active[name] = &model.ActiveKey{Name: name, SecretHex: secretHex, PubKeyHex: pub}
	v.mu.Unlock()
	v.emit(eventbus.KeyUnlocked, name)
	return nil
}

// decryptRecord derives the plaintext secret hex from rec's wrapped form,
// serializing the KDF work per passphrase via kdfGroup.
func (v *Vault) decryptRecord(rec *model.KeyRecord, passphrase string) (string, error) {
	const op = "Vault.decryptRecord"
	type result struct {
		secretHex string
	}
	iface, err, _ := v.kdfGroup.Do(passphrase+"\x00"+rec.Name, func() (interface{}, error) {
		switch rec.Encryption() {
		case model.EncryptionLegacy:
			pt, err := cryptoutil.DecryptLegacy(rec.LegacyCiphertext, passphrase)
			if err != nil {
				return nil, model.New(op, model.KindWrongPassphrase, "legacy decrypt failed")
			}
			return result{secretHex: string(pt)}, nil
		case model.EncryptionNIP49:
			secretHex, err := cryptoutil.UnwrapNIP49(rec.NIP49Wrapped, passphrase)
			if err != nil {
				return nil, model.New(op, model.KindWrongPassphrase, "nip49 unwrap failed")
			}
			return result{secretHex: secretHex}, nil
		default:
			return result{secretHex: rec.PlaintextSecret}, nil
		}
	})
	if err != nil {
		return "", err
	}
	return iface.(result).secretHex, nil
}

func (v *Vault) wrapLegacy(secretHex, passphrase string) ([]byte, error) {
	iface, err, _ := v.kdfGroup.Do("wrap\x00"+passphrase, func() (interface{}, error) {
		return cryptoutil.EncryptLegacyV2([]byte(secretHex), passphrase, cryptoutil.LegacyKDFScrypt)
	})
	if err != nil {
		return nil, fmt.Errorf("Vault.wrapLegacy: %w", err)
	}
	return iface.([]byte), nil
}

func (v *Vault) wrapNIP49(secretHex, passphrase string) (string, error) {
	iface, err, _ := v.kdfGroup.Do("wrap\x00"+passphrase, func() (interface{}, error) {
		return cryptoutil.WrapNIP49(secretHex, passphrase)
	})
	if err != nil {
		return "", fmt.Errorf("Vault.wrapNIP49: %w", err)
	}
	return iface.(string), nil
}

// Lock implements spec.md §4.1 lock(): only legal for encrypted keys.
func (v *Vault) Lock(ctx context.Context, name string) error {
	const op = "Vault.Lock"
	rec, err := v.repo.GetKeyRecord(ctx, name)
	if err != nil {
		return wrapKindErr(op, err)
	}
	if !rec.IsEncrypted() {
		return model.New(op, model.KindNotEncrypted, "locking a plaintext record is refused")
	}
	v.mu.Lock()
	_, ok := v.active[name]
	delete(v.active, name)
	v.mu.Unlock()
	if !ok {
		return nil // already locked: idempotent
	}
	v.emit(eventbus.KeyLocked, name)
	return nil
}

// LockAll implements spec.md §4.1 lockAll(): idempotent, returns the set
// actually locked.
func (v *Vault) LockAll(ctx context.Context) []string {
	v.mu.Lock()
	var candidates []string
	for name := range v.active {
		candidates = append(candidates, name)
	}
	v.mu.Unlock()

	var locked []string
	for _, name := range candidates {
		rec, err := v.repo.GetKeyRecord(ctx, name)
		if err != nil || !rec.IsEncrypted() {
			continue
		}
		v.mu.Lock()
		_, ok := v.active[name]
		delete(v.active, name)
		v.mu.Unlock()
		if ok {
			locked = append(locked, name)
			v.emit(eventbus.KeyLocked, name)
		}
	}
	return locked
}

// VerifyPassphrase implements spec.md §4.1 verifyPassphrase(): checks
// without mutating state, used by the inactivity lock for sensitive ops.
func (v *Vault) VerifyPassphrase(ctx context.Context, name, passphrase string) (bool, error) {
	const op = "Vault.VerifyPassphrase"
	rec, err := v.repo.GetKeyRecord(ctx, name)
	if err != nil {
		return false, wrapKindErr(op, err)
	}
	if !rec.IsEncrypted() {
		return false, model.New(op, model.KindNotEncrypted, name)
	}
	if _, err := v.decryptRecord(rec, passphrase); err != nil {
		if model.Of(err) == model.KindWrongPassphrase {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Rename implements spec.md §4.1 rename(): it renames the repository key
// row, then the in-memory active entry, then the config snapshot. The steps
// run one after another, not under a single lock, and App rows keep the old
// key name.
func (v *Vault) Rename(ctx context.Context, oldName, newName string) error {
	const op = "Vault.Rename"
	if err := model.ValidateKeyName(newName); err != nil {
		return err
	}
	if err := v.repo.RenameKeyRecord(ctx, oldName, newName); err != nil {
		return wrapKindErr(op, err)
	}

	v.mu.Lock()
	if ak, ok := v.active[oldName]; ok {
		ak.Name = newName
		v.active[newName] = ak
		delete(v.active, oldName)
	}
	v.mu.Unlock()

	if v.renamer != nil {
		v.renamer.OnKeyRenamed(oldName, newName)
	}
	v.emit(eventbus.KeyRenamed, [2]string{oldName, newName})
	return nil
}

// Delete implements spec.md §4.1 delete(): passphrase required iff the key
// is encrypted and currently locked; cascades to app revocation.
func (v *Vault) Delete(ctx context.Context, name, passphrase string) error {
	const op = "Vault.Delete"
	rec, err := v.repo.GetKeyRecord(ctx, name)
	if err != nil {
		return wrapKindErr(op, err)
	}

	v.mu.RLock()
	_, unlocked := v.active[name]
	v.mu.RUnlock()

	if rec.IsEncrypted() && !unlocked {
		if passphrase == "" {
			return model.New(op, model.KindWrongPassphrase, "passphrase required to delete a locked encrypted key")
		}
		ok, err := v.VerifyPassphrase(ctx, name, passphrase)
		if err != nil {
			return err
		}
		if !ok {
			return model.New(op, model.KindWrongPassphrase, name)
		}
	}

	if err := v.repo.DeleteKeyRecord(ctx, name); err != nil {
		return wrapKindErr(op, err)
	}
	v.mu.Lock()
	delete(v.active, name)
	v.mu.Unlock()

	if _, err := v.repo.RevokeAppsForKey(ctx, name); err != nil {
		log.Printf("vault: delete(%s): revoke apps cascade failed: %v", name, err)
	}
	v.emit(eventbus.KeyDeleted, name)
	return nil
}

// ActivePubKey returns the hex pubkey of an active key, for callers (e.g.
// internal/rpc) that need it without touching the secret.
func (v *Vault) ActivePubKey(name string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ak, ok := v.active[name]
	if !ok {
		return "", false
	}
	return ak.PubKeyHex, true
}

// IsActive reports whether name is currently unlocked.
func (v *Vault) IsActive(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.active[name]
	return ok
}

// ActiveNames returns a snapshot of every currently unlocked key name.
func (v *Vault) ActiveNames() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.active))
	for name := range v.active {
		out = append(out, name)
	}
	return out
}

func (v *Vault) secretOf(name string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ak, ok := v.active[name]
	if !ok {
		return "", false
	}
	return ak.SecretHex, true
}

func wrapKindErr(op string, err error) error {
	if k := model.Of(err); k != model.KindUnknown {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
