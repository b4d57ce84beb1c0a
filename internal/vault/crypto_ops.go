package vault

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mroxso/signetd/internal/cryptoutil"
	"github.com/mroxso/signetd/internal/eventbus"
	"github.com/mroxso/signetd/internal/model"
)

// ExportFormat selects the output shape of Export.
type ExportFormat int

const (
	ExportNsec ExportFormat = iota
	ExportNIP49
)

// Encrypt implements spec.md §4.1 encrypt(): wraps a plaintext record.
func (v *Vault) Encrypt(ctx context.Context, name, passphrase string, encryption model.Encryption) error {
	const op = "Vault.Encrypt"
	if encryption == model.EncryptionNone {
		return model.New(op, model.KindInvalidInput, "target encryption must not be none")
	}
	if err := model.ValidatePassphrase(passphrase); err != nil {
		return err
	}
	rec, err := v.repo.GetKeyRecord(ctx, name)
	if err != nil {
		return wrapKindErr(op, err)
	}
	if rec.IsEncrypted() {
		return model.New(op, model.KindAlreadyEncrypted, name)
	}

	switch encryption {
	case model.EncryptionLegacy:
		env, err := v.wrapLegacy(rec.PlaintextSecret, passphrase)
		if err != nil {
			return err
		}
		rec.LegacyCiphertext = env
	case model.EncryptionNIP49:
		wrapped, err := v.wrapNIP49(rec.PlaintextSecret, passphrase)
		if err != nil {
			return err
		}
		rec.NIP49Wrapped = wrapped
	default:
		return model.New(op, model.KindInvalidInput, "unknown encryption")
	}
	rec.PlaintextSecret = ""

	if err := v.repo.SaveKeyRecord(ctx, rec); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	v.emit(eventbus.KeyUpdated, name)
	return nil
}

// Migrate implements spec.md §4.1 migrate(): legacy → NIP-49, verifying the
// passphrase via legacy decrypt then rewrapping under the same passphrase.
func (v *Vault) Migrate(ctx context.Context, name, passphrase string) error {
	const op = "Vault.Migrate"
	rec, err := v.repo.GetKeyRecord(ctx, name)
	if err != nil {
		return wrapKindErr(op, err)
	}
	if rec.Encryption() != model.EncryptionLegacy {
		return model.New(op, model.KindInvalidInput, "migrate only applies to legacy-encrypted keys")
	}

	secretHex, err := v.decryptRecord(rec, passphrase)
	if err != nil {
		return err
	}
	wrapped, err := v.wrapNIP49(secretHex, passphrase)
	if err != nil {
		return err
	}

	rec.NIP49Wrapped = wrapped
	rec.LegacyCiphertext = nil
	rec.LegacyIV = nil
	rec.LegacySalt = nil

	if err := v.repo.SaveKeyRecord(ctx, rec); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	v.emit(eventbus.KeyUpdated, name)
	return nil
}

// Export implements spec.md §4.1 export(): produce bech32 nsec or wrapped
// NIP-49 form. currentPassphrase is required to read a locked encrypted key;
// exportPassphrase is required when format is ExportNIP49.
func (v *Vault) Export(ctx context.Context, name string, format ExportFormat, currentPassphrase, exportPassphrase string) (string, error) {
	const op = "Vault.Export"

	secretHex, ok := v.secretOf(name)
	if !ok {
		rec, err := v.repo.GetKeyRecord(ctx, name)
		if err != nil {
			return "", wrapKindErr(op, err)
		}
		if !rec.IsEncrypted() {
			secretHex = rec.PlaintextSecret
		} else {
			if currentPassphrase == "" {
				return "", model.New(op, model.KindWrongPassphrase, "passphrase required to export a locked key")
			}
			secretHex, err = v.decryptRecord(rec, currentPassphrase)
			if err != nil {
				return "", err
			}
		}
	}

	switch format {
	case ExportNsec:
		nsec, err := cryptoutil.EncodeNsec(secretHex)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		return nsec, nil
	case ExportNIP49:
		if exportPassphrase == "" {
			return "", model.New(op, model.KindInvalidInput, "exportPassphrase required for nip49 export")
		}
		wrapped, err := v.wrapNIP49(secretHex, exportPassphrase)
		if err != nil {
			return "", err
		}
		return wrapped, nil
	default:
		return "", model.New(op, model.KindInvalidInput, "unknown export format")
	}
}

// Sign implements spec.md §4.1 sign(): finalize an unsigned event skeleton
// (compute id, Schnorr-sign). name must be currently active.
func (v *Vault) Sign(name string, skeleton cryptoutil.UnsignedEvent) (*nostr.Event, error) {
	const op = "Vault.Sign"
	secretHex, ok := v.secretOf(name)
	if !ok {
		return nil, model.New(op, model.KindKeyLocked, name)
	}
	evt, err := cryptoutil.FinalizeAndSign(secretHex, skeleton)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return evt, nil
}

// NIP04Encrypt implements spec.md §4.1 nip04_encrypt(name, counterpartyPubkey, payload).
func (v *Vault) NIP04Encrypt(name, counterpartyPubkey, plaintext string) (string, error) {
	secretHex, ok := v.secretOf(name)
	if !ok {
		return "", model.New("Vault.NIP04Encrypt", model.KindKeyLocked, name)
	}
	return cryptoutil.NIP04Encrypt(secretHex, counterpartyPubkey, plaintext)
}

// NIP04Decrypt implements spec.md §4.1 nip04_decrypt(name, counterpartyPubkey, payload).
func (v *Vault) NIP04Decrypt(name, counterpartyPubkey, ciphertext string) (string, error) {
	secretHex, ok := v.secretOf(name)
	if !ok {
		return "", model.New("Vault.NIP04Decrypt", model.KindKeyLocked, name)
	}
	return cryptoutil.NIP04Decrypt(secretHex, counterpartyPubkey, ciphertext)
}

// NIP44Encrypt implements spec.md §4.1 nip44_encrypt(name, counterpartyPubkey, payload).
func (v *Vault) NIP44Encrypt(name, counterpartyPubkey, plaintext string) (string, error) {
	secretHex, ok := v.secretOf(name)
	if !ok {
		return "", model.New("Vault.NIP44Encrypt", model.KindKeyLocked, name)
	}
	return cryptoutil.NIP44EncryptFor(secretHex, counterpartyPubkey, plaintext)
}

// NIP44Decrypt implements spec.md §4.1 nip44_decrypt(name, counterpartyPubkey, payload).
func (v *Vault) NIP44Decrypt(name, counterpartyPubkey, ciphertext string) (string, error) {
	secretHex, ok := v.secretOf(name)
	if !ok {
		return "", model.New("Vault.NIP44Decrypt", model.KindKeyLocked, name)
	}
	return cryptoutil.NIP44DecryptFrom(secretHex, counterpartyPubkey, ciphertext)
}
