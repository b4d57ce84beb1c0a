package cryptoutil

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// NIP04Encrypt encrypts plaintext for counterpartyPubkey using secretHex's
// shared secret, the legacy DM cipher (AES-256-CBC, no AEAD).
func NIP04Encrypt(secretHex, counterpartyPubkey, plaintext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(counterpartyPubkey, secretHex)
	if err != nil {
		return "", fmt.Errorf("nip04 shared secret: %w", err)
	}
	ct, err := nip04.Encrypt(plaintext, shared)
	if err != nil {
		return "", fmt.Errorf("nip04 encrypt: %w", err)
	}
	return ct, nil
}

// NIP04Decrypt decrypts a NIP-04 payload addressed by counterpartyPubkey.
func NIP04Decrypt(secretHex, counterpartyPubkey, ciphertext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(counterpartyPubkey, secretHex)
	if err != nil {
		return "", fmt.Errorf("nip04 shared secret: %w", err)
	}
	pt, err := nip04.Decrypt(ciphertext, shared)
	if err != nil {
		return "", fmt.Errorf("nip04 decrypt: %w", err)
	}
	return pt, nil
}

// ConversationKey derives the NIP-44 pairwise symmetric key for
// (secretHex, counterpartyPubkey).
func ConversationKey(secretHex, counterpartyPubkey string) ([32]byte, error) {
	key, err := nip44.GenerateConversationKey(counterpartyPubkey, secretHex)
	if err != nil {
		return [32]byte{}, fmt.Errorf("nip44 conversation key: %w", err)
	}
	return key, nil
}

// NIP44Encrypt encrypts plaintext under the given conversation key.
func NIP44Encrypt(convKey [32]byte, plaintext string) (string, error) {
	ct, err := nip44.Encrypt(plaintext, convKey)
	if err != nil {
		return "", fmt.Errorf("nip44 encrypt: %w", err)
	}
	return ct, nil
}

// NIP44Decrypt decrypts a NIP-44 payload under the given conversation key.
func NIP44Decrypt(convKey [32]byte, ciphertext string) (string, error) {
	pt, err := nip44.Decrypt(ciphertext, convKey)
	if err != nil {
		return "", fmt.Errorf("nip44 decrypt: %w", err)
	}
	return pt, nil
}

// NIP44EncryptFor is a convenience wrapper deriving the conversation key and
// encrypting in one call, used by the vault's nip44_encrypt operation.
func NIP44EncryptFor(secretHex, counterpartyPubkey, plaintext string) (string, error) {
	key, err := ConversationKey(secretHex, counterpartyPubkey)
	if err != nil {
		return "", err
	}
	return NIP44Encrypt(key, plaintext)
}

// NIP44DecryptFrom is a convenience wrapper deriving the conversation key and
// decrypting in one call, used by the vault's nip44_decrypt operation and by
// the RPC backend for inbound request envelopes.
func NIP44DecryptFrom(secretHex, counterpartyPubkey, ciphertext string) (string, error) {
	key, err := ConversationKey(secretHex, counterpartyPubkey)
	if err != nil {
		return "", err
	}
	return NIP44Decrypt(key, ciphertext)
}
