package cryptoutil

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/nbd-wtf/go-nostr/nip49"
)

// NIP49LogN is the scrypt LOG_N spec.md §4.1 mandates for NIP-49 wrapping.
const NIP49LogN uint8 = 16

// NIP49KeySecurityUnknown is the "unknown/not disclosed" key-security byte
// spec.md §4.1 uses (0x02) when wrapping a key whose prior handling history
// isn't tracked by this daemon.
const NIP49KeySecurityUnknown byte = 0x02

// WrapNIP49 produces an ncryptsec1... bech32 string for secretHex under
// passphrase, using XChaCha20-Poly1305 + scrypt (LOG_N=16) as specified by
// NIP-49. The heavy scrypt work happens inside nip49.Encrypt; callers on the
// hot path must invoke this through a singleflight-serialized wrapper (see
// vault.kdfGroup) so it never runs on the main event-loop goroutine stack
// unbounded.
func WrapNIP49(secretHex, passphrase string) (string, error) {
	wrapped, err := nip49.Encrypt(secretHex, passphrase, NIP49LogN, NIP49KeySecurityUnknown)
	if err != nil {
		return "", fmt.Errorf("nip49 wrap: %w", err)
	}
	return wrapped, nil
}

// UnwrapNIP49 recovers the hex secret key from an ncryptsec1... string given
// the correct passphrase.
func UnwrapNIP49(ncryptsec, passphrase string) (string, error) {
	secretHex, err := nip49.Decrypt(ncryptsec, passphrase)
	if err != nil {
		return "", fmt.Errorf("nip49 unwrap: %w", err)
	}
	return secretHex, nil
}

// DecodeNsec decodes a bech32 nsec1... string to its hex secret key.
func DecodeNsec(nsec string) (string, error) {
	prefix, value, err := nip19.Decode(nsec)
	if err != nil {
		return "", fmt.Errorf("decode nsec: %w", err)
	}
	if prefix != "nsec" {
		return "", fmt.Errorf("not an nsec: prefix %q", prefix)
	}
	hexKey, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("unexpected nsec payload type")
	}
	return hexKey, nil
}

// EncodeNsec encodes a hex secret key as bech32 nsec1....
func EncodeNsec(secretHex string) (string, error) {
	nsec, err := nip19.EncodePrivateKey(secretHex)
	if err != nil {
		return "", fmt.Errorf("encode nsec: %w", err)
	}
	return nsec, nil
}

// EncodeNpub encodes a hex public key as bech32 npub1....
func EncodeNpub(pubkeyHex string) (string, error) {
	npub, err := nip19.EncodePublicKey(pubkeyHex)
	if err != nil {
		return "", fmt.Errorf("encode npub: %w", err)
	}
	return npub, nil
}
