package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// Legacy at-rest formats predate NIP-49 and are bespoke to this daemon (not
// a public NIP), so unlike nip49.go above they are composed directly from
// audited primitives rather than consumed from a higher-level package — see
// DESIGN.md. v1 exists only so old exports still decrypt (spec.md §4.1,
// §8 "Legacy compatibility"); new encryption always produces v2 or NIP-49.

const (
	legacyVersionV1 byte = 0x01 // AES-256-CBC + PBKDF2-SHA256, 100_000 iters
	legacyVersionV2 byte = 0x02 // AES-256-GCM + scrypt-or-PBKDF2-SHA256, 600_000 iters

	legacyV1PBKDF2Iterations = 100_000
	legacyV2PBKDF2Iterations = 600_000

	legacySaltLen = 16
	legacyGCMIVLen = 12
	legacyGCMTagLen = 16
	legacyCBCIVLen = 16

	legacyScryptN = 1 << 15
	legacyScryptR = 8
	legacyScryptP = 1
)

// LegacyKDF selects the key-derivation function used to wrap a v2 ciphertext.
// Spec.md §4.1 allows either; this daemon writes scrypt for new encryptions
// and accepts both on decrypt.
type LegacyKDF int

const (
	LegacyKDFScrypt LegacyKDF = iota
	LegacyKDFPBKDF2
)

// EncryptLegacyV2 produces the version-0x02 AES-256-GCM envelope:
// 0x02 ‖ salt(16) ‖ iv(12) ‖ tag(16) ‖ ciphertext.
func EncryptLegacyV2(plaintext []byte, passphrase string, kdf LegacyKDF) ([]byte, error) {
	salt := make([]byte, legacySaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key, err := deriveLegacyV2Key(passphrase, salt, kdf)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, legacyGCMIVLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, legacyGCMTagLen)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-legacyGCMTagLen]
	tag := sealed[len(sealed)-legacyGCMTagLen:]

	out := make([]byte, 0, 1+legacySaltLen+legacyGCMIVLen+legacyGCMTagLen+len(ct))
	out = append(out, legacyVersionV2)
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// DecryptLegacy decrypts a v1 or v2 legacy envelope, detecting the version
// from the leading byte when present, and falling back to the IV-length
// heuristic for the versionless ciphertexts spec.md §9 notes exist in the
// wild. It never rewrites on read.
func DecryptLegacy(envelope []byte, passphrase string) ([]byte, error) {
	if len(envelope) == 0 {
		return nil, fmt.Errorf("empty ciphertext")
	}

	switch envelope[0] {
	case legacyVersionV1:
		return decryptLegacyV1(envelope[1:], passphrase)
	case legacyVersionV2:
		return decryptLegacyV2(envelope[1:], passphrase)
	default:
		// No recognized version byte: heuristically detect v1 by total
		// length (salt + 16-byte CBC IV + at least one padded block).
		if len(envelope) > legacySaltLen+legacyCBCIVLen+aes.BlockSize {
			if pt, err := decryptLegacyV1(envelope, passphrase); err == nil {
				return pt, nil
			}
		}
		return nil, fmt.Errorf("unrecognized legacy ciphertext format")
	}
}

func decryptLegacyV2(body []byte, passphrase string) ([]byte, error) {
	min := legacySaltLen + legacyGCMIVLen + legacyGCMTagLen
	if len(body) < min {
		return nil, fmt.Errorf("malformed v2 ciphertext: too short")
	}
	salt := body[:legacySaltLen]
	iv := body[legacySaltLen : legacySaltLen+legacyGCMIVLen]
	tag := body[legacySaltLen+legacyGCMIVLen : legacySaltLen+legacyGCMIVLen+legacyGCMTagLen]
	ct := body[legacySaltLen+legacyGCMIVLen+legacyGCMTagLen:]

	// Try scrypt first (current default), then PBKDF2 (older writers).
	for _, kdf := range []LegacyKDF{LegacyKDFScrypt, LegacyKDFPBKDF2} {
		key, err := deriveLegacyV2Key(passphrase, salt, kdf)
		if err != nil {
			continue
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			continue
		}
		gcm, err := cipher.NewGCMWithTagSize(block, legacyGCMTagLen)
		if err != nil {
			continue
		}
		sealed := append(append([]byte{}, ct...), tag...)
		pt, err := gcm.Open(nil, iv, sealed, nil)
		if err == nil {
			return pt, nil
		}
	}
	return nil, fmt.Errorf("wrong passphrase or malformed v2 ciphertext")
}

func deriveLegacyV2Key(passphrase string, salt []byte, kdf LegacyKDF) ([]byte, error) {
	switch kdf {
	case LegacyKDFScrypt:
		key, err := scrypt.Key([]byte(passphrase), salt, legacyScryptN, legacyScryptR, legacyScryptP, 32)
		if err != nil {
			return nil, fmt.Errorf("scrypt: %w", err)
		}
		return key, nil
	case LegacyKDFPBKDF2:
		return pbkdf2.Key([]byte(passphrase), salt, legacyV2PBKDF2Iterations, 32, sha256.New), nil
	default:
		return nil, fmt.Errorf("unknown legacy v2 kdf %d", kdf)
	}
}

// EncryptLegacyV1 produces the version-0x01 AES-256-CBC envelope, retained
// only to test against real old exports; new writes never use it.
func EncryptLegacyV1(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, legacySaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(passphrase), salt, legacyV1PBKDF2Iterations, 32, sha256.New)

	iv := make([]byte, legacyCBCIVLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	out := make([]byte, 0, 1+legacySaltLen+legacyCBCIVLen+len(ct))
	out = append(out, legacyVersionV1)
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ct...)
	return out, nil
}

func decryptLegacyV1(body []byte, passphrase string) ([]byte, error) {
	min := legacySaltLen + legacyCBCIVLen + aes.BlockSize
	if len(body) < min || (len(body)-legacySaltLen-legacyCBCIVLen)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("malformed v1 ciphertext")
	}
	salt := body[:legacySaltLen]
	iv := body[legacySaltLen : legacySaltLen+legacyCBCIVLen]
	ct := body[legacySaltLen+legacyCBCIVLen:]

	key := pbkdf2.Key([]byte(passphrase), salt, legacyV1PBKDF2Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	unpadded, err := pkcs7Unpad(pt, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("wrong passphrase or malformed v1 ciphertext: %w", err)
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}
