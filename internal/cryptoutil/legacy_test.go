package cryptoutil

import (
	"bytes"
	"testing"
)

func TestLegacyV1RoundTrip(t *testing.T) {
	plaintext := []byte("a real old hex-encoded private key export")
	ct, err := EncryptLegacyV1(plaintext, "old-passphrase")
	if err != nil {
		t.Fatalf("encrypt v1: %v", err)
	}
	if ct[0] != legacyVersionV1 {
		t.Fatalf("expected leading version byte 0x01, got 0x%02x", ct[0])
	}

	pt, err := DecryptLegacy(ct, "old-passphrase")
	if err != nil {
		t.Fatalf("decrypt v1: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestLegacyV1WrongPassphraseFails(t *testing.T) {
	ct, err := EncryptLegacyV1([]byte("secret"), "correct-pass")
	if err != nil {
		t.Fatalf("encrypt v1: %v", err)
	}
	if _, err := DecryptLegacy(ct, "wrong-pass"); err == nil {
		t.Fatal("expected decrypting with the wrong passphrase to fail")
	}
}

func TestLegacyV1DetectedWithoutVersionByte(t *testing.T) {
	ct, err := EncryptLegacyV1([]byte("versionless export"), "pass")
	if err != nil {
		t.Fatalf("encrypt v1: %v", err)
	}

	// Strip the version byte to exercise the heuristic fallback path that
	// DecryptLegacy uses for ciphertexts predating the version-byte scheme.
	versionless := ct[1:]

	pt, err := DecryptLegacy(versionless, "pass")
	if err != nil {
		t.Fatalf("decrypt versionless v1: %v", err)
	}
	if string(pt) != "versionless export" {
		t.Fatalf("unexpected plaintext: %q", pt)
	}
}

func TestLegacyV2RoundTripBothKDFs(t *testing.T) {
	for _, kdf := range []LegacyKDF{LegacyKDFScrypt, LegacyKDFPBKDF2} {
		ct, err := EncryptLegacyV2([]byte("v2 payload"), "pass", kdf)
		if err != nil {
			t.Fatalf("encrypt v2 kdf=%d: %v", kdf, err)
		}
		if ct[0] != legacyVersionV2 {
			t.Fatalf("expected leading version byte 0x02, got 0x%02x", ct[0])
		}
		pt, err := DecryptLegacy(ct, "pass")
		if err != nil {
			t.Fatalf("decrypt v2 kdf=%d: %v", kdf, err)
		}
		if string(pt) != "v2 payload" {
			t.Fatalf("unexpected plaintext for kdf=%d: %q", kdf, pt)
		}
	}
}

func TestDecryptLegacyRejectsEmptyCiphertext(t *testing.T) {
	if _, err := DecryptLegacy(nil, "pass"); err == nil {
		t.Fatal("expected an empty ciphertext to be rejected")
	}
}
