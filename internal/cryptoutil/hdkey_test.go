package cryptoutil

import "testing"

func TestDeriveBIP32IsDeterministic(t *testing.T) {
	d, err := NewDeriverFromMnemonic("")
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}
	if d.Mnemonic() == "" {
		t.Fatal("expected a generated mnemonic")
	}

	kp1, err := d.DeriveBIP32(0)
	if err != nil {
		t.Fatalf("derive index 0: %v", err)
	}
	kp2, err := d.DeriveBIP32(0)
	if err != nil {
		t.Fatalf("derive index 0 again: %v", err)
	}
	if kp1.PrivateKeyHex != kp2.PrivateKeyHex {
		t.Fatal("expected the same index to derive the same key deterministically")
	}

	kp3, err := d.DeriveBIP32(1)
	if err != nil {
		t.Fatalf("derive index 1: %v", err)
	}
	if kp3.PrivateKeyHex == kp1.PrivateKeyHex {
		t.Fatal("expected distinct indices to derive distinct keys")
	}
}

func TestDeriveBIP32EncodesBech32Forms(t *testing.T) {
	d, err := NewDeriverFromSeed([]byte("deterministic test seed material, 32+ bytes long"))
	if err != nil {
		t.Fatalf("new deriver from seed: %v", err)
	}
	kp, err := d.DeriveBIP32(0)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if kp.Nsec[:5] != "nsec1" {
		t.Fatalf("expected an nsec1 prefix, got %s", kp.Nsec)
	}
	if kp.Npub[:5] != "npub1" {
		t.Fatalf("expected an npub1 prefix, got %s", kp.Npub)
	}
}

func TestBelongsToMasterFindsDerivedKey(t *testing.T) {
	d, err := NewDeriverFromSeed([]byte("another deterministic test seed, long enough"))
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}
	kp, err := d.DeriveBIP32(3)
	if err != nil {
		t.Fatalf("derive index 3: %v", err)
	}

	found, index, err := d.BelongsToMaster(kp.Npub, 5)
	if err != nil {
		t.Fatalf("belongs to master: %v", err)
	}
	if !found || index != 3 {
		t.Fatalf("expected to find index 3, got found=%v index=%d", found, index)
	}

	found, _, err = d.BelongsToMaster(kp.Npub, 1)
	if err != nil {
		t.Fatalf("belongs to master (narrow range): %v", err)
	}
	if found {
		t.Fatal("expected not to find index 3 within a maxIndex of 1")
	}
}

func TestDeriveSimpleDistinctFromBIP32(t *testing.T) {
	d, err := NewDeriverFromSeed([]byte("yet another deterministic seed for testing"))
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}
	bip32, err := d.DeriveBIP32(0)
	if err != nil {
		t.Fatalf("derive bip32: %v", err)
	}
	simple, err := d.DeriveSimple(0)
	if err != nil {
		t.Fatalf("derive simple: %v", err)
	}
	if bip32.PrivateKeyHex == simple.PrivateKeyHex {
		t.Fatal("expected the fast HMAC derivation to differ from BIP32 derivation")
	}
}
