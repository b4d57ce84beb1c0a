package cryptoutil

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/tyler-smith/go-bip39"
)

// KeyPair is a derived secp256k1/Nostr keypair in hex and NIP-19 forms.
type KeyPair struct {
	PrivateKeyHex string
	PublicKeyHex  string
	Nsec          string
	Npub          string
	Index         uint32
}

// Deriver performs BIP32 hierarchical derivation of Nostr keys from a
// mnemonic or raw seed. No other package in the daemon constructs one; the
// configured admin.key is not derived through it.
type Deriver struct {
	masterKey *hdkeychain.ExtendedKey
	mnemonic  string
	seed      []byte
	network   *chaincfg.Params
}

// NewDeriverFromMnemonic builds a Deriver from a BIP-39 mnemonic (generating
// one if mnemonic is empty).
func NewDeriverFromMnemonic(mnemonic string) (*Deriver, error) {
	if mnemonic == "" {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, fmt.Errorf("generate entropy: %w", err)
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, fmt.Errorf("generate mnemonic: %w", err)
		}
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	return newDeriverFromSeed(seed, mnemonic)
}

// NewDeriverFromSeed builds a Deriver directly from raw seed bytes.
func NewDeriverFromSeed(seed []byte) (*Deriver, error) {
	return newDeriverFromSeed(seed, "")
}

func newDeriverFromSeed(seed []byte, mnemonic string) (*Deriver, error) {
	network := &chaincfg.MainNetParams
	masterKey, err := hdkeychain.NewMaster(seed, network)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	return &Deriver{masterKey: masterKey, mnemonic: mnemonic, seed: seed, network: network}, nil
}

// Mnemonic returns the mnemonic phrase, if this Deriver was built from one.
func (d *Deriver) Mnemonic() string { return d.mnemonic }

// DeriveBIP32 derives key `index` along m/44'/1237'/0'/0/index, the
// registered Nostr coin-type path.
func (d *Deriver) DeriveBIP32(index uint32) (*KeyPair, error) {
	purposeKey, err := d.masterKey.Derive(hdkeychain.HardenedKeyStart + 44)
	if err != nil {
		return nil, fmt.Errorf("derive purpose key: %w", err)
	}
	coinTypeKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + 1237)
	if err != nil {
		return nil, fmt.Errorf("derive coin type key: %w", err)
	}
	accountKey, err := coinTypeKey.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, fmt.Errorf("derive account key: %w", err)
	}
	chainKey, err := accountKey.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("derive chain key: %w", err)
	}
	childKey, err := chainKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive child key at index %d: %w", index, err)
	}
	privKey, err := childKey.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("get EC private key: %w", err)
	}
	return keyPairFromPriv(privKey, index)
}

// DeriveSimple derives key `index` via HMAC-SHA256(seed, "nostr" || index).
// Cheaper than BIP32 and yields different keys; BelongsToMaster does not use
// it (it scans with DeriveBIP32).
func (d *Deriver) DeriveSimple(index uint32) (*KeyPair, error) {
	h := hmac.New(sha256.New, d.seed)
	var idx [4]byte
	idx[0] = byte(index >> 24)
	idx[1] = byte(index >> 16)
	idx[2] = byte(index >> 8)
	idx[3] = byte(index)
	h.Write([]byte("nostr"))
	h.Write(idx[:])
	derived := h.Sum(nil)
	privKey, _ := btcec.PrivKeyFromBytes(derived)
	return keyPairFromPriv(privKey, index)
}

func keyPairFromPriv(privKey *btcec.PrivateKey, index uint32) (*KeyPair, error) {
	privKeyBytes := privKey.Serialize()
	pubKeyBytes := privKey.PubKey().SerializeCompressed()[1:]

	privKeyHex := hex.EncodeToString(privKeyBytes)
	pubKeyHex := hex.EncodeToString(pubKeyBytes)

	nsec, err := nip19.EncodePrivateKey(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("encode nsec: %w", err)
	}
	npub, err := nip19.EncodePublicKey(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("encode npub: %w", err)
	}
	return &KeyPair{
		PrivateKeyHex: privKeyHex,
		PublicKeyHex:  pubKeyHex,
		Nsec:          nsec,
		Npub:          npub,
		Index:         index,
	}, nil
}

// BelongsToMaster scans derivation indices [0, maxIndex] for a key matching
// targetKey (hex or npub), reporting the matching index if any.
func (d *Deriver) BelongsToMaster(targetKey string, maxIndex uint32) (bool, uint32, error) {
	target := targetKey
	if prefix, decoded, err := nip19.Decode(targetKey); err == nil {
		if prefix != "npub" {
			return false, 0, fmt.Errorf("unsupported NIP-19 prefix: %s", prefix)
		}
		target = decoded.(string)
	}
	for i := uint32(0); i <= maxIndex; i++ {
		kp, err := d.DeriveBIP32(i)
		if err != nil {
			return false, 0, fmt.Errorf("derive index %d: %w", i, err)
		}
		if kp.PublicKeyHex == target {
			return true, i, nil
		}
	}
	return false, 0, nil
}
