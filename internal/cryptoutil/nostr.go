// Package cryptoutil wraps the audited Nostr cryptographic primitives this
// daemon relies on (Schnorr signing, NIP-04/44 symmetric ciphers, NIP-49 key
// wrapping, and the legacy vault formats that predate NIP-49) behind a small
// surface the vault and RPC backend call into. It never reimplements the
// underlying math; see spec.md §1 Non-goals.
package cryptoutil

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// GetPublicKey derives the hex x-only public key for a hex secret key.
func GetPublicKey(secretHex string) (string, error) {
	pub, err := nostr.GetPublicKey(secretHex)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return pub, nil
}

// UnsignedEvent is the wire shape accepted by vault.Sign: a skeleton event
// whose CreatedAt/PubKey may be absent, per spec.md §4.1 sign().
type UnsignedEvent struct {
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags"`
	CreatedAt *int64     `json:"created_at,omitempty"`
	PubKey    string     `json:"pubkey,omitempty"`
}

// FinalizeAndSign computes the event id and Schnorr signature for skeleton,
// filling CreatedAt with now when absent. The returned event's PubKey is
// always overwritten with the key derived from secretHex (the skeleton's
// PubKey, if any, is advisory only).
func FinalizeAndSign(secretHex string, skeleton UnsignedEvent) (*nostr.Event, error) {
	tags := make(nostr.Tags, 0, len(skeleton.Tags))
	for _, t := range skeleton.Tags {
		tags = append(tags, nostr.Tag(t))
	}

	evt := &nostr.Event{
		Kind:    skeleton.Kind,
		Content: skeleton.Content,
		Tags:    tags,
	}
	if skeleton.CreatedAt != nil {
		evt.CreatedAt = nostr.Timestamp(*skeleton.CreatedAt)
	} else {
		evt.CreatedAt = nostr.Now()
	}

	if err := evt.Sign(secretHex); err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	return evt, nil
}

// VerifySignature reports whether evt carries a valid signature over its own
// id/pubkey, per NIP-01. A false/err result must cause the caller to drop the
// event silently (spec.md §4.4 step 2 / §7 propagation policy).
func VerifySignature(evt *nostr.Event) (bool, error) {
	return evt.CheckSignature()
}
