// Package connstring handles the two connection-string forms of spec.md §6:
// bunker:// (generated here, daemon-advertised) and nostrconnect:// (parsed
// here, client-advertised). Shape and validation mirror the client side of
// this exact handshake in other_examples' vcavallo-nostr-hypermedia
// nip46.go's ParseBunkerURL, read in reverse.
package connstring

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mroxso/signetd/internal/model"
)

// BunkerURI builds a bunker://<pubkey>?relay=<url>&...&secret=<opaque> URI
// advertising pubkeyHex over relays, with an optional opaque secret.
func BunkerURI(pubkeyHex string, relays []string, secret string) (string, error) {
	if len(pubkeyHex) != 64 {
		return "", model.New("BunkerURI", model.KindInvalidKeyForm, "pubkey must be 64 hex chars")
	}
	if err := model.ValidateRelayList(relays); err != nil {
		return "", err
	}

	q := url.Values{}
	for _, r := range relays {
		q.Add("relay", r)
	}
	if secret != "" {
		q.Set("secret", secret)
	}

	uri := fmt.Sprintf("bunker://%s?%s", pubkeyHex, q.Encode())
	if err := model.ValidateURI(uri); err != nil {
		return "", err
	}
	return uri, nil
}

// NostrConnectRequest is the parsed form of a nostrconnect:// URI, per
// spec.md §6: "Extracts {clientPubkey, relays[], secret, name?}."
type NostrConnectRequest struct {
	ClientPubkey string
	Relays       []string
	Secret       string
	Name         string
}

// ParseNostrConnectURI parses and validates a nostrconnect:// URI: at most
// 10 relays, each ws:// or wss://, total length at most 2048 characters.
func ParseNostrConnectURI(uri string) (*NostrConnectRequest, error) {
	const op = "ParseNostrConnectURI"
	if err := model.ValidateURI(uri); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(uri, "nostrconnect://") {
		return nil, model.New(op, model.KindInvalidURI, "must start with nostrconnect://")
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, model.New(op, model.KindInvalidURI, err.Error())
	}

	clientPubkey := u.Host
	if len(clientPubkey) != 64 {
		return nil, model.New(op, model.KindInvalidKeyForm, "client pubkey must be 64 hex chars")
	}

	relays := u.Query()["relay"]
	if err := model.ValidateRelayList(relays); err != nil {
		return nil, err
	}

	return &NostrConnectRequest{
		ClientPubkey: clientPubkey,
		Relays:       relays,
		Secret:       u.Query().Get("secret"),
		Name:         u.Query().Get("name"),
	}, nil
}
