package connstring

import (
	"strings"
	"testing"

	"github.com/mroxso/signetd/internal/model"
)

const testPubkey = "a9b4a64cfe1991d70dafec81f42d29a7a0ca5dba8b6c87a1f5b4b5a0e6e9f9b1"

func TestBunkerURICarriesPubkeyAndSecret(t *testing.T) {
	uri, err := BunkerURI(testPubkey, []string{"wss://relay.example.com"}, "s3cr3t")
	if err != nil {
		t.Fatalf("BunkerURI: %v", err)
	}
	if !strings.HasPrefix(uri, "bunker://"+testPubkey) {
		t.Fatalf("unexpected uri shape: %s", uri)
	}
	if !strings.Contains(uri, "secret=s3cr3t") {
		t.Fatalf("expected secret param in uri: %s", uri)
	}
}

func TestBunkerURIRejectsBadPubkey(t *testing.T) {
	if _, err := BunkerURI("not-hex", []string{"wss://relay.example.com"}, ""); model.Of(err) != model.KindInvalidKeyForm {
		t.Fatalf("expected KindInvalidKeyForm, got %v", err)
	}
}

func TestBunkerURIRejectsTooManyRelays(t *testing.T) {
	relays := make([]string, 11)
	for i := range relays {
		relays[i] = "wss://relay.example.com"
	}
	if _, err := BunkerURI(testPubkey, relays, ""); model.Of(err) != model.KindTooManyRelays {
		t.Fatalf("expected KindTooManyRelays, got %v", err)
	}
}

func TestParseNostrConnectURI(t *testing.T) {
	uri := "nostrconnect://" + testPubkey + "?relay=wss%3A%2F%2Frelay.example.com&secret=abc123&name=MyApp"
	req, err := ParseNostrConnectURI(uri)
	if err != nil {
		t.Fatalf("ParseNostrConnectURI: %v", err)
	}
	if req.ClientPubkey != testPubkey {
		t.Fatalf("expected client pubkey %s, got %s", testPubkey, req.ClientPubkey)
	}
	if len(req.Relays) != 1 || req.Relays[0] != "wss://relay.example.com" {
		t.Fatalf("unexpected relays: %v", req.Relays)
	}
	if req.Secret != "abc123" || req.Name != "MyApp" {
		t.Fatalf("unexpected secret/name: %q %q", req.Secret, req.Name)
	}
}

func TestParseNostrConnectURIRejectsWrongScheme(t *testing.T) {
	if _, err := ParseNostrConnectURI("bunker://" + testPubkey); model.Of(err) != model.KindInvalidURI {
		t.Fatalf("expected KindInvalidURI, got %v", err)
	}
}

func TestParseNostrConnectURIRejectsNonWsRelay(t *testing.T) {
	uri := "nostrconnect://" + testPubkey + "?relay=http%3A%2F%2Frelay.example.com"
	if _, err := ParseNostrConnectURI(uri); model.Of(err) != model.KindInvalidRelay {
		t.Fatalf("expected KindInvalidRelay, got %v", err)
	}
}
