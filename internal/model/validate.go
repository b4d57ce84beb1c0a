package model

import (
	"regexp"
	"strings"
)

// Input-validation bounds, spec.md §6.
const (
	MaxKeyNameLen    = 64
	MaxAppNameLen    = 128
	MaxPassphraseLen = 256
	MaxURILen        = 2048
	MaxRelaysPerConn = 10
)

var keyNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateKeyName enforces keyName: 1-64 chars, [A-Za-z0-9_-].
func ValidateKeyName(name string) error {
	if !keyNameRe.MatchString(name) {
		return New("ValidateKeyName", KindInvalidKeyName, "must be 1-64 chars of [A-Za-z0-9_-]")
	}
	return nil
}

// ValidateAppName enforces appName: <= 128 chars.
func ValidateAppName(name string) error {
	if len(name) > MaxAppNameLen {
		return New("ValidateAppName", KindInvalidInput, "app name exceeds 128 chars")
	}
	return nil
}

// ValidatePassphrase enforces passphrase: <= 256 chars.
func ValidatePassphrase(pass string) error {
	if len(pass) > MaxPassphraseLen {
		return New("ValidatePassphrase", KindPassphraseTooLong, "passphrase exceeds 256 chars")
	}
	return nil
}

// ValidateURI enforces URI: <= 2048 chars.
func ValidateURI(uri string) error {
	if len(uri) == 0 || len(uri) > MaxURILen {
		return New("ValidateURI", KindInvalidURI, "uri is empty or exceeds 2048 chars")
	}
	return nil
}

// ValidateRelayList enforces relays per connection: <= 10, each ws(s)://.
func ValidateRelayList(relays []string) error {
	if len(relays) > MaxRelaysPerConn {
		return New("ValidateRelayList", KindTooManyRelays, "more than 10 relays")
	}
	for _, r := range relays {
		if !strings.HasPrefix(r, "ws://") && !strings.HasPrefix(r, "wss://") {
			return New("ValidateRelayList", KindInvalidRelay, "relay must be ws:// or wss://: "+r)
		}
	}
	return nil
}
