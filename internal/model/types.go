// Package model holds the durable and in-memory record shapes shared across
// the vault, store, authorization, and RPC layers, plus the typed error kinds
// and input-validation bounds they all consult.
package model

import "time"

// Encryption names the at-rest wrapping applied to a KeyRecord's secret.
type Encryption string

const (
	EncryptionNone   Encryption = "none"
	EncryptionLegacy Encryption = "legacy"
	EncryptionNIP49  Encryption = "nip49"
)

// KeyRecord is the durable form of an identity. Exactly one of PlaintextSecret
// or the legacy/NIP-49 wrapped fields is populated, per spec.md §3.
type KeyRecord struct {
	Name string `json:"name"`

	// Unwrapped form. Mutually exclusive with the wrapped forms.
	PlaintextSecret string `json:"plaintext_secret,omitempty"`

	// Legacy wrapped form (AES-256-GCM v2 or AES-256-CBC v1).
	LegacyCiphertext []byte `json:"legacy_ciphertext,omitempty"`
	LegacyIV         []byte `json:"legacy_iv,omitempty"`
	LegacySalt       []byte `json:"legacy_salt,omitempty"`

	// NIP-49 wrapped form: bech32 "ncryptsec1..." string.
	NIP49Wrapped string `json:"nip49_wrapped,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Encryption reports which wrapping, if any, this record carries.
func (k *KeyRecord) Encryption() Encryption {
	switch {
	case k.NIP49Wrapped != "":
		return EncryptionNIP49
	case len(k.LegacyCiphertext) > 0:
		return EncryptionLegacy
	default:
		return EncryptionNone
	}
}

// IsEncrypted reports whether the record has any wrapped form.
func (k *KeyRecord) IsEncrypted() bool {
	return k.Encryption() != EncryptionNone
}

// ActiveKey is the in-memory-only unwrapped secret for a currently unlocked
// (or never-encrypted) identity. Never serialized.
type ActiveKey struct {
	Name      string
	SecretHex string // 32-byte secp256k1 scalar, hex
	PubKeyHex string // 32-byte x-only pubkey, hex
}

// TrustLevel is the per-app policy tier, spec.md §3/§4.5.
type TrustLevel string

const (
	TrustParanoid   TrustLevel = "paranoid"
	TrustReasonable TrustLevel = "reasonable"
	TrustFull       TrustLevel = "full"
)

// App is a durable pairing between a local KeyRecord and a remote client
// pubkey, spec.md §3.
type App struct {
	ID            string     `json:"id"`
	KeyName       string     `json:"key_name"`
	RemotePubkey  string     `json:"remote_pubkey"`
	Description   string     `json:"description,omitempty"`
	Trust         TrustLevel `json:"trust"`
	CustomRelays  []string   `json:"custom_relays,omitempty"`
	SuspendedAt   *time.Time `json:"suspended_at,omitempty"`
	SuspendUntil  *time.Time `json:"suspend_until,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUsedAt    time.Time  `json:"last_used_at"`
}

// IsSuspended reports whether the app is currently in a suspension window.
func (a *App) IsSuspended(now time.Time) bool {
	if a.SuspendedAt == nil {
		return false
	}
	if a.SuspendUntil == nil {
		return true
	}
	return now.Before(*a.SuspendUntil)
}

// IsRevoked reports whether the app has been tombstoned.
func (a *App) IsRevoked() bool {
	return a.RevokedAt != nil
}

// AppKey is the (keyName, remotePubkey) uniqueness tuple for an App.
func AppKey(keyName, remotePubkey string) string {
	return keyName + "\x00" + remotePubkey
}

// SavedPermission is a per-App rule consulted before human prompting,
// spec.md §3.
type SavedPermission struct {
	AppID   string `json:"app_id"`
	Method  string `json:"method"`
	Kind    *int   `json:"kind,omitempty"`
	Allowed bool   `json:"allowed"`
}

// PermissionKey is the (method, kind) lookup tuple for a SavedPermission;
// a nil kind means "no kind" (method-level rule) and is encoded as "*".
func PermissionKey(method string, kind *int) string {
	if kind == nil {
		return method + "\x00*"
	}
	return method + "\x00" + itoa(*kind)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// ApprovalType records why a request was approved, spec.md §3/§4.5.
type ApprovalType string

const (
	ApprovalManual         ApprovalType = "manual"
	ApprovalAutoTrust      ApprovalType = "auto_trust"
	ApprovalAutoPermission ApprovalType = "auto_permission"
)

// PendingRequest is a durable, bounded-lifetime record of a request awaiting
// a human decision, spec.md §3.
type PendingRequest struct {
	ID           string       `json:"id"`
	KeyName      string       `json:"key_name"`
	RemotePubkey string       `json:"remote_pubkey"`
	Method       string       `json:"method"`
	Params       string       `json:"params"` // serialized JSON
	CreatedAt    time.Time    `json:"created_at"`
	Decision     *bool        `json:"decision"` // nil = pending
	DecisionAt   *time.Time   `json:"decision_at,omitempty"`
	ApprovalType ApprovalType `json:"approval_type,omitempty"`
}

// PendingRequestTTL is the spec.md §3 60s lifetime.
const PendingRequestTTL = 60 * time.Second

// IsExpired reports whether the request's TTL has elapsed.
func (p *PendingRequest) IsExpired(now time.Time) bool {
	return now.Sub(p.CreatedAt) >= PendingRequestTTL
}

// ConnectionToken is a one-shot capability to connect an app to a key,
// spec.md §3.
type ConnectionToken struct {
	Token       string     `json:"token"`
	KeyName     string     `json:"key_name"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RedeemedAt  *time.Time `json:"redeemed_at,omitempty"`
	PolicyTrust TrustLevel `json:"policy_trust,omitempty"`
}

// ConnectionTokenTTL is the spec.md §3 5-minute lifetime.
const ConnectionTokenTTL = 5 * time.Minute

// IsExpired reports whether the token's TTL has elapsed.
func (t *ConnectionToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// IsRedeemed reports whether the token has already been claimed.
func (t *ConnectionToken) IsRedeemed() bool {
	return t.RedeemedAt != nil
}

// AuditRecord is an append-only administrative event, spec.md §3.
type AuditRecord struct {
	Seq       uint64            `json:"seq"`
	At        time.Time         `json:"at"`
	Action    string            `json:"action"`
	KeyName   string            `json:"key_name,omitempty"`
	AppID     string            `json:"app_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// DeadManSwitchState is the singleton inactivity-lock state, spec.md §3.
type DeadManSwitchState struct {
	Enabled          bool        `json:"enabled"`
	TimeframeSec     int64       `json:"timeframe_sec"`
	LastResetAt      time.Time   `json:"last_reset_at"`
	PanicTriggeredAt *time.Time  `json:"panic_triggered_at,omitempty"`
	WarningsSent     []int64     `json:"warnings_sent,omitempty"` // threshold seconds already notified this cycle
}
