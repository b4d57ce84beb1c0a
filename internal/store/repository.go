// Package store is the repository abstraction spec.md §3's "Ownership
// summary" describes: the Persistent Store exclusively owns durable records,
// and every other component reads/writes through this interface rather than
// touching storage directly.
package store

import (
	"context"
	"time"

	"github.com/mroxso/signetd/internal/model"
)

// Repository is the full set of durable operations the core needs. It has
// two implementations: Badger (internal/store/badger.go, used in
// production) and an in-memory double (internal/store/memory.go, used in
// tests and grounded on the same interface the teacher's DBBackend uses to
// swap storage engines).
type Repository interface {
	// Key records
	SaveKeyRecord(ctx context.Context, rec *model.KeyRecord) error
	GetKeyRecord(ctx context.Context, name string) (*model.KeyRecord, error)
	DeleteKeyRecord(ctx context.Context, name string) error
	RenameKeyRecord(ctx context.Context, oldName, newName string) error
	ListKeyRecords(ctx context.Context) ([]*model.KeyRecord, error)

	// Apps
	UpsertApp(ctx context.Context, app *model.App) error
	GetApp(ctx context.Context, keyName, remotePubkey string) (*model.App, error)
	GetAppByID(ctx context.Context, id string) (*model.App, error)
	ListAppsForKey(ctx context.Context, keyName string) ([]*model.App, error)
	ListAllApps(ctx context.Context) ([]*model.App, error)
	RevokeApp(ctx context.Context, id string) error
	RevokeAppsForKey(ctx context.Context, keyName string) ([]*model.App, error)
	SuspendAllApps(ctx context.Context, until *time.Time) ([]*model.App, error)

	// Saved permissions
	UpsertPermission(ctx context.Context, perm *model.SavedPermission) error
	GetPermission(ctx context.Context, appID, method string, kind *int) (*model.SavedPermission, error)
	ListPermissionsForApp(ctx context.Context, appID string) ([]*model.SavedPermission, error)

	// Pending requests
	CreatePendingRequest(ctx context.Context, req *model.PendingRequest) error
	GetPendingRequest(ctx context.Context, id string) (*model.PendingRequest, error)
	SetDecision(ctx context.Context, id string, approved bool, approvalType model.ApprovalType) error
	ListUndecidedExpired(ctx context.Context, now time.Time) ([]*model.PendingRequest, error)

	// Connection tokens
	CreateToken(ctx context.Context, tok *model.ConnectionToken) error
	GetToken(ctx context.Context, token string) (*model.ConnectionToken, error)
	// ClaimToken atomically sets redeemedAt iff the token exists, is
	// unexpired, and is unredeemed. It returns model.KindTokenAlreadyRedeemed
	// if another caller won the race, model.KindTokenExpired if expired, and
	// model.KindNotFound if no such token exists.
	ClaimToken(ctx context.Context, token string, now time.Time) (*model.ConnectionToken, error)

	// Audit log
	AppendAudit(ctx context.Context, rec *model.AuditRecord) error
	ListAudit(ctx context.Context, limit int) ([]*model.AuditRecord, error)

	// Dead man's switch singleton
	GetDeadManState(ctx context.Context) (*model.DeadManSwitchState, error)
	SaveDeadManState(ctx context.Context, state *model.DeadManSwitchState) error

	// Settings (small KV, e.g. per-key admin secret)
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}
