package store

import (
	"context"
	"sync"
	"time"

	"github.com/mroxso/signetd/internal/eventbus"
	"github.com/mroxso/signetd/internal/model"
)

// Memory is an in-memory Repository, used by tests and as a reference
// implementation for the interface contract Badger also satisfies.
type Memory struct {
	mu sync.Mutex

	keys        map[string]*model.KeyRecord
	apps        map[string]*model.App // by id
	appIndex    map[string]string     // AppKey(keyName,remotePubkey) -> id
	perms       map[string][]*model.SavedPermission
	pending     map[string]*model.PendingRequest
	tokens      map[string]*model.ConnectionToken
	audit       []*model.AuditRecord
	auditSeq    uint64
	deadman     *model.DeadManSwitchState
	settings    map[string]string

	bus *eventbus.Bus
}

// NewMemory constructs an empty Memory repository. bus may be nil.
func NewMemory(bus *eventbus.Bus) *Memory {
	return &Memory{
		keys:     make(map[string]*model.KeyRecord),
		apps:     make(map[string]*model.App),
		appIndex: make(map[string]string),
		perms:    make(map[string][]*model.SavedPermission),
		pending:  make(map[string]*model.PendingRequest),
		tokens:   make(map[string]*model.ConnectionToken),
		settings: make(map[string]string),
		deadman:  &model.DeadManSwitchState{},
		bus:      bus,
	}
}

func (m *Memory) notify(name eventbus.Name, payload any) {
	if m.bus != nil {
		m.bus.Publish(name, payload)
	}
}

func (m *Memory) Close() error { return nil }

// --- Key records ---

func (m *Memory) SaveKeyRecord(ctx context.Context, rec *model.KeyRecord) error {
	m.mu.Lock()
	cp := *rec
	m.keys[rec.Name] = &cp
	m.mu.Unlock()
	m.notify(eventbus.KeyUpdated, rec.Name)
	return nil
}

func (m *Memory) GetKeyRecord(ctx context.Context, name string) (*model.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[name]
	if !ok {
		return nil, model.New("GetKeyRecord", model.KindNotFound, name)
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) DeleteKeyRecord(ctx context.Context, name string) error {
	m.mu.Lock()
	_, ok := m.keys[name]
	delete(m.keys, name)
	m.mu.Unlock()
	if !ok {
		return model.New("DeleteKeyRecord", model.KindNotFound, name)
	}
	m.notify(eventbus.KeyDeleted, name)
	return nil
}

func (m *Memory) RenameKeyRecord(ctx context.Context, oldName, newName string) error {
	m.mu.Lock()
	rec, ok := m.keys[oldName]
	if !ok {
		m.mu.Unlock()
		return model.New("RenameKeyRecord", model.KindNotFound, oldName)
	}
	if _, exists := m.keys[newName]; exists {
		m.mu.Unlock()
		return model.New("RenameKeyRecord", model.KindAlreadyExists, newName)
	}
	cp := *rec
	cp.Name = newName
	m.keys[newName] = &cp
	delete(m.keys, oldName)
	m.mu.Unlock()
	m.notify(eventbus.KeyRenamed, [2]string{oldName, newName})
	return nil
}

func (m *Memory) ListKeyRecords(ctx context.Context) ([]*model.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.KeyRecord, 0, len(m.keys))
	for _, rec := range m.keys {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// --- Apps ---

func (m *Memory) UpsertApp(ctx context.Context, app *model.App) error {
	m.mu.Lock()
	if app.ID == "" {
		app.ID = model.AppKey(app.KeyName, app.RemotePubkey)
	}
	cp := *app
	m.apps[cp.ID] = &cp
	m.appIndex[model.AppKey(app.KeyName, app.RemotePubkey)] = cp.ID
	m.mu.Unlock()
	m.notify(eventbus.AppUpdated, app.ID)
	return nil
}

func (m *Memory) GetApp(ctx context.Context, keyName, remotePubkey string) (*model.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.appIndex[model.AppKey(keyName, remotePubkey)]
	if !ok {
		return nil, model.New("GetApp", model.KindNotFound, "")
	}
	cp := *m.apps[id]
	return &cp, nil
}

func (m *Memory) GetAppByID(ctx context.Context, id string) (*model.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok {
		return nil, model.New("GetAppByID", model.KindNotFound, id)
	}
	cp := *app
	return &cp, nil
}

func (m *Memory) ListAppsForKey(ctx context.Context, keyName string) ([]*model.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.App
	for _, app := range m.apps {
		if app.KeyName == keyName {
			cp := *app
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) ListAllApps(ctx context.Context) ([]*model.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.App, 0, len(m.apps))
	for _, app := range m.apps {
		cp := *app
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) RevokeApp(ctx context.Context, id string) error {
	m.mu.Lock()
	app, ok := m.apps[id]
	if !ok {
		m.mu.Unlock()
		return model.New("RevokeApp", model.KindNotFound, id)
	}
	now := time.Now()
	app.RevokedAt = &now
	m.mu.Unlock()
	m.notify(eventbus.AppRevoked, id)
	return nil
}

func (m *Memory) RevokeAppsForKey(ctx context.Context, keyName string) ([]*model.App, error) {
	m.mu.Lock()
	now := time.Now()
	var revoked []*model.App
	for _, app := range m.apps {
		if app.KeyName == keyName && app.RevokedAt == nil {
			app.RevokedAt = &now
			cp := *app
			revoked = append(revoked, &cp)
		}
	}
	m.mu.Unlock()
	if len(revoked) > 0 {
		m.notify(eventbus.AppBulkUpdated, revoked)
	}
	return revoked, nil
}

func (m *Memory) SuspendAllApps(ctx context.Context, until *time.Time) ([]*model.App, error) {
	m.mu.Lock()
	now := time.Now()
	var suspended []*model.App
	for _, app := range m.apps {
		if app.RevokedAt == nil {
			app.SuspendedAt = &now
			app.SuspendUntil = until
			cp := *app
			suspended = append(suspended, &cp)
		}
	}
	m.mu.Unlock()
	if len(suspended) > 0 {
		m.notify(eventbus.AppBulkUpdated, suspended)
	}
	return suspended, nil
}

// --- Saved permissions ---

func (m *Memory) UpsertPermission(ctx context.Context, perm *model.SavedPermission) error {
	m.mu.Lock()
	list := m.perms[perm.AppID]
	key := model.PermissionKey(perm.Method, perm.Kind)
	replaced := false
	for i, p := range list {
		if model.PermissionKey(p.Method, p.Kind) == key {
			cp := *perm
			list[i] = &cp
			replaced = true
			break
		}
	}
	if !replaced {
		cp := *perm
		list = append(list, &cp)
	}
	m.perms[perm.AppID] = list
	m.mu.Unlock()
	m.notify(eventbus.AppUpdated, perm.AppID)
	return nil
}

func (m *Memory) GetPermission(ctx context.Context, appID, method string, kind *int) (*model.SavedPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := model.PermissionKey(method, kind)
	for _, p := range m.perms[appID] {
		if model.PermissionKey(p.Method, p.Kind) == key {
			cp := *p
			return &cp, nil
		}
	}
	return nil, model.New("GetPermission", model.KindNotFound, "")
}

func (m *Memory) ListPermissionsForApp(ctx context.Context, appID string) ([]*model.SavedPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.perms[appID]
	out := make([]*model.SavedPermission, len(src))
	for i, p := range src {
		cp := *p
		out[i] = &cp
	}
	return out, nil
}

// --- Pending requests ---

func (m *Memory) CreatePendingRequest(ctx context.Context, req *model.PendingRequest) error {
	m.mu.Lock()
	cp := *req
	m.pending[req.ID] = &cp
	m.mu.Unlock()
	m.notify(eventbus.RequestCreated, req.ID)
	return nil
}

func (m *Memory) GetPendingRequest(ctx context.Context, id string) (*model.PendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[id]
	if !ok {
		return nil, model.New("GetPendingRequest", model.KindNotFound, id)
	}
	cp := *req
	return &cp, nil
}

func (m *Memory) SetDecision(ctx context.Context, id string, approved bool, approvalType model.ApprovalType) error {
	m.mu.Lock()
	req, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return model.New("SetDecision", model.KindNotFound, id)
	}
	now := time.Now()
	req.Decision = &approved
	req.DecisionAt = &now
	req.ApprovalType = approvalType
	m.mu.Unlock()
	if approved {
		m.notify(eventbus.RequestApproved, id)
	} else {
		m.notify(eventbus.RequestDenied, id)
	}
	return nil
}

func (m *Memory) ListUndecidedExpired(ctx context.Context, now time.Time) ([]*model.PendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.PendingRequest
	for _, req := range m.pending {
		if req.Decision == nil && req.IsExpired(now) {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Connection tokens ---

func (m *Memory) CreateToken(ctx context.Context, tok *model.ConnectionToken) error {
	m.mu.Lock()
	cp := *tok
	m.tokens[tok.Token] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetToken(ctx context.Context, token string) (*model.ConnectionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[token]
	if !ok {
		return nil, model.New("GetToken", model.KindNotFound, token)
	}
	cp := *tok
	return &cp, nil
}

func (m *Memory) ClaimToken(ctx context.Context, token string, now time.Time) (*model.ConnectionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[token]
	if !ok {
		return nil, model.New("ClaimToken", model.KindNotFound, token)
	}
	if tok.IsRedeemed() {
		return nil, model.New("ClaimToken", model.KindTokenAlreadyRedeemed, token)
	}
	if tok.IsExpired(now) {
		return nil, model.New("ClaimToken", model.KindTokenExpired, token)
	}
	tok.RedeemedAt = &now
	cp := *tok
	return &cp, nil
}

// --- Audit ---

func (m *Memory) AppendAudit(ctx context.Context, rec *model.AuditRecord) error {
	m.mu.Lock()
	m.auditSeq++
	rec.Seq = m.auditSeq
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	cp := *rec
	m.audit = append(m.audit, &cp)
	m.mu.Unlock()
	m.notify(eventbus.AdminEvent, rec.Action)
	return nil
}

func (m *Memory) ListAudit(ctx context.Context, limit int) ([]*model.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*model.AuditRecord, limit)
	for i := 0; i < limit; i++ {
		cp := *m.audit[n-limit+i]
		out[i] = &cp
	}
	return out, nil
}

// --- Dead man's switch ---

func (m *Memory) GetDeadManState(ctx context.Context) (*model.DeadManSwitchState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.deadman
	return &cp, nil
}

func (m *Memory) SaveDeadManState(ctx context.Context, state *model.DeadManSwitchState) error {
	m.mu.Lock()
	cp := *state
	m.deadman = &cp
	m.mu.Unlock()
	m.notify(eventbus.DeadmanUpdated, nil)
	return nil
}

// --- Settings ---

func (m *Memory) GetSetting(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *Memory) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	m.settings[key] = value
	m.mu.Unlock()
	return nil
}
