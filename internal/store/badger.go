package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/mroxso/signetd/internal/eventbus"
	"github.com/mroxso/signetd/internal/model"
)

// Key prefixes, mirroring the teacher's single-bucket-per-kind convention
// from bitkarrot-higher's badger-backed eventstore usage, adapted here to a
// handful of record kinds instead of one (Nostr events).
const (
	prefixKey     = "k:"  // k:<name> -> KeyRecord
	prefixApp     = "a:"  // a:<id> -> App
	prefixAppIdx  = "ai:" // ai:<keyName>\x00<remotePubkey> -> id
	prefixPerm    = "p:"  // p:<appID>\x00<method>\x00<kind> -> SavedPermission
	prefixPending = "r:"  // r:<id> -> PendingRequest
	prefixToken   = "t:"  // t:<token> -> ConnectionToken
	prefixAudit   = "u:"  // u:<seq big-endian> -> AuditRecord
	prefixSetting = "s:"  // s:<key> -> string
	keyDeadman    = "dm:state"
	keyAuditSeq   = "u:seq"
)

// Badger is the production Repository, backed by dgraph-io/badger/v4 —
// promoted here from the teacher's indirect eventstore/badger dependency to
// a direct one, since these records (apps, permissions, tokens) aren't
// Nostr events and don't fit the eventstore abstraction. See DESIGN.md.
type Badger struct {
	db  *badger.DB
	bus *eventbus.Bus
}

// OpenBadger opens (creating if absent) a badger store at dir.
func OpenBadger(dir string, bus *eventbus.Bus) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &Badger{db: db, bus: bus}, nil
}

func (b *Badger) Close() error { return b.db.Close() }

func (b *Badger) notify(name eventbus.Name, payload any) {
	if b.bus != nil {
		b.bus.Publish(name, payload)
	}
}

func putJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return model.Err(model.KindNotFound)
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// --- Key records ---

func (b *Badger) SaveKeyRecord(ctx context.Context, rec *model.KeyRecord) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixKey+rec.Name, rec)
	})
	if err != nil {
		return fmt.Errorf("SaveKeyRecord: %w", err)
	}
	b.notify(eventbus.KeyUpdated, rec.Name)
	return nil
}

func (b *Badger) GetKeyRecord(ctx context.Context, name string) (*model.KeyRecord, error) {
	var rec model.KeyRecord
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixKey+name, &rec)
	})
	if err != nil {
		return nil, wrapNotFound("GetKeyRecord", err)
	}
	return &rec, nil
}

func (b *Badger) DeleteKeyRecord(ctx context.Context, name string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		k := []byte(prefixKey + name)
		if _, err := txn.Get(k); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return model.Err(model.KindNotFound)
			}
			return err
		}
		return txn.Delete(k)
	})
	if err != nil {
		return fmt.Errorf("DeleteKeyRecord: %w", err)
	}
	b.notify(eventbus.KeyDeleted, name)
	return nil
}

func (b *Badger) RenameKeyRecord(ctx context.Context, oldName, newName string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		var rec model.KeyRecord
		if err := getJSON(txn, prefixKey+oldName, &rec); err != nil {
			return err
		}
		if _, err := txn.Get([]byte(prefixKey + newName)); err == nil {
			return model.Err(model.KindAlreadyExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		rec.Name = newName
		if err := putJSON(txn, prefixKey+newName, &rec); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixKey + oldName))
	})
	if err != nil {
		return fmt.Errorf("RenameKeyRecord: %w", err)
	}
	b.notify(eventbus.KeyRenamed, [2]string{oldName, newName})
	return nil
}

func (b *Badger) ListKeyRecords(ctx context.Context) ([]*model.KeyRecord, error) {
	var out []*model.KeyRecord
	err := b.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, prefixKey, func(val []byte) error {
			var rec model.KeyRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ListKeyRecords: %w", err)
	}
	return out, nil
}

// --- Apps ---

func (b *Badger) UpsertApp(ctx context.Context, app *model.App) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if app.ID == "" {
			app.ID = model.AppKey(app.KeyName, app.RemotePubkey)
		}
		if err := putJSON(txn, prefixApp+app.ID, app); err != nil {
			return err
		}
		return txn.Set([]byte(prefixAppIdx+model.AppKey(app.KeyName, app.RemotePubkey)), []byte(app.ID))
	})
	if err != nil {
		return fmt.Errorf("UpsertApp: %w", err)
	}
	b.notify(eventbus.AppUpdated, app.ID)
	return nil
}

func (b *Badger) GetApp(ctx context.Context, keyName, remotePubkey string) (*model.App, error) {
	var app model.App
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixAppIdx + model.AppKey(keyName, remotePubkey)))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return model.Err(model.KindNotFound)
			}
			return err
		}
		var id string
		if err := item.Value(func(val []byte) error { id = string(val); return nil }); err != nil {
			return err
		}
		return getJSON(txn, prefixApp+id, &app)
	})
	if err != nil {
		return nil, wrapNotFound("GetApp", err)
	}
	return &app, nil
}

func (b *Badger) GetAppByID(ctx context.Context, id string) (*model.App, error) {
	var app model.App
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixApp+id, &app)
	})
	if err != nil {
		return nil, wrapNotFound("GetAppByID", err)
	}
	return &app, nil
}

func (b *Badger) ListAppsForKey(ctx context.Context, keyName string) ([]*model.App, error) {
	all, err := b.ListAllApps(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.App
	for _, app := range all {
		if app.KeyName == keyName {
			out = append(out, app)
		}
	}
	return out, nil
}

func (b *Badger) ListAllApps(ctx context.Context) ([]*model.App, error) {
	var out []*model.App
	err := b.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, prefixApp, func(val []byte) error {
			var app model.App
			if err := json.Unmarshal(val, &app); err != nil {
				return err
			}
			out = append(out, &app)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ListAllApps: %w", err)
	}
	return out, nil
}

func (b *Badger) RevokeApp(ctx context.Context, id string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		var app model.App
		if err := getJSON(txn, prefixApp+id, &app); err != nil {
			return err
		}
		now := time.Now()
		app.RevokedAt = &now
		return putJSON(txn, prefixApp+id, &app)
	})
	if err != nil {
		return fmt.Errorf("RevokeApp: %w", err)
	}
	b.notify(eventbus.AppRevoked, id)
	return nil
}

func (b *Badger) RevokeAppsForKey(ctx context.Context, keyName string) ([]*model.App, error) {
	var revoked []*model.App
	err := b.db.Update(func(txn *badger.Txn) error {
		return iteratePrefix(txn, prefixApp, func(val []byte) error {
			var app model.App
			if err := json.Unmarshal(val, &app); err != nil {
				return err
			}
			if app.KeyName != keyName || app.RevokedAt != nil {
				return nil
			}
			now := time.Now()
			app.RevokedAt = &now
			if err := putJSON(txn, prefixApp+app.ID, &app); err != nil {
				return err
			}
			cp := app
			revoked = append(revoked, &cp)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("RevokeAppsForKey: %w", err)
	}
	if len(revoked) > 0 {
		b.notify(eventbus.AppBulkUpdated, revoked)
	}
	return revoked, nil
}

func (b *Badger) SuspendAllApps(ctx context.Context, until *time.Time) ([]*model.App, error) {
	var suspended []*model.App
	err := b.db.Update(func(txn *badger.Txn) error {
		return iteratePrefix(txn, prefixApp, func(val []byte) error {
			var app model.App
			if err := json.Unmarshal(val, &app); err != nil {
				return err
			}
			if app.RevokedAt != nil {
				return nil
			}
			now := time.Now()
			app.SuspendedAt = &now
			app.SuspendUntil = until
			if err := putJSON(txn, prefixApp+app.ID, &app); err != nil {
				return err
			}
			cp := app
			suspended = append(suspended, &cp)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("SuspendAllApps: %w", err)
	}
	if len(suspended) > 0 {
		b.notify(eventbus.AppBulkUpdated, suspended)
	}
	return suspended, nil
}

// --- Saved permissions ---

func (b *Badger) UpsertPermission(ctx context.Context, perm *model.SavedPermission) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixPerm+perm.AppID+"\x00"+model.PermissionKey(perm.Method, perm.Kind), perm)
	})
	if err != nil {
		return fmt.Errorf("UpsertPermission: %w", err)
	}
	b.notify(eventbus.AppUpdated, perm.AppID)
	return nil
}

func (b *Badger) GetPermission(ctx context.Context, appID, method string, kind *int) (*model.SavedPermission, error) {
	var perm model.SavedPermission
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixPerm+appID+"\x00"+model.PermissionKey(method, kind), &perm)
	})
	if err != nil {
		return nil, wrapNotFound("GetPermission", err)
	}
	return &perm, nil
}

func (b *Badger) ListPermissionsForApp(ctx context.Context, appID string) ([]*model.SavedPermission, error) {
	var out []*model.SavedPermission
	err := b.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, prefixPerm+appID+"\x00", func(val []byte) error {
			var perm model.SavedPermission
			if err := json.Unmarshal(val, &perm); err != nil {
				return err
			}
			out = append(out, &perm)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ListPermissionsForApp: %w", err)
	}
	return out, nil
}

// --- Pending requests ---

func (b *Badger) CreatePendingRequest(ctx context.Context, req *model.PendingRequest) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixPending+req.ID, req)
	})
	if err != nil {
		return fmt.Errorf("CreatePendingRequest: %w", err)
	}
	b.notify(eventbus.RequestCreated, req.ID)
	return nil
}

func (b *Badger) GetPendingRequest(ctx context.Context, id string) (*model.PendingRequest, error) {
	var req model.PendingRequest
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixPending+id, &req)
	})
	if err != nil {
		return nil, wrapNotFound("GetPendingRequest", err)
	}
	return &req, nil
}

func (b *Badger) SetDecision(ctx context.Context, id string, approved bool, approvalType model.ApprovalType) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		var req model.PendingRequest
		if err := getJSON(txn, prefixPending+id, &req); err != nil {
			return err
		}
		now := time.Now()
		req.Decision = &approved
		req.DecisionAt = &now
		req.ApprovalType = approvalType
		return putJSON(txn, prefixPending+id, &req)
	})
	if err != nil {
		return fmt.Errorf("SetDecision: %w", err)
	}
	if approved {
		b.notify(eventbus.RequestApproved, id)
	} else {
		b.notify(eventbus.RequestDenied, id)
	}
	return nil
}

func (b *Badger) ListUndecidedExpired(ctx context.Context, now time.Time) ([]*model.PendingRequest, error) {
	var out []*model.PendingRequest
	err := b.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, prefixPending, func(val []byte) error {
			var req model.PendingRequest
			if err := json.Unmarshal(val, &req); err != nil {
				return err
			}
			if req.Decision == nil && req.IsExpired(now) {
				out = append(out, &req)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ListUndecidedExpired: %w", err)
	}
	return out, nil
}

// --- Connection tokens ---

func (b *Badger) CreateToken(ctx context.Context, tok *model.ConnectionToken) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, prefixToken+tok.Token, tok)
	})
	if err != nil {
		return fmt.Errorf("CreateToken: %w", err)
	}
	return nil
}

func (b *Badger) GetToken(ctx context.Context, token string) (*model.ConnectionToken, error) {
	var tok model.ConnectionToken
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixToken+token, &tok)
	})
	if err != nil {
		return nil, wrapNotFound("GetToken", err)
	}
	return &tok, nil
}

// ClaimToken runs inside a single badger transaction so the read-check-write
// sequence is atomic under badger's optimistic concurrency control: a
// conflicting concurrent claim fails the transaction with ErrConflict and is
// retried, guaranteeing exactly one caller observes success for a given
// token (spec.md §3 "one-shot").
func (b *Badger) ClaimToken(ctx context.Context, token string, now time.Time) (*model.ConnectionToken, error) {
	var claimed model.ConnectionToken
	for attempt := 0; attempt < 10; attempt++ {
		err := b.db.Update(func(txn *badger.Txn) error {
			var tok model.ConnectionToken
			if err := getJSON(txn, prefixToken+token, &tok); err != nil {
				return err
			}
			if tok.IsRedeemed() {
				return model.Err(model.KindTokenAlreadyRedeemed)
			}
			if tok.IsExpired(now) {
				return model.Err(model.KindTokenExpired)
			}
			tok.RedeemedAt = &now
			if err := putJSON(txn, prefixToken+token, &tok); err != nil {
				return err
			}
			claimed = tok
			return nil
		})
		if err == nil {
			return &claimed, nil
		}
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return nil, wrapNotFound("ClaimToken", err)
	}
	return nil, fmt.Errorf("ClaimToken: exhausted retries on transaction conflicts")
}

// --- Audit ---

func (b *Badger) AppendAudit(ctx context.Context, rec *model.AuditRecord) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		seq, err := nextAuditSeq(txn)
		if err != nil {
			return err
		}
		rec.Seq = seq
		if rec.At.IsZero() {
			rec.At = time.Now()
		}
		return putJSON(txn, fmt.Sprintf("%s%020d", prefixAudit, seq), rec)
	})
	if err != nil {
		return fmt.Errorf("AppendAudit: %w", err)
	}
	b.notify(eventbus.AdminEvent, rec.Action)
	return nil
}

func nextAuditSeq(txn *badger.Txn) (uint64, error) {
	var seq uint64
	item, err := txn.Get([]byte(keyAuditSeq))
	if err == nil {
		if verr := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &seq)
		}); verr != nil {
			return 0, verr
		}
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return 0, err
	}
	seq++
	data, err := json.Marshal(seq)
	if err != nil {
		return 0, err
	}
	if err := txn.Set([]byte(keyAuditSeq), data); err != nil {
		return 0, err
	}
	return seq, nil
}

func (b *Badger) ListAudit(ctx context.Context, limit int) ([]*model.AuditRecord, error) {
	var all []*model.AuditRecord
	err := b.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, prefixAudit, func(val []byte) error {
			var rec model.AuditRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			all = append(all, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ListAudit: %w", err)
	}
	if limit > 0 && limit < len(all) {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// --- Dead man's switch ---

func (b *Badger) GetDeadManState(ctx context.Context) (*model.DeadManSwitchState, error) {
	var state model.DeadManSwitchState
	err := b.db.View(func(txn *badger.Txn) error {
		err := getJSON(txn, keyDeadman, &state)
		if model.Of(err) == model.KindNotFound {
			state = model.DeadManSwitchState{}
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetDeadManState: %w", err)
	}
	return &state, nil
}

func (b *Badger) SaveDeadManState(ctx context.Context, state *model.DeadManSwitchState) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, keyDeadman, state)
	})
	if err != nil {
		return fmt.Errorf("SaveDeadManState: %w", err)
	}
	b.notify(eventbus.DeadmanUpdated, nil)
	return nil
}

// --- Settings ---

func (b *Badger) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	found := true
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixSetting + key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				found = false
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, fmt.Errorf("GetSetting: %w", err)
	}
	return value, found, nil
}

func (b *Badger) SetSetting(ctx context.Context, key, value string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixSetting+key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("SetSetting: %w", err)
	}
	return nil
}

// --- helpers ---

func iteratePrefix(txn *badger.Txn, prefix string, fn func(val []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		if err := item.Value(func(val []byte) error {
			return fn(val)
		}); err != nil {
			return err
		}
	}
	return nil
}

func wrapNotFound(op string, err error) error {
	if model.Of(err) == model.KindNotFound {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
