package vault

import (
	"context"
	"testing"

	"github.com/mroxso/signetd/internal/cryptoutil"
	"github.com/mroxso/signetd/internal/model"
	"github.com/mroxso/signetd/internal/store"
)

func TestCreateGenerateThenSign(t *testing.T) {
	ctx := context.Background()
	v := New(store.NewMemory(nil), nil, nil, nil)

	if err := v.Create(ctx, "alice", SourceGenerate, "", model.EncryptionNone, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !v.IsActive("alice") {
		t.Fatal("expected a generated plaintext key to be immediately active")
	}

	evt, err := v.Sign("alice", cryptoutil.UnsignedEvent{Kind: 1, Content: "hello"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := cryptoutil.VerifySignature(evt)
	if err != nil || !ok {
		t.Fatalf("expected valid signature, ok=%v err=%v", ok, err)
	}
}

func TestEncryptLockUnlockRoundTripNIP49(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory(nil)
	v := New(repo, nil, nil, nil)

	if err := v.Create(ctx, "alice", SourceGenerate, "", model.EncryptionNone, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	pub, _ := v.ActivePubKey("alice")

	if err := v.Encrypt(ctx, "alice", "s3cr3t-pass", model.EncryptionNIP49); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := v.Lock(ctx, "alice"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if v.IsActive("alice") {
		t.Fatal("expected alice to be locked")
	}

	ok, err := v.VerifyPassphrase(ctx, "alice", "wrong-pass")
	if err != nil {
		t.Fatalf("verify wrong passphrase: %v", err)
	}
	if ok {
		t.Fatal("expected wrong passphrase to fail verification")
	}

	if err := v.Unlock(ctx, "alice", "s3cr3t-pass"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if !v.IsActive("alice") {
		t.Fatal("expected alice to be active after unlock")
	}
	if gotPub, _ := v.ActivePubKey("alice"); gotPub != pub {
		t.Fatalf("expected pubkey to survive the encrypt/lock/unlock cycle: got %s want %s", gotPub, pub)
	}
}

func TestEncryptLockUnlockRoundTripLegacy(t *testing.T) {
	ctx := context.Background()
	v := New(store.NewMemory(nil), nil, nil, nil)

	if err := v.Create(ctx, "bob", SourceGenerate, "", model.EncryptionNone, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Encrypt(ctx, "bob", "legacy-pass", model.EncryptionLegacy); err != nil {
		t.Fatalf("encrypt legacy: %v", err)
	}
	if err := v.Lock(ctx, "bob"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := v.Unlock(ctx, "bob", "legacy-pass"); err != nil {
		t.Fatalf("unlock legacy: %v", err)
	}
	if !v.IsActive("bob") {
		t.Fatal("expected bob to be active after unlocking the legacy-wrapped record")
	}
}

func TestLockRefusesPlaintextKey(t *testing.T) {
	ctx := context.Background()
	v := New(store.NewMemory(nil), nil, nil, nil)
	if err := v.Create(ctx, "alice", SourceGenerate, "", model.EncryptionNone, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Lock(ctx, "alice"); model.Of(err) != model.KindNotEncrypted {
		t.Fatalf("expected KindNotEncrypted, got %v", err)
	}
}

func TestMigrateLegacyToNIP49(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory(nil)
	v := New(repo, nil, nil, nil)

	if err := v.Create(ctx, "alice", SourceGenerate, "", model.EncryptionNone, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Encrypt(ctx, "alice", "pass1", model.EncryptionLegacy); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := v.Migrate(ctx, "alice", "pass1"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rec, err := repo.GetKeyRecord(ctx, "alice")
	if err != nil {
		t.Fatalf("get key record: %v", err)
	}
	if rec.Encryption() != model.EncryptionNIP49 {
		t.Fatalf("expected nip49 encryption after migrate, got %s", rec.Encryption())
	}
	if len(rec.LegacyCiphertext) != 0 {
		t.Fatal("expected legacy ciphertext to be cleared after migrate")
	}
}

func TestLockAllOnlyLocksEncryptedKeys(t *testing.T) {
	ctx := context.Background()
	v := New(store.NewMemory(nil), nil, nil, nil)

	if err := v.Create(ctx, "plain", SourceGenerate, "", model.EncryptionNone, ""); err != nil {
		t.Fatalf("create plain: %v", err)
	}
	if err := v.Create(ctx, "wrapped", SourceGenerate, "", model.EncryptionNone, ""); err != nil {
		t.Fatalf("create wrapped: %v", err)
	}
	if err := v.Encrypt(ctx, "wrapped", "pass", model.EncryptionNIP49); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := v.Unlock(ctx, "wrapped", "pass"); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	locked := v.LockAll(ctx)
	if len(locked) != 1 || locked[0] != "wrapped" {
		t.Fatalf("expected only the encrypted key to be locked, got %v", locked)
	}
	if !v.IsActive("plain") {
		t.Fatal("expected the plaintext key to remain active")
	}
}

func TestRenameKeepsKeyActive(t *testing.T) {
	ctx := context.Background()
	v := New(store.NewMemory(nil), nil, nil, nil)
	if err := v.Create(ctx, "alice", SourceGenerate, "", model.EncryptionNone, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	pub, _ := v.ActivePubKey("alice")

	if err := v.Rename(ctx, "alice", "alice2"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if v.IsActive("alice") {
		t.Fatal("old name should no longer be active")
	}
	if gotPub, ok := v.ActivePubKey("alice2"); !ok || gotPub != pub {
		t.Fatalf("expected renamed key to stay active under the new name, ok=%v pub=%s want=%s", ok, gotPub, pub)
	}
}
