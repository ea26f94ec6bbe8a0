package hapkit_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"testing"

	"homeport/internal/entity"
	"homeport/internal/hapkit"
	"homeport/internal/infrastructure/database"
	_ "homeport/migrations"
)

func testRepo(t *testing.T) *entity.Repository {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "homeport.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return entity.NewRepository(db.DB)
}

func mustBridge(t *testing.T, repo *entity.Repository) *entity.Bridge {
	t.Helper()
	b, err := entity.NewBridge("Living Room", 51826, "111-22-333")
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := repo.CreateBridge(context.Background(), b); err != nil {
		t.Fatalf("CreateBridge() error = %v", err)
	}
	return b
}

// =============================================================================
// hap.Store adapter
// =============================================================================

func TestStoreRoundTrip(t *testing.T) {
	repo := testRepo(t)
	b := mustBridge(t, repo)
	s := hapkit.NewStore(repo, b.ID)

	if err := s.Set("keypair", []byte("ed25519")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.Get("keypair")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "ed25519" {
		t.Errorf("Get() = %q, want %q", got, "ed25519")
	}

	if err := s.Delete("keypair"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get("keypair"); err == nil {
		t.Error("Get() after Delete returned a value")
	}
}

func TestStorePairingProjection(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	b := mustBridge(t, repo)
	s := hapkit.NewStore(repo, b.ID)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	record, err := json.Marshal(map[string]any{
		"Name":       "uuid-admin",
		"PublicKey":  key,
		"Permission": 1,
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	if err := s.Set("uuid-admin.pairing", record); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := repo.GetBridge(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBridge() error = %v", err)
	}
	if got.StatusFlag != entity.StatusPaired {
		t.Errorf("StatusFlag = %q, want paired after admin pairing", got.StatusFlag)
	}
	p, ok := got.Pairings["uuid-admin"]
	if !ok {
		t.Fatal("pairing not projected onto the bridge row")
	}
	if !p.Admin || p.PublicKey != hex.EncodeToString(key) {
		t.Errorf("pairing = %+v, want admin with hex key", p)
	}

	// The raw record must be retrievable through the hap.Store interface too.
	raw, err := s.Get("uuid-admin.pairing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(raw) != string(record) {
		t.Error("raw pairing bytes differ from what was stored")
	}
	keys, err := s.KeysWithSuffix(".pairing")
	if err != nil {
		t.Fatalf("KeysWithSuffix() error = %v", err)
	}
	if len(keys) != 1 || keys[0] != "uuid-admin.pairing" {
		t.Errorf("KeysWithSuffix() = %v, want the pairing key", keys)
	}

	// Removing a pairing keeps the flag; only ResetBridge returns to
	// not_paired.
	if err := s.Delete("uuid-admin.pairing"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, err = repo.GetBridge(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBridge() error = %v", err)
	}
	if len(got.Pairings) != 0 {
		t.Errorf("Pairings = %v, want empty after delete", got.Pairings)
	}
	if got.StatusFlag != entity.StatusPaired {
		t.Errorf("StatusFlag = %q, deleting a pairing must not clear it", got.StatusFlag)
	}

	// Deleting it again is not an error; the raw key is already gone.
	if err := s.Delete("uuid-admin.pairing"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestStoreNonPairingShapeIgnored(t *testing.T) {
	repo := testRepo(t)
	b := mustBridge(t, repo)
	s := hapkit.NewStore(repo, b.ID)

	if err := s.Set("odd.pairing", []byte("not json")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := repo.GetBridge(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetBridge() error = %v", err)
	}
	if got.StatusFlag != entity.StatusNotPaired {
		t.Error("unparsable pairing record advanced the status flag")
	}
	if raw, err := s.Get("odd.pairing"); err != nil || string(raw) != "not json" {
		t.Errorf("Get() = %q, %v; raw bytes must still round trip", raw, err)
	}
}
