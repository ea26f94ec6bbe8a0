package hapkit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"homeport/internal/entity"
)

// pairingSuffix is the key suffix the HAP library uses for pairing
// records.
const pairingSuffix = ".pairing"

// hapPairing mirrors the HAP library's persisted pairing record.
type hapPairing struct {
	Name       string `json:"Name"`
	PublicKey  []byte `json:"PublicKey"`
	Permission byte   `json:"Permission"`
}

// Store adapts the entity repository to the hap.Store interface for one
// bridge. All keys live in the bridge's key-value table; pairing keys are
// additionally projected onto the Bridge row so the pairing record and
// the paired status flag commit in the same transaction. A failed save
// never advances the status flag.
type Store struct {
	repo     *entity.Repository
	bridgeID int64
}

// NewStore builds the hap.Store projection for one bridge row.
func NewStore(repo *entity.Repository, bridgeID int64) *Store {
	return &Store{repo: repo, bridgeID: bridgeID}
}

// Get implements hap.Store.
func (s *Store) Get(key string) ([]byte, error) {
	return s.repo.StoreGet(context.Background(), s.bridgeID, key)
}

// Set implements hap.Store. Pairing keys also update the Bridge row's
// pairing map and flip the status flag on the first admin pairing.
func (s *Store) Set(key string, value []byte) error {
	ctx := context.Background()
	if err := s.repo.StoreSet(ctx, s.bridgeID, key, value); err != nil {
		return err
	}
	if !strings.HasSuffix(key, pairingSuffix) {
		return nil
	}

	var p hapPairing
	if err := json.Unmarshal(value, &p); err != nil {
		// Not the library's pairing shape; the raw bytes are stored, the
		// projection just skips it.
		return nil
	}
	uuid := strings.TrimSuffix(key, pairingSuffix)
	return s.repo.SavePairing(ctx, s.bridgeID, uuid, entity.Pairing{
		PublicKey: hex.EncodeToString(p.PublicKey),
		Admin:     p.Permission == 1,
	})
}

// Delete implements hap.Store.
func (s *Store) Delete(key string) error {
	ctx := context.Background()
	if err := s.repo.StoreDelete(ctx, s.bridgeID, key); err != nil {
		return err
	}
	if !strings.HasSuffix(key, pairingSuffix) {
		return nil
	}
	uuid := strings.TrimSuffix(key, pairingSuffix)
	err := s.repo.DeletePairing(ctx, s.bridgeID, uuid)
	if errors.Is(err, entity.ErrNotFound) {
		return nil
	}
	return err
}

// KeysWithSuffix implements hap.Store.
func (s *Store) KeysWithSuffix(suffix string) ([]string, error) {
	return s.repo.StoreKeysWithSuffix(context.Background(), s.bridgeID, suffix)
}
