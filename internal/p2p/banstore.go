package p2p

import (
	"fmt"
	"time"

	"github.com/Klingon-tech/tokenwire/internal/storage"
	"github.com/Klingon-tech/tokenwire/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

const banKeyPrefix = "ban/"

// BanRecord is a persisted ban entry.
type BanRecord struct {
	_         struct{} `cbor:",toarray"`
	ID        string   // base58 peer ID
	Reason    string
	Score     int
	BannedAt  int64 // unix seconds
	ExpiresAt int64 // unix seconds, 0 = permanent
}

// IsExpired reports whether a ban with an expiry has run out.
func (r *BanRecord) IsExpired() bool {
	return r.expiredAt(time.Now())
}

func (r *BanRecord) expiredAt(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// BanStore persists ban records in a storage.DB under the "ban/" prefix.
type BanStore struct {
	db *storage.PrefixDB
}

// NewBanStore creates a new BanStore backed by the given DB.
func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{db: storage.NewPrefixDB(db, []byte(banKeyPrefix))}
}

func banKey(id string) []byte {
	return []byte(id)
}

// Get retrieves a ban record by peer ID.
func (bs *BanStore) Get(id peer.ID) (*BanRecord, error) {
	data, err := bs.db.Get(banKey(id.String()))
	if err != nil {
		return nil, err
	}
	var rec BanRecord
	if err := types.Cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode ban record: %w", err)
	}
	return &rec, nil
}

// Put persists a ban record.
func (bs *BanStore) Put(rec *BanRecord) error {
	data, err := types.Cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode ban record: %w", err)
	}
	return bs.db.Put(banKey(rec.ID), data)
}

// Delete removes a ban record.
func (bs *BanStore) Delete(id peer.ID) error {
	return bs.db.Delete(banKey(id.String()))
}

// ForEach iterates over all ban records, skipping corrupt ones.
func (bs *BanStore) ForEach(fn func(*BanRecord) error) error {
	return bs.db.ForEach(nil, func(_, value []byte) error {
		var rec BanRecord
		if err := types.Cbor.Unmarshal(value, &rec); err != nil {
			return nil
		}
		return fn(&rec)
	})
}

// PruneExpired removes expired and corrupt ban records in one batch.
// Returns the number pruned.
func (bs *BanStore) PruneExpired() (int, error) {
	return bs.db.DeleteWhere(nil, func(_, value []byte) bool {
		var rec BanRecord
		if err := types.Cbor.Unmarshal(value, &rec); err != nil {
			return true
		}
		return rec.IsExpired()
	})
}
