package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/timborden/gateway/pkg/exchange"
	"github.com/timborden/gateway/pkg/order"
)

// Store persists tracked orders and resolved account handles in Pebble.
// It implements order.Persister and exchange.AccountCache.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) a Pebble database at path.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20),
		MemTableSize: 16 << 20,
		MaxOpenFiles: 500,
		BytesPerSync: 512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRecord writes the record synchronously.
func (s *Store) SaveRecord(r order.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(r.Owner, r.ClientOrderID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// SaveRecords writes all records in one synced batch.
func (s *Store) SaveRecords(recs []order.Record) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal order %s: %w", r.ClientOrderID, err)
		}
		if err := b.Set(orderKey(r.Owner, r.ClientOrderID), data, nil); err != nil {
			return fmt.Errorf("failed to stage order %s: %w", r.ClientOrderID, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit orders: %w", err)
	}
	return nil
}

// LoadRecord returns nil if the record doesn't exist.
func (s *Store) LoadRecord(owner common.Address, clientOrderID string) (*order.Record, error) {
	data, closer, err := s.db.Get(orderKey(owner, clientOrderID))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var r order.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &r, nil
}

// LoadRecords returns every persisted order.
func (s *Store) LoadRecords() ([]order.Record, error) {
	return s.scanRecords([]byte(prefixOrder))
}

// LoadOwnerRecords returns the persisted orders of one owner.
func (s *Store) LoadOwnerRecords(owner common.Address) ([]order.Record, error) {
	return s.scanRecords(orderPrefix(owner))
}

func (s *Store) scanRecords(prefix []byte) ([]order.Record, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var out []order.Record
	for iter.First(); iter.Valid(); iter.Next() {
		var r order.Record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("corrupt order at %s: %w", iter.Key(), err)
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

// SaveAccount caches a resolved account handle.
func (s *Store) SaveAccount(h exchange.AccountHandle) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.db.Set(accountKey(h.Owner, h.Market), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// LoadAccounts returns every cached account handle.
func (s *Store) LoadAccounts() ([]exchange.AccountHandle, error) {
	prefix := []byte(prefixAccount)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var out []exchange.AccountHandle
	for iter.First(); iter.Valid(); iter.Next() {
		var h exchange.AccountHandle
		if err := json.Unmarshal(iter.Value(), &h); err != nil {
			continue // Skip invalid entries
		}
		out = append(out, h)
	}
	return out, iter.Error()
}

var (
	_ order.Persister       = (*Store)(nil)
	_ exchange.AccountCache = (*Store)(nil)
)
