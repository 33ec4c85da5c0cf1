package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/veil/pkg/auction"
)

// PebbleStore persists the node's rounds, orders, reveals, results and
// settlements as JSON values.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) put(key []byte, v any, opts *pebble.WriteOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return s.db.Set(key, data, opts)
}

func (s *PebbleStore) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func scan[T any](db *pebble.DB, prefix string) ([]T, error) {
	lower := []byte(prefix)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound(lower),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []T
	for iter.First(); iter.Valid(); iter.Next() {
		var v T
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			return nil, fmt.Errorf("decode %q: %w", iter.Key(), err)
		}
		out = append(out, v)
	}
	return out, iter.Error()
}

// SaveOrder persists a submitted order. Orders are written with Sync since an
// acknowledged submission must survive a crash.
func (s *PebbleStore) SaveOrder(o auction.Order) error {
	if err := s.put(orderKey(o.RoundID, o.ID), o, pebble.Sync); err != nil {
		return fmt.Errorf("save order %d/%d: %w", o.RoundID, o.ID, err)
	}
	return nil
}

func (s *PebbleStore) SaveReveal(r auction.RevealRecord) error {
	if err := s.put(revealKey(r.RoundID, r.OrderID), r, pebble.Sync); err != nil {
		return fmt.Errorf("save reveal %d/%d: %w", r.RoundID, r.OrderID, err)
	}
	return nil
}

func (s *PebbleStore) SaveRound(r auction.Round) error {
	if err := s.put(roundKey(r.ID), r, pebble.Sync); err != nil {
		return fmt.Errorf("save round %d: %w", r.ID, err)
	}
	return nil
}

func (s *PebbleStore) SaveResult(res auction.ClearingResult) error {
	if err := s.put(resultKey(res.RoundID), res, pebble.Sync); err != nil {
		return fmt.Errorf("save result %d: %w", res.RoundID, err)
	}
	return nil
}

// SaveSettlements writes the batch atomically, skipping settlements already stored.
func (s *PebbleStore) SaveSettlements(_ context.Context, settlements []auction.Settlement) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, st := range settlements {
		k := settlementKey(st.RoundID, st.OrderID)
		ok, err := s.has(k)
		if err != nil {
			return fmt.Errorf("lookup settlement %s: %w", st.ID, err)
		}
		if ok {
			continue
		}
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("failed to marshal settlement: %w", err)
		}
		if err := b.Set(k, data, nil); err != nil {
			return err
		}
	}
	if b.Empty() {
		return nil
	}
	return b.Commit(pebble.Sync)
}

// Settlements returns the settlements of one round in order ID order.
func (s *PebbleStore) Settlements(round auction.RoundID) ([]auction.Settlement, error) {
	return scan[auction.Settlement](s.db, string(key(prefixSettlement, uint64(round))))
}

// Load reads everything needed to rebuild in-memory state at startup.
func (s *PebbleStore) Load() (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	if snap.Rounds, err = scan[auction.Round](s.db, prefixRound); err != nil {
		return Snapshot{}, fmt.Errorf("load rounds: %w", err)
	}
	if snap.Results, err = scan[auction.ClearingResult](s.db, prefixResult); err != nil {
		return Snapshot{}, fmt.Errorf("load results: %w", err)
	}
	if snap.Orders, err = scan[auction.Order](s.db, prefixOrder); err != nil {
		return Snapshot{}, fmt.Errorf("load orders: %w", err)
	}
	if snap.Reveals, err = scan[auction.RevealRecord](s.db, prefixReveal); err != nil {
		return Snapshot{}, fmt.Errorf("load reveals: %w", err)
	}
	return snap, nil
}
