package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/uhyunpark/veil/pkg/auction"
)

type orderRef struct {
	round auction.RoundID
	order auction.OrderID
}

// Snapshot is the persisted state of a node, each slice in ID order.
type Snapshot struct {
	Rounds  []auction.Round
	Results []auction.ClearingResult
	Orders  []auction.Order
	Reveals []auction.RevealRecord
}

// MemoryStore keeps everything in maps. Used by tests and by nodes started
// without a data directory.
type MemoryStore struct {
	mu          sync.Mutex
	rounds      map[auction.RoundID]auction.Round
	results     map[auction.RoundID]auction.ClearingResult
	orders      map[orderRef]auction.Order
	reveals     map[orderRef]auction.RevealRecord
	settlements map[orderRef]auction.Settlement
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:      make(map[auction.RoundID]auction.Round),
		results:     make(map[auction.RoundID]auction.ClearingResult),
		orders:      make(map[orderRef]auction.Order),
		reveals:     make(map[orderRef]auction.RevealRecord),
		settlements: make(map[orderRef]auction.Settlement),
	}
}

func (s *MemoryStore) SaveOrder(o auction.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[orderRef{o.RoundID, o.ID}] = o
	return nil
}

func (s *MemoryStore) SaveReveal(r auction.RevealRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reveals[orderRef{r.RoundID, r.OrderID}] = r
	return nil
}

func (s *MemoryStore) SaveRound(r auction.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[r.ID] = r
	return nil
}

func (s *MemoryStore) SaveResult(res auction.ClearingResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[res.RoundID] = res
	return nil
}

func (s *MemoryStore) SaveSettlements(_ context.Context, settlements []auction.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range settlements {
		ref := orderRef{st.RoundID, st.OrderID}
		if _, ok := s.settlements[ref]; !ok {
			s.settlements[ref] = st
		}
	}
	return nil
}

func (s *MemoryStore) Settlements(round auction.RoundID) ([]auction.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auction.Settlement
	for ref, st := range s.settlements {
		if ref.round == round {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (s *MemoryStore) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap Snapshot
	for _, r := range s.rounds {
		snap.Rounds = append(snap.Rounds, r)
	}
	sort.Slice(snap.Rounds, func(i, j int) bool { return snap.Rounds[i].ID < snap.Rounds[j].ID })
	for _, res := range s.results {
		snap.Results = append(snap.Results, res)
	}
	sort.Slice(snap.Results, func(i, j int) bool { return snap.Results[i].RoundID < snap.Results[j].RoundID })
	for _, o := range s.orders {
		snap.Orders = append(snap.Orders, o)
	}
	sort.Slice(snap.Orders, func(i, j int) bool { return less(snap.Orders[i].RoundID, snap.Orders[i].ID, snap.Orders[j].RoundID, snap.Orders[j].ID) })
	for _, r := range s.reveals {
		snap.Reveals = append(snap.Reveals, r)
	}
	sort.Slice(snap.Reveals, func(i, j int) bool {
		return less(snap.Reveals[i].RoundID, snap.Reveals[i].OrderID, snap.Reveals[j].RoundID, snap.Reveals[j].OrderID)
	})
	return snap, nil
}

func less(ra auction.RoundID, oa auction.OrderID, rb auction.RoundID, ob auction.OrderID) bool {
	if ra != rb {
		return ra < rb
	}
	return oa < ob
}
