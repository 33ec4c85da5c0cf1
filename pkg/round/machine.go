// Package round drives a batch through its lifecycle:
//
//	Pending → Active → Revealing → Clearing → Executing → Completed
//
// The Machine is the only writer of round state. Every phase that can fail
// leaves the round where it was, so a later Advance retries it.
package round

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/clearing"
	"github.com/uhyunpark/veil/pkg/ledger"
	"github.com/uhyunpark/veil/pkg/timelock"
	"github.com/uhyunpark/veil/pkg/util"
)

var ErrInvalidDuration = errors.New("round: duration must be positive")

// KeyReleaser publishes round identities. Release must be idempotent.
type KeyReleaser interface {
	Release(round auction.RoundID) timelock.Identity
}

// OrderBook is the part of the commitment ledger the machine drives.
type OrderBook interface {
	RevealAndVerify(rc auction.Round, id timelock.Identity) (ledger.RevealReport, error)
	VerifiedOrders(round auction.RoundID) []auction.Order
	VoidOrders(round auction.RoundID) []auction.OrderID
	Orders(round auction.RoundID) []auction.OrderView
}

// ClearFunc computes the clearing result of a round.
type ClearFunc func(round auction.RoundID, orders []auction.Order, ts time.Time) (auction.ClearingResult, error)

// Attester signs clearing results.
type Attester interface {
	Attest(res auction.ClearingResult) ([]byte, error)
}

// Settler records the execution of a clearing result. It must be idempotent
// per (round, order) since a failed Executing phase is retried.
type Settler interface {
	Record(ctx context.Context, res auction.ClearingResult, orders []auction.Order) error
}

// Store persists rounds and clearing results.
type Store interface {
	SaveRound(r auction.Round) error
	SaveResult(res auction.ClearingResult) error
}

// Observer is notified once per completed round, after the round is marked
// Completed. Observers run under the machine lock and must not call back into it.
type Observer interface {
	RoundCompleted(ctx context.Context, res auction.ClearingResult, orders []auction.OrderView)
}

// TransitionFunc is called after every state change.
type TransitionFunc func(r auction.Round)

type Config struct {
	Duration     time.Duration
	Keys         KeyReleaser
	Book         OrderBook
	Clear        ClearFunc
	Attester     Attester
	Settler      Settler
	Store        Store
	Observers    []Observer
	OnTransition TransitionFunc
	Clock        util.Clock
	Logger       *zap.SugaredLogger
}

type Machine struct {
	mu       sync.RWMutex
	cur      auction.Round
	duration time.Duration
	results  map[auction.RoundID]auction.ClearingResult
	history  []auction.PricePoint

	keys      KeyReleaser
	book      OrderBook
	clear     ClearFunc
	attester  Attester
	settler   Settler
	store     Store
	observers []Observer
	onChange  TransitionFunc
	clock     util.Clock
	logger    *zap.SugaredLogger
}

func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Keys == nil || cfg.Book == nil {
		return nil, errors.New("round: key releaser and order book are required")
	}
	if cfg.Duration <= 0 {
		return nil, ErrInvalidDuration
	}
	if cfg.Clear == nil {
		cfg.Clear = clearing.Clear
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	return &Machine{
		cur:       auction.Round{State: auction.StatePending},
		duration:  cfg.Duration,
		results:   make(map[auction.RoundID]auction.ClearingResult),
		keys:      cfg.Keys,
		book:      cfg.Book,
		clear:     cfg.Clear,
		attester:  cfg.Attester,
		settler:   cfg.Settler,
		store:     cfg.Store,
		observers: cfg.Observers,
		onChange:  cfg.OnTransition,
		clock:     cfg.Clock,
		logger:    util.OrNop(cfg.Logger),
	}, nil
}

// StartRound opens the next round. Valid only when no round is in flight.
func (m *Machine) StartRound() (auction.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.cur.State {
	case auction.StatePending, auction.StateCompleted:
	case auction.StateActive, auction.StateRevealing, auction.StateClearing, auction.StateExecuting:
		return m.cur, fmt.Errorf("start round while round %d is %s: %w", m.cur.ID, m.cur.State, auction.ErrInvalidTransition)
	}

	next := auction.Round{
		ID:        m.cur.ID + 1,
		State:     auction.StateActive,
		StartTime: m.clock.Now(),
		Duration:  m.duration,
	}
	if err := m.commitLocked(next); err != nil {
		return m.cur, err
	}
	m.logger.Infow("round_started", "round", next.ID, "duration", next.Duration.String())
	return next, nil
}

// ForceClose ends the Active window now. The remaining transitions run on
// the next Advance.
func (m *Machine) ForceClose() (auction.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur.State != auction.StateActive {
		return m.cur, fmt.Errorf("force close round %d in %s: %w", m.cur.ID, m.cur.State, auction.ErrInvalidTransition)
	}
	next := m.cur
	if now := m.clock.Now(); now.Before(next.Deadline()) {
		next.ClosedAt = now
	}
	if err := m.persistLocked(next); err != nil {
		return m.cur, err
	}
	m.cur = next
	m.logger.Infow("round_force_closed", "round", next.ID, "closed_at", next.ClosedAt)
	return next, nil
}

// SetDuration changes the Active window length of rounds started from now on.
func (m *Machine) SetDuration(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidDuration
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duration = d
	m.logger.Infow("round_duration_set", "duration", d.String())
	return nil
}

func (m *Machine) Duration() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.duration
}

// WithActiveRound runs fn while the current round is Active and before its
// deadline. The round cannot leave Active until fn returns.
func (m *Machine) WithActiveRound(fn func(rc auction.Round) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rc := m.cur
	if rc.State != auction.StateActive {
		return fmt.Errorf("round %d is %s: %w", rc.ID, rc.State, auction.ErrInvalidTransition)
	}
	if !m.clock.Now().Before(rc.Deadline()) {
		return fmt.Errorf("round %d submission window closed: %w", rc.ID, auction.ErrInvalidTransition)
	}
	return fn(rc)
}

// Current returns a snapshot of the current round.
func (m *Machine) Current() auction.Round {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Status is the read-only view of the current round.
func (m *Machine) Status() auction.RoundStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return auction.RoundStatus{
		RoundID:       m.cur.ID,
		State:         m.cur.State,
		StartTime:     m.cur.StartTime,
		Duration:      m.cur.Duration,
		TimeRemaining: m.cur.TimeRemaining(m.clock.Now()),
	}
}

// Result returns the clearing result of a round once it has been computed.
func (m *Machine) Result(round auction.RoundID) (auction.ClearingResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.results[round]
	if !ok {
		return auction.ClearingResult{}, fmt.Errorf("result of round %d: %w", round, auction.ErrNotFound)
	}
	return res, nil
}

// PriceHistory returns the clearing prices of completed rounds that traded, oldest first.
func (m *Machine) PriceHistory() []auction.PricePoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]auction.PricePoint(nil), m.history...)
}

// RecentPrices returns up to n of the most recent price points, oldest first.
func (m *Machine) RecentPrices(n int) []auction.PricePoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	start := max(len(m.history)-n, 0)
	return append([]auction.PricePoint(nil), m.history[start:]...)
}

// Restore rebuilds the machine from persisted rounds and results. The
// newest round becomes current; results of rounds still in flight are kept
// so the Executing phase can resume.
func (m *Machine) Restore(rounds []auction.Round, results []auction.ClearingResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range rounds {
		if r.ID >= m.cur.ID {
			m.cur = r
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].RoundID < results[j].RoundID })
	m.history = m.history[:0]
	for _, res := range results {
		m.results[res.RoundID] = res
		completed := res.RoundID < m.cur.ID || m.cur.State == auction.StateCompleted
		if completed && res.Traded() {
			m.history = append(m.history, pricePoint(res))
		}
	}
	m.logger.Infow("round_restored", "round", m.cur.ID, "state", m.cur.State.String(), "results", len(results))
}

func pricePoint(res auction.ClearingResult) auction.PricePoint {
	return auction.PricePoint{
		RoundID:   res.RoundID,
		Price:     res.ClearingPrice,
		Volume:    res.TotalVolume,
		Timestamp: res.Timestamp,
	}
}

func (m *Machine) persistLocked(r auction.Round) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveRound(r); err != nil {
		return fmt.Errorf("save round %d: %w", r.ID, err)
	}
	return nil
}

// commitLocked persists r and makes it current.
func (m *Machine) commitLocked(r auction.Round) error {
	if err := m.persistLocked(r); err != nil {
		return err
	}
	prev := m.cur.State
	m.cur = r
	m.logger.Debugw("round_transition", "round", r.ID, "from", prev.String(), "to", r.State.String())
	if m.onChange != nil {
		m.onChange(r)
	}
	return nil
}
