// Package engine wires the auction components into one node and exposes
// the query and command surface used by the API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/events"
	"github.com/uhyunpark/veil/pkg/ledger"
	"github.com/uhyunpark/veil/pkg/round"
	"github.com/uhyunpark/veil/pkg/settlement"
	"github.com/uhyunpark/veil/pkg/stats"
	"github.com/uhyunpark/veil/pkg/storage"
	"github.com/uhyunpark/veil/pkg/timelock"
	"github.com/uhyunpark/veil/pkg/util"
)

const eventBuffer = 256

// Store is everything the node persists.
type Store interface {
	ledger.Store
	round.Store
	settlement.Sink
	Load() (storage.Snapshot, error)
}

type Config struct {
	Duration     time.Duration
	TickInterval time.Duration
	RestartDelay time.Duration
	// AutoStart opens the first round when Run starts. Later rounds always
	// start RestartDelay after the previous one completes.
	AutoStart bool

	Scheme          timelock.Scheme
	Store           Store
	Journal         ledger.Journal
	Limits          ledger.Limits
	Attester        round.Attester
	SettlementSinks []settlement.Sink
	Observers       []round.Observer
	Publisher       events.Publisher
	Clock           util.Clock
	Logger          *zap.SugaredLogger
}

type Engine struct {
	machine   *round.Machine
	ledger    *ledger.Ledger
	keys      *timelock.Service
	stats     *stats.Aggregator
	store     Store
	publisher events.Publisher
	events    chan events.Event

	tick         time.Duration
	restartDelay time.Duration
	autoStart    bool
	clock        util.Clock
	logger       *zap.SugaredLogger
}

func New(cfg Config) (*Engine, error) {
	if cfg.Scheme == nil {
		return nil, errors.New("engine: timelock scheme is required")
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	logger := util.OrNop(cfg.Logger)

	e := &Engine{
		keys:         timelock.NewService(cfg.Scheme, logger),
		stats:        stats.NewAggregator(logger),
		store:        cfg.Store,
		publisher:    cfg.Publisher,
		events:       make(chan events.Event, eventBuffer),
		tick:         cfg.TickInterval,
		restartDelay: cfg.RestartDelay,
		autoStart:    cfg.AutoStart,
		clock:        cfg.Clock,
		logger:       logger,
	}
	e.ledger = ledger.New(ledger.Config{
		Store:     cfg.Store,
		Journal:   cfg.Journal,
		Decrypter: e.keys,
		Limits:    cfg.Limits,
		Clock:     cfg.Clock,
		Logger:    logger,
	})

	sinks := append([]settlement.Sink{cfg.Store}, cfg.SettlementSinks...)
	observers := append([]round.Observer{e.stats, e}, cfg.Observers...)
	machine, err := round.NewMachine(round.Config{
		Duration:     cfg.Duration,
		Keys:         e.keys,
		Book:         e.ledger,
		Attester:     cfg.Attester,
		Settler:      settlement.NewRecorder(cfg.Clock, logger, sinks...),
		Store:        cfg.Store,
		Observers:    observers,
		OnTransition: e.onTransition,
		Clock:        cfg.Clock,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	e.machine = machine
	return e, nil
}

// Restore rebuilds in-memory state from the store: ledger, round machine,
// released identities and aggregated stats.
func (e *Engine) Restore(ctx context.Context) error {
	snap, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if err := e.ledger.Restore(snap.Orders, snap.Reveals); err != nil {
		return err
	}
	e.machine.Restore(snap.Rounds, snap.Results)

	cur := e.machine.Current()
	for _, r := range snap.Rounds {
		if r.ID < cur.ID || revealed(r.State) {
			e.keys.Release(r.ID)
		}
	}
	replayed := 0
	for _, res := range snap.Results {
		if res.RoundID < cur.ID || cur.State == auction.StateCompleted {
			e.stats.RoundCompleted(ctx, res, e.ledger.Orders(res.RoundID))
			replayed++
		}
	}
	e.logger.Infow("engine_restored",
		"round", cur.ID,
		"state", cur.State.String(),
		"orders", len(snap.Orders),
		"replayed_rounds", replayed)
	return nil
}

func revealed(s auction.RoundState) bool {
	switch s {
	case auction.StateRevealing, auction.StateClearing, auction.StateExecuting, auction.StateCompleted:
		return true
	case auction.StatePending, auction.StateActive:
		return false
	}
	return false
}

// onTransition runs under the machine lock and must not block.
func (e *Engine) onTransition(r auction.Round) {
	e.emit(events.New(events.KindRoundState, r.ID, roundState(r, e.clock.Now()), e.clock.Now()))
}

// RoundCompleted publishes the cleared result once the round is Completed.
func (e *Engine) RoundCompleted(_ context.Context, res auction.ClearingResult, _ []auction.OrderView) {
	e.emit(events.New(events.KindRoundCleared, res.RoundID, res, e.clock.Now()))
}

func roundState(r auction.Round, now time.Time) auction.RoundStatus {
	return auction.RoundStatus{
		RoundID:       r.ID,
		State:         r.State,
		StartTime:     r.StartTime,
		Duration:      r.Duration,
		TimeRemaining: r.TimeRemaining(now),
	}
}

func (e *Engine) emit(ev events.Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warnw("event_dropped", "type", ev.Kind, "round", ev.RoundID)
	}
}

// SubmitOrder records a sealed order from caller. roundID is the round the
// caller signed for and must be the Active round.
func (e *Engine) SubmitOrder(caller common.Address, roundID auction.RoundID, req auction.SubmitRequest) (auction.OrderID, error) {
	var id auction.OrderID
	err := e.machine.WithActiveRound(func(rc auction.Round) error {
		if rc.ID != roundID {
			return fmt.Errorf("order signed for round %d, active round is %d: %w", roundID, rc.ID, auction.ErrInvalidTransition)
		}
		var err error
		id, err = e.ledger.Submit(rc, caller, req)
		return err
	})
	if err != nil {
		return 0, err
	}
	e.emit(events.New(events.KindOrderSubmitted, roundID, events.OrderSubmitted{
		OrderID: id,
		Owner:   caller.Hex(),
		Side:    req.Side,
		Asset:   req.Asset,
	}, e.clock.Now()))
	return id, nil
}

// StartRound opens the next round (admin).
func (e *Engine) StartRound() (auction.Round, error) { return e.machine.StartRound() }

// ForceClear ends the Active window now and runs the remaining phases (admin).
func (e *Engine) ForceClear(ctx context.Context) (auction.RoundStatus, error) {
	if _, err := e.machine.ForceClose(); err != nil {
		return auction.RoundStatus{}, err
	}
	if err := e.machine.Advance(ctx); err != nil {
		return e.RoundStatus(), err
	}
	return e.RoundStatus(), nil
}

// SetRoundDuration applies to rounds started afterwards (admin).
func (e *Engine) SetRoundDuration(d time.Duration) error { return e.machine.SetDuration(d) }

func (e *Engine) RoundDuration() time.Duration { return e.machine.Duration() }
