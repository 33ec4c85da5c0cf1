// Package ledger records sealed order commitments for each round and verifies
// them once the round identity has been released.
package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/timelock"
	"github.com/uhyunpark/veil/pkg/util"
)

// Store persists orders and reveal outcomes. A failed write leaves the
// ledger's in-memory state unchanged.
type Store interface {
	SaveOrder(o auction.Order) error
	SaveReveal(r auction.RevealRecord) error
}

// Journal receives one line per accepted submission and reveal outcome.
type Journal interface {
	Append(line string)
}

// Decrypter opens payloads sealed to a round identity.
type Decrypter interface {
	Decrypt(ciphertext []byte, id timelock.Identity) ([]byte, error)
}

// Limits bound the declared values accepted at submission.
type Limits struct {
	MaxAmount     int64
	MaxPriceLimit int64
	MaxPayload    int
}

func DefaultLimits() Limits {
	return Limits{
		MaxAmount:     1_000_000_000_000,
		MaxPriceLimit: 1_000_000_000_000,
		MaxPayload:    4096,
	}
}

type book struct {
	orders      []auction.Order // orders[i].ID == i+1
	reveals     map[auction.OrderID]auction.RevealRecord
	commitments map[string]auction.OrderID
}

func newBook() *book {
	return &book{
		reveals:     make(map[auction.OrderID]auction.RevealRecord),
		commitments: make(map[string]auction.OrderID),
	}
}

type orderRef struct {
	round auction.RoundID
	id    auction.OrderID
}

type Ledger struct {
	mu      sync.RWMutex
	books   map[auction.RoundID]*book
	byOwner map[common.Address][]orderRef

	store     Store
	journal   Journal
	decrypter Decrypter
	limits    Limits
	clock     util.Clock
	logger    *zap.SugaredLogger
}

type Config struct {
	Store     Store
	Journal   Journal
	Decrypter Decrypter
	Limits    Limits
	Clock     util.Clock
	Logger    *zap.SugaredLogger
}

func New(cfg Config) *Ledger {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	if cfg.Journal == nil {
		cfg.Journal = nopJournal{}
	}
	return &Ledger{
		books:     make(map[auction.RoundID]*book),
		byOwner:   make(map[common.Address][]orderRef),
		store:     cfg.Store,
		journal:   cfg.Journal,
		decrypter: cfg.Decrypter,
		limits:    cfg.Limits,
		clock:     cfg.Clock,
		logger:    util.OrNop(cfg.Logger),
	}
}

type nopJournal struct{}

func (nopJournal) Append(string) {}

// Submit validates and records a sealed order for the round described by rc
// and returns its ID. Callers must hold the round state stable for the
// duration of the call (see round.Machine.WithActiveRound).
func (l *Ledger) Submit(rc auction.Round, caller common.Address, req auction.SubmitRequest) (auction.OrderID, error) {
	if rc.State != auction.StateActive {
		return 0, fmt.Errorf("submit in round %d (%s): %w", rc.ID, rc.State, auction.ErrInvalidTransition)
	}
	if caller == (common.Address{}) {
		return 0, fmt.Errorf("submit: anonymous caller: %w", auction.ErrUnauthorized)
	}
	if err := l.validate(req); err != nil {
		return 0, err
	}

	commitment := strings.ToLower(req.CommitmentHash)

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bookLocked(rc.ID)
	if prev, dup := b.commitments[commitment]; dup {
		return 0, fmt.Errorf("commitment already used by order %d: %w", prev, auction.ErrInvalidOrder)
	}

	o := auction.Order{
		ID:               auction.OrderID(len(b.orders) + 1),
		RoundID:          rc.ID,
		Owner:            caller,
		Side:             req.Side,
		Asset:            req.Asset,
		Amount:           req.Amount,
		PriceLimit:       req.PriceLimit,
		CreatedAt:        l.clock.Now(),
		EncryptedPayload: append([]byte(nil), req.EncryptedPayload...),
		CommitmentHash:   commitment,
	}
	if l.store != nil {
		if err := l.store.SaveOrder(o); err != nil {
			return 0, fmt.Errorf("save order: %w", err)
		}
	}
	l.indexLocked(b, o)
	l.journalf("submit", map[string]any{
		"round": o.RoundID, "order": o.ID, "owner": o.Owner.Hex(), "commitment": o.CommitmentHash,
	})
	l.logger.Debugw("order_submitted", "round", o.RoundID, "order", o.ID, "owner", o.Owner.Hex())
	return o.ID, nil
}

func (l *Ledger) validate(req auction.SubmitRequest) error {
	switch {
	case req.Amount <= 0:
		return fmt.Errorf("amount %d must be positive: %w", req.Amount, auction.ErrInvalidOrder)
	case req.PriceLimit <= 0:
		return fmt.Errorf("price limit %d must be positive: %w", req.PriceLimit, auction.ErrInvalidOrder)
	case req.Amount > l.limits.MaxAmount:
		return fmt.Errorf("amount %d above %d: %w", req.Amount, l.limits.MaxAmount, auction.ErrInvalidOrder)
	case req.PriceLimit > l.limits.MaxPriceLimit:
		return fmt.Errorf("price limit %d above %d: %w", req.PriceLimit, l.limits.MaxPriceLimit, auction.ErrInvalidOrder)
	case !req.Side.Valid():
		return fmt.Errorf("side %d: %w", req.Side, auction.ErrInvalidOrder)
	case !req.Asset.Valid():
		return fmt.Errorf("asset %q: %w", req.Asset, auction.ErrInvalidOrder)
	case len(req.EncryptedPayload) == 0:
		return fmt.Errorf("empty payload: %w", auction.ErrInvalidOrder)
	case len(req.EncryptedPayload) > l.limits.MaxPayload:
		return fmt.Errorf("payload of %d bytes above %d: %w", len(req.EncryptedPayload), l.limits.MaxPayload, auction.ErrInvalidOrder)
	case !auction.ValidCommitment(req.CommitmentHash):
		return fmt.Errorf("commitment %q is not a sha256 hex digest: %w", req.CommitmentHash, auction.ErrInvalidOrder)
	}
	return nil
}

func (l *Ledger) bookLocked(round auction.RoundID) *book {
	b, ok := l.books[round]
	if !ok {
		b = newBook()
		l.books[round] = b
	}
	return b
}

func (l *Ledger) indexLocked(b *book, o auction.Order) {
	b.orders = append(b.orders, o)
	b.commitments[o.CommitmentHash] = o.ID
	l.byOwner[o.Owner] = append(l.byOwner[o.Owner], orderRef{round: o.RoundID, id: o.ID})
}

func (l *Ledger) journalf(event string, fields map[string]any) {
	fields["event"] = event
	line, err := json.Marshal(fields)
	if err != nil {
		l.logger.Warnw("journal_marshal_failed", "event", event, "err", err)
		return
	}
	l.journal.Append(string(line))
}

// Restore rebuilds the in-memory index from persisted orders and reveal records.
func (l *Ledger) Restore(orders []auction.Order, reveals []auction.RevealRecord) error {
	sorted := append([]auction.Order(nil), orders...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].RoundID != sorted[j].RoundID {
			return sorted[i].RoundID < sorted[j].RoundID
		}
		return sorted[i].ID < sorted[j].ID
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range sorted {
		b := l.bookLocked(o.RoundID)
		if want := auction.OrderID(len(b.orders) + 1); o.ID != want {
			return fmt.Errorf("restore round %d: order %d found, expected %d", o.RoundID, o.ID, want)
		}
		l.indexLocked(b, o)
	}
	for _, r := range reveals {
		b, ok := l.books[r.RoundID]
		if !ok || int(r.OrderID) > len(b.orders) || r.OrderID == 0 {
			return fmt.Errorf("restore reveal for unknown order %d/%d", r.RoundID, r.OrderID)
		}
		b.reveals[r.OrderID] = r
	}
	return nil
}
