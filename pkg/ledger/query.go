package ledger

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/veil/pkg/auction"
)

// VerifiedOrders returns the revealed orders of a round that passed
// verification, in ID order. These are the clearing inputs.
func (l *Ledger) VerifiedOrders(round auction.RoundID) []auction.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.books[round]
	if !ok {
		return nil
	}
	out := make([]auction.Order, 0, len(b.orders))
	for _, o := range b.orders {
		if rec, ok := b.reveals[o.ID]; ok && rec.Status == auction.RevealVerified {
			out = append(out, o)
		}
	}
	return out
}

// VoidOrders returns the IDs voided at reveal.
func (l *Ledger) VoidOrders(round auction.RoundID) []auction.OrderID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.books[round]
	if !ok {
		return nil
	}
	var out []auction.OrderID
	for _, o := range b.orders {
		if rec, ok := b.reveals[o.ID]; ok && rec.Status == auction.RevealVoid {
			out = append(out, o.ID)
		}
	}
	return out
}

// Orders returns every order of a round with its reveal status.
func (l *Ledger) Orders(round auction.RoundID) []auction.OrderView {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.books[round]
	if !ok {
		return nil
	}
	out := make([]auction.OrderView, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, viewOf(b, o))
	}
	return out
}

// OrdersByOwner returns every order of owner across rounds, oldest first.
func (l *Ledger) OrdersByOwner(owner common.Address) []auction.OrderView {
	l.mu.RLock()
	defer l.mu.RUnlock()
	refs := l.byOwner[owner]
	out := make([]auction.OrderView, 0, len(refs))
	for _, ref := range refs {
		b := l.books[ref.round]
		out = append(out, viewOf(b, b.orders[ref.id-1]))
	}
	return out
}

// Count returns the number of orders accepted in a round.
func (l *Ledger) Count(round auction.RoundID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.books[round]; ok {
		return len(b.orders)
	}
	return 0
}

// Summary aggregates the declared sizes of a round.
func (l *Ledger) Summary(round auction.RoundID) auction.OrderBookSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := auction.OrderBookSummary{RoundID: round}
	b, ok := l.books[round]
	if !ok {
		return s
	}
	for _, o := range b.orders {
		switch o.Side {
		case auction.SideBuy:
			s.BuyOrders++
			s.BuyVolume += o.Amount
		case auction.SideSell:
			s.SellOrders++
			s.SellVolume += o.Amount
		}
	}
	return s
}

func viewOf(b *book, o auction.Order) auction.OrderView {
	v := auction.OrderView{Order: o, Status: auction.RevealSealed}
	if rec, ok := b.reveals[o.ID]; ok {
		v.Status = rec.Status
		v.Reason = rec.Reason
	}
	return v
}

// Redact hides the declared amount and price of orders whose round is still
// accepting submissions.
func Redact(views []auction.OrderView, open func(auction.RoundID) bool) []auction.OrderView {
	out := make([]auction.OrderView, len(views))
	for i, v := range views {
		if open(v.RoundID) {
			v.Order = v.Order.Sealed()
		}
		out[i] = v
	}
	return out
}
