package engine

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/ledger"
	"github.com/uhyunpark/veil/pkg/timelock"
)

func (e *Engine) RoundStatus() auction.RoundStatus {
	st := e.machine.Status()
	st.Orders = e.ledger.Count(st.RoundID)
	return st
}

// OrderBook returns the public aggregates of the current round.
func (e *Engine) OrderBook() auction.OrderBookSummary {
	return e.ledger.Summary(e.machine.Current().ID)
}

// UserOrders lists owner's orders. Declared values of orders in a round that
// is still accepting submissions are redacted.
func (e *Engine) UserOrders(owner common.Address) []auction.OrderView {
	return ledger.Redact(e.ledger.OrdersByOwner(owner), e.openRound())
}

// RoundOrders is the audit view of a round: every accepted order, void ones
// included, with its reveal status. Declared values stay redacted while the
// round accepts submissions. Unknown rounds have no orders.
func (e *Engine) RoundOrders(id auction.RoundID) []auction.OrderView {
	return ledger.Redact(e.ledger.Orders(id), e.openRound())
}

// openRound reports whether a round still accepts submissions.
func (e *Engine) openRound() func(auction.RoundID) bool {
	cur := e.machine.Current()
	return func(id auction.RoundID) bool {
		return id == cur.ID && (cur.State == auction.StateActive || cur.State == auction.StatePending)
	}
}

func (e *Engine) RoundResult(id auction.RoundID) (auction.ClearingResult, error) {
	return e.machine.Result(id)
}

// CurrentResult returns the clearing result of the current round, which
// exists from the Clearing phase on.
func (e *Engine) CurrentResult() (auction.ClearingResult, error) {
	return e.machine.Result(e.machine.Current().ID)
}

func (e *Engine) RoundLeaderboard(id auction.RoundID) ([]auction.LeaderboardEntry, error) {
	return e.stats.RoundLeaderboard(id)
}

func (e *Engine) GlobalLeaderboard(limit int) []auction.LeaderboardEntry {
	return e.stats.GlobalLeaderboard(limit)
}

func (e *Engine) PriceHistory() []auction.PricePoint { return e.machine.PriceHistory() }

func (e *Engine) RecentPrices(n int) []auction.PricePoint { return e.machine.RecentPrices(n) }

func (e *Engine) PublicKey() timelock.PublicKey { return e.keys.MasterPublicKey() }

// RoundIdentity returns the released decryption identity of a round.
func (e *Engine) RoundIdentity(id auction.RoundID) (timelock.Identity, error) {
	return e.keys.RoundIdentity(id)
}

func (e *Engine) UserStats(owner common.Address) (auction.UserStats, error) {
	return e.stats.UserStats(owner)
}

func (e *Engine) UserRoundSurplus(owner common.Address, id auction.RoundID) int64 {
	return e.stats.UserRoundSurplus(owner, id)
}

func (e *Engine) PlatformStats() auction.PlatformStats { return e.stats.PlatformStats() }
