// Package stats keeps per-identity running totals and leaderboards derived
// from completed rounds.
package stats

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/util"
)

type userState struct {
	stats       auction.UserStats
	firstSubmit time.Time
}

type roundStanding struct {
	entry       auction.LeaderboardEntry
	firstSubmit time.Time
}

// Aggregator is fed completed rounds and answers read-only queries. Feeding
// the same round twice has no effect.
type Aggregator struct {
	mu        sync.RWMutex
	processed map[auction.RoundID]bool
	users     map[common.Address]*userState
	rounds    map[auction.RoundID][]auction.LeaderboardEntry
	platform  auction.PlatformStats
	logger    *zap.SugaredLogger
}

func NewAggregator(logger *zap.SugaredLogger) *Aggregator {
	return &Aggregator{
		processed: make(map[auction.RoundID]bool),
		users:     make(map[common.Address]*userState),
		rounds:    make(map[auction.RoundID][]auction.LeaderboardEntry),
		logger:    util.OrNop(logger),
	}
}

// RoundCompleted folds a completed round into the totals. orders must hold
// every order of the round, void ones included.
func (a *Aggregator) RoundCompleted(_ context.Context, res auction.ClearingResult, orders []auction.OrderView) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.processed[res.RoundID] {
		return
	}
	a.processed[res.RoundID] = true

	matches := make(map[auction.OrderID]auction.OrderMatch, len(res.Matches))
	for _, m := range res.Matches {
		matches[m.OrderID] = m
	}

	standings := make(map[common.Address]*roundStanding)
	for _, o := range orders {
		s, ok := standings[o.Owner]
		if !ok {
			s = &roundStanding{entry: auction.LeaderboardEntry{Owner: o.Owner}, firstSubmit: o.CreatedAt}
			standings[o.Owner] = s
		}
		if o.CreatedAt.Before(s.firstSubmit) {
			s.firstSubmit = o.CreatedAt
		}
		s.entry.Orders++
		if m, ok := matches[o.ID]; ok && m.Filled {
			s.entry.Filled++
			s.entry.Surplus += m.Surplus
		}
	}

	ranked := make([]roundStanding, 0, len(standings))
	for owner, s := range standings {
		u, ok := a.users[owner]
		if !ok {
			u = &userState{stats: auction.UserStats{Owner: owner}, firstSubmit: s.firstSubmit}
			a.users[owner] = u
		}
		if s.firstSubmit.Before(u.firstSubmit) {
			u.firstSubmit = s.firstSubmit
		}
		u.stats.TotalOrders += s.entry.Orders
		u.stats.FilledOrders += s.entry.Filled
		u.stats.TotalSurplus += s.entry.Surplus
		u.stats.RoundsParticipated++

		s.entry.FillRateBps = fillRateBps(s.entry.Filled, s.entry.Orders)
		ranked = append(ranked, *s)
	}
	sortStandings(ranked)
	entries := make([]auction.LeaderboardEntry, len(ranked))
	for i, s := range ranked {
		entries[i] = s.entry
		entries[i].Rank = i + 1
	}
	a.rounds[res.RoundID] = entries

	a.platform.TotalOrders += int64(len(orders))
	a.platform.TotalRounds++
	a.platform.TotalVolume += res.TotalVolume
	a.platform.TotalSurplus += res.TotalSurplus
	a.platform.TotalUsers = int64(len(a.users))

	a.logger.Infow("round_stats_aggregated", "round", res.RoundID, "participants", len(entries))
}

// sortStandings orders by surplus desc, fill rate desc, earliest submission
// asc and finally address bytes asc. Fill rates are compared exactly by
// cross multiplication.
func sortStandings(s []roundStanding) {
	sort.Slice(s, func(i, j int) bool {
		a, b := s[i], s[j]
		if a.entry.Surplus != b.entry.Surplus {
			return a.entry.Surplus > b.entry.Surplus
		}
		if c := compareFillRate(a.entry, b.entry); c != 0 {
			return c > 0
		}
		if !a.firstSubmit.Equal(b.firstSubmit) {
			return a.firstSubmit.Before(b.firstSubmit)
		}
		return bytes.Compare(a.entry.Owner[:], b.entry.Owner[:]) < 0
	})
}

func compareFillRate(a, b auction.LeaderboardEntry) int {
	l := a.Filled * b.Orders
	r := b.Filled * a.Orders
	switch {
	case l > r:
		return 1
	case l < r:
		return -1
	}
	return 0
}

func fillRateBps(filled, orders int64) int64 {
	if orders == 0 {
		return 0
	}
	return filled * 10_000 / orders
}

// UserStats returns the totals of owner.
func (a *Aggregator) UserStats(owner common.Address) (auction.UserStats, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	u, ok := a.users[owner]
	if !ok {
		return auction.UserStats{}, fmt.Errorf("stats of %s: %w", owner.Hex(), auction.ErrNotFound)
	}
	return u.stats, nil
}

// UserRoundSurplus returns owner's surplus in one round, 0 if absent.
func (a *Aggregator) UserRoundSurplus(owner common.Address, round auction.RoundID) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, e := range a.rounds[round] {
		if e.Owner == owner {
			return e.Surplus
		}
	}
	return 0
}

// RoundLeaderboard returns the ranking of a completed round.
func (a *Aggregator) RoundLeaderboard(round auction.RoundID) ([]auction.LeaderboardEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entries, ok := a.rounds[round]
	if !ok {
		return nil, fmt.Errorf("leaderboard of round %d: %w", round, auction.ErrNotFound)
	}
	return append([]auction.LeaderboardEntry(nil), entries...), nil
}

// GlobalLeaderboard ranks every identity by cumulative totals. limit <= 0 returns all.
func (a *Aggregator) GlobalLeaderboard(limit int) []auction.LeaderboardEntry {
	a.mu.RLock()
	ranked := make([]roundStanding, 0, len(a.users))
	for _, u := range a.users {
		ranked = append(ranked, roundStanding{
			entry: auction.LeaderboardEntry{
				Owner:       u.stats.Owner,
				Surplus:     u.stats.TotalSurplus,
				Orders:      u.stats.TotalOrders,
				Filled:      u.stats.FilledOrders,
				FillRateBps: u.stats.FillRateBps(),
			},
			firstSubmit: u.firstSubmit,
		})
	}
	a.mu.RUnlock()

	sortStandings(ranked)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]auction.LeaderboardEntry, len(ranked))
	for i, s := range ranked {
		out[i] = s.entry
		out[i].Rank = i + 1
	}
	return out
}

func (a *Aggregator) PlatformStats() auction.PlatformStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.platform
}
