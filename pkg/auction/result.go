package auction

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderMatch is the clearing outcome of one order.
type OrderMatch struct {
	OrderID    OrderID        `json:"order_id"`
	Owner      common.Address `json:"owner"`
	Side       Side           `json:"side"`
	Filled     bool           `json:"filled"`
	FillAmount int64          `json:"fill_amount"`
	FillPrice  int64          `json:"fill_price"`
	Surplus    int64          `json:"surplus"`
}

// ClearingResult is the outcome of a round. Matches are ordered by order ID.
type ClearingResult struct {
	RoundID       RoundID      `json:"round_id"`
	ClearingPrice int64        `json:"clearing_price"`
	TotalVolume   int64        `json:"total_volume"`
	TotalSurplus  int64        `json:"total_surplus"`
	Matches       []OrderMatch `json:"matches"`
	VoidOrders    []OrderID    `json:"void_orders,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	Attestation   []byte       `json:"attestation,omitempty"`
}

// Traded reports whether any volume executed.
func (r ClearingResult) Traded() bool { return r.TotalVolume > 0 }

// UserStats are the running totals of one identity across rounds.
type UserStats struct {
	Owner              common.Address `json:"owner"`
	TotalOrders        int64          `json:"total_orders"`
	FilledOrders       int64          `json:"filled_orders"`
	TotalSurplus       int64          `json:"total_surplus"`
	RoundsParticipated int64          `json:"rounds_participated"`
}

// FillRateBps is the filled share of submitted orders in basis points.
func (s UserStats) FillRateBps() int64 {
	if s.TotalOrders == 0 {
		return 0
	}
	return s.FilledOrders * 10_000 / s.TotalOrders
}

// LeaderboardEntry is one ranked identity. Rank starts at 1.
type LeaderboardEntry struct {
	Owner       common.Address `json:"owner"`
	Surplus     int64          `json:"surplus"`
	Orders      int64          `json:"orders"`
	Filled      int64          `json:"filled"`
	FillRateBps int64          `json:"fill_rate_bps"`
	Rank        int            `json:"rank"`
}

// PlatformStats are the totals across all completed rounds.
type PlatformStats struct {
	TotalOrders  int64 `json:"total_orders"`
	TotalRounds  int64 `json:"total_rounds"`
	TotalUsers   int64 `json:"total_users"`
	TotalVolume  int64 `json:"total_volume"`
	TotalSurplus int64 `json:"total_surplus"`
}

// Settlement records the execution of one filled match.
type Settlement struct {
	ID         string         `json:"id"`
	RoundID    RoundID        `json:"round_id"`
	OrderID    OrderID        `json:"order_id"`
	Owner      common.Address `json:"owner"`
	Side       Side           `json:"side"`
	Asset      Asset          `json:"asset"`
	Amount     int64          `json:"amount"`
	Price      int64          `json:"price"`
	Notional   int64          `json:"notional"`
	RecordedAt time.Time      `json:"recorded_at"`
}
