// Package clearing computes the uniform price of a sealed batch and
// allocates fills at that price.
package clearing

import (
	"fmt"
	"sort"
	"time"

	"github.com/uhyunpark/veil/pkg/auction"
)

// Clear runs a uniform-price double auction over the revealed orders of a round.
//
// The clearing price is the limit price that maximizes executed volume
// min(demand, supply); ties go to the lowest such price. Orders are filled in
// price priority and then by submission order (order ID) until the executed
// volume is exhausted on each side. When nothing crosses the price is 0 and
// every match is unfilled.
func Clear(round auction.RoundID, orders []auction.Order, ts time.Time) (auction.ClearingResult, error) {
	res := auction.ClearingResult{RoundID: round, Timestamp: ts}

	var buys, sells []auction.Order
	for _, o := range orders {
		if o.Amount <= 0 || o.PriceLimit <= 0 {
			return res, fmt.Errorf("clearing: order %d: %w", o.ID, auction.ErrInvalidOrder)
		}
		switch o.Side {
		case auction.SideBuy:
			buys = append(buys, o)
		case auction.SideSell:
			sells = append(sells, o)
		default:
			return res, fmt.Errorf("clearing: order %d side %d: %w", o.ID, o.Side, auction.ErrInvalidOrder)
		}
	}

	sort.Slice(buys, func(i, j int) bool {
		if buys[i].PriceLimit != buys[j].PriceLimit {
			return buys[i].PriceLimit > buys[j].PriceLimit
		}
		return buys[i].ID < buys[j].ID
	})
	sort.Slice(sells, func(i, j int) bool {
		if sells[i].PriceLimit != sells[j].PriceLimit {
			return sells[i].PriceLimit < sells[j].PriceLimit
		}
		return sells[i].ID < sells[j].ID
	})

	price, volume, err := findPrice(buys, sells)
	if err != nil {
		return res, err
	}

	fills := make(map[auction.OrderID]int64, len(orders))
	if volume > 0 {
		allocate(buys, volume, fills, func(limit int64) bool { return limit >= price })
		allocate(sells, volume, fills, func(limit int64) bool { return limit <= price })
		res.ClearingPrice = price
		res.TotalVolume = volume
	}

	res.Matches = make([]auction.OrderMatch, 0, len(orders))
	for _, o := range orders {
		m := auction.OrderMatch{OrderID: o.ID, Owner: o.Owner, Side: o.Side}
		if fill := fills[o.ID]; fill > 0 {
			diff := o.PriceLimit - price
			if o.Side == auction.SideSell {
				diff = price - o.PriceLimit
			}
			surplus, err := auction.CheckedMul(diff, fill)
			if err != nil {
				return res, fmt.Errorf("clearing: surplus of order %d: %w", o.ID, err)
			}
			m.Filled = true
			m.FillAmount = fill
			m.FillPrice = price
			m.Surplus = surplus
			if res.TotalSurplus, err = auction.CheckedAdd(res.TotalSurplus, surplus); err != nil {
				return res, fmt.Errorf("clearing: total surplus: %w", err)
			}
		}
		res.Matches = append(res.Matches, m)
	}
	sort.Slice(res.Matches, func(i, j int) bool { return res.Matches[i].OrderID < res.Matches[j].OrderID })
	return res, nil
}

// findPrice scans the distinct limit prices in ascending order keeping the
// first price that reaches the highest volume. buys must be sorted by limit
// descending and sells by limit ascending.
func findPrice(buys, sells []auction.Order) (price, volume int64, err error) {
	candidates := make([]int64, 0, len(buys)+len(sells))
	for _, o := range buys {
		candidates = append(candidates, o.PriceLimit)
	}
	for _, o := range sells {
		candidates = append(candidates, o.PriceLimit)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	candidates = dedup(candidates)
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	// demand[i]: total buy quantity with limit >= candidates[i]
	demand := make([]int64, len(candidates))
	b := 0
	var acc int64
	for i := len(candidates) - 1; i >= 0; i-- {
		for b < len(buys) && buys[b].PriceLimit >= candidates[i] {
			if acc, err = auction.CheckedAdd(acc, buys[b].Amount); err != nil {
				return 0, 0, fmt.Errorf("clearing: demand: %w", err)
			}
			b++
		}
		demand[i] = acc
	}

	s := 0
	acc = 0
	for i, p := range candidates {
		for s < len(sells) && sells[s].PriceLimit <= p {
			if acc, err = auction.CheckedAdd(acc, sells[s].Amount); err != nil {
				return 0, 0, fmt.Errorf("clearing: supply: %w", err)
			}
			s++
		}
		if v := min(demand[i], acc); v > volume {
			volume = v
			price = p
		}
	}
	return price, volume, nil
}

func allocate(side []auction.Order, volume int64, fills map[auction.OrderID]int64, eligible func(limit int64) bool) {
	remaining := volume
	for _, o := range side {
		if remaining == 0 || !eligible(o.PriceLimit) {
			break
		}
		fill := min(o.Amount, remaining)
		fills[o.ID] = fill
		remaining -= fill
	}
}

func dedup(sorted []int64) []int64 {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
