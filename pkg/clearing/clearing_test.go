package clearing

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/veil/pkg/auction"
)

var ts = time.Unix(1_700_000_000, 0)

func order(id auction.OrderID, side auction.Side, amount, limit int64) auction.Order {
	return auction.Order{
		ID:         id,
		RoundID:    1,
		Owner:      common.BigToAddress(common.Big1),
		Side:       side,
		Asset:      auction.AssetBTC,
		Amount:     amount,
		PriceLimit: limit,
	}
}

func buy(id auction.OrderID, amount, limit int64) auction.Order {
	return order(id, auction.SideBuy, amount, limit)
}

func sell(id auction.OrderID, amount, limit int64) auction.Order {
	return order(id, auction.SideSell, amount, limit)
}

func matchByID(t *testing.T, res auction.ClearingResult, id auction.OrderID) auction.OrderMatch {
	t.Helper()
	for _, m := range res.Matches {
		if m.OrderID == id {
			return m
		}
	}
	t.Fatalf("no match for order %d", id)
	return auction.OrderMatch{}
}

func TestClearTieGoesToLowerPrice(t *testing.T) {
	orders := []auction.Order{
		buy(1, 2, 110),
		buy(2, 3, 105),
		buy(3, 5, 90),
		sell(4, 4, 80),
		sell(5, 3, 100),
		sell(6, 3, 120),
	}

	res, err := Clear(1, orders, ts)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if res.ClearingPrice != 100 {
		t.Errorf("price = %d, want 100", res.ClearingPrice)
	}
	if res.TotalVolume != 5 {
		t.Errorf("volume = %d, want 5", res.TotalVolume)
	}

	tests := []struct {
		id      auction.OrderID
		filled  bool
		amount  int64
		surplus int64
	}{
		{1, true, 2, 20},
		{2, true, 3, 15},
		{3, false, 0, 0},
		{4, true, 4, 80},
		{5, true, 1, 0},
		{6, false, 0, 0},
	}
	for _, tt := range tests {
		m := matchByID(t, res, tt.id)
		if m.Filled != tt.filled || m.FillAmount != tt.amount || m.Surplus != tt.surplus {
			t.Errorf("order %d = %+v, want filled=%v amount=%d surplus=%d", tt.id, m, tt.filled, tt.amount, tt.surplus)
		}
		if m.Filled && m.FillPrice != 100 {
			t.Errorf("order %d fill price = %d, want 100", tt.id, m.FillPrice)
		}
		if !m.Filled && m.FillPrice != 0 {
			t.Errorf("unfilled order %d has fill price %d", tt.id, m.FillPrice)
		}
	}
	if res.TotalSurplus != 115 {
		t.Errorf("total surplus = %d, want 115", res.TotalSurplus)
	}
}

func TestClearMatchesOrderedByID(t *testing.T) {
	orders := []auction.Order{sell(3, 1, 50), buy(1, 1, 60), buy(2, 1, 40)}
	res, err := Clear(1, orders, ts)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	for i, m := range res.Matches {
		if m.OrderID != auction.OrderID(i+1) {
			t.Fatalf("matches not ordered by id: %+v", res.Matches)
		}
	}
}

func TestClearNoTrade(t *testing.T) {
	tests := []struct {
		name   string
		orders []auction.Order
	}{
		{"empty", nil},
		{"single buy", []auction.Order{buy(1, 10, 100)}},
		{"only sells", []auction.Order{sell(1, 1, 10), sell(2, 1, 20)}},
		{"no cross", []auction.Order{buy(1, 5, 90), sell(2, 5, 91)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Clear(7, tt.orders, ts)
			if err != nil {
				t.Fatalf("clear: %v", err)
			}
			if res.ClearingPrice != 0 || res.TotalVolume != 0 || res.TotalSurplus != 0 {
				t.Errorf("result = %+v, want zero price/volume/surplus", res)
			}
			if len(res.Matches) != len(tt.orders) {
				t.Errorf("matches = %d, want %d", len(res.Matches), len(tt.orders))
			}
			for _, m := range res.Matches {
				if m.Filled {
					t.Errorf("order %d filled in a no-trade round", m.OrderID)
				}
			}
			if res.RoundID != 7 {
				t.Errorf("round = %d", res.RoundID)
			}
		})
	}
}

func TestClearFCFSAtMargin(t *testing.T) {
	// Two buys at the same limit compete for 3 units; the earlier one fills first.
	orders := []auction.Order{buy(1, 2, 100), buy(2, 2, 100), sell(3, 3, 100)}
	res, err := Clear(1, orders, ts)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if m := matchByID(t, res, 1); m.FillAmount != 2 {
		t.Errorf("first buy fill = %d, want 2", m.FillAmount)
	}
	if m := matchByID(t, res, 2); m.FillAmount != 1 {
		t.Errorf("second buy fill = %d, want 1", m.FillAmount)
	}
}

func TestClearOverflow(t *testing.T) {
	orders := []auction.Order{buy(1, math.MaxInt64/2, math.MaxInt64), sell(2, math.MaxInt64/2, 1)}
	_, err := Clear(1, orders, ts)
	if !errors.Is(err, auction.ErrOverflow) {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
}

func TestClearRejectsInvalidInput(t *testing.T) {
	_, err := Clear(1, []auction.Order{buy(1, 0, 10)}, ts)
	if !errors.Is(err, auction.ErrInvalidOrder) {
		t.Errorf("zero amount: err = %v", err)
	}
	_, err = Clear(1, []auction.Order{order(1, 9, 1, 10)}, ts)
	if !errors.Is(err, auction.ErrInvalidOrder) {
		t.Errorf("bad side: err = %v", err)
	}
}
