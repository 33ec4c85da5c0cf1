package settlement

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/util"
)

type mapSink struct {
	rows map[string]auction.Settlement
	err  error
}

func (s *mapSink) SaveSettlements(_ context.Context, batch []auction.Settlement) error {
	if s.err != nil {
		return s.err
	}
	for _, st := range batch {
		if _, ok := s.rows[st.ID]; !ok {
			s.rows[st.ID] = st
		}
	}
	return nil
}

func newMapSink() *mapSink { return &mapSink{rows: make(map[string]auction.Settlement)} }

var owner = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func result() (auction.ClearingResult, []auction.Order) {
	res := auction.ClearingResult{
		RoundID:       4,
		ClearingPrice: 100,
		TotalVolume:   3,
		Matches: []auction.OrderMatch{
			{OrderID: 1, Owner: owner, Side: auction.SideBuy, Filled: true, FillAmount: 3, FillPrice: 100},
			{OrderID: 2, Owner: owner, Side: auction.SideSell, Filled: true, FillAmount: 3, FillPrice: 100},
			{OrderID: 3, Owner: owner, Side: auction.SideBuy},
		},
	}
	orders := []auction.Order{
		{ID: 1, Asset: auction.AssetBTC},
		{ID: 2, Asset: auction.AssetBTC},
		{ID: 3, Asset: auction.AssetETH},
	}
	return res, orders
}

func TestRecordWritesFilledMatches(t *testing.T) {
	sink := newMapSink()
	clk := util.NewManualClock(time.Unix(1_700_000_000, 0))
	r := NewRecorder(clk, nil, sink)

	res, orders := result()
	require.NoError(t, r.Record(context.Background(), res, orders))
	require.Len(t, sink.rows, 2)

	st := sink.rows[SettlementID(4, 1)]
	assert.Equal(t, auction.RoundID(4), st.RoundID)
	assert.Equal(t, auction.AssetBTC, st.Asset)
	assert.Equal(t, int64(300), st.Notional)
	assert.Equal(t, clk.Now(), st.RecordedAt)
}

func TestRecordIsIdempotent(t *testing.T) {
	sink := newMapSink()
	r := NewRecorder(nil, nil, sink)
	res, orders := result()
	require.NoError(t, r.Record(context.Background(), res, orders))
	require.NoError(t, r.Record(context.Background(), res, orders))
	assert.Len(t, sink.rows, 2)
}

func TestSettlementIDIsStable(t *testing.T) {
	assert.Equal(t, SettlementID(7, 3), SettlementID(7, 3))
	assert.NotEqual(t, SettlementID(7, 3), SettlementID(3, 7))
	assert.NotEqual(t, SettlementID(1, 12), SettlementID(11, 2))
}

func TestRecordSinkFailure(t *testing.T) {
	down := errors.New("sink down")
	healthy := newMapSink()
	r := NewRecorder(nil, nil, &mapSink{err: down}, healthy)
	res, orders := result()
	err := r.Record(context.Background(), res, orders)
	assert.ErrorIs(t, err, down)
	assert.Empty(t, healthy.rows, "later sinks are not written after a failure")
}

func TestBuildErrors(t *testing.T) {
	res, orders := result()
	_, err := Build(res, orders[1:], time.Time{})
	assert.ErrorIs(t, err, auction.ErrNotFound)

	res.Matches[0].FillAmount = math.MaxInt64
	_, err = Build(res, orders, time.Time{})
	assert.ErrorIs(t, err, auction.ErrOverflow)
}

func TestRecordNoTradeIsNoop(t *testing.T) {
	sink := &mapSink{err: errors.New("must not be called")}
	r := NewRecorder(nil, nil, sink)
	require.NoError(t, r.Record(context.Background(), auction.ClearingResult{RoundID: 1}, nil))
}
