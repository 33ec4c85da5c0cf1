package engine

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/events"
	"github.com/uhyunpark/veil/pkg/storage"
	"github.com/uhyunpark/veil/pkg/timelock"
	"github.com/uhyunpark/veil/pkg/util"
)

var seed = []byte("engine-test-timelock-seed-0001")

type fixture struct {
	e     *Engine
	store *storage.MemoryStore
	clock *util.ManualClock
}

func newFixture(t *testing.T, store *storage.MemoryStore) *fixture {
	t.Helper()
	ibe, err := timelock.NewIBE(seed)
	require.NoError(t, err)
	if store == nil {
		store = storage.NewMemoryStore()
	}
	clk := util.NewManualClock(time.Unix(1_700_000_000, 0))
	e, err := New(Config{
		Duration:     time.Minute,
		TickInterval: time.Second,
		RestartDelay: 10 * time.Second,
		Scheme:       ibe,
		Store:        store,
		Clock:        clk,
	})
	require.NoError(t, err)
	return &fixture{e: e, store: store, clock: clk}
}

func trader(n int64) common.Address { return common.BigToAddress(big.NewInt(n)) }

func (f *fixture) submit(t *testing.T, owner common.Address, side auction.Side, amount, limit int64) (auction.OrderID, error) {
	t.Helper()
	return f.submitSealed(t, owner, side, amount, limit, nil)
}

func (f *fixture) submitSealed(t *testing.T, owner common.Address, side auction.Side, amount, limit int64, corrupt func([]byte)) (auction.OrderID, error) {
	t.Helper()
	round := f.e.RoundStatus().RoundID
	p := auction.OrderPayload{
		RoundID: round, Owner: owner, Side: side, Asset: auction.AssetBTC,
		Amount: amount, PriceLimit: limit, Salt: fmt.Sprintf("%s-%d-%d", owner.Hex(), amount, limit),
	}
	pt, err := p.Encode()
	require.NoError(t, err)
	ct, err := timelock.Seal(pt, f.e.PublicKey(), round)
	require.NoError(t, err)
	if corrupt != nil {
		corrupt(ct)
	}
	return f.e.SubmitOrder(owner, round, auction.SubmitRequest{
		Side: side, Asset: auction.AssetBTC, Amount: amount, PriceLimit: limit,
		EncryptedPayload: ct, CommitmentHash: auction.Commit(pt),
	})
}

func (f *fixture) scenario(t *testing.T) {
	t.Helper()
	orders := []struct {
		side          auction.Side
		amount, limit int64
	}{
		{auction.SideBuy, 2, 110},
		{auction.SideBuy, 3, 105},
		{auction.SideBuy, 5, 90},
		{auction.SideSell, 4, 80},
		{auction.SideSell, 3, 100},
		{auction.SideSell, 3, 120},
	}
	for i, o := range orders {
		_, err := f.submit(t, trader(int64(i+1)), o.side, o.amount, o.limit)
		require.NoError(t, err)
	}
}

func drain(e *Engine) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-e.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestEngineFullRound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.e.StartRound()
	require.NoError(t, err)
	f.scenario(t)

	st := f.e.RoundStatus()
	assert.Equal(t, auction.StateActive, st.State)
	assert.Equal(t, 6, st.Orders)

	book := f.e.OrderBook()
	assert.Equal(t, 3, book.BuyOrders)
	assert.Equal(t, 3, book.SellOrders)

	orders := f.e.UserOrders(trader(1))
	require.Len(t, orders, 1)
	assert.Zero(t, orders[0].Amount, "declared values stay sealed while Active")
	assert.Zero(t, orders[0].PriceLimit)

	_, err = f.e.RoundIdentity(1)
	assert.ErrorIs(t, err, auction.ErrEncryptionNotReady)

	f.clock.Advance(time.Minute)
	f.e.Tick(ctx)

	assert.Equal(t, auction.StateCompleted, f.e.RoundStatus().State)
	res, err := f.e.RoundResult(1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.ClearingPrice)
	assert.Equal(t, int64(5), res.TotalVolume)
	assert.Equal(t, int64(115), res.TotalSurplus)

	id, err := f.e.RoundIdentity(1)
	require.NoError(t, err)
	assert.True(t, timelock.VerifyIdentity(f.e.PublicKey(), id))

	orders = f.e.UserOrders(trader(1))
	assert.Equal(t, int64(2), orders[0].Amount)
	assert.Equal(t, auction.RevealVerified, orders[0].Status)

	board, err := f.e.RoundLeaderboard(1)
	require.NoError(t, err)
	require.Len(t, board, 6)
	assert.Equal(t, 1, board[0].Rank)
	assert.Equal(t, int64(115), sumSurplus(board))

	assert.Equal(t, int64(1), f.e.PlatformStats().TotalRounds)
	assert.Len(t, f.e.PriceHistory(), 1)
	assert.Len(t, f.e.GlobalLeaderboard(3), 3)

	settled, err := f.store.Settlements(1)
	require.NoError(t, err)
	assert.NotEmpty(t, settled)

	kinds := map[events.Kind]int{}
	for _, ev := range drain(f.e) {
		kinds[ev.Kind]++
	}
	assert.Equal(t, 6, kinds[events.KindOrderSubmitted])
	assert.Equal(t, 1, kinds[events.KindRoundCleared])
	assert.Equal(t, 5, kinds[events.KindRoundState])
}

func sumSurplus(entries []auction.LeaderboardEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Surplus
	}
	return total
}

func TestTamperedOrderVoidedInAuditView(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.e.StartRound()
	require.NoError(t, err)

	buy, err := f.submit(t, trader(1), auction.SideBuy, 5, 110)
	require.NoError(t, err)
	bad, err := f.submitSealed(t, trader(2), auction.SideSell, 1, 1, func(ct []byte) { ct[len(ct)/2] ^= 0x01 })
	require.NoError(t, err)
	sell, err := f.submit(t, trader(3), auction.SideSell, 5, 90)
	require.NoError(t, err)

	_, err = f.e.CurrentResult()
	assert.ErrorIs(t, err, auction.ErrNotFound)
	for _, o := range f.e.RoundOrders(1) {
		assert.Equal(t, auction.RevealSealed, o.Status)
		assert.Zero(t, o.Amount)
	}

	f.clock.Advance(time.Minute)
	f.e.Tick(context.Background())
	require.Equal(t, auction.StateCompleted, f.e.RoundStatus().State)

	res, err := f.e.CurrentResult()
	require.NoError(t, err)
	assert.Equal(t, []auction.OrderID{bad}, res.VoidOrders)
	assert.Equal(t, int64(5), res.TotalVolume)
	var ids []auction.OrderID
	for _, m := range res.Matches {
		ids = append(ids, m.OrderID)
	}
	assert.ElementsMatch(t, []auction.OrderID{buy, sell}, ids)

	audit := f.e.RoundOrders(1)
	require.Len(t, audit, 3)
	assert.Equal(t, bad, audit[1].ID)
	assert.Equal(t, auction.RevealVoid, audit[1].Status)
	assert.NotEmpty(t, audit[1].Reason)
	assert.Equal(t, int64(1), audit[1].Amount, "declared values are public once the round closed")
	assert.Equal(t, auction.RevealVerified, audit[0].Status)

	assert.Empty(t, f.e.RoundOrders(9))
}

func TestSubmitForWrongRound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.e.SubmitOrder(trader(1), 1, auction.SubmitRequest{})
	assert.ErrorIs(t, err, auction.ErrInvalidTransition, "no round started")

	_, err = f.e.StartRound()
	require.NoError(t, err)
	_, err = f.e.SubmitOrder(trader(1), 2, auction.SubmitRequest{})
	assert.ErrorIs(t, err, auction.ErrInvalidTransition)
}

func TestTickRestartsAfterDelay(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.e.StartRound()
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	f.e.Tick(ctx)
	assert.Equal(t, auction.StateCompleted, f.e.RoundStatus().State)

	f.clock.Advance(5 * time.Second)
	f.e.Tick(ctx)
	assert.Equal(t, auction.RoundID(1), f.e.RoundStatus().RoundID, "restart delay not yet passed")

	f.clock.Advance(5 * time.Second)
	f.e.Tick(ctx)
	st := f.e.RoundStatus()
	assert.Equal(t, auction.RoundID(2), st.RoundID)
	assert.Equal(t, auction.StateActive, st.State)
}

func TestForceClearAndDuration(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.e.ForceClear(context.Background())
	assert.ErrorIs(t, err, auction.ErrInvalidTransition)

	require.NoError(t, f.e.SetRoundDuration(2*time.Minute))
	assert.Equal(t, 2*time.Minute, f.e.RoundDuration())

	_, err = f.e.StartRound()
	require.NoError(t, err)
	f.scenario(t)

	st, err := f.e.ForceClear(context.Background())
	require.NoError(t, err)
	assert.Equal(t, auction.StateCompleted, st.State)
	res, err := f.e.RoundResult(1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.ClearingPrice)
}

func TestRestoreFromStore(t *testing.T) {
	store := storage.NewMemoryStore()
	first := newFixture(t, store)
	_, err := first.e.StartRound()
	require.NoError(t, err)
	first.scenario(t)
	first.clock.Advance(time.Minute)
	first.e.Tick(context.Background())
	require.Equal(t, auction.StateCompleted, first.e.RoundStatus().State)

	second := newFixture(t, store)
	require.NoError(t, second.e.Restore(context.Background()))

	st := second.e.RoundStatus()
	assert.Equal(t, auction.RoundID(1), st.RoundID)
	assert.Equal(t, auction.StateCompleted, st.State)
	assert.Equal(t, 6, st.Orders)

	res, err := second.e.RoundResult(1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.ClearingPrice)

	_, err = second.e.RoundIdentity(1)
	assert.NoError(t, err)

	want, _ := first.e.UserStats(trader(1))
	got, err := second.e.UserStats(trader(1))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, first.e.PlatformStats(), second.e.PlatformStats())

	r, err := second.e.StartRound()
	require.NoError(t, err)
	assert.Equal(t, auction.RoundID(2), r.ID)
}

func TestRestoreResumesInFlightRound(t *testing.T) {
	store := storage.NewMemoryStore()
	first := newFixture(t, store)
	_, err := first.e.StartRound()
	require.NoError(t, err)
	first.scenario(t)

	second := newFixture(t, store)
	require.NoError(t, second.e.Restore(context.Background()))
	assert.Equal(t, auction.StateActive, second.e.RoundStatus().State)
	_, err = second.e.RoundIdentity(1)
	assert.ErrorIs(t, err, auction.ErrEncryptionNotReady)

	second.clock.Advance(time.Minute)
	second.e.Tick(context.Background())
	res, err := second.e.RoundResult(1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.TotalVolume)
}

type chanPublisher chan events.Event

func (c chanPublisher) Publish(_ context.Context, ev events.Event) error {
	c <- ev
	return nil
}

func TestRunAutoStartsAndPublishes(t *testing.T) {
	ibe, err := timelock.NewIBE(seed)
	require.NoError(t, err)
	published := make(chanPublisher, 16)
	e, err := New(Config{
		Duration:     time.Hour,
		TickInterval: 5 * time.Millisecond,
		AutoStart:    true,
		Scheme:       ibe,
		Publisher:    published,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case ev := <-published:
		assert.Equal(t, events.KindRoundState, ev.Kind)
		assert.Equal(t, auction.RoundID(1), ev.RoundID)
	case <-time.After(5 * time.Second):
		t.Fatal("no round_state event published")
	}
	assert.Equal(t, auction.StateActive, e.RoundStatus().State)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
