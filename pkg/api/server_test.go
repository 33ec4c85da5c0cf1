package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/crypto"
	"github.com/uhyunpark/veil/pkg/engine"
	"github.com/uhyunpark/veil/pkg/events"
	"github.com/uhyunpark/veil/pkg/timelock"
	"github.com/uhyunpark/veil/pkg/util"
)

const adminToken = "s3cret"

type testServer struct {
	srv    *Server
	engine *engine.Engine
	clock  *util.ManualClock
	typed  *crypto.EIP712Signer
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	ibe, err := timelock.NewIBE([]byte("api-test-timelock-seed-000000001"))
	require.NoError(t, err)
	clk := util.NewManualClock(time.Unix(1_700_000_000, 0))
	e, err := engine.New(engine.Config{
		Duration: time.Minute,
		Scheme:   ibe,
		Clock:    clk,
	})
	require.NoError(t, err)
	srv := NewServer(e, nil, Options{AdminToken: token})
	return &testServer{srv: srv, engine: e, clock: clk, typed: crypto.NewEIP712Signer(crypto.DefaultDomain())}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) admin(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	return ts.do(t, "POST", "/api/v1/admin"+path, body, map[string]string{"Authorization": "Bearer " + adminToken})
}

func (ts *testServer) signedOrder(t *testing.T, signer *crypto.Signer, side auction.Side, amount, limit int64) SubmitOrderRequest {
	t.Helper()
	round := ts.engine.RoundStatus().RoundID
	pt, err := auction.OrderPayload{
		RoundID: round, Owner: signer.Address(), Side: side, Asset: auction.AssetBTC,
		Amount: amount, PriceLimit: limit, Salt: "salt-" + side.String(),
	}.Encode()
	require.NoError(t, err)
	ct, err := timelock.Seal(pt, ts.engine.PublicKey(), round)
	require.NoError(t, err)

	req := SubmitOrderRequest{
		RoundID:          round,
		Owner:            signer.Address().Hex(),
		Side:             side,
		Asset:            auction.AssetBTC,
		Amount:           amount,
		PriceLimit:       limit,
		EncryptedPayload: hexutil.Encode(ct),
		CommitmentHash:   auction.Commit(pt),
	}
	sig, err := ts.typed.SignSubmitOrder(signer, &crypto.SubmitOrder{
		RoundID:        uint64(req.RoundID),
		Side:           uint8(req.Side),
		Asset:          string(req.Asset),
		Amount:         req.Amount,
		PriceLimit:     req.PriceLimit,
		CommitmentHash: req.CommitmentHash,
		Owner:          signer.Address(),
	})
	require.NoError(t, err)
	req.Signature = hexutil.Encode(sig)
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, adminToken)
	rec := ts.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header map[string]string
		want   int
	}{
		{"missing token", adminToken, nil, http.StatusUnauthorized},
		{"wrong bearer", adminToken, map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", adminToken, map[string]string{"Authorization": "Bearer " + adminToken}, http.StatusOK},
		{"api key header", adminToken, map[string]string{"X-API-Key": adminToken}, http.StatusOK},
		{"admin disabled", "", map[string]string{"Authorization": "Bearer anything"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.token)
			rec := ts.do(t, "POST", "/api/v1/admin/rounds/start", nil, tt.header)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRoundLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, adminToken)

	st := decode[RoundStatusResponse](t, ts.do(t, "GET", "/api/v1/round", nil, nil))
	assert.Equal(t, auction.StatePending, st.State)

	rec := ts.admin(t, "/rounds/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	buyer, err := crypto.GenerateKey()
	require.NoError(t, err)
	seller, err := crypto.GenerateKey()
	require.NoError(t, err)

	rec = ts.do(t, "POST", "/api/v1/orders", ts.signedOrder(t, buyer, auction.SideBuy, 5, 110), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[SubmitOrderResponse](t, rec)
	assert.Equal(t, auction.OrderID(1), resp.OrderID)

	rec = ts.do(t, "POST", "/api/v1/orders", ts.signedOrder(t, seller, auction.SideSell, 5, 90), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	st = decode[RoundStatusResponse](t, ts.do(t, "GET", "/api/v1/round", nil, nil))
	assert.Equal(t, auction.StateActive, st.State)
	assert.Equal(t, 2, st.Orders)
	assert.Equal(t, int64(60), st.TimeRemaining)

	book := decode[auction.OrderBookSummary](t, ts.do(t, "GET", "/api/v1/round/orderbook", nil, nil))
	assert.Equal(t, 1, book.BuyOrders)
	assert.Equal(t, 1, book.SellOrders)

	rec = ts.do(t, "GET", "/api/v1/rounds/1/identity", nil, nil)
	assert.Equal(t, http.StatusTooEarly, rec.Code)

	sealed := decode[[]auction.OrderView](t, ts.do(t, "GET", "/api/v1/rounds/1/orders", nil, nil))
	require.Len(t, sealed, 2)
	for _, o := range sealed {
		assert.Equal(t, auction.RevealSealed, o.Status)
		assert.Zero(t, o.Amount, "declared values hidden while active")
		assert.Zero(t, o.PriceLimit)
	}
	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/api/v1/round/result", nil, nil).Code)

	rec = ts.admin(t, "/rounds/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st = decode[RoundStatusResponse](t, rec)
	assert.Equal(t, auction.StateCompleted, st.State)

	res := decode[auction.ClearingResult](t, ts.do(t, "GET", "/api/v1/rounds/1/result", nil, nil))
	assert.Equal(t, int64(5), res.TotalVolume)
	assert.GreaterOrEqual(t, res.ClearingPrice, int64(90))
	assert.LessOrEqual(t, res.ClearingPrice, int64(110))

	current := decode[auction.ClearingResult](t, ts.do(t, "GET", "/api/v1/round/result", nil, nil))
	assert.Equal(t, res.ClearingPrice, current.ClearingPrice)
	assert.Equal(t, auction.RoundID(1), current.RoundID)

	audit := decode[[]auction.OrderView](t, ts.do(t, "GET", "/api/v1/rounds/1/orders", nil, nil))
	require.Len(t, audit, 2)
	assert.Equal(t, auction.RevealVerified, audit[0].Status)
	assert.Equal(t, int64(5), audit[0].Amount)
	assert.Equal(t, int64(110), audit[0].PriceLimit)

	unknown := decode[[]auction.OrderView](t, ts.do(t, "GET", "/api/v1/rounds/7/orders", nil, nil))
	assert.Empty(t, unknown)

	ident := decode[IdentityResponse](t, ts.do(t, "GET", "/api/v1/rounds/1/identity", nil, nil))
	assert.Equal(t, auction.RoundID(1), ident.RoundID)
	assert.NotEmpty(t, ident.Identity)

	board := decode[[]auction.LeaderboardEntry](t, ts.do(t, "GET", "/api/v1/rounds/1/leaderboard", nil, nil))
	assert.Len(t, board, 2)

	global := decode[[]auction.LeaderboardEntry](t, ts.do(t, "GET", "/api/v1/leaderboard?limit=1", nil, nil))
	assert.Len(t, global, 1)

	prices := decode[[]auction.PricePoint](t, ts.do(t, "GET", "/api/v1/prices?count=5", nil, nil))
	require.Len(t, prices, 1)
	assert.Equal(t, res.ClearingPrice, prices[0].Price)

	orders := decode[[]auction.OrderView](t, ts.do(t, "GET", "/api/v1/users/"+buyer.Address().Hex()+"/orders", nil, nil))
	require.Len(t, orders, 1)
	assert.Equal(t, int64(5), orders[0].Amount)

	stats := decode[auction.UserStats](t, ts.do(t, "GET", "/api/v1/users/"+buyer.Address().Hex()+"/stats", nil, nil))
	assert.Equal(t, int64(1), stats.RoundsParticipated)

	surplus := decode[SurplusResponse](t, ts.do(t, "GET", "/api/v1/users/"+buyer.Address().Hex()+"/rounds/1/surplus", nil, nil))
	assert.Equal(t, (110-res.ClearingPrice)*5, surplus.Surplus)

	platform := decode[auction.PlatformStats](t, ts.do(t, "GET", "/api/v1/stats", nil, nil))
	assert.Equal(t, int64(1), platform.TotalRounds)
}

func TestSubmitOrderRejections(t *testing.T) {
	ts := newTestServer(t, adminToken)
	require.Equal(t, http.StatusOK, ts.admin(t, "/rounds/start", nil).Code)

	owner, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	forged := ts.signedOrder(t, other, auction.SideBuy, 1, 100)
	forged.Owner = owner.Address().Hex()

	tampered := ts.signedOrder(t, owner, auction.SideBuy, 1, 100)
	tampered.Amount = 2

	wrongRound := ts.signedOrder(t, owner, auction.SideBuy, 1, 100)
	wrongRound.RoundID = 7

	unsigned := ts.signedOrder(t, owner, auction.SideBuy, 1, 100)
	unsigned.Signature = ""

	badAddr := ts.signedOrder(t, owner, auction.SideBuy, 1, 100)
	badAddr.Owner = "not-an-address"

	tests := []struct {
		name string
		body any
		want int
	}{
		{"forged owner", forged, http.StatusUnauthorized},
		{"tampered amount", tampered, http.StatusUnauthorized},
		{"missing signature", unsigned, http.StatusUnauthorized},
		{"bad owner", badAddr, http.StatusBadRequest},
		{"malformed body", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "POST", "/api/v1/orders", tt.body, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	// Signed for a round that is not current: verified, then refused by the engine.
	sig, err := ts.typed.SignSubmitOrder(owner, &crypto.SubmitOrder{
		RoundID: 7, Side: uint8(wrongRound.Side), Asset: string(wrongRound.Asset),
		Amount: wrongRound.Amount, PriceLimit: wrongRound.PriceLimit,
		CommitmentHash: wrongRound.CommitmentHash, Owner: owner.Address(),
	})
	require.NoError(t, err)
	wrongRound.Signature = hexutil.Encode(sig)
	rec := ts.do(t, "POST", "/api/v1/orders", wrongRound, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	assert.Equal(t, 0, ts.engine.RoundStatus().Orders)
}

func TestQueryValidation(t *testing.T) {
	ts := newTestServer(t, adminToken)
	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/rounds/0/result", http.StatusBadRequest},
		{"/api/v1/rounds/9/result", http.StatusNotFound},
		{"/api/v1/users/0x1234/orders", http.StatusBadRequest},
		{"/api/v1/users/0x0000000000000000000000000000000000000001/stats", http.StatusNotFound},
		{"/api/v1/leaderboard?limit=abc", http.StatusBadRequest},
		{"/api/v1/prices?count=-1", http.StatusBadRequest},
		{"/api/v1/attestation/public-key", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, ts.do(t, "GET", tt.path, nil, nil).Code)
		})
	}
}

func TestSetDuration(t *testing.T) {
	ts := newTestServer(t, adminToken)
	rec := ts.admin(t, "/rounds/duration", DurationRequest{DurationSecs: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.admin(t, "/rounds/duration", DurationRequest{DurationSecs: 120})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2*time.Minute, ts.engine.RoundDuration())
}

func TestPublicKey(t *testing.T) {
	ts := newTestServer(t, adminToken)
	pk := decode[PublicKeyResponse](t, ts.do(t, "GET", "/api/v1/timelock/public-key", nil, nil))
	raw, err := hexutil.Decode(pk.PublicKey)
	require.NoError(t, err)
	parsed, err := timelock.ParsePublicKey(raw)
	require.NoError(t, err)
	assert.Equal(t, ts.engine.PublicKey().Bytes(), parsed.Bytes())
	assert.Equal(t, timelock.Context, pk.Context)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, adminToken)
	req := httptest.NewRequest("OPTIONS", "/api/v1/orders", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHubDeliversSubscribedChannels(t *testing.T) {
	ts := newTestServer(t, adminToken)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.srv.hub.Run(ctx)

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{events.ChannelResults}}))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack WSMessage
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack.Type)

	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, ts.srv.hub.Publish(ctx, events.New(events.KindOrderSubmitted, 1, nil, now)))
	require.NoError(t, ts.srv.hub.Publish(ctx, events.New(events.KindRoundCleared, 1, map[string]int64{"price": 100}, now)))

	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.KindRoundCleared, got.Kind, "orders channel was not subscribed")
	assert.Equal(t, auction.RoundID(1), got.RoundID)
}

func TestDecodeBytesPrefixes(t *testing.T) {
	for _, in := range []string{"0xc0ffee", "0XC0FFEE", "c0ffee"} {
		got, err := decodeBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, []byte{0xc0, 0xff, 0xee}, got, in)
	}
	_, err := decodeBytes("0xabc")
	assert.Error(t, err, "odd length")
}
