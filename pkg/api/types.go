package api

import (
	"github.com/uhyunpark/veil/pkg/auction"
)

// ==============================
// REST Request/Response Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders. Signature is an
// EIP-712 signature by Owner over the SubmitOrder typed message built from
// the other fields. Byte fields are 0x-prefixed hex.
type SubmitOrderRequest struct {
	RoundID          auction.RoundID `json:"round_id"`
	Owner            string          `json:"owner"`
	Side             auction.Side    `json:"side"`
	Asset            auction.Asset   `json:"asset"`
	Amount           int64           `json:"amount"`
	PriceLimit       int64           `json:"price_limit"`
	EncryptedPayload string          `json:"encrypted_payload"`
	CommitmentHash   string          `json:"commitment_hash"`
	Signature        string          `json:"signature"`
}

type SubmitOrderResponse struct {
	Status  string          `json:"status"`
	RoundID auction.RoundID `json:"round_id"`
	OrderID auction.OrderID `json:"order_id"`
}

// RoundStatusResponse flattens the round status for clients that poll.
type RoundStatusResponse struct {
	RoundID       auction.RoundID    `json:"round_id"`
	State         auction.RoundState `json:"state"`
	StartTime     int64              `json:"start_time"`
	DurationSecs  int64              `json:"duration_secs"`
	TimeRemaining int64              `json:"time_remaining_secs"`
	Orders        int                `json:"orders"`
}

func toRoundStatus(st auction.RoundStatus) RoundStatusResponse {
	out := RoundStatusResponse{
		RoundID:       st.RoundID,
		State:         st.State,
		DurationSecs:  int64(st.Duration.Seconds()),
		TimeRemaining: int64(st.TimeRemaining.Seconds()),
		Orders:        st.Orders,
	}
	if !st.StartTime.IsZero() {
		out.StartTime = st.StartTime.Unix()
	}
	return out
}

type PublicKeyResponse struct {
	PublicKey string `json:"public_key"`
	Scheme    string `json:"scheme"`
	Context   string `json:"context"`
}

type IdentityResponse struct {
	RoundID  auction.RoundID `json:"round_id"`
	Identity string          `json:"identity"`
}

type SurplusResponse struct {
	Owner   string          `json:"owner"`
	RoundID auction.RoundID `json:"round_id"`
	Surplus int64           `json:"surplus"`
}

type AttestationKeyResponse struct {
	PublicKey string `json:"public_key"`
	Scheme    string `json:"scheme"`
}

// DurationRequest is the payload for POST /api/v1/admin/rounds/duration
type DurationRequest struct {
	DurationSecs int64 `json:"duration_secs"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is sent to a client for control replies.
type WSMessage struct {
	Type string      `json:"type"` // "subscribed", "unsubscribed", "error"
	Data interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // "round", "orders", "results"
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
