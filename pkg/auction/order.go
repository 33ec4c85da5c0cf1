package auction

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Side uses 1 = Buy, 2 = Sell to match the uint8 field of the signed order.
type Side uint8

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	}
	return fmt.Sprintf("side(%d)", uint8(s))
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid side %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "buy":
		*s = SideBuy
	case "sell":
		*s = SideSell
	default:
		return fmt.Errorf("unknown side %q", string(b))
	}
	return nil
}

// Asset is the traded instrument.
type Asset string

const (
	AssetBTC Asset = "BTC"
	AssetETH Asset = "ETH"
)

func (a Asset) Valid() bool { return a == AssetBTC || a == AssetETH }

// Order is an immutable sealed submission. Amount and PriceLimit are the
// declared envelope values; they are only released through queries once the
// round has left Active.
type Order struct {
	ID               OrderID        `json:"order_id"`
	RoundID          RoundID        `json:"round_id"`
	Owner            common.Address `json:"owner"`
	Side             Side           `json:"side"`
	Asset            Asset          `json:"asset"`
	Amount           int64          `json:"amount"`
	PriceLimit       int64          `json:"price_limit"`
	CreatedAt        time.Time      `json:"created_at"`
	EncryptedPayload []byte         `json:"encrypted_payload"`
	CommitmentHash   string         `json:"commitment_hash"`
}

// Sealed returns a copy with the declared amount and price removed.
func (o Order) Sealed() Order {
	o.Amount = 0
	o.PriceLimit = 0
	return o
}

// SubmitRequest is what a caller hands the ledger.
type SubmitRequest struct {
	Side             Side   `json:"side"`
	Asset            Asset  `json:"asset"`
	Amount           int64  `json:"amount"`
	PriceLimit       int64  `json:"price_limit"`
	EncryptedPayload []byte `json:"encrypted_payload"`
	CommitmentHash   string `json:"commitment_hash"`
}

// OrderPayload is the plaintext a trader encrypts to the round identity.
// Salt makes equal orders produce distinct commitments.
type OrderPayload struct {
	RoundID    RoundID        `json:"round_id"`
	Owner      common.Address `json:"owner"`
	Side       Side           `json:"side"`
	Asset      Asset          `json:"asset"`
	Amount     int64          `json:"amount"`
	PriceLimit int64          `json:"price_limit"`
	Salt       string         `json:"salt"`
}

func (p OrderPayload) Encode() ([]byte, error) { return json.Marshal(p) }

func DecodePayload(b []byte) (OrderPayload, error) {
	var p OrderPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return OrderPayload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Commit returns the hex SHA-256 commitment of a plaintext payload.
func Commit(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

// ValidCommitment reports whether s is a 64 character lowercase or uppercase hex string.
func ValidCommitment(s string) bool {
	if len(s) != 2*sha256.Size {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// RevealStatus is the outcome of decrypting an order.
type RevealStatus uint8

const (
	RevealSealed RevealStatus = iota
	RevealVerified
	RevealVoid
)

func (s RevealStatus) String() string {
	switch s {
	case RevealSealed:
		return "sealed"
	case RevealVerified:
		return "verified"
	case RevealVoid:
		return "void"
	}
	return fmt.Sprintf("reveal(%d)", uint8(s))
}

func (s RevealStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *RevealStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "sealed":
		*s = RevealSealed
	case "verified":
		*s = RevealVerified
	case "void":
		*s = RevealVoid
	default:
		return fmt.Errorf("unknown reveal status %q", string(b))
	}
	return nil
}

// RevealRecord stores the reveal outcome next to the immutable order.
type RevealRecord struct {
	RoundID  RoundID       `json:"round_id"`
	OrderID  OrderID       `json:"order_id"`
	Status   RevealStatus  `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Payload  *OrderPayload `json:"payload,omitempty"`
	Revealed time.Time     `json:"revealed_at"`
}

// OrderView pairs an order with its reveal status for queries.
type OrderView struct {
	Order
	Status RevealStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

// OrderBookSummary aggregates the declared sizes of a round.
type OrderBookSummary struct {
	RoundID    RoundID `json:"round_id"`
	BuyOrders  int     `json:"buy_orders"`
	SellOrders int     `json:"sell_orders"`
	BuyVolume  int64   `json:"buy_volume"`
	SellVolume int64   `json:"sell_volume"`
}
