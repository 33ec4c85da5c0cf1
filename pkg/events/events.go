// Package events fans round lifecycle notifications out to subscribers.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/uhyunpark/veil/pkg/auction"
)

type Kind string

const (
	KindRoundState     Kind = "round_state"
	KindOrderSubmitted Kind = "order_submitted"
	KindRoundCleared   Kind = "round_cleared"
)

// Subscription channels, one per kind.
const (
	ChannelRound   = "round"
	ChannelOrders  = "orders"
	ChannelResults = "results"
)

// Channel maps an event kind to the channel subscribers listen on.
func (k Kind) Channel() string {
	switch k {
	case KindRoundState:
		return ChannelRound
	case KindOrderSubmitted:
		return ChannelOrders
	case KindRoundCleared:
		return ChannelResults
	}
	return string(k)
}

type Event struct {
	Kind      Kind            `json:"type"`
	Channel   string          `json:"channel"`
	RoundID   auction.RoundID `json:"round_id"`
	Data      any             `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func New(kind Kind, round auction.RoundID, data any, ts time.Time) Event {
	return Event{Kind: kind, Channel: kind.Channel(), RoundID: round, Data: data, Timestamp: ts}
}

// OrderSubmitted is the public part of a new submission. Amount and price stay sealed.
type OrderSubmitted struct {
	OrderID auction.OrderID `json:"order_id"`
	Owner   string          `json:"owner"`
	Side    auction.Side    `json:"side"`
	Asset   auction.Asset   `json:"asset"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi publishes to every member and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
