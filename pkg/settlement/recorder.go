// Package settlement records the execution of clearing results. A settlement
// is written per filled match and carries an ID derived from (round, order),
// so re-recording a round after a partial failure writes the same rows.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/util"
)

// namespace seeds the name-based settlement IDs.
var namespace = uuid.MustParse("6f1d9b2e-3c4a-4e58-9a71-5b0c2d7e8f10")

// Sink persists settlements. Saving a settlement whose ID is already stored
// must succeed without writing a second copy.
type Sink interface {
	SaveSettlements(ctx context.Context, s []auction.Settlement) error
}

type Recorder struct {
	sinks  []Sink
	clock  util.Clock
	logger *zap.SugaredLogger
}

func NewRecorder(clock util.Clock, logger *zap.SugaredLogger, sinks ...Sink) *Recorder {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Recorder{sinks: sinks, clock: clock, logger: util.OrNop(logger)}
}

// SettlementID is the deterministic ID of the settlement of one order.
func SettlementID(round auction.RoundID, order auction.OrderID) string {
	return uuid.NewSHA1(namespace, []byte(fmt.Sprintf("%d/%d", round, order))).String()
}

// Build turns the filled matches of res into settlements. orders supplies
// the asset of each order and must contain every filled order.
func Build(res auction.ClearingResult, orders []auction.Order, now time.Time) ([]auction.Settlement, error) {
	assets := make(map[auction.OrderID]auction.Asset, len(orders))
	for _, o := range orders {
		assets[o.ID] = o.Asset
	}
	var out []auction.Settlement
	for _, m := range res.Matches {
		if !m.Filled {
			continue
		}
		asset, ok := assets[m.OrderID]
		if !ok {
			return nil, fmt.Errorf("settle order %d of round %d: %w", m.OrderID, res.RoundID, auction.ErrNotFound)
		}
		notional, err := auction.CheckedMul(m.FillAmount, m.FillPrice)
		if err != nil {
			return nil, fmt.Errorf("settle order %d of round %d: %w", m.OrderID, res.RoundID, err)
		}
		out = append(out, auction.Settlement{
			ID:         SettlementID(res.RoundID, m.OrderID),
			RoundID:    res.RoundID,
			OrderID:    m.OrderID,
			Owner:      m.Owner,
			Side:       m.Side,
			Asset:      asset,
			Amount:     m.FillAmount,
			Price:      m.FillPrice,
			Notional:   notional,
			RecordedAt: now,
		})
	}
	return out, nil
}

// Record writes the settlements of res to every sink, stopping at the first failure.
func (r *Recorder) Record(ctx context.Context, res auction.ClearingResult, orders []auction.Order) error {
	settlements, err := Build(res, orders, r.clock.Now())
	if err != nil {
		return err
	}
	if len(settlements) == 0 {
		return nil
	}
	for _, sink := range r.sinks {
		if err := sink.SaveSettlements(ctx, settlements); err != nil {
			r.logger.Errorw("settlement_sink_failed", "round", res.RoundID, "err", err)
			return fmt.Errorf("record settlements of round %d: %w", res.RoundID, err)
		}
	}
	r.logger.Infow("round_settled", "round", res.RoundID, "settlements", len(settlements))
	return nil
}
