package round

import (
	"context"
	"fmt"

	"github.com/uhyunpark/veil/pkg/auction"
)

// Advance applies every transition that is currently permitted and stops at
// the first one that is not. Calling it again at the same boundary is a
// no-op. A failing phase leaves the round in its state and returns the error.
func (m *Machine) Advance(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		moved, err := m.stepLocked(ctx)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
	}
}

func (m *Machine) stepLocked(ctx context.Context) (bool, error) {
	rc := m.cur
	switch rc.State {
	case auction.StatePending, auction.StateCompleted:
		return false, nil

	case auction.StateActive:
		if m.clock.Now().Before(rc.Deadline()) {
			return false, nil
		}
		next := rc
		next.State = auction.StateRevealing
		if err := m.commitLocked(next); err != nil {
			return false, err
		}
		m.keys.Release(rc.ID)
		return true, nil

	case auction.StateRevealing:
		id := m.keys.Release(rc.ID)
		if _, err := m.book.RevealAndVerify(rc, id); err != nil {
			return false, fmt.Errorf("reveal round %d: %w", rc.ID, err)
		}
		next := rc
		next.State = auction.StateClearing
		return true, m.commitLocked(next)

	case auction.StateClearing:
		res, err := m.clear(rc.ID, m.book.VerifiedOrders(rc.ID), m.clock.Now())
		if err != nil {
			m.logger.Errorw("round_clearing_failed", "round", rc.ID, "err", err)
			return false, fmt.Errorf("clear round %d: %w", rc.ID, err)
		}
		res.VoidOrders = m.book.VoidOrders(rc.ID)
		if m.attester != nil {
			sig, err := m.attester.Attest(res)
			if err != nil {
				return false, fmt.Errorf("attest round %d: %w", rc.ID, err)
			}
			res.Attestation = sig
		}
		if m.store != nil {
			if err := m.store.SaveResult(res); err != nil {
				return false, fmt.Errorf("save result %d: %w", rc.ID, err)
			}
		}
		m.results[rc.ID] = res
		m.logger.Infow("round_cleared",
			"round", rc.ID,
			"price", res.ClearingPrice,
			"volume", res.TotalVolume,
			"surplus", res.TotalSurplus,
			"void", len(res.VoidOrders))
		next := rc
		next.State = auction.StateExecuting
		return true, m.commitLocked(next)

	case auction.StateExecuting:
		res, ok := m.results[rc.ID]
		if !ok {
			return false, fmt.Errorf("execute round %d: %w", rc.ID, auction.ErrNotFound)
		}
		if m.settler != nil {
			if err := m.settler.Record(ctx, res, m.book.VerifiedOrders(rc.ID)); err != nil {
				return false, fmt.Errorf("settle round %d: %w", rc.ID, err)
			}
		}
		next := rc
		next.State = auction.StateCompleted
		next.CompletedAt = m.clock.Now()
		if err := m.commitLocked(next); err != nil {
			return false, err
		}
		if res.Traded() {
			m.history = append(m.history, pricePoint(res))
		}
		orders := m.book.Orders(rc.ID)
		for _, o := range m.observers {
			o.RoundCompleted(ctx, res, orders)
		}
		m.logger.Infow("round_completed", "round", rc.ID, "orders", len(orders))
		return true, nil
	}
	return false, fmt.Errorf("round %d in unknown state %d", rc.ID, rc.State)
}
