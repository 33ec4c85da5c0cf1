package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/veil/pkg/auction"
)

// Run drives rounds and publishes events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.autoStart && e.machine.Current().State == auction.StatePending {
		if _, err := e.machine.StartRound(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-e.clock.After(e.tick):
				e.Tick(ctx)
			}
		}
	})
	g.Go(func() error {
		e.pumpEvents(ctx)
		return nil
	})
	return g.Wait()
}

// Tick advances the current round and opens the next one once the restart
// delay after completion has passed. Phase failures are logged and retried
// on the next tick.
func (e *Engine) Tick(ctx context.Context) {
	if err := e.machine.Advance(ctx); err != nil {
		e.logger.Warnw("round_advance_failed", "round", e.machine.Current().ID, "err", err)
		return
	}
	cur := e.machine.Current()
	if cur.State != auction.StateCompleted {
		return
	}
	if e.clock.Now().Before(cur.CompletedAt.Add(e.restartDelay)) {
		return
	}
	if _, err := e.machine.StartRound(); err != nil {
		e.logger.Warnw("round_restart_failed", "round", cur.ID, "err", err)
	}
}

func (e *Engine) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			if err := e.publisher.Publish(ctx, ev); err != nil {
				e.logger.Warnw("event_publish_failed", "type", ev.Kind, "round", ev.RoundID, "err", err)
			}
		}
	}
}
