package ledger

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/timelock"
)

// Void reasons recorded on reveal records.
const (
	VoidDecryptFailed      = "decrypt_failed"
	VoidCommitmentMismatch = "commitment_mismatch"
	VoidMalformedPayload   = "malformed_payload"
	VoidBindingMismatch    = "binding_mismatch"
	VoidDeclaredMismatch   = "declared_mismatch"
)

// RevealReport summarizes one RevealAndVerify pass.
type RevealReport struct {
	RoundID  auction.RoundID
	Verified int
	Voided   int
	// Skipped counts orders already revealed by an earlier pass.
	Skipped int
}

// RevealAndVerify decrypts every still-sealed order of the round and checks it
// against its commitment. Orders that fail are voided; the pass itself only
// fails on storage errors, in which case it can be retried and will skip the
// orders already recorded.
func (l *Ledger) RevealAndVerify(rc auction.Round, id timelock.Identity) (RevealReport, error) {
	report := RevealReport{RoundID: rc.ID}
	if rc.State != auction.StateRevealing {
		return report, fmt.Errorf("reveal in round %d (%s): %w", rc.ID, rc.State, auction.ErrInvalidTransition)
	}
	if id.RoundID != rc.ID {
		return report, fmt.Errorf("identity for round %d used on round %d: %w", id.RoundID, rc.ID, auction.ErrInvalidTransition)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.books[rc.ID]
	if !ok {
		return report, nil
	}
	for _, o := range b.orders {
		if _, done := b.reveals[o.ID]; done {
			report.Skipped++
			continue
		}
		rec := l.verify(o, id)
		if l.store != nil {
			if err := l.store.SaveReveal(rec); err != nil {
				return report, fmt.Errorf("save reveal %d/%d: %w", o.RoundID, o.ID, err)
			}
		}
		b.reveals[o.ID] = rec
		switch rec.Status {
		case auction.RevealVerified:
			report.Verified++
		case auction.RevealVoid:
			report.Voided++
			l.logger.Warnw("order_voided", "round", o.RoundID, "order", o.ID, "owner", o.Owner.Hex(), "reason", rec.Reason)
		case auction.RevealSealed:
		}
		l.journalf("reveal", map[string]any{
			"round": o.RoundID, "order": o.ID, "status": rec.Status.String(), "reason": rec.Reason,
		})
	}
	l.logger.Infow("round_revealed", "round", rc.ID, "verified", report.Verified, "voided", report.Voided, "skipped", report.Skipped)
	return report, nil
}

func (l *Ledger) verify(o auction.Order, id timelock.Identity) auction.RevealRecord {
	rec := auction.RevealRecord{
		RoundID:  o.RoundID,
		OrderID:  o.ID,
		Revealed: l.clock.Now(),
	}
	payload, err := l.open(o, id)
	if err != nil {
		rec.Status = auction.RevealVoid
		rec.Reason = voidReason(err)
		return rec
	}
	rec.Status = auction.RevealVerified
	rec.Payload = &payload
	return rec
}

var (
	errDecrypt   = errors.New(VoidDecryptFailed)
	errMalformed = errors.New(VoidMalformedPayload)
	errBinding   = errors.New(VoidBindingMismatch)
	errDeclared  = errors.New(VoidDeclaredMismatch)
)

func (l *Ledger) open(o auction.Order, id timelock.Identity) (auction.OrderPayload, error) {
	if l.decrypter == nil {
		return auction.OrderPayload{}, errDecrypt
	}
	pt, err := l.decrypter.Decrypt(o.EncryptedPayload, id)
	if err != nil {
		return auction.OrderPayload{}, fmt.Errorf("%w: %v", errDecrypt, err)
	}
	if auction.Commit(pt) != o.CommitmentHash {
		return auction.OrderPayload{}, auction.ErrCommitmentMismatch
	}
	p, err := auction.DecodePayload(pt)
	if err != nil {
		return auction.OrderPayload{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if p.RoundID != o.RoundID || p.Owner != o.Owner {
		return auction.OrderPayload{}, errBinding
	}
	if p.Side != o.Side || p.Asset != o.Asset || p.Amount != o.Amount || p.PriceLimit != o.PriceLimit {
		return auction.OrderPayload{}, errDeclared
	}
	return p, nil
}

func voidReason(err error) string {
	switch {
	case errors.Is(err, auction.ErrCommitmentMismatch):
		return VoidCommitmentMismatch
	case errors.Is(err, errMalformed):
		return VoidMalformedPayload
	case errors.Is(err, errBinding):
		return VoidBindingMismatch
	case errors.Is(err, errDeclared):
		return VoidDeclaredMismatch
	default:
		return VoidDecryptFailed
	}
}
