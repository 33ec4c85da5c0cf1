package timelock

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/util"
)

// Service guards round identities. An identity is derivable at any time by
// the scheme, but the service hands it out only after Release, which the
// round state machine calls when a round enters Revealing.
type Service struct {
	scheme Scheme
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	released map[auction.RoundID]Identity
}

func NewService(scheme Scheme, logger *zap.SugaredLogger) *Service {
	return &Service{
		scheme:   scheme,
		logger:   util.OrNop(logger),
		released: make(map[auction.RoundID]Identity),
	}
}

// MasterPublicKey is the key clients encrypt order payloads to.
func (s *Service) MasterPublicKey() PublicKey { return s.scheme.PublicKey() }

// Release makes the identity of round available. Releasing twice is a no-op.
func (s *Service) Release(round auction.RoundID) Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.released[round]; ok {
		return id
	}
	id := s.scheme.DeriveRoundIdentity(round)
	s.released[round] = id
	s.logger.Infow("round_identity_released", "round", round)
	return id
}

// RoundIdentity returns the released identity or ErrEncryptionNotReady.
func (s *Service) RoundIdentity(round auction.RoundID) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.released[round]
	if !ok {
		return Identity{}, fmt.Errorf("round %d: %w", round, auction.ErrEncryptionNotReady)
	}
	return id, nil
}

// Decrypt opens ciphertext with a released identity.
func (s *Service) Decrypt(ciphertext []byte, id Identity) ([]byte, error) {
	return s.scheme.Decrypt(ciphertext, id)
}

