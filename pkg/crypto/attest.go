package crypto

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/veil/pkg/auction"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]

// BLSSigner attests clearing results so that archived or relayed results can
// be checked against the node's public key.
type BLSSigner struct {
	sk *bls.PrivateKey[scheme]
	pk *BLSPubKey
}

// NewBLSSignerFromSeed derives the key from seed, which must be at least 32 bytes.
func NewBLSSignerFromSeed(seed []byte) (*BLSSigner, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bls keygen: %w", err)
	}
	return &BLSSigner{sk: sk, pk: sk.PublicKey()}, nil
}

func (s *BLSSigner) Pubkey() *BLSPubKey { return s.pk }

func (s *BLSSigner) PubkeyHex() (string, error) {
	b, err := s.pk.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Attest signs the digest of res. The Attestation field itself is not covered.
func (s *BLSSigner) Attest(res auction.ClearingResult) ([]byte, error) {
	return bls.Sign(s.sk, ResultDigest(res)), nil
}

func VerifyAttestation(pk *BLSPubKey, res auction.ClearingResult, sig []byte) bool {
	return bls.Verify(pk, ResultDigest(res), bls.Signature(sig))
}

// ResultDigest is keccak256 over a fixed-width big-endian encoding of the
// result's round, totals, matches and void orders.
func ResultDigest(res auction.ClearingResult) []byte {
	buf := make([]byte, 0, 8*(5+6*len(res.Matches)+len(res.VoidOrders)))
	put := func(v uint64) { buf = binary.BigEndian.AppendUint64(buf, v) }

	put(uint64(res.RoundID))
	put(uint64(res.ClearingPrice))
	put(uint64(res.TotalVolume))
	put(uint64(res.TotalSurplus))
	put(uint64(len(res.Matches)))
	for _, m := range res.Matches {
		put(uint64(m.OrderID))
		buf = append(buf, m.Owner.Bytes()...)
		buf = append(buf, byte(m.Side))
		if m.Filled {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		put(uint64(m.FillAmount))
		put(uint64(m.FillPrice))
		put(uint64(m.Surplus))
	}
	for _, id := range res.VoidOrders {
		put(uint64(id))
	}
	return crypto.Keccak256(buf)
}
