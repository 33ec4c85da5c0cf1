package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/uhyunpark/veil/pkg/auction"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:    "Veil",
		Version: "1",
		ChainID: big.NewInt(1337),
	}
}

// SubmitOrder is the typed message a trader signs to submit a sealed order.
// It covers the envelope only; the commitment binds the encrypted payload.
type SubmitOrder struct {
	RoundID        uint64
	Side           uint8
	Asset          string
	Amount         int64
	PriceLimit     int64
	CommitmentHash string
	Owner          common.Address
}

var (
	domainType = []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}
	submitOrderType = []apitypes.Type{
		{Name: "roundId", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "asset", Type: "string"},
		{Name: "amount", Type: "uint256"},
		{Name: "priceLimit", Type: "uint256"},
		{Name: "commitmentHash", Type: "string"},
		{Name: "owner", Type: "address"},
	}
)

// EIP712Signer hashes, signs and verifies SubmitOrder messages under one domain.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) typedData(o *SubmitOrder) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"SubmitOrder":  submitOrderType,
		},
		PrimaryType: "SubmitOrder",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"roundId":        fmt.Sprintf("%d", o.RoundID),
			"side":           fmt.Sprintf("%d", o.Side),
			"asset":          o.Asset,
			"amount":         fmt.Sprintf("%d", o.Amount),
			"priceLimit":     fmt.Sprintf("%d", o.PriceLimit),
			"commitmentHash": o.CommitmentHash,
			"owner":          o.Owner.Hex(),
		},
	}
}

// HashSubmitOrder returns keccak256("\x19\x01" || domainSeparator || hashStruct(order)).
func (e *EIP712Signer) HashSubmitOrder(o *SubmitOrder) ([]byte, error) {
	// uint256 fields cannot carry negative values
	if o.Amount <= 0 || o.PriceLimit <= 0 {
		return nil, fmt.Errorf("amount and price limit must be positive: %w", auction.ErrInvalidOrder)
	}
	td := e.typedData(o)
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}
	raw := make([]byte, 0, 2+len(domainSeparator)+len(messageHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256(raw), nil
}

func (e *EIP712Signer) SignSubmitOrder(s *Signer, o *SubmitOrder) ([]byte, error) {
	hash, err := e.HashSubmitOrder(o)
	if err != nil {
		return nil, err
	}
	return s.Sign(hash)
}

// RecoverSubmitter returns the address that signed o.
func (e *EIP712Signer) RecoverSubmitter(o *SubmitOrder, signature []byte) (common.Address, error) {
	hash, err := e.HashSubmitOrder(o)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// VerifySubmitOrder checks that o was signed by o.Owner.
func (e *EIP712Signer) VerifySubmitOrder(o *SubmitOrder, signature []byte) error {
	addr, err := e.RecoverSubmitter(o, signature)
	if err != nil {
		if errors.Is(err, auction.ErrInvalidOrder) {
			return err
		}
		return fmt.Errorf("%v: %w", err, auction.ErrUnauthorized)
	}
	if addr != o.Owner {
		return fmt.Errorf("signature by %s does not match owner %s: %w", addr.Hex(), o.Owner.Hex(), auction.ErrUnauthorized)
	}
	return nil
}

// TypedDataJSON renders o in the eth_signTypedData_v4 format wallets expect.
func (e *EIP712Signer) TypedDataJSON(o *SubmitOrder) (string, error) {
	td := e.typedData(o)
	out, err := json.MarshalIndent(td, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(out), nil
}
