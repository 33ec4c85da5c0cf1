package main

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/crypto"
	"github.com/uhyunpark/veil/pkg/timelock"
)

func TestBuildOrderRoundTrip(t *testing.T) {
	ibe, err := timelock.NewIBE([]byte("seal-order-test-seed-00000000001"))
	require.NoError(t, err)
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)

	payload := auction.OrderPayload{
		RoundID: 4, Owner: signer.Address(), Side: auction.SideSell, Asset: auction.AssetETH,
		Amount: 3, PriceLimit: 2500, Salt: "fixed",
	}
	req, err := buildOrder(signer, ibe.PublicKey(), 31337, payload)
	require.NoError(t, err)

	ct, err := hexutil.Decode(req.EncryptedPayload)
	require.NoError(t, err)
	pt, err := ibe.Decrypt(ct, ibe.DeriveRoundIdentity(4))
	require.NoError(t, err)
	assert.Equal(t, req.CommitmentHash, auction.Commit(pt))

	got, err := auction.DecodePayload(pt)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	sig, err := hexutil.Decode(req.Signature)
	require.NoError(t, err)
	domain := crypto.DefaultDomain()
	domain.ChainID = big.NewInt(31337)
	msg := &crypto.SubmitOrder{
		RoundID: 4, Side: uint8(auction.SideSell), Asset: "ETH", Amount: 3, PriceLimit: 2500,
		CommitmentHash: req.CommitmentHash, Owner: common.HexToAddress(req.Owner),
	}
	assert.NoError(t, crypto.NewEIP712Signer(domain).VerifySubmitOrder(msg, sig))
	assert.Error(t, crypto.NewEIP712Signer(crypto.DefaultDomain()).VerifySubmitOrder(msg, sig), "other chain id")
}

func TestLoadSignerFromHex(t *testing.T) {
	s, err := crypto.GenerateKey()
	require.NoError(t, err)
	got, err := loadSigner(s.PrivateKeyHex())
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got.Address())
}
