// Command seal-order builds a sealed, EIP-712 signed order for the current
// round of a running node and prints it, or submits it with -submit.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/uhyunpark/veil/pkg/api"
	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/crypto"
	"github.com/uhyunpark/veil/pkg/timelock"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func main() {
	nodeURL := flag.String("node", "http://localhost:8080", "node API base URL")
	keyHex := flag.String("key", os.Getenv("VEIL_PRIVATE_KEY"), "hex private key (default: $VEIL_PRIVATE_KEY, or a fresh key)")
	sideFlag := flag.String("side", "buy", "buy or sell")
	asset := flag.String("asset", string(auction.AssetBTC), "asset symbol")
	amount := flag.Int64("amount", 1, "order amount")
	price := flag.Int64("price", 100, "limit price")
	roundFlag := flag.Uint64("round", 0, "round id (default: the node's current round)")
	chainID := flag.Int64("chain-id", 1337, "EIP-712 domain chain id")
	submit := flag.Bool("submit", false, "POST the order to the node instead of printing it")
	flag.Parse()

	if err := run(*nodeURL, *keyHex, *sideFlag, auction.Asset(*asset), *amount, *price,
		auction.RoundID(*roundFlag), *chainID, *submit); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(nodeURL, keyHex, sideFlag string, asset auction.Asset, amount, price int64,
	roundID auction.RoundID, chainID int64, submit bool) error {
	nodeURL = strings.TrimRight(nodeURL, "/")

	signer, err := loadSigner(keyHex)
	if err != nil {
		return err
	}

	var side auction.Side
	if err := side.UnmarshalText([]byte(sideFlag)); err != nil {
		return err
	}

	var pk api.PublicKeyResponse
	if err := getJSON(nodeURL+"/api/v1/timelock/public-key", &pk); err != nil {
		return fmt.Errorf("fetch public key: %w", err)
	}
	raw, err := hexutil.Decode(pk.PublicKey)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	pub, err := timelock.ParsePublicKey(raw)
	if err != nil {
		return err
	}

	if roundID == 0 {
		var st api.RoundStatusResponse
		if err := getJSON(nodeURL+"/api/v1/round", &st); err != nil {
			return fmt.Errorf("fetch round: %w", err)
		}
		if st.State != auction.StateActive {
			fmt.Fprintf(os.Stderr, "warning: round %d is %s, submission will be refused\n", st.RoundID, st.State)
		}
		roundID = st.RoundID
	}

	req, err := buildOrder(signer, pub, chainID, auction.OrderPayload{
		RoundID:    roundID,
		Owner:      signer.Address(),
		Side:       side,
		Asset:      asset,
		Amount:     amount,
		PriceLimit: price,
		Salt:       uuid.NewString(),
	})
	if err != nil {
		return err
	}

	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return err
	}
	if !submit {
		fmt.Println(string(body))
		return nil
	}

	resp, err := httpClient.Post(nodeURL+"/api/v1/orders", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("node returned %s: %s", resp.Status, strings.TrimSpace(string(out)))
	}
	fmt.Println(strings.TrimSpace(string(out)))
	return nil
}

func loadSigner(keyHex string) (*crypto.Signer, error) {
	if keyHex != "" {
		return crypto.FromPrivateKeyHex(keyHex)
	}
	signer, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "Address: %s\nPrivate Key: %s (KEEP SECRET!)\n", signer.Address().Hex(), signer.PrivateKeyHex())
	return signer, nil
}

// buildOrder seals the payload to its round and signs the envelope.
func buildOrder(signer *crypto.Signer, pub timelock.PublicKey, chainID int64, p auction.OrderPayload) (api.SubmitOrderRequest, error) {
	plaintext, err := p.Encode()
	if err != nil {
		return api.SubmitOrderRequest{}, err
	}
	sealed, err := timelock.Seal(plaintext, pub, p.RoundID)
	if err != nil {
		return api.SubmitOrderRequest{}, fmt.Errorf("seal: %w", err)
	}
	commitment := auction.Commit(plaintext)

	domain := crypto.DefaultDomain()
	domain.ChainID = big.NewInt(chainID)
	sig, err := crypto.NewEIP712Signer(domain).SignSubmitOrder(signer, &crypto.SubmitOrder{
		RoundID:        uint64(p.RoundID),
		Side:           uint8(p.Side),
		Asset:          string(p.Asset),
		Amount:         p.Amount,
		PriceLimit:     p.PriceLimit,
		CommitmentHash: commitment,
		Owner:          signer.Address(),
	})
	if err != nil {
		return api.SubmitOrderRequest{}, fmt.Errorf("sign: %w", err)
	}

	return api.SubmitOrderRequest{
		RoundID:          p.RoundID,
		Owner:            signer.Address().Hex(),
		Side:             p.Side,
		Asset:            p.Asset,
		Amount:           p.Amount,
		PriceLimit:       p.PriceLimit,
		EncryptedPayload: hexutil.Encode(sealed),
		CommitmentHash:   commitment,
		Signature:        hexutil.Encode(sig),
	}, nil
}

func getJSON(url string, out any) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
