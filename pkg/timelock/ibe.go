// Package timelock seals order payloads to a round identity that only becomes
// available once the round's Active window has closed.
//
// The scheme is Boneh-Franklin style identity based encryption over BLS12-381:
//
//	master secret   s
//	public key      P   = s·G1
//	round identity  d   = s·H2(ctx || round)
//	encrypt         U   = r·G1,  k = KDF(e(r·P, H2(ctx || round)))
//	decrypt         k   = KDF(e(U, d))
//
// The symmetric part is ChaCha20-Poly1305 keyed through HKDF-SHA256.
package timelock

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/ecc/bls12381"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/uhyunpark/veil/pkg/auction"
)

const (
	// Context separates round identities of this engine from any other use
	// of the same master key.
	Context = "VEIL-BATCH-AUCTION-V1"

	hashDST       = "VEIL-BATCH-AUCTION-V1_BLS12381G2_XMD:SHA-256_SSWU_RO_"
	ciphertextVer = 0x01
)

var (
	ErrMalformedCiphertext = errors.New("timelock: malformed ciphertext")
	ErrDecrypt             = errors.New("timelock: decryption failed")
	ErrInvalidKey          = errors.New("timelock: invalid key material")
)

// PublicKey is the master public key in G1.
type PublicKey struct {
	p *bls12381.G1
}

func (k PublicKey) Bytes() []byte { return k.p.Bytes() }

func ParsePublicKey(b []byte) (PublicKey, error) {
	p := new(bls12381.G1)
	if err := p.SetBytes(b); err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return PublicKey{p: p}, nil
}

// Identity is the per-round decryption key in G2.
type Identity struct {
	RoundID auction.RoundID
	Key     []byte
}

// Scheme is the identity based encryption used by the engine.
type Scheme interface {
	PublicKey() PublicKey
	DeriveRoundIdentity(round auction.RoundID) Identity
	Encrypt(plaintext []byte, pub PublicKey, round auction.RoundID) ([]byte, error)
	Decrypt(ciphertext []byte, id Identity) ([]byte, error)
	VerifyIdentity(pub PublicKey, id Identity) bool
}

// IBE implements Scheme on BLS12-381.
type IBE struct {
	secret *bls12381.Scalar
	pub    PublicKey
}

// NewIBE derives the master secret from seed. The same seed always yields
// the same public key and round identities.
func NewIBE(seed []byte) (*IBE, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("%w: seed must be at least 16 bytes", ErrInvalidKey)
	}
	wide := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, []byte(Context), []byte("master-secret")), wide); err != nil {
		return nil, err
	}
	s := new(bls12381.Scalar)
	s.SetBytes(wide)

	p := new(bls12381.G1)
	p.ScalarMult(s, bls12381.G1Generator())
	return &IBE{secret: s, pub: PublicKey{p: p}}, nil
}

// NewRandomIBE uses a fresh random seed.
func NewRandomIBE() (*IBE, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return NewIBE(seed)
}

func (e *IBE) PublicKey() PublicKey { return e.pub }

func (e *IBE) DeriveRoundIdentity(round auction.RoundID) Identity {
	d := new(bls12381.G2)
	d.ScalarMult(e.secret, roundPoint(round))
	return Identity{RoundID: round, Key: d.Bytes()}
}

func (e *IBE) Encrypt(plaintext []byte, pub PublicKey, round auction.RoundID) ([]byte, error) {
	if pub.p == nil {
		return nil, ErrInvalidKey
	}
	r, err := randomScalar()
	if err != nil {
		return nil, err
	}

	u := new(bls12381.G1)
	u.ScalarMult(r, bls12381.G1Generator())
	rp := new(bls12381.G1)
	rp.ScalarMult(r, pub.p)

	key, err := deriveKey(bls12381.Pair(rp, roundPoint(round)), u.Bytes())
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ub := u.Bytes()
	out := make([]byte, 0, 3+len(ub)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, ciphertextVer)
	out = binary.BigEndian.AppendUint16(out, uint16(len(ub)))
	out = append(out, ub...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, associatedData(round)), nil
}

func (e *IBE) Decrypt(ciphertext []byte, id Identity) ([]byte, error) {
	ub, nonce, sealed, err := splitCiphertext(ciphertext)
	if err != nil {
		return nil, err
	}
	u := new(bls12381.G1)
	if err := u.SetBytes(ub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	d := new(bls12381.G2)
	if err := d.SetBytes(id.Key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	key, err := deriveKey(bls12381.Pair(u, d), ub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, sealed, associatedData(id.RoundID))
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// VerifyIdentity checks e(G1, d) == e(P, H2(round)), so anyone holding the
// public key can confirm a released identity without trusting the node.
func (e *IBE) VerifyIdentity(pub PublicKey, id Identity) bool {
	return VerifyIdentity(pub, id)
}

func VerifyIdentity(pub PublicKey, id Identity) bool {
	if pub.p == nil {
		return false
	}
	d := new(bls12381.G2)
	if err := d.SetBytes(id.Key); err != nil {
		return false
	}
	lhs := bls12381.Pair(bls12381.G1Generator(), d)
	rhs := bls12381.Pair(pub.p, roundPoint(id.RoundID))
	return lhs.IsEqual(rhs)
}

// Seal encrypts without a Scheme instance, as clients do with only the public key.
func Seal(plaintext []byte, pub PublicKey, round auction.RoundID) ([]byte, error) {
	return (&IBE{}).Encrypt(plaintext, pub, round)
}

func roundPoint(round auction.RoundID) *bls12381.G2 {
	msg := make([]byte, 0, len(Context)+8)
	msg = append(msg, Context...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(round))
	q := new(bls12381.G2)
	q.Hash(msg, []byte(hashDST))
	return q
}

func associatedData(round auction.RoundID) []byte {
	return binary.BigEndian.AppendUint64([]byte(Context), uint64(round))
}

func deriveKey(shared *bls12381.Gt, salt []byte) ([]byte, error) {
	raw, err := shared.MarshalBinary()
	if err != nil {
		return nil, err
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, salt, []byte(Context)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func randomScalar() (*bls12381.Scalar, error) {
	wide := make([]byte, 64)
	if _, err := rand.Read(wide); err != nil {
		return nil, err
	}
	k := new(bls12381.Scalar)
	k.SetBytes(wide)
	return k, nil
}

func splitCiphertext(ct []byte) (u, nonce, sealed []byte, err error) {
	if len(ct) < 3 || ct[0] != ciphertextVer {
		return nil, nil, nil, ErrMalformedCiphertext
	}
	n := int(binary.BigEndian.Uint16(ct[1:3]))
	rest := ct[3:]
	if len(rest) < n+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, nil, nil, ErrMalformedCiphertext
	}
	return rest[:n], rest[n : n+chacha20poly1305.NonceSize], rest[n+chacha20poly1305.NonceSize:], nil
}

var _ Scheme = (*IBE)(nil)
