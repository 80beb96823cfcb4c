// Package eligibility implements the optional signature whitelist in front of
// fills and deposits.
//
// An eligibility token is a secp256k1 signature, made by the configured
// signer, over the Ethereum signed-message hash of a digest. The digest either
// binds the participant to one auction round or to the participant alone. A
// digest is consumed on first use; replaying it fails closed.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/atmx/issuance-engine/internal/journal"
)

var (
	ErrInvalidSignature  = errors.New("eligibility: invalid signature")
	ErrSignatureConsumed = errors.New("eligibility: signature already used")
)

// KeyStore records consumed digests.
type KeyStore interface {
	// ConsumeKey marks key as used. It reports false if it already was.
	ConsumeKey(ctx context.Context, key common.Hash) (bool, error)
	ReleaseKey(ctx context.Context, key common.Hash) error
}

// Gate verifies eligibility signatures. A gate without a signer admits
// everyone.
type Gate struct {
	mu     sync.RWMutex
	signer *common.Address
	keys   KeyStore
}

// NewGate creates a gate. signer may be nil.
func NewGate(keys KeyStore, signer *common.Address) *Gate {
	g := &Gate{keys: keys}
	g.SetSigner(signer)
	return g
}

// Signer returns the configured signer, or nil when the gate is open.
func (g *Gate) Signer() *common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.signer == nil {
		return nil
	}
	s := *g.signer
	return &s
}

// SetSigner rotates the signer. nil disables the gate.
func (g *Gate) SetSigner(signer *common.Address) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if signer == nil {
		g.signer = nil
		return
	}
	s := *signer
	g.signer = &s
}

// Check admits the holder of sig for digest and consumes the digest. The
// consumption is undone if tx rolls back.
func (g *Gate) Check(ctx context.Context, tx *journal.Journal, digest common.Hash, sig []byte) error {
	signer := g.Signer()
	if signer == nil {
		return nil
	}

	recovered, err := Recover(digest, sig)
	if err != nil {
		return err
	}
	if recovered != *signer {
		return fmt.Errorf("%w: signed by %s", ErrInvalidSignature, recovered.Hex())
	}

	fresh, err := g.keys.ConsumeKey(ctx, digest)
	if err != nil {
		return fmt.Errorf("eligibility: consume %s: %w", digest.Hex(), err)
	}
	if !fresh {
		return ErrSignatureConsumed
	}
	tx.OnRollback(func(ctx context.Context) error {
		return g.keys.ReleaseKey(ctx, digest)
	})
	return nil
}

// RoundDigest scopes eligibility to one participant in one auction round:
//
//	keccak256(participant ‖ startTime ‖ duration ‖ startPrice ‖ endPrice)
//
// with every field left-padded to 32 bytes. Times are unix seconds.
func RoundDigest(participant common.Address, startTime time.Time, duration time.Duration, startPrice, endPrice *uint256.Int) common.Hash {
	start := uint256.NewInt(uint64(startTime.Unix()))
	dur := uint256.NewInt(uint64(duration / time.Second))
	return ethcrypto.Keccak256Hash(
		common.LeftPadBytes(participant.Bytes(), 32),
		word(start),
		word(dur),
		word(startPrice),
		word(endPrice),
	)
}

// ParticipantDigest scopes eligibility to the participant alone.
func ParticipantDigest(participant common.Address) common.Hash {
	return ethcrypto.Keccak256Hash(common.LeftPadBytes(participant.Bytes(), 32))
}

// messageHash applies the Ethereum signed-message prefix to a digest.
func messageHash(digest common.Hash) []byte {
	return ethcrypto.Keccak256([]byte("\x19Ethereum Signed Message:\n32"), digest.Bytes())
}

// Recover returns the address that signed digest.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	norm := make([]byte, 65)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	if norm[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: bad recovery id", ErrInvalidSignature)
	}
	pub, err := ethcrypto.SigToPub(messageHash(digest), norm)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func word(x *uint256.Int) []byte {
	if x == nil {
		return make([]byte, 32)
	}
	b := x.Bytes32()
	return b[:]
}
