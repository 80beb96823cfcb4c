package eligibility

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer issues eligibility signatures from a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("eligibility/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// GenerateSigner creates a Signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("eligibility/signer: generate key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the address the gate must be configured with.
func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKeyHex returns the hex-encoded key.
func (s *Signer) PrivateKeyHex() string {
	return hex.EncodeToString(ethcrypto.FromECDSA(s.privateKey))
}

// Sign returns a 65-byte signature (r || s || v) over digest with v in
// {27, 28}.
func (s *Signer) Sign(digest common.Hash) ([]byte, error) {
	sig, err := ethcrypto.Sign(messageHash(digest), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("eligibility/signer: signing: %w", err)
	}
	// go-ethereum returns v in {0,1}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// SignHex is Sign with 0x-prefixed hex output.
func (s *Signer) SignHex(digest common.Hash) (string, error) {
	sig, err := s.Sign(digest)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// DecodeSignature parses a hex signature, with or without 0x prefix. An
// empty string yields nil.
func DecodeSignature(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return b, nil
}
