package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer produces secp256k1 signatures over prepared digests using the
// dedicated claim-authorization key. Implementations never expose, persist,
// or log raw key material.
type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, digest []byte) ([]byte, error)
}

// LocalSigner holds the authorization key in process memory. The key is
// dedicated to claim vouchers; it must not be shared with any other backend
// signing purpose.
type LocalSigner struct {
	key *ecdsa.PrivateKey
}

// NewFromHex creates a signer from a hex-encoded secp256k1 private key.
func NewFromHex(material string) (*LocalSigner, error) {
	material = strings.TrimPrefix(strings.TrimSpace(material), "0x")
	if material == "" {
		return nil, fmt.Errorf("signer: empty key material")
	}
	key, err := ethcrypto.HexToECDSA(material)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid key material: %w", err)
	}
	return &LocalSigner{key: key}, nil
}

// NewFromEnv sources key material from the named environment variable.
func NewFromEnv(varName string) (*LocalSigner, error) {
	material := strings.TrimSpace(os.Getenv(varName))
	if material == "" {
		return nil, fmt.Errorf("signer: environment variable %s not set", varName)
	}
	return NewFromHex(material)
}

// NewFromFile sources key material from a file, e.g. a mounted secret.
func NewFromFile(path string) (*LocalSigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signer: read key file: %w", err)
	}
	return NewFromHex(string(raw))
}

// Address returns the EVM address claim contracts recover signatures against.
func (s *LocalSigner) Address() common.Address {
	if s == nil || s.key == nil {
		return common.Address{}
	}
	return ethcrypto.PubkeyToAddress(s.key.PublicKey)
}

// Sign signs a 32-byte digest.
func (s *LocalSigner) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, fmt.Errorf("signer: not configured")
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("signer: digest must be 32 bytes, got %d", len(digest))
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return ethcrypto.Sign(digest, s.key)
}

// Generate creates a throwaway key, used by tests and local development.
func Generate() (*LocalSigner, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &LocalSigner{key: key}, nil
}

// KeyHexForTest exports the key as hex. Only tests should call this.
func (s *LocalSigner) KeyHexForTest() string {
	return hex.EncodeToString(ethcrypto.FromECDSA(s.key))
}
