package voucher

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"rewards-gateway/models"
)

// ClaimData is the canonical tuple a verifying contract reconstructs to check
// a voucher signature. Field order, widths, and the packed layout are part of
// the external contract and must not change without a contract upgrade:
//
//	wallet (20 bytes) ‖ amount (uint256) ‖ nonce (raw bytes) ‖
//	chainId (uint256) ‖ deadline (uint256)
//
// The digest is keccak256 over the packed bytes, and the signature is
// produced over the EIP-191 personal-message hash of that digest so an
// on-chain ecrecover against the same prefix verifies it directly.
type ClaimData struct {
	Wallet   common.Address
	Amount   *big.Int // smallest indivisible token unit
	Nonce    string
	ChainID  uint64
	Deadline int64
}

// Pack returns the ABI-style packed encoding of the tuple.
func (c ClaimData) Pack() ([]byte, error) {
	if (c.Wallet == common.Address{}) {
		return nil, fmt.Errorf("voucher: wallet required")
	}
	if c.Amount == nil || c.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("voucher: amount must be positive")
	}
	if c.Amount.BitLen() > 256 {
		return nil, fmt.Errorf("voucher: amount exceeds uint256")
	}
	nonce := strings.TrimSpace(c.Nonce)
	if nonce == "" {
		return nil, fmt.Errorf("voucher: nonce required")
	}
	if c.ChainID == 0 {
		return nil, fmt.Errorf("voucher: chain id required")
	}
	if c.Deadline <= 0 {
		return nil, fmt.Errorf("voucher: deadline required")
	}
	var buf bytes.Buffer
	buf.Write(c.Wallet.Bytes())
	buf.Write(common.LeftPadBytes(c.Amount.Bytes(), 32))
	buf.WriteString(nonce)
	buf.Write(common.LeftPadBytes(new(big.Int).SetUint64(c.ChainID).Bytes(), 32))
	buf.Write(common.LeftPadBytes(big.NewInt(c.Deadline).Bytes(), 32))
	return buf.Bytes(), nil
}

// Digest computes keccak256 over the packed tuple.
func (c ClaimData) Digest() ([]byte, error) {
	packed, err := c.Pack()
	if err != nil {
		return nil, err
	}
	return ethcrypto.Keccak256(packed), nil
}

// SigningHash returns the personal-message hash the authorization key signs.
func (c ClaimData) SigningHash() ([]byte, error) {
	digest, err := c.Digest()
	if err != nil {
		return nil, err
	}
	return accounts.TextHash(digest), nil
}

// RecoverSigner recovers the address that signed the claim tuple.
func RecoverSigner(c ClaimData, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("voucher: signature must be 65 bytes, got %d", len(sig))
	}
	hash, err := c.SigningHash()
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("voucher: recover pubkey: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig over the claim tuple recovers to signerAddr.
func Verify(c ClaimData, sig []byte, signerAddr common.Address) error {
	recovered, err := RecoverSigner(c, sig)
	if err != nil {
		return err
	}
	if recovered != signerAddr {
		return fmt.Errorf("voucher: signature recovers to %s, want %s", recovered.Hex(), signerAddr.Hex())
	}
	return nil
}

// VerifyVoucher re-encodes a stored voucher row and checks that its signature
// recovers to signerAddr.
func VerifyVoucher(v *models.ClaimVoucher, signerAddr common.Address) error {
	if v == nil {
		return fmt.Errorf("voucher: nil voucher")
	}
	amount, ok := new(big.Int).SetString(v.Amount, 10)
	if !ok {
		return fmt.Errorf("voucher: corrupt amount %q", v.Amount)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(v.Signature, "0x"))
	if err != nil {
		return fmt.Errorf("voucher: decode signature: %w", err)
	}
	data := ClaimData{
		Wallet:   common.HexToAddress(v.WalletAddress),
		Amount:   amount,
		Nonce:    v.Nonce,
		ChainID:  v.ChainID,
		Deadline: v.Deadline,
	}
	return Verify(data, sig, signerAddr)
}

// ToBaseUnits converts a whole-token amount into the token's smallest unit
// using its decimal exponent. This is the single conversion point; everything
// downstream carries integers.
func ToBaseUnits(tokens int64, decimals int) (*big.Int, error) {
	if tokens <= 0 {
		return nil, fmt.Errorf("voucher: token amount must be positive")
	}
	if decimals < 0 || decimals > 77 {
		return nil, fmt.Errorf("voucher: unsupported decimals %d", decimals)
	}
	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(big.NewInt(tokens), exp), nil
}
