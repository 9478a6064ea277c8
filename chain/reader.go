package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"rewards-gateway/appday"
)

// lastRewardedAt(address) returns the unix timestamp of the wallet's most
// recent on-chain reward, zero if never rewarded.
var lastRewardedSelector = gethcrypto.Keccak256([]byte("lastRewardedAt(address)"))[:4]

// EVMClient is the subset of the Ethereum RPC used by the reader.
type EVMClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Reader answers "when was this wallet last rewarded on-chain" as an app day,
// using the same day-boundary clock as the ledger so the two stores can be
// compared directly. RPC failures surface as errors, never as a day value;
// callers treat them as "unknown" and fall back to ledger-only logic.
type Reader struct {
	client   EVMClient
	contract common.Address
	clock    *appday.Clock
	timeout  time.Duration
}

// NewReader constructs a reader against the reward contract.
func NewReader(client EVMClient, contract common.Address, clock *appday.Clock, timeout time.Duration) *Reader {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reader{client: client, contract: contract, clock: clock, timeout: timeout}
}

// LastRewardedDay performs the read-only contract call. ok is false when the
// wallet has never been rewarded; a non-nil error means the signal is
// unavailable and must not be interpreted either way.
func (r *Reader) LastRewardedDay(ctx context.Context, wallet common.Address) (appday.Day, bool, error) {
	if r == nil || r.client == nil {
		return "", false, fmt.Errorf("chain reader not initialised")
	}
	if (wallet == common.Address{}) {
		return "", false, fmt.Errorf("wallet address required")
	}
	data := make([]byte, 0, 36)
	data = append(data, lastRewardedSelector...)
	data = append(data, common.LeftPadBytes(wallet.Bytes(), 32)...)

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	out, err := r.client.CallContract(callCtx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
	if err != nil {
		return "", false, fmt.Errorf("call lastRewardedAt: %w", err)
	}
	if len(out) != 32 {
		return "", false, fmt.Errorf("unexpected lastRewardedAt result length %d", len(out))
	}
	ts := new(big.Int).SetBytes(out)
	if ts.Sign() == 0 {
		return "", false, nil
	}
	if !ts.IsInt64() {
		return "", false, fmt.Errorf("lastRewardedAt out of range: %s", ts)
	}
	return r.clock.FromUnix(ts.Int64()), true, nil
}

// TxConfirmed reports whether the transaction is mined and succeeded. Used by
// the self-service recovery path to sanity-check a user-supplied hash; a
// missing receipt is a definitive false, transport errors propagate.
func (r *Reader) TxConfirmed(ctx context.Context, txHash common.Hash) (bool, error) {
	if r == nil || r.client == nil {
		return false, fmt.Errorf("chain reader not initialised")
	}
	if (txHash == common.Hash{}) {
		return false, fmt.Errorf("tx hash required")
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	receipt, err := r.client.TransactionReceipt(callCtx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return false, nil
	}
	return receipt.Status == gethtypes.ReceiptStatusSuccessful, nil
}
