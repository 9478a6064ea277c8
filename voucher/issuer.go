package voucher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"rewards-gateway/models"
	"rewards-gateway/observability/metrics"
	"rewards-gateway/signer"
)

// Voucher lifecycle errors.
var (
	// ErrNoActiveVoucher signals no voucher exists (or none is ISSUED) for
	// the payout.
	ErrNoActiveVoucher = errors.New("voucher: no active voucher for payout")
	// ErrAlreadyClaimed signals the payout's voucher was already redeemed
	// on-chain; regeneration is forbidden past this point.
	ErrAlreadyClaimed = errors.New("voucher: payout already claimed")
	// ErrVoucherExpired signals the active voucher's deadline has passed.
	ErrVoucherExpired = errors.New("voucher: voucher expired")
	// ErrNotOwner signals the caller does not own the underlying payout.
	ErrNotOwner = errors.New("voucher: caller does not own payout")
	// ErrIssueConflict signals a concurrent issuance raced this one; the
	// caller retries the whole operation.
	ErrIssueConflict = errors.New("voucher: concurrent issuance in progress")
)

// DefaultTTL bounds voucher validity when no override is configured.
const DefaultTTL = 30 * 24 * time.Hour

// IssuerConfig carries the voucher issuance parameters.
type IssuerConfig struct {
	DB            *gorm.DB
	Signer        signer.Signer
	ChainID       uint64
	TTL           time.Duration
	TokenDecimals int
}

// Issuer turns approved payouts into signed, single-use, time-bounded claim
// vouchers. It owns the ClaimVoucher table; nothing else mutates it.
type Issuer struct {
	db       *gorm.DB
	signer   signer.Signer
	chainID  uint64
	ttl      time.Duration
	decimals int
	now      func() time.Time
}

// NewIssuer constructs an issuer with defaults applied.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("voucher: database required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("voucher: signer required")
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("voucher: chain id required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	// Zero is a legal decimal count; only out-of-range values are rejected.
	if cfg.TokenDecimals < 0 || cfg.TokenDecimals > 77 {
		return nil, fmt.Errorf("voucher: unsupported token decimals %d", cfg.TokenDecimals)
	}
	return &Issuer{
		db:       cfg.DB,
		signer:   cfg.Signer,
		chainID:  cfg.ChainID,
		ttl:      ttl,
		decimals: cfg.TokenDecimals,
		now:      time.Now,
	}, nil
}

// SetNow overrides the time source. It is intended for tests.
func (i *Issuer) SetNow(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	i.now = now
}

// SignerAddress exposes the address claim contracts verify against.
func (i *Issuer) SignerAddress() common.Address {
	return i.signer.Address()
}

// IssueRequest describes a payout to authorize.
type IssueRequest struct {
	PayoutID     string
	UserID       string
	Wallet       common.Address
	AmountTokens int64
}

// Issue mints the voucher for an approved payout. Once a payout has a voucher
// only its owner may issue against it again: calling Issue while a voucher is
// still ISSUED returns that voucher unchanged, and a claimed payout is
// rejected. The nonce is payoutID plus a generation counter so regenerated
// vouchers can never collide with superseded ones.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*models.ClaimVoucher, error) {
	payoutID := strings.TrimSpace(req.PayoutID)
	if payoutID == "" {
		return nil, fmt.Errorf("voucher: payout id required")
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, fmt.Errorf("voucher: user id required")
	}

	latest, err := i.latest(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	generation := 1
	if latest != nil {
		if latest.UserID != userID {
			return nil, ErrNotOwner
		}
		switch latest.Status {
		case models.VoucherIssued:
			return latest, nil
		case models.VoucherClaimed:
			return nil, ErrAlreadyClaimed
		default:
			generation = latest.Generation + 1
		}
	}
	amount, err := ToBaseUnits(req.AmountTokens, i.decimals)
	if err != nil {
		return nil, err
	}
	return i.mint(ctx, payoutID, userID, req.Wallet, amount, generation, nil)
}

// Regenerate supersedes the payout's active voucher and mints a fresh one
// with a new nonce and deadline. Only valid while the prior voucher is still
// ISSUED; a redeemed payout can never be re-authorized.
func (i *Issuer) Regenerate(ctx context.Context, payoutID, callerUserID string) (*models.ClaimVoucher, error) {
	payoutID = strings.TrimSpace(payoutID)
	latest, err := i.latest(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, ErrNoActiveVoucher
	}
	if latest.UserID != strings.TrimSpace(callerUserID) {
		return nil, ErrNotOwner
	}
	switch latest.Status {
	case models.VoucherClaimed:
		return nil, ErrAlreadyClaimed
	case models.VoucherIssued:
		// supersede below
	default:
		return nil, ErrNoActiveVoucher
	}

	wallet := common.HexToAddress(latest.WalletAddress)
	amount, ok := new(big.Int).SetString(latest.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("voucher: corrupt amount %q on voucher %s", latest.Amount, latest.ID)
	}
	return i.mint(ctx, payoutID, latest.UserID, wallet, amount, latest.Generation+1, latest)
}

// mint signs and persists one voucher generation. When supersede is non-nil
// its ISSUED row is atomically flipped to SUPERSEDED in the same transaction;
// losing that conditional update means another issuance raced us.
func (i *Issuer) mint(ctx context.Context, payoutID, userID string, wallet common.Address, amount *big.Int, generation int, supersede *models.ClaimVoucher) (*models.ClaimVoucher, error) {
	now := i.now().UTC()
	data := ClaimData{
		Wallet:   wallet,
		Amount:   amount,
		Nonce:    fmt.Sprintf("%s-%d", payoutID, generation),
		ChainID:  i.chainID,
		Deadline: now.Add(i.ttl).Unix(),
	}
	hash, err := data.SigningHash()
	if err != nil {
		return nil, err
	}
	sig, err := i.signer.Sign(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("voucher: sign claim: %w", err)
	}

	record := models.ClaimVoucher{
		ID:            uuid.New(),
		PayoutID:      payoutID,
		UserID:        userID,
		WalletAddress: wallet.Hex(),
		Amount:        amount.String(),
		Nonce:         data.Nonce,
		Generation:    generation,
		ChainID:       i.chainID,
		Deadline:      data.Deadline,
		Signature:     "0x" + hex.EncodeToString(sig),
		Status:        models.VoucherIssued,
		IssuedAt:      now,
		UpdatedAt:     now,
	}

	err = i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if supersede != nil {
			update := tx.Model(&models.ClaimVoucher{}).
				Where("id = ? AND status = ?", supersede.ID, models.VoucherIssued).
				Updates(map[string]interface{}{"status": models.VoucherSuperseded, "updated_at": now})
			if update.Error != nil {
				return update.Error
			}
			if update.RowsAffected == 0 {
				return ErrIssueConflict
			}
		}
		if err := tx.Create(&record).Error; err != nil {
			// The unique nonce index rejects a concurrent mint of the
			// same generation.
			return ErrIssueConflict
		}
		audit := models.AuditEvent{
			ID:        uuid.New(),
			UserID:    userID,
			Action:    "voucher.issued",
			Details:   fmt.Sprintf("payout_id=%s nonce=%s deadline=%d", payoutID, record.Nonce, record.Deadline),
			CreatedAt: now,
		}
		return tx.Create(&audit).Error
	})
	if err != nil {
		return nil, err
	}
	metrics.Rewards().ObserveVoucher(string(models.VoucherIssued))
	if supersede != nil {
		metrics.Rewards().ObserveVoucher(string(models.VoucherSuperseded))
	}
	return &record, nil
}

func (i *Issuer) latest(ctx context.Context, payoutID string) (*models.ClaimVoucher, error) {
	var row models.ClaimVoucher
	err := i.db.WithContext(ctx).
		Where("payout_id = ?", payoutID).
		Order("generation DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("voucher: load latest: %w", err)
	}
	return &row, nil
}
