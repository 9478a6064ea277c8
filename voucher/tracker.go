package voucher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rewards-gateway/models"
	"rewards-gateway/observability/metrics"
)

// Tracker records voucher redemption and runs the expiry sweep. It shares the
// ClaimVoucher table with the Issuer but only ever moves rows forward, ISSUED
// to CLAIMED or ISSUED to EXPIRED.
type Tracker struct {
	db  *gorm.DB
	now func() time.Time
}

// NewTracker wires a tracker over the voucher table.
func NewTracker(db *gorm.DB) *Tracker {
	return &Tracker{db: db, now: time.Now}
}

// SetNow overrides the time source. It is intended for tests.
func (t *Tracker) SetNow(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	t.now = now
}

// Active returns the payout's current ISSUED voucher for the given owner.
func (t *Tracker) Active(ctx context.Context, payoutID, callerUserID string) (*models.ClaimVoucher, error) {
	latest, err := t.latest(ctx, payoutID)
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
	case models.VoucherIssued:
		if latest.Deadline < t.now().Unix() {
			return nil, ErrVoucherExpired
		}
		return latest, nil
	case models.VoucherClaimed:
		return nil, ErrAlreadyClaimed
	case models.VoucherExpired:
		return nil, ErrVoucherExpired
	default:
		return nil, ErrNoActiveVoucher
	}
}

// MarkClaimed records that the payout's voucher was redeemed on-chain. The
// transition only fires while the voucher is ISSUED and inside its deadline;
// reporting the same claim twice returns the stored record unchanged.
func (t *Tracker) MarkClaimed(ctx context.Context, payoutID, callerUserID, claimTxHash string) (*models.ClaimVoucher, error) {
	claimTxHash = strings.TrimSpace(claimTxHash)
	if claimTxHash == "" {
		return nil, fmt.Errorf("voucher: claim tx hash required")
	}
	latest, err := t.latest(ctx, payoutID)
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
		return latest, nil
	case models.VoucherExpired:
		return nil, ErrVoucherExpired
	case models.VoucherIssued:
		// transition below
	default:
		return nil, ErrNoActiveVoucher
	}

	now := t.now().UTC()
	if latest.Deadline < now.Unix() {
		return nil, ErrVoucherExpired
	}

	err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&models.ClaimVoucher{}).
			Where("id = ? AND status = ?", latest.ID, models.VoucherIssued).
			Updates(map[string]interface{}{
				"status":        models.VoucherClaimed,
				"claim_tx_hash": claimTxHash,
				"updated_at":    now,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			// Raced another report of the same claim; the re-read below
			// settles which state won.
			return errLostClaimRace
		}
		audit := models.AuditEvent{
			ID:        uuid.New(),
			UserID:    latest.UserID,
			Action:    "voucher.claimed",
			Details:   fmt.Sprintf("payout_id=%s nonce=%s tx=%s", payoutID, latest.Nonce, claimTxHash),
			CreatedAt: now,
		}
		return tx.Create(&audit).Error
	})
	if errors.Is(err, errLostClaimRace) {
		current, rerr := t.latest(ctx, payoutID)
		if rerr != nil {
			return nil, rerr
		}
		if current != nil && current.Status == models.VoucherClaimed {
			return current, nil
		}
		return nil, ErrNoActiveVoucher
	}
	if err != nil {
		return nil, err
	}
	metrics.Rewards().ObserveVoucher(string(models.VoucherClaimed))

	latest.Status = models.VoucherClaimed
	latest.ClaimTxHash = claimTxHash
	latest.UpdatedAt = now
	return latest, nil
}

var errLostClaimRace = errors.New("voucher: claim transition raced")

// ExpireOverdue flips every ISSUED voucher whose deadline has passed to
// EXPIRED and returns how many rows moved. Run periodically by the sweep.
func (t *Tracker) ExpireOverdue(ctx context.Context) (int64, error) {
	now := t.now().UTC()
	update := t.db.WithContext(ctx).Model(&models.ClaimVoucher{}).
		Where("status = ? AND deadline < ?", models.VoucherIssued, now.Unix()).
		Updates(map[string]interface{}{"status": models.VoucherExpired, "updated_at": now})
	if update.Error != nil {
		return 0, fmt.Errorf("voucher: expire overdue: %w", update.Error)
	}
	metrics.Rewards().ObserveVouchersExpired(update.RowsAffected)
	return update.RowsAffected, nil
}

// History returns every generation recorded for a payout, newest first.
func (t *Tracker) History(ctx context.Context, payoutID, callerUserID string) ([]models.ClaimVoucher, error) {
	var rows []models.ClaimVoucher
	err := t.db.WithContext(ctx).
		Where("payout_id = ?", strings.TrimSpace(payoutID)).
		Order("generation DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("voucher: load history: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNoActiveVoucher
	}
	if rows[0].UserID != strings.TrimSpace(callerUserID) {
		return nil, ErrNotOwner
	}
	return rows, nil
}

func (t *Tracker) latest(ctx context.Context, payoutID string) (*models.ClaimVoucher, error) {
	var row models.ClaimVoucher
	err := t.db.WithContext(ctx).
		Where("payout_id = ?", strings.TrimSpace(payoutID)).
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
