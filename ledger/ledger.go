package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rewards-gateway/appday"
	"rewards-gateway/models"
)

// Sentinel results for the reserve/confirm lifecycle. The engine maps these
// onto its caller-facing taxonomy; nothing here is a transport error.
var (
	// ErrAlreadyConfirmed signals the (user, day) slot already holds a
	// confirmed reward event.
	ErrAlreadyConfirmed = errors.New("ledger: reward already confirmed for day")
	// ErrAlreadyReserved signals another in-flight attempt holds the slot.
	ErrAlreadyReserved = errors.New("ledger: reservation already held for day")
	// ErrStaleReservation signals the handle no longer references a live
	// unconfirmed row, typically because a cleanup sweep released it.
	ErrStaleReservation = errors.New("ledger: reservation is stale")
	// ErrNoReservation signals no recoverable reservation exists.
	ErrNoReservation = errors.New("ledger: no reservation found")
)

// Reservation is a handle to a provisional, not-yet-confirmed reward row.
type Reservation struct {
	ID         uuid.UUID
	UserID     string
	AppDay     appday.Day
	ReservedAt time.Time
}

// Ledger is the authoritative store of reward events. Reserve is the sole
// synchronization point for concurrent attempts and relies on the storage
// unique index on (user_id, app_day), never on in-process state.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a ledger over the given database handle.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// SetNow overrides the time source. It is intended for tests.
func (l *Ledger) SetNow(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.now = now
}

// Reserve atomically claims the (user, day) slot. The insert uses an
// ON CONFLICT DO NOTHING clause against the unique index so exactly one of
// any number of concurrent callers wins; losers learn whether the existing
// row is confirmed or merely reserved.
func (l *Ledger) Reserve(ctx context.Context, userID string, wallet string, day appday.Day) (*Reservation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("ledger: user id required")
	}
	if !day.Valid() {
		return nil, fmt.Errorf("ledger: invalid app day %q", day)
	}
	now := l.now().UTC()
	row := models.RewardEvent{
		ID:            uuid.New(),
		UserID:        userID,
		AppDay:        string(day),
		WalletAddress: wallet,
		ReservedAt:    now,
	}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "app_day"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return nil, fmt.Errorf("ledger: reserve: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var existing models.RewardEvent
		err := l.db.WithContext(ctx).
			First(&existing, "user_id = ? AND app_day = ?", userID, string(day)).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// The conflicting row vanished between insert and read; the
			// caller restarts the attempt.
			return nil, ErrStaleReservation
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: reserve lookup: %w", err)
		}
		if existing.Confirmed() {
			return nil, ErrAlreadyConfirmed
		}
		return nil, ErrAlreadyReserved
	}
	return &Reservation{ID: row.ID, UserID: userID, AppDay: day, ReservedAt: now}, nil
}

// Confirm finalizes a reservation with the awarded amount and streak. The
// update is guarded on confirmed_at IS NULL so a handle raced by a cleanup
// sweep (or a duplicate confirm) reports ErrStaleReservation instead of
// silently double-writing.
func (l *Ledger) Confirm(ctx context.Context, res *Reservation, amount int64, streak int, sourceTxHash string, chainChecked bool) (*models.RewardEvent, error) {
	if res == nil {
		return nil, fmt.Errorf("ledger: nil reservation")
	}
	now := l.now().UTC()
	update := l.db.WithContext(ctx).Model(&models.RewardEvent{}).
		Where("id = ? AND confirmed_at IS NULL", res.ID).
		Updates(map[string]interface{}{
			"amount_awarded": amount,
			"streak_count":   streak,
			"source_tx_hash": strings.TrimSpace(sourceTxHash),
			"chain_checked":  chainChecked,
			"confirmed_at":   now,
		})
	if update.Error != nil {
		return nil, fmt.Errorf("ledger: confirm: %w", update.Error)
	}
	if update.RowsAffected == 0 {
		return nil, ErrStaleReservation
	}
	var event models.RewardEvent
	if err := l.db.WithContext(ctx).First(&event, "id = ?", res.ID).Error; err != nil {
		return nil, fmt.Errorf("ledger: confirm readback: %w", err)
	}
	return &event, nil
}

// Release deletes an abandoned reservation so the slot becomes available
// again. Confirmed rows are never deleted through this path.
func (l *Ledger) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return fmt.Errorf("ledger: nil reservation")
	}
	del := l.db.WithContext(ctx).
		Where("id = ? AND confirmed_at IS NULL", res.ID).
		Delete(&models.RewardEvent{})
	if del.Error != nil {
		return fmt.Errorf("ledger: release: %w", del.Error)
	}
	if del.RowsAffected == 0 {
		return ErrStaleReservation
	}
	return nil
}

// FindReservation locates an unconfirmed reservation for recovery flows. Only
// reservations younger than maxAge are returned; anything older is left for
// the stale sweep.
func (l *Ledger) FindReservation(ctx context.Context, userID string, day appday.Day, maxAge time.Duration) (*Reservation, error) {
	var row models.RewardEvent
	err := l.db.WithContext(ctx).
		First(&row, "user_id = ? AND app_day = ? AND confirmed_at IS NULL", strings.TrimSpace(userID), string(day)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoReservation
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: find reservation: %w", err)
	}
	if maxAge > 0 && l.now().UTC().Sub(row.ReservedAt) > maxAge {
		return nil, ErrNoReservation
	}
	return &Reservation{ID: row.ID, UserID: row.UserID, AppDay: appday.Day(row.AppDay), ReservedAt: row.ReservedAt}, nil
}

// ConfirmedEvent returns the confirmed reward event for the slot, if any.
func (l *Ledger) ConfirmedEvent(ctx context.Context, userID string, day appday.Day) (*models.RewardEvent, error) {
	var row models.RewardEvent
	err := l.db.WithContext(ctx).
		First(&row, "user_id = ? AND app_day = ? AND confirmed_at IS NOT NULL", strings.TrimSpace(userID), string(day)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: confirmed event: %w", err)
	}
	return &row, nil
}

// LastConfirmed returns the user's most recent confirmed event, used for
// streak computation.
func (l *Ledger) LastConfirmed(ctx context.Context, userID string) (*models.RewardEvent, error) {
	var row models.RewardEvent
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND confirmed_at IS NOT NULL", strings.TrimSpace(userID)).
		Order("app_day DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: last confirmed: %w", err)
	}
	return &row, nil
}

// ReleaseStale deletes reservations that were made but never confirmed within
// the threshold. Returns the number of slots freed.
func (l *Ledger) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := l.now().UTC().Add(-olderThan)
	del := l.db.WithContext(ctx).
		Where("confirmed_at IS NULL AND reserved_at < ?", cutoff).
		Delete(&models.RewardEvent{})
	if del.Error != nil {
		return 0, fmt.Errorf("ledger: release stale: %w", del.Error)
	}
	return del.RowsAffected, nil
}
