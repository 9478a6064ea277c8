package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VoucherStatus tracks a claim voucher through its lifecycle.
type VoucherStatus string

// All voucher states.
const (
	VoucherIssued     VoucherStatus = "ISSUED"
	VoucherClaimed    VoucherStatus = "CLAIMED"
	VoucherExpired    VoucherStatus = "EXPIRED"
	VoucherSuperseded VoucherStatus = "SUPERSEDED"
)

// RewardEvent is one reward attempt for a (user, app day) slot. A row starts
// as a reservation (ConfirmedAt null) and is either confirmed or deleted;
// abandoned reservations are removed rather than archived so the "rewarded
// today" check stays a single-row lookup.
type RewardEvent struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        string    `gorm:"size:128;index:idx_reward_user_day,unique" json:"userId"`
	AppDay        string    `gorm:"size:10;index:idx_reward_user_day,unique" json:"appDay"`
	WalletAddress string    `gorm:"size:64;index" json:"walletAddress"`
	AmountAwarded int64     `json:"amountAwarded"`
	StreakCount   int       `json:"streakCount"`
	SourceTxHash  string    `gorm:"size:80" json:"sourceTxHash,omitempty"`
	ChainChecked  bool      `json:"chainChecked"`
	ReservedAt    time.Time `json:"reservedAt"`
	ConfirmedAt   *time.Time `json:"confirmedAt,omitempty"`
}

// Confirmed reports whether the event reached its terminal success state.
func (e *RewardEvent) Confirmed() bool {
	return e != nil && e.ConfirmedAt != nil
}

// ClaimVoucher is one signed claim authorization for a payout. At most one row
// per payout may be ISSUED; regeneration supersedes the prior row and bumps
// the generation counter so nonces never repeat.
type ClaimVoucher struct {
	ID            uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	PayoutID      string        `gorm:"size:128;index" json:"payoutId"`
	UserID        string        `gorm:"size:128;index" json:"-"`
	WalletAddress string        `gorm:"size:64" json:"walletAddress"`
	Amount        string        `gorm:"size:80" json:"amount"`
	Nonce         string        `gorm:"size:160;uniqueIndex" json:"nonce"`
	Generation    int           `json:"generation"`
	ChainID       uint64        `json:"chainId"`
	Deadline      int64         `json:"deadline"`
	Signature     string        `gorm:"size:160" json:"signature"`
	Status        VoucherStatus `gorm:"size:16;index" json:"status"`
	ClaimTxHash   string        `gorm:"size:80" json:"claimTxHash,omitempty"`
	IssuedAt      time.Time     `json:"issuedAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// AuditEvent is the append-only trail of reward and voucher actions.
type AuditEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"size:128;index"`
	Action    string    `gorm:"size:64"`
	Details   string    `gorm:"type:text"`
	CreatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata for the HTTP layer. Rows
// are keyed on (subject, key) so a key only ever replays within the identity
// that created it.
type IdempotencyKey struct {
	Subject   string `gorm:"primaryKey;size:128"`
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&RewardEvent{},
		&ClaimVoucher{},
		&AuditEvent{},
		&IdempotencyKey{},
	)
}
