package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"rewards-gateway/appday"
	"rewards-gateway/ledger"
	"rewards-gateway/models"
	"rewards-gateway/observability/metrics"
)

// Caller-facing outcome taxonomy. The HTTP layer maps the first two onto
// idempotent-success responses rather than failures.
var (
	// ErrAlreadyRewardedToday signals a confirmed reward already exists for
	// the caller's current app day.
	ErrAlreadyRewardedToday = errors.New("engine: already rewarded today")
	// ErrAlreadyRewardedOnChain signals the reward contract shows a payout
	// for today that the ledger has no record of.
	ErrAlreadyRewardedOnChain = errors.New("engine: already rewarded on-chain today")
	// ErrConcurrentAttempt signals another attempt currently holds the
	// day's reservation.
	ErrConcurrentAttempt = errors.New("engine: concurrent attempt in progress")
	// ErrStaleReservation signals the reservation disappeared before
	// confirmation, typically released by the cleanup sweep mid-flight.
	ErrStaleReservation = errors.New("engine: reservation expired before confirmation")
	// ErrTxUnconfirmed signals the recovery transaction hash has no
	// successful receipt on-chain.
	ErrTxUnconfirmed = errors.New("engine: transaction not confirmed on-chain")
	// ErrInvalidTxHash signals the recovery transaction hash is not a
	// 0x-prefixed 32-byte hex value.
	ErrInvalidTxHash = errors.New("engine: malformed transaction hash")
)

// ChainReader is the on-chain signal the engine cross-checks against. Both
// methods may fail; failure always means "unknown", never a definitive answer.
type ChainReader interface {
	LastRewardedDay(ctx context.Context, wallet common.Address) (appday.Day, bool, error)
	TxConfirmed(ctx context.Context, txHash common.Hash) (bool, error)
}

// Params are the reward business parameters, sourced from configuration.
type Params struct {
	// BaseAmount is awarded for any confirmed daily reward.
	BaseAmount int64
	// StreakBonus is added per consecutive day, capped at StreakCap days.
	StreakBonus int64
	StreakCap   int
	// StaleAfter bounds how long an unconfirmed reservation may live before
	// the sweep releases it.
	StaleAfter time.Duration
}

// DefaultParams mirror the production configuration defaults.
func DefaultParams() Params {
	return Params{BaseAmount: 100, StreakBonus: 10, StreakCap: 7, StaleAfter: 15 * time.Minute}
}

// Outcome describes a completed (or idempotently repeated) reward.
type Outcome struct {
	Event *models.RewardEvent
	// ChainChecked is false when the on-chain cross-check was skipped or
	// unavailable and the reward was granted on ledger evidence alone.
	ChainChecked bool
	Recovered    bool
	Forced       bool
}

// Config wires an Engine.
type Config struct {
	DB     *gorm.DB
	Ledger *ledger.Ledger
	Chain  ChainReader // optional; nil disables the cross-check
	Clock  *appday.Clock
	Params Params
	Log    *slog.Logger
}

// Engine reconciles the reward ledger with the on-chain record and drives
// every reward-granting path. The ledger reservation is the only
// synchronization point; the engine itself keeps no state.
type Engine struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	chain  ChainReader
	clock  *appday.Clock
	params Params
	log    *slog.Logger
	now    func() time.Time
}

// New constructs an engine. DB, Ledger, and Clock are required.
func New(cfg Config) (*Engine, error) {
	if cfg.DB == nil || cfg.Ledger == nil || cfg.Clock == nil {
		return nil, fmt.Errorf("engine: db, ledger, and clock required")
	}
	params := cfg.Params
	if params.BaseAmount <= 0 {
		params = DefaultParams()
	}
	if params.StaleAfter <= 0 {
		params.StaleAfter = 15 * time.Minute
	}
	logger := cfg.Log
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:     cfg.DB,
		ledger: cfg.Ledger,
		chain:  cfg.Chain,
		clock:  cfg.Clock,
		params: params,
		log:    logger,
		now:    time.Now,
	}, nil
}

// SetNow overrides the time source. It is intended for tests.
func (e *Engine) SetNow(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.now = now
	e.ledger.SetNow(now)
}

// CurrentDay exposes the engine's notion of "today".
func (e *Engine) CurrentDay() appday.Day {
	return e.clock.Current(e.now())
}

// AttemptDailyReward runs the standard daily reward flow: reserve the (user,
// day) slot, cross-check the reward contract unless told not to, then confirm
// with the computed amount and streak. Exactly one of N concurrent calls for
// the same user and day ever reaches confirmation.
func (e *Engine) AttemptDailyReward(ctx context.Context, userID string, wallet common.Address, sourceTxHash string, skipOnChainCheck bool) (*Outcome, error) {
	day := e.clock.Current(e.now())
	res, err := e.ledger.Reserve(ctx, userID, wallet.Hex(), day)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrAlreadyConfirmed):
			metrics.Rewards().ObserveAttempt("already_rewarded")
			return nil, ErrAlreadyRewardedToday
		case errors.Is(err, ledger.ErrAlreadyReserved):
			metrics.Rewards().ObserveAttempt("concurrent")
			return nil, ErrConcurrentAttempt
		case errors.Is(err, ledger.ErrStaleReservation):
			// The conflicting row vanished mid-race; one retry settles it.
			if res, err = e.ledger.Reserve(ctx, userID, wallet.Hex(), day); err != nil {
				return nil, e.mapReserveErr(err)
			}
		default:
			metrics.Rewards().ObserveAttempt("error")
			return nil, err
		}
	}

	chainChecked := false
	if !skipOnChainCheck && e.chain != nil {
		lastDay, rewarded, cerr := e.chain.LastRewardedDay(ctx, wallet)
		switch {
		case cerr != nil:
			// Unknown, not a verdict. Grant on ledger evidence alone.
			metrics.Rewards().ObserveChainCheckFailure()
			e.log.Warn("on-chain cross-check unavailable, proceeding ledger-only",
				"user_id", userID, "app_day", string(day), "err", cerr)
		case rewarded && lastDay == day:
			if rerr := e.ledger.Release(ctx, res); rerr != nil && !errors.Is(rerr, ledger.ErrStaleReservation) {
				e.log.Error("release after on-chain conflict failed", "user_id", userID, "err", rerr)
			}
			metrics.Rewards().ObserveAttempt("chain_conflict")
			return nil, ErrAlreadyRewardedOnChain
		default:
			chainChecked = true
		}
	}

	return e.confirm(ctx, res, sourceTxHash, chainChecked, "reward.confirmed")
}

// RecoverWithTx is the self-service path for a reward interrupted between
// reserve and confirm. The caller supplies the transaction hash of their spin;
// a malformed hash is rejected outright, and when the RPC answers, a hash with
// no successful receipt is rejected too. An unreachable RPC degrades to
// accepting on ledger evidence. An existing reservation for today is completed
// in place; otherwise a fresh attempt runs with the on-chain cross-check
// skipped.
func (e *Engine) RecoverWithTx(ctx context.Context, userID string, wallet common.Address, txHash string) (*Outcome, error) {
	txHash = strings.TrimSpace(txHash)
	hash, err := parseTxHash(txHash)
	if err != nil {
		return nil, err
	}
	if e.chain != nil {
		confirmed, cerr := e.chain.TxConfirmed(ctx, hash)
		if cerr != nil {
			metrics.Rewards().ObserveChainCheckFailure()
			e.log.Warn("receipt probe unavailable, accepting recovery ledger-only",
				"user_id", userID, "tx_hash", txHash, "err", cerr)
		} else if !confirmed {
			return nil, ErrTxUnconfirmed
		}
	}

	day := e.clock.Current(e.now())
	res, err := e.ledger.FindReservation(ctx, userID, day, 0)
	if err == nil {
		outcome, cerr := e.confirm(ctx, res, txHash, false, "reward.recovered")
		if cerr != nil {
			return nil, cerr
		}
		outcome.Recovered = true
		return outcome, nil
	}
	if !errors.Is(err, ledger.ErrNoReservation) {
		return nil, err
	}

	outcome, err := e.AttemptDailyReward(ctx, userID, wallet, txHash, true)
	if err != nil {
		return nil, err
	}
	outcome.Recovered = true
	return outcome, nil
}

// ForceComplete is the operator path for a reward neither the standard flow
// nor self-service recovery could finish. It bypasses the on-chain check
// entirely; the ledger uniqueness invariant still applies, so a day that is
// already confirmed stays confirmed.
func (e *Engine) ForceComplete(ctx context.Context, userID string, wallet common.Address, txHash string) (*Outcome, error) {
	day := e.clock.Current(e.now())
	res, err := e.ledger.FindReservation(ctx, userID, day, 0)
	if err == nil {
		outcome, cerr := e.confirm(ctx, res, txHash, false, "reward.forced")
		if cerr != nil {
			return nil, cerr
		}
		outcome.Forced = true
		return outcome, nil
	}
	if !errors.Is(err, ledger.ErrNoReservation) {
		return nil, err
	}

	outcome, err := e.AttemptDailyReward(ctx, userID, wallet, txHash, true)
	if err != nil {
		return nil, err
	}
	outcome.Forced = true
	return outcome, nil
}

// RewardedToday reports whether the caller already holds a confirmed reward
// for the current app day.
func (e *Engine) RewardedToday(ctx context.Context, userID string) (*models.RewardEvent, error) {
	return e.ledger.ConfirmedEvent(ctx, userID, e.clock.Current(e.now()))
}

// ReleaseStaleReservations frees reservations abandoned past the configured
// threshold. Driven by the background sweep.
func (e *Engine) ReleaseStaleReservations(ctx context.Context) (int64, error) {
	released, err := e.ledger.ReleaseStale(ctx, e.params.StaleAfter)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		metrics.Rewards().ObserveStaleReleased(released)
		e.log.Info("released stale reward reservations", "count", released)
	}
	return released, nil
}

// confirm computes streak and amount, finalizes the reservation, and records
// the audit trail.
func (e *Engine) confirm(ctx context.Context, res *ledger.Reservation, sourceTxHash string, chainChecked bool, action string) (*Outcome, error) {
	streak, err := e.streakFor(ctx, res.UserID, res.AppDay)
	if err != nil {
		return nil, err
	}
	amount := e.rewardAmount(streak)

	event, err := e.ledger.Confirm(ctx, res, amount, streak, sourceTxHash, chainChecked)
	if err != nil {
		if errors.Is(err, ledger.ErrStaleReservation) {
			metrics.Rewards().ObserveAttempt("stale")
			return nil, ErrStaleReservation
		}
		metrics.Rewards().ObserveAttempt("error")
		return nil, err
	}

	audit := models.AuditEvent{
		ID:        uuid.New(),
		UserID:    res.UserID,
		Action:    action,
		Details:   fmt.Sprintf("app_day=%s amount=%d streak=%d chain_checked=%t", res.AppDay, amount, streak, chainChecked),
		CreatedAt: e.now().UTC(),
	}
	if aerr := e.db.WithContext(ctx).Create(&audit).Error; aerr != nil {
		e.log.Error("audit write failed", "user_id", res.UserID, "action", action, "err", aerr)
	}

	metrics.Rewards().ObserveAttempt("confirmed")
	e.log.Info("reward confirmed",
		"user_id", res.UserID, "app_day", string(res.AppDay),
		"amount", amount, "streak", streak, "chain_checked", chainChecked, "action", action)
	return &Outcome{Event: event, ChainChecked: chainChecked}, nil
}

// streakFor extends the streak when yesterday's reward was confirmed and
// resets it otherwise.
func (e *Engine) streakFor(ctx context.Context, userID string, day appday.Day) (int, error) {
	last, err := e.ledger.LastConfirmed(ctx, userID)
	if err != nil {
		return 0, err
	}
	if last == nil {
		return 1, nil
	}
	prev, err := day.Previous()
	if err != nil {
		return 0, err
	}
	if appday.Day(last.AppDay) == prev {
		return last.StreakCount + 1, nil
	}
	return 1, nil
}

func (e *Engine) rewardAmount(streak int) int64 {
	bonusDays := streak - 1
	if bonusDays > e.params.StreakCap {
		bonusDays = e.params.StreakCap
	}
	if bonusDays < 0 {
		bonusDays = 0
	}
	return e.params.BaseAmount + e.params.StreakBonus*int64(bonusDays)
}

// parseTxHash insists on a full 0x-prefixed 32-byte hex hash. HexToHash alone
// maps garbage to the zero hash, which would turn an input error into a bogus
// receipt lookup.
func parseTxHash(raw string) (common.Hash, error) {
	if len(raw) != 66 || !strings.HasPrefix(raw, "0x") {
		return common.Hash{}, ErrInvalidTxHash
	}
	if _, err := hex.DecodeString(raw[2:]); err != nil {
		return common.Hash{}, ErrInvalidTxHash
	}
	return common.HexToHash(raw), nil
}

func (e *Engine) mapReserveErr(err error) error {
	switch {
	case errors.Is(err, ledger.ErrAlreadyConfirmed):
		return ErrAlreadyRewardedToday
	case errors.Is(err, ledger.ErrAlreadyReserved):
		return ErrConcurrentAttempt
	case errors.Is(err, ledger.ErrStaleReservation):
		return ErrStaleReservation
	default:
		return err
	}
}
