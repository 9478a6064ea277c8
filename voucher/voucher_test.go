package voucher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"rewards-gateway/models"
	"rewards-gateway/signer"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestIssuer(t *testing.T, db *gorm.DB) (*Issuer, *signer.LocalSigner) {
	t.Helper()
	key, err := signer.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	iss, err := NewIssuer(IssuerConfig{
		DB:            db,
		Signer:        key,
		ChainID:       8453,
		TTL:           72 * time.Hour,
		TokenDecimals: 18,
	})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return iss, key
}

func TestSignatureRoundTrip(t *testing.T) {
	key, err := signer.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	data := ClaimData{
		Wallet:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Amount:   big.NewInt(1).Mul(big.NewInt(120), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)),
		Nonce:    "payout-42-1",
		ChainID:  8453,
		Deadline: time.Now().Add(time.Hour).Unix(),
	}
	hash, err := data.SigningHash()
	if err != nil {
		t.Fatalf("signing hash: %v", err)
	}
	sig, err := key.Sign(context.Background(), hash)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(data, sig, key.Address()); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// Any tampered field must change the recovered address.
	mutations := map[string]ClaimData{
		"wallet":   {Wallet: common.HexToAddress("0x2222222222222222222222222222222222222222"), Amount: data.Amount, Nonce: data.Nonce, ChainID: data.ChainID, Deadline: data.Deadline},
		"amount":   {Wallet: data.Wallet, Amount: new(big.Int).Add(data.Amount, big.NewInt(1)), Nonce: data.Nonce, ChainID: data.ChainID, Deadline: data.Deadline},
		"nonce":    {Wallet: data.Wallet, Amount: data.Amount, Nonce: "payout-42-2", ChainID: data.ChainID, Deadline: data.Deadline},
		"chainId":  {Wallet: data.Wallet, Amount: data.Amount, Nonce: data.Nonce, ChainID: 1, Deadline: data.Deadline},
		"deadline": {Wallet: data.Wallet, Amount: data.Amount, Nonce: data.Nonce, ChainID: data.ChainID, Deadline: data.Deadline + 1},
	}
	for name, mutated := range mutations {
		if err := Verify(mutated, sig, key.Address()); err == nil {
			t.Fatalf("tampered %s field still verified", name)
		}
	}
}

func TestPackRejectsInvalidTuples(t *testing.T) {
	base := ClaimData{
		Wallet:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Amount:   big.NewInt(100),
		Nonce:    "payout-1-1",
		ChainID:  8453,
		Deadline: 1700000000,
	}
	cases := []struct {
		name   string
		mutate func(*ClaimData)
	}{
		{"zero wallet", func(c *ClaimData) { c.Wallet = common.Address{} }},
		{"nil amount", func(c *ClaimData) { c.Amount = nil }},
		{"zero amount", func(c *ClaimData) { c.Amount = big.NewInt(0) }},
		{"negative amount", func(c *ClaimData) { c.Amount = big.NewInt(-5) }},
		{"empty nonce", func(c *ClaimData) { c.Nonce = "  " }},
		{"zero chain id", func(c *ClaimData) { c.ChainID = 0 }},
		{"zero deadline", func(c *ClaimData) { c.Deadline = 0 }},
	}
	for _, tc := range cases {
		data := base
		tc.mutate(&data)
		if _, err := data.Pack(); err == nil {
			t.Fatalf("%s: expected pack error", tc.name)
		}
	}
}

func TestIssueIsIdempotentWhileActive(t *testing.T) {
	db := setupTestDB(t)
	iss, key := newTestIssuer(t, db)
	ctx := context.Background()
	req := IssueRequest{
		PayoutID:     "payout-1",
		UserID:       "user-1",
		Wallet:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		AmountTokens: 120,
	}

	first, err := iss.Issue(ctx, req)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if first.Status != models.VoucherIssued {
		t.Fatalf("unexpected status %s", first.Status)
	}
	if first.Nonce != "payout-1-1" {
		t.Fatalf("unexpected nonce %s", first.Nonce)
	}
	wantAmount := new(big.Int).Mul(big.NewInt(120), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	if first.Amount != wantAmount.String() {
		t.Fatalf("unexpected amount %s, want %s", first.Amount, wantAmount)
	}

	second, err := iss.Issue(ctx, req)
	if err != nil {
		t.Fatalf("re-issue: %v", err)
	}
	if second.ID != first.ID || second.Nonce != first.Nonce || second.Signature != first.Signature {
		t.Fatalf("re-issue minted a new voucher: %+v vs %+v", second, first)
	}

	// The stored signature must recover to the configured key.
	sig, err := hex.DecodeString(strings.TrimPrefix(first.Signature, "0x"))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	amount, _ := new(big.Int).SetString(first.Amount, 10)
	data := ClaimData{
		Wallet:   common.HexToAddress(first.WalletAddress),
		Amount:   amount,
		Nonce:    first.Nonce,
		ChainID:  first.ChainID,
		Deadline: first.Deadline,
	}
	if err := Verify(data, sig, key.Address()); err != nil {
		t.Fatalf("stored signature does not verify: %v", err)
	}
	if err := VerifyVoucher(first, key.Address()); err != nil {
		t.Fatalf("verify voucher: %v", err)
	}
}

func TestRegenerateSupersedesAndRotatesNonce(t *testing.T) {
	db := setupTestDB(t)
	iss, _ := newTestIssuer(t, db)
	ctx := context.Background()

	first, err := iss.Issue(ctx, IssueRequest{
		PayoutID:     "payout-7",
		UserID:       "user-1",
		Wallet:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		AmountTokens: 50,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	second, err := iss.Regenerate(ctx, "payout-7", "user-1")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	third, err := iss.Regenerate(ctx, "payout-7", "user-1")
	if err != nil {
		t.Fatalf("second regenerate: %v", err)
	}

	nonces := map[string]bool{first.Nonce: true, second.Nonce: true, third.Nonce: true}
	if len(nonces) != 3 {
		t.Fatalf("expected three distinct nonces, got %v", nonces)
	}
	if third.Generation != 3 {
		t.Fatalf("unexpected generation %d", third.Generation)
	}
	if second.Amount != first.Amount || third.Amount != first.Amount {
		t.Fatalf("regeneration changed amount")
	}

	var issued []models.ClaimVoucher
	if err := db.Where("payout_id = ? AND status = ?", "payout-7", models.VoucherIssued).Find(&issued).Error; err != nil {
		t.Fatalf("query issued: %v", err)
	}
	if len(issued) != 1 || issued[0].ID != third.ID {
		t.Fatalf("expected exactly the newest voucher to remain ISSUED, got %d rows", len(issued))
	}
}

func TestRegenerateOwnershipAndClaimGuards(t *testing.T) {
	db := setupTestDB(t)
	iss, _ := newTestIssuer(t, db)
	tracker := NewTracker(db)
	ctx := context.Background()

	if _, err := iss.Regenerate(ctx, "missing-payout", "user-1"); !errors.Is(err, ErrNoActiveVoucher) {
		t.Fatalf("expected ErrNoActiveVoucher, got %v", err)
	}

	if _, err := iss.Issue(ctx, IssueRequest{
		PayoutID:     "payout-9",
		UserID:       "user-1",
		Wallet:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		AmountTokens: 10,
	}); err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := iss.Regenerate(ctx, "payout-9", "user-2"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	if _, err := tracker.MarkClaimed(ctx, "payout-9", "user-1", "0xfeedface"); err != nil {
		t.Fatalf("mark claimed: %v", err)
	}
	if _, err := iss.Regenerate(ctx, "payout-9", "user-1"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	if _, err := iss.Issue(ctx, IssueRequest{
		PayoutID:     "payout-9",
		UserID:       "user-1",
		Wallet:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		AmountTokens: 10,
	}); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed on re-issue, got %v", err)
	}
}

func TestIssueEnforcesPayoutOwnership(t *testing.T) {
	db := setupTestDB(t)
	iss, _ := newTestIssuer(t, db)
	tracker := NewTracker(db)
	ctx := context.Background()

	base := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	iss.SetNow(func() time.Time { return base })

	owned, err := iss.Issue(ctx, IssueRequest{
		PayoutID:     "payout-11",
		UserID:       "user-1",
		Wallet:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		AmountTokens: 10,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if owned.Status != models.VoucherIssued {
		t.Fatalf("unexpected status %s", owned.Status)
	}

	// While the owner's voucher is ISSUED another user must not receive it.
	if _, err := iss.Issue(ctx, IssueRequest{
		PayoutID:     "payout-11",
		UserID:       "user-2",
		Wallet:       common.HexToAddress("0x2222222222222222222222222222222222222222"),
		AmountTokens: 999,
	}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner while issued, got %v", err)
	}

	// Expiry does not open the payout to other users either.
	tracker.SetNow(func() time.Time { return base.Add(73 * time.Hour) })
	if _, err := tracker.ExpireOverdue(ctx); err != nil {
		t.Fatalf("expire overdue: %v", err)
	}
	if _, err := iss.Issue(ctx, IssueRequest{
		PayoutID:     "payout-11",
		UserID:       "user-2",
		Wallet:       common.HexToAddress("0x2222222222222222222222222222222222222222"),
		AmountTokens: 999,
	}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner after expiry, got %v", err)
	}

	var count int64
	if err := db.Model(&models.ClaimVoucher{}).Where("payout_id = ?", "payout-11").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("foreign issue attempts minted rows: got %d", count)
	}

	// The owner still mints the next generation after expiry.
	iss.SetNow(func() time.Time { return base.Add(73 * time.Hour) })
	reissued, err := iss.Issue(ctx, IssueRequest{
		PayoutID:     "payout-11",
		UserID:       "user-1",
		Wallet:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		AmountTokens: 10,
	})
	if err != nil {
		t.Fatalf("re-issue after expiry: %v", err)
	}
	if reissued.Generation != 2 || reissued.UserID != "user-1" {
		t.Fatalf("unexpected re-issued voucher: gen=%d user=%s", reissued.Generation, reissued.UserID)
	}
}

func TestMarkClaimedIdempotent(t *testing.T) {
	db := setupTestDB(t)
	iss, _ := newTestIssuer(t, db)
	tracker := NewTracker(db)
	ctx := context.Background()

	if _, err := iss.Issue(ctx, IssueRequest{
		PayoutID:     "payout-3",
		UserID:       "user-1",
		Wallet:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		AmountTokens: 30,
	}); err != nil {
		t.Fatalf("issue: %v", err)
	}

	first, err := tracker.MarkClaimed(ctx, "payout-3", "user-1", "0xaaaa")
	if err != nil {
		t.Fatalf("mark claimed: %v", err)
	}
	if first.Status != models.VoucherClaimed || first.ClaimTxHash != "0xaaaa" {
		t.Fatalf("unexpected claimed record: %+v", first)
	}

	second, err := tracker.MarkClaimed(ctx, "payout-3", "user-1", "0xbbbb")
	if err != nil {
		t.Fatalf("repeat mark claimed: %v", err)
	}
	if second.ClaimTxHash != "0xaaaa" {
		t.Fatalf("repeat claim overwrote tx hash: %s", second.ClaimTxHash)
	}

	if _, err := tracker.MarkClaimed(ctx, "payout-3", "user-2", "0xcccc"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestExpiryLifecycle(t *testing.T) {
	db := setupTestDB(t)
	iss, _ := newTestIssuer(t, db)
	tracker := NewTracker(db)
	ctx := context.Background()

	base := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	iss.SetNow(func() time.Time { return base })

	voucherRow, err := iss.Issue(ctx, IssueRequest{
		PayoutID:     "payout-5",
		UserID:       "user-1",
		Wallet:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		AmountTokens: 20,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Jump past the 72h TTL.
	tracker.SetNow(func() time.Time { return base.Add(73 * time.Hour) })

	if _, err := tracker.Active(ctx, "payout-5", "user-1"); !errors.Is(err, ErrVoucherExpired) {
		t.Fatalf("expected ErrVoucherExpired from Active, got %v", err)
	}
	if _, err := tracker.MarkClaimed(ctx, "payout-5", "user-1", "0xdddd"); !errors.Is(err, ErrVoucherExpired) {
		t.Fatalf("expected ErrVoucherExpired from MarkClaimed, got %v", err)
	}

	moved, err := tracker.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("expire overdue: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 expired voucher, got %d", moved)
	}
	var row models.ClaimVoucher
	if err := db.First(&row, "id = ?", voucherRow.ID).Error; err != nil {
		t.Fatalf("reload voucher: %v", err)
	}
	if row.Status != models.VoucherExpired {
		t.Fatalf("unexpected status %s", row.Status)
	}

	// An expired voucher can still be replaced by regeneration.
	iss.SetNow(func() time.Time { return base.Add(73 * time.Hour) })
	fresh, err := iss.Regenerate(ctx, "payout-5", "user-1")
	if err == nil {
		t.Fatalf("regenerate on expired latest should report no active voucher, got %+v", fresh)
	}
	reissued, err := iss.Issue(ctx, IssueRequest{
		PayoutID:     "payout-5",
		UserID:       "user-1",
		Wallet:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		AmountTokens: 20,
	})
	if err != nil {
		t.Fatalf("re-issue after expiry: %v", err)
	}
	if reissued.Generation != 2 || reissued.Nonce != "payout-5-2" {
		t.Fatalf("unexpected re-issued voucher: gen=%d nonce=%s", reissued.Generation, reissued.Nonce)
	}
}

func TestHistoryOrdersNewestFirst(t *testing.T) {
	db := setupTestDB(t)
	iss, _ := newTestIssuer(t, db)
	tracker := NewTracker(db)
	ctx := context.Background()

	if _, err := iss.Issue(ctx, IssueRequest{
		PayoutID:     "payout-8",
		UserID:       "user-1",
		Wallet:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		AmountTokens: 15,
	}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := iss.Regenerate(ctx, "payout-8", "user-1"); err != nil {
		t.Fatalf("regenerate: %v", err)
	}

	rows, err := tracker.History(ctx, "payout-8", "user-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 generations, got %d", len(rows))
	}
	if rows[0].Generation != 2 || rows[1].Generation != 1 {
		t.Fatalf("history not newest first: %d, %d", rows[0].Generation, rows[1].Generation)
	}
	if rows[1].Status != models.VoucherSuperseded {
		t.Fatalf("old generation should be SUPERSEDED, got %s", rows[1].Status)
	}

	if _, err := tracker.History(ctx, "payout-8", "user-2"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestToBaseUnits(t *testing.T) {
	got, err := ToBaseUnits(7, 18)
	if err != nil {
		t.Fatalf("to base units: %v", err)
	}
	want, _ := new(big.Int).SetString("7000000000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Fatalf("got %s, want %s", got, want)
	}
	// A 0-decimal token carries whole tokens unchanged.
	zeroDec, err := ToBaseUnits(7, 0)
	if err != nil {
		t.Fatalf("zero decimals: %v", err)
	}
	if zeroDec.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("zero decimals: got %s, want 7", zeroDec)
	}
	if _, err := ToBaseUnits(0, 18); err == nil {
		t.Fatalf("expected error for zero amount")
	}
	if _, err := ToBaseUnits(5, -1); err == nil {
		t.Fatalf("expected error for negative decimals")
	}
}
