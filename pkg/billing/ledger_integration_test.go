package billing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/cache"
	"github.com/droverhq/drover/pkg/database"
	"github.com/droverhq/drover/pkg/kvstream"
	"github.com/droverhq/drover/test/util"
)

// newBillingHarness backs billing components with a per-test schema and a
// miniredis for the distributed mutexes.
func newBillingHarness(t *testing.T) (*database.Client, *kvstream.Client, *Ledger) {
	t.Helper()
	db := util.SetupTestDatabase(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := kvstream.NewClientFromRedis(rdb, 2*time.Second)
	t.Cleanup(func() { _ = kv.Close() })
	return db, kv, NewLedger(db, kv, cache.NewInvalidator())
}

func requireBalance(t *testing.T, ledger *Ledger, accountID, want string) {
	t.Helper()
	balance, err := ledger.Balance(context.Background(), accountID)
	require.NoError(t, err)
	assert.True(t, dec(want).Equal(balance), "want balance %s, got %s", want, balance)
}

func TestLedger_ReserveSettleRefundsUnused(t *testing.T) {
	db, _, ledger := newBillingHarness(t)
	ctx := context.Background()
	accountID := uuid.New().String()
	runID := uuid.New().String()

	require.NoError(t, ledger.Grant(ctx, accountID, dec("10"), "signup grant", time.Time{}))
	requireBalance(t, ledger, accountID, "10")

	resID, err := ledger.Reserve(ctx, accountID, runID, dec("1.50"))
	require.NoError(t, err)
	require.NotEmpty(t, resID)
	requireBalance(t, ledger, accountID, "8.50")

	// The step cost less than the estimate; the difference flows back.
	require.NoError(t, ledger.Settle(ctx, accountID, resID, dec("0.40")))
	requireBalance(t, ledger, accountID, "9.60")

	// The reservation entry is consumed: settling again must fail, not
	// refund twice.
	err = ledger.Settle(ctx, accountID, resID, dec("0.40"))
	require.ErrorIs(t, err, ErrReservationNotFound)
	requireBalance(t, ledger, accountID, "9.60")

	var entries int
	err = db.Primary().QueryRow(ctx,
		`SELECT count(*) FROM credit_ledger WHERE account_id = $1`, accountID).Scan(&entries)
	require.NoError(t, err)
	assert.Equal(t, 3, entries, "grant, closed reservation, settlement")
}

func TestLedger_SettleOverrunCharges(t *testing.T) {
	_, _, ledger := newBillingHarness(t)
	ctx := context.Background()
	accountID := uuid.New().String()

	require.NoError(t, ledger.Grant(ctx, accountID, dec("5"), "grant", time.Time{}))
	resID, err := ledger.Reserve(ctx, accountID, uuid.New().String(), dec("1"))
	require.NoError(t, err)

	// Actual cost exceeded the estimate; the overrun is charged on top.
	require.NoError(t, ledger.Settle(ctx, accountID, resID, dec("1.25")))
	requireBalance(t, ledger, accountID, "3.75")
}

func TestLedger_ReserveInsufficientCredits(t *testing.T) {
	db, _, ledger := newBillingHarness(t)
	ctx := context.Background()
	accountID := uuid.New().String()

	require.NoError(t, ledger.Grant(ctx, accountID, dec("1"), "grant", time.Time{}))

	_, err := ledger.Reserve(ctx, accountID, uuid.New().String(), dec("2"))
	require.ErrorIs(t, err, ErrInsufficientCredits)
	requireBalance(t, ledger, accountID, "1")

	// The refused reservation leaves no trace in the log.
	var entries int
	err = db.Primary().QueryRow(ctx,
		`SELECT count(*) FROM credit_ledger WHERE account_id = $1 AND type = $2`,
		accountID, EntryReservation).Scan(&entries)
	require.NoError(t, err)
	assert.Zero(t, entries)
}

func TestLedger_ReleaseRefundsFullReservation(t *testing.T) {
	_, _, ledger := newBillingHarness(t)
	ctx := context.Background()
	accountID := uuid.New().String()

	require.NoError(t, ledger.Grant(ctx, accountID, dec("5"), "grant", time.Time{}))
	resID, err := ledger.Reserve(ctx, accountID, uuid.New().String(), dec("2"))
	require.NoError(t, err)
	requireBalance(t, ledger, accountID, "3")

	require.NoError(t, ledger.ReleaseReservation(ctx, accountID, resID))
	requireBalance(t, ledger, accountID, "5")

	err = ledger.ReleaseReservation(ctx, accountID, resID)
	require.ErrorIs(t, err, ErrReservationNotFound)
	requireBalance(t, ledger, accountID, "5")
}

// TestLedger_RecordUsageWithoutReservation covers post-paid mode: usage is
// logged and charged even when it drives the balance negative.
func TestLedger_RecordUsageWithoutReservation(t *testing.T) {
	db, _, ledger := newBillingHarness(t)
	ctx := context.Background()
	accountID := uuid.New().String()
	runID := uuid.New().String()

	require.NoError(t, ledger.RecordUsage(ctx, accountID, runID, dec("0.30")))
	requireBalance(t, ledger, accountID, "-0.30")

	var entryRun string
	err := db.Primary().QueryRow(ctx,
		`SELECT run_id FROM credit_ledger WHERE account_id = $1 AND type = $2`,
		accountID, EntryUsage).Scan(&entryRun)
	require.NoError(t, err)
	assert.Equal(t, runID, entryRun)
}

func TestLedger_GrantStampsRenewalPeriod(t *testing.T) {
	db, _, ledger := newBillingHarness(t)
	ctx := context.Background()
	period := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// A one-off purchase must not touch the renewal stamp.
	purchaser := uuid.New().String()
	require.NoError(t, ledger.Grant(ctx, purchaser, dec("12.5"), "credit purchase", time.Time{}))
	var stamp *time.Time
	err := db.Primary().QueryRow(ctx,
		`SELECT last_grant_period_start FROM credit_accounts WHERE account_id = $1`,
		purchaser).Scan(&stamp)
	require.NoError(t, err)
	assert.Nil(t, stamp)

	// A renewal grant advances it so the scan skips the account.
	renewed := uuid.New().String()
	require.NoError(t, ledger.Grant(ctx, renewed, dec("25"), "monthly renewal", period))
	err = db.Primary().QueryRow(ctx,
		`SELECT last_grant_period_start FROM credit_accounts WHERE account_id = $1`,
		renewed).Scan(&stamp)
	require.NoError(t, err)
	require.NotNil(t, stamp)
	assert.Equal(t, period, stamp.UTC())
}

func TestLedger_TierRoundTrip(t *testing.T) {
	_, _, ledger := newBillingHarness(t)
	ctx := context.Background()
	accountID := uuid.New().String()

	tier, err := ledger.Tier(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "free", tier, "unprovisioned accounts read as free")

	require.NoError(t, ledger.SetTier(ctx, accountID, "pro"))
	tier, err = ledger.Tier(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "pro", tier)
}
