package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/droverhq/drover/pkg/cache"
	"github.com/droverhq/drover/pkg/coordination"
	"github.com/droverhq/drover/pkg/database"
	"github.com/droverhq/drover/pkg/kvstream"
)

// ErrInsufficientCredits is returned when a reservation exceeds the
// account balance.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrReservationNotFound is returned when settling an unknown or already
// finalized reservation.
var ErrReservationNotFound = errors.New("reservation not found")

// Ledger entry types.
const (
	EntryReservation = "reservation"
	EntrySettlement  = "settlement"
	EntryRelease     = "release"
	EntryUsage       = "usage"
	EntryGrant       = "grant"

	// entryReservationClosed marks a consumed reservation; the refund or
	// charge lands in a separate settlement/release entry.
	entryReservationClosed = "reservation_closed"
)

// accountLockWait bounds how long a writer waits for an account's billing
// lock before giving up.
const accountLockWait = 10 * time.Second

// Ledger owns the credit_accounts balance and its append-only entry log.
// Balance mutations run under the account's distributed mutex AND a row
// lock, so a Redis hiccup alone can never corrupt a balance.
type Ledger struct {
	db  *database.Client
	kv  *kvstream.Client
	inv *cache.Invalidator
}

// NewLedger creates a new Ledger.
func NewLedger(db *database.Client, kv *kvstream.Client, inv *cache.Invalidator) *Ledger {
	return &Ledger{db: db, kv: kv, inv: inv}
}

// accountMutex names the per-account billing lock.
func (l *Ledger) accountMutex(accountID string) *coordination.Mutex {
	return coordination.NewMutex(l.kv, "billing:"+accountID, 30*time.Second)
}

// Balance returns the current balance, provisioning a zero free-tier row
// for accounts billing has not seen yet.
func (l *Ledger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := database.WithRetry(ctx, func(ctx context.Context) error {
		row := l.db.Primary().QueryRow(ctx,
			`SELECT balance FROM credit_accounts WHERE account_id = $1`, accountID)
		return row.Scan(&balance)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance for %s: %w", accountID, err)
	}
	return balance, nil
}

// Reserve deducts an estimated cost up front and returns the reservation
// id used to settle or release it. Fails with ErrInsufficientCredits when
// the balance cannot cover the estimate.
func (l *Ledger) Reserve(ctx context.Context, accountID, runID string, amount decimal.Decimal) (string, error) {
	if amount.IsNegative() {
		return "", fmt.Errorf("reserve amount %s is negative", amount)
	}

	var reservationID string
	err := l.accountMutex(accountID).Do(ctx, accountLockWait, func(ctx context.Context) error {
		return l.db.WithTx(ctx, func(tx pgx.Tx) error {
			balance, err := lockBalance(ctx, tx, accountID)
			if err != nil {
				return err
			}
			if balance.LessThan(amount) {
				return fmt.Errorf("account %s balance %s < %s: %w",
					accountID, balance, amount, ErrInsufficientCredits)
			}

			newBalance := balance.Sub(amount)
			id, err := appendEntry(ctx, tx, accountID, amount.Neg(), newBalance, EntryReservation, runID,
				fmt.Sprintf("reserve for run %s", runID))
			if err != nil {
				return err
			}
			reservationID = strconv.FormatInt(id, 10)
			return setBalance(ctx, tx, accountID, newBalance)
		})
	})
	if err != nil {
		return "", err
	}

	l.inv.Invalidate(cache.EntityAccount, accountID)
	return reservationID, nil
}

// Settle finalizes a reservation against the actual cost: the unused part
// flows back, an overrun is charged. Settling twice fails with
// ErrReservationNotFound because the entry type is consumed.
func (l *Ledger) Settle(ctx context.Context, accountID, reservationID string, actual decimal.Decimal) error {
	return l.finalize(ctx, accountID, reservationID, EntrySettlement, func(reserved decimal.Decimal) decimal.Decimal {
		return reserved.Sub(actual)
	})
}

// ReleaseReservation refunds the full reserved amount. Used when a run
// fails or stops before the step consumed anything billable.
func (l *Ledger) ReleaseReservation(ctx context.Context, accountID, reservationID string) error {
	return l.finalize(ctx, accountID, reservationID, EntryRelease, func(reserved decimal.Decimal) decimal.Decimal {
		return reserved
	})
}

func (l *Ledger) finalize(ctx context.Context, accountID, reservationID, entryType string, refund func(reserved decimal.Decimal) decimal.Decimal) error {
	id, err := strconv.ParseInt(reservationID, 10, 64)
	if err != nil {
		return fmt.Errorf("reservation id %q: %w", reservationID, ErrReservationNotFound)
	}

	err = l.accountMutex(accountID).Do(ctx, accountLockWait, func(ctx context.Context) error {
		return l.db.WithTx(ctx, func(tx pgx.Tx) error {
			// Consume the reservation entry so a second settle is a no-op
			// failure instead of a double refund.
			var reservedNeg decimal.Decimal
			err := tx.QueryRow(ctx,
				`UPDATE credit_ledger SET type = $4
				 WHERE id = $1 AND account_id = $2 AND type = $3
				 RETURNING amount`,
				id, accountID, EntryReservation, entryReservationClosed,
			).Scan(&reservedNeg)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("reservation %s for %s: %w", reservationID, accountID, ErrReservationNotFound)
			}
			if err != nil {
				return fmt.Errorf("close reservation %s: %w", reservationID, err)
			}

			delta := refund(reservedNeg.Neg())
			balance, err := lockBalance(ctx, tx, accountID)
			if err != nil {
				return err
			}
			newBalance := balance.Add(delta)
			if _, err := appendEntry(ctx, tx, accountID, delta, newBalance, entryType, "",
				fmt.Sprintf("%s of reservation %s", entryType, reservationID)); err != nil {
				return err
			}
			return setBalance(ctx, tx, accountID, newBalance)
		})
	})
	if err != nil {
		return err
	}

	l.inv.Invalidate(cache.EntityAccount, accountID)
	return nil
}

// RecordUsage charges actual usage without a prior reservation. Used when
// reservation is disabled: the ledger still shows what every run cost.
func (l *Ledger) RecordUsage(ctx context.Context, accountID, runID string, actual decimal.Decimal) error {
	err := l.accountMutex(accountID).Do(ctx, accountLockWait, func(ctx context.Context) error {
		return l.db.WithTx(ctx, func(tx pgx.Tx) error {
			balance, err := lockBalance(ctx, tx, accountID)
			if err != nil {
				return err
			}
			newBalance := balance.Sub(actual)
			if _, err := appendEntry(ctx, tx, accountID, actual.Neg(), newBalance, EntryUsage, runID,
				fmt.Sprintf("usage for run %s", runID)); err != nil {
				return err
			}
			return setBalance(ctx, tx, accountID, newBalance)
		})
	})
	if err != nil {
		return err
	}

	l.inv.Invalidate(cache.EntityAccount, accountID)
	return nil
}

// Grant credits an account. periodStamp, when non-zero, also advances
// last_grant_period_start so the renewal scan skips the account.
func (l *Ledger) Grant(ctx context.Context, accountID string, amount decimal.Decimal, description string, periodStamp time.Time) error {
	if !amount.IsPositive() {
		return fmt.Errorf("grant amount %s must be positive", amount)
	}

	err := l.accountMutex(accountID).Do(ctx, accountLockWait, func(ctx context.Context) error {
		return l.db.WithTx(ctx, func(tx pgx.Tx) error {
			balance, err := lockBalance(ctx, tx, accountID)
			if err != nil {
				return err
			}
			newBalance := balance.Add(amount)
			if _, err := appendEntry(ctx, tx, accountID, amount, newBalance, EntryGrant, "", description); err != nil {
				return err
			}
			if err := setBalance(ctx, tx, accountID, newBalance); err != nil {
				return err
			}
			if !periodStamp.IsZero() {
				_, err = tx.Exec(ctx,
					`UPDATE credit_accounts SET last_grant_period_start = $2 WHERE account_id = $1`,
					accountID, periodStamp)
			}
			return err
		})
	})
	if err != nil {
		return err
	}

	l.inv.Invalidate(cache.EntityAccount, accountID)
	return nil
}

// SetTier updates the account's tier under the account lock.
func (l *Ledger) SetTier(ctx context.Context, accountID, tier string) error {
	err := l.accountMutex(accountID).Do(ctx, accountLockWait, func(ctx context.Context) error {
		return l.db.WithTx(ctx, func(tx pgx.Tx) error {
			if err := ensureAccount(ctx, tx, accountID); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`UPDATE credit_accounts SET tier = $2, updated_at = now() WHERE account_id = $1`,
				accountID, tier)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("failed to set tier for %s: %w", accountID, err)
	}

	l.inv.Invalidate(cache.EntityAccount, accountID)
	return nil
}

// Tier reads the account's current tier, "free" when unprovisioned.
func (l *Ledger) Tier(ctx context.Context, accountID string) (string, error) {
	tier := "free"
	err := l.db.Primary().QueryRow(ctx,
		`SELECT tier FROM credit_accounts WHERE account_id = $1`, accountID).Scan(&tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return "free", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read tier for %s: %w", accountID, err)
	}
	return tier, nil
}

// lockBalance provisions the account row if needed and returns the balance
// under FOR UPDATE.
func lockBalance(ctx context.Context, tx pgx.Tx, accountID string) (decimal.Decimal, error) {
	if err := ensureAccount(ctx, tx, accountID); err != nil {
		return decimal.Zero, err
	}
	var balance decimal.Decimal
	err := tx.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE account_id = $1 FOR UPDATE`, accountID,
	).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock balance for %s: %w", accountID, err)
	}
	return balance, nil
}

func ensureAccount(ctx context.Context, tx pgx.Tx, accountID string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_accounts (account_id) VALUES ($1) ON CONFLICT (account_id) DO NOTHING`,
		accountID)
	if err != nil {
		return fmt.Errorf("ensure account %s: %w", accountID, err)
	}
	return nil
}

func setBalance(ctx context.Context, tx pgx.Tx, accountID string, balance decimal.Decimal) error {
	_, err := tx.Exec(ctx,
		`UPDATE credit_accounts SET balance = $2, updated_at = now() WHERE account_id = $1`,
		accountID, balance)
	if err != nil {
		return fmt.Errorf("update balance for %s: %w", accountID, err)
	}
	return nil
}

func appendEntry(ctx context.Context, tx pgx.Tx, accountID string, amount, balanceAfter decimal.Decimal, entryType, runID, description string) (int64, error) {
	var runVal any
	if runID != "" {
		runVal = runID
	}
	var id int64
	err := tx.QueryRow(ctx,
		`INSERT INTO credit_ledger (account_id, amount, balance_after, type, description, run_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		accountID, amount, balanceAfter, entryType, description, runVal,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append %s entry for %s: %w", entryType, accountID, err)
	}
	return id, nil
}
