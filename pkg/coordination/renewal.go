package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/droverhq/drover/pkg/database"
)

// RenewalGate enforces at-most-once credit grants per (account, period).
// The renewal_processing primary key does the real work; this type owns
// the insert-once idiom so every grant path goes through the same gate.
type RenewalGate struct {
	db *database.Client
}

// NewRenewalGate wires the gate.
func NewRenewalGate(db *database.Client) *RenewalGate {
	return &RenewalGate{db: db}
}

// TryMark records that processedBy granted credits for (accountID,
// periodStart). Returns false when the period was already processed —
// the caller must not grant.
func (g *RenewalGate) TryMark(ctx context.Context, accountID string, periodStart time.Time, processedBy string, credits decimal.Decimal) (bool, error) {
	tag, err := g.db.Primary().Exec(ctx,
		`INSERT INTO renewal_processing (account_id, period_start, processed_by, credits_granted)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, period_start) DO NOTHING`,
		accountID, periodStart.UTC().Truncate(24*time.Hour), processedBy, credits)
	if err != nil {
		return false, fmt.Errorf("mark renewal for %s: %w", accountID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Processed reports whether the period already has a grant recorded.
func (g *RenewalGate) Processed(ctx context.Context, accountID string, periodStart time.Time) (bool, error) {
	var exists bool
	err := g.db.Primary().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM renewal_processing WHERE account_id = $1 AND period_start = $2)`,
		accountID, periodStart.UTC().Truncate(24*time.Hour),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check renewal for %s: %w", accountID, err)
	}
	return exists, nil
}
