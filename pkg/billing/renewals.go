package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/coordination"
	"github.com/droverhq/drover/pkg/database"
)

// PeriodStart returns the renewal period containing t: the first day of
// its UTC month.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// RenewalScheduler periodically grants monthly credits. Any number of
// instances may run the scan concurrently; the renewal gate's unique
// (account, period) key guarantees one grant regardless.
type RenewalScheduler struct {
	db         *database.Client
	ledger     *Ledger
	gate       *coordination.RenewalGate
	cfg        *config.BillingConfig
	instanceID string
	logger     *slog.Logger

	cron *cron.Cron
	now  func() time.Time
}

// NewRenewalScheduler creates a scheduler; Start arms the cron schedule.
func NewRenewalScheduler(db *database.Client, ledger *Ledger, gate *coordination.RenewalGate, cfg *config.BillingConfig, instanceID string) *RenewalScheduler {
	return &RenewalScheduler{
		db:         db,
		ledger:     ledger,
		gate:       gate,
		cfg:        cfg,
		instanceID: instanceID,
		logger:     slog.With("component", "renewals"),
		now:        time.Now,
	}
}

// Start arms the renewal scan on the configured cron schedule.
func (s *RenewalScheduler) Start() error {
	if s.cfg.RenewalSchedule == "" {
		s.logger.Info("Renewal schedule empty, scheduler disabled")
		return nil
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.RenewalSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.Scan(ctx); err != nil {
			s.logger.Error("Renewal scan failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule renewals: %w", err)
	}
	s.cron.Start()
	s.logger.Info("Renewal scheduler started", "schedule", s.cfg.RenewalSchedule)
	return nil
}

// Stop halts the schedule and waits for a running scan to finish.
func (s *RenewalScheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Scan grants the current period's credits to every account that has not
// received them yet.
func (s *RenewalScheduler) Scan(ctx context.Context) error {
	period := PeriodStart(s.now())

	type due struct {
		accountID string
		tier      string
	}
	var candidates []due
	err := database.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.Primary().Query(ctx,
			`SELECT account_id, tier FROM credit_accounts
			 WHERE last_grant_period_start IS NULL OR last_grant_period_start < $1`,
			period)
		if err != nil {
			return err
		}
		defer rows.Close()

		candidates = candidates[:0]
		for rows.Next() {
			var d due
			if err := rows.Scan(&d.accountID, &d.tier); err != nil {
				return err
			}
			candidates = append(candidates, d)
		}
		return rows.Err()
	})
	if err != nil {
		return fmt.Errorf("failed to list renewal candidates: %w", err)
	}

	granted := 0
	for _, d := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ok, err := s.grantOne(ctx, d.accountID, d.tier, period)
		if err != nil {
			s.logger.Error("Renewal grant failed",
				"account_id", d.accountID, "tier", d.tier, "error", err)
			continue
		}
		if ok {
			granted++
		}
	}

	if granted > 0 || len(candidates) > 0 {
		s.logger.Info("Renewal scan complete",
			"period", period.Format("2006-01-02"),
			"candidates", len(candidates),
			"granted", granted)
	}
	return nil
}

// grantOne pushes one account through the gate. Returns false when another
// instance already granted this period.
func (s *RenewalScheduler) grantOne(ctx context.Context, accountID, tier string, period time.Time) (bool, error) {
	credits, err := s.tierCredits(tier)
	if err != nil {
		return false, err
	}
	if !credits.IsPositive() {
		return false, nil
	}

	ok, err := s.gate.TryMark(ctx, accountID, period, s.instanceID, credits)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	desc := fmt.Sprintf("monthly renewal %s (%s tier)", period.Format("2006-01"), tier)
	if err := s.ledger.Grant(ctx, accountID, credits, desc, period); err != nil {
		// The gate row stays; this period will not be re-granted. That is
		// the safe side of the fence: a missed grant is fixable by support,
		// a double grant is not.
		return false, fmt.Errorf("grant after gate mark: %w", err)
	}
	return true, nil
}

func (s *RenewalScheduler) tierCredits(tier string) (decimal.Decimal, error) {
	raw, ok := s.cfg.MonthlyCredits[tier]
	if !ok {
		raw, ok = s.cfg.MonthlyCredits["free"]
		if !ok {
			return decimal.Zero, nil
		}
	}
	credits, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad credit amount %q for tier %s: %w", raw, tier, err)
	}
	return credits, nil
}
