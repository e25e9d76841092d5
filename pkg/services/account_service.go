package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/droverhq/drover/pkg/cache"
	"github.com/droverhq/drover/pkg/database"
)

// AccountService resolves billing-tier information for limit checks.
type AccountService struct {
	db    *database.Client
	tiers *cache.Cache[TierInfo]
}

// NewAccountService creates a new AccountService.
func NewAccountService(db *database.Client, inv *cache.Invalidator) *AccountService {
	s := &AccountService{
		db:    db,
		tiers: cache.New[TierInfo](cache.TTLTierInfo),
	}
	inv.Register(s.tiers)
	return s
}

// TierInfo returns the account's tier and resource limits. Accounts without
// a credit_accounts row (not yet provisioned by billing) resolve to the
// free tier.
func (s *AccountService) TierInfo(ctx context.Context, accountID string) (TierInfo, error) {
	if accountID == "" {
		return TierInfo{}, NewValidationError("account_id", "required")
	}

	key := cache.TierInfoKey(accountID)
	if info, ok := s.tiers.Get(key); ok {
		return info, nil
	}

	tier := "free"
	err := database.WithRetry(ctx, func(ctx context.Context) error {
		row := s.db.Replica().QueryRow(ctx,
			`SELECT tier FROM credit_accounts WHERE account_id = $1`, accountID)
		return row.Scan(&tier)
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return TierInfo{}, fmt.Errorf("failed to load tier for account %s: %w", accountID, err)
	}

	info := TierInfo{AccountID: accountID, Tier: tier, Limits: LimitsForTier(tier)}
	s.tiers.Set(key, info)
	return info, nil
}
