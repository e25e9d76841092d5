package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/coordination"
	"github.com/droverhq/drover/pkg/kvstream"
)

// ErrWebhookRetry tells the caller to leave the delivery unacked so the
// provider (or broker) redelivers it.
var ErrWebhookRetry = errors.New("webhook must be retried")

// Webhook event types we act on. Unknown types are acknowledged and
// logged, never failed; the provider sends more kinds than we consume.
const (
	EventSubscriptionUpdated = "subscription.updated"
	EventPaymentSucceeded    = "payment.succeeded"
)

// subscriptionLockWait bounds how long a delivery waits for a concurrent
// update to the same account's subscription.
const subscriptionLockWait = 10 * time.Second

// WebhookEvent is a provider billing notification, already
// signature-verified by the transport layer.
type WebhookEvent struct {
	ID      string
	Type    string
	Payload map[string]any
}

// WebhookProcessor applies billing webhooks with at-most-once
// side-effects per event id across all instances.
type WebhookProcessor struct {
	dedup  *coordination.WebhookDeduper
	ledger *Ledger
	gate   *coordination.RenewalGate
	kv     *kvstream.Client
	cfg    *config.BillingConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewWebhookProcessor wires the processor.
func NewWebhookProcessor(dedup *coordination.WebhookDeduper, ledger *Ledger, gate *coordination.RenewalGate, kv *kvstream.Client, cfg *config.BillingConfig) *WebhookProcessor {
	return &WebhookProcessor{
		dedup:  dedup,
		ledger: ledger,
		gate:   gate,
		kv:     kv,
		cfg:    cfg,
		logger: slog.With("component", "webhooks"),
		now:    time.Now,
	}
}

// Process runs one delivery through the dedup gate and, when it wins,
// the side-effects. Returns ErrWebhookRetry when the delivery should be
// attempted again later.
func (p *WebhookProcessor) Process(ctx context.Context, evt WebhookEvent) error {
	if evt.ID == "" {
		return fmt.Errorf("webhook event has no id")
	}

	decision, err := p.dedup.CheckAndMark(ctx, evt.ID, evt.Type, evt.Payload)
	if err != nil {
		return fmt.Errorf("webhook dedup check for %s: %w", evt.ID, err)
	}

	switch decision {
	case coordination.WebhookAlreadyCompleted:
		p.logger.Debug("Webhook already processed", "event_id", evt.ID, "type", evt.Type)
		return nil
	case coordination.WebhookInProgress:
		p.logger.Debug("Webhook processing elsewhere", "event_id", evt.ID, "type", evt.Type)
		return nil
	case coordination.WebhookRetryLater:
		return fmt.Errorf("%w: %s", ErrWebhookRetry, evt.ID)
	case coordination.WebhookProceed:
		// fall through
	default:
		return fmt.Errorf("unexpected webhook decision %v for %s", decision, evt.ID)
	}

	if err := p.handle(ctx, evt); err != nil {
		if markErr := p.dedup.MarkFailed(ctx, evt.ID, err); markErr != nil {
			p.logger.Error("Failed to mark webhook failed",
				"event_id", evt.ID, "error", markErr)
		}
		return fmt.Errorf("webhook %s (%s): %w", evt.ID, evt.Type, err)
	}

	if err := p.dedup.MarkCompleted(ctx, evt.ID); err != nil {
		// Side-effects ran; a stale 'processing' row resets itself after
		// the stuck window, and the redelivery will see completed work.
		p.logger.Error("Failed to mark webhook completed",
			"event_id", evt.ID, "error", err)
	}
	return nil
}

func (p *WebhookProcessor) handle(ctx context.Context, evt WebhookEvent) error {
	switch evt.Type {
	case EventSubscriptionUpdated:
		return p.subscriptionUpdated(ctx, evt)
	case EventPaymentSucceeded:
		return p.paymentSucceeded(ctx, evt)
	default:
		p.logger.Info("Ignoring webhook type", "event_id", evt.ID, "type", evt.Type)
		return nil
	}
}

// subscriptionUpdated moves the account to its new tier. An upgrade off
// the free tier also grants the new tier's credits for the current
// period, gated so a renewal scan racing the webhook cannot double-grant.
func (p *WebhookProcessor) subscriptionUpdated(ctx context.Context, evt WebhookEvent) error {
	accountID := payloadString(evt.Payload, "account_id")
	newTier := payloadString(evt.Payload, "tier")
	if accountID == "" || newTier == "" {
		return fmt.Errorf("subscription event %s missing account_id or tier", evt.ID)
	}

	mu := coordination.NewMutex(p.kv, "subscription:"+accountID, 30*time.Second)
	return mu.Do(ctx, subscriptionLockWait, func(ctx context.Context) error {
		oldTier, err := p.ledger.Tier(ctx, accountID)
		if err != nil {
			return err
		}
		if oldTier == newTier {
			p.logger.Debug("Subscription unchanged", "account_id", accountID, "tier", newTier)
			return nil
		}

		if err := p.ledger.SetTier(ctx, accountID, newTier); err != nil {
			return err
		}
		p.logger.Info("Subscription tier changed",
			"account_id", accountID, "from", oldTier, "to", newTier)

		if oldTier != "free" || newTier == "free" {
			return nil
		}
		return p.upgradeGrant(ctx, evt.ID, accountID, newTier)
	})
}

// upgradeGrant gives a freshly upgraded account the paid tier's credits
// for the current period, through the same gate the renewal scan uses.
func (p *WebhookProcessor) upgradeGrant(ctx context.Context, eventID, accountID, tier string) error {
	raw, ok := p.cfg.MonthlyCredits[tier]
	if !ok {
		p.logger.Warn("No credit amount configured for tier",
			"account_id", accountID, "tier", tier)
		return nil
	}
	credits, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("bad credit amount %q for tier %s: %w", raw, tier, err)
	}
	if !credits.IsPositive() {
		return nil
	}

	period := PeriodStart(p.now())
	won, err := p.gate.TryMark(ctx, accountID, period, "webhook:"+eventID, credits)
	if err != nil {
		return err
	}
	if !won {
		// Renewal scan already granted this period at the old tier's
		// amount; the difference is settled at the next period.
		return nil
	}

	desc := fmt.Sprintf("upgrade grant %s (%s tier)", period.Format("2006-01"), tier)
	return p.ledger.Grant(ctx, accountID, credits, desc, period)
}

// paymentSucceeded credits a one-off purchase.
func (p *WebhookProcessor) paymentSucceeded(ctx context.Context, evt WebhookEvent) error {
	accountID := payloadString(evt.Payload, "account_id")
	if accountID == "" {
		return fmt.Errorf("payment event %s missing account_id", evt.ID)
	}

	amount, err := payloadAmount(evt.Payload, "amount")
	if err != nil {
		return fmt.Errorf("payment event %s: %w", evt.ID, err)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("payment event %s has non-positive amount %s", evt.ID, amount)
	}

	desc := fmt.Sprintf("credit purchase (event %s)", evt.ID)
	return p.ledger.Grant(ctx, accountID, amount, desc, time.Time{})
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// payloadAmount accepts the two shapes providers send: a decimal string
// or a JSON number.
func payloadAmount(payload map[string]any, key string) (decimal.Decimal, error) {
	switch v := payload[key].(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case nil:
		return decimal.Zero, fmt.Errorf("missing %s", key)
	default:
		return decimal.Zero, fmt.Errorf("unsupported %s type %T", key, v)
	}
}
