package coordination

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/test/util"
)

func TestRenewalGate_OneMarkPerPeriod(t *testing.T) {
	db := util.SetupTestDatabase(t)
	gate := NewRenewalGate(db)
	ctx := context.Background()

	accountID := uuid.New().String()
	period := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	credits := decimal.NewFromInt(25)

	won, err := gate.TryMark(ctx, accountID, period, "instance-a", credits)
	require.NoError(t, err)
	assert.True(t, won)

	// A second instance scanning the same period must lose.
	won, err = gate.TryMark(ctx, accountID, period, "instance-b", credits)
	require.NoError(t, err)
	assert.False(t, won)

	processed, err := gate.Processed(ctx, accountID, period)
	require.NoError(t, err)
	assert.True(t, processed)

	// The next period is a fresh gate.
	nextPeriod := period.AddDate(0, 1, 0)
	won, err = gate.TryMark(ctx, accountID, nextPeriod, "instance-a", credits)
	require.NoError(t, err)
	assert.True(t, won)

	// Other accounts are unaffected.
	won, err = gate.TryMark(ctx, uuid.New().String(), period, "instance-a", credits)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestRenewalGate_ConcurrentMarksSingleWinner(t *testing.T) {
	db := util.SetupTestDatabase(t)
	gate := NewRenewalGate(db)
	ctx := context.Background()

	accountID := uuid.New().String()
	period := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	credits := decimal.NewFromInt(25)

	const instances = 10
	var wg sync.WaitGroup
	wins := make([]bool, instances)
	for i := 0; i < instances; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := gate.TryMark(ctx, accountID, period, uuid.New().String(), credits)
			assert.NoError(t, err)
			wins[i] = won
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, won := range wins {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "the primary key admits exactly one grant per period")
}

func TestWebhookDeduper_FirstDeliveryWinsOnce(t *testing.T) {
	db := util.SetupTestDatabase(t)
	dedup := NewWebhookDeduper(db)
	ctx := context.Background()

	eventID := "evt_" + uuid.New().String()
	payload := map[string]any{"account_id": uuid.New().String(), "amount": "12.5"}

	decision, err := dedup.CheckAndMark(ctx, eventID, "payment.succeeded", payload)
	require.NoError(t, err)
	assert.Equal(t, WebhookProceed, decision)

	// Redelivered while the first worker is still inside its handler.
	decision, err = dedup.CheckAndMark(ctx, eventID, "payment.succeeded", payload)
	require.NoError(t, err)
	assert.Equal(t, WebhookInProgress, decision)

	require.NoError(t, dedup.MarkCompleted(ctx, eventID))

	// Redelivered after completion: side-effects must never rerun.
	decision, err = dedup.CheckAndMark(ctx, eventID, "payment.succeeded", payload)
	require.NoError(t, err)
	assert.Equal(t, WebhookAlreadyCompleted, decision)
}

func TestWebhookDeduper_FailedDeliveryRetries(t *testing.T) {
	db := util.SetupTestDatabase(t)
	dedup := NewWebhookDeduper(db)
	ctx := context.Background()

	eventID := "evt_" + uuid.New().String()

	decision, err := dedup.CheckAndMark(ctx, eventID, "subscription.updated", map[string]any{"tier": "pro"})
	require.NoError(t, err)
	require.Equal(t, WebhookProceed, decision)

	require.NoError(t, dedup.MarkFailed(ctx, eventID, errors.New("ledger timeout")))

	// A later delivery picks the event back up with a bumped retry count.
	decision, err = dedup.CheckAndMark(ctx, eventID, "subscription.updated", map[string]any{"tier": "pro"})
	require.NoError(t, err)
	assert.Equal(t, WebhookProceed, decision)

	var status string
	var retries int
	var errMsg *string
	err = db.Primary().QueryRow(ctx,
		`SELECT status, retry_count, error_message FROM webhook_events WHERE event_id = $1`,
		eventID).Scan(&status, &retries, &errMsg)
	require.NoError(t, err)
	assert.Equal(t, "processing", status)
	assert.Equal(t, 1, retries)
	assert.Nil(t, errMsg, "the failure message is cleared on retry")
}

// TestWebhookDeduper_StuckProcessingReset simulates a worker that died
// mid-handler: after the stuck window the event is claimable again.
func TestWebhookDeduper_StuckProcessingReset(t *testing.T) {
	db := util.SetupTestDatabase(t)
	dedup := NewWebhookDeduper(db)
	ctx := context.Background()

	base := time.Now().UTC()
	dedup.now = func() time.Time { return base }

	eventID := "evt_" + uuid.New().String()
	decision, err := dedup.CheckAndMark(ctx, eventID, "payment.succeeded", nil)
	require.NoError(t, err)
	require.Equal(t, WebhookProceed, decision)

	// Within the window the marker still protects the event.
	dedup.now = func() time.Time { return base.Add(time.Minute) }
	decision, err = dedup.CheckAndMark(ctx, eventID, "payment.succeeded", nil)
	require.NoError(t, err)
	assert.Equal(t, WebhookInProgress, decision)

	// Past the window the marker is presumed abandoned.
	dedup.now = func() time.Time { return base.Add(stuckAfter + time.Minute) }
	decision, err = dedup.CheckAndMark(ctx, eventID, "payment.succeeded", nil)
	require.NoError(t, err)
	assert.Equal(t, WebhookProceed, decision)

	var retries int
	err = db.Primary().QueryRow(ctx,
		`SELECT retry_count FROM webhook_events WHERE event_id = $1`, eventID).Scan(&retries)
	require.NoError(t, err)
	assert.Equal(t, 1, retries)
}

func TestWebhookDeduper_ConcurrentFirstDeliveries(t *testing.T) {
	db := util.SetupTestDatabase(t)
	dedup := NewWebhookDeduper(db)
	ctx := context.Background()

	eventID := "evt_" + uuid.New().String()

	const workers = 8
	var wg sync.WaitGroup
	decisions := make([]WebhookDecision, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision, err := dedup.CheckAndMark(ctx, eventID, "payment.succeeded", nil)
			assert.NoError(t, err)
			decisions[i] = decision
		}(i)
	}
	wg.Wait()

	// Exactly one worker proceeds. Losers see the committed row
	// (InProgress) or lost the insert race outright (RetryLater).
	proceeds := 0
	for _, d := range decisions {
		switch d {
		case WebhookProceed:
			proceeds++
		case WebhookInProgress, WebhookRetryLater:
		default:
			t.Fatalf("unexpected decision %v", d)
		}
	}
	assert.Equal(t, 1, proceeds)
}
