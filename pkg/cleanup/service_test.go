package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/cache"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/coordination"
	"github.com/droverhq/drover/pkg/database"
	"github.com/droverhq/drover/pkg/services"
	"github.com/droverhq/drover/test/util"
)

func retentionConfig() *config.RetentionConfig {
	return &config.RetentionConfig{
		CleanupInterval:  time.Hour,
		PendingRunTTL:    24 * time.Hour,
		WebhookRetention: 30 * 24 * time.Hour,
	}
}

// seedPendingRun inserts a pending run with the given age.
func seedPendingRun(ctx context.Context, t *testing.T, db *database.Client, age time.Duration) string {
	t.Helper()
	accountID := uuid.New().String()
	threadID := uuid.New().String()
	runID := uuid.New().String()

	_, err := db.Primary().Exec(ctx,
		`INSERT INTO threads (thread_id, account_id) VALUES ($1, $2)`,
		threadID, accountID)
	require.NoError(t, err)
	_, err = db.Primary().Exec(ctx,
		`INSERT INTO agent_runs (run_id, thread_id, account_id, status, created_at)
		 VALUES ($1, $2, $3, 'pending', $4)`,
		runID, threadID, accountID, time.Now().UTC().Add(-age))
	require.NoError(t, err)
	return runID
}

func TestService_FailsAbandonedPendingRuns(t *testing.T) {
	db := util.SetupTestDatabase(t)
	runs := services.NewRunService(db, cache.NewInvalidator())
	webhooks := coordination.NewWebhookDeduper(db)
	ctx := context.Background()

	abandoned := seedPendingRun(ctx, t, db, 48*time.Hour)

	svc := NewService(retentionConfig(), runs, webhooks)
	svc.runAll(ctx)

	got, err := runs.GetRun(ctx, abandoned)
	require.NoError(t, err)
	assert.Equal(t, services.RunStatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
	assert.NotNil(t, got.CompletedAt)
}

func TestService_PreservesRecentPendingRuns(t *testing.T) {
	db := util.SetupTestDatabase(t)
	runs := services.NewRunService(db, cache.NewInvalidator())
	webhooks := coordination.NewWebhookDeduper(db)
	ctx := context.Background()

	recent := seedPendingRun(ctx, t, db, time.Hour)

	svc := NewService(retentionConfig(), runs, webhooks)
	svc.runAll(ctx)

	got, err := runs.GetRun(ctx, recent)
	require.NoError(t, err)
	assert.Equal(t, services.RunStatusPending, got.Status)
}

func TestService_PurgesFinishedWebhookRows(t *testing.T) {
	db := util.SetupTestDatabase(t)
	runs := services.NewRunService(db, cache.NewInvalidator())
	webhooks := coordination.NewWebhookDeduper(db)
	ctx := context.Background()

	// A completed delivery past retention and one still processing.
	decision, err := webhooks.CheckAndMark(ctx, "evt_old", "payment.succeeded", map[string]any{"amount": "5"})
	require.NoError(t, err)
	require.Equal(t, coordination.WebhookProceed, decision)
	require.NoError(t, webhooks.MarkCompleted(ctx, "evt_old"))

	decision, err = webhooks.CheckAndMark(ctx, "evt_stuck", "payment.succeeded", map[string]any{"amount": "7"})
	require.NoError(t, err)
	require.Equal(t, coordination.WebhookProceed, decision)

	_, err = db.Primary().Exec(ctx,
		`UPDATE webhook_events SET created_at = now() - interval '60 days'`)
	require.NoError(t, err)

	svc := NewService(retentionConfig(), runs, webhooks)
	svc.runAll(ctx)

	var count int
	require.NoError(t, db.Primary().QueryRow(ctx,
		`SELECT count(*) FROM webhook_events WHERE event_id = 'evt_old'`).Scan(&count))
	assert.Equal(t, 0, count, "finished rows past retention should be purged")

	// Processing rows survive regardless of age: purging one would let a
	// late duplicate re-run its side-effects.
	require.NoError(t, db.Primary().QueryRow(ctx,
		`SELECT count(*) FROM webhook_events WHERE event_id = 'evt_stuck'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestService_StartStop(t *testing.T) {
	db := util.SetupTestDatabase(t)
	runs := services.NewRunService(db, cache.NewInvalidator())
	webhooks := coordination.NewWebhookDeduper(db)

	svc := NewService(retentionConfig(), runs, webhooks)
	svc.Start(context.Background())
	svc.Start(context.Background()) // second Start is a no-op
	svc.Stop()

	// Stop after Stop must not panic or hang.
	svc.Stop()
}
