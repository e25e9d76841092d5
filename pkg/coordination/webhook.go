package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/droverhq/drover/pkg/database"
)

// WebhookDecision is the outcome of CheckAndMark. Exactly one branch is
// taken per delivery; only Proceed lets side-effects run.
type WebhookDecision int

const (
	// WebhookProceed: first delivery, prior failure, or stuck reset — run
	// the side-effects.
	WebhookProceed WebhookDecision = iota
	// WebhookAlreadyCompleted: a previous delivery finished; no-op.
	WebhookAlreadyCompleted
	// WebhookInProgress: another worker is processing right now; no-op.
	WebhookInProgress
	// WebhookRetryLater: insert race detected; signal broker-level retry.
	WebhookRetryLater
)

func (d WebhookDecision) String() string {
	switch d {
	case WebhookProceed:
		return "proceed"
	case WebhookAlreadyCompleted:
		return "already_completed"
	case WebhookInProgress:
		return "in_progress"
	case WebhookRetryLater:
		return "retry_later"
	default:
		return fmt.Sprintf("WebhookDecision(%d)", int(d))
	}
}

// stuckAfter is how long a processing marker may sit before it is presumed
// abandoned and reset.
const stuckAfter = 5 * time.Minute

// WebhookDeduper gives webhook handlers at-most-once side-effects per
// event id across all instances.
type WebhookDeduper struct {
	db  *database.Client
	now func() time.Time
}

// NewWebhookDeduper wires the dedup table.
func NewWebhookDeduper(db *database.Client) *WebhookDeduper {
	return &WebhookDeduper{db: db, now: time.Now}
}

// CheckAndMark decides whether this delivery of eventID may run its
// side-effects, atomically flipping the row to processing when it may.
func (w *WebhookDeduper) CheckAndMark(ctx context.Context, eventID, eventType string, payload any) (WebhookDecision, error) {
	var decision WebhookDecision

	err := w.db.WithTx(ctx, func(tx pgx.Tx) error {
		now := w.now().UTC()

		var status string
		var startedAt *time.Time
		err := tx.QueryRow(ctx,
			`SELECT status, processing_started_at FROM webhook_events WHERE event_id = $1 FOR UPDATE`,
			eventID,
		).Scan(&status, &startedAt)

		if errors.Is(err, pgx.ErrNoRows) {
			payloadJSON, mErr := json.Marshal(payload)
			if mErr != nil {
				return fmt.Errorf("marshal webhook payload: %w", mErr)
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO webhook_events (event_id, event_type, status, processing_started_at, payload)
				 VALUES ($1, $2, 'processing', $3, $4)`,
				eventID, eventType, now, payloadJSON)
			if err != nil {
				if database.IsUniqueViolation(err) {
					// Another worker inserted between our SELECT and
					// INSERT. Let the broker redeliver.
					decision = WebhookRetryLater
					return nil
				}
				return fmt.Errorf("insert webhook event: %w", err)
			}
			decision = WebhookProceed
			return nil
		}
		if err != nil {
			return fmt.Errorf("select webhook event: %w", err)
		}

		decision, err = w.reprocess(ctx, tx, eventID, status, startedAt, now)
		return err
	})
	if err != nil {
		return WebhookRetryLater, err
	}
	return decision, nil
}

// reprocess handles an existing row under the row lock.
func (w *WebhookDeduper) reprocess(ctx context.Context, tx pgx.Tx, eventID, status string, startedAt *time.Time, now time.Time) (WebhookDecision, error) {
	switch status {
	case "completed":
		return WebhookAlreadyCompleted, nil

	case "failed":
		_, err := tx.Exec(ctx,
			`UPDATE webhook_events
			 SET status = 'processing', processing_started_at = $2, retry_count = retry_count + 1, error_message = NULL
			 WHERE event_id = $1`,
			eventID, now)
		if err != nil {
			return WebhookRetryLater, fmt.Errorf("reset failed webhook event: %w", err)
		}
		return WebhookProceed, nil

	case "processing":
		if startedAt != nil && now.Sub(startedAt.UTC()) > stuckAfter {
			_, err := tx.Exec(ctx,
				`UPDATE webhook_events
				 SET processing_started_at = $2, retry_count = retry_count + 1
				 WHERE event_id = $1`,
				eventID, now)
			if err != nil {
				return WebhookRetryLater, fmt.Errorf("reset stuck webhook event: %w", err)
			}
			return WebhookProceed, nil
		}
		return WebhookInProgress, nil

	default:
		return WebhookRetryLater, fmt.Errorf("webhook event %s has unknown status %q", eventID, status)
	}
}

// MarkCompleted finalizes a successful delivery.
func (w *WebhookDeduper) MarkCompleted(ctx context.Context, eventID string) error {
	_, err := w.db.Primary().Exec(ctx,
		`UPDATE webhook_events SET status = 'completed', completed_at = $2 WHERE event_id = $1`,
		eventID, w.now().UTC())
	if err != nil {
		return fmt.Errorf("mark webhook completed: %w", err)
	}
	return nil
}

// MarkFailed records a failed delivery so a later one may retry.
func (w *WebhookDeduper) MarkFailed(ctx context.Context, eventID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := w.db.Primary().Exec(ctx,
		`UPDATE webhook_events SET status = 'failed', error_message = $2 WHERE event_id = $1`,
		eventID, msg)
	if err != nil {
		return fmt.Errorf("mark webhook failed: %w", err)
	}
	return nil
}

// PurgeFinished deletes completed and failed dedup rows older than the
// retention window. Processing rows are never purged regardless of age:
// deleting one would let a late duplicate re-run its side-effects.
// Returns the number of rows removed.
func (w *WebhookDeduper) PurgeFinished(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := w.now().UTC().Add(-olderThan)
	tag, err := w.db.Primary().Exec(ctx,
		`DELETE FROM webhook_events
		 WHERE status IN ('completed', 'failed') AND created_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge webhook events: %w", err)
	}
	return tag.RowsAffected(), nil
}
