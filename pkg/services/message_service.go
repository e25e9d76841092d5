package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/droverhq/drover/pkg/cache"
	"github.com/droverhq/drover/pkg/database"
)

// MessageService reads and writes thread transcripts.
type MessageService struct {
	db      *database.Client
	inv     *cache.Invalidator
	history *cache.Cache[[]Message]
}

// NewMessageService creates a new MessageService.
func NewMessageService(db *database.Client, inv *cache.Invalidator) *MessageService {
	s := &MessageService{
		db:      db,
		inv:     inv,
		history: cache.New[[]Message](cache.TTLMessageHistory),
	}
	inv.Register(s.history)
	return s
}

// AddMessage inserts one transcript row. Used for user input and one-off
// writes; run output goes through InsertBatch via the write buffer.
func (s *MessageService) AddMessage(ctx context.Context, rec MessageRecord) (*Message, error) {
	if rec.ThreadID == "" {
		return nil, NewValidationError("thread_id", "required")
	}
	if rec.Type == "" {
		return nil, NewValidationError("type", "required")
	}
	normalizeRecord(&rec)

	err := database.WithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.Primary().Exec(ctx,
			`INSERT INTO messages (message_id, thread_id, type, is_llm_message, content, metadata, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			 ON CONFLICT (message_id) DO NOTHING`,
			rec.MessageID, rec.ThreadID, rec.Type, rec.IsLLM, rec.Content, rec.Metadata, rec.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add message to thread %s: %w", rec.ThreadID, err)
	}

	s.inv.Invalidate(cache.EntityThread, rec.ThreadID)
	return &Message{
		ID:        rec.MessageID,
		ThreadID:  rec.ThreadID,
		Type:      rec.Type,
		IsLLM:     rec.IsLLM,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.CreatedAt,
	}, nil
}

// InsertBatch writes a flush batch in one transaction. Replayed batches are
// harmless: rows conflict on message_id and are skipped.
func (s *MessageService) InsertBatch(ctx context.Context, records []MessageRecord) error {
	if len(records) == 0 {
		return nil
	}
	for i := range records {
		if records[i].ThreadID == "" {
			return NewValidationError("thread_id", "required")
		}
		normalizeRecord(&records[i])
	}

	err := database.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.WithTx(ctx, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, rec := range records {
				batch.Queue(
					`INSERT INTO messages (message_id, thread_id, type, is_llm_message, content, metadata, created_at, updated_at)
					 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
					 ON CONFLICT (message_id) DO NOTHING`,
					rec.MessageID, rec.ThreadID, rec.Type, rec.IsLLM, rec.Content, rec.Metadata, rec.CreatedAt)
			}
			br := tx.SendBatch(ctx, batch)
			defer br.Close()
			for range records {
				if _, err := br.Exec(); err != nil {
					return err
				}
			}
			return br.Close()
		})
	})
	if err != nil {
		return fmt.Errorf("failed to insert message batch (%d rows): %w", len(records), err)
	}

	for _, threadID := range distinctThreads(records) {
		s.inv.Invalidate(cache.EntityThread, threadID)
	}
	return nil
}

// ListLLMMessages returns the thread's context-participating rows in
// insertion order, cached briefly. Reads the primary: a step preparing its
// context must see the messages the previous step just flushed.
func (s *MessageService) ListLLMMessages(ctx context.Context, threadID string) ([]Message, error) {
	if threadID == "" {
		return nil, NewValidationError("thread_id", "required")
	}

	key := cache.MessageHistoryKey(threadID)
	if msgs, ok := s.history.Get(key); ok {
		return msgs, nil
	}

	var msgs []Message
	err := database.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.Primary().Query(ctx,
			`SELECT message_id, thread_id, type, is_llm_message, content, metadata, created_at, updated_at
			 FROM messages
			 WHERE thread_id = $1 AND is_llm_message
			 ORDER BY created_at, message_id`,
			threadID)
		if err != nil {
			return err
		}
		defer rows.Close()

		msgs = msgs[:0]
		for rows.Next() {
			var m Message
			if err := rows.Scan(&m.ID, &m.ThreadID, &m.Type, &m.IsLLM, &m.Content, &m.Metadata, &m.CreatedAt, &m.UpdatedAt); err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for thread %s: %w", threadID, err)
	}

	s.history.Set(key, msgs)
	return msgs, nil
}

// normalizeRecord fills defaults: minted id, current timestamp, empty JSON
// documents.
func normalizeRecord(rec *MessageRecord) {
	if rec.MessageID == "" {
		rec.MessageID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Content == "" {
		rec.Content = "{}"
	}
	if rec.Metadata == "" {
		rec.Metadata = "{}"
	}
}

func distinctThreads(records []MessageRecord) []string {
	seen := make(map[string]bool, 1)
	var out []string
	for _, rec := range records {
		if !seen[rec.ThreadID] {
			seen[rec.ThreadID] = true
			out = append(out, rec.ThreadID)
		}
	}
	return out
}
