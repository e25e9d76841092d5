package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/cache"
	"github.com/droverhq/drover/pkg/database"
)

// MemoryService manages the post-run memory extraction queue and the
// long-term user memories it produces.
type MemoryService struct {
	db       *database.Client
	inv      *cache.Invalidator
	userCtxs *cache.Cache[string]
}

// NewMemoryService creates a new MemoryService.
func NewMemoryService(db *database.Client, inv *cache.Invalidator) *MemoryService {
	s := &MemoryService{
		db:       db,
		inv:      inv,
		userCtxs: cache.New[string](cache.TTLUserContext),
	}
	inv.Register(s.userCtxs)
	return s
}

// EnqueueExtraction queues a thread for memory extraction. Fired after a
// run releases ownership; best-effort.
func (s *MemoryService) EnqueueExtraction(ctx context.Context, threadID, accountID, runID string) error {
	if threadID == "" {
		return NewValidationError("thread_id", "required")
	}
	if accountID == "" {
		return NewValidationError("account_id", "required")
	}
	var runVal any
	if runID != "" {
		runVal = runID
	}

	_, err := s.db.Primary().Exec(ctx,
		`INSERT INTO memory_extraction_queue (thread_id, account_id, agent_run_id)
		 VALUES ($1, $2, $3)`,
		threadID, accountID, runVal)
	if err != nil {
		return fmt.Errorf("failed to enqueue memory extraction for thread %s: %w", threadID, err)
	}
	return nil
}

// ExtractionJob is one claimed queue entry.
type ExtractionJob struct {
	ID        int64
	ThreadID  string
	AccountID string
	RunID     string
}

// ClaimExtractions atomically claims up to limit pending queue entries,
// flipping them to processing. Safe to call from multiple workers.
func (s *MemoryService) ClaimExtractions(ctx context.Context, limit int) ([]ExtractionJob, error) {
	if limit < 1 {
		limit = 1
	}

	var jobs []ExtractionJob
	err := database.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.Primary().Query(ctx,
			`UPDATE memory_extraction_queue
			 SET status = 'processing', attempts = attempts + 1
			 WHERE id IN (
			     SELECT id FROM memory_extraction_queue
			     WHERE status = 'pending'
			     ORDER BY enqueued_at
			     LIMIT $1
			     FOR UPDATE SKIP LOCKED
			 )
			 RETURNING id, thread_id, account_id, COALESCE(agent_run_id::text, '')`,
			limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		jobs = jobs[:0]
		for rows.Next() {
			var j ExtractionJob
			if err := rows.Scan(&j.ID, &j.ThreadID, &j.AccountID, &j.RunID); err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim extraction jobs: %w", err)
	}
	return jobs, nil
}

// CompleteExtraction finalizes a claimed queue entry.
func (s *MemoryService) CompleteExtraction(ctx context.Context, id int64, extractErr error) error {
	status := "processed"
	if extractErr != nil {
		status = "error"
	}
	_, err := s.db.Primary().Exec(ctx,
		`UPDATE memory_extraction_queue SET status = $2, processed_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("failed to complete extraction job %d: %w", id, err)
	}
	return nil
}

// SaveMemory stores one extracted memory for the account.
func (s *MemoryService) SaveMemory(ctx context.Context, accountID, content, sourceThreadID string) error {
	if accountID == "" {
		return NewValidationError("account_id", "required")
	}
	if strings.TrimSpace(content) == "" {
		return NewValidationError("content", "required")
	}
	var threadVal any
	if sourceThreadID != "" {
		threadVal = sourceThreadID
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.Primary().Exec(writeCtx,
		`INSERT INTO user_memories (account_id, content, source_thread_id) VALUES ($1, $2, $3)`,
		accountID, content, threadVal)
	if err != nil {
		return fmt.Errorf("failed to save memory for account %s: %w", accountID, err)
	}
	s.inv.Invalidate(cache.EntityUser, accountID)
	return nil
}

// UserContext returns the account's recent memories rendered as a prompt
// section, or "" when none exist.
func (s *MemoryService) UserContext(ctx context.Context, accountID string) (string, error) {
	if accountID == "" {
		return "", nil
	}

	key := cache.UserContextKey(accountID)
	if text, ok := s.userCtxs.Get(key); ok {
		return text, nil
	}

	var memories []string
	err := database.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.Replica().Query(ctx,
			`SELECT content FROM user_memories
			 WHERE account_id = $1
			 ORDER BY created_at DESC
			 LIMIT 20`,
			accountID)
		if err != nil {
			return err
		}
		defer rows.Close()

		memories = memories[:0]
		for rows.Next() {
			var content string
			if err := rows.Scan(&content); err != nil {
				return err
			}
			memories = append(memories, content)
		}
		return rows.Err()
	})
	if err != nil {
		return "", fmt.Errorf("failed to load user context for %s: %w", accountID, err)
	}

	text := RenderUserContext(memories)
	s.userCtxs.Set(key, text)
	return text, nil
}

// RenderUserContext formats memories as a markdown prompt section.
func RenderUserContext(memories []string) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## What you remember about this user\n")
	for _, m := range memories {
		b.WriteString("- ")
		b.WriteString(m)
		b.WriteString("\n")
	}
	return b.String()
}
