package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/droverhq/drover/pkg/cache"
	"github.com/droverhq/drover/pkg/database"
)

// RunService manages agent_runs rows and answers ownership status queries.
type RunService struct {
	db      *database.Client
	inv     *cache.Invalidator
	running *cache.Cache[[]string]
}

// NewRunService creates a new RunService.
func NewRunService(db *database.Client, inv *cache.Invalidator) *RunService {
	s := &RunService{
		db:      db,
		inv:     inv,
		running: cache.New[[]string](cache.TTLRunningRuns),
	}
	inv.Register(s.running)
	return s
}

// CreateRunRequest carries the fields for a new run.
type CreateRunRequest struct {
	RunID          string // optional; minted when empty
	ThreadID       string
	AccountID      string
	AgentID        string
	AgentVersionID string
}

// CreateRun inserts a run in running status. The partial unique index on
// (thread_id) WHERE status='running' backstops the distributed lock: a
// second concurrent run on the same thread fails with ErrRunAlreadyActive.
func (s *RunService) CreateRun(ctx context.Context, req CreateRunRequest) (*AgentRun, error) {
	if req.ThreadID == "" {
		return nil, NewValidationError("thread_id", "required")
	}
	if req.AccountID == "" {
		return nil, NewValidationError("account_id", "required")
	}
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}

	var agentID, versionID any
	if req.AgentID != "" {
		agentID = req.AgentID
	}
	if req.AgentVersionID != "" {
		versionID = req.AgentVersionID
	}

	// Background context with timeout for the critical write.
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	_, err := s.db.Primary().Exec(writeCtx,
		`INSERT INTO agent_runs (run_id, thread_id, account_id, agent_id, agent_version_id, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.RunID, req.ThreadID, req.AccountID, agentID, versionID, RunStatusRunning, now)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("thread %s: %w", req.ThreadID, ErrRunAlreadyActive)
		}
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.inv.Invalidate(cache.EntityAccount, req.AccountID)
	return &AgentRun{
		ID:             req.RunID,
		ThreadID:       req.ThreadID,
		AccountID:      req.AccountID,
		AgentID:        req.AgentID,
		AgentVersionID: req.AgentVersionID,
		Status:         RunStatusRunning,
		StartedAt:      &now,
		CreatedAt:      now,
	}, nil
}

const runColumns = `run_id, thread_id, account_id,
	COALESCE(agent_id::text, ''), COALESCE(agent_version_id::text, ''),
	status, COALESCE(error, ''), started_at, completed_at, created_at`

// GetRun loads one run from the primary.
func (s *RunService) GetRun(ctx context.Context, runID string) (*AgentRun, error) {
	if runID == "" {
		return nil, NewValidationError("run_id", "required")
	}

	var run AgentRun
	err := database.WithRetry(ctx, func(ctx context.Context) error {
		row := s.db.Primary().QueryRow(ctx,
			`SELECT `+runColumns+` FROM agent_runs WHERE run_id = $1`, runID)
		return scanRun(row, &run)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return &run, nil
}

// RunStatus returns just the status column. Satisfies the takeover check's
// status source; always reads the primary.
func (s *RunService) RunStatus(ctx context.Context, runID string) (string, error) {
	var status string
	err := database.WithRetry(ctx, func(ctx context.Context) error {
		row := s.db.Primary().QueryRow(ctx,
			`SELECT status FROM agent_runs WHERE run_id = $1`, runID)
		return row.Scan(&status)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read run status %s: %w", runID, err)
	}
	return status, nil
}

// UpdateStatus transitions a run. Terminal statuses stamp completed_at;
// a non-empty errMsg is stored on the error column. Uses a background
// context so the exit path survives caller cancellation.
func (s *RunService) UpdateStatus(ctx context.Context, runID, status, errMsg string) error {
	if runID == "" {
		return NewValidationError("run_id", "required")
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var completedAt any
	if IsTerminalRunStatus(status) {
		completedAt = time.Now().UTC()
	}
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}

	tag, err := s.db.Primary().Exec(writeCtx,
		`UPDATE agent_runs
		 SET status = $2,
		     completed_at = COALESCE($3, completed_at),
		     error = COALESCE($4, error),
		     updated_at = now()
		 WHERE run_id = $1`,
		runID, status, completedAt, errVal)
	if err != nil {
		return fmt.Errorf("failed to update run %s to %s: %w", runID, status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// FailIfRunning marks a run failed only when it is still running. Used by
// the stale sweeper; returns false when someone else already finished it.
func (s *RunService) FailIfRunning(ctx context.Context, runID, errMsg string) (bool, error) {
	tag, err := s.db.Primary().Exec(ctx,
		`UPDATE agent_runs
		 SET status = $2, error = $3, completed_at = now(), updated_at = now()
		 WHERE run_id = $1 AND status = $4`,
		runID, RunStatusFailed, errMsg, RunStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to fail run %s: %w", runID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RunningRunIDs returns the ids of the account's running runs, cached for
// a few seconds.
func (s *RunService) RunningRunIDs(ctx context.Context, accountID string) ([]string, error) {
	if accountID == "" {
		return nil, NewValidationError("account_id", "required")
	}

	key := cache.RunningRunsKey(accountID)
	if ids, ok := s.running.Get(key); ok {
		return ids, nil
	}

	var ids []string
	err := database.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.Primary().Query(ctx,
			`SELECT run_id FROM agent_runs WHERE account_id = $1 AND status = $2`,
			accountID, RunStatusRunning)
		if err != nil {
			return err
		}
		defer rows.Close()

		ids = ids[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list running runs for %s: %w", accountID, err)
	}

	s.running.Set(key, ids)
	return ids, nil
}

// ListRunningOlderThan returns running runs whose started_at is older than
// the threshold. The sweeper cross-checks each against the ownership lock
// before failing it, so this reads the primary: a lagged replica could
// resurrect an already-finished run.
func (s *RunService) ListRunningOlderThan(ctx context.Context, threshold time.Duration) ([]AgentRun, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	var runs []AgentRun
	err := database.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.Primary().Query(ctx,
			`SELECT `+runColumns+` FROM agent_runs
			 WHERE status = $1 AND started_at < $2
			 ORDER BY started_at`,
			RunStatusRunning, cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()

		runs = runs[:0]
		for rows.Next() {
			var run AgentRun
			if err := scanRun(rows, &run); err != nil {
				return err
			}
			runs = append(runs, run)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stale running runs: %w", err)
	}
	return runs, nil
}

// FailStalePending fails pending runs older than the TTL: rows whose
// delivery was lost before any instance claimed them. They hold no
// ownership lock, so there is nothing to cross-check. Returns the number
// of runs failed.
func (s *RunService) FailStalePending(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.db.Primary().Exec(ctx,
		`UPDATE agent_runs
		 SET status = $1, error = $2, completed_at = now(), updated_at = now()
		 WHERE status = $3 AND created_at < $4`,
		RunStatusFailed, "run was never picked up for execution", RunStatusPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale pending runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanRun reads one runColumns row. Works for both QueryRow and Rows.
func scanRun(row pgx.Row, run *AgentRun) error {
	return row.Scan(
		&run.ID, &run.ThreadID, &run.AccountID,
		&run.AgentID, &run.AgentVersionID,
		&run.Status, &run.Error, &run.StartedAt, &run.CompletedAt, &run.CreatedAt)
}
