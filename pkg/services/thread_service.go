package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/pkg/cache"
	"github.com/droverhq/drover/pkg/database"
)

// ThreadService manages threads and their parent projects.
type ThreadService struct {
	db       *database.Client
	accounts *AccountService
	inv      *cache.Invalidator

	projects    *cache.Cache[*Project]
	threadCount *cache.Cache[int]
}

// NewThreadService creates a new ThreadService.
func NewThreadService(db *database.Client, accounts *AccountService, inv *cache.Invalidator) *ThreadService {
	s := &ThreadService{
		db:          db,
		accounts:    accounts,
		inv:         inv,
		projects:    cache.New[*Project](cache.TTLProjectMeta),
		threadCount: cache.New[int](cache.TTLThreadCount),
	}
	inv.Register(s.projects)
	inv.Register(s.threadCount)
	return s
}

// GetThread loads one thread. Reads the primary: callers are usually about
// to act on the thread and cannot tolerate replica lag.
func (s *ThreadService) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	if threadID == "" {
		return nil, NewValidationError("thread_id", "required")
	}

	table, err := database.NewTable(s.db.Primary(), "threads")
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	err = database.WithRetry(ctx, func(ctx context.Context) error {
		var err error
		rows, err = table.Select(ctx, nil, map[string]any{"thread_id": threadID}, "", false, 1)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get thread %s: %w", threadID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	return threadFromRow(rows[0]), nil
}

// GetProject loads one project, cached under the project-meta TTL.
func (s *ThreadService) GetProject(ctx context.Context, projectID string) (*Project, error) {
	if projectID == "" {
		return nil, NewValidationError("project_id", "required")
	}

	key := cache.ProjectMetaKey(projectID)
	if p, ok := s.projects.Get(key); ok {
		return p, nil
	}

	table, err := database.NewTable(s.db.Replica(), "projects")
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	err = database.WithRetry(ctx, func(ctx context.Context) error {
		var err error
		rows, err = table.Select(ctx, nil, map[string]any{"project_id": projectID}, "", false, 1)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", projectID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}

	p := projectFromRow(rows[0])
	s.projects.Set(key, p)
	return p, nil
}

// CreateThreadRequest carries the fields for a new thread.
type CreateThreadRequest struct {
	ThreadID  string // optional; minted when empty
	ProjectID string
	AccountID string
	Name      string
	Metadata  map[string]any
}

// CreateThread inserts a thread after enforcing the account's tier limit.
func (s *ThreadService) CreateThread(ctx context.Context, req CreateThreadRequest) (*Thread, error) {
	if req.ProjectID == "" {
		return nil, NewValidationError("project_id", "required")
	}
	if req.AccountID == "" {
		return nil, NewValidationError("account_id", "required")
	}

	info, err := s.accounts.TierInfo(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	count, err := s.CountThreads(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if count >= info.Limits.MaxThreads {
		return nil, fmt.Errorf("account %s at %d threads (tier %s): %w",
			req.AccountID, count, info.Tier, ErrThreadLimitExceeded)
	}

	if req.ThreadID == "" {
		req.ThreadID = uuid.New().String()
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	table, err := database.NewTable(s.db.Primary(), "threads")
	if err != nil {
		return nil, err
	}
	// Background context with timeout for the critical write.
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = table.Insert(writeCtx, map[string]any{
		"thread_id":  req.ThreadID,
		"project_id": req.ProjectID,
		"account_id": req.AccountID,
		"name":       req.Name,
		"metadata":   metadata,
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("thread %s: %w", req.ThreadID, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}

	s.inv.Invalidate(cache.EntityAccount, req.AccountID)
	return s.GetThread(ctx, req.ThreadID)
}

// CreateProjectRequest carries the fields for a new project.
type CreateProjectRequest struct {
	ProjectID string // optional; minted when empty
	AccountID string
	Name      string
}

// CreateProject inserts a project after enforcing the account's tier limit.
func (s *ThreadService) CreateProject(ctx context.Context, req CreateProjectRequest) (*Project, error) {
	if req.AccountID == "" {
		return nil, NewValidationError("account_id", "required")
	}

	info, err := s.accounts.TierInfo(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	var count int
	err = database.WithRetry(ctx, func(ctx context.Context) error {
		row := s.db.Replica().QueryRow(ctx,
			`SELECT COUNT(*) FROM projects WHERE account_id = $1`, req.AccountID)
		return row.Scan(&count)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count projects: %w", err)
	}
	if count >= info.Limits.MaxProjects {
		return nil, fmt.Errorf("account %s at %d projects (tier %s): %w",
			req.AccountID, count, info.Tier, ErrProjectLimitExceeded)
	}

	if req.ProjectID == "" {
		req.ProjectID = uuid.New().String()
	}
	table, err := database.NewTable(s.db.Primary(), "projects")
	if err != nil {
		return nil, err
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = table.Insert(writeCtx, map[string]any{
		"project_id": req.ProjectID,
		"account_id": req.AccountID,
		"name":       req.Name,
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("project %s: %w", req.ProjectID, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	return s.GetProject(ctx, req.ProjectID)
}

// CountThreads returns the account's thread count, cached briefly.
func (s *ThreadService) CountThreads(ctx context.Context, accountID string) (int, error) {
	key := cache.ThreadCountKey(accountID)
	if n, ok := s.threadCount.Get(key); ok {
		return n, nil
	}

	var count int
	err := database.WithRetry(ctx, func(ctx context.Context) error {
		row := s.db.Replica().QueryRow(ctx,
			`SELECT COUNT(*) FROM threads WHERE account_id = $1`, accountID)
		return row.Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count threads: %w", err)
	}

	s.threadCount.Set(key, count)
	return count, nil
}

// MarkThreadHasImages flags a thread whose transcript now contains images.
func (s *ThreadService) MarkThreadHasImages(ctx context.Context, threadID string) error {
	table, err := database.NewTable(s.db.Primary(), "threads")
	if err != nil {
		return err
	}
	_, err = table.Update(ctx,
		map[string]any{"has_images": true, "updated_at": time.Now().UTC()},
		map[string]any{"thread_id": threadID})
	if err != nil {
		return fmt.Errorf("failed to mark thread %s has_images: %w", threadID, err)
	}
	s.inv.Invalidate(cache.EntityThread, threadID)
	return nil
}
