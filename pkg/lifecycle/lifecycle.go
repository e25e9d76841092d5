// Package lifecycle owns a process's side of run ownership: claiming runs,
// keeping the heartbeat and lock fresh while a driver works, releasing on
// exit, and the process-wide shutdown flag the rest of the system consults.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/coordination"
	"github.com/droverhq/drover/pkg/kvstream"
)

// ErrAlreadyClaimed is returned by Claim when a live owner exists. The
// caller must skip the job without emitting any events.
var ErrAlreadyClaimed = errors.New("run already claimed by another instance")

// Manager tracks every run this instance owns and keeps their liveness
// signals fresh.
type Manager struct {
	kv         *kvstream.Client
	ownership  *coordination.Ownership
	instanceID string

	heartbeat time.Duration
	lockTTL   time.Duration
	streamTTL time.Duration

	logger *slog.Logger

	shuttingDown atomic.Bool

	mu     sync.Mutex
	leases map[string]*Lease
}

// NewManager wires the lifecycle manager. statusSource backs the takeover
// decision (a claim never breaks a lock the database still calls running).
func NewManager(kv *kvstream.Client, statusSource coordination.RunStatusSource, runCfg *config.RunConfig, streamTTL time.Duration, instanceID string) *Manager {
	return &Manager{
		kv:         kv,
		ownership:  coordination.NewOwnership(kv, statusSource, runCfg.LockTTL),
		instanceID: instanceID,
		heartbeat:  runCfg.HeartbeatInterval,
		lockTTL:    runCfg.LockTTL,
		streamTTL:  streamTTL,
		logger:     slog.With("component", "lifecycle", "instance_id", instanceID),
		leases:     make(map[string]*Lease),
	}
}

// InstanceID identifies this process in locks and heartbeat keys.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// BeginShutdown flips the process-wide shutdown flag. Claims start
// failing immediately; in-flight runs keep their leases.
func (m *Manager) BeginShutdown() {
	if m.shuttingDown.CompareAndSwap(false, true) {
		m.logger.Info("Shutdown flag set, refusing new runs")
	}
}

// ShuttingDown reports whether the process is draining.
func (m *Manager) ShuttingDown() bool {
	return m.shuttingDown.Load()
}

// ActiveRuns lists the run ids this instance currently owns.
func (m *Manager) ActiveRuns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.leases))
	for id := range m.leases {
		ids = append(ids, id)
	}
	return ids
}

// ActiveCount is the number of runs this instance currently owns.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// Claim takes ownership of runID and starts its heartbeat. Returns
// ErrAlreadyClaimed when a live owner exists elsewhere.
func (m *Manager) Claim(ctx context.Context, runID string) (*Lease, error) {
	if m.ShuttingDown() {
		return nil, fmt.Errorf("claim %s: instance is shutting down", runID)
	}

	result, err := m.ownership.Claim(ctx, runID, m.instanceID)
	if err != nil {
		return nil, err
	}
	if result == coordination.ClaimHeldElsewhere {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, runID)
	}

	lease := &Lease{
		m:         m,
		runID:     runID,
		takenOver: result == coordination.ClaimTakenOver,
		lost:      make(chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	// The heartbeat key must exist before the claim is visible as live,
	// otherwise a concurrent claimer sees lock-without-heartbeat and
	// treats us as stale.
	if err := lease.beat(ctx); err != nil {
		_ = m.ownership.Release(ctx, runID, m.instanceID)
		return nil, fmt.Errorf("claim %s: write heartbeat: %w", runID, err)
	}

	m.mu.Lock()
	m.leases[runID] = lease
	m.mu.Unlock()

	go lease.heartbeatLoop()

	if lease.takenOver {
		m.logger.Info("Claimed run by takeover", "run_id", runID)
	} else {
		m.logger.Debug("Claimed run", "run_id", runID)
	}
	return lease, nil
}

// Quiesce blocks until every lease is released or ctx expires.
func (m *Manager) Quiesce(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("quiesce: %d runs still active: %w", m.ActiveCount(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Lease is one owned run. The driver holds it for the run's whole life
// and must Release it on every exit path.
type Lease struct {
	m         *Manager
	runID     string
	takenOver bool

	lost chan struct{}
	stop chan struct{}
	done chan struct{}

	lostOnce    sync.Once
	releaseOnce sync.Once
}

// RunID is the owned run's id.
func (l *Lease) RunID() string { return l.runID }

// TakenOver reports whether this claim broke a stale lock. The driver
// uses it to log the recovery.
func (l *Lease) TakenOver() bool { return l.takenOver }

// Lost is closed when ownership could not be kept alive. The driver must
// stop emitting events and abandon the run without touching terminal
// state; whoever took over owns it now.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Touch refreshes both liveness keys immediately. The driver calls it on
// event milestones so a busy run stays visibly alive even if the ticker
// goroutine is starved.
func (l *Lease) Touch(ctx context.Context) {
	if err := l.beat(ctx); err != nil {
		l.m.logger.Debug("Heartbeat touch failed", "run_id", l.runID, "error", err)
	}
}

// beat refreshes the heartbeat marker and the ownership lock once.
func (l *Lease) beat(ctx context.Context) error {
	stamp := time.Now().UTC().Format(time.RFC3339)
	if err := l.m.kv.Set(ctx, kvstream.ActiveRunKey(l.m.instanceID, l.runID), stamp, l.m.lockTTL); err != nil {
		return err
	}
	ok, err := l.m.ownership.Refresh(ctx, l.runID, l.m.instanceID)
	if err != nil {
		return err
	}
	if !ok {
		l.markLost()
		return fmt.Errorf("ownership of %s lost", l.runID)
	}
	return nil
}

// heartbeatLoop refreshes liveness every interval until Release. Transient
// failures are tolerated for up to the lock TTL; past that the lock has
// expired on the server and ownership is gone with it.
func (l *Lease) heartbeatLoop() {
	defer close(l.done)

	ticker := time.NewTicker(l.m.heartbeat)
	defer ticker.Stop()

	lastSuccess := time.Now()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.m.heartbeat)
		err := l.beat(ctx)
		cancel()

		switch {
		case err == nil:
			lastSuccess = time.Now()
		case time.Since(lastSuccess) >= l.m.lockTTL:
			l.m.logger.Error("Heartbeat dead past lock TTL, ownership lost",
				"run_id", l.runID, "error", err)
			l.markLost()
			return
		default:
			l.m.logger.Warn("Heartbeat refresh failed",
				"run_id", l.runID, "error", err)
		}
	}
}

func (l *Lease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// Release ends ownership: stops the heartbeat, stamps the event stream's
// retention TTL, and deletes the lock and heartbeat keys. Safe to call
// more than once. status is the terminal run status, for the log line.
func (l *Lease) Release(ctx context.Context, status string) error {
	var err error
	l.releaseOnce.Do(func() {
		close(l.stop)
		<-l.done

		// Run cleanup even when the caller's context is already dead.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		// Stamp retention first: if the process dies mid-release the keys
		// expire on their own, but an unstamped stream would linger.
		if _, e := l.m.kv.Expire(ctx, kvstream.RunStreamKey(l.runID), l.m.streamTTL); e != nil {
			err = errors.Join(err, fmt.Errorf("stamp stream ttl: %w", e))
		}
		if e := l.m.kv.Delete(ctx, kvstream.ActiveRunKey(l.m.instanceID, l.runID)); e != nil {
			err = errors.Join(err, fmt.Errorf("delete heartbeat: %w", e))
		}
		if e := l.m.ownership.Release(ctx, l.runID, l.m.instanceID); e != nil {
			err = errors.Join(err, fmt.Errorf("release lock: %w", e))
		}

		l.m.mu.Lock()
		delete(l.m.leases, l.runID)
		l.m.mu.Unlock()

		l.m.logger.Info("Released run", "run_id", l.runID, "status", status)
	})
	return err
}
