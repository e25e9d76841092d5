package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/droverhq/drover/pkg/kvstream"
)

// RunStatusSource answers "what does the database say about this run".
// Takeover decisions never trust Redis state alone.
type RunStatusSource interface {
	RunStatus(ctx context.Context, runID string) (string, error)
}

// StatusRunning is the one DB status that blocks a takeover.
const StatusRunning = "running"

// ClaimResult says how a claim attempt ended.
type ClaimResult int

const (
	// ClaimAcquired means this instance now owns the run.
	ClaimAcquired ClaimResult = iota
	// ClaimHeldElsewhere means a live owner exists; the caller must skip
	// the job without emitting anything.
	ClaimHeldElsewhere
	// ClaimTakenOver means a stale lock was broken and re-acquired.
	ClaimTakenOver
)

// Ownership implements run-claim with stale-owner takeover.
type Ownership struct {
	kv      *kvstream.Client
	status  RunStatusSource
	lockTTL time.Duration
}

// NewOwnership wires the claim path.
func NewOwnership(kv *kvstream.Client, status RunStatusSource, lockTTL time.Duration) *Ownership {
	return &Ownership{kv: kv, status: status, lockTTL: lockTTL}
}

// Claim attempts to own runID for instanceID.
//
// The first attempt is a plain atomic set-if-absent (idempotent for the
// current holder). When another holder exists, the claim only proceeds if
// BOTH liveness signals are negative: the holder's heartbeat key is gone
// AND the database status is not "running". Otherwise the caller yields.
func (o *Ownership) Claim(ctx context.Context, runID, instanceID string) (ClaimResult, error) {
	lockKey := kvstream.RunLockKey(runID)

	ok, err := o.kv.AcquireLock(ctx, lockKey, instanceID, o.lockTTL)
	if err != nil {
		return ClaimHeldElsewhere, fmt.Errorf("claim %s: %w", runID, err)
	}
	if ok {
		return ClaimAcquired, nil
	}

	holder, err := o.kv.LockHolder(ctx, lockKey)
	if err != nil {
		return ClaimHeldElsewhere, fmt.Errorf("claim %s: read holder: %w", runID, err)
	}
	if holder == "" {
		// Lock expired between attempts; one retry.
		ok, err := o.kv.AcquireLock(ctx, lockKey, instanceID, o.lockTTL)
		if err != nil || !ok {
			return ClaimHeldElsewhere, err
		}
		return ClaimAcquired, nil
	}

	alive, err := o.kv.Exists(ctx, kvstream.ActiveRunKey(holder, runID))
	if err != nil {
		return ClaimHeldElsewhere, fmt.Errorf("claim %s: check heartbeat: %w", runID, err)
	}
	if alive {
		return ClaimHeldElsewhere, nil
	}

	status, err := o.status.RunStatus(ctx, runID)
	if err != nil {
		return ClaimHeldElsewhere, fmt.Errorf("claim %s: read status: %w", runID, err)
	}
	if status == StatusRunning {
		// Heartbeat missing but DB says running: the owner may be mid
		// write with a hiccuping heartbeat. Yield; the sweeper handles
		// genuinely dead owners.
		return ClaimHeldElsewhere, nil
	}

	slog.Warn("Breaking stale run lock",
		"run_id", runID,
		"stale_holder", holder,
		"db_status", status,
		"new_holder", instanceID)

	if _, err := o.kv.ReleaseLock(ctx, lockKey, holder); err != nil {
		return ClaimHeldElsewhere, fmt.Errorf("claim %s: break stale lock: %w", runID, err)
	}
	ok, err = o.kv.AcquireLock(ctx, lockKey, instanceID, o.lockTTL)
	if err != nil {
		return ClaimHeldElsewhere, fmt.Errorf("claim %s: re-acquire: %w", runID, err)
	}
	if !ok {
		// Another instance won the takeover race.
		return ClaimHeldElsewhere, nil
	}
	return ClaimTakenOver, nil
}

// Release drops the run lock if instanceID still owns it.
func (o *Ownership) Release(ctx context.Context, runID, instanceID string) error {
	_, err := o.kv.ReleaseLock(ctx, kvstream.RunLockKey(runID), instanceID)
	return err
}

// Refresh extends the lock TTL for the current owner. Returns false when
// ownership was lost (caller must stop driving the run).
func (o *Ownership) Refresh(ctx context.Context, runID, instanceID string) (bool, error) {
	return o.kv.RefreshLock(ctx, kvstream.RunLockKey(runID), instanceID, o.lockTTL)
}
