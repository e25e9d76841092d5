package kvstream

import "fmt"

// Deterministic key and channel names shared by every instance. All of the
// run-scoped names are derived from the run id alone so any instance can
// address any run.

// JobStream is the broker stream all run jobs are appended to.
const JobStream = "agent_run_jobs"

// JobGroup is the consumer group workers read jobs through.
const JobGroup = "drovers"

// SinkStream carries best-effort background jobs fired after a run's
// terminal handling (memory extraction, notifications, categorization).
const SinkStream = "background_jobs"

// RunLockKey guards run ownership: value is the holder instance id.
func RunLockKey(runID string) string {
	return fmt.Sprintf("agent_run_lock:%s", runID)
}

// ActiveRunKey is the heartbeat marker an owner refreshes while driving.
func ActiveRunKey(instanceID, runID string) string {
	return fmt.Sprintf("active_run:%s:%s", instanceID, runID)
}

// RunStreamKey is the append-only event stream for a run.
func RunStreamKey(runID string) string {
	return fmt.Sprintf("agent_run:%s:stream", runID)
}

// RunResponseChannel is the pub/sub channel live subscribers receive run
// events on. The stream key holds the replayable copy.
func RunResponseChannel(runID string) string {
	return fmt.Sprintf("agent_run:%s:new_response", runID)
}

// RunControlChannel is the global control channel for a run. Any instance
// may publish STOP here; the owner publishes the terminal signal.
func RunControlChannel(runID string) string {
	return fmt.Sprintf("agent_run:%s:control", runID)
}

// RunInstanceControlChannel is the owner-addressed control channel.
func RunInstanceControlChannel(runID, instanceID string) string {
	return fmt.Sprintf("agent_run:%s:control:%s", runID, instanceID)
}

// StepIdempotencyKey marks one (run, step, kind) invocation as done.
func StepIdempotencyKey(runID string, step int, kind string) string {
	return fmt.Sprintf("idempotency:%s:%d:%s", runID, step, kind)
}

// MutexKey namespaces general-purpose named mutexes.
func MutexKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}
