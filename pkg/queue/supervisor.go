package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/kvstream"
	"github.com/droverhq/drover/pkg/lifecycle"
)

// touchInterval is how many published events pass between liveness
// refreshes, on top of the timed heartbeat.
const touchInterval = 50

// Supervisor phases. A supervisor moves idle -> listening -> stopped and
// never back.
const (
	phaseIdle int32 = iota
	phaseListening
	phaseStopped
)

// Supervisor watches one run's control channels while the driver works:
// a STOP on either channel cancels the run context, a lost lease aborts
// it, and event milestones refresh the owner's liveness keys.
type Supervisor struct {
	runID     string
	lease     *lifecycle.Lease
	cancelRun context.CancelFunc
	logger    *slog.Logger

	subCtx    context.Context
	subCancel context.CancelFunc
	sub       *kvstream.Subscription

	phase         atomic.Int32
	stopRequested atomic.Bool
	ownershipLost atomic.Bool
	events        atomic.Int64

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSupervisor builds a supervisor for one owned run. cancelRun is the
// driver's run-context cancel; it is invoked on STOP and on lease loss.
func NewSupervisor(runID string, lease *lifecycle.Lease, cancelRun context.CancelFunc, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	subCtx, subCancel := context.WithCancel(context.Background())
	return &Supervisor{
		runID:     runID,
		lease:     lease,
		cancelRun: cancelRun,
		logger:    logger.With("component", "supervisor", "run_id", runID),
		subCtx:    subCtx,
		subCancel: subCancel,
	}
}

// Start subscribes to the run's global and owner-addressed control
// channels and begins listening. The handshake is bounded by timeout; on
// failure the supervisor stays idle and the run proceeds without stop
// signalling.
func (s *Supervisor) Start(kv *kvstream.Client, instanceID string, timeout time.Duration) error {
	type subResult struct {
		sub *kvstream.Subscription
		err error
	}
	ch := make(chan subResult, 1)
	go func() {
		sub, err := kv.Subscribe(s.subCtx,
			kvstream.RunControlChannel(s.runID),
			kvstream.RunInstanceControlChannel(s.runID, instanceID))
		ch <- subResult{sub, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		s.sub = r.sub
	case <-time.After(timeout):
		// A late success still holds a connection; close it when it lands.
		go func() {
			if r := <-ch; r.sub != nil {
				_ = r.sub.Close()
			}
		}()
		return fmt.Errorf("control subscribe for run %s timed out after %v", s.runID, timeout)
	}

	s.phase.Store(phaseListening)
	s.wg.Add(1)
	go s.listen()
	return nil
}

func (s *Supervisor) listen() {
	defer s.wg.Done()
	for {
		select {
		case <-s.subCtx.Done():
			return
		case <-s.lease.Lost():
			s.ownershipLost.Store(true)
			s.logger.Warn("Ownership lost, aborting run")
			s.cancelRun()
			return
		case msg, ok := <-s.sub.Messages():
			if !ok {
				return
			}
			// The global channel also carries the terminal signal this
			// owner publishes; only STOP is acted on.
			if msg.Payload == events.ControlStop && s.stopRequested.CompareAndSwap(false, true) {
				s.logger.Info("Stop signal received", "channel", msg.Channel)
				s.cancelRun()
			}
		}
	}
}

// NoteEvent counts one published event and refreshes the liveness keys on
// every milestone, so a chatty run stays visibly alive even if the timed
// heartbeat is starved.
func (s *Supervisor) NoteEvent(ctx context.Context) {
	if s.events.Add(1)%touchInterval == 0 {
		s.lease.Touch(ctx)
	}
}

// StopRequested reports whether a STOP signal arrived. The coordinator
// polls this to classify a dead run context as a user stop.
func (s *Supervisor) StopRequested() bool {
	return s.stopRequested.Load()
}

// OwnershipLost reports whether the lease died under the run. The driver
// must then abandon the run without touching terminal state.
func (s *Supervisor) OwnershipLost() bool {
	return s.ownershipLost.Load()
}

// Phase returns the supervisor's lifecycle phase.
func (s *Supervisor) Phase() string {
	switch s.phase.Load() {
	case phaseListening:
		return "listening"
	case phaseStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Stop tears the subscription down and waits for the listener to exit.
// Safe to call more than once, and without a successful Start.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.subCancel()
		if s.sub != nil {
			_ = s.sub.Close()
		}
		s.wg.Wait()
		s.phase.Store(phaseStopped)
	})
}
