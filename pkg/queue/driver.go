package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/agent/controller"
	"github.com/droverhq/drover/pkg/buffer"
	"github.com/droverhq/drover/pkg/cache"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/coordination"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/kvstream"
	"github.com/droverhq/drover/pkg/lifecycle"
	"github.com/droverhq/drover/pkg/llm"
	"github.com/droverhq/drover/pkg/masking"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/services"
	"github.com/droverhq/drover/pkg/sinks"
)

// RunStore is the slice of the run service the driver and sweeper need.
// *services.RunService satisfies it.
type RunStore interface {
	UpdateStatus(ctx context.Context, runID, status, errMsg string) error
	FailIfRunning(ctx context.Context, runID, errMsg string) (bool, error)
}

// AgentSource resolves the agent configuration a run executes with.
// *services.AgentService satisfies it.
type AgentSource interface {
	ResolveForRun(ctx context.Context, agentID, versionID string) (*services.AgentConfig, error)
}

// PromptSource enriches an agent's base system prompt with knowledge base
// and memory context. *services.PromptComposer satisfies it.
type PromptSource interface {
	Compose(ctx context.Context, base, agentID, accountID string) string
}

// Driver executes one claimed run end to end: it wires the publisher,
// buffer, supervisor and coordinator together, then walks the terminal
// sequence when the coordinator returns.
type Driver struct {
	lc       *lifecycle.Manager
	kv       *kvstream.Client
	provider llm.Provider
	runs     RunStore
	agents   AgentSource
	contexts controller.ContextSource
	ledger   controller.CreditLedger
	registry *agent.Registry
	buffer   *buffer.Buffer
	guard    *coordination.StepGuard
	sinks    sinks.Sinks
	inv      *cache.Invalidator
	masker   *masking.Masker
	prompts  PromptSource

	reservationEnabled bool
	runCfg             *config.RunConfig
	streamCfg          *config.StreamConfig
	llmCfg             *config.LLMConfig

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// DriverDeps carries the driver's collaborators. Lifecycle, KV, Provider,
// Runs, Agents, Registry, Buffer and the config blocks are required.
type DriverDeps struct {
	Lifecycle          *lifecycle.Manager
	KV                 *kvstream.Client
	Provider           llm.Provider
	Runs               RunStore
	Agents             AgentSource
	Contexts           controller.ContextSource
	Ledger             controller.CreditLedger
	ReservationEnabled bool
	Registry           *agent.Registry
	Buffer             *buffer.Buffer
	Guard              *coordination.StepGuard
	Sinks              sinks.Sinks
	Invalidator        *cache.Invalidator
	Masker             *masking.Masker
	Prompts            PromptSource
	Run                *config.RunConfig
	Stream             *config.StreamConfig
	LLM                *config.LLMConfig
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
}

// NewDriver builds a driver. Nil Sinks, Invalidator, Metrics and Logger
// fall back to inert defaults.
func NewDriver(deps DriverDeps) *Driver {
	if deps.Sinks == nil {
		deps.Sinks = sinks.NoOp{}
	}
	if deps.Invalidator == nil {
		deps.Invalidator = cache.NewInvalidator()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(prometheus.NewRegistry())
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		lc:                 deps.Lifecycle,
		kv:                 deps.KV,
		provider:           deps.Provider,
		runs:               deps.Runs,
		agents:             deps.Agents,
		contexts:           deps.Contexts,
		ledger:             deps.Ledger,
		registry:           deps.Registry,
		buffer:             deps.Buffer,
		guard:              deps.Guard,
		sinks:              deps.Sinks,
		inv:                deps.Invalidator,
		masker:             deps.Masker,
		prompts:            deps.Prompts,
		reservationEnabled: deps.ReservationEnabled,
		runCfg:             deps.Run,
		streamCfg:          deps.Stream,
		llmCfg:             deps.LLM,
		metrics:            deps.Metrics,
		logger:             logger.With("component", "driver"),
	}
}

// Execute drives one job to a terminal status. A claim refused by a live
// owner returns a skipped result with a nil error so the delivery is
// acknowledged without emitting anything; any other error leaves the
// delivery unacknowledged for redelivery.
func (d *Driver) Execute(ctx context.Context, job Job) (Result, error) {
	log := d.logger.With("run_id", job.RunID, "thread_id", job.ThreadID)

	lease, err := d.lc.Claim(ctx, job.RunID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyClaimed) {
			log.Info("Run already claimed elsewhere, skipping duplicate delivery")
			return Result{RunID: job.RunID, Skipped: true}, nil
		}
		return Result{}, fmt.Errorf("claim run %s: %w", job.RunID, err)
	}
	if lease.TakenOver() {
		log.Info("Recovered run from a dead owner, resuming")
	}

	d.metrics.RunsStarted.Inc()
	d.metrics.ActiveRuns.Inc()
	defer d.metrics.ActiveRuns.Dec()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	sup := NewSupervisor(job.RunID, lease, cancelRun, log)
	defer sup.Stop()

	maxLen := d.streamCfg.MaxLen
	if job.StreamMaxLen > 0 {
		maxLen = job.StreamMaxLen
	}
	pub := events.NewRunPublisher(d.kv, job.RunID, events.PublisherConfig{
		MaxLen:       maxLen,
		MaxPending:   int64(d.streamCfg.MaxPendingOps),
		CompletedTTL: d.streamCfg.CompletedTTL,
	}, log)
	sealer := events.NewSealer(job.ThreadID, events.NewSequencer())
	d.buffer.Register(job.RunID, job.ThreadID)

	client, target, err := d.provider.ClientFor(job.Model)
	if err != nil {
		return d.failEarly(ctx, job, lease, sup, sealer, pub, log,
			events.CodePipelineError, fmt.Sprintf("resolve model %q: %v", job.Model, err)), nil
	}

	// A degraded Redis still lets the run execute; subscribers fall back
	// to the database transcript.
	if _, err := d.kv.StreamLen(ctx, kvstream.RunStreamKey(job.RunID)); err != nil {
		log.Warn("Run event stream not writable, live streaming may be degraded", "error", err)
	}

	agentCfg, err := d.agents.ResolveForRun(ctx, job.AgentID, job.AgentVersionID)
	if err != nil {
		return d.failEarly(ctx, job, lease, sup, sealer, pub, log,
			events.CodePipelineError, fmt.Sprintf("load agent config: %v", err)), nil
	}

	if err := sup.Start(d.kv, d.lc.InstanceID(), d.streamCfg.SubscribeTimeout); err != nil {
		log.Warn("Control channel subscription failed, stop signalling disabled", "error", err)
	}

	sink := func(ctx context.Context, env events.Envelope) error {
		if err := pub.Publish(ctx, env); err != nil {
			return err
		}
		if err := d.buffer.Add(job.RunID, env); err != nil {
			log.Warn("Buffering event failed", "type", env.Type, "error", err)
		}
		d.metrics.EventsPublished.Inc()
		sup.NoteEvent(ctx)
		return nil
	}

	systemPrompt := agentCfg.SystemPrompt
	if d.prompts != nil {
		systemPrompt = d.prompts.Compose(ctx, agentCfg.SystemPrompt, agentCfg.AgentID, job.AccountID)
	}
	toolset := d.registry.GetAvailableFunctions().Restrict(agentCfg.ToolNames)
	if d.masker != nil {
		toolset = toolset.WithMasking(d.masker)
	}

	state := agent.NewRunState(job.RunID, job.ThreadID, d.runCfg.MaxSteps)
	coord := controller.New(state, sealer, sink, controller.Config{
		Client:             client,
		Model:              target.Model,
		SystemPrompt:       systemPrompt,
		Toolset:            toolset,
		Terminators:        agent.NewTerminatorSet(d.runCfg.TerminatorTools),
		Context:            d.contexts,
		Guard:              d.guard,
		Ledger:             d.ledger,
		ReservationEnabled: d.reservationEnabled,
		AccountID:          job.AccountID,
		MaxAutoContinues:   d.runCfg.MaxAutoContinues,
		MaxOutputTokens:    d.llmCfg.MaxOutputTokens,
		LLMTimeout:         d.runCfg.LLMRequestTimeout,
		ToolTimeout:        d.runCfg.ToolTimeout,
		PromptCaching:      d.llmCfg.PromptCaching,
		ShuttingDown:       d.lc.ShuttingDown,
		StopRequested:      sup.StopRequested,
		Logger:             log,
	})

	log.Info("Run started", "agent_id", agentCfg.AgentID, "model", target.Model)
	outcome := coord.Run(runCtx)
	d.metrics.RunProgress(outcome.Steps, outcome.AutoContinues)

	if sup.OwnershipLost() {
		// Whoever took over owns the terminal state. Persist what was
		// emitted while this instance held the lease, then walk away.
		log.Warn("Abandoning run, ownership moved to another instance")
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.streamCfg.DrainWait)
		defer cancel()
		if err := d.buffer.Drain(drainCtx, job.RunID); err != nil {
			log.Error("Draining transcript rows after takeover failed", "error", err)
		}
		return Result{RunID: job.RunID, Abandoned: true, Steps: outcome.Steps, AutoContinues: outcome.AutoContinues}, nil
	}

	status := d.finish(ctx, job, lease, sealer, pub, log, outcome)
	log.Info("Run finished", "status", status, "steps", outcome.Steps)
	return Result{RunID: job.RunID, Status: status, Steps: outcome.Steps, AutoContinues: outcome.AutoContinues}, nil
}

// failEarly handles failures before the coordinator starts: it surfaces
// the error in-band, then walks the normal terminal sequence as failed.
func (d *Driver) failEarly(ctx context.Context, job Job, lease *lifecycle.Lease, sup *Supervisor, sealer *events.Sealer, pub *events.RunPublisher, log *slog.Logger, code, msg string) Result {
	log.Error("Run failed before first step", "code", code, "error", msg)
	if env, err := sealer.Seal(events.Error{Message: msg, Code: code}); err == nil {
		if perr := pub.Publish(ctx, env); perr != nil {
			log.Warn("Publishing error event failed", "error", perr)
		}
		if berr := d.buffer.Add(job.RunID, env); berr != nil {
			log.Warn("Buffering error event failed", "error", berr)
		}
	}
	status := d.finish(ctx, job, lease, sealer, pub, log, controller.Outcome{
		Status:       "failed",
		ErrorCode:    code,
		ErrorMessage: msg,
	})
	return Result{RunID: job.RunID, Status: status}
}

// finish walks the terminal sequence: drain buffered rows and pending
// stream operations, write the terminal DB row, publish the single
// terminal status envelope, signal the control channel, release
// ownership, then fire sinks and cache invalidations.
func (d *Driver) finish(ctx context.Context, job Job, lease *lifecycle.Lease, sealer *events.Sealer, pub *events.RunPublisher, log *slog.Logger, outcome controller.Outcome) string {
	status := outcome.Status

	// Terminal handling must survive a cancelled run context.
	base := context.WithoutCancel(ctx)
	drainCtx, cancel := context.WithTimeout(base, d.streamCfg.DrainWait)
	defer cancel()

	if err := d.buffer.Drain(drainCtx, job.RunID); err != nil {
		log.Error("Draining transcript rows failed", "error", err)
	}
	if err := pub.Drain(drainCtx); err != nil {
		log.Warn("Pending stream operations unflushed at terminal", "pending", pub.PendingOps(), "error", err)
	}

	// The DB row goes first: a subscriber woken by the terminal signal
	// must read the final status from the database.
	if err := d.runs.UpdateStatus(base, job.RunID, status, outcome.ErrorMessage); err != nil {
		log.Error("Writing terminal status failed", "status", status, "error", err)
	}

	if env, err := sealer.Seal(events.RunStatus{
		StatusType: events.StatusType(status),
		Message:    terminalMessage(status, outcome),
	}); err == nil {
		if perr := pub.Publish(base, env); perr != nil {
			log.Warn("Publishing terminal status failed", "error", perr)
		}
		// The earlier drain deregistered the run; re-register so the
		// terminal row reaches the transcript too.
		d.buffer.Register(job.RunID, job.ThreadID)
		if berr := d.buffer.Add(job.RunID, env); berr == nil {
			sigCtx, sigCancel := context.WithTimeout(base, d.streamCfg.DrainWait)
			if derr := d.buffer.Drain(sigCtx, job.RunID); derr != nil {
				log.Warn("Draining terminal status row failed", "error", derr)
			}
			sigCancel()
		}
	}

	// The terminal envelope rides the async pipeline; a second drain
	// keeps it ahead of the synchronous control signal.
	sigCtx, sigCancel := context.WithTimeout(base, d.streamCfg.DrainWait)
	defer sigCancel()
	if err := pub.Drain(sigCtx); err != nil {
		log.Warn("Terminal envelope may trail the control signal", "error", err)
	}
	if err := pub.SignalTerminal(base, status); err != nil {
		log.Error("Terminal control signal failed", "status", status, "error", err)
	}

	if err := lease.Release(base, status); err != nil {
		log.Warn("Releasing run ownership failed", "error", err)
	}

	d.metrics.RunFinished(status)
	if n := pub.DroppedDeltas(); n > 0 {
		d.metrics.DroppedDeltas.Add(float64(n))
		log.Warn("Deltas were dropped under backpressure", "count", n)
	}

	d.fireSinks(base, job, status, outcome.ErrorMessage)
	d.invalidate(job)
	return status
}

// fireSinks enqueues the background jobs a terminal status warrants.
// Stopped runs fire nothing: the user asked for silence.
func (d *Driver) fireSinks(ctx context.Context, job Job, status, errMsg string) {
	sum := sinks.RunSummary{
		RunID:     job.RunID,
		ThreadID:  job.ThreadID,
		ProjectID: job.ProjectID,
		AccountID: job.AccountID,
		AgentID:   job.AgentID,
		Status:    status,
		Error:     errMsg,
	}
	switch status {
	case "completed":
		d.sinks.ExtractMemories(ctx, sum)
		d.sinks.NotifyRunCompleted(ctx, sum)
		if job.ProjectID != "" {
			d.sinks.CategorizeProject(ctx, job.ProjectID, job.AccountID)
		}
	case "failed":
		d.sinks.NotifyRunFailed(ctx, sum)
	}
}

func (d *Driver) invalidate(job Job) {
	d.inv.Invalidate(cache.EntityAccount, job.AccountID)
	d.inv.Invalidate(cache.EntityRun, job.RunID)
	d.inv.Invalidate(cache.EntityThread, job.ThreadID)
}

// terminalMessage is the client-facing text on the terminal status
// envelope. Stopped runs read "Cancelled", matching what clients display.
func terminalMessage(status string, outcome controller.Outcome) string {
	switch status {
	case "stopped":
		return "Cancelled"
	case "failed":
		if outcome.ErrorMessage != "" {
			return outcome.ErrorMessage
		}
		return "Run failed"
	default:
		return "Run completed successfully"
	}
}
