package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/droverhq/drover/pkg/agent"
	"github.com/droverhq/drover/pkg/billing"
	"github.com/droverhq/drover/pkg/coordination"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/llm"
)

// Sink receives each sealed envelope of the run, in order.
type Sink func(ctx context.Context, env events.Envelope) error

// CreditLedger is the slice of the billing ledger the coordinator needs.
// *billing.Ledger satisfies it.
type CreditLedger interface {
	Reserve(ctx context.Context, accountID, runID string, amount decimal.Decimal) (string, error)
	Settle(ctx context.Context, accountID, reservationID string, actual decimal.Decimal) error
	ReleaseReservation(ctx context.Context, accountID, reservationID string) error
	RecordUsage(ctx context.Context, accountID, runID string, actual decimal.Decimal) error
}

// ContextSource prepares the message window for one LLM call.
// *services.ContextBuilder satisfies it.
type ContextSource interface {
	Build(ctx context.Context, threadID, model, systemPrompt string) ([]agent.ConversationMessage, error)
}

// Config carries everything a coordinator needs for one run.
type Config struct {
	Client       llm.Client
	Model        string
	SystemPrompt string
	Toolset      *agent.Toolset
	Terminators  *agent.TerminatorSet
	Context      ContextSource

	// Guard skips LLM steps that already ran on a previous owner of this
	// run. Nil disables the check.
	Guard *coordination.StepGuard

	// Ledger handles per-step credit reservations. ReservationEnabled
	// false (or a nil Ledger) runs without reservations but still records
	// usage when a ledger is present.
	Ledger             CreditLedger
	ReservationEnabled bool
	AccountID          string

	MaxAutoContinues int
	MaxOutputTokens  int
	LLMTimeout       time.Duration
	ToolTimeout      time.Duration
	PromptCaching    bool

	// ShuttingDown reports instance-level shutdown; StopRequested reports
	// a user stop signal for this run. Nil means never.
	ShuttingDown  func() bool
	StopRequested func() bool

	Logger *slog.Logger
}

// Outcome is the coordinator's verdict on a finished run.
type Outcome struct {
	// Status is one of "completed", "failed", "stopped".
	Status        string
	ErrorCode     string
	ErrorMessage  string
	Steps         int
	AutoContinues int
	Usage         agent.TokenUsage
}

// Coordinator owns the per-step loop of one run: prepare context, reserve
// credits, stream the turn through the processor, settle, and decide
// whether to continue. It runs on a single goroutine.
type Coordinator struct {
	cfg       Config
	state     *agent.RunState
	sealer    *events.Sealer
	sink      Sink
	processor *Processor
	counter   *llm.TokenCounter
	toolDefs  []agent.ToolDefinition

	usage   agent.TokenUsage
	errCode string
	errMsg  string
	logger  *slog.Logger
}

// New builds a coordinator around prepared run state. The sealer carries
// the thread identity and sequence counter shared with any catch-up writer.
func New(state *agent.RunState, sealer *events.Sealer, sink Sink, cfg Config) *Coordinator {
	if cfg.ShuttingDown == nil {
		cfg.ShuttingDown = func() bool { return false }
	}
	if cfg.StopRequested == nil {
		cfg.StopRequested = func() bool { return false }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "coordinator")

	c := &Coordinator{
		cfg:      cfg,
		state:    state,
		sealer:   sealer,
		sink:     sink,
		counter:  llm.NewTokenCounter(cfg.Model),
		toolDefs: cfg.Toolset.Definitions(),
		logger:   logger,
	}
	c.processor = NewProcessor(state, cfg.Toolset, cfg.Terminators, cfg.ToolTimeout, cfg.StopRequested, c.emit, logger)
	return c
}

func (c *Coordinator) emit(ctx context.Context, ev events.Event) error {
	env, err := c.sealer.Seal(ev)
	if err != nil {
		return err
	}
	return c.sink(ctx, env)
}

// Run executes the loop until the run completes, fails, or is stopped.
// The returned outcome is always valid, including after a panic.
func (c *Coordinator) Run(ctx context.Context) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			msg := truncate(fmt.Sprint(rec), 100)
			c.logger.Error("Run panicked", "run_id", c.state.RunID, "panic", msg)
			c.failLocked(context.WithoutCancel(ctx), events.CodePipelineError, msg)
			out = c.outcome()
		}
	}()

	if c.cfg.ShuttingDown() {
		return c.fail(ctx, events.CodeShutdown, "instance is shutting down")
	}

	llmFailures := 0
	for {
		if ctx.Err() != nil || c.cfg.StopRequested() {
			if c.cfg.StopRequested() {
				// The driver publishes the terminal status envelope after
				// the drains, so nothing is emitted here.
				c.state.Terminate(agent.TerminationStopSignal)
				return c.outcome()
			}
			// Context died without a stop signal: the shutdown grace
			// period expired or the driver was killed.
			return c.fail(ctx, events.CodeShutdown, "run cancelled by instance shutdown")
		}

		if !c.state.ShouldContinue() {
			if terminated, _ := c.state.Terminated(); !terminated && !c.state.Completed() {
				// Step budget exhausted.
				c.state.Terminate("max_auto_continues")
			}
			return c.outcome()
		}

		step := c.state.NextStep()
		if c.cfg.Guard != nil {
			seen, err := c.cfg.Guard.Seen(ctx, c.state.RunID, step, "llm")
			if err != nil {
				c.logger.Warn("Idempotency check failed, proceeding", "step", step, "error", err)
			} else if seen {
				c.logger.Warn("Skipping already-executed step", "run_id", c.state.RunID, "step", step)
				continue
			}
		}

		res, err := c.step(ctx, step)
		if err != nil {
			if errors.Is(err, billing.ErrInsufficientCredits) {
				return c.fail(ctx, events.CodeInsufficientCredits,
					fmt.Sprintf("insufficient credits to continue: %s", truncate(err.Error(), 200)))
			}
			return c.fail(ctx, events.CodePipelineError, truncate(err.Error(), 200))
		}

		if res.Cancelled {
			// Loop top classifies this as a stop or a shutdown.
			continue
		}
		if res.Err != nil {
			llmFailures++
			if llmFailures > 1 {
				return c.fail(ctx, events.CodePipelineError,
					fmt.Sprintf("llm provider error: %s", truncate(res.Err.Message, 200)))
			}
			c.logger.Warn("LLM provider error, retrying once", "run_id", c.state.RunID, "step", step, "error", res.Err.Message, "code", res.Err.Code)
			continue
		}
		llmFailures = 0

		if c.cfg.Guard != nil {
			if err := c.cfg.Guard.Mark(ctx, c.state.RunID, step, "llm"); err != nil {
				c.logger.Warn("Failed to mark step idempotency", "step", step, "error", err)
			}
		}

		if res.Terminated {
			continue
		}

		if res.ToolsExecuted > 0 || res.FinishReason == "length" {
			n := c.state.IncrementAutoContinues()
			if n > c.cfg.MaxAutoContinues {
				c.logger.Info("Auto-continue limit reached", "run_id", c.state.RunID, "auto_continues", n)
				c.state.Terminate("max_auto_continues")
			}
			continue
		}

		// stop, end_turn, or anything unrecognized: the model is done.
		c.state.Complete()
	}
}

// step runs one LLM turn: fresh thread_run_id, context build, reservation,
// generation, settlement.
func (c *Coordinator) step(ctx context.Context, step int) (TurnResult, error) {
	c.sealer.BeginTurn()
	if err := c.emit(ctx, events.RunStatus{StatusType: events.StatusThinking}); err != nil {
		return TurnResult{}, fmt.Errorf("emit thinking status: %w", err)
	}

	messages, err := c.cfg.Context.Build(ctx, c.state.ThreadID, c.cfg.Model, c.cfg.SystemPrompt)
	if err != nil {
		return TurnResult{}, fmt.Errorf("build context for step %d: %w", step, err)
	}

	reservationID, err := c.reserve(ctx, messages)
	if err != nil {
		return TurnResult{}, err
	}
	c.state.RecordReservation(reservationID)

	stepCtx := ctx
	if c.cfg.LLMTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, c.cfg.LLMTimeout)
		defer cancel()
	}

	chunks, err := c.cfg.Client.Generate(stepCtx, llm.GenerateInput{
		Messages:      messages,
		Model:         c.cfg.Model,
		MaxTokens:     c.cfg.MaxOutputTokens,
		Tools:         c.toolDefs,
		PromptCaching: c.cfg.PromptCaching,
	})
	if err != nil {
		c.settle(ctx, reservationID, nil)
		// A refused request never streamed anything; route it through the
		// same retry path as an in-band provider error.
		return TurnResult{Err: &llm.ErrorChunk{Message: err.Error(), Retryable: true}}, nil
	}

	res, procErr := c.processor.ProcessTurn(stepCtx, chunks)
	c.settle(ctx, reservationID, res.Usage)
	if procErr != nil {
		return res, fmt.Errorf("process turn: %w", procErr)
	}
	return res, nil
}

// reserve estimates the worst case cost of the upcoming call and places a
// hold for it. Returns "" when reservations are disabled.
func (c *Coordinator) reserve(ctx context.Context, messages []agent.ConversationMessage) (string, error) {
	if !c.cfg.ReservationEnabled || c.cfg.Ledger == nil {
		return "", nil
	}
	promptTokens := c.counter.CountMessages(messages)
	estimate := billing.EstimateCost(c.cfg.Model, promptTokens, c.cfg.MaxOutputTokens)
	id, err := c.cfg.Ledger.Reserve(ctx, c.cfg.AccountID, c.state.RunID, estimate)
	if err != nil {
		if errors.Is(err, billing.ErrInsufficientCredits) {
			return "", err
		}
		// Ledger unavailability must not kill the run; the step proceeds
		// unreserved and usage is still recorded at settlement.
		c.logger.Warn("Credit reservation failed, continuing unreserved", "run_id", c.state.RunID, "error", err)
		return "", nil
	}
	return id, nil
}

// settle converts the step's reservation into actual usage, or releases it
// when the turn produced none. Runs on a cancellation-proof context so a
// stopped run still pays for what it consumed.
func (c *Coordinator) settle(ctx context.Context, reservationID string, usage *agent.TokenUsage) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if usage != nil {
		c.usage.Add(*usage)
	}
	if c.cfg.Ledger == nil {
		return
	}

	switch {
	case reservationID != "" && usage != nil:
		actual := billing.ActualCost(c.cfg.Model, *usage)
		if err := c.cfg.Ledger.Settle(settleCtx, c.cfg.AccountID, reservationID, actual); err != nil {
			c.logger.Error("Failed to settle reservation", "run_id", c.state.RunID, "reservation_id", reservationID, "error", err)
		}
	case reservationID != "":
		if err := c.cfg.Ledger.ReleaseReservation(settleCtx, c.cfg.AccountID, reservationID); err != nil {
			c.logger.Error("Failed to release reservation", "run_id", c.state.RunID, "reservation_id", reservationID, "error", err)
		}
	case usage != nil:
		actual := billing.ActualCost(c.cfg.Model, *usage)
		if err := c.cfg.Ledger.RecordUsage(settleCtx, c.cfg.AccountID, c.state.RunID, actual); err != nil {
			c.logger.Error("Failed to record usage", "run_id", c.state.RunID, "error", err)
		}
	}
	c.state.RecordReservation("")
}

// fail emits the error event and finalizes the run as failed.
func (c *Coordinator) fail(ctx context.Context, code, msg string) Outcome {
	c.failLocked(context.WithoutCancel(ctx), code, msg)
	return c.outcome()
}

func (c *Coordinator) failLocked(ctx context.Context, code, msg string) {
	if err := c.emit(ctx, events.Error{Message: msg, Code: code}); err != nil {
		c.logger.Warn("Failed to emit error event", "code", code, "error", err)
	}
	c.errCode = code
	c.errMsg = msg
	c.state.Terminate(agent.TerminationError)
}

// outcome maps final run state to the terminal status.
func (c *Coordinator) outcome() Outcome {
	out := Outcome{
		Status:        string(events.StatusCompleted),
		ErrorCode:     c.errCode,
		ErrorMessage:  c.errMsg,
		Steps:         c.state.Step(),
		AutoContinues: c.state.AutoContinues(),
		Usage:         c.usage,
	}
	if terminated, reason := c.state.Terminated(); terminated {
		switch reason {
		case agent.TerminationError:
			out.Status = string(events.StatusFailed)
		case agent.TerminationToolRequested:
			// A terminator tool completes the run.
		default:
			// stop_signal, max_auto_continues: the run was cut short.
			out.Status = string(events.StatusStopped)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
