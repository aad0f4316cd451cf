// Package coordinator drives multi-round federated training: one
// Coordinator instance owns one session's round loop, loss history,
// privacy budget view, checkpoint schedule and event surface. Shared
// session state lives on the instance, never in package globals.
package coordinator

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/participant"
	"github.com/flotilla-ml/flotilla/pkg/aggregator"
	"github.com/flotilla-ml/flotilla/pkg/errors"
	"github.com/flotilla-ml/flotilla/pkg/transport"
	"github.com/flotilla-ml/flotilla/round"
)

type SessionState string

const (
	StateCreated   SessionState = "created"
	StateRunning   SessionState = "running"
	StatePaused    SessionState = "paused"
	StateStopped   SessionState = "stopped"
	StateCompleted SessionState = "completed"
	StateFailed    SessionState = "failed"
)

const (
	trustPenalty = 0.25
	trustBonus   = 0.05
)

type TrainingConfig struct {
	TotalRounds int `json:"total_rounds"`
	Epochs      int `json:"epochs,omitempty"`

	TargetParticipants    int     `json:"target_participants,omitempty"`
	MinParticipants       int     `json:"min_participants,omitempty"`
	MinParticipationRatio float64 `json:"min_participation_ratio,omitempty"`

	JoinTimeout   time.Duration `json:"join_timeout,omitempty"`
	UpdateTimeout time.Duration `json:"update_timeout,omitempty"`

	// CheckpointInterval saves a checkpoint every N completed rounds.
	// Zero disables scheduled checkpoints.
	CheckpointInterval int `json:"checkpoint_interval,omitempty"`

	Aggregation aggregator.Config `json:"aggregation"`
	Convergence ConvergenceConfig `json:"convergence,omitempty"`

	EarlyStopping               bool `json:"early_stopping,omitempty"`
	MaxRoundsWithoutImprovement int  `json:"max_rounds_without_improvement,omitempty"`

	// SendWeights distributes the full starting model with each join
	// admission instead of relying on participants being in sync.
	SendWeights bool `json:"send_weights,omitempty"`
}

func (c TrainingConfig) validate() error {
	if c.TotalRounds <= 0 {
		return fmt.Errorf("%w: total rounds must be positive", errors.ErrInvalidConfig)
	}
	if c.MinParticipationRatio < 0 || c.MinParticipationRatio > 1 {
		return fmt.Errorf("%w: participation ratio must be in [0, 1]", errors.ErrInvalidConfig)
	}

	return nil
}

// Result is the session's final report: it always carries whatever
// progress was made, even when the session failed.
type Result struct {
	SessionID   string            `json:"session_id"`
	Completed   bool              `json:"completed"`
	State       SessionState      `json:"state"`
	RoundsRun   int               `json:"rounds_run"`
	BestLoss    float64           `json:"best_loss"`
	FinalLoss   float64           `json:"final_loss"`
	Verdict     Verdict           `json:"verdict,omitempty"`
	Checkpoints []string          `json:"checkpoints,omitempty"`
	Errors      []string          `json:"errors,omitempty"`
	Outcomes    []round.Outcome   `json:"outcomes,omitempty"`
	Budget      aggregator.Budget `json:"budget"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at"`
}

// Coordinator runs one training session. The round loop is strictly
// sequential; inbound joins, updates and heartbeats arrive concurrently
// through the transport handler and are routed to the active round.
type Coordinator struct {
	id     string
	cfg    TrainingConfig
	logger *slog.Logger

	manager   *model.Manager
	agg       aggregator.Aggregator
	transport transport.Transport
	registry  *participant.Registry
	bus       *Bus
	monitor   *monitor

	mu          sync.Mutex
	cond        *sync.Cond
	state       SessionState
	activeRound *round.Round
	cancelRound context.CancelFunc

	roundsRun   int
	finalLoss   float64
	verdict     Verdict
	errLog      []string
	checkpoints []string
	outcomes    []round.Outcome
}

func New(cfg TrainingConfig, manager *model.Manager, tp transport.Transport, registry *participant.Registry, logger *slog.Logger) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Aggregation.Arch.Name == "" {
		cfg.Aggregation.Arch = manager.Architecture()
	}
	agg, err := aggregator.New(cfg.Aggregation)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		id:        uuid.NewString(),
		cfg:       cfg,
		logger:    logger,
		manager:   manager,
		agg:       agg,
		transport: tp,
		registry:  registry,
		bus:       NewBus(logger),
		monitor:   newMonitor(cfg.Convergence),
		state:     StateCreated,
	}
	c.cond = sync.NewCond(&c.mu)

	tp.SetHandler(c.handle)

	return c, nil
}

func (c *Coordinator) ID() string {
	return c.id
}

func (c *Coordinator) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Coordinator) RoundsRun() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.roundsRun
}

func (c *Coordinator) Subscribe(h EventHandler) string {
	return c.bus.Subscribe(h)
}

func (c *Coordinator) Unsubscribe(id string) {
	c.bus.Unsubscribe(id)
}

func (c *Coordinator) Budget() aggregator.Budget {
	return c.agg.Budget()
}

// handle routes inbound transport messages. Joins and updates go to the
// active round; liveness goes to the registry.
func (c *Coordinator) handle(ctx context.Context, env transport.Envelope) error {
	switch env.Kind {
	case transport.KindJoinRequest:
		var req transport.JoinRequest
		if err := env.Unpack(&req); err != nil {
			return err
		}

		r := c.active()
		if r == nil {
			return fmt.Errorf("%w: no active round", errors.ErrRoundClosed)
		}

		return r.Join(ctx, req)
	case transport.KindUpdate:
		var sub transport.UpdateSubmission
		if err := env.Unpack(&sub); err != nil {
			return err
		}

		r := c.active()
		if r == nil {
			return fmt.Errorf("%w: no active round", errors.ErrRoundClosed)
		}

		return r.Submit(ctx, sub)
	case transport.KindAlive:
		var alive transport.Alive
		if err := env.Unpack(&alive); err != nil {
			return err
		}
		if err := c.registry.Heartbeat(alive.ParticipantID); goerrors.Is(err, errors.ErrNotFound) {
			_, err = c.registry.Register(participant.Participant{ID: alive.ParticipantID})

			return err
		}

		return nil
	default:
		c.logger.WarnContext(ctx, "Ignoring unexpected message",
			slog.String("kind", string(env.Kind)),
			slog.String("sender", env.Sender),
		)

		return nil
	}
}

func (c *Coordinator) active() *round.Round {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.activeRound
}

// Start runs the round loop to completion and returns the final result.
// It blocks; callers wanting a background session run it in a goroutine
// and watch the event surface.
func (c *Coordinator) Start(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if c.state != StateCreated {
		state := c.state
		c.mu.Unlock()

		return Result{}, fmt.Errorf("%w: session is %s", errors.ErrSessionState, state)
	}
	c.state = StateRunning
	c.mu.Unlock()

	started := time.Now()
	c.publish(EventSessionStarted, "", map[string]any{"total_rounds": c.cfg.TotalRounds})

	var fatal error
	for n := 1; n <= c.cfg.TotalRounds; n++ {
		if !c.awaitRunnable(ctx) {
			break
		}

		outcome, err := c.runRound(ctx, n)
		c.mu.Lock()
		c.outcomes = append(c.outcomes, outcome)
		c.roundsRun = n
		c.mu.Unlock()

		if err != nil {
			if goerrors.Is(err, context.Canceled) || goerrors.Is(err, context.DeadlineExceeded) {
				break
			}
			c.recordError(n, err)
			if goerrors.Is(err, errors.ErrPrivacyBudgetExhausted) || goerrors.Is(err, errors.ErrModelTooLarge) {
				fatal = err

				break
			}

			// Round-local failure: the session advances to the next round.
			continue
		}

		if stop := c.afterRound(ctx, n, outcome); stop {
			break
		}
	}

	return c.finish(started, fatal), fatal
}

// awaitRunnable blocks while paused and reports whether the loop may
// continue.
func (c *Coordinator) awaitRunnable(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.state == StatePaused {
		c.cond.Wait()
	}

	return c.state == StateRunning && ctx.Err() == nil
}

func (c *Coordinator) runRound(ctx context.Context, n int) (round.Outcome, error) {
	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	swept := c.registry.Sweep()
	eligible := c.registry.Eligible(0)
	c.logger.InfoContext(ctx, "Starting round",
		slog.Int("round", n),
		slog.Int("eligible_participants", len(eligible)),
		slog.Int("swept_stale", swept),
	)

	r := round.New(round.Config{
		SessionID:             c.id,
		Number:                n,
		Strategy:              c.cfg.Aggregation.Strategy,
		Epochs:                c.cfg.Epochs,
		TargetParticipants:    c.cfg.TargetParticipants,
		MinParticipants:       c.cfg.MinParticipants,
		MinParticipationRatio: c.cfg.MinParticipationRatio,
		JoinTimeout:           c.cfg.JoinTimeout,
		UpdateTimeout:         c.cfg.UpdateTimeout,
		SendWeights:           c.cfg.SendWeights,
		OnTransition: func(s round.Status) {
			c.publish(EventRoundTransition, "", map[string]any{
				"round":  n,
				"status": string(s),
			})
		},
	}, c.manager.Weights(), c.agg, c.transport, c.logger)

	c.mu.Lock()
	c.activeRound = r
	c.cancelRound = cancel
	c.mu.Unlock()

	outcome, err := r.Run(roundCtx)

	c.mu.Lock()
	c.activeRound = nil
	c.cancelRound = nil
	c.mu.Unlock()

	return outcome, err
}

// afterRound applies the aggregate, updates trust and convergence state,
// checkpoints on schedule and decides whether to stop early.
func (c *Coordinator) afterRound(ctx context.Context, n int, outcome round.Outcome) bool {
	if err := c.manager.ApplyDeltaUpdate(outcome.Result.Deltas); err != nil {
		c.recordError(n, err)

		return false
	}
	c.manager.RecordLoss(outcome.Result.AverageLoss)

	c.mu.Lock()
	c.finalLoss = outcome.Result.AverageLoss
	c.mu.Unlock()

	c.adjustTrust(outcome)

	c.publish(EventRoundCompleted, outcome.RoundID, map[string]any{
		"round":        n,
		"average_loss": outcome.Result.AverageLoss,
		"num_updates":  outcome.Result.NumUpdates,
		"dropped":      len(outcome.Dropped),
	})

	if c.cfg.CheckpointInterval > 0 && n%c.cfg.CheckpointInterval == 0 {
		c.checkpoint(ctx, n, outcome)
	}

	if c.manager.Diverged() {
		c.publish(EventDivergence, outcome.RoundID, map[string]any{
			"round": n,
			"loss":  outcome.Result.AverageLoss,
		})
	}

	verdict := c.monitor.observe(outcome.Result.AverageLoss, outcome.Result.AverageAccuracy)
	c.mu.Lock()
	c.verdict = verdict
	c.mu.Unlock()
	c.publish(EventConvergence, outcome.RoundID, map[string]any{
		"round":   n,
		"verdict": string(verdict),
	})

	switch {
	case verdict == VerdictConverged:
		return true
	case c.cfg.EarlyStopping && verdict == VerdictDiverging:
		return true
	case c.cfg.EarlyStopping && c.cfg.MaxRoundsWithoutImprovement > 0 &&
		c.monitor.roundsWithoutImprovement() >= c.cfg.MaxRoundsWithoutImprovement:
		return true
	default:
		return false
	}
}

func (c *Coordinator) adjustTrust(outcome round.Outcome) {
	flagged := make(map[string]struct{}, len(outcome.Result.Byzantine))
	for _, pid := range outcome.Result.Byzantine {
		flagged[pid] = struct{}{}
		c.registry.Flag(pid, trustPenalty)
		c.publish(EventByzantineDetected, outcome.RoundID, map[string]any{
			"participant_id": pid,
		})
	}

	for _, pid := range outcome.Submitted {
		if _, ok := flagged[pid]; !ok {
			c.registry.Reward(pid, trustBonus)
		}
	}
}

func (c *Coordinator) checkpoint(ctx context.Context, n int, outcome round.Outcome) {
	cp, err := c.manager.Checkpoint(ctx, map[string]float64{
		"average_loss": outcome.Result.AverageLoss,
	})
	if err != nil {
		// Checkpoint failures are recorded, never fatal.
		c.recordError(n, err)

		return
	}

	c.mu.Lock()
	c.checkpoints = append(c.checkpoints, cp.ID)
	c.mu.Unlock()

	c.publish(EventCheckpointSaved, outcome.RoundID, map[string]any{
		"checkpoint_id": cp.ID,
		"round":         n,
	})
}

// Pause suspends the loop between rounds without discarding state.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	if c.state != StateRunning {
		state := c.state
		c.mu.Unlock()

		return fmt.Errorf("%w: session is %s", errors.ErrSessionState, state)
	}
	c.state = StatePaused
	c.mu.Unlock()

	c.publish(EventSessionPaused, "", nil)

	return nil
}

// Resume continues a paused session; the round counter picks up where it
// left off.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	if c.state != StatePaused {
		state := c.state
		c.mu.Unlock()

		return fmt.Errorf("%w: session is %s", errors.ErrSessionState, state)
	}
	c.state = StateRunning
	c.cond.Broadcast()
	c.mu.Unlock()

	c.publish(EventSessionResumed, "", nil)

	return nil
}

// Stop cancels any in-flight round and ends the session.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.state != StateRunning && c.state != StatePaused {
		state := c.state
		c.mu.Unlock()

		return fmt.Errorf("%w: session is %s", errors.ErrSessionState, state)
	}
	c.state = StateStopped
	cancel := c.cancelRound
	c.cond.Broadcast()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.publish(EventSessionStopped, "", nil)

	return nil
}

func (c *Coordinator) finish(started time.Time, fatal error) Result {
	c.mu.Lock()

	switch {
	case fatal != nil:
		c.state = StateFailed
	case c.state == StateStopped:
	default:
		c.state = StateCompleted
	}

	best, _ := c.monitor.best()
	res := Result{
		SessionID:   c.id,
		Completed:   c.state == StateCompleted,
		State:       c.state,
		RoundsRun:   c.roundsRun,
		BestLoss:    best,
		FinalLoss:   c.finalLoss,
		Verdict:     c.verdict,
		Checkpoints: append([]string(nil), c.checkpoints...),
		Errors:      append([]string(nil), c.errLog...),
		Outcomes:    append([]round.Outcome(nil), c.outcomes...),
		Budget:      c.agg.Budget(),
		StartedAt:   started,
		EndedAt:     time.Now(),
	}
	c.mu.Unlock()

	eventType := EventSessionCompleted
	if res.State == StateFailed {
		eventType = EventSessionFailed
	}
	c.publish(eventType, "", map[string]any{"rounds_run": res.RoundsRun})

	return res
}

func (c *Coordinator) recordError(n int, err error) {
	msg := fmt.Sprintf("round %d: %s", n, err)

	c.mu.Lock()
	c.errLog = append(c.errLog, msg)
	c.mu.Unlock()

	c.logger.Warn("Round error recorded", slog.Int("round", n), slog.Any("error", err))
	c.publish(EventRoundFailed, "", map[string]any{"round": n, "error": err.Error()})
}

func (c *Coordinator) publish(t EventType, roundID string, details map[string]any) {
	c.bus.Publish(Event{
		Type:      t,
		SessionID: c.id,
		RoundID:   roundID,
		Details:   details,
	})
}
