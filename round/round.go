// Package round runs the life cycle of one federated training round:
// announcement, admission, update collection under a deadline, aggregation
// and distribution. Joins and submissions arrive concurrently from the
// transport; the driver goroutine in Run owns every phase transition.
package round

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/pkg/aggregator"
	"github.com/flotilla-ml/flotilla/pkg/errors"
	"github.com/flotilla-ml/flotilla/pkg/transport"
)

type Status string

const (
	StatusPreparing    Status = "PREPARING"
	StatusAwaiting     Status = "AWAITING_PARTICIPANTS"
	StatusAnnounced    Status = "ANNOUNCED"
	StatusCollecting   Status = "COLLECTING"
	StatusAggregating  Status = "AGGREGATING"
	StatusDistributing Status = "DISTRIBUTING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
	StatusTimedOut     Status = "TIMED_OUT"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

type Config struct {
	SessionID string
	Number    int
	Strategy  aggregator.Strategy
	Epochs    int

	// TargetParticipants closes admission early once reached; zero means
	// admission stays open for the whole join window.
	TargetParticipants int
	MinParticipants    int
	// MinParticipationRatio is the fraction of admitted participants that
	// must submit before the deadline for the round to proceed.
	MinParticipationRatio float64

	JoinTimeout   time.Duration
	UpdateTimeout time.Duration

	// SendWeights includes the full starting model in join responses, for
	// participants that joined the session late.
	SendWeights bool

	// OnTransition observes every status change. Failures there must not
	// disturb the round, so it has no error return.
	OnTransition func(Status)
}

func (c Config) withDefaults() Config {
	if c.Epochs <= 0 {
		c.Epochs = 1
	}
	if c.MinParticipants <= 0 {
		c.MinParticipants = 1
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 30 * time.Second
	}
	if c.UpdateTimeout <= 0 {
		c.UpdateTimeout = 2 * time.Minute
	}

	return c
}

// Outcome summarizes a finished round.
type Outcome struct {
	RoundID   string            `json:"round_id"`
	Number    int               `json:"number"`
	Status    Status            `json:"status"`
	Result    aggregator.Result `json:"result"`
	Admitted  []string          `json:"admitted"`
	Submitted []string          `json:"submitted"`
	Dropped   []string          `json:"dropped"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
}

type Round struct {
	mu sync.Mutex

	id         string
	cfg        Config
	status     Status
	startModel model.Weights
	agg        aggregator.Aggregator
	transport  transport.Transport
	logger     *slog.Logger

	admitted map[string]transport.JoinRequest
	updates  map[string]model.Update
	closed   bool

	targetFull   chan struct{}
	allSubmitted chan struct{}
}

func New(cfg Config, startModel model.Weights, agg aggregator.Aggregator, tp transport.Transport, logger *slog.Logger) *Round {
	cfg = cfg.withDefaults()

	return &Round{
		id:           uuid.NewString(),
		cfg:          cfg,
		status:       StatusPreparing,
		startModel:   startModel,
		agg:          agg,
		transport:    tp,
		logger:       logger,
		admitted:     make(map[string]transport.JoinRequest),
		updates:      make(map[string]model.Update),
		targetFull:   make(chan struct{}),
		allSubmitted: make(chan struct{}),
	}
}

func (r *Round) ID() string {
	return r.id
}

func (r *Round) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

// Join admits a participant while the join window is open. Duplicate joins
// are idempotent; joins addressed to another round or session are refused.
func (r *Round) Join(ctx context.Context, req transport.JoinRequest) error {
	r.mu.Lock()

	if r.status != StatusAnnounced {
		status := r.status
		r.mu.Unlock()
		r.respondJoin(ctx, req, false, fmt.Sprintf("round is %s", status))

		return fmt.Errorf("%w: round is %s", errors.ErrRoundClosed, status)
	}
	if req.RoundID != r.id {
		r.mu.Unlock()
		r.respondJoin(ctx, req, false, "round mismatch")

		return fmt.Errorf("%w: join for round %q", errors.ErrRoundClosed, req.RoundID)
	}
	if req.SessionID != "" && req.SessionID != r.cfg.SessionID {
		r.mu.Unlock()
		r.respondJoin(ctx, req, false, "session mismatch")

		return fmt.Errorf("%w: join for session %q", errors.ErrNotAdmitted, req.SessionID)
	}
	if _, ok := r.admitted[req.ParticipantID]; ok {
		r.mu.Unlock()
		r.respondJoin(ctx, req, true, "")

		return nil
	}

	r.admitted[req.ParticipantID] = req
	full := r.cfg.TargetParticipants > 0 && len(r.admitted) >= r.cfg.TargetParticipants
	if full {
		select {
		case <-r.targetFull:
		default:
			close(r.targetFull)
		}
	}
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "Participant admitted",
		slog.String("round_id", r.id),
		slog.String("participant_id", req.ParticipantID),
		slog.Int("num_samples", req.NumSamples),
	)
	r.respondJoin(ctx, req, true, "")

	return nil
}

// Submit accepts exactly one update per admitted participant. Late and
// duplicate submissions are rejected; the aggregation snapshot is closed
// before any combination begins, so a racing submission can never be
// half-observed.
func (r *Round) Submit(ctx context.Context, sub transport.UpdateSubmission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || (r.status != StatusCollecting && r.status != StatusAnnounced) {
		return fmt.Errorf("%w: round is %s", errors.ErrRoundClosed, r.status)
	}
	// A stale update from an earlier round must never be absorbed here.
	if sub.RoundID != r.id {
		return fmt.Errorf("%w: update for round %q", errors.ErrRoundClosed, sub.RoundID)
	}
	if sub.SessionID != "" && sub.SessionID != r.cfg.SessionID {
		return fmt.Errorf("%w: update for session %q", errors.ErrInvalidUpdate, sub.SessionID)
	}

	pid := sub.Update.ParticipantID
	if _, ok := r.admitted[pid]; !ok {
		return fmt.Errorf("%w: participant %q", errors.ErrNotAdmitted, pid)
	}
	if _, ok := r.updates[pid]; ok {
		return fmt.Errorf("%w: participant %q", errors.ErrDuplicateUpdate, pid)
	}
	if len(sub.Update.Deltas) == 0 {
		return fmt.Errorf("%w: empty delta set from %q", errors.ErrInvalidUpdate, pid)
	}

	sub.Update.RoundID = r.id
	sub.Update.ReceivedAt = time.Now()
	r.updates[pid] = sub.Update

	r.logger.InfoContext(ctx, "Update received",
		slog.String("round_id", r.id),
		slog.String("participant_id", pid),
		slog.Float64("loss", sub.Update.Loss),
	)

	if len(r.updates) == len(r.admitted) {
		select {
		case <-r.allSubmitted:
		default:
			close(r.allSubmitted)
		}
	}

	return nil
}

// Run drives the round to a terminal state. Cancellation through ctx takes
// effect at every suspension point and yields StatusCancelled.
func (r *Round) Run(ctx context.Context) (Outcome, error) {
	started := time.Now()

	r.transition(StatusAwaiting)

	// Admission opens before the announcement goes out: with a fast
	// fabric a join can arrive while the broadcast is still in flight.
	r.transition(StatusAnnounced)
	if err := r.announce(ctx, started); err != nil {
		return r.finish(StatusFailed, started, aggregator.Result{}), err
	}

	// Admission: until the join window closes or the target cohort fills.
	joinTimer := time.NewTimer(r.cfg.JoinTimeout)
	defer joinTimer.Stop()
	select {
	case <-ctx.Done():
		return r.finish(StatusCancelled, started, aggregator.Result{}), ctx.Err()
	case <-r.targetFull:
	case <-joinTimer.C:
	}

	r.mu.Lock()
	admitted := len(r.admitted)
	r.mu.Unlock()
	if admitted < r.cfg.MinParticipants {
		err := fmt.Errorf("%w: %d joined, need %d", errors.ErrInsufficientParticipants, admitted, r.cfg.MinParticipants)

		return r.finish(StatusFailed, started, aggregator.Result{}), err
	}

	r.transition(StatusCollecting)

	updateTimer := time.NewTimer(r.cfg.UpdateTimeout)
	defer updateTimer.Stop()
	timedOut := false
	select {
	case <-ctx.Done():
		return r.finish(StatusCancelled, started, aggregator.Result{}), ctx.Err()
	case <-r.allSubmitted:
	case <-updateTimer.C:
		timedOut = true
	}

	updates := r.close()
	required := r.requiredSubmissions(admitted)
	if len(updates) < required {
		err := fmt.Errorf("%w: %d of %d updates received, need %d",
			errors.ErrInsufficientParticipants, len(updates), admitted, required)
		if timedOut {
			return r.finish(StatusTimedOut, started, aggregator.Result{}), err
		}

		return r.finish(StatusFailed, started, aggregator.Result{}), err
	}

	r.transition(StatusAggregating)

	result, err := r.agg.Aggregate(ctx, updates)
	if err != nil {
		return r.finish(StatusFailed, started, aggregator.Result{}), err
	}

	r.transition(StatusDistributing)

	if err := r.distribute(ctx, result); err != nil {
		return r.finish(StatusFailed, started, result), err
	}

	return r.finish(StatusCompleted, started, result), nil
}

func (r *Round) announce(ctx context.Context, started time.Time) error {
	ann := transport.RoundAnnouncement{
		SessionID:       r.cfg.SessionID,
		RoundID:         r.id,
		Round:           r.cfg.Number,
		Strategy:        string(r.cfg.Strategy),
		ModelVersion:    r.startModel.Version,
		Epochs:          r.cfg.Epochs,
		MinParticipants: r.cfg.MinParticipants,
		JoinDeadline:    started.Add(r.cfg.JoinTimeout),
		UpdateDeadline:  started.Add(r.cfg.JoinTimeout + r.cfg.UpdateTimeout),
		UpdateTimeout:   r.cfg.UpdateTimeout,
	}

	env, err := transport.Pack(transport.KindAnnouncement, "coordinator", ann)
	if err != nil {
		return err
	}

	return r.transport.Broadcast(ctx, env)
}

func (r *Round) respondJoin(ctx context.Context, req transport.JoinRequest, admitted bool, reason string) {
	resp := transport.JoinResponse{
		RoundID:       r.id,
		ParticipantID: req.ParticipantID,
		Admitted:      admitted,
		Reason:        reason,
	}
	if admitted && r.cfg.SendWeights {
		w := r.startModel.Clone()
		resp.Weights = &w
	}

	env, err := transport.Pack(transport.KindJoinResponse, "coordinator", resp)
	if err != nil {
		r.logger.WarnContext(ctx, "Failed to encode join response", slog.Any("error", err))

		return
	}
	if err := r.transport.Send(ctx, req.ParticipantID, env); err != nil {
		r.logger.WarnContext(ctx, "Failed to send join response",
			slog.String("participant_id", req.ParticipantID),
			slog.Any("error", err),
		)
	}
}

func (r *Round) distribute(ctx context.Context, result aggregator.Result) error {
	bc := transport.AggregationBroadcast{
		SessionID:    r.cfg.SessionID,
		RoundID:      r.id,
		Round:        r.cfg.Number,
		ModelVersion: r.startModel.Version + 1,
		Deltas:       result.Deltas,
		AverageLoss:  result.AverageLoss,
		NumUpdates:   result.NumUpdates,
	}

	env, err := transport.Pack(transport.KindBroadcast, "coordinator", bc)
	if err != nil {
		return err
	}

	return r.transport.Broadcast(ctx, env)
}

// close snapshots the collected updates and rejects everything after it.
func (r *Round) close() []model.Update {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	updates := make([]model.Update, 0, len(r.updates))
	for _, u := range r.updates {
		updates = append(updates, u)
	}
	sort.Slice(updates, func(i, j int) bool {
		return updates[i].ParticipantID < updates[j].ParticipantID
	})

	return updates
}

func (r *Round) requiredSubmissions(admitted int) int {
	required := r.cfg.MinParticipants
	if r.cfg.MinParticipationRatio > 0 {
		byRatio := int(math.Ceil(r.cfg.MinParticipationRatio * float64(admitted)))
		if byRatio > required {
			required = byRatio
		}
	}

	return required
}

func (r *Round) transition(s Status) {
	r.mu.Lock()
	r.status = s
	cb := r.cfg.OnTransition
	r.mu.Unlock()

	r.logger.Info("Round transition",
		slog.String("round_id", r.id),
		slog.Int("number", r.cfg.Number),
		slog.String("status", string(s)),
	)

	if cb != nil {
		cb(s)
	}
}

func (r *Round) finish(s Status, started time.Time, result aggregator.Result) Outcome {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.transition(s)

	r.mu.Lock()
	defer r.mu.Unlock()

	admitted := make([]string, 0, len(r.admitted))
	submitted := make([]string, 0, len(r.updates))
	var dropped []string
	for pid := range r.admitted {
		admitted = append(admitted, pid)
		if _, ok := r.updates[pid]; ok {
			submitted = append(submitted, pid)
		} else {
			dropped = append(dropped, pid)
		}
	}
	sort.Strings(admitted)
	sort.Strings(submitted)
	sort.Strings(dropped)

	return Outcome{
		RoundID:   r.id,
		Number:    r.cfg.Number,
		Status:    s,
		Result:    result,
		Admitted:  admitted,
		Submitted: submitted,
		Dropped:   dropped,
		StartedAt: started,
		EndedAt:   time.Now(),
	}
}
