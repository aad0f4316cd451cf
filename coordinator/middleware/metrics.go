package middleware

import (
	"context"
	"time"

	"github.com/go-kit/kit/metrics"

	"github.com/flotilla-ml/flotilla/coordinator"
	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/participant"
)

var _ coordinator.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	svc     coordinator.Service
}

func Metrics(counter metrics.Counter, latency metrics.Histogram, svc coordinator.Service) coordinator.Service {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		svc:     svc,
	}
}

func (mm *metricsMiddleware) record(method string) func(time.Time) {
	return func(begin time.Time) {
		mm.counter.With("method", method).Add(1)
		mm.latency.With("method", method).Observe(time.Since(begin).Seconds())
	}
}

func (mm *metricsMiddleware) CreateSession(ctx context.Context, req coordinator.SessionRequest) (coordinator.Session, error) {
	defer mm.record("create-session")(time.Now())

	return mm.svc.CreateSession(ctx, req)
}

func (mm *metricsMiddleware) GetSession(ctx context.Context, id string) (coordinator.Session, error) {
	defer mm.record("get-session")(time.Now())

	return mm.svc.GetSession(ctx, id)
}

func (mm *metricsMiddleware) ListSessions(ctx context.Context) ([]coordinator.Session, error) {
	defer mm.record("list-sessions")(time.Now())

	return mm.svc.ListSessions(ctx)
}

func (mm *metricsMiddleware) StartSession(ctx context.Context, id string) error {
	defer mm.record("start-session")(time.Now())

	return mm.svc.StartSession(ctx, id)
}

func (mm *metricsMiddleware) PauseSession(ctx context.Context, id string) error {
	defer mm.record("pause-session")(time.Now())

	return mm.svc.PauseSession(ctx, id)
}

func (mm *metricsMiddleware) ResumeSession(ctx context.Context, id string) error {
	defer mm.record("resume-session")(time.Now())

	return mm.svc.ResumeSession(ctx, id)
}

func (mm *metricsMiddleware) StopSession(ctx context.Context, id string) error {
	defer mm.record("stop-session")(time.Now())

	return mm.svc.StopSession(ctx, id)
}

func (mm *metricsMiddleware) SessionResult(ctx context.Context, id string) (coordinator.Result, error) {
	defer mm.record("get-session-result")(time.Now())

	return mm.svc.SessionResult(ctx, id)
}

func (mm *metricsMiddleware) ListParticipants(ctx context.Context) ([]participant.Participant, error) {
	defer mm.record("list-participants")(time.Now())

	return mm.svc.ListParticipants(ctx)
}

func (mm *metricsMiddleware) ListCheckpoints(ctx context.Context, id string) ([]model.Checkpoint, error) {
	defer mm.record("list-checkpoints")(time.Now())

	return mm.svc.ListCheckpoints(ctx, id)
}

func (mm *metricsMiddleware) RestoreCheckpoint(ctx context.Context, id, checkpointID string) error {
	defer mm.record("restore-checkpoint")(time.Now())

	return mm.svc.RestoreCheckpoint(ctx, id, checkpointID)
}

func (mm *metricsMiddleware) Subscribe(ctx context.Context, id string, h coordinator.EventHandler) (string, error) {
	defer mm.record("subscribe")(time.Now())

	return mm.svc.Subscribe(ctx, id, h)
}
