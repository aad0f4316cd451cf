package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flotilla-ml/flotilla/coordinator"
	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/participant"
)

var _ coordinator.Service = (*tracing)(nil)

type tracing struct {
	tracer trace.Tracer
	svc    coordinator.Service
}

func Tracing(tracer trace.Tracer, svc coordinator.Service) coordinator.Service {
	return &tracing{tracer, svc}
}

func (tm *tracing) CreateSession(ctx context.Context, req coordinator.SessionRequest) (coordinator.Session, error) {
	ctx, span := tm.tracer.Start(ctx, "create-session", trace.WithAttributes(
		attribute.String("name", req.Name),
		attribute.String("architecture", req.Architecture.Name),
	))
	defer span.End()

	return tm.svc.CreateSession(ctx, req)
}

func (tm *tracing) GetSession(ctx context.Context, id string) (coordinator.Session, error) {
	ctx, span := tm.tracer.Start(ctx, "get-session", trace.WithAttributes(
		attribute.String("id", id),
	))
	defer span.End()

	return tm.svc.GetSession(ctx, id)
}

func (tm *tracing) ListSessions(ctx context.Context) ([]coordinator.Session, error) {
	ctx, span := tm.tracer.Start(ctx, "list-sessions")
	defer span.End()

	return tm.svc.ListSessions(ctx)
}

func (tm *tracing) StartSession(ctx context.Context, id string) error {
	ctx, span := tm.tracer.Start(ctx, "start-session", trace.WithAttributes(
		attribute.String("id", id),
	))
	defer span.End()

	return tm.svc.StartSession(ctx, id)
}

func (tm *tracing) PauseSession(ctx context.Context, id string) error {
	ctx, span := tm.tracer.Start(ctx, "pause-session", trace.WithAttributes(
		attribute.String("id", id),
	))
	defer span.End()

	return tm.svc.PauseSession(ctx, id)
}

func (tm *tracing) ResumeSession(ctx context.Context, id string) error {
	ctx, span := tm.tracer.Start(ctx, "resume-session", trace.WithAttributes(
		attribute.String("id", id),
	))
	defer span.End()

	return tm.svc.ResumeSession(ctx, id)
}

func (tm *tracing) StopSession(ctx context.Context, id string) error {
	ctx, span := tm.tracer.Start(ctx, "stop-session", trace.WithAttributes(
		attribute.String("id", id),
	))
	defer span.End()

	return tm.svc.StopSession(ctx, id)
}

func (tm *tracing) SessionResult(ctx context.Context, id string) (coordinator.Result, error) {
	ctx, span := tm.tracer.Start(ctx, "get-session-result", trace.WithAttributes(
		attribute.String("id", id),
	))
	defer span.End()

	return tm.svc.SessionResult(ctx, id)
}

func (tm *tracing) ListParticipants(ctx context.Context) ([]participant.Participant, error) {
	ctx, span := tm.tracer.Start(ctx, "list-participants")
	defer span.End()

	return tm.svc.ListParticipants(ctx)
}

func (tm *tracing) ListCheckpoints(ctx context.Context, id string) ([]model.Checkpoint, error) {
	ctx, span := tm.tracer.Start(ctx, "list-checkpoints", trace.WithAttributes(
		attribute.String("id", id),
	))
	defer span.End()

	return tm.svc.ListCheckpoints(ctx, id)
}

func (tm *tracing) RestoreCheckpoint(ctx context.Context, id, checkpointID string) error {
	ctx, span := tm.tracer.Start(ctx, "restore-checkpoint", trace.WithAttributes(
		attribute.String("id", id),
		attribute.String("checkpoint_id", checkpointID),
	))
	defer span.End()

	return tm.svc.RestoreCheckpoint(ctx, id, checkpointID)
}

func (tm *tracing) Subscribe(ctx context.Context, id string, h coordinator.EventHandler) (string, error) {
	ctx, span := tm.tracer.Start(ctx, "subscribe", trace.WithAttributes(
		attribute.String("id", id),
	))
	defer span.End()

	return tm.svc.Subscribe(ctx, id, h)
}
