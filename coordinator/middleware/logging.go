package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/flotilla-ml/flotilla/coordinator"
	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/participant"
)

var _ coordinator.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    coordinator.Service
}

func Logging(logger *slog.Logger, svc coordinator.Service) coordinator.Service {
	return &loggingMiddleware{
		logger: logger,
		svc:    svc,
	}
}

func (lm *loggingMiddleware) CreateSession(ctx context.Context, req coordinator.SessionRequest) (resp coordinator.Session, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("session",
				slog.String("id", resp.ID),
				slog.String("name", resp.Name),
				slog.String("architecture", req.Architecture.Name),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Create session failed", args...)

			return
		}
		lm.logger.Info("Create session completed successfully", args...)
	}(time.Now())

	return lm.svc.CreateSession(ctx, req)
}

func (lm *loggingMiddleware) GetSession(ctx context.Context, id string) (resp coordinator.Session, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("session",
				slog.String("id", id),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Get session failed", args...)

			return
		}
		lm.logger.Info("Get session completed successfully", args...)
	}(time.Now())

	return lm.svc.GetSession(ctx, id)
}

func (lm *loggingMiddleware) ListSessions(ctx context.Context) (resp []coordinator.Session, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Int("count", len(resp)),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("List sessions failed", args...)

			return
		}
		lm.logger.Info("List sessions completed successfully", args...)
	}(time.Now())

	return lm.svc.ListSessions(ctx)
}

func (lm *loggingMiddleware) StartSession(ctx context.Context, id string) (err error) {
	defer lm.logTransition(ctx, "Start session", id, &err)(time.Now())

	return lm.svc.StartSession(ctx, id)
}

func (lm *loggingMiddleware) PauseSession(ctx context.Context, id string) (err error) {
	defer lm.logTransition(ctx, "Pause session", id, &err)(time.Now())

	return lm.svc.PauseSession(ctx, id)
}

func (lm *loggingMiddleware) ResumeSession(ctx context.Context, id string) (err error) {
	defer lm.logTransition(ctx, "Resume session", id, &err)(time.Now())

	return lm.svc.ResumeSession(ctx, id)
}

func (lm *loggingMiddleware) StopSession(ctx context.Context, id string) (err error) {
	defer lm.logTransition(ctx, "Stop session", id, &err)(time.Now())

	return lm.svc.StopSession(ctx, id)
}

func (lm *loggingMiddleware) SessionResult(ctx context.Context, id string) (resp coordinator.Result, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("session",
				slog.String("id", id),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Get session result failed", args...)

			return
		}
		args = append(args,
			slog.Int("rounds_run", resp.RoundsRun),
			slog.Float64("best_loss", resp.BestLoss),
		)
		lm.logger.Info("Get session result completed successfully", args...)
	}(time.Now())

	return lm.svc.SessionResult(ctx, id)
}

func (lm *loggingMiddleware) ListParticipants(ctx context.Context) (resp []participant.Participant, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Int("count", len(resp)),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("List participants failed", args...)

			return
		}
		lm.logger.Info("List participants completed successfully", args...)
	}(time.Now())

	return lm.svc.ListParticipants(ctx)
}

func (lm *loggingMiddleware) ListCheckpoints(ctx context.Context, id string) (resp []model.Checkpoint, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("session",
				slog.String("id", id),
			),
			slog.Int("count", len(resp)),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("List checkpoints failed", args...)

			return
		}
		lm.logger.Info("List checkpoints completed successfully", args...)
	}(time.Now())

	return lm.svc.ListCheckpoints(ctx, id)
}

func (lm *loggingMiddleware) RestoreCheckpoint(ctx context.Context, id, checkpointID string) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("session",
				slog.String("id", id),
			),
			slog.String("checkpoint_id", checkpointID),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Restore checkpoint failed", args...)

			return
		}
		lm.logger.Info("Restore checkpoint completed successfully", args...)
	}(time.Now())

	return lm.svc.RestoreCheckpoint(ctx, id, checkpointID)
}

func (lm *loggingMiddleware) Subscribe(ctx context.Context, id string, h coordinator.EventHandler) (string, error) {
	return lm.svc.Subscribe(ctx, id, h)
}

func (lm *loggingMiddleware) logTransition(_ context.Context, op, id string, err *error) func(time.Time) {
	return func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("session",
				slog.String("id", id),
			),
		}
		if *err != nil {
			args = append(args, slog.Any("error", *err))
			lm.logger.Warn(op+" failed", args...)

			return
		}
		lm.logger.Info(op+" completed successfully", args...)
	}
}
