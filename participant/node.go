package participant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/pkg/transport"
)

type NodeConfig struct {
	ID          string
	Coordinator string
	NumSamples  int
	Seed        int64
	Gradient    model.GradientFn
	Compression model.CompressionConfig
}

// Node is the participant-side runtime: it reacts to round announcements,
// trains locally and submits the resulting delta, then folds the
// aggregation broadcast back into its local model.
type Node struct {
	cfg       NodeConfig
	manager   *model.Manager
	transport transport.Transport
	logger    *slog.Logger

	mu        sync.Mutex
	announced map[string]transport.RoundAnnouncement
}

func NewNode(cfg NodeConfig, manager *model.Manager, tp transport.Transport, logger *slog.Logger) *Node {
	if cfg.Coordinator == "" {
		cfg.Coordinator = "coordinator"
	}

	return &Node{
		cfg:       cfg,
		manager:   manager,
		transport: tp,
		logger:    logger,
		announced: make(map[string]transport.RoundAnnouncement),
	}
}

// Start installs the message handler and reports liveness. It returns
// immediately; all round work happens in reaction to inbound messages.
func (n *Node) Start(ctx context.Context) error {
	n.transport.SetHandler(func(hctx context.Context, env transport.Envelope) error {
		return n.handle(hctx, env)
	})

	env, err := transport.Pack(transport.KindAlive, n.cfg.ID, transport.Alive{
		ParticipantID: n.cfg.ID,
		Status:        "online",
		At:            time.Now(),
	})
	if err != nil {
		return err
	}

	return n.transport.Send(ctx, n.cfg.Coordinator, env)
}

func (n *Node) Stop(ctx context.Context) error {
	return n.transport.Close(ctx)
}

func (n *Node) handle(ctx context.Context, env transport.Envelope) error {
	switch env.Kind {
	case transport.KindAnnouncement:
		var ann transport.RoundAnnouncement
		if err := env.Unpack(&ann); err != nil {
			return err
		}

		return n.join(ctx, ann)
	case transport.KindJoinResponse:
		var resp transport.JoinResponse
		if err := env.Unpack(&resp); err != nil {
			return err
		}

		return n.onAdmission(resp)
	case transport.KindBroadcast:
		var bc transport.AggregationBroadcast
		if err := env.Unpack(&bc); err != nil {
			return err
		}

		return n.onBroadcast(bc)
	default:
		n.logger.WarnContext(ctx, "Ignoring unexpected message",
			slog.String("kind", string(env.Kind)),
			slog.String("sender", env.Sender),
		)

		return nil
	}
}

func (n *Node) join(ctx context.Context, ann transport.RoundAnnouncement) error {
	n.mu.Lock()
	n.announced[ann.RoundID] = ann
	n.mu.Unlock()

	env, err := transport.Pack(transport.KindJoinRequest, n.cfg.ID, transport.JoinRequest{
		SessionID:     ann.SessionID,
		RoundID:       ann.RoundID,
		ParticipantID: n.cfg.ID,
		NumSamples:    n.cfg.NumSamples,
	})
	if err != nil {
		return err
	}

	n.logger.InfoContext(ctx, "Joining round",
		slog.String("round_id", ann.RoundID),
		slog.Int("round", ann.Round),
	)

	return n.transport.Send(ctx, n.cfg.Coordinator, env)
}

func (n *Node) onAdmission(resp transport.JoinResponse) error {
	if !resp.Admitted {
		n.logger.Info("Round admission refused",
			slog.String("round_id", resp.RoundID),
			slog.String("reason", resp.Reason),
		)

		return nil
	}

	if resp.Weights != nil {
		if err := n.manager.SetWeights(*resp.Weights); err != nil {
			return fmt.Errorf("failed to install global model: %w", err)
		}
	}

	n.mu.Lock()
	ann, ok := n.announced[resp.RoundID]
	n.mu.Unlock()
	if !ok {
		n.logger.Warn("Admission for unknown round", slog.String("round_id", resp.RoundID))

		return nil
	}

	// Training runs off the delivery goroutine so slow local epochs never
	// block the transport.
	go n.train(ann)

	return nil
}

func (n *Node) train(ann transport.RoundAnnouncement) {
	ctx := context.Background()
	if ann.UpdateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ann.UpdateTimeout)
		defer cancel()
	}

	update, err := n.manager.TrainLocal(ctx, model.TrainOptions{
		Epochs:      ann.Epochs,
		Gradient:    n.cfg.Gradient,
		Compression: n.cfg.Compression,
		Seed:        n.cfg.Seed,
	})
	if err != nil {
		n.logger.Warn("Local training failed",
			slog.String("round_id", ann.RoundID),
			slog.Any("error", err),
		)

		return
	}

	update.RoundID = ann.RoundID
	update.ParticipantID = n.cfg.ID
	update.NumSamples = n.cfg.NumSamples

	env, err := transport.Pack(transport.KindUpdate, n.cfg.ID, transport.UpdateSubmission{
		SessionID: ann.SessionID,
		RoundID:   ann.RoundID,
		Update:    update,
	})
	if err != nil {
		n.logger.Warn("Failed to encode update", slog.Any("error", err))

		return
	}

	if err := n.transport.Send(ctx, n.cfg.Coordinator, env); err != nil {
		n.logger.Warn("Failed to submit update",
			slog.String("round_id", ann.RoundID),
			slog.Any("error", err),
		)

		return
	}

	n.logger.Info("Submitted local update",
		slog.String("round_id", ann.RoundID),
		slog.Float64("loss", update.Loss),
		slog.Duration("train_time", update.TrainTime),
	)
}

func (n *Node) onBroadcast(bc transport.AggregationBroadcast) error {
	n.mu.Lock()
	delete(n.announced, bc.RoundID)
	n.mu.Unlock()

	switch {
	case bc.Weights != nil:
		if err := n.manager.SetWeights(*bc.Weights); err != nil {
			return err
		}
	case bc.Deltas != nil:
		if err := n.manager.ApplyDeltaUpdate(bc.Deltas); err != nil {
			return err
		}
	}

	n.manager.RecordLoss(bc.AverageLoss)

	n.logger.Info("Applied aggregated model",
		slog.String("round_id", bc.RoundID),
		slog.Int("model_version", bc.ModelVersion),
		slog.Float64("average_loss", bc.AverageLoss),
	)

	return nil
}
