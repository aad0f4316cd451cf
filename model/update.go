package model

import "time"

// Update is one participant's contribution for one round: per-layer delta
// buffers plus local training metrics. It is created once per participant
// per round, consumed by the aggregator and then discarded.
type Update struct {
	RoundID       string               `json:"round_id"`
	ParticipantID string               `json:"participant_id"`
	BaseVersion   int                  `json:"base_version"`
	Deltas        map[string][]float64 `json:"deltas"`
	NumSamples    int                  `json:"num_samples"`
	Loss          float64              `json:"loss"`
	Accuracy      float64              `json:"accuracy"`
	LossHistory   []float64            `json:"loss_history,omitempty"`
	GradNorms     []float64            `json:"grad_norms,omitempty"`
	TrainTime     time.Duration        `json:"train_time,omitempty"`
	Compression   *CompressionInfo     `json:"compression,omitempty"`
	Noised        bool                 `json:"noised,omitempty"`
	Signature     []byte               `json:"signature,omitempty"`
	ReceivedAt    time.Time            `json:"received_at,omitempty"`
}

// Checkpoint is an immutable snapshot of model weights, optimizer state and
// metrics taken at a round boundary.
type Checkpoint struct {
	ID        string             `json:"id"`
	Round     int                `json:"round"`
	Weights   Weights            `json:"weights"`
	Optimizer OptimizerState     `json:"optimizer"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}
