package transport

import (
	"time"

	"github.com/flotilla-ml/flotilla/model"
)

type MessageKind string

const (
	KindAnnouncement MessageKind = "round_announcement"
	KindJoinRequest  MessageKind = "join_request"
	KindJoinResponse MessageKind = "join_response"
	KindUpdate       MessageKind = "update_submission"
	KindBroadcast    MessageKind = "aggregation_broadcast"
	KindAlive        MessageKind = "alive"
)

// RoundAnnouncement invites participants into a training round. Deadlines
// are absolute so that announcement delivery latency does not stretch the
// round.
type RoundAnnouncement struct {
	SessionID       string        `json:"session_id"`
	RoundID         string        `json:"round_id"`
	Round           int           `json:"round"`
	Strategy        string        `json:"strategy"`
	ModelVersion    int           `json:"model_version"`
	Epochs          int           `json:"epochs"`
	MinParticipants int           `json:"min_participants"`
	JoinDeadline    time.Time     `json:"join_deadline"`
	UpdateDeadline  time.Time     `json:"update_deadline"`
	UpdateTimeout   time.Duration `json:"update_timeout"`
}

type JoinRequest struct {
	SessionID     string            `json:"session_id"`
	RoundID       string            `json:"round_id"`
	ParticipantID string            `json:"participant_id"`
	NumSamples    int               `json:"num_samples"`
	Capabilities  map[string]string `json:"capabilities,omitempty"`
}

type JoinResponse struct {
	RoundID       string         `json:"round_id"`
	ParticipantID string         `json:"participant_id"`
	Admitted      bool           `json:"admitted"`
	Reason        string         `json:"reason,omitempty"`
	Weights       *model.Weights `json:"weights,omitempty"`
}

type UpdateSubmission struct {
	SessionID string       `json:"session_id"`
	RoundID   string       `json:"round_id"`
	Update    model.Update `json:"update"`
}

// AggregationBroadcast distributes the round outcome. Deltas rather than
// full weights keep the payload proportional to what changed.
type AggregationBroadcast struct {
	SessionID    string               `json:"session_id"`
	RoundID      string               `json:"round_id"`
	Round        int                  `json:"round"`
	ModelVersion int                  `json:"model_version"`
	Deltas       map[string][]float64 `json:"deltas,omitempty"`
	Weights      *model.Weights       `json:"weights,omitempty"`
	AverageLoss  float64              `json:"average_loss"`
	NumUpdates   int                  `json:"num_updates"`
	Final        bool                 `json:"final"`
}

type Alive struct {
	ParticipantID string    `json:"participant_id"`
	Status        string    `json:"status"`
	At            time.Time `json:"at"`
}
