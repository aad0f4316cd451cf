// Package participant tracks the federation cohort: who is registered,
// whether they are reachable and how much their updates are trusted. The
// node runtime in this package is the client-side counterpart that trains
// and submits updates.
package participant

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/0x6flab/namegenerator"
	"github.com/google/uuid"

	"github.com/flotilla-ml/flotilla/pkg/errors"
)

type State string

const (
	StateActive  State = "active"
	StateOffline State = "offline"
)

const (
	initialTrust = 1.0
	minTrust     = 0.0
	maxTrust     = 1.0
)

var namegen = namegenerator.NewGenerator()

type Participant struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	NumSamples   int               `json:"num_samples"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	TrustScore   float64           `json:"trust_score"`
	State        State             `json:"state"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeen     time.Time         `json:"last_seen"`
	// Flags counts rounds in which this participant was reported as a
	// suspected Byzantine contributor.
	Flags int `json:"flags"`
}

// Registry is the coordinator-side cohort index.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]Participant
	staleAfter   time.Duration
}

func NewRegistry(staleAfter time.Duration) *Registry {
	if staleAfter == 0 {
		staleAfter = time.Minute
	}

	return &Registry{
		participants: make(map[string]Participant),
		staleAfter:   staleAfter,
	}
}

// Register adds a participant. Empty id or name are filled in, so callers
// can register with nothing but a sample count.
func (r *Registry) Register(p Participant) (Participant, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Name == "" {
		p.Name = namegen.Generate()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[p.ID]; ok {
		return Participant{}, fmt.Errorf("%w: participant %q", errors.ErrEntityExists, p.ID)
	}

	now := time.Now()
	p.TrustScore = initialTrust
	p.State = StateActive
	p.RegisteredAt = now
	p.LastSeen = now
	r.participants[p.ID] = p

	return p, nil
}

func (r *Registry) Get(id string) (Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[id]
	if !ok {
		return Participant{}, fmt.Errorf("%w: participant %q", errors.ErrNotFound, id)
	}

	return p, nil
}

func (r *Registry) List() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[id]; !ok {
		return fmt.Errorf("%w: participant %q", errors.ErrNotFound, id)
	}
	delete(r.participants, id)

	return nil
}

// Heartbeat refreshes liveness and revives offline participants.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return fmt.Errorf("%w: participant %q", errors.ErrNotFound, id)
	}

	p.LastSeen = time.Now()
	p.State = StateActive
	r.participants[id] = p

	return nil
}

// Sweep marks participants unseen past the staleness window as offline and
// returns how many changed state.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.staleAfter)
	changed := 0
	for id, p := range r.participants {
		if p.State == StateActive && p.LastSeen.Before(cutoff) {
			p.State = StateOffline
			r.participants[id] = p
			changed++
		}
	}

	return changed
}

// Flag records a Byzantine suspicion and decays the trust score. Trust
// recovers through Reward on clean rounds, so one bad round is not a
// permanent sentence.
func (r *Registry) Flag(id string, penalty float64) {
	r.adjustTrust(id, -penalty, true)
}

func (r *Registry) Reward(id string, bonus float64) {
	r.adjustTrust(id, bonus, false)
}

func (r *Registry) adjustTrust(id string, delta float64, flagged bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return
	}

	p.TrustScore += delta
	if p.TrustScore < minTrust {
		p.TrustScore = minTrust
	}
	if p.TrustScore > maxTrust {
		p.TrustScore = maxTrust
	}
	if flagged {
		p.Flags++
	}
	r.participants[id] = p
}

// Eligible returns active participants at or above the trust floor,
// ordered most-trusted first.
func (r *Registry) Eligible(minTrustScore float64) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		if p.State == StateActive && p.TrustScore >= minTrustScore {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TrustScore != out[j].TrustScore {
			return out[i].TrustScore > out[j].TrustScore
		}

		return out[i].ID < out[j].ID
	})

	return out
}
