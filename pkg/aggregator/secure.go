package aggregator

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/pkg/errors"
)

// Share is one piece of a split mask vector.
type Share struct {
	Index int    `json:"index"`
	Data  []byte `json:"data"`
}

// SecretSharer splits a mask vector into n shares reconstructable from any
// threshold-sized subset. Implementations carry the actual cryptography;
// the collector below only enforces the protocol bookkeeping.
type SecretSharer interface {
	Share(secret []float64, n, threshold int) ([]Share, error)
	Reconstruct(shares []Share, threshold int) ([]float64, error)
}

type SecureConfig struct {
	// Expected is the number of participants the round admitted.
	Expected int
	// Threshold is the minimum share count needed to rebuild a dropped
	// or surviving participant's mask.
	Threshold int
	// MaxDropoutRate bounds the tolerated fraction of missing submissions.
	MaxDropoutRate float64
	Sharer         SecretSharer
}

// MaskedUpdate pairs a mask-perturbed update with the shares of its mask
// held in escrow for unmasking. The mask is one flat vector laid over the
// update's layers in lexicographic name order.
type MaskedUpdate struct {
	Update     model.Update
	MaskShares []Share
}

// SecureCollector accumulates masked updates and strips the masks once the
// round closes. Raw per-participant deltas never exist coordinator-side
// until the threshold of shares is available.
type SecureCollector struct {
	mu sync.Mutex

	cfg    SecureConfig
	masked []MaskedUpdate
	seen   map[string]struct{}
}

func NewSecureCollector(cfg SecureConfig) (*SecureCollector, error) {
	if cfg.Sharer == nil {
		return nil, fmt.Errorf("%w: secure aggregation requires a secret sharer", errors.ErrInvalidConfig)
	}
	if cfg.Threshold < 1 || cfg.Expected < 1 || cfg.Threshold > cfg.Expected {
		return nil, fmt.Errorf("%w: invalid secure aggregation threshold %d of %d",
			errors.ErrInvalidConfig, cfg.Threshold, cfg.Expected)
	}

	return &SecureCollector{cfg: cfg, seen: make(map[string]struct{})}, nil
}

func (c *SecureCollector) Add(mu MaskedUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pid := mu.Update.ParticipantID
	if _, ok := c.seen[pid]; ok {
		return fmt.Errorf("%w: masked update from %q", errors.ErrDuplicateUpdate, pid)
	}
	if len(mu.MaskShares) < c.cfg.Threshold {
		return fmt.Errorf("%w: %d mask shares below threshold %d",
			errors.ErrInvalidUpdate, len(mu.MaskShares), c.cfg.Threshold)
	}

	c.seen[pid] = struct{}{}
	c.masked = append(c.masked, mu)

	return nil
}

// Unmask rebuilds each contributor's mask from its escrowed shares and
// subtracts it, returning plain updates ready for strategy combination.
// It fails when dropouts exceed the configured tolerance.
func (c *SecureCollector) Unmask() ([]model.Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.masked) == 0 {
		return nil, errors.ErrNoUpdates
	}

	dropout := 1 - float64(len(c.masked))/float64(c.cfg.Expected)
	if dropout > c.cfg.MaxDropoutRate {
		return nil, fmt.Errorf("%w: dropout rate %.2f exceeds tolerance %.2f",
			errors.ErrInsufficientParticipants, dropout, c.cfg.MaxDropoutRate)
	}

	updates := make([]model.Update, 0, len(c.masked))
	for _, mu := range c.masked {
		mask, err := c.cfg.Sharer.Reconstruct(mu.MaskShares, c.cfg.Threshold)
		if err != nil {
			return nil, fmt.Errorf("failed to reconstruct mask for %q: %w", mu.Update.ParticipantID, err)
		}

		u := mu.Update
		u.Deltas = subtractMask(u.Deltas, mask)
		updates = append(updates, u)
	}

	return updates, nil
}

// subtractMask removes the flattened mask from the deltas, walking layers
// in lexicographic name order, the same order the mask was applied in.
func subtractMask(deltas map[string][]float64, mask []float64) map[string][]float64 {
	names := make([]string, 0, len(deltas))
	for name := range deltas {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string][]float64, len(deltas))
	pos := 0
	for _, name := range names {
		buf := deltas[name]
		clean := make([]float64, len(buf))
		for i, v := range buf {
			if pos < len(mask) {
				clean[i] = v - mask[pos]
				pos++
			} else {
				clean[i] = v
			}
		}
		out[name] = clean
	}

	return out
}

// additiveSharer splits a vector into n random-looking addends that sum to
// the secret. Reconstruction needs every share, so its threshold equals n.
// It is a reference implementation for tests and single-coordinator
// deployments; production setups plug in a real threshold scheme.
type additiveSharer struct{}

func NewAdditiveSharer() SecretSharer {
	return additiveSharer{}
}

func (additiveSharer) Share(secret []float64, n, threshold int) ([]Share, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: share count %d", errors.ErrInvalidConfig, n)
	}
	if threshold != n {
		return nil, fmt.Errorf("%w: additive sharing requires threshold == n", errors.ErrInvalidConfig)
	}

	parts := make([][]float64, n)
	for i := range parts {
		parts[i] = make([]float64, len(secret))
	}

	for j, v := range secret {
		var sum float64
		for i := 0; i < n-1; i++ {
			r, err := randomUnit()
			if err != nil {
				return nil, err
			}
			parts[i][j] = r - 0.5
			sum += parts[i][j]
		}
		parts[n-1][j] = v - sum
	}

	shares := make([]Share, n)
	for i, part := range parts {
		shares[i] = Share{Index: i, Data: encodeVector(part)}
	}

	return shares, nil
}

func (additiveSharer) Reconstruct(shares []Share, threshold int) ([]float64, error) {
	if len(shares) < threshold {
		return nil, fmt.Errorf("%w: %d shares below threshold %d", errors.ErrInvalidData, len(shares), threshold)
	}

	var secret []float64
	for _, s := range shares {
		part, err := decodeVector(s.Data)
		if err != nil {
			return nil, err
		}
		if secret == nil {
			secret = make([]float64, len(part))
		}
		if len(part) != len(secret) {
			return nil, fmt.Errorf("%w: share length mismatch", errors.ErrInvalidData)
		}
		for i, v := range part {
			secret[i] += v
		}
	}

	return secret, nil
}

func encodeVector(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}

	return buf
}

func decodeVector(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("%w: malformed share payload", errors.ErrInvalidData)
	}

	v := make([]float64, len(buf)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}

	return v, nil
}
