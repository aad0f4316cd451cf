package model

import (
	"fmt"
	"math"
)

type OptimizerKind string

const (
	SGD     OptimizerKind = "sgd"
	Adam    OptimizerKind = "adam"
	AdamW   OptimizerKind = "adamw"
	RMSProp OptimizerKind = "rmsprop"
)

type OptimizerConfig struct {
	Kind         OptimizerKind `json:"kind"`
	LearningRate float64       `json:"learning_rate"`
	Momentum     float64       `json:"momentum,omitempty"`
	Beta1        float64       `json:"beta1,omitempty"`
	Beta2        float64       `json:"beta2,omitempty"`
	Epsilon      float64       `json:"epsilon,omitempty"`
	WeightDecay  float64       `json:"weight_decay,omitempty"`
	Rho          float64       `json:"rho,omitempty"`
}

func (c OptimizerConfig) withDefaults() OptimizerConfig {
	if c.Kind == "" {
		c.Kind = SGD
	}
	if c.LearningRate == 0 {
		c.LearningRate = 0.01
	}
	if c.Beta1 == 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.999
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-8
	}
	if c.Rho == 0 {
		c.Rho = 0.9
	}

	return c
}

// OptimizerState is the serializable momentum state, keyed by slot name and
// layer name so it survives checkpoint round-trips.
type OptimizerState struct {
	Steps map[string]int                  `json:"steps,omitempty"`
	Slots map[string]map[string][]float64 `json:"slots,omitempty"`
}

func (s OptimizerState) clone() OptimizerState {
	out := OptimizerState{
		Steps: make(map[string]int, len(s.Steps)),
		Slots: make(map[string]map[string][]float64, len(s.Slots)),
	}
	for k, v := range s.Steps {
		out.Steps[k] = v
	}
	for slot, layers := range s.Slots {
		out.Slots[slot] = make(map[string][]float64, len(layers))
		for name, buf := range layers {
			out.Slots[slot][name] = append([]float64(nil), buf...)
		}
	}

	return out
}

// Optimizer applies one gradient step to a single layer buffer in place.
type Optimizer interface {
	Step(layer string, weights, grads []float64)
	State() OptimizerState
	LoadState(state OptimizerState)
}

func NewOptimizer(cfg OptimizerConfig) (Optimizer, error) {
	cfg = cfg.withDefaults()

	switch cfg.Kind {
	case SGD:
		return &sgd{cfg: cfg, velocity: map[string][]float64{}}, nil
	case Adam, AdamW:
		return &adam{
			cfg:       cfg,
			decoupled: cfg.Kind == AdamW,
			m:         map[string][]float64{},
			v:         map[string][]float64{},
			steps:     map[string]int{},
		}, nil
	case RMSProp:
		return &rmsprop{cfg: cfg, sq: map[string][]float64{}}, nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Kind)
	}
}

type sgd struct {
	cfg      OptimizerConfig
	velocity map[string][]float64
}

func (o *sgd) Step(layer string, weights, grads []float64) {
	if o.cfg.Momentum == 0 {
		for i := range weights {
			weights[i] -= o.cfg.LearningRate * grads[i]
		}

		return
	}

	v := o.velocity[layer]
	if len(v) != len(weights) {
		v = make([]float64, len(weights))
		o.velocity[layer] = v
	}
	for i := range weights {
		v[i] = o.cfg.Momentum*v[i] - o.cfg.LearningRate*grads[i]
		weights[i] += v[i]
	}
}

func (o *sgd) State() OptimizerState {
	return OptimizerState{Slots: map[string]map[string][]float64{"velocity": o.velocity}}.clone()
}

func (o *sgd) LoadState(state OptimizerState) {
	o.velocity = map[string][]float64{}
	for name, buf := range state.Slots["velocity"] {
		o.velocity[name] = append([]float64(nil), buf...)
	}
}

type adam struct {
	cfg       OptimizerConfig
	decoupled bool
	m         map[string][]float64
	v         map[string][]float64
	steps     map[string]int
}

func (o *adam) Step(layer string, weights, grads []float64) {
	m, v := o.m[layer], o.v[layer]
	if len(m) != len(weights) {
		m = make([]float64, len(weights))
		v = make([]float64, len(weights))
		o.m[layer], o.v[layer] = m, v
	}

	o.steps[layer]++
	t := float64(o.steps[layer])
	bc1 := 1 - math.Pow(o.cfg.Beta1, t)
	bc2 := 1 - math.Pow(o.cfg.Beta2, t)

	for i := range weights {
		g := grads[i]
		if o.cfg.WeightDecay > 0 && !o.decoupled {
			g += o.cfg.WeightDecay * weights[i]
		}

		m[i] = o.cfg.Beta1*m[i] + (1-o.cfg.Beta1)*g
		v[i] = o.cfg.Beta2*v[i] + (1-o.cfg.Beta2)*g*g

		mHat := m[i] / bc1
		vHat := v[i] / bc2

		weights[i] -= o.cfg.LearningRate * mHat / (math.Sqrt(vHat) + o.cfg.Epsilon)
		if o.cfg.WeightDecay > 0 && o.decoupled {
			weights[i] -= o.cfg.LearningRate * o.cfg.WeightDecay * weights[i]
		}
	}
}

func (o *adam) State() OptimizerState {
	return OptimizerState{
		Steps: o.steps,
		Slots: map[string]map[string][]float64{"m": o.m, "v": o.v},
	}.clone()
}

func (o *adam) LoadState(state OptimizerState) {
	o.m, o.v, o.steps = map[string][]float64{}, map[string][]float64{}, map[string]int{}
	for name, buf := range state.Slots["m"] {
		o.m[name] = append([]float64(nil), buf...)
	}
	for name, buf := range state.Slots["v"] {
		o.v[name] = append([]float64(nil), buf...)
	}
	for name, t := range state.Steps {
		o.steps[name] = t
	}
}

type rmsprop struct {
	cfg OptimizerConfig
	sq  map[string][]float64
}

func (o *rmsprop) Step(layer string, weights, grads []float64) {
	s := o.sq[layer]
	if len(s) != len(weights) {
		s = make([]float64, len(weights))
		o.sq[layer] = s
	}
	for i := range weights {
		s[i] = o.cfg.Rho*s[i] + (1-o.cfg.Rho)*grads[i]*grads[i]
		weights[i] -= o.cfg.LearningRate * grads[i] / (math.Sqrt(s[i]) + o.cfg.Epsilon)
	}
}

func (o *rmsprop) State() OptimizerState {
	return OptimizerState{Slots: map[string]map[string][]float64{"sq": o.sq}}.clone()
}

func (o *rmsprop) LoadState(state OptimizerState) {
	o.sq = map[string][]float64{}
	for name, buf := range state.Slots["sq"] {
		o.sq[name] = append([]float64(nil), buf...)
	}
}
