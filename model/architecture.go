package model

import (
	"errors"
	"fmt"
)

// Layer describes one named tensor of the model schema.
type Layer struct {
	Name      string `json:"name"`
	Shape     []int  `json:"shape"`
	Trainable bool   `json:"trainable"`
}

// Size returns the number of parameters declared by the layer shape.
func (l Layer) Size() int {
	if len(l.Shape) == 0 {
		return 0
	}
	size := 1
	for _, d := range l.Shape {
		size *= d
	}

	return size
}

// Architecture is the immutable model schema. It is fixed at construction:
// weights snapshots are validated against it for the whole session.
type Architecture struct {
	Name   string  `json:"name"`
	Layers []Layer `json:"layers"`
}

func NewArchitecture(name string, layers []Layer) (Architecture, error) {
	if name == "" {
		return Architecture{}, errors.New("architecture name is empty")
	}
	if len(layers) == 0 {
		return Architecture{}, errors.New("architecture has no layers")
	}

	seen := make(map[string]bool, len(layers))
	for _, l := range layers {
		if l.Name == "" {
			return Architecture{}, errors.New("layer name is empty")
		}
		if seen[l.Name] {
			return Architecture{}, fmt.Errorf("duplicate layer %q", l.Name)
		}
		seen[l.Name] = true

		if l.Size() <= 0 {
			return Architecture{}, fmt.Errorf("layer %q has invalid shape %v", l.Name, l.Shape)
		}
	}

	return Architecture{Name: name, Layers: layers}, nil
}

// Layer looks a layer up by name.
func (a Architecture) Layer(name string) (Layer, bool) {
	for _, l := range a.Layers {
		if l.Name == name {
			return l, true
		}
	}

	return Layer{}, false
}

// ParamCount returns the total number of parameters across all layers.
func (a Architecture) ParamCount() int {
	total := 0
	for _, l := range a.Layers {
		total += l.Size()
	}

	return total
}

// TrainableLayers returns the layers participating in optimization.
func (a Architecture) TrainableLayers() []Layer {
	layers := make([]Layer, 0, len(a.Layers))
	for _, l := range a.Layers {
		if l.Trainable {
			layers = append(layers, l)
		}
	}

	return layers
}
