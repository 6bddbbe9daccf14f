package models

import (
	"fmt"
)

// GradState tags the contents of a parameter's gradient buffers. The private
// step logic checks this state structurally instead of probing for optional
// fields, so stale data is always detectable.
type GradState string

const (
	// GradStateCleared means both buffers are empty or zeroed.
	GradStateCleared GradState = "cleared"
	// GradStateFresh means per-example gradients from a backward pass are
	// present and have not been folded into the aggregate yet.
	GradStateFresh GradState = "fresh"
	// GradStateAccumulated means clipped per-example gradients were summed
	// into the pending aggregate; the per-example buffers were released.
	GradStateAccumulated GradState = "accumulated"
	// GradStateNoised means the gradient buffer holds the noised aggregate
	// written back by a real step and must be cleared before the next
	// accumulation window.
	GradStateNoised GradState = "noised"
)

// Parameter is one trainable tensor of a model, flattened to a vector,
// together with its gradient buffers and their tagged state.
type Parameter struct {
	Name         string
	Values       []float64
	Grad         []float64
	GradSamples  [][]float64
	State        GradState
	RequiresGrad bool
}

// NewParameter creates a trainable parameter with cleared gradient buffers.
func NewParameter(name string, values []float64) *Parameter {
	return &Parameter{
		Name:         name,
		Values:       values,
		Grad:         make([]float64, len(values)),
		State:        GradStateCleared,
		RequiresGrad: true,
	}
}

// AccumulateGradSample appends one example's gradient to the per-example
// buffer and marks the parameter fresh. The sample length must match the
// parameter dimension.
func (p *Parameter) AccumulateGradSample(sample []float64) error {
	if len(sample) != len(p.Values) {
		return fmt.Errorf("grad sample for %s has dimension %d, parameter has %d",
			p.Name, len(sample), len(p.Values))
	}
	p.GradSamples = append(p.GradSamples, sample)
	if p.State != GradStateNoised {
		p.State = GradStateFresh
	}
	return nil
}

// ClearGradSamples releases the per-example buffer, keeping the aggregate.
func (p *Parameter) ClearGradSamples() {
	p.GradSamples = nil
}

// ZeroGrad zeroes the aggregate gradient, drops per-example buffers and
// resets the state tag.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
	p.GradSamples = nil
	p.State = GradStateCleared
}
