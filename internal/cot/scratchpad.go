package cot

import "slices"

// Scratchpad is the ordered log of completed steps of one run. It has a
// single writer, the runner that owns it.
type Scratchpad struct {
	steps []*Step
}

// NewScratchpad returns an empty scratchpad.
func NewScratchpad() *Scratchpad { return &Scratchpad{} }

// Append stores a copy of s, so later changes to s are not observed.
func (p *Scratchpad) Append(s *Step) {
	p.steps = append(p.steps, s.Clone())
}

// Steps returns the completed steps in order. Callers must not modify them.
func (p *Scratchpad) Steps() []*Step {
	if p == nil {
		return nil
	}
	return slices.Clone(p.steps)
}

// Len returns the number of completed steps.
func (p *Scratchpad) Len() int {
	if p == nil {
		return 0
	}
	return len(p.steps)
}
