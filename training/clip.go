package training

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/go-snapshot/optimizer"
)

// LRClip bounds the learning rate to [Lower, Upper].
// A nil *LRClip leaves rates untouched.
type LRClip struct {
	Lower float64
	Upper float64
}

// ParseLRClip builds an LRClip from a two-element {lower, upper} slice.
// An empty slice yields a nil clip.
func ParseLRClip(bounds []float64) (*LRClip, error) {
	if len(bounds) == 0 {
		return nil, nil
	}
	if len(bounds) != 2 {
		return nil, errors.Errorf("lr_clip should have exactly two elements, got %d", len(bounds))
	}
	if !(bounds[0] < bounds[1]) {
		return nil, errors.Errorf("lr_clip lower bound %v should be smaller than upper bound %v", bounds[0], bounds[1])
	}
	return &LRClip{Lower: bounds[0], Upper: bounds[1]}, nil
}

// Clip returns rate clamped to the bounds.
func (c *LRClip) Clip(rate float64) float64 {
	if c == nil {
		return rate
	}
	return math.Min(math.Max(rate, c.Lower), c.Upper)
}

// Apply clamps the learning rate of every parameter group of opt.
func (c *LRClip) Apply(opt optimizer.Optimizer) {
	if c == nil {
		return
	}
	for _, group := range opt.ParamGroups() {
		group.LR = c.Clip(group.LR)
	}
}
