package optimizer

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// RMSPropOptimizerState implements RMSProp with optional momentum and centering.
type RMSPropOptimizerState struct {
	// Hyperparameters
	Alpha    float64 // Smoothing constant (typically 0.99)
	Epsilon  float64 // Small constant to prevent division by zero (typically 1e-8)
	Momentum float64 // Momentum coefficient (typically 0.9, 0.0 for no momentum)
	Centered bool    // Whether to use centered RMSProp (subtract mean of gradients)

	groups []*ParamGroup

	squaredGradAvg map[*Parameter]*mat.Dense // Running average of squared gradients
	gradAvg        map[*Parameter]*mat.Dense // Running average of gradients (if centered)
	momentumBuf    map[*Parameter]*mat.Dense // Momentum buffers (if momentum > 0)

	// Step tracking
	StepCount uint64
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// NewRMSPropOptimizer creates a new RMSProp optimizer over params
func NewRMSPropOptimizer(config RMSPropConfig, params []*Parameter) (*RMSPropOptimizerState, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	if config.LearningRate < 0 {
		return nil, errors.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, errors.Errorf("alpha must be in [0, 1): %f", config.Alpha)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive: %f", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Momentum < 0 {
		return nil, errors.Errorf("momentum cannot be negative: %f", config.Momentum)
	}

	rmsprop := &RMSPropOptimizerState{
		Alpha:    config.Alpha,
		Epsilon:  config.Epsilon,
		Momentum: config.Momentum,
		Centered: config.Centered,
		groups: []*ParamGroup{{
			Params:      params,
			LR:          config.LearningRate,
			InitialLR:   config.LearningRate,
			WeightDecay: config.WeightDecay,
		}},
		squaredGradAvg: make(map[*Parameter]*mat.Dense, len(params)),
		gradAvg:        make(map[*Parameter]*mat.Dense),
		momentumBuf:    make(map[*Parameter]*mat.Dense),
	}

	for _, param := range params {
		r, c := param.Value.Dims()
		rmsprop.squaredGradAvg[param] = mat.NewDense(r, c, nil)
		if config.Centered {
			rmsprop.gradAvg[param] = mat.NewDense(r, c, nil)
		}
		if config.Momentum > 0 {
			rmsprop.momentumBuf[param] = mat.NewDense(r, c, nil)
		}
	}

	return rmsprop, nil
}

// Step performs a single optimization step
func (rms *RMSPropOptimizerState) Step() error {
	for _, group := range rms.groups {
		for _, param := range group.Params {
			grad := effectiveGrad(param, group.WeightDecay)

			// sq = alpha * sq + (1 - alpha) * grad^2
			sq := rms.squaredGradAvg[param]
			var gradSquared mat.Dense
			gradSquared.MulElem(grad, grad)
			gradSquared.Scale(1.0-rms.Alpha, &gradSquared)
			sq.Scale(rms.Alpha, sq)
			sq.Add(sq, &gradSquared)

			// denominator = sqrt(sq - avg^2) + eps for centered, sqrt(sq) + eps otherwise
			r, c := sq.Dims()
			denom := mat.NewDense(r, c, nil)
			if rms.Centered {
				avg := rms.gradAvg[param]
				var gradTerm mat.Dense
				gradTerm.Scale(1.0-rms.Alpha, grad)
				avg.Scale(rms.Alpha, avg)
				avg.Add(avg, &gradTerm)
				denom.Apply(func(i, j int, _ float64) float64 {
					a := avg.At(i, j)
					return math.Sqrt(math.Max(sq.At(i, j)-a*a, 0)) + rms.Epsilon
				}, denom)
			} else {
				denom.Apply(func(i, j int, _ float64) float64 {
					return math.Sqrt(sq.At(i, j)) + rms.Epsilon
				}, denom)
			}

			var step mat.Dense
			step.DivElem(grad, denom)

			if rms.Momentum > 0 {
				buf := rms.momentumBuf[param]
				buf.Scale(rms.Momentum, buf)
				buf.Add(buf, &step)
				step.CloneFrom(buf)
			}

			step.Scale(group.LR, &step)
			param.Value.Sub(param.Value, &step)
		}
	}

	rms.StepCount++
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (rms *RMSPropOptimizerState) ZeroGrad() {
	zeroGroups(rms.groups)
}

// ParamGroups returns the parameter groups
func (rms *RMSPropOptimizerState) ParamGroups() []*ParamGroup {
	return rms.groups
}

// GetStepCount returns the current step count
func (rms *RMSPropOptimizerState) GetStepCount() uint64 {
	return rms.StepCount
}

// Name returns "RMSprop"
func (rms *RMSPropOptimizerState) Name() string {
	return RMSProp.String()
}
