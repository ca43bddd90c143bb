package optimizer

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// SGDOptimizerState implements stochastic gradient descent with optional
// momentum, Nesterov momentum and L2 weight decay.
type SGDOptimizerState struct {
	// Hyperparameters
	Momentum  float64 // Momentum coefficient (0 for vanilla SGD)
	Dampening float64
	Nesterov  bool // Whether to use Nesterov momentum

	groups []*ParamGroup

	// Momentum buffers (only if momentum > 0)
	velocities map[*Parameter]*mat.Dense

	// Step tracking
	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	Dampening    float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		Dampening:    0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*Parameter) (*SGDOptimizerState, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	// Validate configuration parameters
	if config.LearningRate < 0 {
		return nil, errors.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, errors.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, errors.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && (config.Momentum <= 0 || config.Dampening != 0) {
		return nil, errors.New("nesterov momentum requires a momentum and zero dampening")
	}

	return &SGDOptimizerState{
		Momentum:  config.Momentum,
		Dampening: config.Dampening,
		Nesterov:  config.Nesterov,
		groups: []*ParamGroup{{
			Params:      params,
			LR:          config.LearningRate,
			InitialLR:   config.LearningRate,
			WeightDecay: config.WeightDecay,
		}},
		velocities: make(map[*Parameter]*mat.Dense),
	}, nil
}

// Step performs a single optimization step
func (sgd *SGDOptimizerState) Step() error {
	for _, group := range sgd.groups {
		for _, param := range group.Params {
			grad := effectiveGrad(param, group.WeightDecay)

			if sgd.Momentum > 0 {
				velocity, ok := sgd.velocities[param]
				if !ok {
					// First step: the buffer starts as the gradient itself
					velocity = mat.DenseCopyOf(grad)
					sgd.velocities[param] = velocity
				} else {
					// velocity = momentum * velocity + (1 - dampening) * grad
					var gradTerm mat.Dense
					gradTerm.Scale(1.0-sgd.Dampening, grad)
					velocity.Scale(sgd.Momentum, velocity)
					velocity.Add(velocity, &gradTerm)
				}

				if sgd.Nesterov {
					var nesterovTerm mat.Dense
					nesterovTerm.Scale(sgd.Momentum, velocity)
					grad.Add(grad, &nesterovTerm)
				} else {
					grad = velocity
				}
			}

			// param = param - lr * grad
			var update mat.Dense
			update.Scale(group.LR, grad)
			param.Value.Sub(param.Value, &update)
		}
	}

	sgd.StepCount++
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGDOptimizerState) ZeroGrad() {
	zeroGroups(sgd.groups)
}

// ParamGroups returns the parameter groups
func (sgd *SGDOptimizerState) ParamGroups() []*ParamGroup {
	return sgd.groups
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// Name returns "SGD"
func (sgd *SGDOptimizerState) Name() string {
	return SGD.String()
}
