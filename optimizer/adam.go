package optimizer

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// AdamOptimizerState implements Adam with L2 weight decay folded into the gradient.
type AdamOptimizerState struct {
	// Hyperparameters
	Beta1   float64 // Momentum decay (typically 0.9)
	Beta2   float64 // Variance decay (typically 0.999)
	Epsilon float64 // Small constant to prevent division by zero (typically 1e-8)

	groups []*ParamGroup

	// First and second moment estimates per parameter
	m map[*Parameter]*mat.Dense
	v map[*Parameter]*mat.Dense

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer over params
func NewAdamOptimizer(config AdamConfig, params []*Parameter) (*AdamOptimizerState, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	if config.LearningRate < 0 {
		return nil, errors.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, errors.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive: %f", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	adam := &AdamOptimizerState{
		Beta1:   config.Beta1,
		Beta2:   config.Beta2,
		Epsilon: config.Epsilon,
		groups: []*ParamGroup{{
			Params:      params,
			LR:          config.LearningRate,
			InitialLR:   config.LearningRate,
			WeightDecay: config.WeightDecay,
		}},
		m: make(map[*Parameter]*mat.Dense, len(params)),
		v: make(map[*Parameter]*mat.Dense, len(params)),
	}

	// Initialize moment estimates
	for _, param := range params {
		r, c := param.Value.Dims()
		adam.m[param] = mat.NewDense(r, c, nil)
		adam.v[param] = mat.NewDense(r, c, nil)
	}

	return adam, nil
}

// Step performs a single optimization step
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.Beta1, float64(adam.StepCount))
	bias2 := 1.0 - math.Pow(adam.Beta2, float64(adam.StepCount))

	for _, group := range adam.groups {
		for _, param := range group.Params {
			grad := effectiveGrad(param, group.WeightDecay)
			m, v := adam.m[param], adam.v[param]

			// m = beta1 * m + (1 - beta1) * grad
			var gradTerm mat.Dense
			gradTerm.Scale(1.0-adam.Beta1, grad)
			m.Scale(adam.Beta1, m)
			m.Add(m, &gradTerm)

			// v = beta2 * v + (1 - beta2) * grad^2
			var gradSquared mat.Dense
			gradSquared.MulElem(grad, grad)
			gradSquared.Scale(1.0-adam.Beta2, &gradSquared)
			v.Scale(adam.Beta2, v)
			v.Add(v, &gradSquared)

			// param -= lr * m_hat / (sqrt(v_hat) + eps)
			lr := group.LR
			eps := adam.Epsilon
			param.Value.Apply(func(i, j int, w float64) float64 {
				mHat := m.At(i, j) / bias1
				vHat := v.At(i, j) / bias2
				return w - lr*mHat/(math.Sqrt(vHat)+eps)
			}, param.Value)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *AdamOptimizerState) ZeroGrad() {
	zeroGroups(adam.groups)
}

// ParamGroups returns the parameter groups
func (adam *AdamOptimizerState) ParamGroups() []*ParamGroup {
	return adam.groups
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// Name returns "Adam"
func (adam *AdamOptimizerState) Name() string {
	return Adam.String()
}
