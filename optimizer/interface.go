package optimizer

import (
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Parameter is a trainable tensor together with its accumulated gradient.
// Gradients accumulate across Backward calls until ZeroGrad.
type Parameter struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParameter wraps value as a parameter with a zeroed gradient of the same shape.
func NewParameter(name string, value *mat.Dense) *Parameter {
	r, c := value.Dims()
	return &Parameter{
		Name:  name,
		Value: value,
		Grad:  mat.NewDense(r, c, nil),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// Clone returns a deep copy that shares no memory with p.
func (p *Parameter) Clone() *Parameter {
	return &Parameter{
		Name:  p.Name,
		Value: mat.DenseCopyOf(p.Value),
		Grad:  mat.DenseCopyOf(p.Grad),
	}
}

// ParamGroup is a set of parameters sharing one learning rate.
// LR is the live field read by Step; schedulers rewrite it from InitialLR.
type ParamGroup struct {
	Params      []*Parameter
	LR          float64
	InitialLR   float64
	WeightDecay float64
}

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step applies the accumulated gradients to the parameters
	Step() error

	// ZeroGrad clears the accumulated gradients of every parameter
	ZeroGrad()

	// ParamGroups exposes the mutable learning-rate fields
	ParamGroups() []*ParamGroup

	// GetStepCount returns the number of completed steps
	GetStepCount() uint64

	// Name returns the optimizer name for logging
	Name() string
}

// GetLR returns the learning rate of the first parameter group.
func GetLR(opt Optimizer) float64 {
	groups := opt.ParamGroups()
	if len(groups) == 0 {
		return 0
	}
	return groups[0].LR
}

// SetLR sets the learning rate of every parameter group.
func SetLR(opt Optimizer, lr float64) {
	for _, group := range opt.ParamGroups() {
		group.LR = lr
	}
}

func zeroGroups(groups []*ParamGroup) {
	for _, group := range groups {
		for _, p := range group.Params {
			p.ZeroGrad()
		}
	}
}

// effectiveGrad returns grad + weightDecay*value as a new matrix.
func effectiveGrad(p *Parameter, weightDecay float64) *mat.Dense {
	g := mat.DenseCopyOf(p.Grad)
	if weightDecay > 0 {
		var decay mat.Dense
		decay.Scale(weightDecay, p.Value)
		g.Add(g, &decay)
	}
	return g
}

func validateParams(params []*Parameter) error {
	if len(params) == 0 {
		return errors.New("no parameters provided")
	}
	for i, p := range params {
		if p == nil || p.Value == nil || p.Grad == nil {
			return errors.Errorf("parameter %d is not initialized", i)
		}
		vr, vc := p.Value.Dims()
		gr, gc := p.Grad.Dims()
		if vr != gr || vc != gc {
			return errors.Errorf("parameter %s: gradient shape %dx%d does not match value shape %dx%d",
				p.Name, gr, gc, vr, vc)
		}
	}
	return nil
}

// Kind selects one of the supported optimizers.
type Kind int

const (
	SGD Kind = iota
	Adam
	RMSProp
)

func (k Kind) String() string {
	switch k {
	case SGD:
		return "SGD"
	case Adam:
		return "Adam"
	case RMSProp:
		return "RMSprop"
	default:
		return "Unknown"
	}
}

// ParseKind maps "SGD", "Adam" or "RMSprop" (case-insensitive) to a Kind.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sgd":
		return SGD, nil
	case "adam":
		return Adam, nil
	case "rmsprop":
		return RMSProp, nil
	default:
		return 0, errors.Errorf("unknown optimizer %q, expected one of SGD, Adam, RMSprop", name)
	}
}

// SnapshotMomentum is the momentum coefficient New uses for SGD.
const SnapshotMomentum = 0.9

// New builds an optimizer of the given kind over params with the framework
// defaults for everything except learning rate and weight decay.
func New(kind Kind, params []*Parameter, lr, weightDecay float64) (Optimizer, error) {
	switch kind {
	case SGD:
		config := DefaultSGDConfig()
		config.LearningRate = lr
		config.WeightDecay = weightDecay
		config.Momentum = SnapshotMomentum
		return NewSGDOptimizer(config, params)
	case Adam:
		config := DefaultAdamConfig()
		config.LearningRate = lr
		config.WeightDecay = weightDecay
		return NewAdamOptimizer(config, params)
	case RMSProp:
		config := DefaultRMSPropConfig()
		config.LearningRate = lr
		config.WeightDecay = weightDecay
		return NewRMSPropOptimizer(config, params)
	default:
		return nil, errors.Errorf("unsupported optimizer kind %d", int(kind))
	}
}
