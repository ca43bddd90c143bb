package training

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/tsawler/go-snapshot/layers"
	"github.com/tsawler/go-snapshot/optimizer"
	"gonum.org/v1/gonum/mat"
)

// Global random source for deterministic initialization
var (
	rngMu     sync.Mutex
	globalRng = rand.New(rand.NewSource(1))
)

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	globalRng = rand.New(rand.NewSource(seed))
}

// Module interface defines methods that all neural network layers must implement.
// Inputs and outputs are [batch, features] matrices.
type Module interface {
	Forward(input *mat.Dense) (*mat.Dense, error)

	// Backward takes dL/dOutput of the most recent training-mode Forward,
	// accumulates parameter gradients and returns dL/dInput.
	Backward(gradOutput *mat.Dense) (*mat.Dense, error)

	Parameters() []*optimizer.Parameter // Returns trainable parameters
	Train()                             // Sets module to training mode
	Eval()                              // Sets module to evaluation mode
	IsTraining() bool                   // Returns true if in training mode

	// Clone returns a deep copy that shares no parameter memory with the receiver.
	Clone() Module
}

// ModelFactory constructs a fresh, independently initialized model.
type ModelFactory func() (Module, error)

var errNoForward = errors.New("backward called without a training-mode forward pass")

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	weight   *optimizer.Parameter // [inputSize, outputSize]
	bias     *optimizer.Parameter // [1, outputSize], nil without bias
	training bool

	input *mat.Dense
}

// NewLinear creates a new Linear layer
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, errors.Errorf("invalid Linear size %dx%d", inputSize, outputSize)
	}

	// Initialize weights using Xavier/Glorot uniform initialization
	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))

	weightData := make([]float64, inputSize*outputSize)
	rngMu.Lock()
	for i := range weightData {
		weightData[i] = (globalRng.Float64()*2.0 - 1.0) * bound
	}
	rngMu.Unlock()

	linear := &Linear{
		weight:   optimizer.NewParameter("weight", mat.NewDense(inputSize, outputSize, weightData)),
		training: true,
	}

	if bias {
		// Initialize bias to zeros
		linear.bias = optimizer.NewParameter("bias", mat.NewDense(1, outputSize, nil))
	}

	return linear, nil
}

// SetName prefixes the parameter names, e.g. "fc1.weight".
func (l *Linear) SetName(name string) {
	l.weight.Name = name + ".weight"
	if l.bias != nil {
		l.bias.Name = name + ".bias"
	}
}

// Weight returns the weight parameter
func (l *Linear) Weight() *optimizer.Parameter { return l.weight }

// Bias returns the bias parameter, or nil
func (l *Linear) Bias() *optimizer.Parameter { return l.bias }

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *mat.Dense) (*mat.Dense, error) {
	batch, inputSize := input.Dims()
	wIn, wOut := l.weight.Value.Dims()
	if inputSize != wIn {
		return nil, errors.Errorf("input size mismatch: expected %d, got %d", wIn, inputSize)
	}

	output := mat.NewDense(batch, wOut, nil)
	output.Mul(input, l.weight.Value)

	if l.bias != nil {
		b := l.bias.Value.RawRowView(0)
		for i := 0; i < batch; i++ {
			row := output.RawRowView(i)
			for j := range row {
				row[j] += b[j]
			}
		}
	}

	if l.training {
		l.input = input
	}
	return output, nil
}

// Backward accumulates dW = x^T g and db = colsum(g), returns g W^T
func (l *Linear) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	if l.input == nil {
		return nil, errNoForward
	}

	var dW mat.Dense
	dW.Mul(l.input.T(), gradOutput)
	l.weight.Grad.Add(l.weight.Grad, &dW)

	if l.bias != nil {
		rows, cols := gradOutput.Dims()
		db := l.bias.Grad.RawRowView(0)
		for j := 0; j < cols; j++ {
			sum := 0.0
			for i := 0; i < rows; i++ {
				sum += gradOutput.At(i, j)
			}
			db[j] += sum
		}
	}

	var gradInput mat.Dense
	gradInput.Mul(gradOutput, l.weight.Value.T())
	return &gradInput, nil
}

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []*optimizer.Parameter {
	params := []*optimizer.Parameter{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

// Train sets the module to training mode
func (l *Linear) Train() {
	l.training = true
}

// Eval sets the module to evaluation mode
func (l *Linear) Eval() {
	l.training = false
	l.input = nil
}

// IsTraining returns true if in training mode
func (l *Linear) IsTraining() bool {
	return l.training
}

// Clone returns a deep copy of the layer
func (l *Linear) Clone() Module {
	c := &Linear{
		weight:   l.weight.Clone(),
		training: l.training,
	}
	if l.bias != nil {
		c.bias = l.bias.Clone()
	}
	return c
}

// activation is an element-wise, parameter-free module. Backward multiplies
// the incoming gradient by deriv evaluated at the cached input and output.
type activation struct {
	name     string
	fn       func(x float64) float64
	deriv    func(x, y float64) float64
	training bool

	input, output *mat.Dense
}

func (a *activation) Forward(input *mat.Dense) (*mat.Dense, error) {
	var output mat.Dense
	output.Apply(func(_, _ int, v float64) float64 { return a.fn(v) }, input)
	if a.training {
		a.input = input
		a.output = &output
	}
	return &output, nil
}

func (a *activation) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	if a.input == nil {
		return nil, errNoForward
	}
	var gradInput mat.Dense
	gradInput.Apply(func(i, j int, g float64) float64 {
		return g * a.deriv(a.input.At(i, j), a.output.At(i, j))
	}, gradOutput)
	return &gradInput, nil
}

func (a *activation) Parameters() []*optimizer.Parameter { return nil }

func (a *activation) Train() { a.training = true }

func (a *activation) Eval() {
	a.training = false
	a.input, a.output = nil, nil
}

func (a *activation) IsTraining() bool { return a.training }

func (a *activation) Clone() Module {
	return &activation{name: a.name, fn: a.fn, deriv: a.deriv, training: a.training}
}

func (a *activation) String() string { return a.name }

// NewReLU creates a new ReLU activation module
func NewReLU() Module {
	return &activation{
		name: "ReLU",
		fn:   func(x float64) float64 { return math.Max(0, x) },
		deriv: func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		},
		training: true,
	}
}

// NewTanh creates a new Tanh activation module
func NewTanh() Module {
	return &activation{
		name:     "Tanh",
		fn:       math.Tanh,
		deriv:    func(_, y float64) float64 { return 1 - y*y },
		training: true,
	}
}

// NewSigmoid creates a new Sigmoid activation module
func NewSigmoid() Module {
	return &activation{
		name:     "Sigmoid",
		fn:       func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
		deriv:    func(_, y float64) float64 { return y * (1 - y) },
		training: true,
	}
}

// Sequential chains modules in order
type Sequential struct {
	modules  []Module
	spec     *layers.ModelSpec
	training bool
}

// NewSequential creates a Sequential container. Unnamed Linear layers get
// their position as name ("0.weight", "2.bias", ...).
func NewSequential(modules ...Module) *Sequential {
	for i, m := range modules {
		if l, ok := m.(*Linear); ok && l.weight.Name == "weight" {
			l.SetName(fmt.Sprintf("%d", i))
		}
	}
	return &Sequential{
		modules:  modules,
		training: true,
	}
}

// BuildSequential creates a freshly initialized network from a compiled spec.
func BuildSequential(spec *layers.ModelSpec) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model spec must be compiled")
	}

	modules := make([]Module, 0, len(spec.Layers))
	for _, layer := range spec.Layers {
		switch layer.Type {
		case layers.Dense:
			in := layers.GetIntParam(layer.Parameters, "input_size", 0)
			out := layers.GetIntParam(layer.Parameters, "output_size", 0)
			linear, err := NewLinear(in, out, layers.GetBoolParam(layer.Parameters, "use_bias", true))
			if err != nil {
				return nil, errors.Wrapf(err, "layer %s", layer.Name)
			}
			linear.SetName(layer.Name)
			modules = append(modules, linear)
		case layers.ReLU:
			modules = append(modules, NewReLU())
		case layers.Tanh:
			modules = append(modules, NewTanh())
		case layers.Sigmoid:
			modules = append(modules, NewSigmoid())
		default:
			return nil, errors.Errorf("unsupported layer type %s", layer.Type)
		}
	}

	seq := NewSequential(modules...)
	seq.spec = spec
	return seq, nil
}

// Spec returns the ModelSpec the network was built from, or nil.
func (s *Sequential) Spec() *layers.ModelSpec {
	return s.spec
}

// Modules returns the contained modules
func (s *Sequential) Modules() []Module {
	return s.modules
}

// Forward runs every module in order
func (s *Sequential) Forward(input *mat.Dense) (*mat.Dense, error) {
	x := input
	for i, m := range s.modules {
		out, err := m.Forward(x)
		if err != nil {
			return nil, errors.Wrapf(err, "module %d", i)
		}
		x = out
	}
	return x, nil
}

// Backward runs every module in reverse order
func (s *Sequential) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	g := gradOutput
	for i := len(s.modules) - 1; i >= 0; i-- {
		grad, err := s.modules[i].Backward(g)
		if err != nil {
			return nil, errors.Wrapf(err, "module %d", i)
		}
		g = grad
	}
	return g, nil
}

// Parameters returns the trainable parameters of all modules
func (s *Sequential) Parameters() []*optimizer.Parameter {
	var params []*optimizer.Parameter
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

// Train sets the module to training mode
func (s *Sequential) Train() {
	s.training = true
	for _, m := range s.modules {
		m.Train()
	}
}

// Eval sets the module to evaluation mode
func (s *Sequential) Eval() {
	s.training = false
	for _, m := range s.modules {
		m.Eval()
	}
}

// IsTraining returns true if in training mode
func (s *Sequential) IsTraining() bool {
	return s.training
}

// Clone returns a deep copy of the network
func (s *Sequential) Clone() Module {
	modules := make([]Module, len(s.modules))
	for i, m := range s.modules {
		modules[i] = m.Clone()
	}
	return &Sequential{
		modules:  modules,
		spec:     s.spec,
		training: s.training,
	}
}
