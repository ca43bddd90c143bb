package training

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/tsawler/go-snapshot/optimizer"
	"gonum.org/v1/gonum/mat"
)

// sliceSource replays a fixed list of batches every epoch
type sliceSource struct {
	batches []*Batch
	pos     int
	resets  int
}

func newSliceSource(batches ...*Batch) *sliceSource {
	return &sliceSource{batches: batches}
}

func (s *sliceSource) Len() int { return len(s.batches) }

func (s *sliceSource) NumSamples() int {
	n := 0
	for _, b := range s.batches {
		n += b.Size()
	}
	return n
}

func (s *sliceSource) Reset() {
	s.pos = 0
	s.resets++
}

func (s *sliceSource) Next() (*Batch, error) {
	if s.pos >= len(s.batches) {
		return nil, nil
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

// regressionSource yields y = 2x - 1 for x spread over [-1, 1]
func regressionSource(nBatches, batchSize int, seed int64) *sliceSource {
	rng := rand.New(rand.NewSource(seed))
	batches := make([]*Batch, nBatches)
	for b := range batches {
		x := mat.NewDense(batchSize, 1, nil)
		y := mat.NewDense(batchSize, 1, nil)
		for i := 0; i < batchSize; i++ {
			v := rng.Float64()*2 - 1
			x.Set(i, 0, v)
			y.Set(i, 0, 2*v-1)
		}
		batches[b] = &Batch{Data: x, Labels: y}
	}
	return newSliceSource(batches...)
}

// classificationSource yields three separable classes in two dimensions
func classificationSource(nBatches, batchSize int, seed int64) *sliceSource {
	rng := rand.New(rand.NewSource(seed))
	centers := [][2]float64{{-2, 0}, {2, 0}, {0, 2}}
	batches := make([]*Batch, nBatches)
	for b := range batches {
		x := mat.NewDense(batchSize, 2, nil)
		y := mat.NewDense(batchSize, 1, nil)
		for i := 0; i < batchSize; i++ {
			class := rng.Intn(len(centers))
			x.Set(i, 0, centers[class][0]+0.3*rng.NormFloat64())
			x.Set(i, 1, centers[class][1]+0.3*rng.NormFloat64())
			y.Set(i, 0, float64(class))
		}
		batches[b] = &Batch{Data: x, Labels: y}
	}
	return newSliceSource(batches...)
}

func linearFactory(in, out int) ModelFactory {
	return func() (Module, error) {
		l, err := NewLinear(in, out, true)
		if err != nil {
			return nil, err
		}
		return NewSequential(l), nil
	}
}

// recordingPersister keeps every state it is asked to persist
type recordingPersister struct {
	mu     sync.Mutex
	states []EnsembleState
	err    error
}

func (p *recordingPersister) Persist(state EnsembleState) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.states = append(p.states, state)
	return "memory", nil
}

// fixedScorer returns a scripted sequence of scores
type fixedScorer struct {
	scores []float64
	calls  int
}

func (s *fixedScorer) Score(_ PredictFunc, _ DataSource) (float64, error) {
	if s.calls >= len(s.scores) {
		return 0, errors.New("no more scores")
	}
	score := s.scores[s.calls]
	s.calls++
	return score, nil
}

// constModule always returns the same output
type constModule struct {
	out *mat.Dense
	err error
}

func (m *constModule) Forward(*mat.Dense) (*mat.Dense, error) {
	if m.err != nil {
		return nil, m.err
	}
	return mat.DenseCopyOf(m.out), nil
}

func (m *constModule) Backward(g *mat.Dense) (*mat.Dense, error) { return g, nil }

func (m *constModule) Parameters() []*optimizer.Parameter { return nil }

func (m *constModule) Train() {}

func (m *constModule) Eval() {}

func (m *constModule) IsTraining() bool { return false }

func (m *constModule) Clone() Module {
	c := &constModule{err: m.err}
	if m.out != nil {
		c.out = mat.DenseCopyOf(m.out)
	}
	return c
}

func constSnapshots(outputs ...*mat.Dense) []*Snapshot {
	snaps := make([]*Snapshot, len(outputs))
	for i, out := range outputs {
		snaps[i] = NewSnapshot(i, i, i, &constModule{out: out})
	}
	return snaps
}

func matricesClose(a, b mat.Matrix, tol float64) bool {
	return mat.EqualApprox(a, b, tol)
}
