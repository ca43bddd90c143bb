package optimizer

import (
	"testing"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		input    string
		expected Kind
		wantErr  bool
	}{
		{"SGD", SGD, false},
		{"adam", Adam, false},
		{" RMSprop ", RMSProp, false},
		{"adagrad", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseKind(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.expected {
			t.Errorf("ParseKind(%q) expected %v, got %v", tt.input, tt.expected, got)
		}
	}
}

func TestNewUsesLearningRateAndWeightDecay(t *testing.T) {
	for _, kind := range []Kind{SGD, Adam, RMSProp} {
		opt, err := New(kind, []*Parameter{newScalarParam(1, 0)}, 0.2, 5e-4)
		if err != nil {
			t.Fatalf("New(%v) failed: %v", kind, err)
		}
		group := opt.ParamGroups()[0]
		if group.LR != 0.2 || group.InitialLR != 0.2 {
			t.Errorf("%v: expected lr 0.2, got %f (initial %f)", kind, group.LR, group.InitialLR)
		}
		if group.WeightDecay != 5e-4 {
			t.Errorf("%v: expected weight decay 5e-4, got %f", kind, group.WeightDecay)
		}
		if opt.Name() != kind.String() {
			t.Errorf("Expected name %s, got %s", kind, opt.Name())
		}
	}

	sgd, _ := New(SGD, []*Parameter{newScalarParam(1, 0)}, 0.1, 0)
	if sgd.(*SGDOptimizerState).Momentum != SnapshotMomentum {
		t.Errorf("Expected SGD momentum %f", SnapshotMomentum)
	}

	if _, err := New(Kind(42), []*Parameter{newScalarParam(1, 0)}, 0.1, 0); err == nil {
		t.Error("Expected error for unknown kind")
	}
}

func TestSetAndGetLR(t *testing.T) {
	opt, err := New(Adam, []*Parameter{newScalarParam(1, 0)}, 0.1, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	SetLR(opt, 0.05)
	if GetLR(opt) != 0.05 {
		t.Errorf("Expected lr 0.05, got %f", GetLR(opt))
	}
}

func TestParameterClone(t *testing.T) {
	p := newScalarParam(2, 1)
	c := p.Clone()
	c.Value.Set(0, 0, 7)
	if p.Value.At(0, 0) != 2 {
		t.Errorf("Clone shares memory: expected 2, got %f", p.Value.At(0, 0))
	}
}
