package training

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/tsawler/go-snapshot/checkpoints"
	"github.com/tsawler/go-snapshot/optimizer"
)

func TestDefaultFitConfig(t *testing.T) {
	cfg := DefaultFitConfig()
	if cfg.InitLR != 0.1 {
		t.Errorf("Expected init lr 0.1, got %f", cfg.InitLR)
	}
	if cfg.WeightDecay != 5e-4 {
		t.Errorf("Expected weight decay 5e-4, got %f", cfg.WeightDecay)
	}
	if cfg.Epochs != 100 || cfg.LogInterval != 100 {
		t.Errorf("Expected 100 epochs and log interval 100, got %d and %d", cfg.Epochs, cfg.LogInterval)
	}
	if cfg.Optimizer != optimizer.Adam {
		t.Errorf("Expected Adam, got %s", cfg.Optimizer)
	}
	if !cfg.SaveModel || cfg.LRClip != nil || cfg.Validation != nil {
		t.Errorf("Unexpected defaults %+v", cfg)
	}
}

func TestFitConfigValidate(t *testing.T) {
	budget := TrainingBudget{Epochs: 6, BatchesPerEpoch: 10, NCycles: 3}

	tests := []struct {
		name   string
		mutate func(*FitConfig)
		budget TrainingBudget
		param  string
	}{
		{"defaults", func(c *FitConfig) { c.Epochs = 6 }, budget, ""},
		{"zero init lr", func(c *FitConfig) { c.Epochs = 6; c.InitLR = 0 }, budget, "init_lr"},
		{"negative weight decay", func(c *FitConfig) { c.Epochs = 6; c.WeightDecay = -1 }, budget, "weight_decay"},
		{"zero epochs", func(c *FitConfig) { c.Epochs = 0 }, budget, "epochs"},
		{"zero log interval", func(c *FitConfig) { c.Epochs = 6; c.LogInterval = 0 }, budget, "log_interval"},
		{"reversed clip", func(c *FitConfig) { c.Epochs = 6; c.LRClip = []float64{0.5, 0.1} }, budget, "lr_clip"},
		{"short clip", func(c *FitConfig) { c.Epochs = 6; c.LRClip = []float64{0.5} }, budget, "lr_clip"},
		{"unknown optimizer", func(c *FitConfig) { c.Epochs = 6; c.Optimizer = optimizer.Kind(42) }, budget, "optimizer"},
		{"unknown format", func(c *FitConfig) { c.Epochs = 6; c.Format = checkpoints.Format(9) }, budget, "format"},
		{"indivisible budget", func(c *FitConfig) { c.Epochs = 10 }, TrainingBudget{Epochs: 10, BatchesPerEpoch: 10, NCycles: 3}, "epochs"},
		{"no batches", func(c *FitConfig) { c.Epochs = 6 }, TrainingBudget{Epochs: 6, BatchesPerEpoch: 0, NCycles: 3}, "train_loader"},
		{"empty validation", func(c *FitConfig) { c.Epochs = 6; c.Validation = newSliceSource() }, budget, "test_loader"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultFitConfig()
			tt.mutate(&cfg)
			err := cfg.Validate(tt.budget)

			if tt.param == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Expected *ConfigError, got %v", err)
			}
			if cfgErr.Param != tt.param {
				t.Errorf("Expected param %s, got %s (%v)", tt.param, cfgErr.Param, err)
			}
		})
	}
}

func TestFitValidatesBeforeConstructingModel(t *testing.T) {
	calls := 0
	factory := func() (Module, error) {
		calls++
		return linearFactory(1, 1)()
	}

	e, err := NewSnapshotEnsemble(Regression, factory, 3)
	if err != nil {
		t.Fatalf("Failed to create ensemble: %v", err)
	}
	e.Verbose = 0

	cfg := DefaultFitConfig()
	cfg.Epochs = 10 // 10 epochs * 10 batches is not a multiple of 3
	cfg.SaveModel = false

	_, err = e.Fit(regressionSource(10, 4, 1), cfg)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Param != "epochs" {
		t.Errorf("Expected epochs ConfigError, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected factory not to be called, got %d calls", calls)
	}
	if e.State() != Idle {
		t.Errorf("Expected Idle after failed validation, got %s", e.State())
	}
}

func TestNewSnapshotEnsembleErrors(t *testing.T) {
	if _, err := NewSnapshotEnsemble(Regression, nil, 3); err == nil {
		t.Error("Expected error for nil factory")
	}

	_, err := NewSnapshotEnsemble(Regression, linearFactory(1, 1), 0)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Param != "n_estimators" {
		t.Errorf("Expected n_estimators ConfigError, got %v", err)
	}
}

func TestConfigErrorMessage(t *testing.T) {
	err := &ConfigError{Param: "epochs", Value: 0, Reason: "should be strictly positive"}
	if err.Error() != "invalid epochs = 0: should be strictly positive" {
		t.Errorf("Unexpected message %q", err.Error())
	}
}
