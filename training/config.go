package training

import (
	"fmt"

	"github.com/tsawler/go-snapshot/checkpoints"
	"github.com/tsawler/go-snapshot/optimizer"
)

// FitConfig holds the training hyperparameters of one Fit call
type FitConfig struct {
	InitLR      float64        // Initial learning rate, the peak of every cycle
	LRClip      []float64      // Optional {lower, upper} bounds on the learning rate
	WeightDecay float64        // L2 penalty passed to the optimizer
	Epochs      int            // Number of passes over the training source
	Optimizer   optimizer.Kind // SGD, Adam or RMSprop
	LogInterval int            // Batches between status lines

	// Validation, when set, is scored after every snapshot and drives
	// save-on-improvement. Without it the ensemble is saved once at the end.
	Validation DataSource

	SaveModel bool
	SaveDir   string // Defaults to the current directory
	Format    checkpoints.Format
}

// DefaultFitConfig returns the default training configuration
func DefaultFitConfig() FitConfig {
	return FitConfig{
		InitLR:      1e-1,
		LRClip:      nil,
		WeightDecay: 5e-4,
		Epochs:      100,
		Optimizer:   optimizer.Adam,
		LogInterval: 100,
		Validation:  nil,
		SaveModel:   true,
		SaveDir:     "",
		Format:      checkpoints.FormatJSON,
	}
}

// ConfigError reports an invalid training parameter
type ConfigError struct {
	Param  string
	Value  interface{}
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s = %v: %s", e.Param, e.Value, e.Reason)
}

// Validate checks the configuration against the run's budget. It returns a
// *ConfigError describing the first invalid parameter.
func (c FitConfig) Validate(budget TrainingBudget) error {
	if !(c.InitLR > 0) {
		return &ConfigError{Param: "init_lr", Value: c.InitLR, Reason: "should be strictly positive"}
	}
	if len(c.LRClip) > 0 {
		if _, err := ParseLRClip(c.LRClip); err != nil {
			return &ConfigError{Param: "lr_clip", Value: c.LRClip, Reason: err.Error()}
		}
	}
	if c.WeightDecay < 0 {
		return &ConfigError{Param: "weight_decay", Value: c.WeightDecay, Reason: "should not be negative"}
	}
	if c.Epochs <= 0 {
		return &ConfigError{Param: "epochs", Value: c.Epochs, Reason: "should be strictly positive"}
	}
	if c.LogInterval <= 0 {
		return &ConfigError{Param: "log_interval", Value: c.LogInterval, Reason: "should be strictly positive"}
	}
	switch c.Optimizer {
	case optimizer.SGD, optimizer.Adam, optimizer.RMSProp:
	default:
		return &ConfigError{Param: "optimizer", Value: c.Optimizer, Reason: "unknown optimizer"}
	}
	switch c.Format {
	case checkpoints.FormatJSON, checkpoints.FormatBinary:
	default:
		return &ConfigError{Param: "format", Value: c.Format, Reason: "unknown checkpoint format"}
	}

	if err := budget.Validate(); err != nil {
		return err
	}

	if c.Validation != nil && (c.Validation.Len() == 0 || c.Validation.NumSamples() == 0) {
		return &ConfigError{Param: "test_loader", Value: c.Validation.NumSamples(), Reason: ErrEmptyValidationSet.Error()}
	}
	return nil
}
