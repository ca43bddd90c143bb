package training

import (
	"fmt"
	"io"

	"github.com/tsawler/go-snapshot/layers"
)

// ModelArchitecturePrinter prints PyTorch-style model architecture
type ModelArchitecturePrinter struct {
	modelName string
	out       io.Writer
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string, out io.Writer) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		modelName: modelName,
		out:       out,
	}
}

// PrintArchitecture prints the model architecture in PyTorch style, followed
// by the size of the whole ensemble.
func (p *ModelArchitecturePrinter) PrintArchitecture(modelSpec *layers.ModelSpec, nEstimators int) {
	fmt.Fprintf(p.out, "Model Architecture:\n")
	fmt.Fprintf(p.out, "%s(\n", p.modelName)

	for _, layer := range modelSpec.Layers {
		fmt.Fprintf(p.out, "  %s\n", p.formatLayer(layer))
	}

	fmt.Fprintf(p.out, ")\n\n")

	fmt.Fprintf(p.out, "Parameters per snapshot: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(p.out, "Snapshots: %d\n", nEstimators)
	fmt.Fprintf(p.out, "Ensemble parameters: %s\n", formatParameterCount(modelSpec.TotalParameters*int64(nEstimators)))
	fmt.Fprintf(p.out, "Ensemble size (MB): %.3f\n\n", float64(modelSpec.TotalParameters*int64(nEstimators)*8)/1024/1024) // 8 bytes per float64
}

// formatLayer formats a single layer for display
func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
			layer.Name,
			layers.GetIntParam(layer.Parameters, "input_size", 0),
			layers.GetIntParam(layer.Parameters, "output_size", 0),
			layers.GetBoolParam(layer.Parameters, "use_bias", true))
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
