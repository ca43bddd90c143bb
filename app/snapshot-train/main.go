package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tsawler/go-snapshot/async"
	"github.com/tsawler/go-snapshot/checkpoints"
	"github.com/tsawler/go-snapshot/layers"
	"github.com/tsawler/go-snapshot/optimizer"
	"github.com/tsawler/go-snapshot/training"
	"gonum.org/v1/gonum/mat"
)

type options struct {
	task        string
	nEstimators int
	epochs      int
	lr          float64
	lrClip      string
	weightDecay float64
	optimizer   string
	logInterval int
	batchSize   int
	samples     int
	valFraction float64
	hidden      int
	seed        int64
	save        bool
	saveDir     string
	format      string
	workers     int
	prefetch    int
	verbose     int
	metricsAddr string
	plotPath    string
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.task, "task", "regression", "classification or regression")
	flag.IntVar(&o.nEstimators, "n-estimators", 5, "number of cycles, one snapshot per cycle")
	flag.IntVar(&o.epochs, "epochs", 10, "training epochs")
	flag.Float64Var(&o.lr, "lr", 0.1, "initial learning rate at the start of every cycle")
	flag.StringVar(&o.lrClip, "lr-clip", "", "optional learning rate bounds as lo,hi")
	flag.Float64Var(&o.weightDecay, "weight-decay", 5e-4, "L2 weight decay")
	flag.StringVar(&o.optimizer, "optimizer", "Adam", "SGD, Adam or RMSprop")
	flag.IntVar(&o.logInterval, "log-interval", 10, "batches between status lines")
	flag.IntVar(&o.batchSize, "batch-size", 32, "batch size")
	flag.IntVar(&o.samples, "samples", 1024, "synthetic samples to generate")
	flag.Float64Var(&o.valFraction, "val-fraction", 0.2, "fraction of samples held out for validation, 0 disables validation")
	flag.IntVar(&o.hidden, "hidden", 32, "hidden layer width")
	flag.Int64Var(&o.seed, "seed", 1, "random seed for data, weights and shuffling")
	flag.BoolVar(&o.save, "save", true, "save the ensemble checkpoint")
	flag.StringVar(&o.saveDir, "save-dir", "", "checkpoint directory (default current directory)")
	flag.StringVar(&o.format, "format", "json", "checkpoint format: json or binary")
	flag.IntVar(&o.workers, "workers", 4, "parallel snapshot forwards during prediction")
	flag.IntVar(&o.prefetch, "prefetch", 2, "training batches loaded ahead in the background, 0 disables prefetching")
	flag.IntVar(&o.verbose, "verbose", 1, "0 silences status lines")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	flag.StringVar(&o.plotPath, "plot", "", "write the learning rate schedule to this PNG file")
	flag.Parse()
	return o
}

func main() {
	if err := run(parseFlags()); err != nil {
		log.Fatalf("snapshot-train: %v", err)
	}
}

func run(o options) error {
	task, err := training.ParseTask(o.task)
	if err != nil {
		return err
	}
	kind, err := optimizer.ParseKind(o.optimizer)
	if err != nil {
		return err
	}
	format, err := checkpoints.ParseFormat(o.format)
	if err != nil {
		return err
	}
	clip, err := parseBounds(o.lrClip)
	if err != nil {
		return err
	}

	training.SetRandomSeed(o.seed)
	dataset, err := syntheticDataset(task, o.samples, o.seed)
	if err != nil {
		return err
	}
	nValid := int(float64(o.samples) * o.valFraction)
	validSet, trainSet, err := training.SplitDataset(dataset, nValid)
	if err != nil {
		return err
	}
	var trainLoader training.DataSource = training.NewDataLoader(trainSet, o.batchSize, true, o.seed)
	if o.prefetch > 0 {
		prefetcher, err := async.NewPrefetchLoader(trainLoader, async.PrefetchLoaderConfig{PrefetchDepth: o.prefetch})
		if err != nil {
			return err
		}
		defer prefetcher.Close()
		trainLoader = prefetcher
	}

	features, _ := dataset.Dims()
	spec, err := buildSpec(task, features, o.hidden)
	if err != nil {
		return err
	}
	factory := func() (training.Module, error) { return training.BuildSequential(spec) }

	ensemble, err := training.NewSnapshotEnsemble(task, factory, o.nEstimators)
	if err != nil {
		return err
	}
	ensemble.Verbose = o.verbose
	ensemble.Workers = o.workers
	ensemble.Trace = training.NewTrainingTrace(task.EnsembleName())

	reg := prometheus.NewRegistry()
	ensemble.Telemetry, err = training.NewTelemetry(reg, "snapshot")
	if err != nil {
		return err
	}
	if o.metricsAddr != "" {
		go serveMetrics(o.metricsAddr, reg)
	}

	training.NewModelArchitecturePrinter(task.EnsembleName(), os.Stdout).PrintArchitecture(spec, o.nEstimators)

	cfg := training.DefaultFitConfig()
	cfg.InitLR = o.lr
	cfg.LRClip = clip
	cfg.WeightDecay = o.weightDecay
	cfg.Epochs = o.epochs
	cfg.Optimizer = kind
	cfg.LogInterval = o.logInterval
	cfg.SaveModel = o.save
	cfg.SaveDir = o.saveDir
	cfg.Format = format

	var validLoader *training.DataLoader
	if validSet.Len() > 0 {
		validLoader = training.NewDataLoader(validSet, o.batchSize, false, o.seed)
		cfg.Validation = validLoader
	}

	result, err := ensemble.Fit(trainLoader, cfg)
	if err != nil {
		return err
	}

	fmt.Printf("\nRun %s: %d snapshots over %d iterations\n", result.RunID, len(result.Snapshots), result.Iterations)
	for _, path := range result.SavedPaths {
		fmt.Printf("Checkpoint: %s\n", path)
	}

	if validLoader != nil {
		if err := report(ensemble, task, validLoader); err != nil {
			return err
		}
	}

	if o.plotPath != "" {
		if err := ensemble.Trace.SaveLearningRatePlot(o.plotPath); err != nil {
			return err
		}
		fmt.Printf("Learning rate plot: %s\n", o.plotPath)
	}
	return nil
}

// parseBounds reads "lo,hi"; an empty string means no clipping.
func parseBounds(s string) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	bounds := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "lr-clip %q", s)
		}
		bounds[i] = v
	}
	return bounds, nil
}

func buildSpec(task training.Task, features, hidden int) (*layers.ModelSpec, error) {
	outputs := 1
	if task == training.Classification {
		outputs = 3
	}
	return layers.NewModelBuilder([]int{1, features}).
		AddDense(hidden, true, "fc1").
		AddReLU("relu1").
		AddDense(hidden, true, "fc2").
		AddTanh("tanh2").
		AddDense(outputs, true, "out").
		Compile()
}

// syntheticDataset draws three Gaussian blobs for classification, or
// y = sin(3 x0) + 0.5 x1 with noise for regression.
func syntheticDataset(task training.Task, n int, seed int64) (*training.TensorDataset, error) {
	rng := rand.New(rand.NewSource(seed))
	data := mat.NewDense(n, 2, nil)
	labels := mat.NewDense(n, 1, nil)

	centers := [][2]float64{{-1.5, -1}, {1.5, -1}, {0, 1.5}}
	for i := 0; i < n; i++ {
		if task == training.Classification {
			class := rng.Intn(len(centers))
			data.Set(i, 0, centers[class][0]+0.6*rng.NormFloat64())
			data.Set(i, 1, centers[class][1]+0.6*rng.NormFloat64())
			labels.Set(i, 0, float64(class))
			continue
		}
		x0, x1 := rng.Float64()*2-1, rng.Float64()*2-1
		data.Set(i, 0, x0)
		data.Set(i, 1, x1)
		labels.Set(i, 0, math.Sin(3*x0)+0.5*x1+0.05*rng.NormFloat64())
	}
	return training.NewTensorDataset(data, labels)
}

func report(ensemble *training.SnapshotEnsemble, task training.Task, src training.DataSource) error {
	score, err := ensemble.Evaluate(src)
	if err != nil {
		return err
	}
	metric := task.Metric()
	fmt.Printf("Validation %s: %s\n", metric.Label, metric.Format(score))

	if task != training.Regression {
		return nil
	}

	var predictions, targets []float64
	src.Reset()
	for {
		batch, err := src.Next()
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		out, err := ensemble.Predict(batch.Data)
		if err != nil {
			return err
		}
		predictions = append(predictions, mat.Col(nil, 0, out)...)
		targets = append(targets, mat.Col(nil, 0, batch.Labels)...)
	}

	m := training.CalculateRegressionMetrics(predictions, targets)
	fmt.Printf("MAE: %.5f | RMSE: %.5f | R2: %.4f | NMAE: %.4f\n", m.MAE, m.RMSE, m.R2, m.NMAE)
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server: %v", err)
	}
}
