package worker

import (
	"context"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"expqueue/pkg/model"
)

type TrainRequest struct {
	Key       model.Key
	Config    model.ExperimentConfig
	Iteration int
	ModelRun  int
	Point     map[string]any
}

type TrainResult struct {
	Metrics  map[string]float64
	ModelRef string
}

// Trainer trains one model at one search-space point and evaluates the configured metrics.
type Trainer interface {
	Train(ctx context.Context, req TrainRequest) (TrainResult, error)
}

type TrainerFunc func(ctx context.Context, req TrainRequest) (TrainResult, error)

func (f TrainerFunc) Train(ctx context.Context, req TrainRequest) (TrainResult, error) {
	return f(ctx, req)
}

// ModelRef is where the snapshot of a model run is kept: <path>/<experiment>/models/<it>_<run>.
func ModelRef(cfg model.ExperimentConfig, key model.Key, iteration, run int) string {
	return filepath.Join(cfg.Path, key.Experiment, "models", fmt.Sprintf("%d_%d", iteration, run))
}

// SyntheticTrainer produces deterministic pseudo-metrics in [0, 1) from the point and the
// run index. It stands in for real topic-model training.
type SyntheticTrainer struct {
	Delay time.Duration
}

func (s SyntheticTrainer) Train(ctx context.Context, req TrainRequest) (TrainResult, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return TrainResult{}, ctx.Err()
		}
	}

	point := canonical(req.Point)
	metrics := make(map[string]float64)
	for _, group := range [][]model.Metric{req.Config.OptimizeMetrics, req.Config.TrackMetrics} {
		for _, m := range group {
			h := fnv.New64a()
			fmt.Fprintf(h, "%d|%s|%s|%d", req.Config.Seed, m.Name, point, req.ModelRun)
			metrics[m.Name] = float64(h.Sum64()%1_000_000) / 1_000_000
		}
	}
	return TrainResult{
		Metrics:  metrics,
		ModelRef: ModelRef(req.Config, req.Key, req.Iteration, req.ModelRun),
	}, nil
}

func canonical(point map[string]any) string {
	names := make([]string, 0, len(point))
	for name := range point {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", name, point[name]))
	}
	return strings.Join(parts, ",")
}
