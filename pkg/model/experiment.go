package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Key identifies one experiment inside its batch.
type Key struct {
	Batch      string `json:"batch_id"`
	Experiment string `json:"experiment_id"`
}

func (k Key) String() string {
	return k.Batch + "/" + k.Experiment
}

// Validate rejects identifiers that cannot be used as storage path segments.
func (k Key) Validate() error {
	for _, part := range []struct{ name, val string }{
		{"batch id", k.Batch},
		{"experiment id", k.Experiment},
	} {
		switch {
		case strings.TrimSpace(part.val) == "":
			return errors.Errorf("%s is empty", part.name)
		case part.val == "." || part.val == "..":
			return errors.Errorf("%s %q is reserved", part.name, part.val)
		case strings.ContainsAny(part.val, `/\`):
			return errors.Errorf("%s %q contains a path separator", part.name, part.val)
		}
	}
	return nil
}

// Direction 优化方向
type Direction string

const (
	Maximize Direction = "maximize"
	Minimize Direction = "minimize"
)

// Better reports whether score a beats score b in this direction.
func (d Direction) Better(a, b float64) bool {
	if d == Minimize {
		return a < b
	}
	return a > b
}

type Metric struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ModelSpec names the topic model and its fixed hyperparameters.
type ModelSpec struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type OptimizationConfig struct {
	Iterations          int                    `json:"iterations"`
	ModelRuns           int                    `json:"model_runs"`
	SurrogateModel      string                 `json:"surrogate_model"`
	RandomStarts        int                    `json:"n_random_starts"`
	AcquisitionFunction string                 `json:"acquisition_function"`
	Direction           Direction              `json:"direction,omitempty"`
	SearchSpace         map[string]SearchParam `json:"search_spaces"`
}

// ExperimentConfig is immutable once submitted.
type ExperimentConfig struct {
	Path            string             `json:"path"`
	Dataset         string             `json:"dataset"`
	Partitioning    bool               `json:"partitioning"`
	Model           ModelSpec          `json:"model"`
	Optimization    OptimizationConfig `json:"optimization"`
	OptimizeMetrics []Metric           `json:"optimize_metrics"`
	TrackMetrics    []Metric           `json:"track_metrics"`
	Seed            int64              `json:"seed,omitempty"`
}

// PrimaryMetric is the metric that drives best-so-far scoring.
func (c ExperimentConfig) PrimaryMetric() string {
	if len(c.OptimizeMetrics) == 0 {
		return ""
	}
	return c.OptimizeMetrics[0].Name
}

func (c ExperimentConfig) Direction() Direction {
	if c.Optimization.Direction == "" {
		return Maximize
	}
	return c.Optimization.Direction
}

// Validate 返回配置中的全部问题
func (c ExperimentConfig) Validate() error {
	var problems []string
	if c.Dataset == "" {
		problems = append(problems, "dataset is required")
	}
	if c.Model.Name == "" {
		problems = append(problems, "model name is required")
	}
	if c.Optimization.Iterations <= 0 {
		problems = append(problems, "optimization.iterations must be > 0")
	}
	if c.Optimization.ModelRuns <= 0 {
		problems = append(problems, "optimization.model_runs must be > 0")
	}
	if c.Optimization.RandomStarts < 0 {
		problems = append(problems, "optimization.n_random_starts must be >= 0")
	}
	switch c.Optimization.Direction {
	case "", Maximize, Minimize:
	default:
		problems = append(problems, fmt.Sprintf("unknown optimization direction %q", c.Optimization.Direction))
	}
	if len(c.OptimizeMetrics) == 0 {
		problems = append(problems, "at least one metric to optimize is required")
	}
	seen := map[string]bool{}
	for _, m := range append(append([]Metric{}, c.OptimizeMetrics...), c.TrackMetrics...) {
		if m.Name == "" {
			problems = append(problems, "metric name is required")
			continue
		}
		if seen[m.Name] {
			problems = append(problems, fmt.Sprintf("metric %q listed twice", m.Name))
		}
		seen[m.Name] = true
	}
	for name, p := range c.Optimization.SearchSpace {
		if err := p.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("search space %q: %v", name, err))
		}
	}
	if len(problems) > 0 {
		return errors.Errorf("invalid experiment config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Experiment is the durable record of one submitted experiment.
type Experiment struct {
	Key
	Config    ExperimentConfig `json:"config"`
	Summary   Summary          `json:"summary"`
	Removed   bool             `json:"removed,omitempty"` // 已从队列删除，历史记录保留
	CreatedAt time.Time        `json:"created_at"`
}

// Clone copies the mutable parts of the record. Config is shared: it never changes.
func (e *Experiment) Clone() *Experiment {
	c := *e
	c.Summary = e.Summary.Clone()
	return &c
}
