package worker

import (
	"math/rand"
	"sort"

	"expqueue/pkg/model"
)

// Sampler draws search-space points. The point of an iteration depends only on the
// experiment seed and the iteration index, so a resumed experiment evaluates exactly the
// points an uninterrupted one would.
type Sampler struct {
	seed  int64
	names []string
	space map[string]model.SearchParam
}

func NewSampler(cfg model.ExperimentConfig) *Sampler {
	names := make([]string, 0, len(cfg.Optimization.SearchSpace))
	for name := range cfg.Optimization.SearchSpace {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Sampler{seed: cfg.Seed, names: names, space: cfg.Optimization.SearchSpace}
}

func (s *Sampler) Point(iteration int) map[string]any {
	rng := rand.New(rand.NewSource(s.seed*1_000_003 + int64(iteration))) // #nosec G404
	point := make(map[string]any, len(s.names))
	for _, name := range s.names {
		point[name] = sampleOne(s.space[name], rng)
	}
	return point
}

func sampleOne(p model.SearchParam, rng *rand.Rand) any {
	switch p.Kind() {
	case model.ParamFixed:
		return p.Value()
	case model.ParamRange:
		low, high := p.Bounds()
		if p.IsInteger() {
			return int(low) + rng.Intn(int(high)-int(low)+1)
		}
		return low + rng.Float64()*(high-low)
	case model.ParamChoices:
		opts := p.Options()
		return opts[rng.Intn(len(opts))]
	default:
		return nil
	}
}
