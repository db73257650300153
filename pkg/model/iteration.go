package model

import (
	"sort"
	"time"
)

// IterationRecord is one model run of one optimization iteration. Records are append-only.
type IterationRecord struct {
	Key
	Iteration int                `json:"iteration"`
	ModelRun  int                `json:"model_run"`
	Point     map[string]any     `json:"point"`
	Metrics   map[string]float64 `json:"metrics"`
	ModelRef  string             `json:"model_ref"`

	// 记录时刻的实验全局信息
	BestScore      *float64  `json:"best_score,omitempty"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	State          RunState  `json:"state,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Summary is the experiment-level view answered to status queries.
type Summary struct {
	State               RunState       `json:"state"`
	BestScore           *float64       `json:"best_score,omitempty"`
	BestIteration       int            `json:"best_iteration"`
	BestPoint           map[string]any `json:"best_point,omitempty"`
	CompletedIterations int            `json:"completed_iterations"`
	TotalIterations     int            `json:"total_iterations"`
	RecordedRuns        int            `json:"recorded_runs"`
	ElapsedSeconds      float64        `json:"elapsed_seconds"`
	LastError           string         `json:"last_error,omitempty"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	FinishedAt          *time.Time     `json:"finished_at,omitempty"`
	UpdatedAt           time.Time      `json:"updated_at"`

	// 当前迭代已完成的 model run 得分
	CurrentScores []float64 `json:"current_scores,omitempty"`
}

func (s Summary) Clone() Summary {
	c := s
	if s.BestScore != nil {
		v := *s.BestScore
		c.BestScore = &v
	}
	c.CurrentScores = append([]float64(nil), s.CurrentScores...)
	return c
}

// ResumePoint is where a worker picks the experiment back up.
type ResumePoint struct {
	Iteration int `json:"iteration"`
	ModelRun  int `json:"model_run"`
}

func (s Summary) ResumePoint() ResumePoint {
	return ResumePoint{Iteration: s.CompletedIterations, ModelRun: len(s.CurrentScores)}
}

// Observe folds one record into the progress counters. Records must arrive in
// (iteration, model run) order.
func (s *Summary) Observe(cfg ExperimentConfig, rec IterationRecord) {
	s.RecordedRuns++
	s.CurrentScores = append(s.CurrentScores, rec.Metrics[cfg.PrimaryMetric()])
	if len(s.CurrentScores) < cfg.Optimization.ModelRuns {
		return
	}

	score := mean(s.CurrentScores)
	s.CurrentScores = nil
	s.CompletedIterations = rec.Iteration + 1
	if s.BestScore == nil || cfg.Direction().Better(score, *s.BestScore) {
		s.BestScore = &score
		s.BestIteration = rec.Iteration
		s.BestPoint = rec.Point
	}
}

// Replay rebuilds the progress counters from the stored history.
func (s *Summary) Replay(cfg ExperimentConfig, recs []IterationRecord) {
	sorted := append([]IterationRecord(nil), recs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Iteration != sorted[j].Iteration {
			return sorted[i].Iteration < sorted[j].Iteration
		}
		return sorted[i].ModelRun < sorted[j].ModelRun
	})

	s.BestScore, s.BestPoint, s.BestIteration = nil, nil, 0
	s.CompletedIterations, s.RecordedRuns, s.CurrentScores = 0, 0, nil
	for _, rec := range sorted {
		s.Observe(cfg, rec)
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
