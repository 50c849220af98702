// Package result owns the on-disk layout of a run: the results document
// handed to the leaderboard and the per-execution artifacts behind it.
package result

import (
	"math"
	"time"

	"github.com/signalnine/pinchbench/internal/agent"
	"github.com/signalnine/pinchbench/internal/task"
	"github.com/signalnine/pinchbench/internal/transcript"
)

const BenchmarkVersion = "1.0.0"

// Document is one run's results.json.
type Document struct {
	RunID             string           `json:"run_id"`
	Model             string           `json:"model"`
	BenchmarkVersion  string           `json:"benchmark_version"`
	Suite             string           `json:"suite"`
	RunsPerTask       int              `json:"runs_per_task"`
	TimeoutMultiplier float64          `json:"timeout_multiplier"`
	CreatedAt         time.Time        `json:"created_at"`
	Tasks             []TaskResult     `json:"tasks"`
	Aggregate         float64          `json:"aggregate"`
	Usage             transcript.Usage `json:"usage"`
	EstimatedCostUSD  float64          `json:"estimated_cost_usd,omitempty"`
	Excluded          []Exclusion      `json:"excluded,omitempty"`

	// Set once the run has been submitted to the ranking store.
	SubmissionID string     `json:"submission_id,omitempty"`
	Rank         int        `json:"rank,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
}

// TaskResult is a task's breakdown: the mean over its repeats plus every
// repeat on its own.
type TaskResult struct {
	TaskID      string             `json:"task_id"`
	GradingType task.GradingType   `json:"grading_type"`
	Status      agent.Status       `json:"status"`
	Aggregate   float64            `json:"aggregate"`
	Criteria    map[string]float64 `json:"criteria"`
	Notes       []string           `json:"notes,omitempty"`
	Runs        []Repeat           `json:"runs"`
	Stats       Stats              `json:"stats"`
	Usage       transcript.Usage   `json:"usage"`
	CostUSD     float64            `json:"estimated_cost_usd,omitempty"`
}

type Repeat struct {
	Repeat    int                `json:"repeat"`
	Status    agent.Status       `json:"status"`
	Aggregate float64            `json:"aggregate"`
	Criteria  map[string]float64 `json:"criteria"`
	Notes     []string           `json:"notes,omitempty"`
	Error     string             `json:"error,omitempty"`
	DurationS float64            `json:"duration_s"`
	Usage     transcript.Usage   `json:"usage"`
	CostUSD   float64            `json:"estimated_cost_usd,omitempty"`
	// Dir is the artifact directory relative to the run directory.
	Dir string `json:"dir"`
}

type Exclusion struct {
	TaskID string `json:"task_id,omitempty"`
	File   string `json:"file"`
	Reason string `json:"reason"`
}

type Stats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// ComputeStats returns the population statistics of xs; all zero when xs
// is empty.
func ComputeStats(xs []float64) Stats {
	if len(xs) == 0 {
		return Stats{}
	}
	s := Stats{Min: xs[0], Max: xs[0]}
	var sum float64
	for _, x := range xs {
		sum += x
		s.Min = math.Min(s.Min, x)
		s.Max = math.Max(s.Max, x)
	}
	s.Mean = sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - s.Mean) * (x - s.Mean)
	}
	s.Std = math.Sqrt(sq / float64(len(xs)))
	return s
}

// ExecutionMeta is the meta.json stored next to an execution's transcript.
type ExecutionMeta struct {
	TaskID           string           `json:"task_id"`
	Repeat           int              `json:"repeat"`
	SessionID        string           `json:"session_id"`
	Runtime          string           `json:"runtime"`
	Model            string           `json:"model"`
	Workspace        string           `json:"workspace"`
	Status           agent.Status     `json:"status"`
	Error            string           `json:"error,omitempty"`
	StartedAt        time.Time        `json:"started_at"`
	FinishedAt       time.Time        `json:"finished_at"`
	DurationS        float64          `json:"duration_s"`
	DeadlineS        float64          `json:"deadline_s"`
	Usage            transcript.Usage `json:"usage"`
	EstimatedCostUSD float64          `json:"estimated_cost_usd,omitempty"`
}

// NewExecutionMeta captures the bookkeeping of a finished execution.
func NewExecutionMeta(ex *agent.Execution, repeat int, model string) *ExecutionMeta {
	m := &ExecutionMeta{
		TaskID:     ex.TaskID,
		Repeat:     repeat,
		SessionID:  ex.SessionID,
		Runtime:    ex.Runtime,
		Model:      model,
		Workspace:  ex.Workspace,
		Status:     ex.Status(),
		StartedAt:  ex.Started,
		FinishedAt: ex.Finished,
		DurationS:  ex.Duration().Seconds(),
		DeadlineS:  ex.Deadline.Seconds(),
		Usage:      ex.Usage(),
	}
	if err := ex.Err(); err != nil {
		m.Error = err.Error()
	}
	return m
}
