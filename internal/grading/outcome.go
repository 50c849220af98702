// Package grading turns a finished task execution into a per-criterion score
// map and an aggregate.
package grading

import (
	"fmt"
	"math"
	"sort"
)

// GradingError means the task's automated checks could not be evaluated.
type GradingError struct {
	TaskID string
	Err    error
}

func (e *GradingError) Error() string {
	return fmt.Sprintf("automated grading of %s failed: %v", e.TaskID, e.Err)
}

func (e *GradingError) Unwrap() error { return e.Err }

// JudgeError means the judge produced no usable verdict within its attempts.
type JudgeError struct {
	TaskID   string
	Attempts int
	Err      error
}

func (e *JudgeError) Error() string {
	return fmt.Sprintf("judge grading of %s failed after %d attempts: %v", e.TaskID, e.Attempts, e.Err)
}

func (e *JudgeError) Unwrap() error { return e.Err }

// Outcome is what a single grader hands back: either scores and an
// aggregate, or an error. A failed outcome always has a zero aggregate.
type Outcome struct {
	Scores    map[string]float64
	Aggregate float64
	Notes     []string
	Err       error
}

func (o Outcome) OK() bool { return o.Err == nil }

func failed(err error, notes ...string) Outcome {
	return Outcome{Scores: map[string]float64{}, Err: err, Notes: append(notes, err.Error())}
}

// clampScores forces every score into [0,1] and returns a note per score it
// had to change.
func clampScores(scores map[string]float64) []string {
	var notes []string
	for _, name := range sortedKeys(scores) {
		v := scores[name]
		c := clamp(v)
		if c != v {
			notes = append(notes, fmt.Sprintf("criterion %q score %g clamped to %g", name, v, c))
			scores[name] = c
		}
	}
	return notes
}

func clamp(v float64) float64 { return math.Max(0, math.Min(1, v)) }

func mean(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, name := range sortedKeys(scores) {
		sum += scores[name]
	}
	return sum / float64(len(scores))
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
