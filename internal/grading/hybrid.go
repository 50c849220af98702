package grading

import (
	"errors"
	"fmt"

	"github.com/signalnine/pinchbench/internal/task"
)

// DefaultWeights splits hybrid grading evenly.
var DefaultWeights = task.Weights{AutomatedWeight: 0.5, JudgeWeight: 0.5}

// Combine merges an automated and a judge outcome into one hybrid outcome.
// Criteria are namespaced "automated." and "judge.". When one grader failed
// the survivor's aggregate is used alone and a degradation note is added;
// only when both failed is the result a failure.
func Combine(auto, judge Outcome, w task.Weights) Outcome {
	out := Outcome{Scores: make(map[string]float64, len(auto.Scores)+len(judge.Scores))}
	for k, v := range auto.Scores {
		out.Scores["automated."+k] = v
	}
	for k, v := range judge.Scores {
		out.Scores["judge."+k] = v
	}
	out.Notes = append(append(out.Notes, auto.Notes...), judge.Notes...)

	switch {
	case auto.OK() && judge.OK():
		total := w.AutomatedWeight + w.JudgeWeight
		if total <= 0 {
			w, total = DefaultWeights, 1
		}
		out.Aggregate = (auto.Aggregate*w.AutomatedWeight + judge.Aggregate*w.JudgeWeight) / total
	case auto.OK():
		out.Aggregate = auto.Aggregate
		out.Notes = append(out.Notes, fmt.Sprintf("degraded: judge grader failed, using automated score %.3f alone", auto.Aggregate))
	case judge.OK():
		out.Aggregate = judge.Aggregate
		out.Notes = append(out.Notes, fmt.Sprintf("degraded: automated grader failed, using judge score %.3f alone", judge.Aggregate))
	default:
		out.Aggregate = 0
		out.Err = errors.Join(auto.Err, judge.Err)
		out.Notes = append(out.Notes, "both graders failed")
	}
	return out
}
