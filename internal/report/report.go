// Package report summarizes stored results documents per model.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/pinchbench/internal/agent"
	"github.com/signalnine/pinchbench/internal/pricing"
	"github.com/signalnine/pinchbench/internal/result"
)

type ModelSummary struct {
	Model          string  `json:"model"`
	Runs           int     `json:"runs"`
	Tasks          int     `json:"tasks"`
	CompletionRate float64 `json:"completion_rate"`
	MeanScore      float64 `json:"mean_score"`
	BestScore      float64 `json:"best_score"`
	BestRank       int     `json:"best_rank,omitempty"`
	MeanTokens     float64 `json:"mean_tokens"`
	MeanCostUSD    float64 `json:"mean_cost_usd"`
}

// Generate reads every results document under resultsDir and writes a
// per-model summary. table, when non-nil, prices runs that carry no cost.
func Generate(resultsDir, format string, w io.Writer, table *pricing.Table) error {
	docs, err := result.ListDocuments(resultsDir)
	if err != nil {
		return err
	}
	if table != nil {
		enrichCosts(docs, table)
	}
	summaries := Summarize(docs)

	switch format {
	case "markdown":
		return writeMarkdown(summaries, w)
	case "json":
		return writeJSON(summaries, w)
	default:
		return writeTable(summaries, w)
	}
}

// Summarize groups documents by model. Summaries are ordered by mean score,
// best first, then by model name.
func Summarize(docs []*result.Document) []ModelSummary {
	type accum struct {
		runs      int
		tasks     int
		completed int
		score     float64
		best      float64
		bestRank  int
		tokens    float64
		cost      float64
	}
	byModel := map[string]*accum{}

	for _, d := range docs {
		a, ok := byModel[d.Model]
		if !ok {
			a = &accum{}
			byModel[d.Model] = a
		}
		if a.runs == 0 || d.Aggregate > a.best {
			a.best = d.Aggregate
		}
		a.runs++
		a.score += d.Aggregate
		a.tokens += float64(d.Usage.InputTokens + d.Usage.OutputTokens)
		a.cost += d.EstimatedCostUSD
		if d.Rank > 0 && (a.bestRank == 0 || d.Rank < a.bestRank) {
			a.bestRank = d.Rank
		}
		for _, tr := range d.Tasks {
			a.tasks++
			if tr.Status == agent.StatusCompleted {
				a.completed++
			}
		}
	}

	var summaries []ModelSummary
	for model, a := range byModel {
		s := ModelSummary{
			Model:       model,
			Runs:        a.runs,
			Tasks:       a.tasks,
			MeanScore:   a.score / float64(a.runs),
			BestScore:   a.best,
			BestRank:    a.bestRank,
			MeanTokens:  a.tokens / float64(a.runs),
			MeanCostUSD: a.cost / float64(a.runs),
		}
		if a.tasks > 0 {
			s.CompletionRate = float64(a.completed) / float64(a.tasks)
		}
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].MeanScore != summaries[j].MeanScore {
			return summaries[i].MeanScore > summaries[j].MeanScore
		}
		return summaries[i].Model < summaries[j].Model
	})
	return summaries
}

func enrichCosts(docs []*result.Document, table *pricing.Table) {
	for _, d := range docs {
		if d.EstimatedCostUSD > 0 {
			continue
		}
		if d.Usage.CostUSD > 0 {
			d.EstimatedCostUSD = d.Usage.CostUSD
			continue
		}
		if cost, ok := table.Estimate(d.Model, d.Usage); ok {
			d.EstimatedCostUSD = cost
		}
	}
}

func rank(r int) string {
	if r == 0 {
		return "-"
	}
	return fmt.Sprintf("#%d", r)
}

func writeTable(summaries []ModelSummary, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tRUNS\tCOMPLETED\tMEAN SCORE\tBEST\tBEST RANK\tMEAN TOKENS\tMEAN COST")
	fmt.Fprintln(tw, strings.Repeat("-", 96))
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%.0f%%\t%.3f\t%.3f\t%s\t%.0f\t$%.2f\n",
			s.Model, s.Runs, s.CompletionRate*100, s.MeanScore, s.BestScore, rank(s.BestRank), s.MeanTokens, s.MeanCostUSD)
	}
	return tw.Flush()
}

func writeMarkdown(summaries []ModelSummary, w io.Writer) error {
	fmt.Fprintln(w, "| Model | Runs | Completed | Mean Score | Best | Best Rank | Mean Tokens | Mean Cost |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|")
	for _, s := range summaries {
		fmt.Fprintf(w, "| %s | %d | %.0f%% | %.3f | %.3f | %s | %.0f | $%.2f |\n",
			s.Model, s.Runs, s.CompletionRate*100, s.MeanScore, s.BestScore, rank(s.BestRank), s.MeanTokens, s.MeanCostUSD)
	}
	return nil
}

func writeJSON(summaries []ModelSummary, w io.Writer) error {
	if summaries == nil {
		summaries = []ModelSummary{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summaries)
}
