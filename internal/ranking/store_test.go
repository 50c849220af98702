package ranking_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/pinchbench/internal/ctxlog"
	"github.com/signalnine/pinchbench/internal/ranking"
)

func openStore(t *testing.T) *ranking.Store {
	t.Helper()
	s, err := ranking.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "rankings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func scores(aggs ...float64) []ranking.TaskScore {
	out := make([]ranking.TaskScore, len(aggs))
	for i, a := range aggs {
		out[i] = ranking.TaskScore{
			TaskID:      fmt.Sprintf("task_%d", i+1),
			GradingType: "automated",
			Status:      "completed",
			Aggregate:   a,
			Criteria:    map[string]float64{"passed": a},
		}
	}
	return out
}

func TestSubmitRanksAgainstHistory(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	prior, err := s.Submit(ctx, ranking.Submission{RunID: "0001", Model: "a/prior", Tasks: scores(0.6)})
	require.NoError(t, err)
	assert.Equal(t, 1, prior.Rank)

	sub, err := s.Submit(ctx, ranking.Submission{RunID: "0002", Model: "b/new", Tasks: scores(1.0, 0.5, 0.0)})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, sub.Aggregate, 1e-9)
	assert.Equal(t, 2, sub.Rank)
	assert.NotEmpty(t, sub.ID)
	assert.False(t, sub.PersistedAt.IsZero())
}

func TestSubmitTiesShareRank(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	for i, agg := range []float64{0.9, 0.5, 0.5} {
		_, err := s.Submit(ctx, ranking.Submission{RunID: fmt.Sprintf("%04d", i+1), Model: "m", Tasks: scores(agg)})
		require.NoError(t, err)
	}
	sub, err := s.Submit(ctx, ranking.Submission{RunID: "0004", Model: "m", Tasks: scores(0.5)})
	require.NoError(t, err)
	assert.Equal(t, 2, sub.Rank)

	board, err := s.Leaderboard(ctx, 0)
	require.NoError(t, err)
	var got []string
	var ranks []int
	for _, b := range board {
		got = append(got, b.RunID)
		ranks = append(ranks, b.Rank)
	}
	assert.Equal(t, []string{"0001", "0002", "0003", "0004"}, got, "ties keep submission order")
	assert.Equal(t, []int{1, 2, 2, 2}, ranks)

	top, err := s.Leaderboard(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

func TestSubmitRejectsDuplicateRun(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	_, err := s.Submit(ctx, ranking.Submission{RunID: "0001", Model: "m", Tasks: scores(0.4)})
	require.NoError(t, err)

	_, err = s.Submit(ctx, ranking.Submission{RunID: "0001", Model: "m", Tasks: scores(0.9)})
	var aggErr *ranking.AggregationError
	require.ErrorAs(t, err, &aggErr)
	assert.Equal(t, "0001", aggErr.RunID)
	assert.ErrorIs(t, err, ranking.ErrDuplicateRun)

	got, err := s.Get(ctx, "0001")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got.Aggregate, 1e-9, "history is never rewritten")
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.Submit(ctx, ranking.Submission{RunID: "0001", Model: "m"})
	assert.ErrorIs(t, err, ranking.ErrNoTasks)

	_, err = s.Submit(ctx, ranking.Submission{Model: "m", Tasks: scores(1)})
	assert.Error(t, err)

	dup := append(scores(1), scores(0)...)
	_, err = s.Submit(ctx, ranking.Submission{RunID: "0002", Model: "m", Tasks: dup})
	var aggErr *ranking.AggregationError
	assert.ErrorAs(t, err, &aggErr)

	board, err := s.Leaderboard(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, board)
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	tasks := []ranking.TaskScore{
		{TaskID: "task_b", GradingType: "hybrid", Status: "completed", Aggregate: 0.75,
			Criteria: map[string]float64{"automated.file_created": 1, "judge.quality": 0.5}},
		{TaskID: "task_a", GradingType: "judge", Status: "timed_out", Aggregate: 0,
			Criteria: map[string]float64{}, Notes: []string{"execution timed_out"}},
	}
	sub, err := s.Submit(ctx, ranking.Submission{RunID: "0001", Model: "m", Suite: "all", Tasks: tasks})
	require.NoError(t, err)

	got, err := s.Get(ctx, "0001")
	require.NoError(t, err)
	want := *sub
	want.Tasks = []ranking.TaskScore{tasks[1], tasks[0]}
	if diff := cmp.Diff(want, *got, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Errorf("submission mismatch (-want +got):\n%s", diff)
	}

	_, err = s.Get(ctx, "9999")
	assert.ErrorIs(t, err, ranking.ErrNotFound)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "rankings.db")

	s, err := ranking.Open(ctx, "sqlite", path)
	require.NoError(t, err)
	_, err = s.Submit(ctx, ranking.Submission{RunID: "0001", Model: "m", Tasks: scores(0.8)})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = ranking.Open(ctx, "sqlite", path)
	require.NoError(t, err)
	defer s.Close()
	sub, err := s.Submit(ctx, ranking.Submission{RunID: "0002", Model: "m", Tasks: scores(0.7)})
	require.NoError(t, err)
	assert.Equal(t, 2, sub.Rank)
}

func TestConcurrentSubmissions(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Submit(ctx, ranking.Submission{
				RunID: fmt.Sprintf("%04d", i+1),
				Model: "m",
				Tasks: scores(float64(i) / n),
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	board, err := s.Leaderboard(ctx, 0)
	require.NoError(t, err)
	require.Len(t, board, n)
	for i, sub := range board {
		assert.Equal(t, i+1, sub.Rank)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := ranking.Open(context.Background(), "mysql", "x")
	assert.Error(t, err)
}

func TestRunAggregate(t *testing.T) {
	assert.InDelta(t, 0.5, ranking.RunAggregate(scores(1, 0.5, 0)), 1e-9)
	assert.Zero(t, ranking.RunAggregate(nil))
}

func TestSubmitLogsOnceWithCallerRunID(t *testing.T) {
	s := openStore(t)
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil)).With("run_id", "0007-abcd1234")
	ctx := ctxlog.WithLogger(context.Background(), log)

	_, err := s.Submit(ctx, ranking.Submission{RunID: "0007-abcd1234", Model: "m", Tasks: scores(1)})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "run submitted")
	assert.Equal(t, 1, strings.Count(buf.String(), "run_id="))
}
