package upload_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/pinchbench/internal/agent"
	"github.com/signalnine/pinchbench/internal/result"
	"github.com/signalnine/pinchbench/internal/task"
	"github.com/signalnine/pinchbench/internal/transcript"
	"github.com/signalnine/pinchbench/internal/upload"
)

func sampleDoc() *result.Document {
	return &result.Document{
		RunID:            "0003",
		Model:            "anthropic/claude-sonnet-4",
		BenchmarkVersion: result.BenchmarkVersion,
		Suite:            "all",
		RunsPerTask:      1,
		CreatedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Aggregate:        0.5,
		Tasks: []result.TaskResult{
			{
				TaskID:      "task_01_calendar",
				GradingType: task.Automated,
				Status:      agent.StatusCompleted,
				Aggregate:   1,
				Criteria:    map[string]float64{"file_created": 1},
				Runs:        []result.Repeat{{Repeat: 1, DurationS: 12.5}},
				Usage:       transcript.Usage{InputTokens: 100, OutputTokens: 20, RequestCount: 2},
				CostUSD:     0.01,
			},
			{
				TaskID:      "task_02_stock",
				GradingType: task.Judge,
				Status:      agent.StatusTimedOut,
				Aggregate:   0,
				Criteria:    map[string]float64{},
				Notes:       []string{"timed out"},
				Runs:        []result.Repeat{{Repeat: 1, DurationS: 60}},
				Usage:       transcript.Usage{InputTokens: 50, OutputTokens: 5, RequestCount: 1},
				CostUSD:     0.02,
			},
		},
	}
}

func TestBuildPayload(t *testing.T) {
	p := upload.BuildPayload(sampleDoc())

	assert.NotEmpty(t, p.SubmissionID)
	assert.Equal(t, "anthropic", p.Provider)
	assert.Equal(t, "2026-03-01T12:00:00Z", p.Timestamp)
	assert.Equal(t, 1.0, p.TotalScore)
	assert.Equal(t, 2.0, p.MaxScore)
	assert.InDelta(t, 72.5, p.TotalTimeS, 1e-9)
	assert.InDelta(t, 0.03, p.TotalCostUSD, 1e-9)
	assert.Equal(t, 150, p.UsageSummary.InputTokens)
	assert.Equal(t, 3, p.UsageSummary.Requests)
	assert.Equal(t, "all", p.Metadata.Suite)

	require.Len(t, p.Tasks, 2)
	assert.False(t, p.Tasks[0].TimedOut)
	assert.True(t, p.Tasks[1].TimedOut)
	assert.Equal(t, "judge", p.Tasks[1].GradingType)
	assert.Equal(t, "timed out", p.Tasks[1].Notes)
}

func TestBuildPayloadKeepsSubmissionID(t *testing.T) {
	doc := sampleDoc()
	doc.SubmissionID = "local-id"
	ts := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	doc.Timestamp = &ts

	p := upload.BuildPayload(doc)
	assert.Equal(t, "local-id", p.SubmissionID)
	assert.Equal(t, "2026-03-02T00:00:00Z", p.Timestamp)
}

func TestUpload(t *testing.T) {
	var got upload.Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/results", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-PinchBench-Token"))
		assert.Equal(t, upload.ClientVersion, r.Header.Get("X-PinchBench-Version"))
		assert.Contains(t, r.Header.Get("User-Agent"), "PinchBench/")
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","rank":4,"percentile":87.5,"leaderboard_url":"https://example.test/lb"}`))
	}))
	defer srv.Close()

	res, err := upload.New(srv.URL+"/", "secret", 5*time.Second).Upload(context.Background(), sampleDoc())
	require.NoError(t, err)

	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, got.SubmissionID, res.SubmissionID)
	require.NotNil(t, res.Rank)
	assert.Equal(t, 4, *res.Rank)
	require.NotNil(t, res.Percentile)
	assert.Equal(t, 87.5, *res.Percentile)
	assert.Equal(t, "https://example.test/lb", res.LeaderboardURL)
	assert.Equal(t, "0003", got.RunID)
}

func TestUploadServerSubmissionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"submission_id":"srv-1"}`))
	}))
	defer srv.Close()

	res, err := upload.New(srv.URL, "secret", 0).Upload(context.Background(), sampleDoc())
	require.NoError(t, err)
	assert.Equal(t, "accepted", res.Status)
	assert.Equal(t, "srv-1", res.SubmissionID)
	assert.Nil(t, res.Rank)
}

func TestUploadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := upload.New(srv.URL, "nope", 0).Upload(context.Background(), sampleDoc())
	var uerr *upload.Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, http.StatusUnauthorized, uerr.Status)
	assert.Contains(t, err.Error(), "upload failed (401)")
	assert.Contains(t, err.Error(), "bad token")
}

func TestUploadNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := upload.New(url, "secret", time.Second).Upload(context.Background(), sampleDoc())
	var uerr *upload.Error
	require.ErrorAs(t, err, &uerr)
	assert.Error(t, uerr.Err)
	assert.Contains(t, err.Error(), "network")
}

func TestUploadWithoutToken(t *testing.T) {
	_, err := upload.New("http://127.0.0.1:1", "", 0).Upload(context.Background(), sampleDoc())
	assert.ErrorIs(t, err, upload.ErrNoToken)
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantToken string
		wantClaim string
		wantErr   bool
	}{
		{name: "token", body: `{"token":"tok-1","claim_url":"https://example.test/claim"}`, wantToken: "tok-1", wantClaim: "https://example.test/claim"},
		{name: "api key fallback", body: `{"api_key":"key-1"}`, wantToken: "key-1"},
		{name: "missing token", body: `{"claim_url":"x"}`, wantErr: true},
		{name: "not json", body: `nope`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/register", r.URL.Path)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			token, claim, err := upload.New(srv.URL, "", 0).Register(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantToken, token)
			assert.Equal(t, tt.wantClaim, claim)
		})
	}
}

func TestRegisterServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, _, err := upload.New(srv.URL, "", 0).Register(context.Background())
	assert.ErrorContains(t, err, "registration failed (503)")
}

func TestTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	_, err := upload.LoadToken(path)
	assert.True(t, errors.Is(err, upload.ErrNoToken))

	require.NoError(t, upload.SaveToken(path, "tok-9", "https://example.test/claim"))
	token, err := upload.LoadToken(path)
	require.NoError(t, err)
	assert.Equal(t, "tok-9", token)
}
