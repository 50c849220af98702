// Package upload talks to the public leaderboard: registering a token and
// posting finished results documents.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/signalnine/pinchbench/internal/agent"
	"github.com/signalnine/pinchbench/internal/ctxlog"
	"github.com/signalnine/pinchbench/internal/result"
)

const ClientVersion = "0.3.0"

var ErrNoToken = errors.New("no leaderboard token configured")

// Error is a failed call to the leaderboard server.
type Error struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed (network): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed (%d): %s", e.Op, e.Status, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

type Client struct {
	client *resty.Client
	token  string
}

func New(serverURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		client: resty.New().
			SetBaseURL(strings.TrimRight(serverURL, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "PinchBench/"+ClientVersion),
		token: token,
	}
}

// Result is the server's verdict on an upload. Rank and Percentile are nil
// when the server did not report them.
type Result struct {
	Status         string
	SubmissionID   string
	Rank           *int
	Percentile     *float64
	LeaderboardURL string
}

// Upload posts doc to /api/results.
func (c *Client) Upload(ctx context.Context, doc *result.Document) (*Result, error) {
	if c.token == "" {
		return nil, ErrNoToken
	}
	payload := BuildPayload(doc)
	var data map[string]any
	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("X-PinchBench-Token", c.token).
		SetHeader("X-PinchBench-Version", ClientVersion).
		SetBody(payload).
		Post("/api/results")
	if err != nil {
		return nil, &Error{Op: "upload", Err: err}
	}
	if !res.IsSuccess() {
		return nil, &Error{Op: "upload", Status: res.StatusCode(), Body: res.String()}
	}
	if len(res.Body()) > 0 {
		if err := json.Unmarshal(res.Body(), &data); err != nil {
			data = map[string]any{"status": "accepted"}
		}
	}

	out := &Result{
		Status:         "accepted",
		SubmissionID:   payload.SubmissionID,
		Rank:           intField(data["rank"]),
		Percentile:     floatField(data["percentile"]),
		LeaderboardURL: stringField(data["leaderboard_url"]),
	}
	if s := stringField(data["status"]); s != "" {
		out.Status = s
	}
	if id := stringField(data["submission_id"]); id != "" {
		out.SubmissionID = id
	}
	ctxlog.FromContext(ctx).Info("results uploaded", "run_id", doc.RunID, "submission_id", out.SubmissionID, "status", out.Status)
	return out, nil
}

// Register asks the server for a fresh token. The claim URL, when present,
// lets a human attach the token to an account.
func (c *Client) Register(ctx context.Context) (token, claimURL string, err error) {
	var data map[string]any
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{}).
		Post("/api/register")
	if err != nil {
		return "", "", &Error{Op: "registration", Err: err}
	}
	if !res.IsSuccess() {
		return "", "", &Error{Op: "registration", Status: res.StatusCode(), Body: res.String()}
	}
	if err := json.Unmarshal(res.Body(), &data); err != nil {
		return "", "", fmt.Errorf("registration failed: parsing response: %w", err)
	}
	token = stringField(data["token"])
	if token == "" {
		token = stringField(data["api_key"])
	}
	if token == "" {
		return "", "", errors.New("registration failed: response missing token")
	}
	return token, stringField(data["claim_url"]), nil
}

func stringField(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

func floatField(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		var err error
		if f, err = strconv.ParseFloat(x, 64); err != nil {
			return nil
		}
	default:
		return nil
	}
	return &f
}

func intField(v any) *int {
	f := floatField(v)
	if f == nil {
		return nil
	}
	n := int(*f)
	return &n
}

// Payload is the body of POST /api/results.
type Payload struct {
	SubmissionID     string        `json:"submission_id"`
	Timestamp        string        `json:"timestamp"`
	ClientVersion    string        `json:"client_version"`
	BenchmarkVersion string        `json:"benchmark_version"`
	Model            string        `json:"model"`
	Provider         string        `json:"provider"`
	RunID            string        `json:"run_id"`
	TotalScore       float64       `json:"total_score"`
	MaxScore         float64       `json:"max_score"`
	TotalTimeS       float64       `json:"total_execution_time_seconds"`
	TotalCostUSD     float64       `json:"total_cost_usd"`
	Tasks            []PayloadTask `json:"tasks"`
	UsageSummary     UsageSummary  `json:"usage_summary"`
	Metadata         Metadata      `json:"metadata"`
}

type PayloadTask struct {
	TaskID      string             `json:"task_id"`
	Score       float64            `json:"score"`
	MaxScore    float64            `json:"max_score"`
	GradingType string             `json:"grading_type"`
	TimedOut    bool               `json:"timed_out"`
	TimeS       float64            `json:"execution_time_seconds"`
	Breakdown   map[string]float64 `json:"breakdown"`
	Notes       string             `json:"notes"`
}

type UsageSummary struct {
	InputTokens  int     `json:"total_input_tokens"`
	OutputTokens int     `json:"total_output_tokens"`
	Requests     int     `json:"total_requests"`
	CostUSD      float64 `json:"total_cost_usd"`
}

type Metadata struct {
	Suite       string  `json:"suite"`
	RunsPerTask int     `json:"runs_per_task"`
	Aggregate   float64 `json:"aggregate"`
	Rank        int     `json:"local_rank,omitempty"`
}

// BuildPayload flattens a results document into the leaderboard's shape.
// Every task is worth at most 1.
func BuildPayload(doc *result.Document) *Payload {
	p := &Payload{
		SubmissionID:     doc.SubmissionID,
		ClientVersion:    ClientVersion,
		BenchmarkVersion: doc.BenchmarkVersion,
		Model:            doc.Model,
		RunID:            doc.RunID,
		Tasks:            []PayloadTask{},
		Metadata: Metadata{
			Suite:       doc.Suite,
			RunsPerTask: doc.RunsPerTask,
			Aggregate:   doc.Aggregate,
			Rank:        doc.Rank,
		},
	}
	if p.SubmissionID == "" {
		p.SubmissionID = uuid.NewString()
	}
	if provider, _, ok := strings.Cut(doc.Model, "/"); ok {
		p.Provider = provider
	}
	ts := doc.CreatedAt
	if doc.Timestamp != nil {
		ts = *doc.Timestamp
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	p.Timestamp = ts.UTC().Format(time.RFC3339)

	for _, tr := range doc.Tasks {
		var secs float64
		for _, r := range tr.Runs {
			secs += r.DurationS
		}
		p.Tasks = append(p.Tasks, PayloadTask{
			TaskID:      tr.TaskID,
			Score:       tr.Aggregate,
			MaxScore:    1,
			GradingType: string(tr.GradingType),
			TimedOut:    tr.Status == agent.StatusTimedOut,
			TimeS:       secs,
			Breakdown:   tr.Criteria,
			Notes:       strings.Join(tr.Notes, "\n"),
		})
		p.TotalScore += tr.Aggregate
		p.MaxScore++
		p.TotalTimeS += secs
		p.TotalCostUSD += tr.CostUSD
		p.UsageSummary.InputTokens += tr.Usage.InputTokens
		p.UsageSummary.OutputTokens += tr.Usage.OutputTokens
		p.UsageSummary.Requests += tr.Usage.RequestCount
		p.UsageSummary.CostUSD += tr.CostUSD
	}
	return p
}

type tokenFile struct {
	Token    string `json:"token,omitempty"`
	ClaimURL string `json:"claim_url,omitempty"`
}

// LoadToken reads the token saved by SaveToken. A missing file is
// ErrNoToken.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return "", fmt.Errorf("parsing token file %s: %w", path, err)
	}
	if tf.Token == "" {
		return "", ErrNoToken
	}
	return tf.Token, nil
}

// SaveToken writes the token (and claim URL) to path, readable only by the
// current user.
func SaveToken(path, token, claimURL string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating token dir: %w", err)
	}
	data, err := json.MarshalIndent(tokenFile{Token: token, ClaimURL: claimURL}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	return nil
}
