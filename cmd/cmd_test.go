package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/pinchbench/internal/agent"
	"github.com/signalnine/pinchbench/internal/config"
	"github.com/signalnine/pinchbench/internal/result"
	"github.com/signalnine/pinchbench/internal/upload"
)

const taskDoc = `---
id: task_01_file
name: Write a file
category: basics
grading_type: automated
timeout_seconds: 30
---

## Prompt

Create out.txt.

## Automated Checks

` + "```hcl" + `
check "file_created" {
  score = file_exists("out.txt") ? 1 : 0
}
` + "```" + `
`

const brokenTaskDoc = `---
id: task_02_broken
grading_type: automated
---

## Prompt

No checks here.
`

type env struct {
	dir     string
	cfgPath string
}

// newEnv lays out a tasks dir and a config file pointing everything at a
// temp dir. extra is appended to the config.
func newEnv(t *testing.T, agentCommand, extra string) *env {
	t.Helper()
	dir := t.TempDir()
	tasks := filepath.Join(dir, "tasks")
	require.NoError(t, os.MkdirAll(tasks, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tasks, "task_01_file.md"), []byte(taskDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tasks, "task_02_broken.md"), []byte(brokenTaskDoc), 0o644))

	cfg := `tasks:
  dir: ` + tasks + `
  assets_dir: ` + filepath.Join(dir, "assets") + `
results:
  dir: ` + filepath.Join(dir, "results") + `
workspace:
  root: ` + filepath.Join(dir, "work") + `
agent:
  runtime: command
  command: [` + agentCommand + `]
judge:
  api_key_env: PINCHBENCH_TEST_UNSET_KEY
store:
  driver: sqlite
  dsn: ` + filepath.Join(dir, "rankings.db") + `
upload:
  token_file: ` + filepath.Join(dir, "token.json") + `
log:
  level: error
` + extra
	path := filepath.Join(dir, "pinchbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return &env{dir: dir, cfgPath: path}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeAgent(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	script := `printf 'done' > out.txt
echo '{"role":"assistant","text":"created out.txt","usage":{"input_tokens":10,"output_tokens":2}}'
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return `"sh", "` + path + `"`
}

func TestListCommand(t *testing.T) {
	e := newEnv(t, `"true"`, "")

	out, err := execute(t, "--config", e.cfgPath, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Tasks (1):")
	assert.Contains(t, out, "task_01_file [basics, automated, 30s] Write a file")
	assert.Contains(t, out, "Excluded (1):")
	assert.Contains(t, out, "task_02_broken")
}

func TestExplicitConfigMustExist(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "list")
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	e := newEnv(t, writeAgent(t), "")

	out, err := execute(t, "--config", e.cfgPath, "run", "--model", "test/model", "--no-upload")
	require.NoError(t, err)
	assert.Contains(t, out, "Running task_01_file (1/1, run 1/1)...")
	assert.Contains(t, out, "Aggregate: 1.000 over 1 task(s)")
	assert.Contains(t, out, "Rank: 1")

	doc, err := result.ReadDocument(filepath.Join(e.dir, "results", "runs", "0001", result.DocumentFile))
	require.NoError(t, err)
	assert.Equal(t, "test/model", doc.Model)
	assert.Equal(t, 1, doc.Rank)
	require.Len(t, doc.Tasks, 1)
	assert.Equal(t, agent.StatusCompleted, doc.Tasks[0].Status)
	require.Len(t, doc.Excluded, 1)
	assert.Equal(t, "task_02_broken", doc.Excluded[0].TaskID)

	out, err = execute(t, "--config", e.cfgPath, "leaderboard")
	require.NoError(t, err)
	assert.Contains(t, out, "test/model")

	out, err = execute(t, "--config", e.cfgPath, "report", "--format", "markdown")
	require.NoError(t, err)
	assert.Contains(t, out, "test/model")

	out, err = execute(t, "--config", e.cfgPath, "validate", filepath.Join(e.dir, "results", "runs", "0001"))
	require.NoError(t, err)
	assert.Contains(t, out, "Aggregate: 1.000 -> 1.000")
}

func TestRunRequiresModel(t *testing.T) {
	e := newEnv(t, `"true"`, "")
	_, err := execute(t, "--config", e.cfgPath, "run")
	assert.ErrorContains(t, err, "model")
}

func TestRunRejectsUnknownSuite(t *testing.T) {
	e := newEnv(t, `"true"`, "")
	_, err := execute(t, "--config", e.cfgPath, "run", "--model", "m", "--suite", "task_nope", "--no-upload")
	assert.ErrorContains(t, err, "selects no tasks")
}

func TestSubmitCommandRejectsDuplicate(t *testing.T) {
	e := newEnv(t, writeAgent(t), "")
	_, err := execute(t, "--config", e.cfgPath, "run", "--model", "test/model", "--no-upload", "--no-submit")
	require.NoError(t, err)
	runDir := filepath.Join(e.dir, "results", "runs", "0001")

	out, err := execute(t, "--config", e.cfgPath, "submit", runDir)
	require.NoError(t, err)
	assert.Regexp(t, `Submitted run 0001-[0-9a-f]{8}: aggregate 1.000, rank 1`, out)

	_, err = execute(t, "--config", e.cfgPath, "submit", filepath.Join(runDir, result.DocumentFile))
	assert.Error(t, err)
}

func TestRegisterAndUploadCommands(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/register":
			_, _ = w.Write([]byte(`{"token":"tok-new","claim_url":"https://example.test/claim/1"}`))
		case "/api/results":
			gotToken = r.Header.Get("X-PinchBench-Token")
			_, _ = w.Write([]byte(`{"status":"accepted","submission_id":"srv-9","rank":3}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	t.Setenv("PINCHBENCH_TOKEN", "")

	e := newEnv(t, `"true"`, "")
	cfg := strings.Replace(mustRead(t, e.cfgPath), "upload:\n", "upload:\n  server_url: "+srv.URL+"\n", 1)
	require.NoError(t, os.WriteFile(e.cfgPath, []byte(cfg), 0o644))

	out, err := execute(t, "--config", e.cfgPath, "register")
	require.NoError(t, err)
	assert.Contains(t, out, "https://example.test/claim/1")
	token, err := upload.LoadToken(filepath.Join(e.dir, "token.json"))
	require.NoError(t, err)
	assert.Equal(t, "tok-new", token)

	runDir := filepath.Join(e.dir, "saved")
	require.NoError(t, result.WriteDocument(runDir, &result.Document{
		RunID:     "0042",
		Model:     "test/model",
		CreatedAt: time.Now().UTC(),
	}))
	out, err = execute(t, "--config", e.cfgPath, "upload", runDir)
	require.NoError(t, err)
	assert.Equal(t, "tok-new", gotToken)
	assert.Contains(t, out, "Upload accepted (submission srv-9)")
	assert.Contains(t, out, "leaderboard rank: 3")
}

func TestUploadWithoutToken(t *testing.T) {
	t.Setenv("PINCHBENCH_TOKEN", "")
	e := newEnv(t, `"true"`, "")
	runDir := filepath.Join(e.dir, "saved")
	require.NoError(t, result.WriteDocument(runDir, &result.Document{RunID: "0001", Model: "m"}))

	_, err := execute(t, "--config", e.cfgPath, "upload", runDir)
	assert.ErrorIs(t, err, errNoTokenHint)
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestBuildRuntime(t *testing.T) {
	tests := []struct {
		runtime string
		want    string
	}{
		{config.RuntimeCommand, "command"},
		{config.RuntimeDocker, "docker"},
		{config.RuntimeWebSocket, "websocket"},
	}
	for _, tt := range tests {
		t.Run(tt.runtime, func(t *testing.T) {
			cfg := config.Default()
			cfg.Agent.Runtime = tt.runtime
			cfg.Agent.Command = []string{"agent", "--prompt", "{{prompt}}"}
			rt, err := buildRuntime(cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rt.Name())
		})
	}

	cfg := config.Default()
	cfg.Agent.Runtime = "carrier-pigeon"
	_, err := buildRuntime(cfg)
	assert.Error(t, err)
}

func TestBuildEngineJudgeKey(t *testing.T) {
	cfg := config.Default()
	cfg.Judge.APIKeyEnv = "PINCHBENCH_TEST_JUDGE_KEY"

	t.Setenv("PINCHBENCH_TEST_JUDGE_KEY", "")
	assert.Nil(t, buildEngine(context.Background(), cfg).Judge.Evaluator)

	t.Setenv("PINCHBENCH_TEST_JUDGE_KEY", "sk-test")
	eng := buildEngine(context.Background(), cfg)
	assert.NotNil(t, eng.Judge.Evaluator)
	assert.Equal(t, cfg.Grading.HybridWeights.AutomatedWeight, eng.Weights.AutomatedWeight)
}

func TestDocumentPath(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, result.DocumentFile), documentPath(dir))
	file := filepath.Join(dir, "custom.json")
	assert.Equal(t, file, documentPath(file))
}

func TestResolveToken(t *testing.T) {
	cfg := config.Default()
	cfg.Upload.Token = ""
	cfg.Upload.TokenFile = filepath.Join(t.TempDir(), "config.json")

	_, err := resolveToken("", cfg)
	assert.ErrorIs(t, err, upload.ErrNoToken)

	require.NoError(t, upload.SaveToken(cfg.Upload.TokenFile, "from-file", ""))
	got, err := resolveToken("", cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	cfg.Upload.Token = "from-env"
	got, _ = resolveToken("", cfg)
	assert.Equal(t, "from-env", got)

	got, _ = resolveToken("explicit", cfg)
	assert.Equal(t, "explicit", got)
}
