package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Tasks     Tasks     `yaml:"tasks"`
	Results   Results   `yaml:"results"`
	Workspace Workspace `yaml:"workspace"`
	Agent     Agent     `yaml:"agent"`
	Judge     Judge     `yaml:"judge"`
	Grading   Grading   `yaml:"grading"`
	Store     Store     `yaml:"store"`
	Upload    Upload    `yaml:"upload"`
	Secrets   Secrets   `yaml:"secrets"`
	Pricing   Pricing   `yaml:"pricing"`
	Log       Log       `yaml:"log"`
}

type Tasks struct {
	Dir       string `yaml:"dir"`
	AssetsDir string `yaml:"assets_dir"`
	Pattern   string `yaml:"pattern"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

type Workspace struct {
	Root string `yaml:"root"`
	// Snapshot commits the seeded fixtures to a scratch git repo so the
	// agent's changes can be captured as diff.patch afterwards.
	Snapshot bool `yaml:"snapshot"`
}

// Runtime kinds understood by the execution driver.
const (
	RuntimeCommand   = "command"
	RuntimeDocker    = "docker"
	RuntimeWebSocket = "websocket"
)

type Agent struct {
	Runtime            string            `yaml:"runtime"`
	Command            []string          `yaml:"command"`
	Image              string            `yaml:"image"`
	Env                map[string]string `yaml:"env"`
	CPULimit           float64           `yaml:"cpu_limit"`
	MemoryLimit        int64             `yaml:"memory_limit"`
	IdleTimeoutSeconds int               `yaml:"idle_timeout_seconds"`
}

type Judge struct {
	Model                 string `yaml:"model"`
	BaseURL               string `yaml:"base_url"`
	APIKeyEnv             string `yaml:"api_key_env"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	ResultPreviewChars    int    `yaml:"result_preview_chars"`
	MaxSummaryChars       int    `yaml:"max_summary_chars"`
}

// HybridWeights mirrors the task-level grading_weights block.
type HybridWeights struct {
	AutomatedWeight float64 `yaml:"automated_weight"`
	JudgeWeight     float64 `yaml:"judge_weight"`
}

type Grading struct {
	HybridWeights       HybridWeights `yaml:"hybrid_weights"`
	CheckTimeoutSeconds int           `yaml:"check_timeout_seconds"`
}

type Store struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Upload struct {
	ServerURL      string `yaml:"server_url"`
	TokenFile      string `yaml:"token_file"`
	Token          string `yaml:"-"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

type Pricing struct {
	File string `yaml:"file"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// overrides are read from the environment after the file is parsed.
type overrides struct {
	JudgeModel string `env:"PINCHBENCH_JUDGE_MODEL"`
	StoreDSN   string `env:"PINCHBENCH_STORE_DSN"`
	ServerURL  string `env:"PINCHBENCH_SERVER_URL"`
	Token      string `env:"PINCHBENCH_TOKEN"`
	LogLevel   string `env:"PINCHBENCH_LOG_LEVEL"`
}

const (
	DefaultJudgeModel = "anthropic/claude-opus-4.5"
	DefaultServerURL  = "https://api.pinchbench.com"
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment overrides: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadOptional is Load, except that a missing file yields the defaults with
// environment overrides applied.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}
	cfg = &Config{}
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("reading environment overrides: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	if err := validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}

func applyEnv(cfg *Config) error {
	var ov overrides
	if err := env.Parse(&ov); err != nil {
		return err
	}
	if ov.JudgeModel != "" {
		cfg.Judge.Model = ov.JudgeModel
	}
	if ov.StoreDSN != "" {
		cfg.Store.DSN = ov.StoreDSN
	}
	if ov.ServerURL != "" {
		cfg.Upload.ServerURL = ov.ServerURL
	}
	if ov.Token != "" {
		cfg.Upload.Token = ov.Token
	}
	if ov.LogLevel != "" {
		cfg.Log.Level = ov.LogLevel
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Tasks.Dir == "" {
		cfg.Tasks.Dir = "tasks"
	}
	if cfg.Tasks.AssetsDir == "" {
		cfg.Tasks.AssetsDir = "assets"
	}
	if cfg.Tasks.Pattern == "" {
		cfg.Tasks.Pattern = "task_*.md"
	}
	if _, err := filepath.Match(cfg.Tasks.Pattern, "x"); err != nil {
		return fmt.Errorf("tasks.pattern %q: %w", cfg.Tasks.Pattern, err)
	}
	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "results"
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = filepath.Join(os.TempDir(), "pinchbench")
	}

	switch cfg.Agent.Runtime {
	case "":
		cfg.Agent.Runtime = RuntimeCommand
	case RuntimeCommand, RuntimeDocker, RuntimeWebSocket:
	default:
		return fmt.Errorf("agent.runtime %q: must be one of command, docker, websocket", cfg.Agent.Runtime)
	}
	if cfg.Agent.Runtime == RuntimeDocker && cfg.Agent.Image == "" {
		return fmt.Errorf("agent.image is required for the docker runtime")
	}
	if len(cfg.Agent.Command) == 0 {
		switch cfg.Agent.Runtime {
		case RuntimeCommand:
			cfg.Agent.Command = []string{"openclaw", "agent", "--agent", "bench-{{model_slug}}",
				"--session-id", "{{session_id}}", "--message", "{{prompt}}"}
		case RuntimeWebSocket:
			cfg.Agent.Command = []string{"claude", "--sdk-url", "{{sdk_url}}", "--model", "{{model}}",
				"--output-format", "stream-json", "--input-format", "stream-json"}
		default:
			cfg.Agent.Command = []string{"bash", "/adapter.sh"}
		}
	}
	if cfg.Agent.IdleTimeoutSeconds <= 0 {
		cfg.Agent.IdleTimeoutSeconds = 600
	}

	if cfg.Judge.Model == "" {
		cfg.Judge.Model = DefaultJudgeModel
	}
	if cfg.Judge.BaseURL == "" {
		cfg.Judge.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Judge.APIKeyEnv == "" {
		cfg.Judge.APIKeyEnv = "OPENROUTER_API_KEY"
	}
	if cfg.Judge.RequestTimeoutSeconds <= 0 {
		cfg.Judge.RequestTimeoutSeconds = 180
	}
	if cfg.Judge.ResultPreviewChars <= 0 {
		cfg.Judge.ResultPreviewChars = 200
	}
	if cfg.Judge.MaxSummaryChars <= 0 {
		cfg.Judge.MaxSummaryChars = 20_000
	}

	w := &cfg.Grading.HybridWeights
	if w.AutomatedWeight < 0 || w.JudgeWeight < 0 {
		return fmt.Errorf("grading.hybrid_weights must not be negative")
	}
	if w.AutomatedWeight+w.JudgeWeight == 0 {
		w.AutomatedWeight, w.JudgeWeight = 0.5, 0.5
	}
	if cfg.Grading.CheckTimeoutSeconds <= 0 {
		cfg.Grading.CheckTimeoutSeconds = 30
	}

	switch strings.ToLower(cfg.Store.Driver) {
	case "":
		cfg.Store.Driver = "sqlite"
	case "sqlite", "postgres":
		cfg.Store.Driver = strings.ToLower(cfg.Store.Driver)
	default:
		return fmt.Errorf("store.driver %q: must be sqlite or postgres", cfg.Store.Driver)
	}
	if cfg.Store.DSN == "" {
		if cfg.Store.Driver == "postgres" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
		cfg.Store.DSN = filepath.Join(cfg.Results.Dir, "rankings.db")
	}

	if cfg.Upload.ServerURL == "" {
		cfg.Upload.ServerURL = DefaultServerURL
	}
	if cfg.Upload.TokenFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Upload.TokenFile = filepath.Join(home, ".pinchbench", "config.json")
		}
	}
	if cfg.Upload.TimeoutSeconds <= 0 {
		cfg.Upload.TimeoutSeconds = 30
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return nil
}

// LoadSecrets exports the variables in the secrets env file into the process
// environment. Variables that are already set win.
func (c *Config) LoadSecrets() error {
	if c.Secrets.EnvFile == "" {
		return nil
	}
	vars, err := godotenv.Read(c.Secrets.EnvFile)
	if err != nil {
		return fmt.Errorf("reading secrets env file %s: %w", c.Secrets.EnvFile, err)
	}
	for k, v := range vars {
		if _, ok := os.LookupEnv(k); ok {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("exporting %s: %w", k, err)
		}
	}
	return nil
}
