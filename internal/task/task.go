// Package task loads benchmark task documents into validated records.
package task

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type GradingType string

const (
	Automated GradingType = "automated"
	Judge     GradingType = "judge"
	Hybrid    GradingType = "hybrid"
)

// ParseGradingType accepts the canonical names plus the legacy "llm_judge".
func ParseGradingType(s string) (GradingType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "automated":
		return Automated, nil
	case "judge", "llm_judge":
		return Judge, nil
	case "hybrid":
		return Hybrid, nil
	default:
		return "", fmt.Errorf("unknown grading_type %q", s)
	}
}

func (g GradingType) NeedsChecks() bool { return g == Automated || g == Hybrid }
func (g GradingType) NeedsRubric() bool { return g == Judge || g == Hybrid }

// Fixture is one workspace_files entry: either inline content written to
// Path, or an asset copied from Source to Dest.
type Fixture struct {
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
	Content string `yaml:"content,omitempty" json:"content,omitempty"`
	Source  string `yaml:"source,omitempty" json:"source,omitempty"`
	Dest    string `yaml:"dest,omitempty" json:"dest,omitempty"`
}

func (f Fixture) Inline() bool { return f.Path != "" }

// Destination is the workspace-relative path the fixture is written to.
func (f Fixture) Destination() string {
	if f.Inline() {
		return f.Path
	}
	return f.Dest
}

func (f Fixture) validate() error {
	switch {
	case f.Path != "" && f.Source != "":
		return fmt.Errorf("fixture has both path and source")
	case f.Path != "":
	case f.Source != "" && f.Dest != "":
	case f.Source != "":
		return fmt.Errorf("fixture %q has no dest", f.Source)
	default:
		return fmt.Errorf("fixture needs either path+content or source+dest")
	}
	dst := f.Destination()
	if filepath.IsAbs(dst) || !filepath.IsLocal(dst) {
		return fmt.Errorf("fixture destination %q must stay inside the workspace", dst)
	}
	if !f.Inline() && (filepath.IsAbs(f.Source) || !filepath.IsLocal(f.Source)) {
		return fmt.Errorf("fixture source %q must stay inside the assets directory", f.Source)
	}
	return nil
}

// Weights is the per-task hybrid weighting override.
type Weights struct {
	AutomatedWeight float64 `yaml:"automated_weight" json:"automated_weight"`
	JudgeWeight     float64 `yaml:"judge_weight" json:"judge_weight"`
}

// Task is immutable after loading; callers must not modify the slices.
type Task struct {
	ID               string
	Name             string
	Category         string
	GradingType      GradingType
	Timeout          time.Duration
	Prompt           string
	ExpectedBehavior string
	GradingCriteria  []string
	Rubric           string
	// Checks is the source of the automated check program (HCL).
	Checks   string
	Fixtures []Fixture
	// Weights is nil unless the document overrides hybrid weighting.
	Weights *Weights
	File    string
	// Frontmatter is the raw front matter, echoed into the results document.
	Frontmatter map[string]any
}

func (t *Task) String() string {
	return fmt.Sprintf("Task(id=%s, category=%s, grading=%s)", t.ID, t.Category, t.GradingType)
}
