package task

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/pinchbench/internal/checks"
)

const DefaultTimeoutSeconds = 120

// LoadError is fatal to a run: a document could not be parsed far enough to
// trust its identifier, or two documents claim the same identifier.
type LoadError struct {
	ID   string
	File string
	Err  error
}

func (e *LoadError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("loading task %q (%s): %v", e.ID, e.File, e.Err)
	}
	return fmt.Sprintf("loading task file %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ErrDuplicateID is wrapped by the LoadError returned for colliding identifiers.
var ErrDuplicateID = errors.New("duplicate task id")

// Exclusion records a task that parsed but failed validation.
type Exclusion struct {
	ID     string
	File   string
	Reason string
}

// invalidTask is returned by Parse for field-level problems; the loader turns
// it into an Exclusion and keeps going.
type invalidTask struct {
	id  string
	err error
}

func (e *invalidTask) Error() string { return fmt.Sprintf("task %q: %v", e.id, e.err) }
func (e *invalidTask) Unwrap() error { return e.err }

var (
	frontmatterRe = regexp.MustCompile(`(?s)^---[ \t]*\n(.*?)\n---[ \t]*(?:\n(.*))?$`)
	sectionRe     = regexp.MustCompile(`^##\s+(.+?)\s*$`)
	checklistRe   = regexp.MustCompile(`^-\s+\[[ xX]\]\s+(.+)$`)
	checksBlockRe = regexp.MustCompile("(?s)```(?:hcl|checks)[ \t]*\n(.*?)```")
	idRe          = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)
)

type frontmatter struct {
	ID             string    `yaml:"id"`
	Name           string    `yaml:"name"`
	Category       string    `yaml:"category"`
	GradingType    string    `yaml:"grading_type"`
	TimeoutSeconds *int      `yaml:"timeout_seconds"`
	WorkspaceFiles []Fixture `yaml:"workspace_files"`
	GradingWeights *Weights  `yaml:"grading_weights"`
}

// LoadDir parses every file in dir matching pattern. Invalid tasks are
// excluded with a reason; a *LoadError aborts the whole load.
func LoadDir(dir, pattern string) (*Catalog, error) {
	files, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("listing task files in %s: %w", dir, err)
	}
	sort.Strings(files)

	cat := newCatalog()
	seen := make(map[string]string)
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, &LoadError{File: file, Err: err}
		}
		t, err := Parse(file, data)
		var invalid *invalidTask
		switch {
		case errors.As(err, &invalid):
			if prev, dup := seen[invalid.id]; dup {
				return nil, &LoadError{ID: invalid.id, File: file, Err: fmt.Errorf("%w: also defined in %s", ErrDuplicateID, prev)}
			}
			seen[invalid.id] = file
			cat.Excluded = append(cat.Excluded, Exclusion{ID: invalid.id, File: file, Reason: invalid.err.Error()})
			continue
		case err != nil:
			return nil, err
		}
		if prev, dup := seen[t.ID]; dup {
			return nil, &LoadError{ID: t.ID, File: file, Err: fmt.Errorf("%w: also defined in %s", ErrDuplicateID, prev)}
		}
		seen[t.ID] = file
		cat.add(t)
	}
	return cat, nil
}

// Parse turns one task document into a Task. Structural problems yield a
// *LoadError; anything else is a validation failure scoped to this task.
func Parse(file string, data []byte) (*Task, error) {
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	m := frontmatterRe.FindStringSubmatch(content)
	if m == nil {
		return nil, &LoadError{File: file, Err: errors.New("no YAML front matter found")}
	}

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(m[1]), &raw); err != nil {
		return nil, &LoadError{File: file, Err: fmt.Errorf("invalid YAML front matter: %w", err)}
	}
	id, _ := raw["id"].(string)
	if id == "" {
		return nil, &LoadError{File: file, Err: errors.New("front matter has no id")}
	}
	if !idRe.MatchString(id) {
		return nil, &LoadError{ID: id, File: file, Err: errors.New("id must be alphanumeric with '-', '_' or '.'")}
	}

	invalid := func(format string, args ...any) error {
		return &invalidTask{id: id, err: fmt.Errorf(format, args...)}
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(m[1]), &fm); err != nil {
		return nil, invalid("front matter: %v", err)
	}

	gt, err := ParseGradingType(fm.GradingType)
	if err != nil {
		return nil, invalid("%v", err)
	}
	timeout := DefaultTimeoutSeconds
	if fm.TimeoutSeconds != nil {
		timeout = *fm.TimeoutSeconds
	}
	if timeout <= 0 {
		return nil, invalid("timeout_seconds must be positive, got %d", timeout)
	}
	for i, f := range fm.WorkspaceFiles {
		if err := f.validate(); err != nil {
			return nil, invalid("workspace_files[%d]: %v", i, err)
		}
	}
	if w := fm.GradingWeights; w != nil && (w.AutomatedWeight < 0 || w.JudgeWeight < 0) {
		return nil, invalid("grading_weights must not be negative")
	}

	sections := parseSections(m[2])
	t := &Task{
		ID:               id,
		Name:             fm.Name,
		Category:         fm.Category,
		GradingType:      gt,
		Timeout:          time.Duration(timeout) * time.Second,
		Prompt:           sections["Prompt"],
		ExpectedBehavior: sections["Expected Behavior"],
		GradingCriteria:  parseChecklist(sections["Grading Criteria"]),
		Rubric:           sections["LLM Judge Rubric"],
		Fixtures:         fm.WorkspaceFiles,
		Weights:          fm.GradingWeights,
		File:             file,
		Frontmatter:      raw,
	}
	if t.Prompt == "" {
		return nil, invalid("missing Prompt section")
	}

	if gt.NeedsChecks() {
		block := checksBlockRe.FindStringSubmatch(sections["Automated Checks"])
		if block == nil || strings.TrimSpace(block[1]) == "" {
			return nil, invalid("grading_type %s requires an Automated Checks ```hcl block", gt)
		}
		if _, err := checks.Compile(file, block[1]); err != nil {
			return nil, invalid("automated checks: %v", err)
		}
		t.Checks = block[1]
	}
	if gt.NeedsRubric() && t.Rubric == "" {
		return nil, invalid("grading_type %s requires an LLM Judge Rubric section", gt)
	}
	return t, nil
}

func parseSections(body string) map[string]string {
	sections := make(map[string]string)
	var current string
	var buf []string
	flush := func() {
		if current != "" {
			sections[current] = strings.TrimSpace(strings.Join(buf, "\n"))
		}
	}
	inFence := false
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
		}
		if !inFence {
			if m := sectionRe.FindStringSubmatch(line); m != nil {
				flush()
				current, buf = m[1], nil
				continue
			}
		}
		if current != "" {
			buf = append(buf, line)
		}
	}
	flush()
	return sections
}

func parseChecklist(text string) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		if m := checklistRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			items = append(items, m[1])
		}
	}
	return items
}
