package task

import (
	"fmt"
	"strings"
)

// Catalog is the validated, executable task set in load order.
type Catalog struct {
	tasks    []*Task
	byID     map[string]*Task
	Excluded []Exclusion
}

func newCatalog() *Catalog {
	return &Catalog{byID: make(map[string]*Task)}
}

// NewCatalog builds a catalog from already validated tasks. Duplicate
// identifiers are a *LoadError.
func NewCatalog(tasks ...*Task) (*Catalog, error) {
	c := newCatalog()
	for _, t := range tasks {
		if _, dup := c.byID[t.ID]; dup {
			return nil, &LoadError{ID: t.ID, File: t.File, Err: ErrDuplicateID}
		}
		c.add(t)
	}
	return c, nil
}

func (c *Catalog) add(t *Task) {
	c.tasks = append(c.tasks, t)
	c.byID[t.ID] = t
}

func (c *Catalog) Tasks() []*Task {
	out := make([]*Task, len(c.tasks))
	copy(out, c.tasks)
	return out
}

func (c *Catalog) Get(id string) (*Task, bool) {
	t, ok := c.byID[id]
	return t, ok
}

func (c *Catalog) Len() int { return len(c.tasks) }

// Suite selectors accepted by Select besides an explicit id list.
const (
	SuiteAll           = "all"
	SuiteAutomatedOnly = "automated-only"
)

// Select applies a suite selector: "all", "automated-only", or a
// comma-separated list of task identifiers. Tasks keep catalog order.
// Identifiers that are unknown or were excluded during loading are returned
// in missing; an empty selection is an error.
func (c *Catalog) Select(suite string) (selected []*Task, missing []string, err error) {
	suite = strings.TrimSpace(suite)
	switch suite {
	case "", SuiteAll:
		selected = c.Tasks()
	case SuiteAutomatedOnly:
		for _, t := range c.tasks {
			if t.GradingType == Automated {
				selected = append(selected, t)
			}
		}
	default:
		want := make(map[string]bool)
		for _, id := range strings.Split(suite, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			want[id] = true
			if _, ok := c.byID[id]; !ok {
				missing = append(missing, id)
			}
		}
		for _, t := range c.tasks {
			if want[t.ID] {
				selected = append(selected, t)
			}
		}
	}
	if len(selected) == 0 {
		return nil, missing, fmt.Errorf("suite %q selects no tasks", suite)
	}
	return selected, missing, nil
}
