// Package workspace allocates one isolated directory per (run, task) pair and
// seeds it with the task's fixtures.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/signalnine/pinchbench/internal/ctxlog"
	"github.com/signalnine/pinchbench/internal/gitops"
	"github.com/signalnine/pinchbench/internal/task"
)

var (
	ErrExists          = errors.New("workspace already exists")
	ErrAlreadyReleased = errors.New("workspace already released")
)

// Error is a WorkspaceError: a directory collision or a fixture that could
// not be copied. It is fatal to the task, never to the run.
type Error struct {
	Op     string
	RunID  string
	TaskID string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("workspace %s %s/%s: %v", e.Op, e.RunID, e.TaskID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Options struct {
	Root      string
	AssetsDir string
	// Snapshot records the seeded fixtures in a git baseline so Release can
	// return a patch of what changed.
	Snapshot bool
}

// Manager owns every workspace directory under Root.
type Manager struct {
	opts Options

	mu     sync.Mutex
	scopes map[string]*Scope
}

// Scope is one acquired workspace.
type Scope struct {
	RunID  string
	TaskID string
	Path   string

	gitDir   string
	released bool
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Root == "" {
		return nil, errors.New("workspace root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	opts.Root = root
	return &Manager{opts: opts, scopes: make(map[string]*Scope)}, nil
}

func (m *Manager) Root() string { return m.opts.Root }

// Path returns where the workspace for (runID, taskID) lives, whether or not
// it has been acquired.
func (m *Manager) Path(runID, taskID string) string {
	return filepath.Join(m.opts.Root, runID, taskID)
}

func validName(s string) bool {
	return s != "" && filepath.IsLocal(s) && !strings.ContainsAny(s, `/\`)
}

// Acquire creates the workspace for (runID, taskID) and copies fixtures into
// it. An existing directory is never reused.
func (m *Manager) Acquire(ctx context.Context, runID, taskID string, fixtures []task.Fixture) (*Scope, error) {
	wrap := func(op string, err error) error {
		return &Error{Op: op, RunID: runID, TaskID: taskID, Err: err}
	}
	if !validName(runID) || !validName(taskID) {
		return nil, wrap("acquire", errors.New("run and task identifiers must be single path elements"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.Path(runID, taskID)
	key := runID + "/" + taskID
	if _, taken := m.scopes[key]; taken {
		return nil, wrap("acquire", ErrExists)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, wrap("acquire", err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, wrap("acquire", ErrExists)
		}
		return nil, wrap("acquire", err)
	}

	s := &Scope{RunID: runID, TaskID: taskID, Path: dir}
	m.scopes[key] = s

	// A half-seeded directory is kept for audit like a released one.
	abandon := func(op string, err error) error {
		s.released = true
		if ferr := freeze(dir); ferr != nil {
			ctxlog.FromContext(ctx).Warn("freezing abandoned workspace failed", "task_id", taskID, "error", ferr)
		}
		return wrap(op, err)
	}
	for _, f := range fixtures {
		if err := m.seed(dir, f); err != nil {
			return nil, abandon("seed", err)
		}
	}
	if m.opts.Snapshot {
		s.gitDir = filepath.Join(filepath.Dir(dir), "."+taskID+".git")
		if err := gitops.InitBaseline(ctx, s.gitDir, dir); err != nil {
			return nil, abandon("snapshot", err)
		}
	}
	ctxlog.FromContext(ctx).Debug("workspace acquired", "run_id", runID, "task_id", taskID, "path", dir, "fixtures", len(fixtures))
	return s, nil
}

func (m *Manager) seed(dir string, f task.Fixture) error {
	dst := filepath.Join(dir, filepath.FromSlash(f.Destination()))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
	}
	if f.Inline() {
		if err := os.WriteFile(dst, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("writing fixture %s: %w", f.Path, err)
		}
		return nil
	}
	if m.opts.AssetsDir == "" {
		return fmt.Errorf("fixture %s: no assets directory configured", f.Source)
	}
	assets, err := os.OpenRoot(m.opts.AssetsDir)
	if err != nil {
		return fmt.Errorf("opening assets directory: %w", err)
	}
	defer assets.Close()

	src, err := assets.Open(filepath.FromSlash(f.Source))
	if err != nil {
		return fmt.Errorf("opening fixture %s: %w", f.Source, err)
	}
	defer src.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating fixture %s: %w", f.Dest, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("copying fixture %s: %w", f.Source, err)
	}
	return out.Close()
}

// Release ends the scope. The directory is kept for grading and audit but
// its files are made read-only. With snapshots enabled the agent's changes
// relative to the seeded fixtures are returned as a patch.
func (m *Manager) Release(ctx context.Context, s *Scope) ([]byte, error) {
	m.mu.Lock()
	if s.released {
		m.mu.Unlock()
		return nil, &Error{Op: "release", RunID: s.RunID, TaskID: s.TaskID, Err: ErrAlreadyReleased}
	}
	s.released = true
	m.mu.Unlock()

	var patch []byte
	if s.gitDir != "" {
		var err error
		patch, err = gitops.CaptureChanges(ctx, s.gitDir, s.Path)
		if err != nil {
			ctxlog.FromContext(ctx).Warn("capturing workspace changes failed", "task_id", s.TaskID, "error", err)
		}
	}
	if err := freeze(s.Path); err != nil {
		return patch, &Error{Op: "release", RunID: s.RunID, TaskID: s.TaskID, Err: err}
	}
	return patch, nil
}

// freeze clears the write bits of every regular file under dir.
func freeze(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.Chmod(path, info.Mode().Perm()&^0o222)
	})
}

// Released reports whether Release has been called for s.
func (m *Manager) Released(s *Scope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.released
}
