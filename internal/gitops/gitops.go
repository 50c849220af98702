// Package gitops snapshots a workspace with git so the changes an agent made
// can be captured as a patch. The git directory lives outside the work tree,
// so the agent and the graders never see it.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
)

func git(ctx context.Context, gitDir, workTree string, args ...string) *exec.Cmd {
	base := []string{
		"--git-dir=" + gitDir,
		"--work-tree=" + workTree,
		"-c", "user.name=pinchbench",
		"-c", "user.email=pinchbench@localhost",
		"-c", "commit.gpgsign=false",
	}
	cmd := exec.CommandContext(ctx, "git", append(base, args...)...)
	cmd.Dir = workTree
	return cmd
}

// InitBaseline records the current contents of workTree as the baseline
// commit.
func InitBaseline(ctx context.Context, gitDir, workTree string) error {
	steps := [][]string{
		{"init", "--quiet"},
		{"add", "-A"},
		{"commit", "--quiet", "--allow-empty", "--no-verify", "-m", "baseline"},
	}
	for _, args := range steps {
		if out, err := git(ctx, gitDir, workTree, args...).CombinedOutput(); err != nil {
			return fmt.Errorf("git %s: %s: %w", args[0], out, err)
		}
	}
	return nil
}

// CaptureChanges stages all changes (including untracked files) and returns
// the diff against the baseline.
func CaptureChanges(ctx context.Context, gitDir, workTree string) ([]byte, error) {
	if out, err := git(ctx, gitDir, workTree, "add", "-A").CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git add -A: %s: %w", out, err)
	}
	out, err := git(ctx, gitDir, workTree, "diff", "--cached", "--binary").Output()
	if err != nil {
		return nil, fmt.Errorf("git diff --cached: %w", err)
	}
	return out, nil
}
