package docker_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/pinchbench/internal/docker"
)

func requireDocker(t *testing.T) {
	t.Helper()
	if os.Getenv("PINCHBENCH_DOCKER_TESTS") == "" {
		t.Skip("set PINCHBENCH_DOCKER_TESTS=1 to run Docker tests")
	}
}

func TestStartStreamsOutput(t *testing.T) {
	requireDocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	workDir := t.TempDir()
	promptFile := filepath.Join(t.TempDir(), "task.md")
	os.WriteFile(promptFile, []byte("write the date"), 0o644)

	c, err := docker.Start(ctx, &docker.RunOpts{
		Image:       "alpine:latest",
		Command:     []string{"sh", "-c", "cat /task.md; echo; echo hello > /workspace/output.txt"},
		WorkDir:     workDir,
		ExtraMounts: []docker.Mount{{Source: promptFile, Target: "/task.md", ReadOnly: true}},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Remove()

	out, err := io.ReadAll(c.Output())
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !strings.Contains(string(out), "write the date") {
		t.Errorf("output missing prompt: %q", out)
	}
	code, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code: got %d, want 0", code)
	}
	content, err := os.ReadFile(filepath.Join(workDir, "output.txt"))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(content) != "hello\n" {
		t.Errorf("output: got %q, want %q", content, "hello\n")
	}
}

func TestKill(t *testing.T) {
	requireDocker(t)
	ctx := context.Background()

	c, err := docker.Start(ctx, &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sleep", "300"},
		WorkDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Remove()

	if err := c.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	code, err := c.Wait(waitCtx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code == 0 {
		t.Error("expected non-zero exit code after kill")
	}
}

func TestExitCode(t *testing.T) {
	requireDocker(t)
	ctx := context.Background()

	c, err := docker.Start(ctx, &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", "exit 3"},
		WorkDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Remove()
	code, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 3 {
		t.Errorf("exit code: got %d, want 3", code)
	}
	if err := c.Remove(); err != nil {
		t.Errorf("Remove: %v", err)
	}
}

func TestStartRequiresImage(t *testing.T) {
	if _, err := docker.Start(context.Background(), &docker.RunOpts{WorkDir: t.TempDir()}); err == nil {
		t.Fatal("expected error without image")
	}
}
