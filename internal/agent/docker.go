package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/signalnine/pinchbench/internal/docker"
	"github.com/signalnine/pinchbench/internal/transcript"
)

// PromptTarget is where the task prompt is mounted inside agent containers.
const PromptTarget = "/task.md"

// DockerRuntime runs the agent in a container. The workspace is mounted at
// /workspace, the prompt at /task.md, and the container's output is the event
// stream.
type DockerRuntime struct {
	Image       string
	Command     string
	Env         map[string]string
	CPULimit    float64
	MemoryLimit int64
}

func (r *DockerRuntime) Name() string { return "docker" }

func (r *DockerRuntime) Start(ctx context.Context, req SessionRequest) (Session, error) {
	vars := placeholders(req)
	vars["workspace"] = docker.WorkspaceTarget
	argv := expandArgs(r.Command, vars)
	if len(argv) == 0 {
		return nil, errors.New("agent command is empty")
	}

	prompt, err := os.CreateTemp("", "pinchbench-prompt-*.md")
	if err != nil {
		return nil, fmt.Errorf("creating prompt file: %w", err)
	}
	if _, err := prompt.WriteString(req.Prompt); err != nil {
		prompt.Close()
		os.Remove(prompt.Name())
		return nil, fmt.Errorf("writing prompt file: %w", err)
	}
	prompt.Close()

	env := map[string]string{
		"TASK_ID":        req.TaskID,
		"TASK_FILE":      PromptTarget,
		"WORKSPACE":      docker.WorkspaceTarget,
		"MODEL":          req.Model,
		"SESSION_ID":     req.SessionID,
		"PINCHBENCH_RUN": "1",
	}
	for k, v := range r.Env {
		env[k] = v
	}

	c, err := docker.Start(ctx, &docker.RunOpts{
		Image:       r.Image,
		Command:     argv,
		WorkDir:     req.Workspace,
		Env:         env,
		ExtraMounts: []docker.Mount{{Source: prompt.Name(), Target: PromptTarget, ReadOnly: true}},
		CPULimit:    r.CPULimit,
		MemoryLimit: r.MemoryLimit,
		Labels:      map[string]string{"pinchbench.task": req.TaskID, "pinchbench.session": req.SessionID},
	})
	if err != nil {
		os.Remove(prompt.Name())
		return nil, err
	}

	s := &dockerSession{
		ctx:        ctx,
		container:  c,
		promptFile: prompt.Name(),
		events:     make(chan transcript.Event),
		done:       make(chan struct{}),
		readDone:   make(chan struct{}),
	}
	go func() {
		defer close(s.readDone)
		defer close(s.events)
		s.readErr = decodeStream(ctx, c.Output(), s.events, s.done)
	}()
	return s, nil
}

type dockerSession struct {
	ctx        context.Context
	container  *docker.Container
	promptFile string
	events     chan transcript.Event

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	readDone chan struct{}
	readErr  error
}

func (s *dockerSession) Events() <-chan transcript.Event { return s.events }

func (s *dockerSession) Wait() error {
	code, err := s.container.Wait(s.ctx)
	<-s.readDone
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("agent container exited with code %d", code)
	}
	if s.readErr != nil && !errors.Is(s.readErr, context.Canceled) {
		return fmt.Errorf("reading container output: %w", s.readErr)
	}
	return nil
}

func (s *dockerSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.container.Kill()
		s.closeErr = s.container.Remove()
		os.Remove(s.promptFile)
	})
	return s.closeErr
}
