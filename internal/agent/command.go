package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/signalnine/pinchbench/internal/transcript"
)

// CommandRuntime runs the agent as a local process in the workspace and reads
// NDJSON events from its stdout.
type CommandRuntime struct {
	// Command is a template such as
	// "openclaw agent --agent bench-{{model_slug}} --message {{prompt}}".
	Command string
	Env     map[string]string
	// WaitDelay bounds how long a killed process may hold its output open.
	WaitDelay time.Duration
}

func (r *CommandRuntime) Name() string { return "command" }

func (r *CommandRuntime) Start(ctx context.Context, req SessionRequest) (Session, error) {
	argv := expandArgs(r.Command, placeholders(req))
	if len(argv) == 0 {
		return nil, errors.New("agent command is empty")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.Workspace
	cmd.Env = os.Environ()
	for k, v := range r.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Cancel = func() error { return cmd.Process.Kill() }
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	pr, pw := io.Pipe()
	stderr := &tailBuffer{max: 4096}
	cmd.Stdout = pw
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	s := &commandSession{
		cmd:      cmd,
		stderr:   stderr,
		events:   make(chan transcript.Event),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go func() {
		s.waitErr = cmd.Wait()
		pw.Close()
		close(s.exited)
	}()
	go func() {
		defer close(s.readDone)
		defer close(s.events)
		s.readErr = decodeStream(ctx, pr, s.events, s.done)
	}()
	return s, nil
}

type commandSession struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	events chan transcript.Event

	done      chan struct{}
	closeOnce sync.Once

	exited   chan struct{}
	waitErr  error
	readDone chan struct{}
	readErr  error
}

func (s *commandSession) Events() <-chan transcript.Event { return s.events }

func (s *commandSession) Wait() error {
	<-s.exited
	<-s.readDone
	if s.waitErr != nil {
		if tail := s.stderr.String(); tail != "" {
			return fmt.Errorf("agent exited: %w: %s", s.waitErr, tail)
		}
		return fmt.Errorf("agent exited: %w", s.waitErr)
	}
	if s.readErr != nil {
		return fmt.Errorf("reading agent output: %w", s.readErr)
	}
	return nil
}

func (s *commandSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		select {
		case <-s.exited:
		default:
			s.cmd.Process.Kill()
		}
	})
	<-s.exited
	return nil
}
