// Package agent drives one bounded session with the agent under test and
// records its transcript.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalnine/pinchbench/internal/ctxlog"
	"github.com/signalnine/pinchbench/internal/task"
	"github.com/signalnine/pinchbench/internal/transcript"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed_out"
	StatusErrored   Status = "errored"
)

// ErrEmptyTranscript is the cause recorded for a session that finished
// without producing a single event.
var ErrEmptyTranscript = errors.New("agent produced no transcript events")

// ExecutionTimeout is recorded when a session outlives its deadline.
type ExecutionTimeout struct {
	TaskID   string
	Deadline time.Duration
}

func (e *ExecutionTimeout) Error() string {
	return fmt.Sprintf("task %s exceeded its %s deadline", e.TaskID, e.Deadline)
}

// ExecutionError is recorded when a session could not start or complete for
// any reason other than the deadline.
type ExecutionError struct {
	TaskID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s execution failed: %v", e.TaskID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Execution is one task's session. Once Status is set it never changes.
type Execution struct {
	TaskID    string
	SessionID string
	Workspace string
	Runtime   string
	Deadline  time.Duration
	Started   time.Time
	Finished  time.Time
	Events    []transcript.Event

	mu     sync.Mutex
	status Status
	cause  error
}

// Restore rebuilds a finished execution from saved artifacts, for
// re-grading.
func Restore(taskID, workspace string, events []transcript.Event, status Status, cause error) *Execution {
	e := &Execution{TaskID: taskID, Workspace: workspace, Events: events}
	e.finish(status, cause)
	return e
}

func (e *Execution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err is the *ExecutionTimeout or *ExecutionError behind a non-completed
// status.
func (e *Execution) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cause
}

// finish assigns the terminal status. Only the first call has any effect.
func (e *Execution) finish(status Status, cause error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != "" {
		return false
	}
	e.status, e.cause = status, cause
	e.Finished = time.Now().UTC()
	return true
}

func (e *Execution) Usage() transcript.Usage { return transcript.TotalUsage(e.Events) }

func (e *Execution) Duration() time.Duration {
	if e.Finished.IsZero() {
		return 0
	}
	return e.Finished.Sub(e.Started)
}

type DriverOptions struct {
	Model string
	// TimeoutMultiplier scales each task's timeout. Zero means no time at
	// all: every session times out immediately.
	TimeoutMultiplier float64
	// DrainGrace bounds how long the driver waits for a killed session to
	// shut down.
	DrainGrace time.Duration
}

type Driver struct {
	runtime Runtime
	opts    DriverOptions
}

func NewDriver(rt Runtime, opts DriverOptions) *Driver {
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = 10 * time.Second
	}
	if opts.TimeoutMultiplier < 0 {
		opts.TimeoutMultiplier = 0
	}
	return &Driver{runtime: rt, opts: opts}
}

// Deadline is the wall-clock budget for t.
func (d *Driver) Deadline(t *task.Task) time.Duration {
	return time.Duration(float64(t.Timeout) * d.opts.TimeoutMultiplier)
}

// Run executes t in workspace. It always returns an Execution with a
// terminal status; failures are recorded on it rather than returned.
func (d *Driver) Run(ctx context.Context, t *task.Task, workspace string) *Execution {
	log := ctxlog.FromContext(ctx).With("task_id", t.ID, "runtime", d.runtime.Name())
	exec := &Execution{
		TaskID:    t.ID,
		SessionID: uuid.NewString(),
		Workspace: workspace,
		Runtime:   d.runtime.Name(),
		Deadline:  d.Deadline(t),
		Started:   time.Now().UTC(),
	}
	var tr transcript.Transcript
	defer func() { exec.Events = tr.Events() }()

	timedOut := func() {
		exec.finish(StatusTimedOut, &ExecutionTimeout{TaskID: t.ID, Deadline: exec.Deadline})
		log.Warn("agent session timed out", "deadline", exec.Deadline, "events", tr.Len())
	}
	failed := func(err error) {
		exec.finish(StatusErrored, &ExecutionError{TaskID: t.ID, Err: err})
		log.Warn("agent session failed", "error", err, "events", tr.Len())
	}

	if exec.Deadline <= 0 {
		timedOut()
		return exec
	}
	runCtx, cancel := context.WithTimeout(ctx, exec.Deadline)
	defer cancel()
	deadlineHit := func() bool {
		return errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	}

	sess, err := d.runtime.Start(runCtx, SessionRequest{
		TaskID:    t.ID,
		SessionID: exec.SessionID,
		Model:     d.opts.Model,
		Prompt:    t.Prompt,
		Workspace: workspace,
	})
	if err != nil {
		if deadlineHit() {
			timedOut()
		} else {
			failed(fmt.Errorf("starting session: %w", err))
		}
		return exec
	}
	log.Debug("agent session started", "session_id", exec.SessionID, "deadline", exec.Deadline)

	events := sess.Events()
	for events != nil {
		select {
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			tr.Append(e)
		case <-runCtx.Done():
			d.abort(sess, events)
			if deadlineHit() {
				timedOut()
			} else {
				failed(ctx.Err())
			}
			return exec
		}
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- sess.Wait() }()
	select {
	case err = <-waitErr:
	case <-runCtx.Done():
		d.abort(sess, nil)
		if deadlineHit() {
			timedOut()
		} else {
			failed(ctx.Err())
		}
		return exec
	}
	if closeErr := sess.Close(); closeErr != nil {
		log.Debug("closing agent session", "error", closeErr)
	}

	switch {
	case err != nil:
		failed(err)
	case tr.Len() == 0:
		failed(ErrEmptyTranscript)
	default:
		exec.finish(StatusCompleted, nil)
		log.Debug("agent session completed", "events", tr.Len())
	}
	return exec
}

// abort kills the session and waits, up to DrainGrace, for it to release
// its resources. Events that arrive after the deadline are discarded.
func (d *Driver) abort(sess Session, events <-chan transcript.Event) {
	closed := make(chan struct{})
	go func() {
		sess.Close()
		close(closed)
	}()
	grace := time.NewTimer(d.opts.DrainGrace)
	defer grace.Stop()
	for events != nil {
		select {
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-grace.C:
			return
		}
	}
	select {
	case <-closed:
	case <-grace.C:
	}
}
