package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/signalnine/pinchbench/internal/ctxlog"
	"github.com/signalnine/pinchbench/internal/transcript"
)

// State is the driver side of the stream-json protocol.
type State int

const (
	StateWaiting State = iota // listening, no connection yet
	StateInit                 // connected, awaiting system/init
	StateRunning              // prompt sent, agent working
	StateDone                 // result received
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// envelope is one message on the wire; message types use different subsets
// of the fields.
type envelope struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Model     string          `json:"model,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	IsError   *bool           `json:"is_error,omitempty"`
	Result    string          `json:"result,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
}

type controlRequest struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type streamMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Usage   *struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	} `json:"usage,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Process is a launched agent CLI.
type Process interface {
	Wait() error
	Kill() error
}

// Launcher starts the agent CLI with argv in dir.
type Launcher func(ctx context.Context, argv []string, dir string, env []string) (Process, error)

// WebSocketRuntime listens on a loopback WebSocket endpoint, launches the
// agent CLI pointed at it through {{sdk_url}}, and drives the session over
// the stream-json protocol, approving every tool request.
type WebSocketRuntime struct {
	Command string
	Env     map[string]string
	// IdleTimeout is the longest the agent may stay silent.
	IdleTimeout time.Duration
	// Launch defaults to running Command as a local process.
	Launch Launcher
}

func (r *WebSocketRuntime) Name() string { return "websocket" }

func (r *WebSocketRuntime) Start(ctx context.Context, req SessionRequest) (Session, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	s := &wsSession{
		prompt:      req.Prompt,
		idleTimeout: r.IdleTimeout,
		events:      make(chan transcript.Event),
		conns:       make(chan *websocket.Conn, 1),
		done:        make(chan struct{}),
		finished:    make(chan struct{}),
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = 10 * time.Minute
	}
	s.server = &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
			if err != nil {
				return
			}
			select {
			case s.conns <- conn:
			default:
				conn.Close(websocket.StatusPolicyViolation, "only one connection allowed")
			}
		}),
	}
	go s.server.Serve(ln)

	vars := placeholders(req)
	vars["sdk_url"] = "ws://" + ln.Addr().String() + "/ws"
	argv := expandArgs(r.Command, vars)
	if len(argv) == 0 {
		s.server.Close()
		return nil, errors.New("agent command is empty")
	}
	env := os.Environ()
	for k, v := range r.Env {
		env = append(env, k+"="+v)
	}
	launch := r.Launch
	if launch == nil {
		launch = launchProcess
	}
	proc, err := launch(ctx, argv, req.Workspace, env)
	if err != nil {
		s.server.Close()
		return nil, fmt.Errorf("launching agent: %w", err)
	}
	s.proc = proc
	s.procExited = make(chan struct{})
	go func() {
		s.procErr = proc.Wait()
		close(s.procExited)
	}()

	go func() {
		defer close(s.finished)
		defer close(s.events)
		s.protoErr = s.serve(ctx)
	}()
	return s, nil
}

type wsSession struct {
	prompt      string
	idleTimeout time.Duration
	server      *http.Server
	conns       chan *websocket.Conn
	events      chan transcript.Event

	state     State
	sessionID string

	proc       Process
	procExited chan struct{}
	procErr    error

	done      chan struct{}
	closeOnce sync.Once

	finished chan struct{}
	protoErr error
}

func (s *wsSession) Events() <-chan transcript.Event { return s.events }

func (s *wsSession) Wait() error {
	<-s.finished
	if s.protoErr != nil {
		return s.protoErr
	}
	select {
	case <-s.procExited:
	case <-time.After(30 * time.Second):
		// The agent delivered its result but did not exit.
		s.proc.Kill()
		<-s.procExited
		return nil
	}
	if s.procErr != nil {
		return fmt.Errorf("agent exited: %w", s.procErr)
	}
	return nil
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.proc.Kill()
		s.server.Close()
	})
	<-s.procExited
	<-s.finished
	return nil
}

func (s *wsSession) emit(e transcript.Event) bool {
	select {
	case s.events <- e:
		return true
	case <-s.done:
		return false
	}
}

func (s *wsSession) serve(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)
	s.state = StateWaiting

	var conn *websocket.Conn
	idle := time.NewTimer(s.idleTimeout)
	select {
	case conn = <-s.conns:
		idle.Stop()
	case <-s.procExited:
		return fmt.Errorf("agent exited before connecting: %v", s.procErr)
	case <-idle.C:
		return fmt.Errorf("agent did not connect within %s", s.idleTimeout)
	case <-s.done:
		return errors.New("session closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	defer conn.CloseNow()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-connCtx.Done():
		}
	}()

	s.state = StateInit
	for s.state != StateDone {
		readCtx, cancelRead := context.WithTimeout(connCtx, s.idleTimeout)
		_, data, err := conn.Read(readCtx)
		cancelRead()
		if err != nil {
			return fmt.Errorf("read in state %s: %w", s.state, err)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Debug("malformed agent message", "data", string(data))
			continue
		}
		replies, err := s.handle(&env)
		if err != nil {
			return fmt.Errorf("handle message in state %s: %w", s.state, err)
		}
		for _, reply := range replies {
			if err := conn.Write(connCtx, websocket.MessageText, reply); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
		}
	}
	conn.Close(websocket.StatusNormalClosure, "done")
	return nil
}

func (s *wsSession) handle(env *envelope) ([][]byte, error) {
	switch s.state {
	case StateInit:
		return s.handleInit(env)
	case StateRunning:
		return s.handleRunning(env)
	default:
		return nil, fmt.Errorf("unexpected message in state %s", s.state)
	}
}

func (s *wsSession) handleInit(env *envelope) ([][]byte, error) {
	if env.Type != "system" || env.Subtype != "init" {
		return nil, fmt.Errorf("expected system/init, got type=%s subtype=%s", env.Type, env.Subtype)
	}
	s.sessionID = env.SessionID

	data, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": s.prompt,
		},
		"parent_tool_use_id": nil,
		"session_id":         s.sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal user message: %w", err)
	}
	if !s.emit(transcript.Event{Role: transcript.RoleUser, Text: s.prompt}) {
		return nil, errors.New("session closed")
	}
	s.state = StateRunning
	return [][]byte{data}, nil
}

func (s *wsSession) handleRunning(env *envelope) ([][]byte, error) {
	switch env.Type {
	case "control_request":
		return s.handleControlRequest(env)
	case "assistant", "user":
		for _, e := range messageEvents(env.Message) {
			if !s.emit(e) {
				return nil, errors.New("session closed")
			}
		}
		return nil, nil
	case "result":
		s.state = StateDone
		if env.IsError != nil && *env.IsError {
			return nil, fmt.Errorf("agent reported %s: %s", env.Subtype, strings.Join(env.Errors, "; "))
		}
		return nil, nil
	default:
		// keep_alive, stream_event, tool_progress and other informational
		// messages carry nothing for the transcript.
		return nil, nil
	}
}

func (s *wsSession) handleControlRequest(env *envelope) ([][]byte, error) {
	var req controlRequest
	if err := json.Unmarshal(env.Request, &req); err != nil {
		return nil, fmt.Errorf("unmarshal control request body: %w", err)
	}
	if req.Subtype != "can_use_tool" {
		return nil, nil
	}
	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	data, err := json.Marshal(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": env.RequestID,
			"response": map[string]any{
				"behavior":     "allow",
				"updatedInput": input,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal control response: %w", err)
	}
	return [][]byte{data}, nil
}

// messageEvents converts an assistant or user stream message into transcript
// events. User messages coming from the agent carry tool results.
func messageEvents(raw json.RawMessage) []transcript.Event {
	if len(raw) == 0 {
		return nil
	}
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	var blocks []contentBlock
	var text string
	if err := json.Unmarshal(msg.Content, &text); err != nil {
		json.Unmarshal(msg.Content, &blocks)
	}

	switch msg.Role {
	case "assistant":
		e := transcript.Event{Role: transcript.RoleAssistant, Text: text}
		var texts []string
		for _, b := range blocks {
			switch b.Type {
			case "text":
				texts = append(texts, b.Text)
			case "tool_use":
				e.ToolCalls = append(e.ToolCalls, transcript.ToolCall{ID: b.ID, Name: b.Name, Arguments: b.Input})
			}
		}
		if len(texts) > 0 {
			e.Text = strings.Join(texts, "\n")
		}
		if u := msg.Usage; u != nil {
			e.Usage = &transcript.Usage{
				InputTokens:      u.InputTokens,
				OutputTokens:     u.OutputTokens,
				CacheReadTokens:  u.CacheReadInputTokens,
				CacheWriteTokens: u.CacheCreationInputTokens,
				TotalTokens:      u.InputTokens + u.OutputTokens,
			}
		}
		return []transcript.Event{e}
	case "user":
		var events []transcript.Event
		for _, b := range blocks {
			if b.Type != "tool_result" {
				continue
			}
			events = append(events, transcript.Event{
				Role: transcript.RoleToolResult,
				ToolResult: &transcript.ToolResult{
					ToolCallID: b.ToolUseID,
					Content:    blockText(b.Content),
					IsError:    b.IsError,
				},
			})
		}
		if len(events) == 0 && text != "" {
			events = append(events, transcript.Event{Role: transcript.RoleUser, Text: text})
		}
		return events
	}
	return nil
}

func blockText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []contentBlock
	if err := json.Unmarshal(raw, &parts); err != nil {
		return string(raw)
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
}

func launchProcess(ctx context.Context, argv []string, dir string, env []string) (Process, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.WaitDelay = 5 * time.Second
	stderr := &tailBuffer{max: 4096}
	cmd.Stdout = stderr
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}
	return &execProcess{cmd: cmd, stderr: stderr}, nil
}

func (p *execProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		if tail := p.stderr.String(); tail != "" {
			return fmt.Errorf("%w: %s", err, tail)
		}
		return err
	}
	return nil
}

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }
