package agent

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/signalnine/pinchbench/internal/ctxlog"
	"github.com/signalnine/pinchbench/internal/transcript"
)

// SessionRequest describes one agent session.
type SessionRequest struct {
	TaskID    string
	SessionID string
	Model     string
	Prompt    string
	Workspace string
}

// Runtime starts sessions with the agent under test.
type Runtime interface {
	Name() string
	// Start launches a session. ctx bounds the whole session: when it is
	// done the session must stop.
	Start(ctx context.Context, req SessionRequest) (Session, error)
}

// Session is a running agent session.
type Session interface {
	// Events delivers transcript events in arrival order. It is closed when
	// the agent's output ends or the session is closed.
	Events() <-chan transcript.Event
	// Wait blocks until the session has finished and reports whether it
	// completed successfully.
	Wait() error
	// Close forcibly terminates the session and releases its resources. It
	// is safe to call at any time and more than once.
	Close() error
}

var slugRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ModelSlug turns a provider/model identifier into something usable as an
// agent or file name.
func ModelSlug(model string) string {
	return strings.Trim(slugRe.ReplaceAllString(model, "-"), "-")
}

// expandArgs splits a command template into fields and fills in the
// placeholders. Placeholder values are never re-split, so prompts with spaces
// stay one argument.
func expandArgs(template string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	fields := strings.Fields(template)
	for i, f := range fields {
		fields[i] = r.Replace(f)
	}
	return fields
}

func placeholders(req SessionRequest) map[string]string {
	return map[string]string{
		"prompt":     req.Prompt,
		"model":      req.Model,
		"model_slug": ModelSlug(req.Model),
		"workspace":  req.Workspace,
		"session_id": req.SessionID,
		"task_id":    req.TaskID,
	}
}

// decodeStream reads NDJSON events from r and sends them on out until r is
// exhausted or done is closed. Lines that do not decode are logged and
// skipped. After done is closed the rest of r is discarded so writers never
// block.
func decodeStream(ctx context.Context, r io.Reader, out chan<- transcript.Event, done <-chan struct{}) error {
	log := ctxlog.FromContext(ctx)
	br := bufio.NewReaderSize(r, 64*1024)
	var scanErr error
	for {
		line, err := readLine(br)
		if len(line) > 0 {
			e, ok, decErr := transcript.DecodeLine(bytes.TrimSpace(line))
			switch {
			case decErr != nil:
				log.Debug("skipping undecodable agent output", "error", decErr)
			case ok:
				select {
				case out <- e:
				case <-done:
					io.Copy(io.Discard, br)
					return nil
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				scanErr = err
			}
			return scanErr
		}
	}
}

// readLine reads one line, dropping the remainder of lines longer than
// transcript.MaxLineBytes.
func readLine(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(buf)+len(chunk) <= transcript.MaxLineBytes {
			buf = append(buf, chunk...)
		}
		if err != nil || !isPrefix {
			return buf, err
		}
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
