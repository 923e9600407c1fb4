// Package engine runs agent turns as a subprocess speaking
// line-delimited JSON on stdin/stdout. Each Start spawns one process for
// one turn; the process exits when the turn ends.
package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/agenthall/agenthall/internal/logging"
	"github.com/agenthall/agenthall/internal/runner"
	"github.com/agenthall/agenthall/pkg/types"
)

// maxLineSize bounds a single protocol line. Engine messages can carry
// whole file contents.
const maxLineSize = 8 << 20

// CLI launches an engine binary per turn.
type CLI struct {
	// Command is the argv of the engine binary.
	Command []string
}

// New creates a CLI engine. An empty command falls back to "claude".
func New(command []string) *CLI {
	if len(command) == 0 {
		command = []string{"claude"}
	}
	return &CLI{Command: command}
}

// envelope is one protocol line in either direction.
//
// host -> engine: {"type":"run", prompt, resumeToken?, model?}
//
//	{"type":"permission_response", id, result}
//
// engine -> host: {"type":"message", payload}
//
//	{"type":"permission_request", id, tool, input}
//	{"type":"done", resumeToken?, error?}
type envelope struct {
	Type        string                  `json:"type"`
	Prompt      string                  `json:"prompt,omitempty"`
	ResumeToken string                  `json:"resumeToken,omitempty"`
	Model       string                  `json:"model,omitempty"`
	Payload     json.RawMessage         `json:"payload,omitempty"`
	ID          string                  `json:"id,omitempty"`
	Tool        string                  `json:"tool,omitempty"`
	Input       json.RawMessage         `json:"input,omitempty"`
	Result      *types.PermissionResult `json:"result,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// Start launches one engine turn. The decrypted credential goes into the
// child's environment and nowhere else.
func (c *CLI) Start(ctx context.Context, cfg runner.EngineConfig) (runner.EngineHandle, error) {
	argv := c.Command
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}

	env := os.Environ()
	if cfg.BaseURL != "" {
		env = append(env, "ANTHROPIC_BASE_URL="+cfg.BaseURL)
	}
	if cfg.AuthToken != "" {
		env = append(env, "ANTHROPIC_AUTH_TOKEN="+cfg.AuthToken)
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening engine stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening engine stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning engine: %w", err)
	}

	h := &handle{
		cmd:   cmd,
		stdin: stdin,
		msgs:  make(chan json.RawMessage, 64),
		done:  make(chan struct{}),
	}

	if err := h.send(envelope{
		Type:        "run",
		Prompt:      cfg.Prompt,
		ResumeToken: cfg.ResumeToken,
		Model:       cfg.DefaultModel,
	}); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("sending run request: %w", err)
	}

	go drainStderr(cfg.SessionID, stderr)
	go h.read(ctx, cfg, stdout)
	return h, nil
}

// handle is one running engine process.
type handle struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	msgs  chan json.RawMessage
	done  chan struct{}

	writeMu sync.Mutex

	mu    sync.Mutex
	err   error
	token string
}

func (h *handle) Messages() <-chan json.RawMessage { return h.msgs }

func (h *handle) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *handle) ResumeToken() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

// send writes one protocol line; writes are serialized because
// permission responses are produced concurrently.
func (h *handle) send(ev envelope) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_, err = h.stdin.Write(append(data, '\n'))
	return err
}

// read pumps the engine's stdout until it exits.
func (h *handle) read(ctx context.Context, cfg runner.EngineConfig, stdout io.Reader) {
	defer close(h.done)
	defer close(h.msgs)

	var turnErr error
	sawDone := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev envelope
		if err := json.Unmarshal(line, &ev); err != nil {
			logging.Warn().Str("sessionID", cfg.SessionID).Msg("skipping malformed engine output line")
			continue
		}

		switch ev.Type {
		case "message":
			h.msgs <- ev.Payload
		case "permission_request":
			// Each request resolves on its own goroutine; the gateway
			// bounds how many can be in flight.
			go h.respondPermission(ctx, cfg, ev)
		case "done":
			sawDone = true
			if ev.ResumeToken != "" {
				h.mu.Lock()
				h.token = ev.ResumeToken
				h.mu.Unlock()
			}
			if ev.Error != "" {
				turnErr = fmt.Errorf("engine: %s", ev.Error)
			}
		default:
			logging.Debug().Str("sessionID", cfg.SessionID).Str("type", logging.Sanitize(ev.Type)).Msg("ignoring unknown engine output line")
		}
	}
	if err := scanner.Err(); err != nil && turnErr == nil {
		turnErr = fmt.Errorf("reading engine output: %w", err)
	}

	waitErr := h.cmd.Wait()
	if turnErr == nil && !sawDone && waitErr != nil {
		turnErr = fmt.Errorf("engine exited: %w", waitErr)
	}

	h.mu.Lock()
	h.err = turnErr
	h.mu.Unlock()
}

// respondPermission runs one tool-use request through the host's
// permission callback and writes the decision back.
func (h *handle) respondPermission(ctx context.Context, cfg runner.EngineConfig, ev envelope) {
	result := cfg.CanUseTool(ctx, ev.Tool, ev.Input)
	if err := h.send(envelope{Type: "permission_response", ID: ev.ID, Result: &result}); err != nil {
		logging.Warn().Str("sessionID", cfg.SessionID).Str("error", logging.Sanitize(err.Error())).Msg("failed to deliver permission response to engine")
	}
}

// drainStderr forwards engine diagnostics to the host log.
func drainStderr(sessionID string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			logging.Debug().Str("sessionID", sessionID).Str("line", logging.Sanitize(line)).Msg("engine stderr")
		}
	}
}
