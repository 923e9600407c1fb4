package engine

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthall/agenthall/internal/runner"
	"github.com/agenthall/agenthall/pkg/types"
)

// scriptEngine builds a CLI whose binary is a small shell script, which
// is enough to exercise the whole protocol without a real engine.
func scriptEngine(t *testing.T, script string) *CLI {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script engine fixtures are not portable to windows")
	}
	return New([]string{"/bin/sh", "-c", script})
}

func allowAll(_ context.Context, _ string, input json.RawMessage) types.PermissionResult {
	return types.PermissionResult{Behavior: types.BehaviorAllow, UpdatedInput: input}
}

func collect(t *testing.T, h runner.EngineHandle) []json.RawMessage {
	t.Helper()
	var msgs []json.RawMessage
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-h.Messages():
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		case <-timeout:
			t.Fatal("engine messages never closed")
		}
	}
}

func TestRunRequestReachesEngine(t *testing.T) {
	// The script echoes the run request back as a message.
	e := scriptEngine(t, `read line
printf '{"type":"message","payload":%s}\n' "$line"
echo '{"type":"done","resumeToken":"tok-9"}'`)

	h, err := e.Start(context.Background(), runner.EngineConfig{
		SessionID:   "s1",
		Prompt:      "write tests",
		ResumeToken: "tok-8",
		CanUseTool:  allowAll,
	})
	require.NoError(t, err)

	msgs := collect(t, h)
	require.Len(t, msgs, 1)
	var run struct {
		Type        string `json:"type"`
		Prompt      string `json:"prompt"`
		ResumeToken string `json:"resumeToken"`
	}
	require.NoError(t, json.Unmarshal(msgs[0], &run))
	assert.Equal(t, "run", run.Type)
	assert.Equal(t, "write tests", run.Prompt)
	assert.Equal(t, "tok-8", run.ResumeToken)

	require.NoError(t, h.Wait())
	assert.Equal(t, "tok-9", h.ResumeToken())
}

func TestPermissionRequestRoundTrip(t *testing.T) {
	e := scriptEngine(t, `read run
echo '{"type":"permission_request","id":"p1","tool":"Write","input":{"file":"x"}}'
read resp
printf '{"type":"message","payload":%s}\n' "$resp"
echo '{"type":"done"}'`)

	asked := make(chan string, 1)
	h, err := e.Start(context.Background(), runner.EngineConfig{
		SessionID: "s1",
		Prompt:    "go",
		CanUseTool: func(_ context.Context, tool string, input json.RawMessage) types.PermissionResult {
			asked <- tool
			return types.PermissionResult{Behavior: types.BehaviorAllow, UpdatedInput: input}
		},
	})
	require.NoError(t, err)

	msgs := collect(t, h)
	require.NoError(t, h.Wait())

	select {
	case tool := <-asked:
		assert.Equal(t, "Write", tool)
	default:
		t.Fatal("permission callback never invoked")
	}

	require.Len(t, msgs, 1)
	var resp struct {
		Type   string                  `json:"type"`
		ID     string                  `json:"id"`
		Result *types.PermissionResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(msgs[0], &resp))
	assert.Equal(t, "permission_response", resp.Type)
	assert.Equal(t, "p1", resp.ID)
	require.NotNil(t, resp.Result)
	assert.Equal(t, types.BehaviorAllow, resp.Result.Behavior)
}

func TestEngineErrorSurfaces(t *testing.T) {
	e := scriptEngine(t, `read run
echo '{"type":"done","error":"model overloaded"}'`)

	h, err := e.Start(context.Background(), runner.EngineConfig{Prompt: "go", CanUseTool: allowAll})
	require.NoError(t, err)
	collect(t, h)

	err = h.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestEngineCrashWithoutDone(t *testing.T) {
	e := scriptEngine(t, `read run
exit 3`)

	h, err := e.Start(context.Background(), runner.EngineConfig{Prompt: "go", CanUseTool: allowAll})
	require.NoError(t, err)
	collect(t, h)

	err = h.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine exited")
}

func TestMalformedOutputLinesAreSkipped(t *testing.T) {
	e := scriptEngine(t, `read run
echo 'this is not json'
echo '{"type":"message","payload":{"ok":true}}'
echo '{"type":"done"}'`)

	h, err := e.Start(context.Background(), runner.EngineConfig{Prompt: "go", CanUseTool: allowAll})
	require.NoError(t, err)

	msgs := collect(t, h)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"ok":true}`, string(msgs[0]))
	require.NoError(t, h.Wait())
}

func TestCredentialEntersChildEnvironment(t *testing.T) {
	e := scriptEngine(t, `read run
printf '{"type":"message","payload":{"base":"%s","token":"%s"}}\n' "$ANTHROPIC_BASE_URL" "$ANTHROPIC_AUTH_TOKEN"
echo '{"type":"done"}'`)

	h, err := e.Start(context.Background(), runner.EngineConfig{
		Prompt:     "go",
		BaseURL:    "https://api.acme.example",
		AuthToken:  "sk-env-secret",
		CanUseTool: allowAll,
	})
	require.NoError(t, err)

	msgs := collect(t, h)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"base":"https://api.acme.example","token":"sk-env-secret"}`, string(msgs[0]))
	require.NoError(t, h.Wait())
}

func TestContextCancelKillsEngine(t *testing.T) {
	e := scriptEngine(t, `read run
sleep 60`)

	ctx, cancel := context.WithCancel(context.Background())
	h, err := e.Start(ctx, runner.EngineConfig{Prompt: "go", CanUseTool: allowAll})
	require.NoError(t, err)

	cancel()
	collect(t, h)
	assert.Error(t, h.Wait())
}

func TestSpawnFailure(t *testing.T) {
	e := New([]string{"/no/such/engine/binary"})
	_, err := e.Start(context.Background(), runner.EngineConfig{Prompt: "go", CanUseTool: allowAll})
	assert.Error(t, err)
}

func TestDefaultCommand(t *testing.T) {
	assert.Equal(t, []string{"claude"}, New(nil).Command)
}
