package agentclient

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsCompletionSentinel_ResultWithDone(t *testing.T) {
	env := envelope{Type: "result", Message: json.RawMessage(`"all done, DONE"`)}
	assert.True(t, isCompletionSentinel(env))
}

func TestIsCompletionSentinel_ResultWithoutDone(t *testing.T) {
	env := envelope{Type: "result", Message: json.RawMessage(`"still working"`)}
	assert.False(t, isCompletionSentinel(env))
}

func TestIsCompletionSentinel_ResultNoMessage(t *testing.T) {
	env := envelope{Type: "result"}
	assert.False(t, isCompletionSentinel(env))
}

func TestIsCompletionSentinel_NonResultType(t *testing.T) {
	env := envelope{Type: "assistant", Message: json.RawMessage(`"DONE"`)}
	assert.False(t, isCompletionSentinel(env))
}

func TestAgentArgs_Claude(t *testing.T) {
	args := agentArgs(Config{AgentType: "claude"})
	assert.Equal(t, []string{"--output-format", "stream-json", "--input-format", "stream-json", "--verbose"}, args)
}

func TestAgentArgs_ClaudeResume(t *testing.T) {
	args := agentArgs(Config{AgentType: "claude", Resume: "abc-123"})
	assert.Equal(t, []string{"--output-format", "stream-json", "--input-format", "stream-json", "--verbose", "--resume", "abc-123"}, args)
}

func TestAgentArgs_Codex(t *testing.T) {
	args := agentArgs(Config{AgentType: "codex"})
	assert.Equal(t, []string{"--json"}, args)
}

func TestAgentArgs_CodexResume(t *testing.T) {
	args := agentArgs(Config{AgentType: "codex", Resume: "sess-9"})
	assert.Equal(t, []string{"--json", "--resume", "sess-9"}, args)
}
