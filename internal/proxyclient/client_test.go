package proxyclient

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meawoppl/claude-code-portal/internal/agentclient"
	"github.com/meawoppl/claude-code-portal/internal/config"
	"github.com/meawoppl/claude-code-portal/internal/protocol"
)

type fakeAgent struct {
	sent    []string
	sendErr error
	events  chan agentclient.Event
	closed  bool
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{events: make(chan agentclient.Event, 8)}
}

func (f *fakeAgent) Send(content string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, content)
	return nil
}

func (f *fakeAgent) Events() <-chan agentclient.Event { return f.events }

func (f *fakeAgent) Close() error {
	f.closed = true
	return nil
}

func newTestClient() *Client {
	return New(config.Proxy{OutputBufferCap: 100}, zerolog.Nop())
}

func TestBufferAndSendOutput_BuffersWhenDisconnected(t *testing.T) {
	c := newTestClient()
	c.bufferAndSendOutput("hello")
	c.bufferAndSendOutput("world")

	require.Len(t, c.outputBuffer, 2)
	assert.Equal(t, uint64(1), c.outputBuffer[0].seq)
	assert.Equal(t, uint64(2), c.outputBuffer[1].seq)
	assert.Equal(t, uint64(3), c.nextOutputSeq)
}

func TestHandleOutputAck_TrimsBuffer(t *testing.T) {
	c := newTestClient()
	c.bufferAndSendOutput("a")
	c.bufferAndSendOutput("b")
	c.bufferAndSendOutput("c")

	c.handleOutputAck(2)

	require.Len(t, c.outputBuffer, 1)
	assert.Equal(t, uint64(3), c.outputBuffer[0].seq)
	assert.Equal(t, uint64(2), c.lastLocalAck)
}

func TestHandleOutputAck_RepeatedAckTriggersRetransmit(t *testing.T) {
	c := newTestClient()
	c.bufferAndSendOutput("a")
	c.handleOutputAck(1)

	c.handleOutputAck(1)
	c.handleOutputAck(1)
	assert.Equal(t, 2, c.repeatedAcks[1])

	c.handleOutputAck(1)
	assert.Equal(t, 0, c.repeatedAcks[1])
}

func TestHandleSequencedInput_AcksOnlyAfterAgentAccepts(t *testing.T) {
	c := newTestClient()
	agent := newFakeAgent()
	c.agent = agent

	c.handleSequencedInput(&protocol.Frame{Content: "hi", Seq: 5})

	assert.Equal(t, []string{"hi"}, agent.sent)
	assert.Nil(t, c.wiggum)
}

func TestHandleSequencedInput_WiggumModeDefersAck(t *testing.T) {
	c := newTestClient()
	agent := newFakeAgent()
	c.agent = agent

	c.handleSequencedInput(&protocol.Frame{Content: "do the thing", Seq: 7, SendMode: protocol.SendModeWiggum})

	require.NotNil(t, c.wiggum)
	assert.Equal(t, uint64(7), c.wiggum.seq)
	assert.Equal(t, "do the thing", c.wiggum.content)
}

func TestHandleSequencedInput_AgentRejectsWrite(t *testing.T) {
	c := newTestClient()
	agent := newFakeAgent()
	agent.sendErr = errors.New("broken pipe")
	c.agent = agent

	c.handleSequencedInput(&protocol.Frame{Content: "hi", Seq: 1})
	assert.Empty(t, agent.sent)
}

func TestAdvanceWiggum_ReinjectsOnIncompleteTurn(t *testing.T) {
	c := newTestClient()
	agent := newFakeAgent()
	c.agent = agent
	c.wiggum = &pendingWiggumInput{seq: 3, content: "keep going"}

	c.advanceWiggum(false)

	assert.Equal(t, []string{"keep going"}, agent.sent)
	assert.NotNil(t, c.wiggum)
}

func TestAdvanceWiggum_ClearsOnCompletedTurn(t *testing.T) {
	c := newTestClient()
	agent := newFakeAgent()
	c.agent = agent
	c.wiggum = &pendingWiggumInput{seq: 3, content: "keep going"}

	c.advanceWiggum(true)

	assert.Nil(t, c.wiggum)
	assert.Empty(t, agent.sent)
}

func TestRestartAgent_ResetsBufferingState(t *testing.T) {
	c := newTestClient()
	oldAgent := newFakeAgent()
	c.agent = oldAgent
	c.bufferAndSendOutput("stale")
	c.lastLocalAck = 5
	c.repeatedAcks[5] = 2
	c.wiggum = &pendingWiggumInput{seq: 1, content: "x"}

	err := c.restartAgent(context.Background())
	require.Error(t, err) // no real agent binary configured in this test

	assert.True(t, oldAgent.closed)
	assert.Nil(t, c.outputBuffer)
	assert.Equal(t, uint64(1), c.nextOutputSeq)
	assert.Equal(t, uint64(0), c.lastLocalAck)
	assert.Empty(t, c.repeatedAcks)
	assert.Nil(t, c.wiggum)
}
