package relay

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoeboo/relaydeck/internal/bridge"
	"github.com/sjoeboo/relaydeck/internal/config"
	"github.com/sjoeboo/relaydeck/internal/gateway"
)

type fakeSession struct {
	mu        sync.Mutex
	name      string
	sent      []string
	ensureErr error
	sendErr   error
	snapshot  string
	captured  int
	killed    bool
}

func (f *fakeSession) SessionName() string { return f.name }

func (f *fakeSession) Ensure(launchCmd string) error { return f.ensureErr }

func (f *fakeSession) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSession) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	return nil
}

func (f *fakeSession) Restart(launchCmd string) error { return nil }
func (f *fakeSession) Exists() bool                   { return true }

func (f *fakeSession) CaptureHistory() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured++
	return f.snapshot, nil
}

func (f *fakeSession) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeSession) captureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captured
}

type chatRecorder struct {
	mu    sync.Mutex
	sends []string
}

func (c *chatRecorder) Send(conversationID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, conversationID+": "+text)
	return nil
}

func (c *chatRecorder) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sends...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Aggregator.ShortTimeoutSecs = 3600
	cfg.Aggregator.LongTimeoutSecs = 3600
	cfg.Aggregator.BurstWindowSecs = 30
	cfg.Aggregator.MaxBufferSize = 100
	cfg.Claude.Command = "claude"
	cfg.Claude.ReplyWaitSecs = 1
	cfg.Bridge.Dir = t.TempDir()
	cfg.Bridge.PollIntervalMs = 100000
	return cfg
}

func newTestRelay(t *testing.T, cfg *config.Config) (*Relay, *chatRecorder, *fakeSession) {
	t.Helper()
	chat := &chatRecorder{}
	r, err := New(cfg, chat, nil)
	require.NoError(t, err)

	fake := &fakeSession{snapshot: ""}
	r.newSession = func(name, workDir string) workerSession {
		fake.mu.Lock()
		fake.name = "relaydeck_" + name
		fake.mu.Unlock()
		return fake
	}
	return r, chat, fake
}

func TestHandleInboundDropsBotAndEmptyMessages(t *testing.T) {
	r, _, _ := newTestRelay(t, testConfig(t))

	r.HandleInbound(gateway.InboundEvent{ConversationID: "c1", Text: "hi", IsBot: true})
	r.HandleInbound(gateway.InboundEvent{ConversationID: "c1", Text: "   "})

	assert.Empty(t, r.Status().Buffers)
}

func TestFirstMessageTriggersAck(t *testing.T) {
	r, chat, _ := newTestRelay(t, testConfig(t))

	r.HandleInbound(gateway.InboundEvent{ConversationID: "c1", AuthorName: "alice", Text: "hello"})
	r.HandleInbound(gateway.InboundEvent{ConversationID: "c1", AuthorName: "alice", Text: "more"})

	sends := chat.all()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0], "c1: ")
	assert.Contains(t, sends[0], "Queued")
}

func TestFlushDeliversPromptToSession(t *testing.T) {
	r, _, fake := newTestRelay(t, testConfig(t))

	r.HandleInbound(gateway.InboundEvent{ConversationID: "c1", AuthorName: "alice", Text: "hello"})
	r.Flush("c1")

	sent := fake.sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0])
}

func TestFlushFailureNotifiesChat(t *testing.T) {
	r, chat, fake := newTestRelay(t, testConfig(t))
	fake.ensureErr = errors.New("tmux exploded")

	r.HandleInbound(gateway.InboundEvent{ConversationID: "c1", AuthorName: "alice", Text: "hello"})
	r.Flush("c1")

	sends := chat.all()
	require.Len(t, sends, 2) // ack + failure notice
	assert.Contains(t, sends[1], "Could not reach")
	// The buffer was already drained; the notice must not promise retention.
	assert.Contains(t, sends[1], "resend")
	assert.NotContains(t, sends[1], "kept")
	assert.Empty(t, fake.sentTexts())
}

func TestForwardReplyRoutesToConversation(t *testing.T) {
	r, chat, fake := newTestRelay(t, testConfig(t))

	r.HandleInbound(gateway.InboundEvent{ConversationID: "c1", AuthorName: "alice", Text: "hello"})
	r.Flush("c1")

	env := bridge.NewEnvelope("all done", bridge.TypeClaudeResponse)
	require.NoError(t, r.forwardReply(fake.SessionName(), env))

	sends := chat.all()
	assert.Equal(t, "c1: all done", sends[len(sends)-1])
}

func TestForwardReplyErrorTypeIsPrefixed(t *testing.T) {
	r, chat, fake := newTestRelay(t, testConfig(t))

	r.HandleInbound(gateway.InboundEvent{ConversationID: "c1", AuthorName: "alice", Text: "hello"})
	r.Flush("c1")

	env := bridge.NewEnvelope("it broke", bridge.TypeError)
	require.NoError(t, r.forwardReply(fake.SessionName(), env))

	sends := chat.all()
	assert.True(t, strings.HasPrefix(sends[len(sends)-1], "c1: Claude reported an error:"))
}

func TestForwardReplyUnknownSessionFails(t *testing.T) {
	r, _, _ := newTestRelay(t, testConfig(t))

	err := r.forwardReply("relaydeck_ghost", bridge.NewEnvelope("hi", bridge.TypeText))
	assert.Error(t, err)
}

func TestBridgedReplyCancelsCaptureFallback(t *testing.T) {
	r, _, fake := newTestRelay(t, testConfig(t))
	fake.snapshot = "> hello\nshould never be scraped\n> "

	r.HandleInbound(gateway.InboundEvent{ConversationID: "c1", AuthorName: "alice", Text: "hello"})
	r.Flush("c1")

	// Bridge answers well inside the reply window.
	require.NoError(t, r.forwardReply(fake.SessionName(), bridge.NewEnvelope("done", bridge.TypeText)))

	// Wait past the window; the fallback must not have scraped the pane.
	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, fake.captureCount())
}

func TestReplyTimeoutFallsBackToCapture(t *testing.T) {
	r, chat, fake := newTestRelay(t, testConfig(t))
	fake.snapshot = "> do the thing\nThe answer is 42\n> "

	r.HandleInbound(gateway.InboundEvent{ConversationID: "c1", AuthorName: "alice", Text: "do the thing"})
	r.Flush("c1")

	require.Eventually(t, func() bool {
		for _, s := range chat.all() {
			if s == "c1: The answer is 42" {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}

func TestKillSettlesPendingWait(t *testing.T) {
	r, _, fake := newTestRelay(t, testConfig(t))
	fake.snapshot = "> x\nleftover\n> "

	r.HandleInbound(gateway.InboundEvent{ConversationID: "c1", AuthorName: "alice", Text: "x"})
	r.Flush("c1")
	require.NoError(t, r.Kill("c1"))

	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, fake.captureCount(), "kill must cancel the pending reply wait")
	assert.True(t, fake.killed)
}

func TestStatusReportsSessionsAndBuffers(t *testing.T) {
	r, _, fake := newTestRelay(t, testConfig(t))

	r.HandleInbound(gateway.InboundEvent{ConversationID: "c1", AuthorName: "alice", Text: "hello"})
	st := r.Status()
	require.Len(t, st.Buffers, 1)
	assert.Equal(t, 1, st.Buffers[0].Pending)
	assert.Empty(t, st.Sessions, "no session until first flush")

	r.Flush("c1")
	st = r.Status()
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, fake.SessionName(), st.Sessions[0].Session)
	assert.True(t, st.Sessions[0].Alive)
}
