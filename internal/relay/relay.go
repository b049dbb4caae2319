// Package relay wires the pipeline together: inbound chat messages are
// buffered by the aggregator, flushed prompts are typed into the worker's
// tmux session, and replies come back either through the mailbox bridge
// or, as a fallback, by scraping the pane.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sjoeboo/relaydeck/internal/aggregator"
	"github.com/sjoeboo/relaydeck/internal/bridge"
	"github.com/sjoeboo/relaydeck/internal/config"
	"github.com/sjoeboo/relaydeck/internal/gateway"
	"github.com/sjoeboo/relaydeck/internal/journal"
	"github.com/sjoeboo/relaydeck/internal/logging"
	"github.com/sjoeboo/relaydeck/internal/tmux"
)

// ackText is sent when the first message lands in an empty buffer, so
// the sender knows the relay heard them before the flush timer runs.
const ackText = "Queued — your message will reach Claude shortly."

// sessionFactory builds session handles; swapped in tests.
type sessionFactory func(name, workDir string) workerSession

// workerSession is the slice of tmux.Session the relay drives.
type workerSession interface {
	SessionName() string
	Ensure(launchCmd string) error
	SendText(text string) error
	Kill() error
	Restart(launchCmd string) error
	Exists() bool
	CaptureHistory() (string, error)
}

// tmuxSession adapts *tmux.Session to the workerSession seam.
type tmuxSession struct{ *tmux.Session }

func (t tmuxSession) SessionName() string { return t.Name }

func newTmuxSession(name, workDir string) workerSession {
	return tmuxSession{tmux.NewSession(name, workDir)}
}

// Relay conducts the aggregator → session → reply flow. One Relay serves
// many conversations; each conversation maps to one tmux session.
type Relay struct {
	cfg  *config.Config
	chat gateway.Sink
	agg  *aggregator.Aggregator
	jrnl *journal.Journal
	log  *slog.Logger

	poller     *bridge.Poller
	newSession sessionFactory

	// sendMu serializes SendText across conversations: tmux input is a
	// shared resource and interleaved sends corrupt each other's lines.
	sendMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]workerSession // conversation id -> session
	byName   map[string]string        // session name -> conversation id
	waits    map[string]chan struct{} // session name -> pending reply wait
}

// New builds a relay. jrnl may be nil (journaling disabled).
func New(cfg *config.Config, chat gateway.Sink, jrnl *journal.Journal) (*Relay, error) {
	r := &Relay{
		cfg:        cfg,
		chat:       chat,
		jrnl:       jrnl,
		log:        logging.ForComponent(logging.CompRelay),
		newSession: newTmuxSession,
		sessions:   make(map[string]workerSession),
		byName:     make(map[string]string),
		waits:      make(map[string]chan struct{}),
	}

	r.agg = aggregator.New(aggregator.Options{
		ShortTimeout: cfg.Aggregator.ShortTimeout(),
		LongTimeout:  cfg.Aggregator.LongTimeout(),
		BurstWindow:  cfg.Aggregator.BurstWindow(),
		MaxSize:      cfg.Aggregator.MaxBufferSize,
	}, r.flushPrompt, r.ack)

	poller, err := bridge.NewPoller(
		cfg.Bridge.Dir,
		cfg.Bridge.PollInterval(),
		float64(cfg.Bridge.DeliveryRatePerSec),
		r.forwardReply,
	)
	if err != nil {
		return nil, fmt.Errorf("bridge poller: %w", err)
	}
	r.poller = poller
	return r, nil
}

// Run drives the background loops until ctx is cancelled, then
// force-flushes pending buffers so queued messages are not lost.
func (r *Relay) Run(ctx context.Context) {
	if mins := r.cfg.Aggregator.StatusReportMins; mins > 0 {
		go r.statusLoop(ctx, time.Duration(mins)*time.Minute)
	}
	r.poller.Run(ctx)
	r.agg.Shutdown()
}

// Poke asks the bridge poller to scan the mailbox now instead of waiting
// for the next tick. Used by the Stop-hook endpoint.
func (r *Relay) Poke() { r.poller.Poke() }

// HandleInbound feeds one chat message into the pipeline. Bot-authored
// and empty messages are dropped so the relay never loops on itself.
func (r *Relay) HandleInbound(ev gateway.InboundEvent) {
	if ev.IsBot || strings.TrimSpace(ev.Text) == "" {
		return
	}
	r.jrnl.Message(ev.ConversationID, ev.AuthorName, ev.Text)
	r.agg.Enqueue(ev.ConversationID, aggregator.Message{
		Author: ev.AuthorName,
		Text:   ev.Text,
	})
}

func (r *Relay) ack(conversationID string) {
	if err := r.chat.Send(conversationID, ackText); err != nil {
		r.log.Warn("ack failed",
			slog.String("conversation", conversationID),
			slog.String("error", err.Error()))
	}
}

// sessionFor returns the conversation's session handle, creating and
// registering it on first use. Session names are deterministic, so a
// restarted relay reattaches to live workers.
func (r *Relay) sessionFor(conversationID string) workerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[conversationID]; ok {
		return s
	}
	s := r.newSession(conversationID, r.cfg.Claude.WorkDir)
	r.sessions[conversationID] = s
	r.byName[s.SessionName()] = conversationID
	r.poller.Register(s.SessionName())
	return s
}

func (r *Relay) launchCmd() string {
	flags := tmux.LaunchFlags{
		SkipPermissions: r.cfg.Claude.SkipPermissions,
		Resume:          r.cfg.Claude.Resume,
		Continue:        r.cfg.Claude.Continue,
	}
	return flags.Command(r.cfg.Claude.Command)
}

// flushPrompt is the aggregator's sink: it delivers one composed prompt
// into the worker session. All failures surface as log lines and a chat
// notice; nothing panics out of the flush path.
func (r *Relay) flushPrompt(conversationID, prompt string, messages int) {
	s := r.sessionFor(conversationID)

	if err := s.Ensure(r.launchCmd()); err != nil {
		r.log.Error("session unavailable",
			slog.String("conversation", conversationID),
			slog.String("error", err.Error()))
		r.jrnl.Flush(conversationID, s.SessionName(), messages, len(prompt), false)
		r.notify(conversationID, "Could not reach the Claude session; this prompt was not delivered. Please resend it.")
		return
	}

	r.sendMu.Lock()
	err := s.SendText(prompt)
	r.sendMu.Unlock()

	if err != nil {
		r.log.Error("prompt delivery failed",
			slog.String("conversation", conversationID),
			slog.String("session", s.SessionName()),
			slog.String("error", err.Error()))
		r.jrnl.Flush(conversationID, s.SessionName(), messages, len(prompt), false)
		r.notify(conversationID, "Delivery to the Claude session failed: "+err.Error())
		return
	}

	r.log.Info("prompt delivered",
		slog.String("conversation", conversationID),
		slog.String("session", s.SessionName()),
		slog.Int("bytes", len(prompt)))
	r.jrnl.Flush(conversationID, s.SessionName(), messages, len(prompt), true)

	// Register the wait before returning so a racing Kill or bridged
	// reply always finds it.
	done := r.registerWait(s.SessionName())
	go r.awaitReply(conversationID, s, done)
}

// registerWait arms the bounded reply wait for a session. A newer flush
// supersedes any wait already pending.
func (r *Relay) registerWait(name string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.waits[name]; ok {
		close(old)
	}
	done := make(chan struct{})
	r.waits[name] = done
	return done
}

// awaitReply waits a bounded window for the bridge to deliver a reply.
// If nothing arrives it falls back to scraping the pane — a soft
// success: the scrape may be partial, but silence is worse.
func (r *Relay) awaitReply(conversationID string, s workerSession, done chan struct{}) {
	name := s.SessionName()

	select {
	case <-done:
		return
	case <-time.After(r.cfg.Claude.ReplyWait()):
	}

	r.mu.Lock()
	if r.waits[name] == done {
		delete(r.waits, name)
	}
	r.mu.Unlock()

	snapshot, err := s.CaptureHistory()
	if err != nil {
		r.log.Warn("capture fallback failed",
			slog.String("session", name), slog.String("error", err.Error()))
		return
	}
	reply := tmux.ExtractReply(snapshot)
	if reply == "" {
		r.log.Info("no reply extracted, staying quiet", slog.String("session", name))
		return
	}

	r.log.Info("reply recovered from pane capture",
		slog.String("session", name), slog.Int("bytes", len(reply)))
	r.jrnl.Delivery(name, "capture", bridge.TypeText, 0, len(reply))
	r.notify(conversationID, reply)
}

// forwardReply is the bridge poller's sink: a mailbox envelope arrived
// for a session. A successful send also settles any pending reply wait.
func (r *Relay) forwardReply(sessionName string, env bridge.Envelope) error {
	r.mu.Lock()
	conversationID, ok := r.byName[sessionName]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no conversation for session %s", sessionName)
	}

	text := env.Content
	if env.Type == bridge.TypeError {
		text = "Claude reported an error:\n" + text
	}
	if err := r.chat.Send(conversationID, text); err != nil {
		return err
	}

	r.jrnl.Delivery(sessionName, "bridge", env.Type, env.ChunkIndex, len(env.Content))
	r.settleWait(sessionName)
	return nil
}

func (r *Relay) settleWait(sessionName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if done, ok := r.waits[sessionName]; ok {
		close(done)
		delete(r.waits, sessionName)
	}
}

func (r *Relay) notify(conversationID, text string) {
	if err := r.chat.Send(conversationID, text); err != nil {
		r.log.Warn("chat send failed",
			slog.String("conversation", conversationID),
			slog.String("error", err.Error()))
	}
}

// Flush forces an immediate flush for one conversation.
func (r *Relay) Flush(conversationID string) { r.agg.Flush(conversationID) }

// Kill tears down the conversation's worker session.
func (r *Relay) Kill(conversationID string) error {
	s := r.sessionFor(conversationID)
	r.settleWait(s.SessionName())
	return s.Kill()
}

// Restart recreates the conversation's worker session.
func (r *Relay) Restart(conversationID string) error {
	s := r.sessionFor(conversationID)
	r.settleWait(s.SessionName())
	return s.Restart(r.launchCmd())
}

// Status is a point-in-time view for the control server and CLI.
type Status struct {
	Buffers  []aggregator.BufferState `json:"buffers"`
	Sessions []SessionStatus          `json:"sessions"`
	Journal  journal.Stats            `json:"journal"`
}

// SessionStatus reports one conversation's session liveness.
type SessionStatus struct {
	ConversationID string `json:"conversation_id"`
	Session        string `json:"session"`
	Alive          bool   `json:"alive"`
	AwaitingReply  bool   `json:"awaiting_reply"`
}

// Status snapshots buffers, sessions, and journal counters.
func (r *Relay) Status() Status {
	st := Status{Buffers: r.agg.Snapshot()}

	r.mu.Lock()
	sessions := make(map[string]workerSession, len(r.sessions))
	for id, s := range r.sessions {
		sessions[id] = s
	}
	waiting := make(map[string]bool, len(r.waits))
	for name := range r.waits {
		waiting[name] = true
	}
	r.mu.Unlock()

	for id, s := range sessions {
		st.Sessions = append(st.Sessions, SessionStatus{
			ConversationID: id,
			Session:        s.SessionName(),
			Alive:          s.Exists(),
			AwaitingReply:  waiting[s.SessionName()],
		})
	}

	if stats, err := r.jrnl.Stats(); err == nil {
		st.Journal = stats
	}
	return st
}

func (r *Relay) statusLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := r.Status()
			pending := 0
			for _, b := range st.Buffers {
				pending += b.Pending
			}
			r.log.Info("status report",
				slog.Int("conversations", len(st.Buffers)),
				slog.Int("pending_messages", pending),
				slog.Int("sessions", len(st.Sessions)))
		}
	}
}
