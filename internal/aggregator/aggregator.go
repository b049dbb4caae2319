// Package aggregator coalesces bursts of chat messages into combined
// prompts. Each conversation gets its own buffer with a debounced flush
// timer: a lone message flushes quickly, rapid successive messages are
// held longer so they ride in one prompt instead of many.
package aggregator

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sjoeboo/relaydeck/internal/logging"
)

// Default timing. A second message within BurstWindow of the first marks
// the conversation as bursting and stretches the flush delay.
const (
	DefaultShortTimeout = 10 * time.Second
	DefaultLongTimeout  = 120 * time.Second
	DefaultBurstWindow  = 30 * time.Second
	DefaultMaxSize      = 100
)

// Message is one queued chat message. Immutable once enqueued.
type Message struct {
	Author  string
	Text    string
	Arrived time.Time
}

// FlushFunc receives the composed prompt for one conversation, along
// with how many messages it combines. It runs on a timer goroutine;
// implementations serialize their own downstream work.
type FlushFunc func(conversationID, prompt string, messages int)

// AckFunc fires when the first message lands in an empty buffer, so the
// front-end can acknowledge receipt before the flush timer runs.
type AckFunc func(conversationID string)

// Options tune the buffering behavior. Zero values take the defaults.
type Options struct {
	ShortTimeout time.Duration
	LongTimeout  time.Duration
	BurstWindow  time.Duration
	MaxSize      int
}

func (o Options) withDefaults() Options {
	if o.ShortTimeout <= 0 {
		o.ShortTimeout = DefaultShortTimeout
	}
	if o.LongTimeout <= 0 {
		o.LongTimeout = DefaultLongTimeout
	}
	if o.BurstWindow <= 0 {
		o.BurstWindow = DefaultBurstWindow
	}
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	return o
}

// buffer holds the pending messages for one conversation.
// Invariant: timer is nil exactly when messages is empty.
// gen increments on every reschedule; a fired timer whose generation no
// longer matches lost a Stop race and must not flush.
type buffer struct {
	messages    []Message
	burst       bool
	lastArrival time.Time
	timer       *time.Timer
	gen         uint64
}

// Aggregator owns the per-conversation buffers. Buffers are created on
// first message and emptied on flush, never deleted.
type Aggregator struct {
	mu      sync.Mutex
	buffers map[string]*buffer

	opts  Options
	flush FlushFunc
	ack   AckFunc

	log *slog.Logger
	now func() time.Time
}

// New creates an aggregator delivering composed prompts to flush.
// ack may be nil.
func New(opts Options, flush FlushFunc, ack AckFunc) *Aggregator {
	return &Aggregator{
		buffers: make(map[string]*buffer),
		opts:    opts.withDefaults(),
		flush:   flush,
		ack:     ack,
		log:     logging.ForComponent(logging.CompAggregator),
		now:     time.Now,
	}
}

// Enqueue appends a message to the conversation's buffer and reschedules
// its flush timer. Returns true if the message triggered an immediate
// max-size flush.
func (a *Aggregator) Enqueue(conversationID string, msg Message) bool {
	if msg.Arrived.IsZero() {
		msg.Arrived = a.now()
	}

	a.mu.Lock()
	b := a.buffers[conversationID]
	if b == nil {
		b = &buffer{}
		a.buffers[conversationID] = b
	}

	wasEmpty := len(b.messages) == 0
	if !wasEmpty {
		if elapsed := msg.Arrived.Sub(b.lastArrival); elapsed <= a.opts.BurstWindow {
			b.burst = true
		}
	}
	b.messages = append(b.messages, msg)
	b.lastArrival = msg.Arrived

	if len(b.messages) >= a.opts.MaxSize {
		msgs := a.drainLocked(b)
		a.mu.Unlock()
		a.log.Info("buffer full, flushing immediately",
			slog.String("conversation", conversationID), slog.Int("messages", len(msgs)))
		a.flush(conversationID, composePrompt(msgs), len(msgs))
		return true
	}

	// Debounce: every enqueue cancels and reschedules the one timer.
	// Stop can lose to a timer that already fired and is waiting on the
	// mutex; the generation check in timerFlush makes that firing a no-op.
	delay := a.opts.ShortTimeout
	if b.burst {
		delay = a.opts.LongTimeout
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = time.AfterFunc(delay, func() { a.timerFlush(conversationID, gen) })
	burst := b.burst
	a.mu.Unlock()

	a.log.Debug("message buffered",
		slog.String("conversation", conversationID),
		slog.Bool("burst", burst),
		slog.Duration("flush_in", delay))

	if wasEmpty && a.ack != nil {
		a.ack(conversationID)
	}
	return false
}

// Flush composes and delivers the conversation's pending messages. The
// buffer is swapped to empty under the lock, so a racing timer or a
// concurrent manual flush sees an empty buffer and does nothing.
func (a *Aggregator) Flush(conversationID string) {
	a.mu.Lock()
	b := a.buffers[conversationID]
	if b == nil || len(b.messages) == 0 {
		a.mu.Unlock()
		return
	}
	msgs := a.drainLocked(b)
	a.mu.Unlock()

	a.flush(conversationID, composePrompt(msgs), len(msgs))
}

// timerFlush is the timer callback. It flushes only if the buffer has
// not been rescheduled since this timer was armed.
func (a *Aggregator) timerFlush(conversationID string, gen uint64) {
	a.mu.Lock()
	b := a.buffers[conversationID]
	if b == nil || len(b.messages) == 0 || b.gen != gen {
		a.mu.Unlock()
		return
	}
	msgs := a.drainLocked(b)
	a.mu.Unlock()

	a.flush(conversationID, composePrompt(msgs), len(msgs))
}

// drainLocked swaps the buffer to empty and resets its state. Caller
// holds the mutex.
func (a *Aggregator) drainLocked(b *buffer) []Message {
	msgs := b.messages
	b.messages = nil
	b.burst = false
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return msgs
}

// Shutdown force-flushes every non-empty buffer so nothing is silently
// dropped on process exit.
func (a *Aggregator) Shutdown() {
	a.mu.Lock()
	var pending []string
	for id, b := range a.buffers {
		if len(b.messages) > 0 {
			pending = append(pending, id)
		}
	}
	a.mu.Unlock()

	for _, id := range pending {
		a.Flush(id)
	}
}

// BufferState is a read-only snapshot of one conversation buffer, used
// by the status surfaces.
type BufferState struct {
	ConversationID string `json:"conversation_id"`
	Pending        int    `json:"pending"`
	Burst          bool   `json:"burst"`
}

// Snapshot reports every conversation that has ever buffered a message.
func (a *Aggregator) Snapshot() []BufferState {
	a.mu.Lock()
	defer a.mu.Unlock()

	states := make([]BufferState, 0, len(a.buffers))
	for id, b := range a.buffers {
		states = append(states, BufferState{
			ConversationID: id,
			Pending:        len(b.messages),
			Burst:          b.burst,
		})
	}
	return states
}

// Pending returns the number of buffered messages for one conversation.
func (a *Aggregator) Pending(conversationID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.buffers[conversationID]; b != nil {
		return len(b.messages)
	}
	return 0
}

// composePrompt combines queued messages into one prompt, in arrival
// order. A single message passes through untouched; multiple messages
// become numbered, author-tagged blocks.
func composePrompt(msgs []Message) string {
	if len(msgs) == 1 {
		return msgs[0].Text
	}

	blocks := make([]string, len(msgs))
	for i, m := range msgs {
		if m.Author != "" {
			blocks[i] = fmt.Sprintf("[%d] %s: %s", i+1, m.Author, m.Text)
		} else {
			blocks[i] = fmt.Sprintf("[%d] %s", i+1, m.Text)
		}
	}
	return strings.Join(blocks, "\n\n")
}
