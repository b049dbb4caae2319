package aggregator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flushRecorder captures flush callbacks for assertions.
type flushRecorder struct {
	mu      sync.Mutex
	flushes []flushCall
}

type flushCall struct {
	conversationID string
	prompt         string
	messages       int
}

func (r *flushRecorder) record(conversationID, prompt string, messages int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, flushCall{conversationID, prompt, messages})
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

func (r *flushRecorder) last() flushCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes[len(r.flushes)-1]
}

func TestEnqueueAcksFirstMessageOnly(t *testing.T) {
	rec := &flushRecorder{}
	var mu sync.Mutex
	var acks []string
	agg := New(Options{ShortTimeout: time.Hour}, rec.record, func(id string) {
		mu.Lock()
		defer mu.Unlock()
		acks = append(acks, id)
	})

	agg.Enqueue("c1", Message{Author: "alice", Text: "hello"})
	agg.Enqueue("c1", Message{Author: "alice", Text: "more"})
	agg.Enqueue("c2", Message{Author: "bob", Text: "hi"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1", "c2"}, acks)
}

func TestDebouncedFlushDeliversCombinedPrompt(t *testing.T) {
	rec := &flushRecorder{}
	agg := New(Options{ShortTimeout: time.Hour}, rec.record, nil)

	now := time.Now()
	agg.Enqueue("c1", Message{Author: "alice", Text: "hello", Arrived: now})
	agg.Enqueue("c1", Message{Author: "bob", Text: "world", Arrived: now.Add(time.Second)})
	require.Equal(t, 2, agg.Pending("c1"))

	agg.Flush("c1")

	require.Equal(t, 1, rec.count())
	got := rec.last()
	assert.Equal(t, "c1", got.conversationID)
	assert.Equal(t, "[1] alice: hello\n\n[2] bob: world", got.prompt)
	assert.Equal(t, 2, got.messages)
	assert.Equal(t, 0, agg.Pending("c1"), "buffer must be empty after flush")

	// A second flush on the drained buffer is a no-op.
	agg.Flush("c1")
	assert.Equal(t, 1, rec.count())
}

func TestSingleMessagePromptIsRawText(t *testing.T) {
	rec := &flushRecorder{}
	agg := New(Options{ShortTimeout: time.Hour}, rec.record, nil)

	agg.Enqueue("c1", Message{Author: "alice", Text: "just one thing"})
	agg.Flush("c1")

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "just one thing", rec.last().prompt)
}

func TestMaxSizeFlushesImmediately(t *testing.T) {
	rec := &flushRecorder{}
	agg := New(Options{ShortTimeout: time.Hour, LongTimeout: time.Hour, MaxSize: 3}, rec.record, nil)

	now := time.Now()
	assert.False(t, agg.Enqueue("c1", Message{Text: "a", Arrived: now}))
	assert.False(t, agg.Enqueue("c1", Message{Text: "b", Arrived: now}))
	assert.True(t, agg.Enqueue("c1", Message{Text: "c", Arrived: now}))

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "[1] a\n\n[2] b\n\n[3] c", rec.last().prompt)
	assert.Equal(t, 0, agg.Pending("c1"))

	// No pending timer survives the size flush.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestBurstDetection(t *testing.T) {
	base := time.Now()
	cases := []struct {
		name  string
		gap   time.Duration
		burst bool
	}{
		{"well inside window", 3 * time.Second, true},
		{"exactly at window", DefaultBurstWindow, true},
		{"just past window", DefaultBurstWindow + time.Nanosecond, false},
		{"far past window", 31 * time.Second, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &flushRecorder{}
			agg := New(Options{ShortTimeout: time.Hour, LongTimeout: time.Hour}, rec.record, nil)

			agg.Enqueue("c1", Message{Text: "first", Arrived: base})
			agg.Enqueue("c1", Message{Text: "second", Arrived: base.Add(tc.gap)})

			snap := agg.Snapshot()
			require.Len(t, snap, 1)
			assert.Equal(t, tc.burst, snap[0].Burst)
		})
	}
}

func TestBurstStretchesFlushTimer(t *testing.T) {
	rec := &flushRecorder{}
	agg := New(Options{
		ShortTimeout: 30 * time.Millisecond,
		LongTimeout:  250 * time.Millisecond,
	}, rec.record, nil)

	now := time.Now()
	agg.Enqueue("c1", Message{Text: "first", Arrived: now})
	agg.Enqueue("c1", Message{Text: "second", Arrived: now.Add(time.Millisecond)})

	// Past the short timeout but well before the long one: still buffered.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.count(), "burst buffer must wait for the long timeout")

	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, "[1] first\n\n[2] second", rec.last().prompt)
}

func TestLoneMessageFlushesAfterShortTimeout(t *testing.T) {
	rec := &flushRecorder{}
	agg := New(Options{
		ShortTimeout: 30 * time.Millisecond,
		LongTimeout:  time.Hour,
	}, rec.record, nil)

	agg.Enqueue("c1", Message{Text: "ping"})

	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, "ping", rec.last().prompt)
}

func TestFlushResetsBurstState(t *testing.T) {
	rec := &flushRecorder{}
	agg := New(Options{ShortTimeout: time.Hour, LongTimeout: time.Hour}, rec.record, nil)

	now := time.Now()
	agg.Enqueue("c1", Message{Text: "a", Arrived: now})
	agg.Enqueue("c1", Message{Text: "b", Arrived: now.Add(time.Second)})
	agg.Flush("c1")

	// A fresh message after the flush starts a new non-burst buffer even
	// though it arrives within the window of the pre-flush traffic.
	agg.Enqueue("c1", Message{Text: "c", Arrived: now.Add(2 * time.Second)})
	snap := agg.Snapshot()
	require.Len(t, snap, 1)
	assert.False(t, snap[0].Burst)
}

func TestShutdownFlushesAllPendingBuffers(t *testing.T) {
	rec := &flushRecorder{}
	agg := New(Options{ShortTimeout: time.Hour}, rec.record, nil)

	agg.Enqueue("c1", Message{Text: "one"})
	agg.Enqueue("c2", Message{Text: "two"})
	agg.Enqueue("c3", Message{Text: "three"})
	agg.Flush("c3") // already drained, must not double-flush

	agg.Shutdown()

	assert.Equal(t, 3, rec.count())
	for _, f := range rec.flushes {
		assert.NotEmpty(t, f.prompt)
	}
}

func TestConcurrentEnqueueAndFlush(t *testing.T) {
	rec := &flushRecorder{}
	agg := New(Options{ShortTimeout: time.Hour}, rec.record, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				agg.Enqueue("c1", Message{Author: "alice", Text: "x"})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				agg.Flush("c1")
			}
		}()
	}
	wg.Wait()
	agg.Flush("c1")

	rec.mu.Lock()
	delivered := 0
	for _, f := range rec.flushes {
		delivered += f.messages
	}
	rec.mu.Unlock()
	assert.Equal(t, 800, delivered)
	assert.Zero(t, agg.Pending("c1"))
}

func TestLateTimerDoesNotFlushRescheduledBuffer(t *testing.T) {
	rec := &flushRecorder{}
	agg := New(Options{ShortTimeout: time.Hour}, rec.record, nil)

	agg.Enqueue("c1", Message{Text: "first"})
	agg.Enqueue("c1", Message{Text: "second"}) // reschedules, bumps the generation

	// A timer armed by the first enqueue that fired late must be a no-op.
	agg.timerFlush("c1", 1)
	assert.Zero(t, rec.count())
	assert.Equal(t, 2, agg.Pending("c1"))

	// The current generation still flushes.
	agg.timerFlush("c1", 2)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, 2, rec.last().messages)
}
