package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/sjoeboo/relaydeck/internal/logging"
)

// DefaultPollInterval is the correctness backstop; fsnotify wake-ups
// only make delivery snappier.
const DefaultPollInterval = 750 * time.Millisecond

// Sink forwards one envelope toward the chat front-end. A non-nil error
// leaves the file in place for the next tick.
type Sink func(session string, env Envelope) error

// Poller scans the mailbox for registered sessions and forwards their
// envelopes in chunk order. Files are deleted only after the sink
// accepts them.
type Poller struct {
	dir      string
	interval time.Duration
	limiter  *rate.Limiter
	sink     Sink
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]struct{}

	// wake coalesces fsnotify events and Poke calls into one early tick.
	wake chan struct{}
}

// NewPoller creates a poller over the mailbox dir. ratePerSec bounds
// deliveries to the sink; zero disables the limit.
func NewPoller(dir string, interval time.Duration, ratePerSec float64, sink Sink) (*Poller, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create mailbox dir: %w", err)
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &Poller{
		dir:      dir,
		interval: interval,
		limiter:  rate.NewLimiter(limit, 1),
		sink:     sink,
		log:      logging.ForComponent(logging.CompBridge),
		sessions: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Register adds a session to the scan set.
func (p *Poller) Register(session string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[session] = struct{}{}
}

// Unregister removes a session from the scan set. Files already in the
// mailbox stay until the session is registered again.
func (p *Poller) Unregister(session string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, session)
}

// Poke requests an early poll. Non-blocking; repeated pokes coalesce.
func (p *Poller) Poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. An fsnotify watcher on the mailbox
// dir wakes it early on new files; the ticker guarantees progress even
// if the watcher fails.
func (p *Poller) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(p.dir); err != nil {
			p.log.Warn("mailbox watch failed, tick only", slog.String("error", err.Error()))
		} else {
			go p.relayEvents(ctx, watcher)
		}
		defer watcher.Close()
	} else {
		p.log.Warn("fsnotify unavailable, tick only", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
		p.pollOnce(ctx)
	}
}

func (p *Poller) relayEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			p.Poke()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.log.Warn("mailbox watcher error", slog.String("error", err.Error()))
		}
	}
}

// mailboxFile is one readable envelope waiting in the mailbox. Index 0
// is the unindexed legacy path, sorted ahead of chunk 1.
type mailboxFile struct {
	path  string
	index int
	env   Envelope
}

// pollOnce drains every registered session's mailbox files in order.
func (p *Poller) pollOnce(ctx context.Context) {
	p.mu.Lock()
	sessions := make([]string, 0, len(p.sessions))
	for s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	sort.Strings(sessions)
	for _, session := range sessions {
		if ctx.Err() != nil {
			return
		}
		p.drainSession(ctx, session)
	}
}

// drainSession forwards a session's envelopes in chunk order. An
// unreadable file stops the scan for this session so chunk order is
// preserved; the next tick retries from the same point.
func (p *Poller) drainSession(ctx context.Context, session string) {
	var files []mailboxFile

	paths := make([]struct {
		path  string
		index int
	}, 0, maxChunkScan+1)
	paths = append(paths, struct {
		path  string
		index int
	}{LegacyPath(p.dir, session), 0})
	for i := 1; i <= maxChunkScan; i++ {
		paths = append(paths, struct {
			path  string
			index int
		}{ChunkPath(p.dir, session, i), i})
	}

	for _, c := range paths {
		env, err := readEnvelope(c.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			// Treat as "nothing yet": a writer may still be mid-publish.
			p.log.Debug("envelope not readable yet",
				slog.String("session", session),
				slog.String("file", filepath.Base(c.path)),
				slog.String("error", err.Error()))
			break
		}
		files = append(files, mailboxFile{path: c.path, index: c.index, env: env})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].index < files[j].index })

	for _, f := range files {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		if err := p.sink(session, f.env); err != nil {
			p.log.Warn("delivery failed, will retry",
				slog.String("session", session),
				slog.String("file", filepath.Base(f.path)),
				slog.String("error", err.Error()))
			return
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.log.Warn("envelope delete failed, duplicate delivery possible",
				slog.String("file", filepath.Base(f.path)),
				slog.String("error", err.Error()))
		}
		p.log.Info("reply delivered",
			slog.String("session", session),
			slog.Int("chunk", f.index),
			slog.String("type", f.env.Type))
	}
}
