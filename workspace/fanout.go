package workspace

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/paperclip-ui/workspace/bundle"
	"github.com/paperclip-ui/workspace/evaluator"
	"github.com/paperclip-ui/workspace/vdoc"
)

var (
	// ErrCapacity reports that client-state capacity is exhausted and
	// nothing could be evicted.
	ErrCapacity = errors.New("client state capacity exhausted")
	// ErrUnknownClient reports an operation for a client id with no state.
	ErrUnknownClient = errors.New("unknown client")
	// ErrContentTooLarge rejects oversized buffer pushes.
	ErrContentTooLarge = errors.New("content exceeds size limit")
	// ErrDeadlineExceeded reports a write whose pipeline blew its
	// deadline; the text has been rolled back to the pre-write state.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

// PreviewUpdate is one message on a preview stream.
type PreviewUpdate struct {
	FilePath     string       `json:"file_path"`
	StateVersion uint64       `json:"state_version"`
	Patches      []vdoc.Patch `json:"patches,omitempty"`
	Error        string       `json:"error,omitempty"`
	// Timestamp is server-monotonic milliseconds; opaque to clients.
	Timestamp               int64    `json:"timestamp"`
	AcknowledgedMutationIDs []string `json:"acknowledged_mutation_ids,omitempty"`
	// Control carries out-of-band notices ("evicted").
	Control   string `json:"control,omitempty"`
	ControlID string `json:"control_id,omitempty"`
}

// client is the per-(client, file) fan-out state: a bounded queue the
// session produces into and the transport consumes from.
type client struct {
	id       string
	session  *Session
	queue    chan PreviewUpdate
	lastSeen atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}

	// guards maps pending mutation ids to the frame (component name)
	// whose bounds the client is optimistically holding.
	mu     sync.Mutex
	guards map[string]string
}

func (c *client) touch(now int64) { c.lastSeen.Store(now) }

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.queue)
	})
}

// guardFrames returns the set of frame names currently guarded.
func (c *client) guardFrames() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.guards) == 0 {
		return nil
	}
	out := make(map[string]bool, len(c.guards))
	for _, frame := range c.guards {
		out[frame] = true
	}
	return out
}

func (c *client) addGuard(mutationID, frame string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.guards == nil {
		c.guards = map[string]string{}
	}
	c.guards[mutationID] = frame
}

func (c *client) clearGuards(ackIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ackIDs {
		delete(c.guards, id)
	}
}

// Engine owns every session of one workspace, the shared bundle, and the
// global capacity accounting.
type Engine struct {
	cfg    Config
	bundle *bundle.Bundle

	mu       sync.Mutex
	sessions map[string]*Session

	clientCount atomic.Int64
	vdomBytes   atomic.Int64

	start   time.Time
	stop    chan struct{}
	stopped sync.Once

	// boundData holds caller-supplied sample data per file; liveTags
	// holds the registry's component-name → tag seed.
	dataMu    sync.RWMutex
	boundData map[string]evaluator.Value
	liveTags  map[string]string

	metrics *Metrics
}

// NewEngine creates a workspace engine over a bundle.
func NewEngine(cfg Config, b *bundle.Bundle) *Engine {
	e := &Engine{
		cfg:       cfg.normalized(),
		bundle:    b,
		sessions:  map[string]*Session{},
		start:     time.Now(),
		stop:      make(chan struct{}),
		boundData: map[string]evaluator.Value{},
		metrics:   NewMetrics(),
	}
	go e.sweepLoop()
	return e
}

// Close stops the background sweeper and drops every session.
func (e *Engine) Close() {
	e.stopped.Do(func() { close(e.stop) })
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = map[string]*Session{}
	e.mu.Unlock()
	for _, s := range sessions {
		s.closeAllClients()
	}
}

// nowMillis is the server-monotonic timestamp carried on updates.
func (e *Engine) nowMillis() int64 { return time.Since(e.start).Milliseconds() }

// SetBoundData binds sample data for a file's evaluation.
func (e *Engine) SetBoundData(path string, data evaluator.Value) {
	e.dataMu.Lock()
	e.boundData[path] = data
	e.dataMu.Unlock()
	if s := e.lookup(path); s != nil {
		s.Reevaluate()
	}
}

func (e *Engine) dataFor(path string) evaluator.Value {
	e.dataMu.RLock()
	defer e.dataMu.RUnlock()
	return e.boundData[path]
}

// SetRegistry seeds the engine with the workspace's live components.
// References to these names evaluate as opaque elements. Open sessions
// re-derive their output so existing previews pick the registry up.
func (e *Engine) SetRegistry(reg *Registry) {
	tags := map[string]string{}
	if reg != nil {
		for _, lc := range reg.Components {
			tags[lc.Name] = lc.Tag
		}
	}
	e.dataMu.Lock()
	e.liveTags = tags
	e.dataMu.Unlock()

	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()
	for _, s := range sessions {
		s.Reevaluate()
	}
}

func (e *Engine) liveComponents() map[string]string {
	e.dataMu.RLock()
	defer e.dataMu.RUnlock()
	return e.liveTags
}

// SessionCount reports the number of open sessions.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) lookup(path string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[path]
}

// SessionFor returns the session for a file, creating it on first use.
func (e *Engine) SessionFor(path string) (*Session, error) {
	e.mu.Lock()
	if s, ok := e.sessions[path]; ok {
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()

	// Load outside the engine lock; the loser of a race discards.
	content := ""
	if e.bundle != nil {
		src, err := e.bundle.LoadSource(path)
		if err != nil && !errors.Is(err, bundle.ErrNotFound) {
			return nil, err
		}
		content = src
	}

	s := newSession(e, path, content)
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.sessions[path]; ok {
		return existing, nil
	}
	e.sessions[path] = s
	e.metrics.SessionsOpen.Inc()
	return s, nil
}

// Subscribe registers a preview stream for (path, client). A returning
// client id is treated as a fresh subscription. The first queued update
// is always Initialize (or an error).
func (e *Engine) Subscribe(path, clientID string) (*client, error) {
	s, err := e.SessionFor(path)
	if err != nil {
		return nil, err
	}

	// A reconnect drops the old state first.
	e.DropClient(clientID)

	if err := e.ensureCapacity(); err != nil {
		return nil, err
	}
	c := s.subscribe(clientID)
	e.clientCount.Add(1)
	e.metrics.ClientsActive.Inc()
	return c, nil
}

// ensureCapacity evicts the least-recently seen clients until both the
// client-state and resident-byte caps admit a new subscription.
func (e *Engine) ensureCapacity() error {
	for int(e.clientCount.Load()) >= e.cfg.MaxClientStates ||
		e.vdomBytes.Load() > int64(e.cfg.MaxTotalVDOMBytes) {
		if !e.evictOldest() {
			return ErrCapacity
		}
	}
	return nil
}

// evictOldest removes the globally least-recently seen client, sending
// an eviction notice first.
func (e *Engine) evictOldest() bool {
	e.mu.Lock()
	var victim *client
	var victimSession *Session
	oldest := int64(1<<62 - 1)
	for _, s := range e.sessions {
		s.eachClient(func(c *client) {
			if seen := c.lastSeen.Load(); seen < oldest {
				oldest = seen
				victim = c
				victimSession = s
			}
		})
	}
	e.mu.Unlock()
	if victim == nil {
		return false
	}
	victimSession.evict(victim, "capacity")
	return true
}

// DropClient removes a client's state everywhere; used by explicit close
// and reconnection.
func (e *Engine) DropClient(clientID string) {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()
	for _, s := range sessions {
		s.drop(clientID)
	}
}

// Heartbeat refreshes a client's liveness on every session that knows it.
func (e *Engine) Heartbeat(clientID string) bool {
	now := e.nowMillis()
	found := false
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()
	for _, s := range sessions {
		if s.touchClient(clientID, now) {
			found = true
		}
	}
	return found
}

// clientRemoved is called by sessions when a client's state is freed.
func (e *Engine) clientRemoved() {
	e.clientCount.Add(-1)
	e.metrics.ClientsActive.Dec()
}

// sweepLoop evicts idle clients and drops empty sessions.
func (e *Engine) sweepLoop() {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	cutoff := e.nowMillis() - e.cfg.ClientTimeout.Milliseconds()
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		var stale []*client
		s.eachClient(func(c *client) {
			if c.lastSeen.Load() < cutoff {
				stale = append(stale, c)
			}
		})
		for _, c := range stale {
			s.evict(c, "idle timeout")
			e.metrics.EvictionsTotal.Inc()
		}
	}

	// Sessions with no subscribers past the grace period are dropped.
	grace := e.cfg.SessionGrace
	e.mu.Lock()
	for path, s := range e.sessions {
		if s.idleSince(grace) {
			delete(e.sessions, path)
			e.vdomBytes.Add(-int64(s.residentBytes()))
			e.metrics.SessionsOpen.Dec()
		}
	}
	e.mu.Unlock()
}

// evictionNotice builds the control message delivered before closing an
// evicted client's stream.
func (e *Engine) evictionNotice(path, reason string) PreviewUpdate {
	return PreviewUpdate{
		FilePath:  path,
		Error:     reason,
		Control:   "evicted",
		ControlID: uuid.NewString(),
		Timestamp: e.nowMillis(),
	}
}
