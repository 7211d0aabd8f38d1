package workspace

import (
	"errors"
	"strings"
	"time"

	"github.com/paperclip-ui/workspace/crdt"
	"github.com/paperclip-ui/workspace/evaluator"
	"github.com/paperclip-ui/workspace/parser"
	"github.com/paperclip-ui/workspace/vdoc"
)

// Session owns one open file: its CRDT text, the AST index of the last
// good parse, the current virtual document, and the per-client fan-out
// state. The write pipeline is serialized: every write, whatever its
// source, runs parse, index rebuild, evaluate, and diff as one critical
// section.
type Session struct {
	engine *Engine
	path   string

	// mu serializes the write pipeline and protects the fields below.
	mu      chanMutex
	text    *crdt.Text
	ast     *parser.Document
	index   *ASTIndex
	vdom    *vdoc.Document
	version uint64
	// lastError holds the most recent parse or structural failure; the
	// previous vdom stays authoritative while it is set.
	lastError string

	clients    map[string]*client
	syncSubs   map[string]*syncSub
	emptySince time.Time
}

// syncSub is one SyncText stream: outbound CRDT diffs are cut against
// the subscriber's last-known state vector.
type syncSub struct {
	ch chan []byte
	sv []byte
}

// chanMutex is a mutex that the pipeline holds across its blocking
// parse/evaluate work.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	return m
}

func (m chanMutex) Lock()   { m <- struct{}{} }
func (m chanMutex) Unlock() { <-m }

func newSession(e *Engine, path, content string) *Session {
	s := &Session{
		engine:     e,
		path:       path,
		mu:         newChanMutex(),
		text:       crdt.NewTextWithContent("server:"+path, content),
		clients:    map[string]*client{},
		syncSubs:   map[string]*syncSub{},
		emptySince: time.Now(),
	}
	s.mu.Lock()
	s.runPipelineLocked(nil, "")
	s.mu.Unlock()
	return s
}

// Path returns the session's file path.
func (s *Session) Path() string { return s.path }

// Version returns the current state version.
func (s *Session) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Text returns the current text snapshot.
func (s *Session) Text() string {
	txn := s.text.TransactRead()
	defer txn.End()
	return txn.String()
}

// VDOM returns the current virtual document.
func (s *Session) VDOM() *vdoc.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vdom == nil {
		return nil
	}
	return s.vdom.Clone()
}

// subscribe creates per-client state and queues the initial update.
func (s *Session) subscribe(clientID string) *client {
	c := &client{
		id:      clientID,
		session: s,
		queue:   make(chan PreviewUpdate, s.engine.cfg.ClientQueueDepth),
		closed:  make(chan struct{}),
	}
	c.touch(s.engine.nowMillis())

	s.mu.Lock()
	s.clients[clientID] = c
	s.emptySince = time.Time{}
	first := s.initializeUpdateLocked()
	s.mu.Unlock()

	c.queue <- first
	return c
}

// initializeUpdateLocked builds the full-state update a fresh or
// resyncing client receives first.
func (s *Session) initializeUpdateLocked() PreviewUpdate {
	u := PreviewUpdate{
		FilePath:     s.path,
		StateVersion: s.version,
		Timestamp:    s.engine.nowMillis(),
		Error:        s.lastError,
	}
	if s.vdom != nil {
		u.Patches = []vdoc.Patch{{Type: vdoc.PatchInitialize, Document: s.vdom.Clone()}}
	}
	return u
}

func (s *Session) eachClient(fn func(*client)) {
	s.mu.Lock()
	list := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		list = append(list, c)
	}
	s.mu.Unlock()
	for _, c := range list {
		fn(c)
	}
}

func (s *Session) touchClient(clientID string, now int64) bool {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	s.mu.Unlock()
	if ok {
		c.touch(now)
	}
	return ok
}

// drop removes a client without a notice (explicit close, reconnect).
func (s *Session) drop(clientID string) {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
		if len(s.clients) == 0 {
			s.emptySince = time.Now()
		}
	}
	s.mu.Unlock()
	if ok {
		c.close()
		s.engine.clientRemoved()
	}
}

// evict removes a client after queueing an eviction notice.
func (s *Session) evict(c *client, reason string) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	if ok {
		delete(s.clients, c.id)
		if len(s.clients) == 0 {
			s.emptySince = time.Now()
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case c.queue <- s.engine.evictionNotice(s.path, reason):
	default:
	}
	c.close()
	s.engine.clientRemoved()
	Info("evicted client %s from %s: %s", c.id, s.path, reason)
}

func (s *Session) closeAllClients() {
	s.eachClient(func(c *client) { s.drop(c.id) })
}

func (s *Session) idleSince(grace time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients) == 0 && !s.emptySince.IsZero() && time.Since(s.emptySince) > grace
}

func (s *Session) residentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vdom.SizeEstimate()
}

// StateVector returns the CRDT sync watermark.
func (s *Session) StateVector() []byte {
	txn := s.text.TransactRead()
	defer txn.End()
	return txn.EncodeStateVector()
}

// EncodeDiff returns the ops a remote state vector is missing.
func (s *Session) EncodeDiff(remoteSV []byte) ([]byte, error) {
	txn := s.text.TransactRead()
	defer txn.End()
	return txn.EncodeDiff(remoteSV)
}

// ApplyRemoteUpdate ingests a CRDT update from a syncing client and runs
// the pipeline when it changed the text.
func (s *Session) ApplyRemoteUpdate(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	preWrite := s.TextSnapshot()
	txn := s.text.TransactWrite()
	applied, err := txn.ApplyUpdate(data)
	txn.End()
	if err != nil {
		return err
	}
	if applied == 0 {
		return nil
	}
	return s.finishWriteLocked(preWrite)
}

// finishWriteLocked runs the post-write pipeline. A deadline inside the
// pipeline is fatal for the write: the text rolls back to the pre-write
// state and the submitter receives ErrDeadlineExceeded. Ordinary parse
// failures keep the text (the user may be mid-keystroke) and are
// reported through the error-only update the pipeline already sent.
func (s *Session) finishWriteLocked(preWrite string) error {
	err := s.runPipelineLocked(nil, "")
	var perr *parser.ParseError
	if errors.As(err, &perr) && perr.Kind == parser.ErrTimeout {
		s.restoreTextLocked(preWrite)
		return ErrDeadlineExceeded
	}
	return nil
}

// ReplaceText replaces the whole buffer on behalf of a client without a
// local CRDT (the StreamBuffer path). The edit is minimized to the
// changed middle so concurrent edits elsewhere survive.
func (s *Session) ReplaceText(clientID, content string, expectedVersion *uint64) error {
	if len(content) > s.engine.cfg.MaxContentSize {
		return ErrContentTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if expectedVersion != nil && *expectedVersion != s.version {
		s.resyncClientLocked(clientID)
		return nil
	}

	txn := s.text.TransactWrite()
	current := txn.String()
	if current != content {
		prefix := commonPrefix(current, content)
		suffix := commonSuffix(current[prefix:], content[prefix:])
		txn.Delete(prefix, len(current)-prefix-suffix)
		txn.Insert(prefix, content[prefix:len(content)-suffix])
	}
	txn.End()
	if current == content {
		return nil
	}
	return s.finishWriteLocked(current)
}

func commonPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func commonSuffix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[len(a)-1-n] == b[len(b)-1-n] {
		n++
	}
	return n
}

// SubscribeSync registers a SyncText stream; the subscriber immediately
// receives the full backlog it is missing.
func (s *Session) SubscribeSync(clientID string, remoteSV []byte) (<-chan []byte, error) {
	txn := s.text.TransactRead()
	diff, err := txn.EncodeDiff(remoteSV)
	sv := txn.EncodeStateVector()
	txn.End()
	if err != nil {
		return nil, err
	}

	sub := &syncSub{ch: make(chan []byte, 16), sv: sv}
	s.mu.Lock()
	s.syncSubs[clientID] = sub
	s.mu.Unlock()
	sub.ch <- diff
	return sub.ch, nil
}

// UnsubscribeSync tears one SyncText stream down.
func (s *Session) UnsubscribeSync(clientID string) {
	s.mu.Lock()
	sub, ok := s.syncSubs[clientID]
	if ok {
		delete(s.syncSubs, clientID)
	}
	s.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// notifySyncLocked ships new CRDT ops to every sync subscriber.
func (s *Session) notifySyncLocked() {
	if len(s.syncSubs) == 0 {
		return
	}
	txn := s.text.TransactRead()
	currentSV := txn.EncodeStateVector()
	for _, sub := range s.syncSubs {
		diff, err := txn.EncodeDiff(sub.sv)
		if err != nil {
			continue
		}
		sub.sv = currentSV
		select {
		case sub.ch <- diff:
		default:
		}
	}
	txn.End()
}

// resyncClientLocked drops a client's derived state and queues a fresh
// Initialize reflecting the server's current version.
func (s *Session) resyncClientLocked(clientID string) {
	c, ok := s.clients[clientID]
	if !ok {
		return
	}
	update := s.initializeUpdateLocked()
	select {
	case c.queue <- update:
	default:
	}
}

// ApplyMutation translates one semantic mutation into a text edit and
// runs the pipeline.
func (s *Session) ApplyMutation(clientID string, m Mutation, expectedVersion *uint64) MutationResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := MutationResult{MutationID: m.MutationID}

	if expectedVersion != nil && *expectedVersion != s.version {
		s.resyncClientLocked(clientID)
		result.Status = StatusRejected
		result.Reason = "version mismatch"
		result.NewVersion = s.version
		return result
	}
	if s.index == nil {
		result.Status = StatusNoop
		result.Reason = "no parsed document"
		return result
	}

	preWrite := s.TextSnapshot()

	txn := s.text.TransactWrite()
	tr := &translator{ix: s.index, txn: txn}
	out := tr.apply(m)
	txn.End()

	result.Status = out.status
	result.Reason = out.reason
	result.NewVersion = s.version
	if !out.mutated() {
		return result
	}

	// Frame-bounds guards protect the submitter's optimistic state until
	// the ack lands.
	if m.Kind == MutationSetFrameBounds {
		if c, ok := s.clients[clientID]; ok {
			if frameID, ok := m.Params["frame_id"].(string); ok {
				c.addGuard(m.MutationID, frameID)
			}
		}
	}

	err := s.runPipelineLocked([]string{m.MutationID}, clientID)
	var perr *parser.ParseError
	if errors.As(err, &perr) && perr.Kind == parser.ErrTimeout {
		// Same contract as the other write paths: roll back, report.
		s.restoreTextLocked(preWrite)
		result.Status = StatusRejected
		result.Reason = ErrDeadlineExceeded.Error()
		result.NewVersion = s.version
		return result
	}
	result.NewVersion = s.version
	return result
}

// NotifyError queues an error-only update for one client; the transport
// uses it to surface write failures on streams it cannot reply on
// directly.
func (s *Session) NotifyError(clientID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return
	}
	s.enqueueLocked(c, PreviewUpdate{
		FilePath:     s.path,
		StateVersion: s.version,
		Error:        msg,
		Timestamp:    s.engine.nowMillis(),
	})
}

// TextSnapshot reads the current text without taking the session lock.
func (s *Session) TextSnapshot() string {
	txn := s.text.TransactRead()
	defer txn.End()
	return txn.String()
}

func (s *Session) restoreTextLocked(content string) {
	txn := s.text.TransactWrite()
	current := txn.String()
	if current != content {
		txn.Delete(0, len(current))
		txn.Insert(0, content)
	}
	txn.End()
	_ = s.runPipelineLocked(nil, "")
}

// Reevaluate re-runs evaluation and diff without touching the text; used
// when an imported file changes.
func (s *Session) Reevaluate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine.bundle == nil {
		return
	}
	doc, err := s.engine.bundle.GetDocument(s.path)
	if err != nil {
		s.lastError = err.Error()
		s.broadcastErrorLocked()
		return
	}
	s.ast = doc
	s.evaluateAndShipLocked(doc, nil, "")
}

// runPipelineLocked is steps 2..5 of the write pipeline: snapshot,
// parse, index rebuild, evaluate, diff, fan-out. Returns the parse error
// when the snapshot does not parse; the previous AST and VDOM stay
// authoritative in that case.
func (s *Session) runPipelineLocked(ackIDs []string, submitter string) error {
	s.notifySyncLocked()
	snapshot := s.TextSnapshot()

	parseStart := time.Now()
	var (
		doc   *parser.Document
		diags []parser.Diagnostic
		err   error
	)
	if s.engine.bundle != nil {
		doc, diags, err = s.engine.bundle.SetSource(s.path, snapshot)
	} else {
		doc, diags, err = parser.Parse(s.path, snapshot, parser.DefaultOptions())
	}
	s.engine.metrics.ParseDuration.Observe(time.Since(parseStart).Seconds())
	_ = diags

	if err != nil {
		s.lastError = err.Error()
		s.engine.metrics.ParseErrors.Inc()
		s.broadcastErrorLocked()
		return err
	}

	txn := s.text.TransactRead()
	s.index = NewASTIndex(doc, txn)
	txn.End()
	s.ast = doc

	s.evaluateAndShipLocked(doc, ackIDs, submitter)

	// Files importing this one re-derive their output.
	if s.engine.bundle != nil {
		dependents := s.engine.bundle.Dependents(s.path)
		if len(dependents) > 0 {
			go s.engine.reevaluateDependents(s.path, dependents)
		}
	}
	return nil
}

// evaluateAndShipLocked evaluates the parsed document, diffs, bumps the
// version, and fans the patches out.
func (s *Session) evaluateAndShipLocked(doc *parser.Document, ackIDs []string, submitter string) {
	evalStart := time.Now()
	opts := evaluator.DefaultOptions()
	opts.MaxDepth = s.engine.cfg.MaxComponentDepth
	opts.MaxNodes = s.engine.cfg.MaxVDOMNodes
	opts.LiveComponents = s.engine.liveComponents()

	newVDOM, _, evalErr := evaluator.Evaluate(doc, s.engine.bundle, s.engine.dataFor(s.path), opts)
	s.engine.metrics.EvalDuration.Observe(time.Since(evalStart).Seconds())

	if evalErr != nil {
		s.lastError = evalErr.Error()
		s.engine.metrics.EvalErrors.Inc()
		s.broadcastErrorLocked()
		return
	}

	patches := vdoc.Diff(s.vdom, newVDOM)
	oldBytes := s.vdom.SizeEstimate()
	newBytes := newVDOM.SizeEstimate()
	s.engine.vdomBytes.Add(int64(newBytes - oldBytes))
	s.vdom = newVDOM
	s.version++
	s.lastError = ""
	s.engine.metrics.WritesTotal.Inc()
	s.engine.metrics.PatchesTotal.Add(float64(len(patches)))

	s.broadcastLocked(patches, ackIDs, submitter)
}

// broadcastErrorLocked ships an error-only update: subscribers keep the
// last good preview and show a banner.
func (s *Session) broadcastErrorLocked() {
	update := PreviewUpdate{
		FilePath:     s.path,
		StateVersion: s.version,
		Error:        s.lastError,
		Timestamp:    s.engine.nowMillis(),
	}
	for _, c := range s.clients {
		s.enqueueLocked(c, update)
	}
}

// broadcastLocked chunks the patch list and queues it to every
// subscriber. The submitter's update carries the acknowledged mutation
// ids; its guarded frame fields are withheld until the ack clears them.
func (s *Session) broadcastLocked(patches []vdoc.Patch, ackIDs []string, submitter string) {
	chunk := s.engine.cfg.PatchChunkSize
	for _, c := range s.clients {
		clientPatches := patches
		if guarded := c.guardFrames(); len(guarded) > 0 {
			clientPatches = filterGuardedPatches(patches, guarded)
		}

		var acks []string
		if c.id == submitter {
			acks = ackIDs
		}

		if len(clientPatches) == 0 {
			s.enqueueLocked(c, PreviewUpdate{
				FilePath:                s.path,
				StateVersion:            s.version,
				Timestamp:               s.engine.nowMillis(),
				AcknowledgedMutationIDs: acks,
			})
		}
		for start := 0; start < len(clientPatches); start += chunk {
			end := start + chunk
			if end > len(clientPatches) {
				end = len(clientPatches)
			}
			update := PreviewUpdate{
				FilePath:     s.path,
				StateVersion: s.version,
				Patches:      clientPatches[start:end],
				Timestamp:    s.engine.nowMillis(),
			}
			if end == len(clientPatches) {
				update.AcknowledgedMutationIDs = acks
			}
			s.enqueueLocked(c, update)
		}

		if len(acks) > 0 {
			c.clearGuards(acks)
		}
	}
}

// filterGuardedPatches withholds frame-bound attributes of guarded
// frames so the client's optimistic state is not overwritten before its
// ack arrives.
func filterGuardedPatches(patches []vdoc.Patch, guarded map[string]bool) []vdoc.Patch {
	out := make([]vdoc.Patch, 0, len(patches))
	for _, p := range patches {
		if p.Type == vdoc.PatchSetAttribute &&
			strings.HasPrefix(p.Key, "data-frame-") &&
			len(p.Path) >= 2 && guarded[frameNameOf(p.Path[1])] {
			continue
		}
		out = append(out, p)
	}
	return out
}

// frameNameOf strips an instance key from a frame segment.
func frameNameOf(segment string) string {
	if i := strings.IndexByte(segment, '['); i >= 0 {
		return segment[:i]
	}
	return segment
}

// enqueueLocked delivers one update into a client's bounded queue. A
// client that stays full past the brief backpressure window is evicted
// for unresponsiveness.
func (s *Session) enqueueLocked(c *client, update PreviewUpdate) {
	// A closed client's queue is closed too; sending on it would panic.
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.queue <- update:
		return
	case <-c.closed:
		return
	default:
	}
	timer := time.NewTimer(100 * time.Millisecond)
	defer timer.Stop()
	select {
	case c.queue <- update:
	case <-c.closed:
	case <-timer.C:
		delete(s.clients, c.id)
		if len(s.clients) == 0 {
			s.emptySince = time.Now()
		}
		c.close()
		s.engine.clientRemoved()
		Warn("evicted unresponsive client %s from %s", c.id, s.path)
	}
}

// reevaluateDependents refreshes sessions whose files import a changed
// one. Import edges are acyclic, so cross-session lock order is safe.
func (e *Engine) reevaluateDependents(changed string, dependents []string) {
	for _, dep := range dependents {
		if s := e.lookup(dep); s != nil {
			s.Reevaluate()
		}
	}
}
