package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"auditchat/internal/agents"
	"auditchat/internal/auditerr"
	"auditchat/internal/dataset"
	"auditchat/internal/logging"
	"auditchat/internal/store"
)

// Chat turn roles persisted to the app store.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Transport is one live client connection. The session serializes calls;
// implementations never see concurrent Sends.
type Transport interface {
	Send(ev Event) error
	Close() error
}

// MetadataSource supplies the current published dataset snapshot.
type MetadataSource interface {
	Metadata() *dataset.DatasetMetadata
}

// Options tunes session behavior. Zero values fall back to defaults.
type Options struct {
	EventCap   int           // undelivered outbound events per client
	PendingCap int           // queued inbound requests per client
	Grace      time.Duration // disconnect grace before the session is destroyed
}

func (o Options) withDefaults() Options {
	if o.EventCap <= 0 {
		o.EventCap = 256
	}
	if o.PendingCap <= 0 {
		o.PendingCap = 16
	}
	if o.Grace <= 0 {
		o.Grace = 60 * time.Second
	}
	return o
}

// Manager owns every client session and runs their requests through the
// pipeline, one at a time per client.
type Manager struct {
	pipeline *agents.Pipeline
	meta     MetadataSource
	app      *store.AppStore
	opts     Options

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager wires the pipeline, the snapshot source, and the app store.
func NewManager(pipeline *agents.Pipeline, meta MetadataSource, app *store.AppStore, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		pipeline: pipeline,
		meta:     meta,
		app:      app,
		opts:     opts.withDefaults(),
		baseCtx:  ctx,
		stop:     cancel,
		sessions: make(map[string]*Session),
	}
}

// Session returns the client's session, creating it on first use.
func (m *Manager) Session(clientID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, auditerr.ErrSessionClosed
	}
	s, ok := m.sessions[clientID]
	if !ok {
		next := uint64(1)
		if recent, err := m.app.RecentEvents(clientID, 1); err == nil && len(recent) > 0 {
			next = recent[0].Seq + 1
		}
		s = &Session{
			ClientID: clientID,
			mgr:      m,
			log:      newEventLog(m.opts.EventCap, next),
		}
		m.sessions[clientID] = s
		logging.Session("Client %s session created (next seq %d)", clientID, next)
	}
	return s, nil
}

// Attach binds a transport to the client's session and replays any
// undelivered events before live traffic resumes.
func (m *Manager) Attach(clientID string, t Transport) (*Session, error) {
	s, err := m.Session(clientID)
	if err != nil {
		return nil, err
	}
	if err := s.Attach(t); err != nil {
		return nil, err
	}
	return s, nil
}

// Submit routes one inbound message to the client's session.
func (m *Manager) Submit(clientID, category, message string) error {
	s, err := m.Session(clientID)
	if err != nil {
		return err
	}
	return s.Submit(category, message)
}

// History returns the client's persisted conversation turns.
func (m *Manager) History(clientID string, limit int) ([]store.ChatTurn, error) {
	return m.app.History(clientID, limit)
}

// Close cancels every running request and waits for the workers to drain.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.Unlock()

	m.stop()
	for _, s := range active {
		s.Close()
	}
	m.wg.Wait()
}

func (m *Manager) remove(clientID string) {
	m.mu.Lock()
	delete(m.sessions, clientID)
	m.mu.Unlock()
}

// Session is one client's stream state: the outbound event log, the
// optional live transport, the running request, and the pending queue.
type Session struct {
	ClientID string

	mgr *Manager

	mu        sync.Mutex
	log       *eventLog
	transport Transport
	pending   []*agents.Request
	active    *agents.Request
	cancelRun context.CancelFunc
	grace     *time.Timer
	closed    bool
}

// Submit accepts one inbound message. The first request starts running
// immediately; further requests queue in submission order up to the
// pending cap, beyond which submission is rejected with ErrSessionBusy.
func (s *Session) Submit(category, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return auditerr.ErrSessionClosed
	}
	if s.active != nil && len(s.pending) >= s.mgr.opts.PendingCap {
		return auditerr.ErrSessionBusy
	}

	turn, err := s.mgr.app.AppendTurn(s.ClientID, RoleUser, category, message)
	if err != nil {
		return fmt.Errorf("persisting user turn: %w", err)
	}
	req := agents.NewRequest(s.ClientID, uint64(turn), category, message)

	if s.active != nil {
		s.pending = append(s.pending, req)
		logging.Session("Client %s queued request %s (%d pending)", s.ClientID, req.ID, len(s.pending))
		return nil
	}
	s.active = req
	s.mgr.wg.Add(1)
	go s.run(req)
	return nil
}

// run executes requests for this session until the queue drains. At most
// one run loop exists per session.
func (s *Session) run(req *agents.Request) {
	defer s.mgr.wg.Done()
	for {
		ctx, cancel := context.WithCancel(s.mgr.baseCtx)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			cancel()
			return
		}
		s.cancelRun = cancel
		s.mu.Unlock()

		logging.Session("Client %s running request %s (category %q)", s.ClientID, req.ID, req.Category)
		out := s.mgr.pipeline.Execute(ctx, req, s.mgr.meta.Metadata(), s)
		cancel()

		if out.Cancelled {
			logging.Session("Client %s request %s cancelled", s.ClientID, req.ID)
		} else {
			s.finish(req, out)
		}

		s.mu.Lock()
		s.cancelRun = nil
		if s.closed || len(s.pending) == 0 {
			s.active = nil
			s.mu.Unlock()
			return
		}
		req = s.pending[0]
		s.pending = s.pending[1:]
		s.active = req
		s.mu.Unlock()
	}
}

// StageStarted implements agents.Sink.
func (s *Session) StageStarted(req *agents.Request, stage agents.Stage) {
	s.emit(Event{Type: EventStageProgress, RequestID: req.ID, Stage: stage})
}

// StageCompleted implements agents.Sink.
func (s *Session) StageCompleted(req *agents.Request, result agents.StageResult) {
	s.emit(Event{Type: EventStageResult, RequestID: req.ID, Result: &result})
}

// EmitError pushes an ordered error event, for inbound messages that
// never became a request.
func (s *Session) EmitError(err error) {
	s.emit(Event{Type: EventError, Message: err.Error()})
}

// finish emits the terminal event and persists the agent's turn.
func (s *Session) finish(req *agents.Request, out agents.Outcome) {
	s.emit(Event{Type: EventDone, RequestID: req.ID, Outcome: &out})
	if msg := terminalMessage(out); msg != "" {
		if _, err := s.mgr.app.AppendTurn(s.ClientID, RoleAgent, req.Category, msg); err != nil {
			logging.SessionWarn("Persisting agent turn for %s: %v", s.ClientID, err)
		}
	}
}

// emit appends one event to the log, archives it, and flushes toward the
// live transport. Log overflow is fatal to the whole session.
func (s *Session) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ev.Timestamp = time.Now().UTC()
	appended, err := s.log.Append(ev)
	if err != nil {
		logging.SessionError("Client %s event log overflow, failing session", s.ClientID)
		s.failLocked(err)
		return
	}
	s.archive(appended)
	s.flushLocked()
}

// archive persists the event for post-mortem inspection. Best effort.
func (s *Session) archive(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.mgr.app.ArchiveEvent(s.ClientID, ev.Seq, string(ev.Type), string(payload)); err != nil {
		logging.SessionDebug("Archiving event %d for %s: %v", ev.Seq, s.ClientID, err)
	}
}

// Attach binds a live transport, stops any disconnect grace timer, and
// replays undelivered events in order. A second connection for the same
// client replaces the first.
func (s *Session) Attach(t Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return auditerr.ErrSessionClosed
	}
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	if s.transport != nil {
		_ = s.transport.Close()
	}
	s.transport = t
	if backlog := s.log.Backlog(); backlog > 0 {
		logging.Session("Client %s attached, replaying %d events", s.ClientID, backlog)
	} else {
		logging.Session("Client %s attached", s.ClientID)
	}
	s.flushLocked()
	return nil
}

// Detach drops the transport if it is still the current one and starts
// the disconnect grace timer. Events keep accumulating meanwhile.
func (s *Session) Detach(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.transport != t {
		return
	}
	logging.Session("Client %s detached, grace %v", s.ClientID, s.mgr.opts.Grace)
	s.detachLocked()
}

// Close tears the session down: the running request is cancelled, no
// further events are emitted, and the session is removed from the manager.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// Closed reports whether the session has been destroyed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// flushLocked writes pending events to the transport in order, advancing
// the delivered cursor per successful write. A write failure detaches the
// transport; the failed event stays pending for replay.
func (s *Session) flushLocked() {
	if s.transport == nil {
		return
	}
	for _, ev := range s.log.Pending() {
		if err := s.transport.Send(ev); err != nil {
			terr := &auditerr.TransportError{ClientID: s.ClientID, Err: err}
			logging.SessionWarn("%v, detaching", terr)
			s.detachLocked()
			return
		}
		s.log.MarkDelivered(ev.Seq)
	}
}

func (s *Session) detachLocked() {
	s.transport = nil
	if s.grace != nil {
		s.grace.Stop()
	}
	s.grace = time.AfterFunc(s.mgr.opts.Grace, s.expire)
}

// expire destroys the session after the grace period lapsed with no
// reconnect.
func (s *Session) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.transport != nil {
		return
	}
	logging.Session("Client %s grace period lapsed, destroying session", s.ClientID)
	s.closeLocked()
}

// failLocked handles a fatal session error: a best-effort error frame,
// then teardown.
func (s *Session) failLocked(cause error) {
	serr := &auditerr.SessionError{ClientID: s.ClientID, Fatal: true, Err: cause}
	if s.transport != nil {
		_ = s.transport.Send(Event{
			Type:      EventError,
			Timestamp: time.Now().UTC(),
			Message:   serr.Error(),
		})
	}
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	if s.cancelRun != nil {
		s.cancelRun()
	}
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
	s.mgr.remove(s.ClientID)
	logging.Session("Client %s session closed", s.ClientID)
}

// terminalMessage renders the durable agent turn for a finished request:
// the newest successful payload, or the failure detail when nothing
// succeeded.
func terminalMessage(out agents.Outcome) string {
	for i := len(out.Results) - 1; i >= 0; i-- {
		if out.Results[i].Success {
			return out.Results[i].Payload.Compact()
		}
	}
	for i := len(out.Results) - 1; i >= 0; i-- {
		if out.Results[i].Error != "" {
			return "request failed: " + out.Results[i].Error
		}
	}
	return ""
}
