package arrow

import "sync"

// SessionHandler owns a single upstream-originated subflow (an RTSP, HTTP,
// MJPEG or raw TCP proxy session, depending on the service table entry the
// session id refers to). Per-service-type proxying lives outside this
// module; SessionHandler is the seam a caller plugs a real proxy
// implementation into.
type SessionHandler interface {
	// HandleInbound processes one frame's payload routed in for this
	// session.
	HandleInbound(payload []byte) error
	// Close terminates the subflow, e.g. on a HUP from the server.
	Close(errorCode uint32)
}

// SessionFactory creates a SessionHandler the first time a session id is
// seen. out is a shared channel the handler may push outbound ArrowMessages
// into at any time from any goroutine; the session manager relays them to
// the engine in the order they arrive.
type SessionFactory interface {
	NewSession(id uint16, out chan<- ArrowMessage) SessionHandler
}

// SessionManager multiplexes per-session subflows over the single Arrow
// connection. A Session's lifecycle starts on the first inbound frame for
// its id and ends on HUP or manager shutdown.
type SessionManager struct {
	factory SessionFactory

	mu       sync.Mutex
	sessions map[uint16]SessionHandler

	// ready carries frames session handlers want relayed upstream. It is
	// buffered generously so a handler's Write never blocks the reactor
	// for long; TryPoll drains it without blocking.
	ready chan ArrowMessage
}

// NewSessionManager builds an empty manager using factory to instantiate
// sessions on first sight.
func NewSessionManager(factory SessionFactory) *SessionManager {
	return &SessionManager{
		factory:  factory,
		sessions: make(map[uint16]SessionHandler),
		ready:    make(chan ArrowMessage, 256),
	}
}

// Send routes an inbound non-control frame to the matching session,
// creating it on first sight.
func (m *SessionManager) Send(msg ArrowMessage) error {
	handler := m.sessionFor(msg.Service)
	return handler.HandleInbound(msg.Payload)
}

func (m *SessionManager) sessionFor(id uint16) SessionHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.sessions[id]; ok {
		return h
	}
	h := m.factory.NewSession(id, m.ready)
	m.sessions[id] = h
	return h
}

// Close ends a session in response to a HUP and drops its state.
func (m *SessionManager) Close(id uint16, errorCode uint32) {
	m.mu.Lock()
	h, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		h.Close(errorCode)
	}
}

// TryPoll returns the next outbound frame ready to relay upstream, if any,
// without blocking. The stream of frames a SessionManager can produce is
// infinite by contract: TryPoll simply reports "nothing ready right now",
// it never signals end-of-stream.
func (m *SessionManager) TryPoll() (ArrowMessage, bool) {
	select {
	case msg := <-m.ready:
		return msg, true
	default:
		return ArrowMessage{}, false
	}
}

// Len reports the number of active sessions, as surfaced in STATUS replies.
func (m *SessionManager) Len() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.sessions))
}

// SessionCloseConnectionEnded is the errorCode CloseAll passes to every
// open SessionHandler: it distinguishes a teardown caused by the Arrow
// connection itself ending (redirect, ACK timeout, transport failure) from
// a server-issued HUP targeting one specific session, whose errorCode
// comes from the HUP body instead.
const SessionCloseConnectionEnded uint32 = 0xffffffff

// CloseAll terminates every open session, e.g. when the engine's reactor
// stops because the Arrow connection itself ended. Unlike Close, which
// drops a single session named by a server HUP, CloseAll is the engine's
// only way to notify sessions that nothing more is coming.
func (m *SessionManager) CloseAll(errorCode uint32) {
	m.mu.Lock()
	handlers := make([]SessionHandler, 0, len(m.sessions))
	for id, h := range m.sessions {
		handlers = append(handlers, h)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h.Close(errorCode)
	}
}
