package arrow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// PingPeriod is the interval between keep-alive PINGs once Established.
const PingPeriod = 60 * time.Second

// UpdateCheckPeriod is how often the engine checks whether the service
// table has changed and, if so, sends an UPDATE.
const UpdateCheckPeriod = 5 * time.Second

// ProtocolState is the engine's handshake/established state machine. The
// only transition is Handshake -> Established, triggered by an ACK_NO_ERROR
// response to REGISTER.
type ProtocolState int

const (
	StateHandshake ProtocolState = iota
	StateEstablished
)

func (s ProtocolState) String() string {
	if s == StateEstablished {
		return "Established"
	}
	return "Handshake"
}

// Engine is the Arrow Protocol client engine: the framed message pump that
// drives the handshake, multiplexes inbound/outbound ArrowMessage frames
// between the control plane and the session manager, tracks
// acknowledgements with timeouts, runs periodic maintenance, and terminates
// cleanly on redirect.
//
// All mutable state is touched only by the reactor goroutine started in
// run(). Callers interact with it exclusively through Feed, Tick, Next and
// Close.
type Engine struct {
	log      *slog.Logger
	appCtx   ApplicationContext
	cmdCh    CommandChannel
	clock    clockwork.Clock
	factory  *ControlMessageFactory
	acks     ackTracker
	sessions *SessionManager
	metrics  Metrics

	state       ProtocolState
	established atomic.Bool
	redirect    *string

	lastPing        time.Time
	lastUpdateCheck time.Time
	lastTableDirty  func() bool

	outQueue []ArrowMessage

	inbox  chan ArrowMessage
	ticks  chan time.Time
	outbox chan ArrowMessage
	errCh  chan error
	stop   chan struct{}
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

// WithEngineClock overrides the engine's clock (for deterministic tests).
func WithEngineClock(clock clockwork.Clock) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithSessionFactory supplies the SessionFactory used to instantiate
// sessions on first sight. If omitted, NewEngine uses a factory whose
// sessions simply discard inbound payloads and never produce outbound
// frames, which is adequate for exercising the control plane in isolation.
func WithSessionFactory(factory SessionFactory) EngineOption {
	return func(e *Engine) { e.sessions = NewSessionManager(factory) }
}

// WithMetrics attaches a Metrics collaborator the engine reports frame
// counts and ACK timeouts to. If omitted, counters are discarded.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithUpdateDirtyCheck overrides how the engine decides the service table
// has changed since the last UPDATE check. The default always reports
// dirty, so an UPDATE goes out on every check period.
func WithUpdateDirtyCheck(dirty func() bool) EngineOption {
	return func(e *Engine) { e.lastTableDirty = dirty }
}

type discardSessionFactory struct{}

func (discardSessionFactory) NewSession(id uint16, out chan<- ArrowMessage) SessionHandler {
	return discardSession{}
}

type discardSession struct{}

func (discardSession) HandleInbound(payload []byte) error { return nil }
func (discardSession) Close(errorCode uint32) {}

// NewEngine constructs the engine and eagerly enqueues a REGISTER message
// for the application's identity and service table, recording an expected
// ACK for it.
func NewEngine(appCtx ApplicationContext, cmdCh CommandChannel, opts ...EngineOption) *Engine {
	e := &Engine{
		log:     appCtx.Logger(),
		appCtx:  appCtx,
		cmdCh:   cmdCh,
		clock:   appCtx.Clock(),
		factory: NewControlMessageFactory(),
		state:   StateHandshake,

		inbox:  make(chan ArrowMessage, 64),
		ticks:  make(chan time.Time, 1),
		outbox: make(chan ArrowMessage),
		errCh:  make(chan error, 1),
		stop:   make(chan struct{}),
	}
	e.lastTableDirty = func() bool { return true }

	for _, o := range opts {
		o(e)
	}
	if e.sessions == nil {
		e.sessions = NewSessionManager(discardSessionFactory{})
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = noopMetrics{}
	}

	now := e.clock.Now()
	e.lastPing = now
	e.lastUpdateCheck = now

	mac := appCtx.MACAddress()
	uuid := appCtx.UUID()
	password := appCtx.Password()
	reg := e.factory.Register(mac, uuid, password, appCtx.ServiceTable())
	e.sendUnconfirmed(reg)

	go e.run()

	return e
}

// Feed hands an inbound ArrowMessage (read from the transport) to the
// engine. It must not be called after Close.
func (e *Engine) Feed(msg ArrowMessage) {
	e.metrics.IncrementFramesReceived()
	select {
	case e.inbox <- msg:
	case <-e.stop:
	}
}

// Tick drives the engine's periodic maintenance (keep-alive PINGs, UPDATE
// checks, ACK-timeout detection). The Ticker fires it once per second.
func (e *Engine) Tick(now time.Time) {
	select {
	case e.ticks <- now:
	case <-e.stop:
	default:
		// a tick is already pending; the reactor will observe "now" (or a
		// value close enough) on its next iteration regardless.
	}
}

// Next blocks until the engine has a frame ready to send upstream, a fatal
// error occurs, or ctx is done. It returns io.EOF once the engine has
// terminated cleanly (redirect set, or ack timeout already reported).
func (e *Engine) Next(ctx context.Context) (ArrowMessage, error) {
	select {
	case msg, ok := <-e.outbox:
		if !ok {
			select {
			case err := <-e.errCh:
				return ArrowMessage{}, err
			default:
				return ArrowMessage{}, io.EOF
			}
		}
		return msg, nil
	case err := <-e.errCh:
		return ArrowMessage{}, err
	case <-ctx.Done():
		return ArrowMessage{}, ctx.Err()
	}
}

// Close stops the reactor goroutine. It is safe to call more than once and
// safe to call after the engine has already terminated on its own.
func (e *Engine) Close() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
}

// Redirect returns the redirect target and whether one has been set yet.
// The driver calls this once Next has returned io.EOF, per the invariant
// that redirect is always populated by the time the engine cleanly ends.
func (e *Engine) Redirect() (string, bool) {
	if e.redirect == nil {
		return "", false
	}
	return *e.redirect, true
}

// SessionCount reports the number of active session subflows.
func (e *Engine) SessionCount() uint32 {
	return e.sessions.Len()
}

// Established reports whether the handshake has completed. Safe to call
// from any goroutine, e.g. a driver deciding whether to reset its reconnect
// backoff.
func (e *Engine) Established() bool {
	return e.established.Load()
}

// Metrics returns the engine's Metrics collaborator (always non-nil; a
// no-op implementation if none was supplied via WithMetrics).
func (e *Engine) Metrics() Metrics {
	return e.metrics
}

// --- reactor ---

func (e *Engine) run() {
	// Whatever ends the reactor loop - a clean redirect, an ACK timeout, a
	// protocol error, or an explicit Close - the session subflows it was
	// multiplexing are no longer going anywhere; tell them so instead of
	// abandoning them silently.
	defer e.sessions.CloseAll(SessionCloseConnectionEnded)

	for {
		if e.acks.headExpired(e.clock.Now()) {
			e.metrics.IncrementAckTimeouts()
			e.fail(connectionError("Arrow Service connection timeout"))
			return
		}
		if e.closed() {
			close(e.outbox)
			return
		}

		var sendCh chan ArrowMessage
		var sendMsg ArrowMessage
		usingQueue := false
		if len(e.outQueue) > 0 {
			sendMsg = e.outQueue[0]
			sendCh = e.outbox
			usingQueue = true
		} else if msg, ok := e.sessions.TryPoll(); ok {
			sendMsg = msg
			sendCh = e.outbox
		}

		select {
		case sendCh <- sendMsg:
			e.metrics.IncrementFramesSent()
			if usingQueue {
				e.outQueue = e.outQueue[1:]
			}
		case in := <-e.inbox:
			if err := e.handleInbound(in); err != nil {
				e.fail(err)
				return
			}
		case now := <-e.ticks:
			e.handleTick(now)
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) closed() bool {
	return e.redirect != nil
}

func (e *Engine) fail(err error) {
	select {
	case e.errCh <- err:
	default:
	}
	close(e.outbox)
}

func (e *Engine) handleTick(now time.Time) {
	if e.state != StateEstablished {
		return
	}

	if now.Sub(e.lastPing) >= PingPeriod {
		e.log.Debug("sending a PING message")
		ping := e.factory.Ping()
		e.sendUnconfirmed(ping)
		e.lastPing = now
	}

	if now.Sub(e.lastUpdateCheck) >= UpdateCheckPeriod {
		if e.lastTableDirty() {
			e.log.Debug("sending an UPDATE message")
			update := e.factory.Update(e.appCtx.ServiceTable())
			e.enqueue(update)
		}
		e.lastUpdateCheck = now
	}

	// the ack-timeout check at the top of run()'s loop will observe any
	// newly-expired head on the very next iteration; nothing further to do
	// here beyond having woken the reactor via the tick itself.
}

func (e *Engine) enqueue(msg ControlMessage) {
	e.outQueue = append(e.outQueue, msg.ToArrowMessage())
}

func (e *Engine) sendUnconfirmed(msg ControlMessage) {
	e.acks.push(msg.Header.MsgID, e.clock.Now().Add(AckTimeout))
	e.enqueue(msg)
}

func (e *Engine) handleInbound(msg ArrowMessage) error {
	if e.closed() {
		// once redirect is set the engine accepts no further outbound
		// messages; its inbound side also discards silently.
		return nil
	}

	if msg.Service == ControlService {
		return e.handleControl(msg.Payload)
	}
	return e.handleServiceRequest(msg)
}

func (e *Engine) handleControl(payload []byte) error {
	cm, err := DecodeControlMessage(payload)
	if err != nil {
		return other("%s", err)
	}

	e.log.Debug("received control message", "type", cm.Header.MsgType.String())

	switch cm.Header.MsgType {
	case CtrlACK:
		return e.handleAck(cm)
	case CtrlPing:
		return e.requireEstablished(cm.Header.MsgType, e.handlePing(cm))
	case CtrlHup:
		return e.requireEstablished(cm.Header.MsgType, e.handleHup(cm))
	case CtrlRedirect:
		return e.requireEstablished(cm.Header.MsgType, e.handleRedirect(cm))
	case CtrlGetStatus:
		return e.requireEstablished(cm.Header.MsgType, e.handleGetStatus(cm))
	case CtrlGetScanReport:
		return e.requireEstablished(cm.Header.MsgType, e.handleGetScanReport(cm))
	case CtrlResetSvcTable:
		return e.requireEstablished(cm.Header.MsgType, e.handleCommand(CommandResetServiceTable))
	case CtrlScanNetwork:
		return e.requireEstablished(cm.Header.MsgType, e.handleCommand(CommandScanNetwork))
	default:
		return other("unexpected control message received: %s", cm.Header.MsgType)
	}
}

// requireEstablished enforces the dispatch table: every control type other
// than ACK is a fatal error outside Established. fn is only invoked when
// the state check passes.
func (e *Engine) requireEstablished(t ControlMessageType, fn func() error) error {
	if e.state != StateEstablished {
		return other("cannot handle %s message in the Handshake state", t)
	}
	return fn()
}

func (e *Engine) handlePing(cm ControlMessage) func() error {
	return func() error {
		e.log.Debug("sending an ACK message")
		ack := e.factory.Ack(cm.Header.MsgID, AckNoError)
		e.enqueue(ack)
		return nil
	}
}

func (e *Engine) handleHup(cm ControlMessage) func() error {
	return func() error {
		hup, ok := cm.Body.(HupBody)
		if !ok {
			return other("malformed HUP message")
		}
		e.sessions.Close(hup.SessionID, hup.ErrorCode)
		return nil
	}
}

func (e *Engine) handleRedirect(cm ControlMessage) func() error {
	return func() error {
		redir, ok := cm.Body.(RedirectBody)
		if !ok {
			return other("malformed REDIRECT message")
		}
		target := redir.Target
		e.redirect = &target
		return nil
	}
}

func (e *Engine) handleGetStatus(cm ControlMessage) func() error {
	return func() error {
		var flags uint32
		if e.appCtx.IsScanning() {
			flags |= StatusFlagScan
		}
		e.log.Debug("sending a STATUS message")
		status := e.factory.Status(cm.Header.MsgID, flags, e.sessions.Len())
		e.enqueue(status)
		return nil
	}
}

func (e *Engine) handleGetScanReport(cm ControlMessage) func() error {
	return func() error {
		e.log.Debug("sending a SCAN_REPORT message")
		report := e.factory.ScanReport(cm.Header.MsgID, e.appCtx.ScanReport())
		e.enqueue(report)
		return nil
	}
}

func (e *Engine) handleCommand(cmd Command) func() error {
	return func() error {
		e.cmdCh.Send(cmd)
		return nil
	}
}

func (e *Engine) handleAck(cm ControlMessage) error {
	if !e.acks.popFrontIfMatch(cm.Header.MsgID) {
		if e.acks.empty() {
			return other("no ACK message expected")
		}
		return other("unexpected ACK message ID")
	}

	if e.state != StateHandshake {
		return nil
	}
	return e.handleHandshakeAck(cm)
}

func (e *Engine) handleHandshakeAck(cm ControlMessage) error {
	ack, ok := cm.Body.(AckBody)
	if !ok {
		return other("malformed ACK message")
	}

	switch ack.Err {
	case AckNoError:
		e.state = StateEstablished
		e.established.Store(true)
		if e.appCtx.DiagnosticMode() {
			empty := ""
			e.redirect = &empty
		}
		return nil
	case AckUnauthorized:
		return fmt.Errorf("%w: Arrow REGISTER failed (unauthorized)", ErrUnauthorized)
	case AckUnsupportedProtocolVersion:
		return fmt.Errorf("%w: Arrow REGISTER failed (unsupported protocol version)", ErrUnsupportedProtocolVersion)
	case AckInternalServerError:
		return fmt.Errorf("%w: Arrow REGISTER failed (internal server error)", ErrArrowServerError)
	default:
		return other("Arrow REGISTER failed (unknown error)")
	}
}

func (e *Engine) handleServiceRequest(msg ArrowMessage) error {
	if e.state != StateEstablished {
		return other("cannot handle service requests in the Handshake state")
	}
	return e.sessions.Send(msg)
}
