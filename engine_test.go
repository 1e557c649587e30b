package arrow

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHarness bundles an Engine with the fake clock and memory context
// that drive it.
type testHarness struct {
	t      *testing.T
	engine *Engine
	clock  clockwork.FakeClock
	appCtx *MemoryContext
	cmdCh  *ChanCommandChannel
}

func newHarness(t *testing.T, opts ...ContextOption) *testHarness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	base := []ContextOption{
		WithUUID([16]byte{0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01}),
		WithClock(clock),
	}
	appCtx := NewMemoryContext(
		[6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		[16]byte{0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02},
		NewStaticServiceTable(),
		append(base, opts...)...,
	)
	cmdCh := NewChanCommandChannel(4)
	engine := NewEngine(appCtx, cmdCh, WithEngineClock(clock))
	t.Cleanup(engine.Close)
	return &testHarness{t: t, engine: engine, clock: clock, appCtx: appCtx, cmdCh: cmdCh}
}

// next pulls the next outbound frame, failing the test if none arrives
// within a short real-time deadline. The ack timeout and periodic checks
// are controlled by the fake clock; only goroutine scheduling is real time.
func (h *testHarness) next() (ArrowMessage, error) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return h.engine.Next(ctx)
}

func (h *testHarness) feed(msg ArrowMessage) {
	h.t.Helper()
	h.engine.Feed(msg)
}

func (h *testHarness) feedControl(cm ControlMessage) {
	h.feed(cm.ToArrowMessage())
}

// waitUntil polls cond in real time until it returns true or the deadline
// passes, then asserts it held.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition did not become true in time")
}

func TestEngineSuccessfulHandshake(t *testing.T) {
	h := newHarness(t)

	reg, err := h.next()
	require.NoError(t, err)
	require.Equal(t, ControlService, reg.Service)

	cm, err := DecodeControlMessage(reg.Payload)
	require.NoError(t, err)
	assert.Equal(t, CtrlRegister, cm.Header.MsgType)
	assert.Equal(t, uint16(1), cm.Header.MsgID)

	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: cm.Header.MsgID, MsgType: CtrlACK},
		Body:   AckBody{Err: AckNoError},
	})

	waitUntil(t, h.engine.Established)
	assert.Equal(t, uint32(0), h.engine.SessionCount())
}

func TestEngineUnauthorized(t *testing.T) {
	h := newHarness(t)

	reg, err := h.next()
	require.NoError(t, err)
	cm, err := DecodeControlMessage(reg.Payload)
	require.NoError(t, err)

	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: cm.Header.MsgID, MsgType: CtrlACK},
		Body:   AckBody{Err: AckUnauthorized},
	})

	_, err = h.next()
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestEngineUnsupportedProtocolVersion(t *testing.T) {
	h := newHarness(t)

	reg, err := h.next()
	require.NoError(t, err)
	cm, err := DecodeControlMessage(reg.Payload)
	require.NoError(t, err)

	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: cm.Header.MsgID, MsgType: CtrlACK},
		Body:   AckBody{Err: AckUnsupportedProtocolVersion},
	})

	_, err = h.next()
	assert.ErrorIs(t, err, ErrUnsupportedProtocolVersion)
}

func TestEngineArrowServerError(t *testing.T) {
	h := newHarness(t)

	reg, err := h.next()
	require.NoError(t, err)
	cm, err := DecodeControlMessage(reg.Payload)
	require.NoError(t, err)

	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: cm.Header.MsgID, MsgType: CtrlACK},
		Body:   AckBody{Err: AckInternalServerError},
	})

	_, err = h.next()
	assert.ErrorIs(t, err, ErrArrowServerError)
}

func TestEngineUnknownAckError(t *testing.T) {
	h := newHarness(t)

	reg, err := h.next()
	require.NoError(t, err)
	cm, err := DecodeControlMessage(reg.Payload)
	require.NoError(t, err)

	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: cm.Header.MsgID, MsgType: CtrlACK},
		Body:   AckBody{Err: 0x7fff},
	})

	_, err = h.next()
	var otherErr *OtherError
	require.True(t, errors.As(err, &otherErr))
}

// establish drives a harness through a successful handshake and drains the
// REGISTER ACK, leaving the engine Established with an empty pending-ack
// queue.
func establish(t *testing.T, h *testHarness) {
	t.Helper()
	reg, err := h.next()
	require.NoError(t, err)
	cm, err := DecodeControlMessage(reg.Payload)
	require.NoError(t, err)
	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: cm.Header.MsgID, MsgType: CtrlACK},
		Body:   AckBody{Err: AckNoError},
	})
	waitUntil(t, h.engine.Established)
}

func TestEnginePingRoundTrip(t *testing.T) {
	h := newHarness(t)
	establish(t, h)

	h.clock.Advance(PingPeriod)
	h.engine.Tick(h.clock.Now())

	ping, err := h.next()
	require.NoError(t, err)
	cm, err := DecodeControlMessage(ping.Payload)
	require.NoError(t, err)
	assert.Equal(t, CtrlPing, cm.Header.MsgType)

	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: cm.Header.MsgID, MsgType: CtrlACK},
		Body:   AckBody{Err: AckNoError},
	})

	waitUntil(t, func() bool { return h.engine.acks.empty() })
}

func TestEngineUpdateRoundTrip(t *testing.T) {
	h := newHarness(t)
	establish(t, h)

	h.clock.Advance(UpdateCheckPeriod)
	h.engine.Tick(h.clock.Now())

	update, err := h.next()
	require.NoError(t, err)
	cm, err := DecodeControlMessage(update.Payload)
	require.NoError(t, err)
	assert.Equal(t, CtrlUpdate, cm.Header.MsgType)

	// UPDATE is fire-and-forget: no expected ACK may be registered for it,
	// unlike REGISTER and PING.
	assert.True(t, h.engine.acks.empty())
}

func TestEngineAckTimeout(t *testing.T) {
	h := newHarness(t)
	establish(t, h)

	h.clock.Advance(PingPeriod)
	h.engine.Tick(h.clock.Now())
	_, err := h.next()
	require.NoError(t, err)

	h.clock.Advance(AckTimeout + time.Second)
	h.engine.Tick(h.clock.Now())

	_, err = h.next()
	assert.ErrorIs(t, err, ErrConnectionError)
	assert.Contains(t, err.Error(), "Arrow Service connection timeout")
}

func TestEngineRedirectClosesCleanly(t *testing.T) {
	h := newHarness(t)
	establish(t, h)

	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: 999, MsgType: CtrlRedirect},
		Body:   RedirectBody{Target: "newhost:8900"},
	})

	_, err := h.next()
	assert.ErrorIs(t, err, io.EOF)

	target, ok := h.engine.Redirect()
	require.True(t, ok)
	assert.Equal(t, "newhost:8900", target)

	// a second REDIRECT, or any other inbound frame, is discarded silently:
	// the redirect target does not change and no error is raised.
	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: 1000, MsgType: CtrlRedirect},
		Body:   RedirectBody{Target: "other:1"},
	})
	target, ok = h.engine.Redirect()
	require.True(t, ok)
	assert.Equal(t, "newhost:8900", target)
}

func TestEngineRedirectClosesOpenSessions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	appCtx := NewMemoryContext(
		[6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		[16]byte{0x02},
		NewStaticServiceTable(),
		WithClock(clock),
	)
	factory := newRecordingSessionFactory()
	engine := NewEngine(appCtx, NewChanCommandChannel(4), WithEngineClock(clock), WithSessionFactory(factory))
	defer engine.Close()

	next := func() (ArrowMessage, error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return engine.Next(ctx)
	}

	reg, err := next()
	require.NoError(t, err)
	cm, err := DecodeControlMessage(reg.Payload)
	require.NoError(t, err)
	engine.Feed(ControlMessage{
		Header: ControlMessageHeader{MsgID: cm.Header.MsgID, MsgType: CtrlACK},
		Body:   AckBody{Err: AckNoError},
	}.ToArrowMessage())
	waitUntil(t, engine.Established)

	engine.Feed(ArrowMessage{Service: 11, Payload: []byte("hello")})
	waitUntil(t, func() bool { return engine.SessionCount() == 1 })

	engine.Feed(ControlMessage{
		Header: ControlMessageHeader{MsgID: 1, MsgType: CtrlRedirect},
		Body:   RedirectBody{Target: "elsewhere:1"},
	}.ToArrowMessage())

	_, err = next()
	assert.ErrorIs(t, err, io.EOF)

	waitUntil(t, func() bool {
		closed, _ := factory.session(11).Closed()
		return closed
	})
	_, errCode := factory.session(11).Closed()
	assert.Equal(t, SessionCloseConnectionEnded, errCode)
}

func TestEngineDiagnosticModeRedirectsEmpty(t *testing.T) {
	h := newHarness(t, WithDiagnosticMode(true))

	reg, err := h.next()
	require.NoError(t, err)
	cm, err := DecodeControlMessage(reg.Payload)
	require.NoError(t, err)

	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: cm.Header.MsgID, MsgType: CtrlACK},
		Body:   AckBody{Err: AckNoError},
	})

	_, err = h.next()
	assert.ErrorIs(t, err, io.EOF)

	target, ok := h.engine.Redirect()
	require.True(t, ok)
	assert.Equal(t, "", target)
}

func TestEnginePingInHandshakeIsFatal(t *testing.T) {
	h := newHarness(t)

	// drain the initial REGISTER so the fatal PING is unambiguously next.
	_, err := h.next()
	require.NoError(t, err)

	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: 42, MsgType: CtrlPing},
		Body:   EmptyBody{t: CtrlPing},
	})

	_, err = h.next()
	var otherErr *OtherError
	require.True(t, errors.As(err, &otherErr))
	assert.Contains(t, otherErr.Error(), "cannot handle PING message in the Handshake state")
}

func TestEngineUnexpectedAckIsFatal(t *testing.T) {
	h := newHarness(t)

	_, err := h.next()
	require.NoError(t, err)

	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: 0xbeef, MsgType: CtrlACK},
		Body:   AckBody{Err: AckNoError},
	})

	_, err = h.next()
	var otherErr *OtherError
	require.True(t, errors.As(err, &otherErr))
	assert.Contains(t, otherErr.Error(), "unexpected ACK message ID")
}

func TestEngineUnexpectedAckWhenNoneOutstanding(t *testing.T) {
	h := newHarness(t)
	establish(t, h)

	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: 7, MsgType: CtrlACK},
		Body:   AckBody{Err: AckNoError},
	})

	_, err := h.next()
	var otherErr *OtherError
	require.True(t, errors.As(err, &otherErr))
	assert.Contains(t, otherErr.Error(), "no ACK message expected")
}

func TestEngineGetStatusReportsSessionCount(t *testing.T) {
	h := newHarness(t)
	establish(t, h)

	h.feed(ArrowMessage{Service: 5, Payload: []byte("session payload")})
	waitUntil(t, func() bool { return h.engine.SessionCount() == 1 })

	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: 55, MsgType: CtrlGetStatus},
		Body:   EmptyBody{t: CtrlGetStatus},
	})

	reply, err := h.next()
	require.NoError(t, err)
	cm, err := DecodeControlMessage(reply.Payload)
	require.NoError(t, err)
	assert.Equal(t, CtrlStatus, cm.Header.MsgType)
	assert.Equal(t, uint16(55), cm.Header.MsgID)
	status := cm.Body.(StatusBody)
	assert.Equal(t, uint32(1), status.ActiveSessions)
}

func TestEngineHupClosesSession(t *testing.T) {
	h := newHarness(t)
	establish(t, h)

	h.feed(ArrowMessage{Service: 9, Payload: []byte("x")})
	waitUntil(t, func() bool { return h.engine.SessionCount() == 1 })

	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: 1, MsgType: CtrlHup},
		Body:   HupBody{SessionID: 9, ErrorCode: 0},
	})

	waitUntil(t, func() bool { return h.engine.SessionCount() == 0 })
}

func TestEngineResetSvcTableForwardsCommand(t *testing.T) {
	h := newHarness(t)
	establish(t, h)

	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: 2, MsgType: CtrlResetSvcTable},
		Body:   EmptyBody{t: CtrlResetSvcTable},
	})

	select {
	case cmd := <-h.cmdCh.Commands():
		assert.Equal(t, CommandResetServiceTable, cmd)
	case <-time.After(time.Second):
		t.Fatal("expected a forwarded ResetServiceTable command")
	}
}

func TestEngineScanNetworkForwardsCommand(t *testing.T) {
	h := newHarness(t)
	establish(t, h)

	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: 3, MsgType: CtrlScanNetwork},
		Body:   EmptyBody{t: CtrlScanNetwork},
	})

	select {
	case cmd := <-h.cmdCh.Commands():
		assert.Equal(t, CommandScanNetwork, cmd)
	case <-time.After(time.Second):
		t.Fatal("expected a forwarded ScanNetwork command")
	}
}

func TestEngineUnknownControlTypeIsFatal(t *testing.T) {
	h := newHarness(t)
	establish(t, h)

	h.feedControl(ControlMessage{
		Header: ControlMessageHeader{MsgID: 4, MsgType: ControlMessageType(0x00ff)},
		Body:   UnknownBody{RawType: 0x00ff},
	})

	_, err := h.next()
	var otherErr *OtherError
	require.True(t, errors.As(err, &otherErr))
}

func TestEnginePeriodicityUnderSimulatedClock(t *testing.T) {
	h := newHarness(t)
	establish(t, h)

	var pings, updates int
	const steps = 36 // 180 simulated seconds in update-check-period increments
	for i := 0; i < steps; i++ {
		h.clock.Advance(UpdateCheckPeriod)
		h.engine.Tick(h.clock.Now())

		expected := 1 // an UPDATE fires every check with the always-dirty default
		if (i+1)%12 == 0 {
			expected = 2 // a PING joins it at each full minute
		}
		for j := 0; j < expected; j++ {
			msg, err := h.next()
			require.NoError(t, err)
			cm, err := DecodeControlMessage(msg.Payload)
			require.NoError(t, err)
			switch cm.Header.MsgType {
			case CtrlPing:
				pings++
				h.feedControl(ControlMessage{
					Header: ControlMessageHeader{MsgID: cm.Header.MsgID, MsgType: CtrlACK},
					Body:   AckBody{Err: AckNoError},
				})
				waitUntil(t, func() bool { return h.engine.acks.empty() })
			case CtrlUpdate:
				updates++
			default:
				t.Fatalf("unexpected outbound %s message", cm.Header.MsgType)
			}
		}
	}

	assert.Equal(t, 3, pings, "one PING per full minute")
	assert.Equal(t, steps, updates, "one UPDATE per check period")
}

func TestEngineTickIgnoredDuringHandshake(t *testing.T) {
	h := newHarness(t)

	// drain the REGISTER so any UPDATE the tick wrongly produced would be
	// the next outbound frame.
	_, err := h.next()
	require.NoError(t, err)

	h.clock.Advance(UpdateCheckPeriod)
	h.engine.Tick(h.clock.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.engine.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngineRegisterAckTimeout(t *testing.T) {
	h := newHarness(t)

	_, err := h.next()
	require.NoError(t, err)

	h.clock.Advance(AckTimeout + time.Second)
	h.engine.Tick(h.clock.Now())

	_, err = h.next()
	assert.ErrorIs(t, err, ErrConnectionError)
}
