package arrow

import "sync/atomic"

// ControlMessageFactory builds outbound control messages and assigns
// monotonic message ids. It is safe for concurrent use.
type ControlMessageFactory struct {
	nextID atomic.Uint32
}

// NewControlMessageFactory returns a factory whose first assigned id is 1.
func NewControlMessageFactory() *ControlMessageFactory {
	f := &ControlMessageFactory{}
	f.nextID.Store(1)
	return f
}

// wraparound is permitted: the counter is internally wider than the wire
// field and simply truncates to uint16. The ACK timeout bounds how long any
// id stays outstanding, so a wrapped id never collides with a live one.
func (f *ControlMessageFactory) newID() uint16 {
	return uint16(f.nextID.Add(1) - 1)
}

// Register builds a REGISTER message, assigning it the next message id.
func (f *ControlMessageFactory) Register(mac [6]byte, uuid, password [16]byte, table ServiceTable) ControlMessage {
	id := f.newID()
	return ControlMessage{
		Header: ControlMessageHeader{MsgID: id, MsgType: CtrlRegister},
		Body: RegisterBody{
			Version:      ArrowProtocolVersion,
			MAC:          mac,
			UUID:         uuid,
			Password:     password,
			ServiceTable: table,
		},
	}
}

// Update builds an UPDATE message, assigning it the next message id. UPDATE
// is fire-and-forget: callers must not register an expected ACK for it.
func (f *ControlMessageFactory) Update(table ServiceTable) ControlMessage {
	id := f.newID()
	return ControlMessage{
		Header: ControlMessageHeader{MsgID: id, MsgType: CtrlUpdate},
		Body:   UpdateBody{ServiceTable: table},
	}
}

// Ping builds a PING message, assigning it the next message id.
func (f *ControlMessageFactory) Ping() ControlMessage {
	id := f.newID()
	return ControlMessage{
		Header: ControlMessageHeader{MsgID: id, MsgType: CtrlPing},
		Body:   EmptyBody{t: CtrlPing},
	}
}

// Ack builds an ACK replying to msgID (the id being acknowledged, echoed
// verbatim; the counter is not advanced for responses).
func (f *ControlMessageFactory) Ack(msgID uint16, errCode uint32) ControlMessage {
	return ControlMessage{
		Header: ControlMessageHeader{MsgID: msgID, MsgType: CtrlACK},
		Body:   AckBody{Err: errCode},
	}
}

// Status builds a STATUS reply to the GET_STATUS message identified by msgID.
func (f *ControlMessageFactory) Status(msgID uint16, flags uint32, activeSessions uint32) ControlMessage {
	return ControlMessage{
		Header: ControlMessageHeader{MsgID: msgID, MsgType: CtrlStatus},
		Body:   StatusBody{Flags: flags, ActiveSessions: activeSessions},
	}
}

// ScanReport builds a SCAN_REPORT reply to the GET_SCAN_REPORT message
// identified by msgID.
func (f *ControlMessageFactory) ScanReport(msgID uint16, report []byte) ControlMessage {
	return ControlMessage{
		Header: ControlMessageHeader{MsgID: msgID, MsgType: CtrlScanReport},
		Body:   ScanReportBody{Report: report},
	}
}
