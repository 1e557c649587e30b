package arrow

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ControlMessageType identifies the body variant carried by a ControlMessage.
type ControlMessageType uint16

// Arrow Control Protocol message type codes.
const (
	CtrlACK           ControlMessageType = 0x0000
	CtrlPing          ControlMessageType = 0x0001
	CtrlRegister      ControlMessageType = 0x0002
	CtrlRedirect      ControlMessageType = 0x0003
	CtrlUpdate        ControlMessageType = 0x0004
	CtrlHup           ControlMessageType = 0x0005
	CtrlResetSvcTable ControlMessageType = 0x0006
	CtrlScanNetwork   ControlMessageType = 0x0007
	CtrlGetStatus     ControlMessageType = 0x0008
	CtrlStatus        ControlMessageType = 0x0009
	CtrlGetScanReport ControlMessageType = 0x000a
	CtrlScanReport    ControlMessageType = 0x000b
)

func (t ControlMessageType) String() string {
	switch t {
	case CtrlACK:
		return "ACK"
	case CtrlPing:
		return "PING"
	case CtrlRegister:
		return "REGISTER"
	case CtrlRedirect:
		return "REDIRECT"
	case CtrlUpdate:
		return "UPDATE"
	case CtrlHup:
		return "HUP"
	case CtrlResetSvcTable:
		return "RESET_SVC_TABLE"
	case CtrlScanNetwork:
		return "SCAN_NETWORK"
	case CtrlGetStatus:
		return "GET_STATUS"
	case CtrlStatus:
		return "STATUS"
	case CtrlGetScanReport:
		return "GET_SCAN_REPORT"
	case CtrlScanReport:
		return "SCAN_REPORT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04x)", uint16(t))
	}
}

// ACK error codes.
const (
	AckNoError                    uint32 = 0x00000000
	AckUnsupportedProtocolVersion uint32 = 0x00000001
	AckUnauthorized               uint32 = 0x00000002
	AckConnectionError            uint32 = 0x00000003
	AckUnsupportedMethod          uint32 = 0x00000004
	AckInternalServerError        uint32 = 0xffffffff
)

// StatusFlagScan is set in a STATUS reply while a network scan is in progress.
const StatusFlagScan uint32 = 1 << 0

// ArrowProtocolVersion is the protocol version REGISTER advertises.
const ArrowProtocolVersion byte = 1

const controlHeaderSize = 4

// ControlMessageHeader is the 4-byte header prefixing every control-plane
// payload: msg_id then msg_type, both big-endian.
type ControlMessageHeader struct {
	MsgID   uint16
	MsgType ControlMessageType
}

func (h ControlMessageHeader) encode(buf *bytes.Buffer) {
	var b [controlHeaderSize]byte
	binary.BigEndian.PutUint16(b[0:2], h.MsgID)
	binary.BigEndian.PutUint16(b[2:4], uint16(h.MsgType))
	buf.Write(b[:])
}

func decodeControlHeader(b []byte) (ControlMessageHeader, error) {
	if len(b) < controlHeaderSize {
		return ControlMessageHeader{}, fmt.Errorf("%w: truncated control header", ErrDecodeMessage)
	}
	return ControlMessageHeader{
		MsgID:   binary.BigEndian.Uint16(b[0:2]),
		MsgType: ControlMessageType(binary.BigEndian.Uint16(b[2:4])),
	}, nil
}

// ControlMessageBody is implemented by every control-message body variant.
// Encode appends the body's wire bytes (excluding the header) to buf.
type ControlMessageBody interface {
	Type() ControlMessageType
	Encode(buf *bytes.Buffer)
}

// ControlMessage is a header plus its typed body.
type ControlMessage struct {
	Header ControlMessageHeader
	Body   ControlMessageBody
}

// Encode returns the wire bytes of the control message (header + body),
// suitable as an ArrowMessage payload with Service == ControlService.
func (m ControlMessage) Encode() []byte {
	var buf bytes.Buffer
	m.Header.encode(&buf)
	m.Body.Encode(&buf)
	return buf.Bytes()
}

// ToArrowMessage wraps the control message as a control-plane ArrowMessage.
func (m ControlMessage) ToArrowMessage() ArrowMessage {
	return ArrowMessage{Service: ControlService, Payload: m.Encode()}
}

// --- body variants ---

// EmptyBody is shared by every control message whose payload must be empty:
// PING, RESET_SVC_TABLE, SCAN_NETWORK, GET_STATUS, GET_SCAN_REPORT.
type EmptyBody struct{ t ControlMessageType }

func (b EmptyBody) Type() ControlMessageType { return b.t }
func (b EmptyBody) Encode(buf *bytes.Buffer) {}

// AckBody is the body of an ACK message.
type AckBody struct{ Err uint32 }

func (AckBody) Type() ControlMessageType { return CtrlACK }
func (b AckBody) Encode(buf *bytes.Buffer) {
	var e [4]byte
	binary.BigEndian.PutUint32(e[:], b.Err)
	buf.Write(e[:])
}

// RegisterBody is the outbound-only body of a REGISTER message.
type RegisterBody struct {
	Version      byte
	MAC          [6]byte
	UUID         [16]byte
	Password     [16]byte
	ServiceTable ServiceTable
}

func (RegisterBody) Type() ControlMessageType { return CtrlRegister }
func (b RegisterBody) Encode(buf *bytes.Buffer) {
	buf.WriteByte(b.Version)
	buf.Write(b.MAC[:])
	buf.Write(b.UUID[:])
	buf.Write(b.Password[:])
	encodeServiceTable(buf, b.ServiceTable)
}

// UpdateBody is the outbound-only body of an UPDATE message.
type UpdateBody struct{ ServiceTable ServiceTable }

func (UpdateBody) Type() ControlMessageType { return CtrlUpdate }
func (b UpdateBody) Encode(buf *bytes.Buffer) {
	encodeServiceTable(buf, b.ServiceTable)
}

// RedirectBody carries the address the client should reconnect to.
type RedirectBody struct{ Target string }

func (RedirectBody) Type() ControlMessageType { return CtrlRedirect }
func (b RedirectBody) Encode(buf *bytes.Buffer) {
	buf.WriteString(b.Target)
}

// HupBody closes a single session subflow.
type HupBody struct {
	SessionID uint16
	ErrorCode uint32
}

func (HupBody) Type() ControlMessageType { return CtrlHup }
func (b HupBody) Encode(buf *bytes.Buffer) {
	var sid [2]byte
	binary.BigEndian.PutUint16(sid[:], b.SessionID)
	buf.Write(sid[:])
	var ec [4]byte
	binary.BigEndian.PutUint32(ec[:], b.ErrorCode)
	buf.Write(ec[:])
}

// StatusBody is the outbound-only reply to GET_STATUS.
type StatusBody struct {
	Flags          uint32
	ActiveSessions uint32
}

func (StatusBody) Type() ControlMessageType { return CtrlStatus }
func (b StatusBody) Encode(buf *bytes.Buffer) {
	var f [4]byte
	binary.BigEndian.PutUint32(f[:], b.Flags)
	buf.Write(f[:])
	var s [4]byte
	binary.BigEndian.PutUint32(s[:], b.ActiveSessions)
	buf.Write(s[:])
}

// ScanReportBody is the outbound-only reply to GET_SCAN_REPORT. Report is an
// opaque blob produced by the application's discovery/scan logic.
type ScanReportBody struct{ Report []byte }

func (ScanReportBody) Type() ControlMessageType { return CtrlScanReport }
func (b ScanReportBody) Encode(buf *bytes.Buffer) {
	buf.Write(b.Report)
}

// UnknownBody is a distinct variant for any msg_type the decoder doesn't
// recognize; receiving one is always a protocol error.
type UnknownBody struct {
	RawType uint16
	Raw     []byte
}

func (b UnknownBody) Type() ControlMessageType { return ControlMessageType(b.RawType) }
func (b UnknownBody) Encode(buf *bytes.Buffer) { buf.Write(b.Raw) }

// DecodeControlMessage parses a control-plane ArrowMessage payload into a
// typed ControlMessage. Unknown msg_type values decode successfully into an
// UnknownBody; whether that is a protocol error is a dispatch-time (engine)
// concern, not a decode-time one.
func DecodeControlMessage(payload []byte) (ControlMessage, error) {
	header, err := decodeControlHeader(payload)
	if err != nil {
		return ControlMessage{}, err
	}
	rest := payload[controlHeaderSize:]

	body, err := decodeControlBody(header.MsgType, rest)
	if err != nil {
		return ControlMessage{}, err
	}
	return ControlMessage{Header: header, Body: body}, nil
}

func decodeControlBody(t ControlMessageType, rest []byte) (ControlMessageBody, error) {
	switch t {
	case CtrlACK:
		if len(rest) != 4 {
			return nil, fmt.Errorf("%w: malformed ACK body", ErrDecodeMessage)
		}
		return AckBody{Err: binary.BigEndian.Uint32(rest)}, nil
	case CtrlPing, CtrlResetSvcTable, CtrlScanNetwork, CtrlGetStatus, CtrlGetScanReport:
		if len(rest) != 0 {
			return nil, fmt.Errorf("%w: expected empty body for %s", ErrDecodeMessage, t)
		}
		return EmptyBody{t: t}, nil
	case CtrlRedirect:
		return RedirectBody{Target: string(rest)}, nil
	case CtrlHup:
		if len(rest) != 6 {
			return nil, fmt.Errorf("%w: malformed HUP body", ErrDecodeMessage)
		}
		return HupBody{
			SessionID: binary.BigEndian.Uint16(rest[0:2]),
			ErrorCode: binary.BigEndian.Uint32(rest[2:6]),
		}, nil
	case CtrlRegister:
		return decodeRegisterBody(rest)
	case CtrlUpdate:
		table, err := decodeServiceTable(rest)
		if err != nil {
			return nil, err
		}
		return UpdateBody{ServiceTable: table}, nil
	case CtrlStatus:
		if len(rest) != 8 {
			return nil, fmt.Errorf("%w: malformed STATUS body", ErrDecodeMessage)
		}
		return StatusBody{
			Flags:          binary.BigEndian.Uint32(rest[0:4]),
			ActiveSessions: binary.BigEndian.Uint32(rest[4:8]),
		}, nil
	case CtrlScanReport:
		report := make([]byte, len(rest))
		copy(report, rest)
		return ScanReportBody{Report: report}, nil
	default:
		raw := make([]byte, len(rest))
		copy(raw, rest)
		return UnknownBody{RawType: uint16(t), Raw: raw}, nil
	}
}

func decodeRegisterBody(rest []byte) (ControlMessageBody, error) {
	const fixed = 1 + 6 + 16 + 16
	if len(rest) < fixed {
		return nil, fmt.Errorf("%w: truncated REGISTER body", ErrDecodeMessage)
	}
	var b RegisterBody
	b.Version = rest[0]
	copy(b.MAC[:], rest[1:7])
	copy(b.UUID[:], rest[7:23])
	copy(b.Password[:], rest[23:39])
	table, err := decodeServiceTable(rest[fixed:])
	if err != nil {
		return nil, err
	}
	b.ServiceTable = table
	return b, nil
}
