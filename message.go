package arrow

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// MessageHeaderSize is the fixed-size portion of an ArrowMessage preceding
// its payload: a 4-byte length and a 2-byte service id.
const MessageHeaderSize = 4 + 2

// ControlService is the reserved service id for the control plane. Any other
// service id identifies a session subflow.
const ControlService uint16 = 0

// ErrDecodeMessage is returned by the codec when a frame cannot be decoded.
var ErrDecodeMessage = errors.New("arrow: malformed message")

// ArrowMessage is a single framed unit exchanged with the Arrow Service.
// Service == ControlService marks a control-plane message; any other value
// identifies the session the payload belongs to.
type ArrowMessage struct {
	Service uint16
	Payload []byte
}

// Encode appends the wire representation of m to buf.
func (m ArrowMessage) Encode(buf *bytes.Buffer) {
	length := uint32(2 + len(m.Payload))
	buf.Grow(4 + int(length))
	var lenField [4]byte
	binary.BigEndian.PutUint32(lenField[:], length)
	buf.Write(lenField[:])
	var svcField [2]byte
	binary.BigEndian.PutUint16(svcField[:], m.Service)
	buf.Write(svcField[:])
	buf.Write(m.Payload)
}

// Codec decodes a stream of ArrowMessage frames out of a growing byte
// buffer. It is transport-agnostic: callers feed it raw bytes read from any
// source and drain complete frames with Decode.
type Codec struct {
	buf bytes.Buffer
}

// NewCodec returns an empty streaming decoder.
func NewCodec() *Codec {
	return &Codec{}
}

// Feed appends newly read bytes to the decode buffer.
func (c *Codec) Feed(p []byte) {
	c.buf.Write(p)
}

// Decode extracts the next complete ArrowMessage from the buffer, if any.
// It returns ok == false (with a nil error) when only a partial frame is
// currently buffered; callers should Feed more data and retry. A malformed
// length field is reported as ErrDecodeMessage.
func (c *Codec) Decode() (msg ArrowMessage, ok bool, err error) {
	raw := c.buf.Bytes()
	if len(raw) < 4 {
		return ArrowMessage{}, false, nil
	}

	length := binary.BigEndian.Uint32(raw[:4])
	if length < 2 {
		return ArrowMessage{}, false, ErrDecodeMessage
	}
	if uint64(len(raw)) < 4+uint64(length) {
		return ArrowMessage{}, false, nil
	}

	frame := raw[4 : 4+length]
	service := binary.BigEndian.Uint16(frame[:2])
	payload := make([]byte, len(frame)-2)
	copy(payload, frame[2:])

	c.buf.Next(4 + int(length))

	return ArrowMessage{Service: service, Payload: payload}, true, nil
}

// EncodeMessage is a convenience wrapper producing the wire bytes for a
// single ArrowMessage.
func EncodeMessage(m ArrowMessage) []byte {
	var buf bytes.Buffer
	m.Encode(&buf)
	return buf.Bytes()
}
