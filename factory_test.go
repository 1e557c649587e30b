package arrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFactoryAssignsMonotonicIDs(t *testing.T) {
	f := NewControlMessageFactory()

	assert.Equal(t, uint16(1), f.Ping().Header.MsgID)
	assert.Equal(t, uint16(2), f.Ping().Header.MsgID)

	reg := f.Register([6]byte{}, [16]byte{}, [16]byte{}, nil)
	assert.Equal(t, uint16(3), reg.Header.MsgID)
	assert.Equal(t, CtrlRegister, reg.Header.MsgType)

	update := f.Update(nil)
	assert.Equal(t, uint16(4), update.Header.MsgID)
}

func TestFactoryRepliesEchoInboundID(t *testing.T) {
	f := NewControlMessageFactory()

	ack := f.Ack(7, AckNoError)
	assert.Equal(t, uint16(7), ack.Header.MsgID)

	status := f.Status(9, StatusFlagScan, 3)
	assert.Equal(t, uint16(9), status.Header.MsgID)

	report := f.ScanReport(11, []byte("r"))
	assert.Equal(t, uint16(11), report.Header.MsgID)

	// replies must not advance the counter.
	assert.Equal(t, uint16(1), f.Ping().Header.MsgID)
}

func TestFactoryRegisterCarriesProtocolVersion(t *testing.T) {
	f := NewControlMessageFactory()
	reg := f.Register([6]byte{1}, [16]byte{2}, [16]byte{3}, nil)

	body := reg.Body.(RegisterBody)
	assert.Equal(t, ArrowProtocolVersion, body.Version)
}
