package arrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	msg := ArrowMessage{Service: 7, Payload: []byte("hello service")}
	wire := EncodeMessage(msg)

	c := NewCodec()
	c.Feed(wire)

	got, ok, err := c.Decode()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg, got)

	_, ok, err = c.Decode()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCodecPartialFrame(t *testing.T) {
	msg := ArrowMessage{Service: ControlService, Payload: []byte{1, 2, 3, 4}}
	wire := EncodeMessage(msg)

	c := NewCodec()
	c.Feed(wire[:3])
	_, ok, err := c.Decode()
	require.NoError(t, err)
	assert.False(t, ok)

	c.Feed(wire[3:])
	got, ok, err := c.Decode()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg, got)
}

func TestCodecMultipleFramesInOneFeed(t *testing.T) {
	a := ArrowMessage{Service: 1, Payload: []byte("a")}
	b := ArrowMessage{Service: 2, Payload: []byte("bb")}

	c := NewCodec()
	c.Feed(EncodeMessage(a))
	c.Feed(EncodeMessage(b))

	got1, ok, err := c.Decode()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, got1)

	got2, ok, err := c.Decode()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, got2)
}

func TestCodecRejectsMalformedLength(t *testing.T) {
	c := NewCodec()
	c.Feed([]byte{0, 0, 0, 1}) // length 1 < minimum 2 (service field alone)
	_, _, err := c.Decode()
	assert.ErrorIs(t, err, ErrDecodeMessage)
}
