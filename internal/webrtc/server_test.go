package webrtc

import (
	"bytes"
	"image"
	"image/jpeg"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/antispoof-monitor/internal/metrics"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

func tinyJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 12)), nil))
	return buf.Bytes()
}

func TestHandleOfferRejectsGarbage(t *testing.T) {
	s := NewServer(nil, 2, nil, metrics.New())

	_, err := s.HandleOffer([]byte("{not json"))
	assert.Error(t, err)

	_, err = s.HandleOffer([]byte(`{"type":"answer","sdp":"v=0"}`))
	assert.Error(t, err)
	assert.Equal(t, 0, s.GetClientCount())
}

func TestHandleOfferEnforcesClientLimit(t *testing.T) {
	s := NewServer(nil, 0, nil, nil)
	_, err := s.HandleOffer([]byte(`{"type":"offer","sdp":"v=0"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum clients")
}

func TestFrameMessagesReachSink(t *testing.T) {
	var got []types.Frame
	s := NewServer(nil, 1, func(f types.Frame) { got = append(got, f) }, nil)
	c := &Client{id: "test"}

	s.handleFrameMessage(c, webrtc.DataChannelMessage{Data: tinyJPEG(t)})
	s.handleFrameMessage(c, webrtc.DataChannelMessage{IsString: true, Data: []byte("hello")})
	s.handleFrameMessage(c, webrtc.DataChannelMessage{Data: []byte{0x00, 0x01}})

	require.Len(t, got, 1)
	assert.Equal(t, 16, got[0].Width)
	assert.Equal(t, 12, got[0].Height)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, uint64(1), c.framesIn.Load())
	assert.Equal(t, uint64(2), c.framesInvalid.Load())
}

func TestSendStateDropsWhenQueueFull(t *testing.T) {
	s := NewServer(nil, 1, nil, nil)
	c := &Client{id: "slow", stateChan: make(chan []byte, 1), closeChan: make(chan struct{})}
	s.clients[c.id] = c

	s.SendState([]byte(`{"version":1}`))
	s.SendState([]byte(`{"version":2}`))

	assert.Equal(t, uint64(1), c.statesDropped.Load())
	assert.Equal(t, `{"version":1}`, string(<-c.stateChan))
}
