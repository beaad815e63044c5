package server

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

func popAll(c *Conn) []EncodedFrame {
	var frames []EncodedFrame
	for {
		f, ok := c.next()
		if !ok {
			return frames
		}
		frames = append(frames, f)
	}
}

func TestConnEnqueueFIFO(t *testing.T) {
	r := NewRegistry(1)
	c := activeConn(t, r, "u1", 8)

	for i := 0; i < 5; i++ {
		res := c.Enqueue(testFrame(i), "channel:c1")
		assert.True(t, res.queued, "expected frame %d to be queued", i)
		assert.Zero(t, res.dropped)
	}

	frames := popAll(c)
	require.Len(t, frames, 5)
	for i, f := range frames {
		assert.Equal(t, testFrame(i), f, "expected frames in enqueue order")
	}
}

func TestConnEnqueueRequiresActive(t *testing.T) {
	t.Run("connecting", func(t *testing.T) {
		c := NewConn(types.User{Id: "u1"}, newFakeTransport(), 4)
		NewRegistry(1).Register(c)

		assert.False(t, c.Enqueue(testFrame(1), "channel:c1").queued)
		assert.True(t, c.pushControl(testFrame(2)), "expected control frames while connecting")
		assert.Equal(t, 1, c.Pending())
	})
	t.Run("closed", func(t *testing.T) {
		r := NewRegistry(1)
		c := activeConn(t, r, "u1", 4)
		r.Close(c.Id)

		assert.False(t, c.Enqueue(testFrame(1), "channel:c1").queued)
		assert.False(t, c.pushControl(testFrame(2)))
		assert.Equal(t, 0, c.Pending())
	})
}

func TestConnOverflowInsertsSingleGap(t *testing.T) {
	r := NewRegistry(1)
	c := activeConn(t, r, "u1", 4)

	for i := 1; i <= 4; i++ {
		res := c.Enqueue(testFrame(i), fmt.Sprintf("channel:c%d", i))
		require.True(t, res.queued)
		require.Zero(t, res.dropped)
	}

	// first overflow: two oldest dropped to fit the marker and the new frame
	res := c.Enqueue(testFrame(5), "channel:c5")
	assert.True(t, res.queued)
	assert.True(t, res.gapAdded)
	assert.Equal(t, 2, res.dropped)
	assert.Equal(t, 4, c.Pending())

	// marker pending: drop the oldest frame behind it, no second marker
	res = c.Enqueue(testFrame(6), "channel:c6")
	assert.False(t, res.gapAdded)
	assert.Equal(t, 1, res.dropped)
	assert.Equal(t, 4, c.Pending())

	frames := popAll(c)
	require.Len(t, frames, 4)

	assert.Equal(t, FrameGap, frames[0].Type, "expected gap marker at the head")
	gap := decodeFrame(t, frames[0])
	var payload GapPayload
	data, _ := json.Marshal(gap.Payload)
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, 3, payload.Dropped)
	assert.Equal(t, []string{"channel:c1", "channel:c2", "channel:c3"}, payload.Topics)

	assert.Equal(t, []EncodedFrame{testFrame(4), testFrame(5), testFrame(6)}, frames[1:])

	gaps := 0
	for _, f := range frames {
		if f.Type == FrameGap {
			gaps++
		}
	}
	assert.Equal(t, 1, gaps, "expected exactly one gap marker")
}

func TestConnOverflowBurst(t *testing.T) {
	r := NewRegistry(1)
	c := activeConn(t, r, "u1", 50)

	maxPending, dropped, gapsAdded := 0, 0, 0
	for i := 1; i <= 1000; i++ {
		frame := EncodedFrame{Type: FrameEvent, Data: []byte(fmt.Sprint(i))}
		res := c.Enqueue(frame, "channel:c1")
		require.True(t, res.queued)
		dropped += res.dropped
		if res.gapAdded {
			gapsAdded++
		}
		maxPending = max(maxPending, c.Pending())
	}

	assert.Equal(t, 50, maxPending, "expected the queue never to exceed its capacity")
	assert.Equal(t, 1, gapsAdded)
	assert.Equal(t, 951, dropped)

	frames := popAll(c)
	require.Len(t, frames, 50)

	gaps := 0
	for _, f := range frames {
		if f.Type == FrameGap {
			gaps++
		}
	}
	require.Equal(t, 1, gaps, "expected exactly one gap marker")
	require.Equal(t, FrameGap, frames[0].Type)

	var payload GapPayload
	data, _ := json.Marshal(decodeFrame(t, frames[0]).Payload)
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, 951, payload.Dropped)
	assert.Equal(t, []string{"channel:c1"}, payload.Topics)

	// the newest frames survive in order
	assert.Equal(t, []byte("952"), frames[1].Data)
	assert.Equal(t, []byte("1000"), frames[49].Data)
}

func TestConnGapResetsAfterWrite(t *testing.T) {
	r := NewRegistry(1)
	c := activeConn(t, r, "u1", 2)

	c.Enqueue(testFrame(1), "channel:c1")
	c.Enqueue(testFrame(2), "channel:c1")
	res := c.Enqueue(testFrame(3), "channel:c1")
	require.True(t, res.gapAdded)

	f, ok := c.next()
	require.True(t, ok)
	require.Equal(t, FrameGap, f.Type)

	// queue now holds one frame, the next overflow needs a fresh marker
	c.Enqueue(testFrame(4), "channel:c2")
	res = c.Enqueue(testFrame(5), "channel:c2")
	assert.True(t, res.gapAdded)

	frames := popAll(c)
	require.Len(t, frames, 2)
	assert.Equal(t, FrameGap, frames[0].Type)
	assert.Equal(t, testFrame(5), frames[1])
}

func TestConnDrain(t *testing.T) {
	r := NewRegistry(1)
	c := activeConn(t, r, "u1", 4)
	c.Enqueue(testFrame(1), "channel:c1")

	final := shutdownFrame("server restarting")
	assert.True(t, c.drain(final))
	assert.False(t, c.drain(final), "expected second drain to be a no-op")
	assert.Equal(t, StateDraining, c.State())

	assert.False(t, c.Enqueue(testFrame(2), "channel:c1").queued, "expected no events while draining")
	assert.False(t, c.drained())

	frames := popAll(c)
	require.Len(t, frames, 2)
	assert.Equal(t, testFrame(1), frames[0])
	assert.Equal(t, FrameShutdown, frames[1].Type)
	assert.True(t, c.drained())
}

func TestConnTopicsSorted(t *testing.T) {
	r := NewRegistry(2)
	c := activeConn(t, r, "u1", 4)

	for _, topic := range []string{"user:u1", "channel:b", "channel:a"} {
		_, err := r.Subscribe(c.Id, topic)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"channel:a", "channel:b", "user:u1"}, c.Topics())
	assert.True(t, c.IsSubscribed("channel:a"))
	assert.False(t, c.IsSubscribed("channel:z"))
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "closed", StateClosed.String())
}
