package server

import (
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/spayyavula/campuspandit-sub002/internal/database"
	"github.com/spayyavula/campuspandit-sub002/internal/stats"
	"github.com/spayyavula/campuspandit-sub002/internal/testutil"
	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

// fakeTransport records written frames. When blocked, writes wait for the
// deadline and fail like a stalled socket would.
type fakeTransport struct {
	mu         sync.Mutex
	frames     []EncodedFrame
	heartbeats int
	closed     bool
	blocked    bool
	panicOn    FrameType
	written    chan EncodedFrame
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{written: make(chan EncodedFrame, 1024)}
}

func (t *fakeTransport) WriteFrame(frame EncodedFrame, deadline time.Time) error {
	t.mu.Lock()
	blocked, closed, panicOn := t.blocked, t.closed, t.panicOn
	t.mu.Unlock()

	if closed {
		return errTransportClosed
	}
	if panicOn != "" && frame.Type == panicOn {
		panic("transport exploded")
	}
	if blocked {
		time.Sleep(time.Until(deadline))
		return os.ErrDeadlineExceeded
	}

	t.mu.Lock()
	t.frames = append(t.frames, frame)
	t.mu.Unlock()
	t.written <- frame
	return nil
}

func (t *fakeTransport) WriteHeartbeat(frame EncodedFrame, deadline time.Time) error {
	t.mu.Lock()
	t.heartbeats++
	t.mu.Unlock()
	return t.WriteFrame(frame, deadline)
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) setBlocked(b bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked = b
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// next waits for the next written frame and decodes it.
func (t *fakeTransport) next(tt *testing.T) ServerFrame {
	tt.Helper()

	select {
	case f := <-t.written:
		return decodeFrame(tt, f)
	case <-time.After(2 * time.Second):
		tt.Fatal("timed out waiting for frame")
		return ServerFrame{}
	}
}

// nextOfType skips frames of other types, heartbeats included.
func (t *fakeTransport) nextOfType(tt *testing.T, typ FrameType) ServerFrame {
	tt.Helper()

	for {
		f := t.next(tt)
		if f.Type == typ {
			return f
		}
	}
}

func decodeFrame(t *testing.T, f EncodedFrame) ServerFrame {
	t.Helper()

	var frame ServerFrame
	require.NoError(t, json.Unmarshal(f.Data, &frame))
	require.Equal(t, f.Type, frame.Type)
	return frame
}

func payloadMap(t *testing.T, frame ServerFrame) map[string]any {
	t.Helper()

	m, ok := frame.Payload.(map[string]any)
	require.True(t, ok, "expected object payload, got %T", frame.Payload)
	return m
}

func testOptions() Options {
	return Options{
		OutboundBuffer:      16,
		IngressBuffer:       16,
		RegistryShards:      4,
		WriteTimeout:        50 * time.Millisecond,
		HeartbeatInterval:   time.Hour,
		MissedHeartbeats:    3,
		LookupTimeout:       time.Second,
		PresenceGrace:       8 * time.Second,
		TypingTTL:           6 * time.Second,
		TypingSweepInterval: time.Hour,
		MaxMessageSize:      4096,
	}
}

type testHub struct {
	*Hub
	db    *database.MockMembershipRepository
	clock *testclock.Clock
}

func newTestHub(t *testing.T, opts Options) *testHub {
	t.Helper()

	clk := testclock.NewClock(time.Now())
	opts.Clock = clk
	db := &database.MockMembershipRepository{}

	return &testHub{
		Hub:   NewHub(opts, db, testutil.TestLogger(t), stats.NopStats{}),
		db:    db,
		clock: clk,
	}
}

func (h *testHub) memberOf(userId string, channelIds ...string) {
	h.db.On("ChannelIdsForUser", mock.Anything, userId).Return(channelIds, nil)
	for _, id := range channelIds {
		h.db.On("IsChannelMember", mock.Anything, userId, id).Return(true, nil)
	}
}

func (h *testHub) connect(t *testing.T, userId string) (*Conn, *fakeTransport) {
	t.Helper()

	tr := newFakeTransport()
	c, err := h.Connect(t.Context(), types.User{Id: userId}, tr)
	require.NoError(t, err)
	return c, tr
}

// serve starts the writer of c and consumes the connected frame.
func (h *testHub) serve(t *testing.T, c *Conn, tr *fakeTransport) {
	t.Helper()

	go h.Serve(c)
	require.Equal(t, FrameConnected, tr.next(t).Type)
}

func messageEvent(channelId, messageId string) types.ChangeEvent {
	return types.ChangeEvent{
		Topic: types.ChannelTopic(channelId),
		Payload: types.MessageChange{
			Operation: types.OpInsert,
			Id:        messageId,
			ChannelId: channelId,
		},
		SequenceHint: time.Now(),
	}
}

func activeConn(t *testing.T, r *Registry, userId string, capacity int) *Conn {
	t.Helper()

	c := NewConn(types.User{Id: userId}, newFakeTransport(), capacity)
	r.Register(c)
	require.NoError(t, r.Activate(c.Id))
	return c
}

func testFrame(n int) EncodedFrame {
	return EncodedFrame{Type: FrameEvent, Data: []byte{byte('0' + n%10)}}
}

func membershipEvent(channelId, userId string, op types.Operation) types.ChangeEvent {
	return types.ChangeEvent{
		Topic:   types.ChannelTopic(channelId),
		Payload: types.MembershipChange{Operation: op, ChannelId: channelId, UserId: userId},
	}
}

// recorded reports whether a membership change for topic has been routed
// while userId was watched.
func (m *membershipLog) recorded(userId, topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.users[userId]
	if !ok {
		return false
	}
	_, ok = w.changes[topic]
	return ok
}

func (m *membershipLog) watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}
