package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spayyavula/campuspandit-sub002/internal/stats"
	"github.com/spayyavula/campuspandit-sub002/internal/testutil"
	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

const (
	testGrace = 8 * time.Second
	testTTL   = 6 * time.Second
)

type recorder struct {
	mu     sync.Mutex
	events []types.ChangeEvent
}

func (r *recorder) emit(ev types.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []types.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := make([]types.Kind, 0, len(r.events))
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind())
	}
	return kinds
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) last() types.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func newTestTracker(t *testing.T, grace time.Duration) (*Tracker, *testclock.Clock, *recorder) {
	t.Helper()

	clk := testclock.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	rec := &recorder{}
	tracker := NewTracker(Options{
		Grace:     grace,
		TypingTTL: testTTL,
		Clock:     clk,
	}, rec.emit, testutil.TestLogger(t), stats.NopStats{})

	return tracker, clk, rec
}

func TestConnectAnnouncesOnce(t *testing.T) {
	tracker, _, rec := newTestTracker(t, testGrace)

	tracker.Connected("u1")
	tracker.Connected("u1")

	assert.Equal(t, []types.Kind{types.KindUserOnline}, rec.kinds())
	ev := rec.last()
	assert.Equal(t, "presence:u1", ev.Topic)
	assert.Equal(t, types.PresenceChange{UserId: "u1", Online: true}, ev.Payload)

	record := tracker.Record("u1")
	assert.Equal(t, 2, record.OnlineConnections)
	assert.True(t, record.Online)
}

func TestReconnectWithinGraceEmitsNothing(t *testing.T) {
	tracker, clk, rec := newTestTracker(t, testGrace)

	tracker.Connected("u1")
	tracker.Disconnected("u1")
	clk.Advance(2 * time.Second)
	tracker.Connected("u1")

	clk.Advance(testGrace)
	assert.Never(t, func() bool { return rec.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []types.Kind{types.KindUserOnline}, rec.kinds())
	assert.True(t, tracker.IsOnline("u1"))
}

func TestOfflineAfterGrace(t *testing.T) {
	tracker, clk, rec := newTestTracker(t, testGrace)

	tracker.Connected("u1")
	tracker.Disconnected("u1")
	disconnectedAt := clk.Now()

	clk.Advance(testGrace - time.Second)
	assert.Never(t, func() bool { return rec.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)

	ev := rec.last()
	assert.Equal(t, types.KindUserOffline, ev.Kind())
	assert.Equal(t, types.PresenceChange{UserId: "u1", Online: false, LastSeen: disconnectedAt}, ev.Payload)

	record := tracker.Record("u1")
	assert.False(t, record.Online)
	assert.Equal(t, 0, record.OnlineConnections)
	assert.Equal(t, disconnectedAt, record.LastSeen)
}

func TestOfflineImmediateWithoutGrace(t *testing.T) {
	tracker, _, rec := newTestTracker(t, 0)

	tracker.Connected("u1")
	tracker.Disconnected("u1")

	assert.Equal(t, []types.Kind{types.KindUserOnline, types.KindUserOffline}, rec.kinds())
}

func TestDisconnectKeepsOnlineWhileOtherConnectionsRemain(t *testing.T) {
	tracker, clk, rec := newTestTracker(t, testGrace)

	tracker.Connected("u1")
	tracker.Connected("u1")
	tracker.Disconnected("u1")
	clk.Advance(2 * testGrace)

	assert.Never(t, func() bool { return rec.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, tracker.Record("u1").OnlineConnections)
}

func TestUnmatchedDisconnectIsIgnored(t *testing.T) {
	tracker, _, rec := newTestTracker(t, 0)

	tracker.Disconnected("ghost")

	assert.Equal(t, 0, rec.count())
	assert.Equal(t, types.PresenceRecord{UserId: "ghost"}, tracker.Record("ghost"))
}

func TestSetOnlineStatus(t *testing.T) {
	tracker, _, rec := newTestTracker(t, testGrace)

	tracker.Connected("u1")
	record := tracker.SetOnlineStatus("u1", false)
	assert.False(t, record.Online)
	assert.Equal(t, 1, record.OnlineConnections)
	assert.Empty(t, tracker.OnlineUsers())

	// hidden users stay hidden across reconnects
	tracker.Connected("u1")
	assert.Equal(t, []types.Kind{types.KindUserOnline, types.KindUserOffline}, rec.kinds())

	record = tracker.SetOnlineStatus("u1", true)
	assert.True(t, record.Online)
	assert.Equal(t, []types.Kind{types.KindUserOnline, types.KindUserOffline, types.KindUserOnline}, rec.kinds())

	// repeated calls are idempotent
	tracker.SetOnlineStatus("u1", true)
	assert.Equal(t, 3, rec.count())
}

func TestHideDuringGraceCancelsTimer(t *testing.T) {
	tracker, clk, rec := newTestTracker(t, testGrace)

	tracker.Connected("u1")
	tracker.Disconnected("u1")
	tracker.SetOnlineStatus("u1", false)
	clk.Advance(testGrace)

	assert.Never(t, func() bool { return rec.count() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []types.Kind{types.KindUserOnline, types.KindUserOffline}, rec.kinds())
}

func TestOnlineUsersSorted(t *testing.T) {
	tracker, _, _ := newTestTracker(t, testGrace)

	tracker.Connected("u3")
	tracker.Connected("u1")
	tracker.Connected("u2")

	assert.Equal(t, []string{"u1", "u2", "u3"}, tracker.OnlineUsers())
}

func TestConnectionCountMatchesTransitions(t *testing.T) {
	tracker, _, _ := newTestTracker(t, testGrace)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Connected("u1")
			tracker.Connected("u1")
			tracker.Disconnected("u1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, tracker.Record("u1").OnlineConnections)
}

func TestStatsUpdates(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	mockStats := &stats.MockStatsUpdater{}
	mockStats.On("Incr", stats.OnlineUsers).Once()
	mockStats.On("Incr", stats.PresenceNotifications).Twice()
	mockStats.On("Decr", stats.OnlineUsers).Once()

	tracker := NewTracker(Options{Clock: clk, TypingTTL: testTTL}, nil, testutil.TestLogger(t), mockStats)
	tracker.Connected("u1")
	tracker.Disconnected("u1")

	mockStats.AssertExpectations(t)
}

func TestPruneForgetsIdleUsers(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	rec := &recorder{}
	tracker := NewTracker(Options{
		Grace:     testGrace,
		Retention: time.Second,
		TypingTTL: testTTL,
		Clock:     clk,
	}, rec.emit, testutil.TestLogger(t), stats.NopStats{})

	tracker.Connected("idle")
	tracker.Disconnected("idle")
	tracker.Connected("online")
	tracker.Connected("hidden")
	tracker.SetOnlineStatus("hidden", false)
	tracker.Disconnected("hidden")

	clk.Advance(2 * time.Second)
	assert.Zero(t, tracker.Prune(), "expected a pending offline announcement to keep its user")

	clk.Advance(testGrace)
	require.Eventually(t, func() bool {
		return rec.last().Kind() == types.KindUserOffline && rec.last().Payload.(types.PresenceChange).UserId == "idle"
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, tracker.Prune())
	assert.Equal(t, types.PresenceRecord{UserId: "idle"}, tracker.Record("idle"))
	assert.True(t, tracker.IsOnline("online"))
	assert.False(t, tracker.Record("hidden").LastSeen.IsZero(), "expected hidden users to be kept")
	assert.Zero(t, tracker.Prune())
}

func TestPruneDisabledWithoutRetention(t *testing.T) {
	tracker, clk, _ := newTestTracker(t, 0)

	tracker.Connected("u1")
	tracker.Disconnected("u1")
	clk.Advance(365 * 24 * time.Hour)

	assert.Zero(t, tracker.Prune())
	assert.False(t, tracker.Record("u1").LastSeen.IsZero())
}
