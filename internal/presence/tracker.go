package presence

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/spayyavula/campuspandit-sub002/internal/stats"
	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

// EmitFunc receives presence and typing events. It is called while the
// tracker lock is held and must not call back into the tracker.
type EmitFunc func(types.ChangeEvent)

type Options struct {
	// Grace delays the offline announcement after the last connection of a
	// user closes. Zero announces immediately.
	Grace time.Duration
	// Retention bounds how long an idle user is remembered for last_seen.
	// Zero remembers every user.
	Retention time.Duration
	TypingTTL time.Duration
	Clock     clock.Clock
}

type userState struct {
	count     int
	announced bool
	hidden    bool
	lastSeen  time.Time
	timer     clock.Timer
	// gen invalidates a grace timer that fired after it was replaced or
	// cancelled.
	gen uint64
}

// Tracker derives user presence from connection transitions and keeps
// short-lived typing indicators.
type Tracker struct {
	clock     clock.Clock
	grace     time.Duration
	retention time.Duration
	typingTTL time.Duration
	emit      EmitFunc
	log       *slog.Logger
	stats     stats.StatsProvider

	mu     sync.Mutex
	users  map[string]*userState
	typing map[typingKey]*typingState
}

func NewTracker(opts Options, emit EmitFunc, logger *slog.Logger, statsProvider stats.StatsProvider) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if emit == nil {
		emit = func(types.ChangeEvent) {}
	}

	return &Tracker{
		clock:     opts.Clock,
		grace:     opts.Grace,
		retention: opts.Retention,
		typingTTL: opts.TypingTTL,
		emit:      emit,
		log:       logger,
		stats:     statsProvider,
		users:     make(map[string]*userState),
		typing:    make(map[typingKey]*typingState),
	}
}

func (t *Tracker) state(userId string) *userState {
	s, ok := t.users[userId]
	if !ok {
		s = &userState{}
		t.users[userId] = s
	}
	return s
}

// Connected records a connection of userId becoming active.
func (t *Tracker) Connected(userId string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(userId)
	s.count++

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.gen++
		t.log.Debug("offline announcement cancelled by reconnect", "user_id", userId)
	}

	if !s.announced && !s.hidden {
		t.announce(userId, s, true)
	}
}

// Disconnected records an active connection of userId going away. When the
// last connection goes, the offline announcement is deferred by the grace
// window.
func (t *Tracker) Disconnected(userId string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.users[userId]
	if !ok || s.count == 0 {
		t.log.Warn("disconnect without matching connect", "user_id", userId)
		return
	}

	s.count--
	if s.count > 0 {
		return
	}

	s.lastSeen = t.clock.Now()
	if !s.announced {
		return
	}

	if t.grace <= 0 {
		t.announce(userId, s, false)
		return
	}

	s.gen++
	gen := s.gen
	s.timer = t.clock.AfterFunc(t.grace, func() {
		t.expire(userId, gen)
	})
}

func (t *Tracker) expire(userId string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.users[userId]
	if !ok || s.gen != gen || s.timer == nil {
		return
	}
	s.timer = nil

	if s.count > 0 || !s.announced {
		return
	}
	t.announce(userId, s, false)
}

// SetOnlineStatus lets a connected user appear offline. Hiding takes effect
// immediately and survives reconnects until the user shows themselves again.
func (t *Tracker) SetOnlineStatus(userId string, online bool) types.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(userId)
	if online {
		s.hidden = false
		if s.count > 0 && !s.announced {
			t.announce(userId, s, true)
		}
	} else if !s.hidden {
		s.hidden = true
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
			s.gen++
		}
		if s.announced {
			t.announce(userId, s, false)
		}
	}

	return t.record(userId, s)
}

func (t *Tracker) announce(userId string, s *userState, online bool) {
	s.announced = online
	if online {
		t.stats.Incr(stats.OnlineUsers)
	} else {
		t.stats.Decr(stats.OnlineUsers)
	}
	t.stats.Incr(stats.PresenceNotifications)

	now := t.clock.Now()
	change := types.PresenceChange{UserId: userId, Online: online}
	if !online {
		change.LastSeen = s.lastSeen
		if change.LastSeen.IsZero() {
			change.LastSeen = now
		}
	}

	t.log.Info("presence changed", "user_id", userId, "online", online)
	t.emit(types.ChangeEvent{
		Topic:        types.PresenceTopic(userId),
		Payload:      change,
		SequenceHint: now,
	})
}

func (t *Tracker) record(userId string, s *userState) types.PresenceRecord {
	return types.PresenceRecord{
		UserId:            userId,
		OnlineConnections: s.count,
		Online:            s.count > 0 && !s.hidden,
		LastSeen:          s.lastSeen,
	}
}

func (t *Tracker) Record(userId string) types.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.users[userId]
	if !ok {
		return types.PresenceRecord{UserId: userId}
	}
	return t.record(userId, s)
}

func (t *Tracker) IsOnline(userId string) bool {
	return t.Record(userId).Online
}

// OnlineUsers returns the sorted ids of every user currently online.
func (t *Tracker) OnlineUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]string, 0, len(t.users))
	for id, s := range t.users {
		if s.count > 0 && !s.hidden {
			users = append(users, id)
		}
	}
	slices.Sort(users)
	return users
}

// Prune forgets users that have had no connection for longer than the
// retention period. Hidden users and pending offline announcements are
// kept. It returns how many users were forgotten.
func (t *Tracker) Prune() int {
	if t.retention <= 0 {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.clock.Now().Add(-t.retention)
	removed := 0
	for id, s := range t.users {
		if s.count > 0 || s.timer != nil || s.hidden || s.announced {
			continue
		}
		if s.lastSeen.Before(cutoff) {
			delete(t.users, id)
			removed++
		}
	}

	if removed > 0 {
		t.log.Debug("pruned idle users", "removed", removed)
	}
	return removed
}

// Stop cancels pending grace timers without announcing anything.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.users {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
			s.gen++
		}
	}
}
