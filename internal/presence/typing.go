package presence

import (
	"slices"
	"strings"
	"time"

	"github.com/spayyavula/campuspandit-sub002/internal/stats"
	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

type typingKey struct {
	userId string
	topic  string
}

type typingState struct {
	expiresAt time.Time
	lastEmit  time.Time
}

// SetTyping marks userId as typing in topic until now + TypingTTL. A typing
// event is broadcast for a new indicator, and again once half the TTL has
// passed since the previous broadcast.
func (t *Tracker) SetTyping(userId, topic string) types.TypingIndicator {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	key := typingKey{userId: userId, topic: topic}
	expiresAt := now.Add(t.typingTTL)

	st, ok := t.typing[key]
	if !ok || !st.expiresAt.After(now) {
		st = &typingState{}
		t.typing[key] = st
	}
	st.expiresAt = expiresAt

	if st.lastEmit.IsZero() || now.Sub(st.lastEmit) >= t.typingTTL/2 {
		st.lastEmit = now
		t.stats.Incr(stats.TypingIndicatorsSet)
		t.emit(types.ChangeEvent{
			Topic: topic,
			Payload: types.TypingChange{
				UserId:    userId,
				Topic:     topic,
				Typing:    true,
				ExpiresAt: expiresAt,
			},
			SequenceHint: now,
			ExcludeUser:  userId,
		})
	}

	return types.TypingIndicator{UserId: userId, Topic: topic, ExpiresAt: expiresAt}
}

// StopTyping clears the indicator of userId in topic. A stop is broadcast
// only when a live indicator was cleared, and StopTyping reports whether
// one was.
func (t *Tracker) StopTyping(userId, topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	key := typingKey{userId: userId, topic: topic}
	st, ok := t.typing[key]
	if !ok {
		return false
	}
	delete(t.typing, key)
	if !st.expiresAt.After(now) {
		return false
	}

	t.emit(types.ChangeEvent{
		Topic: topic,
		Payload: types.TypingChange{
			UserId: userId,
			Topic:  topic,
		},
		SequenceHint: now,
		ExcludeUser:  userId,
	})
	return true
}

func (t *Tracker) IsTyping(userId, topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.typing[typingKey{userId: userId, topic: topic}]
	return ok && st.expiresAt.After(t.clock.Now())
}

// TypingUsers returns the unexpired indicators of topic ordered by user.
func (t *Tracker) TypingUsers(topic string) []types.TypingIndicator {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	indicators := []types.TypingIndicator{}
	for key, st := range t.typing {
		if key.topic == topic && st.expiresAt.After(now) {
			indicators = append(indicators, types.TypingIndicator{
				UserId:    key.userId,
				Topic:     key.topic,
				ExpiresAt: st.expiresAt,
			})
		}
	}

	slices.SortFunc(indicators, func(a, b types.TypingIndicator) int {
		return strings.Compare(a.UserId, b.UserId)
	})
	return indicators
}

// Sweep drops expired indicators and returns how many were removed.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	removed := 0
	for key, st := range t.typing {
		if !st.expiresAt.After(now) {
			delete(t.typing, key)
			removed++
		}
	}

	if removed > 0 {
		t.log.Debug("swept typing indicators", "removed", removed)
	}
	return removed
}
