package server

import (
	"errors"
	"log/slog"
	"sync"
)

// membershipLog serializes channel membership changes routed for a user
// with the Connect and Subscribe calls that looked membership up in the
// database. A caller watches the user before its lookup and settles its
// connection after subscribing, so a change routed in between is applied
// to that connection as well.
type membershipLog struct {
	log      *slog.Logger
	registry *Registry

	mu    sync.Mutex
	users map[string]*membershipWatch
}

type membershipWatch struct {
	refs int
	// latest membership per channel topic, in routing order
	changes map[string]bool
}

func newMembershipLog(registry *Registry, logger *slog.Logger) *membershipLog {
	return &membershipLog{
		log:      logger,
		registry: registry,
		users:    make(map[string]*membershipWatch),
	}
}

func (m *membershipLog) watch(userId string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.users[userId]
	if !ok {
		w = &membershipWatch{changes: make(map[string]bool)}
		m.users[userId] = w
	}
	w.refs++
}

// apply updates every live connection of userId and records the change for
// pending watchers.
func (m *membershipLog) apply(userId, topic string, member bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.users[userId]; ok {
		w.changes[topic] = member
	}
	for _, c := range m.registry.ForUser(userId) {
		m.set(c, topic, member)
	}
}

// settle replays the changes recorded since watch onto c and releases the
// watch. A nil c only releases it.
func (m *membershipLog) settle(userId string, c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.users[userId]
	if !ok {
		return
	}
	if c != nil {
		for topic, member := range w.changes {
			m.set(c, topic, member)
		}
	}

	w.refs--
	if w.refs <= 0 {
		delete(m.users, userId)
	}
}

func (m *membershipLog) set(c *Conn, topic string, member bool) {
	var err error
	if member {
		_, err = m.registry.Subscribe(c.Id, topic)
	} else {
		_, err = m.registry.Unsubscribe(c.Id, topic)
	}
	if err != nil && !errors.Is(err, ErrConnClosed) && !errors.Is(err, ErrConnNotFound) {
		m.log.Warn("apply membership change", "conn_id", c.Id, "user_id", c.User.Id, "topic", topic, "member", member, "error", err)
	}
}
