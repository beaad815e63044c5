package server

import (
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// indexShard maps a key (topic or user id) to the connections filed under it.
type indexShard struct {
	mu      sync.RWMutex
	entries map[string]map[string]*Conn
}

func (s *indexShard) add(key string, c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.entries[key]
	if !ok {
		set = make(map[string]*Conn)
		s.entries[key] = set
	}
	set[c.Id] = c
}

func (s *indexShard) remove(key string, c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.entries[key]
	if !ok {
		return
	}
	delete(set, c.Id)
	if len(set) == 0 {
		delete(s.entries, key)
	}
}

func (s *indexShard) snapshot(key string, keep func(*Conn) bool) []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.entries[key]
	conns := make([]*Conn, 0, len(set))
	for _, c := range set {
		if keep(c) {
			conns = append(conns, c)
		}
	}
	return conns
}

// Registry indexes live connections by id, user and topic. Every index is
// sharded. Mutations of one connection hold its mutex and then take shard
// locks; snapshot readers take only shard read locks.
type Registry struct {
	conns  []*connShard
	topics []*indexShard
	users  []*indexShard
}

func NewRegistry(shards int) *Registry {
	if shards < 1 {
		shards = 1
	}

	r := &Registry{
		conns:  make([]*connShard, shards),
		topics: make([]*indexShard, shards),
		users:  make([]*indexShard, shards),
	}
	for i := 0; i < shards; i++ {
		r.conns[i] = &connShard{conns: make(map[string]*Conn)}
		r.topics[i] = &indexShard{entries: make(map[string]map[string]*Conn)}
		r.users[i] = &indexShard{entries: make(map[string]map[string]*Conn)}
	}

	return r
}

func shardIndex(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}

func (r *Registry) connShard(id string) *connShard {
	return r.conns[shardIndex(id, len(r.conns))]
}

func (r *Registry) topicShard(topic string) *indexShard {
	return r.topics[shardIndex(topic, len(r.topics))]
}

func (r *Registry) userShard(userId string) *indexShard {
	return r.users[shardIndex(userId, len(r.users))]
}

// Register files a new connection in the Connecting state.
func (r *Registry) Register(c *Conn) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setState(StateConnecting)

	s := r.connShard(c.Id)
	s.mu.Lock()
	s.conns[c.Id] = c
	s.mu.Unlock()

	r.userShard(c.User.Id).add(c.User.Id, c)

	return c.Id
}

func (r *Registry) Get(id string) *Conn {
	s := r.connShard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conns[id]
}

// Activate makes a Connecting connection eligible for dispatch.
func (r *Registry) Activate(id string) error {
	c := r.Get(id)
	if c == nil {
		return ErrConnNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != StateConnecting {
		return ErrConnClosed
	}
	c.setState(StateActive)
	return nil
}

// Subscribe is idempotent. It reports whether the topic was newly added.
func (r *Registry) Subscribe(id, topic string) (bool, error) {
	c := r.Get(id)
	if c == nil {
		return false, ErrConnNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateClosed {
		return false, ErrConnClosed
	}
	if _, ok := c.topics[topic]; ok {
		return false, nil
	}

	c.topics[topic] = struct{}{}
	r.topicShard(topic).add(topic, c)
	return true, nil
}

// Unsubscribe is idempotent. It reports whether the topic was removed.
func (r *Registry) Unsubscribe(id, topic string) (bool, error) {
	c := r.Get(id)
	if c == nil {
		return false, ErrConnNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateClosed {
		return false, ErrConnClosed
	}
	if _, ok := c.topics[topic]; !ok {
		return false, nil
	}

	delete(c.topics, topic)
	r.topicShard(topic).remove(topic, c)
	return true, nil
}

// Close marks the connection Closed, discards its queue and removes it from
// every index before returning. It reports whether this call closed the
// connection and whether it had been activated.
func (r *Registry) Close(id string) (closed bool, wasActive bool) {
	c := r.Get(id)
	if c == nil {
		return false, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.State()
	if prev == StateClosed {
		return false, false
	}
	c.setState(StateClosed)

	for topic := range c.topics {
		r.topicShard(topic).remove(topic, c)
	}
	clear(c.topics)
	c.queue = nil
	c.gapPending = false
	close(c.done)

	r.userShard(c.User.Id).remove(c.User.Id, c)

	s := r.connShard(c.Id)
	s.mu.Lock()
	delete(s.conns, c.Id)
	s.mu.Unlock()

	return true, prev == StateActive || prev == StateDraining
}

func isActive(c *Conn) bool {
	return c.State() == StateActive
}

func notClosed(c *Conn) bool {
	return c.State() != StateClosed
}

// ConnectionsForTopic returns the Active connections subscribed to topic.
func (r *Registry) ConnectionsForTopic(topic string) []*Conn {
	return r.topicShard(topic).snapshot(topic, isActive)
}

func (r *Registry) ForUser(userId string) []*Conn {
	return r.userShard(userId).snapshot(userId, notClosed)
}

// UsersForTopic returns the sorted ids of users with an Active connection
// subscribed to topic.
func (r *Registry) UsersForTopic(topic string) []string {
	seen := make(map[string]struct{})
	for _, c := range r.ConnectionsForTopic(topic) {
		seen[c.User.Id] = struct{}{}
	}

	users := make([]string, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	slices.Sort(users)
	return users
}

func (r *Registry) All() []*Conn {
	var conns []*Conn
	for _, s := range r.conns {
		s.mu.RLock()
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.RUnlock()
	}
	return conns
}

func (r *Registry) Len() int {
	n := 0
	for _, s := range r.conns {
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}
