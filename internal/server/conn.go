package server

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teris-io/shortid"

	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateActive
	StateDraining
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport writes encoded frames to one client. Writes are only issued from
// the connection's writer goroutine; Close may be called from anywhere.
type Transport interface {
	WriteFrame(frame EncodedFrame, deadline time.Time) error
	WriteHeartbeat(frame EncodedFrame, deadline time.Time) error
	Close() error
}

type outbound struct {
	frame EncodedFrame
	topic string
	gap   bool
}

type enqueueResult struct {
	queued   bool
	dropped  int
	gapAdded bool
}

// Conn is one live client connection. Topics and the outbound queue are
// guarded by mu; state and the heartbeat timestamp are read without it.
type Conn struct {
	Id        string
	User      types.User
	CreatedAt time.Time

	transport     Transport
	state         atomic.Int32
	lastHeartbeat atomic.Int64

	mu         sync.Mutex
	topics     map[string]struct{}
	queue      []outbound
	capacity   int
	gapPending bool
	gapTopics  map[string]struct{}
	gapDropped int

	notify chan struct{}
	done   chan struct{}
}

func NewConn(user types.User, transport Transport, capacity int) *Conn {
	if capacity < 2 {
		capacity = 2
	}

	now := time.Now()
	c := &Conn{
		Id:        shortid.MustGenerate(),
		User:      user,
		CreatedAt: now,
		transport: transport,
		topics:    make(map[string]struct{}),
		queue:     make([]outbound, 0, capacity),
		capacity:  capacity,
		gapTopics: make(map[string]struct{}),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.lastHeartbeat.Store(now.UnixNano())

	return c
}

func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Conn) setState(s ConnState) {
	c.state.Store(int32(s))
}

// Touch records proof of life from the client.
func (c *Conn) Touch() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

func (c *Conn) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Topics returns the sorted subscription set.
func (c *Conn) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.topicsLocked()
}

func (c *Conn) topicsLocked() []string {
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	slices.Sort(topics)
	return topics
}

func (c *Conn) IsSubscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.topics[topic]
	return ok
}

// Enqueue queues a change event frame. Only Active connections accept
// events.
func (c *Conn) Enqueue(frame EncodedFrame, topic string) enqueueResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != StateActive {
		return enqueueResult{}
	}
	return c.pushLocked(outbound{frame: frame, topic: topic})
}

// pushControl queues a frame addressed to this connection alone. It is
// accepted in every state but Closed.
func (c *Conn) pushControl(frame EncodedFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateClosed {
		return false
	}
	return c.pushLocked(outbound{frame: frame}).queued
}

// pushLocked appends item, making room when the queue is full. The first
// overflow drops the oldest frames and puts a single gap marker at the
// head. While that marker waits to be written, each further overflow drops
// the oldest frame behind it.
func (c *Conn) pushLocked(item outbound) enqueueResult {
	var res enqueueResult

	if len(c.queue) >= c.capacity {
		if !c.gapPending {
			for len(c.queue) > c.capacity-2 {
				c.dropLocked(0)
				res.dropped++
			}
			c.queue = slices.Insert(c.queue, 0, outbound{gap: true})
			c.gapPending = true
			res.gapAdded = true
		} else {
			c.dropLocked(c.firstFrameLocked())
			res.dropped++
		}
	}

	c.queue = append(c.queue, item)
	res.queued = true
	c.wake()

	return res
}

func (c *Conn) firstFrameLocked() int {
	for i, item := range c.queue {
		if !item.gap {
			return i
		}
	}
	return 0
}

func (c *Conn) dropLocked(i int) {
	item := c.queue[i]
	c.queue = slices.Delete(c.queue, i, i+1)
	if item.gap {
		return
	}

	c.gapDropped++
	if item.topic != "" {
		c.gapTopics[item.topic] = struct{}{}
	}
}

func (c *Conn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// next pops the head of the queue. A gap marker is rendered at this point
// so it reports everything dropped while it waited.
func (c *Conn) next() (EncodedFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return EncodedFrame{}, false
	}

	item := c.queue[0]
	c.queue[0] = outbound{}
	c.queue = c.queue[1:]

	if !item.gap {
		return item.frame, true
	}

	topics := make([]string, 0, len(c.gapTopics))
	for t := range c.gapTopics {
		topics = append(topics, t)
	}
	slices.Sort(topics)
	frame := gapFrame(topics, c.gapDropped)

	c.gapPending = false
	c.gapDropped = 0
	clear(c.gapTopics)

	return frame, true
}

// Pending is the number of queued frames, gap marker included.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// drain stops event delivery and queues a final frame. It reports false if
// the connection was already draining or closed.
func (c *Conn) drain(final EncodedFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateDraining, StateClosed:
		return false
	}

	c.setState(StateDraining)
	c.pushLocked(outbound{frame: final})
	return true
}

func (c *Conn) drained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State() == StateDraining && len(c.queue) == 0
}
