package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"

	"github.com/spayyavula/campuspandit-sub002/internal/config"
	"github.com/spayyavula/campuspandit-sub002/internal/database"
	"github.com/spayyavula/campuspandit-sub002/internal/presence"
	"github.com/spayyavula/campuspandit-sub002/internal/stats"
	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

const shutdownReason = "server restarting"

type Options struct {
	OutboundBuffer      int
	IngressBuffer       int
	RegistryShards      int
	WriteTimeout        time.Duration
	HeartbeatInterval   time.Duration
	MissedHeartbeats    int
	LookupTimeout       time.Duration
	PresenceGrace       time.Duration
	PresenceRetention   time.Duration
	TypingTTL           time.Duration
	TypingSweepInterval time.Duration
	MaxMessageSize      int64
	// Clock drives presence timers. Defaults to the wall clock.
	Clock clock.Clock
}

func OptionsFromConfig(cfg *config.Config) Options {
	rt := cfg.Realtime
	return Options{
		OutboundBuffer:      rt.OutboundBuffer,
		IngressBuffer:       rt.IngressBuffer,
		RegistryShards:      rt.RegistryShards,
		WriteTimeout:        rt.WriteTimeout,
		HeartbeatInterval:   rt.HeartbeatInterval,
		MissedHeartbeats:    rt.MissedHeartbeats,
		LookupTimeout:       cfg.Database.LookupTimeout,
		PresenceGrace:       rt.PresenceGrace,
		PresenceRetention:   rt.PresenceRetention,
		TypingTTL:           rt.TypingTTL,
		TypingSweepInterval: rt.TypingSweepInterval,
		MaxMessageSize:      rt.MaxMessageSize,
	}
}

// Hub owns every live connection and wires the registry, the dispatcher and
// the presence tracker together.
type Hub struct {
	log        *slog.Logger
	db         database.MembershipRepository
	stats      stats.StatsProvider
	opts       Options
	registry   *Registry
	dispatcher *Dispatcher
	presence   *presence.Tracker
	members    *membershipLog

	shuttingDown atomic.Bool
	runMu        sync.Mutex
	cancelRun    context.CancelFunc
	runDone      chan struct{}
}

func NewHub(opts Options, db database.MembershipRepository, logger *slog.Logger, statsProvider stats.StatsProvider) *Hub {
	registry := NewRegistry(opts.RegistryShards)
	h := &Hub{
		log:        logger,
		db:         db,
		stats:      statsProvider,
		opts:       opts,
		registry:   registry,
		dispatcher: NewDispatcher(registry, opts.IngressBuffer, logger, statsProvider),
		members:    newMembershipLog(registry, logger),
	}

	h.presence = presence.NewTracker(presence.Options{
		Grace:     opts.PresenceGrace,
		Retention: opts.PresenceRetention,
		TypingTTL: opts.TypingTTL,
		Clock:     opts.Clock,
	}, func(ev types.ChangeEvent) {
		h.dispatcher.Dispatch(ev)
	}, logger, statsProvider)
	h.dispatcher.Route = h.route

	return h
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) Presence() *presence.Tracker {
	return h.presence
}

func (h *Hub) lookupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.opts.LookupTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.opts.LookupTimeout)
}

// Connect registers a connection for user, subscribes it to the user's own
// topic and to every channel the user belongs to, and queues the connected
// frame ahead of any event. The connection is registered before the
// membership lookup so changes routed meanwhile reach it.
func (h *Hub) Connect(ctx context.Context, user types.User, t Transport) (*Conn, error) {
	if h.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}

	c := NewConn(user, t, h.opts.OutboundBuffer)
	h.members.watch(user.Id)
	h.registry.Register(c)

	lookupCtx, cancel := h.lookupContext(ctx)
	channelIds, err := h.db.ChannelIdsForUser(lookupCtx, user.Id)
	cancel()
	if err != nil {
		h.members.settle(user.Id, nil)
		h.registry.Close(c.Id)
		return nil, fmt.Errorf("lookup channels: %w", err)
	}

	topics := []string{types.UserTopic(user.Id)}
	for _, id := range channelIds {
		topics = append(topics, types.ChannelTopic(id))
	}
	for _, topic := range topics {
		if _, err := h.registry.Subscribe(c.Id, topic); err != nil {
			h.members.settle(user.Id, nil)
			h.registry.Close(c.Id)
			return nil, err
		}
	}
	h.members.settle(user.Id, c)

	c.pushControl(connectedFrame(c, c.Topics(), h.opts.HeartbeatInterval))

	if err := h.registry.Activate(c.Id); err != nil {
		h.registry.Close(c.Id)
		return nil, err
	}
	h.presence.Connected(user.Id)
	h.stats.Incr(stats.ActiveConnections)

	h.log.Info("connection established", "conn_id", c.Id, "user_id", user.Id, "topics", len(c.Topics()))

	if h.shuttingDown.Load() {
		h.drain(c)
	}

	return c, nil
}

// Disconnect closes c and releases everything it held. Only the first call
// has an effect.
func (h *Hub) Disconnect(c *Conn, reason string) {
	closed, wasActive := h.registry.Close(c.Id)
	if !closed {
		return
	}

	if wasActive {
		h.presence.Disconnected(c.User.Id)
		h.stats.Decr(stats.ActiveConnections)
	}
	if err := c.transport.Close(); err != nil && !isClosedError(err) {
		h.log.Debug("closing transport", "conn_id", c.Id, "error", err)
	}

	h.log.Info("connection closed", "conn_id", c.Id, "user_id", c.User.Id, "reason", reason)
}

func (h *Hub) evict(c *Conn, reason string, err error) {
	if err != nil && isClosedError(err) {
		h.Disconnect(c, "client gone")
		return
	}

	h.stats.Incr(stats.ConnectionsEvicted)
	h.log.Warn("evicting connection", "conn_id", c.Id, "user_id", c.User.Id, "reason", reason, "error", err)
	h.Disconnect(c, reason)
}

func isClosedError(err error) bool {
	return errors.Is(err, errTransportClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent)
}

func (h *Hub) ownedConn(user types.User, connId string) (*Conn, error) {
	c := h.registry.Get(connId)
	if c == nil || c.User.Id != user.Id {
		return nil, ErrConnNotFound
	}
	return c, nil
}

// authorize checks that user may receive the events of topic.
func (h *Hub) authorize(ctx context.Context, user types.User, topic string) (types.TopicClass, error) {
	class, id, err := types.ParseTopic(topic)
	if err != nil {
		return 0, err
	}

	switch class {
	case types.TopicChannel:
		lookupCtx, cancel := h.lookupContext(ctx)
		defer cancel()

		member, err := h.db.IsChannelMember(lookupCtx, user.Id, id)
		if err != nil {
			return class, fmt.Errorf("lookup membership: %w", err)
		}
		if !member {
			return class, ErrForbidden
		}
	case types.TopicUser:
		if id != user.Id {
			return class, ErrForbidden
		}
	}

	return class, nil
}

func (h *Hub) Subscribe(ctx context.Context, user types.User, connId, topic string) error {
	c, err := h.ownedConn(user, connId)
	if err != nil {
		return err
	}

	h.members.watch(user.Id)
	if _, err := h.authorize(ctx, user, topic); err != nil {
		h.members.settle(user.Id, nil)
		return err
	}

	added, err := h.registry.Subscribe(c.Id, topic)
	h.members.settle(user.Id, c)
	if err != nil {
		return err
	}
	if c.State() != StateClosed && !c.IsSubscribed(topic) {
		// membership was revoked while the lookup ran
		return ErrForbidden
	}
	if added {
		h.log.Debug("subscribed", "conn_id", c.Id, "user_id", user.Id, "topic", topic)
	}
	return nil
}

func (h *Hub) Unsubscribe(ctx context.Context, user types.User, connId, topic string) error {
	c, err := h.ownedConn(user, connId)
	if err != nil {
		return err
	}
	if _, _, err := types.ParseTopic(topic); err != nil {
		return err
	}

	removed, err := h.registry.Unsubscribe(c.Id, topic)
	if err != nil {
		return err
	}
	if removed {
		h.log.Debug("unsubscribed", "conn_id", c.Id, "user_id", user.Id, "topic", topic)
	}
	return nil
}

// SetTyping records a typing indicator. Typing is only meaningful in
// channels the user belongs to.
func (h *Hub) SetTyping(ctx context.Context, user types.User, topic string) (types.TypingIndicator, error) {
	class, err := h.authorize(ctx, user, topic)
	if err != nil {
		return types.TypingIndicator{}, err
	}
	if class != types.TopicChannel {
		return types.TypingIndicator{}, ErrInvalidTopic
	}

	return h.presence.SetTyping(user.Id, topic), nil
}

// StopTyping clears the typing indicator of user in topic. The returned
// indicator has a zero expiry.
func (h *Hub) StopTyping(ctx context.Context, user types.User, topic string) (types.TypingIndicator, error) {
	class, err := h.authorize(ctx, user, topic)
	if err != nil {
		return types.TypingIndicator{}, err
	}
	if class != types.TopicChannel {
		return types.TypingIndicator{}, ErrInvalidTopic
	}

	h.presence.StopTyping(user.Id, topic)
	return types.TypingIndicator{UserId: user.Id, Topic: topic}, nil
}

// MarkRead broadcasts that user has read channelId up to messageId to the
// other members of the channel.
func (h *Hub) MarkRead(ctx context.Context, user types.User, channelId, messageId string) (types.ReadReceiptChange, error) {
	if channelId == "" || messageId == "" {
		return types.ReadReceiptChange{}, ErrInvalidMessage
	}
	topic := types.ChannelTopic(channelId)
	if _, err := h.authorize(ctx, user, topic); err != nil {
		return types.ReadReceiptChange{}, err
	}

	now := time.Now().UTC()
	receipt := types.ReadReceiptChange{
		UserId:    user.Id,
		ChannelId: channelId,
		MessageId: messageId,
		ReadAt:    now,
	}
	h.dispatcher.Dispatch(types.ChangeEvent{
		Topic:        topic,
		Payload:      receipt,
		SequenceHint: now,
		ExcludeUser:  user.Id,
	})
	return receipt, nil
}

func (h *Hub) SetOnlineStatus(user types.User, online bool) types.PresenceRecord {
	return h.presence.SetOnlineStatus(user.Id, online)
}

// ChannelOnline returns the users with an active connection in the channel.
func (h *Hub) ChannelOnline(ctx context.Context, user types.User, channelId string) ([]string, error) {
	topic := types.ChannelTopic(channelId)
	if _, err := h.authorize(ctx, user, topic); err != nil {
		return nil, err
	}

	online := []string{}
	for _, id := range h.registry.UsersForTopic(topic) {
		if h.presence.IsOnline(id) {
			online = append(online, id)
		}
	}
	return online, nil
}

// ChannelPresence returns the presence record of every member of the
// channel, online or not.
func (h *Hub) ChannelPresence(ctx context.Context, user types.User, channelId string) ([]types.PresenceRecord, error) {
	if _, err := h.authorize(ctx, user, types.ChannelTopic(channelId)); err != nil {
		return nil, err
	}

	lookupCtx, cancel := h.lookupContext(ctx)
	defer cancel()

	members, err := h.db.ChannelMembers(lookupCtx, channelId)
	if err != nil {
		return nil, fmt.Errorf("lookup channel members: %w", err)
	}

	records := make([]types.PresenceRecord, 0, len(members))
	for _, m := range members {
		records = append(records, h.presence.Record(m.UserId))
	}
	return records, nil
}

func (h *Hub) ChannelTyping(ctx context.Context, user types.User, channelId string) ([]types.TypingIndicator, error) {
	topic := types.ChannelTopic(channelId)
	if _, err := h.authorize(ctx, user, topic); err != nil {
		return nil, err
	}
	return h.presence.TypingUsers(topic), nil
}

// Submit hands a change event to the dispatcher. It is the listener's sink.
func (h *Hub) Submit(ctx context.Context, ev types.ChangeEvent) error {
	if h.shuttingDown.Load() {
		return ErrShuttingDown
	}
	return h.dispatcher.Submit(ctx, ev)
}

// route runs on the dispatch loop. Membership changes are applied to live
// connections around the dispatch of their own event, so an added member
// sees it and a removed member sees it last.
func (h *Hub) route(ev types.ChangeEvent) {
	mc, ok := ev.Payload.(types.MembershipChange)
	if !ok {
		h.dispatcher.Dispatch(ev)
		return
	}

	if mc.Removed() {
		h.dispatcher.Dispatch(ev)
		h.members.apply(mc.UserId, ev.Topic, false)
		return
	}

	h.members.apply(mc.UserId, ev.Topic, true)
	h.dispatcher.Dispatch(ev)
}

// Run drives the dispatcher, the typing sweeper and the heartbeat reaper
// until ctx is done or Shutdown is called.
func (h *Hub) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	h.runMu.Lock()
	h.cancelRun = cancel
	h.runDone = done
	h.runMu.Unlock()

	defer close(done)
	defer cancel()

	if h.shuttingDown.Load() {
		return
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		h.dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		h.every(ctx, h.opts.TypingSweepInterval, func() {
			h.presence.Sweep()
			h.presence.Prune()
		})
	}()
	go func() {
		defer wg.Done()
		h.every(ctx, h.opts.HeartbeatInterval, h.reap)
	}()

	wg.Wait()
}

func (h *Hub) every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (h *Hub) heartbeatTimeout() time.Duration {
	missed := h.opts.MissedHeartbeats
	if missed < 1 {
		missed = 1
	}
	return h.opts.HeartbeatInterval * time.Duration(missed)
}

// reap evicts connections that have not shown any sign of life within the
// heartbeat timeout.
func (h *Hub) reap() {
	cutoff := time.Now().Add(-h.heartbeatTimeout())
	for _, c := range h.registry.All() {
		if c.State() == StateActive && c.LastHeartbeat().Before(cutoff) {
			h.evict(c, "heartbeat timeout", nil)
		}
	}
}

func (h *Hub) drain(c *Conn) {
	if c.drain(shutdownFrame(shutdownReason)) {
		h.log.Debug("draining connection", "conn_id", c.Id)
	}
}

// Shutdown stops accepting connections, gives every connection a final
// shutdown frame and waits for the writers to flush it. Connections left
// when ctx is done are closed without flushing.
func (h *Hub) Shutdown(ctx context.Context) error {
	if !h.shuttingDown.CompareAndSwap(false, true) {
		return ErrShuttingDown
	}
	h.log.Info("shutting down hub", "connections", h.registry.Len())

	for _, c := range h.registry.All() {
		h.drain(c)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	var err error
wait:
	for h.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break wait
		case <-ticker.C:
		}
	}

	for _, c := range h.registry.All() {
		h.Disconnect(c, "shutdown")
	}
	h.presence.Stop()

	h.runMu.Lock()
	cancel, done := h.cancelRun, h.runDone
	h.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	return err
}
