package server

import (
	"context"
	"log/slog"

	"github.com/spayyavula/campuspandit-sub002/internal/stats"
	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

// Dispatcher fans change events out to the outbound queues of subscribed
// connections. It never writes to a client itself.
type Dispatcher struct {
	registry *Registry
	ingress  chan types.ChangeEvent
	log      *slog.Logger
	stats    stats.StatsProvider
	stopped  chan struct{}

	// Route handles each event taken off the ingress queue. It defaults to
	// Dispatch.
	Route func(types.ChangeEvent)
}

func NewDispatcher(registry *Registry, ingressSize int, logger *slog.Logger, statsProvider stats.StatsProvider) *Dispatcher {
	if ingressSize < 1 {
		ingressSize = 1
	}

	d := &Dispatcher{
		registry: registry,
		ingress:  make(chan types.ChangeEvent, ingressSize),
		log:      logger,
		stats:    statsProvider,
		stopped:  make(chan struct{}),
	}
	d.Route = func(ev types.ChangeEvent) { d.Dispatch(ev) }

	return d
}

// Submit blocks until the event is accepted, ctx is done or the dispatcher
// has stopped.
func (d *Dispatcher) Submit(ctx context.Context, ev types.ChangeEvent) error {
	select {
	case <-d.stopped:
		return ErrShuttingDown
	default:
	}

	select {
	case d.ingress <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrShuttingDown
	}
}

// Run consumes the ingress queue in order until ctx is done. Events still
// queued at that point are discarded.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.stopped)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped", "discarded", len(d.ingress))
			return
		case ev := <-d.ingress:
			d.Route(ev)
		}
	}
}

// Dispatch queues ev on every Active connection subscribed to its topic and
// returns how many connections it was queued for. Safe for concurrent use;
// each connection still sees events in the order they were dispatched.
func (d *Dispatcher) Dispatch(ev types.ChangeEvent) int {
	frame, err := EventFrame(ev)
	if err != nil {
		d.log.Error("cannot build frame", "topic", ev.Topic, "error", err)
		return 0
	}
	encoded, err := encodeFrame(frame)
	if err != nil {
		d.log.Error("cannot encode frame", "topic", ev.Topic, "kind", ev.Kind(), "error", err)
		return 0
	}

	queued := 0
	for _, c := range d.registry.ConnectionsForTopic(ev.Topic) {
		if ev.ExcludeUser != "" && c.User.Id == ev.ExcludeUser {
			continue
		}

		res := c.Enqueue(encoded, ev.Topic)
		if !res.queued {
			continue
		}
		queued++

		if res.dropped > 0 {
			d.stats.Add(stats.FramesDropped, float64(res.dropped))
			d.log.Warn("slow consumer, dropped frames",
				"conn_id", c.Id, "user_id", c.User.Id, "topic", ev.Topic, "dropped", res.dropped)
		}
		if res.gapAdded {
			d.stats.Incr(stats.GapsQueued)
		}
	}

	d.stats.Incr(stats.EventsDispatched)
	if queued > 0 {
		d.stats.Add(stats.FramesQueued, float64(queued))
	}
	d.log.Debug("dispatched event", "topic", ev.Topic, "kind", ev.Kind(), "connections", queued)

	return queued
}
