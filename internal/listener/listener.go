// Package listener turns database change notifications into change events.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/spayyavula/campuspandit-sub002/internal/backoff"
	"github.com/spayyavula/campuspandit-sub002/internal/stats"
	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

var errConnectionClosed = errors.New("listener connection closed")

// ErrSinkClosed is returned by a sink that no longer accepts events. The
// events it rejects are logged at debug level only.
var ErrSinkClosed = errors.New("sink closed")

// Sink receives parsed events in receive order. It may block to apply
// back-pressure.
type Sink func(ctx context.Context, ev types.ChangeEvent) error

type Options struct {
	Channels     []string
	Backoff      backoff.Policy
	PingInterval time.Duration
}

// Listener keeps one LISTEN subscription alive and feeds every notification
// to its sink. Notifications sent while it is disconnected are lost.
type Listener struct {
	dialer       Dialer
	channels     []string
	policy       backoff.Policy
	pingInterval time.Duration
	sink         Sink
	log          *slog.Logger
	stats        stats.StatsProvider
	now          func() time.Time
}

func New(dialer Dialer, opts Options, sink Sink, logger *slog.Logger, statsProvider stats.StatsProvider) *Listener {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 90 * time.Second
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = backoff.DefaultPolicy()
	}

	return &Listener{
		dialer:       dialer,
		channels:     opts.Channels,
		policy:       opts.Backoff,
		pingInterval: opts.PingInterval,
		sink:         sink,
		log:          logger,
		stats:        statsProvider,
		now:          time.Now,
	}
}

// Run blocks until ctx is cancelled, reconnecting with jittered exponential
// backoff whenever the subscription fails.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	connectedBefore := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		sub, err := l.dialer.Dial(ctx, l.channels)
		if err != nil {
			attempt++
			delay := l.policy.Delay(attempt)
			l.log.Warn("listener connect failed", "attempt", attempt, "retry_in", delay, "error", err)
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}

		if connectedBefore {
			l.stats.Incr(stats.ListenerReconnects)
		}
		connectedBefore = true
		attempt = 0
		l.log.Info("listening for changes", "channels", l.channels)

		err = l.consume(ctx, sub)
		if cerr := sub.Close(); cerr != nil {
			l.log.Debug("closing listener connection", "error", cerr)
		}
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		delay := l.policy.Delay(attempt)
		l.log.Warn("listener connection lost", "attempt", attempt, "retry_in", delay, "error", err)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

func (l *Listener) consume(ctx context.Context, sub Subscription) error {
	idle := time.NewTimer(l.pingInterval)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-sub.Notifications():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return errConnectionClosed
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(l.pingInterval)

			if n != nil {
				l.handle(ctx, n)
			}
		case <-idle.C:
			if err := sub.Ping(); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			idle.Reset(l.pingInterval)
		}
	}
}

func (l *Listener) handle(ctx context.Context, n *pq.Notification) {
	ev, err := Parse(n.Channel, []byte(n.Extra), l.now())
	if err != nil {
		l.stats.Incr(stats.EventsMalformed)
		l.log.Warn("dropping notification", "channel", n.Channel, "error", err)
		return
	}

	l.stats.Incr(stats.EventsReceived)
	if err := l.sink(ctx, ev); err != nil {
		if errors.Is(err, ErrSinkClosed) || ctx.Err() != nil {
			l.log.Debug("event not accepted", "topic", ev.Topic, "kind", ev.Kind(), "error", err)
			return
		}
		l.log.Error("event not accepted", "topic", ev.Topic, "kind", ev.Kind(), "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
