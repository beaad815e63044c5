package listener

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// Subscription is one LISTEN session. Notifications is closed when the
// underlying connection is lost or the subscription is closed.
type Subscription interface {
	Notifications() <-chan *pq.Notification
	Ping() error
	Err() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, channels []string) (Subscription, error)
}

// PqDialer opens a dedicated connection per subscription. Reconnection is
// left to the caller.
type PqDialer struct {
	DSN        string
	BufferSize int
}

// Dial only checks ctx before connecting. pq.NewListenerConn does not take
// a context, so a dial that hangs once started cannot be interrupted by
// cancelling ctx.
func (d PqDialer) Dial(ctx context.Context, channels []string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := d.BufferSize
	if size <= 0 {
		size = 64
	}

	notify := make(chan *pq.Notification, size)
	conn, err := pq.NewListenerConn(d.DSN, notify)
	if err != nil {
		return nil, fmt.Errorf("open listener connection: %w", err)
	}

	for _, channel := range channels {
		if _, err := conn.Listen(channel); err != nil {
			conn.Close()
			return nil, fmt.Errorf("listen %s: %w", channel, err)
		}
	}

	return &pqSubscription{conn: conn, notify: notify}, nil
}

type pqSubscription struct {
	conn   *pq.ListenerConn
	notify chan *pq.Notification
}

func (s *pqSubscription) Notifications() <-chan *pq.Notification { return s.notify }

func (s *pqSubscription) Ping() error { return s.conn.Ping() }

func (s *pqSubscription) Err() error { return s.conn.Err() }

func (s *pqSubscription) Close() error { return s.conn.Close() }
