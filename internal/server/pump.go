package server

import (
	"fmt"
	"time"
)

// writeLiveness is implemented by transports that receive nothing from the
// client, so a successful heartbeat write is the only proof of life.
type writeLiveness interface {
	LivenessFromWrites() bool
}

// Serve runs the writer of c until the connection is closed. A write that
// fails or exceeds the write timeout evicts the connection. A panic while
// serving closes only this connection.
func (h *Hub) Serve(c *Conn) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic serving connection", "conn_id", c.Id, "user_id", c.User.Id, "panic", r)
			h.evict(c, "panic", fmt.Errorf("%v", r))
		}
	}()

	interval := h.opts.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	touchOnWrite := false
	if wl, ok := c.transport.(writeLiveness); ok {
		touchOnWrite = wl.LivenessFromWrites()
	}

	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
			if err := h.flush(c); err != nil {
				h.evict(c, "write failed", err)
				return
			}
			if c.drained() {
				h.Disconnect(c, "drained")
				return
			}
		case <-ticker.C:
			if c.State() != StateActive {
				continue
			}
			if err := c.transport.WriteHeartbeat(heartbeatFrame(), h.writeDeadline()); err != nil {
				h.evict(c, "heartbeat failed", err)
				return
			}
			if touchOnWrite {
				c.Touch()
			}
		}
	}
}

func (h *Hub) writeDeadline() time.Time {
	timeout := h.opts.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return time.Now().Add(timeout)
}

func (h *Hub) flush(c *Conn) error {
	for {
		frame, ok := c.next()
		if !ok {
			return nil
		}
		if err := c.transport.WriteFrame(frame, h.writeDeadline()); err != nil {
			return err
		}
	}
}
