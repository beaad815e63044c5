package server

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

// SSETransport writes frames as server-sent events. Writes happen on the
// request goroutine; Close only signals it.
type SSETransport struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	closed    chan struct{}
	closeOnce sync.Once
}

func NewSSETransport(w http.ResponseWriter) *SSETransport {
	return &SSETransport{
		w:      w,
		rc:     http.NewResponseController(w),
		closed: make(chan struct{}),
	}
}

// LivenessFromWrites reports that an SSE client is only observable through
// successful writes.
func (t *SSETransport) LivenessFromWrites() bool { return true }

// Open sends the event stream headers.
func (t *SSETransport) Open() error {
	header := t.w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	t.w.WriteHeader(http.StatusOK)

	return t.rc.Flush()
}

func (t *SSETransport) WriteFrame(frame EncodedFrame, deadline time.Time) error {
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}

	if err := t.rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", frame.Type, frame.Data); err != nil {
		return err
	}
	return t.rc.Flush()
}

func (t *SSETransport) WriteHeartbeat(frame EncodedFrame, deadline time.Time) error {
	return t.WriteFrame(frame, deadline)
}

func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// ServeSSE streams events to user on the calling goroutine until the client
// disconnects or the connection is closed. The error is non-nil only when
// the connection could not be established, before anything was written.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, user types.User) error {
	t := NewSSETransport(w)
	c, err := h.Connect(r.Context(), user, t)
	if err != nil {
		return err
	}

	if err := t.Open(); err != nil {
		h.Disconnect(c, "stream not supported")
		return nil
	}

	go func() {
		select {
		case <-r.Context().Done():
			h.Disconnect(c, "client closed")
		case <-c.done:
		}
	}()

	h.Serve(c)
	return nil
}
