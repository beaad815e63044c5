package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

const closeWait = time.Second

type WebSocketTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

func (t *WebSocketTransport) WriteFrame(frame EncodedFrame, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame.Data)
}

// WriteHeartbeat sends the heartbeat frame followed by a ping. The pong
// answer is what keeps the read side alive.
func (t *WebSocketTransport) WriteHeartbeat(frame EncodedFrame, deadline time.Time) error {
	if err := t.WriteFrame(frame, deadline); err != nil {
		return err
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		err = t.conn.Close()
	})
	return err
}

// ServeWebSocket connects an upgraded WebSocket for user, starts its writer
// and runs the reader on the calling goroutine until the client goes away.
func (h *Hub) ServeWebSocket(ctx context.Context, user types.User, ws *websocket.Conn) error {
	t := NewWebSocketTransport(ws)
	c, err := h.Connect(ctx, user, t)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		ws.Close()
		return err
	}

	go h.Serve(c)
	h.readPump(c, ws)
	return nil
}

func (h *Hub) readPump(c *Conn, ws *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic reading connection", "conn_id", c.Id, "user_id", c.User.Id, "panic", r)
		}
		h.Disconnect(c, "client closed")
	}()

	// The read context outlives the upgrade request.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	readTimeout := h.heartbeatTimeout()
	if h.opts.MaxMessageSize > 0 {
		ws.SetReadLimit(h.opts.MaxMessageSize)
	}
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		c.Touch()
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				h.log.Debug("ws: read", "conn_id", c.Id, "error", err)
			}
			return
		}

		c.Touch()
		ws.SetReadDeadline(time.Now().Add(readTimeout))

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.log.Debug("invalid client message", "conn_id", c.Id, "error", err)
			c.pushControl(ackFrame(ClientMessage{}, ErrInvalidMessage))
			continue
		}

		c.pushControl(ackFrame(msg, h.handleClientMessage(ctx, c, msg)))
	}
}

func (h *Hub) handleClientMessage(ctx context.Context, c *Conn, msg ClientMessage) error {
	switch msg.Action {
	case ActionSubscribe:
		return h.Subscribe(ctx, c.User, c.Id, msg.Topic)
	case ActionUnsubscribe:
		return h.Unsubscribe(ctx, c.User, c.Id, msg.Topic)
	case ActionTyping:
		if msg.Typing != nil && !*msg.Typing {
			_, err := h.StopTyping(ctx, c.User, msg.Topic)
			return err
		}
		_, err := h.SetTyping(ctx, c.User, msg.Topic)
		return err
	case ActionReadReceipt:
		class, channelId, err := types.ParseTopic(msg.Topic)
		if err != nil {
			return err
		}
		if class != types.TopicChannel {
			return ErrInvalidTopic
		}
		_, err = h.MarkRead(ctx, c.User, channelId, msg.MessageId)
		return err
	case ActionPresence:
		if msg.Online == nil {
			return ErrInvalidMessage
		}
		h.SetOnlineStatus(c.User, *msg.Online)
		return nil
	default:
		return ErrInvalidMessage
	}
}
