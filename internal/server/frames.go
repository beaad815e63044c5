package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

type FrameType string

const (
	FrameEvent       FrameType = "event"
	FrameHeartbeat   FrameType = "heartbeat"
	FrameGap         FrameType = "gap"
	FrameUserOnline  FrameType = "user_online"
	FrameUserOffline FrameType = "user_offline"
	FrameTyping      FrameType = "typing"
	FrameReadReceipt FrameType = "read_receipt"
	FrameConnected   FrameType = "connected"
	FrameShutdown    FrameType = "shutdown"
	FrameAck         FrameType = "ack"
)

// ServerFrame is the envelope of everything pushed to a client.
type ServerFrame struct {
	Type      FrameType  `json:"type"`
	Topic     string     `json:"topic,omitempty"`
	Kind      types.Kind `json:"kind,omitempty"`
	Payload   any        `json:"payload,omitempty"`
	Timestamp time.Time  `json:"ts"`
}

// EncodedFrame is a serialized ServerFrame. The same bytes are shared by
// every connection an event is fanned out to.
type EncodedFrame struct {
	Type FrameType
	Data []byte
}

type GapPayload struct {
	Topics  []string `json:"topics"`
	Dropped int      `json:"dropped"`
}

type ConnectedPayload struct {
	ConnId              string   `json:"conn_id"`
	UserId              string   `json:"user_id"`
	Topics              []string `json:"topics"`
	HeartbeatIntervalMs int64    `json:"heartbeat_interval_ms"`
}

type ShutdownPayload struct {
	Reason string `json:"reason"`
}

type AckPayload struct {
	Id           string `json:"id,omitempty"`
	Action       string `json:"action"`
	Topic        string `json:"topic,omitempty"`
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
}

// ClientMessage is a control message sent by a client over a WebSocket.
type ClientMessage struct {
	Id     string `json:"id,omitempty"`
	Action string `json:"action"`
	Topic  string `json:"topic,omitempty"`
	Online *bool  `json:"online,omitempty"`
	// Typing false stops an indicator. It defaults to true.
	Typing    *bool  `json:"is_typing,omitempty"`
	MessageId string `json:"message_id,omitempty"`
}

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionTyping      = "typing"
	ActionPresence    = "presence"
	ActionReadReceipt = "read_receipt"
)

// EventFrame picks the frame type for a change event from its payload.
func EventFrame(ev types.ChangeEvent) (*ServerFrame, error) {
	frame := &ServerFrame{
		Topic:     ev.Topic,
		Kind:      ev.Kind(),
		Payload:   ev.Payload,
		Timestamp: ev.SequenceHint.UTC(),
	}
	if ev.SequenceHint.IsZero() {
		frame.Timestamp = Now()
	}

	switch p := ev.Payload.(type) {
	case types.MessageChange, types.ReactionChange, types.MembershipChange:
		frame.Type = FrameEvent
	case types.PresenceChange:
		if p.Online {
			frame.Type = FrameUserOnline
		} else {
			frame.Type = FrameUserOffline
		}
	case types.TypingChange:
		frame.Type = FrameTyping
	case types.ReadReceiptChange:
		frame.Type = FrameReadReceipt
	default:
		return nil, fmt.Errorf("unsupported payload %T", ev.Payload)
	}

	return frame, nil
}

func encodeFrame(f *ServerFrame) (EncodedFrame, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return EncodedFrame{}, err
	}
	return EncodedFrame{Type: f.Type, Data: data}, nil
}

// mustEncode is for frames built entirely from values this package controls.
func mustEncode(f *ServerFrame) EncodedFrame {
	encoded, err := encodeFrame(f)
	if err != nil {
		panic(fmt.Sprintf("encode %s frame: %v", f.Type, err))
	}
	return encoded
}

func heartbeatFrame() EncodedFrame {
	return mustEncode(&ServerFrame{Type: FrameHeartbeat, Timestamp: Now()})
}

func gapFrame(topics []string, dropped int) EncodedFrame {
	return mustEncode(&ServerFrame{
		Type:      FrameGap,
		Payload:   GapPayload{Topics: topics, Dropped: dropped},
		Timestamp: Now(),
	})
}

func connectedFrame(c *Conn, topics []string, heartbeat time.Duration) EncodedFrame {
	return mustEncode(&ServerFrame{
		Type: FrameConnected,
		Payload: ConnectedPayload{
			ConnId:              c.Id,
			UserId:              c.User.Id,
			Topics:              topics,
			HeartbeatIntervalMs: heartbeat.Milliseconds(),
		},
		Timestamp: Now(),
	})
}

func shutdownFrame(reason string) EncodedFrame {
	return mustEncode(&ServerFrame{
		Type:      FrameShutdown,
		Payload:   ShutdownPayload{Reason: reason},
		Timestamp: Now(),
	})
}

func ackFrame(msg ClientMessage, err error) EncodedFrame {
	ack := AckPayload{
		Id:           msg.Id,
		Action:       msg.Action,
		Topic:        msg.Topic,
		ResponseCode: http.StatusOK,
	}
	if err != nil {
		ack.ResponseCode = ResponseCode(err)
		ack.Error = err.Error()
		if ack.ResponseCode == http.StatusInternalServerError {
			ack.Error = "internal server error"
		}
	}

	return mustEncode(&ServerFrame{
		Type:      FrameAck,
		Topic:     msg.Topic,
		Payload:   ack,
		Timestamp: Now(),
	})
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
