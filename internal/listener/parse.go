package listener

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

const (
	tableMessages  = "channel_messages"
	tableReactions = "message_reactions"
	tableMembers   = "channel_members"
)

var ErrMalformed = errors.New("malformed notification")

// Postgres renders timestamps differently depending on the column type and
// on whether the value went through json_build_object.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
}

// flexString accepts JSON strings and numbers, so integer and uuid keys
// decode the same way.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type notificationPayload struct {
	Operation     types.Operation `json:"operation"`
	Table         string          `json:"table"`
	Id            flexString      `json:"id"`
	ChannelId     flexString      `json:"channel_id"`
	UserId        flexString      `json:"user_id"`
	MessageId     flexString      `json:"message_id"`
	Content       string          `json:"content"`
	Emoji         string          `json:"emoji"`
	Role          string          `json:"role"`
	CreatedAt     string          `json:"created_at"`
	CommitTs      string          `json:"commit_ts"`
	IsPinned      bool            `json:"is_pinned"`
	ReactionCount int             `json:"reaction_count"`
}

// Parse turns the payload of a notification received on channel into a
// ChangeEvent. Errors wrap ErrMalformed.
func Parse(channel string, payload []byte, receivedAt time.Time) (types.ChangeEvent, error) {
	var n notificationPayload
	if err := json.Unmarshal(payload, &n); err != nil {
		return types.ChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	table := n.Table
	if table == "" {
		table = channel
	}

	if n.ChannelId == "" {
		return types.ChangeEvent{}, fmt.Errorf("%w: missing channel_id", ErrMalformed)
	}

	var p types.Payload
	switch table {
	case tableMessages:
		if !validOperation(n.Operation, types.OpInsert, types.OpUpdate, types.OpDelete) {
			return types.ChangeEvent{}, unknownOperation(table, n.Operation)
		}
		if n.Id == "" {
			return types.ChangeEvent{}, fmt.Errorf("%w: missing message id", ErrMalformed)
		}
		p = types.MessageChange{
			Operation:     n.Operation,
			Id:            string(n.Id),
			ChannelId:     string(n.ChannelId),
			UserId:        string(n.UserId),
			Content:       n.Content,
			CreatedAt:     n.CreatedAt,
			IsPinned:      n.IsPinned,
			ReactionCount: n.ReactionCount,
		}
	case tableReactions:
		if !validOperation(n.Operation, types.OpInsert, types.OpDelete) {
			return types.ChangeEvent{}, unknownOperation(table, n.Operation)
		}
		if n.MessageId == "" {
			return types.ChangeEvent{}, fmt.Errorf("%w: missing message_id", ErrMalformed)
		}
		p = types.ReactionChange{
			Operation: n.Operation,
			Id:        string(n.Id),
			MessageId: string(n.MessageId),
			ChannelId: string(n.ChannelId),
			UserId:    string(n.UserId),
			Emoji:     n.Emoji,
			CreatedAt: n.CreatedAt,
		}
	case tableMembers:
		if !validOperation(n.Operation, types.OpInsert, types.OpUpdate, types.OpDelete) {
			return types.ChangeEvent{}, unknownOperation(table, n.Operation)
		}
		if n.UserId == "" {
			return types.ChangeEvent{}, fmt.Errorf("%w: missing user_id", ErrMalformed)
		}
		p = types.MembershipChange{
			Operation: n.Operation,
			ChannelId: string(n.ChannelId),
			UserId:    string(n.UserId),
			Role:      n.Role,
		}
	default:
		return types.ChangeEvent{}, fmt.Errorf("%w: unknown table %s", ErrMalformed, strconv.Quote(table))
	}

	return types.ChangeEvent{
		Topic:        types.ChannelTopic(string(n.ChannelId)),
		Payload:      p,
		SequenceHint: sequenceHint(n, receivedAt),
	}, nil
}

func validOperation(op types.Operation, allowed ...types.Operation) bool {
	for _, a := range allowed {
		if op == a {
			return true
		}
	}
	return false
}

func unknownOperation(table string, op types.Operation) error {
	return fmt.Errorf("%w: unknown operation %q on %s", ErrMalformed, op, table)
}

func sequenceHint(n notificationPayload, receivedAt time.Time) time.Time {
	for _, v := range []string{n.CommitTs, n.CreatedAt} {
		if ts, ok := parseTimestamp(v); ok {
			return ts
		}
	}
	return receivedAt
}

func parseTimestamp(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
