package types

import (
	"time"
)

// User is the identity attached to an authenticated request. It is issued
// by the external identity provider and never stored here.
type User struct {
	Id    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

type Kind string

const (
	KindMessageCreated    Kind = "message_created"
	KindMessageUpdated    Kind = "message_updated"
	KindMessageDeleted    Kind = "message_deleted"
	KindReactionCreated   Kind = "reaction_created"
	KindReactionDeleted   Kind = "reaction_deleted"
	KindMembershipChanged Kind = "membership_changed"
	KindUserOnline        Kind = "user_online"
	KindUserOffline       Kind = "user_offline"
	KindTyping            Kind = "typing"
	KindReadReceipt       Kind = "read_receipt"
)

// Operation is the row operation reported by a database trigger.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Payload is implemented only by the change types in this package.
type Payload interface {
	Kind() Kind
	isPayload()
}

// ChangeEvent describes a single change of interest. It is created by the
// listener or the presence tracker and consumed once by the dispatcher.
type ChangeEvent struct {
	Topic   string
	Payload Payload
	// SequenceHint is advisory. It is not a total order across topics.
	SequenceHint time.Time
	// ExcludeUser suppresses delivery to every connection of that user.
	ExcludeUser string
}

func (e ChangeEvent) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

type MessageChange struct {
	Operation     Operation `json:"operation"`
	Id            string    `json:"id"`
	ChannelId     string    `json:"channel_id"`
	UserId        string    `json:"user_id,omitempty"`
	Content       string    `json:"content,omitempty"`
	CreatedAt     string    `json:"created_at,omitempty"`
	IsPinned      bool      `json:"is_pinned"`
	ReactionCount int       `json:"reaction_count"`
}

func (m MessageChange) Kind() Kind {
	switch m.Operation {
	case OpUpdate:
		return KindMessageUpdated
	case OpDelete:
		return KindMessageDeleted
	default:
		return KindMessageCreated
	}
}

func (MessageChange) isPayload() {}

type ReactionChange struct {
	Operation Operation `json:"operation"`
	Id        string    `json:"id"`
	MessageId string    `json:"message_id"`
	ChannelId string    `json:"channel_id"`
	UserId    string    `json:"user_id,omitempty"`
	Emoji     string    `json:"emoji,omitempty"`
	CreatedAt string    `json:"created_at,omitempty"`
}

func (r ReactionChange) Kind() Kind {
	if r.Operation == OpDelete {
		return KindReactionDeleted
	}
	return KindReactionCreated
}

func (ReactionChange) isPayload() {}

type MembershipChange struct {
	Operation Operation `json:"operation"`
	ChannelId string    `json:"channel_id"`
	UserId    string    `json:"user_id"`
	Role      string    `json:"role,omitempty"`
}

func (MembershipChange) Kind() Kind { return KindMembershipChanged }

func (MembershipChange) isPayload() {}

// Removed reports whether the change took the user out of the channel.
func (m MembershipChange) Removed() bool {
	return m.Operation == OpDelete
}

type PresenceChange struct {
	UserId   string    `json:"user_id"`
	Online   bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

func (p PresenceChange) Kind() Kind {
	if p.Online {
		return KindUserOnline
	}
	return KindUserOffline
}

func (PresenceChange) isPayload() {}

// TypingChange announces a typing indicator. A stopped indicator carries
// Typing false and a zero ExpiresAt.
type TypingChange struct {
	UserId    string    `json:"user_id"`
	Topic     string    `json:"topic"`
	Typing    bool      `json:"is_typing"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (TypingChange) Kind() Kind { return KindTyping }

func (TypingChange) isPayload() {}

// ReadReceiptChange reports that a user has read a channel up to a message.
// It is not persisted here.
type ReadReceiptChange struct {
	UserId    string    `json:"user_id"`
	ChannelId string    `json:"channel_id"`
	MessageId string    `json:"message_id"`
	ReadAt    time.Time `json:"read_at"`
}

func (ReadReceiptChange) Kind() Kind { return KindReadReceipt }

func (ReadReceiptChange) isPayload() {}

// PresenceRecord is the derived presence state of one user.
type PresenceRecord struct {
	UserId            string    `json:"user_id"`
	OnlineConnections int       `json:"online_connection_count"`
	Online            bool      `json:"is_online"`
	LastSeen          time.Time `json:"last_seen_at,omitempty"`
}

type TypingIndicator struct {
	UserId    string    `json:"user_id"`
	Topic     string    `json:"topic"`
	ExpiresAt time.Time `json:"expires_at"`
}
