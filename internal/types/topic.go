package types

import (
	"errors"
	"strings"
)

const (
	channelTopicPrefix  = "channel:"
	presenceTopicPrefix = "presence:"
	userTopicPrefix     = "user:"
)

var ErrInvalidTopic = errors.New("invalid topic")

type TopicClass int

const (
	TopicChannel TopicClass = iota + 1
	TopicPresence
	TopicUser
)

func (c TopicClass) String() string {
	switch c {
	case TopicChannel:
		return "channel"
	case TopicPresence:
		return "presence"
	case TopicUser:
		return "user"
	default:
		return "unknown"
	}
}

func ChannelTopic(channelId string) string { return channelTopicPrefix + channelId }

func PresenceTopic(userId string) string { return presenceTopicPrefix + userId }

func UserTopic(userId string) string { return userTopicPrefix + userId }

// ParseTopic splits a topic into its class and the id it refers to.
func ParseTopic(topic string) (TopicClass, string, error) {
	for _, p := range []struct {
		prefix string
		class  TopicClass
	}{
		{channelTopicPrefix, TopicChannel},
		{presenceTopicPrefix, TopicPresence},
		{userTopicPrefix, TopicUser},
	} {
		if id, ok := strings.CutPrefix(topic, p.prefix); ok {
			if id == "" || strings.ContainsAny(id, " \t\r\n") {
				return 0, "", ErrInvalidTopic
			}
			return p.class, id, nil
		}
	}

	return 0, "", ErrInvalidTopic
}
