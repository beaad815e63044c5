package database

import "context"

// MembershipRepository answers membership questions against the system of
// record. Every call borrows a pooled connection only for the duration of
// the query.
type MembershipRepository interface {
	Ping(ctx context.Context) error
	ChannelIdsForUser(ctx context.Context, userId string) ([]string, error)
	IsChannelMember(ctx context.Context, userId, channelId string) (bool, error)
	ChannelMembers(ctx context.Context, channelId string) ([]Member, error)
}
