package database

import (
	"context"
	"fmt"
)

const (
	channelIdsForUserQuery = "SELECT channel_id::text FROM channel_members WHERE user_id = $1 ORDER BY channel_id"
	isChannelMemberQuery   = "SELECT EXISTS (SELECT 1 FROM channel_members WHERE user_id = $1 AND channel_id = $2)"
	channelMembersQuery    = "SELECT channel_id::text, user_id::text, COALESCE(role, ''), joined_at FROM channel_members WHERE channel_id = $1 ORDER BY joined_at"
)

func (db *PgMembershipRepository) ChannelIdsForUser(ctx context.Context, userId string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, channelIdsForUserQuery, userId)
	if err != nil {
		return nil, fmt.Errorf("query channels for user: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan channel id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels for user: %w", err)
	}

	return ids, nil
}

func (db *PgMembershipRepository) IsChannelMember(ctx context.Context, userId, channelId string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx, isChannelMemberQuery, userId, channelId).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query channel membership: %w", err)
	}

	return exists, nil
}

func (db *PgMembershipRepository) ChannelMembers(ctx context.Context, channelId string) ([]Member, error) {
	rows, err := db.conn.QueryContext(ctx, channelMembersQuery, channelId)
	if err != nil {
		return nil, fmt.Errorf("query channel members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ChannelId, &m.UserId, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan channel member: %w", err)
		}
		members = append(members, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel members: %w", err)
	}

	return members, nil
}
