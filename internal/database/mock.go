package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockMembershipRepository struct {
	mock.Mock
}

func (m *MockMembershipRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockMembershipRepository) ChannelIdsForUser(ctx context.Context, userId string) ([]string, error) {
	args := m.Called(ctx, userId)
	if ids, ok := args.Get(0).([]string); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMembershipRepository) IsChannelMember(ctx context.Context, userId, channelId string) (bool, error) {
	args := m.Called(ctx, userId, channelId)
	return args.Bool(0), args.Error(1)
}
func (m *MockMembershipRepository) ChannelMembers(ctx context.Context, channelId string) ([]Member, error) {
	args := m.Called(ctx, channelId)
	if members, ok := args.Get(0).([]Member); ok {
		return members, args.Error(1)
	}
	return nil, args.Error(1)
}
