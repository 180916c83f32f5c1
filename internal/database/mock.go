package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockNatterRepository struct {
	mock.Mock
}

func (m *MockNatterRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockNatterRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockNatterRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockNatterRepository) GetAccountById(ctx context.Context, accountId int) (User, error) {
	args := m.Called(ctx, accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockNatterRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockNatterRepository) CreateWorkspace(ctx context.Context, params CreateWorkspaceParams) (Workspace, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Workspace), args.Error(1)
}
func (m *MockNatterRepository) GetWorkspaceByExternalId(ctx context.Context, externalId string) (Workspace, error) {
	args := m.Called(ctx, externalId)
	return args.Get(0).(Workspace), args.Error(1)
}
func (m *MockNatterRepository) ListWorkspaces(ctx context.Context, accountId int) ([]Workspace, error) {
	args := m.Called(ctx, accountId)
	if workspaces, ok := args.Get(0).([]Workspace); ok {
		return workspaces, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockNatterRepository) AddWorkspaceMember(ctx context.Context, workspaceId, accountId int, role string) error {
	args := m.Called(ctx, workspaceId, accountId, role)
	return args.Error(0)
}
func (m *MockNatterRepository) IsWorkspaceMember(ctx context.Context, accountId, workspaceId int) (bool, error) {
	args := m.Called(ctx, accountId, workspaceId)
	return args.Bool(0), args.Error(1)
}
func (m *MockNatterRepository) IsWorkspaceAdmin(ctx context.Context, accountId, workspaceId int) (bool, error) {
	args := m.Called(ctx, accountId, workspaceId)
	return args.Bool(0), args.Error(1)
}
func (m *MockNatterRepository) CreateChannel(ctx context.Context, params CreateChannelParams) (Channel, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockNatterRepository) GetChannelByExternalId(ctx context.Context, externalId string) (Channel, error) {
	args := m.Called(ctx, externalId)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockNatterRepository) ListChannels(ctx context.Context, workspaceId, accountId int) ([]Channel, error) {
	args := m.Called(ctx, workspaceId, accountId)
	if channels, ok := args.Get(0).([]Channel); ok {
		return channels, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockNatterRepository) AddChannelMember(ctx context.Context, channelId, accountId int) error {
	args := m.Called(ctx, channelId, accountId)
	return args.Error(0)
}
func (m *MockNatterRepository) IsChannelMember(ctx context.Context, accountId, channelId int) (bool, error) {
	args := m.Called(ctx, accountId, channelId)
	return args.Bool(0), args.Error(1)
}
func (m *MockNatterRepository) ArchiveChannel(ctx context.Context, channelId int) error {
	args := m.Called(ctx, channelId)
	return args.Error(0)
}
func (m *MockNatterRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockNatterRepository) UpdateMessage(ctx context.Context, params UpdateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockNatterRepository) DeleteMessage(ctx context.Context, channelId int, messageId int64, accountId int) (Message, error) {
	args := m.Called(ctx, channelId, messageId, accountId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockNatterRepository) AddReaction(ctx context.Context, channelId int, messageId int64, accountId int, emoji string) (Reaction, error) {
	args := m.Called(ctx, channelId, messageId, accountId, emoji)
	return args.Get(0).(Reaction), args.Error(1)
}
func (m *MockNatterRepository) RemoveReaction(ctx context.Context, channelId int, messageId int64, accountId int, emoji string) (Reaction, error) {
	args := m.Called(ctx, channelId, messageId, accountId, emoji)
	return args.Get(0).(Reaction), args.Error(1)
}
func (m *MockNatterRepository) ListRecentMessages(ctx context.Context, channelId, limit int) ([]Message, error) {
	args := m.Called(ctx, channelId, limit)
	if messages, ok := args.Get(0).([]Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockNatterRepository) ListMessagesBefore(ctx context.Context, channelId int, beforeId int64, limit int) ([]Message, error) {
	args := m.Called(ctx, channelId, beforeId, limit)
	if messages, ok := args.Get(0).([]Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockNatterRepository) UpsertChannelRead(ctx context.Context, channelId, accountId int, messageId int64) error {
	args := m.Called(ctx, channelId, accountId, messageId)
	return args.Error(0)
}
