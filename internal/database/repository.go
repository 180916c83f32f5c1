package database

import "context"

type NatterRepository interface {
	Ping(ctx context.Context) error
	Close() error

	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	GetAccountById(ctx context.Context, accountId int) (User, error)
	GetAccountByEmail(ctx context.Context, email string) (User, error)

	CreateWorkspace(ctx context.Context, params CreateWorkspaceParams) (Workspace, error)
	GetWorkspaceByExternalId(ctx context.Context, externalId string) (Workspace, error)
	ListWorkspaces(ctx context.Context, accountId int) ([]Workspace, error)
	AddWorkspaceMember(ctx context.Context, workspaceId, accountId int, role string) error
	IsWorkspaceMember(ctx context.Context, accountId, workspaceId int) (bool, error)
	IsWorkspaceAdmin(ctx context.Context, accountId, workspaceId int) (bool, error)

	CreateChannel(ctx context.Context, params CreateChannelParams) (Channel, error)
	GetChannelByExternalId(ctx context.Context, externalId string) (Channel, error)
	ListChannels(ctx context.Context, workspaceId, accountId int) ([]Channel, error)
	AddChannelMember(ctx context.Context, channelId, accountId int) error
	IsChannelMember(ctx context.Context, accountId, channelId int) (bool, error)
	ArchiveChannel(ctx context.Context, channelId int) error

	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	UpdateMessage(ctx context.Context, params UpdateMessageParams) (Message, error)
	DeleteMessage(ctx context.Context, channelId int, messageId int64, accountId int) (Message, error)
	AddReaction(ctx context.Context, channelId int, messageId int64, accountId int, emoji string) (Reaction, error)
	RemoveReaction(ctx context.Context, channelId int, messageId int64, accountId int, emoji string) (Reaction, error)
	ListRecentMessages(ctx context.Context, channelId, limit int) ([]Message, error)
	ListMessagesBefore(ctx context.Context, channelId int, beforeId int64, limit int) ([]Message, error)
	UpsertChannelRead(ctx context.Context, channelId, accountId int, messageId int64) error
}
