package database

import "time"

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Workspace struct {
	Id         int
	ExternalId string
	Name       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type WorkspaceMember struct {
	WorkspaceId int
	AccountId   int
	Username    string
	Role        string
	CreatedAt   time.Time
}

type Channel struct {
	Id          int
	ExternalId  string
	WorkspaceId int
	Name        string
	Visibility  string
	Archived    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Message struct {
	Id          int64
	ChannelId   int
	AccountId   int
	Username    string
	ParentId    *int64
	Content     string
	Attachments []byte
	CreatedAt   time.Time
	EditedAt    *time.Time
}

type Reaction struct {
	MessageId int64
	AccountId int
	Username  string
	Emoji     string
	CreatedAt time.Time
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type CreateWorkspaceParams struct {
	Name       string
	ExternalId string
	CreatorId  int
}

type CreateChannelParams struct {
	WorkspaceId int
	Name        string
	ExternalId  string
	Visibility  string
	CreatorId   int
}

type CreateMessageParams struct {
	ChannelId   int
	AccountId   int
	ParentId    *int64
	Content     string
	Attachments []byte
}

type UpdateMessageParams struct {
	ChannelId int
	MessageId int64
	AccountId int
	Content   string
}
