package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Workspace struct {
	Id         int       `json:"-"`
	ExternalId string    `json:"id"`
	Name       string    `json:"name"`
	Role       string    `json:"role,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

type Channel struct {
	Id          int       `json:"-"`
	ExternalId  string    `json:"id"`
	WorkspaceId int       `json:"-"`
	Name        string    `json:"name"`
	Visibility  string    `json:"visibility"`
	Archived    bool      `json:"archived"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

type Attachment struct {
	Name        string `json:"name"`
	Url         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type Message struct {
	Id          int64        `json:"id"`
	ChannelId   int          `json:"-"`
	AuthorId    int          `json:"author_id"`
	AuthorName  string       `json:"author_name,omitempty"`
	ParentId    *int64       `json:"parent_id,omitempty"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	EditedAt    *time.Time   `json:"edited_at,omitempty"`
}

type Reaction struct {
	MessageId int64     `json:"message_id"`
	UserId    int       `json:"user_id"`
	Identity  string    `json:"identity,omitempty"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}
