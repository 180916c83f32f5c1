package server

import (
	"time"

	"github.com/natterhq/natter/internal/types"
)

// Client operations.
const (
	OpJoin              = "join"
	OpLeave             = "leave"
	OpSendMessage       = "send_message"
	OpStartThread       = "start_thread"
	OpEditMessage       = "edit_message"
	OpDeleteMessage     = "delete_message"
	OpAddReaction       = "add_reaction"
	OpRemoveReaction    = "remove_reaction"
	OpTypingStart       = "typing_start"
	OpTypingStop        = "typing_stop"
	OpMarkRead          = "mark_read"
	OpLoadOlderMessages = "load_older_messages"
	OpSetStatus         = "set_status"
)

// Server events.
const (
	EventJoined             = "joined"
	EventError              = "error"
	EventMessageCreated     = "message_created"
	EventThreadReplyCreated = "thread_reply_created"
	EventMessageEdited      = "message_edited"
	EventMessageDeleted     = "message_deleted"
	EventReactionAdded      = "reaction_added"
	EventReactionRemoved    = "reaction_removed"
	EventTypingStarted      = "typing_started"
	EventTypingStopped      = "typing_stopped"
	EventPresenceDiff       = "presence_diff"
	EventOlderMessages      = "older_messages_loaded"
)

// Error reasons carried on error events.
const (
	ReasonUnauthorized = "unauthorized"
	ReasonArchived     = "archived"
	ReasonNotFound     = "not_found"
	ReasonInvalid      = "invalid"
	ReasonStoreFailure = "store_failure"
	ReasonStoreTimeout = "store_timeout"
	ReasonBackpressure = "backpressure"
	ReasonNotJoined    = "not_joined"
	ReasonInternal     = "internal"
)

type ClientMessage struct {
	Op          string             `json:"op"`
	Topic       string             `json:"topic,omitempty"`
	Content     string             `json:"content,omitempty"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
	ClientRef   string             `json:"client_ref,omitempty"`
	MessageId   int64              `json:"message_id,omitempty"`
	Emoji       string             `json:"emoji,omitempty"`
	BeforeId    int64              `json:"before_id,omitempty"`
	Limit       int                `json:"limit,omitempty"`
	Status      string             `json:"status,omitempty"`

	client *Client `json:"-"`
}

type ServerMessage struct {
	Event     string    `json:"event"`
	Topic     string    `json:"topic,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// error events
	Op     string `json:"op,omitempty"`
	Reason string `json:"reason,omitempty"`

	ClientRef string `json:"client_ref,omitempty"`
	Identity  string `json:"identity,omitempty"`
	MessageId int64  `json:"message_id,omitempty"`
	Emoji     string `json:"emoji,omitempty"`

	Message  *types.Message  `json:"message,omitempty"`
	Messages []types.Message `json:"messages,omitempty"`

	Presence PresenceState `json:"presence,omitempty"`
	LastSeq  uint64        `json:"last_seq,omitempty"`
	Joins    PresenceState `json:"joins,omitempty"`
	Leaves   PresenceState `json:"leaves,omitempty"`

	// skipIdentity suppresses delivery to the originating identity's
	// sessions during typing fan-out
	skipIdentity string `json:"-"`
}

func ErrorMessage(op, reason string) *ServerMessage {
	return &ServerMessage{
		Event:     EventError,
		Op:        op,
		Reason:    reason,
		Timestamp: Now(),
	}
}

func JoinedMessage(topic string, snapshot PresenceState, lastSeq uint64, backlog []types.Message) *ServerMessage {
	return &ServerMessage{
		Event:     EventJoined,
		Topic:     topic,
		Presence:  snapshot,
		LastSeq:   lastSeq,
		Messages:  backlog,
		Timestamp: Now(),
	}
}

func OlderMessagesMessage(topic string, messages []types.Message) *ServerMessage {
	return &ServerMessage{
		Event:     EventOlderMessages,
		Topic:     topic,
		Messages:  messages,
		Timestamp: Now(),
	}
}

func MessageCreatedEvent(topic string, msg *types.Message, clientRef string) *ServerMessage {
	return &ServerMessage{
		Event:     EventMessageCreated,
		Topic:     topic,
		Message:   msg,
		ClientRef: clientRef,
		Timestamp: Now(),
	}
}

func ThreadReplyCreatedEvent(topic string, msg *types.Message, clientRef string) *ServerMessage {
	return &ServerMessage{
		Event:     EventThreadReplyCreated,
		Topic:     topic,
		Message:   msg,
		ClientRef: clientRef,
		Timestamp: Now(),
	}
}

func MessageEditedEvent(topic string, msg *types.Message) *ServerMessage {
	return &ServerMessage{
		Event:     EventMessageEdited,
		Topic:     topic,
		Message:   msg,
		Timestamp: Now(),
	}
}

func MessageDeletedEvent(topic string, messageId int64) *ServerMessage {
	return &ServerMessage{
		Event:     EventMessageDeleted,
		Topic:     topic,
		MessageId: messageId,
		Timestamp: Now(),
	}
}

func ReactionAddedEvent(topic string, messageId int64, identity, emoji string) *ServerMessage {
	return &ServerMessage{
		Event:     EventReactionAdded,
		Topic:     topic,
		MessageId: messageId,
		Identity:  identity,
		Emoji:     emoji,
		Timestamp: Now(),
	}
}

func ReactionRemovedEvent(topic string, messageId int64, identity, emoji string) *ServerMessage {
	return &ServerMessage{
		Event:     EventReactionRemoved,
		Topic:     topic,
		MessageId: messageId,
		Identity:  identity,
		Emoji:     emoji,
		Timestamp: Now(),
	}
}

func TypingStartedEvent(topic, identity string) *ServerMessage {
	return &ServerMessage{
		Event:        EventTypingStarted,
		Topic:        topic,
		Identity:     identity,
		Timestamp:    Now(),
		skipIdentity: identity,
	}
}

func TypingStoppedEvent(topic, identity string) *ServerMessage {
	return &ServerMessage{
		Event:        EventTypingStopped,
		Topic:        topic,
		Identity:     identity,
		Timestamp:    Now(),
		skipIdentity: identity,
	}
}

func PresenceDiffEvent(topic string, diff PresenceDiff) *ServerMessage {
	return &ServerMessage{
		Event:     EventPresenceDiff,
		Topic:     topic,
		Joins:     diff.Joins,
		Leaves:    diff.Leaves,
		Timestamp: Now(),
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
