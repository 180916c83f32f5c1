package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/natterhq/natter/internal/database"
	"github.com/natterhq/natter/internal/stats"
	"github.com/natterhq/natter/internal/types"
)

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateJoining
	stateJoined
	stateTerminated
)

const maxStatusLen = 32

// Session binds one websocket connection to one topic. It runs on its
// own goroutine: commands from the client and events from the topic
// owner are interleaved here, so the client never blocks the topic and
// the topic never touches the socket.
type Session struct {
	id        string
	accountId int
	identity  string
	deviceId  string
	topicName TopicName
	joinRef   string
	grant     Grant

	client *Client
	cs     *ChatServer
	topic  *Topic

	commands chan *ClientMessage
	events   chan *ServerMessage
	rejoin   chan struct{}

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	// reason is the terminal error pushed to the client, set at most
	// once under stopOnce; empty means a clean termination
	reason string

	log zerolog.Logger
}

func newSession(c *Client, topicName TopicName, joinRef string, cs *ChatServer) (*Session, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	return &Session{
		id:        id,
		accountId: c.user.Id,
		identity:  c.user.Username,
		deviceId:  c.deviceId,
		topicName: topicName,
		joinRef:   joinRef,
		client:    c,
		cs:        cs,
		commands:  make(chan *ClientMessage, 64),
		events:    make(chan *ServerMessage, cs.cfg.SessionQueueSize),
		rejoin:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
		log: c.log.With().
			Str("session", id).
			Str("topic", topicName.String()).
			Logger(),
	}, nil
}

func (s *Session) run() {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Any("panic", p).Msg("session crashed")
			s.shutdown(ReasonInternal)
		}
		s.cleanup()
	}()

	s.state.Store(int32(stateJoining))
	if !s.join() {
		return
	}
	s.state.Store(int32(stateJoined))

	for {
		select {
		case <-s.stop:
			return
		case <-s.rejoin:
			s.log.Info().Msg("topic lost, rejoining")
			s.state.Store(int32(stateJoining))
			s.drainEvents()
			if !s.join() {
				return
			}
			s.state.Store(int32(stateJoined))
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		case ev := <-s.events:
			if !s.client.queueMessage(ev) {
				s.log.Warn().Msg("client send buffer full, terminating session")
				s.shutdown(ReasonBackpressure)
				return
			}
		}
	}
}

// join authorizes the session against its topic, loads the message
// backlog for channel topics, attaches to the topic owner and pushes the
// joined event. Any failure is reported to the client and ends the
// session.
func (s *Session) join() bool {
	ctx, cancel := s.storeCtx()
	defer cancel()

	grant, err := s.cs.gate.Authorize(ctx, s.accountId, s.topicName)
	if err != nil {
		var denied *DeniedError
		if errors.As(err, &denied) {
			s.log.Info().Str("reason", denied.Reason).Msg("join denied")
			s.joinError(denied.Reason)
		} else {
			s.log.Error().Err(err).Msg("authorize failed")
			s.joinError(storeErrReason(err))
		}
		return false
	}
	s.grant = grant

	var backlog []types.Message
	if grant.ChannelId != 0 {
		rows, err := s.cs.db.ListRecentMessages(ctx, grant.ChannelId, s.cs.cfg.RecentMessages)
		if err != nil {
			s.log.Error().Err(err).Msg("ListRecentMessages")
			s.joinError(storeErrReason(err))
			return false
		}
		backlog = messagesFromRows(rows)
	}

	reply, ok := s.attach()
	if !ok {
		s.joinError(ReasonInternal)
		return false
	}

	joined := JoinedMessage(s.topicName.String(), reply.snapshot, reply.lastSeq, backlog)
	joined.ClientRef = s.joinRef
	s.client.queueMessage(joined)

	return true
}

func (s *Session) joinError(reason string) {
	msg := ErrorMessage(OpJoin, reason)
	msg.ClientRef = s.joinRef
	s.client.queueMessage(msg)
}

// commandError reports a failed command back to its sender, carrying the
// client_ref so the client can settle the matching pending push.
func (s *Session) commandError(cmd *ClientMessage, reason string) {
	msg := ErrorMessage(cmd.Op, reason)
	msg.ClientRef = cmd.ClientRef
	s.client.queueMessage(msg)
}

// attach registers the session with the topic owner. The owner can die
// between the lookup and the attach, in which case the next lookup
// creates a fresh one, so a couple of retries always suffice.
func (s *Session) attach() (attachReply, bool) {
	meta := PresenceMeta{
		DeviceId: s.deviceId,
		Status:   StatusOnline,
		JoinedAt: Now(),
	}

	for i := 0; i < 3; i++ {
		t, err := s.cs.topic(s.topicName)
		if err != nil {
			return attachReply{}, false
		}

		req := attachReq{sess: s, meta: meta, reply: make(chan attachReply, 1)}
		if !t.attach(req) {
			continue
		}

		select {
		case reply := <-req.reply:
			s.topic = t
			return reply, true
		case <-t.done:
		}
	}

	return attachReply{}, false
}

func (s *Session) handleCommand(cmd *ClientMessage) {
	switch cmd.Op {
	case OpLeave:
		s.shutdown("")
	case OpSendMessage:
		s.createMessage(cmd, nil)
	case OpStartThread:
		if cmd.MessageId <= 0 {
			s.commandError(cmd, ReasonInvalid)
			return
		}
		parentId := cmd.MessageId
		s.createMessage(cmd, &parentId)
	case OpEditMessage:
		s.editMessage(cmd)
	case OpDeleteMessage:
		s.deleteMessage(cmd)
	case OpAddReaction:
		s.addReaction(cmd)
	case OpRemoveReaction:
		s.removeReaction(cmd)
	case OpTypingStart:
		s.topic.sendTyping(s, true)
	case OpTypingStop:
		s.topic.sendTyping(s, false)
	case OpMarkRead:
		s.markRead(cmd)
	case OpLoadOlderMessages:
		s.loadOlderMessages(cmd)
	case OpSetStatus:
		s.setStatus(cmd)
	default:
		s.commandError(cmd, ReasonInvalid)
	}
}

func (s *Session) createMessage(cmd *ClientMessage, parentId *int64) {
	if s.grant.ChannelId == 0 || strings.TrimSpace(cmd.Content) == "" {
		s.commandError(cmd, ReasonInvalid)
		return
	}

	var attachments []byte
	if len(cmd.Attachments) > 0 {
		data, err := json.Marshal(cmd.Attachments)
		if err != nil {
			s.commandError(cmd, ReasonInvalid)
			return
		}
		attachments = data
	}

	ctx, cancel := s.storeCtx()
	defer cancel()

	row, err := s.cs.db.CreateMessage(ctx, database.CreateMessageParams{
		ChannelId:   s.grant.ChannelId,
		AccountId:   s.accountId,
		ParentId:    parentId,
		Content:     cmd.Content,
		Attachments: attachments,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("CreateMessage")
		s.commandError(cmd, storeErrReason(err))
		return
	}

	msg := messageFromRow(row)
	msg.AuthorName = s.identity
	msg.Attachments = cmd.Attachments

	event := MessageCreatedEvent(s.topicName.String(), &msg, cmd.ClientRef)
	if parentId != nil {
		event = ThreadReplyCreatedEvent(s.topicName.String(), &msg, cmd.ClientRef)
	}

	if !s.topic.publish(event) {
		s.log.Warn().Int64("message_id", msg.Id).Msg("topic gone, message persisted but not broadcast")
	}
}

func (s *Session) editMessage(cmd *ClientMessage) {
	if s.grant.ChannelId == 0 || cmd.MessageId <= 0 || strings.TrimSpace(cmd.Content) == "" {
		s.commandError(cmd, ReasonInvalid)
		return
	}

	ctx, cancel := s.storeCtx()
	defer cancel()

	row, err := s.cs.db.UpdateMessage(ctx, database.UpdateMessageParams{
		ChannelId: s.grant.ChannelId,
		MessageId: cmd.MessageId,
		AccountId: s.accountId,
		Content:   cmd.Content,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("UpdateMessage")
		s.commandError(cmd, storeErrReason(err))
		return
	}

	msg := messageFromRow(row)
	msg.AuthorName = s.identity

	if !s.topic.publish(MessageEditedEvent(s.topicName.String(), &msg)) {
		s.log.Warn().Int64("message_id", msg.Id).Msg("topic gone, edit persisted but not broadcast")
	}
}

func (s *Session) deleteMessage(cmd *ClientMessage) {
	if s.grant.ChannelId == 0 || cmd.MessageId <= 0 {
		s.commandError(cmd, ReasonInvalid)
		return
	}

	ctx, cancel := s.storeCtx()
	defer cancel()

	if _, err := s.cs.db.DeleteMessage(ctx, s.grant.ChannelId, cmd.MessageId, s.accountId); err != nil {
		s.log.Error().Err(err).Msg("DeleteMessage")
		s.commandError(cmd, storeErrReason(err))
		return
	}

	if !s.topic.publish(MessageDeletedEvent(s.topicName.String(), cmd.MessageId)) {
		s.log.Warn().Int64("message_id", cmd.MessageId).Msg("topic gone, delete persisted but not broadcast")
	}
}

func (s *Session) addReaction(cmd *ClientMessage) {
	if s.grant.ChannelId == 0 || cmd.MessageId <= 0 || cmd.Emoji == "" {
		s.commandError(cmd, ReasonInvalid)
		return
	}

	ctx, cancel := s.storeCtx()
	defer cancel()

	if _, err := s.cs.db.AddReaction(ctx, s.grant.ChannelId, cmd.MessageId, s.accountId, cmd.Emoji); err != nil {
		s.log.Error().Err(err).Msg("AddReaction")
		s.commandError(cmd, storeErrReason(err))
		return
	}

	s.topic.publish(ReactionAddedEvent(s.topicName.String(), cmd.MessageId, s.identity, cmd.Emoji))
}

func (s *Session) removeReaction(cmd *ClientMessage) {
	if s.grant.ChannelId == 0 || cmd.MessageId <= 0 || cmd.Emoji == "" {
		s.commandError(cmd, ReasonInvalid)
		return
	}

	ctx, cancel := s.storeCtx()
	defer cancel()

	if _, err := s.cs.db.RemoveReaction(ctx, s.grant.ChannelId, cmd.MessageId, s.accountId, cmd.Emoji); err != nil {
		s.log.Error().Err(err).Msg("RemoveReaction")
		s.commandError(cmd, storeErrReason(err))
		return
	}

	s.topic.publish(ReactionRemovedEvent(s.topicName.String(), cmd.MessageId, s.identity, cmd.Emoji))
}

// markRead records the high-water mark silently; only failures are
// reported back.
func (s *Session) markRead(cmd *ClientMessage) {
	if s.grant.ChannelId == 0 || cmd.MessageId <= 0 {
		s.commandError(cmd, ReasonInvalid)
		return
	}

	ctx, cancel := s.storeCtx()
	defer cancel()

	if err := s.cs.db.UpsertChannelRead(ctx, s.grant.ChannelId, s.accountId, cmd.MessageId); err != nil {
		s.log.Error().Err(err).Msg("UpsertChannelRead")
		s.commandError(cmd, storeErrReason(err))
	}
}

func (s *Session) loadOlderMessages(cmd *ClientMessage) {
	if s.grant.ChannelId == 0 || cmd.BeforeId <= 0 {
		s.commandError(cmd, ReasonInvalid)
		return
	}

	limit := cmd.Limit
	if limit <= 0 || limit > s.cs.cfg.RecentMessages {
		limit = s.cs.cfg.RecentMessages
	}

	ctx, cancel := s.storeCtx()
	defer cancel()

	rows, err := s.cs.db.ListMessagesBefore(ctx, s.grant.ChannelId, cmd.BeforeId, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("ListMessagesBefore")
		s.commandError(cmd, storeErrReason(err))
		return
	}

	s.client.queueMessage(OlderMessagesMessage(s.topicName.String(), messagesFromRows(rows)))
}

func (s *Session) setStatus(cmd *ClientMessage) {
	if cmd.Status == "" || len(cmd.Status) > maxStatusLen {
		s.commandError(cmd, ReasonInvalid)
		return
	}

	s.topic.sendStatus(s, cmd.Status)
}

// queueCommand hands a command from the read pump to the session,
// reporting false when the queue is full.
func (s *Session) queueCommand(msg *ClientMessage) bool {
	select {
	case s.commands <- msg:
		return true
	default:
		return false
	}
}

// queueEvent is called by the topic owner; it must never block.
func (s *Session) queueEvent(msg *ServerMessage) bool {
	select {
	case s.events <- msg:
		return true
	default:
		return false
	}
}

// signalRejoin tells the session its topic owner is gone. Coalesced: one
// pending signal is enough, the rejoin re-reads all state.
func (s *Session) signalRejoin() {
	select {
	case s.rejoin <- struct{}{}:
	default:
	}
}

// drainEvents discards events queued by a dead topic incarnation so a
// stale sequence never trails the fresh joined event.
func (s *Session) drainEvents() {
	for {
		select {
		case <-s.events:
		default:
			return
		}
	}
}

func (s *Session) shutdown(reason string) {
	s.stopOnce.Do(func() {
		s.reason = reason
		close(s.stop)
	})
}

func (s *Session) cleanup() {
	s.shutdown("")

	if s.topic != nil {
		s.topic.detach(s)
	}

	if s.reason != "" {
		s.client.queueMessage(ErrorMessage("", s.reason))
	}

	s.client.clearSession(s)
	s.state.Store(int32(stateTerminated))
	s.cs.stats.Decr(stats.MetricActiveSessions)
	s.log.Debug().Msg("session terminated")
}

func (s *Session) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cs.cfg.StoreTimeout)
}

func storeErrReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonStoreTimeout
	case errors.Is(err, database.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, database.ErrForbidden):
		return ReasonUnauthorized
	case errors.Is(err, database.ErrDuplicate):
		return ReasonInvalid
	default:
		return ReasonStoreFailure
	}
}

// messagesFromRows converts store rows, which arrive newest first, into
// wire messages in chronological order.
func messagesFromRows(rows []database.Message) []types.Message {
	msgs := make([]types.Message, len(rows))
	for i, row := range rows {
		msgs[len(rows)-1-i] = messageFromRow(row)
	}

	return msgs
}

func messageFromRow(row database.Message) types.Message {
	msg := types.Message{
		Id:         row.Id,
		ChannelId:  row.ChannelId,
		AuthorId:   row.AccountId,
		AuthorName: row.Username,
		ParentId:   row.ParentId,
		Content:    row.Content,
		CreatedAt:  row.CreatedAt,
		EditedAt:   row.EditedAt,
	}

	if len(row.Attachments) > 0 {
		// attachments were validated on write; a decode failure here
		// only drops them from the wire copy
		_ = json.Unmarshal(row.Attachments, &msg.Attachments)
	}

	return msg
}
