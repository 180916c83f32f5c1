package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/natterhq/natter/internal/stats"
)

const defaultTopicIdleTTL = 30 * time.Second

const (
	TopicKindWorkspace = "workspace"
	TopicKindChannel   = "channel"
)

// TopicName identifies a broadcast topic, e.g. "channel:ch_8f2kq1" or
// "workspace:ws_1x9sd7".
type TopicName struct {
	Kind string
	Id   string
}

func ParseTopicName(s string) (TopicName, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return TopicName{}, fmt.Errorf("malformed topic %q", s)
	}

	switch kind {
	case TopicKindWorkspace, TopicKindChannel:
		return TopicName{Kind: kind, Id: id}, nil
	default:
		return TopicName{}, fmt.Errorf("unknown topic kind %q", kind)
	}
}

func (t TopicName) String() string {
	return t.Kind + ":" + t.Id
}

type attachReq struct {
	sess  *Session
	meta  PresenceMeta
	reply chan attachReply
}

type attachReply struct {
	snapshot PresenceState
	lastSeq  uint64
}

type detachReq struct {
	sess *Session
}

type typingReq struct {
	sess  *Session
	start bool
}

type statusReq struct {
	sess   *Session
	status string
}

type typingExpiry struct {
	identity string
	gen      uint64
}

// Topic is the single owner of one topic's state: the subscribed
// sessions, the presence entries, the typing indicators and the event
// sequence. All of it is confined to the topic goroutine, so every
// mutation and its resulting broadcast are atomic with respect to
// concurrent joins and publishes.
type Topic struct {
	name    TopicName
	cs      *ChatServer
	idleTTL time.Duration

	attachChan  chan attachReq
	detachChan  chan detachReq
	publishChan chan *ServerMessage
	typingChan  chan typingReq
	statusChan  chan statusReq
	expiryChan  chan typingExpiry

	sessions map[*Session]struct{}
	presence *presenceTracker
	typing   *typingCoordinator
	seq      uint64

	// killTimer unloads the topic once it has had no sessions for idleTTL
	killTimer *time.Timer
	exit      chan struct{}
	done      chan struct{}

	log zerolog.Logger
}

func newTopic(name TopicName, cs *ChatServer, typingTTL, idleTTL time.Duration, log zerolog.Logger) *Topic {
	if idleTTL <= 0 {
		idleTTL = defaultTopicIdleTTL
	}

	t := &Topic{
		name:        name,
		cs:          cs,
		idleTTL:     idleTTL,
		attachChan:  make(chan attachReq, 256),
		detachChan:  make(chan detachReq, 256),
		publishChan: make(chan *ServerMessage, 256),
		typingChan:  make(chan typingReq, 256),
		statusChan:  make(chan statusReq, 256),
		expiryChan:  make(chan typingExpiry, 64),
		sessions:    make(map[*Session]struct{}),
		presence:    newPresenceTracker(),
		exit:        make(chan struct{}),
		done:        make(chan struct{}),
		log:         log.With().Str("topic", name.String()).Logger(),
	}
	t.typing = newTypingCoordinator(typingTTL, t.typingExpired)

	return t
}

func (t *Topic) run() {
	t.log.Debug().Msg("starting topic")
	t.killTimer = time.NewTimer(t.idleTTL)

	defer func() {
		crashed := false
		if p := recover(); p != nil {
			crashed = true
			t.log.Error().Any("panic", p).Msg("topic crashed")
		}

		t.killTimer.Stop()
		t.typing.stopAll()

		// mark the topic dead before anything else so guarded sends
		// into its channels fail over instead of blocking
		close(t.done)

		select {
		case t.cs.unloadChan <- t:
		case <-t.cs.done:
		}

		// any session still attached has to re-register its presence
		// meta on a fresh topic
		for s := range t.sessions {
			if crashed {
				t.log.Debug().Str("session", s.id).Msg("signalling rejoin after crash")
			}
			s.signalRejoin()
		}
	}()

	for {
		select {
		case req := <-t.attachChan:
			t.handleAttach(req)
		case req := <-t.detachChan:
			t.handleDetach(req.sess, false)
		case msg := <-t.publishChan:
			t.broadcast(msg)
		case req := <-t.typingChan:
			t.handleTyping(req)
		case req := <-t.statusChan:
			t.handleStatus(req)
		case exp := <-t.expiryChan:
			t.handleTypingExpiry(exp)
		case <-t.killTimer.C:
			t.log.Debug().Msg("topic idle, unloading")
			select {
			case t.cs.unloadChan <- t:
			case <-t.exit:
			}
		case <-t.exit:
			t.log.Debug().Msg("topic exiting")
			return
		}
	}
}

// handleAttach registers a session: its presence join is broadcast to the
// existing subscribers first, then the session starts receiving events
// from the current tail of the sequence, and finally it gets a snapshot
// consistent with the diff the others just saw.
func (t *Topic) handleAttach(req attachReq) {
	t.killTimer.Stop()

	diff := t.presence.track(req.sess.identity, req.meta)
	if !diff.Empty() {
		t.broadcast(PresenceDiffEvent(t.name.String(), diff))
	}

	t.sessions[req.sess] = struct{}{}
	t.log.Debug().Str("session", req.sess.id).Str("identity", req.sess.identity).Msg("session attached")

	req.reply <- attachReply{
		snapshot: t.presence.snapshot(),
		lastSeq:  t.seq,
	}
}

// handleDetach removes a session. Detaching an unknown session is a
// no-op, which makes unsubscribes idempotent. When the identity's last
// session leaves, a pending typing indicator is cleared before the
// presence leave goes out.
func (t *Topic) handleDetach(s *Session, evicted bool) {
	if _, ok := t.sessions[s]; !ok {
		return
	}

	delete(t.sessions, s)
	t.log.Debug().Str("session", s.id).Bool("evicted", evicted).Msg("session detached")

	diff := t.presence.untrack(s.identity, s.deviceId)
	if !t.presence.present(s.identity) && t.typing.stop(s.identity) {
		t.broadcast(TypingStoppedEvent(t.name.String(), s.identity))
	}
	if !diff.Empty() {
		t.broadcast(PresenceDiffEvent(t.name.String(), diff))
	}

	if evicted {
		s.shutdown(ReasonBackpressure)
	}

	if len(t.sessions) == 0 {
		t.log.Debug().Msg("no sessions left, starting kill timer")
		t.killTimer.Reset(t.idleTTL)
	}
}

func (t *Topic) handleTyping(req typingReq) {
	if _, ok := t.sessions[req.sess]; !ok {
		return
	}

	identity := req.sess.identity
	if req.start {
		if t.typing.start(identity) {
			t.broadcast(TypingStartedEvent(t.name.String(), identity))
		}
	} else if t.typing.stop(identity) {
		t.broadcast(TypingStoppedEvent(t.name.String(), identity))
	}
}

func (t *Topic) handleStatus(req statusReq) {
	if _, ok := t.sessions[req.sess]; !ok {
		return
	}

	diff := t.presence.updateStatus(req.sess.identity, req.sess.deviceId, req.status)
	if !diff.Empty() {
		t.broadcast(PresenceDiffEvent(t.name.String(), diff))
	}
}

func (t *Topic) handleTypingExpiry(exp typingExpiry) {
	if t.typing.expired(exp.identity, exp.gen) {
		t.broadcast(TypingStoppedEvent(t.name.String(), exp.identity))
	}
}

// broadcast stamps msg with the next sequence number and fans it out. A
// session whose event queue is full is evicted so one slow consumer
// cannot stall the topic or its peers.
func (t *Topic) broadcast(msg *ServerMessage) {
	t.seq++
	msg.Seq = t.seq
	msg.Timestamp = Now()

	var dropped []*Session
	for s := range t.sessions {
		if msg.skipIdentity != "" && s.identity == msg.skipIdentity {
			continue
		}

		if !s.queueEvent(msg) {
			dropped = append(dropped, s)
		}
	}

	for _, s := range dropped {
		t.log.Warn().Str("session", s.id).Str("identity", s.identity).Msg("session queue full, evicting")
		t.handleDetach(s, true)
	}

	t.cs.stats.Incr(stats.MetricEventsPublished)
}

// typingExpired runs on a timer goroutine and hands the expiry over to
// the topic goroutine.
func (t *Topic) typingExpired(identity string, gen uint64) {
	select {
	case t.expiryChan <- typingExpiry{identity: identity, gen: gen}:
	case <-t.done:
	}
}

// attach queues an attach request, reporting false if the topic is gone.
func (t *Topic) attach(req attachReq) bool {
	select {
	case t.attachChan <- req:
		return true
	case <-t.done:
		return false
	}
}

func (t *Topic) detach(s *Session) {
	select {
	case t.detachChan <- detachReq{sess: s}:
	case <-t.done:
	}
}

// publish queues an event for broadcast, reporting false if the topic is
// gone. The caller decides whether a lost broadcast matters: persisted
// messages resurface through the backlog on rejoin.
func (t *Topic) publish(msg *ServerMessage) bool {
	select {
	case t.publishChan <- msg:
		return true
	case <-t.done:
		return false
	}
}

func (t *Topic) sendTyping(s *Session, start bool) {
	select {
	case t.typingChan <- typingReq{sess: s, start: start}:
	case <-t.done:
	}
}

func (t *Topic) sendStatus(s *Session, status string) {
	select {
	case t.statusChan <- statusReq{sess: s, status: status}:
	case <-t.done:
	}
}
