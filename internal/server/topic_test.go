package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/natterhq/natter/internal/database"
	"github.com/natterhq/natter/internal/stats"
	"github.com/natterhq/natter/internal/testutil"
)

// newTestTopic builds a topic without starting its run loop so handlers
// can be driven synchronously.
func newTestTopic(t *testing.T, cs *ChatServer) *Topic {
	t.Helper()

	topic := newTopic(TopicName{Kind: TopicKindChannel, Id: "ch_8f2kq1"}, cs, time.Hour, time.Hour, testutil.TestLogger(t))
	topic.killTimer = time.NewTimer(time.Hour)
	topic.killTimer.Stop()

	return topic
}

func newTestSession(id, identity, deviceId string, queueSize int) *Session {
	return &Session{
		id:       id,
		identity: identity,
		deviceId: deviceId,
		events:   make(chan *ServerMessage, queueSize),
		rejoin:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

func attachTestSession(t *testing.T, topic *Topic, s *Session) attachReply {
	t.Helper()

	req := attachReq{
		sess:  s,
		meta:  PresenceMeta{DeviceId: s.deviceId, Status: StatusOnline, JoinedAt: Now()},
		reply: make(chan attachReply, 1),
	}
	topic.handleAttach(req)

	select {
	case reply := <-req.reply:
		return reply
	default:
		t.Fatal("handleAttach did not reply")
		return attachReply{}
	}
}

func recvEvent(t *testing.T, s *Session) *ServerMessage {
	t.Helper()

	select {
	case msg := <-s.events:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, s *Session, reason string) {
	t.Helper()

	select {
	case msg := <-s.events:
		t.Fatalf("%s: got %s", reason, msg.Event)
	default:
	}
}

func Test_handleAttach(t *testing.T) {
	t.Run("first session gets a snapshot consistent with its own join", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.MetricEventsPublished).Maybe()
		cs := newTestChatServer(t, &database.MockNatterRepository{}, su)
		topic := newTestTopic(t, cs)

		s1 := newTestSession("s1", "alice", "dev-1", 8)
		reply := attachTestSession(t, topic, s1)

		assert.Equal(t, topic.seq, reply.lastSeq, "expected last seq to match the post-join sequence")
		require.Contains(t, reply.snapshot, "alice", "expected own entry in snapshot")
		assert.Equal(t, "dev-1", reply.snapshot["alice"][0].DeviceId, "expected own meta in snapshot")
		assertNoEvent(t, s1, "the joining session must not see its own join diff")
	})

	t.Run("existing sessions see the join diff the snapshot already includes", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.MetricEventsPublished).Maybe()
		cs := newTestChatServer(t, &database.MockNatterRepository{}, su)
		topic := newTestTopic(t, cs)

		s1 := newTestSession("s1", "alice", "dev-1", 8)
		attachTestSession(t, topic, s1)

		s2 := newTestSession("s2", "bob", "dev-2", 8)
		reply := attachTestSession(t, topic, s2)

		diff := recvEvent(t, s1)
		assert.Equal(t, EventPresenceDiff, diff.Event, "expected presence diff for the join")
		require.Contains(t, diff.Joins, "bob", "expected bob in joins")
		assert.Equal(t, diff.Seq, reply.lastSeq, "expected snapshot to sit exactly at the diff's sequence")
		assert.Contains(t, reply.snapshot, "alice", "expected existing entry in snapshot")
		assert.Contains(t, reply.snapshot, "bob", "expected own entry in snapshot")

		// the next broadcast continues gap-free from the reply's last seq
		topic.broadcast(MessageDeletedEvent(topic.name.String(), 9))
		next := recvEvent(t, s2)
		assert.Equal(t, reply.lastSeq+1, next.Seq, "expected first streamed event at lastSeq+1")
	})
}

func Test_broadcast_ordering(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.MetricEventsPublished).Maybe()
	cs := newTestChatServer(t, &database.MockNatterRepository{}, su)
	topic := newTestTopic(t, cs)

	s1 := newTestSession("s1", "alice", "dev-1", 16)
	reply := attachTestSession(t, topic, s1)

	for i := 0; i < 5; i++ {
		topic.broadcast(MessageDeletedEvent(topic.name.String(), int64(i)))
	}

	for i := 0; i < 5; i++ {
		msg := recvEvent(t, s1)
		assert.Equal(t, reply.lastSeq+uint64(i)+1, msg.Seq, "expected dense, strictly increasing sequence")
	}
}

func Test_broadcast_backpressure(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.MetricEventsPublished).Maybe()
	cs := newTestChatServer(t, &database.MockNatterRepository{}, su)
	topic := newTestTopic(t, cs)

	healthy := newTestSession("s1", "bob", "dev-2", 16)
	attachTestSession(t, topic, healthy)
	slow := newTestSession("s2", "alice", "dev-1", 1)
	attachTestSession(t, topic, slow)
	recvEvent(t, healthy) // alice's join diff

	// fill the slow session's queue so the next fan-out overflows it
	slow.events <- &ServerMessage{Event: EventMessageCreated}

	topic.broadcast(MessageDeletedEvent(topic.name.String(), 9))

	assert.NotContains(t, topic.sessions, slow, "expected the slow session to be evicted")
	assert.Contains(t, topic.sessions, healthy, "expected the healthy session to stay subscribed")

	select {
	case <-slow.stop:
		assert.Equal(t, ReasonBackpressure, slow.reason, "expected backpressure termination")
	case <-time.After(time.Second):
		t.Fatal("timeout: evicted session was not shut down")
	}

	msg := recvEvent(t, healthy)
	assert.Equal(t, EventMessageDeleted, msg.Event, "expected the broadcast that triggered the eviction")
	leave := recvEvent(t, healthy)
	assert.Equal(t, EventPresenceDiff, leave.Event, "expected the evicted session's presence leave")
	assert.Contains(t, leave.Leaves, "alice", "expected alice in leaves")
	assert.Equal(t, msg.Seq+1, leave.Seq, "expected no gap for surviving sessions")
}

func Test_handleDetach(t *testing.T) {
	t.Run("unknown session is a no-op", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockNatterRepository{}, &stats.MockStatsUpdater{})
		topic := newTestTopic(t, cs)

		seq := topic.seq
		topic.handleDetach(newTestSession("s1", "alice", "dev-1", 8), false)
		assert.Equal(t, seq, topic.seq, "expected no broadcast for unknown session")
	})

	t.Run("broadcasts the leave to remaining sessions", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.MetricEventsPublished).Maybe()
		cs := newTestChatServer(t, &database.MockNatterRepository{}, su)
		topic := newTestTopic(t, cs)

		s1 := newTestSession("s1", "alice", "dev-1", 8)
		attachTestSession(t, topic, s1)
		s2 := newTestSession("s2", "bob", "dev-2", 8)
		attachTestSession(t, topic, s2)
		recvEvent(t, s1) // bob's join diff

		topic.handleDetach(s1, false)

		msg := recvEvent(t, s2)
		assert.Equal(t, EventPresenceDiff, msg.Event, "expected presence diff for the leave")
		require.Contains(t, msg.Leaves, "alice", "expected alice in leaves")
		assert.NotContains(t, topic.sessions, s1, "expected session to be removed")
	})

	t.Run("clears typing when the identity's last session leaves", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.MetricEventsPublished).Maybe()
		cs := newTestChatServer(t, &database.MockNatterRepository{}, su)
		topic := newTestTopic(t, cs)

		s1 := newTestSession("s1", "alice", "dev-1", 8)
		attachTestSession(t, topic, s1)
		s2 := newTestSession("s2", "bob", "dev-2", 8)
		attachTestSession(t, topic, s2)
		recvEvent(t, s1) // bob's join diff

		topic.handleTyping(typingReq{sess: s1, start: true})
		started := recvEvent(t, s2)
		assert.Equal(t, EventTypingStarted, started.Event, "expected typing to start")

		topic.handleDetach(s1, false)

		stopped := recvEvent(t, s2)
		assert.Equal(t, EventTypingStopped, stopped.Event, "expected typing to stop before the leave")
		assert.Equal(t, "alice", stopped.Identity, "expected alice's typing to be cleared")
		leave := recvEvent(t, s2)
		assert.Equal(t, EventPresenceDiff, leave.Event, "expected the presence leave after typing stopped")
		assert.False(t, topic.typing.typing("alice"), "expected typing state to be gone")
	})

	t.Run("keeps typing while another device remains", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.MetricEventsPublished).Maybe()
		cs := newTestChatServer(t, &database.MockNatterRepository{}, su)
		topic := newTestTopic(t, cs)

		s1a := newTestSession("s1a", "alice", "dev-1", 8)
		attachTestSession(t, topic, s1a)
		s1b := newTestSession("s1b", "alice", "dev-2", 8)
		attachTestSession(t, topic, s1b)

		topic.handleTyping(typingReq{sess: s1a, start: true})
		topic.handleDetach(s1a, false)

		assert.True(t, topic.presence.present("alice"), "expected alice present through the second device")
		assert.True(t, topic.typing.typing("alice"), "expected typing to survive while a device remains")
	})

	t.Run("arms the kill timer when the last session leaves", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.MetricEventsPublished).Maybe()
		cs := newTestChatServer(t, &database.MockNatterRepository{}, su)
		topic := newTestTopic(t, cs)

		s1 := newTestSession("s1", "alice", "dev-1", 8)
		attachTestSession(t, topic, s1)
		topic.handleDetach(s1, false)

		assert.True(t, topic.killTimer.Stop(), "expected kill timer to be armed once the topic is empty")
	})
}

func Test_handleTyping(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.MetricEventsPublished).Maybe()
	cs := newTestChatServer(t, &database.MockNatterRepository{}, su)
	topic := newTestTopic(t, cs)

	alice := newTestSession("s1", "alice", "dev-1", 8)
	attachTestSession(t, topic, alice)
	bob := newTestSession("s2", "bob", "dev-2", 8)
	attachTestSession(t, topic, bob)
	recvEvent(t, alice) // bob's join diff

	t.Run("start reaches everyone but the typer", func(t *testing.T) {
		topic.handleTyping(typingReq{sess: alice, start: true})

		msg := recvEvent(t, bob)
		assert.Equal(t, EventTypingStarted, msg.Event, "expected typing_started")
		assert.Equal(t, "alice", msg.Identity, "expected the typer's identity")
		assertNoEvent(t, alice, "the typer must not see its own typing event")
	})

	t.Run("repeated start refreshes silently", func(t *testing.T) {
		topic.handleTyping(typingReq{sess: alice, start: true})
		assertNoEvent(t, bob, "expected no duplicate typing_started")
	})

	t.Run("stop reaches everyone but the typer", func(t *testing.T) {
		topic.handleTyping(typingReq{sess: alice, start: false})

		msg := recvEvent(t, bob)
		assert.Equal(t, EventTypingStopped, msg.Event, "expected typing_stopped")
		assertNoEvent(t, alice, "the typer must not see its own typing event")
	})

	t.Run("stop without start is silent", func(t *testing.T) {
		topic.handleTyping(typingReq{sess: alice, start: false})
		assertNoEvent(t, bob, "expected no typing_stopped without active typing")
	})

	t.Run("unattached session is ignored", func(t *testing.T) {
		stranger := newTestSession("s3", "eve", "dev-3", 8)
		topic.handleTyping(typingReq{sess: stranger, start: true})
		assertNoEvent(t, bob, "expected no broadcast for a session that never attached")
	})
}

func Test_handleTypingExpiry(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.MetricEventsPublished).Maybe()
	cs := newTestChatServer(t, &database.MockNatterRepository{}, su)
	topic := newTestTopic(t, cs)

	alice := newTestSession("s1", "alice", "dev-1", 8)
	attachTestSession(t, topic, alice)
	bob := newTestSession("s2", "bob", "dev-2", 8)
	attachTestSession(t, topic, bob)
	recvEvent(t, alice) // bob's join diff

	topic.handleTyping(typingReq{sess: alice, start: true})
	recvEvent(t, bob) // typing_started
	gen := topic.typing.active["alice"].gen

	t.Run("stale generation is dropped", func(t *testing.T) {
		topic.handleTypingExpiry(typingExpiry{identity: "alice", gen: gen - 1})
		assertNoEvent(t, bob, "expected stale expiry to be ignored")
		assert.True(t, topic.typing.typing("alice"), "expected typing to survive the stale expiry")
	})

	t.Run("current generation stops typing exactly once", func(t *testing.T) {
		topic.handleTypingExpiry(typingExpiry{identity: "alice", gen: gen})

		msg := recvEvent(t, bob)
		assert.Equal(t, EventTypingStopped, msg.Event, "expected typing_stopped on expiry")
		assert.Equal(t, "alice", msg.Identity, "expected alice's typing to expire")

		topic.handleTypingExpiry(typingExpiry{identity: "alice", gen: gen})
		assertNoEvent(t, bob, "expected a second expiry for the same generation to do nothing")
	})
}

func Test_handleStatus(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.MetricEventsPublished).Maybe()
	cs := newTestChatServer(t, &database.MockNatterRepository{}, su)
	topic := newTestTopic(t, cs)

	alice := newTestSession("s1", "alice", "dev-1", 8)
	attachTestSession(t, topic, alice)
	bob := newTestSession("s2", "bob", "dev-2", 8)
	attachTestSession(t, topic, bob)
	recvEvent(t, alice) // bob's join diff

	topic.handleStatus(statusReq{sess: alice, status: "away"})

	msg := recvEvent(t, bob)
	assert.Equal(t, EventPresenceDiff, msg.Event, "expected a presence diff for the status change")
	require.Contains(t, msg.Leaves, "alice", "expected the old meta under leaves")
	require.Contains(t, msg.Joins, "alice", "expected the new meta under joins")
	assert.Equal(t, StatusOnline, msg.Leaves["alice"][0].Status, "expected old status in leaves")
	assert.Equal(t, "away", msg.Joins["alice"][0].Status, "expected new status in joins")

	seq := topic.seq
	topic.handleStatus(statusReq{sess: newTestSession("s3", "eve", "dev-3", 8), status: "away"})
	assert.Equal(t, seq, topic.seq, "expected no broadcast for an unattached session")
}

func Test_topicRun_idleUnload(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", mock.Anything).Maybe()
	cs := newTestChatServer(t, &database.MockNatterRepository{}, su)

	topic := newTopic(TopicName{Kind: TopicKindChannel, Id: "ch_idle"}, cs, time.Hour, 20*time.Millisecond, testutil.TestLogger(t))
	go topic.run()

	// the test stands in for the registry goroutine
	select {
	case unloaded := <-cs.unloadChan:
		assert.Equal(t, topic, unloaded, "expected the idle topic to request its own unload")
	case <-time.After(time.Second):
		t.Fatal("timeout: idle topic never requested unload")
	}

	close(topic.exit)

	select {
	case <-topic.done:
	case <-time.After(time.Second):
		t.Fatal("timeout: topic did not exit")
	}

	// the exiting topic reports itself to the registry one final time
	select {
	case <-cs.unloadChan:
	case <-time.After(time.Second):
		t.Fatal("timeout: topic never reported its exit")
	}
}

func Test_topicRun_crashSignalsRejoin(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", mock.Anything).Maybe()
	cs := newTestChatServer(t, &database.MockNatterRepository{}, su)

	topic := newTopic(TopicName{Kind: TopicKindChannel, Id: "ch_crash"}, cs, time.Hour, time.Hour, testutil.TestLogger(t))
	go topic.run()

	s1 := newTestSession("s1", "alice", "dev-1", 8)
	req := attachReq{
		sess:  s1,
		meta:  PresenceMeta{DeviceId: "dev-1", Status: StatusOnline, JoinedAt: Now()},
		reply: make(chan attachReply, 1),
	}
	require.True(t, topic.attach(req), "expected attach to be accepted")
	select {
	case <-req.reply:
	case <-time.After(time.Second):
		t.Fatal("timeout: attach was never acknowledged")
	}

	// drain the unload the dying topic hands to the registry
	go func() { <-cs.unloadChan }()

	// a nil message makes the broadcast panic; the topic must recover,
	// unload and tell its sessions to re-register elsewhere
	require.True(t, topic.publish(nil), "expected publish to be accepted before the crash")

	select {
	case <-topic.done:
	case <-time.After(time.Second):
		t.Fatal("timeout: crashed topic never closed done")
	}

	select {
	case <-s1.rejoin:
	case <-time.After(time.Second):
		t.Fatal("timeout: attached session was never told to rejoin")
	}
}

func Test_topicGuards_afterDone(t *testing.T) {
	cs := newTestChatServer(t, &database.MockNatterRepository{}, &stats.MockStatsUpdater{})
	topic := newTestTopic(t, cs)
	close(topic.done)

	req := attachReq{sess: newTestSession("s1", "alice", "dev-1", 8), reply: make(chan attachReply, 1)}
	assert.False(t, topic.attach(req), "expected attach to fail once the topic is gone")
	assert.False(t, topic.publish(&ServerMessage{Event: EventMessageCreated}), "expected publish to fail once the topic is gone")

	// these must simply not block
	topic.detach(newTestSession("s2", "bob", "dev-2", 8))
	topic.sendTyping(newTestSession("s3", "eve", "dev-3", 8), true)
	topic.sendStatus(newTestSession("s4", "mallory", "dev-4", 8), "away")
}
