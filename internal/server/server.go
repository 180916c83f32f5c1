package server

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/natterhq/natter/internal/database"
	"github.com/natterhq/natter/internal/stats"
)

const (
	defaultStoreTimeout     = 3 * time.Second
	defaultSessionQueueSize = 256
	defaultRecentMessages   = 50
)

var errShuttingDown = errors.New("chat server is shutting down")

// Config carries the tunables of the realtime layer. Zero values fall
// back to the defaults; tests inject short TTLs.
type Config struct {
	TypingTTL        time.Duration
	TopicIdleTTL     time.Duration
	StoreTimeout     time.Duration
	SessionQueueSize int
	RecentMessages   int
}

func (c Config) withDefaults() Config {
	if c.TypingTTL <= 0 {
		c.TypingTTL = defaultTypingTTL
	}
	if c.TopicIdleTTL <= 0 {
		c.TopicIdleTTL = defaultTopicIdleTTL
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.SessionQueueSize <= 0 {
		c.SessionQueueSize = defaultSessionQueueSize
	}
	if c.RecentMessages <= 0 {
		c.RecentMessages = defaultRecentMessages
	}

	return c
}

type topicReq struct {
	name  TopicName
	reply chan *Topic
}

// ChatServer is the registry of live topics and connections. The topic
// map is confined to the Run goroutine; topics are created on demand and
// dropped when they unload or crash.
type ChatServer struct {
	log   zerolog.Logger
	db    database.NatterRepository
	gate  *AuthorizationGate
	stats stats.StatsProvider
	cfg   Config

	clients     map[*Client]struct{}
	clientsLock sync.Mutex

	topics     map[string]*Topic
	topicChan  chan topicReq
	unloadChan chan *Topic

	RegisterChan   chan *Client
	deRegisterChan chan *Client

	stop chan struct{}
	done chan struct{}
}

func NewChatServer(log zerolog.Logger, db database.NatterRepository, sp stats.StatsProvider, cfg Config) (*ChatServer, error) {
	cs := &ChatServer{
		log:            log,
		db:             db,
		gate:           NewAuthorizationGate(db),
		stats:          sp,
		cfg:            cfg.withDefaults(),
		clients:        make(map[*Client]struct{}),
		topics:         make(map[string]*Topic),
		topicChan:      make(chan topicReq),
		unloadChan:     make(chan *Topic),
		RegisterChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, metric := range []string{
		stats.MetricActiveConnections,
		stats.MetricActiveSessions,
		stats.MetricActiveTopics,
		stats.MetricEventsPublished,
	} {
		sp.RegisterMetric(metric)
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case req := <-cs.topicChan:
			req.reply <- cs.getOrCreateTopic(req.name)
		case t := <-cs.unloadChan:
			cs.removeTopic(t)
		case client := <-cs.RegisterChan:
			cs.log.Debug().Str("username", client.user.Username).Msg("adding connection")
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.log.Debug().Str("username", client.user.Username).Msg("removing connection")
			cs.removeClient(client)
		case <-cs.stop:
			cs.log.Debug().Msg("shutting down topics")
			for _, t := range cs.topics {
				close(t.exit)
				<-t.done
			}

			close(cs.done)
			return
		}
	}
}

// StartSession begins a join for the client. Any session the connection
// already has is replaced, which doubles as the clean re-join path.
func (cs *ChatServer) StartSession(c *Client, join *ClientMessage) {
	name, err := ParseTopicName(join.Topic)
	if err != nil {
		c.log.Debug().Err(err).Msg("rejected join")
		msg := ErrorMessage(OpJoin, ReasonInvalid)
		msg.ClientRef = join.ClientRef
		c.queueMessage(msg)
		return
	}

	s, err := newSession(c, name, join.ClientRef, cs)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to create session")
		msg := ErrorMessage(OpJoin, ReasonInternal)
		msg.ClientRef = join.ClientRef
		c.queueMessage(msg)
		return
	}

	c.setSession(s)
	cs.stats.Incr(stats.MetricActiveSessions)
	go s.run()
}

// topic returns the live topic for name, creating it if needed.
func (cs *ChatServer) topic(name TopicName) (*Topic, error) {
	req := topicReq{name: name, reply: make(chan *Topic, 1)}

	select {
	case cs.topicChan <- req:
	case <-cs.done:
		return nil, errShuttingDown
	}

	select {
	case t := <-req.reply:
		return t, nil
	case <-cs.done:
		return nil, errShuttingDown
	}
}

func (cs *ChatServer) getOrCreateTopic(name TopicName) *Topic {
	key := name.String()
	if t, ok := cs.topics[key]; ok {
		select {
		case <-t.done:
			// the topic died but its unload wasn't processed yet
			delete(cs.topics, key)
			cs.stats.Decr(stats.MetricActiveTopics)
		default:
			return t
		}
	}

	t := newTopic(name, cs, cs.cfg.TypingTTL, cs.cfg.TopicIdleTTL, cs.log)
	cs.topics[key] = t
	cs.stats.Incr(stats.MetricActiveTopics)
	go t.run()
	cs.log.Debug().Str("topic", key).Msg("topic created")

	return t
}

func (cs *ChatServer) removeTopic(t *Topic) {
	key := t.name.String()
	cur, ok := cs.topics[key]
	if !ok || cur != t {
		return
	}

	cs.log.Debug().Str("topic", key).Msg("removing topic")
	delete(cs.topics, key)
	cs.stats.Decr(stats.MetricActiveTopics)
	close(t.exit)
	<-t.done
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.MetricActiveConnections)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}

	delete(cs.clients, c)
	cs.stats.Decr(stats.MetricActiveConnections)
}

// RegisterClient adds a freshly upgraded connection to the registry.
func (cs *ChatServer) RegisterClient(c *Client) {
	select {
	case cs.RegisterChan <- c:
	case <-cs.done:
	}
}

// DeregisterClient removes the client from the registry; safe to call
// while the server shuts down.
func (cs *ChatServer) DeregisterClient(c *Client) {
	select {
	case cs.deRegisterChan <- c:
	case <-cs.done:
	}
}

func (cs *ChatServer) Shutdown() {
	cs.log.Info().Msg("chat server shutting down")

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	close(cs.stop)
	<-cs.done
}
