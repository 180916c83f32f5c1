package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/natterhq/natter/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is one websocket connection. It owns at most one live Session
// at a time; a join while a session is live replaces it. The device id
// distinguishes this connection in presence metas and is stable across
// re-joins.
type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        zerolog.Logger
	user       types.User
	deviceId   string
	send       chan *ServerMessage

	session     *Session
	sessionLock sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(user types.User, deviceId string, conn *websocket.Conn, cs *ChatServer, log zerolog.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        log.With().Str("username", user.Username).Str("device_id", deviceId).Logger(),
		user:       user,
		deviceId:   deviceId,
		send:       make(chan *ServerMessage, 256),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := c.serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("ws read")
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("malformed frame")
			c.queueMessage(ErrorMessage("", ReasonInvalid))
			continue
		}

		msg.client = c
		c.dispatch(&msg)
	}
}

// dispatch routes a parsed frame. Joins go to the chat server, which
// swaps the connection's session; everything else goes to the live
// session's command queue.
func (c *Client) dispatch(msg *ClientMessage) {
	if msg.Op == OpJoin {
		c.chatServer.StartSession(c, msg)
		return
	}

	s := c.currentSession()
	if s == nil || sessionState(s.state.Load()) == stateTerminated {
		reject := ErrorMessage(msg.Op, ReasonNotJoined)
		reject.ClientRef = msg.ClientRef
		c.queueMessage(reject)
		return
	}

	if !s.queueCommand(msg) {
		reject := ErrorMessage(msg.Op, ReasonBackpressure)
		reject.ClientRef = msg.ClientRef
		c.queueMessage(reject)
	}
}

// queueMessage queues msg for delivery without blocking, reporting false
// when the client's send buffer is full.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Str("event", msg.Event).Msg("send buffer full, dropping message")
		return false
	}

	return true
}

func (c *Client) serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Debug().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

// setSession installs s as the connection's live session, shutting down
// any session it replaces.
func (c *Client) setSession(s *Session) {
	c.sessionLock.Lock()
	old := c.session
	c.session = s
	c.sessionLock.Unlock()

	if old != nil {
		old.shutdown("")
	}
}

// clearSession removes s if it is still the connection's live session.
func (c *Client) clearSession(s *Session) {
	c.sessionLock.Lock()
	if c.session == s {
		c.session = nil
	}
	c.sessionLock.Unlock()
}

func (c *Client) currentSession() *Session {
	c.sessionLock.RLock()
	defer c.sessionLock.RUnlock()

	return c.session
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.chatServer.DeregisterClient(c)

	if s := c.currentSession(); s != nil {
		s.shutdown("")
	}

	c.stopClient()
}
