package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/accord/backend/internal/model/chat"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64
)

var (
	errClientClosed  = errors.New("connection closed")
	errSendQueueFull = errors.New("send queue full")
)

type outgoingMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// client is one authenticated websocket connection. It satisfies
// presence.Handle; all writes go through a single write pump.
type client struct {
	id      string
	userID  int64
	conn    *websocket.Conn
	limiter *rate.Limiter
	logger  *zap.Logger

	send      chan outgoingMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, userID int64, limiter *rate.Limiter, logger *zap.Logger) *client {
	id := uuid.NewString()
	return &client{
		id:      id,
		userID:  userID,
		conn:    conn,
		limiter: limiter,
		logger:  logger.With(zap.String("conn", id), zap.Int64("user", userID)),
		send:    make(chan outgoingMessage, sendQueueSize),
		done:    make(chan struct{}),
	}
}

func (c *client) ID() string    { return c.id }
func (c *client) UserID() int64 { return c.userID }

// Send queues event without blocking. A full queue closes the connection.
func (c *client) Send(event chat.Event) error {
	return c.enqueue(outgoingMessage{
		Type:      string(event.Type),
		Data:      event.Payload,
		Timestamp: time.Now().Unix(),
	})
}

func (c *client) sendError(message string) {
	err := c.enqueue(outgoingMessage{
		Type:      "error",
		Data:      map[string]string{"message": message},
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		c.logger.Debug("dropping error frame", zap.Error(err))
	}
}

func (c *client) enqueue(msg outgoingMessage) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		c.logger.Warn("closing slow connection")
		c.close()
		return errSendQueueFull
	}
}

// close asks the write pump to say goodbye and tear the socket down.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump owns every write to conn until the client closes or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Info("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
