package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	sendBufferSize   = 64
	actionBufferSize = 32
)

// Client is one participant device connection.
//
// Device requests are correlated with replies by id. Replies are resolved on
// the read goroutine; every other inbound message is queued for a separate
// action goroutine so a handler waiting on a reply never blocks the reader.
type Client struct {
	conn    *websocket.Conn
	userID  string
	timeout time.Duration
	log     *slog.Logger

	send    chan []byte
	actions chan Message
	done    chan struct{}

	mu        sync.Mutex
	pending   map[string]chan ReplyPayload
	closed    bool
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, userID string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		conn:    conn,
		userID:  userID,
		timeout: timeout,
		log:     log,
		send:    make(chan []byte, sendBufferSize),
		actions: make(chan Message, actionBufferSize),
		done:    make(chan struct{}),
		pending: make(map[string]chan ReplyPayload),
	}
}

func (c *Client) UserID() string { return c.userID }

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Request sends a device command and waits for its reply.
func (c *Client) Request(ctx context.Context, typ string, payload any) error {
	id := uuid.NewString()
	ch := make(chan ReplyPayload, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.enqueue(typ, id, payload); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	select {
	case r := <-ch:
		if !r.OK {
			return fmt.Errorf("%w: %s: %s", ErrDeviceRejected, typ, r.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", typ, ctx.Err())
	case <-c.done:
		return ErrClientClosed
	}
}

// Push sends a message that expects no reply.
func (c *Client) Push(typ string, payload any) error {
	return c.enqueue(typ, "", payload)
}

func (c *Client) enqueue(typ, id string, payload any) error {
	data, err := encode(typ, id, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		// Slow consumer; drop the connection.
		go c.Close()
		return ErrSendBufferFull
	}
}

// Close fails pending requests and stops the pumps. It is idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

// ReadPump reads until the connection fails or the client is closed.
func (c *Client) ReadPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", "err", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			_ = c.Push(TypeError, ErrorPayload{Error: "invalid message format"})
			continue
		}
		if msg.Type == TypeReply {
			c.resolve(msg)
			continue
		}

		select {
		case c.actions <- msg:
		case <-c.done:
			return
		default:
			_ = c.Push(TypeError, ErrorPayload{Action: msg.Type, Error: "too many pending actions"})
		}
	}
}

// WritePump drains the send queue and keeps the connection alive with pings.
// It owns closing the underlying connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			// Flush what is already queued, then say goodbye.
			for {
				select {
				case data := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) resolve(msg Message) {
	var r ReplyPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &r); err != nil {
			c.log.Debug("malformed reply", "id", msg.ID, "err", err)
			return
		}
	}

	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("reply for unknown request", "id", msg.ID)
		return
	}
	select {
	case ch <- r:
	default:
	}
}
