package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	pingPeriod    = 30 * time.Second
	DefaultBuffer = 64
)

var (
	ErrClosed   = errors.New("connection closed")
	ErrOverflow = errors.New("connection send buffer exceeded")
)

// CloseSendBufferFull is sent to clients dropped for not keeping up.
const CloseSendBufferFull = websocket.ClosePolicyViolation

// frameWriter is the write half of *websocket.Conn.
type frameWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Conn is one subscriber socket. Outbound frames go through a bounded queue
// drained by a single writer goroutine; a full queue closes the connection
// instead of blocking the publisher.
type Conn struct {
	ID     string
	UserID string

	ws     frameWriter
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	closed closeInfo
	mu     sync.Mutex
}

type closeInfo struct {
	code   int
	reason string
}

func NewConn(userID string, ws frameWriter, buffer int) *Conn {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		ws:     ws,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Start launches the write loop. It must be called exactly once.
func (c *Conn) Start() {
	go c.writeLoop()
}

// Send enqueues payload without blocking.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		// The socket may be stuck mid-write; never make the publisher wait on it.
		c.shutdown(CloseSendBufferFull, "send buffer full", true)
		return ErrOverflow
	}
}

// Close sends a close frame and tears the socket down. Later calls are no-ops.
func (c *Conn) Close(code int, reason string) {
	c.shutdown(code, reason, false)
}

func (c *Conn) shutdown(code int, reason string, async bool) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = closeInfo{code: code, reason: reason}
		c.mu.Unlock()
		close(c.done)
		teardown := func() {
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			_ = c.ws.Close()
		}
		if async {
			go teardown()
			return
		}
		teardown()
	})
}

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// CloseCode reports the code the connection was closed with, or 0.
func (c *Conn) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed.code
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		}
	}
}

func (c *Conn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
