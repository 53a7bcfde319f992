package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const sendQueueSize = 256

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send queue full")
)

// clientConn owns one websocket. Fan-out frames go through a bounded queue
// drained by writeLoop; frames the session writes itself go straight to the
// socket. Both paths share mu, gorilla allows one writer at a time.
type clientConn struct {
	id      string
	rawConn *websocket.Conn
	mu      sync.Mutex

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClientConn(rawConn *websocket.Conn) *clientConn {
	c := &clientConn{
		id:      uuid.NewString(),
		rawConn: rawConn,
		out:     make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *clientConn) ID() string { return c.id }

// Send queues msg without blocking.
func (c *clientConn) Send(msg []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSlowConsumer
	}
}

func (c *clientConn) write(mt int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.rawConn.WriteMessage(mt, data) // Text/Binary only
}

func (c *clientConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.rawConn.WriteJSON(v)
}

// closeWith sends a close frame with code and reason, then drops the socket.
func (c *clientConn) closeWith(code int, reason string) {
	c.mu.Lock()
	_ = c.rawConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.mu.Unlock()
	c.Close()
}

func (c *clientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.rawConn.Close()
	})
	return err
}

func (c *clientConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			err := c.rawConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}
