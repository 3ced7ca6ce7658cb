package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

type wsConn struct {
	id   string
	conn *websocket.Conn

	// send is never closed; the write loop stops on closed instead.
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWsConn(id string, c *websocket.Conn, buffer int) *wsConn {
	return &wsConn{
		id:     id,
		conn:   c,
		send:   make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

// enqueue hands b to the write loop without blocking. It reports false when
// the connection is closing or its queue is full.
func (c *wsConn) enqueue(b []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
