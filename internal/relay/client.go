package relay

import "sync"

// Client is one connected participant's send side. The transport layer
// drains Outbox into the connection; the hub only ever performs
// non-blocking sends so one stalled connection cannot delay the rest.
type Client struct {
	ID string

	send      chan []byte
	closeOnce sync.Once
}

func NewClient(id string, queueDepth int) *Client {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Client{ID: id, send: make(chan []byte, queueDepth)}
}

// Outbox exposes the queued frames for the transport's write loop. The
// channel is closed when the client is unregistered or its queue overflows.
func (c *Client) Outbox() <-chan []byte {
	return c.send
}

// trySend queues a frame without blocking. A false return means the queue
// is full and the client must be dropped.
func (c *Client) trySend(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}
