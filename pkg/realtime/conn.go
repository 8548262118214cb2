package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relayd/pkg/auth"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a client may go silent; the server pings every
	// pingPeriod and the client must pong within the remaining window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	// sendQueueSize bounds the per-connection outbound queue; a client
	// that stays write-blocked past it is reaped.
	sendQueueSize = 256
)

// Conn is one WebSocket client. The hub's connection set and room maps both
// reference the same Conn; close() removes it from both before the send
// queue is torn down.
type Conn struct {
	id  string
	hub *Hub
	ws  *websocket.Conn

	send chan []byte

	mu        sync.Mutex
	principal *auth.Principal
	closed    bool
}

// ID returns the connection's opaque client id.
func (c *Conn) ID() string { return c.id }

// Principal returns the principal attached by an auth frame, nil before one.
func (c *Conn) Principal() *auth.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

func (c *Conn) setPrincipal(p *auth.Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.principal = p
}

// enqueue offers a frame to the connection's bounded send queue; a full
// queue means the client can't keep up and the connection is closed. The
// mutex orders enqueue against close so nothing writes to a closed queue.
func (c *Conn) enqueue(payload []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	overflow := false
	select {
	case c.send <- payload:
	default:
		overflow = true
	}
	c.mu.Unlock()

	if overflow {
		if c.hub.metrics != nil {
			c.hub.metrics.HubDropped.WithLabelValues("send_queue_full").Inc()
		}
		c.close()
	}
}

// close removes the connection from the hub's maps and stops the pumps.
// Idempotent; both pumps and the hub may race to call it.
func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.hub.removeConn(c)
	close(c.send)
}

// readPump consumes inbound frames until the connection dies.
func (c *Conn) readPump() {
	defer func() {
		c.close()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := DecodeFrame(payload)
		if err != nil {
			c.sendFrame(errorFrame("malformed frame"))
			continue
		}
		c.handleFrame(frame)
	}
}

// handleFrame dispatches one client frame.
func (c *Conn) handleFrame(frame Frame) {
	switch frame.Type {
	case FrameAuth:
		claims, err := c.hub.tokens.Verify(frame.Token)
		if err != nil {
			c.sendFrame(errorFrame("invalid token"))
			return
		}
		if claims.IsRoot {
			c.setPrincipal(auth.Root())
		} else {
			c.setPrincipal(&auth.Principal{ID: claims.UserID, Username: claims.Username})
		}
	case FrameJoin:
		if frame.Room == "" {
			c.sendFrame(errorFrame("join requires a room"))
			return
		}
		c.hub.join(c, frame.Room)
	case FrameLeave:
		if frame.Room == "" {
			c.sendFrame(errorFrame("leave requires a room"))
			return
		}
		c.hub.leave(c, frame.Room)
	case FrameEmit:
		if frame.Event == "" {
			c.sendFrame(errorFrame("emit requires an event"))
			return
		}
		c.hub.EmitCustom(frame.Event, frame.Data, frame.Room)
	default:
		c.sendFrame(errorFrame("unknown frame type " + frame.Type))
	}
}

// sendFrame encodes and enqueues one frame for this connection only.
func (c *Conn) sendFrame(frame Frame) {
	payload, err := frame.Encode()
	if err != nil {
		return
	}
	c.enqueue(payload)
}

// writePump drains the send queue and keeps the heartbeat going.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
			if c.hub.metrics != nil {
				c.hub.metrics.HubFramesSent.WithLabelValues("emit").Inc()
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
