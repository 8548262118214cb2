package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relayd/pkg/async"
	"relayd/pkg/auth"
	"relayd/pkg/broker"
	"relayd/pkg/document"
	"relayd/pkg/observability"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the HTTP CORS layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// queuedEvent is one event waiting on the hub's internal channel.
type queuedEvent struct {
	room    string
	frame   Frame
	publish bool
}

// Hub owns the connection set and room membership. The two maps hold
// borrowed references to the same connection records and are guarded by
// separate locks; a connection's cleanup removes itself from both.
type Hub struct {
	serverID string
	tokens   *auth.TokenIssuer
	broker   broker.Broker
	log      *observability.Logger
	metrics  *observability.Metrics

	connMu sync.RWMutex
	conns  map[*Conn]bool

	roomMu sync.RWMutex
	rooms  map[string]map[*Conn]bool

	events chan queuedEvent
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates the hub and starts its dispatch loop. Broker messages from
// other instances are redispatched locally; messages tagged with this
// instance's serverID are suppressed.
func NewHub(serverID string, tokens *auth.TokenIssuer, b broker.Broker, log *observability.Logger, metrics *observability.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		serverID: serverID,
		tokens:   tokens,
		broker:   b,
		log:      log,
		metrics:  metrics,
		conns:    make(map[*Conn]bool),
		rooms:    make(map[string]map[*Conn]bool),
		events:   make(chan queuedEvent, 1024),
		ctx:      ctx,
		cancel:   cancel,
	}

	if b != nil {
		b.Subscribe(h.onBrokerMessage)
	}

	async.SafeGo(ctx, 0, "realtime hub dispatch", func(ctx context.Context) error {
		h.dispatchLoop(ctx)
		return nil
	})

	return h
}

// Close stops the dispatch loop and disconnects every client.
func (h *Hub) Close() {
	h.cancel()
	h.connMu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.connMu.RUnlock()
	for _, c := range conns {
		c.close()
		c.ws.Close()
	}
}

// ServeWS upgrades an HTTP request into a hub connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &Conn{
		id:   uuid.NewString(),
		hub:  h,
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
	}
	if p := auth.PrincipalFromContext(r.Context()); p != nil {
		c.principal = p
	}

	h.connMu.Lock()
	h.conns[c] = true
	h.connMu.Unlock()
	if h.metrics != nil {
		h.metrics.HubConnections.Inc()
	}

	c.sendFrame(Frame{
		Type: FrameConnect,
		Data: map[string]interface{}{
			"client_id": c.id,
			"timestamp": document.FormatTime(time.Now()),
		},
	})

	go c.writePump()
	go c.readPump()
}

// join subscribes c to room.
func (h *Hub) join(c *Conn, room string) {
	h.roomMu.Lock()
	defer h.roomMu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]bool)
		h.rooms[room] = members
	}
	members[c] = true
	if h.metrics != nil {
		h.metrics.HubRooms.Set(float64(len(h.rooms)))
	}
}

// leave unsubscribes c from room.
func (h *Hub) leave(c *Conn, room string) {
	h.roomMu.Lock()
	defer h.roomMu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if h.metrics != nil {
		h.metrics.HubRooms.Set(float64(len(h.rooms)))
	}
}

// removeConn drops c from the connection set and every room.
func (h *Hub) removeConn(c *Conn) {
	h.connMu.Lock()
	present := h.conns[c]
	delete(h.conns, c)
	h.connMu.Unlock()

	h.roomMu.Lock()
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if h.metrics != nil {
		h.metrics.HubRooms.Set(float64(len(h.rooms)))
	}
	h.roomMu.Unlock()

	if present && h.metrics != nil {
		h.metrics.HubConnections.Dec()
	}
}

// EmitCollectionChange publishes a committed mutation to the collection's
// typed room and to the wrapped all-collections room. Called by the
// pipeline strictly after AFTER_COMMIT succeeds.
func (h *Hub) EmitCollectionChange(collection, action string, doc document.Doc) {
	h.enqueueEvent(CollectionRoom(collection), emitFrame(action, doc, CollectionRoom(collection)), true)
	h.enqueueEvent(RoomAllCollections, emitFrame(action, map[string]interface{}{
		"collection": collection,
		"data":       doc,
	}, RoomAllCollections), true)
}

// EmitCustom publishes a script- or client-originated event to room, or to
// every connection when room is empty.
func (h *Hub) EmitCustom(event string, data interface{}, room string) {
	h.enqueueEvent(room, emitFrame(event, data, room), true)
}

// enqueueEvent never blocks the caller: the event goes onto the internal
// channel with a short timeout and is dropped with a debug log on overflow.
func (h *Hub) enqueueEvent(room string, frame Frame, publish bool) {
	ev := queuedEvent{room: room, frame: frame, publish: publish}
	select {
	case h.events <- ev:
	default:
		select {
		case h.events <- ev:
		case <-time.After(10 * time.Millisecond):
			if h.metrics != nil {
				h.metrics.HubDropped.WithLabelValues("event_queue_full").Inc()
			}
			if h.log != nil {
				h.log.WithField("room", room).Debug("hub event queue full, dropping event")
			}
		}
	}
}

// dispatchLoop delivers queued events locally and mirrors them to the
// broker for other instances.
func (h *Hub) dispatchLoop(ctx context.Context) {
	for {
		select {
		case ev := <-h.events:
			h.deliverLocal(ev.room, ev.frame)
			if ev.publish && h.broker != nil {
				pubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := h.broker.Publish(pubCtx, broker.Message{
					ServerID: h.serverID,
					Room:     ev.room,
					Event:    ev.frame.Event,
					Data:     ev.frame.Data,
				}); err != nil && h.log != nil {
					h.log.WithError(err).Warn("broker publish failed, event delivered locally only")
				}
				cancel()
			}
		case <-ctx.Done():
			return
		}
	}
}

// deliverLocal fans a frame out to room members, or everyone when room is
// empty.
func (h *Hub) deliverLocal(room string, frame Frame) {
	payload, err := frame.Encode()
	if err != nil {
		return
	}

	if room == "" {
		h.connMu.RLock()
		targets := make([]*Conn, 0, len(h.conns))
		for c := range h.conns {
			targets = append(targets, c)
		}
		h.connMu.RUnlock()
		for _, c := range targets {
			c.enqueue(payload)
		}
		return
	}

	h.roomMu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		targets = append(targets, c)
	}
	h.roomMu.RUnlock()
	for _, c := range targets {
		c.enqueue(payload)
	}
}

// onBrokerMessage redispatches an incoming cross-instance event to local
// subscribers, suppressing our own publications.
func (h *Hub) onBrokerMessage(msg broker.Message) {
	if msg.ServerID == h.serverID {
		return
	}
	h.deliverLocal(msg.Room, emitFrame(msg.Event, msg.Data, msg.Room))
}

// ConnectionCount reports the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	return len(h.conns)
}

// RoomCount reports the number of rooms with at least one subscriber.
func (h *Hub) RoomCount() int {
	h.roomMu.RLock()
	defer h.roomMu.RUnlock()
	return len(h.rooms)
}
