package fanout

import (
	"sync"

	"github.com/genzplug/fanout/engineio"
	"github.com/rs/zerolog"
)

// Namespace groups the sockets that connected to one Socket.IO namespace
// together with their rooms.
type Namespace struct {
	name    string
	adapter Adapter
	logger  zerolog.Logger

	mu       sync.RWMutex
	sockets  map[string]*Socket
	handlers []func(*Socket)
}

func NewNamespace(name string, server *Server) *Namespace {
	ns := &Namespace{
		name:    name,
		sockets: make(map[string]*Socket),
		logger:  server.logger.With().Str("namespace", name).Logger(),
	}
	ns.adapter = NewMemoryAdapter(ns)
	return ns
}

func (ns *Namespace) Name() string {
	return ns.name
}

// OnConnect adds a handler run for every new socket, after it has joined
// its own room and before any of its events are read.
func (ns *Namespace) OnConnect(handler func(*Socket)) {
	ns.mu.Lock()
	ns.handlers = append(ns.handlers, handler)
	ns.mu.Unlock()
}

// To starts a broadcast to the given rooms.
func (ns *Namespace) To(rooms ...string) *BroadcastOperator {
	return (&BroadcastOperator{ns: ns}).To(rooms...)
}

// Emit sends an event to every socket of the namespace.
func (ns *Namespace) Emit(event string, data ...interface{}) error {
	return ns.To().Emit(event, data...)
}

// Count returns the number of connected sockets.
func (ns *Namespace) Count() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.sockets)
}

func (ns *Namespace) GetSocket(id string) (*Socket, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	socket, ok := ns.sockets[id]
	return socket, ok
}

// RoomSize returns the number of sockets in a room.
func (ns *Namespace) RoomSize(room string) int {
	return len(ns.adapter.Members(room))
}

// connect registers a socket for the session, confirms the namespace
// CONNECT to the client and runs the connect handlers.
func (ns *Namespace) connect(session *engineio.Session) *Socket {
	socket := NewSocket(session, ns)

	ns.mu.Lock()
	ns.sockets[socket.id] = socket
	handlers := append([]func(*Socket){}, ns.handlers...)
	ns.mu.Unlock()

	socket.Join(socket.id)

	ack := &Packet{
		Type:      PacketTypeConnect,
		Namespace: ns.name,
		Data:      map[string]string{"sid": socket.id},
	}
	if err := socket.sendPacket(ack); err != nil {
		socket.logger.Warn().Err(err).Msg("failed to queue connect packet")
	}
	socket.logger.Debug().Str("transport", socket.Transport()).Msg("socket connected")

	for _, handler := range handlers {
		handler(socket)
	}
	return socket
}

func (ns *Namespace) forget(id string) {
	ns.mu.Lock()
	delete(ns.sockets, id)
	ns.mu.Unlock()
}
