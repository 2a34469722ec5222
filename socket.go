package fanout

import (
	"sort"
	"sync"

	"github.com/genzplug/fanout/engineio"
	"github.com/rs/zerolog"
)

// AnyHandler receives every inbound event of a socket.
type AnyHandler func(event string, args []interface{})

// Socket is one client connection inside a namespace. Its id is the
// Engine.IO session id and says nothing about who the client is.
type Socket struct {
	id      string
	session *engineio.Session
	ns      *Namespace
	logger  zerolog.Logger

	// roomsMu orders Join against the final leave on close
	roomsMu sync.Mutex
	left    bool

	mu           sync.RWMutex
	onAny        []AnyHandler
	onDisconnect []func(reason string)
	values       map[string]interface{}
}

func NewSocket(session *engineio.Session, ns *Namespace) *Socket {
	s := &Socket{
		id:      session.ID(),
		session: session,
		ns:      ns,
		logger:  ns.logger.With().Str("connID", session.ID()).Logger(),
		values:  make(map[string]interface{}),
	}
	session.OnMessage(s.onMessage)
	session.OnClose(s.onClose)
	return s
}

func (s *Socket) ID() string {
	return s.id
}

// Transport returns the name of the underlying transport.
func (s *Socket) Transport() string {
	return s.session.Transport()
}

// Emit queues an event for this client only.
func (s *Socket) Emit(event string, data ...interface{}) error {
	packet := NewEventPacket(event, data...)
	packet.Namespace = s.ns.name
	return s.sendPacket(packet)
}

// OnAny registers a handler for every inbound event. Events of one socket
// are handled one at a time, in arrival order.
func (s *Socket) OnAny(handler AnyHandler) {
	s.mu.Lock()
	s.onAny = append(s.onAny, handler)
	s.mu.Unlock()
}

// OnDisconnect registers a handler run once the socket has left all rooms.
func (s *Socket) OnDisconnect(handler func(reason string)) {
	s.mu.Lock()
	s.onDisconnect = append(s.onDisconnect, handler)
	s.mu.Unlock()
}

// Connected reports whether the underlying session is still open.
func (s *Socket) Connected() bool {
	select {
	case <-s.session.Done():
		return false
	default:
		return true
	}
}

// Join adds the socket to a room. It is a no-op once the socket has closed.
func (s *Socket) Join(room string) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	if s.left {
		return
	}
	s.ns.adapter.AddAll(s.id, room)
}

func (s *Socket) Leave(room string) {
	s.ns.adapter.Del(s.id, room)
}

// Rooms returns the rooms the socket is in, sorted.
func (s *Socket) Rooms() []string {
	rooms := s.ns.adapter.Rooms(s.id)
	sort.Strings(rooms)
	return rooms
}

// Set attaches a value to the socket for its lifetime.
func (s *Socket) Set(key string, value interface{}) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

func (s *Socket) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Disconnect closes the underlying session.
func (s *Socket) Disconnect() {
	s.session.Close("server disconnect")
}

func (s *Socket) sendPacket(packet *Packet) error {
	encoded, err := packet.Encode()
	if err != nil {
		return err
	}
	return s.session.Send(&engineio.Packet{
		Type: engineio.PacketTypeMessage,
		Data: []byte(encoded),
	})
}

func (s *Socket) onMessage(data []byte) {
	packet, err := DecodePacket(string(data))
	if err != nil {
		s.logger.Debug().Err(err).Msg("dropping undecodable packet")
		return
	}

	switch packet.Type {
	case PacketTypeEvent:
		s.dispatch(packet)
	case PacketTypeDisconnect:
		s.Disconnect()
	case PacketTypeConnect:
		// already connected when the session opened
	default:
		s.logger.Debug().Stringer("type", packet.Type).Msg("ignoring packet")
	}
}

func (s *Socket) dispatch(packet *Packet) {
	event, args, ok := packet.Event()
	if !ok {
		s.logger.Debug().Msg("malformed event packet")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("event", event).Msg("event handler panicked")
		}
	}()

	s.mu.RLock()
	handlers := s.onAny
	s.mu.RUnlock()

	for _, handler := range handlers {
		handler(event, args)
	}
}

// onClose leaves every room before the disconnect handlers run, so nothing
// they broadcast reaches this socket.
func (s *Socket) onClose(reason string) {
	s.roomsMu.Lock()
	s.left = true
	rooms := s.ns.adapter.DelAll(s.id)
	s.roomsMu.Unlock()

	s.mu.RLock()
	handlers := s.onDisconnect
	s.mu.RUnlock()

	for _, handler := range handlers {
		handler(reason)
	}

	s.ns.forget(s.id)
	s.logger.Debug().Str("reason", reason).Int("rooms", len(rooms)).Msg("socket disconnected")
}
