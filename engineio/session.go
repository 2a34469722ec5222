package engineio

import (
	"sync"
	"time"
)

const outgoingBufferSize = 256

// transport moves packets between a session and the network.
type transport interface {
	Name() string
	start()
	close(reason string)
}

// Session represents an Engine.IO session
type Session struct {
	id        string
	server    *Server
	transport transport
	outgoing  chan *Packet
	closeOnce sync.Once
	closed    chan struct{}

	mu           sync.RWMutex
	onMessage    func([]byte)
	onClose      []func(string)
	lastActivity time.Time

	// serializes inbound packet handling across concurrent polling requests
	handleMu sync.Mutex

	timerMu     sync.Mutex
	pingTimer   *time.Timer
	pingTimeout *time.Timer
}

func newSession(id string, server *Server) *Session {
	return &Session{
		id:           id,
		server:       server,
		outgoing:     make(chan *Packet, outgoingBufferSize),
		closed:       make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// ID returns the session ID
func (s *Session) ID() string {
	return s.id
}

// Transport returns the name of the transport the session was opened with.
func (s *Session) Transport() string {
	return s.transport.Name()
}

// Start starts the transport loops and the ping schedule.
func (s *Session) Start() {
	s.transport.start()
	s.schedulePing()
}

// Send queues a packet for the client without blocking.
func (s *Session) Send(packet *Packet) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outgoing <- packet:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		return ErrSlowClient
	}
}

// Close closes the session and runs the close handlers in registration order.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.timerMu.Lock()
		if s.pingTimer != nil {
			s.pingTimer.Stop()
		}
		if s.pingTimeout != nil {
			s.pingTimeout.Stop()
		}
		s.timerMu.Unlock()

		s.transport.close(reason)

		s.mu.RLock()
		handlers := append([]func(string){}, s.onClose...)
		s.mu.RUnlock()

		for _, handler := range handlers {
			handler(reason)
		}
	})
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// OnMessage sets the message handler
func (s *Session) OnMessage(fn func([]byte)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

// OnClose adds a close handler
func (s *Session) OnClose(fn func(string)) {
	s.mu.Lock()
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// LastActivity reports when the client was last heard from.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// handlePacket reports false once the session is closed; packets that
// arrive after that are dropped.
func (s *Session) handlePacket(packet *Packet) bool {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()

	if s.isClosed() {
		return false
	}

	switch packet.Type {
	case PacketTypePing:
		s.handlePing(packet)
	case PacketTypePong:
		s.handlePong()
	case PacketTypeMessage:
		s.handleMessage(packet.Data)
	case PacketTypeClose:
		s.Close("client closed")
	}
	return !s.isClosed()
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) handlePing(packet *Packet) {
	_ = s.Send(&Packet{Type: PacketTypePong, Data: packet.Data})
}

func (s *Session) handlePong() {
	s.timerMu.Lock()
	if s.pingTimeout != nil {
		s.pingTimeout.Stop()
	}
	s.timerMu.Unlock()
	s.schedulePing()
}

func (s *Session) handleMessage(data []byte) {
	s.mu.RLock()
	handler := s.onMessage
	s.mu.RUnlock()

	if handler != nil {
		handler(data)
	}
}

func (s *Session) schedulePing() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	select {
	case <-s.closed:
		return
	default:
	}

	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	s.pingTimer = time.AfterFunc(s.server.config.PingInterval, func() {
		_ = s.Send(&Packet{Type: PacketTypePing})
		s.schedulePingTimeout()
	})
}

func (s *Session) schedulePingTimeout() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	select {
	case <-s.closed:
		return
	default:
	}

	if s.pingTimeout != nil {
		s.pingTimeout.Stop()
	}
	s.pingTimeout = time.AfterFunc(s.server.config.PingTimeout, func() {
		s.Close("ping timeout")
	})
}

func (s *Session) updateActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}
