package fanout

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/genzplug/fanout/engineio"
	"github.com/rs/zerolog"
)

// DefaultPath is where clients reach the Socket.IO endpoint.
const DefaultPath = "/socket.io/"

type (
	Config struct {
		PingInterval time.Duration
		PingTimeout  time.Duration
		// MaxPayload caps inbound messages, in bytes.
		MaxPayload int
		// AllowedOrigins lists browser origins allowed to connect; empty or
		// "*" allows any.
		AllowedOrigins []string
		Logger         *zerolog.Logger
	}

	// Server accepts Socket.IO connections over Engine.IO and fans events
	// out to rooms.
	Server struct {
		eio     *engineio.Server
		logger  zerolog.Logger
		started time.Time

		mu         sync.Mutex
		namespaces map[string]*Namespace
	}
)

func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	s := &Server{
		eio: engineio.NewServer(&engineio.Config{
			PingInterval:   cfg.PingInterval,
			PingTimeout:    cfg.PingTimeout,
			MaxPayload:     cfg.MaxPayload,
			AllowedOrigins: cfg.AllowedOrigins,
			Logger:         &logger,
		}),
		logger:     logger.With().Str("component", "socketio").Logger(),
		started:    time.Now(),
		namespaces: make(map[string]*Namespace),
	}
	s.eio.OnConnect(func(session *engineio.Session) {
		s.Of("/").connect(session)
	})
	return s
}

// Of returns the namespace with the given name, creating it on first use.
func (s *Server) Of(name string) *Namespace {
	if name == "" {
		name = "/"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[name]
	if !ok {
		ns = NewNamespace(name, s)
		s.namespaces[name] = ns
	}
	return ns
}

// OnConnect adds a connection handler to the default namespace.
func (s *Server) OnConnect(handler func(*Socket)) {
	s.Of("/").OnConnect(handler)
}

// Emit sends an event to every socket of the default namespace.
func (s *Server) Emit(event string, data ...interface{}) error {
	return s.Of("/").Emit(event, data...)
}

// To starts a broadcast to rooms of the default namespace.
func (s *Server) To(rooms ...string) *BroadcastOperator {
	return s.Of("/").To(rooms...)
}

// BroadcastTo emits an event to every member of a room.
func (s *Server) BroadcastTo(room, event string, data ...interface{}) error {
	return s.To(room).Emit(event, data...)
}

// BroadcastExcept emits an event to every member of a room but one.
func (s *Server) BroadcastExcept(room, exceptID, event string, data ...interface{}) error {
	return s.To(room).Except(exceptID).Emit(event, data...)
}

// ConnectionCount returns the number of sockets in the default namespace.
func (s *Server) ConnectionCount() int {
	return s.Of("/").Count()
}

func (s *Server) Uptime() time.Duration {
	return time.Since(s.started)
}

// ServeHTTP serves both transports below DefaultPath.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, DefaultPath) {
		http.NotFound(w, r)
		return
	}
	s.eio.ServeHTTP(w, r)
}

// Close ends every session, running disconnect handlers, and clears all
// rooms.
func (s *Server) Close() error {
	s.eio.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, ns := range s.namespaces {
		if err := ns.adapter.Close(); err != nil {
			s.logger.Warn().Err(err).Str("namespace", name).Msg("failed to close adapter")
		}
	}
	return nil
}
