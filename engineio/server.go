package engineio

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSlowClient    = errors.New("slow client")
)

const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"
)

// Engine.IO error codes returned to polling and handshake requests.
const (
	errCodeTransportUnknown = 0
	errCodeUnknownSID       = 1
	errCodeBadRequest       = 3
	errCodeForbidden        = 4
)

// Config holds Engine.IO server configuration
type Config struct {
	PingInterval   time.Duration
	PingTimeout    time.Duration
	MaxPayload     int // bytes
	AllowedOrigins []string
	Logger         *zerolog.Logger
}

// DefaultConfig returns default Engine.IO configuration
func DefaultConfig() *Config {
	return &Config{
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		MaxPayload:   1e6,
	}
}

// Server represents an Engine.IO server
type Server struct {
	config    *Config
	origins   *originPolicy
	upgrader  websocket.Upgrader
	sessions  sync.Map
	onConnect func(*Session)
	logger    zerolog.Logger
}

// NewServer creates a new Engine.IO server
func NewServer(config *Config) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = defaults.PingTimeout
	}
	if config.MaxPayload <= 0 {
		config.MaxPayload = defaults.MaxPayload
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	s := &Server{
		config:  config,
		origins: newOriginPolicy(config.AllowedOrigins),
		logger:  logger.With().Str("component", "engineio").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.origins.check,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

// ServeHTTP handles the websocket and long-polling transports
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.origins.check(r) {
		s.logger.Warn().Str("origin", r.Header.Get("Origin")).Msg("origin rejected")
		writeError(w, http.StatusForbidden, errCodeForbidden, "Forbidden")
		return
	}

	query := r.URL.Query()
	sid := query.Get("sid")

	switch query.Get("transport") {
	case TransportWebsocket:
		if sid != "" {
			// polling sessions are never upgraded
			writeError(w, http.StatusBadRequest, errCodeBadRequest, "Bad request")
			return
		}
		s.serveWebsocket(w, r)
	case TransportPolling:
		s.origins.writeCORS(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if sid == "" {
			s.openPolling(w, r)
			return
		}
		session, ok := s.GetSession(sid)
		if !ok || session.transport.Name() != TransportPolling {
			writeError(w, http.StatusBadRequest, errCodeUnknownSID, "Session ID unknown")
			return
		}
		switch r.Method {
		case http.MethodGet:
			session.transport.(*pollingTransport).poll(w, r)
		case http.MethodPost:
			session.transport.(*pollingTransport).receive(w, r)
		default:
			writeError(w, http.StatusBadRequest, errCodeBadRequest, "Bad request")
		}
	default:
		writeError(w, http.StatusBadRequest, errCodeTransportUnknown, "Transport unknown")
	}
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(int64(s.config.MaxPayload))

	session := newSession(uuid.NewString(), s)
	session.transport = newWebsocketTransport(session, conn)

	handshake, err := EncodeHandshake(session.id, s.config)
	if err != nil {
		conn.Close()
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, handshake.Encode()); err != nil {
		conn.Close()
		return
	}

	s.register(session)
}

func (s *Server) openPolling(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "Bad handshake method")
		return
	}

	session := newSession(uuid.NewString(), s)
	session.transport = newPollingTransport(session)

	handshake, err := EncodeHandshake(session.id, s.config)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errCodeBadRequest, "Handshake failed")
		return
	}
	// registered before the response is written so the first poll finds it
	s.register(session)

	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	if _, err := w.Write(EncodePayload([]*Packet{handshake})); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write polling handshake")
		session.Close("handshake write error")
	}
}

// register hands the session to the connect handler before its loops start
// so that no inbound message can arrive ahead of the message handler.
func (s *Server) register(session *Session) {
	s.sessions.Store(session.id, session)
	session.OnClose(func(reason string) {
		s.sessions.Delete(session.id)
		s.logger.Debug().Str("sid", session.id).Str("reason", reason).Msg("session closed")
	})

	if s.onConnect != nil {
		s.onConnect(session)
	}

	session.Start()
	s.logger.Debug().
		Str("sid", session.id).
		Str("transport", session.transport.Name()).
		Msg("session opened")
}

// OnConnect sets the connection handler
func (s *Server) OnConnect(fn func(*Session)) {
	s.onConnect = fn
}

// GetSession retrieves a session by ID
func (s *Server) GetSession(sid string) (*Session, bool) {
	val, ok := s.sessions.Load(sid)
	if !ok {
		return nil, false
	}
	return val.(*Session), true
}

// Close closes all sessions
func (s *Server) Close() {
	s.sessions.Range(func(key, value interface{}) bool {
		session := value.(*Session)
		session.Close("server shutdown")
		return true
	})
}

func writeError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    code,
		"message": message,
	})
}
