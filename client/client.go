// Package client connects to a fanout server, keeps the connection alive
// with backoff reconnection and replays room subscriptions after every
// reconnect.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/genzplug/fanout"
	"github.com/genzplug/fanout/engineio"
	"github.com/genzplug/fanout/registry"
	"github.com/rs/zerolog"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrConnectError = errors.New("server refused connection")
	ErrNoURL        = errors.New("client needs a server url")
)

const defaultHandshakeTimeout = 10 * time.Second

type (
	// Handler receives the arguments of an inbound event.
	Handler func(args []interface{})

	Config struct {
		URL    string
		Dialer Dialer
		// MaxAttempts stops automatic retries after that many consecutive
		// failed connection attempts; 0 retries forever.
		MaxAttempts      int
		MinDelay         time.Duration
		MaxDelay         time.Duration
		Jitter           float64
		HandshakeTimeout time.Duration
		// FeedLimit caps the local copy of the social feed; 0 means
		// registry.DefaultFeedLimit.
		FeedLimit int
		Logger    *zerolog.Logger
	}

	// Controller owns the connection to one server.
	Controller struct {
		url              string
		dialer           Dialer
		maxAttempts      int
		maxDelay         time.Duration
		handshakeTimeout time.Duration
		logger           zerolog.Logger

		mu         sync.Mutex
		status     Status
		gen        uint64
		transport  Transport
		attempts   int
		backoff    *backoff.ExponentialBackOff
		retryTimer *time.Timer
		stopped    bool
		subs       []subscription

		handlersMu     sync.RWMutex
		handlers       map[string][]Handler
		statusHandlers []func(Status)

		events dispatcher
		view   *view
	}

	subscription struct {
		key   string
		event string
		args  []interface{}
	}
)

func New(cfg *Config) (*Controller, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = NewDefaultDialer()
	}

	minDelay, maxDelay := cfg.MinDelay, cfg.MaxDelay
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minDelay
	b.MaxInterval = maxDelay
	b.RandomizationFactor = cfg.Jitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	feedLimit := cfg.FeedLimit
	if feedLimit <= 0 {
		feedLimit = registry.DefaultFeedLimit
	}

	c := &Controller{
		url:              cfg.URL,
		dialer:           dialer,
		maxAttempts:      cfg.MaxAttempts,
		maxDelay:         maxDelay,
		handshakeTimeout: handshakeTimeout,
		logger:           logger.With().Str("component", "client").Str("url", cfg.URL).Logger(),
		backoff:          b,
		handlers:         make(map[string][]Handler),
		view:             &view{feedLimit: feedLimit},
	}
	c.view.bind(c)
	return c, nil
}

// Status returns the current connection state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempts returns the number of consecutive failed connection attempts.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// OnStatus registers a handler for state changes. Status and event handlers
// run one at a time, in order, off the network goroutines.
func (c *Controller) OnStatus(fn func(Status)) {
	c.handlersMu.Lock()
	c.statusHandlers = append(c.statusHandlers, fn)
	c.handlersMu.Unlock()
}

// On registers a handler for an inbound event.
func (c *Controller) On(event string, fn Handler) {
	c.handlersMu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.handlersMu.Unlock()
}

// Connect starts connecting unless a connection is open or in progress.
func (c *Controller) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusConnecting || c.status == StatusConnected {
		return
	}
	c.stopped = false
	c.startAttemptLocked()
}

// Close disconnects and disables automatic reconnection until the next
// Connect or Reconnect.
func (c *Controller) Close() {
	c.mu.Lock()
	c.stopped = true
	t := c.teardownLocked()
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	closeTransport(t, true)
}

// Reconnect drops any current session and connects again immediately,
// with the failure counter and backoff reset.
func (c *Controller) Reconnect() {
	c.mu.Lock()
	t := c.teardownLocked()
	if t != nil {
		c.setStatusLocked(StatusDisconnected)
	}
	c.stopped = false
	c.attempts = 0
	c.backoff.Reset()
	c.startAttemptLocked()
	c.mu.Unlock()

	closeTransport(t, true)
}

// Emit sends an event to the server.
func (c *Controller) Emit(event string, args ...interface{}) error {
	c.mu.Lock()
	t, status := c.transport, c.status
	c.mu.Unlock()

	if t == nil || status != StatusConnected {
		return ErrNotConnected
	}
	return writeEvent(t, event, args...)
}

func (c *Controller) teardownLocked() Transport {
	c.gen++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	t := c.transport
	c.transport = nil
	return t
}

func (c *Controller) startAttemptLocked() {
	c.gen++
	gen := c.gen
	c.setStatusLocked(StatusConnecting)
	go c.attempt(gen)
}

func (c *Controller) attempt(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.handshakeTimeout)
	t, err := c.open(ctx)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		closeTransport(t, true)
		return
	}

	if err != nil {
		c.attempts++
		c.setStatusLocked(StatusError)
		log := c.logger.Warn().Err(err).Int("attempt", c.attempts)
		if c.maxAttempts > 0 && c.attempts >= c.maxAttempts {
			log.Msg("connection failed, giving up")
			c.mu.Unlock()
			return
		}
		delay := c.nextDelayLocked()
		log.Dur("retryIn", delay).Msg("connection failed")
		c.retryTimer = time.AfterFunc(delay, func() { c.retry(gen) })
		c.mu.Unlock()
		return
	}

	c.transport = t
	c.attempts = 0
	c.backoff.Reset()
	c.setStatusLocked(StatusConnected)
	subs := append([]subscription(nil), c.subs...)
	c.mu.Unlock()

	c.logger.Info().Str("transport", t.Name()).Str("sid", t.Handshake().SID).Msg("connected")

	for _, s := range subs {
		if err := writeEvent(t, s.event, s.args...); err != nil {
			c.logger.Warn().Err(err).Str("event", s.event).Msg("failed to replay subscription")
			break
		}
	}

	go c.readLoop(gen, t)
}

// open dials a transport and waits for the namespace CONNECT packet.
func (c *Controller) open(ctx context.Context) (Transport, error) {
	t, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		return nil, err
	}

	connect, _ := (&fanout.Packet{Type: fanout.PacketTypeConnect}).Encode()
	if err := t.Write(&engineio.Packet{Type: engineio.PacketTypeMessage, Data: []byte(connect)}); err != nil {
		closeTransport(t, false)
		return nil, err
	}

	result := make(chan error, 1)
	go func() {
		for {
			p, err := t.Read()
			if err != nil {
				result <- err
				return
			}
			switch p.Type {
			case engineio.PacketTypePing:
				_ = t.Write(&engineio.Packet{Type: engineio.PacketTypePong, Data: p.Data})
			case engineio.PacketTypeMessage:
				sp, err := fanout.DecodePacket(string(p.Data))
				if err != nil {
					continue
				}
				switch sp.Type {
				case fanout.PacketTypeConnect:
					result <- nil
					return
				case fanout.PacketTypeConnectError:
					result <- fmt.Errorf("%w: %v", ErrConnectError, sp.Data)
					return
				}
			case engineio.PacketTypeClose:
				result <- ErrTransportClosed
				return
			}
		}
	}()

	select {
	case err := <-result:
		if err != nil {
			closeTransport(t, false)
			return nil, err
		}
		return t, nil
	case <-ctx.Done():
		closeTransport(t, false)
		return nil, fmt.Errorf("handshake: %w", ctx.Err())
	}
}

func (c *Controller) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.stopped {
		return
	}
	c.startAttemptLocked()
}

// readLoop consumes packets until the transport fails. A server that stays
// silent for longer than pingInterval+pingTimeout is treated as gone.
func (c *Controller) readLoop(gen uint64, t Transport) {
	hs := t.Handshake()
	idle := hs.PingIntervalDuration() + hs.PingTimeoutDuration()
	if idle <= 0 {
		idle = defaultHandshakeTimeout
	}
	watchdog := time.AfterFunc(idle, func() {
		c.logger.Warn().Dur("idle", idle).Msg("server stopped responding")
		closeTransport(t, false)
	})
	defer watchdog.Stop()

	var err error
	for {
		var p *engineio.Packet
		p, err = t.Read()
		if err != nil {
			break
		}
		watchdog.Reset(idle)

		if p.Type == engineio.PacketTypeClose {
			err = ErrTransportClosed
			break
		}
		if p.Type == engineio.PacketTypePing {
			if werr := t.Write(&engineio.Packet{Type: engineio.PacketTypePong, Data: p.Data}); werr != nil {
				err = werr
				break
			}
			continue
		}
		if p.Type != engineio.PacketTypeMessage {
			continue
		}

		sp, derr := fanout.DecodePacket(string(p.Data))
		if derr != nil {
			c.logger.Debug().Err(derr).Msg("dropping undecodable packet")
			continue
		}
		if sp.Type == fanout.PacketTypeDisconnect {
			err = ErrTransportClosed
			break
		}
		if event, args, ok := sp.Event(); ok {
			c.deliver(event, args)
		}
	}

	c.transportClosed(gen, t, err)
}

func (c *Controller) transportClosed(gen uint64, t Transport, err error) {
	closeTransport(t, false)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	c.transport = nil
	c.setStatusLocked(StatusDisconnected)
	c.logger.Warn().Err(err).Msg("connection lost")

	if c.stopped {
		return
	}
	delay := c.nextDelayLocked()
	c.retryTimer = time.AfterFunc(delay, func() { c.retry(gen) })
}

func (c *Controller) nextDelayLocked() time.Duration {
	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop || delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func (c *Controller) setStatusLocked(status Status) {
	if c.status == status {
		return
	}
	c.status = status
	c.events.enqueue(func() {
		c.handlersMu.RLock()
		handlers := c.statusHandlers
		c.handlersMu.RUnlock()
		for _, fn := range handlers {
			fn(status)
		}
	})
}

func (c *Controller) deliver(event string, args []interface{}) {
	c.events.enqueue(func() {
		c.handlersMu.RLock()
		handlers := c.handlers[event]
		c.handlersMu.RUnlock()
		for _, fn := range handlers {
			fn(args)
		}
	})
}

func writeEvent(t Transport, event string, args ...interface{}) error {
	encoded, err := fanout.NewEventPacket(event, args...).Encode()
	if err != nil {
		return err
	}
	return t.Write(&engineio.Packet{Type: engineio.PacketTypeMessage, Data: []byte(encoded)})
}

// closeTransport closes t; graceful sends a Socket.IO DISCONNECT first.
func closeTransport(t Transport, graceful bool) {
	if t == nil {
		return
	}
	if graceful {
		disconnect, _ := (&fanout.Packet{Type: fanout.PacketTypeDisconnect}).Encode()
		_ = t.Write(&engineio.Packet{Type: engineio.PacketTypeMessage, Data: []byte(disconnect)})
	}
	_ = t.Close()
}
