package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/genzplug/fanout/engineio"
	"github.com/gorilla/websocket"
)

var ErrUnknownTransport = errors.New("unknown transport")

// Transport is one open Engine.IO session seen from the client.
type Transport interface {
	Name() string
	Handshake() *engineio.HandshakeData
	// Read blocks until the next packet arrives or the transport fails.
	Read() (*engineio.Packet, error)
	Write(packets ...*engineio.Packet) error
	Close() error
}

// Dialer opens transports to a server base URL such as http://host:3001.
type Dialer interface {
	Dial(ctx context.Context, baseURL string) (Transport, error)
}

// DefaultDialer tries each transport in order and returns the first one that
// completes the Engine.IO handshake.
type DefaultDialer struct {
	Transports []string
	HTTPClient *http.Client
	WSDialer   *websocket.Dialer
	Header     http.Header
}

// NewDefaultDialer prefers websocket and falls back to long-polling.
func NewDefaultDialer() *DefaultDialer {
	return &DefaultDialer{
		Transports: []string{engineio.TransportWebsocket, engineio.TransportPolling},
		HTTPClient: &http.Client{},
		WSDialer:   websocket.DefaultDialer,
	}
}

func (d *DefaultDialer) Dial(ctx context.Context, baseURL string) (Transport, error) {
	transports := d.Transports
	if len(transports) == 0 {
		transports = []string{engineio.TransportWebsocket, engineio.TransportPolling}
	}

	var errs []error
	for _, name := range transports {
		var (
			t   Transport
			err error
		)
		switch name {
		case engineio.TransportWebsocket:
			t, err = d.dialWebsocket(ctx, baseURL)
		case engineio.TransportPolling:
			t, err = d.dialPolling(ctx, baseURL)
		default:
			err = fmt.Errorf("%w: %s", ErrUnknownTransport, name)
		}
		if err == nil {
			return t, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func (d *DefaultDialer) dialWebsocket(ctx context.Context, baseURL string) (Transport, error) {
	endpoint, err := endpointURL(baseURL, engineio.TransportWebsocket, "")
	if err != nil {
		return nil, err
	}
	switch endpoint.Scheme {
	case "http":
		endpoint.Scheme = "ws"
	case "https":
		endpoint.Scheme = "wss"
	}
	dialer := d.WSDialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return dialWebsocket(ctx, dialer, endpoint.String(), d.Header)
}

func (d *DefaultDialer) dialPolling(ctx context.Context, baseURL string) (Transport, error) {
	endpoint, err := endpointURL(baseURL, engineio.TransportPolling, "")
	if err != nil {
		return nil, err
	}
	httpClient := d.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return dialPolling(ctx, httpClient, endpoint, d.Header)
}

// endpointURL points baseURL at the Socket.IO path with Engine.IO v4 query
// parameters.
func endpointURL(baseURL, transport, sid string) (*url.URL, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket.io/"
	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", transport)
	if sid != "" {
		q.Set("sid", sid)
	}
	u.RawQuery = q.Encode()
	return u, nil
}
