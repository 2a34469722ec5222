package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/genzplug/fanout/engineio"
)

var ErrTransportClosed = errors.New("transport closed")

const pollInbox = 64

type pollingTransport struct {
	client    *http.Client
	endpoint  *url.URL
	header    http.Header
	handshake *engineio.HandshakeData

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan *engineio.Packet

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error

	writeMu sync.Mutex
}

func dialPolling(ctx context.Context, client *http.Client, endpoint *url.URL, header http.Header) (*pollingTransport, error) {
	packets, err := pollOnce(ctx, client, endpoint, header)
	if err != nil {
		return nil, err
	}
	hs, err := engineio.DecodeHandshake(packets[0])
	if err != nil {
		return nil, err
	}

	sessionURL := *endpoint
	q := sessionURL.Query()
	q.Set("sid", hs.SID)
	sessionURL.RawQuery = q.Encode()

	pollCtx, cancel := context.WithCancel(context.Background())
	t := &pollingTransport{
		client:    client,
		endpoint:  &sessionURL,
		header:    header,
		handshake: hs,
		ctx:       pollCtx,
		cancel:    cancel,
		inbox:     make(chan *engineio.Packet, pollInbox),
		done:      make(chan struct{}),
	}
	for _, p := range packets[1:] {
		t.inbox <- p
	}
	go t.pollLoop()
	return t, nil
}

func pollOnce(ctx context.Context, client *http.Client, endpoint *url.URL, header http.Header) ([]*engineio.Packet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, header)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll failed: %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return engineio.DecodePayload(body)
}

func (t *pollingTransport) pollLoop() {
	for {
		packets, err := pollOnce(t.ctx, t.client, t.endpoint, t.header)
		if err != nil {
			t.fail(err)
			return
		}
		for _, p := range packets {
			if p.Type == engineio.PacketTypeClose {
				t.fail(io.EOF)
				return
			}
			select {
			case t.inbox <- p:
			case <-t.done:
				return
			}
		}
	}
}

func (t *pollingTransport) Name() string {
	return engineio.TransportPolling
}

func (t *pollingTransport) Handshake() *engineio.HandshakeData {
	return t.handshake
}

// Read returns queued packets before reporting a failure.
func (t *pollingTransport) Read() (*engineio.Packet, error) {
	select {
	case p := <-t.inbox:
		return p, nil
	default:
	}
	select {
	case p := <-t.inbox:
		return p, nil
	case <-t.done:
		t.errMu.Lock()
		defer t.errMu.Unlock()
		return nil, t.err
	}
}

func (t *pollingTransport) Write(packets ...*engineio.Packet) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost, t.endpoint.String(),
		bytes.NewReader(engineio.EncodePayload(packets)))
	if err != nil {
		return err
	}
	copyHeader(req.Header, t.header)
	req.Header.Set("Content-Type", "text/plain; charset=UTF-8")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post failed: %s", resp.Status)
	}
	return nil
}

// Close tells the server the session is over and stops polling.
func (t *pollingTransport) Close() error {
	select {
	case <-t.done:
		return nil
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.String(),
		bytes.NewReader((&engineio.Packet{Type: engineio.PacketTypeClose}).Encode()))
	if err == nil {
		copyHeader(req.Header, t.header)
		if resp, err := t.client.Do(req); err == nil {
			resp.Body.Close()
		}
	}

	t.fail(ErrTransportClosed)
	return nil
}

func (t *pollingTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.errMu.Lock()
		t.err = err
		t.errMu.Unlock()
		close(t.done)
		t.cancel()
	})
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
