package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/genzplug/fanout/engineio"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type websocketTransport struct {
	conn      *websocket.Conn
	handshake *engineio.HandshakeData
	writeMu   sync.Mutex
}

func dialWebsocket(ctx context.Context, dialer *websocket.Dialer, endpoint string, header http.Header) (*websocketTransport, error) {
	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	packet, err := engineio.DecodePacket(data)
	if err != nil {
		conn.Close()
		return nil, err
	}
	hs, err := engineio.DecodeHandshake(packet)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &websocketTransport{conn: conn, handshake: hs}, nil
}

func (t *websocketTransport) Name() string {
	return engineio.TransportWebsocket
}

func (t *websocketTransport) Handshake() *engineio.HandshakeData {
	return t.handshake
}

func (t *websocketTransport) Read() (*engineio.Packet, error) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		packet, err := engineio.DecodePacket(data)
		if err != nil {
			continue
		}
		return packet, nil
	}
}

func (t *websocketTransport) Write(packets ...*engineio.Packet) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	for _, p := range packets {
		_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := t.conn.WriteMessage(websocket.TextMessage, p.Encode()); err != nil {
			return err
		}
	}
	return nil
}

func (t *websocketTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}
