package engineio

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
)

type websocketTransport struct {
	session *Session
	conn    *websocket.Conn
}

func newWebsocketTransport(session *Session, conn *websocket.Conn) *websocketTransport {
	return &websocketTransport{session: session, conn: conn}
}

func (t *websocketTransport) Name() string {
	return TransportWebsocket
}

func (t *websocketTransport) start() {
	go t.writeLoop()
	go t.readLoop()
}

// close may run concurrently with the write loop; WriteControl and Close are
// the only connection methods gorilla allows for that.
func (t *websocketTransport) close(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = t.conn.Close()
}

func (t *websocketTransport) readLoop() {
	defer t.session.Close("transport close")

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.session.server.logger.Debug().Err(err).Str("sid", t.session.id).Msg("websocket read error")
			}
			return
		}

		t.session.updateActivity()

		packet, err := DecodePacket(data)
		if err != nil {
			continue
		}

		if !t.session.handlePacket(packet) {
			return
		}
	}
}

func (t *websocketTransport) writeLoop() {
	for {
		select {
		case packet := <-t.session.outgoing:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, packet.Encode()); err != nil {
				t.session.Close("transport error")
				return
			}
		case <-t.session.closed:
			return
		}
	}
}

// pollingTransport serves one long-poll GET at a time and accepts POSTed
// payloads.
type pollingTransport struct {
	session *Session
	pollMu  sync.Mutex
	postMu  sync.Mutex
}

func newPollingTransport(session *Session) *pollingTransport {
	return &pollingTransport{session: session}
}

func (t *pollingTransport) Name() string {
	return TransportPolling
}

func (t *pollingTransport) start() {}

func (t *pollingTransport) close(reason string) {}

func (t *pollingTransport) poll(w http.ResponseWriter, r *http.Request) {
	if !t.pollMu.TryLock() {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "Overlapping poll")
		t.session.Close("overlapping poll")
		return
	}
	defer t.pollMu.Unlock()

	cfg := t.session.server.config
	timeout := time.NewTimer(cfg.PingInterval + cfg.PingTimeout)
	defer timeout.Stop()

	var packets []*Packet
	closed := false
	select {
	case p := <-t.session.outgoing:
		packets = append(packets, p)
	case <-t.session.closed:
		closed = true
	case <-timeout.C:
		packets = append(packets, &Packet{Type: PacketTypeNoop})
	case <-r.Context().Done():
		return
	}

drain:
	for {
		select {
		case p := <-t.session.outgoing:
			packets = append(packets, p)
		default:
			break drain
		}
	}
	if closed {
		packets = append(packets, &Packet{Type: PacketTypeClose})
	}

	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	if _, err := w.Write(EncodePayload(packets)); err != nil {
		t.session.server.logger.Debug().Err(err).Str("sid", t.session.id).Msg("poll write failed")
	}
}

func (t *pollingTransport) receive(w http.ResponseWriter, r *http.Request) {
	t.postMu.Lock()
	defer t.postMu.Unlock()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(t.session.server.config.MaxPayload)))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, errCodeBadRequest, "Payload too large")
		return
	}
	packets, err := DecodePayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "Bad request")
		return
	}

	for _, packet := range packets {
		t.session.updateActivity()
		if !t.session.handlePacket(packet) {
			break
		}
	}

	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte("ok"))
}
