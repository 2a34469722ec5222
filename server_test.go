package fanout

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawClient struct {
	t    *testing.T
	conn *websocket.Conn
	sid  string
}

func startTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	return srv, ts
}

func dialRaw(t *testing.T, ts *httptest.Server) *rawClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + DefaultPath + "?EIO=4&transport=websocket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &rawClient{t: t, conn: conn}
	open := c.read()
	require.True(t, strings.HasPrefix(open, "0{"), open)

	connect := c.read()
	require.True(t, strings.HasPrefix(connect, "40{"), connect)
	var body struct {
		SID string `json:"sid"`
	}
	require.NoError(t, json.Unmarshal([]byte(connect[2:]), &body))
	require.NotEmpty(t, body.SID)
	c.sid = body.SID
	return c
}

func (c *rawClient) read() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	return string(data)
}

func (c *rawClient) write(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func TestServer_EventsArriveInOrder(t *testing.T) {
	srv, ts := startTestServer(t)

	events := make(chan []interface{}, 10)
	srv.OnConnect(func(s *Socket) {
		s.OnAny(func(event string, args []interface{}) {
			events <- append([]interface{}{event}, args...)
		})
	})

	c := dialRaw(t, ts)
	c.write(`42["hello",1]`)
	c.write(`42["hello",2]`)
	c.write(`42["bye"]`)

	for _, want := range [][]interface{}{{"hello", float64(1)}, {"hello", float64(2)}, {"bye"}} {
		select {
		case got := <-events:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestServer_BroadcastToRooms(t *testing.T) {
	srv, ts := startTestServer(t)

	joined := make(chan string, 4)
	srv.OnConnect(func(s *Socket) {
		s.OnAny(func(event string, args []interface{}) {
			if event == "join" {
				s.Join(args[0].(string))
				joined <- s.ID()
			}
		})
	})

	c1 := dialRaw(t, ts)
	c2 := dialRaw(t, ts)
	c3 := dialRaw(t, ts)
	c1.write(`42["join","chat-general"]`)
	c2.write(`42["join","chat-general"]`)
	<-joined
	<-joined
	assert.Equal(t, 2, srv.Of("/").RoomSize("chat-general"))
	assert.Equal(t, 3, srv.ConnectionCount())

	require.NoError(t, srv.BroadcastTo("chat-general", "new-message", "hi"))
	assert.Equal(t, `42["new-message","hi"]`, c1.read())
	assert.Equal(t, `42["new-message","hi"]`, c2.read())

	require.NoError(t, srv.BroadcastExcept("chat-general", c1.sid, "game-event", "only-c2"))
	assert.Equal(t, `42["game-event","only-c2"]`, c2.read())

	// every socket is reachable through the room named after its id
	require.NoError(t, srv.BroadcastTo(c3.sid, "direct", 1))
	assert.Equal(t, `42["direct",1]`, c3.read())

	require.NoError(t, srv.BroadcastTo(c1.sid, "direct", 2))
	assert.Equal(t, `42["direct",2]`, c1.read())
}

func TestServer_DisconnectLeavesRoomsFirst(t *testing.T) {
	srv, ts := startTestServer(t)

	type snapshot struct {
		reason string
		rooms  []string
	}
	disconnected := make(chan snapshot, 1)
	srv.OnConnect(func(s *Socket) {
		s.Join("game-g1")
		s.OnDisconnect(func(reason string) {
			disconnected <- snapshot{reason: reason, rooms: s.Rooms()}
		})
	})

	c := dialRaw(t, ts)
	c.write("41")

	select {
	case got := <-disconnected:
		assert.Equal(t, "server disconnect", got.reason)
		assert.Empty(t, got.rooms)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler did not run")
	}
	assert.Eventually(t, func() bool { return srv.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, srv.Of("/").RoomSize("game-g1"))
}

func TestServer_Health(t *testing.T) {
	srv, _ := startTestServer(t)

	rec := httptest.NewRecorder()
	srv.Health("socket-server")(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, "socket-server", report.Service)
	assert.Equal(t, 0, report.Connections)
	assert.GreaterOrEqual(t, report.Uptime, 0.0)
	assert.WithinDuration(t, time.Now(), report.Timestamp, 5*time.Second)
}

func TestServer_OutsidePathIsNotFound(t *testing.T) {
	_, ts := startTestServer(t)

	resp, err := http.Get(ts.URL + "/elsewhere?EIO=4&transport=polling")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
