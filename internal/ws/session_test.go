package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-delivery/internal/config"
	"chat-delivery/internal/middleware"
	"chat-delivery/internal/models"
	"chat-delivery/internal/presence"
)

type recordingDirectory struct {
	presence.NoopDirectory

	mu        sync.Mutex
	announced []string
	withdrawn []string
}

func (d *recordingDirectory) Announce(_ context.Context, userID, connID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.announced = append(d.announced, userID+"/"+connID)
	return nil
}

func (d *recordingDirectory) Withdraw(_ context.Context, userID, connID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.withdrawn = append(d.withdrawn, userID+"/"+connID)
	return nil
}

func (d *recordingDirectory) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.announced), len(d.withdrawn)
}

type testServer struct {
	srv       *httptest.Server
	handler   *Handler
	registry  *presence.Registry
	directory *recordingDirectory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, Settings{SendBuffer: 8})
}

func newTestServerWith(t *testing.T, settings Settings) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := presence.NewRegistry()
	directory := &recordingDirectory{}
	handler := NewHandler(registry, directory, settings)

	r := gin.New()
	r.GET("/ws", handler.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = handler.Shutdown(ctx)
	})

	return &testServer{srv: srv, handler: handler, registry: registry, directory: directory}
}

func (ts *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?user_id=" + userID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (ts *testServer) waitForConn(t *testing.T, userID, notID string) presence.Conn {
	t.Helper()
	var found presence.Conn
	require.Eventually(t, func() bool {
		conn, ok := ts.registry.Lookup(userID)
		if !ok || conn.ID() == notID {
			return false
		}
		found = conn
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var event models.Event
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func writeEvent(t *testing.T, conn *websocket.Conn, name string, data any) {
	t.Helper()
	payload, err := models.NewEvent(name, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func TestPushReachesClient(t *testing.T) {
	ts := newTestServer(t)
	client := ts.dial(t, "bob")
	session := ts.waitForConn(t, "bob", "")

	msg := models.Message{ID: "01HX", Seq: 1, From: "alice", To: "bob", Body: "hi"}
	require.NoError(t, session.Push(context.Background(), msg))

	event := readEvent(t, client)
	assert.Equal(t, models.EventMessageReceived, event.Event)

	var received models.MessageReceived
	require.NoError(t, json.Unmarshal(event.Data, &received))
	assert.Equal(t, "01HX", received.Message.ID)
	assert.Equal(t, "hi", received.Message.Body)
	assert.Equal(t, "alice", received.Message.From)
}

func TestSecondConnectionSupersedesFirst(t *testing.T) {
	ts := newTestServer(t)
	first := ts.dial(t, "alice")
	s1 := ts.waitForConn(t, "alice", "")

	second := ts.dial(t, "alice")
	s2 := ts.waitForConn(t, "alice", s1.ID())

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseSuperseded, closeErr.Code)
	assert.Equal(t, "superseded by a newer connection", closeErr.Text)

	assert.Never(t, func() bool {
		conn, ok := ts.registry.Lookup("alice")
		return !ok || conn.ID() != s2.ID()
	}, 150*time.Millisecond, 10*time.Millisecond)

	announced, withdrawn := ts.directory.counts()
	assert.Equal(t, 2, announced)
	assert.Equal(t, 0, withdrawn)

	assert.ErrorIs(t, s1.Push(context.Background(), models.Message{ID: "x"}), models.ErrConnClosed)

	writeEvent(t, second, models.EventPing, nil)
	assert.Equal(t, models.EventPong, readEvent(t, second).Event)
}

func TestClientCloseUnregisters(t *testing.T) {
	ts := newTestServer(t)
	client := ts.dial(t, "alice")
	session := ts.waitForConn(t, "alice", "")

	require.NoError(t, client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	require.Eventually(t, func() bool { return ts.registry.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, withdrawn := ts.directory.counts()
		return withdrawn == 1
	}, 2*time.Second, 5*time.Millisecond)

	ts.directory.mu.Lock()
	defer ts.directory.mu.Unlock()
	assert.Equal(t, []string{"alice/" + session.ID()}, ts.directory.withdrawn)
}

func TestPingPong(t *testing.T) {
	ts := newTestServer(t)
	client := ts.dial(t, "alice")

	writeEvent(t, client, models.EventPing, nil)
	event := readEvent(t, client)
	assert.Equal(t, models.EventPong, event.Event)
	assert.Empty(t, event.Data)
}

func TestMessageSentHint(t *testing.T) {
	ts := newTestServer(t)
	client := ts.dial(t, "alice")

	// A valid hint gets no reply, so the next frame is the pong.
	writeEvent(t, client, models.EventMessageSent, models.MessageSentHint{From: "alice", To: "bob", Message: "hi"})
	writeEvent(t, client, models.EventPing, nil)
	assert.Equal(t, models.EventPong, readEvent(t, client).Event)

	writeEvent(t, client, models.EventMessageSent, models.MessageSentHint{From: "mallory", To: "bob", Message: "hi"})
	assert.Equal(t, models.EventError, readEvent(t, client).Event)

	writeEvent(t, client, models.EventMessageSent, models.MessageSentHint{To: "bob", Message: "   "})
	assert.Equal(t, models.EventError, readEvent(t, client).Event)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("not json")))
	event := readEvent(t, client)
	assert.Equal(t, models.EventError, event.Event)

	writeEvent(t, client, "dance", nil)
	assert.Equal(t, models.EventError, readEvent(t, client).Event)
}

func TestLargestValidHintKeepsConnection(t *testing.T) {
	ts := newTestServerWith(t, SettingsFromConfig(config.WebSocketConfig{MaxMessageSize: 16384, SendBuffer: 8}, models.DefaultMaxBodyLength))
	client := ts.dial(t, "alice")
	ts.waitForConn(t, "alice", "")

	bodies := []string{
		strings.Repeat("😀", models.DefaultMaxBodyLength),
		strings.Repeat("\x01", models.DefaultMaxBodyLength),
		strings.Repeat("<", models.DefaultMaxBodyLength),
	}
	for _, body := range bodies {
		require.NoError(t, models.ValidateBody(body, models.DefaultMaxBodyLength))
		writeEvent(t, client, models.EventMessageSent, models.MessageSentHint{From: "alice", To: "bob", Message: body})
		writeEvent(t, client, models.EventPing, nil)
		assert.Equal(t, models.EventPong, readEvent(t, client).Event)
	}
	assert.True(t, ts.registry.Online("alice"))
}

func TestShutdownClosesSessions(t *testing.T) {
	ts := newTestServer(t)
	client := ts.dial(t, "alice")
	ts.waitForConn(t, "alice", "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ts.handler.Shutdown(ctx))
	assert.Equal(t, 0, ts.registry.Count())

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}

func TestHandshakeRefusedAfterShutdown(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ts.handler.Shutdown(ctx))

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?user_id=alice"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, ts.registry.Count())
}

func TestAdmitAfterShutdown(t *testing.T) {
	registry := presence.NewRegistry()
	handler := NewHandler(registry, presence.NoopDirectory{}, Settings{})

	before := newSession(nil, ConnInfo{ConnID: "c1", UserID: "alice"}, Settings{}, zerolog.Nop(), nil)
	require.True(t, handler.admit(before))
	handler.wg.Done()
	assert.True(t, registry.Online("alice"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, handler.Shutdown(ctx))

	after := newSession(nil, ConnInfo{ConnID: "c2", UserID: "bob"}, Settings{}, zerolog.Nop(), nil)
	assert.False(t, handler.admit(after))
	assert.False(t, registry.Online("bob"))
	require.NoError(t, handler.Shutdown(ctx))
}

func TestHandleRejectsBadIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(presence.NewRegistry(), nil, Settings{})

	r := gin.New()
	r.GET("/ws", handler.Handle)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	authed := gin.New()
	authed.GET("/ws", func(c *gin.Context) { c.Set(middleware.ContextKeyUserID, "alice") }, handler.Handle)
	w = httptest.NewRecorder()
	authed.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?user_id=bob", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSessionPushBackpressure(t *testing.T) {
	s := newSession(nil, ConnInfo{ConnID: "c1", UserID: "bob"}, Settings{SendBuffer: 1}, zerolog.Nop(), nil)
	assert.Equal(t, StateConnecting, s.State())

	require.NoError(t, s.Push(context.Background(), models.Message{ID: "1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Push(ctx, models.Message{ID: "2"}), models.ErrDeliveryTimeout)

	s.Close(models.ErrPresenceConflict)
	s.Close(ErrServerShutdown)
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.closeReason(), models.ErrPresenceConflict)
	assert.ErrorIs(t, s.Push(context.Background(), models.Message{ID: "3"}), models.ErrConnClosed)
}

func TestSessionPushWithDoneContextUsesFreeBuffer(t *testing.T) {
	const n = 1000
	s := newSession(nil, ConnInfo{ConnID: "c1", UserID: "bob"}, Settings{SendBuffer: n}, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < n; i++ {
		require.NoError(t, s.Push(ctx, models.Message{ID: "m"}), "push %d", i)
	}
	assert.ErrorIs(t, s.Push(ctx, models.Message{ID: "full"}), models.ErrDeliveryTimeout)
}

func TestSessionClosingWakesPendingPush(t *testing.T) {
	s := newSession(nil, ConnInfo{ConnID: "c1", UserID: "bob"}, Settings{SendBuffer: 1}, zerolog.Nop(), nil)
	require.NoError(t, s.Push(context.Background(), models.Message{ID: "1"}))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Push(context.Background(), models.Message{ID: "2"}) }()

	time.Sleep(10 * time.Millisecond)
	s.Close(ErrServerShutdown)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, models.ErrConnClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("push did not return after close")
	}
}

func TestCloseFrame(t *testing.T) {
	code, text := closeFrame(models.ErrPresenceConflict)
	assert.Equal(t, CloseSuperseded, code)
	assert.Equal(t, "superseded by a newer connection", text)

	code, _ = closeFrame(ErrServerShutdown)
	assert.Equal(t, websocket.CloseGoingAway, code)

	code, _ = closeFrame(nil)
	assert.Equal(t, websocket.CloseNormalClosure, code)
}

func TestSettingsDefaults(t *testing.T) {
	s := Settings{PongWait: time.Second, PingInterval: 2 * time.Second}.withDefaults()
	assert.Equal(t, 900*time.Millisecond, s.PingInterval)
	assert.Equal(t, 64, s.SendBuffer)
	assert.Equal(t, models.DefaultMaxBodyLength, s.MaxBodyLength)
	assert.GreaterOrEqual(t, s.MaxMessageSize, minReadLimit(s.MaxBodyLength))

	fromConfig := SettingsFromConfig(config.WebSocketConfig{MaxMessageSize: 16384}, 4096)
	assert.GreaterOrEqual(t, fromConfig.MaxMessageSize, minReadLimit(4096))

	roomy := Settings{MaxMessageSize: 1 << 20, MaxBodyLength: 10}.withDefaults()
	assert.Equal(t, int64(1<<20), roomy.MaxMessageSize)
}

func TestConnInfoFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Device-Id", "phone")

	info := connInfoFromRequest(req, "alice", "req-1", "")
	assert.NotEmpty(t, info.ConnID)
	assert.Equal(t, "alice", info.UserID)
	assert.Equal(t, "phone", info.DeviceID)
	assert.Equal(t, "10.0.0.1", info.IP)
	assert.Equal(t, "req-1", info.RequestID)

	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	assert.Equal(t, "1.2.3.4", clientIP(req))
}
