package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gawd-ai/sctl/internal/frame"
	"github.com/gawd-ai/sctl/internal/tunnel"
)

func dialTestRelay(t *testing.T, r *Relay) (*httptest.Server, *websocket.Conn) {
	srv := httptest.NewServer(http.HandlerFunc(r.ServeHTTP))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return srv, conn
}

func registerDevice(t *testing.T, conn *websocket.Conn, name string) {
	reg := tunnel.Register{Type: tunnel.FrameRegister, Device: name, APIKey: "secret"}
	buf, err := json.Marshal(reg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, buf))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ack tunnel.Registered
	require.NoError(t, json.Unmarshal(data, &ack))
	assert.Equal(t, tunnel.FrameRegistered, ack.Type)
}

func waitRegistered(t *testing.T, r *Relay, name string) {
	require.Eventually(t, func() bool {
		_, ok := r.Registry().Lookup(name)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestProxyRequestOfflineDevice(t *testing.T) {
	r := NewRelay(nil, nil)
	_, err := r.ProxyRequest(context.Background(), "nope", "GET", "/api/health", nil, nil, false)
	require.Error(t, err)
	terr, ok := err.(*tunnel.Error)
	require.True(t, ok)
	assert.Equal(t, "DEVICE_OFFLINE", terr.Code)
	assert.Equal(t, http.StatusBadGateway, terr.HTTPStatus())
}

func TestProxyRequestRoundTrip(t *testing.T) {
	r := NewRelay(func(device, key string) bool { return key == "secret" }, nil)
	_, conn := dialTestRelay(t, r)
	registerDevice(t, conn, "dev1")

	// Drive the fake device side: read one req frame, answer it.
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req tunnel.Req
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		res := tunnel.Res{
			Type:      tunnel.FrameRes,
			RequestID: req.RequestID,
			Status:    200,
			BodyJSON:  []byte(`{"ok":true}`),
		}
		buf, _ := json.Marshal(res)
		conn.WriteMessage(websocket.TextMessage, buf)
	}()

	waitRegistered(t, r, "dev1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := r.ProxyRequest(ctx, "dev1", "GET", "/api/health", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestProxyRequestBinaryRoundTrip(t *testing.T) {
	r := NewRelay(func(device, key string) bool { return key == "secret" }, nil)
	_, conn := dialTestRelay(t, r)
	registerDevice(t, conn, "dev1")

	payload := []byte("raw-chunk-bytes")
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, _, err := frame.DecodeHeader[tunnel.Req](data)
		if err != nil {
			return
		}
		res := tunnel.Res{
			Type:      tunnel.FrameRes,
			RequestID: req.RequestID,
			Status:    200,
			Headers:   map[string]string{"X-Gx-Chunk-Index": "0"},
		}
		buf, _ := frame.Encode(res, payload)
		conn.WriteMessage(websocket.BinaryMessage, buf)
	}()

	waitRegistered(t, r, "dev1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := r.ProxyRequest(ctx, "dev1", "GET", "/api/stp/chunk/x/0", nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, payload, resp.Body)
	assert.Equal(t, "0", resp.Headers["X-Gx-Chunk-Index"])
}

func TestProxyRequestTimesOut(t *testing.T) {
	r := NewRelay(nil, nil)
	r.RequestTimeout = 20 * time.Millisecond
	_, conn := dialTestRelay(t, r)
	registerDevice(t, conn, "dev1")

	waitRegistered(t, r, "dev1")

	_, err := r.ProxyRequest(context.Background(), "dev1", "GET", "/api/health", nil, nil, false)
	require.Error(t, err)
	terr, ok := err.(*tunnel.Error)
	require.True(t, ok)
	assert.Equal(t, "TIMEOUT", terr.Code)
}

func TestBackpressureFailsFastOnFullQueue(t *testing.T) {
	// A hand-built session with no writer goroutine: the queue can never
	// drain, so the second enqueue observes backpressure deterministically.
	sess := &Session{
		Name:       "dev1",
		writeQueue: make(chan writeJob, 1),
		waiters:    make(map[uint64]chan tunnel.Response),
		closed:     make(chan struct{}),
	}
	sess.writeQueue <- writeJob{text: []byte("{}")}

	r := NewRelay(nil, nil)
	r.registry.Register("dev1", sess)

	_, err := r.ProxyRequest(context.Background(), "dev1", "GET", "/x", nil, nil, false)
	require.Error(t, err)
	terr, ok := err.(*tunnel.Error)
	require.True(t, ok)
	assert.Equal(t, "DEVICE_BACKPRESSURE", terr.Code)
}

func TestReRegistrationDisplacesAndNotifiesPriorSession(t *testing.T) {
	r := NewRelay(func(device, key string) bool { return key == "secret" }, nil)
	_, first := dialTestRelay(t, r)
	registerDevice(t, first, "dev1")
	waitRegistered(t, r, "dev1")
	firstSess, _ := r.Registry().Lookup("dev1")

	_, second := dialTestRelay(t, r)
	registerDevice(t, second, "dev1")

	// The displaced connection is told why it was cut.
	_, data, err := first.ReadMessage()
	require.NoError(t, err)
	var closed tunnel.Closed
	require.NoError(t, json.Unmarshal(data, &closed))
	assert.Equal(t, tunnel.FrameClosed, closed.Type)
	assert.Equal(t, "superseded", closed.Reason)

	require.Eventually(t, func() bool {
		cur, ok := r.Registry().Lookup("dev1")
		return ok && cur != firstSess
	}, time.Second, 5*time.Millisecond)
}

func TestSessionCloseFailsPendingWaiters(t *testing.T) {
	r := NewRelay(nil, nil)
	r.RequestTimeout = 5 * time.Second
	_, conn := dialTestRelay(t, r)
	registerDevice(t, conn, "dev1")
	waitRegistered(t, r, "dev1")

	errCh := make(chan error, 1)
	go func() {
		_, err := r.ProxyRequest(context.Background(), "dev1", "GET", "/slow", nil, nil, false)
		errCh <- err
	}()

	// Give the request time to install its waiter, then cut the device.
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
		terr, ok := err.(*tunnel.Error)
		require.True(t, ok)
		assert.Equal(t, "DEVICE_OFFLINE", terr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not failed when the session closed")
	}
}
