package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/gawd-ai/sctl/internal/frame"
	"github.com/gawd-ai/sctl/internal/tunnel"
)

// maxFailedRegistrations bounds how many bad register attempts a remote
// address gets within the cache window before being shed.
const maxFailedRegistrations = 10

// Authenticator validates a device's registration credentials.
type Authenticator func(device, apiKey string) bool

// Relay is the device-facing WebSocket endpoint plus the ProxyRequest
// entry point the HTTP front door (internal/httpapi) calls into.
type Relay struct {
	registry *DeviceRegistry
	auth     Authenticator
	log      *zap.Logger

	upgrader websocket.Upgrader
	failures *gocache.Cache

	QueueSize      int
	RequestTimeout time.Duration
	BinaryTimeout  time.Duration
}

// NewRelay constructs a Relay. auth is consulted on every register
// frame; log may be nil.
func NewRelay(auth Authenticator, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		registry:       NewDeviceRegistry(),
		auth:           auth,
		log:            log,
		upgrader:       websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		failures:       gocache.New(time.Minute, 5*time.Minute),
		QueueSize:      64,
		RequestTimeout: 30 * time.Second,
		BinaryTimeout:  120 * time.Second,
	}
}

// ServeHTTP upgrades the connection, performs the registration
// handshake, and then runs the read pump until the device disconnects.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.remoteIsShed(req.RemoteAddr) {
		http.Error(w, "too many failed registrations", http.StatusTooManyRequests)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})
	var reg tunnel.Register
	if err := json.Unmarshal(raw, &reg); err != nil || reg.Type != tunnel.FrameRegister || reg.Device == "" {
		r.recordFailure(req.RemoteAddr)
		conn.Close()
		return
	}
	if r.auth != nil && !r.auth(reg.Device, reg.APIKey) {
		r.recordFailure(req.RemoteAddr)
		conn.Close()
		return
	}

	sess := NewSession(reg.Device, conn, r.QueueSize)
	if displaced := r.registry.Register(reg.Device, sess); displaced != nil {
		displaced.Close("superseded")
	}

	ack, _ := json.Marshal(tunnel.Registered{Type: tunnel.FrameRegistered})
	sess.enqueueText(ack)

	r.log.Info("device registered", zap.String("device", reg.Device))
	r.readPump(sess)
}

func (r *Relay) readPump(sess *Session) {
	defer func() {
		r.registry.Remove(sess.Name, sess)
		sess.Close("disconnected")
		r.log.Info("device disconnected", zap.String("device", sess.Name))
	}()

	for {
		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.TouchLastSeen()

		if msgType == websocket.BinaryMessage {
			r.dispatchBinary(sess, data)
			continue
		}
		r.dispatchText(sess, data)
	}
}

func (r *Relay) dispatchText(sess *Session, data []byte) {
	var probe struct {
		Type tunnel.FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}
	switch probe.Type {
	case tunnel.FrameRes:
		var res tunnel.Res
		if err := json.Unmarshal(data, &res); err != nil {
			return
		}
		sess.resolve(res.RequestID, tunnel.Response{
			Status:  res.Status,
			Headers: res.Headers,
			Body:    res.BodyJSON,
		})
	case tunnel.FrameEvent, tunnel.FramePing:
		// Heartbeats/session events are fanned out elsewhere; the relay
		// itself only needs the liveness touch already recorded above.
	}
}

func (r *Relay) dispatchBinary(sess *Session, data []byte) {
	header, payload, err := frame.DecodeHeader[tunnel.Res](data)
	if err != nil {
		return
	}
	sess.resolve(header.RequestID, tunnel.Response{
		Status:  header.Status,
		Headers: header.Headers,
		Body:    payload,
	})
}

// ProxyRequest forwards method/path/headers/body to device and blocks
// until a response arrives, ctx is cancelled, or the device's write
// queue is full.
func (r *Relay) ProxyRequest(ctx context.Context, device, method, path string, headers map[string]string, body []byte, binary bool) (tunnel.Response, error) {
	sess, ok := r.registry.Lookup(device)
	if !ok {
		return tunnel.Response{}, tunnel.ErrDeviceOffline(device)
	}

	requestID := sess.NextRequestID()
	waiter := sess.addWaiter(requestID)

	req := tunnel.Req{
		Type:      tunnel.FrameReq,
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Headers:   headers,
		Binary:    binary,
	}

	var queued bool
	if binary {
		encoded, err := frame.Encode(req, body)
		if err != nil {
			sess.removeWaiter(requestID)
			return tunnel.Response{}, err
		}
		queued = sess.enqueueBinary(encoded)
	} else {
		req.BodyJSON = body
		encoded, err := json.Marshal(req)
		if err != nil {
			sess.removeWaiter(requestID)
			return tunnel.Response{}, err
		}
		queued = sess.enqueueText(encoded)
	}
	if !queued {
		sess.removeWaiter(requestID)
		return tunnel.Response{}, tunnel.ErrBackpressure(device)
	}

	timeout := r.RequestTimeout
	if binary {
		timeout = r.BinaryTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-waiter:
		if !ok {
			// Session tore down before the device answered.
			return tunnel.Response{}, tunnel.ErrDeviceOffline(device)
		}
		return resp, nil
	case <-ctx.Done():
		sess.removeWaiter(requestID)
		return tunnel.Response{}, tunnel.ErrTimeout(device)
	case <-timer.C:
		sess.removeWaiter(requestID)
		return tunnel.Response{}, tunnel.ErrTimeout(device)
	}
}

// Registry exposes the underlying device registry, e.g. for a status
// endpoint listing connected devices.
func (r *Relay) Registry() *DeviceRegistry { return r.registry }

func (r *Relay) remoteIsShed(remoteAddr string) bool {
	count, found := r.failures.Get(remoteHost(remoteAddr))
	return found && count.(int) >= maxFailedRegistrations
}

func (r *Relay) recordFailure(remoteAddr string) {
	key := remoteHost(remoteAddr)
	if err := r.failures.Increment(key, 1); err != nil {
		r.failures.Set(key, 1, gocache.DefaultExpiration)
	}
}

// remoteHost strips the ephemeral port so reconnect attempts from the
// same address share one failure counter.
func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
