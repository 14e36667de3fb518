// Package client implements the device side of the reverse tunnel:
// dial the relay, register, and dispatch proxied requests to a local
// handler table.
package client

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gawd-ai/sctl/internal/frame"
	"github.com/gawd-ai/sctl/internal/tunnel"
	"github.com/gawd-ai/sctl/internal/xfer"
)

// Result is one handler's answer to a proxied request. Headers travel
// back in the Res frame so the relay's front door can replay them to
// the external caller (the X-Gx-* chunk headers in particular).
type Result struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Handler answers one proxied Req. A returned error is translated into
// a 500 INTERNAL response; handlers that want a specific error envelope
// encode it into the Result themselves.
type Handler func(ctx context.Context, req *tunnel.Req) (Result, error)

// routeKey identifies one registered handler by method and path
// pattern, mirroring the relay's "(method, path-pattern)" dispatch.
type routeKey struct {
	Method  string
	Pattern string
}

// Config controls dial target, credentials, and reconnect timing:
// exponential backoff from BaseBackoff up to MaxBackoff, reset after
// StableThreshold of continuous connection.
type Config struct {
	URL             string
	Device          string
	APIKey          string
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	StableThreshold time.Duration
}

func (c *Config) setDefaults() {
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.StableThreshold <= 0 {
		c.StableThreshold = 30 * time.Second
	}
}

// Client holds one device's tunnel connection lifecycle and its
// handler table.
type Client struct {
	cfg     Config
	log     *zap.Logger
	manager *xfer.Manager

	mu       sync.RWMutex
	handlers map[routeKey]Handler
}

// New constructs a Client. manager may be nil if this device serves no
// transfer endpoints.
func New(cfg Config, manager *xfer.Manager, log *zap.Logger) *Client {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		log:      log,
		manager:  manager,
		handlers: make(map[routeKey]Handler),
	}
}

// Handle registers a handler for a given method and path pattern: an
// exact path, or a prefix ending in "*" (see matchPattern).
func (c *Client) Handle(method, pattern string, h Handler) {
	c.mu.Lock()
	c.handlers[routeKey{Method: method, Pattern: pattern}] = h
	c.mu.Unlock()
}

func (c *Client) lookup(method, pattern string) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[routeKey{Method: method, Pattern: pattern}]
	return h, ok
}

// Run dials the relay and serves requests until ctx is cancelled,
// reconnecting with exponential backoff and jitter across transport
// failures. While disconnected, any in-flight transfers are paused so
// they resume cleanly on reconnect.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.BaseBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		connectedAt := time.Now()
		err := c.runOnce(ctx)
		if c.manager != nil {
			c.manager.PauseAll()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(connectedAt) >= c.cfg.StableThreshold {
			backoff = c.cfg.BaseBackoff
		} else {
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
		}
		delay := jitter(backoff)
		c.log.Warn("tunnel disconnected, reconnecting",
			zap.Error(err), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// jitter adds +/-25% to d so a fleet of devices doesn't reconnect in
// lockstep after a relay restart.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.25
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

var tunnelDialer = &websocket.Dialer{
	NetDialContext:   fastDialContext,
	HandshakeTimeout: 10 * time.Second,
}

// connWriter serializes frame writes: handlers run concurrently and
// gorilla/websocket permits only one writer at a time.
type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *connWriter) write(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(messageType, data)
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := tunnelDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	reg := tunnel.Register{Type: tunnel.FrameRegister, Device: c.cfg.Device, APIKey: c.cfg.APIKey}
	buf, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
		return err
	}

	_, ackRaw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var ack tunnel.Registered
	if err := json.Unmarshal(ackRaw, &ack); err != nil || ack.Type != tunnel.FrameRegistered {
		return err
	}
	c.log.Info("tunnel registered", zap.String("device", c.cfg.Device))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	writer := &connWriter{conn: conn}
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch msgType {
		case websocket.BinaryMessage:
			go c.handleBinaryFrame(ctx, writer, data)
		default:
			go c.handleTextFrame(ctx, writer, data)
		}
	}
}

func (c *Client) handleTextFrame(ctx context.Context, w *connWriter, data []byte) {
	var req tunnel.Req
	if err := json.Unmarshal(data, &req); err != nil || req.Type != tunnel.FrameReq {
		return
	}
	result := c.dispatch(ctx, &req)
	res := tunnel.Res{
		Type:      tunnel.FrameRes,
		RequestID: req.RequestID,
		Status:    result.Status,
		Headers:   result.Headers,
		BodyJSON:  result.Body,
	}
	encoded, err := json.Marshal(res)
	if err != nil {
		return
	}
	w.write(websocket.TextMessage, encoded)
}

// handleBinaryFrame answers a binary req frame with a binary res frame:
// the result body travels as the frame payload, never inside the JSON
// header.
func (c *Client) handleBinaryFrame(ctx context.Context, w *connWriter, data []byte) {
	req, payload, err := frame.DecodeHeader[tunnel.Req](data)
	if err != nil {
		return
	}
	req.BodyJSON = payload
	result := c.dispatch(ctx, &req)
	res := tunnel.Res{
		Type:      tunnel.FrameRes,
		RequestID: req.RequestID,
		Status:    result.Status,
		Headers:   result.Headers,
	}
	encoded, err := frame.Encode(res, result.Body)
	if err != nil {
		return
	}
	w.write(websocket.BinaryMessage, encoded)
}

func (c *Client) dispatch(ctx context.Context, req *tunnel.Req) Result {
	pattern, ok := c.matchPattern(req.Method, req.Path)
	if !ok {
		return Result{Status: http.StatusNotFound}
	}
	h, ok := c.lookup(req.Method, pattern)
	if !ok {
		return Result{Status: http.StatusNotFound}
	}
	result, err := h(ctx, req)
	if err != nil {
		c.log.Error("handler failed",
			zap.String("method", req.Method), zap.String("path", req.Path), zap.Error(err))
		return Result{Status: http.StatusInternalServerError, Body: errBody("INTERNAL", err.Error())}
	}
	return result
}

// matchPattern finds a registered pattern matching path: an exact
// match, or a prefix pattern ending in "*" (the device-side equivalent
// of gorilla/mux's path-variable routes, resolved without a mux
// dependency since the device never needs the full router).
func (c *Client) matchPattern(method, path string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.handlers[routeKey{Method: method, Pattern: path}]; ok {
		return path, true
	}
	var best string
	bestLen := -1
	for k := range c.handlers {
		if k.Method != method || !strings.HasSuffix(k.Pattern, "*") {
			continue
		}
		prefix := strings.TrimSuffix(k.Pattern, "*")
		if strings.HasPrefix(path, prefix) && len(prefix) > bestLen {
			best = k.Pattern
			bestLen = len(prefix)
		}
	}
	if bestLen < 0 {
		return "", false
	}
	return best, true
}
