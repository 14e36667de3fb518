// Package tunnel holds the wire message shapes shared by the relay
// (internal/tunnel/relay) and the device-side client
// (internal/tunnel/client), plus the stable error envelope both speak.
package tunnel

import "net/http"

// FrameType is the "type" discriminator of every control frame on the
// tunnel.
type FrameType string

const (
	FrameRegister   FrameType = "register"
	FrameRegistered FrameType = "registered"
	FrameClosed     FrameType = "closed"
	FrameReq        FrameType = "req"
	FrameRes        FrameType = "res"
	FrameEvent      FrameType = "event"
	FramePing       FrameType = "ping"
)

// Register is the first frame a device sends after connecting.
type Register struct {
	Type   FrameType `json:"type"`
	Device string    `json:"device"`
	APIKey string    `json:"api_key"`
}

// Registered acknowledges a successful Register.
type Registered struct {
	Type FrameType `json:"type"`
}

// Closed tells a displaced or torn-down device session why it was cut.
type Closed struct {
	Type   FrameType `json:"type"`
	Reason string    `json:"reason"`
}

// Req is a proxied request forwarded from the relay to the device, or
// from the device's point of view, a request to dispatch locally.
type Req struct {
	Type      FrameType         `json:"type"`
	RequestID uint64            `json:"request_id"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	BodyJSON  []byte            `json:"body_json,omitempty"`
	Binary    bool              `json:"binary,omitempty"`
}

// Res answers a Req by RequestID. Ordering across distinct requests is
// not guaranteed; Res frames are matched purely by RequestID.
type Res struct {
	Type      FrameType         `json:"type"`
	RequestID uint64            `json:"request_id"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	BodyJSON  []byte            `json:"body_json,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
}

// Event is an unsolicited device-originated frame (heartbeats, session
// events fanned out to SSE subscribers).
type Event struct {
	Type FrameType `json:"type"`
	Name string    `json:"name"`
	Data []byte    `json:"data,omitempty"`
}

// Response is what ProxyRequest hands back to its HTTP-facing caller:
// either a completed Res's payload, or a binary frame's decoded parts.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Error is the stable tunnel-layer error envelope, distinct from
// xfer.Error but following the same {code, message} shape.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// HTTPStatus maps a tunnel error code to the HTTP status returned to
// external callers.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case "DEVICE_OFFLINE":
		return http.StatusBadGateway
	case "STREAMING_UNSUPPORTED":
		return http.StatusNotImplemented
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	case "DEVICE_BACKPRESSURE":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func ErrDeviceOffline(device string) *Error {
	return &Error{Code: "DEVICE_OFFLINE", Message: "device not registered: " + device}
}

func ErrStreamingUnsupported() *Error {
	return &Error{Code: "STREAMING_UNSUPPORTED", Message: "relay does not proxy long-lived streams"}
}

func ErrTimeout(device string) *Error {
	return &Error{Code: "TIMEOUT", Message: "request to device timed out: " + device}
}

func ErrBackpressure(device string) *Error {
	return &Error{Code: "DEVICE_BACKPRESSURE", Message: "device write queue full: " + device}
}
