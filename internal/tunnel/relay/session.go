package relay

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gawd-ai/sctl/internal/tunnel"
)

// writeJob is one queued outbound write: either a JSON text frame or a
// binary frame, never both.
type writeJob struct {
	text   []byte
	binary []byte
}

const writeDeadline = 10 * time.Second

// Session is one registered device's tunnel connection: the writer
// half, a bounded send queue drained by a single writer goroutine (the
// back-pressure mechanism), and a waiter map scoped to this session so
// tearing it down cancels every pending request without reaching into
// a global map.
type Session struct {
	Name string

	conn *websocket.Conn

	writeQueue chan writeJob

	waitersMu sync.Mutex
	waiters   map[uint64]chan tunnel.Response

	nextRequestID uint64

	ConnectedAt time.Time
	lastSeenMu  sync.Mutex
	lastSeen    time.Time

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason string
}

// NewSession wraps conn with a writer goroutine and an empty waiter map.
// queueSize bounds the writer's backlog; a full queue fails the
// in-flight request with DEVICE_BACKPRESSURE instead of blocking.
func NewSession(name string, conn *websocket.Conn, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 64
	}
	now := time.Now()
	s := &Session{
		Name:        name,
		conn:        conn,
		writeQueue:  make(chan writeJob, queueSize),
		waiters:     make(map[uint64]chan tunnel.Response),
		ConnectedAt: now,
		lastSeen:    now,
		closed:      make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// writeLoop is the session's single writer. On shutdown it sends the
// closed notice (so a displaced device learns why it was cut) and then
// closes the connection, which also unblocks the read pump.
func (s *Session) writeLoop() {
	defer s.conn.Close()
	for {
		select {
		case job := <-s.writeQueue:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			var err error
			if job.binary != nil {
				err = s.conn.WriteMessage(websocket.BinaryMessage, job.binary)
			} else {
				err = s.conn.WriteMessage(websocket.TextMessage, job.text)
			}
			if err != nil {
				return
			}
		case <-s.closed:
			notice, _ := json.Marshal(tunnel.Closed{Type: tunnel.FrameClosed, Reason: s.closeReason})
			s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			s.conn.WriteMessage(websocket.TextMessage, notice)
			return
		}
	}
}

// TouchLastSeen records recent activity for liveness reporting.
func (s *Session) TouchLastSeen() {
	s.lastSeenMu.Lock()
	s.lastSeen = time.Now()
	s.lastSeenMu.Unlock()
}

// LastSeen returns the last recorded activity time.
func (s *Session) LastSeen() time.Time {
	s.lastSeenMu.Lock()
	defer s.lastSeenMu.Unlock()
	return s.lastSeen
}

// NextRequestID returns a monotonically increasing ID unique within
// this session's lifetime.
func (s *Session) NextRequestID() uint64 {
	return atomic.AddUint64(&s.nextRequestID, 1)
}

// enqueueText queues a JSON frame for the writer goroutine. It returns
// false without blocking if the queue is full or the session closed.
func (s *Session) enqueueText(data []byte) bool {
	return s.enqueue(writeJob{text: data})
}

// enqueueBinary queues a binary frame for the writer goroutine. It
// returns false without blocking if the queue is full or the session
// closed.
func (s *Session) enqueueBinary(data []byte) bool {
	return s.enqueue(writeJob{binary: data})
}

func (s *Session) enqueue(job writeJob) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.writeQueue <- job:
		return true
	default:
		return false
	}
}

// addWaiter installs a response channel for requestID and returns it.
// The channel is closed without a value if the session tears down first.
func (s *Session) addWaiter(requestID uint64) chan tunnel.Response {
	ch := make(chan tunnel.Response, 1)
	s.waitersMu.Lock()
	s.waiters[requestID] = ch
	s.waitersMu.Unlock()
	return ch
}

// removeWaiter drops requestID's waiter, used on timeout so a late
// response doesn't leak the channel.
func (s *Session) removeWaiter(requestID uint64) {
	s.waitersMu.Lock()
	delete(s.waiters, requestID)
	s.waitersMu.Unlock()
}

// resolve delivers resp to requestID's waiter, if one is still pending.
// A late response after timeout finds no waiter and is dropped silently.
func (s *Session) resolve(requestID uint64, resp tunnel.Response) {
	s.waitersMu.Lock()
	ch, ok := s.waiters[requestID]
	if ok {
		delete(s.waiters, requestID)
	}
	s.waitersMu.Unlock()
	if ok {
		ch <- resp
	}
}

// Close tears down the session: stops the writer (which sends the
// closed notice and closes the connection) and fails every pending
// waiter with a transport failure so no caller blocks forever on a
// session that is gone.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		close(s.closed)

		s.waitersMu.Lock()
		pending := s.waiters
		s.waiters = make(map[uint64]chan tunnel.Response)
		s.waitersMu.Unlock()

		for _, ch := range pending {
			close(ch)
		}
	})
}
