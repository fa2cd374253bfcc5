package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/gantry-ai/gantry/pkg/logging"
)

// Conn is one live client connection. The gateway adapts its WebSocket onto
// this; tests use in-memory implementations.
type Conn interface {
	// Send writes one frame. It must not be called concurrently; the mux's
	// per-handle writer is the single caller.
	Send(ctx context.Context, frame Frame) error
	// Close tears the connection down. Must be idempotent.
	Close() error
}

// sendBuffer is the per-handle frame buffer. A client that cannot drain
// this many frames within the send timeout is considered gone.
const sendBuffer = 256

// client is one registered handle. frames is drained by a single writer
// goroutine, which guarantees per-handle ordering. done closes when the
// handle is invalidated, for any reason.
type client struct {
	conn   Conn
	frames chan Frame
	done   chan struct{}
	once   sync.Once
}

// closeDone marks the client gone exactly once.
func (c *client) closeDone() {
	c.once.Do(func() { close(c.done) })
}

// Mux maps client handles to live connections and delivers typed frames in
// emission order. The mux owns connections for their lifetime; workers hold
// only the opaque handle.
type Mux struct {
	log logging.Logger
	// sendTimeout bounds how long a saturated client may stall a sender
	// before the mux closes it.
	sendTimeout time.Duration
	// writeTimeout bounds a single connection write.
	writeTimeout time.Duration

	mu      sync.RWMutex
	clients map[string]*client
}

// NewMux creates a multiplexer.
func NewMux(log logging.Logger, sendTimeout, writeTimeout time.Duration) *Mux {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Mux{
		log:          log,
		sendTimeout:  sendTimeout,
		writeTimeout: writeTimeout,
		clients:      make(map[string]*client),
	}
}

// Register binds a handle to a connection and starts its writer. An
// existing registration under the same handle is closed first.
func (m *Mux) Register(handle string, conn Conn) {
	c := &client{
		conn:   conn,
		frames: make(chan Frame, sendBuffer),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.clients[handle]
	m.clients[handle] = c
	m.mu.Unlock()

	if old != nil {
		old.closeDone()
		old.conn.Close()
	}

	go m.writer(handle, c)
}

// Unregister invalidates the handle and closes its connection best-effort.
// Further sends to the handle drop silently.
func (m *Mux) Unregister(handle string) {
	m.mu.Lock()
	c, ok := m.clients[handle]
	if ok {
		delete(m.clients, handle)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	c.closeDone()
	c.conn.Close()
}

// Send queues one frame for the handle. Unknown handles drop silently. A
// handle whose buffer stays saturated past the send timeout is closed and
// invalidated.
func (m *Mux) Send(handle string, frame Frame) {
	m.mu.RLock()
	c, ok := m.clients[handle]
	m.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case c.frames <- frame:
		return
	case <-c.done:
		return
	default:
	}

	// Buffer full: give the client the send timeout to drain.
	timer := time.NewTimer(m.sendTimeout)
	defer timer.Stop()
	select {
	case c.frames <- frame:
	case <-c.done:
	case <-timer.C:
		m.log.Warnf("client %s saturated for %s, closing connection", handle, m.sendTimeout)
		m.dropClient(handle, c)
	}
}

// IsConnected reports whether the handle has a live registration.
func (m *Mux) IsConnected(handle string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.clients[handle]
	return ok
}

// Done returns a channel that closes when the handle is invalidated. The
// worker uses it as the client-gone cancellation signal. Unknown handles
// get an already-closed channel.
func (m *Mux) Done(handle string) <-chan struct{} {
	m.mu.RLock()
	c, ok := m.clients[handle]
	m.mu.RUnlock()
	if !ok {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// CloseAll drains every client's send queue within the grace period, then
// closes all connections. Part of graceful shutdown.
func (m *Mux) CloseAll(grace time.Duration) {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*client)
	m.mu.Unlock()

	deadline := time.Now().Add(grace)
	for handle, c := range clients {
		for len(c.frames) > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if len(c.frames) > 0 {
			m.log.Warnf("closing %s with %d undelivered frames", handle, len(c.frames))
		}
		c.closeDone()
		c.conn.Close()
	}
}

// dropClient invalidates the handle only if it still maps to this client,
// so a failing writer never tears down a newer registration.
func (m *Mux) dropClient(handle string, c *client) {
	m.mu.Lock()
	if current, ok := m.clients[handle]; ok && current == c {
		delete(m.clients, handle)
	}
	m.mu.Unlock()

	c.closeDone()
	c.conn.Close()
}

// writer is the per-handle single-writer goroutine. Frames leave in the
// order they entered the buffer; a write failure invalidates the handle.
func (m *Mux) writer(handle string, c *client) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.frames:
			ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
			err := c.conn.Send(ctx, frame)
			cancel()
			if err != nil {
				m.log.WithError(err).Debugf("write to %s failed, unregistering", handle)
				m.dropClient(handle, c)
				return
			}
		}
	}
}
