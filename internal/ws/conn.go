package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sentra-mdr/collab-gateway/internal/models"
	"go.uber.org/zap"
)

var (
	// ErrSlowConsumer is returned by Send when the outbound buffer is
	// full. The caller treats it as a SendFailure: the connection is
	// scheduled for close, fan-out to other recipients continues.
	ErrSlowConsumer = errors.New("outbound buffer full, slow consumer")

	// ErrConnClosed is returned by Send after the connection has been
	// torn down.
	ErrConnClosed = errors.New("connection closed")
)

// ChannelKind says which registry a connection belongs to.
type ChannelKind int

const (
	ChannelRoom ChannelKind = iota
	ChannelTenant
)

// Channel is the single logical channel a connection is bound to for
// its whole lifetime: either a case room or a tenant broadcast stream.
type Channel struct {
	Kind     ChannelKind
	CaseID   string    // set when Kind == ChannelRoom
	TenantID uuid.UUID // set when Kind == ChannelTenant
}

// Options are the transport timing knobs, passed down from config.
type Options struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

// Conn is one authenticated websocket session. The dispatcher owns it
// exclusively; registries only hold it as a send handle and must never
// extend its lifetime.
//
// Two goroutines service a Conn: ReadPump (inbound frames, liveness)
// and WritePump (outbound queue, pings). Close is safe to call from
// anywhere, any number of times; every teardown path funnels through
// it exactly once.
type Conn struct {
	id       string
	identity models.Identity
	channel  Channel

	socket *websocket.Conn
	send   chan []byte
	opts   Options
	logger *zap.Logger

	closeOnce    sync.Once
	done         chan struct{}
	lastActivity atomic.Int64 // unix nanos of the last inbound frame or pong
}

func NewConn(socket *websocket.Conn, identity models.Identity, channel Channel, opts Options, logger *zap.Logger) *Conn {
	c := &Conn{
		id:       uuid.NewString(),
		identity: identity,
		channel:  channel,
		socket:   socket,
		send:     make(chan []byte, opts.SendBuffer),
		opts:     opts,
		logger:   logger,
		done:     make(chan struct{}),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

func (c *Conn) ID() string                { return c.id }
func (c *Conn) Identity() models.Identity { return c.identity }
func (c *Conn) Channel() Channel          { return c.channel }

// LastActivityAt reports when the peer last sent anything (frame or
// pong). Exposed for the stats probe.
func (c *Conn) LastActivityAt() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send enqueues a frame for delivery. It never blocks: a full buffer
// means the consumer is not draining and returns ErrSlowConsumer so the
// broadcaster can isolate the failure without stalling fan-out.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSlowConsumer
	}
}

// Close tears the connection down. Idempotent: a read error, a write
// error, a liveness timeout, a slow-consumer eviction, and a process
// shutdown may all race to call it, and exactly one wins.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.opts.WriteTimeout)
		_ = c.socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.socket.Close()
	})
}

// ReadPump reads inbound frames until the connection dies, then calls
// onClose exactly once. Liveness: the read deadline is pushed forward
// on every pong and every frame; a silent peer times the read out and
// lands here the same way an abrupt disconnect does.
//
// Runs on the connection's dedicated reader goroutine.
func (c *Conn) ReadPump(onFrame func([]byte), onClose func()) {
	defer func() {
		c.Close()
		onClose()
	}()

	c.socket.SetReadLimit(4096)
	_ = c.socket.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.socket.SetPongHandler(func(string) error {
		c.lastActivity.Store(time.Now().UnixNano())
		return c.socket.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection read error",
					zap.String("conn_id", c.id),
					zap.Error(err),
				)
			}
			return
		}
		c.lastActivity.Store(time.Now().UnixNano())
		_ = c.socket.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		onFrame(data)
	}
}

// WritePump drains the outbound queue and keeps the peer alive with
// periodic pings. A failed write closes the connection; the read pump
// then unblocks and runs the teardown path.
//
// Runs on the connection's dedicated writer goroutine.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
