// Package gateway accepts websocket connections, resolves which
// registry they join from their handshake parameters, routes inbound
// frames, and tears connection state down on disconnect.
package gateway

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sentra-mdr/collab-gateway/internal/auth"
	"github.com/sentra-mdr/collab-gateway/internal/config"
	"github.com/sentra-mdr/collab-gateway/internal/hub"
	"github.com/sentra-mdr/collab-gateway/internal/models"
	"github.com/sentra-mdr/collab-gateway/internal/ws"
	"go.uber.org/zap"
)

// AuthError rejects a handshake before any state is registered. It
// means the caller failed to hand over a well-formed identity, not that
// authorization failed — authorization happened upstream.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("handshake rejected: %s", e.Reason)
}

// Dispatcher owns every live connection. Registries hold send handles;
// only the dispatcher creates and destroys Conn objects.
type Dispatcher struct {
	registry  *hub.Registry
	jwtSecret string
	wsOpts    ws.Options
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*ws.Conn
}

func NewDispatcher(registry *hub.Registry, cfg *config.Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		jwtSecret: cfg.JWTSecret,
		wsOpts: ws.Options{
			PingInterval: cfg.HeartbeatInterval,
			PongWait:     cfg.PongWait,
			WriteTimeout: cfg.WriteTimeout,
			SendBuffer:   cfg.SendBufferSize,
		},
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The gateway sits behind the app's authenticating proxy;
			// origin policy is enforced there.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*ws.Conn),
	}
}

// HandleWS is the upgrade endpoint: GET /v1/ws. Malformed handshakes
// are rejected with a JSON error before the upgrade, so no partial
// state is ever registered for them.
func (d *Dispatcher) HandleWS(c *gin.Context) {
	identity, channel, err := d.accept(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	socket, err := d.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		d.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := ws.NewConn(socket, identity, channel, d.wsOpts, d.logger)

	d.mu.Lock()
	d.conns[conn.ID()] = conn
	d.mu.Unlock()

	d.route(conn)

	d.logger.Info("connection opened",
		zap.String("conn_id", conn.ID()),
		zap.String("user_id", identity.UserID.String()),
		zap.String("channel", channelLabel(channel)),
	)

	go conn.WritePump()
	// The read pump runs on this handler goroutine and returns when
	// the connection dies, whichever way it dies.
	conn.ReadPump(
		func(frame []byte) { d.onInboundFrame(conn, frame) },
		func() { d.onClose(conn) },
	)
}

// Shutdown closes every live connection and drops all registry state.
// Clients reconnect and re-handshake; nothing is expected to survive a
// process restart.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	conns := make([]*ws.Conn, 0, len(d.conns))
	for _, conn := range d.conns {
		conns = append(conns, conn)
	}
	d.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	d.registry.Close()
}

// accept validates the handshake parameters. Identity arrives either as
// a signed token (token=<jwt>) or as raw userId/userName/userEmail
// query params injected by the authenticating proxy. Exactly one of
// caseId or tenantId selects the channel.
func (d *Dispatcher) accept(c *gin.Context) (models.Identity, ws.Channel, error) {
	var identity models.Identity

	if token := c.Query("token"); token != "" {
		claims, err := auth.ParseToken(token, d.jwtSecret)
		if err != nil {
			return identity, ws.Channel{}, &AuthError{Reason: "invalid token"}
		}
		identity = models.Identity{
			UserID:      claims.UserID,
			TenantID:    claims.TenantID,
			DisplayName: claims.DisplayName,
			Email:       claims.Email,
		}
	} else {
		userID, err := uuid.Parse(c.Query("userId"))
		if err != nil || userID == uuid.Nil {
			return identity, ws.Channel{}, &AuthError{Reason: "missing or malformed userId"}
		}
		displayName := c.Query("userName")
		if displayName == "" {
			displayName = c.Query("displayName")
		}
		if displayName == "" {
			return identity, ws.Channel{}, &AuthError{Reason: "missing userName"}
		}
		identity = models.Identity{
			UserID:      userID,
			DisplayName: displayName,
			Email:       c.Query("userEmail"),
		}
	}

	caseID := c.Query("caseId")
	tenantParam := c.Query("tenantId")

	switch {
	case caseID != "" && tenantParam != "":
		return identity, ws.Channel{}, &AuthError{Reason: "caseId and tenantId are mutually exclusive"}
	case caseID != "":
		return identity, ws.Channel{Kind: ws.ChannelRoom, CaseID: caseID}, nil
	case tenantParam != "":
		tenantID, err := uuid.Parse(tenantParam)
		if err != nil {
			return identity, ws.Channel{}, &AuthError{Reason: "malformed tenantId"}
		}
		if identity.TenantID != uuid.Nil && identity.TenantID != tenantID {
			return identity, ws.Channel{}, &AuthError{Reason: "tenantId does not match token"}
		}
		identity.TenantID = tenantID
		return identity, ws.Channel{Kind: ws.ChannelTenant, TenantID: tenantID}, nil
	default:
		return identity, ws.Channel{}, &AuthError{Reason: "one of caseId or tenantId is required"}
	}
}

func (d *Dispatcher) route(conn *ws.Conn) {
	identity := conn.Identity()
	switch channel := conn.Channel(); channel.Kind {
	case ws.ChannelRoom:
		d.registry.JoinRoom(channel.CaseID, identity, conn)
	case ws.ChannelTenant:
		d.registry.Subscribe(channel.TenantID, identity.UserID, conn)
	}
}

// onInboundFrame decodes and routes one client frame. Malformed frames
// and unknown types are dropped with the connection left open: a newer
// client speaking a newer dialect must never be disconnected for it. A
// panic while handling the frame closes only this connection.
func (d *Dispatcher) onInboundFrame(conn *ws.Conn, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("panic handling inbound frame, closing connection",
				zap.String("conn_id", conn.ID()),
				zap.Any("panic", rec),
			)
			conn.Close()
		}
	}()

	frame, err := ws.DecodeClientFrame(data)
	if err != nil {
		d.logger.Warn("dropping malformed frame",
			zap.String("conn_id", conn.ID()),
			zap.Error(err),
		)
		return
	}

	switch frame.Type {
	case ws.FrameTypeTyping:
		channel := conn.Channel()
		if channel.Kind != ws.ChannelRoom {
			// Typing has no meaning on a broadcast channel.
			return
		}
		identity := conn.Identity()
		d.registry.SetTyping(channel.CaseID, identity.UserID, identity.DisplayName, frame.IsTyping)
	default:
		d.logger.Debug("dropping unknown frame type",
			zap.String("conn_id", conn.ID()),
			zap.String("frame_type", frame.Type),
		)
	}
}

// onClose runs once per connection, no matter how many close signals
// raced (read error, heartbeat timeout, slow-consumer eviction): the
// read pump invokes it exactly once on exit.
func (d *Dispatcher) onClose(conn *ws.Conn) {
	d.mu.Lock()
	delete(d.conns, conn.ID())
	d.mu.Unlock()

	identity := conn.Identity()
	switch channel := conn.Channel(); channel.Kind {
	case ws.ChannelRoom:
		d.registry.LeaveRoom(channel.CaseID, identity.UserID, conn.ID())
	case ws.ChannelTenant:
		d.registry.Unsubscribe(channel.TenantID, conn.ID())
	}

	d.logger.Info("connection closed",
		zap.String("conn_id", conn.ID()),
		zap.String("user_id", identity.UserID.String()),
		zap.Time("last_activity", conn.LastActivityAt()),
	)
}

func channelLabel(channel ws.Channel) string {
	if channel.Kind == ws.ChannelRoom {
		return "case:" + channel.CaseID
	}
	return "tenant:" + channel.TenantID.String()
}
