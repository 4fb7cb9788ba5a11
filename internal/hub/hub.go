// Package hub holds the ephemeral realtime registries: per-case rooms
// with presence and typing state, and per-tenant broadcast channels for
// notification fan-out. Everything here lives and dies with the
// connections that populate it; nothing is persisted.
package hub

import (
	"time"

	"github.com/google/uuid"
	"github.com/sentra-mdr/collab-gateway/internal/models"
)

// Sender is the non-owning handle a registry keeps for a connection:
// enough to push frames and to evict a broken peer, nothing more. The
// dispatcher owns the connection's lifecycle.
type Sender interface {
	ID() string
	Send(frame []byte) error
	Close()
}

// Publisher is the producer-facing interface: the case/alert REST layer
// (directly, over HTTP, or via the Redis bridge) hands events here for
// best-effort at-most-once fan-out. A subscriber that connects after a
// publish completes never sees the event; there is no inbox.
type Publisher interface {
	// PublishToTenant fans the event out to the tenant's subscribers.
	// A non-zero targetUserID narrows delivery to that user's sessions.
	PublishToTenant(tenantID uuid.UUID, event models.Notification, targetUserID uuid.UUID)

	// PublishToRoom fans the event out to everyone viewing the case.
	PublishToRoom(caseID string, event models.Notification)
}

// Config carries the typing-indicator timing knobs. Clock is injectable
// for tests; nil means time.Now.
type Config struct {
	TypingTTL           time.Duration
	TypingSweepInterval time.Duration
	Clock               func() time.Time
}

func (c *Config) norm() {
	if c.TypingTTL <= 0 {
		c.TypingTTL = 6 * time.Second
	}
	if c.TypingSweepInterval <= 0 {
		c.TypingSweepInterval = time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Stats is a point-in-time census of the registries, served by the
// internal stats probe.
type Stats struct {
	Rooms             int `json:"rooms"`
	RoomConnections   int `json:"room_connections"`
	TenantChannels    int `json:"tenant_channels"`
	TenantSubscribers int `json:"tenant_subscribers"`
}
