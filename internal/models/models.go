package models

import (
	"time"

	"github.com/google/uuid"
)

// Identity is who a connection belongs to. It is supplied once at
// handshake time and never re-validated mid-session; the gateway trusts
// that the caller already authenticated it.
type Identity struct {
	UserID      uuid.UUID `json:"user_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
}

// PresenceUser is one entry in a presence snapshot as sent on the wire.
type PresenceUser struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}

// Notification is an alert/notification event produced by the case and
// alert REST layer. The gateway passes it through verbatim; Type is an
// opaque discriminator for the frontend, never interpreted here.
//
// Metadata is a free-form bag (alert IDs, severities, deep links).
// map[string]any round-trips arbitrary JSON without the gateway needing
// to know the shape.
type Notification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"createdAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
