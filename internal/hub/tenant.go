package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sentra-mdr/collab-gateway/internal/models"
	"github.com/sentra-mdr/collab-gateway/internal/ws"
	"go.uber.org/zap"
)

type subscriber struct {
	userID uuid.UUID
	conn   Sender
}

// TenantChannel is the per-tenant notification stream. Fan-out only: no
// roster is kept beyond what delivery needs, and nothing is exposed to
// clients about who else is subscribed.
type TenantChannel struct {
	tenantID      uuid.UUID
	logger        *zap.Logger
	onSendFailure func(Sender)

	mu     sync.Mutex
	closed bool
	subs   map[string]subscriber // keyed by connection ID
}

func newTenantChannel(tenantID uuid.UUID, onSendFailure func(Sender), logger *zap.Logger) *TenantChannel {
	return &TenantChannel{
		tenantID:      tenantID,
		logger:        logger,
		onSendFailure: onSendFailure,
		subs:          make(map[string]subscriber),
	}
}

// Subscribe adds a connection to the stream. Returns false if the
// channel was already closed; the caller re-resolves and retries.
func (t *TenantChannel) Subscribe(userID uuid.UUID, conn Sender) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.subs[conn.ID()] = subscriber{userID: userID, conn: conn}
	return true
}

// Unsubscribe removes a connection. Returns true when the channel is
// now empty and should be deleted by the registry.
func (t *TenantChannel) Unsubscribe(connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, connID)
	return len(t.subs) == 0
}

// Publish delivers the event to every current subscriber, or only to
// targetUserID's sessions when set. At-most-once: whoever is subscribed
// at this instant gets it, nobody else ever will. One broken recipient
// is evicted without delaying or aborting delivery to the rest.
func (t *TenantChannel) Publish(event models.Notification, targetUserID uuid.UUID) {
	frame, err := ws.EncodeNotification(event)
	if err != nil {
		t.logger.Error("encode notification",
			zap.String("tenant_id", t.tenantID.String()),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		if targetUserID != uuid.Nil && sub.userID != targetUserID {
			continue
		}
		if err := sub.conn.Send(frame); err != nil {
			t.logger.Warn("notification send failed, evicting connection",
				zap.String("tenant_id", t.tenantID.String()),
				zap.String("conn_id", sub.conn.ID()),
				zap.Error(err),
			)
			go t.onSendFailure(sub.conn)
		}
	}
}

func (t *TenantChannel) subscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *TenantChannel) markClosedIfEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || len(t.subs) > 0 {
		return t.closed
	}
	t.closed = true
	return true
}
