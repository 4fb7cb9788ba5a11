package hub

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sentra-mdr/collab-gateway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleEvent(id string) models.Notification {
	return models.Notification{
		ID:        id,
		Type:      "alert_triggered",
		Title:     "High severity alert",
		Message:   "EDR flagged lateral movement",
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Metadata:  map[string]any{"alertId": "a-77", "severity": "high"},
	}
}

func TestPublishToTenantReachesAllSubscribers(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	tenant := uuid.New()

	x := identityFor("x")
	y := identityFor("y")
	xConn := newFakeSender()
	yConn := newFakeSender()

	reg.Subscribe(tenant, x.UserID, xConn)
	reg.Subscribe(tenant, y.UserID, yConn)

	reg.PublishToTenant(tenant, sampleEvent("n1"), uuid.Nil)

	for _, conn := range []*fakeSender{xConn, yConn} {
		frames := conn.decoded(t, "new_notification")
		require.Len(t, frames, 1)
		data, ok := frames[0]["data"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "n1", data["id"])
		assert.Equal(t, "alert_triggered", data["type"])
		// Metadata passes through untouched.
		meta, ok := data["metadata"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "high", meta["severity"])
	}
}

func TestPublishToTenantTargetsSingleUser(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	tenant := uuid.New()

	x := identityFor("x")
	y := identityFor("y")
	xTab1 := newFakeSender()
	xTab2 := newFakeSender()
	yConn := newFakeSender()

	reg.Subscribe(tenant, x.UserID, xTab1)
	reg.Subscribe(tenant, x.UserID, xTab2)
	reg.Subscribe(tenant, y.UserID, yConn)

	reg.PublishToTenant(tenant, sampleEvent("n2"), x.UserID)

	// Every session of the target, nobody else.
	assert.Len(t, xTab1.decoded(t, "new_notification"), 1)
	assert.Len(t, xTab2.decoded(t, "new_notification"), 1)
	assert.Empty(t, yConn.decoded(t, "new_notification"))
}

func TestPublishCrossesNoTenantBoundary(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	tenantA := uuid.New()
	tenantB := uuid.New()

	a := identityFor("a")
	b := identityFor("b")
	aConn := newFakeSender()
	bConn := newFakeSender()

	reg.Subscribe(tenantA, a.UserID, aConn)
	reg.Subscribe(tenantB, b.UserID, bConn)

	reg.PublishToTenant(tenantA, sampleEvent("n3"), uuid.Nil)

	assert.Len(t, aConn.decoded(t, "new_notification"), 1)
	assert.Empty(t, bConn.decoded(t, "new_notification"))
}

func TestLateSubscriberMissesEarlierPublish(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	tenant := uuid.New()

	reg.PublishToTenant(tenant, sampleEvent("n4"), uuid.Nil)

	late := identityFor("late")
	lateConn := newFakeSender()
	reg.Subscribe(tenant, late.UserID, lateConn)

	assert.Empty(t, lateConn.decoded(t, "new_notification"))
}

func TestTenantChannelGarbageCollected(t *testing.T) {
	reg := newTestRegistry(t, Config{})
	tenant := uuid.New()

	x := identityFor("x")
	conn := newFakeSender()
	reg.Subscribe(tenant, x.UserID, conn)
	require.Equal(t, 1, reg.Stats().TenantChannels)

	reg.Unsubscribe(tenant, conn.ID())
	assert.Equal(t, 0, reg.Stats().TenantChannels)
	assert.Equal(t, 0, reg.Stats().TenantSubscribers)
}

func TestBrokenSubscriberDoesNotBlockFanOut(t *testing.T) {
	evicted := make(chan Sender, 4)
	reg := NewRegistry(Config{}, func(s Sender) {
		s.Close()
		evicted <- s
	}, zap.NewNop())
	tenant := uuid.New()

	subs := make([]*fakeSender, 5)
	for i := range subs {
		subs[i] = newFakeSender()
		reg.Subscribe(tenant, uuid.New(), subs[i])
	}
	subs[2].mu.Lock()
	subs[2].fail = true
	subs[2].mu.Unlock()

	reg.PublishToTenant(tenant, sampleEvent("n5"), uuid.Nil)

	for i, conn := range subs {
		if i == 2 {
			continue
		}
		assert.Len(t, conn.decoded(t, "new_notification"), 1, "subscriber %d", i)
	}

	select {
	case s := <-evicted:
		assert.Equal(t, subs[2].ID(), s.ID())
	case <-time.After(time.Second):
		t.Fatal("broken subscriber was not evicted")
	}
}
