package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sentra-mdr/collab-gateway/internal/models"
	"go.uber.org/zap"
)

// Registry owns the key→room and key→tenant-channel maps. The maps have
// their own mutex, independent of any room's internal lock: creating a
// room on first join and deleting it on last leave must be atomic at
// the map level or two users joining a brand-new case at once could
// each get their own room.
//
// One Registry is built at process start and torn down at shutdown;
// there is no ambient global state.
type Registry struct {
	cfg           Config
	logger        *zap.Logger
	onSendFailure func(Sender)

	mu      sync.Mutex
	rooms   map[string]*Room
	tenants map[uuid.UUID]*TenantChannel
}

var _ Publisher = (*Registry)(nil)

// NewRegistry builds an empty registry. onSendFailure is called (on its
// own goroutine) for every connection whose transport write fails
// during fan-out; the dispatcher passes a callback that closes the
// connection, which unwinds through the normal teardown path.
func NewRegistry(cfg Config, onSendFailure func(Sender), logger *zap.Logger) *Registry {
	cfg.norm()
	if onSendFailure == nil {
		onSendFailure = func(Sender) {}
	}
	return &Registry{
		cfg:           cfg,
		logger:        logger,
		onSendFailure: onSendFailure,
		rooms:         make(map[string]*Room),
		tenants:       make(map[uuid.UUID]*TenantChannel),
	}
}

// JoinRoom registers a connection into the case's room, creating the
// room if absent. The retry loop covers the window where a concurrent
// last-leave closed the room between lookup and Join.
func (r *Registry) JoinRoom(caseID string, identity models.Identity, conn Sender) {
	defer r.recoverRoom(caseID)
	for {
		room := r.getOrCreateRoom(caseID)
		if room.Join(identity, conn) {
			return
		}
	}
}

// LeaveRoom drops one connection ref and garbage-collects the room if
// it became empty. Safe to call for rooms or members that are already
// gone; teardown paths race and the losers must be no-ops.
func (r *Registry) LeaveRoom(caseID string, userID uuid.UUID, connID string) {
	defer r.recoverRoom(caseID)
	r.mu.Lock()
	room := r.rooms[caseID]
	r.mu.Unlock()
	if room == nil {
		return
	}
	if room.Leave(userID, connID) {
		r.deleteRoomIfEmpty(caseID, room)
	}
}

// SetTyping forwards a typing signal to the user's room. No room (the
// user's sessions already tore down) means nothing to broadcast to.
func (r *Registry) SetTyping(caseID string, userID uuid.UUID, displayName string, isTyping bool) {
	defer r.recoverRoom(caseID)
	r.mu.Lock()
	room := r.rooms[caseID]
	r.mu.Unlock()
	if room == nil {
		return
	}
	room.SetTyping(userID, displayName, isTyping)
}

// Subscribe registers a connection onto the tenant's notification
// stream, creating the channel if absent.
func (r *Registry) Subscribe(tenantID uuid.UUID, userID uuid.UUID, conn Sender) {
	for {
		tc := r.getOrCreateTenant(tenantID)
		if tc.Subscribe(userID, conn) {
			return
		}
	}
}

// Unsubscribe drops a connection from the tenant stream and garbage-
// collects the channel if it became empty.
func (r *Registry) Unsubscribe(tenantID uuid.UUID, connID string) {
	r.mu.Lock()
	tc := r.tenants[tenantID]
	r.mu.Unlock()
	if tc == nil {
		return
	}
	if tc.Unsubscribe(connID) {
		r.mu.Lock()
		if r.tenants[tenantID] == tc && tc.markClosedIfEmpty() {
			delete(r.tenants, tenantID)
		}
		r.mu.Unlock()
	}
}

// PublishToTenant implements Publisher. Publishing to a tenant with no
// subscribers is a silent no-op, not an error: at-most-once delivery to
// whoever is connected right now.
func (r *Registry) PublishToTenant(tenantID uuid.UUID, event models.Notification, targetUserID uuid.UUID) {
	r.mu.Lock()
	tc := r.tenants[tenantID]
	r.mu.Unlock()
	if tc == nil {
		return
	}
	tc.Publish(event, targetUserID)
}

// PublishToRoom implements Publisher for case-scoped events.
func (r *Registry) PublishToRoom(caseID string, event models.Notification) {
	defer r.recoverRoom(caseID)
	r.mu.Lock()
	room := r.rooms[caseID]
	r.mu.Unlock()
	if room == nil {
		return
	}
	room.Publish(event)
}

// RoomExists reports whether a room is currently live. Probe for tests
// and the stats endpoint.
func (r *Registry) RoomExists(caseID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[caseID] != nil
}

// RoomPresence returns the roster for a live room, or nil.
func (r *Registry) RoomPresence(caseID string) []models.PresenceUser {
	r.mu.Lock()
	room := r.rooms[caseID]
	r.mu.Unlock()
	if room == nil {
		return nil
	}
	return room.Presence()
}

// Stats counts live rooms, channels, and their connections.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	tenants := make([]*TenantChannel, 0, len(r.tenants))
	for _, tc := range r.tenants {
		tenants = append(tenants, tc)
	}
	r.mu.Unlock()

	s := Stats{Rooms: len(rooms), TenantChannels: len(tenants)}
	for _, room := range rooms {
		s.RoomConnections += room.connCount()
	}
	for _, tc := range tenants {
		s.TenantSubscribers += tc.subscriberCount()
	}
	return s
}

// Close tears down every room and channel. Shutdown only.
func (r *Registry) Close() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*Room)
	r.tenants = make(map[uuid.UUID]*TenantChannel)
	r.mu.Unlock()

	for _, room := range rooms {
		room.closeAll()
	}
}

func (r *Registry) getOrCreateRoom(caseID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[caseID]
	if !ok {
		room = newRoom(caseID, r.cfg, r.onSendFailure, r.logger)
		r.rooms[caseID] = room
		r.logger.Debug("room created", zap.String("case_id", caseID))
	}
	return room
}

func (r *Registry) getOrCreateTenant(tenantID uuid.UUID) *TenantChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.tenants[tenantID]
	if !ok {
		tc = newTenantChannel(tenantID, r.onSendFailure, r.logger)
		r.tenants[tenantID] = tc
		r.logger.Debug("tenant channel created", zap.String("tenant_id", tenantID.String()))
	}
	return tc
}

func (r *Registry) deleteRoomIfEmpty(caseID string, room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[caseID] == room && room.markClosedIfEmpty() {
		delete(r.rooms, caseID)
		r.logger.Debug("room deleted", zap.String("case_id", caseID))
	}
}

// recoverRoom converts a panic inside one room's handling into a
// teardown of that room alone. Its connections are closed (clients
// reconnect and rebuild state, same as a liveness timeout) and every
// other room keeps running.
func (r *Registry) recoverRoom(caseID string) {
	rec := recover()
	if rec == nil {
		return
	}
	r.logger.Error("panic in room handling, tearing room down",
		zap.String("case_id", caseID),
		zap.Any("panic", rec),
	)
	r.mu.Lock()
	room := r.rooms[caseID]
	delete(r.rooms, caseID)
	r.mu.Unlock()
	if room != nil {
		room.closeAll()
	}
}
