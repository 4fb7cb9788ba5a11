package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sentra-mdr/collab-gateway/internal/models"
	"github.com/sentra-mdr/collab-gateway/internal/ws"
	"go.uber.org/zap"
)

// member is one analyst present in a room. A user with three tabs open
// on the same case is one member with three connection refs; presence
// lists them once.
type member struct {
	identity models.Identity
	conns    map[string]Sender // keyed by connection ID
}

type typingEntry struct {
	displayName string
	expiresAt   time.Time
}

// Room is the per-case collaboration channel: who is viewing the case,
// and who is typing. All state behind one mutex — every mutation and
// the broadcast it causes happen under the same critical section, so
// members observe snapshots in mutation order and no two snapshots can
// race into a stale view. Rooms never share state; one room's lock is
// its whole isolation boundary.
type Room struct {
	caseID        string
	cfg           Config
	logger        *zap.Logger
	onSendFailure func(Sender)

	mu      sync.Mutex
	closed  bool
	members map[uuid.UUID]*member
	typing  map[uuid.UUID]typingEntry
	stop    chan struct{}
}

func newRoom(caseID string, cfg Config, onSendFailure func(Sender), logger *zap.Logger) *Room {
	r := &Room{
		caseID:        caseID,
		cfg:           cfg,
		logger:        logger,
		onSendFailure: onSendFailure,
		members:       make(map[uuid.UUID]*member),
		typing:        make(map[uuid.UUID]typingEntry),
		stop:          make(chan struct{}),
	}
	go r.runSweeper()
	return r
}

// Join adds a connection to the room. If this is the user's first
// connection here, everyone (joiner included) gets a fresh presence
// snapshot. Returns false if the room was already closed — the caller
// must re-resolve the room and retry.
func (r *Room) Join(identity models.Identity, conn Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	m, ok := r.members[identity.UserID]
	if !ok {
		m = &member{identity: identity, conns: make(map[string]Sender)}
		r.members[identity.UserID] = m
	}
	m.conns[conn.ID()] = conn

	if !ok {
		r.broadcastPresenceLocked()
	}
	return true
}

// Leave removes a connection ref. Dropping the user's last connection
// removes them from presence (and clears any typing indicator they left
// behind) and rebroadcasts the snapshot. Returns true when the room is
// now empty and should be deleted by the registry.
func (r *Room) Leave(userID uuid.UUID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[userID]
	if !ok {
		return false
	}
	delete(m.conns, connID)
	if len(m.conns) > 0 {
		return false
	}
	delete(r.members, userID)

	if entry, wasTyping := r.typing[userID]; wasTyping {
		delete(r.typing, userID)
		r.broadcastTypingLocked(entry.displayName, false, uuid.Nil)
	}
	r.broadcastPresenceLocked()

	return len(r.members) == 0
}

// Publish delivers a producer event (comment added, attachment
// uploaded) to everyone viewing the case.
func (r *Room) Publish(event models.Notification) {
	frame, err := ws.EncodeNotification(event)
	if err != nil {
		r.logger.Error("encode room event", zap.String("case_id", r.caseID), zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliverLocked(frame, uuid.Nil)
}

// Presence returns the current roster. Used by tests and the stats
// probe; clients only ever see it via broadcast snapshots.
func (r *Room) Presence() []models.PresenceUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presenceLocked()
}

func (r *Room) connCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.members {
		n += len(m.conns)
	}
	return n
}

// markClosedIfEmpty flips the room into its terminal state so no late
// Join can land in a deleted room. Only the registry calls this, with
// the registry map lock held.
func (r *Room) markClosedIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.members) > 0 {
		return r.closed
	}
	r.closed = true
	close(r.stop)
	return true
}

// closeAll evicts every connection in the room. Used when a panic in
// room handling forces the registry to tear the whole room down.
func (r *Room) closeAll() {
	r.mu.Lock()
	var conns []Sender
	for _, m := range r.members {
		if m == nil {
			// Teardown runs on the panic path; survive whatever state
			// the panicking operation left behind.
			continue
		}
		for _, c := range m.conns {
			conns = append(conns, c)
		}
		m.conns = make(map[string]Sender)
	}
	r.members = make(map[uuid.UUID]*member)
	r.typing = make(map[uuid.UUID]typingEntry)
	if !r.closed {
		r.closed = true
		close(r.stop)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (r *Room) presenceLocked() []models.PresenceUser {
	users := make([]models.PresenceUser, 0, len(r.members))
	for _, m := range r.members {
		users = append(users, models.PresenceUser{
			ID:    m.identity.UserID,
			Name:  m.identity.DisplayName,
			Email: m.identity.Email,
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID.String() < users[j].ID.String() })
	return users
}

func (r *Room) broadcastPresenceLocked() {
	frame, err := ws.EncodePresence(r.presenceLocked())
	if err != nil {
		r.logger.Error("encode presence snapshot", zap.String("case_id", r.caseID), zap.Error(err))
		return
	}
	r.deliverLocked(frame, uuid.Nil)
}

// deliverLocked fans a frame out to every member connection except
// exclude's. Send never blocks; a failed recipient is handed to the
// eviction callback on its own goroutine and the loop carries on, so
// one broken peer never stalls or aborts delivery to the rest.
func (r *Room) deliverLocked(frame []byte, exclude uuid.UUID) {
	for userID, m := range r.members {
		if userID == exclude {
			continue
		}
		for _, conn := range m.conns {
			if err := conn.Send(frame); err != nil {
				r.logger.Warn("room send failed, evicting connection",
					zap.String("case_id", r.caseID),
					zap.String("conn_id", conn.ID()),
					zap.Error(err),
				)
				go r.onSendFailure(conn)
			}
		}
	}
}
