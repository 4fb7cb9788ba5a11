package hub

import (
	"time"

	"github.com/google/uuid"
	"github.com/sentra-mdr/collab-gateway/internal/ws"
	"go.uber.org/zap"
)

// Typing coordination. Indicators are self-healing: every entry carries
// an expiry and the sweeper clears anything the client forgot to clear
// itself (tab closed mid-keystroke), so a stale "X is typing…" can
// never outlive the TTL. Broadcasts fire only on state edges — a
// repeated isTyping:true refreshes the expiry silently.

// SetTyping records the user's typing state and broadcasts the change
// to the rest of the room. The sender's own sessions are excluded;
// self-echo carries no information.
func (r *Room) SetTyping(userID uuid.UUID, displayName string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	if isTyping {
		_, already := r.typing[userID]
		r.typing[userID] = typingEntry{
			displayName: displayName,
			expiresAt:   r.cfg.Clock().Add(r.cfg.TypingTTL),
		}
		if !already {
			r.broadcastTypingLocked(displayName, true, userID)
		}
		return
	}

	if _, ok := r.typing[userID]; ok {
		delete(r.typing, userID)
		r.broadcastTypingLocked(displayName, false, userID)
	}
}

// SweepTyping clears entries whose expiry has passed, broadcasting the
// stop indicator each one owed its room. Called by the room's sweeper
// goroutine; exported so tests can drive it with an injected clock.
func (r *Room) SweepTyping() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.cfg.Clock()
	for userID, entry := range r.typing {
		if now.Before(entry.expiresAt) {
			continue
		}
		delete(r.typing, userID)
		r.broadcastTypingLocked(entry.displayName, false, uuid.Nil)
	}
}

// TypingUsers reports who is currently marked typing. Test probe.
func (r *Room) TypingUsers() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(r.typing))
	for id := range r.typing {
		ids = append(ids, id)
	}
	return ids
}

func (r *Room) runSweeper() {
	ticker := time.NewTicker(r.cfg.TypingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.SweepTyping()
		case <-r.stop:
			return
		}
	}
}

func (r *Room) broadcastTypingLocked(displayName string, isTyping bool, exclude uuid.UUID) {
	frame, err := ws.EncodeTyping(displayName, isTyping)
	if err != nil {
		r.logger.Error("encode typing frame", zap.String("case_id", r.caseID), zap.Error(err))
		return
	}
	r.deliverLocked(frame, exclude)
}
