package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func typingRegistry(t *testing.T, clock *fakeClock) *Registry {
	t.Helper()
	return NewRegistry(Config{
		TypingTTL: 6 * time.Second,
		// Long sweep interval: tests drive SweepTyping by hand so the
		// background ticker never interferes.
		TypingSweepInterval: time.Hour,
		Clock:               clock.Now,
	}, func(s Sender) { s.Close() }, zap.NewNop())
}

func TestTypingBroadcastExcludesSender(t *testing.T) {
	reg := typingRegistry(t, newFakeClock())

	alice := identityFor("alice")
	bob := identityFor("bob")
	aliceConn := newFakeSender()
	bobConn := newFakeSender()

	reg.JoinRoom("CASE-1", alice, aliceConn)
	reg.JoinRoom("CASE-1", bob, bobConn)

	reg.SetTyping("CASE-1", alice.UserID, alice.DisplayName, true)

	frames := bobConn.decoded(t, "typing")
	require.Len(t, frames, 1)
	assert.Equal(t, true, frames[0]["isTyping"])
	user, ok := frames[0]["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", user["name"])

	// No self-echo.
	assert.Empty(t, aliceConn.decoded(t, "typing"))
}

func TestTypingRepeatedStartIsSilentRefresh(t *testing.T) {
	clock := newFakeClock()
	reg := typingRegistry(t, clock)

	alice := identityFor("alice")
	bob := identityFor("bob")
	aliceConn := newFakeSender()
	bobConn := newFakeSender()

	reg.JoinRoom("CASE-1", alice, aliceConn)
	reg.JoinRoom("CASE-1", bob, bobConn)

	reg.SetTyping("CASE-1", alice.UserID, alice.DisplayName, true)
	clock.Advance(2 * time.Second)
	reg.SetTyping("CASE-1", alice.UserID, alice.DisplayName, true)
	clock.Advance(2 * time.Second)
	reg.SetTyping("CASE-1", alice.UserID, alice.DisplayName, true)

	// Three starts, one broadcast.
	require.Len(t, bobConn.decoded(t, "typing"), 1)

	// The refreshes pushed the expiry: 5s after the first start the
	// entry is still inside its (refreshed) TTL.
	clock.Advance(3 * time.Second)
	reg.mu.Lock()
	room := reg.rooms["CASE-1"]
	reg.mu.Unlock()
	room.SweepTyping()
	assert.Len(t, room.TypingUsers(), 1)
}

func TestTypingStopBroadcastsImmediately(t *testing.T) {
	reg := typingRegistry(t, newFakeClock())

	alice := identityFor("alice")
	bob := identityFor("bob")
	reg.JoinRoom("CASE-1", alice, newFakeSender())
	bobConn := newFakeSender()
	reg.JoinRoom("CASE-1", bob, bobConn)

	reg.SetTyping("CASE-1", alice.UserID, alice.DisplayName, true)
	reg.SetTyping("CASE-1", alice.UserID, alice.DisplayName, false)

	frames := bobConn.decoded(t, "typing")
	require.Len(t, frames, 2)
	assert.Equal(t, true, frames[0]["isTyping"])
	assert.Equal(t, false, frames[1]["isTyping"])

	// A second stop is a no-op, not another broadcast.
	reg.SetTyping("CASE-1", alice.UserID, alice.DisplayName, false)
	assert.Len(t, bobConn.decoded(t, "typing"), 2)
}

func TestTypingSelfHealsAfterTTL(t *testing.T) {
	clock := newFakeClock()
	reg := typingRegistry(t, clock)

	alice := identityFor("alice")
	bob := identityFor("bob")
	reg.JoinRoom("CASE-1", alice, newFakeSender())
	bobConn := newFakeSender()
	reg.JoinRoom("CASE-1", bob, bobConn)

	reg.SetTyping("CASE-1", alice.UserID, alice.DisplayName, true)

	reg.mu.Lock()
	room := reg.rooms["CASE-1"]
	reg.mu.Unlock()

	// Before expiry: sweeping changes nothing.
	clock.Advance(5 * time.Second)
	room.SweepTyping()
	require.Len(t, bobConn.decoded(t, "typing"), 1)

	// After expiry: exactly one stop indicator, even across repeated
	// sweeps.
	clock.Advance(2 * time.Second)
	room.SweepTyping()
	room.SweepTyping()

	frames := bobConn.decoded(t, "typing")
	require.Len(t, frames, 2)
	assert.Equal(t, false, frames[1]["isTyping"])
	assert.Empty(t, room.TypingUsers())
}

func TestLeaveClearsTypingIndicator(t *testing.T) {
	reg := typingRegistry(t, newFakeClock())

	alice := identityFor("alice")
	bob := identityFor("bob")
	aliceConn := newFakeSender()
	bobConn := newFakeSender()

	reg.JoinRoom("CASE-1", alice, aliceConn)
	reg.JoinRoom("CASE-1", bob, bobConn)

	reg.SetTyping("CASE-1", alice.UserID, alice.DisplayName, true)

	// Alice's connection drops abruptly, no stop frame ever sent.
	reg.LeaveRoom("CASE-1", alice.UserID, aliceConn.ID())

	frames := bobConn.decoded(t, "typing")
	require.Len(t, frames, 2)
	assert.Equal(t, false, frames[1]["isTyping"])

	// And the roster no longer lists her.
	snapshots := bobConn.decoded(t, "presence")
	require.NotEmpty(t, snapshots)
	assert.ElementsMatch(t, []string{"bob"}, presenceNames(t, snapshots[len(snapshots)-1]))
}

func TestTypingOnUnknownRoomIsNoOp(t *testing.T) {
	reg := typingRegistry(t, newFakeClock())
	alice := identityFor("alice")
	assert.NotPanics(t, func() {
		reg.SetTyping("NO-SUCH-CASE", alice.UserID, alice.DisplayName, true)
	})
	assert.False(t, reg.RoomExists("NO-SUCH-CASE"))
}
