package ws

import (
	"encoding/json"
	"fmt"

	"github.com/sentra-mdr/collab-gateway/internal/models"
)

// Frame type discriminators. Server→client frames carry presence
// snapshots, typing indicators, and notification events; the only
// client→server frame today is "typing". Unknown inbound types are
// dropped, not rejected, so old gateways tolerate new clients.
const (
	FrameTypePresence     = "presence"
	FrameTypeTyping       = "typing"
	FrameTypeNotification = "new_notification"
)

// ClientFrame is the decoded shape of an inbound frame. Identity is
// never read from the frame body; the connection's handshake identity
// is authoritative.
type ClientFrame struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"isTyping"`
}

// DecodeClientFrame parses an inbound frame. A decode error here is a
// ProtocolError in the taxonomy: the caller logs and drops the frame,
// the connection stays open.
func DecodeClientFrame(data []byte) (*ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode client frame: %w", err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("decode client frame: missing type")
	}
	return &frame, nil
}

type presenceFrame struct {
	Type  string                `json:"type"`
	Users []models.PresenceUser `json:"users"`
}

type typingUser struct {
	Name string `json:"name"`
}

type typingFrame struct {
	Type     string     `json:"type"`
	User     typingUser `json:"user"`
	IsTyping bool       `json:"isTyping"`
}

type notificationFrame struct {
	Type string              `json:"type"`
	Data models.Notification `json:"data"`
}

// EncodePresence builds a full presence snapshot frame. The users slice
// replaces the client's prior roster wholesale; deltas are never sent.
func EncodePresence(users []models.PresenceUser) ([]byte, error) {
	if users == nil {
		users = []models.PresenceUser{}
	}
	return json.Marshal(presenceFrame{Type: FrameTypePresence, Users: users})
}

// EncodeTyping builds a typing indicator frame for the named user.
func EncodeTyping(displayName string, isTyping bool) ([]byte, error) {
	return json.Marshal(typingFrame{
		Type:     FrameTypeTyping,
		User:     typingUser{Name: displayName},
		IsTyping: isTyping,
	})
}

// EncodeNotification wraps a producer event for delivery. The event is
// passed through verbatim.
func EncodeNotification(event models.Notification) ([]byte, error) {
	return json.Marshal(notificationFrame{Type: FrameTypeNotification, Data: event})
}
