package protocol

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Message is the envelope for all live-monitor WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionList         = "session.list"
	TypeSessionUpdate       = "session.update"
	TypeSessionMessage      = "session.message"
	TypeSessionIntervention = "session.intervention"
	TypeSessionDeleted      = "session.deleted"
	TypeError               = "error"
)

// Client → Server message types.
const (
	TypeSessionTakeover = "session.takeover"
	TypeCoachNote       = "coach.note"
	TypeCoachReply      = "coach.reply"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrInternal        = "INTERNAL"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID                 string  `json:"id"`
	Source             string  `json:"source"`
	Mode               string  `json:"mode"`
	CurrentPhase       int     `json:"currentPhase"`
	PhaseName          string  `json:"phaseName"`
	TotalProgress      float64 `json:"totalProgress"`
	MessageCount       int     `json:"messageCount"`
	InterventionNeeded bool    `json:"interventionNeeded"`
	Email              string  `json:"email,omitempty"`
	CreatedAt          string  `json:"createdAt"`
	Detail             string  `json:"detail,omitempty"`
}

type SessionListPayload struct {
	Sessions []SessionUpdatePayload `json:"sessions"`
}

type SessionMessagePayload struct {
	SessionID    string `json:"sessionId"`
	Role         string `json:"role"` // "user" | "assistant" | "coach"
	Text         string `json:"text"`
	Intervention bool   `json:"intervention,omitempty"`
	Timestamp    string `json:"timestamp"`
}

type SessionInterventionPayload struct {
	SessionID string `json:"sessionId"`
	Trigger   string `json:"trigger"`
}

type SessionDeletedPayload struct {
	SessionID string `json:"sessionId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionTakeoverPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

type CoachNotePayload struct {
	SessionID string `json:"sessionId"`
	Note      string `json:"note"`
}

type CoachReplyPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}
