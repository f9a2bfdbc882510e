package protocol

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionTakeover: true,
	TypeCoachNote:       true,
	TypeCoachReply:      true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, errors.Wrap(err, "invalid JSON")
	}

	if msg.Type == "" {
		return nil, errors.New("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, errors.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, errors.New("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeSessionTakeover:
		var p SessionTakeoverPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, errors.Wrapf(err, "invalid payload for %s", msg.Type)
		}
		if err := require(msg.Type, "sessionId", p.SessionID); err != nil {
			return nil, err
		}

	case TypeCoachNote:
		var p CoachNotePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, errors.Wrapf(err, "invalid payload for %s", msg.Type)
		}
		if err := require(msg.Type, "sessionId", p.SessionID); err != nil {
			return nil, err
		}
		if err := require(msg.Type, "note", p.Note); err != nil {
			return nil, err
		}

	case TypeCoachReply:
		var p CoachReplyPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, errors.Wrapf(err, "invalid payload for %s", msg.Type)
		}
		if err := require(msg.Type, "sessionId", p.SessionID); err != nil {
			return nil, err
		}
		if err := require(msg.Type, "text", p.Text); err != nil {
			return nil, err
		}
	}

	return &msg, nil
}

func require(msgType, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.Errorf("missing required field '%s' in %s payload", field, msgType)
	}
	return nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
