package violation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	TypeViolationUpdate       = "violation_update"
	TypeViolationStatusUpdate = "violation_status_update"
)

var ErrMalformedMessage = errors.New("malformed push message")

// PushMessage is the envelope broadcast on the violations channel.
// violation_update announces a new detection; violation_status_update
// carries the full record after a change.
type PushMessage struct {
	Type        string     `json:"type"`
	ViolationID int64      `json:"violation_id,omitempty"`
	Status      Status     `json:"status,omitempty"`
	Data        *Violation `json:"data"`
	Timestamp   time.Time  `json:"timestamp"`
}

func NewCreatedMessage(v Violation, at time.Time) PushMessage {
	return PushMessage{
		Type:      TypeViolationUpdate,
		Data:      &v,
		Timestamp: at.UTC(),
	}
}

func NewStatusMessage(v Violation, at time.Time) PushMessage {
	return PushMessage{
		Type:        TypeViolationStatusUpdate,
		ViolationID: v.ID,
		Status:      v.Status,
		Data:        &v,
		Timestamp:   at.UTC(),
	}
}

// DecodePush parses a raw push frame. Any failure wraps ErrMalformedMessage.
func DecodePush(raw []byte) (PushMessage, error) {
	var msg PushMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return PushMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch msg.Type {
	case "":
		return PushMessage{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	case TypeViolationUpdate, TypeViolationStatusUpdate:
	default:
		return PushMessage{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
	if msg.Data == nil {
		return PushMessage{}, fmt.Errorf("%w: %s without data", ErrMalformedMessage, msg.Type)
	}

	if msg.Type == TypeViolationStatusUpdate {
		switch {
		case msg.ViolationID == 0 && msg.Data.ID == 0:
			return PushMessage{}, fmt.Errorf("%w: status update without violation_id", ErrMalformedMessage)
		case msg.ViolationID == 0:
			msg.ViolationID = msg.Data.ID
		case msg.Data.ID == 0:
			msg.Data.ID = msg.ViolationID
		}
	} else if msg.Data.ID == 0 {
		return PushMessage{}, fmt.Errorf("%w: violation without id", ErrMalformedMessage)
	}
	return msg, nil
}
