package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	apperrors "nas-chat/internal/errors"
)

type EventType string

// Client -> server
const (
	EventJoin          EventType = "join"
	EventLeave         EventType = "leave"
	EventMessage       EventType = "message"
	EventDeleteMessage EventType = "deleteMessage"
	EventHistory       EventType = "history"
	EventPing          EventType = "ping"
)

// Server -> client
const (
	EventConnected      EventType = "connected"
	EventJoined         EventType = "joined"
	EventLeft           EventType = "left"
	EventMessageDeleted EventType = "messageDeleted"
	EventError          EventType = "error"
	EventPong           EventType = "pong"
)

const MaxAliasLen = 40

// InboundEvent is the single normalised schema every client frame must match.
// Unknown fields are rejected.
type InboundEvent struct {
	Type          EventType `json:"type"`
	RoomID        int64     `json:"roomId,omitempty"`
	Text          string    `json:"text,omitempty"`
	Alias         string    `json:"alias,omitempty"`
	MessageID     int64     `json:"messageId,omitempty"`
	TenantID      int64     `json:"tenantId,omitempty"`
	Limit         int       `json:"limit,omitempty"`
	Authorization string    `json:"authorization,omitempty"`
}

// DecodeInbound parses and validates a raw frame.
func DecodeInbound(raw []byte, maxTextLen int) (*InboundEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var ev InboundEvent
	if err := dec.Decode(&ev); err != nil {
		return nil, apperrors.Validation("malformed event: %v", err)
	}
	if err := ev.Validate(maxTextLen); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (e *InboundEvent) Validate(maxTextLen int) error {
	e.Text = strings.TrimSpace(e.Text)
	e.Alias = strings.TrimSpace(e.Alias)

	switch e.Type {
	case EventJoin, EventLeave, EventHistory:
		if e.RoomID <= 0 {
			return apperrors.Validation("%s requires roomId", e.Type)
		}
	case EventMessage:
		if e.RoomID <= 0 {
			return apperrors.Validation("message requires roomId")
		}
		if e.Text == "" {
			return apperrors.Validation("message text is empty")
		}
		if utf8.RuneCountInString(e.Text) > maxTextLen {
			return apperrors.Validation("message text exceeds %d characters", maxTextLen)
		}
		if utf8.RuneCountInString(e.Alias) > MaxAliasLen {
			return apperrors.Validation("alias exceeds %d characters", MaxAliasLen)
		}
	case EventDeleteMessage:
		if e.MessageID <= 0 {
			return apperrors.Validation("deleteMessage requires messageId")
		}
		if e.TenantID <= 0 {
			return apperrors.Validation("deleteMessage requires tenantId")
		}
	case EventPing:
	case "":
		return apperrors.Validation("missing event type")
	default:
		return apperrors.Validation("unknown event type %q", e.Type)
	}
	if e.Limit < 0 {
		return apperrors.Validation("limit must not be negative")
	}
	return nil
}

// OutboundEvent is every server -> client frame.
type OutboundEvent struct {
	Type      EventType  `json:"type"`
	RoomID    int64      `json:"roomId,omitempty"`
	MessageID int64      `json:"messageId,omitempty"`
	Message   *Message   `json:"message,omitempty"`
	Messages  []*Message `json:"messages,omitempty"`
	Tenant    *Tenant    `json:"tenant,omitempty"`
	Rooms     []*Room    `json:"rooms,omitempty"`
	Joined    []int64    `json:"joined,omitempty"`
	Code      string     `json:"code,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	Retryable bool       `json:"retryable,omitempty"`
}

func ErrorEvent(err error) OutboundEvent {
	ce := apperrors.As(err)
	return OutboundEvent{
		Type:      EventError,
		Code:      string(ce.Code),
		Detail:    ce.Message,
		Retryable: ce.Retryable,
	}
}
