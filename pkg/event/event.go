// Package event defines the fanout payload that crosses the shared store:
// a tagged union of event kinds with typed payloads, serialized as JSON at
// the store boundary. Consumers handle known kinds exhaustively and reject
// unknown ones instead of guessing at an untyped object graph.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindMessage      Kind = "message"
	KindMemberJoined Kind = "member_joined"
	KindMemberLeft   Kind = "member_left"
	KindTyping       Kind = "typing"
	KindPresence     Kind = "presence"
	KindReadReceipt  Kind = "read_receipt"
	KindError        Kind = "error"
)

var knownKinds = map[Kind]struct{}{
	KindMessage:      {},
	KindMemberJoined: {},
	KindMemberLeft:   {},
	KindTyping:       {},
	KindPresence:     {},
	KindReadReceipt:  {},
	KindError:        {},
}

// Envelope is the wire shape published on room/user/tenant channels.
// Node identifies the publisher; ExcludeConnection, when set, names one
// connection the delivering node must skip (typically the originator).
type Envelope struct {
	Kind              Kind            `json:"kind"`
	Node              string          `json:"node"`
	TenantID          string          `json:"tenant_id"`
	RoomID            string          `json:"room_id,omitempty"`
	UserID            string          `json:"user_id,omitempty"`
	ExcludeConnection string          `json:"exclude_connection,omitempty"`
	At                time.Time       `json:"at"`
	Payload           json.RawMessage `json:"payload,omitempty"`
}

// Typed payloads, one per kind.

type MessagePayload struct {
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sent_at"`
}

type MembershipPayload struct {
	UserID string `json:"user_id"`
}

type TypingPayload struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type PresencePayload struct {
	UserID       string `json:"user_id"`
	Status       string `json:"status"`
	CustomStatus string `json:"custom_status,omitempty"`
}

type ReadReceiptPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

type ErrorPayload struct {
	Op     string `json:"op"`
	Reason string `json:"reason"`
}

// New builds an envelope for the given kind, marshaling the typed payload.
func New(kind Kind, payload any) (*Envelope, error) {
	if _, ok := knownKinds[kind]; !ok {
		return nil, fmt.Errorf("event: unknown kind %q", kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %s payload: %w", kind, err)
	}
	return &Envelope{Kind: kind, Payload: data}, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	if _, ok := knownKinds[e.Kind]; !ok {
		return nil, fmt.Errorf("event: unknown kind %q", e.Kind)
	}
	return json.Marshal(e)
}

// Decode parses an envelope off the wire. Unknown kinds are an error the
// subscriber logs and drops.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("event: decode envelope: %w", err)
	}
	if _, ok := knownKinds[e.Kind]; !ok {
		return nil, fmt.Errorf("event: unknown kind %q", e.Kind)
	}
	return &e, nil
}

// DecodePayload unmarshals the envelope payload into the kind's typed form.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event: %s envelope has no payload", e.Kind)
	}
	return json.Unmarshal(e.Payload, v)
}
