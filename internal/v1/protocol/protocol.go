// Package protocol defines the JSON wire protocol shared by the coordination
// server and the client engine. Every transport payload is exactly one JSON
// object carrying a type discriminator plus the room and subject client ids.
package protocol

import (
	"encoding/json"
	"errors"
)

// Type discriminates message variants on the wire.
type Type string

// Client -> server message types.
const (
	TypeJoin           Type = "join"
	TypeLeave          Type = "leave"
	TypeSteps          Type = "steps"
	TypePresence       Type = "presence"
	TypeDocRequest     Type = "doc-request"
	TypeHistoryRequest Type = "history-request"
	TypePong           Type = "pong"
)

// Server -> client message types. TypeJoin, TypeLeave, TypeSteps and
// TypePresence appear in both directions.
const (
	TypePresenceSnapshot Type = "presence-snapshot"
	TypeDocSnapshot      Type = "doc-snapshot"
	TypeHistory          Type = "history"
	TypePing             Type = "ping"
	TypeAck              Type = "ack"
	TypeError            Type = "error"
)

// Reserved error codes. Additional codes are opaque to clients.
const (
	CodeVersionMismatch = "version_mismatch"
	CodeApplyFailed     = "apply_failed"
)

// AckSteps is the ackType acknowledging an accepted step batch.
const AckSteps = "steps"

// ServerClientID is the clientId carried by server-originated heartbeat pings.
const ServerClientID = "server"

// Range is a selection or cursor range in document positions.
type Range struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// UserInfo identifies the human behind a client connection.
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

// UserPresence is the ephemeral per-client presence record. Timestamp is
// stamped by the server on upsert (milliseconds since epoch).
type UserPresence struct {
	User      UserInfo       `json:"user"`
	Cursor    *Range         `json:"cursor,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// PresenceEntry pairs a client id with its presence record in snapshots.
type PresenceEntry struct {
	ClientID string       `json:"clientId"`
	Presence UserPresence `json:"presence"`
}

// Message is the envelope for every payload on the transport. Fields beyond
// Type, RoomID and ClientID are populated per message type; absent fields are
// omitted from the encoded form. On server-originated messages ClientID
// identifies the subject client (e.g. the joiner in a join broadcast), not
// the sender.
type Message struct {
	Type     Type   `json:"type"`
	RoomID   string `json:"roomId,omitempty"`
	ClientID string `json:"clientId,omitempty"`

	// steps / doc-snapshot / ack
	Version *int64            `json:"version,omitempty"`
	Steps   []json.RawMessage `json:"steps,omitempty"`
	Doc     json.RawMessage   `json:"doc,omitempty"`

	// steps (client -> server)
	ClientSelection *Range `json:"clientSelection,omitempty"`

	// presence / presence-snapshot
	Presence  *UserPresence   `json:"presence,omitempty"`
	Presences []PresenceEntry `json:"presences,omitempty"`

	// history / history-request
	FromVersion  *int64 `json:"fromVersion,omitempty"`
	ToVersion    *int64 `json:"toVersion,omitempty"`
	SinceVersion *int64 `json:"sinceVersion,omitempty"`

	// ping / pong
	TS int64 `json:"ts,omitempty"`

	// ack
	AckType string `json:"ackType,omitempty"`
	OK      *bool  `json:"ok,omitempty"`

	// error (Reason is also used on failed acks)
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ErrEmptyType is returned when a decoded message carries no type tag.
var ErrEmptyType = errors.New("protocol: message has no type")

// Decode parses a single JSON message payload. Unknown type tags decode
// successfully; dispatching layers decide whether to drop them.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, ErrEmptyType
	}
	return &msg, nil
}

// Encode serializes the message to its wire form.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Int64 returns a pointer to v, for optional envelope fields.
func Int64(v int64) *int64 {
	return &v
}

// Int64Value dereferences p, returning 0 when absent.
func Int64Value(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// Bool returns a pointer to v, for optional envelope fields.
func Bool(v bool) *bool {
	return &v
}
