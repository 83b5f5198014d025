package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

const (
	defaultWireBufferSize = 64

	// AnonymousUser is the author name used when a session did not assert one.
	AnonymousUser = "anonymous"
)

// Kind is the type of persisted chat event.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio:
		return true
	}
	return false
}

// EventID is the store-assigned, strictly increasing message identifier.
// It doubles as the recovery cursor a client sends back on reconnect.
type EventID int64

// UnmarshalJSON accepts a JSON number or a decimal string. Anything that is not
// a non-negative integer decodes to zero, which means "no prior cursor".
func (id *EventID) UnmarshalJSON(b []byte) error {
	*id = 0
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return nil
	}
	*id = EventID(v)
	return nil
}

// ChatEvent is a persisted unit of communication. Events are append-only.
type ChatEvent struct {
	ID        EventID
	Kind      Kind
	Content   string
	Author    string
	CreatedAt time.Time
}

// Announcement is the single frame exchanged over the client connection in both directions.
type Announcement struct {
	Type    string          `json:"type"`
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"` // for inbound messages server re-assigns this based on connection
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewAnnouncement builds an outbound announcement. Payload types of this package always marshal,
// so a marshal failure only drops the payload.
func NewAnnouncement(typ string, payload any) Announcement {
	ann := Announcement{Type: typ}
	if payload != nil {
		ann.Payload, _ = json.Marshal(payload)
	}
	return ann
}

// NewError builds an error announcement carrying a human-readable message.
func NewError(msg string) Announcement {
	return NewAnnouncement(TypeError, msg)
}

// Wire is the pair of channels that connects a transport connection to the relay.
// RX carries inbound announcements, TX outbound ones.
type Wire struct {
	RX chan Announcement
	TX chan Announcement
}

// NewWire creates a wire whose TX side buffers up to size announcements.
func NewWire(size int) Wire {
	if size <= 0 {
		size = defaultWireBufferSize
	}
	return Wire{
		RX: make(chan Announcement),
		TX: make(chan Announcement, size),
	}
}
