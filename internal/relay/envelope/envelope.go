// Package envelope defines the wire-and-disk unit of relay traffic.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zjrosen/strand/internal/relay/budget"
)

// Envelope is a single message delivery. It is serialized verbatim to
// mailbox files, so the JSON shape is part of the on-disk contract.
type Envelope struct {
	ID        string        `json:"id"`
	Subject   string        `json:"subject"`
	From      string        `json:"from"`
	ReplyTo   string        `json:"replyTo,omitempty"`
	Payload   any           `json:"payload"`
	CreatedAt time.Time     `json:"createdAt"`
	Budget    budget.Budget `json:"budget"`
}

// NewID returns a fresh ULID. ULIDs sort lexicographically by creation
// time, which the maildir listing order relies on.
func NewID() string {
	return ulid.Make().String()
}

// New constructs an envelope with a fresh ID and timestamp.
func New(subj, from, replyTo string, payload any, b budget.Budget) Envelope {
	return Envelope{
		ID:        NewID(),
		Subject:   subj,
		From:      from,
		ReplyTo:   replyTo,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		Budget:    b,
	}
}

// Marshal renders the envelope as pretty-printed JSON (2-space indent)
// for diffability of mailbox files.
func (e Envelope) Marshal() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

// Unmarshal parses an envelope from mailbox file bytes.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}

// PayloadText extracts human-readable content from an arbitrary payload:
// a bare string is used directly; an object's "content" then "text"
// string fields are tried; anything else is JSON-stringified.
// It never fails - worst case the caller gets a JSON dump.
func PayloadText(payload any) string {
	switch p := payload.(type) {
	case string:
		return p
	case map[string]any:
		if s, ok := p["content"].(string); ok {
			return s
		}
		if s, ok := p["text"].(string); ok {
			return s
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}

// DeadLetter is the sidecar metadata written next to a failed envelope.
type DeadLetter struct {
	Envelope     Envelope  `json:"envelope"`
	Reason       string    `json:"reason"`
	FailedAt     time.Time `json:"failedAt"`
	EndpointHash string    `json:"endpointHash"`
}

// Marshal renders the sidecar as pretty-printed JSON.
func (d DeadLetter) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// UnmarshalDeadLetter parses a .reason.json sidecar.
func UnmarshalDeadLetter(data []byte) (DeadLetter, error) {
	var d DeadLetter
	err := json.Unmarshal(data, &d)
	return d, err
}
