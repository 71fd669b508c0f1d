// Package wire defines the chat relay's framing: every message in either
// direction is a JSON envelope of the form {"event": <name>, "data": <value>}.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame indicates an inbound frame that is not a well-formed
// envelope. Malformed frames are a protocol violation and terminate the
// connection, unlike handler-level errors which are replied to in-band.
var ErrMalformedFrame = errors.New("malformed frame")

// Envelope is the unit of communication. Data stays raw until the
// handler for the event decodes it into its own request shape.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode parses raw bytes into an Envelope. A frame without an event name
// is malformed; a frame without data gets an empty JSON object so handler
// decoding never has to special-case absence.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage(`{}`)
	}
	return env, nil
}

// Encode builds an outbound envelope for the given event and payload.
func Encode(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// ErrorData is the payload of an "error" envelope: a human-readable
// message plus the event that triggered it.
type ErrorData struct {
	Message string `json:"message"`
	Event   string `json:"event"`
}

// ErrorEnvelope builds the standard error reply for a failed event.
func ErrorEnvelope(event, message string) Envelope {
	env, _ := Encode("error", ErrorData{Message: message, Event: event})
	return env
}
