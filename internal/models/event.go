package models

import "encoding/json"

// Live channel event names.
const (
	EventMessageReceived = "message-received"
	EventMessageSent     = "message-sent"
	EventPing            = "ping"
	EventPong            = "pong"
	EventError           = "error"
)

// Event is the envelope of every frame on the live channel.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MessageReceived is pushed to a recipient when a message addressed to them
// has been stored.
type MessageReceived struct {
	Message Message `json:"message"`
}

// MessageSentHint is sent by clients after a successful HTTP send. It
// carries no authority; the message is already stored.
type MessageSentHint struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Message string `json:"message"`
}

// ErrorEvent reports a malformed client frame.
type ErrorEvent struct {
	Error string `json:"error"`
}

// NewEvent marshals data into an Event frame.
func NewEvent(name string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Event{Event: name, Data: raw})
}
