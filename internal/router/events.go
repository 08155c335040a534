package router

import (
	"encoding/json"

	"github.com/Avicted/courier/internal/message"
)

const (
	EventMessageNew     = "message.new"
	EventMessageSent    = "message.sent"
	EventMessageHidden  = "message.hidden"
	EventMessageDeleted = "message.deleted"
	EventError          = "error"
)

// Event is every server-to-client frame on the live channel.
type Event struct {
	Type      string           `json:"type"`
	Message   *message.Payload `json:"message,omitempty"`
	MessageID message.ID       `json:"message_id,omitempty"`
	Code      string           `json:"code,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func MessageEvent(eventType string, m message.Message) Event {
	p := message.ToPayload(m)
	return Event{Type: eventType, Message: &p, MessageID: m.ID}
}

func ErrorEvent(code, text string) Event {
	return Event{Type: EventError, Code: code, Error: text}
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
