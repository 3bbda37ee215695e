// Package channel delivers job progress events to the connection that
// started the job.
package channel

import (
	"encoding/json"
)

// Sender delivers one event to one recipient. Implementations never block
// the caller and silently drop events for empty or unknown recipients.
type Sender interface {
	Send(recipientID, event string, payload any)
}

// SenderFunc adapts a function to a Sender.
type SenderFunc func(recipientID, event string, payload any)

// Send implements Sender.
func (f SenderFunc) Send(recipientID, event string, payload any) {
	f(recipientID, event, payload)
}

// Discard drops every event.
var Discard Sender = SenderFunc(func(string, string, any) {})

// Event is the wire form of a pushed event.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Encode renders an event as JSON.
func Encode(event string, payload any) ([]byte, error) {
	return json.Marshal(Event{Event: event, Data: payload})
}

type fanout []Sender

// Fanout returns a Sender that forwards every event to each non-nil sender
// in order.
func Fanout(senders ...Sender) Sender {
	var out fanout
	for _, s := range senders {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return Discard
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (f fanout) Send(recipientID, event string, payload any) {
	for _, s := range f {
		s.Send(recipientID, event, payload)
	}
}
