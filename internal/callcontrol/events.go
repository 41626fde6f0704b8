package callcontrol

import (
	"encoding/json"
	"strings"
)

// EventType is the call progress event name reported by the daemon.
type EventType string

const (
	EventOutgoing    EventType = "CALL_OUTGOING"
	EventRinging     EventType = "CALL_RINGING"
	EventProgress    EventType = "CALL_PROGRESS"
	EventEstablished EventType = "CALL_ESTABLISHED"
	EventAnswered    EventType = "CALL_ANSWERED"
	EventClosed      EventType = "CALL_CLOSED"
	EventFailed      EventType = "CALL_FAILED"
)

// Terminal reports whether the event ends the call.
func (t EventType) Terminal() bool {
	return t == EventClosed || t == EventFailed
}

// Connected reports whether the event confirms an answered call.
func (t EventType) Connected() bool {
	return t == EventEstablished || t == EventAnswered
}

// Event is a call progress notification from the daemon.
type Event struct {
	Type  EventType
	Class string // event class as reported, e.g. "call"
	Param string // free-form detail, carries the close reason on CALL_CLOSED
}

// Response is the daemon's reply to a command.
type Response struct {
	OK   bool
	Data string
}

// wireMessage is the JSON shape of a single frame. Events carry
// event=true; command replies carry response=true. The data field may
// be a bare string or a JSON object depending on the command.
type wireMessage struct {
	Event    bool            `json:"event"`
	Response bool            `json:"response"`
	Type     string          `json:"type"`
	Class    string          `json:"class"`
	Param    string          `json:"param"`
	OK       bool            `json:"ok"`
	Data     json.RawMessage `json:"data"`
}

func (m *wireMessage) dataString() string {
	if len(m.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Data, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(m.Data))
}

// Demux splits raw frames into events and command responses. Frames
// that fail to parse as JSON are dropped; the stream carries occasional
// noise and one bad frame must not poison a command exchange.
func Demux(frames [][]byte) ([]Event, []Response) {
	var events []Event
	var responses []Response
	for _, frame := range frames {
		var m wireMessage
		if err := json.Unmarshal(frame, &m); err != nil {
			continue
		}
		switch {
		case m.Event:
			events = append(events, Event{
				Type:  EventType(m.Type),
				Class: m.Class,
				Param: m.Param,
			})
		case m.Response:
			responses = append(responses, Response{
				OK:   m.OK,
				Data: m.dataString(),
			})
		}
	}
	return events, responses
}

// SelectPriority picks the most significant event from a burst. A
// terminal event wins immediately over everything that arrived with
// it, a connection confirmation beats CALL_OUTGOING, and CALL_OUTGOING
// is only reported when nothing stronger showed up.
func SelectPriority(events []Event) *Event {
	var picked *Event
	for i := range events {
		ev := &events[i]
		switch {
		case ev.Type.Terminal():
			return ev
		case ev.Type.Connected():
			picked = ev
		case ev.Type == EventOutgoing && picked == nil:
			picked = ev
		}
	}
	return picked
}
