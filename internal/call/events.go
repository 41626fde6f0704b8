package call

import (
	"context"
	"log/slog"
	"time"
)

// Lifecycle event names.
const (
	EventCallStarted   = "call.started"
	EventCallStatus    = "call.status"
	EventCallConnected = "call.connected"
	EventCallEnded     = "call.ended"
)

// Event is a lifecycle notification about one session.
type Event struct {
	Name      string    `json:"name"`
	CallID    string    `json:"call_id"`
	Status    Status    `json:"status"`
	EndReason EndReason `json:"end_reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher fans lifecycle events out to interested parties.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// LogPublisher writes lifecycle events to the log. The default sink
// when no external consumer is wired up.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, ev Event) {
	switch ev.Name {
	case EventCallEnded:
		slog.Info("[Call] Ended",
			"call_id", ev.CallID, "status", ev.Status,
			"reason", ev.EndReason, "detail", ev.Detail)
	case EventCallConnected:
		slog.Info("[Call] Connected", "call_id", ev.CallID)
	case EventCallStarted:
		slog.Info("[Call] Started", "call_id", ev.CallID, "status", ev.Status)
	default:
		slog.Debug("[Call] Status", "call_id", ev.CallID, "status", ev.Status)
	}
}

func newEvent(name, callID string, status Status) Event {
	return Event{Name: name, CallID: callID, Status: status, At: time.Now().UTC()}
}
