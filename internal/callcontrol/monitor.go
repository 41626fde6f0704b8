package callcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// monitorPollInterval bounds each blocking read so cancellation and the
// overall deadline are checked at least twice a second.
const monitorPollInterval = 500 * time.Millisecond

// MonitorCallEvents watches call progress on a dedicated connection,
// separate from the command connection so command replies and event
// frames never interleave. Every event is handed to callback in arrival
// order before the next frame is read. Returns all accumulated events
// when a terminal event arrives, when the timeout expires, or when the
// context is cancelled.
func (c *Client) MonitorCallEvents(ctx context.Context, timeout time.Duration, callback func(Event)) ([]Event, error) {
	conn, err := c.dialFunc(ctx, "tcp", c.addr())
	if err != nil {
		return nil, fmt.Errorf("monitor connect %s: %w", c.addr(), err)
	}
	defer conn.Close()

	slog.Info("[CallControl] Monitoring call events", "addr", c.addr(), "timeout", timeout)

	dec := &Decoder{}
	var events []Event
	buf := make([]byte, 4096)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			slog.Debug("[CallControl] Monitor cancelled", "events", len(events))
			return events, nil
		}

		conn.SetReadDeadline(time.Now().Add(monitorPollInterval))
		n, err := conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			slog.Warn("[CallControl] Monitor connection lost", "error", err)
			return events, nil
		}

		dec.Feed(buf[:n])
		for {
			frame, ok := dec.Next()
			if !ok {
				break
			}
			var m wireMessage
			if err := json.Unmarshal(frame, &m); err != nil || !m.Event {
				continue
			}
			ev := Event{Type: EventType(m.Type), Class: m.Class, Param: m.Param}
			events = append(events, ev)
			logEvent(ev)

			if callback != nil {
				callback(ev)
			}
			if ev.Type.Terminal() {
				return events, nil
			}
		}
	}

	slog.Debug("[CallControl] Monitor deadline reached", "events", len(events))
	return events, nil
}

func logEvent(ev Event) {
	switch ev.Type {
	case EventEstablished, EventAnswered:
		slog.Info("[CallControl] Call connected", "type", ev.Type)
	case EventProgress, EventRinging:
		slog.Info("[CallControl] Call ringing", "type", ev.Type)
	case EventOutgoing:
		slog.Info("[CallControl] Call dialing")
	case EventClosed, EventFailed:
		slog.Info("[CallControl] Call ended", "type", ev.Type, "reason", ev.Param)
	default:
		slog.Debug("[CallControl] Event", "type", ev.Type, "param", ev.Param)
	}
}
