package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/sebas/callbridge/internal/callcontrol"
)

// MonitorConfig bounds the call's phases.
type MonitorConfig struct {
	RingTimeout     time.Duration // max time in DIALING/RINGING
	MaxCallDuration time.Duration // max time in CONNECTED
	OperatorDetect  time.Duration // early-media wait before declaring a machine
}

func (c *MonitorConfig) applyDefaults() {
	if c.RingTimeout <= 0 {
		c.RingTimeout = 30 * time.Second
	}
	if c.MaxCallDuration <= 0 {
		c.MaxCallDuration = 300 * time.Second
	}
	if c.OperatorDetect <= 0 {
		c.OperatorDetect = 5 * time.Second
	}
}

// Controller is the slice of the call-control client the monitor needs
// to force a hangup.
type Controller interface {
	Hangup(ctx context.Context) (*callcontrol.CommandResult, error)
}

// Lifecycle machine states.
const (
	stateInitiating = "initiating"
	stateDialing    = "dialing"
	stateRinging    = "ringing"
	stateConnected  = "connected"
	stateEnded      = "ended"
)

// LifecycleMonitor drives one call's state from the daemon's event
// stream. It decides when the AI leg opens (only on a confirmed
// answer), detects operator and voicemail announcements via the
// early-media timer, and enforces the ring and duration watchdogs.
type LifecycleMonitor struct {
	cfg     MonitorConfig
	callID  string
	store   Store
	signal  *AILegSignal
	pub     Publisher
	control Controller

	mu           sync.Mutex
	machine      *fsm.FSM
	opTimer      *time.Timer
	dialedAt     time.Time
	connectedAt  time.Time
	terminating  bool
	forcedReason EndReason
	forcedDetail string

	done     chan struct{}
	doneOnce sync.Once
}

// NewLifecycleMonitor returns a monitor for the given session id. The
// transition table mirrors the daemon's event order; duplicate or
// out-of-order events are ignored by the machine rather than treated
// as errors.
func NewLifecycleMonitor(cfg MonitorConfig, callID string, store Store, signal *AILegSignal, pub Publisher, control Controller) *LifecycleMonitor {
	cfg.applyDefaults()
	m := &LifecycleMonitor{
		cfg:      cfg,
		callID:   callID,
		store:    store,
		signal:   signal,
		pub:      pub,
		control:  control,
		dialedAt: time.Now(),
		done:     make(chan struct{}),
	}
	m.machine = fsm.NewFSM(
		stateInitiating,
		fsm.Events{
			{Name: "outgoing", Src: []string{stateInitiating}, Dst: stateDialing},
			{Name: "progress", Src: []string{stateInitiating, stateDialing}, Dst: stateRinging},
			{Name: "established", Src: []string{stateInitiating, stateDialing, stateRinging}, Dst: stateConnected},
			{Name: "ended", Src: []string{stateInitiating, stateDialing, stateRinging, stateConnected}, Dst: stateEnded},
		},
		fsm.Callbacks{},
	)
	return m
}

// Done is closed once the call reaches a terminal state.
func (m *LifecycleMonitor) Done() <-chan struct{} {
	return m.done
}

// State returns the current machine state.
func (m *LifecycleMonitor) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.Current()
}

// HandleEvent is the callback handed to MonitorCallEvents; it runs
// synchronously per event on the monitor connection's goroutine.
func (m *LifecycleMonitor) HandleEvent(ev callcontrol.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Type {
	case callcontrol.EventOutgoing:
		if m.fire("outgoing") {
			m.setStatus(StatusDialing)
		}

	case callcontrol.EventProgress:
		if m.fire("progress") {
			m.setStatus(StatusRinging)
		}
		// Early media may follow a plain ringing indication; the
		// classifier arms on the media event even when the machine is
		// already in ringing.
		if m.machine.Current() == stateRinging && !m.terminating {
			m.startOperatorTimer()
		}

	case callcontrol.EventRinging:
		if m.fire("progress") {
			m.setStatus(StatusRinging)
		}

	case callcontrol.EventEstablished, callcontrol.EventAnswered:
		if m.terminating {
			// A machine answer already condemned this call; do not
			// open the AI leg on the way down.
			return
		}
		if m.fire("established") {
			m.stopOperatorTimer()
			m.connectedAt = time.Now()
			m.setStatus(StatusConnected)
			m.pub.Publish(context.Background(), newEvent(EventCallConnected, m.callID, StatusConnected))
			m.signal.Connect()
		}

	case callcontrol.EventClosed:
		m.finishLocked(StatusCompleted, ParseEndReason(ev.Param), ev.Param)

	case callcontrol.EventFailed:
		reason := ParseEndReason(ev.Param)
		if reason == EndReasonUnknown {
			reason = EndReasonNetworkError
		}
		m.finishLocked(StatusFailed, reason, ev.Param)

	default:
		slog.Debug("[Monitor] Ignoring event", "type", ev.Type, "param", ev.Param)
	}
}

// Run enforces the ring and duration watchdogs until the call ends.
func (m *LifecycleMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.checkWatchdogs(ctx)
		}
	}
}

// Finish force-terminates the monitor, used when the event stream dies
// without a terminal event.
func (m *LifecycleMonitor) Finish(status Status, reason EndReason, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishLocked(status, reason, detail)
}

func (m *LifecycleMonitor) checkWatchdogs(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminating {
		return
	}

	switch m.machine.Current() {
	case stateDialing, stateRinging:
		if time.Since(m.dialedAt) > m.cfg.RingTimeout {
			slog.Warn("[Monitor] Ring timeout, hanging up", "call_id", m.callID)
			m.forceHangup(ctx, EndReasonNoAnswer, "ring timeout")
		}
	case stateConnected:
		if time.Since(m.connectedAt) > m.cfg.MaxCallDuration {
			slog.Warn("[Monitor] Max call duration reached, hanging up", "call_id", m.callID)
			m.forceHangup(ctx, EndReasonTimeout, "max call duration exceeded")
		}
	}
}

// forceHangup records why the call is being killed, then asks the
// daemon to hang up; the resulting CALL_CLOSED event completes the
// termination through the normal path.
func (m *LifecycleMonitor) forceHangup(ctx context.Context, reason EndReason, detail string) {
	m.terminating = true
	m.forcedReason = reason
	m.forcedDetail = detail
	m.signal.Disconnect()

	go func() {
		if _, err := m.control.Hangup(ctx); err != nil {
			slog.Warn("[Monitor] Forced hangup failed", "call_id", m.callID, "error", err)
			m.Finish(StatusCompleted, reason, detail)
		}
	}()
}

// startOperatorTimer arms the early-media classifier: if nothing
// confirms a real answer before it fires, the audio is an operator or
// voicemail announcement and the call is terminated without ever
// opening the AI leg.
func (m *LifecycleMonitor) startOperatorTimer() {
	if m.opTimer != nil {
		return
	}
	m.opTimer = time.AfterFunc(m.cfg.OperatorDetect, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.machine.Current() != stateRinging || m.terminating {
			return
		}
		slog.Info("[Monitor] Operator message detected", "call_id", m.callID)
		m.forceHangup(context.Background(), EndReasonNoAnswer, "operator message detected")
	})
}

func (m *LifecycleMonitor) stopOperatorTimer() {
	if m.opTimer != nil {
		m.opTimer.Stop()
		m.opTimer = nil
	}
}

// fire attempts a machine transition; invalid transitions are expected
// with duplicate daemon events and only logged.
func (m *LifecycleMonitor) fire(event string) bool {
	if err := m.machine.Event(context.Background(), event); err != nil {
		slog.Debug("[Monitor] Transition skipped",
			"call_id", m.callID, "event", event, "state", m.machine.Current(), "reason", err)
		return false
	}
	return true
}

func (m *LifecycleMonitor) setStatus(to Status) {
	s, err := m.store.Update(context.Background(), m.callID, func(sess *Session) error {
		return sess.SetStatus(to)
	})
	if err != nil {
		slog.Warn("[Monitor] Status update failed", "call_id", m.callID, "status", to, "error", err)
		return
	}
	m.pub.Publish(context.Background(), newEvent(EventCallStatus, s.ID, to))
}

func (m *LifecycleMonitor) finishLocked(status Status, reason EndReason, detail string) {
	if m.machine.Current() == stateEnded {
		return
	}
	m.fire("ended")
	m.stopOperatorTimer()
	m.signal.Disconnect()

	if m.forcedReason != EndReasonNone {
		reason = m.forcedReason
		if m.forcedDetail != "" {
			detail = m.forcedDetail
		}
	}

	_, err := m.store.Update(context.Background(), m.callID, func(sess *Session) error {
		sess.End(status, reason)
		if detail != "" {
			sess.Metadata["end_detail"] = detail
		}
		return nil
	})
	if err != nil {
		slog.Warn("[Monitor] Final update failed", "call_id", m.callID, "error", err)
	}

	ev := newEvent(EventCallEnded, m.callID, status)
	ev.EndReason = reason
	ev.Detail = detail
	m.pub.Publish(context.Background(), ev)

	m.doneOnce.Do(func() { close(m.done) })
}
