package call

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the call lifecycle state. Transitions only move forward,
// with hold as the one reversible excursion from CONNECTED.
type Status string

const (
	StatusInitiating Status = "INITIATING"
	StatusDialing    Status = "DIALING"
	StatusRinging    Status = "RINGING"
	StatusConnected  Status = "CONNECTED"
	StatusOnHold     Status = "ON_HOLD"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusInitiating:
		return 0
	case StatusDialing:
		return 1
	case StatusRinging:
		return 2
	case StatusConnected, StatusOnHold:
		return 3
	case StatusCompleted, StatusFailed:
		return 4
	}
	return -1
}

// CanTransition reports whether moving to the given status is legal.
func (s Status) CanTransition(to Status) bool {
	if s.rank() < 0 || to.rank() < 0 || s == to {
		return false
	}
	if s.Terminal() {
		return false
	}
	// Hold is reachable only from CONNECTED, and resuming is the one
	// sideways move back.
	if to == StatusOnHold {
		return s == StatusConnected
	}
	if s == StatusOnHold && to == StatusConnected {
		return true
	}
	return to.rank() > s.rank()
}

// ParseStatus validates a wire status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if s.rank() < 0 {
		return "", fmt.Errorf("unknown status: %q", raw)
	}
	return s, nil
}

// Direction tells which side initiated the call.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// EndReason classifies why a call ended.
type EndReason string

const (
	EndReasonNone         EndReason = ""
	EndReasonUserHangup   EndReason = "user-hangup"
	EndReasonRemoteHangup EndReason = "remote-hangup"
	EndReasonNoAnswer     EndReason = "no-answer"
	EndReasonBusy         EndReason = "busy"
	EndReasonDeclined     EndReason = "declined"
	EndReasonUnreachable  EndReason = "unreachable"
	EndReasonNetworkError EndReason = "network-error"
	EndReasonTimeout      EndReason = "timeout"
	EndReasonUnknown      EndReason = "unknown"
)

// ParseEndReason maps the daemon's free-form close parameter, usually
// a SIP status line, onto the end reason taxonomy.
func ParseEndReason(param string) EndReason {
	p := strings.ToLower(strings.TrimSpace(param))
	if p == "" {
		return EndReasonUnknown
	}

	switch {
	case strings.Contains(p, "486") || strings.Contains(p, "busy"):
		return EndReasonBusy
	case strings.Contains(p, "603") || strings.Contains(p, "decline"):
		return EndReasonDeclined
	case strings.Contains(p, "408") || strings.Contains(p, "request timeout"):
		return EndReasonNoAnswer
	case strings.Contains(p, "404") || strings.Contains(p, "480") ||
		strings.Contains(p, "503") || strings.Contains(p, "not found") ||
		strings.Contains(p, "unavailable") || strings.Contains(p, "unreachable"):
		return EndReasonUnreachable
	case strings.Contains(p, "connection reset") || strings.Contains(p, "network") ||
		strings.Contains(p, "transport"):
		return EndReasonNetworkError
	case strings.Contains(p, "hangup") || strings.Contains(p, "bye") ||
		strings.Contains(p, "call closed"):
		return EndReasonRemoteHangup
	}
	return EndReasonUnknown
}

// Session is one phone call's record. Instances handed out by the
// store are copies; mutation happens through Store.Update so readers
// never observe a half-applied change.
type Session struct {
	ID          string            `json:"id"`
	PhoneNumber string            `json:"phone_number"`
	Direction   Direction         `json:"direction"`
	Status      Status            `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	ConnectedAt *time.Time        `json:"connected_at,omitempty"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
	Duration    float64           `json:"duration_seconds"`
	EndReason   EndReason         `json:"end_reason,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewSession creates a record in INITIATING state.
func NewSession(phoneNumber string, direction Direction) *Session {
	return &Session{
		ID:          uuid.NewString(),
		PhoneNumber: phoneNumber,
		Direction:   direction,
		Status:      StatusInitiating,
		StartedAt:   time.Now().UTC(),
		Metadata:    map[string]string{},
	}
}

// SetStatus applies a transition, stamping the connected and ended
// times as the lifecycle passes through them.
func (s *Session) SetStatus(to Status) error {
	if !s.Status.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s", s.Status, to)
	}
	s.Status = to

	now := time.Now().UTC()
	if to == StatusConnected && s.ConnectedAt == nil {
		s.ConnectedAt = &now
	}
	if to.Terminal() && s.EndedAt == nil {
		s.EndedAt = &now
	}
	s.recomputeDuration()
	return nil
}

// End forces the session into a terminal state with a reason,
// regardless of the current status.
func (s *Session) End(status Status, reason EndReason) {
	if !status.Terminal() {
		status = StatusCompleted
	}
	if s.Status.Terminal() {
		return
	}
	s.Status = status
	s.EndReason = reason
	now := time.Now().UTC()
	if s.EndedAt == nil {
		s.EndedAt = &now
	}
	s.recomputeDuration()
}

// Active reports whether the call is still in flight.
func (s *Session) Active() bool {
	return !s.Status.Terminal()
}

// recomputeDuration derives the talk time whenever both the connected
// and ended stamps exist.
func (s *Session) recomputeDuration() {
	if s.ConnectedAt != nil && s.EndedAt != nil {
		s.Duration = s.EndedAt.Sub(*s.ConnectedAt).Seconds()
		if s.Duration < 0 {
			s.Duration = 0
		}
	}
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *Session) Clone() *Session {
	out := *s
	if s.ConnectedAt != nil {
		ts := *s.ConnectedAt
		out.ConnectedAt = &ts
	}
	if s.EndedAt != nil {
		ts := *s.EndedAt
		out.EndedAt = &ts
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
