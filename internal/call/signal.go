package call

// AILegCommand asks the bridge supervisor to attach or detach the
// conversational session.
type AILegCommand int

const (
	AILegConnect AILegCommand = iota
	AILegDisconnect
)

func (c AILegCommand) String() string {
	if c == AILegConnect {
		return "connect"
	}
	return "disconnect"
}

// AILegSignal is the in-process channel between the lifecycle monitor
// and the bridge supervisor. The buffer absorbs a connect immediately
// followed by a disconnect without blocking the monitor's event
// callback.
type AILegSignal struct {
	ch chan AILegCommand
}

// NewAILegSignal returns a ready signal channel.
func NewAILegSignal() *AILegSignal {
	return &AILegSignal{ch: make(chan AILegCommand, 4)}
}

// Connect requests the AI leg be attached. Non-blocking; if the
// supervisor is hopelessly behind the newest command wins anyway once
// it catches up.
func (s *AILegSignal) Connect() {
	s.send(AILegConnect)
}

// Disconnect requests the AI leg be detached.
func (s *AILegSignal) Disconnect() {
	s.send(AILegDisconnect)
}

func (s *AILegSignal) send(cmd AILegCommand) {
	select {
	case s.ch <- cmd:
	default:
	}
}

// Commands is consumed by the bridge supervisor.
func (s *AILegSignal) Commands() <-chan AILegCommand {
	return s.ch
}
