package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/callbridge/internal/callcontrol"
)

// ErrCallActive is returned when a second call is started while one is
// in flight.
var ErrCallActive = errors.New("call: another call is active")

// ControlClient is the slice of the call-control client the service
// drives.
type ControlClient interface {
	Dial(ctx context.Context, number string) (*callcontrol.CommandResult, error)
	Hangup(ctx context.Context) (*callcontrol.CommandResult, error)
	MonitorCallEvents(ctx context.Context, timeout time.Duration, callback func(callcontrol.Event)) ([]callcontrol.Event, error)
}

// BridgeRunner is the audio bridge as the service sees it. One
// instance serves one call.
type BridgeRunner interface {
	StartTransportOnly(ctx context.Context) error
	StartAI(ctx context.Context) error
	StopAI()
	Stop()
	AIDone() <-chan struct{}
}

// ServiceConfig tunes per-call behavior.
type ServiceConfig struct {
	MonitorTimeout time.Duration // overall event-stream deadline per call
	Monitor        MonitorConfig
}

// Service orchestrates calls: it owns the single active-call slot,
// wires a fresh bridge and lifecycle monitor per call, and exposes the
// session operations the HTTP layer serves.
type Service struct {
	cfg       ServiceConfig
	store     Store
	control   ControlClient
	newBridge func() BridgeRunner
	pub       Publisher

	active activeSlot
}

// activeSlot guards the one in-flight call.
type activeSlot struct {
	ch chan *liveCall // capacity 1, holds current or empty
}

type liveCall struct {
	callID  string
	monitor *LifecycleMonitor
	bridge  BridgeRunner
	signal  *AILegSignal
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewService wires the orchestrator. newBridge must return a fresh
// bridge ready for StartTransportOnly.
func NewService(cfg ServiceConfig, store Store, control ControlClient, newBridge func() BridgeRunner, pub Publisher) *Service {
	if cfg.MonitorTimeout <= 0 {
		cfg.MonitorTimeout = 60 * time.Second
	}
	if pub == nil {
		pub = LogPublisher{}
	}
	s := &Service{
		cfg:       cfg,
		store:     store,
		control:   control,
		newBridge: newBridge,
		pub:       pub,
	}
	s.active.ch = make(chan *liveCall, 1)
	return s
}

// StartCall dials the number and runs the call to completion in the
// background. Returns the created session immediately after the dial
// is accepted.
func (s *Service) StartCall(ctx context.Context, phoneNumber string) (*Session, error) {
	if phoneNumber == "" {
		return nil, errors.New("call: phone number required")
	}

	// Claim the active slot before doing anything irreversible.
	select {
	case s.active.ch <- nil:
	default:
		return nil, ErrCallActive
	}
	release := func() { <-s.active.ch }

	session := NewSession(phoneNumber, DirectionOutbound)
	if err := s.store.Create(ctx, session); err != nil {
		release()
		return nil, err
	}
	s.pub.Publish(ctx, newEvent(EventCallStarted, session.ID, session.Status))

	bridge := s.newBridge()
	if err := bridge.StartTransportOnly(context.WithoutCancel(ctx)); err != nil {
		s.failSetup(session.ID, fmt.Sprintf("transport: %v", err))
		release()
		return nil, err
	}

	res, err := s.control.Dial(ctx, phoneNumber)
	if err != nil || !res.OK {
		bridge.Stop()
		detail := "dial failed"
		if err != nil {
			detail = err.Error()
		} else if res.Err != "" {
			detail = res.Err
		}
		s.failSetup(session.ID, detail)
		release()
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		return nil, fmt.Errorf("dial: %s", detail)
	}

	updated, uerr := s.store.Update(ctx, session.ID, func(sess *Session) error {
		return sess.SetStatus(StatusDialing)
	})
	if uerr == nil {
		session = updated
	}

	callCtx, cancel := context.WithCancel(context.Background())
	signal := NewAILegSignal()
	monitor := NewLifecycleMonitor(s.cfg.Monitor, session.ID, s.store, signal, s.pub, s.control)

	live := &liveCall{
		callID:  session.ID,
		monitor: monitor,
		bridge:  bridge,
		signal:  signal,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	// Replace the nil placeholder with the real record.
	<-s.active.ch
	s.active.ch <- live

	go s.supervise(callCtx, live)
	go monitor.Run(callCtx)
	go s.runEventStream(callCtx, live)

	return session, nil
}

// runEventStream consumes daemon events until the call terminates,
// then tears everything down.
func (s *Service) runEventStream(ctx context.Context, live *liveCall) {
	defer close(live.done)
	defer s.releaseActive(live)

	_, err := s.control.MonitorCallEvents(ctx, s.cfg.MonitorTimeout, live.monitor.HandleEvent)
	if err != nil {
		slog.Warn("[CallService] Event stream failed", "call_id", live.callID, "error", err)
	}

	// No terminal event means the stream or deadline gave out under
	// the call; close the record explicitly.
	select {
	case <-live.monitor.Done():
	default:
		live.monitor.Finish(StatusCompleted, EndReasonUnknown, "event stream ended")
	}

	live.cancel()
	live.bridge.Stop()
	slog.Info("[CallService] Call finished", "call_id", live.callID)
}

// supervise translates AI-leg signals and AI session closure into
// bridge operations.
func (s *Service) supervise(ctx context.Context, live *liveCall) {
	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-live.signal.Commands():
			switch cmd {
			case AILegConnect:
				if err := live.bridge.StartAI(ctx); err != nil {
					slog.Error("[CallService] AI leg failed to attach",
						"call_id", live.callID, "error", err)
					// Without the AI leg the call is pointless.
					if _, herr := s.control.Hangup(ctx); herr != nil {
						slog.Warn("[CallService] Hangup after AI failure failed", "error", herr)
					}
				}
			case AILegDisconnect:
				live.bridge.StopAI()
			}

		case <-live.bridge.AIDone():
			if ctx.Err() != nil {
				// Normal teardown closes the AI leg too; nothing to do.
				return
			}
			// Service-side session end (limit or agent hangup): end
			// the phone call too.
			slog.Info("[CallService] AI session ended, hanging up", "call_id", live.callID)
			if _, err := s.control.Hangup(ctx); err != nil {
				slog.Warn("[CallService] Hangup after AI close failed", "error", err)
			}
			return
		}
	}
}

func (s *Service) releaseActive(live *liveCall) {
	select {
	case got := <-s.active.ch:
		if got != live && got != nil {
			// Somebody else already claimed the slot; put it back.
			s.active.ch <- got
		}
	default:
	}
}

func (s *Service) failSetup(callID, detail string) {
	_, err := s.store.Update(context.Background(), callID, func(sess *Session) error {
		sess.End(StatusFailed, EndReasonNetworkError)
		sess.Metadata["end_detail"] = detail
		return nil
	})
	if err != nil {
		slog.Warn("[CallService] Failed-setup update error", "call_id", callID, "error", err)
	}
	ev := newEvent(EventCallEnded, callID, StatusFailed)
	ev.EndReason = EndReasonNetworkError
	ev.Detail = detail
	s.pub.Publish(context.Background(), ev)
}

// EndCall hangs up the active call, or a specific call if id is given
// and matches the active one. Terminated calls return ErrNotFound.
func (s *Service) EndCall(ctx context.Context, id string) (*Session, error) {
	active, err := s.store.Active(ctx)
	if err != nil {
		return nil, err
	}
	if id != "" && id != active.ID {
		return nil, ErrNotFound
	}

	if _, err := s.control.Hangup(ctx); err != nil {
		return nil, fmt.Errorf("hangup: %w", err)
	}

	// Wait briefly for the terminal event to land so the response
	// carries final status.
	if live := s.peekActive(); live != nil && live.callID == active.ID {
		select {
		case <-live.monitor.Done():
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
	}
	return s.store.Get(ctx, active.ID)
}

func (s *Service) peekActive() *liveCall {
	select {
	case live := <-s.active.ch:
		s.active.ch <- live
		return live
	default:
		return nil
	}
}

// ConnectAI manually attaches the AI leg to a connected call.
func (s *Service) ConnectAI(ctx context.Context, id string) error {
	session, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if session.Status != StatusConnected && session.Status != StatusOnHold {
		return fmt.Errorf("call: cannot connect AI in status %s", session.Status)
	}
	live := s.peekActive()
	if live == nil || live.callID != id {
		return ErrNotFound
	}
	live.signal.Connect()
	return nil
}

// UpdateStatus applies an externally requested transition.
func (s *Service) UpdateStatus(ctx context.Context, id string, to Status) (*Session, error) {
	session, err := s.store.Update(ctx, id, func(sess *Session) error {
		return sess.SetStatus(to)
	})
	if err != nil {
		return nil, err
	}
	s.pub.Publish(ctx, newEvent(EventCallStatus, id, to))
	return session, nil
}

// GetActive returns the in-flight session.
func (s *Service) GetActive(ctx context.Context) (*Session, error) {
	return s.store.Active(ctx)
}

// Get returns one session by id.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.store.Get(ctx, id)
}

// List returns session history, newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Session, error) {
	return s.store.List(ctx, limit, offset)
}
