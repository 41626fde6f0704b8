package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callbridge/internal/callcontrol"
)

// fakeControl scripts the daemon: Dial returns a canned result and
// MonitorCallEvents relays whatever the test pushes into events,
// returning on a terminal event like the real client.
type fakeControl struct {
	mu         sync.Mutex
	dialResult *callcontrol.CommandResult
	dialErr    error
	dials      int
	hangups    int
	events     chan callcontrol.Event
}

func newFakeControl() *fakeControl {
	return &fakeControl{
		dialResult: &callcontrol.CommandResult{
			OK:    true,
			Event: &callcontrol.Event{Type: callcontrol.EventOutgoing},
		},
		events: make(chan callcontrol.Event, 16),
	}
}

func (f *fakeControl) Dial(ctx context.Context, number string) (*callcontrol.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	return f.dialResult, f.dialErr
}

func (f *fakeControl) Hangup(ctx context.Context) (*callcontrol.CommandResult, error) {
	f.mu.Lock()
	f.hangups++
	f.mu.Unlock()
	// The daemon reports the resulting closure on the event stream.
	select {
	case f.events <- callcontrol.Event{Type: callcontrol.EventClosed, Param: "hangup"}:
	default:
	}
	return &callcontrol.CommandResult{OK: true}, nil
}

func (f *fakeControl) MonitorCallEvents(ctx context.Context, timeout time.Duration, callback func(callcontrol.Event)) ([]callcontrol.Event, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	var seen []callcontrol.Event
	for {
		select {
		case <-ctx.Done():
			return seen, nil
		case <-deadline.C:
			return seen, nil
		case ev := <-f.events:
			seen = append(seen, ev)
			callback(ev)
			if ev.Type.Terminal() {
				return seen, nil
			}
		}
	}
}

func (f *fakeControl) hangupCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hangups
}

type fakeBridge struct {
	mu     sync.Mutex
	calls  []string
	aiDone chan struct{}
	once   sync.Once
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{aiDone: make(chan struct{})}
}

func (f *fakeBridge) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeBridge) StartTransportOnly(ctx context.Context) error {
	f.record("transport")
	return nil
}

func (f *fakeBridge) StartAI(ctx context.Context) error {
	f.record("start_ai")
	return nil
}

func (f *fakeBridge) StopAI() { f.record("stop_ai") }

func (f *fakeBridge) Stop() {
	f.record("stop")
	f.once.Do(func() { close(f.aiDone) })
}

func (f *fakeBridge) AIDone() <-chan struct{} { return f.aiDone }

func (f *fakeBridge) has(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func newTestService(control *fakeControl, bridge *fakeBridge) (*Service, *MemoryStore) {
	store := NewMemoryStore()
	svc := NewService(ServiceConfig{
		MonitorTimeout: 5 * time.Second,
		Monitor:        MonitorConfig{RingTimeout: time.Minute, MaxCallDuration: time.Minute},
	}, store, control, func() BridgeRunner { return bridge }, LogPublisher{})
	return svc, store
}

func TestStartCallHappyPath(t *testing.T) {
	control := newFakeControl()
	bridge := newFakeBridge()
	svc, store := newTestService(control, bridge)

	session, err := svc.StartCall(context.Background(), "+15551234")
	require.NoError(t, err)
	assert.Equal(t, StatusDialing, session.Status)
	assert.True(t, bridge.has("transport"), "transport must start before dialing")

	control.events <- callcontrol.Event{Type: callcontrol.EventOutgoing}
	control.events <- callcontrol.Event{Type: callcontrol.EventEstablished}

	require.Eventually(t, func() bool { return bridge.has("start_ai") },
		2*time.Second, 10*time.Millisecond, "AI leg never attached")

	control.events <- callcontrol.Event{Type: callcontrol.EventClosed, Param: "remote hangup"}

	require.Eventually(t, func() bool {
		s, err := store.Get(context.Background(), session.ID)
		return err == nil && s.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond, "call never completed")

	require.Eventually(t, func() bool { return bridge.has("stop") },
		2*time.Second, 10*time.Millisecond, "bridge never stopped")

	final, err := store.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, EndReasonRemoteHangup, final.EndReason)
	assert.NotNil(t, final.ConnectedAt)
}

func TestStartCallRejectsConcurrent(t *testing.T) {
	control := newFakeControl()
	bridge := newFakeBridge()
	svc, _ := newTestService(control, bridge)

	_, err := svc.StartCall(context.Background(), "100")
	require.NoError(t, err)

	_, err = svc.StartCall(context.Background(), "200")
	assert.ErrorIs(t, err, ErrCallActive)
}

func TestStartCallSlotFreedAfterCompletion(t *testing.T) {
	control := newFakeControl()
	svc, store := newTestService(control, nil)
	bridges := make(chan *fakeBridge, 2)
	svc.newBridge = func() BridgeRunner {
		b := newFakeBridge()
		bridges <- b
		return b
	}

	first, err := svc.StartCall(context.Background(), "100")
	require.NoError(t, err)
	control.events <- callcontrol.Event{Type: callcontrol.EventClosed, Param: "busy"}

	require.Eventually(t, func() bool {
		s, gerr := store.Get(context.Background(), first.ID)
		if gerr != nil || !s.Status.Terminal() {
			return false
		}
		_, serr := svc.StartCall(context.Background(), "200")
		return serr == nil
	}, 3*time.Second, 20*time.Millisecond, "slot was not released")
}

func TestStartCallDialFailure(t *testing.T) {
	control := newFakeControl()
	control.dialResult = &callcontrol.CommandResult{OK: false, Err: "486 Busy Here"}
	bridge := newFakeBridge()
	svc, store := newTestService(control, bridge)

	_, err := svc.StartCall(context.Background(), "100")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "486")
	assert.True(t, bridge.has("stop"), "bridge must be torn down on dial failure")

	sessions, lerr := store.List(context.Background(), 0, 0)
	require.NoError(t, lerr)
	require.Len(t, sessions, 1)
	assert.Equal(t, StatusFailed, sessions[0].Status)

	// The slot must be free for the next attempt.
	control.dialResult = &callcontrol.CommandResult{OK: true}
	_, err = svc.StartCall(context.Background(), "200")
	assert.NoError(t, err)
}

func TestAISessionEndHangsUpCall(t *testing.T) {
	control := newFakeControl()
	bridge := newFakeBridge()
	svc, store := newTestService(control, bridge)

	session, err := svc.StartCall(context.Background(), "100")
	require.NoError(t, err)

	control.events <- callcontrol.Event{Type: callcontrol.EventEstablished}
	require.Eventually(t, func() bool { return bridge.has("start_ai") },
		2*time.Second, 10*time.Millisecond)

	// Service-side session cap: the AI leg dies on its own.
	bridge.once.Do(func() { close(bridge.aiDone) })

	require.Eventually(t, func() bool { return control.hangupCalls() > 0 },
		2*time.Second, 10*time.Millisecond, "AI close did not hang up the call")

	require.Eventually(t, func() bool {
		s, gerr := store.Get(context.Background(), session.ID)
		return gerr == nil && s.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEndCallReturnsFinalSession(t *testing.T) {
	control := newFakeControl()
	bridge := newFakeBridge()
	svc, _ := newTestService(control, bridge)

	session, err := svc.StartCall(context.Background(), "100")
	require.NoError(t, err)

	final, err := svc.EndCall(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, session.ID, final.ID)
	assert.True(t, final.Status.Terminal())
}

func TestEndCallWrongID(t *testing.T) {
	control := newFakeControl()
	bridge := newFakeBridge()
	svc, _ := newTestService(control, bridge)

	_, err := svc.StartCall(context.Background(), "100")
	require.NoError(t, err)

	_, err = svc.EndCall(context.Background(), "not-the-active-call")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndCallWithoutActive(t *testing.T) {
	control := newFakeControl()
	svc, _ := newTestService(control, newFakeBridge())
	_, err := svc.EndCall(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}
