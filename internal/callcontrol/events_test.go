package callcontrol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemuxSplitsEventsAndResponses(t *testing.T) {
	frames := [][]byte{
		[]byte(`{"event":true,"type":"CALL_OUTGOING","class":"call"}`),
		[]byte(`{"response":true,"ok":true,"data":"call id abc"}`),
		[]byte(`not json at all`),
		[]byte(`{"event":true,"type":"CALL_CLOSED","param":"Connection reset by peer"}`),
	}

	events, responses := Demux(frames)
	require.Len(t, events, 2)
	assert.Equal(t, EventOutgoing, events[0].Type)
	assert.Equal(t, EventClosed, events[1].Type)
	assert.Equal(t, "Connection reset by peer", events[1].Param)

	require.Len(t, responses, 1)
	assert.True(t, responses[0].OK)
	assert.Equal(t, "call id abc", responses[0].Data)
}

func TestDemuxObjectData(t *testing.T) {
	frames := [][]byte{
		[]byte(`{"response":true,"ok":true,"data":{"calls":1}}`),
	}
	_, responses := Demux(frames)
	require.Len(t, responses, 1)
	assert.Equal(t, `{"calls":1}`, responses[0].Data)
}

func TestSelectPriority(t *testing.T) {
	outgoing := Event{Type: EventOutgoing}
	established := Event{Type: EventEstablished}
	answered := Event{Type: EventAnswered}
	closed := Event{Type: EventClosed, Param: "hangup"}
	failed := Event{Type: EventFailed}
	ringing := Event{Type: EventRinging}

	tests := []struct {
		name   string
		events []Event
		want   *EventType
	}{
		{"empty", nil, nil},
		{"ringing only", []Event{ringing}, nil},
		{"outgoing alone", []Event{outgoing}, ptr(EventOutgoing)},
		{"established beats outgoing", []Event{outgoing, established}, ptr(EventEstablished)},
		{"answered beats outgoing", []Event{answered, outgoing}, ptr(EventAnswered)},
		{"closed beats everything", []Event{outgoing, established, closed}, ptr(EventClosed)},
		{"failed wins even first", []Event{failed, established}, ptr(EventFailed)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectPriority(tt.events)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, got.Type)
		})
	}
}

func TestEventTypePredicates(t *testing.T) {
	assert.True(t, EventClosed.Terminal())
	assert.True(t, EventFailed.Terminal())
	assert.False(t, EventEstablished.Terminal())

	assert.True(t, EventEstablished.Connected())
	assert.True(t, EventAnswered.Connected())
	assert.False(t, EventRinging.Connected())
}

func ptr(t EventType) *EventType { return &t }
