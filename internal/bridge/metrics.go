package bridge

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts traffic through the bridge. Counters are plain
// atomics so the audio loops never touch a lock; the prometheus side
// reads them lazily through collector funcs.
type Metrics struct {
	CallerChunks  atomic.Int64 // chunks read from the telephony leg
	CallerBytes   atomic.Int64
	AgentChunks   atomic.Int64 // chunks written toward the caller
	AgentBytes    atomic.Int64
	AgentMessages atomic.Int64 // audio messages received from the AI leg
	Discarded     atomic.Int64 // caller chunks dropped before the AI leg was up
}

// Snapshot is a point-in-time copy for logging and the stats endpoint.
type Snapshot struct {
	CallerChunks  int64 `json:"caller_chunks"`
	CallerBytes   int64 `json:"caller_bytes"`
	AgentChunks   int64 `json:"agent_chunks"`
	AgentBytes    int64 `json:"agent_bytes"`
	AgentMessages int64 `json:"agent_messages"`
	Discarded     int64 `json:"discarded_chunks"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		CallerChunks:  m.CallerChunks.Load(),
		CallerBytes:   m.CallerBytes.Load(),
		AgentChunks:   m.AgentChunks.Load(),
		AgentBytes:    m.AgentBytes.Load(),
		AgentMessages: m.AgentMessages.Load(),
		Discarded:     m.Discarded.Load(),
	}
}

// RegisterCurrent exposes the metrics of whichever bridge current
// returns. Bridges are created per call while the collectors live for
// the process; a nil current bridge reads as zero, and a new call's
// counters appear as an ordinary counter reset.
func RegisterCurrent(reg prometheus.Registerer, current func() *AudioBridge) {
	counter := func(name, help string, read func(*Metrics) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      name,
			Help:      help,
		}, func() float64 {
			if b := current(); b != nil {
				return float64(read(&b.Metrics))
			}
			return 0
		})
	}

	reg.MustRegister(
		counter("caller_chunks_total", "Audio chunks read from the telephony leg.",
			func(m *Metrics) int64 { return m.CallerChunks.Load() }),
		counter("caller_bytes_total", "Audio bytes read from the telephony leg.",
			func(m *Metrics) int64 { return m.CallerBytes.Load() }),
		counter("agent_chunks_total", "Audio chunks written toward the caller.",
			func(m *Metrics) int64 { return m.AgentChunks.Load() }),
		counter("agent_bytes_total", "Audio bytes written toward the caller.",
			func(m *Metrics) int64 { return m.AgentBytes.Load() }),
		counter("agent_messages_total", "Audio messages received from the AI leg.",
			func(m *Metrics) int64 { return m.AgentMessages.Load() }),
		counter("discarded_chunks_total", "Caller chunks dropped before the AI leg was connected.",
			func(m *Metrics) int64 { return m.Discarded.Load() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Name:      "queue_to_ai_depth",
			Help:      "Buffered chunks waiting for the AI leg.",
		}, func() float64 {
			if b := current(); b != nil {
				a, _ := b.QueueLens()
				return float64(a)
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Name:      "queue_from_ai_depth",
			Help:      "Buffered chunks waiting for the telephony leg.",
		}, func() float64 {
			if b := current(); b != nil {
				_, q := b.QueueLens()
				return float64(q)
			}
			return 0
		}),
	)
}
