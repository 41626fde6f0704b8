package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/callbridge/internal/media"
	"github.com/sebas/callbridge/internal/transport"
)

// queueDepth bounds each direction's buffer. A full queue blocks the
// producer instead of dropping audio; 50 chunks is one second of
// headroom at 20 ms per chunk.
const queueDepth = 50

// underrunYield is how long the caller loop sleeps when the transport
// has no complete chunk.
const underrunYield = 2 * time.Millisecond

// statsInterval is how often the bridge logs its counters.
const statsInterval = 10 * time.Second

// AIClient is the conversational leg as the bridge sees it. Satisfied
// by aivoice.Client; tests substitute a fake.
type AIClient interface {
	Connect(ctx context.Context) error
	SendAudio(pcm []byte) error
	ReceiveAudio(ctx context.Context) ([]byte, error)
	OutputFormat() media.Format
	Running() bool
	Disconnect()
}

// AudioBridge pumps audio between the telephony transport and the AI
// leg. It starts in two phases to match call setup: the transport loop
// runs from dial time so early media keeps draining, while the AI leg
// is attached only once the call is confirmed answered.
type AudioBridge struct {
	tr      transport.Transport
	ai      AIClient
	aiInput media.Format // what the AI leg expects to receive
	phone   media.Format // what the transport carries

	toAI    chan []byte
	fromAI  chan []byte
	Metrics Metrics

	mu       sync.Mutex
	loopCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	aiActive atomic.Bool

	aiDone     chan struct{}
	aiDoneOnce sync.Once
}

// New returns a bridge over the given transport and AI leg. aiInput is
// the format the AI service expects for caller audio.
func New(tr transport.Transport, ai AIClient, aiInput media.Format) *AudioBridge {
	return &AudioBridge{
		tr:      tr,
		ai:      ai,
		aiInput: aiInput,
		phone:   media.FormatTelephony,
		toAI:    make(chan []byte, queueDepth),
		fromAI:  make(chan []byte, queueDepth),
		aiDone:  make(chan struct{}),
	}
}

// QueueLens reports current buffer occupancy, for metrics.
func (b *AudioBridge) QueueLens() (int, int) {
	return len(b.toAI), len(b.fromAI)
}

// AIDone is closed when the AI leg's receive loop exits, whether the
// service hung up or the session was torn down locally.
func (b *AudioBridge) AIDone() <-chan struct{} {
	return b.aiDone
}

// StartTransportOnly opens the transport and runs the caller-side read
// loop. Caller audio is discarded until StartAI attaches the AI leg.
func (b *AudioBridge) StartTransportOnly(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	if err := b.tr.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.loopCtx = loopCtx
	b.cancel = cancel
	b.started = true

	b.wg.Add(2)
	go b.callerLoop(loopCtx)
	go b.statsLoop(loopCtx)

	slog.Info("[Bridge] Transport phase started", "chunk_bytes", b.tr.ChunkBytes())
	return nil
}

// StartAI connects the conversational session and starts the three AI
// leg loops. Must be called after StartTransportOnly.
func (b *AudioBridge) StartAI(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return fmt.Errorf("bridge not started")
	}
	if b.aiActive.Load() {
		return nil
	}

	if err := b.ai.Connect(ctx); err != nil {
		return fmt.Errorf("connect ai leg: %w", err)
	}
	b.aiActive.Store(true)

	// AI loops run on the bridge's own context so Stop terminates
	// them; the caller's ctx only scopes the connect.
	b.wg.Add(3)
	go b.sendLoop(b.loopCtx)
	go b.receiveLoop(b.loopCtx)
	go b.writeLoop(b.loopCtx)

	slog.Info("[Bridge] AI leg attached", "ai_output", b.ai.OutputFormat().Name)
	return nil
}

// StopAI detaches the AI leg while keeping the transport loop alive,
// used when the agent conversation ends but the call needs a graceful
// wind-down.
func (b *AudioBridge) StopAI() {
	if !b.aiActive.Swap(false) {
		return
	}
	b.ai.Disconnect()
	slog.Info("[Bridge] AI leg detached")
}

// Stop tears the whole bridge down: cancel the loops, unblock the AI
// read by disconnecting, wait for every loop to finish, then close the
// transport.
func (b *AudioBridge) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.aiActive.Store(false)
	b.ai.Disconnect()
	b.wg.Wait()

	if err := b.tr.Stop(); err != nil {
		slog.Warn("[Bridge] Transport stop failed", "error", err)
	}

	snap := b.Metrics.Snapshot()
	slog.Info("[Bridge] Stopped",
		"caller_chunks", snap.CallerChunks,
		"agent_chunks", snap.AgentChunks,
		"discarded", snap.Discarded)
}

// callerLoop reads caller audio from the transport, upsamples it to
// the AI input rate, and queues it for the AI leg. Before the AI leg
// is active (early media, ringback) chunks are counted and dropped so
// the transport never backs up.
func (b *AudioBridge) callerLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		chunk, err := b.tr.ReadChunk()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("[Bridge] Transport read failed", "error", err)
			}
			return
		}
		if chunk == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(underrunYield):
			}
			continue
		}

		b.Metrics.CallerChunks.Add(1)
		b.Metrics.CallerBytes.Add(int64(len(chunk)))

		if !b.aiActive.Load() {
			b.Metrics.Discarded.Add(1)
			continue
		}

		out := media.Resample(chunk, b.phone.SampleRate, b.aiInput.SampleRate)
		select {
		case b.toAI <- out:
		case <-ctx.Done():
			return
		}
	}
}

// sendLoop ships queued caller audio to the AI service.
func (b *AudioBridge) sendLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-b.toAI:
			if err := b.ai.SendAudio(chunk); err != nil {
				if b.aiActive.Load() {
					slog.Warn("[Bridge] Send to AI failed", "error", err)
				}
				return
			}
		}
	}
}

// receiveLoop pulls agent audio, already normalized to linear PCM at
// the AI output rate, and queues it for the caller side. Exits when
// the session closes and signals AIDone so the call can be ended.
func (b *AudioBridge) receiveLoop(ctx context.Context) {
	defer b.wg.Done()
	defer b.aiDoneOnce.Do(func() { close(b.aiDone) })

	for {
		if ctx.Err() != nil {
			return
		}
		audio, err := b.ai.ReceiveAudio(ctx)
		if err != nil {
			if ctx.Err() == nil && b.aiActive.Load() {
				slog.Info("[Bridge] AI leg closed", "error", err)
			}
			return
		}
		if audio == nil {
			continue
		}

		b.Metrics.AgentMessages.Add(1)
		select {
		case b.fromAI <- audio:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop downsamples agent audio to the telephony rate, re-slices
// it into fixed chunks, and writes them to the transport. Agent
// messages are arbitrary sizes; leftover bytes carry over to the next
// message so no audio is lost at chunk boundaries.
func (b *AudioBridge) writeLoop(ctx context.Context) {
	defer b.wg.Done()

	chunkBytes := b.tr.ChunkBytes()
	var pending []byte

	for {
		select {
		case <-ctx.Done():
			return
		case audio := <-b.fromAI:
			outRate := b.ai.OutputFormat().SampleRate
			pending = append(pending, media.Resample(audio, outRate, b.phone.SampleRate)...)

			for len(pending) >= chunkBytes {
				chunk := pending[:chunkBytes]
				if err := b.tr.WriteChunk(chunk); err != nil {
					if ctx.Err() == nil {
						slog.Warn("[Bridge] Transport write failed", "error", err)
					}
					return
				}
				b.Metrics.AgentChunks.Add(1)
				b.Metrics.AgentBytes.Add(int64(chunkBytes))
				pending = pending[chunkBytes:]
			}
		}
	}
}

// statsLoop logs throughput counters periodically while the bridge
// runs.
func (b *AudioBridge) statsLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := b.Metrics.Snapshot()
			toAI, fromAI := b.QueueLens()
			slog.Info("[Bridge] Stats",
				"caller_chunks", snap.CallerChunks,
				"agent_chunks", snap.AgentChunks,
				"agent_messages", snap.AgentMessages,
				"discarded", snap.Discarded,
				"queue_to_ai", toAI,
				"queue_from_ai", fromAI)
		}
	}
}
