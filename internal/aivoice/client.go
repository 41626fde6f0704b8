package aivoice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/callbridge/internal/media"
)

// ErrNotConnected is returned when audio is pushed before Connect or
// after the session closed.
var ErrNotConnected = errors.New("aivoice: not connected")

// CloseClass classifies how the conversational session ended.
type CloseClass int

const (
	CloseNone         CloseClass = iota // still open or never connected
	CloseNormal                         // clean closure
	CloseSessionLimit                   // service-side duration cap reached
	CloseUnexpected                     // transport failure or abnormal closure
)

func (c CloseClass) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseSessionLimit:
		return "session_limit"
	case CloseUnexpected:
		return "unexpected"
	default:
		return "none"
	}
}

// sessionLimitReason is matched as a substring of the close reason when
// the close code alone is ambiguous.
const sessionLimitReason = "Max call duration exceeded"

// flushInterval is how much buffered caller audio triggers an
// append+commit pair.
const flushInterval = 100 * time.Millisecond

// Config carries service credentials and endpoints.
type Config struct {
	APIKey       string
	AgentID      string
	WSURL        string        // wss endpoint for conversations
	ProxyURL     string        // optional socks5:// or http:// proxy
	InputFormat  media.Format  // what the bridge feeds in
	PingInterval time.Duration // keepalive period, default 20s
}

// Client maintains one conversational session over a WebSocket. All
// writes to the socket are serialized through writeMu; reads happen
// only from ReceiveAudio, which the bridge calls from a single
// goroutine.
type Client struct {
	cfg Config

	writeMu sync.Mutex
	conn    *websocket.Conn
	running atomic.Bool

	stateMu        sync.Mutex
	conversationID string
	outputFormat   media.Format
	closeClass     CloseClass

	// pending accumulates caller audio between commits.
	pendMu      sync.Mutex
	pending     []byte
	flushBytes  int
	pingEventID atomic.Int64

	pingStop chan struct{}
	pingDone chan struct{}
}

// NewClient returns an unconnected client.
func NewClient(cfg Config) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.InputFormat.SampleRate == 0 {
		cfg.InputFormat = media.FormatAI16k
	}
	return &Client{
		cfg:          cfg,
		outputFormat: media.FormatAI16k,
		flushBytes:   cfg.InputFormat.SampleRate * cfg.InputFormat.BytesPerSample() / int(time.Second/flushInterval),
	}
}

// Connect dials the service, performs the initiation handshake, and
// starts the keepalive loop. The session is usable once Connect
// returns nil.
func (c *Client) Connect(ctx context.Context) error {
	dialer, err := newDialer(c.cfg.ProxyURL)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s?agent_id=%s", c.cfg.WSURL, c.cfg.AgentID)
	header := http.Header{}
	header.Set("xi-api-key", c.cfg.APIKey)

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial conversation (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial conversation: %w", err)
	}

	meta, err := awaitHandshake(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	format, ferr := media.ParseFormat(meta.AgentOutputAudioFormat)
	if ferr != nil {
		slog.Warn("[AIVoice] Unknown agent output format, assuming 16 kHz PCM",
			"format", meta.AgentOutputAudioFormat)
	}

	c.stateMu.Lock()
	c.conversationID = meta.ConversationID
	c.outputFormat = format
	c.closeClass = CloseNone
	c.stateMu.Unlock()
	c.conn = conn
	c.running.Store(true)

	// The service expects the metadata echoed back before it will
	// stream agent audio.
	ack := map[string]any{
		"type": typeInitMetadata,
		"conversation_initiation_metadata_event": map[string]any{
			"conversation_id":           meta.ConversationID,
			"agent_output_audio_format": meta.AgentOutputAudioFormat,
		},
	}
	if err := c.writeJSON(ack); err != nil {
		c.teardown(CloseUnexpected)
		return fmt.Errorf("handshake ack: %w", err)
	}

	c.pingStop = make(chan struct{})
	c.pingDone = make(chan struct{})
	go c.pingLoop()

	slog.Info("[AIVoice] Session started",
		"conversation_id", meta.ConversationID,
		"output_format", format.Name)
	return nil
}

// awaitHandshake reads frames until the initiation metadata arrives.
// Unrelated frames before it (transcript replays, pings) are skipped.
func awaitHandshake(ctx context.Context, conn *websocket.Conn) (*initMetadata, error) {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("handshake read: %w", err)
		}
		var env wireEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if env.Type == typeInitMetadata && env.InitMetadataEvent != nil {
			return env.InitMetadataEvent, nil
		}
	}
}

// SendAudio buffers caller audio and ships it as an append+commit pair
// once roughly 100 ms has accumulated. Chunks are base64 in the append
// message; the commit tells the service the utterance slice is
// complete.
func (c *Client) SendAudio(pcm []byte) error {
	if !c.running.Load() {
		return ErrNotConnected
	}

	c.pendMu.Lock()
	c.pending = append(c.pending, pcm...)
	if len(c.pending) < c.flushBytes {
		c.pendMu.Unlock()
		return nil
	}
	batch := c.pending
	c.pending = nil
	c.pendMu.Unlock()

	if err := c.writeJSON(map[string]any{
		"type":  typeBufferAppend,
		"audio": base64.StdEncoding.EncodeToString(batch),
	}); err != nil {
		return fmt.Errorf("append audio: %w", err)
	}
	if err := c.writeJSON(map[string]any{"type": typeBufferCommit}); err != nil {
		return fmt.Errorf("commit audio: %w", err)
	}
	return nil
}

// ReceiveAudio blocks for the next inbound frame and returns agent
// audio normalized to 16-bit linear PCM at OutputFormat's rate.
// Non-audio frames are consumed internally and yield (nil, nil);
// session closure flips the client to not-running and returns the
// error after recording the close classification.
func (c *Client) ReceiveAudio(ctx context.Context) ([]byte, error) {
	if !c.running.Load() {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		class := classifyClose(err)
		c.teardown(class)
		slog.Info("[AIVoice] Session closed", "class", class.String(), "error", err)
		return nil, err
	}

	payload, perr := parseMessage(raw)
	if perr != nil {
		slog.Debug("[AIVoice] Dropping unparseable frame", "error", perr)
		return nil, nil
	}

	switch payload.Kind {
	case KindAudio:
		return media.ToPCM16(payload.Audio, c.OutputFormat()), nil
	case KindText:
		switch payload.Type {
		case typeAgentResponse:
			slog.Info("[AIVoice] Agent", "text", payload.Text)
		case typeUserTranscript:
			slog.Info("[AIVoice] Caller", "text", payload.Text)
		}
	default:
		switch payload.Type {
		case typePing:
			if err := c.writeJSON(map[string]any{
				"type":     typePong,
				"event_id": payload.EventID,
			}); err != nil {
				slog.Warn("[AIVoice] Pong failed", "error", err)
			}
		case typeInterruption:
			slog.Info("[AIVoice] Agent interrupted")
		}
	}
	return nil, nil
}

// Interrupt tells the agent to stop speaking.
func (c *Client) Interrupt() error {
	if !c.running.Load() {
		return ErrNotConnected
	}
	return c.writeJSON(map[string]any{"type": typeInterruption})
}

// ClearAudioBuffer drops locally pending caller audio and clears the
// service-side input buffer.
func (c *Client) ClearAudioBuffer() error {
	c.pendMu.Lock()
	c.pending = nil
	c.pendMu.Unlock()
	if !c.running.Load() {
		return ErrNotConnected
	}
	return c.writeJSON(map[string]any{"type": typeBufferClear})
}

// Disconnect ends the session, attempting a clean close frame first.
// Safe to call repeatedly and concurrently with ReceiveAudio.
func (c *Client) Disconnect() {
	if !c.running.Swap(false) {
		if c.conn != nil {
			c.conn.Close()
		}
		return
	}
	c.stopPing()

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.conn.Close()

	c.stateMu.Lock()
	if c.closeClass == CloseNone {
		c.closeClass = CloseNormal
	}
	c.stateMu.Unlock()
	slog.Info("[AIVoice] Disconnected", "conversation_id", c.ConversationID())
}

// Running reports whether the session is live.
func (c *Client) Running() bool {
	return c.running.Load()
}

// ConversationID returns the id assigned in the handshake.
func (c *Client) ConversationID() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.conversationID
}

// OutputFormat returns the negotiated agent audio format.
func (c *Client) OutputFormat() media.Format {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.outputFormat
}

// CloseReason reports how the session ended.
func (c *Client) CloseReason() CloseClass {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.closeClass
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(v)
}

func (c *Client) teardown(class CloseClass) {
	if c.running.Swap(false) {
		c.stopPing()
	}
	c.stateMu.Lock()
	c.closeClass = class
	c.stateMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) stopPing() {
	if c.pingStop != nil {
		close(c.pingStop)
		<-c.pingDone
		c.pingStop = nil
	}
}

// pingLoop sends an application-level ping every interval. A failed
// send is logged and the loop keeps going; the read side notices a
// genuinely dead connection first.
func (c *Client) pingLoop() {
	defer close(c.pingDone)
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.pingStop:
			return
		case <-ticker.C:
			id := c.pingEventID.Add(1)
			if err := c.writeJSON(map[string]any{
				"type":     typePing,
				"event_id": id,
			}); err != nil {
				slog.Warn("[AIVoice] Keepalive failed", "event_id", id, "error", err)
			}
		}
	}
}

// classifyClose maps a read error to the session end taxonomy. The
// reason substring is checked before the code: the service reports its
// duration cap with a normal close code.
func classifyClose(err error) CloseClass {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if strings.Contains(ce.Text, sessionLimitReason) {
			return CloseSessionLimit
		}
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			return CloseNormal
		}
		return CloseUnexpected
	}
	if strings.Contains(err.Error(), sessionLimitReason) {
		return CloseSessionLimit
	}
	return CloseUnexpected
}
