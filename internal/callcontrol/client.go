package callcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// Daemon command names.
const (
	CommandDial      = "dial"
	CommandHangup    = "hangup"
	CommandAccept    = "accept"
	CommandMute      = "mute"
	CommandUnmute    = "unmute"
	CommandHold      = "hold"
	CommandResume    = "resume"
	CommandListCalls = "listcalls"
	CommandRegInfo   = "reginfo"
)

// ErrNotConnected is returned when a command is issued without a live
// control connection and reconnecting fails.
var ErrNotConnected = errors.New("callcontrol: not connected")

// drainWindow is how long SendCommand keeps reading after the first
// reply, so events emitted in the same burst are not orphaned.
const drainWindow = 50 * time.Millisecond

// Config carries the daemon endpoint and dialing defaults.
type Config struct {
	Host           string
	Port           int
	SIPDomain      string        // domain appended when dialing bare numbers
	LineIndex      int           // account line used by the last dial fallback
	CommandTimeout time.Duration // wait for the first reply frame
}

// CommandResult is the interpreted outcome of one command exchange.
// Exactly one of Event or Data is meaningful on success: Event when the
// burst carried call progress, Data when only a plain reply arrived.
type CommandResult struct {
	OK     bool
	Err    string
	Event  *Event // most significant event in the burst, if any
	Data   string
	Events []Event // every event seen during the exchange, in order
}

// Client speaks the netstring control protocol to the telephony
// daemon. Commands are serialized on a single connection; the protocol
// has no correlation identifiers, so a reply can only be matched to
// the one command in flight.
type Client struct {
	cfg Config

	mu        sync.Mutex // serializes command exchanges
	conn      net.Conn
	dec       *Decoder
	connected bool

	// dialFunc is swapped in tests.
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewClient returns a client for the daemon at cfg.Host:cfg.Port. The
// connection is established lazily on the first command.
func NewClient(cfg Config) *Client {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3 * time.Second
	}
	d := &net.Dialer{}
	return &Client{
		cfg:      cfg,
		dialFunc: d.DialContext,
	}
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
}

// Connect establishes the control connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.connected {
		return nil
	}
	conn, err := c.dialFunc(ctx, "tcp", c.addr())
	if err != nil {
		return fmt.Errorf("connect control %s: %w", c.addr(), err)
	}
	c.conn = conn
	c.dec = &Decoder{}
	c.connected = true
	slog.Info("[CallControl] Connected", "addr", c.addr())
	return nil
}

// Disconnect closes the control connection. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

type wireCommand struct {
	Command string `json:"command"`
	Params  string `json:"params,omitempty"`
}

// SendCommand issues one command and interprets the reply burst. A
// failed response frame or a timeout yields OK=false with Err set; a
// transport error is returned as err and drops the connection so the
// next command reconnects.
func (c *Client) SendCommand(ctx context.Context, command, params string) (*CommandResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, errors.Join(ErrNotConnected, err)
	}

	payload, err := json.Marshal(wireCommand{Command: command, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", command, err)
	}

	slog.Debug("[CallControl] Sending command", "command", command, "params", params)
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.CommandTimeout))
	if _, err := c.conn.Write(Encode(payload)); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	frames, err := c.collectLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("read reply for %s: %w", command, err)
	}
	if frames == nil {
		slog.Warn("[CallControl] Command timed out", "command", command)
		return &CommandResult{OK: false, Err: "command timeout: " + command}, nil
	}

	return interpret(frames), nil
}

// collectLocked reads frames for one exchange: it waits up to
// CommandTimeout for the first frame, then keeps draining short reads
// so a burst of frames from a single command is captured whole. A nil
// slice with nil error means the daemon never replied.
func (c *Client) collectLocked(ctx context.Context) ([][]byte, error) {
	var frames [][]byte
	buf := make([]byte, 4096)
	deadline := time.Now().Add(c.cfg.CommandTimeout)

	for len(frames) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				return nil, nil
			}
			c.dropLocked()
			return nil, err
		}
		c.dec.Feed(buf[:n])
		frames = appendFrames(frames, c.dec)
	}

	for {
		c.conn.SetReadDeadline(time.Now().Add(drainWindow))
		n, err := c.conn.Read(buf)
		if err != nil {
			if !isTimeout(err) {
				c.dropLocked()
			}
			break
		}
		c.dec.Feed(buf[:n])
		frames = appendFrames(frames, c.dec)
	}
	if c.conn != nil {
		c.conn.SetReadDeadline(time.Time{})
	}
	return frames, nil
}

func appendFrames(frames [][]byte, dec *Decoder) [][]byte {
	for {
		p, ok := dec.Next()
		if !ok {
			return frames
		}
		frames = append(frames, p)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// interpret classifies a reply burst. An explicit failed response wins;
// otherwise the highest-priority event describes the outcome; a bare
// successful response falls through to its data payload.
func interpret(frames [][]byte) *CommandResult {
	events, responses := Demux(frames)
	res := &CommandResult{Events: events}

	if len(responses) > 0 && !responses[0].OK {
		res.Err = responses[0].Data
		if res.Err == "" {
			res.Err = "command failed"
		}
		return res
	}

	res.OK = true
	if ev := SelectPriority(events); ev != nil {
		res.Event = ev
		return res
	}
	if len(responses) > 0 {
		res.Data = responses[0].Data
		return res
	}
	res.Data = "sent"
	return res
}

// Dial places an outbound call. The target is tried in up to three
// forms: full SIP URI, bare number, then line-prefixed URI. Each
// fallback is attempted only when the daemon reports it could not find
// a user agent for the previous form; any other failure is final.
func (c *Client) Dial(ctx context.Context, number string) (*CommandResult, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(number), "+")
	uri := fmt.Sprintf("sip:%s@%s", clean, c.cfg.SIPDomain)

	res, err := c.SendCommand(ctx, CommandDial, uri)
	if err != nil || res.OK || !strings.Contains(res.Err, "could not find UA") {
		return res, err
	}

	slog.Warn("[CallControl] Dial URI rejected, retrying with bare number", "number", clean)
	res, err = c.SendCommand(ctx, CommandDial, clean)
	if err != nil || res.OK || !strings.Contains(res.Err, "could not find UA") {
		return res, err
	}

	slog.Warn("[CallControl] Bare number rejected, retrying with line index", "line", c.cfg.LineIndex)
	return c.SendCommand(ctx, CommandDial, fmt.Sprintf("%d %s", c.cfg.LineIndex, uri))
}

// Hangup terminates the active call.
func (c *Client) Hangup(ctx context.Context) (*CommandResult, error) {
	return c.SendCommand(ctx, CommandHangup, "")
}

// Accept answers an incoming call.
func (c *Client) Accept(ctx context.Context) (*CommandResult, error) {
	return c.SendCommand(ctx, CommandAccept, "")
}

// Mute toggles the outbound audio direction.
func (c *Client) Mute(ctx context.Context, enable bool) (*CommandResult, error) {
	if enable {
		return c.SendCommand(ctx, CommandMute, "")
	}
	return c.SendCommand(ctx, CommandUnmute, "")
}

// Hold parks or resumes the active call.
func (c *Client) Hold(ctx context.Context, enable bool) (*CommandResult, error) {
	if enable {
		return c.SendCommand(ctx, CommandHold, "")
	}
	return c.SendCommand(ctx, CommandResume, "")
}

// ListCalls returns the daemon's current call table as raw text.
func (c *Client) ListCalls(ctx context.Context) (*CommandResult, error) {
	return c.SendCommand(ctx, CommandListCalls, "")
}

// RegInfo returns SIP registration status as raw text.
func (c *Client) RegInfo(ctx context.Context) (*CommandResult, error) {
	return c.SendCommand(ctx, CommandRegInfo, "")
}
