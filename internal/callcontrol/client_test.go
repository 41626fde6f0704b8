package callcontrol

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaemon accepts one control connection and answers each decoded
// command through handle. Writing nothing simulates a silent daemon.
type fakeDaemon struct {
	ln     net.Listener
	handle func(cmd wireCommand, conn net.Conn)
}

func newFakeDaemon(t *testing.T, handle func(cmd wireCommand, conn net.Conn)) *fakeDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	d := &fakeDaemon{ln: ln, handle: handle}
	go d.serve()
	return d
}

func (d *fakeDaemon) serve() {
	conn, err := d.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	dec := &Decoder{}
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		dec.Feed(buf[:n])
		for {
			frame, ok := dec.Next()
			if !ok {
				break
			}
			var cmd wireCommand
			if json.Unmarshal(frame, &cmd) == nil {
				d.handle(cmd, conn)
			}
		}
	}
}

func (d *fakeDaemon) client(extra func(*Config)) *Client {
	addr := d.ln.Addr().(*net.TCPAddr)
	cfg := Config{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		SIPDomain:      "sip.example.net",
		LineIndex:      1,
		CommandTimeout: 500 * time.Millisecond,
	}
	if extra != nil {
		extra(&cfg)
	}
	return NewClient(cfg)
}

func writeFrames(conn net.Conn, payloads ...string) {
	for _, p := range payloads {
		conn.Write(Encode([]byte(p)))
	}
}

func TestSendCommandEventOutcome(t *testing.T) {
	daemon := newFakeDaemon(t, func(cmd wireCommand, conn net.Conn) {
		writeFrames(conn,
			`{"response":true,"ok":true,"data":"dialing"}`,
			`{"event":true,"type":"CALL_OUTGOING","class":"call"}`,
		)
	})

	c := daemon.client(nil)
	defer c.Disconnect()

	res, err := c.SendCommand(context.Background(), CommandDial, "sip:100@sip.example.net")
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.NotNil(t, res.Event)
	assert.Equal(t, EventOutgoing, res.Event.Type)
	assert.Len(t, res.Events, 1)
}

func TestSendCommandPlainResponse(t *testing.T) {
	daemon := newFakeDaemon(t, func(cmd wireCommand, conn net.Conn) {
		writeFrames(conn, `{"response":true,"ok":true,"data":"0 registrations"}`)
	})

	c := daemon.client(nil)
	defer c.Disconnect()

	res, err := c.RegInfo(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Nil(t, res.Event)
	assert.Equal(t, "0 registrations", res.Data)
}

func TestSendCommandFailedResponse(t *testing.T) {
	daemon := newFakeDaemon(t, func(cmd wireCommand, conn net.Conn) {
		writeFrames(conn, `{"response":true,"ok":false,"data":"no active call"}`)
	})

	c := daemon.client(nil)
	defer c.Disconnect()

	res, err := c.Hangup(context.Background())
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "no active call", res.Err)
}

func TestSendCommandTimeout(t *testing.T) {
	daemon := newFakeDaemon(t, func(cmd wireCommand, conn net.Conn) {
		// never reply
	})

	c := daemon.client(func(cfg *Config) { cfg.CommandTimeout = 150 * time.Millisecond })
	defer c.Disconnect()

	res, err := c.SendCommand(context.Background(), CommandListCalls, "")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Err, "timeout")
}

func TestSendCommandSerialized(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	daemon := newFakeDaemon(t, func(cmd wireCommand, conn net.Conn) {
		mu.Lock()
		seen = append(seen, cmd.Command)
		mu.Unlock()
		writeFrames(conn, `{"response":true,"ok":true,"data":"done"}`)
	})

	c := daemon.client(nil)
	defer c.Disconnect()

	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Mute(context.Background(), true)
			assert.NoError(t, err)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("commands did not complete")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 3)
}

func TestDialFallbackChain(t *testing.T) {
	var mu sync.Mutex
	var params []string
	daemon := newFakeDaemon(t, func(cmd wireCommand, conn net.Conn) {
		mu.Lock()
		params = append(params, cmd.Params)
		n := len(params)
		mu.Unlock()
		switch n {
		case 1, 2:
			writeFrames(conn, `{"response":true,"ok":false,"data":"could not find UA for sip uri"}`)
		default:
			writeFrames(conn, `{"event":true,"type":"CALL_OUTGOING","class":"call"}`)
		}
	})

	c := daemon.client(nil)
	defer c.Disconnect()

	res, err := c.Dial(context.Background(), "+15551234")
	require.NoError(t, err)
	assert.True(t, res.OK)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, params, 3)
	assert.Equal(t, "sip:15551234@sip.example.net", params[0])
	assert.Equal(t, "15551234", params[1])
	assert.Equal(t, "1 sip:15551234@sip.example.net", params[2])
}

func TestDialStopsOnOtherFailure(t *testing.T) {
	var mu sync.Mutex
	var params []string
	daemon := newFakeDaemon(t, func(cmd wireCommand, conn net.Conn) {
		mu.Lock()
		params = append(params, cmd.Params)
		mu.Unlock()
		writeFrames(conn, `{"response":true,"ok":false,"data":"486 Busy Here"}`)
	})

	c := daemon.client(nil)
	defer c.Disconnect()

	res, err := c.Dial(context.Background(), "15551234")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "486 Busy Here", res.Err)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, params, 1, "busy must not trigger the UA fallback")
}

func TestMonitorStopsOnTerminalEvent(t *testing.T) {
	cmdDaemon := newFakeDaemon(t, func(cmd wireCommand, conn net.Conn) {})

	// Monitor dials its own connection; stream events as they connect.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		wire := append(
			Encode([]byte(`{"event":true,"type":"CALL_OUTGOING","class":"call"}`)),
			Encode([]byte(`{"event":true,"type":"CALL_ESTABLISHED","class":"call"}`))...,
		)
		wire = append(wire, Encode([]byte(`{"event":true,"type":"CALL_CLOSED","param":"hangup"}`))...)
		// Split mid-frame to exercise the incremental decoder.
		conn.Write(wire[:len(wire)/2])
		time.Sleep(20 * time.Millisecond)
		conn.Write(wire[len(wire)/2:])
		time.Sleep(time.Second)
	}()

	c := cmdDaemon.client(func(cfg *Config) {
		cfg.Port = ln.Addr().(*net.TCPAddr).Port
	})

	var seen []EventType
	events, err := c.MonitorCallEvents(context.Background(), 5*time.Second, func(ev Event) {
		seen = append(seen, ev.Type)
	})
	require.NoError(t, err)

	want := []EventType{EventOutgoing, EventEstablished, EventClosed}
	require.Len(t, events, 3)
	assert.Equal(t, want, seen)
	assert.Equal(t, "hangup", events[2].Param)
}

func TestMonitorTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}
	}()

	c := NewClient(Config{
		Host: "127.0.0.1",
		Port: ln.Addr().(*net.TCPAddr).Port,
	})

	start := time.Now()
	events, err := c.MonitorCallEvents(context.Background(), 600*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Less(t, time.Since(start), 2*time.Second)
}
