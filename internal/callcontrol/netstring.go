package callcontrol

import (
	"bytes"
	"strconv"
)

const (
	// maxFrameBytes bounds a single frame payload; anything larger is
	// treated as a corrupt length marker.
	maxFrameBytes = 1 << 20

	// maxLengthDigits bounds the decimal length prefix while waiting
	// for its colon to arrive.
	maxLengthDigits = 7
)

// Encode wraps a payload in netstring framing: <decimal-length>:<payload>,
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+maxLengthDigits+2)
	out = strconv.AppendInt(out, int64(len(payload)), 10)
	out = append(out, ':')
	out = append(out, payload...)
	out = append(out, ',')
	return out
}

// Decoder incrementally extracts netstring frames from a TCP byte
// stream. A single read may carry zero, one, or several complete
// frames, or a frame split across reads; the decoder buffers partial
// input and greedily yields whatever is complete. Malformed input is
// discarded up to the next plausible length marker instead of failing
// the connection.
type Decoder struct {
	buf         []byte
	expectComma bool
	skipped     int
}

// Feed appends raw bytes received from the wire.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Skipped reports how many bytes have been discarded during resync.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Next returns the next complete frame payload, or ok=false when more
// input is needed.
func (d *Decoder) Next() ([]byte, bool) {
	for {
		if d.expectComma && len(d.buf) > 0 {
			if d.buf[0] == ',' {
				d.buf = d.buf[1:]
			}
			d.expectComma = false
		}

		d.resync()
		if len(d.buf) == 0 {
			return nil, false
		}

		colon := bytes.IndexByte(d.buf, ':')
		if colon < 0 {
			if len(d.buf) > maxLengthDigits {
				// A length prefix this long cannot be valid.
				d.discard(1)
				continue
			}
			return nil, false
		}

		length, err := strconv.Atoi(string(d.buf[:colon]))
		if err != nil || length < 0 || length > maxFrameBytes {
			// Drop the whole marker, colon included; shaving single
			// digits could leave a shorter run that parses as a valid
			// length and swallows the next frame.
			d.discard(colon + 1)
			continue
		}

		end := colon + 1 + length
		if end > len(d.buf) {
			return nil, false // frame still in flight
		}

		payload := make([]byte, length)
		copy(payload, d.buf[colon+1:end])

		if end < len(d.buf) && d.buf[end] == ',' {
			end++
		} else if end == len(d.buf) {
			// Trailing comma has not arrived yet; swallow it when it does.
			d.expectComma = true
		}
		d.buf = d.buf[end:]
		return payload, true
	}
}

// resync drops leading bytes that cannot start a length prefix.
func (d *Decoder) resync() {
	i := 0
	for i < len(d.buf) && (d.buf[i] < '0' || d.buf[i] > '9') {
		i++
	}
	if i > 0 {
		d.discard(i)
	}
}

func (d *Decoder) discard(n int) {
	d.buf = d.buf[n:]
	d.skipped += n
}
