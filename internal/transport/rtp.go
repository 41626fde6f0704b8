package transport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/sebas/callbridge/internal/media"
)

// payloadTypePCMU is the static RTP payload type for G.711 µ-law.
const payloadTypePCMU = 0

// RTPConfig describes the UDP endpoints for an RTP audio leg.
type RTPConfig struct {
	ListenAddr string // local addr for inbound caller audio
	RemoteAddr string // where agent audio packets are sent
	Format     media.Format
}

// RTPTransport carries call audio as G.711 µ-law RTP over UDP, for
// deployments where the daemon forwards media instead of writing
// pipes. Inbound payloads are decoded to linear PCM and chunked;
// outbound PCM is µ-law encoded, one packet per chunk.
type RTPTransport struct {
	cfg        RTPConfig
	chunkBytes int

	mu      sync.Mutex
	conn    *net.UDPConn
	remote  *net.UDPAddr
	started bool

	ssrc       uint32
	seq        uint16
	timestamp  uint32
	tracker    sequenceTracker
	acc        []byte
	readBuf    []byte
	sizeWarned bool
}

// NewRTPTransport returns a transport bound to cfg.ListenAddr that
// sends toward cfg.RemoteAddr.
func NewRTPTransport(cfg RTPConfig) *RTPTransport {
	if cfg.Format.SampleRate == 0 {
		cfg.Format = media.FormatTelephony
	}
	return &RTPTransport{
		cfg:        cfg,
		chunkBytes: cfg.Format.BytesPerChunk(),
		ssrc:       randomUint32(),
		seq:        uint16(randomUint32()),
		timestamp:  randomUint32(),
		readBuf:    make([]byte, 2048),
	}
}

// ChunkBytes returns the fixed chunk size in linear PCM bytes.
func (r *RTPTransport) ChunkBytes() int {
	return r.chunkBytes
}

// Start binds the local socket and resolves the remote peer.
func (r *RTPTransport) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	local, err := net.ResolveUDPAddr("udp", r.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolve listen %s: %w", r.cfg.ListenAddr, err)
	}
	remote, err := net.ResolveUDPAddr("udp", r.cfg.RemoteAddr)
	if err != nil {
		return fmt.Errorf("resolve remote %s: %w", r.cfg.RemoteAddr, err)
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.cfg.ListenAddr, err)
	}

	r.conn = conn
	r.remote = remote
	r.acc = r.acc[:0]
	r.tracker = sequenceTracker{}
	r.started = true
	slog.Info("[Transport] RTP socket open",
		"listen", conn.LocalAddr().String(), "remote", remote.String(), "ssrc", r.ssrc)
	return nil
}

// Stop closes the socket and logs loss statistics for the leg.
func (r *RTPTransport) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	received, lost := r.tracker.stats()
	r.conn.Close()
	r.started = false
	slog.Info("[Transport] RTP socket closed", "received", received, "lost", lost)
	return nil
}

// ReadChunk polls the socket and returns a chunk of linear PCM once a
// full chunk's worth of payload has arrived.
func (r *RTPTransport) ReadChunk() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil, os.ErrClosed
	}

	for len(r.acc) < r.chunkBytes {
		r.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, _, err := r.conn.ReadFromUDP(r.readBuf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, nil
			}
			return nil, fmt.Errorf("rtp read: %w", err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(r.readBuf[:n]); err != nil {
			slog.Debug("[Transport] Dropping malformed RTP packet", "error", err)
			continue
		}
		if lost := r.tracker.update(pkt.SequenceNumber); lost > 0 {
			slog.Debug("[Transport] RTP loss", "packets", lost)
		}
		r.acc = append(r.acc, media.ULawToPCM(pkt.Payload)...)
	}

	chunk := make([]byte, r.chunkBytes)
	copy(chunk, r.acc)
	r.acc = r.acc[:copy(r.acc, r.acc[r.chunkBytes:])]
	return chunk, nil
}

// WriteChunk encodes one chunk to µ-law and sends it as a single RTP
// packet, advancing sequence and timestamp by the chunk's samples.
func (r *RTPTransport) WriteChunk(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return os.ErrClosed
	}

	if len(pcm) != r.chunkBytes {
		if !r.sizeWarned {
			slog.Warn("[Transport] Adjusting chunk size",
				"got", len(pcm), "want", r.chunkBytes)
			r.sizeWarned = true
		}
		fitted := make([]byte, r.chunkBytes)
		copy(fitted, pcm)
		pcm = fitted
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadTypePCMU,
			SequenceNumber: r.seq,
			Timestamp:      r.timestamp,
			SSRC:           r.ssrc,
		},
		Payload: media.PCMToULaw(pcm),
	}
	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal rtp: %w", err)
	}
	if _, err := r.conn.WriteToUDP(data, r.remote); err != nil {
		return fmt.Errorf("rtp write: %w", err)
	}

	r.seq++
	r.timestamp += uint32(r.cfg.Format.SamplesPerChunk())
	return nil
}

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x1B2D3F40
	}
	return binary.BigEndian.Uint32(b[:])
}
