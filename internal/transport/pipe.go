package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sebas/callbridge/internal/media"
)

// PipeConfig names the two FIFOs shared with the telephony daemon.
type PipeConfig struct {
	InPath  string // daemon writes caller audio here
	OutPath string // daemon reads agent audio from here
	Format  media.Format
}

// PipeTransport exchanges raw PCM over a pair of named pipes. Both
// ends are opened non-blocking: the daemon may connect before or after
// us, and a stalled daemon must never wedge the bridge. The read side
// accumulates partial pipe reads until a full chunk is available.
type PipeTransport struct {
	cfg        PipeConfig
	chunkBytes int

	mu         sync.Mutex
	inFD       int
	outFD      int
	started    bool
	acc        []byte
	sizeWarned bool
}

// NewPipeTransport returns a transport over the configured FIFO pair.
func NewPipeTransport(cfg PipeConfig) *PipeTransport {
	if cfg.Format.SampleRate == 0 {
		cfg.Format = media.FormatTelephony
	}
	return &PipeTransport{
		cfg:        cfg,
		chunkBytes: cfg.Format.BytesPerChunk(),
		inFD:       -1,
		outFD:      -1,
	}
}

// ChunkBytes returns the fixed chunk size.
func (p *PipeTransport) ChunkBytes() int {
	return p.chunkBytes
}

// Start creates the FIFOs if needed and opens both ends non-blocking.
// The outbound side is opened read-write so the open succeeds even
// when the daemon has not attached its reader yet.
func (p *PipeTransport) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	for _, path := range []string{p.cfg.InPath, p.cfg.OutPath} {
		if err := unix.Mkfifo(path, 0o666); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("mkfifo %s: %w", path, err)
		}
		if fi, err := os.Stat(path); err == nil && fi.Mode()&os.ModeNamedPipe == 0 {
			return fmt.Errorf("%s exists but is not a fifo", path)
		}
	}

	inFD, err := unix.Open(p.cfg.InPath, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.cfg.InPath, err)
	}
	outFD, err := unix.Open(p.cfg.OutPath, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		unix.Close(inFD)
		return fmt.Errorf("open %s: %w", p.cfg.OutPath, err)
	}

	p.inFD = inFD
	p.outFD = outFD
	p.acc = p.acc[:0]
	p.started = true
	slog.Info("[Transport] Pipes open",
		"in", p.cfg.InPath, "out", p.cfg.OutPath, "chunk_bytes", p.chunkBytes)
	return nil
}

// Stop closes both pipe ends. The FIFO files are left in place for the
// daemon to reuse.
func (p *PipeTransport) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	unix.Close(p.inFD)
	unix.Close(p.outFD)
	p.inFD, p.outFD = -1, -1
	p.started = false
	slog.Info("[Transport] Pipes closed")
	return nil
}

// ReadChunk drains whatever the daemon has written and returns a chunk
// once enough has accumulated. An empty pipe is an underrun, not an
// error.
func (p *PipeTransport) ReadChunk() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil, os.ErrClosed
	}

	buf := make([]byte, p.chunkBytes)
	for len(p.acc) < p.chunkBytes {
		n, err := unix.Read(p.inFD, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return nil, nil
			}
			return nil, fmt.Errorf("read %s: %w", p.cfg.InPath, err)
		}
		if n == 0 {
			// No writer attached yet.
			return nil, nil
		}
		p.acc = append(p.acc, buf[:n]...)
	}

	chunk := make([]byte, p.chunkBytes)
	copy(chunk, p.acc)
	p.acc = p.acc[:copy(p.acc, p.acc[p.chunkBytes:])]
	return chunk, nil
}

// WriteChunk pushes one chunk to the daemon, padding or truncating to
// the fixed size. A full pipe means the daemon stopped draining; the
// chunk is dropped rather than blocking the bridge.
func (p *PipeTransport) WriteChunk(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return os.ErrClosed
	}

	chunk := p.fitChunk(pcm)
	if _, err := unix.Write(p.outFD, chunk); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			slog.Debug("[Transport] Outbound pipe full, dropping chunk")
			return nil
		}
		return fmt.Errorf("write %s: %w", p.cfg.OutPath, err)
	}
	return nil
}

func (p *PipeTransport) fitChunk(pcm []byte) []byte {
	if len(pcm) == p.chunkBytes {
		return pcm
	}
	if !p.sizeWarned {
		slog.Warn("[Transport] Adjusting chunk size",
			"got", len(pcm), "want", p.chunkBytes)
		p.sizeWarned = true
	}
	chunk := make([]byte, p.chunkBytes)
	copy(chunk, pcm)
	return chunk
}
