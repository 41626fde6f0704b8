package transport

// Transport moves fixed-size telephony audio chunks between the
// bridge and whatever carries the phone call's audio. Implementations
// are single-reader single-writer: the bridge owns one goroutine per
// direction.
type Transport interface {
	// Start opens the underlying audio path.
	Start() error

	// Stop tears the path down. Safe to call more than once.
	Stop() error

	// ReadChunk returns one full chunk of caller audio, or (nil, nil)
	// when a complete chunk has not accumulated yet.
	ReadChunk() ([]byte, error)

	// WriteChunk sends one chunk of agent audio toward the caller.
	// Short or oversized chunks are padded or truncated to fit.
	WriteChunk(pcm []byte) error

	// ChunkBytes is the fixed chunk size in bytes.
	ChunkBytes() int
}
