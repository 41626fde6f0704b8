package transport

// sequenceTracker follows inbound RTP sequence numbers across 16-bit
// rollover and accumulates loss counts for the bridge's stats.
type sequenceTracker struct {
	initialized bool
	lastSeq     uint16
	cycles      uint32
	lost        uint64
	received    uint64
}

// update records a received sequence number and returns how many
// packets went missing since the previous one. Reordered or duplicate
// packets count as zero loss.
func (s *sequenceTracker) update(seq uint16) (lost int) {
	s.received++

	if !s.initialized {
		s.initialized = true
		s.lastSeq = seq
		return 0
	}

	// Forward distance in uint16 space, then signed for direction.
	diff := int16(seq - s.lastSeq)
	if diff > 1 {
		lost = int(diff) - 1
		s.lost += uint64(lost)
	}

	if s.lastSeq > 0xF000 && seq < 0x1000 {
		s.cycles++
	}
	s.lastSeq = seq
	return lost
}

// stats returns cumulative received and lost packet counts.
func (s *sequenceTracker) stats() (received, lost uint64) {
	return s.received, s.lost
}
