package sshterminal

import (
	"sync"
)

// defaultScrollbackSize is the default maximum scrollback buffer size (1 MB).
const defaultScrollbackSize = 1024 * 1024

// ScrollbackBuffer is a thread-safe byte buffer that keeps the most recent
// terminal output for replay to late consumers. When the buffer exceeds
// maxLen, older data is trimmed from the front.
type ScrollbackBuffer struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
	total  uint64
}

// NewScrollbackBuffer creates a new scrollback buffer with the given maximum size.
// If maxLen <= 0, defaultScrollbackSize is used.
func NewScrollbackBuffer(maxLen int) *ScrollbackBuffer {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &ScrollbackBuffer{maxLen: maxLen}
}

// Write appends data to the scrollback buffer, trimming from the front
// if the total exceeds maxLen. It returns the stream offset of p's first byte.
func (s *ScrollbackBuffer) Write(p []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.total
	s.total += uint64(len(p))
	s.data = append(s.data, p...)
	if len(s.data) > s.maxLen {
		// copy so the trimmed prefix can be collected
		s.data = append([]byte(nil), s.data[len(s.data)-s.maxLen:]...)
	}
	return start
}

// Snapshot returns a copy of the current buffer contents.
func (s *ScrollbackBuffer) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]byte, len(s.data))
	copy(result, s.data)
	return result
}

// Len returns the current buffer length.
func (s *ScrollbackBuffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// SnapshotWithOffset returns a copy of the buffer contents and the stream
// offset just past its last byte, which is the number of bytes ever written.
func (s *ScrollbackBuffer) SnapshotWithOffset() ([]byte, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]byte, len(s.data))
	copy(result, s.data)
	return result, s.total
}
