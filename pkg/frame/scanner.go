package frame

import "bytes"

// DefaultScanBuffer is the default reassembly buffer size of a Scanner.
const DefaultScanBuffer = 4096

// Scanner reassembles frames out of a byte stream. It is not safe for
// concurrent use.
type Scanner struct {
	format Format
	max    int
	buf    []byte
}

// NewScanner returns a Scanner for format f buffering at most max bytes.
func NewScanner(f Format, max int) *Scanner {
	if max <= 0 {
		max = DefaultScanBuffer
	}
	return &Scanner{format: f, max: max}
}

// Write appends stream bytes. When the buffer limit is exceeded the oldest
// bytes are discarded.
func (s *Scanner) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	if over := len(s.buf) - s.max; over > 0 {
		s.buf = append(s.buf[:0], s.buf[over:]...)
	}
	return len(p), nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (s *Scanner) Buffered() int {
	return len(s.buf)
}

// Next returns a copy of the payload of the next complete frame.
func (s *Scanner) Next() (payload []byte, ts uint32, ok bool) {
	for {
		i := bytes.IndexByte(s.buf, s.format.Start)
		if i < 0 {
			s.buf = s.buf[:0]
			return nil, 0, false
		}
		s.discard(i)

		size, ok := s.format.DeclaredSize(s.buf)
		if !ok {
			return nil, 0, false
		}
		if size > s.max {
			s.discard(1)
			continue
		}
		if len(s.buf) < size {
			return nil, 0, false
		}
		view, ok := s.format.Unwrap(s.buf[:size])
		if !ok {
			// Not a frame boundary, resync on the next start byte.
			s.discard(1)
			continue
		}
		payload = append([]byte(nil), view.Payload...)
		s.discard(size)
		return payload, view.Timestamp, true
	}
}

func (s *Scanner) discard(n int) {
	s.buf = append(s.buf[:0], s.buf[n:]...)
}
