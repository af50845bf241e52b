package port

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"go.bug.st/serial"

	"github.com/acousea/buoynode/pkg/frame"
)

// Opener opens the byte stream a transport runs on.
type Opener func() (io.ReadWriteCloser, error)

// OpenSerial returns an Opener for the UART device at path.
func OpenSerial(path string, baud int) Opener {
	return func() (io.ReadWriteCloser, error) {
		p, err := serial.Open(path, &serial.Mode{BaudRate: baud})
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", path)
		}
		return p, nil
	}
}

const readChunk = 256

// streamLink runs a framed byte stream: a reader goroutine unframes
// incoming bytes into a Ring, and writes are framed with the current epoch.
type streamLink struct {
	log  *logging.Logger
	open Opener
	now  func() time.Time
	ring *Ring

	conn   io.ReadWriteCloser
	closed int32
	wg     sync.WaitGroup
}

func newStreamLink(l *logging.Logger, open Opener, now func() time.Time, ringSize int) streamLink {
	if l == nil {
		l = log
	}
	if now == nil {
		now = time.Now
	}
	return streamLink{log: l, open: open, now: now, ring: NewRing(ringSize)}
}

func (s *streamLink) start() error {
	conn, err := s.open()
	if err != nil {
		return err
	}
	s.conn = conn
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop()
	}()
	return nil
}

func (s *streamLink) readLoop() {
	buf := make([]byte, readChunk)
	sc := frame.NewScanner(frame.Stream, frame.DefaultScanBuffer)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			sc.Write(buf[:n]) // nolint: errcheck
			for {
				payload, _, ok := sc.Next()
				if !ok {
					break
				}
				if s.ring.Push(payload) {
					s.log.Warn("Receive ring full, dropped the oldest message")
				}
			}
		}
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 0 && err != io.EOF {
				s.log.WithError(err).Error("Stream read failed")
			}
			return
		}
	}
}

func (s *streamLink) write(payload []byte) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	out := make([]byte, frame.RequiredSize(len(payload)))
	n, ok := frame.Wrap(out, payload, uint32(s.now().Unix()))
	if !ok {
		return ErrTooLarge
	}
	if _, err := s.conn.Write(out[:n]); err != nil {
		return errors.Wrap(err, "stream write")
	}
	return nil
}

func (s *streamLink) close() error {
	if s.conn == nil || !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	err := s.conn.Close()
	s.wg.Wait()
	return err
}
