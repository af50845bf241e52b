package port

import (
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/acousea/buoynode/pkg/queue"
)

// SerialConfig configures a SerialPort.
type SerialConfig struct {
	Open     Opener
	Inbox    queue.Queue // persistent store of received messages
	RingSize int
	Logger   *logging.Logger
	Now      func() time.Time
}

// SerialPort is the framed wired link to the companion computer. Received
// messages are moved from the reader's Ring into a persistent queue on Sync
// so they survive a restart before being processed.
type SerialPort struct {
	streamLink
	inbox queue.Queue
}

// NewSerial constructs a SerialPort.
func NewSerial(cfg SerialConfig) *SerialPort {
	return &SerialPort{
		streamLink: newStreamLink(cfg.Logger, cfg.Open, cfg.Now, cfg.RingSize),
		inbox:      cfg.Inbox,
	}
}

// Type implements Port.
func (p *SerialPort) Type() Type { return Serial }

// Init opens the device and starts the reader.
func (p *SerialPort) Init() error {
	return p.start()
}

// Available implements Port.
func (p *SerialPort) Available() bool {
	return !p.inbox.IsEmptyForPort(uint8(Serial))
}

// ReadInto implements Port. Messages that do not fit in buf are dropped.
func (p *SerialPort) ReadInto(buf []byte) int {
	return readInbox(p.log, p.inbox, Serial, buf)
}

// Skip implements Port.
func (p *SerialPort) Skip() error {
	return p.inbox.SkipForPort(uint8(Serial))
}

// Send implements Port.
func (p *SerialPort) Send(data []byte) error {
	return p.write(data)
}

// Sync moves received messages into the inbox.
func (p *SerialPort) Sync() error {
	if err := drainInto(p.log, p.ring, p.inbox, Serial); err != nil {
		return err
	}
	return p.inbox.Sync()
}

// Close implements Port.
func (p *SerialPort) Close() error {
	return p.close()
}

// drainInto moves messages from r to q in order. Messages stay in r when q
// is full and are retried on the next call.
func drainInto(l *logging.Logger, r *Ring, q queue.Queue, t Type) error {
	for {
		msg, seq, ok := r.Peek()
		if !ok {
			return nil
		}
		err := q.Push(uint8(t), msg)
		switch errors.Cause(err) {
		case nil:
		case queue.ErrFull:
			return errors.Wrapf(err, "%s inbox", t)
		default:
			l.WithError(err).Warnf("Dropping unstorable %d byte message", len(msg))
		}
		r.Commit(seq)
	}
}

// readInbox peeks the oldest message of t in q. An unreadable record is
// skipped so it cannot stall the port.
func readInbox(l *logging.Logger, q queue.Queue, t Type, buf []byte) int {
	n, err := q.PeekForPort(uint8(t), buf)
	if err == nil {
		return n
	}
	l.WithError(err).Warn("Dropping unreadable inbox record")
	if err := q.SkipForPort(uint8(t)); err != nil {
		l.WithError(err).Error("Failed to skip inbox record")
	}
	return 0
}
