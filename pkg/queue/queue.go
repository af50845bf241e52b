// Package queue implements per-port packet queues that outlive resets.
package queue

import (
	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
)

var log = logging.MustGetLogger("queue")

const (
	// MaxPort is the highest port number a queue accepts.
	MaxPort = 8
	// MaxRecord is the largest payload a queue accepts.
	MaxRecord = 1024
)

var (
	// ErrFull is returned by Push when the record does not fit. Queues never evict.
	ErrFull = errors.New("queue is full")
	// ErrTooLarge is returned by Push for payloads above MaxRecord.
	ErrTooLarge = errors.New("record too large")
	// ErrEmptyRecord is returned by Push for zero length payloads.
	ErrEmptyRecord = errors.New("empty record")
	// ErrInvalidPort is returned for port numbers outside 1..MaxPort.
	ErrInvalidPort = errors.New("invalid port")
	// ErrShortBuffer is returned when a record does not fit in the read buffer.
	ErrShortBuffer = errors.New("read buffer too small")
	// ErrCorrupt is returned when the backing storage holds an unreadable record.
	ErrCorrupt = errors.New("queue storage is corrupt")
)

// Queue is a FIFO of records tagged with a port number. Records for
// different ports may share storage, but reading one port never consumes
// records of another.
type Queue interface {
	// Begin opens or creates the backing storage.
	Begin() error

	IsEmpty() bool
	IsEmptyForPort(port uint8) bool

	// Push appends a record. A failed push leaves no partial record behind.
	Push(port uint8, data []byte) error

	// PopAny removes the oldest record of any port into buf. It returns 0 when empty.
	PopAny(buf []byte) (int, error)
	// PopForPort removes the oldest record of port into buf. It returns 0 when empty.
	PopForPort(port uint8, buf []byte) (int, error)

	// PeekForPort copies the oldest record of port into buf without removing it.
	PeekForPort(port uint8, buf []byte) (int, error)
	// SkipForPort removes the oldest record of port.
	SkipForPort(port uint8) error

	// Sync flushes pending writes to the backing storage.
	Sync() error
	// Clear removes every record.
	Clear() error
	Close() error
}

func checkPort(port uint8) error {
	if port == 0 || port > MaxPort {
		return errors.Wrapf(ErrInvalidPort, "port %d", port)
	}
	return nil
}

func checkPush(port uint8, data []byte) error {
	if err := checkPort(port); err != nil {
		return err
	}
	switch {
	case len(data) == 0:
		return ErrEmptyRecord
	case len(data) > MaxRecord:
		return ErrTooLarge
	}
	return nil
}

// pop implements PopForPort on top of peek and skip.
func pop(q Queue, port uint8, buf []byte) (int, error) {
	n, err := q.PeekForPort(port, buf)
	if err != nil || n == 0 {
		return 0, err
	}
	if err := q.SkipForPort(port); err != nil {
		return 0, err
	}
	return n, nil
}
