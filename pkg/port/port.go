// Package port binds physical transports to the message oriented Port
// interface used by the router.
package port

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
)

var log = logging.MustGetLogger("port")

// Type identifies a transport. Its numeric value doubles as the queue port number.
type Type uint8

// Port types.
const (
	None    Type = 0
	Serial  Type = 1
	LoRa    Type = 2
	SBD     Type = 3
	GsmMqtt Type = 4
)

var typeNames = map[Type]string{
	None:    "none",
	Serial:  "serial",
	LoRa:    "lora",
	SBD:     "sbd",
	GsmMqtt: "gsm-mqtt",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("port(%d)", uint8(t))
}

// ParseType parses a port name as printed by Type.String. "iridium" is accepted for SBD.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "iridium" {
		return SBD, nil
	}
	for t, n := range typeNames {
		if n == s {
			return t, nil
		}
	}
	return None, errors.Errorf("unknown port type %q", s)
}

var (
	// ErrTooLarge is returned by Send for payloads above the transport MTU.
	ErrTooLarge = errors.New("payload exceeds transport MTU")
	// ErrNotConnected is returned by Send when the transport link is down.
	ErrNotConnected = errors.New("transport not connected")
)

// Port is a message oriented transport.
//
// ReadInto copies the oldest received message into buf without consuming
// it and returns its size, or 0 when nothing complete is available. Skip
// consumes the message last returned by ReadInto. Sync must be called once
// per cycle before reading so Available reflects data received in the
// background.
type Port interface {
	Type() Type
	Init() error
	Available() bool
	ReadInto(buf []byte) int
	Skip() error
	Send(data []byte) error
	Sync() error
	Close() error
}
